/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mcp serves the broker over JSON-RPC 2.0 on stdio. Tools build bus
// messages, resources expose the read models, prompts are static operational
// templates. The server owns no domain logic; everything runs behind the bus.
package mcp

import "encoding/json"

// Standard JSON-RPC 2.0 codes, plus the application range for tool, resource,
// and prompt failures.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	codeUnknownTool     = 1001
	codeToolFailure     = 1002
	codeUnknownResource = 1003
	codeResourceFailure = 1004
	codeUnknownPrompt   = 1005
	codePromptFailure   = 1006
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the request carries no id and therefore
// expects no response.
func (r rpcRequest) notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func result(id json.RawMessage, value any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: value}
}

func failure(id json.RawMessage, code int, message string, data any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}
