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

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hostfactory/hostbroker/pkg/bus"
	"github.com/hostfactory/hostbroker/pkg/log"
)

const protocolVersion = "2024-11-05"

// Server speaks newline-delimited JSON-RPC 2.0. One instance serves one
// connection; requests are handled in arrival order.
type Server struct {
	bus       *bus.Bus
	version   string
	tools     []toolDef
	resources []resourceDef
	prompts   []promptDef
}

func NewServer(b *bus.Bus, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		bus:       b,
		version:   version,
		tools:     toolTable(b),
		resources: resourceTable(b),
		prompts:   promptTable(),
	}
}

// Serve reads requests from in until EOF or context cancellation.
// Notifications produce no response; malformed lines produce a parse error
// with a null id.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	encoder := json.NewEncoder(out)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := encoder.Encode(failure(nil, codeParseError, "parse error", nil)); err != nil {
				return err
			}
			continue
		}
		resp := s.handle(ctx, req)
		if req.notification() || resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		log.FromContext(ctx).Error(err, "reading jsonrpc stream")
		return err
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req rpcRequest) *rpcResponse {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return failure(req.ID, codeInvalidRequest, "invalid request", nil)
	}
	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
				"prompts":   map[string]any{},
			},
			"serverInfo": map[string]any{"name": "hostbroker", "version": s.version},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return s.listTools(req.ID)
	case "tools/call":
		return s.callTool(ctx, req)
	case "resources/list":
		return s.listResources(req.ID)
	case "resources/read":
		return s.readResource(ctx, req)
	case "prompts/list":
		return s.listPrompts(req.ID)
	case "prompts/get":
		return s.getPrompt(req)
	default:
		return failure(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (s *Server) listTools(id json.RawMessage) *rpcResponse {
	tools := make([]map[string]any, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": tool.InputSchema,
		})
	}
	return result(id, map[string]any{"tools": tools})
}

func (s *Server) callTool(ctx context.Context, req rpcRequest) *rpcResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return failure(req.ID, codeInvalidParams, "tools/call requires a tool name", nil)
	}
	for _, tool := range s.tools {
		if tool.Name != params.Name {
			continue
		}
		outcome := tool.Call(ctx, params.Arguments)
		if !outcome.OK {
			return failure(req.ID, codeToolFailure, outcome.Message, map[string]any{
				"kind":      outcome.Kind,
				"retryable": outcome.Retryable,
				"details":   outcome.Details,
			})
		}
		text, err := json.Marshal(outcome.Value)
		if err != nil {
			return failure(req.ID, codeToolFailure, "serializing tool result", nil)
		}
		return result(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(text)}},
		})
	}
	return failure(req.ID, codeUnknownTool, fmt.Sprintf("unknown tool %q", params.Name), nil)
}

func (s *Server) listResources(id json.RawMessage) *rpcResponse {
	resources := make([]map[string]any, 0, len(s.resources))
	for _, resource := range s.resources {
		resources = append(resources, map[string]any{
			"uri":         resource.URI,
			"name":        resource.ResourceName,
			"description": resource.Description,
			"mimeType":    "application/json",
		})
	}
	return result(id, map[string]any{"resources": resources})
}

func (s *Server) readResource(ctx context.Context, req rpcRequest) *rpcResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return failure(req.ID, codeInvalidParams, "resources/read requires a uri", nil)
	}
	outcome, ok := resolveResource(ctx, s.bus, s.resources, params.URI)
	if !ok {
		return failure(req.ID, codeUnknownResource, fmt.Sprintf("unknown resource %q", params.URI), nil)
	}
	if !outcome.OK {
		return failure(req.ID, codeResourceFailure, outcome.Message, map[string]any{
			"kind":      outcome.Kind,
			"retryable": outcome.Retryable,
			"details":   outcome.Details,
		})
	}
	text, err := json.Marshal(outcome.Value)
	if err != nil {
		return failure(req.ID, codeResourceFailure, "serializing resource", nil)
	}
	return result(req.ID, map[string]any{
		"contents": []map[string]any{{
			"uri":      params.URI,
			"mimeType": "application/json",
			"text":     string(text),
		}},
	})
}

func (s *Server) listPrompts(id json.RawMessage) *rpcResponse {
	prompts := make([]map[string]any, 0, len(s.prompts))
	for _, prompt := range s.prompts {
		arguments := make([]map[string]any, 0, len(prompt.Arguments))
		for _, arg := range prompt.Arguments {
			arguments = append(arguments, map[string]any{
				"name":        arg.Name,
				"description": arg.Description,
				"required":    arg.Required,
			})
		}
		prompts = append(prompts, map[string]any{
			"name":        prompt.PromptName,
			"description": prompt.Description,
			"arguments":   arguments,
		})
	}
	return result(id, map[string]any{"prompts": prompts})
}

func (s *Server) getPrompt(req rpcRequest) *rpcResponse {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return failure(req.ID, codeInvalidParams, "prompts/get requires a prompt name", nil)
	}
	for _, prompt := range s.prompts {
		if prompt.PromptName != params.Name {
			continue
		}
		for _, arg := range prompt.Arguments {
			if arg.Required && params.Arguments[arg.Name] == "" {
				return failure(req.ID, codePromptFailure, fmt.Sprintf("prompt %q requires argument %q", prompt.PromptName, arg.Name), nil)
			}
		}
		return result(req.ID, map[string]any{
			"description": prompt.Description,
			"messages": []map[string]any{{
				"role":    "user",
				"content": map[string]any{"type": "text", "text": prompt.Render(params.Arguments)},
			}},
		})
	}
	return failure(req.ID, codeUnknownPrompt, fmt.Sprintf("unknown prompt %q", params.Name), nil)
}
