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

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/mcp"
	"github.com/hostfactory/hostbroker/pkg/utils/project"
)

func newMCPCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol server over stdio",
	}
	tools := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke MCP tools",
	}
	tools.AddCommand(
		newMCPToolsListCommand(opts),
		newMCPToolsCallCommand(opts),
		newMCPToolsInfoCommand(opts),
	)
	cmd.AddCommand(
		newMCPServeCommand(opts),
		newMCPValidateCommand(opts),
		tools,
	)
	return cmd
}

func newMCPServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP requests on stdin/stdout until EOF",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			server := mcp.NewServer(rt.bus, project.Version)
			return server.Serve(ctx, os.Stdin, os.Stdout)
		},
	}
}

// rpcCall performs one JSON-RPC exchange against an in-process server. The
// CLI reuses the wire surface instead of reaching into server internals.
func rpcCall(ctx context.Context, server *mcp.Server, method string, params any) (map[string]any, error) {
	request := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		request["params"] = params
	}
	line, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	in := bytes.NewReader(append(line, '\n'))
	var out bytes.Buffer
	if err := server.Serve(ctx, in, &out); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(&out)
	if !scanner.Scan() {
		return nil, errors.New(errors.KindInternal, "no response from mcp server")
	}
	var response map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, err
	}
	if rpcErr, ok := response["error"].(map[string]any); ok {
		return nil, errors.New(errors.KindInternal, "mcp error %v: %v", rpcErr["code"], rpcErr["message"])
	}
	result, _ := response["result"].(map[string]any)
	return result, nil
}

func mcpTools(ctx context.Context, server *mcp.Server) ([]map[string]any, error) {
	result, err := rpcCall(ctx, server, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := result["tools"].([]any)
	return lo.FilterMap(raw, func(entry any, _ int) (map[string]any, bool) {
		tool, ok := entry.(map[string]any)
		return tool, ok
	}), nil
}

func newMCPToolsListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			tools, err := mcpTools(ctx, mcp.NewServer(rt.bus, project.Version))
			if err != nil {
				return err
			}
			rows := lo.Map(tools, func(tool map[string]any, _ int) []string {
				name, _ := tool["name"].(string)
				description, _ := tool["description"].(string)
				return []string{name, description}
			})
			return newRenderer(opts, cmd.OutOrStdout()).table(tools, []string{"TOOL", "DESCRIPTION"}, rows)
		},
	}
}

func newMCPToolsCallCommand(opts *globalOptions) *cobra.Command {
	var arguments string
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a tool with JSON arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			decoded := map[string]any{}
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &decoded); err != nil {
					return errors.Wrap(err, errors.KindValidation, "parsing tool arguments")
				}
			}
			result, err := rpcCall(ctx, mcp.NewServer(rt.bus, project.Version), "tools/call",
				map[string]any{"name": args[0], "arguments": decoded})
			if err != nil {
				return err
			}
			return newRenderer(opts, cmd.OutOrStdout()).emit(result)
		},
	}
	cmd.Flags().StringVar(&arguments, "args", "", "Tool arguments as a JSON object")
	return cmd
}

func newMCPToolsInfoCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <tool>",
		Short: "Show one tool's description and input schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			tools, err := mcpTools(ctx, mcp.NewServer(rt.bus, project.Version))
			if err != nil {
				return err
			}
			tool, found := lo.Find(tools, func(tool map[string]any) bool { return tool["name"] == args[0] })
			if !found {
				return errors.New(errors.KindNotFound, "tool %q is not registered", args[0])
			}
			return newRenderer(opts, cmd.OutOrStdout()).emit(tool)
		},
	}
}

func newMCPValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Handshake with the server and verify the tool surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			server := mcp.NewServer(rt.bus, project.Version)
			result, err := rpcCall(ctx, server, "initialize", map[string]any{})
			if err != nil {
				return err
			}
			tools, err := mcpTools(ctx, server)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "protocol %v, %d tools\n", result["protocolVersion"], len(tools))
			return nil
		},
	}
}
