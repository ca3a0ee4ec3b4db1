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
	"context"
	"encoding/json"

	"github.com/hostfactory/hostbroker/pkg/broker"
	"github.com/hostfactory/hostbroker/pkg/bus"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

type toolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
	Call        func(ctx context.Context, arguments json.RawMessage) bus.Outcome
}

// toolTable is the complete tool inventory. Every tool deserializes its
// arguments into the corresponding bus message; the bus does the rest.
func toolTable(b *bus.Bus) []toolDef {
	return []toolDef{
		{
			Name:        "acquire_machines",
			Description: "Acquire machines from a template through the configured providers.",
			InputSchema: objectSchema(map[string]any{
				"template_id":      map[string]any{"type": "string"},
				"count":            map[string]any{"type": "integer", "minimum": 1},
				"provider_name":    map[string]any{"type": "string"},
				"deadline_seconds": map[string]any{"type": "integer"},
			}, "template_id", "count"),
			Call: dispatch[broker.AcquireMachines](b),
		},
		{
			Name:        "return_machines",
			Description: "Return machines by request id or by explicit machine ids.",
			InputSchema: objectSchema(map[string]any{
				"request_id":  map[string]any{"type": "string"},
				"machine_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}),
			Call: dispatch[broker.ReturnMachines](b),
		},
		{
			Name:        "cancel_request",
			Description: "Cancel an in-flight request. Cancelling a finished request is a no-op.",
			InputSchema: objectSchema(map[string]any{
				"request_id": map[string]any{"type": "string"},
			}, "request_id"),
			Call: dispatch[broker.CancelRequest](b),
		},
		{
			Name:        "get_request",
			Description: "Fetch one request with its machines.",
			InputSchema: objectSchema(map[string]any{
				"request_id": map[string]any{"type": "string"},
			}, "request_id"),
			Call: ask[broker.GetRequest](b),
		},
		{
			Name:        "list_requests",
			Description: "List requests, optionally filtered by status, type, or template.",
			InputSchema: objectSchema(map[string]any{
				"statuses":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"type":        map[string]any{"type": "string"},
				"template_id": map[string]any{"type": "string"},
				"offset":      map[string]any{"type": "integer"},
				"limit":       map[string]any{"type": "integer"},
			}),
			Call: ask[broker.ListRequests](b),
		},
		{
			Name:        "get_machine",
			Description: "Fetch one machine.",
			InputSchema: objectSchema(map[string]any{
				"machine_id": map[string]any{"type": "string"},
			}, "machine_id"),
			Call: ask[broker.GetMachine](b),
		},
		{
			Name:        "list_machines",
			Description: "List machines, optionally filtered by status, request, or provider.",
			InputSchema: objectSchema(map[string]any{
				"statuses":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"request_id":    map[string]any{"type": "string"},
				"provider_name": map[string]any{"type": "string"},
				"offset":        map[string]any{"type": "integer"},
				"limit":         map[string]any{"type": "integer"},
			}),
			Call: ask[broker.ListMachines](b),
		},
		{
			Name:        "get_template",
			Description: "Fetch one template from the merged template set.",
			InputSchema: objectSchema(map[string]any{
				"template_id": map[string]any{"type": "string"},
			}, "template_id"),
			Call: ask[broker.GetTemplate](b),
		},
		{
			Name:        "list_templates",
			Description: "List the merged template set.",
			InputSchema: objectSchema(map[string]any{}),
			Call:        ask[broker.ListTemplates](b),
		},
		{
			Name:        "validate_template",
			Description: "Validate a template against its provider.",
			InputSchema: objectSchema(map[string]any{
				"template_id":   map[string]any{"type": "string"},
				"provider_name": map[string]any{"type": "string"},
			}, "template_id"),
			Call: dispatch[broker.ValidateTemplate](b),
		},
		{
			Name:        "list_providers",
			Description: "List the registered provider instances.",
			InputSchema: objectSchema(map[string]any{}),
			Call:        ask[broker.ListProviders](b),
		},
		{
			Name:        "provider_health",
			Description: "Report provider health, optionally probing instead of reading the last result.",
			InputSchema: objectSchema(map[string]any{
				"names": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"probe": map[string]any{"type": "boolean"},
			}),
			Call: ask[broker.ProviderHealth](b),
		},
		{
			Name:        "provider_metrics",
			Description: "Report per-provider operation counters and latency.",
			InputSchema: objectSchema(map[string]any{
				"names": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}),
			Call: ask[broker.ProviderMetrics](b),
		},
		{
			Name:        "set_selection_policy",
			Description: "Switch the provider selection policy at runtime.",
			InputSchema: objectSchema(map[string]any{
				"policy": map[string]any{"type": "string"},
			}, "policy"),
			Call: dispatch[broker.SetSelectionPolicy](b),
		},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func dispatch[T bus.Command](b *bus.Bus) func(context.Context, json.RawMessage) bus.Outcome {
	return func(ctx context.Context, arguments json.RawMessage) bus.Outcome {
		var msg T
		if err := decodeArguments(arguments, &msg); err != nil {
			return argumentFailure(err)
		}
		return b.Dispatch(ctx, msg)
	}
}

func ask[T bus.Query](b *bus.Bus) func(context.Context, json.RawMessage) bus.Outcome {
	return func(ctx context.Context, arguments json.RawMessage) bus.Outcome {
		var msg T
		if err := decodeArguments(arguments, &msg); err != nil {
			return argumentFailure(err)
		}
		return b.Ask(ctx, msg)
	}
}

func decodeArguments(arguments json.RawMessage, into any) error {
	if len(arguments) == 0 {
		return nil
	}
	return json.Unmarshal(arguments, into)
}

func argumentFailure(err error) bus.Outcome {
	return bus.Outcome{OK: false, Kind: errors.KindValidation, Message: "decoding tool arguments: " + err.Error()}
}
