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
	"strings"

	"github.com/hostfactory/hostbroker/pkg/broker"
	"github.com/hostfactory/hostbroker/pkg/bus"
)

const uriScheme = "hostbroker://"

type resourceDef struct {
	URI          string
	ResourceName string
	Description  string
	Read         func(ctx context.Context, b *bus.Bus) bus.Outcome
}

// resourceTable lists the collection resources. Single aggregates are read
// through id-suffixed URIs resolved in resolveResource.
func resourceTable(*bus.Bus) []resourceDef {
	return []resourceDef{
		{
			URI:          uriScheme + "templates",
			ResourceName: "Templates",
			Description:  "The merged template set.",
			Read: func(ctx context.Context, b *bus.Bus) bus.Outcome {
				return b.Ask(ctx, broker.ListTemplates{})
			},
		},
		{
			URI:          uriScheme + "requests",
			ResourceName: "Requests",
			Description:  "All acquire and return requests.",
			Read: func(ctx context.Context, b *bus.Bus) bus.Outcome {
				return b.Ask(ctx, broker.ListRequests{})
			},
		},
		{
			URI:          uriScheme + "machines",
			ResourceName: "Machines",
			Description:  "All machines across providers.",
			Read: func(ctx context.Context, b *bus.Bus) bus.Outcome {
				return b.Ask(ctx, broker.ListMachines{})
			},
		},
		{
			URI:          uriScheme + "providers",
			ResourceName: "Providers",
			Description:  "The registered provider instances.",
			Read: func(ctx context.Context, b *bus.Bus) bus.Outcome {
				return b.Ask(ctx, broker.ListProviders{})
			},
		},
		{
			URI:          uriScheme + "providers/health",
			ResourceName: "Provider health",
			Description:  "The last recorded provider health statuses.",
			Read: func(ctx context.Context, b *bus.Bus) bus.Outcome {
				return b.Ask(ctx, broker.ProviderHealth{})
			},
		},
	}
}

// resolveResource maps a URI onto a read. Exact matches hit the table;
// id-suffixed URIs read a single aggregate.
func resolveResource(ctx context.Context, b *bus.Bus, resources []resourceDef, uri string) (bus.Outcome, bool) {
	for _, resource := range resources {
		if resource.URI == uri {
			return resource.Read(ctx, b), true
		}
	}
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return bus.Outcome{}, false
	}
	collection, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return bus.Outcome{}, false
	}
	switch collection {
	case "templates":
		return b.Ask(ctx, broker.GetTemplate{TemplateID: id}), true
	case "requests":
		return b.Ask(ctx, broker.GetRequest{RequestID: id}), true
	case "machines":
		return b.Ask(ctx, broker.GetMachine{MachineID: id}), true
	default:
		return bus.Outcome{}, false
	}
}
