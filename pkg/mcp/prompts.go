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

import "fmt"

type promptArgument struct {
	Name        string
	Description string
	Required    bool
}

type promptDef struct {
	PromptName  string
	Description string
	Arguments   []promptArgument
	Render      func(arguments map[string]string) string
}

// promptTable holds the static operational prompts. They reference tools and
// resources by name so a client can follow up without guessing.
func promptTable() []promptDef {
	return []promptDef{
		{
			PromptName:  "diagnose_request",
			Description: "Walk through why a request did not complete.",
			Arguments: []promptArgument{
				{Name: "request_id", Description: "The request to diagnose.", Required: true},
			},
			Render: func(arguments map[string]string) string {
				return fmt.Sprintf(
					"Diagnose request %s. Read it with the get_request tool, inspect its "+
						"status_message and machine statuses, check the owning provider with "+
						"provider_health, and summarize the failure cause with a suggested fix.",
					arguments["request_id"])
			},
		},
		{
			PromptName:  "capacity_report",
			Description: "Summarize current capacity usage across providers.",
			Render: func(map[string]string) string {
				return "Produce a capacity report: list providers with list_providers, read " +
					"hostbroker://machines, group machines by provider and status, and call " +
					"provider_metrics for success rates. Flag providers that are unhealthy " +
					"or saturated."
			},
		},
		{
			PromptName:  "template_review",
			Description: "Review a template for correctness before production use.",
			Arguments: []promptArgument{
				{Name: "template_id", Description: "The template to review.", Required: true},
			},
			Render: func(arguments map[string]string) string {
				return fmt.Sprintf(
					"Review template %s. Fetch it with get_template, run validate_template, "+
						"and report image, subnet, and instance type problems along with the "+
						"validation diagnostics.",
					arguments["template_id"])
			},
		},
	}
}
