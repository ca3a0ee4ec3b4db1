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

package mcp_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/broker"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

var _ = Describe("Server", func() {
	Context("Lifecycle", func() {
		It("should answer initialize with server info", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
			Expect(responses).To(HaveLen(1))
			info := rpcResultOf(responses[0])["serverInfo"].(map[string]any)
			Expect(info["name"]).To(Equal("hostbroker"))
			Expect(info["version"]).To(Equal("test"))
		})

		It("should not answer notifications", func() {
			responses := roundTrip(
				`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
				`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
			)
			Expect(responses).To(HaveLen(1))
			Expect(responses[0]["id"]).To(BeEquivalentTo(2))
		})

		It("should report parse errors with a null id", func() {
			responses := roundTrip(`{not json`)
			Expect(responses).To(HaveLen(1))
			Expect(rpcErrorOf(responses[0])["code"]).To(BeEquivalentTo(-32700))
			Expect(responses[0]["id"]).To(BeNil())
		})

		It("should reject unknown methods", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"shenanigans"}`)
			Expect(rpcErrorOf(responses[0])["code"]).To(BeEquivalentTo(-32601))
		})

		It("should reject requests without a jsonrpc version", func() {
			responses := roundTrip(`{"id":1,"method":"ping"}`)
			Expect(rpcErrorOf(responses[0])["code"]).To(BeEquivalentTo(-32600))
		})
	})

	Context("Tools", func() {
		It("should list the tool inventory", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
			tools := rpcResultOf(responses[0])["tools"].([]any)
			names := []string{}
			for _, tool := range tools {
				names = append(names, tool.(map[string]any)["name"].(string))
			}
			Expect(names).To(ContainElements("acquire_machines", "return_machines", "cancel_request", "list_templates", "provider_health"))
		})

		It("should call a tool through the bus", func() {
			msgBus.RegisterCommandHandler(broker.CmdAcquireMachines, stubCommand{value: &v1.Request{RequestID: "req-1", Status: v1.RequestStatusCompleted}})
			responses := roundTrip(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"acquire_machines","arguments":{"template_id":"compute-od","count":2}}}`)
			content := rpcResultOf(responses[0])["content"].([]any)
			Expect(content).To(HaveLen(1))
			text := content[0].(map[string]any)["text"].(string)
			Expect(text).To(ContainSubstring(`"request_id":"req-1"`))
		})

		It("should map a failed outcome onto the tool failure code", func() {
			msgBus.RegisterCommandHandler(broker.CmdAcquireMachines, stubCommand{err: errors.New(errors.KindValidation, "count must be positive")})
			responses := roundTrip(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"acquire_machines","arguments":{"template_id":"compute-od","count":0}}}`)
			errValue := rpcErrorOf(responses[0])
			Expect(errValue["code"]).To(BeEquivalentTo(1002))
			Expect(errValue["message"]).To(ContainSubstring("count must be positive"))
			Expect(errValue["data"].(map[string]any)["kind"]).To(Equal("validation"))
		})

		It("should reject unknown tools", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"launch_rockets"}}`)
			Expect(rpcErrorOf(responses[0])["code"]).To(BeEquivalentTo(1001))
		})

		It("should reject calls without a tool name", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`)
			Expect(rpcErrorOf(responses[0])["code"]).To(BeEquivalentTo(-32602))
		})
	})

	Context("Resources", func() {
		It("should list the resource catalog", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
			resources := rpcResultOf(responses[0])["resources"].([]any)
			uris := []string{}
			for _, resource := range resources {
				uris = append(uris, resource.(map[string]any)["uri"].(string))
			}
			Expect(uris).To(ContainElements("hostbroker://templates", "hostbroker://requests", "hostbroker://machines", "hostbroker://providers"))
		})

		It("should read a collection resource", func() {
			msgBus.RegisterQueryHandler(broker.QueryListTemplates, stubQuery{value: []*v1.Template{{TemplateID: "compute-od"}}})
			responses := roundTrip(`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"hostbroker://templates"}}`)
			contents := rpcResultOf(responses[0])["contents"].([]any)
			Expect(contents).To(HaveLen(1))
			entry := contents[0].(map[string]any)
			Expect(entry["uri"]).To(Equal("hostbroker://templates"))
			Expect(entry["text"].(string)).To(ContainSubstring("compute-od"))
		})

		It("should read a single aggregate by id suffix", func() {
			msgBus.RegisterQueryHandler(broker.QueryGetRequest, stubQuery{value: &v1.Request{RequestID: "req-9"}})
			responses := roundTrip(`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"hostbroker://requests/req-9"}}`)
			contents := rpcResultOf(responses[0])["contents"].([]any)
			Expect(contents[0].(map[string]any)["text"].(string)).To(ContainSubstring("req-9"))
		})

		It("should reject unknown resources", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"hostbroker://moon_base"}}`)
			Expect(rpcErrorOf(responses[0])["code"]).To(BeEquivalentTo(1003))
		})

		It("should map a failed read onto the resource failure code", func() {
			msgBus.RegisterQueryHandler(broker.QueryGetRequest, stubQuery{err: errors.New(errors.KindNotFound, "request not found")})
			responses := roundTrip(`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"hostbroker://requests/req-404"}}`)
			errValue := rpcErrorOf(responses[0])
			Expect(errValue["code"]).To(BeEquivalentTo(1004))
			Expect(errValue["message"]).To(ContainSubstring("not found"))
		})
	})

	Context("Prompts", func() {
		It("should list prompts with their arguments", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`)
			prompts := rpcResultOf(responses[0])["prompts"].([]any)
			names := []string{}
			for _, prompt := range prompts {
				names = append(names, prompt.(map[string]any)["name"].(string))
			}
			Expect(names).To(ConsistOf("diagnose_request", "capacity_report", "template_review"))
		})

		It("should render a prompt with its arguments", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"diagnose_request","arguments":{"request_id":"req-7"}}}`)
			messages := rpcResultOf(responses[0])["messages"].([]any)
			Expect(messages).To(HaveLen(1))
			content := messages[0].(map[string]any)["content"].(map[string]any)
			Expect(content["text"].(string)).To(ContainSubstring("req-7"))
		})

		It("should fail a prompt missing a required argument", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"diagnose_request"}}`)
			Expect(rpcErrorOf(responses[0])["code"]).To(BeEquivalentTo(1006))
		})

		It("should reject unknown prompts", func() {
			responses := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"write_a_poem"}}`)
			Expect(rpcErrorOf(responses[0])["code"]).To(BeEquivalentTo(1005))
		})
	})
})
