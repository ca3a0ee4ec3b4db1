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

package scheduler_test

import (
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/scheduler"
)

var _ = Describe("Strategies", func() {
	var request *v1.Request
	var machine *v1.Machine
	var template *v1.Template
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	BeforeEach(func() {
		request = v1.NewRequest(v1.RequestTypeAcquire, "gpu-small", 2, now)
		machine = &v1.Machine{
			MachineID:    "m-1",
			InstanceID:   "i-0123456789abcdef0",
			RequestID:    request.RequestID,
			TemplateID:   "gpu-small",
			ProviderName: "aws",
			Name:         "ip-10-0-0-1",
			PrivateIP:    "10.0.0.1",
			InstanceType: "g5.xlarge",
			LaunchTime:   now,
			Status:       v1.MachineStatusRunning,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		template = &v1.Template{
			TemplateID:    "gpu-small",
			MaxNumber:     10,
			InstanceTypes: []string{"g5.xlarge", "g5.2xlarge"},
			Attributes:    map[string]string{"zone": "us-east-1a"},
		}
	})

	It("should reject an unknown strategy name", func() {
		_, err := scheduler.New("slurm", scheduler.Options{})
		Expect(err).To(HaveOccurred())
	})
	It("should resolve the hf alias", func() {
		strategy, err := scheduler.New("hf", scheduler.Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(strategy.Name()).To(Equal("hostfactory"))
	})

	Context("Default", func() {
		var strategy scheduler.Strategy

		BeforeEach(func() {
			var err error
			strategy, err = scheduler.New("default", scheduler.Options{})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should keep native field names and status vocabulary", func() {
			view := strategy.RequestView(request, []*v1.Machine{machine})
			Expect(view["request_id"]).To(Equal(request.RequestID))
			Expect(view["status"]).To(Equal("pending"))
			machines := view["machines"].([]any)
			Expect(machines[0].(map[string]any)["machine_id"]).To(Equal("m-1"))
		})
		It("should round-trip a request through encode and decode", func() {
			data, err := scheduler.Encode(strategy.RequestView(request, nil))
			Expect(err).ToNot(HaveOccurred())
			decoded, err := strategy.(*scheduler.Default).DecodeRequest(data)
			Expect(err).ToNot(HaveOccurred())
			Expect(decoded).To(Equal(request))
		})
		It("should map exit codes from terminal status", func() {
			Expect(strategy.ExitCode(v1.RequestStatusCompleted)).To(Equal(0))
			Expect(strategy.ExitCode(v1.RequestStatusPartial)).To(Equal(1))
			Expect(strategy.ExitCode(v1.RequestStatusFailed)).To(Equal(1))
		})
	})

	Context("HostFactory", func() {
		var strategy scheduler.Strategy

		BeforeEach(func() {
			var err error
			strategy, err = scheduler.New("hostfactory", scheduler.Options{
				Lookup: func(instanceType string) (scheduler.InstanceTypeInfo, bool) {
					if instanceType == "g5.xlarge" {
						return scheduler.InstanceTypeInfo{VCPUCount: 4, MemoryMiB: 16384, Architecture: "X86_64"}, true
					}
					return scheduler.InstanceTypeInfo{}, false
				},
				DefaultVCPUCount: 1,
				DefaultMemoryMiB: 1024,
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should remap request fields to camelCase and the wire vocabulary", func() {
			view := strategy.RequestView(request, []*v1.Machine{machine})
			Expect(view["requestId"]).To(Equal(request.RequestID))
			Expect(view["status"]).To(Equal("running"))
			wire := view["machines"].([]any)[0].(map[string]any)
			Expect(wire["machineId"]).To(Equal("m-1"))
			Expect(wire["result"]).To(Equal("succeed"))
			Expect(wire["privateIpAddress"]).To(Equal("10.0.0.1"))
			Expect(wire["launchtime"]).To(Equal(now.Unix()))
		})
		It("should map request statuses onto the three wire states", func() {
			for status, wire := range map[v1.RequestStatus]string{
				v1.RequestStatusPending:    "running",
				v1.RequestStatusInProgress: "running",
				v1.RequestStatusCompleted:  "complete",
				v1.RequestStatusPartial:    "complete_with_error",
				v1.RequestStatusFailed:     "complete_with_error",
				v1.RequestStatusTimeout:    "complete_with_error",
			} {
				request.Status = status
				Expect(strategy.RequestView(request, nil)["status"]).To(Equal(wire), string(status))
			}
		})
		It("should synthesize ncpus and nram from the instance-type table", func() {
			view := strategy.TemplateView(template)
			Expect(view["templateId"]).To(Equal("gpu-small"))
			Expect(view["maxNumber"]).To(Equal(10))
			Expect(view["vmType"]).To(Equal("g5.xlarge"))
			attributes := view["attributes"].(map[string]any)
			Expect(attributes["ncpus"]).To(Equal([]string{"Numeric", "4"}))
			Expect(attributes["nram"]).To(Equal([]string{"Numeric", "16384"}))
			Expect(attributes["type"]).To(Equal([]string{"String", "X86_64"}))
			Expect(attributes["zone"]).To(Equal([]string{"String", "us-east-1a"}))
		})
		It("should fall back to configured defaults when the lookup misses", func() {
			template.InstanceTypes = []string{"exotic.metal"}
			attributes := strategy.TemplateView(template)["attributes"].(map[string]any)
			Expect(attributes["ncpus"]).To(Equal([]string{"Numeric", "1"}))
			Expect(attributes["nram"]).To(Equal([]string{"Numeric", "1024"}))
		})
		It("should treat partial fulfillment as a failure exit", func() {
			Expect(strategy.ExitCode(v1.RequestStatusCompleted)).To(Equal(0))
			Expect(strategy.ExitCode(v1.RequestStatusPartial)).To(Equal(1))
			Expect(strategy.ExitCode(v1.RequestStatusInProgress)).To(Equal(0))
		})
		It("should honor field mapping overrides", func() {
			mapped, err := scheduler.New("hf", scheduler.Options{
				FieldMapping: map[string]string{"requestId": "reqId"},
			})
			Expect(err).ToNot(HaveOccurred())
			view := mapped.RequestView(request, nil)
			Expect(view).To(HaveKey("reqId"))
			Expect(view).ToNot(HaveKey("requestId"))
		})
	})

	It("should emit byte-equal output across invocations", func() {
		strategy, err := scheduler.New("hostfactory", scheduler.Options{})
		Expect(err).ToNot(HaveOccurred())
		first, err := scheduler.Encode(strategy.RequestView(request, []*v1.Machine{machine}))
		Expect(err).ToNot(HaveOccurred())
		second, err := scheduler.Encode(strategy.RequestView(request, []*v1.Machine{machine}))
		Expect(err).ToNot(HaveOccurred())
		Expect(cmp.Diff(string(first), string(second))).To(BeEmpty())
	})
})
