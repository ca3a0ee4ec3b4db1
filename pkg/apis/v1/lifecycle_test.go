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

package v1_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

var _ = Describe("Request Lifecycle", func() {
	var request *v1.Request
	var now time.Time

	BeforeEach(func() {
		now = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
		request = v1.NewRequest(v1.RequestTypeAcquire, "gpu-small", 5, now)
	})

	It("should start pending with identifiers assigned", func() {
		Expect(request.RequestID).ToNot(BeEmpty())
		Expect(request.CorrelationID).ToNot(BeEmpty())
		Expect(request.Status).To(Equal(v1.RequestStatusPending))
		Expect(request.Status.Terminal()).To(BeFalse())
	})
	It("should walk the happy path to completed", func() {
		Expect(request.TransitionTo(v1.RequestStatusInProgress, now)).To(Succeed())
		Expect(request.TransitionTo(v1.RequestStatusCompleted, now.Add(time.Minute))).To(Succeed())
		Expect(request.Status).To(Equal(v1.RequestStatusCompleted))
		Expect(request.UpdatedAt).To(Equal(now.Add(time.Minute)))
	})
	It("should reject skipping in_progress", func() {
		err := request.TransitionTo(v1.RequestStatusCompleted, now)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should reject transitions out of a terminal status", func() {
		Expect(request.TransitionTo(v1.RequestStatusInProgress, now)).To(Succeed())
		Expect(request.TransitionTo(v1.RequestStatusFailed, now)).To(Succeed())
		err := request.TransitionTo(v1.RequestStatusCompleted, now)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsConflict(err)).To(BeTrue())
		Expect(request.Status).To(Equal(v1.RequestStatusFailed))
	})
	It("should treat re-observing the current status as a no-op", func() {
		Expect(request.TransitionTo(v1.RequestStatusInProgress, now)).To(Succeed())
		Expect(request.TransitionTo(v1.RequestStatusCompleted, now)).To(Succeed())
		Expect(request.TransitionTo(v1.RequestStatusCompleted, now.Add(time.Hour))).To(Succeed())
		Expect(request.UpdatedAt).To(Equal(now))
	})
	It("should cancel idempotently", func() {
		alreadyTerminal, err := request.Cancel(now)
		Expect(err).ToNot(HaveOccurred())
		Expect(alreadyTerminal).To(BeFalse())
		Expect(request.Status).To(Equal(v1.RequestStatusCancelled))

		alreadyTerminal, err = request.Cancel(now.Add(time.Second))
		Expect(err).ToNot(HaveOccurred())
		Expect(alreadyTerminal).To(BeTrue())
		Expect(request.Status).To(Equal(v1.RequestStatusCancelled))
	})
	It("should time out from pending and in_progress only", func() {
		Expect(request.TransitionTo(v1.RequestStatusTimeout, now)).To(Succeed())

		other := v1.NewRequest(v1.RequestTypeReturn, "gpu-small", 2, now)
		Expect(other.TransitionTo(v1.RequestStatusInProgress, now)).To(Succeed())
		Expect(other.TransitionTo(v1.RequestStatusTimeout, now)).To(Succeed())
		Expect(other.TransitionTo(v1.RequestStatusInProgress, now)).ToNot(Succeed())
	})
	It("should report expiry against the deadline", func() {
		Expect(request.Expired(now)).To(BeFalse())
		deadline := now.Add(30 * time.Second)
		request.Deadline = &deadline
		Expect(request.Expired(now.Add(29 * time.Second))).To(BeFalse())
		Expect(request.Expired(now.Add(31 * time.Second))).To(BeTrue())
	})
	It("should hand out monotonic event sequences", func() {
		Expect(request.NextSequence()).To(BeNumerically("==", 1))
		Expect(request.NextSequence()).To(BeNumerically("==", 2))
		Expect(request.NextSequence()).To(BeNumerically("==", 3))
	})
	It("should clone without aliasing machine ids", func() {
		request.MachineIDs = []string{"m-1", "m-2"}
		clone := request.Clone()
		clone.MachineIDs[0] = "m-other"
		Expect(request.MachineIDs[0]).To(Equal("m-1"))
	})
})

var _ = Describe("Machine Lifecycle", func() {
	var machine *v1.Machine
	var now time.Time

	BeforeEach(func() {
		now = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
		machine = &v1.Machine{
			MachineID:    "3f8e9de1-8a4b-4a6e-ae3b-6f4c27b9f3a1",
			InstanceID:   "i-08a3c4f2d9f0e1b2c",
			RequestID:    "req-1",
			ProviderName: "aws-primary",
			Status:       v1.MachineStatusBuilding,
			CreatedAt:    now,
		}
	})

	It("should walk building to running to terminated", func() {
		Expect(machine.TransitionTo(v1.MachineStatusRunning, now)).To(Succeed())
		Expect(machine.TransitionTo(v1.MachineStatusTerminating, now)).To(Succeed())
		Expect(machine.TransitionTo(v1.MachineStatusTerminated, now)).To(Succeed())
		Expect(machine.Status.Terminal()).To(BeTrue())
	})
	It("should allow observed jumps past missed intermediate states", func() {
		Expect(machine.TransitionTo(v1.MachineStatusRunning, now)).To(Succeed())
		Expect(machine.TransitionTo(v1.MachineStatusTerminated, now)).To(Succeed())
	})
	It("should recover from unknown on the next successful poll", func() {
		Expect(machine.TransitionTo(v1.MachineStatusRunning, now)).To(Succeed())
		Expect(machine.TransitionTo(v1.MachineStatusUnknown, now)).To(Succeed())
		Expect(machine.Status.Terminal()).To(BeFalse())
		Expect(machine.TransitionTo(v1.MachineStatusRunning, now)).To(Succeed())
	})
	It("should reject transitions out of terminated", func() {
		Expect(machine.TransitionTo(v1.MachineStatusFailed, now)).To(Succeed())
		err := machine.TransitionTo(v1.MachineStatusRunning, now)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
	It("should reject building straight to stopped", func() {
		err := machine.TransitionTo(v1.MachineStatusStopped, now)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})

var _ = Describe("Template Validation", func() {
	It("should accept an enumerated template", func() {
		template := &v1.Template{
			TemplateID:    "gpu-small",
			ProviderAPI:   v1.ProviderAPIFleet,
			MaxNumber:     10,
			InstanceTypes: []string{"m5.large", "m5.xlarge"},
		}
		Expect(template.Validate()).To(Succeed())
		Expect(template.AttributeBased()).To(BeFalse())
	})
	It("should accept an attribute-based template without enumerated types", func() {
		template := &v1.Template{
			TemplateID:  "flex-compute",
			ProviderAPI: v1.ProviderAPIFleet,
			Requirements: &v1.InstanceRequirements{
				VCPUCount: &v1.MinMax{Min: 2, Max: 8},
				MemoryMiB: &v1.MinMax{Min: 4096},
			},
		}
		Expect(template.Validate()).To(Succeed())
		Expect(template.AttributeBased()).To(BeTrue())
	})
	It("should reject inverted bounds", func() {
		template := &v1.Template{
			TemplateID:  "flex-compute",
			ProviderAPI: v1.ProviderAPIFleet,
			Requirements: &v1.InstanceRequirements{
				VCPUCount: &v1.MinMax{Min: 8, Max: 2},
			},
		}
		Expect(template.Validate()).ToNot(Succeed())
	})
	It("should reject an unknown provider api", func() {
		template := &v1.Template{TemplateID: "x", ProviderAPI: "warp-drive", InstanceTypes: []string{"m5.large"}}
		Expect(template.Validate()).ToNot(Succeed())
	})
	It("should collect every violation at once", func() {
		template := &v1.Template{ProviderAPI: "warp-drive", MaxNumber: -1}
		err := template.Validate()
		Expect(err).To(HaveOccurred())
		Expect(multierrLen(err)).To(BeNumerically(">=", 3))
	})
})

var _ = Describe("Provider Instance", func() {
	It("should default enabled and max in-flight", func() {
		instance := &v1.ProviderInstance{Name: "aws-primary", Type: "aws"}
		Expect(instance.IsEnabled()).To(BeTrue())
		Expect(instance.EffectiveMaxInFlight()).To(Equal(v1.DefaultMaxInFlight))
	})
	It("should honor explicit settings", func() {
		disabled := false
		instance := &v1.ProviderInstance{Name: "aws-backup", Type: "aws", Enabled: &disabled, MaxInFlight: 8}
		Expect(instance.IsEnabled()).To(BeFalse())
		Expect(instance.EffectiveMaxInFlight()).To(Equal(8))
	})
})
