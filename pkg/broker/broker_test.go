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

package broker_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/broker"
	"github.com/hostfactory/hostbroker/pkg/bus"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/storage"
)

var _ = Describe("Acquire", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should complete a fully fulfilled request", func() {
		request, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 3})
		Expect(err).ToNot(HaveOccurred())
		Expect(request.Status).To(Equal(v1.RequestStatusCompleted))
		Expect(request.ProviderName).To(Equal("aws"))
		Expect(request.MachineIDs).To(HaveLen(3))

		machines, err := store.Machines().FindByRequest(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(machines).To(HaveLen(3))
		for _, machine := range machines {
			Expect(machine.Status).To(Equal(v1.MachineStatusBuilding))
			Expect(machine.RequestID).To(Equal(request.RequestID))
		}
	})

	It("should publish lifecycle events in order", func() {
		request, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 1})
		Expect(err).ToNot(HaveOccurred())

		created := publisher.ofType(v1.EventRequestCreated)
		Expect(created).To(HaveLen(1))
		Expect(created[0].AggregateID).To(Equal(request.RequestID))
		Expect(created[0].CorrelationID).To(Equal(request.CorrelationID))

		changed := publisher.ofType(v1.EventRequestStatusChanged)
		Expect(len(changed)).To(BeNumerically(">=", 2))
		Expect(changed[0].NewStatus).To(Equal(string(v1.RequestStatusInProgress)))
		Expect(changed[len(changed)-1].NewStatus).To(Equal(string(v1.RequestStatusCompleted)))
		// sequences are monotonic per aggregate
		Expect(changed[0].Sequence).To(BeNumerically("<", changed[len(changed)-1].Sequence))

		Expect(publisher.ofType(v1.EventMachineCreated)).To(HaveLen(1))
	})

	It("should warn once when attribute requirements shadow enumerated types", func() {
		templates.byID["abis-mixed"] = &v1.Template{
			TemplateID:    "abis-mixed",
			ProviderAPI:   v1.ProviderAPIFleet,
			InstanceTypes: []string{"m5.large"},
			Requirements:  &v1.InstanceRequirements{VCPUCount: &v1.MinMax{Min: 2}},
			MaxNumber:     10,
		}
		_, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "abis-mixed", Count: 1})
		Expect(err).ToNot(HaveOccurred())
		_, err = subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "abis-mixed", Count: 1})
		Expect(err).ToNot(HaveOccurred())

		warnings := publisher.ofType(v1.EventTemplateValidated)
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0].AggregateID).To(Equal("abis-mixed"))
		Expect(warnings[0].Details).To(HaveKeyWithValue("instance_types", []string{"m5.large"}))
		Expect(warnings[0].Details).To(HaveKey("warning"))
	})

	It("should reject counts above the template max_number", func() {
		_, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 11})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	It("should reject unknown templates", func() {
		_, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "nope", Count: 1})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should settle partial fulfillment as Partial when allowed", func() {
		backend.script(func(_ context.Context, op *providers.Operation) (*providers.Result, error) {
			result := &providers.Result{ProviderName: "aws", Partial: true, Diagnostics: []string{"capacity shortage"}}
			result.Machines = append(result.Machines, backend.launch(op), backend.launch(op), backend.launch(op))
			return result, nil
		})
		request, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 5})
		Expect(err).ToNot(HaveOccurred())
		Expect(request.Status).To(Equal(v1.RequestStatusPartial))
		Expect(request.StatusMessage).To(ContainSubstring("capacity shortage"))
		Expect(request.MachineIDs).To(HaveLen(3))
	})

	It("should return stragglers and fail when partial is not allowed", func() {
		subject = newBroker(broker.Options{AllowPartial: false, CleanupOnCancel: true})
		terminateCalls := 0
		backend.script(func(_ context.Context, op *providers.Operation) (*providers.Result, error) {
			switch op.Kind {
			case providers.OpCreateInstances:
				return &providers.Result{ProviderName: "aws", Partial: true, Machines: []*v1.Machine{backend.launch(op)}}, nil
			case providers.OpTerminateInstances:
				terminateCalls++
				return &providers.Result{ProviderName: "aws", TerminatedIDs: op.InstanceIDs}, nil
			default:
				return &providers.Result{ProviderName: "aws"}, nil
			}
		})
		request, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 5})
		Expect(err).ToNot(HaveOccurred())
		Expect(request.Status).To(Equal(v1.RequestStatusFailed))
		Expect(terminateCalls).To(Equal(1))

		machines, err := store.Machines().FindByRequest(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(machines).To(HaveLen(1))
		Expect(machines[0].Status).To(Equal(v1.MachineStatusTerminating))
	})

	It("should fail the request when the provider fails outright", func() {
		backend.script(func(context.Context, *providers.Operation) (*providers.Result, error) {
			return nil, errors.New(errors.KindTransient, "fleet exploded")
		})
		request, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 2})
		Expect(err).ToNot(HaveOccurred())
		Expect(request.Status).To(Equal(v1.RequestStatusFailed))
		Expect(request.StatusMessage).To(ContainSubstring("fleet exploded"))
	})

	It("should settle a timed out dispatch as Timeout", func() {
		backend.script(func(context.Context, *providers.Operation) (*providers.Result, error) {
			return nil, errors.New(errors.KindTimeout, "deadline exceeded")
		})
		request, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(request.Status).To(Equal(v1.RequestStatusTimeout))
	})

	It("should pin the request to an explicitly requested provider", func() {
		other := newStubBackend("other")
		Expect(engine.RegisterStrategy(other)).To(Succeed())
		request, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 1, ProviderName: "other"})
		Expect(err).ToNot(HaveOccurred())
		Expect(request.ProviderName).To(Equal("other"))
	})
})

var _ = Describe("Return", func() {
	var ctx context.Context
	var acquired *v1.Request

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		acquired, err = subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 2})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should terminate every machine of the request", func() {
		request, err := subject.Return(ctx, broker.ReturnSpec{RequestID: acquired.RequestID})
		Expect(err).ToNot(HaveOccurred())
		Expect(request.Type).To(Equal(v1.RequestTypeReturn))
		Expect(request.Status).To(Equal(v1.RequestStatusCompleted))

		machines, err := store.Machines().FindByRequest(ctx, acquired.RequestID)
		Expect(err).ToNot(HaveOccurred())
		for _, machine := range machines {
			Expect(machine.Status).To(Equal(v1.MachineStatusTerminating))
		}
	})

	It("should return an explicit machine id list", func() {
		machines, err := store.Machines().FindByRequest(ctx, acquired.RequestID)
		Expect(err).ToNot(HaveOccurred())
		request, err := subject.Return(ctx, broker.ReturnSpec{MachineIDs: []string{machines[0].MachineID}})
		Expect(err).ToNot(HaveOccurred())
		Expect(request.RequestedCount).To(Equal(1))
		Expect(request.Status).To(Equal(v1.RequestStatusCompleted))
	})

	It("should have nothing to return once every machine is terminal", func() {
		machines, err := store.Machines().FindByRequest(ctx, acquired.RequestID)
		Expect(err).ToNot(HaveOccurred())
		for _, machine := range machines {
			machine.Status = v1.MachineStatusTerminated
			Expect(store.Machines().Save(ctx, machine)).To(Succeed())
		}
		_, err = subject.Return(ctx, broker.ReturnSpec{RequestID: acquired.RequestID})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})

var _ = Describe("Cancel", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should report already_terminal for settled requests", func() {
		request, err := subject.Acquire(ctx, broker.AcquireSpec{TemplateID: "compute-od", Count: 1})
		Expect(err).ToNot(HaveOccurred())
		result, err := subject.Cancel(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.AlreadyTerminal).To(BeTrue())
		Expect(result.Request.Status).To(Equal(v1.RequestStatusCompleted))
	})

	It("should cancel an in-progress request and return its machines", func() {
		request := v1.NewRequest(v1.RequestTypeAcquire, "compute-od", 2, fakeClock.Now())
		Expect(request.TransitionTo(v1.RequestStatusInProgress, fakeClock.Now())).To(Succeed())
		machine := &v1.Machine{
			MachineID:    request.RequestID + "-i-1",
			InstanceID:   "i-1",
			RequestID:    request.RequestID,
			TemplateID:   "compute-od",
			ProviderName: "aws",
			Status:       v1.MachineStatusRunning,
		}
		request.MachineIDs = []string{machine.MachineID}
		Expect(store.Requests().Save(ctx, request)).To(Succeed())
		Expect(store.Machines().Save(ctx, machine)).To(Succeed())

		result, err := subject.Cancel(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.AlreadyTerminal).To(BeFalse())
		Expect(result.Request.Status).To(Equal(v1.RequestStatusCancelled))

		stored, err := store.Machines().FindByID(ctx, machine.MachineID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.MachineStatusTerminating))
	})

	It("should stay idempotent across repeated cancels", func() {
		request := v1.NewRequest(v1.RequestTypeAcquire, "compute-od", 1, fakeClock.Now())
		Expect(store.Requests().Save(ctx, request)).To(Succeed())
		first, err := subject.Cancel(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(first.AlreadyTerminal).To(BeFalse())
		second, err := subject.Cancel(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(second.AlreadyTerminal).To(BeTrue())
	})
})

var _ = Describe("Handlers", func() {
	var ctx context.Context
	var messageBus *bus.Bus

	BeforeEach(func() {
		ctx = context.Background()
		messageBus = bus.New(bus.Options{})
		broker.NewHandlers(subject, engine, templates, nopWriter{}, store).Register(messageBus)
	})

	It("should acquire through the bus and return the request view", func() {
		outcome := messageBus.Dispatch(ctx, broker.AcquireMachines{TemplateID: "compute-od", Count: 2})
		Expect(outcome.OK).To(BeTrue())
		view := outcome.Value.(*broker.RequestView)
		Expect(view.Request.Status).To(Equal(v1.RequestStatusCompleted))
		Expect(view.Machines).To(HaveLen(2))
	})

	It("should surface validation failures in the envelope", func() {
		outcome := messageBus.Dispatch(ctx, broker.AcquireMachines{TemplateID: "compute-od", Count: 0})
		Expect(outcome.OK).To(BeFalse())
		Expect(outcome.Kind).To(Equal(errors.KindValidation))
		Expect(outcome.Retryable).To(BeFalse())
	})

	It("should serve request listings and invalidate them on writes", func() {
		outcome := messageBus.Dispatch(ctx, broker.AcquireMachines{TemplateID: "compute-od", Count: 1})
		Expect(outcome.OK).To(BeTrue())

		listed := messageBus.Ask(ctx, broker.ListRequests{})
		Expect(listed.OK).To(BeTrue())
		Expect(listed.Value.([]*v1.Request)).To(HaveLen(1))

		// cached answer until the next write invalidates the tag
		Expect(messageBus.Dispatch(ctx, broker.AcquireMachines{TemplateID: "compute-od", Count: 1}).OK).To(BeTrue())
		listed = messageBus.Ask(ctx, broker.ListRequests{})
		Expect(listed.OK).To(BeTrue())
		Expect(listed.Value.([]*v1.Request)).To(HaveLen(2))
	})

	It("should expose provider instances", func() {
		outcome := messageBus.Ask(ctx, broker.ListProviders{})
		Expect(outcome.OK).To(BeTrue())
		instances := outcome.Value.([]*v1.ProviderInstance)
		Expect(instances).To(HaveLen(1))
		Expect(instances[0].Name).To(Equal("aws"))
	})

	It("should cancel through the bus", func() {
		outcome := messageBus.Dispatch(ctx, broker.AcquireMachines{TemplateID: "compute-od", Count: 1})
		Expect(outcome.OK).To(BeTrue())
		view := outcome.Value.(*broker.RequestView)

		cancelled := messageBus.Dispatch(ctx, broker.CancelRequest{RequestID: view.Request.RequestID})
		Expect(cancelled.OK).To(BeTrue())
		Expect(cancelled.Value.(*broker.CancelResult).AlreadyTerminal).To(BeTrue())
	})
})

type nopWriter struct{}

func (nopWriter) Create(context.Context, *v1.Template) error { return nil }
func (nopWriter) Update(context.Context, *v1.Template) error { return nil }
func (nopWriter) Delete(context.Context, string) error       { return nil }
func (nopWriter) Refresh(context.Context) error              { return nil }

var _ storage.Store = (*storage.MemoryStore)(nil)
