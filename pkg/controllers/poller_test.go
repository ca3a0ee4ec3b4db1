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

package controllers_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/controllers"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

var _ = Describe("StatusPoller", func() {
	var ctx context.Context
	var poller *controllers.StatusPoller

	BeforeEach(func() {
		ctx = context.Background()
		poller = controllers.NewStatusPoller(engine, store, publisher, time.Minute, fakeClock)
	})

	It("should apply observed machine transitions", func() {
		machine := seedMachine("i-001", v1.MachineStatusBuilding)
		seedRequest(ctx, v1.RequestTypeAcquire, machine)
		backend.report("i-001", v1.MachineStatusRunning, "10.0.0.7")

		Expect(poller.PollOnce(ctx)).To(Succeed())

		stored, err := store.Machines().FindByID(ctx, machine.MachineID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.MachineStatusRunning))
		Expect(stored.PrivateIP).To(Equal("10.0.0.7"))

		changes := publisher.ofType(v1.EventMachineStatusChanged)
		Expect(changes).To(HaveLen(1))
		Expect(changes[0].OldStatus).To(Equal(string(v1.MachineStatusBuilding)))
		Expect(changes[0].NewStatus).To(Equal(string(v1.MachineStatusRunning)))
	})

	It("should complete an acquire request once every machine is running", func() {
		first := seedMachine("i-001", v1.MachineStatusBuilding)
		second := seedMachine("i-002", v1.MachineStatusBuilding)
		request := seedRequest(ctx, v1.RequestTypeAcquire, first, second)
		backend.report("i-001", v1.MachineStatusRunning, "10.0.0.1")
		backend.report("i-002", v1.MachineStatusRunning, "10.0.0.2")

		Expect(poller.PollOnce(ctx)).To(Succeed())

		stored, err := store.Requests().FindByID(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.RequestStatusCompleted))
	})

	It("should not complete a request while a machine is still building", func() {
		first := seedMachine("i-001", v1.MachineStatusBuilding)
		second := seedMachine("i-002", v1.MachineStatusBuilding)
		request := seedRequest(ctx, v1.RequestTypeAcquire, first, second)
		backend.report("i-001", v1.MachineStatusRunning, "10.0.0.1")
		backend.report("i-002", v1.MachineStatusBuilding, "")

		Expect(poller.PollOnce(ctx)).To(Succeed())

		stored, err := store.Requests().FindByID(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.RequestStatusInProgress))
	})

	It("should confirm termination when the provider stops reporting a terminating machine", func() {
		machine := seedMachine("i-009", v1.MachineStatusTerminating)
		seedRequest(ctx, v1.RequestTypeReturn, machine)
		backend.vanish("i-009")

		Expect(poller.PollOnce(ctx)).To(Succeed())

		stored, err := store.Machines().FindByID(ctx, machine.MachineID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.MachineStatusTerminated))
	})

	It("should complete a return request once every machine is terminated", func() {
		machine := seedMachine("i-009", v1.MachineStatusTerminating)
		request := seedRequest(ctx, v1.RequestTypeReturn, machine)
		backend.vanish("i-009")

		Expect(poller.PollOnce(ctx)).To(Succeed())

		stored, err := store.Requests().FindByID(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.RequestStatusCompleted))
	})

	It("should move an unreported live machine to unknown", func() {
		machine := seedMachine("i-404", v1.MachineStatusRunning)
		seedRequest(ctx, v1.RequestTypeAcquire, machine)

		Expect(poller.PollOnce(ctx)).To(Succeed())

		stored, err := store.Machines().FindByID(ctx, machine.MachineID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.MachineStatusUnknown))
		Expect(stored.StatusMessage).To(ContainSubstring("not reported"))
	})

	It("should flip machines to unknown on poll failure and recover afterwards", func() {
		machine := seedMachine("i-001", v1.MachineStatusBuilding)
		seedRequest(ctx, v1.RequestTypeAcquire, machine)
		backend.fail(errors.New(errors.KindTransient, "api outage"))

		Expect(poller.PollOnce(ctx)).ToNot(Succeed())
		stored, err := store.Machines().FindByID(ctx, machine.MachineID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.MachineStatusUnknown))
		Expect(stored.StatusMessage).To(ContainSubstring("api outage"))

		backend.fail(nil)
		backend.report("i-001", v1.MachineStatusRunning, "10.0.0.3")
		Expect(poller.PollOnce(ctx)).To(Succeed())
		stored, err = store.Machines().FindByID(ctx, machine.MachineID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.MachineStatusRunning))
	})

	It("should time out requests past their deadline", func() {
		machine := seedMachine("i-001", v1.MachineStatusBuilding)
		request := seedRequest(ctx, v1.RequestTypeAcquire, machine)
		deadline := fakeClock.Now().UTC().Add(30 * time.Second)
		request.Deadline = &deadline
		Expect(store.Requests().Save(ctx, request)).To(Succeed())
		backend.report("i-001", v1.MachineStatusBuilding, "")

		fakeClock.Step(time.Minute)
		Expect(poller.PollOnce(ctx)).To(Succeed())

		stored, err := store.Requests().FindByID(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Status).To(Equal(v1.RequestStatusTimeout))
		Expect(stored.StatusMessage).To(ContainSubstring("deadline"))

		changes := publisher.ofType(v1.EventRequestStatusChanged)
		Expect(changes).To(HaveLen(1))
		Expect(changes[0].NewStatus).To(Equal(string(v1.RequestStatusTimeout)))
	})
})
