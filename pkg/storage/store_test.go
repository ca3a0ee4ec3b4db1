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

package storage_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/config"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/storage"
)

// The port contract holds for every store; the same specs run against the
// memory and json implementations.
func describeStore(name string, open func() storage.Store) bool {
	return Describe(name, func() {
		var ctx context.Context
		var store storage.Store

		BeforeEach(func() {
			ctx = context.Background()
			store = open()
		})

		AfterEach(func() {
			Expect(store.Close()).To(Succeed())
		})

		It("should report healthy", func() {
			Expect(store.Health(ctx)).To(Succeed())
		})

		Context("Requests", func() {
			It("should bump the version on save and reject stale writes", func() {
				request := newRequest(1, v1.RequestStatusPending)
				Expect(store.Requests().Save(ctx, request)).To(Succeed())
				Expect(request.ResourceVersion).To(Equal(int64(1)))

				stale := request.Clone()
				stale.ResourceVersion = 0
				err := store.Requests().Save(ctx, stale)
				Expect(errors.IsKind(err, errors.KindConflict)).To(BeTrue())

				Expect(store.Requests().Save(ctx, request)).To(Succeed())
				Expect(request.ResourceVersion).To(Equal(int64(2)))
			})

			It("should return clones that do not alias stored state", func() {
				request := newRequest(1, v1.RequestStatusPending)
				Expect(store.Requests().Save(ctx, request)).To(Succeed())

				found, err := store.Requests().FindByID(ctx, request.RequestID)
				Expect(err).ToNot(HaveOccurred())
				found.Status = v1.RequestStatusFailed

				again, err := store.Requests().FindByID(ctx, request.RequestID)
				Expect(err).ToNot(HaveOccurred())
				Expect(again.Status).To(Equal(v1.RequestStatusPending))
			})

			It("should filter and page listings in creation order", func() {
				for i := 1; i <= 5; i++ {
					status := v1.RequestStatusPending
					if i%2 == 0 {
						status = v1.RequestStatusCompleted
					}
					Expect(store.Requests().Save(ctx, newRequest(i, status))).To(Succeed())
				}

				completed, err := store.Requests().FindAll(ctx,
					storage.RequestFilter{Statuses: []v1.RequestStatus{v1.RequestStatusCompleted}}, storage.Page{})
				Expect(err).ToNot(HaveOccurred())
				Expect(completed).To(HaveLen(2))

				paged, err := store.Requests().FindAll(ctx, storage.RequestFilter{}, storage.Page{Offset: 1, Limit: 2})
				Expect(err).ToNot(HaveOccurred())
				Expect(paged).To(HaveLen(2))
				Expect(paged[0].RequestID).To(Equal("req-002"))
				Expect(paged[1].RequestID).To(Equal("req-003"))
			})

			It("should miss unknown ids with not_found", func() {
				_, err := store.Requests().FindByID(ctx, "req-999")
				Expect(errors.IsNotFound(err)).To(BeTrue())
			})

			It("should refuse non-cascading deletes while machines exist", func() {
				request := newRequest(1, v1.RequestStatusCompleted)
				Expect(store.Requests().Save(ctx, request)).To(Succeed())
				Expect(store.Machines().Save(ctx, newMachine(1, request.RequestID, v1.MachineStatusTerminated))).To(Succeed())

				err := store.Requests().Delete(ctx, request.RequestID, false)
				Expect(errors.IsKind(err, errors.KindConflict)).To(BeTrue())

				Expect(store.Requests().Delete(ctx, request.RequestID, true)).To(Succeed())
				_, err = store.Requests().FindByID(ctx, request.RequestID)
				Expect(errors.IsNotFound(err)).To(BeTrue())
				_, err = store.Machines().FindByID(ctx, "m-001")
				Expect(errors.IsNotFound(err)).To(BeTrue())
			})
		})

		Context("Machines", func() {
			It("should find machines by owning request", func() {
				request := newRequest(1, v1.RequestStatusInProgress)
				Expect(store.Requests().Save(ctx, request)).To(Succeed())
				Expect(store.Machines().Save(ctx, newMachine(1, request.RequestID, v1.MachineStatusRunning))).To(Succeed())
				Expect(store.Machines().Save(ctx, newMachine(2, request.RequestID, v1.MachineStatusBuilding))).To(Succeed())
				Expect(store.Machines().Save(ctx, newMachine(3, "req-other", v1.MachineStatusRunning))).To(Succeed())

				owned, err := store.Machines().FindByRequest(ctx, request.RequestID)
				Expect(err).ToNot(HaveOccurred())
				Expect(owned).To(HaveLen(2))
			})

			It("should filter machines by status and provider", func() {
				Expect(store.Machines().Save(ctx, newMachine(1, "req-001", v1.MachineStatusRunning))).To(Succeed())
				Expect(store.Machines().Save(ctx, newMachine(2, "req-001", v1.MachineStatusTerminated))).To(Succeed())

				running, err := store.Machines().FindAll(ctx,
					storage.MachineFilter{Statuses: []v1.MachineStatus{v1.MachineStatusRunning}, ProviderName: "aws"}, storage.Page{})
				Expect(err).ToNot(HaveOccurred())
				Expect(running).To(HaveLen(1))
				Expect(running[0].MachineID).To(Equal("m-001"))
			})

			It("should enforce optimistic concurrency on machines", func() {
				machine := newMachine(1, "req-001", v1.MachineStatusBuilding)
				Expect(store.Machines().Save(ctx, machine)).To(Succeed())

				stale := machine.Clone()
				stale.ResourceVersion = 0
				err := store.Machines().Save(ctx, stale)
				Expect(errors.IsKind(err, errors.KindConflict)).To(BeTrue())
			})

			It("should delete machines individually", func() {
				machine := newMachine(1, "req-001", v1.MachineStatusTerminated)
				Expect(store.Machines().Save(ctx, machine)).To(Succeed())
				Expect(store.Machines().Delete(ctx, machine.MachineID)).To(Succeed())
				_, err := store.Machines().FindByID(ctx, machine.MachineID)
				Expect(errors.IsNotFound(err)).To(BeTrue())
			})
		})
	})
}

var _ = describeStore("MemoryStore", func() storage.Store {
	return storage.NewMemoryStore()
})

var _ = describeStore("JSONStore", func() storage.Store {
	store, err := storage.NewJSONStore(GinkgoT().TempDir())
	Expect(err).ToNot(HaveOccurred())
	return store
})

var _ = Describe("JSONStore persistence", func() {
	It("should reload records from disk on reopen", func() {
		ctx := context.Background()
		dir := GinkgoT().TempDir()

		store, err := storage.NewJSONStore(dir)
		Expect(err).ToNot(HaveOccurred())
		request := newRequest(1, v1.RequestStatusCompleted)
		Expect(store.Requests().Save(ctx, request)).To(Succeed())
		Expect(store.Machines().Save(ctx, newMachine(1, request.RequestID, v1.MachineStatusTerminated))).To(Succeed())
		Expect(store.Close()).To(Succeed())

		reopened, err := storage.NewJSONStore(dir)
		Expect(err).ToNot(HaveOccurred())
		found, err := reopened.Requests().FindByID(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(found.Status).To(Equal(v1.RequestStatusCompleted))
		Expect(found.ResourceVersion).To(Equal(int64(1)))
		machines, err := reopened.Machines().FindByRequest(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
		Expect(machines).To(HaveLen(1))
	})
})

var _ = Describe("Open", func() {
	It("should build the configured store", func() {
		cfg := config.Default()
		cfg.Storage.Strategy = "memory"
		store, err := storage.Open(cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Name()).To(Equal("memory"))

		cfg.Storage.Strategy = "json"
		cfg.Storage.Path = GinkgoT().TempDir()
		store, err = storage.Open(cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Name()).To(Equal("json"))

		cfg.Storage.Strategy = "clay-tablet"
		_, err = storage.Open(cfg)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})
