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

var _ = Describe("RetentionPurger", func() {
	var ctx context.Context
	var purger *controllers.RetentionPurger

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		purger, err = controllers.NewRetentionPurger(store, 72*time.Hour, "0 * * * *", fakeClock)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should reject an invalid schedule", func() {
		_, err := controllers.NewRetentionPurger(store, time.Hour, "not a cron spec", fakeClock)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	It("should purge terminal requests past retention, machines included", func() {
		machine := seedMachine("i-001", v1.MachineStatusTerminated)
		request := seedRequest(ctx, v1.RequestTypeAcquire, machine)
		Expect(request.TransitionTo(v1.RequestStatusCompleted, fakeClock.Now().UTC())).To(Succeed())
		request.UpdatedAt = fakeClock.Now().UTC().Add(-100 * time.Hour)
		Expect(store.Requests().Save(ctx, request)).To(Succeed())

		Expect(purger.PurgeOnce(ctx)).To(Succeed())

		_, err := store.Requests().FindByID(ctx, request.RequestID)
		Expect(errors.IsNotFound(err)).To(BeTrue())
		_, err = store.Machines().FindByID(ctx, machine.MachineID)
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should keep terminal requests inside the retention window", func() {
		request := seedRequest(ctx, v1.RequestTypeAcquire)
		Expect(request.TransitionTo(v1.RequestStatusFailed, fakeClock.Now().UTC())).To(Succeed())
		Expect(store.Requests().Save(ctx, request)).To(Succeed())

		Expect(purger.PurgeOnce(ctx)).To(Succeed())

		_, err := store.Requests().FindByID(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should never touch in-flight requests", func() {
		request := seedRequest(ctx, v1.RequestTypeAcquire)
		request.UpdatedAt = fakeClock.Now().UTC().Add(-100 * time.Hour)
		Expect(store.Requests().Save(ctx, request)).To(Succeed())

		Expect(purger.PurgeOnce(ctx)).To(Succeed())

		_, err := store.Requests().FindByID(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should do nothing when retention is disabled", func() {
		disabled, err := controllers.NewRetentionPurger(store, 0, "0 * * * *", fakeClock)
		Expect(err).ToNot(HaveOccurred())

		request := seedRequest(ctx, v1.RequestTypeAcquire)
		Expect(request.TransitionTo(v1.RequestStatusCompleted, fakeClock.Now().UTC())).To(Succeed())
		request.UpdatedAt = fakeClock.Now().UTC().Add(-100 * time.Hour)
		Expect(store.Requests().Save(ctx, request)).To(Succeed())

		Expect(disabled.PurgeOnce(ctx)).To(Succeed())

		_, err = store.Requests().FindByID(ctx, request.RequestID)
		Expect(err).ToNot(HaveOccurred())
	})
})
