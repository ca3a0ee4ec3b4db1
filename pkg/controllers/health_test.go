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
)

var _ = Describe("HealthMonitor", func() {
	var ctx context.Context
	var monitor *controllers.HealthMonitor

	BeforeEach(func() {
		ctx = context.Background()
		monitor = controllers.NewHealthMonitor(engine, publisher, time.Minute, fakeClock)
	})

	It("should establish a baseline without publishing", func() {
		Expect(monitor.CheckOnce(ctx)).To(Succeed())
		Expect(publisher.ofType(v1.EventProviderHealthChanged)).To(BeEmpty())

		statuses := engine.Health()
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].Healthy).To(BeTrue())
	})

	It("should publish on a health flip and stay quiet while stable", func() {
		Expect(monitor.CheckOnce(ctx)).To(Succeed())

		backend.setHealth(false, "credentials expired")
		Expect(monitor.CheckOnce(ctx)).To(Succeed())
		Expect(monitor.CheckOnce(ctx)).To(Succeed())

		flips := publisher.ofType(v1.EventProviderHealthChanged)
		Expect(flips).To(HaveLen(1))
		Expect(flips[0].AggregateID).To(Equal("aws"))
		Expect(flips[0].OldStatus).To(Equal("healthy"))
		Expect(flips[0].NewStatus).To(Equal("unhealthy"))
		Expect(flips[0].Details).To(HaveKeyWithValue("message", "credentials expired"))
	})

	It("should number successive flips monotonically", func() {
		Expect(monitor.CheckOnce(ctx)).To(Succeed())
		backend.setHealth(false, "outage")
		Expect(monitor.CheckOnce(ctx)).To(Succeed())
		backend.setHealth(true, "")
		Expect(monitor.CheckOnce(ctx)).To(Succeed())

		flips := publisher.ofType(v1.EventProviderHealthChanged)
		Expect(flips).To(HaveLen(2))
		Expect(flips[0].Sequence).To(Equal(int64(1)))
		Expect(flips[1].Sequence).To(Equal(int64(2)))
		Expect(flips[1].NewStatus).To(Equal("healthy"))
	})

	It("should record probe results in the engine health view", func() {
		backend.setHealth(false, "outage")
		Expect(monitor.CheckOnce(ctx)).To(Succeed())

		statuses := engine.Health()
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].Healthy).To(BeFalse())
		Expect(statuses[0].Message).To(Equal("outage"))
	})
})
