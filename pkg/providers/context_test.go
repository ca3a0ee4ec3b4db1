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

package providers_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

var _ = Describe("Context", func() {
	var ctx context.Context
	var engine *providers.Context
	var op *providers.Operation

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		engine, err = providers.NewContext(providers.PolicyFirstAvailable)
		Expect(err).ToNot(HaveOccurred())
		op = &providers.Operation{Kind: providers.OpCreateInstances, Key: "req-1", Count: 1}
	})

	It("should reject an unknown policy", func() {
		_, err := providers.NewContext("quantum")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should register idempotently by name", func() {
		first := newFakeStrategy("aws")
		second := newFakeStrategy("aws")
		Expect(engine.RegisterStrategy(first)).To(Succeed())
		Expect(engine.RegisterStrategy(second)).To(Succeed())

		_, err := engine.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(first.calls.Load()).To(Equal(int64(1)))
		Expect(second.calls.Load()).To(BeZero())
	})
	It("should fail without providers and leave metrics untouched", func() {
		_, err := engine.Execute(ctx, op)
		Expect(errors.IsNotFound(err)).To(BeTrue())
		snapshots, err := engine.Metrics()
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshots).To(BeEmpty())
	})
	It("should skip disabled providers", func() {
		disabled := newFakeStrategy("off", func(i *v1.ProviderInstance) { i.Enabled = lo.ToPtr(false) })
		enabled := newFakeStrategy("on")
		Expect(engine.RegisterStrategy(disabled)).To(Succeed())
		Expect(engine.RegisterStrategy(enabled)).To(Succeed())

		result, err := engine.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ProviderName).To(Equal("on"))
	})
	It("should prefer lower priority values under first_available", func() {
		second := newFakeStrategy("second", func(i *v1.ProviderInstance) { i.Priority = 2 })
		first := newFakeStrategy("first", func(i *v1.ProviderInstance) { i.Priority = 1 })
		Expect(engine.RegisterStrategy(second)).To(Succeed())
		Expect(engine.RegisterStrategy(first)).To(Succeed())

		result, err := engine.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ProviderName).To(Equal("first"))
	})
	It("should rotate under round_robin", func() {
		Expect(engine.SetSelectionPolicy(providers.PolicyRoundRobin)).To(Succeed())
		a := newFakeStrategy("a")
		b := newFakeStrategy("b")
		Expect(engine.RegisterStrategy(a)).To(Succeed())
		Expect(engine.RegisterStrategy(b)).To(Succeed())

		seen := map[string]int{}
		for range 4 {
			result, err := engine.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			seen[result.ProviderName]++
		}
		Expect(seen["a"]).To(Equal(2))
		Expect(seen["b"]).To(Equal(2))
	})
	It("should exclude weight-zero providers from weighted rotation", func() {
		Expect(engine.SetSelectionPolicy(providers.PolicyWeightedRoundRobin)).To(Succeed())
		heavy := newFakeStrategy("heavy", func(i *v1.ProviderInstance) { i.Weight = 3 })
		light := newFakeStrategy("light", func(i *v1.ProviderInstance) { i.Weight = 1 })
		idle := newFakeStrategy("idle", func(i *v1.ProviderInstance) { i.Weight = 0 })
		Expect(engine.RegisterStrategy(heavy)).To(Succeed())
		Expect(engine.RegisterStrategy(light)).To(Succeed())
		Expect(engine.RegisterStrategy(idle)).To(Succeed())

		seen := map[string]int{}
		for range 8 {
			result, err := engine.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			seen[result.ProviderName]++
		}
		Expect(seen["heavy"]).To(Equal(6))
		Expect(seen["light"]).To(Equal(2))
		Expect(seen).ToNot(HaveKey("idle"))
	})
	It("should filter by required capabilities", func() {
		plain := newFakeStrategy("plain")
		gpu := newFakeStrategy("gpu", func(i *v1.ProviderInstance) { i.Capabilities = []string{"gpu", "spot"} })
		Expect(engine.RegisterStrategy(plain)).To(Succeed())
		Expect(engine.RegisterStrategy(gpu)).To(Succeed())

		op.RequiredCapabilities = []string{"gpu"}
		result, err := engine.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ProviderName).To(Equal("gpu"))
	})
	It("should saturate when every provider is at max in-flight", func() {
		blocked := newFakeStrategy("tiny", func(i *v1.ProviderInstance) { i.MaxInFlight = 1 })
		release := make(chan struct{})
		started := make(chan struct{})
		blocked.execute = func(ctx context.Context, op *providers.Operation) (*providers.Result, error) {
			close(started)
			<-release
			return &providers.Result{}, nil
		}
		Expect(engine.RegisterStrategy(blocked)).To(Succeed())

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			_, err := engine.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
		}()
		<-started
		_, err := engine.Execute(ctx, op)
		Expect(errors.IsKind(err, errors.KindSaturated)).To(BeTrue())
		close(release)
		<-done
	})
	It("should avoid providers below the minimum success rate", func() {
		Expect(engine.SetSelectionPolicy(providers.PolicyHighestSuccessRate)).To(Succeed())
		flaky := newFakeStrategy("flaky")
		flaky.execute = func(context.Context, *providers.Operation) (*providers.Result, error) {
			return nil, errors.New(errors.KindTransient, "api outage")
		}
		steady := newFakeStrategy("steady")
		Expect(engine.RegisterStrategy(flaky)).To(Succeed())
		Expect(engine.RegisterStrategy(steady)).To(Succeed())

		// seed flaky's metrics with a failure, then filter it out
		flaky.instance.Priority = -1
		engine.SetSelectionCriteria(providers.Criteria{})
		_, _ = engine.Execute(ctx, op)
		engine.SetSelectionCriteria(providers.Criteria{MinSuccessRate: 0.5})
		result, err := engine.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ProviderName).To(Equal("steady"))
	})
	It("should record health from probes and serve snapshots", func() {
		healthy := newFakeStrategy("up")
		sick := newFakeStrategy("down")
		sick.healthy = false
		Expect(engine.RegisterStrategy(healthy)).To(Succeed())
		Expect(engine.RegisterStrategy(sick)).To(Succeed())

		statuses, err := engine.CheckHealth(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(statuses).To(HaveLen(2))

		engine.SetSelectionCriteria(providers.Criteria{RequireHealthy: true})
		sick.instance.Priority = -1
		result, err := engine.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ProviderName).To(Equal("up"))
	})
	It("should track per-provider metrics across executions", func() {
		steady := newFakeStrategy("steady")
		Expect(engine.RegisterStrategy(steady)).To(Succeed())
		for range 3 {
			_, err := engine.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
		}
		snapshots, err := engine.Metrics("steady")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshots).To(HaveLen(1))
		Expect(snapshots[0].Total).To(Equal(int64(3)))
		Expect(snapshots[0].Failures).To(BeZero())
		Expect(snapshots[0].SuccessRate).To(BeNumerically("==", 1.0))
	})
	It("should reject metrics for an unregistered provider", func() {
		_, err := engine.Metrics("ghost")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})
