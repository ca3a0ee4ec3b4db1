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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

func failing(kind errors.Kind) func(context.Context, *providers.Operation) (*providers.Result, error) {
	return func(context.Context, *providers.Operation) (*providers.Result, error) {
		return nil, errors.New(kind, "scripted failure")
	}
}

func succeeding(machines int) func(context.Context, *providers.Operation) (*providers.Result, error) {
	return func(_ context.Context, op *providers.Operation) (*providers.Result, error) {
		result := &providers.Result{}
		for range machines {
			result.Machines = append(result.Machines, &v1.Machine{RequestID: op.RequestID})
		}
		return result, nil
	}
}

var _ = Describe("Composite", func() {
	var ctx context.Context
	var op *providers.Operation

	BeforeEach(func() {
		ctx = context.Background()
		op = &providers.Operation{Kind: providers.OpCreateInstances, RequestID: "req-1"}
	})

	It("should merge all successful results in parallel mode", func() {
		a := newFakeStrategy("a")
		a.execute = succeeding(2)
		b := newFakeStrategy("b")
		b.execute = succeeding(1)
		composite, err := providers.NewComposite("both", providers.CompositeParallel, []providers.Strategy{a, b}, 0)
		Expect(err).ToNot(HaveOccurred())

		result, err := composite.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Machines).To(HaveLen(3))
		Expect(result.Partial).To(BeFalse())
	})
	It("should mark partial and only fail when every branch fails in parallel mode", func() {
		ok := newFakeStrategy("ok")
		ok.execute = succeeding(1)
		broken := newFakeStrategy("broken")
		broken.execute = failing(errors.KindTransient)
		composite, err := providers.NewComposite("mixed", providers.CompositeParallel, []providers.Strategy{ok, broken}, 0)
		Expect(err).ToNot(HaveOccurred())

		result, err := composite.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Partial).To(BeTrue())

		alsoBroken := newFakeStrategy("alsoBroken")
		alsoBroken.execute = failing(errors.KindPermanent)
		composite, err = providers.NewComposite("dead", providers.CompositeParallel, []providers.Strategy{broken, alsoBroken}, 0)
		Expect(err).ToNot(HaveOccurred())
		_, err = composite.Execute(ctx, op)
		Expect(err).To(HaveOccurred())
	})
	It("should stop at the first success in sequential mode", func() {
		broken := newFakeStrategy("broken")
		broken.execute = failing(errors.KindTransient)
		ok := newFakeStrategy("ok")
		ok.execute = succeeding(1)
		spare := newFakeStrategy("spare")
		composite, err := providers.NewComposite("chain", providers.CompositeSequential, []providers.Strategy{broken, ok, spare}, 0)
		Expect(err).ToNot(HaveOccurred())

		result, err := composite.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Machines).To(HaveLen(1))
		Expect(spare.calls.Load()).To(BeZero())
	})
	It("should require a majority in redundant mode", func() {
		ok1 := newFakeStrategy("ok1")
		ok1.execute = succeeding(1)
		ok2 := newFakeStrategy("ok2")
		ok2.execute = succeeding(1)
		broken := newFakeStrategy("broken")
		broken.execute = failing(errors.KindTransient)
		composite, err := providers.NewComposite("quorum", providers.CompositeRedundant, []providers.Strategy{ok1, ok2, broken}, 0)
		Expect(err).ToNot(HaveOccurred())

		result, err := composite.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Machines).To(HaveLen(2))

		alsoBroken := newFakeStrategy("alsoBroken")
		alsoBroken.execute = failing(errors.KindTransient)
		composite, err = providers.NewComposite("no-quorum", providers.CompositeRedundant, []providers.Strategy{ok1, broken, alsoBroken}, 0)
		Expect(err).ToNot(HaveOccurred())
		_, err = composite.Execute(ctx, op)
		Expect(err).To(HaveOccurred())
	})
	It("should reject redundant mode with fewer than three strategies", func() {
		a := newFakeStrategy("a")
		b := newFakeStrategy("b")
		_, err := providers.NewComposite("pair", providers.CompositeRedundant, []providers.Strategy{a, b}, 0)
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})

var _ = Describe("Fallback", func() {
	var ctx context.Context
	var op *providers.Operation

	BeforeEach(func() {
		ctx = context.Background()
		op = &providers.Operation{Kind: providers.OpCreateInstances, RequestID: "req-1"}
	})

	It("should retry transient failures and stop on success", func() {
		attempts := 0
		primary := newFakeStrategy("primary")
		primary.execute = func(context.Context, *providers.Operation) (*providers.Result, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New(errors.KindTransient, "throttled")
			}
			return &providers.Result{}, nil
		}
		fallback, err := providers.NewFallback("chain", primary, nil, providers.FallbackOptions{
			Mode:           providers.FallbackRetryOnly,
			RetryBaseDelay: time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = fallback.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(attempts).To(Equal(3))
	})
	It("should not retry permanent failures", func() {
		primary := newFakeStrategy("primary")
		primary.execute = failing(errors.KindValidation)
		fallback, err := providers.NewFallback("chain", primary, nil, providers.FallbackOptions{
			Mode:           providers.FallbackRetryOnly,
			RetryBaseDelay: time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = fallback.Execute(ctx, op)
		Expect(errors.IsValidation(err)).To(BeTrue())
		Expect(primary.calls.Load()).To(Equal(int64(1)))
	})
	It("should walk the fallback chain after exhausting retries", func() {
		primary := newFakeStrategy("primary")
		primary.execute = failing(errors.KindTransient)
		backup := newFakeStrategy("backup")
		backup.execute = succeeding(1)
		fallback, err := providers.NewFallback("chain", primary, []providers.Strategy{backup}, providers.FallbackOptions{
			Mode:           providers.FallbackRetryThenFallback,
			RetryBaseDelay: time.Millisecond,
			RetryAttempts:  2,
		})
		Expect(err).ToNot(HaveOccurred())

		result, err := fallback.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Machines).To(HaveLen(1))
		Expect(primary.calls.Load()).To(Equal(int64(2)))
	})

	Context("circuit breaker", func() {
		var clk *clocktesting.FakePassiveClock
		var primary *fakeStrategy
		var fallback *providers.Fallback

		BeforeEach(func() {
			clk = clocktesting.NewFakePassiveClock(time.Now())
			primary = newFakeStrategy("primary")
			primary.execute = failing(errors.KindTransient)
			var err error
			fallback, err = providers.NewFallback("guarded", primary, nil, providers.FallbackOptions{
				Mode: providers.FallbackCircuitBreaker,
				Breaker: providers.BreakerOptions{
					FailureThreshold: 2,
					RecoveryTimeout:  30 * time.Second,
					HalfOpenMaxCalls: 1,
				},
				Clock: clk,
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should open after consecutive failures and reject without invoking", func() {
			for range 2 {
				_, err := fallback.Execute(ctx, op)
				Expect(err).To(HaveOccurred())
			}
			Expect(primary.calls.Load()).To(Equal(int64(2)))

			_, err := fallback.Execute(ctx, op)
			Expect(providers.IsCircuitOpen(err)).To(BeTrue())
			Expect(primary.calls.Load()).To(Equal(int64(2)))
		})
		It("should half-open after the recovery timeout and close on success", func() {
			for range 2 {
				_, _ = fallback.Execute(ctx, op)
			}
			clk.SetTime(clk.Now().Add(31 * time.Second))
			primary.execute = succeeding(1)

			result, err := fallback.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Machines).To(HaveLen(1))

			// circuit closed again: failures restart the count from zero
			primary.execute = failing(errors.KindTransient)
			_, err = fallback.Execute(ctx, op)
			Expect(providers.IsCircuitOpen(err)).To(BeFalse())
		})
		It("should re-open when the half-open trial fails", func() {
			for range 2 {
				_, _ = fallback.Execute(ctx, op)
			}
			clk.SetTime(clk.Now().Add(31 * time.Second))
			_, err := fallback.Execute(ctx, op)
			Expect(err).To(HaveOccurred())
			Expect(providers.IsCircuitOpen(err)).To(BeFalse())

			_, err = fallback.Execute(ctx, op)
			Expect(providers.IsCircuitOpen(err)).To(BeTrue())
		})
	})
})

var _ = Describe("LoadBalancing", func() {
	var ctx context.Context
	var op *providers.Operation

	BeforeEach(func() {
		ctx = context.Background()
		op = &providers.Operation{Kind: providers.OpGetInstanceStatus, Key: "req-42"}
	})

	It("should rotate round robin across healthy backends", func() {
		a := newFakeStrategy("a")
		b := newFakeStrategy("b")
		lb, err := providers.NewLoadBalancing("lb", providers.LBRoundRobin, providers.LBPassive, []providers.Strategy{a, b})
		Expect(err).ToNot(HaveOccurred())

		for range 4 {
			_, err := lb.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(a.calls.Load()).To(Equal(int64(2)))
		Expect(b.calls.Load()).To(Equal(int64(2)))
	})
	It("should route the same key to the same backend under hashing", func() {
		a := newFakeStrategy("a")
		b := newFakeStrategy("b")
		lb, err := providers.NewLoadBalancing("lb", providers.LBHash, providers.LBPassive, []providers.Strategy{a, b})
		Expect(err).ToNot(HaveOccurred())

		for range 5 {
			_, err := lb.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(a.calls.Load() == 5 || b.calls.Load() == 5).To(BeTrue())
	})
	It("should passively drop a failing backend and recover it on success", func() {
		flaky := newFakeStrategy("flaky")
		flaky.execute = failing(errors.KindTransient)
		steady := newFakeStrategy("steady")
		lb, err := providers.NewLoadBalancing("lb", providers.LBRoundRobin, providers.LBPassive, []providers.Strategy{flaky, steady})
		Expect(err).ToNot(HaveOccurred())

		// first round may hit flaky; afterwards only steady remains eligible
		for range 4 {
			_, _ = lb.Execute(ctx, op)
		}
		before := steady.calls.Load()
		_, err = lb.Execute(ctx, op)
		Expect(err).ToNot(HaveOccurred())
		Expect(steady.calls.Load()).To(Equal(before + 1))
		Expect(flaky.calls.Load()).To(Equal(int64(1)))
	})
	It("should fail fast when every backend is unhealthy", func() {
		broken := newFakeStrategy("broken")
		broken.execute = failing(errors.KindTransient)
		lb, err := providers.NewLoadBalancing("lb", providers.LBRoundRobin, providers.LBPassive, []providers.Strategy{broken})
		Expect(err).ToNot(HaveOccurred())

		_, _ = lb.Execute(ctx, op)
		_, err = lb.Execute(ctx, op)
		Expect(errors.IsKind(err, errors.KindSaturated)).To(BeTrue())
	})
})
