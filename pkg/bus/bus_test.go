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

package bus_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/bus"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

var _ = Describe("Bus", func() {
	var ctx context.Context
	var subject *bus.Bus

	BeforeEach(func() {
		ctx = context.Background()
		subject = bus.New(bus.Options{})
	})

	Context("Dispatch", func() {
		It("should route a command to its handler", func() {
			handler := &countingCommand{value: "pong"}
			subject.RegisterCommandHandler(ping{}.CommandName(), handler)

			outcome := subject.Dispatch(ctx, ping{Payload: "hello"})
			Expect(outcome.OK).To(BeTrue())
			Expect(outcome.Value).To(Equal("pong"))
			Expect(handler.calls).To(Equal(1))
		})

		It("should fail an unbound command with not_found", func() {
			outcome := subject.Dispatch(ctx, ping{})
			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Kind).To(Equal(errors.KindNotFound))
		})

		It("should wrap handler errors into the envelope", func() {
			subject.RegisterCommandHandler(ping{}.CommandName(), &countingCommand{
				err: errors.New(errors.KindQuota, "no capacity").WithDetail("provider", "aws"),
			})

			outcome := subject.Dispatch(ctx, ping{})
			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Kind).To(Equal(errors.KindQuota))
			Expect(outcome.Message).To(Equal("no capacity"))
			Expect(outcome.Retryable).To(BeTrue())
			Expect(outcome.Details).To(HaveKeyWithValue("provider", "aws"))
		})

		It("should keep the first binding unless replacement is allowed", func() {
			first := &countingCommand{value: "first"}
			second := &countingCommand{value: "second"}
			subject.RegisterCommandHandler(ping{}.CommandName(), first)
			subject.RegisterCommandHandler(ping{}.CommandName(), second)
			Expect(subject.Dispatch(ctx, ping{}).Value).To(Equal("first"))

			replaceable := bus.New(bus.Options{AllowReplace: true})
			replaceable.RegisterCommandHandler(ping{}.CommandName(), first)
			replaceable.RegisterCommandHandler(ping{}.CommandName(), second)
			Expect(replaceable.Dispatch(ctx, ping{}).Value).To(Equal("second"))
		})
	})

	Context("Ask", func() {
		It("should serve repeated cacheable queries from the cache", func() {
			handler := &cachedCountingQuery{tags: []string{"counts"}}
			subject.RegisterQueryHandler(countQuery{}.QueryName(), handler)

			Expect(subject.Ask(ctx, countQuery{Bucket: "a"}).Value).To(Equal(1))
			Expect(subject.Ask(ctx, countQuery{Bucket: "a"}).Value).To(Equal(1))
			Expect(handler.calls).To(Equal(1))

			// A different key misses.
			Expect(subject.Ask(ctx, countQuery{Bucket: "b"}).Value).To(Equal(2))
		})

		It("should invalidate cached queries by tag on commands", func() {
			handler := &cachedCountingQuery{tags: []string{"counts"}}
			subject.RegisterQueryHandler(countQuery{}.QueryName(), handler)
			subject.RegisterCommandHandler(ping{}.CommandName(), &countingCommand{tags: []string{"counts"}})

			Expect(subject.Ask(ctx, countQuery{Bucket: "a"}).Value).To(Equal(1))
			Expect(subject.Dispatch(ctx, ping{}).OK).To(BeTrue())
			Expect(subject.Ask(ctx, countQuery{Bucket: "a"}).Value).To(Equal(2))
		})

		It("should not cache uncacheable queries", func() {
			handler := &countingQuery{}
			subject.RegisterQueryHandler(countQuery{}.QueryName(), handler)

			Expect(subject.Ask(ctx, countQuery{}).Value).To(Equal(1))
			Expect(subject.Ask(ctx, countQuery{}).Value).To(Equal(2))
		})

		It("should not cache failed queries", func() {
			handler := &cachedCountingQuery{}
			handler.err = errors.New(errors.KindTransient, "flaky")
			subject.RegisterQueryHandler(countQuery{}.QueryName(), handler)

			Expect(subject.Ask(ctx, countQuery{Bucket: "a"}).OK).To(BeFalse())
			handler.err = nil
			Expect(subject.Ask(ctx, countQuery{Bucket: "a"}).OK).To(BeTrue())
			Expect(handler.calls).To(Equal(2))
		})

		It("should fail an unbound query with not_found", func() {
			outcome := subject.Ask(ctx, countQuery{})
			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Kind).To(Equal(errors.KindNotFound))
		})
	})

	Context("Publish", func() {
		It("should fan out to typed and catch-all subscribers", func() {
			var typed, all []v1.EventType
			subject.RegisterEventHandler(func(_ context.Context, evt v1.Event) {
				typed = append(typed, evt.Type)
			}, v1.EventRequestCreated)
			subject.RegisterEventHandler(func(_ context.Context, evt v1.Event) {
				all = append(all, evt.Type)
			})

			subject.Publish(ctx,
				v1.Event{Type: v1.EventRequestCreated, Timestamp: time.Now()},
				v1.Event{Type: v1.EventMachineCreated, Timestamp: time.Now()},
			)
			Expect(typed).To(Equal([]v1.EventType{v1.EventRequestCreated}))
			Expect(all).To(Equal([]v1.EventType{v1.EventRequestCreated, v1.EventMachineCreated}))
		})

		It("should contain a panicking subscriber", func() {
			received := 0
			subject.RegisterEventHandler(func(context.Context, v1.Event) { panic("boom") })
			subject.RegisterEventHandler(func(context.Context, v1.Event) { received++ })

			Expect(func() {
				subject.Publish(ctx, v1.Event{Type: v1.EventRequestCreated})
			}).ToNot(Panic())
			Expect(received).To(Equal(1))
		})
	})

	Context("Outcome", func() {
		It("should rebuild a classified error from a failed outcome", func() {
			outcome := bus.Outcome{OK: false, Kind: errors.KindConflict, Message: "stale version", Details: map[string]any{"request_id": "req-1"}}
			err := outcome.Err()
			Expect(errors.IsKind(err, errors.KindConflict)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("stale version"))

			Expect(bus.Outcome{OK: true}.Err()).To(BeNil())
		})
	})
})
