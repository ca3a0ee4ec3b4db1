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

package providers

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

type FallbackMode string

const (
	// FallbackRetryOnly retries the primary with exponential backoff and
	// never touches the fallbacks.
	FallbackRetryOnly FallbackMode = "retry_only"
	// FallbackRetryThenFallback retries the primary, then walks the ordered
	// fallbacks.
	FallbackRetryThenFallback FallbackMode = "retry_then_fallback"
	// FallbackCircuitBreaker guards each backend with a per-operation-kind
	// circuit and moves to the next backend when a circuit is open.
	FallbackCircuitBreaker FallbackMode = "circuit_breaker"
)

const (
	retryBaseDelay   = time.Second
	retryMaxDelay    = 30 * time.Second
	retryMaxAttempts = 5

	// fallbackQueueBound caps callers waiting on a saturated fallback chain
	// before failing fast.
	fallbackQueueBound = 16
)

type FallbackOptions struct {
	Mode    FallbackMode
	Breaker BreakerOptions
	// RetryBaseDelay and RetryAttempts override the backoff defaults (base
	// 1s doubling capped at 30s, 5 attempts).
	RetryBaseDelay time.Duration
	RetryAttempts  uint
	// GlobalBreaker shares one circuit per backend across operation kinds.
	GlobalBreaker bool
	// MaxInFlight bounds concurrent executions through the chain. Zero uses
	// the provider default.
	MaxInFlight int
	// Clock is swapped in tests.
	Clock clock.PassiveClock
}

// Fallback wraps a primary strategy and an ordered fallback list.
type Fallback struct {
	name      string
	primary   Strategy
	fallbacks []Strategy
	opts      FallbackOptions

	slots chan struct{}

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewFallback(name string, primary Strategy, fallbacks []Strategy, opts FallbackOptions) (*Fallback, error) {
	if primary == nil {
		return nil, errors.New(errors.KindValidation, "fallback %q needs a primary strategy", name)
	}
	if opts.Mode == "" {
		opts.Mode = FallbackRetryThenFallback
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = v1.DefaultMaxInFlight
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = retryBaseDelay
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = retryMaxAttempts
	}
	return &Fallback{
		name:      name,
		primary:   primary,
		fallbacks: fallbacks,
		opts:      opts,
		slots:     make(chan struct{}, opts.MaxInFlight+fallbackQueueBound),
		breakers:  map[string]*breaker{},
	}, nil
}

func (f *Fallback) Name() string { return f.name }

func (f *Fallback) Instance() *v1.ProviderInstance {
	return &v1.ProviderInstance{Name: f.name, Type: "fallback", MaxInFlight: f.opts.MaxInFlight}
}

func (f *Fallback) Execute(ctx context.Context, op *Operation) (*Result, error) {
	select {
	case f.slots <- struct{}{}:
		defer func() { <-f.slots }()
	default:
		return nil, errors.New(errors.KindSaturated, "fallback %q queue is full", f.name)
	}

	switch f.opts.Mode {
	case FallbackRetryOnly:
		return f.executeWithRetry(ctx, f.primary, op)
	case FallbackCircuitBreaker:
		return f.executeWithBreakers(ctx, op)
	default:
		result, err := f.executeWithRetry(ctx, f.primary, op)
		if err == nil || !errors.IsRetryable(err) {
			return result, err
		}
		errs := err
		for _, fallback := range f.fallbacks {
			if ctx.Err() != nil {
				break
			}
			result, err = f.executeWithRetry(ctx, fallback, op)
			if err == nil {
				return result, nil
			}
			errs = multierr.Append(errs, err)
			if !errors.IsRetryable(err) {
				break
			}
		}
		return nil, errs
	}
}

// executeWithRetry retries transient failures with exponential backoff (base
// 1s, doubling, capped at 30s, at most 5 attempts). Permanent errors surface
// immediately.
func (f *Fallback) executeWithRetry(ctx context.Context, strategy Strategy, op *Operation) (*Result, error) {
	var result *Result
	err := retry.Do(
		func() error {
			var execErr error
			result, execErr = strategy.Execute(ctx, op)
			return execErr
		},
		retry.Context(ctx),
		retry.Attempts(f.opts.RetryAttempts),
		retry.Delay(f.opts.RetryBaseDelay),
		retry.MaxDelay(retryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(errors.IsRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *Fallback) executeWithBreakers(ctx context.Context, op *Operation) (*Result, error) {
	var errs error
	for _, strategy := range append([]Strategy{f.primary}, f.fallbacks...) {
		if ctx.Err() != nil {
			break
		}
		b := f.breakerFor(strategy.Name(), op.Kind)
		if err := b.allow(strategy.Name(), op.Kind); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		result, err := strategy.Execute(ctx, op)
		b.record(err)
		setBreakerGauge(strategy.Name(), op.Kind, b.currentState())
		if err == nil {
			return result, nil
		}
		errs = multierr.Append(errs, err)
		if !errors.IsRetryable(err) {
			break
		}
	}
	return nil, errs
}

func (f *Fallback) breakerFor(provider string, kind OperationKind) *breaker {
	key := provider
	if !f.opts.GlobalBreaker {
		key = provider + "/" + string(kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[key]
	if !ok {
		b = newBreaker(f.opts.Breaker, f.opts.Clock)
		f.breakers[key] = b
	}
	return b
}

func (f *Fallback) CheckHealth(ctx context.Context) HealthStatus {
	status := f.primary.CheckHealth(ctx)
	if status.Healthy {
		status.ProviderName = f.name
		return status
	}
	for _, fallback := range f.fallbacks {
		if status = fallback.CheckHealth(ctx); status.Healthy {
			break
		}
	}
	status.ProviderName = f.name
	return status
}

func setBreakerGauge(provider string, kind OperationKind, state breakerState) {
	value := 0.0
	switch state {
	case breakerHalfOpen:
		value = 1.0
	case breakerOpen:
		value = 2.0
	}
	breakerStateGauge.WithLabelValues(provider, string(kind)).Set(value)
}
