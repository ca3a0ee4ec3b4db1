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
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/hostfactory/hostbroker/pkg/errors"
)

type BreakerOptions struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit rejects before moving to
	// half-open.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls in half-open.
	HalfOpenMaxCalls int
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 30 * time.Second
	}
	if o.HalfOpenMaxCalls <= 0 {
		o.HalfOpenMaxCalls = 1
	}
	return o
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

// breaker is one circuit, scoped to a (provider, operation-kind) pair. Closed
// counts consecutive failures; at the threshold the circuit opens and rejects
// without invoking the provider. After the recovery timeout it admits a
// bounded number of trial calls; the first success closes it, a failure
// re-opens it.
type breaker struct {
	opts  BreakerOptions
	clock clock.PassiveClock

	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
	trialsInFlight      int
}

func newBreaker(opts BreakerOptions, clk clock.PassiveClock) *breaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &breaker{opts: opts.withDefaults(), clock: clk}
}

// allow reserves the call slot, or rejects with a circuit-open error.
func (b *breaker) allow(provider string, kind OperationKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if b.clock.Since(b.openedAt) < b.opts.RecoveryTimeout {
			return circuitOpenError(provider, kind)
		}
		b.state = breakerHalfOpen
		b.trialsInFlight = 0
		fallthrough
	case breakerHalfOpen:
		if b.trialsInFlight >= b.opts.HalfOpenMaxCalls {
			return circuitOpenError(provider, kind)
		}
		b.trialsInFlight++
		return nil
	default:
		return nil
	}
}

// record folds a call outcome back into the circuit.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerHalfOpen:
		b.trialsInFlight--
		if err == nil {
			b.state = breakerClosed
			b.consecutiveFailures = 0
			return
		}
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
	case breakerClosed:
		if err == nil {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.opts.FailureThreshold {
			b.state = breakerOpen
			b.openedAt = b.clock.Now()
		}
	}
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func circuitOpenError(provider string, kind OperationKind) error {
	return errors.New(errors.KindTransient, "circuit open for provider %q operation %s", provider, kind).
		WithDetail("circuit_open", true)
}

// IsCircuitOpen reports whether the error is a breaker rejection rather than
// a real provider failure.
func IsCircuitOpen(err error) bool {
	var e *errors.Error
	if !errors.AsError(err, &e) {
		return false
	}
	open, ok := e.Details()["circuit_open"].(bool)
	return ok && open
}
