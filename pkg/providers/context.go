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
	"math/rand"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hostfactory/hostbroker/pkg/errors"
)

type Policy string

const (
	PolicyFirstAvailable     Policy = "first_available"
	PolicyRoundRobin         Policy = "round_robin"
	PolicyWeightedRoundRobin Policy = "weighted_round_robin"
	PolicyLeastConnections   Policy = "least_connections"
	PolicyFastestResponse    Policy = "fastest_response"
	PolicyHighestSuccessRate Policy = "highest_success_rate"
	PolicyCapabilityBased    Policy = "capability_based"
	PolicyHealthBased        Policy = "health_based"
	PolicyRandom             Policy = "random"
)

var knownPolicies = sets.New(
	PolicyFirstAvailable,
	PolicyRoundRobin,
	PolicyWeightedRoundRobin,
	PolicyLeastConnections,
	PolicyFastestResponse,
	PolicyHighestSuccessRate,
	PolicyCapabilityBased,
	PolicyHealthBased,
	PolicyRandom,
)

// Criteria narrows the eligible provider set before the policy picks one.
type Criteria struct {
	MinSuccessRate       float64
	MaxResponseTime      time.Duration
	RequireHealthy       bool
	RequiredCapabilities []string
}

type entry struct {
	strategy Strategy
	metrics  *strategyMetrics
}

// Context holds the registered provider strategies, the active selection
// policy, and per-provider metrics. Selection is linearizable: one critical
// section reads metrics, advances the cursor, and reserves an in-flight slot.
// Executions against different providers proceed concurrently.
type Context struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	policy   Policy
	criteria Criteria
	cursor   uint64
	health   map[string]HealthStatus
	rng      *rand.Rand
}

func NewContext(policy Policy) (*Context, error) {
	if policy == "" {
		policy = PolicyFirstAvailable
	}
	if !knownPolicies.Has(policy) {
		return nil, errors.New(errors.KindValidation, "unknown selection policy %q", policy)
	}
	return &Context{
		entries: map[string]*entry{},
		policy:  policy,
		health:  map[string]HealthStatus{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// RegisterStrategy is idempotent by provider name: re-registering an existing
// name is a no-op.
func (c *Context) RegisterStrategy(strategy Strategy) error {
	instance := strategy.Instance()
	if err := instance.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[strategy.Name()]; ok {
		return nil
	}
	c.entries[strategy.Name()] = &entry{strategy: strategy, metrics: newStrategyMetrics()}
	c.order = append(c.order, strategy.Name())
	return nil
}

// SetSelectionPolicy takes effect on the next selection.
func (c *Context) SetSelectionPolicy(policy Policy) error {
	if !knownPolicies.Has(policy) {
		return errors.New(errors.KindValidation, "unknown selection policy %q", policy)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
	return nil
}

func (c *Context) SetSelectionCriteria(criteria Criteria) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.criteria = criteria
}

// Execute selects a provider per the active policy and runs the operation
// against it. An empty eligible set fails without touching any metrics; a
// fully saturated set fails with a saturated error.
func (c *Context) Execute(ctx context.Context, op *Operation) (*Result, error) {
	chosen, err := c.reserve(op)
	if err != nil {
		return nil, err
	}
	defer chosen.metrics.inFlight.Add(-1)

	start := time.Now()
	result, err := chosen.strategy.Execute(ctx, op)
	elapsed := time.Since(start)

	chosen.metrics.observe(elapsed, err)
	observeOperation(chosen.strategy.Name(), op.Kind, err, elapsed)
	c.observeHealth(chosen.strategy.Name(), err)
	if err != nil {
		return nil, err
	}
	if result.ProviderName == "" {
		result.ProviderName = chosen.strategy.Name()
	}
	return result, nil
}

// ExecuteOn runs the operation against the named provider, bypassing policy
// selection. Used for follow-up operations on aggregates whose provider_name
// is already fixed. In-flight accounting and metrics behave as in Execute.
func (c *Context) ExecuteOn(ctx context.Context, name string, op *Operation) (*Result, error) {
	if name == "" {
		return c.Execute(ctx, op)
	}
	c.mu.Lock()
	chosen, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return nil, errors.New(errors.KindNotFound, "provider %q is not registered", name)
	}
	if !chosen.strategy.Instance().IsEnabled() {
		c.mu.Unlock()
		return nil, errors.New(errors.KindNotFound, "provider %q is disabled", name)
	}
	if chosen.metrics.inFlight.Load() >= int64(chosen.strategy.Instance().EffectiveMaxInFlight()) {
		c.mu.Unlock()
		return nil, errors.New(errors.KindSaturated, "provider %q at max in-flight for %s", name, op.Kind)
	}
	chosen.metrics.inFlight.Add(1)
	c.mu.Unlock()
	defer chosen.metrics.inFlight.Add(-1)

	start := time.Now()
	result, err := chosen.strategy.Execute(ctx, op)
	elapsed := time.Since(start)

	chosen.metrics.observe(elapsed, err)
	observeOperation(name, op.Kind, err, elapsed)
	c.observeHealth(name, err)
	if err != nil {
		return nil, err
	}
	if result.ProviderName == "" {
		result.ProviderName = name
	}
	return result, nil
}

// reserve runs the selection critical section: filter, pick, and claim an
// in-flight slot.
func (c *Context) reserve(op *Operation) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidates := c.eligible(op)
	if len(candidates) == 0 {
		return nil, errors.New(errors.KindNotFound, "no provider available for %s", op.Kind)
	}
	available := make([]*entry, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.metrics.inFlight.Load() < int64(candidate.strategy.Instance().EffectiveMaxInFlight()) {
			available = append(available, candidate)
		}
	}
	if len(available) == 0 {
		return nil, errors.New(errors.KindSaturated, "all providers at max in-flight for %s", op.Kind)
	}
	chosen := c.pick(available, op)
	chosen.metrics.inFlight.Add(1)
	return chosen, nil
}

// eligible returns enabled providers matching the selection criteria, ordered
// by priority then registration order. Caller holds c.mu.
func (c *Context) eligible(op *Operation) []*entry {
	required := sets.New(c.criteria.RequiredCapabilities...).Insert(op.RequiredCapabilities...)
	out := make([]*entry, 0, len(c.order))
	for _, name := range c.order {
		e := c.entries[name]
		instance := e.strategy.Instance()
		if !instance.IsEnabled() {
			continue
		}
		if c.criteria.RequireHealthy {
			if status, ok := c.health[name]; ok && !status.Healthy {
				continue
			}
		}
		if c.criteria.MinSuccessRate > 0 && e.metrics.successRate() < c.criteria.MinSuccessRate {
			continue
		}
		if c.criteria.MaxResponseTime > 0 && e.metrics.latency() > c.criteria.MaxResponseTime {
			continue
		}
		if required.Len() > 0 && !sets.New(instance.Capabilities...).IsSuperset(required) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].strategy.Instance().Priority < out[j].strategy.Instance().Priority
	})
	return out
}

// CheckHealth probes the named providers, or all of them when no names are
// given, and records the observed statuses.
func (c *Context) CheckHealth(ctx context.Context, names ...string) ([]HealthStatus, error) {
	strategies, err := c.resolve(names...)
	if err != nil {
		return nil, err
	}
	out := make([]HealthStatus, 0, len(strategies))
	for _, strategy := range strategies {
		status := strategy.CheckHealth(ctx)
		status.ProviderName = strategy.Name()
		c.mu.Lock()
		c.health[strategy.Name()] = status
		c.mu.Unlock()
		setHealthGauge(strategy.Name(), status.Healthy)
		out = append(out, status)
	}
	return out, nil
}

// Health returns the last recorded health statuses without probing.
func (c *Context) Health() []HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HealthStatus, 0, len(c.order))
	for _, name := range c.order {
		if status, ok := c.health[name]; ok {
			out = append(out, status)
		}
	}
	return out
}

// Metrics snapshots per-provider counters for the named providers, or all.
func (c *Context) Metrics(names ...string) ([]Metrics, error) {
	strategies, err := c.resolve(names...)
	if err != nil {
		return nil, err
	}
	out := make([]Metrics, 0, len(strategies))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, strategy := range strategies {
		out = append(out, c.entries[strategy.Name()].metrics.snapshot(strategy.Name()))
	}
	return out, nil
}

// Strategies lists the registered provider instances in registration order.
func (c *Context) Strategies() []Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Strategy, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.entries[name].strategy)
	}
	return out
}

func (c *Context) resolve(names ...string) ([]Strategy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(names) == 0 {
		names = c.order
	}
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		e, ok := c.entries[name]
		if !ok {
			return nil, errors.New(errors.KindNotFound, "provider %q is not registered", name)
		}
		out = append(out, e.strategy)
	}
	return out, nil
}

// observeHealth passively folds execution outcomes into the health view:
// provider-side failures mark the backend unhealthy until a probe or a
// success clears it. Validation errors say nothing about provider health.
func (c *Context) observeHealth(name string, err error) {
	healthy := err == nil
	if err != nil && !errors.IsProviderError(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.health[name]
	status.ProviderName = name
	status.Healthy = healthy
	status.CheckedAt = time.Now()
	if err != nil {
		status.Message = err.Error()
	} else {
		status.Message = ""
	}
	c.health[name] = status
	setHealthGauge(name, healthy)
}
