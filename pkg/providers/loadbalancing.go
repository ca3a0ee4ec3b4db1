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
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
)

type LBAlgorithm string

const (
	LBRoundRobin         LBAlgorithm = "round_robin"
	LBWeightedRoundRobin LBAlgorithm = "weighted_round_robin"
	LBLeastConnections   LBAlgorithm = "least_connections"
	// LBHash routes by operation key, so retries of the same logical
	// operation land on the same backend.
	LBHash LBAlgorithm = "hash"
	// LBAdaptive weights backends by their observed success rate.
	LBAdaptive LBAlgorithm = "adaptive"
)

type LBHealthMode string

const (
	// LBPassive derives health from observed execution errors only.
	LBPassive LBHealthMode = "passive"
	// LBActive probes backends on a fixed interval.
	LBActive LBHealthMode = "active"
	LBHybrid LBHealthMode = "hybrid"
)

type lbBackend struct {
	strategy Strategy
	inFlight atomic.Int64
	healthy  atomic.Bool
	metrics  *strategyMetrics
}

// LoadBalancing spreads operations across a backend set. Saturated backends
// are skipped; when every backend is saturated the call fails fast.
type LoadBalancing struct {
	name       string
	algorithm  LBAlgorithm
	healthMode LBHealthMode
	backends   []*lbBackend
	cursor     atomic.Uint64

	startOnce sync.Once
}

func NewLoadBalancing(name string, algorithm LBAlgorithm, healthMode LBHealthMode, backends []Strategy) (*LoadBalancing, error) {
	if len(backends) == 0 {
		return nil, errors.New(errors.KindValidation, "load balancer %q needs at least one backend", name)
	}
	if healthMode == "" {
		healthMode = LBPassive
	}
	lb := &LoadBalancing{name: name, algorithm: algorithm, healthMode: healthMode}
	for _, strategy := range backends {
		backend := &lbBackend{strategy: strategy, metrics: newStrategyMetrics()}
		backend.healthy.Store(true)
		lb.backends = append(lb.backends, backend)
	}
	return lb, nil
}

func (l *LoadBalancing) Name() string { return l.name }

func (l *LoadBalancing) Instance() *v1.ProviderInstance {
	return &v1.ProviderInstance{Name: l.name, Type: "loadbalancing"}
}

// Start launches the active health probe loop. A passive balancer ignores it.
func (l *LoadBalancing) Start(ctx context.Context, interval time.Duration) {
	if l.healthMode == LBPassive || interval <= 0 {
		return
	}
	l.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					l.probe(ctx)
				}
			}
		}()
	})
}

func (l *LoadBalancing) probe(ctx context.Context) {
	for _, backend := range l.backends {
		status := backend.strategy.CheckHealth(ctx)
		backend.healthy.Store(status.Healthy)
		if !status.Healthy {
			log.FromContext(ctx).V(1).Info("backend unhealthy", "balancer", l.name, "backend", backend.strategy.Name(), "message", status.Message)
		}
	}
}

func (l *LoadBalancing) Execute(ctx context.Context, op *Operation) (*Result, error) {
	backend, err := l.choose(op)
	if err != nil {
		return nil, err
	}
	backend.inFlight.Add(1)
	defer backend.inFlight.Add(-1)

	start := time.Now()
	result, execErr := backend.strategy.Execute(ctx, op)
	backend.metrics.observe(time.Since(start), execErr)
	if l.healthMode != LBActive {
		// passive and hybrid modes fold outcomes into health
		if execErr != nil && errors.IsProviderError(execErr) {
			backend.healthy.Store(false)
		} else if execErr == nil {
			backend.healthy.Store(true)
		}
	}
	return result, execErr
}

func (l *LoadBalancing) choose(op *Operation) (*lbBackend, error) {
	candidates := make([]*lbBackend, 0, len(l.backends))
	for _, backend := range l.backends {
		if !backend.healthy.Load() {
			continue
		}
		if backend.inFlight.Load() >= int64(backend.strategy.Instance().EffectiveMaxInFlight()) {
			continue
		}
		candidates = append(candidates, backend)
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.KindSaturated, "load balancer %q has no available backend", l.name)
	}
	switch l.algorithm {
	case LBWeightedRoundRobin:
		return l.chooseWeighted(candidates, func(b *lbBackend) int {
			return b.strategy.Instance().Weight
		}), nil
	case LBLeastConnections:
		chosen := candidates[0]
		for _, candidate := range candidates[1:] {
			if candidate.inFlight.Load() < chosen.inFlight.Load() {
				chosen = candidate
			}
		}
		return chosen, nil
	case LBHash:
		h := fnv.New64a()
		_, _ = h.Write([]byte(op.Key))
		return candidates[h.Sum64()%uint64(len(candidates))], nil
	case LBAdaptive:
		// success rate in percent as an integer weight; a failing backend
		// still gets a sliver of traffic to discover recovery
		return l.chooseWeighted(candidates, func(b *lbBackend) int {
			return int(b.metrics.successRate()*100) + 1
		}), nil
	default:
		idx := l.cursor.Add(1)
		return candidates[idx%uint64(len(candidates))], nil
	}
}

func (l *LoadBalancing) chooseWeighted(candidates []*lbBackend, weight func(*lbBackend) int) *lbBackend {
	total := 0
	for _, candidate := range candidates {
		total += weight(candidate)
	}
	if total == 0 {
		return candidates[0]
	}
	slot := int(l.cursor.Add(1) % uint64(total))
	for _, candidate := range candidates {
		slot -= weight(candidate)
		if slot < 0 {
			return candidate
		}
	}
	return candidates[len(candidates)-1]
}

func (l *LoadBalancing) CheckHealth(ctx context.Context) HealthStatus {
	start := time.Now()
	healthy := false
	for _, backend := range l.backends {
		status := backend.strategy.CheckHealth(ctx)
		backend.healthy.Store(status.Healthy)
		healthy = healthy || status.Healthy
	}
	return HealthStatus{
		ProviderName: l.name,
		Healthy:      healthy,
		Latency:      time.Since(start),
		CheckedAt:    time.Now(),
	}
}
