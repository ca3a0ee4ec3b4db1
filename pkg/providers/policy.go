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
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// healthBased score weights, fixed.
const (
	healthSuccessWeight = 1.0
	healthLatencyWeight = 0.5
)

// pick applies the active policy to a non-empty candidate set. Caller holds
// c.mu; candidates arrive sorted by priority then registration order.
func (c *Context) pick(candidates []*entry, op *Operation) *entry {
	switch c.policy {
	case PolicyRoundRobin:
		c.cursor++
		return candidates[c.cursor%uint64(len(candidates))]
	case PolicyWeightedRoundRobin:
		return c.pickWeighted(candidates)
	case PolicyLeastConnections:
		return pickLeastConnections(candidates)
	case PolicyFastestResponse:
		return pickBy(candidates, func(a, b *entry) bool {
			return a.metrics.latency() < b.metrics.latency()
		})
	case PolicyHighestSuccessRate:
		return pickBy(candidates, func(a, b *entry) bool {
			return a.metrics.successRate() > b.metrics.successRate()
		})
	case PolicyCapabilityBased:
		return pickCapable(candidates, op)
	case PolicyHealthBased:
		return c.pickHealthScored(candidates)
	case PolicyRandom:
		return candidates[c.rng.Intn(len(candidates))]
	default: // PolicyFirstAvailable
		return candidates[0]
	}
}

// pickWeighted walks a virtual ring where each provider occupies weight
// slots. Weight zero excludes a provider from rotation entirely.
func (c *Context) pickWeighted(candidates []*entry) *entry {
	total := 0
	for _, candidate := range candidates {
		total += candidate.strategy.Instance().Weight
	}
	if total == 0 {
		return candidates[0]
	}
	c.cursor++
	slot := int(c.cursor % uint64(total))
	for _, candidate := range candidates {
		slot -= candidate.strategy.Instance().Weight
		if slot < 0 {
			return candidate
		}
	}
	return candidates[len(candidates)-1]
}

func pickLeastConnections(candidates []*entry) *entry {
	chosen := candidates[0]
	for _, candidate := range candidates[1:] {
		// ties keep the earlier candidate, which sorts by priority
		if candidate.metrics.inFlight.Load() < chosen.metrics.inFlight.Load() {
			chosen = candidate
		}
	}
	return chosen
}

func pickBy(candidates []*entry, better func(a, b *entry) bool) *entry {
	chosen := candidates[0]
	for _, candidate := range candidates[1:] {
		if better(candidate, chosen) {
			chosen = candidate
		}
	}
	return chosen
}

// pickCapable narrows to providers covering the operation's capabilities and
// then behaves like FirstAvailable.
func pickCapable(candidates []*entry, op *Operation) *entry {
	required := sets.New(op.RequiredCapabilities...)
	for _, candidate := range candidates {
		if sets.New(candidate.strategy.Instance().Capabilities...).IsSuperset(required) {
			return candidate
		}
	}
	return candidates[0]
}

// pickHealthScored prefers the highest w1·successRate − w2·normalizedLatency,
// with latency normalized against the slowest candidate.
func (c *Context) pickHealthScored(candidates []*entry) *entry {
	var maxLatency time.Duration
	for _, candidate := range candidates {
		if latency := candidate.metrics.latency(); latency > maxLatency {
			maxLatency = latency
		}
	}
	score := func(e *entry) float64 {
		normalized := 0.0
		if maxLatency > 0 {
			normalized = float64(e.metrics.latency()) / float64(maxLatency)
		}
		return healthSuccessWeight*e.metrics.successRate() - healthLatencyWeight*normalized
	}
	return pickBy(candidates, func(a, b *entry) bool { return score(a) > score(b) })
}
