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
	"sync/atomic"
	"time"
)

// ewmaWindow sizes the exponential moving averages: alpha = 2/(N+1) over the
// last N observations.
const ewmaWindow = 64

const ewmaAlpha = 2.0 / (ewmaWindow + 1)

// strategyMetrics tracks one provider's observed behavior. Counters are
// lock-free; the EWMA pair is guarded by a mutex with an O(1) critical
// section.
type strategyMetrics struct {
	inFlight atomic.Int64
	total    atomic.Int64
	failures atomic.Int64

	mu          sync.Mutex
	successEWMA float64
	latencyEWMA time.Duration
	seeded      bool
}

func newStrategyMetrics() *strategyMetrics {
	return &strategyMetrics{}
}

func (m *strategyMetrics) observe(elapsed time.Duration, err error) {
	m.total.Add(1)
	if err != nil {
		m.failures.Add(1)
	}
	outcome := 1.0
	if err != nil {
		outcome = 0.0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		m.successEWMA = outcome
		m.latencyEWMA = elapsed
		m.seeded = true
		return
	}
	m.successEWMA = ewmaAlpha*outcome + (1-ewmaAlpha)*m.successEWMA
	m.latencyEWMA = time.Duration(ewmaAlpha*float64(elapsed) + (1-ewmaAlpha)*float64(m.latencyEWMA))
}

func (m *strategyMetrics) successRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		// an unobserved provider is assumed good, so new registrations are
		// not starved by rate-sensitive policies
		return 1.0
	}
	return m.successEWMA
}

func (m *strategyMetrics) latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latencyEWMA
}

// Metrics is the externally visible snapshot of one provider's counters.
type Metrics struct {
	ProviderName string        `json:"provider_name"`
	InFlight     int64         `json:"in_flight"`
	Total        int64         `json:"total"`
	Failures     int64         `json:"failures"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
}

func (m *strategyMetrics) snapshot(name string) Metrics {
	return Metrics{
		ProviderName: name,
		InFlight:     m.inFlight.Load(),
		Total:        m.total.Load(),
		Failures:     m.failures.Load(),
		SuccessRate:  m.successRate(),
		AvgLatency:   m.latency(),
	}
}
