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

package controllers

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/events"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

// HealthMonitor actively probes every registered provider and publishes
// ProviderHealthChanged on flips. The probe results also feed the engine's
// health view, which selection criteria read.
type HealthMonitor struct {
	engine    *providers.Context
	publisher events.Publisher
	clock     clock.Clock
	interval  time.Duration

	mu       sync.Mutex
	known    map[string]bool
	sequence map[string]int64
}

func NewHealthMonitor(engine *providers.Context, publisher events.Publisher, interval time.Duration, clk clock.Clock) *HealthMonitor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &HealthMonitor{
		engine:    engine,
		publisher: publisher,
		clock:     clk,
		interval:  interval,
		known:     map[string]bool{},
		sequence:  map[string]int64{},
	}
}

func (m *HealthMonitor) Name() string { return "health-monitor" }

// Start probes at the configured interval. An interval of zero disables
// active checking; passive health observation in the engine still applies.
func (m *HealthMonitor) Start(ctx context.Context) error {
	if m.interval <= 0 {
		return nil
	}
	return every(ctx, m.clock, m.Name(), m.interval, m.CheckOnce)
}

// CheckOnce probes every provider and publishes an event per health flip. The
// first observation of a provider establishes its baseline without an event.
func (m *HealthMonitor) CheckOnce(ctx context.Context) error {
	statuses, err := m.engine.CheckHealth(ctx)
	if err != nil {
		return err
	}
	for _, status := range statuses {
		m.observe(ctx, status)
	}
	return nil
}

func (m *HealthMonitor) observe(ctx context.Context, status providers.HealthStatus) {
	m.mu.Lock()
	previous, seen := m.known[status.ProviderName]
	m.known[status.ProviderName] = status.Healthy
	flipped := seen && previous != status.Healthy
	var sequence int64
	if flipped {
		m.sequence[status.ProviderName]++
		sequence = m.sequence[status.ProviderName]
	}
	m.mu.Unlock()
	if !flipped {
		return
	}
	details := map[string]any{}
	if status.Message != "" {
		details["message"] = status.Message
	}
	m.publisher.Publish(ctx, v1.Event{
		Type:        v1.EventProviderHealthChanged,
		AggregateID: status.ProviderName,
		OldStatus:   healthLabel(previous),
		NewStatus:   healthLabel(status.Healthy),
		Timestamp:   m.clock.Now().UTC(),
		Sequence:    sequence,
		Details:     details,
	})
}

func healthLabel(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
