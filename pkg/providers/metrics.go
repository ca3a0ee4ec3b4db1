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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hostfactory/hostbroker/pkg/metrics"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metrics.ProviderSubsystem,
			Name:      "operations_total",
			Help:      "Operations executed per provider, by kind and outcome",
		},
		[]string{metrics.ProviderLabel, metrics.OperationLabel, metrics.OutcomeLabel},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: metrics.ProviderSubsystem,
			Name:      "operation_duration_seconds",
			Help:      "Operation latency per provider and kind",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{metrics.ProviderLabel, metrics.OperationLabel},
	)
	providerHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: metrics.ProviderSubsystem,
			Name:      "healthy",
			Help:      "Last observed health per provider (1 healthy, 0 unhealthy)",
		},
		[]string{metrics.ProviderLabel},
	)
	breakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: metrics.ProviderSubsystem,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider and operation (0 closed, 1 half-open, 2 open)",
		},
		[]string{metrics.ProviderLabel, metrics.OperationLabel},
	)
)

func init() {
	metrics.Registry.MustRegister(operationsTotal, operationDuration, providerHealthy, breakerStateGauge)
}

func observeOperation(provider string, kind OperationKind, err error, elapsed time.Duration) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	operationsTotal.WithLabelValues(provider, string(kind), outcome).Inc()
	operationDuration.WithLabelValues(provider, string(kind)).Observe(elapsed.Seconds())
}

func setHealthGauge(provider string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	providerHealthy.WithLabelValues(provider).Set(value)
}
