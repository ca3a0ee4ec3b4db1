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

package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hostfactory/hostbroker/pkg/metrics"
)

var (
	dispatchCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metrics.BusSubsystem,
			Name:      "dispatch_total",
			Help:      "Messages dispatched through the bus, partitioned by kind, message name, and result",
		},
		[]string{"kind", "message", metrics.StatusLabel},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: metrics.BusSubsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Handler execution time per message",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{"kind", "message"},
	)
	queryCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: metrics.BusSubsystem,
			Name:      "query_cache_hits_total",
			Help:      "Queries served from the result cache",
		},
		[]string{"message"},
	)
)

func init() {
	metrics.Registry.MustRegister(dispatchCount, dispatchDuration, queryCacheHits)
}

func observeDispatch(kind, message string, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	dispatchCount.WithLabelValues(kind, message, status).Inc()
	dispatchDuration.WithLabelValues(kind, message).Observe(elapsed.Seconds())
}
