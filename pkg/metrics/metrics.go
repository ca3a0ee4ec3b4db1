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

// Package metrics holds the process-wide Prometheus registry and the naming
// conventions shared by every subsystem's collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "hostbroker"

	ProviderSubsystem = "provider"
	BusSubsystem      = "bus"
	BatcherSubsystem  = "batcher"
	StorageSubsystem  = "storage"
	TemplateSubsystem = "template"

	ProviderLabel  = "provider"
	OperationLabel = "operation"
	StatusLabel    = "status"
	StrategyLabel  = "strategy"
	TypeLabel      = "type"
	OutcomeLabel   = "outcome"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// DurationBuckets spans sub-millisecond bus dispatch through multi-minute
// provider calls.
func DurationBuckets() []float64 {
	return []float64{
		0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
		1, 2.5, 5, 10, 30, 60, 120, 300,
	}
}

// Registry collects every broker metric. Collectors register themselves at
// package init; the registry is served by Handler.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
