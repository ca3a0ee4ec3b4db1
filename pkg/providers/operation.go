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

// Package providers is the strategy engine: it holds the registered provider
// backends, applies the configured selection policy, executes operations
// against the chosen backend, and records per-provider metrics. Composite,
// fallback, and load-balancing strategies wrap plain backends and satisfy the
// same Strategy interface.
package providers

import (
	"context"
	"time"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
)

type OperationKind string

const (
	OpCreateInstances       OperationKind = "create_instances"
	OpTerminateInstances    OperationKind = "terminate_instances"
	OpGetInstanceStatus     OperationKind = "get_instance_status"
	OpValidateTemplate      OperationKind = "validate_template"
	OpHealthCheck           OperationKind = "health_check"
	OpGetAvailableTemplates OperationKind = "get_available_templates"
	OpGetCapabilities       OperationKind = "get_capabilities"
)

// Operation is one typed unit of work against a provider backend. Key feeds
// hash-based routing and is stable for retries of the same logical operation.
type Operation struct {
	Kind        OperationKind
	Key         string
	RequestID   string
	Template    *v1.Template
	Count       int
	InstanceIDs []string
	// RequiredCapabilities narrows eligible providers for this operation on
	// top of the context-wide selection criteria.
	RequiredCapabilities []string
}

// InstanceStatus is one observed provider-side instance state.
type InstanceStatus struct {
	InstanceID string
	Status     v1.MachineStatus
	PrivateIP  string
	PublicIP   string
	Message    string
}

// Result carries the operation outputs. Only the fields relevant to the
// operation kind are populated. Partial marks a CreateInstances that yielded
// fewer machines than requested.
type Result struct {
	ProviderName  string
	Machines      []*v1.Machine
	TerminatedIDs []string
	Statuses      []InstanceStatus
	Templates     []*v1.Template
	Capabilities  []string
	Partial       bool
	Diagnostics   []string
}

// HealthStatus is the outcome of one provider health probe.
type HealthStatus struct {
	ProviderName string
	Healthy      bool
	Message      string
	Latency      time.Duration
	CheckedAt    time.Time
}

// Strategy is one executable provider backend. Implementations must be safe
// for concurrent Execute calls.
type Strategy interface {
	Name() string
	Instance() *v1.ProviderInstance
	Execute(ctx context.Context, op *Operation) (*Result, error)
	CheckHealth(ctx context.Context) HealthStatus
}
