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

package v1

import "time"

type EventType string

const (
	EventRequestCreated        EventType = "request_created"
	EventRequestStatusChanged  EventType = "request_status_changed"
	EventMachineCreated        EventType = "machine_created"
	EventMachineStatusChanged  EventType = "machine_status_changed"
	EventTemplateCreated       EventType = "template_created"
	EventTemplateUpdated       EventType = "template_updated"
	EventTemplateDeleted       EventType = "template_deleted"
	EventTemplateValidated     EventType = "template_validated"
	EventProviderHealthChanged EventType = "provider_health_changed"
)

// Event is a domain fact emitted by an aggregate. Sequence is monotonic per
// aggregate; consumers order events by (AggregateID, Sequence), never by
// Timestamp.
type Event struct {
	Type          EventType      `json:"type"`
	AggregateID   string         `json:"aggregate_id"`
	OldStatus     string         `json:"old_status,omitempty"`
	NewStatus     string         `json:"new_status,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Sequence      int64          `json:"sequence"`
	Details       map[string]any `json:"details,omitempty"`
}
