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

import (
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hostfactory/hostbroker/pkg/errors"
)

type RequestType string

const (
	RequestTypeAcquire RequestType = "acquire"
	RequestTypeReturn  RequestType = "return"
)

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusPartial    RequestStatus = "partial"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCancelled  RequestStatus = "cancelled"
	RequestStatusTimeout    RequestStatus = "timeout"
)

var requestTerminalStatuses = sets.New(
	RequestStatusCompleted,
	RequestStatusPartial,
	RequestStatusFailed,
	RequestStatusCancelled,
	RequestStatusTimeout,
)

var requestTransitions = map[RequestStatus]sets.Set[RequestStatus]{
	RequestStatusPending: sets.New(
		RequestStatusInProgress,
		RequestStatusCancelled,
		RequestStatusTimeout,
	),
	RequestStatusInProgress: sets.New(
		RequestStatusCompleted,
		RequestStatusPartial,
		RequestStatusFailed,
		RequestStatusCancelled,
		RequestStatusTimeout,
	),
}

func (s RequestStatus) Terminal() bool {
	return requestTerminalStatuses.Has(s)
}

// Request is the unit of work the scheduler hands to the broker: acquire N
// machines from a template, or return previously acquired machines. A request
// owns its machines by id; machines never point back at request structs.
type Request struct {
	RequestID      string        `json:"request_id"`
	Type           RequestType   `json:"type"`
	TemplateID     string        `json:"template_id"`
	ProviderName   string        `json:"provider_name,omitempty"`
	RequestedCount int           `json:"requested_count"`
	Status         RequestStatus `json:"status"`
	StatusMessage  string        `json:"status_message,omitempty"`
	MachineIDs     []string      `json:"machine_ids,omitempty"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Deadline       *time.Time    `json:"deadline,omitempty"`

	// ResourceVersion increments on every save; stale writes are rejected.
	ResourceVersion int64 `json:"resource_version"`
	// EventSequence numbers the events this aggregate has emitted.
	EventSequence int64 `json:"event_sequence"`
}

func NewRequest(reqType RequestType, templateID string, count int, now time.Time) *Request {
	return &Request{
		RequestID:      uuid.NewString(),
		Type:           reqType,
		TemplateID:     templateID,
		RequestedCount: count,
		Status:         RequestStatusPending,
		CorrelationID:  uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TransitionTo moves the request to the given status. Re-observing the
// current status is a no-op; any other transition out of a terminal status is
// a conflict.
func (r *Request) TransitionTo(status RequestStatus, now time.Time) error {
	if r.Status == status {
		return nil
	}
	if r.Status.Terminal() {
		return errors.New(errors.KindConflict, "request %q is %s", r.RequestID, r.Status)
	}
	if !requestTransitions[r.Status].Has(status) {
		return errors.New(errors.KindValidation, "request %q cannot move from %s to %s", r.RequestID, r.Status, status)
	}
	r.Status = status
	r.UpdatedAt = now
	return nil
}

// Cancel is idempotent: cancelling a request that already reached a terminal
// status reports alreadyTerminal instead of failing.
func (r *Request) Cancel(now time.Time) (alreadyTerminal bool, err error) {
	if r.Status.Terminal() {
		return true, nil
	}
	return false, r.TransitionTo(RequestStatusCancelled, now)
}

func (r *Request) Expired(now time.Time) bool {
	return r.Deadline != nil && now.After(*r.Deadline)
}

// NextSequence hands out the sequence number for the aggregate's next event.
func (r *Request) NextSequence() int64 {
	r.EventSequence++
	return r.EventSequence
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.MachineIDs = append([]string(nil), r.MachineIDs...)
	if r.Deadline != nil {
		d := *r.Deadline
		out.Deadline = &d
	}
	return &out
}
