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

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hostfactory/hostbroker/pkg/errors"
)

type MachineStatus string

const (
	MachineStatusBuilding    MachineStatus = "building"
	MachineStatusRunning     MachineStatus = "running"
	MachineStatusStopping    MachineStatus = "stopping"
	MachineStatusStopped     MachineStatus = "stopped"
	MachineStatusTerminating MachineStatus = "terminating"
	MachineStatusTerminated  MachineStatus = "terminated"
	MachineStatusFailed      MachineStatus = "failed"
	MachineStatusUnknown     MachineStatus = "unknown"
)

var machineTerminalStatuses = sets.New(
	MachineStatusTerminated,
	MachineStatusFailed,
)

// machineTransitions allows observed-state jumps (e.g. running straight to
// terminated when a poll misses the shutting-down window). Unknown is
// recoverable: the next successful poll moves the machine to whatever the
// provider reports.
var machineTransitions = map[MachineStatus]sets.Set[MachineStatus]{
	MachineStatusBuilding: sets.New(
		MachineStatusRunning,
		MachineStatusFailed,
		MachineStatusTerminating,
		MachineStatusUnknown,
	),
	MachineStatusRunning: sets.New(
		MachineStatusStopping,
		MachineStatusStopped,
		MachineStatusTerminating,
		MachineStatusTerminated,
		MachineStatusUnknown,
	),
	MachineStatusStopping: sets.New(
		MachineStatusStopped,
		MachineStatusTerminating,
		MachineStatusUnknown,
	),
	MachineStatusStopped: sets.New(
		MachineStatusRunning,
		MachineStatusTerminating,
		MachineStatusUnknown,
	),
	MachineStatusTerminating: sets.New(
		MachineStatusTerminated,
		MachineStatusUnknown,
	),
	MachineStatusUnknown: sets.New(
		MachineStatusBuilding,
		MachineStatusRunning,
		MachineStatusStopping,
		MachineStatusStopped,
		MachineStatusTerminating,
		MachineStatusTerminated,
		MachineStatusFailed,
	),
}

func (s MachineStatus) Terminal() bool {
	return machineTerminalStatuses.Has(s)
}

// Machine records one provisioned compute instance. InstanceID is the
// provider-native identifier; (ProviderName, InstanceID) is globally unique.
type Machine struct {
	MachineID     string        `json:"machine_id"`
	InstanceID    string        `json:"instance_id"`
	RequestID     string        `json:"request_id"`
	TemplateID    string        `json:"template_id"`
	ProviderName  string        `json:"provider_name"`
	Name          string        `json:"name,omitempty"`
	PrivateIP     string        `json:"private_ip,omitempty"`
	PublicIP      string        `json:"public_ip,omitempty"`
	InstanceType  string        `json:"instance_type,omitempty"`
	Zone          string        `json:"zone,omitempty"`
	CapacityType  string        `json:"capacity_type,omitempty"`
	LaunchTime    time.Time     `json:"launch_time,omitempty"`
	Status        MachineStatus `json:"status"`
	StatusMessage string        `json:"status_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	ResourceVersion int64 `json:"resource_version"`
	EventSequence   int64 `json:"event_sequence"`
}

// TransitionTo moves the machine to the given status, tolerating repeats.
func (m *Machine) TransitionTo(status MachineStatus, now time.Time) error {
	if m.Status == status {
		return nil
	}
	if m.Status.Terminal() {
		return errors.New(errors.KindConflict, "machine %q is %s", m.MachineID, m.Status)
	}
	if !machineTransitions[m.Status].Has(status) {
		return errors.New(errors.KindValidation, "machine %q cannot move from %s to %s", m.MachineID, m.Status, status)
	}
	m.Status = status
	m.UpdatedAt = now
	return nil
}

func (m *Machine) NextSequence() int64 {
	m.EventSequence++
	return m.EventSequence
}

func (m *Machine) Clone() *Machine {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}
