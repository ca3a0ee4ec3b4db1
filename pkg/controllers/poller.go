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
	"strings"
	"time"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/events"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/storage"
)

var nonTerminalMachineStatuses = []v1.MachineStatus{
	v1.MachineStatusBuilding,
	v1.MachineStatusRunning,
	v1.MachineStatusStopping,
	v1.MachineStatusStopped,
	v1.MachineStatusTerminating,
	v1.MachineStatusUnknown,
}

// StatusPoller reconciles stored machine state against the providers. Each
// pass batches the live machines per provider into one status operation,
// applies the observed transitions, and then settles requests whose machines
// have all converged or whose deadline has passed.
type StatusPoller struct {
	engine    *providers.Context
	store     storage.Store
	publisher events.Publisher
	clock     clock.Clock
	interval  time.Duration
}

func NewStatusPoller(engine *providers.Context, store storage.Store, publisher events.Publisher, interval time.Duration, clk clock.Clock) *StatusPoller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &StatusPoller{engine: engine, store: store, publisher: publisher, clock: clk, interval: interval}
}

func (p *StatusPoller) Name() string { return "status-poller" }

// Start polls at the configured interval. An interval of zero disables the
// poller.
func (p *StatusPoller) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}
	return every(ctx, p.clock, p.Name(), p.interval, p.PollOnce)
}

// PollOnce runs a single reconciliation pass.
func (p *StatusPoller) PollOnce(ctx context.Context) error {
	machines, err := p.store.Machines().FindAll(ctx, storage.MachineFilter{Statuses: nonTerminalMachineStatuses}, storage.Page{})
	if err != nil {
		return err
	}
	var errs error
	byProvider := map[string][]*v1.Machine{}
	for _, machine := range machines {
		byProvider[machine.ProviderName] = append(byProvider[machine.ProviderName], machine)
	}
	for providerName, group := range byProvider {
		errs = multierr.Append(errs, p.pollProvider(ctx, providerName, group))
	}
	errs = multierr.Append(errs, p.settleRequests(ctx))
	return errs
}

// pollProvider resolves one provider's machines in a single status operation.
// A failed poll moves the machines to Unknown rather than guessing; the next
// successful pass recovers them.
func (p *StatusPoller) pollProvider(ctx context.Context, providerName string, machines []*v1.Machine) error {
	instanceIDs := make([]string, 0, len(machines))
	for _, machine := range machines {
		instanceIDs = append(instanceIDs, machine.InstanceID)
	}
	result, err := p.engine.ExecuteOn(ctx, providerName, &providers.Operation{
		Kind:        providers.OpGetInstanceStatus,
		Key:         strings.Join(instanceIDs, ","),
		InstanceIDs: instanceIDs,
	})
	if err != nil {
		var errs error
		for _, machine := range machines {
			errs = multierr.Append(errs, p.moveMachine(ctx, machine, v1.MachineStatusUnknown, err.Error()))
		}
		return multierr.Append(err, errs)
	}
	observed := map[string]providers.InstanceStatus{}
	for _, status := range result.Statuses {
		observed[status.InstanceID] = status
	}
	var errs error
	for _, machine := range machines {
		status, ok := observed[machine.InstanceID]
		if !ok {
			// The provider no longer reports the instance. For a machine
			// already on its way out that is the terminal confirmation;
			// anything else is a disappearance we cannot explain.
			if machine.Status == v1.MachineStatusTerminating {
				errs = multierr.Append(errs, p.moveMachine(ctx, machine, v1.MachineStatusTerminated, ""))
			} else {
				errs = multierr.Append(errs, p.moveMachine(ctx, machine, v1.MachineStatusUnknown, "instance not reported by provider"))
			}
			continue
		}
		if status.PrivateIP != "" {
			machine.PrivateIP = status.PrivateIP
		}
		if status.PublicIP != "" {
			machine.PublicIP = status.PublicIP
		}
		errs = multierr.Append(errs, p.moveMachine(ctx, machine, status.Status, status.Message))
	}
	return errs
}

// settleRequests times out expired requests and completes in-progress ones
// whose machines have all converged.
func (p *StatusPoller) settleRequests(ctx context.Context) error {
	requests, err := p.store.Requests().FindAll(ctx, storage.RequestFilter{
		Statuses: []v1.RequestStatus{v1.RequestStatusPending, v1.RequestStatusInProgress},
	}, storage.Page{})
	if err != nil {
		return err
	}
	now := p.clock.Now().UTC()
	var errs error
	for _, request := range requests {
		if request.Expired(now) {
			errs = multierr.Append(errs, p.moveRequest(ctx, request, v1.RequestStatusTimeout, "deadline exceeded"))
			continue
		}
		if request.Status != v1.RequestStatusInProgress || len(request.MachineIDs) == 0 {
			continue
		}
		machines, err := p.store.Machines().FindByRequest(ctx, request.RequestID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if converged(request.Type, machines) {
			errs = multierr.Append(errs, p.moveRequest(ctx, request, v1.RequestStatusCompleted, ""))
		}
	}
	return errs
}

// converged reports whether every machine reached the state the request was
// driving it toward: Running for an acquire, Terminated for a return.
func converged(requestType v1.RequestType, machines []*v1.Machine) bool {
	if len(machines) == 0 {
		return false
	}
	target := v1.MachineStatusRunning
	if requestType == v1.RequestTypeReturn {
		target = v1.MachineStatusTerminated
	}
	for _, machine := range machines {
		if machine.Status != target {
			return false
		}
	}
	return true
}

func (p *StatusPoller) moveMachine(ctx context.Context, machine *v1.Machine, status v1.MachineStatus, message string) error {
	old := machine.Status
	if err := machine.TransitionTo(status, p.clock.Now().UTC()); err != nil {
		return err
	}
	if message != "" {
		machine.StatusMessage = message
	}
	if old == machine.Status && message == "" {
		return nil
	}
	if err := p.store.Machines().Save(ctx, machine); err != nil {
		return err
	}
	if old != machine.Status {
		p.publisher.Publish(ctx, v1.Event{
			Type:        v1.EventMachineStatusChanged,
			AggregateID: machine.MachineID,
			OldStatus:   string(old),
			NewStatus:   string(machine.Status),
			Timestamp:   p.clock.Now().UTC(),
			Sequence:    machine.NextSequence(),
			Details:     map[string]any{"instance_id": machine.InstanceID, "provider_name": machine.ProviderName},
		})
	}
	return nil
}

func (p *StatusPoller) moveRequest(ctx context.Context, request *v1.Request, status v1.RequestStatus, message string) error {
	old := request.Status
	if err := request.TransitionTo(status, p.clock.Now().UTC()); err != nil {
		return err
	}
	if message != "" {
		request.StatusMessage = message
	}
	if err := p.store.Requests().Save(ctx, request); err != nil {
		return err
	}
	if old != request.Status {
		p.publisher.Publish(ctx, v1.Event{
			Type:          v1.EventRequestStatusChanged,
			AggregateID:   request.RequestID,
			OldStatus:     string(old),
			NewStatus:     string(request.Status),
			Timestamp:     p.clock.Now().UTC(),
			CorrelationID: request.CorrelationID,
			Sequence:      request.NextSequence(),
		})
	}
	return nil
}
