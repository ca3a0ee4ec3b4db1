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

// Package broker orchestrates the request/machine lifecycle: it resolves
// templates, drives provider operations through the strategy engine, persists
// aggregates, and publishes domain events. All external surfaces reach this
// logic through bus handlers; nothing here knows about CLI flags or wire
// formats.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/utils/clock"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/events"
	"github.com/hostfactory/hostbroker/pkg/log"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/storage"
	"github.com/hostfactory/hostbroker/pkg/utils/pretty"
)

// TemplateSource serves the merged template view. The templates resolver
// satisfies it.
type TemplateSource interface {
	Get(ctx context.Context, id string) (*v1.Template, error)
	List(ctx context.Context) ([]*v1.Template, error)
}

type Options struct {
	// AllowPartial lets an acquire that yielded fewer machines than requested
	// settle as Partial. When false the stragglers are returned and the
	// request fails.
	AllowPartial bool
	// CleanupOnCancel returns already-launched machines when an in-progress
	// request is cancelled.
	CleanupOnCancel bool
	// DefaultDeadline bounds acquires that do not carry their own deadline.
	// Zero means unbounded.
	DefaultDeadline time.Duration
	Clock           clock.Clock
}

type Broker struct {
	engine    *providers.Context
	templates TemplateSource
	store     storage.Store
	publisher events.Publisher
	clock     clock.Clock
	options   Options

	abisMonitor *pretty.ChangeMonitor
}

func New(engine *providers.Context, templates TemplateSource, store storage.Store, publisher events.Publisher, options Options) *Broker {
	if options.Clock == nil {
		options.Clock = clock.RealClock{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Broker{
		engine:      engine,
		templates:   templates,
		store:       store,
		publisher:   publisher,
		clock:       options.Clock,
		options:     options,
		abisMonitor: pretty.NewChangeMonitor(),
	}
}

// AcquireSpec is the caller's view of an acquire request.
type AcquireSpec struct {
	TemplateID   string
	Count        int
	ProviderName string
	// Deadline bounds this acquire. Zero falls back to the broker default.
	Deadline time.Duration
}

// RequestView pairs a request with its machine records for read surfaces.
type RequestView struct {
	Request  *v1.Request   `json:"request"`
	Machines []*v1.Machine `json:"machines,omitempty"`
}

// Acquire runs the full acquire flow. Provider-side failures settle into the
// request's terminal status rather than an error return: callers read the
// outcome off the aggregate, and the scheduler strategy maps it to an exit
// code. Errors are returned only for failures before the request exists.
func (b *Broker) Acquire(ctx context.Context, spec AcquireSpec) (*v1.Request, error) {
	if spec.Count <= 0 {
		return nil, errors.New(errors.KindValidation, "acquire needs a positive machine count")
	}
	template, err := b.templates.Get(ctx, spec.TemplateID)
	if err != nil {
		return nil, err
	}
	if template.MaxNumber > 0 && spec.Count > template.MaxNumber {
		return nil, errors.New(errors.KindValidation, "count %d exceeds template %q max_number %d", spec.Count, spec.TemplateID, template.MaxNumber)
	}
	b.warnShadowedInstanceTypes(ctx, template)

	now := b.clock.Now().UTC()
	request := v1.NewRequest(v1.RequestTypeAcquire, spec.TemplateID, spec.Count, now)
	request.ProviderName = firstNonEmpty(spec.ProviderName, template.ProviderName)
	deadline := spec.Deadline
	if deadline <= 0 {
		deadline = b.options.DefaultDeadline
	}
	if deadline > 0 {
		d := now.Add(deadline)
		request.Deadline = &d
	}
	if err := b.store.Requests().Save(ctx, request); err != nil {
		return nil, err
	}
	b.publisher.Publish(ctx, b.requestEvent(request, v1.EventRequestCreated, "", string(request.Status)))

	if err := b.moveRequest(ctx, request, v1.RequestStatusInProgress, ""); err != nil {
		return nil, err
	}

	opCtx := ctx
	if request.Deadline != nil {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithDeadline(ctx, *request.Deadline)
		defer cancel()
	}
	result, err := b.engine.ExecuteOn(opCtx, request.ProviderName, &providers.Operation{
		Kind:      providers.OpCreateInstances,
		Key:       request.RequestID,
		RequestID: request.RequestID,
		Template:  template,
		Count:     spec.Count,
	})
	if err != nil {
		return request, b.settleFailure(ctx, request, err)
	}
	// provider_name is fixed from the first successful dispatch onward
	if request.ProviderName == "" {
		request.ProviderName = result.ProviderName
	}
	for _, machine := range result.Machines {
		if err := b.recordMachine(ctx, request, machine); err != nil {
			return request, err
		}
	}
	return request, b.settleAcquire(ctx, request, result)
}

func (b *Broker) settleAcquire(ctx context.Context, request *v1.Request, result *providers.Result) error {
	message := strings.Join(result.Diagnostics, "; ")
	if !result.Partial {
		return b.moveRequest(ctx, request, v1.RequestStatusCompleted, message)
	}
	if b.options.AllowPartial {
		return b.moveRequest(ctx, request, v1.RequestStatusPartial, message)
	}
	// policy forbids partial fulfillment: return the stragglers, fail the request
	if err := b.returnMachinesOf(ctx, request); err != nil {
		log.FromContext(ctx).Error(err, "returning machines of partially fulfilled request", "request-id", request.RequestID)
	}
	if message == "" {
		message = "partial fulfillment is not allowed"
	} else {
		message = "partial fulfillment is not allowed: " + message
	}
	return b.moveRequest(ctx, request, v1.RequestStatusFailed, message)
}

func (b *Broker) settleFailure(ctx context.Context, request *v1.Request, cause error) error {
	status := v1.RequestStatusFailed
	if errors.IsKind(cause, errors.KindTimeout) || ctx.Err() != nil && request.Expired(b.clock.Now().UTC()) {
		status = v1.RequestStatusTimeout
	}
	return b.moveRequest(ctx, request, status, cause.Error())
}

// ReturnSpec names the machines to give back: every machine of a request, an
// explicit machine id list, or both.
type ReturnSpec struct {
	RequestID  string
	MachineIDs []string
}

// Return terminates the named machines under a new return-type request.
func (b *Broker) Return(ctx context.Context, spec ReturnSpec) (*v1.Request, error) {
	machines, err := b.resolveMachines(ctx, spec)
	if err != nil {
		return nil, err
	}
	if len(machines) == 0 {
		return nil, errors.New(errors.KindValidation, "nothing to return")
	}

	now := b.clock.Now().UTC()
	request := v1.NewRequest(v1.RequestTypeReturn, machines[0].TemplateID, len(machines), now)
	request.ProviderName = machines[0].ProviderName
	for _, machine := range machines {
		request.MachineIDs = append(request.MachineIDs, machine.MachineID)
	}
	if err := b.store.Requests().Save(ctx, request); err != nil {
		return nil, err
	}
	b.publisher.Publish(ctx, b.requestEvent(request, v1.EventRequestCreated, "", string(request.Status)))
	if err := b.moveRequest(ctx, request, v1.RequestStatusInProgress, ""); err != nil {
		return nil, err
	}

	terminated, err := b.terminate(ctx, machines)
	switch {
	case err != nil && terminated == 0:
		return request, b.settleFailure(ctx, request, err)
	case terminated < len(machines):
		message := fmt.Sprintf("terminated %d of %d machines", terminated, len(machines))
		if b.options.AllowPartial {
			return request, b.moveRequest(ctx, request, v1.RequestStatusPartial, message)
		}
		return request, b.moveRequest(ctx, request, v1.RequestStatusFailed, message)
	default:
		return request, b.moveRequest(ctx, request, v1.RequestStatusCompleted, "")
	}
}

// CancelResult reports a cancel outcome. AlreadyTerminal marks the idempotent
// path where the request had settled before the cancel arrived.
type CancelResult struct {
	Request         *v1.Request `json:"request"`
	AlreadyTerminal bool        `json:"already_terminal"`
}

// Cancel cancels a pending or in-progress request. Machines the request has
// already recorded are returned when the broker is configured to clean up.
func (b *Broker) Cancel(ctx context.Context, requestID string) (*CancelResult, error) {
	request, err := b.store.Requests().FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	old := request.Status
	alreadyTerminal, err := request.Cancel(b.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if alreadyTerminal {
		return &CancelResult{Request: request, AlreadyTerminal: true}, nil
	}
	if err := b.store.Requests().Save(ctx, request); err != nil {
		return nil, err
	}
	b.publisher.Publish(ctx, b.requestEvent(request, v1.EventRequestStatusChanged, string(old), string(request.Status)))
	if b.options.CleanupOnCancel && request.Type == v1.RequestTypeAcquire && len(request.MachineIDs) > 0 {
		if err := b.returnMachinesOf(ctx, request); err != nil {
			log.FromContext(ctx).Error(err, "returning machines of cancelled request", "request-id", request.RequestID)
		}
	}
	return &CancelResult{Request: request}, nil
}

// Status returns the request together with its machine records.
func (b *Broker) Status(ctx context.Context, requestID string) (*RequestView, error) {
	request, err := b.store.Requests().FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	machines, err := b.store.Machines().FindByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RequestView{Request: request, Machines: machines}, nil
}

// recordMachine persists a freshly launched machine and links it to the
// request, emitting MachineCreated.
func (b *Broker) recordMachine(ctx context.Context, request *v1.Request, machine *v1.Machine) error {
	if err := b.store.Machines().Save(ctx, machine); err != nil {
		return err
	}
	request.MachineIDs = append(request.MachineIDs, machine.MachineID)
	if err := b.store.Requests().Save(ctx, request); err != nil {
		return err
	}
	b.publisher.Publish(ctx, v1.Event{
		Type:          v1.EventMachineCreated,
		AggregateID:   machine.MachineID,
		NewStatus:     string(machine.Status),
		Timestamp:     b.clock.Now().UTC(),
		CorrelationID: request.CorrelationID,
		Sequence:      machine.NextSequence(),
		Details:       map[string]any{"instance_id": machine.InstanceID, "provider_name": machine.ProviderName},
	})
	return nil
}

// returnMachinesOf terminates every non-terminal machine the request owns.
func (b *Broker) returnMachinesOf(ctx context.Context, request *v1.Request) error {
	machines, err := b.store.Machines().FindByRequest(ctx, request.RequestID)
	if err != nil {
		return err
	}
	live := machines[:0]
	for _, machine := range machines {
		if !machine.Status.Terminal() {
			live = append(live, machine)
		}
	}
	_, err = b.terminate(ctx, live)
	return err
}

// terminate groups machines by provider, dispatches terminate operations, and
// moves the terminated machines to Terminating. The status poller observes the
// final Terminated state.
func (b *Broker) terminate(ctx context.Context, machines []*v1.Machine) (int, error) {
	byProvider := map[string][]*v1.Machine{}
	for _, machine := range machines {
		byProvider[machine.ProviderName] = append(byProvider[machine.ProviderName], machine)
	}
	terminated := 0
	var firstErr error
	for providerName, group := range byProvider {
		instanceIDs := make([]string, 0, len(group))
		byInstance := map[string]*v1.Machine{}
		for _, machine := range group {
			instanceIDs = append(instanceIDs, machine.InstanceID)
			byInstance[machine.InstanceID] = machine
		}
		result, err := b.engine.ExecuteOn(ctx, providerName, &providers.Operation{
			Kind:        providers.OpTerminateInstances,
			Key:         strings.Join(instanceIDs, ","),
			InstanceIDs: instanceIDs,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, instanceID := range result.TerminatedIDs {
			machine, ok := byInstance[instanceID]
			if !ok {
				continue
			}
			if err := b.moveMachine(ctx, machine, v1.MachineStatusTerminating, ""); err != nil {
				log.FromContext(ctx).Error(err, "recording machine termination", "machine-id", machine.MachineID)
				continue
			}
			terminated++
		}
	}
	return terminated, firstErr
}

func (b *Broker) resolveMachines(ctx context.Context, spec ReturnSpec) ([]*v1.Machine, error) {
	var machines []*v1.Machine
	if spec.RequestID != "" {
		found, err := b.store.Machines().FindByRequest(ctx, spec.RequestID)
		if err != nil {
			return nil, err
		}
		machines = append(machines, found...)
	}
	for _, id := range spec.MachineIDs {
		machine, err := b.store.Machines().FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		machines = append(machines, machine)
	}
	live := machines[:0]
	seen := map[string]struct{}{}
	for _, machine := range machines {
		if _, dup := seen[machine.MachineID]; dup {
			continue
		}
		seen[machine.MachineID] = struct{}{}
		if !machine.Status.Terminal() {
			live = append(live, machine)
		}
	}
	return live, nil
}

// moveRequest transitions, saves, and publishes in one step.
func (b *Broker) moveRequest(ctx context.Context, request *v1.Request, status v1.RequestStatus, message string) error {
	old := request.Status
	if err := request.TransitionTo(status, b.clock.Now().UTC()); err != nil {
		return err
	}
	if message != "" {
		request.StatusMessage = message
	}
	if err := b.store.Requests().Save(ctx, request); err != nil {
		return err
	}
	if old != request.Status {
		b.publisher.Publish(ctx, b.requestEvent(request, v1.EventRequestStatusChanged, string(old), string(request.Status)))
	}
	return nil
}

func (b *Broker) moveMachine(ctx context.Context, machine *v1.Machine, status v1.MachineStatus, message string) error {
	old := machine.Status
	if err := machine.TransitionTo(status, b.clock.Now().UTC()); err != nil {
		return err
	}
	if message != "" {
		machine.StatusMessage = message
	}
	if err := b.store.Machines().Save(ctx, machine); err != nil {
		return err
	}
	if old != machine.Status {
		b.publisher.Publish(ctx, v1.Event{
			Type:        v1.EventMachineStatusChanged,
			AggregateID: machine.MachineID,
			OldStatus:   string(old),
			NewStatus:   string(machine.Status),
			Timestamp:   b.clock.Now().UTC(),
			Sequence:    machine.NextSequence(),
		})
	}
	return nil
}

// warnShadowedInstanceTypes emits a template warning event when an
// attribute-based template also enumerates instance types: the requirements
// block wins and the enumeration is ignored. Once per template per process,
// re-armed when the requirements change.
func (b *Broker) warnShadowedInstanceTypes(ctx context.Context, template *v1.Template) {
	if !template.AttributeBased() || len(template.InstanceTypes) == 0 {
		return
	}
	if !b.abisMonitor.HasChanged(template.TemplateID, template.Requirements) {
		return
	}
	b.publisher.Publish(ctx, v1.Event{
		Type:        v1.EventTemplateValidated,
		AggregateID: template.TemplateID,
		Timestamp:   b.clock.Now().UTC(),
		Sequence:    1,
		Details: map[string]any{
			"warning":        "attribute-based selection active, enumerated instance types are ignored",
			"instance_types": template.InstanceTypes,
		},
	})
}

func (b *Broker) requestEvent(request *v1.Request, eventType v1.EventType, old, updated string) v1.Event {
	return v1.Event{
		Type:          eventType,
		AggregateID:   request.RequestID,
		OldStatus:     old,
		NewStatus:     updated,
		Timestamp:     b.clock.Now().UTC(),
		CorrelationID: request.CorrelationID,
		Sequence:      request.NextSequence(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
