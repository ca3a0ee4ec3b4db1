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

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/bus"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/storage"
)

// Cache tags shared between query handlers and the commands that invalidate
// them.
const (
	tagRequests  = "requests"
	tagMachines  = "machines"
	tagTemplates = "templates"
)

// Command and query names are the bus routing keys. External surfaces build
// messages with these names and never call the broker directly.
const (
	CmdAcquireMachines    = "machines.acquire"
	CmdReturnMachines     = "machines.return"
	CmdCancelRequest      = "requests.cancel"
	CmdCreateTemplate     = "templates.create"
	CmdUpdateTemplate     = "templates.update"
	CmdDeleteTemplate     = "templates.delete"
	CmdRefreshTemplates   = "templates.refresh"
	CmdValidateTemplate   = "templates.validate"
	CmdSetSelectionPolicy = "providers.set_policy"

	QueryGetRequest      = "requests.get"
	QueryListRequests    = "requests.list"
	QueryGetMachine      = "machines.get"
	QueryListMachines    = "machines.list"
	QueryGetTemplate     = "templates.get"
	QueryListTemplates   = "templates.list"
	QueryListProviders   = "providers.list"
	QueryProviderHealth  = "providers.health"
	QueryProviderMetrics = "providers.metrics"
	QueryCapabilities    = "providers.capabilities"
)

type AcquireMachines struct {
	TemplateID      string `json:"template_id"`
	Count           int    `json:"count"`
	ProviderName    string `json:"provider_name,omitempty"`
	DeadlineSeconds int    `json:"deadline_seconds,omitempty"`
}

func (AcquireMachines) CommandName() string { return CmdAcquireMachines }

type ReturnMachines struct {
	RequestID  string   `json:"request_id,omitempty"`
	MachineIDs []string `json:"machine_ids,omitempty"`
}

func (ReturnMachines) CommandName() string { return CmdReturnMachines }

type CancelRequest struct {
	RequestID string `json:"request_id"`
}

func (CancelRequest) CommandName() string { return CmdCancelRequest }

type CreateTemplate struct {
	Template *v1.Template `json:"template"`
}

func (CreateTemplate) CommandName() string { return CmdCreateTemplate }

type UpdateTemplate struct {
	Template *v1.Template `json:"template"`
}

func (UpdateTemplate) CommandName() string { return CmdUpdateTemplate }

type DeleteTemplate struct {
	TemplateID string `json:"template_id"`
}

func (DeleteTemplate) CommandName() string { return CmdDeleteTemplate }

type RefreshTemplates struct{}

func (RefreshTemplates) CommandName() string { return CmdRefreshTemplates }

type ValidateTemplate struct {
	TemplateID   string `json:"template_id"`
	ProviderName string `json:"provider_name,omitempty"`
}

func (ValidateTemplate) CommandName() string { return CmdValidateTemplate }

type SetSelectionPolicy struct {
	Policy string `json:"policy"`
}

func (SetSelectionPolicy) CommandName() string { return CmdSetSelectionPolicy }

type GetRequest struct {
	RequestID string `json:"request_id"`
}

func (GetRequest) QueryName() string { return QueryGetRequest }

type ListRequests struct {
	Statuses   []v1.RequestStatus `json:"statuses,omitempty"`
	Type       v1.RequestType     `json:"type,omitempty"`
	TemplateID string             `json:"template_id,omitempty"`
	Offset     int                `json:"offset,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

func (ListRequests) QueryName() string { return QueryListRequests }

type GetMachine struct {
	MachineID string `json:"machine_id"`
}

func (GetMachine) QueryName() string { return QueryGetMachine }

type ListMachines struct {
	Statuses     []v1.MachineStatus `json:"statuses,omitempty"`
	RequestID    string             `json:"request_id,omitempty"`
	ProviderName string             `json:"provider_name,omitempty"`
	Offset       int                `json:"offset,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

func (ListMachines) QueryName() string { return QueryListMachines }

type GetTemplate struct {
	TemplateID string `json:"template_id"`
}

func (GetTemplate) QueryName() string { return QueryGetTemplate }

type ListTemplates struct{}

func (ListTemplates) QueryName() string { return QueryListTemplates }

type ListProviders struct{}

func (ListProviders) QueryName() string { return QueryListProviders }

type ProviderHealth struct {
	Names []string `json:"names,omitempty"`
	// Probe forces fresh checks instead of the last recorded statuses.
	Probe bool `json:"probe,omitempty"`
}

func (ProviderHealth) QueryName() string { return QueryProviderHealth }

type ProviderMetrics struct {
	Names []string `json:"names,omitempty"`
}

func (ProviderMetrics) QueryName() string { return QueryProviderMetrics }

type Capabilities struct {
	Name string `json:"name,omitempty"`
}

func (Capabilities) QueryName() string { return QueryCapabilities }

// TemplateWriter is the mutating side of the template resolver.
type TemplateWriter interface {
	Create(ctx context.Context, template *v1.Template) error
	Update(ctx context.Context, template *v1.Template) error
	Delete(ctx context.Context, id string) error
	Refresh(ctx context.Context) error
}

// Handlers wires the broker behind the bus. Registration happens once at
// composition time.
type Handlers struct {
	broker    *Broker
	engine    *providers.Context
	templates TemplateSource
	writer    TemplateWriter
	store     storage.Store
}

func NewHandlers(b *Broker, engine *providers.Context, templates TemplateSource, writer TemplateWriter, store storage.Store) *Handlers {
	return &Handlers{broker: b, engine: engine, templates: templates, writer: writer, store: store}
}

// Register binds every command and query handler. The registration table is
// the complete start-time inventory; nothing registers later.
func (h *Handlers) Register(b *bus.Bus) {
	b.RegisterCommandHandler(CmdAcquireMachines, command(h.acquire, tagRequests, tagMachines))
	b.RegisterCommandHandler(CmdReturnMachines, command(h.ret, tagRequests, tagMachines))
	b.RegisterCommandHandler(CmdCancelRequest, command(h.cancel, tagRequests, tagMachines))
	b.RegisterCommandHandler(CmdCreateTemplate, command(h.createTemplate, tagTemplates))
	b.RegisterCommandHandler(CmdUpdateTemplate, command(h.updateTemplate, tagTemplates))
	b.RegisterCommandHandler(CmdDeleteTemplate, command(h.deleteTemplate, tagTemplates))
	b.RegisterCommandHandler(CmdRefreshTemplates, command(h.refreshTemplates, tagTemplates))
	b.RegisterCommandHandler(CmdValidateTemplate, command(h.validateTemplate))
	b.RegisterCommandHandler(CmdSetSelectionPolicy, command(h.setSelectionPolicy))

	b.RegisterQueryHandler(QueryGetRequest, query(h.getRequest))
	b.RegisterQueryHandler(QueryListRequests, cachedQuery(h.listRequests, tagRequests))
	b.RegisterQueryHandler(QueryGetMachine, query(h.getMachine))
	b.RegisterQueryHandler(QueryListMachines, cachedQuery(h.listMachines, tagMachines))
	b.RegisterQueryHandler(QueryGetTemplate, query(h.getTemplate))
	b.RegisterQueryHandler(QueryListTemplates, cachedQuery(h.listTemplates, tagTemplates))
	b.RegisterQueryHandler(QueryListProviders, query(h.listProviders))
	b.RegisterQueryHandler(QueryProviderHealth, query(h.providerHealth))
	b.RegisterQueryHandler(QueryProviderMetrics, query(h.providerMetrics))
	b.RegisterQueryHandler(QueryCapabilities, query(h.capabilities))
}

func (h *Handlers) acquire(ctx context.Context, cmd AcquireMachines) (any, error) {
	request, err := h.broker.Acquire(ctx, AcquireSpec{
		TemplateID:   cmd.TemplateID,
		Count:        cmd.Count,
		ProviderName: cmd.ProviderName,
		Deadline:     time.Duration(cmd.DeadlineSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return h.broker.Status(ctx, request.RequestID)
}

func (h *Handlers) ret(ctx context.Context, cmd ReturnMachines) (any, error) {
	request, err := h.broker.Return(ctx, ReturnSpec{RequestID: cmd.RequestID, MachineIDs: cmd.MachineIDs})
	if err != nil {
		return nil, err
	}
	return request, nil
}

func (h *Handlers) cancel(ctx context.Context, cmd CancelRequest) (any, error) {
	return h.broker.Cancel(ctx, cmd.RequestID)
}

func (h *Handlers) createTemplate(ctx context.Context, cmd CreateTemplate) (any, error) {
	if cmd.Template == nil {
		return nil, errors.New(errors.KindValidation, "no template to create")
	}
	if err := h.writer.Create(ctx, cmd.Template); err != nil {
		return nil, err
	}
	h.broker.publisher.Publish(ctx, templateEvent(v1.EventTemplateCreated, cmd.Template.TemplateID, h.broker.clock.Now().UTC()))
	return cmd.Template, nil
}

func (h *Handlers) updateTemplate(ctx context.Context, cmd UpdateTemplate) (any, error) {
	if cmd.Template == nil {
		return nil, errors.New(errors.KindValidation, "no template to update")
	}
	if err := h.writer.Update(ctx, cmd.Template); err != nil {
		return nil, err
	}
	h.broker.publisher.Publish(ctx, templateEvent(v1.EventTemplateUpdated, cmd.Template.TemplateID, h.broker.clock.Now().UTC()))
	return cmd.Template, nil
}

func (h *Handlers) deleteTemplate(ctx context.Context, cmd DeleteTemplate) (any, error) {
	if err := h.writer.Delete(ctx, cmd.TemplateID); err != nil {
		return nil, err
	}
	h.broker.publisher.Publish(ctx, templateEvent(v1.EventTemplateDeleted, cmd.TemplateID, h.broker.clock.Now().UTC()))
	return nil, nil
}

func (h *Handlers) refreshTemplates(ctx context.Context, _ RefreshTemplates) (any, error) {
	if err := h.writer.Refresh(ctx); err != nil {
		return nil, err
	}
	return h.templates.List(ctx)
}

func (h *Handlers) validateTemplate(ctx context.Context, cmd ValidateTemplate) (any, error) {
	template, err := h.templates.Get(ctx, cmd.TemplateID)
	if err != nil {
		return nil, err
	}
	providerName := firstNonEmpty(cmd.ProviderName, template.ProviderName)
	result, err := h.engine.ExecuteOn(ctx, providerName, &providers.Operation{
		Kind:     providers.OpValidateTemplate,
		Key:      template.TemplateID,
		Template: template,
	})
	if err != nil {
		return nil, err
	}
	h.broker.publisher.Publish(ctx, templateEvent(v1.EventTemplateValidated, template.TemplateID, h.broker.clock.Now().UTC()))
	return result, nil
}

func (h *Handlers) setSelectionPolicy(_ context.Context, cmd SetSelectionPolicy) (any, error) {
	if err := h.engine.SetSelectionPolicy(providers.Policy(cmd.Policy)); err != nil {
		return nil, err
	}
	return cmd.Policy, nil
}

func (h *Handlers) getRequest(ctx context.Context, q GetRequest) (any, error) {
	return h.broker.Status(ctx, q.RequestID)
}

func (h *Handlers) listRequests(ctx context.Context, q ListRequests) (any, error) {
	return h.store.Requests().FindAll(ctx,
		storage.RequestFilter{Statuses: q.Statuses, Type: q.Type, TemplateID: q.TemplateID},
		storage.Page{Offset: q.Offset, Limit: q.Limit})
}

func (h *Handlers) getMachine(ctx context.Context, q GetMachine) (any, error) {
	return h.store.Machines().FindByID(ctx, q.MachineID)
}

func (h *Handlers) listMachines(ctx context.Context, q ListMachines) (any, error) {
	return h.store.Machines().FindAll(ctx,
		storage.MachineFilter{Statuses: q.Statuses, RequestID: q.RequestID, ProviderName: q.ProviderName},
		storage.Page{Offset: q.Offset, Limit: q.Limit})
}

func (h *Handlers) getTemplate(ctx context.Context, q GetTemplate) (any, error) {
	return h.templates.Get(ctx, q.TemplateID)
}

func (h *Handlers) listTemplates(ctx context.Context, _ ListTemplates) (any, error) {
	return h.templates.List(ctx)
}

func (h *Handlers) listProviders(_ context.Context, _ ListProviders) (any, error) {
	strategies := h.engine.Strategies()
	out := make([]*v1.ProviderInstance, 0, len(strategies))
	for _, strategy := range strategies {
		out = append(out, strategy.Instance().Clone())
	}
	return out, nil
}

func (h *Handlers) providerHealth(ctx context.Context, q ProviderHealth) (any, error) {
	if q.Probe {
		return h.engine.CheckHealth(ctx, q.Names...)
	}
	return h.engine.Health(), nil
}

func (h *Handlers) providerMetrics(_ context.Context, q ProviderMetrics) (any, error) {
	return h.engine.Metrics(q.Names...)
}

func (h *Handlers) capabilities(ctx context.Context, q Capabilities) (any, error) {
	result, err := h.engine.ExecuteOn(ctx, q.Name, &providers.Operation{Kind: providers.OpGetCapabilities})
	if err != nil {
		return nil, err
	}
	return result.Capabilities, nil
}

func templateEvent(eventType v1.EventType, templateID string, now time.Time) v1.Event {
	return v1.Event{Type: eventType, AggregateID: templateID, Timestamp: now, Sequence: 1}
}

// command adapts a typed handler func to the bus interface. A message of the
// wrong concrete type is a validation error, not a panic.
func command[T bus.Command](fn func(context.Context, T) (any, error), tags ...string) bus.CommandHandler {
	return &commandHandler[T]{fn: fn, tags: tags}
}

type commandHandler[T bus.Command] struct {
	fn   func(context.Context, T) (any, error)
	tags []string
}

func (h *commandHandler[T]) Handle(ctx context.Context, cmd bus.Command) (any, error) {
	typed, ok := cmd.(T)
	if !ok {
		return nil, errors.New(errors.KindValidation, "unexpected payload type %T for command %q", cmd, cmd.CommandName())
	}
	return h.fn(ctx, typed)
}

func (h *commandHandler[T]) Invalidates() []string { return h.tags }

func query[T bus.Query](fn func(context.Context, T) (any, error)) bus.QueryHandler {
	return &queryHandler[T]{fn: fn}
}

type queryHandler[T bus.Query] struct {
	fn func(context.Context, T) (any, error)
}

func (h *queryHandler[T]) Handle(ctx context.Context, q bus.Query) (any, error) {
	typed, ok := q.(T)
	if !ok {
		return nil, errors.New(errors.KindValidation, "unexpected payload type %T for query %q", q, q.QueryName())
	}
	return h.fn(ctx, typed)
}

// cachedQuery additionally declares a hash-of-query cache key under the given
// tags, so list reads are served from the bus query cache until a mutating
// command invalidates them.
func cachedQuery[T bus.Query](fn func(context.Context, T) (any, error), tags ...string) bus.QueryHandler {
	return &cachedQueryHandler[T]{queryHandler: queryHandler[T]{fn: fn}, tags: tags}
}

type cachedQueryHandler[T bus.Query] struct {
	queryHandler[T]
	tags []string
}

func (h *cachedQueryHandler[T]) CacheKey(q bus.Query) (string, bool) {
	hash, err := hashstructure.Hash(q, hashstructure.FormatV2, nil)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%x", hash), true
}

func (h *cachedQueryHandler[T]) CacheTags() []string { return h.tags }
