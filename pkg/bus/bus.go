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

// Package bus routes typed commands and queries to exactly one handler each
// and fans events out to any number of subscribers. External surfaces (CLI,
// MCP) build messages and hand them here; they never reach infrastructure
// directly.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
)

// Command mutates broker state. Exactly one handler serves each command name.
type Command interface {
	CommandName() string
}

// Query reads broker state and must not mutate it.
type Query interface {
	QueryName() string
}

type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) (any, error)
	// Invalidates names the query-cache tags evicted after this handler
	// succeeds.
	Invalidates() []string
}

type QueryHandler interface {
	Handle(ctx context.Context, query Query) (any, error)
}

// Cacheable is implemented by query handlers whose results may be served from
// cache. CacheKey must be a pure function of the query.
type Cacheable interface {
	CacheKey(query Query) (string, bool)
	CacheTags() []string
}

type EventHandler func(ctx context.Context, evt v1.Event)

// Outcome is the structured envelope every dispatched message returns.
type Outcome struct {
	OK        bool           `json:"ok"`
	Value     any            `json:"value,omitempty"`
	Kind      errors.Kind    `json:"error_kind,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

func okOutcome(value any) Outcome {
	return Outcome{OK: true, Value: value}
}

func errOutcome(err error) Outcome {
	out := Outcome{
		OK:        false,
		Kind:      errors.KindOf(err),
		Message:   err.Error(),
		Retryable: errors.IsRetryable(err),
	}
	var classified *errors.Error
	if errors.AsError(err, &classified) {
		out.Message = classified.Message()
		out.Details = classified.Details()
	}
	return out
}

// Err rebuilds a classified error from a failed outcome, for surfaces that
// propagate errors rather than envelopes.
func (o Outcome) Err() error {
	if o.OK {
		return nil
	}
	err := errors.New(o.Kind, "%s", o.Message)
	for k, v := range o.Details {
		err = err.WithDetail(k, v)
	}
	return err
}

type Options struct {
	// AllowReplace permits re-registration to rebind a message type. The
	// default keeps the first binding and ignores later ones.
	AllowReplace  bool
	QueryCacheTTL time.Duration
}

type Bus struct {
	options Options

	mu       sync.RWMutex
	commands map[string]CommandHandler
	queries  map[string]QueryHandler
	typed    map[v1.EventType][]EventHandler
	all      []EventHandler

	cacheMu    sync.Mutex
	queryCache *cache.Cache
	tagIndex   map[string]sets.Set[string]
}

func New(opts Options) *Bus {
	if opts.QueryCacheTTL <= 0 {
		opts.QueryCacheTTL = 30 * time.Second
	}
	return &Bus{
		options:    opts,
		commands:   map[string]CommandHandler{},
		queries:    map[string]QueryHandler{},
		typed:      map[v1.EventType][]EventHandler{},
		queryCache: cache.New(opts.QueryCacheTTL, time.Minute),
		tagIndex:   map[string]sets.Set[string]{},
	}
}

// RegisterCommandHandler binds a handler to a command name. Registration is
// idempotent: a second binding for the same name is ignored unless the bus
// was built with AllowReplace.
func (b *Bus) RegisterCommandHandler(name string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, bound := b.commands[name]; bound && !b.options.AllowReplace {
		return
	}
	b.commands[name] = handler
}

func (b *Bus) RegisterQueryHandler(name string, handler QueryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, bound := b.queries[name]; bound && !b.options.AllowReplace {
		return
	}
	b.queries[name] = handler
}

// RegisterEventHandler subscribes to one event type, or to every event when
// types is empty.
func (b *Bus) RegisterEventHandler(handler EventHandler, types ...v1.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.all = append(b.all, handler)
		return
	}
	for _, t := range types {
		b.typed[t] = append(b.typed[t], handler)
	}
}

// Dispatch routes a command to its handler. The registration lock is released
// before the handler runs; handlers may block on provider or repository I/O.
func (b *Bus) Dispatch(ctx context.Context, cmd Command) Outcome {
	name := cmd.CommandName()
	b.mu.RLock()
	handler, bound := b.commands[name]
	b.mu.RUnlock()
	if !bound {
		return errOutcome(errors.New(errors.KindNotFound, "no handler registered for command %q", name))
	}
	start := time.Now()
	value, err := handler.Handle(ctx, cmd)
	observeDispatch("command", name, err, time.Since(start))
	if err != nil {
		return errOutcome(err)
	}
	b.invalidate(handler.Invalidates()...)
	return okOutcome(value)
}

// Ask routes a query to its handler, serving from the query cache when the
// handler declares a key for this query.
func (b *Bus) Ask(ctx context.Context, query Query) Outcome {
	name := query.QueryName()
	b.mu.RLock()
	handler, bound := b.queries[name]
	b.mu.RUnlock()
	if !bound {
		return errOutcome(errors.New(errors.KindNotFound, "no handler registered for query %q", name))
	}
	cacheKey := ""
	cacheable, supportsCache := handler.(Cacheable)
	if supportsCache {
		if key, ok := cacheable.CacheKey(query); ok {
			cacheKey = fmt.Sprintf("%s|%s", name, key)
			if value, hit := b.queryCache.Get(cacheKey); hit {
				queryCacheHits.WithLabelValues(name).Inc()
				return okOutcome(value)
			}
		}
	}
	start := time.Now()
	value, err := handler.Handle(ctx, query)
	observeDispatch("query", name, err, time.Since(start))
	if err != nil {
		return errOutcome(err)
	}
	if cacheKey != "" {
		b.cacheResult(cacheKey, value, cacheable.CacheTags())
	}
	return okOutcome(value)
}

// Publish fans an event out to its subscribers. Handler panics are contained
// so one subscriber cannot take down the publisher.
func (b *Bus) Publish(ctx context.Context, events ...v1.Event) {
	for _, evt := range events {
		b.mu.RLock()
		handlers := append(append([]EventHandler(nil), b.typed[evt.Type]...), b.all...)
		b.mu.RUnlock()
		for _, handler := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.FromContext(ctx).Error(fmt.Errorf("%v", r), "event handler panicked", "type", evt.Type)
					}
				}()
				handler(ctx, evt)
			}()
		}
	}
}

func (b *Bus) cacheResult(key string, value any, tags []string) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	b.queryCache.SetDefault(key, value)
	for _, tag := range tags {
		if b.tagIndex[tag] == nil {
			b.tagIndex[tag] = sets.New[string]()
		}
		b.tagIndex[tag].Insert(key)
	}
}

func (b *Bus) invalidate(tags ...string) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	for _, tag := range tags {
		for key := range b.tagIndex[tag] {
			b.queryCache.Delete(key)
		}
		delete(b.tagIndex, tag)
	}
}
