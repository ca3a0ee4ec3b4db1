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

package main

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/broker"
	"github.com/hostfactory/hostbroker/pkg/bus"
	"github.com/hostfactory/hostbroker/pkg/config"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/events"
	"github.com/hostfactory/hostbroker/pkg/log"
	"github.com/hostfactory/hostbroker/pkg/options"
	"github.com/hostfactory/hostbroker/pkg/providers"
	awsprovider "github.com/hostfactory/hostbroker/pkg/providers/aws"
	"github.com/hostfactory/hostbroker/pkg/scheduler"
	"github.com/hostfactory/hostbroker/pkg/storage"
	"github.com/hostfactory/hostbroker/pkg/templates"
)

// runtime is the composition root. One runtime backs one CLI invocation:
// HostFactory-style schedulers call the binary per operation, so everything
// the bus needs is wired up front and torn down with Close.
type runtime struct {
	cfg       *config.Config
	sched     scheduler.Strategy
	engine    *providers.Context
	resolver  *templates.Resolver
	store     storage.Store
	bus       *bus.Bus
	broker    *broker.Broker
	publisher events.Publisher
	clients   *sdk.Clients
	region    string
}

// busPublisher feeds domain events back into the in-process bus so event
// handlers and the query cache invalidation see them.
type busPublisher struct {
	bus *bus.Bus
}

func (p busPublisher) Publish(ctx context.Context, evts ...v1.Event) {
	p.bus.Publish(ctx, evts...)
}

// applyGlobalOverrides lets flags and HF_ environment variables win over the
// config file.
func applyGlobalOverrides(cfg *config.Config, opts *globalOptions) {
	cfg.ApplyOptions(&options.Options{
		SchedulerStrategy: opts.Scheduler,
		StorageStrategy:   opts.StorageStrategy,
		StoragePath:       opts.StoragePath,
		EtcdEndpoints:     opts.EtcdEndpoints,
		TemplatePaths:     opts.TemplatePaths,
	})
}

func newRuntime(ctx context.Context, opts *globalOptions) (*runtime, context.Context, error) {
	logger := log.NewLogger(opts.LogLevel)
	ctx = log.IntoContext(ctx, logger)

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, ctx, err
	}
	applyGlobalOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, ctx, err
	}

	engine, err := providers.NewContext(providers.Policy(cfg.Provider.SelectionPolicy))
	if err != nil {
		return nil, ctx, err
	}
	resolver := templates.NewResolver(cfg.Template.Paths, cfg.TemplateCacheTTL(), clock.RealClock{})
	store, err := storage.Open(cfg)
	if err != nil {
		return nil, ctx, err
	}

	r := &runtime{
		cfg:      cfg,
		engine:   engine,
		resolver: resolver,
		store:    store,
		bus:      bus.New(bus.Options{}),
		region:   opts.Region,
	}
	if err := r.registerProviders(ctx); err != nil {
		_ = store.Close()
		return nil, ctx, err
	}
	// The strategy is built after provider registration so attribute synthesis
	// can read the provider's instance type catalog.
	r.sched, err = scheduler.New(cfg.Scheduler.Strategy, scheduler.Options{
		FieldMapping:     cfg.Scheduler.FieldMapping,
		Lookup:           r.catalogLookup(ctx),
		DefaultVCPUCount: cfg.Scheduler.DefaultVCPUCount,
		DefaultMemoryMiB: cfg.Scheduler.DefaultMemoryMiB,
	})
	if err != nil {
		_ = store.Close()
		return nil, ctx, err
	}

	publishers := []events.Publisher{events.LogPublisher{}, busPublisher{bus: r.bus}}
	if opts.EventQueueURL != "" {
		if r.clients == nil {
			return nil, ctx, errors.New(errors.KindValidation, "event publishing needs a registered aws provider for the sqs client")
		}
		publishers = append(publishers, events.NewSQSPublisher(r.clients.SQS, opts.EventQueueURL))
	}
	r.publisher = events.NewDedupePublisher(events.NewMultiPublisher(publishers...))
	r.broker = broker.New(engine, resolver, store, r.publisher, broker.Options{
		AllowPartial:    true,
		CleanupOnCancel: true,
		DefaultDeadline: 10 * time.Minute,
	})
	broker.NewHandlers(r.broker, engine, resolver, resolver, store).Register(r.bus)
	return r, ctx, nil
}

// registerProviders builds a strategy per configured provider instance. With
// no providers configured a single default aws instance is assumed. Cloud
// client bootstrap failures are logged rather than fatal so local commands
// (templates, config, storage) keep working without credentials; provider
// operations then fail with not_found.
func (r *runtime) registerProviders(ctx context.Context) error {
	instances := r.cfg.Provider.Providers
	if len(instances) == 0 {
		instances = []v1.ProviderInstance{{Name: "aws", Type: "aws"}}
	}
	for i := range instances {
		instance := instances[i].Clone()
		switch instance.Type {
		case "aws":
			region := instance.Settings["region"]
			if region == "" {
				region = r.region
			}
			clients, err := r.awsClients(ctx, region)
			if err != nil {
				log.FromContext(ctx).Error(err, "skipping provider registration", "provider", instance.Name)
				continue
			}
			strategy := awsprovider.NewStrategy(ctx, clients, awsprovider.Options{
				Instance:  instance,
				Templates: r.resolver,
			})
			if err := r.engine.RegisterStrategy(strategy); err != nil {
				return err
			}
		default:
			return errors.New(errors.KindValidation, "provider %q has unsupported type %q", instance.Name, instance.Type)
		}
	}
	return nil
}

// catalogLookup resolves instance type attributes through the first
// registered provider that carries a catalog. The catalog snapshot is taken
// on first use, so commands that never synthesize attributes skip the call;
// a failed snapshot reads as a miss and the strategy falls back to the
// configured defaults.
func (r *runtime) catalogLookup(ctx context.Context) scheduler.InstanceTypeLookup {
	var once sync.Once
	var lookup scheduler.InstanceTypeLookup
	return func(instanceType string) (scheduler.InstanceTypeInfo, bool) {
		once.Do(func() {
			for _, strategy := range r.engine.Strategies() {
				backend, ok := strategy.(*awsprovider.Strategy)
				if !ok {
					continue
				}
				resolved, err := backend.InstanceTypes().SchedulerLookup(ctx)
				if err != nil {
					log.FromContext(ctx).Error(err, "instance type catalog unavailable, attribute synthesis falls back to defaults", "provider", backend.Name())
					continue
				}
				lookup = resolved
				break
			}
		})
		if lookup == nil {
			return scheduler.InstanceTypeInfo{}, false
		}
		return lookup(instanceType)
	}
}

// awsClients memoizes the shared client bundle; instances that pin their own
// region get their own bundle.
func (r *runtime) awsClients(ctx context.Context, region string) (*sdk.Clients, error) {
	if region == "" && r.clients != nil {
		return r.clients, nil
	}
	clients, err := sdk.NewClients(ctx, region)
	if err != nil {
		return nil, err
	}
	if region == "" {
		r.clients = clients
	}
	return clients, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// dispatch runs a command through the bus and converts a failed outcome back
// into its typed error.
func (r *runtime) dispatch(ctx context.Context, cmd bus.Command) (any, error) {
	outcome := r.bus.Dispatch(ctx, cmd)
	if !outcome.OK {
		return nil, outcome.Err()
	}
	return outcome.Value, nil
}

func (r *runtime) ask(ctx context.Context, query bus.Query) (any, error) {
	outcome := r.bus.Ask(ctx, query)
	if !outcome.OK {
		return nil, outcome.Err()
	}
	return outcome.Value, nil
}
