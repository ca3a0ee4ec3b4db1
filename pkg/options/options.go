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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hostfactory/hostbroker/pkg/utils/env"
)

var (
	validSchedulerStrategies = sets.New("default", "hostfactory", "hf")
	validStorageStrategies   = sets.New("memory", "json", "etcd")
	validLogLevels           = sets.New("debug", "info", "warn", "error")
)

// Options for running this binary
type Options struct {
	*flag.FlagSet

	ConfigFile          string
	LogLevel            string
	MetricsPort         int
	Region              string
	TemplatePaths       string
	SchedulerStrategy   string
	StorageStrategy     string
	StoragePath         string
	EtcdEndpoints       string
	EventQueueURL       string
	PollInterval        time.Duration
	RequestTimeout      time.Duration
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("hostbroker", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ConfigFile, "config", env.WithDefaultString("HF_CONFIG", ""), "Path to the broker config file (json, yaml, or toml)")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("HF_LOG_LEVEL", "info"), "Log level: debug, info, warn, or error")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("HF_METRICS_PORT", 8080), "The port the metric endpoint binds to when serving")
	f.StringVar(&opts.Region, "region", env.WithDefaultString("HF_REGION", ""), "Cloud region. When empty the provider resolves it from its environment")
	f.StringVar(&opts.TemplatePaths, "template-paths", env.WithDefaultString("HF_TEMPLATE_PATHS", ""), "Comma-separated directories searched for template files. Overrides template.paths from the config file")
	f.StringVar(&opts.SchedulerStrategy, "scheduler", env.WithDefaultString("HF_SCHEDULER_STRATEGY", ""), "Output strategy: default, hostfactory, or hf. Overrides scheduler.strategy from the config file")
	f.StringVar(&opts.StorageStrategy, "storage", env.WithDefaultString("HF_STORAGE_STRATEGY", ""), "Storage strategy: memory, json, or etcd. Overrides storage.strategy from the config file")
	f.StringVar(&opts.StoragePath, "storage-path", env.WithDefaultString("HF_STORAGE_PATH", ""), "Directory for the json storage strategy. Overrides storage.path from the config file")
	f.StringVar(&opts.EtcdEndpoints, "etcd-endpoints", env.WithDefaultString("HF_ETCD_ENDPOINTS", ""), "Comma-separated etcd endpoints for the etcd storage strategy. Overrides storage.etcd_endpoints from the config file")
	f.StringVar(&opts.EventQueueURL, "event-queue-url", env.WithDefaultString("HF_EVENT_QUEUE_URL", ""), "SQS queue URL for domain event publishing. Empty disables the publisher")
	f.DurationVar(&opts.PollInterval, "poll-interval", env.WithDefaultDuration("HF_POLL_INTERVAL", 30*time.Second), "Interval between machine status polls")
	f.DurationVar(&opts.RequestTimeout, "request-timeout", env.WithDefaultDuration("HF_REQUEST_TIMEOUT", 10*time.Minute), "Deadline applied to acquire requests that don't carry their own")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.SchedulerStrategy != "" && !validSchedulerStrategies.Has(o.SchedulerStrategy) {
		err = multierr.Append(err, fmt.Errorf("scheduler may only be one of %v", sets.List(validSchedulerStrategies)))
	}
	if o.StorageStrategy != "" && !validStorageStrategies.Has(o.StorageStrategy) {
		err = multierr.Append(err, fmt.Errorf("storage may only be one of %v", sets.List(validStorageStrategies)))
	}
	if !validLogLevels.Has(o.LogLevel) {
		err = multierr.Append(err, fmt.Errorf("log-level may only be one of %v", sets.List(validLogLevels)))
	}
	if o.PollInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("poll-interval must be positive"))
	}
	if o.RequestTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("request-timeout must be positive"))
	}
	return err
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		// This is a developer error if this happens, so we should panic
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}
