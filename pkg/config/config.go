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

// Package config loads the broker configuration file. JSON and YAML share one
// set of json tags through sigs.k8s.io/yaml; TOML is routed by extension.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/imdario/mergo"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/options"
)

var (
	validSelectionPolicies = sets.New(
		"first_available", "round_robin", "weighted_round_robin", "least_connections",
		"fastest_response", "highest_success_rate", "capability_based", "health_based", "random",
	)
	validSchedulerStrategies = sets.New("default", "hostfactory", "hf")
	validStorageStrategies   = sets.New("memory", "json", "etcd")
	validMergeModes          = sets.New("", "extend", "override", "none")
)

type CircuitBreaker struct {
	Enabled          *bool `json:"enabled,omitempty"`
	FailureThreshold int   `json:"failure_threshold,omitempty"`
	RecoveryTimeout  int   `json:"recovery_timeout,omitempty"`
	HalfOpenMaxCalls int   `json:"half_open_max_calls,omitempty"`
}

type Provider struct {
	// SelectionPolicy is one of the strategy engine policies, snake_case.
	SelectionPolicy string `json:"selection_policy,omitempty"`
	// HealthCheckInterval is seconds between active health checks. Zero
	// disables active checking; health then derives from observed errors.
	HealthCheckInterval int                   `json:"health_check_interval,omitempty"`
	CircuitBreaker      CircuitBreaker        `json:"circuit_breaker,omitempty"`
	Providers           []v1.ProviderInstance `json:"providers,omitempty"`
}

type Scheduler struct {
	Strategy string `json:"strategy,omitempty"`
	// FieldMapping overrides individual wire-field renames of the strategy.
	FieldMapping map[string]string `json:"field_mapping,omitempty"`
	// DefaultVCPUCount and DefaultMemoryMiB back cpu/memory attribute
	// synthesis when the provider catalog cannot resolve an instance type.
	DefaultVCPUCount int   `json:"default_vcpu_count,omitempty"`
	DefaultMemoryMiB int64 `json:"default_memory_mib,omitempty"`
}

type Storage struct {
	Strategy      string   `json:"strategy,omitempty"`
	Path          string   `json:"path,omitempty"`
	EtcdEndpoints []string `json:"etcd_endpoints,omitempty"`
	// Retention keeps terminal requests for this many hours before the purge
	// job removes them along with their machines. Zero disables purging.
	RetentionHours int `json:"retention_hours,omitempty"`
	// PurgeSchedule is a cron expression; defaults to hourly.
	PurgeSchedule string `json:"purge_schedule,omitempty"`
}

type Template struct {
	Paths []string `json:"paths,omitempty"`
	// CacheTTLSeconds bounds how long the merged template view is served
	// without re-checking file modification times.
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty"`
}

type Rendering struct {
	CacheSize         int   `json:"cache_size,omitempty"`
	TimeoutSeconds    int   `json:"timeout_seconds,omitempty"`
	MaxRecursionDepth int   `json:"max_recursion_depth,omitempty"`
	EnableAutoEscape  *bool `json:"enable_auto_escape,omitempty"`
}

type ErrorHandling struct {
	FallbackToLegacy *bool `json:"fallback_to_legacy,omitempty"`
	FailFastOnErrors *bool `json:"fail_fast_on_errors,omitempty"`
}

type NativeSpec struct {
	Enabled       *bool         `json:"enabled,omitempty"`
	MergeMode     string        `json:"merge_mode,omitempty"`
	Rendering     Rendering     `json:"rendering,omitempty"`
	ErrorHandling ErrorHandling `json:"error_handling,omitempty"`
}

type Config struct {
	Provider   Provider   `json:"provider,omitempty"`
	Scheduler  Scheduler  `json:"scheduler,omitempty"`
	Storage    Storage    `json:"storage,omitempty"`
	Template   Template   `json:"template,omitempty"`
	NativeSpec NativeSpec `json:"native_spec,omitempty"`
}

func Default() *Config {
	return &Config{
		Provider: Provider{
			SelectionPolicy:     "first_available",
			HealthCheckInterval: 60,
			CircuitBreaker: CircuitBreaker{
				Enabled:          lo.ToPtr(true),
				FailureThreshold: 5,
				RecoveryTimeout:  30,
				HalfOpenMaxCalls: 1,
			},
		},
		Scheduler: Scheduler{
			Strategy:         "default",
			DefaultVCPUCount: 1,
			DefaultMemoryMiB: 1024,
		},
		Storage: Storage{
			Strategy:      "json",
			Path:          "./data",
			PurgeSchedule: "0 * * * *",
		},
		Template: Template{
			Paths:           []string{"./templates"},
			CacheTTLSeconds: 300,
		},
		NativeSpec: NativeSpec{
			Enabled:   lo.ToPtr(true),
			MergeMode: "extend",
			Rendering: Rendering{
				CacheSize:         128,
				TimeoutSeconds:    30,
				MaxRecursionDepth: 10,
				EnableAutoEscape:  lo.ToPtr(true),
			},
			ErrorHandling: ErrorHandling{
				FallbackToLegacy: lo.ToPtr(true),
				FailFastOnErrors: lo.ToPtr(false),
			},
		},
	}
}

// Load reads the file at path and overlays it onto the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "reading config file %q", path)
	}
	loaded := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, loaded)
	default:
		err = yaml.Unmarshal(data, loaded)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing config file %q", path)
	}
	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "merging config file %q onto defaults", path)
	}
	return cfg, cfg.Validate()
}

// ApplyOptions overlays process flag and environment settings, which take
// precedence over the file.
func (c *Config) ApplyOptions(opts *options.Options) {
	if opts == nil {
		return
	}
	if opts.SchedulerStrategy != "" {
		c.Scheduler.Strategy = opts.SchedulerStrategy
	}
	if opts.StorageStrategy != "" {
		c.Storage.Strategy = opts.StorageStrategy
	}
	if opts.StoragePath != "" {
		c.Storage.Path = opts.StoragePath
	}
	if opts.EtcdEndpoints != "" {
		c.Storage.EtcdEndpoints = strings.Split(opts.EtcdEndpoints, ",")
	}
	if opts.TemplatePaths != "" {
		c.Template.Paths = strings.Split(opts.TemplatePaths, ",")
	}
}

func (c *Config) Validate() error {
	var errs error
	if !validSelectionPolicies.Has(c.Provider.SelectionPolicy) {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "provider.selection_policy %q is not one of %v", c.Provider.SelectionPolicy, sets.List(validSelectionPolicies)))
	}
	if c.Provider.HealthCheckInterval < 0 {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "provider.health_check_interval must be non-negative"))
	}
	if !validSchedulerStrategies.Has(c.Scheduler.Strategy) {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "scheduler.strategy %q is not one of %v", c.Scheduler.Strategy, sets.List(validSchedulerStrategies)))
	}
	if c.Scheduler.DefaultVCPUCount < 0 {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "scheduler.default_vcpu_count must be non-negative"))
	}
	if c.Scheduler.DefaultMemoryMiB < 0 {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "scheduler.default_memory_mib must be non-negative"))
	}
	if !validStorageStrategies.Has(c.Storage.Strategy) {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "storage.strategy %q is not one of %v", c.Storage.Strategy, sets.List(validStorageStrategies)))
	}
	if !validMergeModes.Has(c.NativeSpec.MergeMode) {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "native_spec.merge_mode %q is not one of %v", c.NativeSpec.MergeMode, sets.List(validMergeModes.Clone().Delete(""))))
	}
	if c.NativeSpec.Rendering.MaxRecursionDepth < 0 {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "native_spec.rendering.max_recursion_depth must be non-negative"))
	}
	seen := sets.New[string]()
	for i := range c.Provider.Providers {
		p := &c.Provider.Providers[i]
		errs = multierr.Append(errs, p.Validate())
		if seen.Has(p.Name) {
			errs = multierr.Append(errs, errors.New(errors.KindValidation, "duplicate provider name %q", p.Name))
		}
		seen.Insert(p.Name)
	}
	return errs
}

// TemplateCacheTTL returns the template cache TTL as a duration.
func (c *Config) TemplateCacheTTL() time.Duration {
	return time.Duration(c.Template.CacheTTLSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionHours) * time.Hour
}
