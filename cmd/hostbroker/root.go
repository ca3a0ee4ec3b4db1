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
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hostfactory/hostbroker/pkg/utils/env"
	"github.com/hostfactory/hostbroker/pkg/utils/project"
)

var validFormats = sets.New("json", "yaml", "table", "list")

// globalOptions are shared by every subcommand. Environment variables with
// the HF_ prefix seed the defaults, flags win over the environment, and the
// config file sits below both.
type globalOptions struct {
	ConfigFile string
	Scheduler  string
	Provider   string
	Format     string
	LogLevel   string
	Region     string

	StorageStrategy string
	StoragePath     string
	EtcdEndpoints   string
	TemplatePaths   string
	EventQueueURL   string
}

// exitError carries a process exit code out of a command whose output has
// already been rendered. The scheduler strategy owns the status mapping.
type exitError struct {
	code   int
	status string
}

func (e *exitError) Error() string {
	return fmt.Sprintf("request settled as %s", e.status)
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "hostbroker",
		Short:         "Broker compute capacity between HPC schedulers and cloud providers",
		Version:       project.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !validFormats.Has(opts.Format) {
				return fmt.Errorf("format may only be one of %v", sets.List(validFormats))
			}
			return nil
		},
	}

	registerGlobalFlags(root.PersistentFlags(), opts)

	root.AddCommand(
		newTemplatesCommand(opts),
		newMachinesCommand(opts),
		newRequestsCommand(opts),
		newProvidersCommand(opts),
		newSchedulerCommand(opts),
		newStorageCommand(opts),
		newSystemCommand(opts),
		newConfigCommand(opts),
		newMCPCommand(opts),
		newInitCommand(opts),
	)
	return root
}

func registerGlobalFlags(flags *pflag.FlagSet, opts *globalOptions) {
	flags.StringVar(&opts.ConfigFile, "config", env.WithDefaultString("HF_CONFIG", ""), "Path to the broker config file (json, yaml, or toml)")
	flags.StringVar(&opts.Scheduler, "scheduler", env.WithDefaultString("HF_SCHEDULER_STRATEGY", ""), "Output strategy: default, hostfactory, or hf")
	flags.StringVar(&opts.Provider, "provider", env.WithDefaultString("HF_PROVIDER", ""), "Pin operations to a named provider instead of policy selection")
	flags.StringVarP(&opts.Format, "format", "o", env.WithDefaultString("HF_FORMAT", "json"), "Output format: json, yaml, table, or list")
	flags.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("HF_LOG_LEVEL", "info"), "Log level: debug, info, warn, or error")
	flags.StringVar(&opts.Region, "region", env.WithDefaultString("HF_REGION", ""), "Cloud region. When empty the provider resolves it from its environment")
	flags.StringVar(&opts.StorageStrategy, "storage", env.WithDefaultString("HF_STORAGE_STRATEGY", ""), "Storage strategy: memory, json, or etcd")
	flags.StringVar(&opts.StoragePath, "storage-path", env.WithDefaultString("HF_STORAGE_PATH", ""), "Directory for the json storage strategy")
	flags.StringVar(&opts.EtcdEndpoints, "etcd-endpoints", env.WithDefaultString("HF_ETCD_ENDPOINTS", ""), "Comma-separated etcd endpoints for the etcd storage strategy")
	flags.StringVar(&opts.TemplatePaths, "template-paths", env.WithDefaultString("HF_TEMPLATE_PATHS", ""), "Comma-separated directories searched for template files")
	flags.StringVar(&opts.EventQueueURL, "event-queue-url", env.WithDefaultString("HF_EVENT_QUEUE_URL", ""), "SQS queue URL for domain event publishing. Empty disables the publisher")
}

// durationSeconds converts a flag duration to the whole-second wire field,
// rounding sub-second values up so a short deadline never becomes "none".
func durationSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return secs
}
