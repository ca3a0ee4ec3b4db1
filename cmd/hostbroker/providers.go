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
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/broker"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

func newProvidersCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and steer the provider selection engine",
	}
	cmd.AddCommand(
		newProvidersListCommand(opts),
		newProvidersShowCommand(opts),
		newProvidersHealthCommand(opts),
		newProvidersSelectCommand(opts),
		newProvidersExecCommand(opts),
		newProvidersMetricsCommand(opts),
	)
	return cmd
}

var providerHeaders = []string{"NAME", "TYPE", "WEIGHT", "PRIORITY", "ENABLED", "CAPABILITIES"}

func providerRow(instance *v1.ProviderInstance) []string {
	return []string{
		instance.Name,
		instance.Type,
		strconv.Itoa(instance.Weight),
		strconv.Itoa(instance.Priority),
		strconv.FormatBool(instance.IsEnabled()),
		strings.Join(instance.Capabilities, ","),
	}
}

func newProvidersListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.ListProviders{})
			if err != nil {
				return err
			}
			instances := value.([]*v1.ProviderInstance)
			rows := lo.Map(instances, func(p *v1.ProviderInstance, _ int) []string { return providerRow(p) })
			return newRenderer(opts, cmd.OutOrStdout()).table(instances, providerHeaders, rows)
		},
	}
}

func newProvidersShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one provider with its capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.ListProviders{})
			if err != nil {
				return err
			}
			instances := value.([]*v1.ProviderInstance)
			instance, found := lo.Find(instances, func(p *v1.ProviderInstance) bool { return p.Name == args[0] })
			if !found {
				return errors.New(errors.KindNotFound, "provider %q is not registered", args[0])
			}
			return newRenderer(opts, cmd.OutOrStdout()).table(instance, providerHeaders, [][]string{providerRow(instance)})
		},
	}
}

var healthHeaders = []string{"PROVIDER", "HEALTHY", "LATENCY", "CHECKED", "MESSAGE"}

func healthRow(status providers.HealthStatus) []string {
	checked := ""
	if !status.CheckedAt.IsZero() {
		checked = status.CheckedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		status.ProviderName,
		strconv.FormatBool(status.Healthy),
		status.Latency.String(),
		checked,
		status.Message,
	}
}

func newProvidersHealthCommand(opts *globalOptions) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "health [name]...",
		Short: "Report provider health, optionally probing",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.ProviderHealth{Names: args, Probe: probe})
			if err != nil {
				return err
			}
			statuses := value.([]providers.HealthStatus)
			rows := lo.Map(statuses, func(s providers.HealthStatus, _ int) []string { return healthRow(s) })
			return newRenderer(opts, cmd.OutOrStdout()).table(statuses, healthHeaders, rows)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Actively probe instead of reporting the last recorded state")
	return cmd
}

func newProvidersSelectCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "select <policy>",
		Short: "Set the provider selection policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.dispatch(ctx, broker.SetSelectionPolicy{Policy: args[0]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "selection policy set to %s\n", args[0])
			return nil
		},
	}
}

// exec runs one read-only provider operation by name. Mutating operations go
// through machines request/return so the broker records aggregates.
func newProvidersExecCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <name> <operation>",
		Short: "Run a read-only operation on a named provider",
		Long:  "Operations: health_check, get_capabilities, get_available_templates",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			name, operation := args[0], args[1]
			render := newRenderer(opts, cmd.OutOrStdout())
			switch operation {
			case string(providers.OpHealthCheck):
				value, err := rt.ask(ctx, broker.ProviderHealth{Names: []string{name}, Probe: true})
				if err != nil {
					return err
				}
				statuses := value.([]providers.HealthStatus)
				rows := lo.Map(statuses, func(s providers.HealthStatus, _ int) []string { return healthRow(s) })
				return render.table(statuses, healthHeaders, rows)
			case string(providers.OpGetCapabilities):
				value, err := rt.ask(ctx, broker.Capabilities{Name: name})
				if err != nil {
					return err
				}
				capabilities := value.([]string)
				rows := lo.Map(capabilities, func(c string, _ int) []string { return []string{name, c} })
				return render.table(capabilities, []string{"PROVIDER", "CAPABILITY"}, rows)
			case string(providers.OpGetAvailableTemplates):
				value, err := rt.ask(ctx, broker.ListTemplates{})
				if err != nil {
					return err
				}
				templates := value.([]*v1.Template)
				rows := lo.Map(templates, func(t *v1.Template, _ int) []string { return templateRow(t) })
				return render.table(templates, templateHeaders, rows)
			default:
				return errors.New(errors.KindValidation, "operation %q is not executable from the cli", operation)
			}
		},
	}
}

var metricHeaders = []string{"PROVIDER", "IN-FLIGHT", "TOTAL", "FAILURES", "SUCCESS RATE", "AVG LATENCY"}

func newProvidersMetricsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics [name]...",
		Short: "Report per-provider selection metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.ProviderMetrics{Names: args})
			if err != nil {
				return err
			}
			metrics := value.([]providers.Metrics)
			rows := lo.Map(metrics, func(m providers.Metrics, _ int) []string {
				return []string{
					m.ProviderName,
					strconv.FormatInt(m.InFlight, 10),
					strconv.FormatInt(m.Total, 10),
					strconv.FormatInt(m.Failures, 10),
					fmt.Sprintf("%.2f", m.SuccessRate),
					m.AvgLatency.String(),
				}
			})
			return newRenderer(opts, cmd.OutOrStdout()).table(metrics, metricHeaders, rows)
		},
	}
}
