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
	"fmt"
	"net/http"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/broker"
	"github.com/hostfactory/hostbroker/pkg/controllers"
	"github.com/hostfactory/hostbroker/pkg/log"
	"github.com/hostfactory/hostbroker/pkg/metrics"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/utils/env"
	"github.com/hostfactory/hostbroker/pkg/utils/project"
)

func newSystemCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Broker-wide status and the long-running service",
	}
	cmd.AddCommand(
		newSystemStatusCommand(opts),
		newSystemHealthCommand(opts),
		newSystemMetricsCommand(opts),
		newSystemServeCommand(opts),
	)
	return cmd
}

func newSystemStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a broker-wide status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			templateCount := 0
			if value, err := rt.ask(ctx, broker.ListTemplates{}); err == nil {
				templateCount = len(value.([]*v1.Template))
			}
			providerNames := lo.Map(rt.engine.Strategies(), func(s providers.Strategy, _ int) string { return s.Name() })
			view := map[string]any{
				"version":          project.Version,
				"scheduler":        rt.sched.Name(),
				"storage":          rt.store.Name(),
				"selection_policy": rt.cfg.Provider.SelectionPolicy,
				"providers":        providerNames,
				"templates":        templateCount,
			}
			rows := [][]string{{
				project.Version, rt.sched.Name(), rt.store.Name(),
				strconv.Itoa(len(providerNames)), strconv.Itoa(templateCount),
			}}
			return newRenderer(opts, cmd.OutOrStdout()).table(view,
				[]string{"VERSION", "SCHEDULER", "STORAGE", "PROVIDERS", "TEMPLATES"}, rows)
		},
	}
}

func newSystemHealthCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check storage and provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			storageErr := rt.store.Health(ctx)
			statuses, _ := rt.engine.CheckHealth(ctx)
			view := map[string]any{
				"storage": map[string]any{
					"strategy": rt.store.Name(),
					"healthy":  storageErr == nil,
				},
				"providers": statuses,
			}
			rows := [][]string{{"storage/" + rt.store.Name(), strconv.FormatBool(storageErr == nil), errString(storageErr)}}
			for _, status := range statuses {
				rows = append(rows, []string{"provider/" + status.ProviderName, strconv.FormatBool(status.Healthy), status.Message})
			}
			if err := newRenderer(opts, cmd.OutOrStdout()).table(view, []string{"COMPONENT", "HEALTHY", "MESSAGE"}, rows); err != nil {
				return err
			}
			return storageErr
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newSystemMetricsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Summarize registered prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			families, err := metrics.Registry.Gather()
			if err != nil {
				return err
			}
			type familyInfo struct {
				Name   string `json:"name"`
				Help   string `json:"help,omitempty"`
				Series int    `json:"series"`
			}
			infos := lo.Map(families, func(mf *dto.MetricFamily, _ int) familyInfo {
				return familyInfo{Name: mf.GetName(), Help: mf.GetHelp(), Series: len(mf.GetMetric())}
			})
			rows := lo.Map(infos, func(f familyInfo, _ int) []string {
				return []string{f.Name, strconv.Itoa(f.Series), f.Help}
			})
			return newRenderer(opts, cmd.OutOrStdout()).table(infos, []string{"METRIC", "SERIES", "HELP"}, rows)
		},
	}
}

func newSystemServeCommand(opts *globalOptions) *cobra.Command {
	var metricsPort int
	var pollInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker service: status polling, health checks, retention purge, metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			clk := clock.RealClock{}
			healthInterval := time.Duration(rt.cfg.Provider.HealthCheckInterval) * time.Second
			purger, err := controllers.NewRetentionPurger(rt.store, rt.cfg.Retention(), rt.cfg.Storage.PurgeSchedule, clk)
			if err != nil {
				return err
			}
			manager := controllers.NewManager(
				controllers.NewStatusPoller(rt.engine, rt.store, rt.publisher, pollInterval, clk),
				controllers.NewHealthMonitor(rt.engine, rt.publisher, healthInterval, clk),
				purger,
			)

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if err := rt.store.Health(r.Context()); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
				fmt.Fprintln(w, "ok")
			})
			server := &http.Server{Addr: fmt.Sprintf(":%d", metricsPort), Handler: mux}

			log.FromContext(ctx).Info("starting broker service",
				"version", project.Version, "metrics-port", metricsPort, "poll-interval", pollInterval)
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return manager.Start(ctx) })
			g.Go(func() error {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&metricsPort, "metrics-port", env.WithDefaultInt("HF_METRICS_PORT", 8080), "The port the metric endpoint binds to")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", env.WithDefaultDuration("HF_POLL_INTERVAL", 30*time.Second), "Interval between machine status polls")
	return cmd
}
