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

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/storage"
)

func newStorageCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and exercise the storage layer",
	}
	cmd.AddCommand(
		newStorageListCommand(opts),
		newStorageShowCommand(opts),
		newStorageValidateCommand(opts),
		newStorageTestCommand(opts),
		newStorageHealthCommand(opts),
		newStorageMetricsCommand(opts),
	)
	return cmd
}

func newStorageListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List storage strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			type strategyInfo struct {
				Name   string `json:"name"`
				Active bool   `json:"active"`
			}
			infos := []strategyInfo{}
			rows := [][]string{}
			for _, name := range []string{"memory", "json", "etcd"} {
				active := rt.cfg.Storage.Strategy == name
				infos = append(infos, strategyInfo{Name: name, Active: active})
				rows = append(rows, []string{name, strconv.FormatBool(active)})
			}
			return newRenderer(opts, cmd.OutOrStdout()).table(infos, []string{"STRATEGY", "ACTIVE"}, rows)
		},
	}
}

func newStorageShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active storage configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg := rt.cfg.Storage
			view := map[string]any{
				"strategy":       cfg.Strategy,
				"path":           cfg.Path,
				"etcd_endpoints": cfg.EtcdEndpoints,
				"retention":      rt.cfg.Retention().String(),
				"purge_schedule": cfg.PurgeSchedule,
			}
			rows := [][]string{{
				cfg.Strategy, cfg.Path, strings.Join(cfg.EtcdEndpoints, ","), rt.cfg.Retention().String(), cfg.PurgeSchedule,
			}}
			return newRenderer(opts, cmd.OutOrStdout()).table(view,
				[]string{"STRATEGY", "PATH", "ETCD", "RETENTION", "PURGE SCHEDULE"}, rows)
		},
	}
}

func newStorageValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the storage configuration and open the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.Health(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", rt.store.Name())
			return nil
		},
	}
}

// test runs a full write/read/delete round trip against the configured store
// with a sentinel record.
func newStorageTestCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Round-trip a sentinel record through the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			now := time.Now().UTC()
			sentinel := &v1.Request{
				RequestID:      "selftest-" + uuid.NewString(),
				Type:           v1.RequestTypeAcquire,
				TemplateID:     "selftest",
				RequestedCount: 1,
				Status:         v1.RequestStatusCompleted,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := rt.store.Requests().Save(ctx, sentinel); err != nil {
				return errors.Wrap(err, errors.KindInternal, "storage self-test write failed")
			}
			found, err := rt.store.Requests().FindByID(ctx, sentinel.RequestID)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "storage self-test read failed")
			}
			if found.ResourceVersion != 1 {
				return errors.New(errors.KindInternal, "storage self-test read version %d, want 1", found.ResourceVersion)
			}
			if err := rt.store.Requests().Delete(ctx, sentinel.RequestID, true); err != nil {
				return errors.Wrap(err, errors.KindInternal, "storage self-test delete failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s round trip ok\n", rt.store.Name())
			return nil
		},
	}
}

func newStorageHealthCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.Health(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s healthy\n", rt.store.Name())
			return nil
		},
	}
}

func newStorageMetricsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Report stored record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			requests, err := rt.store.Requests().FindAll(ctx, storage.RequestFilter{}, storage.Page{})
			if err != nil {
				return err
			}
			machines, err := rt.store.Machines().FindAll(ctx, storage.MachineFilter{}, storage.Page{})
			if err != nil {
				return err
			}
			byStatus := map[string]int{}
			for _, request := range requests {
				byStatus[string(request.Status)]++
			}
			view := map[string]any{
				"strategy":           rt.store.Name(),
				"requests":           len(requests),
				"machines":           len(machines),
				"requests_by_status": byStatus,
			}
			rows := [][]string{{rt.store.Name(), strconv.Itoa(len(requests)), strconv.Itoa(len(machines))}}
			return newRenderer(opts, cmd.OutOrStdout()).table(view, []string{"STRATEGY", "REQUESTS", "MACHINES"}, rows)
		},
	}
}
