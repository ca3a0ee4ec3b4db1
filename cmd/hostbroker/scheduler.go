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

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/config"
	"github.com/hostfactory/hostbroker/pkg/scheduler"
)

func newSchedulerCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect the output strategy that shapes views and exit codes",
	}
	cmd.AddCommand(
		newSchedulerListCommand(opts),
		newSchedulerShowCommand(opts),
		newSchedulerValidateCommand(opts),
	)
	return cmd
}

// schedulerStatuses is the full terminal-plus-live status set the exit-code
// mapping covers.
var schedulerStatuses = []v1.RequestStatus{
	v1.RequestStatusPending,
	v1.RequestStatusInProgress,
	v1.RequestStatusCompleted,
	v1.RequestStatusPartial,
	v1.RequestStatusFailed,
	v1.RequestStatusCancelled,
	v1.RequestStatusTimeout,
}

func activeSchedulerStrategy(opts *globalOptions) (string, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return "", err
	}
	if opts.Scheduler != "" {
		return opts.Scheduler, nil
	}
	return cfg.Scheduler.Strategy, nil
}

func newSchedulerListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := activeSchedulerStrategy(opts)
			if err != nil {
				return err
			}
			type strategyInfo struct {
				Name    string   `json:"name"`
				Aliases []string `json:"aliases,omitempty"`
				Active  bool     `json:"active"`
			}
			infos := []strategyInfo{
				{Name: "default", Active: active == "" || active == "default"},
				{Name: "hostfactory", Aliases: []string{"hf"}, Active: active == "hostfactory" || active == "hf"},
			}
			rows := lo.Map(infos, func(s strategyInfo, _ int) []string {
				return []string{s.Name, strconv.FormatBool(s.Active)}
			})
			return newRenderer(opts, cmd.OutOrStdout()).table(infos, []string{"STRATEGY", "ACTIVE"}, rows)
		},
	}
}

func newSchedulerShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [name]",
		Short: "Show a strategy's exit-code mapping",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			} else {
				active, err := activeSchedulerStrategy(opts)
				if err != nil {
					return err
				}
				name = active
			}
			strategy, err := scheduler.New(name, scheduler.Options{})
			if err != nil {
				return err
			}
			codes := map[string]int{}
			rows := make([][]string, 0, len(schedulerStatuses))
			for _, status := range schedulerStatuses {
				code := strategy.ExitCode(status)
				codes[string(status)] = code
				rows = append(rows, []string{string(status), strconv.Itoa(code)})
			}
			view := map[string]any{"name": strategy.Name(), "exit_codes": codes}
			return newRenderer(opts, cmd.OutOrStdout()).table(view, []string{"STATUS", "EXIT CODE"}, rows)
		},
	}
}

func newSchedulerValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <name>",
		Short: "Check that a strategy name resolves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := scheduler.New(args[0], scheduler.Options{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", strategy.Name())
			return nil
		},
	}
}
