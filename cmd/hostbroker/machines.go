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
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/broker"
)

func newMachinesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machines",
		Short: "Acquire, return, and inspect machines",
	}
	cmd.AddCommand(
		newMachinesListCommand(opts),
		newMachinesShowCommand(opts),
		newMachinesRequestCommand(opts),
		newMachinesReturnCommand(opts),
		newMachinesStatusCommand(opts),
	)
	return cmd
}

var machineHeaders = []string{"MACHINE", "INSTANCE", "STATUS", "PRIVATE IP", "TYPE", "PROVIDER", "REQUEST"}

func machineRow(machine *v1.Machine) []string {
	return []string{
		machine.MachineID,
		machine.InstanceID,
		string(machine.Status),
		machine.PrivateIP,
		machine.InstanceType,
		machine.ProviderName,
		machine.RequestID,
	}
}

func newMachinesListCommand(opts *globalOptions) *cobra.Command {
	var statuses []string
	var requestID string
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.ListMachines{
				Statuses:     lo.Map(statuses, func(s string, _ int) v1.MachineStatus { return v1.MachineStatus(s) }),
				RequestID:    requestID,
				ProviderName: opts.Provider,
				Offset:       offset,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			machines := value.([]*v1.Machine)
			views := lo.Map(machines, func(m *v1.Machine, _ int) map[string]any { return rt.sched.MachineView(m) })
			rows := lo.Map(machines, func(m *v1.Machine, _ int) []string { return machineRow(m) })
			return newRenderer(opts, cmd.OutOrStdout()).table(views, machineHeaders, rows)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by machine status (repeatable)")
	cmd.Flags().StringVar(&requestID, "request", "", "Filter by owning request id")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip the first N machines")
	cmd.Flags().IntVar(&limit, "limit", 0, "Return at most N machines, 0 for all")
	return cmd
}

func newMachinesShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <machine-id>",
		Short: "Show one machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.GetMachine{MachineID: args[0]})
			if err != nil {
				return err
			}
			machine := value.(*v1.Machine)
			return newRenderer(opts, cmd.OutOrStdout()).table(
				rt.sched.MachineView(machine), machineHeaders, [][]string{machineRow(machine)})
		},
	}
}

func newMachinesRequestCommand(opts *globalOptions) *cobra.Command {
	var templateID string
	var count int
	var deadline time.Duration
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Acquire machines from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.dispatch(ctx, broker.AcquireMachines{
				TemplateID:      templateID,
				Count:           count,
				ProviderName:    opts.Provider,
				DeadlineSeconds: durationSeconds(deadline),
			})
			if err != nil {
				return err
			}
			view := value.(*broker.RequestView)
			if err := newRenderer(opts, cmd.OutOrStdout()).table(
				rt.sched.RequestView(view.Request, view.Machines),
				requestHeaders, [][]string{requestRow(view.Request)}); err != nil {
				return err
			}
			if code := rt.sched.ExitCode(view.Request.Status); code != 0 {
				return &exitError{code: code, status: string(view.Request.Status)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "Template to acquire from")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of machines to acquire")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "Deadline for this acquire, 0 for the broker default")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func newMachinesReturnCommand(opts *globalOptions) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "return [machine-id]...",
		Short: "Return machines, by id or by owning request",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.dispatch(ctx, broker.ReturnMachines{RequestID: requestID, MachineIDs: args})
			if err != nil {
				return err
			}
			request := value.(*v1.Request)
			if err := newRenderer(opts, cmd.OutOrStdout()).table(
				rt.sched.RequestView(request, nil), requestHeaders, [][]string{requestRow(request)}); err != nil {
				return err
			}
			if code := rt.sched.ExitCode(request.Status); code != 0 {
				return &exitError{code: code, status: string(request.Status)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "Return every machine the request acquired")
	return cmd
}

func newMachinesStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <machine-id>...",
		Short: "Report machine status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			views := make([]map[string]any, 0, len(args))
			rows := make([][]string, 0, len(args))
			for _, id := range args {
				value, err := rt.ask(ctx, broker.GetMachine{MachineID: id})
				if err != nil {
					return err
				}
				machine := value.(*v1.Machine)
				views = append(views, rt.sched.MachineView(machine))
				rows = append(rows, machineRow(machine))
			}
			return newRenderer(opts, cmd.OutOrStdout()).table(views, machineHeaders, rows)
		},
	}
}
