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
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/broker"
)

func newRequestsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect and manage acquire and return requests",
	}
	cmd.AddCommand(
		newRequestsListCommand(opts),
		newRequestsShowCommand(opts),
		newRequestsStatusCommand(opts),
		newRequestsCancelCommand(opts),
	)
	return cmd
}

var requestHeaders = []string{"REQUEST", "TYPE", "TEMPLATE", "STATUS", "REQUESTED", "MACHINES", "CREATED"}

func requestRow(request *v1.Request) []string {
	return []string{
		request.RequestID,
		string(request.Type),
		request.TemplateID,
		string(request.Status),
		strconv.Itoa(request.RequestedCount),
		strconv.Itoa(len(request.MachineIDs)),
		request.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func newRequestsListCommand(opts *globalOptions) *cobra.Command {
	var statuses []string
	var requestType, templateID string
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.ListRequests{
				Statuses:   lo.Map(statuses, func(s string, _ int) v1.RequestStatus { return v1.RequestStatus(s) }),
				Type:       v1.RequestType(requestType),
				TemplateID: templateID,
				Offset:     offset,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			requests := value.([]*v1.Request)
			views := lo.Map(requests, func(r *v1.Request, _ int) map[string]any { return rt.sched.RequestView(r, nil) })
			rows := lo.Map(requests, func(r *v1.Request, _ int) []string { return requestRow(r) })
			return newRenderer(opts, cmd.OutOrStdout()).table(views, requestHeaders, rows)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by request status (repeatable)")
	cmd.Flags().StringVar(&requestType, "type", "", "Filter by request type: acquire or return")
	cmd.Flags().StringVar(&templateID, "template", "", "Filter by template id")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip the first N requests")
	cmd.Flags().IntVar(&limit, "limit", 0, "Return at most N requests, 0 for all")
	return cmd
}

func newRequestsShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one request with its machines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.GetRequest{RequestID: args[0]})
			if err != nil {
				return err
			}
			view := value.(*broker.RequestView)
			return newRenderer(opts, cmd.OutOrStdout()).table(
				rt.sched.RequestView(view.Request, view.Machines),
				requestHeaders, [][]string{requestRow(view.Request)})
		},
	}
}

func newRequestsStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>...",
		Short: "Report request status; the exit code follows the scheduler strategy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			views := make([]map[string]any, 0, len(args))
			rows := make([][]string, 0, len(args))
			worst := &exitError{}
			for _, id := range args {
				value, err := rt.ask(ctx, broker.GetRequest{RequestID: id})
				if err != nil {
					return err
				}
				view := value.(*broker.RequestView)
				views = append(views, rt.sched.RequestView(view.Request, view.Machines))
				rows = append(rows, requestRow(view.Request))
				if code := rt.sched.ExitCode(view.Request.Status); code > worst.code {
					worst = &exitError{code: code, status: string(view.Request.Status)}
				}
			}
			if err := newRenderer(opts, cmd.OutOrStdout()).table(views, requestHeaders, rows); err != nil {
				return err
			}
			if worst.code != 0 {
				return worst
			}
			return nil
		},
	}
}

func newRequestsCancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending or in-progress request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.dispatch(ctx, broker.CancelRequest{RequestID: args[0]})
			if err != nil {
				return err
			}
			result := value.(*broker.CancelResult)
			view := rt.sched.RequestView(result.Request, nil)
			view["already_terminal"] = result.AlreadyTerminal
			return newRenderer(opts, cmd.OutOrStdout()).table(view, requestHeaders, [][]string{requestRow(result.Request)})
		},
	}
}
