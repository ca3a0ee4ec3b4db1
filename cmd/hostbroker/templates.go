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
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/broker"
	"github.com/hostfactory/hostbroker/pkg/bus"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

func newTemplatesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage machine templates",
	}
	cmd.AddCommand(
		newTemplatesListCommand(opts),
		newTemplatesShowCommand(opts),
		newTemplatesCreateCommand(opts, "create"),
		newTemplatesCreateCommand(opts, "update"),
		newTemplatesDeleteCommand(opts),
		newTemplatesValidateCommand(opts),
		newTemplatesRefreshCommand(opts),
		newTemplatesGenerateCommand(opts),
	)
	return cmd
}

var templateHeaders = []string{"TEMPLATE", "PROVIDER", "MAX", "CAPACITY", "SELECTION", "PRIORITY"}

func templateRow(template *v1.Template) []string {
	selection := strings.Join(template.InstanceTypes, ",")
	if template.AttributeBased() {
		selection = "attribute-based"
	}
	return []string{
		template.TemplateID,
		template.ProviderName,
		strconv.Itoa(template.MaxNumber),
		string(template.CapacityType),
		selection,
		strconv.Itoa(template.Priority),
	}
}

func loadTemplateFile(path string) (*v1.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "reading template file %q", path)
	}
	template := &v1.Template{}
	if err := yaml.Unmarshal(data, template); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing template file %q", path)
	}
	return template, nil
}

func newTemplatesListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List merged templates across configured paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.ListTemplates{})
			if err != nil {
				return err
			}
			templates := value.([]*v1.Template)
			views := lo.Map(templates, func(t *v1.Template, _ int) map[string]any { return rt.sched.TemplateView(t) })
			rows := lo.Map(templates, func(t *v1.Template, _ int) []string { return templateRow(t) })
			return newRenderer(opts, cmd.OutOrStdout()).table(views, templateHeaders, rows)
		},
	}
}

func newTemplatesShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show one template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.ask(ctx, broker.GetTemplate{TemplateID: args[0]})
			if err != nil {
				return err
			}
			template := value.(*v1.Template)
			return newRenderer(opts, cmd.OutOrStdout()).table(
				rt.sched.TemplateView(template), templateHeaders, [][]string{templateRow(template)})
		},
	}
}

func newTemplatesCreateCommand(opts *globalOptions, verb string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   verb + " -f <file>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a managed template from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			template, err := loadTemplateFile(file)
			if err != nil {
				return err
			}
			var message bus.Command = broker.CreateTemplate{Template: template}
			if verb == "update" {
				message = broker.UpdateTemplate{Template: template}
			}
			value, err := rt.dispatch(ctx, message)
			if err != nil {
				return err
			}
			created := value.(*v1.Template)
			return newRenderer(opts, cmd.OutOrStdout()).table(
				rt.sched.TemplateView(created), templateHeaders, [][]string{templateRow(created)})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Template file (json or yaml)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTemplatesDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <template-id>",
		Short: "Delete a managed template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.dispatch(ctx, broker.DeleteTemplate{TemplateID: args[0]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newTemplatesValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <template-id>",
		Short: "Validate a template against its provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.dispatch(ctx, broker.ValidateTemplate{TemplateID: args[0], ProviderName: opts.Provider})
			if err != nil {
				return err
			}
			result := value.(*providers.Result)
			view := map[string]any{
				"template_id": args[0],
				"provider":    result.ProviderName,
				"valid":       true,
				"diagnostics": result.Diagnostics,
			}
			rows := lo.Map(result.Diagnostics, func(d string, _ int) []string { return []string{result.ProviderName, d} })
			if len(rows) == 0 {
				rows = [][]string{{result.ProviderName, "ok"}}
			}
			return newRenderer(opts, cmd.OutOrStdout()).table(view, []string{"PROVIDER", "DIAGNOSTIC"}, rows)
		},
	}
}

func newTemplatesRefreshCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force a template reload from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			value, err := rt.dispatch(ctx, broker.RefreshTemplates{})
			if err != nil {
				return err
			}
			templates := value.([]*v1.Template)
			views := lo.Map(templates, func(t *v1.Template, _ int) map[string]any { return rt.sched.TemplateView(t) })
			rows := lo.Map(templates, func(t *v1.Template, _ int) []string { return templateRow(t) })
			return newRenderer(opts, cmd.OutOrStdout()).table(views, templateHeaders, rows)
		},
	}
}

func newTemplatesGenerateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Print a starter template definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			template := &v1.Template{
				TemplateID:    "compute-ondemand",
				ProviderName:  "aws",
				MaxNumber:     10,
				ImageID:       "ami-0123456789abcdef0",
				SubnetIDs:     []string{"subnet-0123456789abcdef0"},
				InstanceTypes: []string{"m5.large", "m5.xlarge"},
				CapacityType:  v1.CapacityTypeOnDemand,
			}
			data, err := yaml.Marshal(map[string]any{"templates": []*v1.Template{template}})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
