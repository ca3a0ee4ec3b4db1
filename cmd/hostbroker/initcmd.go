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
	"path/filepath"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/config"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

// init scaffolds a working directory: a config file pointing at a local
// template directory and a starter template. Existing files are never
// overwritten.
func newInitCommand(opts *globalOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a broker working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			templateDir := filepath.Join(dir, "templates")
			if err := os.MkdirAll(templateDir, 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
				return err
			}

			cfg := config.Default()
			cfg.Template.Paths = []string{"./templates"}
			cfg.Storage.Path = "./data"
			configData, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := writeNew(filepath.Join(dir, "config.yaml"), configData); err != nil {
				return err
			}

			starter := map[string]any{"templates": []*v1.Template{{
				TemplateID:    "compute-ondemand",
				ProviderName:  "aws",
				MaxNumber:     10,
				ImageID:       "ami-0123456789abcdef0",
				SubnetIDs:     []string{"subnet-0123456789abcdef0"},
				InstanceTypes: []string{"m5.large", "m5.xlarge"},
				CapacityType:  v1.CapacityTypeOnDemand,
			}}}
			templateData, err := yaml.Marshal(starter)
			if err != nil {
				return err
			}
			if err := writeNew(filepath.Join(templateDir, "templates.yaml"), templateData); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to initialize")
	return cmd
}

func writeNew(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return errors.New(errors.KindConflict, "%s already exists", path)
	}
	return os.WriteFile(path, data, 0o644)
}
