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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/hostfactory/hostbroker/pkg/config"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the broker configuration",
	}
	cmd.AddCommand(
		newConfigShowCommand(opts),
		newConfigGetCommand(opts),
		newConfigSetCommand(opts),
		newConfigValidateCommand(opts),
	)
	return cmd
}

// effectiveConfig loads the file and applies flag and environment overrides,
// mirroring what every other command sees.
func effectiveConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	applyGlobalOverrides(cfg, opts)
	return cfg, cfg.Validate()
}

func newConfigShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := effectiveConfig(opts)
			if err != nil {
				return err
			}
			return newRenderer(opts, cmd.OutOrStdout()).emit(cfg)
		},
	}
}

func newConfigGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get one configuration value by dotted key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := effectiveConfig(opts)
			if err != nil {
				return err
			}
			value, err := lookupConfigKey(cfg, args[0])
			if err != nil {
				return err
			}
			return newRenderer(opts, cmd.OutOrStdout()).emit(map[string]any{args[0]: value})
		},
	}
}

func newConfigSetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one configuration value in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigFile == "" {
				return errors.New(errors.KindValidation, "config set needs --config to name the file to edit")
			}
			if err := setConfigKey(opts.ConfigFile, args[0], args[1]); err != nil {
				return err
			}
			// Reject edits that leave the file invalid.
			if _, err := config.Load(opts.ConfigFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func newConfigValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := effectiveConfig(opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}
}

func lookupConfigKey(cfg *config.Config, key string) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	var current any = decoded
	for _, part := range strings.Split(key, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, errors.New(errors.KindNotFound, "config key %q not found", key)
		}
		current, ok = node[part]
		if !ok {
			return nil, errors.New(errors.KindNotFound, "config key %q not found", key)
		}
	}
	return current, nil
}

// setConfigKey rewrites the file with the dotted key set. The file keeps its
// format; a missing file starts empty.
func setConfigKey(path, key, rawValue string) error {
	decoded := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			err = toml.Unmarshal(data, &decoded)
		default:
			err = yaml.Unmarshal(data, &decoded)
		}
		if err != nil {
			return errors.Wrap(err, errors.KindValidation, "parsing config file %q", path)
		}
	}

	// Values parse as JSON scalars first so numbers and booleans keep their
	// type; anything else stays a string.
	var value any
	if err := json.Unmarshal([]byte(rawValue), &value); err != nil {
		value = rawValue
	}

	node := decoded
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value

	var out []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		out, err = toml.Marshal(decoded)
	case ".json":
		out, err = json.MarshalIndent(decoded, "", "  ")
	default:
		out, err = yaml.Marshal(decoded)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}
