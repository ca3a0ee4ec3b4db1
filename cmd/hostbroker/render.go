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
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"sigs.k8s.io/yaml"

	"github.com/hostfactory/hostbroker/pkg/scheduler"
)

// renderer writes a command's result in the selected format. JSON and YAML
// render the scheduler strategy's wire view byte-stably; table and list are
// human surfaces and ignore the field mapping.
type renderer struct {
	format string
	out    io.Writer
}

func newRenderer(opts *globalOptions, out io.Writer) *renderer {
	return &renderer{format: opts.Format, out: out}
}

// emit renders a wire view. Table output needs explicit columns, so callers
// with tabular data use the table method instead; emit falls back to list
// formatting when asked for a table.
func (r *renderer) emit(view any) error {
	switch r.format {
	case "yaml":
		data, err := yaml.Marshal(view)
		if err != nil {
			return err
		}
		_, err = r.out.Write(data)
		return err
	case "list", "table":
		return r.list(view)
	default:
		data, err := scheduler.Encode(view)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(r.out, string(data))
		return err
	}
}

// table renders rows under headers, or falls back to the structured formats
// when the caller asked for one.
func (r *renderer) table(view any, headers []string, rows [][]string) error {
	if r.format != "table" {
		return r.emit(view)
	}
	w := tablewriter.NewWriter(r.out)
	w.SetHeader(headers)
	w.SetAutoWrapText(false)
	w.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	w.SetAlignment(tablewriter.ALIGN_LEFT)
	w.SetBorder(false)
	w.SetColumnSeparator("")
	w.SetHeaderLine(false)
	w.AppendBulk(rows)
	w.Render()
	return nil
}

// list prints dotted key/value lines in sorted key order.
func (r *renderer) list(view any) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	entries := map[string]string{}
	flatten("", decoded, entries)
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := fmt.Fprintf(r.out, "%s: %s\n", key, entries[key]); err != nil {
			return err
		}
	}
	return nil
}

func flatten(prefix string, value any, into map[string]string) {
	switch typed := value.(type) {
	case map[string]any:
		for key, nested := range typed {
			flatten(joinKey(prefix, key), nested, into)
		}
	case []any:
		for i, nested := range typed {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), nested, into)
		}
	case string:
		into[prefix] = typed
	case nil:
		into[prefix] = ""
	default:
		into[prefix] = strings.TrimSpace(fmt.Sprintf("%v", typed))
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
