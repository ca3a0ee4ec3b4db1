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

// Package scheduler adapts the broker's internal shapes to the wire shape the
// calling scheduler expects. Strategies translate field names and status
// vocabulary, never semantics. Views are plain maps so that output encoding is
// deterministic: encoding/json sorts map keys, so identical state always
// yields identical bytes.
package scheduler

import (
	"encoding/json"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

// InstanceTypeInfo carries the machine attributes a strategy may synthesize
// into its wire format.
type InstanceTypeInfo struct {
	VCPUCount    int
	MemoryMiB    int64
	Architecture string
}

// InstanceTypeLookup resolves attributes for a provider instance type.
// Strategies fall back to configured defaults when the lookup misses.
type InstanceTypeLookup func(instanceType string) (InstanceTypeInfo, bool)

type Options struct {
	// FieldMapping overrides individual top-level wire-field names.
	FieldMapping map[string]string
	Lookup       InstanceTypeLookup
	// Defaults used when Lookup cannot resolve an instance type.
	DefaultVCPUCount int
	DefaultMemoryMiB int64
}

// Strategy renders domain aggregates into the caller's wire shape and maps
// terminal request statuses onto process exit codes.
type Strategy interface {
	Name() string
	RequestView(request *v1.Request, machines []*v1.Machine) map[string]any
	MachineView(machine *v1.Machine) map[string]any
	TemplateView(template *v1.Template) map[string]any
	ExitCode(status v1.RequestStatus) int
}

func New(name string, opts Options) (Strategy, error) {
	if opts.DefaultVCPUCount <= 0 {
		opts.DefaultVCPUCount = 1
	}
	if opts.DefaultMemoryMiB <= 0 {
		opts.DefaultMemoryMiB = 1024
	}
	switch name {
	case "", "default":
		return &Default{opts: opts}, nil
	case "hostfactory", "hf":
		return &HostFactory{opts: opts}, nil
	default:
		return nil, errors.New(errors.KindValidation, "unknown scheduler strategy %q", name)
	}
}

// Encode renders a view to JSON. Key order is stable and numeric formatting
// fixed, so equal views produce equal bytes.
func Encode(view any) ([]byte, error) {
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encoding output")
	}
	return append(data, '\n'), nil
}

// applyMapping renames top-level keys per the configured field mapping.
func applyMapping(view map[string]any, mapping map[string]string) map[string]any {
	if len(mapping) == 0 {
		return view
	}
	for from, to := range mapping {
		if value, ok := view[from]; ok && from != to {
			view[to] = value
			delete(view, from)
		}
	}
	return view
}
