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

package scheduler

import (
	"encoding/json"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

// Default emits the native snake_case field names and status vocabulary. Its
// output round-trips: decoding an encoded request yields the original
// aggregate.
type Default struct {
	opts Options
}

func (d *Default) Name() string { return "default" }

func (d *Default) RequestView(request *v1.Request, machines []*v1.Machine) map[string]any {
	view := toMap(request)
	if machines != nil {
		views := make([]any, 0, len(machines))
		for _, machine := range machines {
			views = append(views, d.MachineView(machine))
		}
		view["machines"] = views
	}
	return applyMapping(view, d.opts.FieldMapping)
}

func (d *Default) MachineView(machine *v1.Machine) map[string]any {
	return applyMapping(toMap(machine), d.opts.FieldMapping)
}

func (d *Default) TemplateView(template *v1.Template) map[string]any {
	return applyMapping(toMap(template), d.opts.FieldMapping)
}

func (d *Default) ExitCode(status v1.RequestStatus) int {
	if status == v1.RequestStatusCompleted {
		return 0
	}
	return 1
}

// DecodeRequest is the inverse of RequestView for unmapped output.
func (d *Default) DecodeRequest(data []byte) (*v1.Request, error) {
	request := &v1.Request{}
	if err := json.Unmarshal(data, request); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decoding request")
	}
	return request, nil
}

// toMap lowers a domain struct through its json tags.
func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		// domain aggregates always marshal
		panic(err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}
