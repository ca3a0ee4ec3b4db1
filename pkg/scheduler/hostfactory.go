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
	"strconv"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
)

// HostFactory emits the HostFactory provider-plugin wire shape: camelCase
// field names, requestId/templateId/vmType remaps, the three-valued request
// and machine status vocabularies, and ncpus/nram attribute synthesis from
// the instance-type table.
type HostFactory struct {
	opts Options
}

func (h *HostFactory) Name() string { return "hostfactory" }

func (h *HostFactory) RequestView(request *v1.Request, machines []*v1.Machine) map[string]any {
	views := make([]any, 0, len(machines))
	for _, machine := range machines {
		views = append(views, h.MachineView(machine))
	}
	view := map[string]any{
		"requestId": request.RequestID,
		"status":    requestStatusWire(request.Status),
		"machines":  views,
	}
	if request.StatusMessage != "" {
		view["message"] = request.StatusMessage
	}
	return applyMapping(view, h.opts.FieldMapping)
}

func (h *HostFactory) MachineView(machine *v1.Machine) map[string]any {
	view := map[string]any{
		"machineId": machine.MachineID,
		"name":      machine.Name,
		"result":    machineResultWire(machine.Status),
		"status":    string(machine.Status),
	}
	if machine.PrivateIP != "" {
		view["privateIpAddress"] = machine.PrivateIP
	}
	if machine.PublicIP != "" {
		view["publicIpAddress"] = machine.PublicIP
	}
	if !machine.LaunchTime.IsZero() {
		view["launchtime"] = machine.LaunchTime.Unix()
	}
	if machine.StatusMessage != "" {
		view["message"] = machine.StatusMessage
	}
	return applyMapping(view, h.opts.FieldMapping)
}

func (h *HostFactory) TemplateView(template *v1.Template) map[string]any {
	info := h.instanceInfo(template)
	attributes := map[string]any{
		"ncpus": []string{"Numeric", strconv.Itoa(info.VCPUCount)},
		"nram":  []string{"Numeric", strconv.FormatInt(info.MemoryMiB, 10)},
	}
	if info.Architecture != "" {
		attributes["type"] = []string{"String", info.Architecture}
	}
	for key, value := range template.Attributes {
		attributes[key] = []string{"String", value}
	}
	view := map[string]any{
		"templateId": template.TemplateID,
		"maxNumber":  template.MaxNumber,
		"attributes": attributes,
	}
	if len(template.InstanceTypes) > 0 {
		view["vmType"] = template.InstanceTypes[0]
		if len(template.InstanceTypes) > 1 {
			view["vmTypes"] = template.InstanceTypes
		}
	}
	return applyMapping(view, h.opts.FieldMapping)
}

// ExitCode treats partial fulfillment as an error, matching how HostFactory
// interprets plugin exit statuses.
func (h *HostFactory) ExitCode(status v1.RequestStatus) int {
	switch status {
	case v1.RequestStatusFailed, v1.RequestStatusCancelled, v1.RequestStatusTimeout, v1.RequestStatusPartial:
		return 1
	default:
		return 0
	}
}

// instanceInfo resolves ncpus/nram from the first enumerated instance type,
// falling back to the configured defaults.
func (h *HostFactory) instanceInfo(template *v1.Template) InstanceTypeInfo {
	if h.opts.Lookup != nil && len(template.InstanceTypes) > 0 {
		if info, ok := h.opts.Lookup(template.InstanceTypes[0]); ok {
			return info
		}
	}
	return InstanceTypeInfo{
		VCPUCount: h.opts.DefaultVCPUCount,
		MemoryMiB: h.opts.DefaultMemoryMiB,
	}
}

func requestStatusWire(status v1.RequestStatus) string {
	switch status {
	case v1.RequestStatusPending, v1.RequestStatusInProgress:
		return "running"
	case v1.RequestStatusCompleted:
		return "complete"
	default:
		return "complete_with_error"
	}
}

func machineResultWire(status v1.MachineStatus) string {
	switch status {
	case v1.MachineStatusRunning:
		return "succeed"
	case v1.MachineStatusFailed, v1.MachineStatusTerminated:
		return "fail"
	default:
		return "executing"
	}
}
