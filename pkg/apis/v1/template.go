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

package v1

import (
	"maps"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hostfactory/hostbroker/pkg/errors"
)

// ProviderAPI selects the handler used to dispatch a template.
type ProviderAPI string

const (
	ProviderAPIFleet        ProviderAPI = "fleet"
	ProviderAPIASG          ProviderAPI = "asg"
	ProviderAPISpotFleet    ProviderAPI = "spotfleet"
	ProviderAPIRunInstances ProviderAPI = "runinstances"
)

var knownProviderAPIs = sets.New(
	ProviderAPIFleet,
	ProviderAPIASG,
	ProviderAPISpotFleet,
	ProviderAPIRunInstances,
)

type CapacityType string

const (
	CapacityTypeOnDemand CapacityType = "ondemand"
	CapacityTypeSpot     CapacityType = "spot"
)

// MergeMode controls how a native spec override combines with the payload the
// handler builds from template fields.
type MergeMode string

const (
	MergeModeExtend   MergeMode = "extend"
	MergeModeOverride MergeMode = "override"
	MergeModeNone     MergeMode = "none"
)

// MinMax bounds an instance attribute. Max of zero means unbounded.
type MinMax struct {
	Min int64 `json:"min,omitempty"`
	Max int64 `json:"max,omitempty"`
}

// InstanceRequirements is the attribute-based instance selection block. When
// present it replaces any enumerated instance types on the template.
type InstanceRequirements struct {
	VCPUCount             *MinMax  `json:"vcpu_count,omitempty"`
	MemoryMiB             *MinMax  `json:"memory_mib,omitempty"`
	Architectures         []string `json:"architectures,omitempty"`
	ExcludedInstanceTypes []string `json:"excluded_instance_types,omitempty"`
}

func (r *InstanceRequirements) Validate() error {
	var errs error
	for name, b := range map[string]*MinMax{"vcpu_count": r.VCPUCount, "memory_mib": r.MemoryMiB} {
		if b == nil {
			continue
		}
		if b.Min < 0 || b.Max < 0 {
			errs = multierr.Append(errs, errors.New(errors.KindValidation, "%s bounds must be non-negative", name))
		}
		if b.Max != 0 && b.Min > b.Max {
			errs = multierr.Append(errs, errors.New(errors.KindValidation, "%s min %d exceeds max %d", name, b.Min, b.Max))
		}
	}
	return errs
}

// Template describes a class of machines a provider can launch. Templates are
// discovered from files; SourcePriority and SourceFile record where a
// definition came from so that collisions resolve deterministically.
type Template struct {
	TemplateID       string            `json:"template_id"`
	ProviderName     string            `json:"provider_name,omitempty"`
	ProviderAPI      ProviderAPI       `json:"provider_api,omitempty"`
	MaxNumber        int               `json:"max_number,omitempty"`
	ImageID          string            `json:"image_id,omitempty"`
	SubnetIDs        []string          `json:"subnet_ids,omitempty"`
	SecurityGroupIDs []string          `json:"security_group_ids,omitempty"`
	InstanceTypes    []string          `json:"instance_types,omitempty"`
	InstanceProfile  string            `json:"instance_profile,omitempty"`
	KeyName          string            `json:"key_name,omitempty"`
	UserData         string            `json:"user_data,omitempty"`
	InstanceTags     map[string]string `json:"instance_tags,omitempty"`
	CapacityType     CapacityType      `json:"capacity_type,omitempty"`
	AllocationStrategy string          `json:"allocation_strategy,omitempty"`
	Priority         int               `json:"priority,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`

	Requirements *InstanceRequirements `json:"abis_instance_requirements,omitempty"`

	ProviderAPISpec        map[string]any `json:"provider_api_spec,omitempty"`
	ProviderAPISpecFile    string         `json:"provider_api_spec_file,omitempty"`
	LaunchTemplateSpec     map[string]any `json:"launch_template_spec,omitempty"`
	LaunchTemplateSpecFile string         `json:"launch_template_spec_file,omitempty"`
	NativeSpecMergeMode    MergeMode      `json:"native_spec_merge_mode,omitempty"`

	SourcePriority int    `json:"-"`
	SourceFile     string `json:"-"`
}

// AttributeBased reports whether instance selection uses the requirements
// block instead of enumerated types.
func (t *Template) AttributeBased() bool {
	return t.Requirements != nil
}

func (t *Template) Validate() error {
	var errs error
	if t.TemplateID == "" {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "template_id is required"))
	}
	if t.ProviderAPI != "" && !knownProviderAPIs.Has(t.ProviderAPI) {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "unknown provider_api %q", t.ProviderAPI))
	}
	if t.MaxNumber < 0 {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "max_number must be non-negative"))
	}
	if t.Requirements == nil && len(t.InstanceTypes) == 0 && t.ProviderAPI != "" {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "template %q needs instance_types or abis_instance_requirements", t.TemplateID))
	}
	if t.Requirements != nil {
		errs = multierr.Append(errs, t.Requirements.Validate())
	}
	switch t.NativeSpecMergeMode {
	case "", MergeModeExtend, MergeModeOverride, MergeModeNone:
	default:
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "unknown native_spec_merge_mode %q", t.NativeSpecMergeMode))
	}
	return errs
}

func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	out.SubnetIDs = append([]string(nil), t.SubnetIDs...)
	out.SecurityGroupIDs = append([]string(nil), t.SecurityGroupIDs...)
	out.InstanceTypes = append([]string(nil), t.InstanceTypes...)
	out.InstanceTags = maps.Clone(t.InstanceTags)
	out.Attributes = maps.Clone(t.Attributes)
	out.ProviderAPISpec = maps.Clone(t.ProviderAPISpec)
	out.LaunchTemplateSpec = maps.Clone(t.LaunchTemplateSpec)
	if t.Requirements != nil {
		req := *t.Requirements
		if t.Requirements.VCPUCount != nil {
			v := *t.Requirements.VCPUCount
			req.VCPUCount = &v
		}
		if t.Requirements.MemoryMiB != nil {
			m := *t.Requirements.MemoryMiB
			req.MemoryMiB = &m
		}
		req.Architectures = append([]string(nil), t.Requirements.Architectures...)
		req.ExcludedInstanceTypes = append([]string(nil), t.Requirements.ExcludedInstanceTypes...)
		out.Requirements = &req
	}
	return &out
}
