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

package nativespec

import (
	"maps"

	"github.com/imdario/mergo"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

// Source selects the spec document a template carries, in precedence order:
// inline provider_api_spec, then launch_template_spec. File-referenced forms
// were folded into the inline fields at load time.
func Source(t *v1.Template) map[string]any {
	if t.ProviderAPISpec != nil {
		return t.ProviderAPISpec
	}
	return t.LaunchTemplateSpec
}

// Merge combines a rendered spec with the payload a handler built from legacy
// template fields.
//
//	extend:   legacy payload is the base, spec overrides named fields
//	override: only the spec is used
//	none:     the spec path is disabled, legacy payload passes through
func Merge(base, rendered map[string]any, mode v1.MergeMode) (map[string]any, error) {
	switch mode {
	case v1.MergeModeNone:
		return base, nil
	case v1.MergeModeOverride:
		return rendered, nil
	case "", v1.MergeModeExtend:
		if rendered == nil {
			return base, nil
		}
		out := maps.Clone(base)
		if out == nil {
			out = map[string]any{}
		}
		if err := mergo.Merge(&out, rendered, mergo.WithOverride); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "merging native spec")
		}
		return out, nil
	default:
		return nil, errors.New(errors.KindValidation, "unknown merge mode %q", mode)
	}
}
