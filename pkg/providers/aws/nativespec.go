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

package aws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/templates/nativespec"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
)

// applyNativeSpec renders the template's native provider-API payload and
// folds it into the SDK input the handler built from legacy fields. The spec
// document uses AWS API member names (CreateFleetInput shape etc.), so a JSON
// round-trip through field names maps it onto the typed input.
func (s *Strategy) applyNativeSpec(ctx context.Context, input any, op *providers.Operation, template *v1.Template) error {
	spec := nativespec.Source(template)
	if len(spec) == 0 || template.NativeSpecMergeMode == v1.MergeModeNone {
		return nil
	}
	rendered, err := s.renderer.Render(ctx, spec, nativespec.Variables{
		RequestID:      op.RequestID,
		TemplateID:     template.TemplateID,
		RequestedCount: op.Count,
		Timestamp:      time.Now().UTC(),
		PackageName:    "hostbroker",
	})
	if err != nil {
		return err
	}
	base := map[string]any{}
	raw, err := json.Marshal(input)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding %s payload", template.ProviderAPI)
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return errors.Wrap(err, errors.KindInternal, "decoding %s payload", template.ProviderAPI)
	}
	merged, err := nativespec.Merge(base, rendered, template.NativeSpecMergeMode)
	if err != nil {
		return err
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding merged %s payload", template.ProviderAPI)
	}
	if err := json.Unmarshal(raw, input); err != nil {
		return errors.Wrap(err, errors.KindValidation, "native spec does not fit the %s payload shape", template.ProviderAPI)
	}
	return nil
}
