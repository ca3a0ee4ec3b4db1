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
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"go.uber.org/multierr"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/utils/pretty"
)

// validateTemplate checks a template against the live account: structural
// validation, image alias resolution, instance types against the regional
// catalog (or requirements satisfiability for attribute-based templates),
// subnet existence, and the instance profile when one is named. All findings
// accumulate so a caller sees everything wrong at once.
func (s *Strategy) validateTemplate(ctx context.Context, op *providers.Operation) (*providers.Result, error) {
	if op.Template == nil {
		return nil, errors.New(errors.KindValidation, "validate_template needs a template")
	}
	template := op.Template.Clone()
	var errs error
	var diagnostics []string

	if err := template.Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := s.resolveImage(ctx, template); err != nil {
		errs = multierr.Append(errs, err)
	} else if template.ImageID != op.Template.ImageID {
		diagnostics = append(diagnostics, fmt.Sprintf("image alias resolves to %s", template.ImageID))
	}
	if template.AttributeBased() {
		matching, err := s.instanceTypes.Matching(ctx, template.Requirements)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			diagnostics = append(diagnostics, fmt.Sprintf("requirements match %d instance types: %s", len(matching), pretty.Slice(matching, 5)))
		}
	} else if len(template.InstanceTypes) > 0 {
		catalog, err := s.instanceTypes.Catalog(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			for _, instanceType := range template.InstanceTypes {
				if _, ok := catalog[instanceType]; !ok {
					errs = multierr.Append(errs, errors.New(errors.KindValidation, "instance type %q does not exist in %s", instanceType, s.region))
				}
			}
		}
	}
	if len(template.SubnetIDs) > 0 {
		if _, err := s.subnets.Resolve(ctx, template.SubnetIDs); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if template.InstanceProfile != "" {
		if _, err := s.iamapi.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(template.InstanceProfile),
		}); err != nil {
			errs = multierr.Append(errs, errors.FromAWS(err))
		}
	}
	if errs != nil {
		return nil, errors.Wrap(errs, errors.KindValidation, "template %q failed validation", template.TemplateID)
	}
	if account, err := s.accountID.TryGet(ctx); err == nil && account != "" {
		diagnostics = append(diagnostics, fmt.Sprintf("validated against account %s", account))
	}
	return &providers.Result{
		ProviderName: s.Name(),
		Templates:    []*v1.Template{template},
		Diagnostics:  diagnostics,
	}, nil
}
