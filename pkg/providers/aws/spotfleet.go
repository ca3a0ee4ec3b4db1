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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

// iamFleetRoleAttribute names the template attribute carrying the spot fleet
// service role ARN the RequestSpotFleet API requires.
const iamFleetRoleAttribute = "iam_fleet_role"

// launchSpotFleet dispatches through RequestSpotFleet, mirroring the fleet
// handler's override construction. Spot fleets fulfill asynchronously: active
// instances found right after the request come back as building machines, the
// rest arrive through status polling against the fleet's instance list.
func (s *Strategy) launchSpotFleet(ctx context.Context, op *providers.Operation, template *v1.Template) (*providers.Result, error) {
	fleetRole := template.Attributes[iamFleetRoleAttribute]
	if fleetRole == "" && nativeSpecEmpty(template) {
		return nil, errors.New(errors.KindValidation, "spotfleet template %q needs an %s attribute", template.TemplateID, iamFleetRoleAttribute)
	}
	subnets, err := s.subnets.Resolve(ctx, template.SubnetIDs)
	if err != nil {
		return nil, err
	}
	tags := instanceTags(op, template)
	ltName, err := s.launchTemplates.Ensure(ctx, template, tags)
	if err != nil {
		return nil, err
	}
	overrides := s.fleetOverrides(ctx, template, subnets, v1.CapacityTypeSpot)
	if len(overrides) == 0 {
		return nil, errors.New(errors.KindQuota, "no capacity offerings are currently available given the constraints")
	}
	config := &ec2types.SpotFleetRequestConfigData{
		IamFleetRole:                     aws.String(fleetRole),
		TargetCapacity:                   aws.Int32(int32(op.Count)),
		Type:                             ec2types.FleetTypeRequest,
		AllocationStrategy:               ec2types.AllocationStrategyPriceCapacityOptimized,
		TerminateInstancesWithExpiration: aws.Bool(false),
		LaunchTemplateConfigs: []ec2types.LaunchTemplateConfig{{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecification{
				LaunchTemplateName: aws.String(ltName),
				Version:            aws.String("$Latest"),
			},
			Overrides: spotOverrides(overrides),
		}},
	}
	if template.AllocationStrategy != "" {
		config.AllocationStrategy = ec2types.AllocationStrategy(template.AllocationStrategy)
	}
	input := &ec2.RequestSpotFleetInput{SpotFleetRequestConfig: config}
	if err := s.applyNativeSpec(ctx, input, op, template); err != nil {
		return nil, err
	}
	out, err := s.ec2api.RequestSpotFleet(ctx, input)
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	requestID := aws.ToString(out.SpotFleetRequestId)
	log.FromContext(ctx).WithValues("spot-fleet-request-id", requestID, "target-capacity", op.Count).Info("requested spot fleet")

	result := &providers.Result{
		ProviderName: s.Name(),
		Diagnostics:  []string{fmt.Sprintf("spot fleet request %s", requestID)},
	}
	active, err := s.ec2api.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
		SpotFleetRequestId: out.SpotFleetRequestId,
	})
	if err == nil {
		for _, instance := range active.ActiveInstances {
			result.Machines = append(result.Machines, newMachine(op, template, s.Name(),
				aws.ToString(instance.InstanceId), aws.ToString(instance.InstanceType), "", time.Time{}))
		}
	}
	result.Partial = len(result.Machines) < op.Count
	return result, nil
}

// spotOverrides converts fleet override requests to the spot fleet override
// shape, which carries the same fields under different types.
func spotOverrides(overrides []ec2types.FleetLaunchTemplateOverridesRequest) []ec2types.LaunchTemplateOverrides {
	out := make([]ec2types.LaunchTemplateOverrides, 0, len(overrides))
	for _, override := range overrides {
		spot := ec2types.LaunchTemplateOverrides{
			InstanceType: override.InstanceType,
			SubnetId:     override.SubnetId,
		}
		if override.InstanceRequirements != nil {
			spot.InstanceRequirements = instanceRequirementsFromRequest(override.InstanceRequirements)
		}
		out = append(out, spot)
	}
	return out
}

func instanceRequirementsFromRequest(request *ec2types.InstanceRequirementsRequest) *ec2types.InstanceRequirements {
	requirements := &ec2types.InstanceRequirements{
		ExcludedInstanceTypes: request.ExcludedInstanceTypes,
	}
	if request.VCpuCount != nil {
		requirements.VCpuCount = &ec2types.VCpuCountRange{Min: request.VCpuCount.Min, Max: request.VCpuCount.Max}
	}
	if request.MemoryMiB != nil {
		requirements.MemoryMiB = &ec2types.MemoryMiB{Min: request.MemoryMiB.Min, Max: request.MemoryMiB.Max}
	}
	return requirements
}

func nativeSpecEmpty(template *v1.Template) bool {
	return len(template.ProviderAPISpec) == 0 && len(template.LaunchTemplateSpec) == 0
}
