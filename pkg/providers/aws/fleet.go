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
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

// launchFleet dispatches through EC2 CreateFleet type=instant, one target
// capacity unit per requested machine so the batcher can aggregate identical
// launches into a single fleet call.
func (s *Strategy) launchFleet(ctx context.Context, op *providers.Operation, template *v1.Template) (*providers.Result, error) {
	capType := capacityType(template)
	subnets, err := s.subnets.Resolve(ctx, template.SubnetIDs)
	if err != nil {
		return nil, err
	}
	tags := instanceTags(op, template)
	ltName, err := s.launchTemplates.Ensure(ctx, template, tags)
	if err != nil {
		return nil, err
	}
	overrides := s.fleetOverrides(ctx, template, subnets, capType)
	if len(overrides) == 0 {
		return nil, errors.New(errors.KindQuota, "no capacity offerings are currently available given the constraints")
	}
	input := s.fleetInput(template, ltName, overrides, capType, tags)
	if err := s.applyNativeSpec(ctx, input, op, template); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var machines []*v1.Machine
	var launchErrs error
	g, gctx := errgroup.WithContext(ctx)
	for range op.Count {
		g.Go(func() error {
			instance, err := s.createFleetInstance(gctx, cloneFleetInput(input), template, ltName, capType, tags)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				launchErrs = multierr.Append(launchErrs, err)
				return nil
			}
			for _, instanceID := range instance.InstanceIds {
				machines = append(machines, newMachine(op, template, s.Name(), instanceID,
					string(instance.InstanceType), fleetInstanceZone(instance), time.Time{}))
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(machines) == 0 {
		return nil, launchErrs
	}
	result := &providers.Result{ProviderName: s.Name(), Machines: machines, Partial: len(machines) < op.Count}
	if launchErrs != nil {
		result.Diagnostics = append(result.Diagnostics, launchErrs.Error())
	}
	return result, nil
}

func (s *Strategy) fleetInput(template *v1.Template, ltName string, overrides []ec2types.FleetLaunchTemplateOverridesRequest, capType v1.CapacityType, tags map[string]string) *ec2.CreateFleetInput {
	input := &ec2.CreateFleetInput{
		Type: ec2types.FleetTypeInstant,
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
				LaunchTemplateName: aws.String(ltName),
				Version:            aws.String("$Latest"),
			},
			Overrides: overrides,
		}},
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			DefaultTargetCapacityType: fleetCapacityType(capType),
			TotalTargetCapacity:       aws.Int32(1),
		},
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: ec2Tags(tags)},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: ec2Tags(tags)},
			{ResourceType: ec2types.ResourceTypeFleet, Tags: ec2Tags(tags)},
		},
	}
	if capType == v1.CapacityTypeSpot {
		input.SpotOptions = &ec2types.SpotOptionsRequest{
			AllocationStrategy: ec2types.SpotAllocationStrategyPriceCapacityOptimized,
		}
		if template.AllocationStrategy != "" {
			input.SpotOptions.AllocationStrategy = ec2types.SpotAllocationStrategy(template.AllocationStrategy)
		}
	} else {
		input.OnDemandOptions = &ec2types.OnDemandOptionsRequest{
			AllocationStrategy: ec2types.FleetOnDemandAllocationStrategyLowestPrice,
		}
		if template.AllocationStrategy != "" {
			input.OnDemandOptions.AllocationStrategy = ec2types.FleetOnDemandAllocationStrategy(template.AllocationStrategy)
		}
	}
	return input
}

// fleetOverrides builds the cross product of instance types and subnets,
// dropping offerings the unavailability cache has marked. Attribute-based
// templates get exactly one override per subnet carrying the requirements
// block instead of an enumerated type.
func (s *Strategy) fleetOverrides(ctx context.Context, template *v1.Template, subnets []subnetInfo, capType v1.CapacityType) []ec2types.FleetLaunchTemplateOverridesRequest {
	var overrides []ec2types.FleetLaunchTemplateOverridesRequest
	if template.AttributeBased() {
		for _, subnet := range subnets {
			overrides = append(overrides, ec2types.FleetLaunchTemplateOverridesRequest{
				SubnetId:             aws.String(subnet.ID),
				InstanceRequirements: requirementsRequest(template.Requirements),
			})
		}
		return overrides
	}
	for _, instanceType := range template.InstanceTypes {
		for _, subnet := range subnets {
			if s.unavailableOfferings.IsUnavailable(instanceType, subnet.Zone, string(capType)) {
				continue
			}
			overrides = append(overrides, ec2types.FleetLaunchTemplateOverridesRequest{
				InstanceType: ec2types.InstanceType(instanceType),
				SubnetId:     aws.String(subnet.ID),
			})
		}
	}
	return overrides
}

// createFleetInstance launches one instance through the fleet batcher,
// re-ensuring the launch template and retrying once when EC2 reports it
// missing (the cache can outlive an externally deleted template).
func (s *Strategy) createFleetInstance(ctx context.Context, input *ec2.CreateFleetInput, template *v1.Template, ltName string, capType v1.CapacityType, tags map[string]string) (*ec2types.CreateFleetInstance, error) {
	out, err := s.createFleetBatcher.CreateFleet(ctx, input)
	if errors.IsLaunchTemplateNotFound(err) {
		s.launchTemplates.Invalidate(ctx, ltName)
		if _, ensureErr := s.launchTemplates.Ensure(ctx, template, tags); ensureErr != nil {
			return nil, multierr.Append(errors.FromAWS(err), ensureErr)
		}
		out, err = s.createFleetBatcher.CreateFleet(ctx, input)
	}
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	s.updateUnavailableOfferings(ctx, out.Errors, capType)
	if len(out.Instances) == 0 || len(out.Instances[0].InstanceIds) == 0 {
		return nil, combineFleetErrors(out.Errors)
	}
	return &out.Instances[0], nil
}

func (s *Strategy) updateUnavailableOfferings(ctx context.Context, fleetErrs []ec2types.CreateFleetError, capType v1.CapacityType) {
	for _, fleetErr := range fleetErrs {
		if !errors.IsUnfulfillableCapacity(fleetErr) {
			continue
		}
		if fleetErr.LaunchTemplateAndOverrides == nil || fleetErr.LaunchTemplateAndOverrides.Overrides == nil {
			continue
		}
		s.unavailableOfferings.MarkUnavailableForFleetErr(ctx, fleetErr, string(capType))
	}
}

// combineFleetErrors reduces a fleet's error list to one classified error.
// All-unfulfillable collapses to a quota error so callers treat it as a
// retryable capacity shortage.
func combineFleetErrors(fleetErrs []ec2types.CreateFleetError) error {
	unique := lo.UniqBy(fleetErrs, func(e ec2types.CreateFleetError) string {
		return aws.ToString(e.ErrorCode)
	})
	var errs error
	allUnfulfillable := len(unique) > 0
	for _, fleetErr := range unique {
		errs = multierr.Append(errs, fmt.Errorf("%s: %s", aws.ToString(fleetErr.ErrorCode), aws.ToString(fleetErr.ErrorMessage)))
		allUnfulfillable = allUnfulfillable && errors.IsUnfulfillableCapacity(fleetErr)
	}
	if errs == nil {
		return errors.New(errors.KindTransient, "fleet returned no instances and no errors")
	}
	if allUnfulfillable {
		return errors.Wrap(errs, errors.KindQuota, "capacity unavailable for all offerings")
	}
	return errors.Wrap(errs, errors.KindTransient, "creating fleet")
}

func fleetCapacityType(capType v1.CapacityType) ec2types.DefaultTargetCapacityType {
	if capType == v1.CapacityTypeSpot {
		return ec2types.DefaultTargetCapacityTypeSpot
	}
	return ec2types.DefaultTargetCapacityTypeOnDemand
}

func fleetInstanceZone(instance *ec2types.CreateFleetInstance) string {
	if instance.LaunchTemplateAndOverrides != nil && instance.LaunchTemplateAndOverrides.Overrides != nil {
		return aws.ToString(instance.LaunchTemplateAndOverrides.Overrides.AvailabilityZone)
	}
	return ""
}

// cloneFleetInput gives each concurrent launch its own input value since the
// batcher mutates target capacity when it aggregates a batch.
func cloneFleetInput(input *ec2.CreateFleetInput) *ec2.CreateFleetInput {
	out := *input
	capacity := *input.TargetCapacitySpecification
	out.TargetCapacitySpecification = &capacity
	return &out
}

func requirementsRequest(requirements *v1.InstanceRequirements) *ec2types.InstanceRequirementsRequest {
	request := &ec2types.InstanceRequirementsRequest{
		VCpuCount: &ec2types.VCpuCountRangeRequest{Min: aws.Int32(0)},
		MemoryMiB: &ec2types.MemoryMiBRequest{Min: aws.Int32(0)},
	}
	if requirements.VCPUCount != nil {
		request.VCpuCount.Min = aws.Int32(int32(requirements.VCPUCount.Min))
		if requirements.VCPUCount.Max != 0 {
			request.VCpuCount.Max = aws.Int32(int32(requirements.VCPUCount.Max))
		}
	}
	if requirements.MemoryMiB != nil {
		request.MemoryMiB.Min = aws.Int32(int32(requirements.MemoryMiB.Min))
		if requirements.MemoryMiB.Max != 0 {
			request.MemoryMiB.Max = aws.Int32(int32(requirements.MemoryMiB.Max))
		}
	}
	if len(requirements.ExcludedInstanceTypes) > 0 {
		request.ExcludedInstanceTypes = requirements.ExcludedInstanceTypes
	}
	return request
}
