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
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

// launchRunInstances is the plain single-call path: one RunInstances with
// MinCount 1 so a partially fulfillable request still yields machines.
// Attribute-based templates cannot dispatch here; RunInstances has no
// requirements shape.
func (s *Strategy) launchRunInstances(ctx context.Context, op *providers.Operation, template *v1.Template) (*providers.Result, error) {
	if template.AttributeBased() {
		return nil, errors.New(errors.KindValidation, "template %q uses attribute-based selection, which runinstances cannot dispatch", template.TemplateID)
	}
	if len(template.InstanceTypes) == 0 {
		return nil, errors.New(errors.KindValidation, "template %q needs at least one instance type", template.TemplateID)
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
	instanceType := s.firstAvailableType(template, subnets)
	input := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(int32(op.Count)),
		InstanceType: ec2types.InstanceType(instanceType),
		SubnetId:     aws.String(subnets[0].ID),
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateName: aws.String(ltName),
			Version:            aws.String("$Latest"),
		},
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: ec2Tags(tags)},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: ec2Tags(tags)},
		},
	}
	if capacityType(template) == v1.CapacityTypeSpot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
		}
	}
	if err := s.applyNativeSpec(ctx, input, op, template); err != nil {
		return nil, err
	}
	out, err := s.ec2api.RunInstances(ctx, input)
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	result := &providers.Result{ProviderName: s.Name()}
	for _, instance := range out.Instances {
		machine := newMachine(op, template, s.Name(), aws.ToString(instance.InstanceId),
			string(instance.InstanceType), instanceZone(instance), aws.ToTime(instance.LaunchTime))
		machine.PrivateIP = aws.ToString(instance.PrivateIpAddress)
		machine.PublicIP = aws.ToString(instance.PublicIpAddress)
		result.Machines = append(result.Machines, machine)
	}
	if len(result.Machines) == 0 {
		return nil, errors.New(errors.KindTransient, "run instances returned no instances")
	}
	result.Partial = len(result.Machines) < op.Count
	if result.Partial {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("launched %d of %d requested instances", len(result.Machines), op.Count))
	}
	return result, nil
}

// firstAvailableType picks the first enumerated type with at least one
// offering not marked unavailable, falling back to the first type.
func (s *Strategy) firstAvailableType(template *v1.Template, subnets []subnetInfo) string {
	capType := string(capacityType(template))
	for _, instanceType := range template.InstanceTypes {
		for _, subnet := range subnets {
			if !s.unavailableOfferings.IsUnavailable(instanceType, subnet.Zone, capType) {
				return instanceType
			}
		}
	}
	return template.InstanceTypes[0]
}

func instanceZone(instance ec2types.Instance) string {
	if instance.Placement != nil {
		return aws.ToString(instance.Placement.AvailabilityZone)
	}
	return ""
}
