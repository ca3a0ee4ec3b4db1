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
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

// launchASG provisions through an auto scaling group named after the
// template: the group is created on first use and its desired capacity grows
// by the requested count on every later launch. Instances materialize
// asynchronously; whatever the group already reports is returned as building
// machines and the status poller picks up the rest.
func (s *Strategy) launchASG(ctx context.Context, op *providers.Operation, template *v1.Template) (*providers.Result, error) {
	name := asgName(template)
	group, err := s.describeASG(ctx, name)
	if err != nil {
		return nil, err
	}
	known := sets.New[string]()
	if group == nil {
		if err := s.createASG(ctx, op, template, name); err != nil {
			return nil, err
		}
	} else {
		for _, instance := range group.Instances {
			known.Insert(aws.ToString(instance.InstanceId))
		}
		if err := s.scaleASG(ctx, op, template, group); err != nil {
			return nil, err
		}
	}
	group, err = s.describeASG(ctx, name)
	if err != nil {
		return nil, err
	}
	result := &providers.Result{ProviderName: s.Name()}
	if group != nil {
		for _, instance := range group.Instances {
			instanceID := aws.ToString(instance.InstanceId)
			if known.Has(instanceID) {
				continue
			}
			result.Machines = append(result.Machines, newMachine(op, template, s.Name(), instanceID,
				aws.ToString(instance.InstanceType), aws.ToString(instance.AvailabilityZone), time.Time{}))
		}
	}
	result.Partial = len(result.Machines) < op.Count
	if result.Partial {
		result.Diagnostics = append(result.Diagnostics,
			fmt.Sprintf("auto scaling group %q is still launching %d of %d instances", name, op.Count-len(result.Machines), op.Count))
	}
	return result, nil
}

func asgName(template *v1.Template) string {
	return "hostbroker-" + template.TemplateID
}

func (s *Strategy) describeASG(ctx context.Context, name string) (*asgtypes.AutoScalingGroup, error) {
	out, err := s.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, nil
	}
	return &out.AutoScalingGroups[0], nil
}

func (s *Strategy) createASG(ctx context.Context, op *providers.Operation, template *v1.Template, name string) error {
	tags := instanceTags(op, template)
	ltName, err := s.launchTemplates.Ensure(ctx, template, tags)
	if err != nil {
		return err
	}
	maxSize := int32(op.Count)
	if template.MaxNumber > op.Count {
		maxSize = int32(template.MaxNumber)
	}
	input := &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(name),
		MinSize:              aws.Int32(0),
		MaxSize:              aws.Int32(maxSize),
		DesiredCapacity:      aws.Int32(int32(op.Count)),
		VPCZoneIdentifier:    aws.String(strings.Join(template.SubnetIDs, ",")),
		Tags:                 asgTags(name, tags),
	}
	launchTemplate := &asgtypes.LaunchTemplateSpecification{
		LaunchTemplateName: aws.String(ltName),
		Version:            aws.String("$Latest"),
	}
	if template.AttributeBased() {
		input.MixedInstancesPolicy = &asgtypes.MixedInstancesPolicy{
			LaunchTemplate: &asgtypes.LaunchTemplate{
				LaunchTemplateSpecification: launchTemplate,
				Overrides: []asgtypes.LaunchTemplateOverrides{{
					InstanceRequirements: asgRequirements(template.Requirements),
				}},
			},
		}
	} else if len(template.InstanceTypes) > 1 {
		overrides := make([]asgtypes.LaunchTemplateOverrides, 0, len(template.InstanceTypes))
		for _, instanceType := range template.InstanceTypes {
			overrides = append(overrides, asgtypes.LaunchTemplateOverrides{InstanceType: aws.String(instanceType)})
		}
		input.MixedInstancesPolicy = &asgtypes.MixedInstancesPolicy{
			LaunchTemplate: &asgtypes.LaunchTemplate{
				LaunchTemplateSpecification: launchTemplate,
				Overrides:                   overrides,
			},
		}
	} else {
		input.LaunchTemplate = launchTemplate
	}
	if err := s.applyNativeSpec(ctx, input, op, template); err != nil {
		return err
	}
	if _, err := s.asgapi.CreateAutoScalingGroup(ctx, input); err != nil {
		return errors.FromAWS(err)
	}
	log.FromContext(ctx).WithValues("group", name, "desired-capacity", op.Count).Info("created auto scaling group")
	return nil
}

func (s *Strategy) scaleASG(ctx context.Context, op *providers.Operation, template *v1.Template, group *asgtypes.AutoScalingGroup) error {
	desired := aws.ToInt32(group.DesiredCapacity) + int32(op.Count)
	if desired > aws.ToInt32(group.MaxSize) {
		if template.MaxNumber > 0 && int(desired) > template.MaxNumber {
			return errors.New(errors.KindQuota, "auto scaling group %q would exceed max_number %d",
				aws.ToString(group.AutoScalingGroupName), template.MaxNumber)
		}
		if _, err := s.asgapi.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: group.AutoScalingGroupName,
			MaxSize:              aws.Int32(desired),
		}); err != nil {
			return errors.FromAWS(err)
		}
	}
	if _, err := s.asgapi.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: group.AutoScalingGroupName,
		DesiredCapacity:      aws.Int32(desired),
	}); err != nil {
		return errors.FromAWS(err)
	}
	log.FromContext(ctx).WithValues("group", aws.ToString(group.AutoScalingGroupName), "desired-capacity", desired).V(1).Info("scaled auto scaling group")
	return nil
}

func asgTags(name string, tags map[string]string) []asgtypes.Tag {
	out := make([]asgtypes.Tag, 0, len(tags))
	for key, value := range tags {
		out = append(out, asgtypes.Tag{
			Key:               aws.String(key),
			Value:             aws.String(value),
			ResourceId:        aws.String(name),
			ResourceType:      aws.String("auto-scaling-group"),
			PropagateAtLaunch: aws.Bool(true),
		})
	}
	return out
}

func asgRequirements(requirements *v1.InstanceRequirements) *asgtypes.InstanceRequirements {
	request := &asgtypes.InstanceRequirements{
		VCpuCount: &asgtypes.VCpuCountRequest{Min: aws.Int32(0)},
		MemoryMiB: &asgtypes.MemoryMiBRequest{Min: aws.Int32(0)},
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
