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

package fake

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/samber/lo"

	"github.com/hostfactory/hostbroker/pkg/utils/atomic"
)

// AutoScalingBehavior must be reset between tests otherwise tests will
// pollute each other.
type AutoScalingBehavior struct {
	CreateAutoScalingGroupBehavior    atomic.MockedFunction[autoscaling.CreateAutoScalingGroupInput, autoscaling.CreateAutoScalingGroupOutput]
	UpdateAutoScalingGroupBehavior    atomic.MockedFunction[autoscaling.UpdateAutoScalingGroupInput, autoscaling.UpdateAutoScalingGroupOutput]
	DescribeAutoScalingGroupsBehavior atomic.MockedFunction[autoscaling.DescribeAutoScalingGroupsInput, autoscaling.DescribeAutoScalingGroupsOutput]
	SetDesiredCapacityBehavior        atomic.MockedFunction[autoscaling.SetDesiredCapacityInput, autoscaling.SetDesiredCapacityOutput]
	DetachInstancesBehavior           atomic.MockedFunction[autoscaling.DetachInstancesInput, autoscaling.DetachInstancesOutput]

	// Groups maps group name to *asgtypes.AutoScalingGroup. The fake
	// fulfills desired capacity instantly so launch paths see instances on
	// the next describe.
	Groups sync.Map
}

type AutoScalingAPI struct {
	AutoScalingBehavior
}

func NewAutoScalingAPI() *AutoScalingAPI {
	return &AutoScalingAPI{}
}

func (a *AutoScalingAPI) Reset() {
	a.CreateAutoScalingGroupBehavior.Reset()
	a.UpdateAutoScalingGroupBehavior.Reset()
	a.DescribeAutoScalingGroupsBehavior.Reset()
	a.SetDesiredCapacityBehavior.Reset()
	a.DetachInstancesBehavior.Reset()
	a.Groups.Range(func(k, _ any) bool {
		a.Groups.Delete(k)
		return true
	})
}

func (a *AutoScalingAPI) CreateAutoScalingGroup(_ context.Context, input *autoscaling.CreateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error) {
	return a.CreateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.CreateAutoScalingGroupInput) (*autoscaling.CreateAutoScalingGroupOutput, error) {
		name := aws.ToString(input.AutoScalingGroupName)
		if _, exists := a.Groups.Load(name); exists {
			return nil, apiError("AlreadyExists", "auto scaling group already exists")
		}
		group := &asgtypes.AutoScalingGroup{
			AutoScalingGroupName: input.AutoScalingGroupName,
			MinSize:              input.MinSize,
			MaxSize:              input.MaxSize,
			DesiredCapacity:      input.DesiredCapacity,
			Instances:            groupInstances(int(aws.ToInt32(input.DesiredCapacity))),
		}
		a.Groups.Store(name, group)
		return &autoscaling.CreateAutoScalingGroupOutput{}, nil
	})
}

func (a *AutoScalingAPI) UpdateAutoScalingGroup(_ context.Context, input *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	return a.UpdateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.UpdateAutoScalingGroupInput) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
		group, err := a.group(aws.ToString(input.AutoScalingGroupName))
		if err != nil {
			return nil, err
		}
		if input.MaxSize != nil {
			group.MaxSize = input.MaxSize
		}
		if input.MinSize != nil {
			group.MinSize = input.MinSize
		}
		return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
	})
}

func (a *AutoScalingAPI) DescribeAutoScalingGroups(_ context.Context, input *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return a.DescribeAutoScalingGroupsBehavior.Invoke(input, func(input *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		output := &autoscaling.DescribeAutoScalingGroupsOutput{}
		for _, name := range input.AutoScalingGroupNames {
			if stored, ok := a.Groups.Load(name); ok {
				output.AutoScalingGroups = append(output.AutoScalingGroups, *stored.(*asgtypes.AutoScalingGroup))
			}
		}
		return output, nil
	})
}

func (a *AutoScalingAPI) SetDesiredCapacity(_ context.Context, input *autoscaling.SetDesiredCapacityInput, _ ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error) {
	return a.SetDesiredCapacityBehavior.Invoke(input, func(input *autoscaling.SetDesiredCapacityInput) (*autoscaling.SetDesiredCapacityOutput, error) {
		group, err := a.group(aws.ToString(input.AutoScalingGroupName))
		if err != nil {
			return nil, err
		}
		desired := int(aws.ToInt32(input.DesiredCapacity))
		group.DesiredCapacity = input.DesiredCapacity
		for len(group.Instances) < desired {
			group.Instances = append(group.Instances, groupInstances(1)...)
		}
		if len(group.Instances) > desired {
			group.Instances = group.Instances[:desired]
		}
		return &autoscaling.SetDesiredCapacityOutput{}, nil
	})
}

func (a *AutoScalingAPI) DetachInstances(_ context.Context, input *autoscaling.DetachInstancesInput, _ ...func(*autoscaling.Options)) (*autoscaling.DetachInstancesOutput, error) {
	return a.DetachInstancesBehavior.Invoke(input, func(input *autoscaling.DetachInstancesInput) (*autoscaling.DetachInstancesOutput, error) {
		group, err := a.group(aws.ToString(input.AutoScalingGroupName))
		if err != nil {
			return nil, err
		}
		detached := lo.SliceToMap(input.InstanceIds, func(id string) (string, struct{}) { return id, struct{}{} })
		group.Instances = lo.Reject(group.Instances, func(instance asgtypes.Instance, _ int) bool {
			_, ok := detached[aws.ToString(instance.InstanceId)]
			return ok
		})
		return &autoscaling.DetachInstancesOutput{}, nil
	})
}

func (a *AutoScalingAPI) group(name string) (*asgtypes.AutoScalingGroup, error) {
	stored, ok := a.Groups.Load(name)
	if !ok {
		return nil, apiError("ValidationError", "auto scaling group not found")
	}
	return stored.(*asgtypes.AutoScalingGroup), nil
}

func groupInstances(count int) []asgtypes.Instance {
	instances := make([]asgtypes.Instance, 0, count)
	for range count {
		instances = append(instances, asgtypes.Instance{
			InstanceId:       aws.String(randomInstanceID()),
			InstanceType:     aws.String("m5.large"),
			AvailabilityZone: aws.String("us-east-1a"),
			LifecycleState:   asgtypes.LifecycleStateInService,
		})
	}
	return instances
}
