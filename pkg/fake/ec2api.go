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
	"fmt"
	"sync"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/hostfactory/hostbroker/pkg/utils/atomic"
)

// CapacityPool identifies one (capacityType, instanceType, zone) offering for
// staging insufficient-capacity behavior.
type CapacityPool struct {
	CapacityType string
	InstanceType string
	Zone         string
}

// EC2Behavior must be reset between tests otherwise tests will pollute each
// other.
type EC2Behavior struct {
	CreateFleetBehavior                atomic.MockedFunction[ec2.CreateFleetInput, ec2.CreateFleetOutput]
	RunInstancesBehavior               atomic.MockedFunction[ec2.RunInstancesInput, ec2.RunInstancesOutput]
	TerminateInstancesBehavior         atomic.MockedFunction[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
	DescribeInstancesBehavior          atomic.MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	DescribeInstanceTypesBehavior      atomic.MockedFunction[ec2.DescribeInstanceTypesInput, ec2.DescribeInstanceTypesOutput]
	DescribeAvailabilityZonesBehavior  atomic.MockedFunction[ec2.DescribeAvailabilityZonesInput, ec2.DescribeAvailabilityZonesOutput]
	DescribeSpotPriceHistoryBehavior   atomic.MockedFunction[ec2.DescribeSpotPriceHistoryInput, ec2.DescribeSpotPriceHistoryOutput]
	DescribeSubnetsBehavior            atomic.MockedFunction[ec2.DescribeSubnetsInput, ec2.DescribeSubnetsOutput]
	DescribeLaunchTemplatesBehavior    atomic.MockedFunction[ec2.DescribeLaunchTemplatesInput, ec2.DescribeLaunchTemplatesOutput]
	CreateLaunchTemplateBehavior       atomic.MockedFunction[ec2.CreateLaunchTemplateInput, ec2.CreateLaunchTemplateOutput]
	DeleteLaunchTemplateBehavior       atomic.MockedFunction[ec2.DeleteLaunchTemplateInput, ec2.DeleteLaunchTemplateOutput]
	CreateTagsBehavior                 atomic.MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]
	RequestSpotFleetBehavior           atomic.MockedFunction[ec2.RequestSpotFleetInput, ec2.RequestSpotFleetOutput]
	DescribeSpotFleetInstancesBehavior atomic.MockedFunction[ec2.DescribeSpotFleetInstancesInput, ec2.DescribeSpotFleetInstancesOutput]
	CancelSpotFleetRequestsBehavior    atomic.MockedFunction[ec2.CancelSpotFleetRequestsInput, ec2.CancelSpotFleetRequestsOutput]

	Instances                 sync.Map
	LaunchTemplates           sync.Map
	SpotFleetRequests         sync.Map
	InsufficientCapacityPools atomic.Slice[CapacityPool]
}

type EC2API struct {
	EC2Behavior
}

func NewEC2API() *EC2API {
	return &EC2API{}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *EC2API) Reset() {
	e.CreateFleetBehavior.Reset()
	e.RunInstancesBehavior.Reset()
	e.TerminateInstancesBehavior.Reset()
	e.DescribeInstancesBehavior.Reset()
	e.DescribeInstanceTypesBehavior.Reset()
	e.DescribeAvailabilityZonesBehavior.Reset()
	e.DescribeSpotPriceHistoryBehavior.Reset()
	e.DescribeSubnetsBehavior.Reset()
	e.DescribeLaunchTemplatesBehavior.Reset()
	e.CreateLaunchTemplateBehavior.Reset()
	e.DeleteLaunchTemplateBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.RequestSpotFleetBehavior.Reset()
	e.DescribeSpotFleetInstancesBehavior.Reset()
	e.CancelSpotFleetRequestsBehavior.Reset()
	e.Instances.Range(func(k, _ any) bool {
		e.Instances.Delete(k)
		return true
	})
	e.LaunchTemplates.Range(func(k, _ any) bool {
		e.LaunchTemplates.Delete(k)
		return true
	})
	e.SpotFleetRequests.Range(func(k, _ any) bool {
		e.SpotFleetRequests.Delete(k)
		return true
	})
	e.InsufficientCapacityPools.Reset()
}

//nolint:gocyclo
func (e *EC2API) CreateFleet(_ context.Context, input *ec2.CreateFleetInput, _ ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	return e.CreateFleetBehavior.Invoke(input, func(input *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
		if len(input.LaunchTemplateConfigs) == 0 {
			return nil, fmt.Errorf("missing launch template configs")
		}
		if name := input.LaunchTemplateConfigs[0].LaunchTemplateSpecification.LaunchTemplateName; name != nil {
			if _, ok := e.LaunchTemplates.Load(aws.ToString(name)); !ok {
				return nil, apiError("InvalidLaunchTemplateName.NotFoundException", "launch template not found")
			}
		}
		capacityType := string(input.TargetCapacitySpecification.DefaultTargetCapacityType)
		var fleetErrs []ec2types.CreateFleetError
		var available []ec2types.FleetLaunchTemplateOverridesRequest
		for _, config := range input.LaunchTemplateConfigs {
			for _, override := range config.Overrides {
				if pool, skipped := e.skippedPool(override, capacityType); skipped {
					fleetErrs = append(fleetErrs, ec2types.CreateFleetError{
						ErrorCode:    aws.String("InsufficientInstanceCapacity"),
						ErrorMessage: aws.String("no capacity"),
						LaunchTemplateAndOverrides: &ec2types.LaunchTemplateAndOverridesResponse{
							Overrides: &ec2types.FleetLaunchTemplateOverrides{
								InstanceType:     ec2types.InstanceType(pool.InstanceType),
								AvailabilityZone: aws.String(pool.Zone),
							},
						},
					})
					continue
				}
				available = append(available, override)
			}
		}
		output := &ec2.CreateFleetOutput{
			FleetId: aws.String(randomName("fleet")),
			Errors:  fleetErrs,
		}
		if len(available) == 0 {
			return output, nil
		}
		count := int(aws.ToInt32(input.TargetCapacitySpecification.TotalTargetCapacity))
		instanceIDs := make([]string, 0, count)
		for range count {
			instance := e.launch(available[0].InstanceType, available[0].SubnetId, available[0].AvailabilityZone)
			instanceIDs = append(instanceIDs, aws.ToString(instance.InstanceId))
		}
		output.Instances = []ec2types.CreateFleetInstance{{
			InstanceIds:  instanceIDs,
			InstanceType: available[0].InstanceType,
			LaunchTemplateAndOverrides: &ec2types.LaunchTemplateAndOverridesResponse{
				Overrides: &ec2types.FleetLaunchTemplateOverrides{
					InstanceType:     available[0].InstanceType,
					SubnetId:         available[0].SubnetId,
					AvailabilityZone: available[0].AvailabilityZone,
				},
			},
		}}
		return output, nil
	})
}

func (e *EC2API) skippedPool(override ec2types.FleetLaunchTemplateOverridesRequest, capacityType string) (CapacityPool, bool) {
	var skipped CapacityPool
	found := false
	e.InsufficientCapacityPools.Range(func(pool CapacityPool) bool {
		if pool.InstanceType == string(override.InstanceType) && pool.CapacityType == capacityType {
			skipped = pool
			found = true
			return false
		}
		return true
	})
	return skipped, found
}

// launch stores and returns one running instance.
func (e *EC2API) launch(instanceType ec2types.InstanceType, subnetID, zone *string) *ec2types.Instance {
	if instanceType == "" {
		instanceType = "m5.large"
	}
	instance := &ec2types.Instance{
		InstanceId:       aws.String(randomInstanceID()),
		InstanceType:     instanceType,
		SubnetId:         subnetID,
		PrivateIpAddress: aws.String(randomdata.IpV4Address()),
		PublicIpAddress:  aws.String(randomdata.IpV4Address()),
		LaunchTime:       aws.Time(time.Now().UTC()),
		State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
		Placement:        &ec2types.Placement{AvailabilityZone: zone},
	}
	e.Instances.Store(aws.ToString(instance.InstanceId), instance)
	return instance
}

func (e *EC2API) RunInstances(_ context.Context, input *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return e.RunInstancesBehavior.Invoke(input, func(input *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
		if input.LaunchTemplate != nil && input.LaunchTemplate.LaunchTemplateName != nil {
			if _, ok := e.LaunchTemplates.Load(aws.ToString(input.LaunchTemplate.LaunchTemplateName)); !ok {
				return nil, apiError("InvalidLaunchTemplateName.NotFoundException", "launch template not found")
			}
		}
		output := &ec2.RunInstancesOutput{}
		for range int(aws.ToInt32(input.MaxCount)) {
			output.Instances = append(output.Instances, *e.launch(input.InstanceType, input.SubnetId, nil))
		}
		return output, nil
	})
}

func (e *EC2API) TerminateInstances(_ context.Context, input *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return e.TerminateInstancesBehavior.Invoke(input, func(input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
		output := &ec2.TerminateInstancesOutput{}
		for _, instanceID := range input.InstanceIds {
			stored, ok := e.Instances.Load(instanceID)
			if !ok {
				return nil, apiError("InvalidInstanceID.NotFound", fmt.Sprintf("instance %q does not exist", instanceID))
			}
			instance := stored.(*ec2types.Instance)
			instance.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameShuttingDown}
			output.TerminatingInstances = append(output.TerminatingInstances, ec2types.InstanceStateChange{
				InstanceId:   aws.String(instanceID),
				CurrentState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameShuttingDown},
			})
		}
		return output, nil
	})
}

func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return e.DescribeInstancesBehavior.Invoke(input, func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		var instances []ec2types.Instance
		for _, instanceID := range input.InstanceIds {
			if stored, ok := e.Instances.Load(instanceID); ok {
				instances = append(instances, *stored.(*ec2types.Instance))
			}
		}
		if len(instances) == 0 && len(input.InstanceIds) > 0 {
			return nil, apiError("InvalidInstanceID.NotFound", "no instances found")
		}
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: instances}},
		}, nil
	})
}

// defaultInstanceTypes is the catalog the fake serves unless a test stages
// its own output.
var defaultInstanceTypes = []ec2types.InstanceTypeInfo{
	instanceTypeInfo("c5.large", 2, 4096, ec2types.ArchitectureTypeX8664),
	instanceTypeInfo("m5.large", 2, 8192, ec2types.ArchitectureTypeX8664),
	instanceTypeInfo("m5.xlarge", 4, 16384, ec2types.ArchitectureTypeX8664),
	instanceTypeInfo("m5.2xlarge", 8, 32768, ec2types.ArchitectureTypeX8664),
	instanceTypeInfo("m6g.large", 2, 8192, ec2types.ArchitectureTypeArm64),
	instanceTypeInfo("r5.large", 2, 16384, ec2types.ArchitectureTypeX8664),
}

func instanceTypeInfo(name string, vcpus int32, memoryMiB int64, arch ec2types.ArchitectureType) ec2types.InstanceTypeInfo {
	return ec2types.InstanceTypeInfo{
		InstanceType:  ec2types.InstanceType(name),
		VCpuInfo:      &ec2types.VCpuInfo{DefaultVCpus: aws.Int32(vcpus)},
		MemoryInfo:    &ec2types.MemoryInfo{SizeInMiB: aws.Int64(memoryMiB)},
		ProcessorInfo: &ec2types.ProcessorInfo{SupportedArchitectures: []ec2types.ArchitectureType{arch}},
	}
}

func (e *EC2API) DescribeInstanceTypes(_ context.Context, input *ec2.DescribeInstanceTypesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error) {
	return e.DescribeInstanceTypesBehavior.Invoke(input, func(*ec2.DescribeInstanceTypesInput) (*ec2.DescribeInstanceTypesOutput, error) {
		return &ec2.DescribeInstanceTypesOutput{InstanceTypes: defaultInstanceTypes}, nil
	})
}

func (e *EC2API) DescribeAvailabilityZones(_ context.Context, input *ec2.DescribeAvailabilityZonesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	return e.DescribeAvailabilityZonesBehavior.Invoke(input, func(*ec2.DescribeAvailabilityZonesInput) (*ec2.DescribeAvailabilityZonesOutput, error) {
		return &ec2.DescribeAvailabilityZonesOutput{
			AvailabilityZones: lo.Map([]string{"us-east-1a", "us-east-1b", "us-east-1c"}, func(zone string, _ int) ec2types.AvailabilityZone {
				return ec2types.AvailabilityZone{ZoneName: aws.String(zone), State: ec2types.AvailabilityZoneStateAvailable}
			}),
		}, nil
	})
}

func (e *EC2API) DescribeSpotPriceHistory(_ context.Context, input *ec2.DescribeSpotPriceHistoryInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	return e.DescribeSpotPriceHistoryBehavior.Invoke(input, func(*ec2.DescribeSpotPriceHistoryInput) (*ec2.DescribeSpotPriceHistoryOutput, error) {
		var history []ec2types.SpotPrice
		for _, info := range defaultInstanceTypes {
			history = append(history, ec2types.SpotPrice{
				InstanceType:     info.InstanceType,
				AvailabilityZone: aws.String("us-east-1a"),
				SpotPrice:        aws.String("0.042"),
				Timestamp:        aws.Time(time.Now()),
			})
		}
		return &ec2.DescribeSpotPriceHistoryOutput{SpotPriceHistory: history}, nil
	})
}

func (e *EC2API) DescribeSubnets(_ context.Context, input *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return e.DescribeSubnetsBehavior.Invoke(input, func(input *ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
		zones := []string{"us-east-1a", "us-east-1b", "us-east-1c"}
		output := &ec2.DescribeSubnetsOutput{}
		for i, subnetID := range input.SubnetIds {
			output.Subnets = append(output.Subnets, ec2types.Subnet{
				SubnetId:         aws.String(subnetID),
				AvailabilityZone: aws.String(zones[i%len(zones)]),
			})
		}
		return output, nil
	})
}

func (e *EC2API) DescribeLaunchTemplates(_ context.Context, input *ec2.DescribeLaunchTemplatesInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	return e.DescribeLaunchTemplatesBehavior.Invoke(input, func(input *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error) {
		output := &ec2.DescribeLaunchTemplatesOutput{}
		for _, name := range input.LaunchTemplateNames {
			if stored, ok := e.LaunchTemplates.Load(name); ok {
				output.LaunchTemplates = append(output.LaunchTemplates, *stored.(*ec2types.LaunchTemplate))
			}
		}
		if len(output.LaunchTemplates) == 0 {
			return nil, apiError("InvalidLaunchTemplateName.NotFoundException", "launch template not found")
		}
		return output, nil
	})
}

func (e *EC2API) CreateLaunchTemplate(_ context.Context, input *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	return e.CreateLaunchTemplateBehavior.Invoke(input, func(input *ec2.CreateLaunchTemplateInput) (*ec2.CreateLaunchTemplateOutput, error) {
		launchTemplate := &ec2types.LaunchTemplate{
			LaunchTemplateName: input.LaunchTemplateName,
			LaunchTemplateId:   aws.String(randomName("lt")),
		}
		e.LaunchTemplates.Store(aws.ToString(input.LaunchTemplateName), launchTemplate)
		return &ec2.CreateLaunchTemplateOutput{LaunchTemplate: launchTemplate}, nil
	})
}

func (e *EC2API) DeleteLaunchTemplate(_ context.Context, input *ec2.DeleteLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	return e.DeleteLaunchTemplateBehavior.Invoke(input, func(input *ec2.DeleteLaunchTemplateInput) (*ec2.DeleteLaunchTemplateOutput, error) {
		e.LaunchTemplates.Delete(aws.ToString(input.LaunchTemplateName))
		return &ec2.DeleteLaunchTemplateOutput{}, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return e.CreateTagsBehavior.Invoke(input, func(*ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		return &ec2.CreateTagsOutput{}, nil
	})
}

func (e *EC2API) RequestSpotFleet(_ context.Context, input *ec2.RequestSpotFleetInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotFleetOutput, error) {
	return e.RequestSpotFleetBehavior.Invoke(input, func(input *ec2.RequestSpotFleetInput) (*ec2.RequestSpotFleetOutput, error) {
		requestID := randomName("sfr")
		count := int(aws.ToInt32(input.SpotFleetRequestConfig.TargetCapacity))
		var active []ec2types.ActiveInstance
		for range count {
			instance := e.launch("m5.large", nil, aws.String("us-east-1a"))
			active = append(active, ec2types.ActiveInstance{
				InstanceId:   instance.InstanceId,
				InstanceType: aws.String(string(instance.InstanceType)),
			})
		}
		e.SpotFleetRequests.Store(requestID, active)
		return &ec2.RequestSpotFleetOutput{SpotFleetRequestId: aws.String(requestID)}, nil
	})
}

func (e *EC2API) DescribeSpotFleetInstances(_ context.Context, input *ec2.DescribeSpotFleetInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error) {
	return e.DescribeSpotFleetInstancesBehavior.Invoke(input, func(input *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
		stored, ok := e.SpotFleetRequests.Load(aws.ToString(input.SpotFleetRequestId))
		if !ok {
			return nil, apiError("InvalidSpotFleetRequestId.NotFound", "spot fleet request not found")
		}
		return &ec2.DescribeSpotFleetInstancesOutput{ActiveInstances: stored.([]ec2types.ActiveInstance)}, nil
	})
}

func (e *EC2API) CancelSpotFleetRequests(_ context.Context, input *ec2.CancelSpotFleetRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotFleetRequestsOutput, error) {
	return e.CancelSpotFleetRequestsBehavior.Invoke(input, func(input *ec2.CancelSpotFleetRequestsInput) (*ec2.CancelSpotFleetRequestsOutput, error) {
		for _, requestID := range input.SpotFleetRequestIds {
			e.SpotFleetRequests.Delete(requestID)
		}
		return &ec2.CancelSpotFleetRequestsOutput{}, nil
	})
}
