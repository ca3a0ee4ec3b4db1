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
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/providers"
)

// statusFromState maps EC2 instance lifecycle states onto machine statuses.
var statusFromState = map[ec2types.InstanceStateName]v1.MachineStatus{
	ec2types.InstanceStateNamePending:      v1.MachineStatusBuilding,
	ec2types.InstanceStateNameRunning:      v1.MachineStatusRunning,
	ec2types.InstanceStateNameStopping:     v1.MachineStatusStopping,
	ec2types.InstanceStateNameStopped:      v1.MachineStatusStopped,
	ec2types.InstanceStateNameShuttingDown: v1.MachineStatusTerminating,
	ec2types.InstanceStateNameTerminated:   v1.MachineStatusTerminated,
}

// getInstanceStatus resolves each instance through the describe batcher so
// concurrent pollers collapse into a handful of DescribeInstances calls.
func (s *Strategy) getInstanceStatus(ctx context.Context, op *providers.Operation) (*providers.Result, error) {
	if len(op.InstanceIDs) == 0 {
		return nil, errors.New(errors.KindValidation, "get_instance_status needs at least one instance id")
	}
	statuses := make([]providers.InstanceStatus, len(op.InstanceIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, instanceID := range op.InstanceIDs {
		g.Go(func() error {
			statuses[i] = s.describeOne(gctx, instanceID)
			return nil
		})
	}
	_ = g.Wait()
	return &providers.Result{ProviderName: s.Name(), Statuses: statuses}, nil
}

func (s *Strategy) describeOne(ctx context.Context, instanceID string) providers.InstanceStatus {
	out, err := s.describeInstancesBatcher.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if errors.IsAWSNotFound(err) {
		// EC2 forgets terminated instances; report them as gone
		return providers.InstanceStatus{InstanceID: instanceID, Status: v1.MachineStatusTerminated, Message: "instance not found"}
	}
	if err != nil {
		return providers.InstanceStatus{InstanceID: instanceID, Status: v1.MachineStatusUnknown, Message: err.Error()}
	}
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) != instanceID {
				continue
			}
			status := providers.InstanceStatus{
				InstanceID: instanceID,
				Status:     v1.MachineStatusUnknown,
				PrivateIP:  aws.ToString(instance.PrivateIpAddress),
				PublicIP:   aws.ToString(instance.PublicIpAddress),
			}
			if instance.State != nil {
				if mapped, ok := statusFromState[instance.State.Name]; ok {
					status.Status = mapped
				}
				if instance.StateReason != nil {
					status.Message = aws.ToString(instance.StateReason.Message)
				}
			}
			return status
		}
	}
	return providers.InstanceStatus{InstanceID: instanceID, Status: v1.MachineStatusTerminated, Message: "instance not found"}
}

// terminateInstances fans out through the terminate batcher. An instance EC2
// no longer knows about counts as terminated.
func (s *Strategy) terminateInstances(ctx context.Context, op *providers.Operation) (*providers.Result, error) {
	if len(op.InstanceIDs) == 0 {
		return nil, errors.New(errors.KindValidation, "terminate_instances needs at least one instance id")
	}
	var mu sync.Mutex
	var terminated []string
	var errs error
	g, gctx := errgroup.WithContext(ctx)
	for _, instanceID := range op.InstanceIDs {
		g.Go(func() error {
			_, err := s.terminateInstancesBatcher.TerminateInstances(gctx, &ec2.TerminateInstancesInput{
				InstanceIds: []string{instanceID},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil && !errors.IsAWSNotFound(err) {
				errs = multierr.Append(errs, errors.FromAWS(err))
				return nil
			}
			terminated = append(terminated, instanceID)
			return nil
		})
	}
	_ = g.Wait()
	if len(terminated) == 0 {
		return nil, errs
	}
	result := &providers.Result{ProviderName: s.Name(), TerminatedIDs: terminated, Partial: len(terminated) < len(op.InstanceIDs)}
	if errs != nil {
		result.Diagnostics = append(result.Diagnostics, errs.Error())
	}
	return result, nil
}
