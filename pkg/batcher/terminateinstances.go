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

package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/log"
)

type TerminateInstancesBatcher struct {
	batcher *Batcher[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
}

func NewTerminateInstancesBatcher(ctx context.Context, ec2api sdk.EC2API) *TerminateInstancesBatcher {
	options := Options[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]{
		Name:          "terminate_instances",
		IdleTimeout:   100 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      500,
		RequestHasher: OneBucketHasher[ec2.TerminateInstancesInput],
		BatchExecutor: execTerminateInstancesBatch(ec2api),
	}
	return &TerminateInstancesBatcher{batcher: NewBatcher(ctx, options)}
}

func (b *TerminateInstancesBatcher) TerminateInstances(ctx context.Context, terminateInstancesInput *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
	if len(terminateInstancesInput.InstanceIds) != 1 {
		return nil, fmt.Errorf("expected to receive a single instance only, found %d", len(terminateInstancesInput.InstanceIds))
	}
	result := b.batcher.Add(ctx, terminateInstancesInput)
	return result.Output, result.Err
}

func execTerminateInstancesBatch(ec2api sdk.EC2API) BatchExecutor[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput] {
	return func(ctx context.Context, inputs []*ec2.TerminateInstancesInput) []Result[ec2.TerminateInstancesOutput] {
		results := make([]Result[ec2.TerminateInstancesOutput], len(inputs))
		firstInput := inputs[0]

		// aggregate instanceIDs into 1 input
		for _, input := range inputs[1:] {
			firstInput.InstanceIds = append(firstInput.InstanceIds, input.InstanceIds...)
		}
		// Create a set of all instance IDs
		stillRunning := lo.SliceToMap(firstInput.InstanceIds, func(instanceID string) (string, struct{}) { return instanceID, struct{}{} })

		// Execute the fully aggregated request. The error is tolerated here
		// since the batch is broken up per instance on any failure below.
		output, err := ec2api.TerminateInstances(ctx, firstInput)
		if err != nil {
			log.FromContext(ctx).V(1).Info("batched terminate failed, retrying instances individually", "error", err)
		}
		if output == nil {
			output = &ec2.TerminateInstancesOutput{}
		}

		// Check the fulfillment for partial or no fulfillment by checking for missing instance IDs or invalid instance states
		for _, instanceStateChange := range output.TerminatingInstances {
			// Remove all instances that successfully terminated and separate into distinct outputs
			if lo.Contains([]ec2types.InstanceStateName{ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated}, instanceStateChange.CurrentState.Name) {
				delete(stillRunning, lo.FromPtr(instanceStateChange.InstanceId))
				// Order by inputs' index so that instance IDs from input and output are in the same order
				_, reqID, ok := lo.FindIndexOf(inputs, func(input *ec2.TerminateInstancesInput) bool {
					return input.InstanceIds[0] == lo.FromPtr(instanceStateChange.InstanceId)
				})
				// if the instance ID returned from TerminateInstances was not passed as a TerminateInstancesInput, just skip
				if !ok {
					continue
				}
				// add instance ID as a separate output
				results[reqID] = Result[ec2.TerminateInstancesOutput]{
					Output: &ec2.TerminateInstancesOutput{
						TerminatingInstances: []ec2types.InstanceStateChange{{
							InstanceId:    instanceStateChange.InstanceId,
							CurrentState:  instanceStateChange.CurrentState,
							PreviousState: instanceStateChange.PreviousState,
						}},
					},
				}
			}
		}

		// Some or all instances may have failed to terminate due to instance protection or some other error.
		// A single instance failure can result in all of an availability zone's instances failing to terminate.
		// So we try to terminate them individually now. This should be rare and only results in 1 extra call per batch than without batching.
		var wg sync.WaitGroup
		for instanceID := range stillRunning {
			wg.Add(1)
			go func(instanceID string) {
				defer wg.Done()
				// try to execute separately
				out, err := ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
				// Order by inputs' index so that instance IDs from input and output are in the same order
				_, reqID, ok := lo.FindIndexOf(inputs, func(input *ec2.TerminateInstancesInput) bool {
					return input.InstanceIds[0] == instanceID
				})
				// if the instance ID returned from TerminateInstances was not passed as a TerminateInstancesInput, just skip
				if !ok {
					return
				}
				results[reqID] = Result[ec2.TerminateInstancesOutput]{Output: out, Err: err}
			}(instanceID)
		}
		wg.Wait()
		return results
	}
}
