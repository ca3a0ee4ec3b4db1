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
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/log"
)

type DescribeInstancesBatcher struct {
	batcher *Batcher[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
}

func NewDescribeInstancesBatcher(ctx context.Context, ec2api sdk.EC2API) *DescribeInstancesBatcher {
	options := Options[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]{
		Name:          "describe_instances",
		IdleTimeout:   100 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      500,
		RequestHasher: FilterHasher,
		BatchExecutor: execDescribeInstancesBatch(ec2api),
	}
	return &DescribeInstancesBatcher{batcher: NewBatcher(ctx, options)}
}

func (b *DescribeInstancesBatcher) DescribeInstances(ctx context.Context, describeInstancesInput *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
	if len(describeInstancesInput.InstanceIds) != 1 {
		return nil, fmt.Errorf("expected to receive a single instance only, found %d", len(describeInstancesInput.InstanceIds))
	}
	result := b.batcher.Add(ctx, describeInstancesInput)
	return result.Output, result.Err
}

// FilterHasher buckets by filters only, so calls for different instances with
// the same filters aggregate into one API call.
func FilterHasher(ctx context.Context, input *ec2.DescribeInstancesInput) uint64 {
	hash, err := hashstructure.Hash(input.Filters, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		log.FromContext(ctx).Error(err, "hashing describe-instances filters")
	}
	return hash
}

func execDescribeInstancesBatch(ec2api sdk.EC2API) BatchExecutor[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput] {
	return func(ctx context.Context, inputs []*ec2.DescribeInstancesInput) []Result[ec2.DescribeInstancesOutput] {
		results := make([]Result[ec2.DescribeInstancesOutput], len(inputs))
		firstInput := inputs[0]
		// aggregate instanceIDs into 1 input
		for _, input := range inputs[1:] {
			firstInput.InstanceIds = append(firstInput.InstanceIds, input.InstanceIds...)
		}

		missingInstanceIDs := lo.SliceToMap(firstInput.InstanceIds, func(instanceID string) (string, struct{}) { return instanceID, struct{}{} })

		// Execute the fully aggregated request. Page errors are tolerated here
		// since the batch is broken up per instance on any failure below.
		for nextToken := (*string)(nil); ; {
			firstInput.NextToken = nextToken
			dio, err := ec2api.DescribeInstances(ctx, firstInput)
			if err != nil {
				break
			}
			for _, r := range dio.Reservations {
				for _, instance := range r.Instances {
					if _, reqID, ok := lo.FindLastIndexOf(inputs, func(input *ec2.DescribeInstancesInput) bool {
						return input.InstanceIds[0] == lo.FromPtr(instance.InstanceId)
					}); ok {
						delete(missingInstanceIDs, lo.FromPtr(instance.InstanceId))
						results[reqID] = Result[ec2.DescribeInstancesOutput]{Output: &ec2.DescribeInstancesOutput{
							Reservations: []ec2types.Reservation{{
								OwnerId:       r.OwnerId,
								RequesterId:   r.RequesterId,
								ReservationId: r.ReservationId,
								Instances:     []ec2types.Instance{instance},
							}},
						}}
					}
				}
			}
			nextToken = dio.NextToken
			if nextToken == nil {
				break
			}
		}

		// Some or all instances may have failed to be described due to eventual consistency or a transient zonal issue.
		// A single instance lookup failure can result in all of an availability zone's instances failing to describe.
		// So we try to describe them individually now. This should be rare and only results in a handful of extra calls per batch than without batching.
		var wg sync.WaitGroup
		for instanceID := range missingInstanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer wg.Done()
				// try to execute separately
				out, err := ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
					Filters:     firstInput.Filters,
					InstanceIds: []string{instanceID},
				})
				// Order by inputs' index so that instance IDs from input and output are in the same order
				_, reqID, ok := lo.FindIndexOf(inputs, func(input *ec2.DescribeInstancesInput) bool {
					return input.InstanceIds[0] == instanceID
				})
				// if the instance ID returned from DescribeInstances was not passed as a DescribeInstancesInput, just skip
				if !ok {
					return
				}
				results[reqID] = Result[ec2.DescribeInstancesOutput]{Output: out, Err: err}
			}(instanceID)
		}
		wg.Wait()
		return results
	}
}
