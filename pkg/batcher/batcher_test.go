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

package batcher_test

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hostfactory/hostbroker/pkg/batcher"
)

func fleetInput(zone string) *ec2.CreateFleetInput {
	return &ec2.CreateFleetInput{
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{
			{
				LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
					LaunchTemplateName: aws.String("my-template"),
				},
				Overrides: []ec2types.FleetLaunchTemplateOverridesRequest{
					{
						InstanceType:     "m5.large",
						AvailabilityZone: aws.String(zone),
					},
				},
			},
		},
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity: aws.Int32(1),
		},
	}
}

func storeInstance(id string) {
	fakeEC2API.Instances.Store(id, &ec2types.Instance{
		InstanceId:       aws.String(id),
		InstanceType:     "m5.large",
		PrivateIpAddress: aws.String("10.0.0.1"),
		State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
	})
}

var _ = Describe("CreateFleet batching", func() {
	var cfb *batcher.CreateFleetBatcher

	BeforeEach(func() {
		fakeEC2API.LaunchTemplates.Store("my-template", &ec2types.LaunchTemplate{LaunchTemplateName: aws.String("my-template")})
		cfb = batcher.NewCreateFleetBatcher(ctx, fakeEC2API)
	})

	It("should batch identical inputs into one call", func() {
		input := fleetInput("us-east-1a")
		var wg sync.WaitGroup
		var received int64
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := cfb.CreateFleet(ctx, input)
				Expect(err).ToNot(HaveOccurred())
				instanceIDs := lo.Flatten(lo.Map(rsp.Instances, func(rsv ec2types.CreateFleetInstance, _ int) []string {
					return rsv.InstanceIds
				}))
				Expect(instanceIDs).To(HaveLen(1))
				atomic.AddInt64(&received, 1)
			}()
		}
		wg.Wait()

		Expect(received).To(BeNumerically("==", 5))
		Expect(fakeEC2API.CreateFleetBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(*call.TargetCapacitySpecification.TotalTargetCapacity).To(BeNumerically("==", 5))
	})

	It("should keep structurally different inputs in separate calls", func() {
		var wg sync.WaitGroup
		for _, zone := range []string{"us-east-1a", "us-east-1b"} {
			wg.Add(1)
			go func(zone string) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := cfb.CreateFleet(ctx, fleetInput(zone))
				Expect(err).ToNot(HaveOccurred())
			}(zone)
		}
		wg.Wait()

		Expect(fakeEC2API.CreateFleetBehavior.CalledWithInput.Len()).To(BeNumerically("==", 2))
	})

	It("should reject callers that ask for more than one instance", func() {
		input := fleetInput("us-east-1a")
		input.TargetCapacitySpecification.TotalTargetCapacity = aws.Int32(3)
		_, err := cfb.CreateFleet(ctx, input)
		Expect(err).To(HaveOccurred())
	})

	It("should deliver the api error to every caller in the batch", func() {
		fakeEC2API.LaunchTemplates.Delete("my-template")
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := cfb.CreateFleet(ctx, fleetInput("us-east-1a"))
				Expect(err).To(HaveOccurred())
			}()
		}
		wg.Wait()
	})
})

var _ = Describe("DescribeInstances batching", func() {
	var dib *batcher.DescribeInstancesBatcher

	BeforeEach(func() {
		dib = batcher.NewDescribeInstancesBatcher(ctx, fakeEC2API)
	})

	It("should aggregate lookups sharing filters into one call", func() {
		for i := 1; i <= 3; i++ {
			storeInstance(fmt.Sprintf("i-%03d", i))
		}
		var wg sync.WaitGroup
		for i := 1; i <= 3; i++ {
			wg.Add(1)
			go func(id string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := dib.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
				Expect(err).ToNot(HaveOccurred())
				Expect(rsp.Reservations).To(HaveLen(1))
				Expect(rsp.Reservations[0].Instances).To(HaveLen(1))
				Expect(aws.ToString(rsp.Reservations[0].Instances[0].InstanceId)).To(Equal(id))
			}(fmt.Sprintf("i-%03d", i))
		}
		wg.Wait()

		Expect(fakeEC2API.DescribeInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
	})

	It("should reject callers with more than one instance id", func() {
		_, err := dib.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{"i-001", "i-002"}})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("TerminateInstances batching", func() {
	var tib *batcher.TerminateInstancesBatcher

	BeforeEach(func() {
		tib = batcher.NewTerminateInstancesBatcher(ctx, fakeEC2API)
	})

	It("should aggregate terminations into one call", func() {
		for i := 1; i <= 3; i++ {
			storeInstance(fmt.Sprintf("i-%03d", i))
		}
		var wg sync.WaitGroup
		for i := 1; i <= 3; i++ {
			wg.Add(1)
			go func(id string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := tib.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
				Expect(err).ToNot(HaveOccurred())
				Expect(rsp.TerminatingInstances).To(HaveLen(1))
				Expect(aws.ToString(rsp.TerminatingInstances[0].InstanceId)).To(Equal(id))
			}(fmt.Sprintf("i-%03d", i))
		}
		wg.Wait()

		Expect(fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
	})

	It("should fall back to individual calls when the batch fails", func() {
		storeInstance("i-001")
		storeInstance("i-002")
		var wg sync.WaitGroup
		var failures int64
		for _, id := range []string{"i-001", "i-002", "i-404"} {
			wg.Add(1)
			go func(id string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := tib.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
				if err != nil {
					atomic.AddInt64(&failures, 1)
					return
				}
				Expect(rsp.TerminatingInstances).To(HaveLen(1))
			}(id)
		}
		wg.Wait()

		// The unknown instance fails the aggregated call, so every instance
		// retries individually and only the unknown one fails.
		Expect(failures).To(BeNumerically("==", 1))
		Expect(fakeEC2API.TerminateInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 4))
	})
})
