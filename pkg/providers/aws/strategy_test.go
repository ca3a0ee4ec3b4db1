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

package aws_test

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/fake"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/utils/atomic"
)

var _ = Describe("Strategy", func() {
	var ctx context.Context
	var op *providers.Operation

	BeforeEach(func() {
		ctx = context.Background()
		op = &providers.Operation{
			Kind:      providers.OpCreateInstances,
			Key:       "req-1",
			RequestID: "req-1",
			Template:  fleetTemplate(),
			Count:     3,
		}
	})

	Context("Fleet", func() {
		It("should launch the requested number of machines", func() {
			result, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Machines).To(HaveLen(3))
			Expect(result.Partial).To(BeFalse())
			for _, machine := range result.Machines {
				Expect(machine.Status).To(Equal(v1.MachineStatusBuilding))
				Expect(machine.RequestID).To(Equal("req-1"))
				Expect(machine.TemplateID).To(Equal("compute-od"))
				Expect(machine.CapacityType).To(Equal(string(v1.CapacityTypeOnDemand)))
				Expect(machine.InstanceID).ToNot(BeEmpty())
			}
		})
		It("should create the launch template before the fleet call", func() {
			_, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(env.EC2API.CreateLaunchTemplateBehavior.Calls()).To(Equal(1))
			input := env.EC2API.CreateLaunchTemplateBehavior.CalledWithInput.Pop()
			Expect(aws.ToString(input.LaunchTemplateData.ImageId)).To(Equal("ami-12345678"))
		})
		It("should reuse the launch template on a second launch", func() {
			_, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			_, err = strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(env.EC2API.CreateLaunchTemplateBehavior.Calls()).To(Equal(1))
		})
		It("should recreate the launch template when EC2 lost it", func() {
			op.Count = 1
			_, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			env.EC2API.LaunchTemplates.Range(func(k, _ any) bool {
				env.EC2API.LaunchTemplates.Delete(k)
				return true
			})
			result, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Machines).To(HaveLen(1))
			Expect(env.EC2API.CreateLaunchTemplateBehavior.Calls()).To(Equal(2))
		})
		It("should mark unavailable offerings from fleet errors", func() {
			env.EC2API.InsufficientCapacityPools.Add(fake.CapacityPool{
				CapacityType: "on-demand", InstanceType: "m5.large", Zone: "us-east-1a",
			})
			_, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(unavailable.IsUnavailable("m5.large", "us-east-1a", string(v1.CapacityTypeOnDemand))).To(BeTrue())
		})
		It("should skip cached-unavailable offerings when building overrides", func() {
			unavailable.MarkUnavailable(ctx, "test", "m5.large", "us-east-1a", string(v1.CapacityTypeOnDemand))
			_, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			input := env.EC2API.CreateFleetBehavior.CalledWithInput.Pop()
			for _, override := range input.LaunchTemplateConfigs[0].Overrides {
				if override.InstanceType == "m5.large" {
					Expect(aws.ToString(override.SubnetId)).ToNot(Equal("subnet-1"))
				}
			}
		})
		It("should fail with a quota error when every offering is unavailable", func() {
			for _, instanceType := range []string{"m5.large", "m5.xlarge"} {
				for _, zone := range []string{"us-east-1a", "us-east-1b"} {
					unavailable.MarkUnavailable(ctx, "test", instanceType, zone, string(v1.CapacityTypeOnDemand))
				}
			}
			_, err := strategy.Execute(ctx, op)
			Expect(errors.IsKind(err, errors.KindQuota)).To(BeTrue())
		})
		It("should build one override per subnet for attribute-based templates", func() {
			op.Template.Requirements = &v1.InstanceRequirements{
				VCPUCount: &v1.MinMax{Min: 4},
				MemoryMiB: &v1.MinMax{Min: 8192},
			}
			_, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			input := env.EC2API.CreateFleetBehavior.CalledWithInput.Pop()
			overrides := input.LaunchTemplateConfigs[0].Overrides
			Expect(overrides).To(HaveLen(2))
			for _, override := range overrides {
				Expect(override.InstanceType).To(BeEmpty())
				Expect(override.InstanceRequirements).ToNot(BeNil())
				Expect(aws.ToInt32(override.InstanceRequirements.VCpuCount.Min)).To(Equal(int32(4)))
			}
		})
		It("should merge a native spec over the built payload", func() {
			op.Template.ProviderAPISpec = map[string]any{
				"Context": "ctx-{{request_id}}",
			}
			_, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			input := env.EC2API.CreateFleetBehavior.CalledWithInput.Pop()
			Expect(aws.ToString(input.Context)).To(Equal("ctx-req-1"))
		})
		It("should classify throttling as transient", func() {
			env.EC2API.CreateFleetBehavior.Error.Set(apiThrottle(), atomic.ErrorWithMaxCalls(10))
			_, err := strategy.Execute(ctx, op)
			Expect(errors.IsRetryable(err)).To(BeTrue())
		})
	})

	Context("RunInstances", func() {
		BeforeEach(func() {
			op.Template.ProviderAPI = v1.ProviderAPIRunInstances
		})
		It("should launch machines with addresses", func() {
			result, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Machines).To(HaveLen(3))
			for _, machine := range result.Machines {
				Expect(machine.PrivateIP).ToNot(BeEmpty())
			}
		})
		It("should reject attribute-based templates", func() {
			op.Template.Requirements = &v1.InstanceRequirements{VCPUCount: &v1.MinMax{Min: 2}}
			_, err := strategy.Execute(ctx, op)
			Expect(errors.IsValidation(err)).To(BeTrue())
		})
	})

	Context("AutoScalingGroup", func() {
		BeforeEach(func() {
			op.Template.ProviderAPI = v1.ProviderAPIASG
		})
		It("should create the group on first launch", func() {
			result, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Machines).To(HaveLen(3))
			Expect(env.AutoScalingAPI.CreateAutoScalingGroupBehavior.Calls()).To(Equal(1))
		})
		It("should scale the existing group and return only new machines", func() {
			first, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			op.Count = 2
			second, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(second.Machines).To(HaveLen(2))
			firstIDs := map[string]struct{}{}
			for _, machine := range first.Machines {
				firstIDs[machine.InstanceID] = struct{}{}
			}
			for _, machine := range second.Machines {
				Expect(firstIDs).ToNot(HaveKey(machine.InstanceID))
			}
		})
		It("should refuse to scale past max_number", func() {
			_, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			op.Count = 20
			_, err = strategy.Execute(ctx, op)
			Expect(errors.IsKind(err, errors.KindQuota)).To(BeTrue())
		})
	})

	Context("SpotFleet", func() {
		BeforeEach(func() {
			op.Template.ProviderAPI = v1.ProviderAPISpotFleet
			op.Template.Attributes = map[string]string{
				"iam_fleet_role": "arn:aws:iam::123456789012:role/fleet",
			}
		})
		It("should request a spot fleet and return active instances", func() {
			result, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Machines).To(HaveLen(3))
			Expect(result.Diagnostics).ToNot(BeEmpty())
			for _, machine := range result.Machines {
				Expect(machine.CapacityType).To(Equal(string(v1.CapacityTypeSpot)))
			}
		})
		It("should require the fleet role attribute", func() {
			op.Template.Attributes = nil
			_, err := strategy.Execute(ctx, op)
			Expect(errors.IsValidation(err)).To(BeTrue())
		})
	})

	Context("Terminate and status", func() {
		var instanceIDs []string

		BeforeEach(func() {
			result, err := strategy.Execute(ctx, op)
			Expect(err).ToNot(HaveOccurred())
			instanceIDs = nil
			for _, machine := range result.Machines {
				instanceIDs = append(instanceIDs, machine.InstanceID)
			}
		})
		It("should terminate launched instances", func() {
			result, err := strategy.Execute(ctx, &providers.Operation{
				Kind:        providers.OpTerminateInstances,
				InstanceIDs: instanceIDs,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.TerminatedIDs).To(ConsistOf(instanceIDs))
			Expect(result.Partial).To(BeFalse())
		})
		It("should treat unknown instances as already terminated", func() {
			result, err := strategy.Execute(ctx, &providers.Operation{
				Kind:        providers.OpTerminateInstances,
				InstanceIDs: []string{"i-00000000"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.TerminatedIDs).To(ConsistOf("i-00000000"))
		})
		It("should report running status with addresses", func() {
			result, err := strategy.Execute(ctx, &providers.Operation{
				Kind:        providers.OpGetInstanceStatus,
				InstanceIDs: instanceIDs[:1],
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Statuses).To(HaveLen(1))
			Expect(result.Statuses[0].Status).To(Equal(v1.MachineStatusRunning))
			Expect(result.Statuses[0].PrivateIP).ToNot(BeEmpty())
		})
		It("should report vanished instances as terminated", func() {
			result, err := strategy.Execute(ctx, &providers.Operation{
				Kind:        providers.OpGetInstanceStatus,
				InstanceIDs: []string{"i-99999999"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Statuses[0].Status).To(Equal(v1.MachineStatusTerminated))
		})
	})

	Context("ValidateTemplate", func() {
		It("should accept a launchable template", func() {
			_, err := strategy.Execute(ctx, &providers.Operation{
				Kind:     providers.OpValidateTemplate,
				Template: fleetTemplate(),
			})
			Expect(err).ToNot(HaveOccurred())
		})
		It("should reject instance types missing from the catalog", func() {
			template := fleetTemplate()
			template.InstanceTypes = []string{"z9.monster"}
			_, err := strategy.Execute(ctx, &providers.Operation{
				Kind:     providers.OpValidateTemplate,
				Template: template,
			})
			Expect(errors.IsValidation(err)).To(BeTrue())
		})
		It("should stamp the account into diagnostics from the cached identity", func() {
			Expect(strategy.CheckHealth(ctx).Healthy).To(BeTrue())
			calls := env.STSAPI.GetCallerIdentityBehavior.Calls()
			result, err := strategy.Execute(ctx, &providers.Operation{
				Kind:     providers.OpValidateTemplate,
				Template: fleetTemplate(),
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Diagnostics).To(ContainElement("validated against account 123456789012"))
			Expect(env.STSAPI.GetCallerIdentityBehavior.Calls()).To(Equal(calls))
		})
		It("should resolve ssm image aliases", func() {
			env.SSMAPI.Parameters.Store("/hostbroker/ami", "ami-87654321")
			template := fleetTemplate()
			template.ImageID = "ssm:/hostbroker/ami"
			result, err := strategy.Execute(ctx, &providers.Operation{
				Kind:     providers.OpValidateTemplate,
				Template: template,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Templates[0].ImageID).To(Equal("ami-87654321"))
		})
		It("should report satisfiable attribute requirements", func() {
			template := fleetTemplate()
			template.InstanceTypes = nil
			template.Requirements = &v1.InstanceRequirements{VCPUCount: &v1.MinMax{Min: 4}}
			result, err := strategy.Execute(ctx, &providers.Operation{
				Kind:     providers.OpValidateTemplate,
				Template: template,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Diagnostics).ToNot(BeEmpty())
		})
		It("should reject unsatisfiable attribute requirements", func() {
			template := fleetTemplate()
			template.InstanceTypes = nil
			template.Requirements = &v1.InstanceRequirements{VCPUCount: &v1.MinMax{Min: 512}}
			_, err := strategy.Execute(ctx, &providers.Operation{
				Kind:     providers.OpValidateTemplate,
				Template: template,
			})
			Expect(errors.IsValidation(err)).To(BeTrue())
		})
	})

	Context("Health", func() {
		It("should be healthy when the account answers", func() {
			status := strategy.CheckHealth(ctx)
			Expect(status.Healthy).To(BeTrue())
		})
		It("should be unhealthy when credentials fail", func() {
			env.STSAPI.GetCallerIdentityBehavior.Error.Set(apiDenied())
			status := strategy.CheckHealth(ctx)
			Expect(status.Healthy).To(BeFalse())
			Expect(status.Message).ToNot(BeEmpty())
		})
		It("should reprobe the caller identity on every check", func() {
			Expect(strategy.CheckHealth(ctx).Healthy).To(BeTrue())
			Expect(strategy.CheckHealth(ctx).Healthy).To(BeTrue())
			Expect(env.STSAPI.GetCallerIdentityBehavior.Calls()).To(Equal(2))
		})
	})

	Context("Catalog", func() {
		It("should serve scheduler lookups from the instance type catalog", func() {
			lookup, err := strategy.InstanceTypes().SchedulerLookup(ctx)
			Expect(err).ToNot(HaveOccurred())
			info, ok := lookup("m5.xlarge")
			Expect(ok).To(BeTrue())
			Expect(info.VCPUCount).To(Equal(4))
			Expect(info.MemoryMiB).To(Equal(int64(16384)))
		})
		It("should order attribute matches cheapest first", func() {
			matching, err := strategy.InstanceTypes().Matching(ctx, &v1.InstanceRequirements{
				VCPUCount: &v1.MinMax{Min: 4},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(matching).To(Equal([]string{"m5.xlarge", "m5.2xlarge"}))
		})
		It("should honor architecture filters", func() {
			matching, err := strategy.InstanceTypes().Matching(ctx, &v1.InstanceRequirements{
				Architectures: []string{"arm64"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(matching).To(Equal([]string{"m6g.large"}))
		})
	})
})

func apiThrottle() error {
	return &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "rate exceeded"}
}

func apiDenied() error {
	return &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"}
}
