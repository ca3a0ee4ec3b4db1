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

// Package aws is the concrete AWS backend for the strategy engine. One
// Strategy value wraps one account/region pair and dispatches each template to
// the handler its provider_api selects (fleet, asg, spotfleet, runinstances).
package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/samber/lo"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/batcher"
	awscache "github.com/hostfactory/hostbroker/pkg/cache"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
	"github.com/hostfactory/hostbroker/pkg/providers"
	"github.com/hostfactory/hostbroker/pkg/templates/nativespec"
	"github.com/hostfactory/hostbroker/pkg/utils/atomic"
	"github.com/hostfactory/hostbroker/pkg/utils/pretty"
)

// TemplateLister serves the get_available_templates operation. The template
// resolver satisfies it.
type TemplateLister interface {
	List(ctx context.Context) ([]*v1.Template, error)
}

// Strategy is the AWS provider backend. Safe for concurrent Execute calls:
// all mutable state lives in TTL caches and batchers that synchronize
// internally.
type Strategy struct {
	instance *v1.ProviderInstance
	region   string

	ec2api sdk.EC2API
	asgapi sdk.AutoScalingAPI
	iamapi sdk.IAMAPI
	stsapi sdk.STSAPI

	createFleetBatcher        *batcher.CreateFleetBatcher
	describeInstancesBatcher  *batcher.DescribeInstancesBatcher
	terminateInstancesBatcher *batcher.TerminateInstancesBatcher

	unavailableOfferings *awscache.UnavailableOfferings
	subnets              *subnetProvider
	launchTemplates      *launchTemplateProvider
	instanceTypes        *instanceTypeProvider
	images               *imageResolver
	renderer             *nativespec.Renderer
	templates            TemplateLister

	abisMonitor *pretty.ChangeMonitor
	accountID   atomic.CachedVal[string]
}

type Options struct {
	// Instance carries the registration handed to the strategy engine. Name
	// defaults to "aws".
	Instance *v1.ProviderInstance
	Region   string
	// Renderer processes native provider_api_spec payloads. Nil gets the
	// default renderer.
	Renderer *nativespec.Renderer
	// Templates serves template listing through the provider. Optional.
	Templates TemplateLister
	// UnavailableOfferings is shared with other components that want ICE
	// visibility. Nil allocates a private cache.
	UnavailableOfferings *awscache.UnavailableOfferings
}

func NewStrategy(ctx context.Context, clients *sdk.Clients, opts Options) *Strategy {
	instance := opts.Instance
	if instance == nil {
		instance = &v1.ProviderInstance{Name: "aws", Type: "aws"}
	}
	if instance.Capabilities == nil {
		instance.Capabilities = []string{"ondemand", "spot", "abis", "fleet", "asg", "spotfleet", "runinstances"}
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = nativespec.NewRenderer(nativespec.DefaultOptions())
	}
	unavailable := opts.UnavailableOfferings
	if unavailable == nil {
		unavailable = awscache.NewUnavailableOfferings()
	}
	region := opts.Region
	if region == "" {
		region = clients.Config.Region
	}
	s := &Strategy{
		instance:                  instance,
		region:                    region,
		ec2api:                    clients.EC2,
		asgapi:                    clients.AutoScaling,
		iamapi:                    clients.IAM,
		stsapi:                    clients.STS,
		createFleetBatcher:        batcher.NewCreateFleetBatcher(ctx, clients.EC2),
		describeInstancesBatcher:  batcher.NewDescribeInstancesBatcher(ctx, clients.EC2),
		terminateInstancesBatcher: batcher.NewTerminateInstancesBatcher(ctx, clients.EC2),
		unavailableOfferings:      unavailable,
		subnets:                   newSubnetProvider(clients.EC2),
		launchTemplates:           newLaunchTemplateProvider(clients.EC2),
		instanceTypes:             newInstanceTypeProvider(clients.EC2, newPricingProvider(clients.Pricing, clients.EC2, region), region),
		images:                    newImageResolver(clients.SSM),
		renderer:                  renderer,
		templates:                 opts.Templates,
		abisMonitor:               pretty.NewChangeMonitor(),
	}
	s.accountID.Resolve = func(ctx context.Context) (string, error) {
		out, err := s.stsapi.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return "", errors.FromAWS(err)
		}
		return aws.ToString(out.Account), nil
	}
	return s
}

func (s *Strategy) Name() string { return s.instance.Name }

func (s *Strategy) Instance() *v1.ProviderInstance { return s.instance }

// InstanceTypes exposes the catalog for scheduler attribute synthesis.
func (s *Strategy) InstanceTypes() *instanceTypeProvider { return s.instanceTypes }

func (s *Strategy) Execute(ctx context.Context, op *providers.Operation) (*providers.Result, error) {
	switch op.Kind {
	case providers.OpCreateInstances:
		return s.createInstances(ctx, op)
	case providers.OpTerminateInstances:
		return s.terminateInstances(ctx, op)
	case providers.OpGetInstanceStatus:
		return s.getInstanceStatus(ctx, op)
	case providers.OpValidateTemplate:
		return s.validateTemplate(ctx, op)
	case providers.OpHealthCheck:
		status := s.CheckHealth(ctx)
		if !status.Healthy {
			return nil, errors.New(errors.KindTransient, "provider %q unhealthy: %s", s.Name(), status.Message)
		}
		return &providers.Result{ProviderName: s.Name()}, nil
	case providers.OpGetAvailableTemplates:
		return s.getAvailableTemplates(ctx)
	case providers.OpGetCapabilities:
		return &providers.Result{ProviderName: s.Name(), Capabilities: append([]string(nil), s.instance.Capabilities...)}, nil
	default:
		return nil, errors.New(errors.KindValidation, "unknown operation kind %q", op.Kind)
	}
}

func (s *Strategy) createInstances(ctx context.Context, op *providers.Operation) (*providers.Result, error) {
	if op.Template == nil {
		return nil, errors.New(errors.KindValidation, "create_instances needs a template")
	}
	if op.Count <= 0 {
		return nil, errors.New(errors.KindValidation, "create_instances needs a positive count")
	}
	template := op.Template.Clone()
	if err := s.resolveImage(ctx, template); err != nil {
		return nil, err
	}
	if template.AttributeBased() && s.abisMonitor.HasChanged(template.TemplateID, template.Requirements) {
		// enumerated instance types are ignored for the life of the block
		diagnoseABIS(ctx, template)
	}
	switch template.ProviderAPI {
	case v1.ProviderAPIASG:
		return s.launchASG(ctx, op, template)
	case v1.ProviderAPISpotFleet:
		return s.launchSpotFleet(ctx, op, template)
	case v1.ProviderAPIRunInstances:
		return s.launchRunInstances(ctx, op, template)
	default:
		return s.launchFleet(ctx, op, template)
	}
}

func (s *Strategy) getAvailableTemplates(ctx context.Context) (*providers.Result, error) {
	if s.templates == nil {
		return &providers.Result{ProviderName: s.Name()}, nil
	}
	all, err := s.templates.List(ctx)
	if err != nil {
		return nil, err
	}
	result := &providers.Result{ProviderName: s.Name()}
	for _, template := range all {
		if template.ProviderName == "" || template.ProviderName == s.Name() {
			result.Templates = append(result.Templates, template)
		}
	}
	return result, nil
}

// CheckHealth verifies credentials resolve (STS GetCallerIdentity) and the
// regional EC2 endpoint answers (DescribeAvailabilityZones).
func (s *Strategy) CheckHealth(ctx context.Context) providers.HealthStatus {
	start := time.Now()
	status := providers.HealthStatus{ProviderName: s.Name(), CheckedAt: start}
	// health checks always reprobe; the cached identity serves cheap reads
	// elsewhere
	if _, err := s.accountID.TryGet(ctx, atomic.IgnoreCacheOption); err != nil {
		status.Latency = time.Since(start)
		status.Message = fmt.Sprintf("resolving caller identity: %s", err)
		return status
	}
	if _, err := s.ec2api.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{}); err != nil {
		status.Latency = time.Since(start)
		status.Message = fmt.Sprintf("describing availability zones: %s", err)
		return status
	}
	status.Healthy = true
	status.Latency = time.Since(start)
	return status
}

// newMachine builds the Building-state machine record for a freshly launched
// instance. The status poller fills in addresses once the instance reports.
func newMachine(op *providers.Operation, template *v1.Template, providerName, instanceID, instanceType, zone string, launchTime time.Time) *v1.Machine {
	now := time.Now().UTC()
	if launchTime.IsZero() {
		launchTime = now
	}
	return &v1.Machine{
		MachineID:    fmt.Sprintf("%s-%s", op.RequestID, instanceID),
		InstanceID:   instanceID,
		RequestID:    op.RequestID,
		TemplateID:   template.TemplateID,
		ProviderName: providerName,
		InstanceType: instanceType,
		Zone:         zone,
		CapacityType: string(capacityType(template)),
		LaunchTime:   launchTime,
		Status:       v1.MachineStatusBuilding,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func capacityType(template *v1.Template) v1.CapacityType {
	if template.CapacityType == v1.CapacityTypeSpot || template.ProviderAPI == v1.ProviderAPISpotFleet {
		return v1.CapacityTypeSpot
	}
	return v1.CapacityTypeOnDemand
}

// instanceTags folds template tags over the broker's static ownership tags.
func instanceTags(op *providers.Operation, template *v1.Template) map[string]string {
	tags := map[string]string{
		"hostbroker.dev/request-id":  op.RequestID,
		"hostbroker.dev/template-id": template.TemplateID,
		"hostbroker.dev/managed-by":  "hostbroker",
	}
	for key, value := range template.InstanceTags {
		tags[key] = value
	}
	if _, ok := tags["Name"]; !ok {
		tags["Name"] = fmt.Sprintf("hostbroker/%s", template.TemplateID)
	}
	return tags
}

func ec2Tags(tags map[string]string) []ec2types.Tag {
	out := lo.MapToSlice(tags, func(key, value string) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(key), Value: aws.String(value)}
	})
	sort.Slice(out, func(i, j int) bool { return aws.ToString(out[i].Key) < aws.ToString(out[j].Key) })
	return out
}

func diagnoseABIS(ctx context.Context, template *v1.Template) {
	log.FromContext(ctx).Info("template uses attribute-based instance selection, enumerated instance types are ignored",
		"template-id", template.TemplateID,
		"vcpu-count", template.Requirements.VCPUCount,
		"memory-mib", template.Requirements.MemoryMiB,
	)
}
