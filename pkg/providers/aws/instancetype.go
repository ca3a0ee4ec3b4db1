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
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/patrickmn/go-cache"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/scheduler"
)

const (
	instanceTypeCacheTTL = time.Hour
	catalogCacheKey      = "catalog"
)

// InstanceTypeDetail is one catalog row.
type InstanceTypeDetail struct {
	Name         string
	VCPUCount    int64
	MemoryMiB    int64
	Architecture string
}

// instanceTypeProvider maintains the regional instance-type catalog. It backs
// attribute-based selection and the scheduler's cpu/memory synthesis.
type instanceTypeProvider struct {
	ec2api  sdk.EC2API
	pricing *pricingProvider
	region  string

	mu    sync.Mutex
	cache *cache.Cache
}

func newInstanceTypeProvider(ec2api sdk.EC2API, pricing *pricingProvider, region string) *instanceTypeProvider {
	return &instanceTypeProvider{
		ec2api:  ec2api,
		pricing: pricing,
		region:  region,
		cache:   cache.New(instanceTypeCacheTTL, awsCacheCleanupInterval),
	}
}

// Catalog returns the full instance-type table, refreshing from EC2 when the
// cached copy expired.
func (p *instanceTypeProvider) Catalog(ctx context.Context) (map[string]InstanceTypeDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache.Get(catalogCacheKey); ok {
		return cached.(map[string]InstanceTypeDetail), nil
	}
	catalog := map[string]InstanceTypeDetail{}
	input := &ec2.DescribeInstanceTypesInput{}
	for {
		out, err := p.ec2api.DescribeInstanceTypes(ctx, input)
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		for _, info := range out.InstanceTypes {
			detail := detailFromInfo(info)
			catalog[detail.Name] = detail
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	if len(catalog) == 0 {
		return nil, errors.New(errors.KindTransient, "instance type catalog for %q came back empty", p.region)
	}
	p.cache.SetDefault(catalogCacheKey, catalog)
	return catalog, nil
}

func detailFromInfo(info ec2types.InstanceTypeInfo) InstanceTypeDetail {
	detail := InstanceTypeDetail{Name: string(info.InstanceType)}
	if info.VCpuInfo != nil {
		detail.VCPUCount = int64(aws.ToInt32(info.VCpuInfo.DefaultVCpus))
	}
	if info.MemoryInfo != nil {
		detail.MemoryMiB = aws.ToInt64(info.MemoryInfo.SizeInMiB)
	}
	if info.ProcessorInfo != nil && len(info.ProcessorInfo.SupportedArchitectures) > 0 {
		detail.Architecture = string(info.ProcessorInfo.SupportedArchitectures[0])
	}
	return detail
}

// Matching resolves an attribute-based requirements block to concrete type
// names, cheapest first. Types without a known price sort last by name so the
// result stays deterministic.
func (p *instanceTypeProvider) Matching(ctx context.Context, requirements *v1.InstanceRequirements) ([]string, error) {
	catalog, err := p.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	p.pricing.ensureFresh(ctx)
	excluded := sets.New(requirements.ExcludedInstanceTypes...)
	architectures := sets.New(requirements.Architectures...)
	var names []string
	for name, detail := range catalog {
		if excluded.Has(name) {
			continue
		}
		if architectures.Len() > 0 && !architectures.Has(detail.Architecture) {
			continue
		}
		if !within(detail.VCPUCount, requirements.VCPUCount) || !within(detail.MemoryMiB, requirements.MemoryMiB) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, errors.New(errors.KindValidation, "no instance types satisfy the requirements block")
	}
	sort.Slice(names, func(i, j int) bool {
		pi, iOK := p.pricing.OnDemandPrice(names[i])
		pj, jOK := p.pricing.OnDemandPrice(names[j])
		if iOK != jOK {
			return iOK
		}
		if iOK && pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names, nil
}

func within(value int64, bounds *v1.MinMax) bool {
	if bounds == nil {
		return true
	}
	if value < bounds.Min {
		return false
	}
	return bounds.Max == 0 || value <= bounds.Max
}

// SchedulerLookup snapshots the catalog into the lookup shape the scheduler
// strategies consume for cpu/memory attribute synthesis.
func (p *instanceTypeProvider) SchedulerLookup(ctx context.Context) (scheduler.InstanceTypeLookup, error) {
	catalog, err := p.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return func(instanceType string) (scheduler.InstanceTypeInfo, bool) {
		detail, ok := catalog[instanceType]
		if !ok {
			return scheduler.InstanceTypeInfo{}, false
		}
		return scheduler.InstanceTypeInfo{
			VCPUCount:    int(detail.VCPUCount),
			MemoryMiB:    detail.MemoryMiB,
			Architecture: detail.Architecture,
		}, true
	}, nil
}
