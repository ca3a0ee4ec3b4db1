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
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/patrickmn/go-cache"

	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

const subnetCacheTTL = time.Minute

type subnetInfo struct {
	ID   string
	Zone string
}

// subnetProvider resolves subnet ids to their availability zones so that
// offering-level unavailability (instanceType, zone, capacityType) can be
// applied when building dispatch payloads.
type subnetProvider struct {
	ec2api sdk.EC2API

	mu    sync.Mutex
	cache *cache.Cache
}

func newSubnetProvider(ec2api sdk.EC2API) *subnetProvider {
	return &subnetProvider{
		ec2api: ec2api,
		cache:  cache.New(subnetCacheTTL, awsCacheCleanupInterval),
	}
}

func (p *subnetProvider) Resolve(ctx context.Context, subnetIDs []string) ([]subnetInfo, error) {
	if len(subnetIDs) == 0 {
		return nil, errors.New(errors.KindValidation, "at least one subnet id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.Join(subnetIDs, ",")
	if cached, ok := p.cache.Get(key); ok {
		return cached.([]subnetInfo), nil
	}
	out, err := p.ec2api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: subnetIDs})
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	subnets := make([]subnetInfo, 0, len(out.Subnets))
	for _, subnet := range out.Subnets {
		subnets = append(subnets, subnetInfo{
			ID:   aws.ToString(subnet.SubnetId),
			Zone: aws.ToString(subnet.AvailabilityZone),
		})
	}
	if len(subnets) == 0 {
		return nil, errors.New(errors.KindNotFound, "no subnets found for %q", key)
	}
	p.cache.SetDefault(key, subnets)
	return subnets, nil
}
