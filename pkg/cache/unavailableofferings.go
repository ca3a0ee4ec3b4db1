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

// Package cache holds the TTL caches shared across provider components.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/patrickmn/go-cache"

	"github.com/hostfactory/hostbroker/pkg/log"
)

const (
	// UnavailableOfferingsTTL is the time before offerings that were marked as
	// unavailable are retried
	UnavailableOfferingsTTL = 3 * time.Minute
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval
	DefaultCleanupInterval = 10 * time.Minute
)

// UnavailableOfferings stores any offerings that return ICE (insufficient
// capacity errors) when attempting to launch the capacity. These offerings
// are skipped when building later dispatch payloads for as long as they
// remain in the cache.
type UnavailableOfferings struct {
	// key: <capacityType>:<instanceType>:<zone>
	cache *cache.Cache
}

func NewUnavailableOfferings() *UnavailableOfferings {
	return &UnavailableOfferings{
		cache: cache.New(UnavailableOfferingsTTL, DefaultCleanupInterval),
	}
}

// IsUnavailable returns true if the offering appears in the cache
func (u *UnavailableOfferings) IsUnavailable(instanceType, zone, capacityType string) bool {
	_, found := u.cache.Get(u.key(instanceType, zone, capacityType))
	return found
}

// MarkUnavailable communicates recently observed temporary capacity shortages in the provided offerings
func (u *UnavailableOfferings) MarkUnavailable(ctx context.Context, unavailableReason, instanceType, zone, capacityType string) {
	// even if the key is already in the cache, we still need to call Set to extend the cached entry's TTL
	log.FromContext(ctx).WithValues(
		"unavailable-reason", unavailableReason,
		"instance-type", instanceType,
		"zone", zone,
		"capacity-type", capacityType,
		"unavailable-offerings-ttl", UnavailableOfferingsTTL,
	).V(1).Info("removing offering from offerings")
	u.cache.SetDefault(u.key(instanceType, zone, capacityType), struct{}{})
}

// MarkUnavailableForFleetErr records the offering a CreateFleet error names.
func (u *UnavailableOfferings) MarkUnavailableForFleetErr(ctx context.Context, fleetErr ec2types.CreateFleetError, capacityType string) {
	instanceType := string(fleetErr.LaunchTemplateAndOverrides.Overrides.InstanceType)
	zone := aws.ToString(fleetErr.LaunchTemplateAndOverrides.Overrides.AvailabilityZone)
	u.MarkUnavailable(ctx, aws.ToString(fleetErr.ErrorCode), instanceType, zone, capacityType)
}

func (u *UnavailableOfferings) Flush() {
	u.cache.Flush()
}

// key returns the cache key for all offerings in the cache
func (u *UnavailableOfferings) key(instanceType string, zone string, capacityType string) string {
	return fmt.Sprintf("%s:%s:%s", capacityType, instanceType, zone)
}
