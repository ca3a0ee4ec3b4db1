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

package pretty

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// ChangeMonitor is used to reduce logging when discovering information that may change. The values
// are hashed and stored in an internal cache. If the value hasn't been seen in the expiration period,
// HasChanged() will return true.
type ChangeMonitor struct {
	lastSeen *cache.Cache
}

func NewChangeMonitor(expirations ...time.Duration) *ChangeMonitor {
	expiration := 24 * time.Hour
	if len(expirations) > 0 {
		expiration = expirations[0]
	}
	return &ChangeMonitor{
		lastSeen: cache.New(expiration, expiration*2),
	}
}

// HasChanged takes a key and value and returns true if the value has changed
// since the last time it was seen for the key.
func (c *ChangeMonitor) HasChanged(key string, value any) bool {
	newHash, err := hashstructure.Hash(value, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		// failing to hash means we treat the value as changed
		return true
	}
	existingHash, ok := c.lastSeen.Get(key)
	c.lastSeen.SetDefault(key, newHash)
	if !ok {
		return true
	}
	return existingHash != newHash
}
