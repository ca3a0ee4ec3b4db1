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

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/log"
)

// NewDedupePublisher suppresses repeats of the same event within the dedupe
// window. Status observations repeat frequently during polling; downstream
// consumers only need the first occurrence of each distinct fact.
func NewDedupePublisher(inner Publisher) Publisher {
	return &dedupe{
		inner: inner,
		cache: cache.New(120*time.Second, 10*time.Second),
	}
}

type dedupe struct {
	inner Publisher
	cache *cache.Cache
}

func (d *dedupe) Publish(ctx context.Context, events ...v1.Event) {
	var fresh []v1.Event
	for _, evt := range events {
		if d.shouldPublish(ctx, evt) {
			fresh = append(fresh, evt)
		}
	}
	if len(fresh) > 0 {
		d.inner.Publish(ctx, fresh...)
	}
}

func (d *dedupe) shouldPublish(ctx context.Context, evt v1.Event) bool {
	// Sequence and Timestamp stay out of the key so that re-observations of
	// the same fact dedupe even though the aggregate re-emitted them.
	hash, err := hashstructure.Hash([]any{evt.Type, evt.AggregateID, evt.OldStatus, evt.NewStatus}, hashstructure.FormatV2, nil)
	if err != nil {
		log.FromContext(ctx).Error(err, "hashing event for dedupe")
		return true
	}
	key := fmt.Sprintf("%d", hash)
	if _, exists := d.cache.Get(key); exists {
		return false
	}
	d.cache.SetDefault(key, nil)
	return true
}
