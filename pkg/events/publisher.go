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

// Package events publishes domain events. Publishing is a port: when no
// publisher is bound events are dropped at commit, and no broker behavior may
// depend on delivery.
package events

import (
	"context"

	"github.com/hostfactory/hostbroker/pkg/log"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
)

type Publisher interface {
	Publish(ctx context.Context, events ...v1.Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...v1.Event) {}

// LogPublisher writes events to the process log.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, events ...v1.Event) {
	for _, evt := range events {
		log.FromContext(ctx).WithValues(
			"type", evt.Type,
			"aggregate-id", evt.AggregateID,
			"old-status", evt.OldStatus,
			"new-status", evt.NewStatus,
			"sequence", evt.Sequence,
			"correlation-id", evt.CorrelationID,
		).V(1).Info("domain event")
	}
}

// MultiPublisher fans out to every bound publisher in order.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(ctx context.Context, events ...v1.Event) {
	for _, p := range m.publishers {
		p.Publish(ctx, events...)
	}
}
