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

package controllers

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
	"github.com/hostfactory/hostbroker/pkg/storage"
)

var terminalRequestStatuses = []v1.RequestStatus{
	v1.RequestStatusCompleted,
	v1.RequestStatusPartial,
	v1.RequestStatusFailed,
	v1.RequestStatusCancelled,
	v1.RequestStatusTimeout,
}

// RetentionPurger deletes terminal requests older than the retention window,
// cascading to their machines. It fires on a cron schedule.
type RetentionPurger struct {
	store     storage.Store
	clock     clock.Clock
	retention time.Duration
	schedule  cron.Schedule
}

// NewRetentionPurger parses schedule as a standard five-field cron
// expression. A non-positive retention disables purging.
func NewRetentionPurger(store storage.Store, retention time.Duration, schedule string, clk clock.Clock) (*RetentionPurger, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing purge schedule %q", schedule)
	}
	return &RetentionPurger{store: store, clock: clk, retention: retention, schedule: parsed}, nil
}

func (p *RetentionPurger) Name() string { return "retention-purger" }

func (p *RetentionPurger) Start(ctx context.Context) error {
	if p.retention <= 0 {
		return nil
	}
	for {
		next := p.schedule.Next(p.clock.Now())
		timer := p.clock.NewTimer(next.Sub(p.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}
		if err := p.PurgeOnce(ctx); err != nil {
			log.FromContext(ctx).Error(err, "controller pass failed", "controller", p.Name())
		}
	}
}

// PurgeOnce deletes every terminal request that left the retention window,
// machines included. In-flight requests are never touched.
func (p *RetentionPurger) PurgeOnce(ctx context.Context) error {
	if p.retention <= 0 {
		return nil
	}
	requests, err := p.store.Requests().FindAll(ctx, storage.RequestFilter{Statuses: terminalRequestStatuses}, storage.Page{})
	if err != nil {
		return err
	}
	cutoff := p.clock.Now().UTC().Add(-p.retention)
	purged := 0
	var errs error
	for _, request := range requests {
		if !request.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := p.store.Requests().Delete(ctx, request.RequestID, true); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		purged++
	}
	if purged > 0 {
		log.FromContext(ctx).V(1).Info("purged expired requests", "count", purged, "retention", p.retention.String())
	}
	return errs
}
