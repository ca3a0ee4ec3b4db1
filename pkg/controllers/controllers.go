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

// Package controllers holds the broker's background loops: the status poller
// that reconciles machine and request state against the providers, the active
// health monitor, and the retention purger. Every loop is clock-injected and
// stops when its context is cancelled.
package controllers

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/hostfactory/hostbroker/pkg/log"
)

// Controller is one background loop. Start blocks until the context is
// cancelled; a disabled controller returns immediately.
type Controller interface {
	Name() string
	Start(ctx context.Context) error
}

// Manager runs a set of controllers and waits for all of them to stop.
type Manager struct {
	controllers []Controller
}

func NewManager(controllers ...Controller) *Manager {
	return &Manager{controllers: controllers}
}

// Start launches every controller and blocks until they all return. The first
// controller error cancels the rest.
func (m *Manager) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, controller := range m.controllers {
		group.Go(func() error {
			log.FromContext(ctx).V(1).Info("starting controller", "controller", controller.Name())
			defer log.FromContext(ctx).V(1).Info("stopped controller", "controller", controller.Name())
			return controller.Start(ctx)
		})
	}
	return group.Wait()
}

// every runs fn at the given interval until the context is cancelled. Errors
// are logged, not fatal: one failed pass must not stop the loop.
func every(ctx context.Context, clk clock.Clock, name string, interval time.Duration, fn func(context.Context) error) error {
	timer := clk.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
		}
		if err := fn(ctx); err != nil {
			log.FromContext(ctx).Error(err, "controller pass failed", "controller", name)
		}
		timer.Reset(interval)
	}
}
