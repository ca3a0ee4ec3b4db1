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

package providers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

type CompositeMode string

const (
	// CompositeParallel runs every inner strategy concurrently and merges all
	// successful results; it fails only when every inner strategy fails.
	CompositeParallel CompositeMode = "parallel"
	// CompositeSequential tries inner strategies in order until one succeeds.
	CompositeSequential CompositeMode = "sequential"
	// CompositeRedundant runs all inner strategies and succeeds when at least
	// a majority do.
	CompositeRedundant CompositeMode = "redundant"
)

// Composite executes one operation against a set of inner strategies.
type Composite struct {
	name  string
	mode  CompositeMode
	inner []Strategy
	// failureRatio caps tolerated failures for the redundant mode; zero
	// means the plain majority rule.
	failureRatio float64
}

func NewComposite(name string, mode CompositeMode, inner []Strategy, failureRatio float64) (*Composite, error) {
	if len(inner) == 0 {
		return nil, errors.New(errors.KindValidation, "composite %q needs at least one inner strategy", name)
	}
	if mode == CompositeRedundant && len(inner) < 3 {
		return nil, errors.New(errors.KindValidation, "composite %q needs at least three inner strategies for redundant mode", name)
	}
	return &Composite{name: name, mode: mode, inner: inner, failureRatio: failureRatio}, nil
}

func (c *Composite) Name() string { return c.name }

func (c *Composite) Instance() *v1.ProviderInstance {
	return &v1.ProviderInstance{Name: c.name, Type: "composite"}
}

func (c *Composite) Execute(ctx context.Context, op *Operation) (*Result, error) {
	switch c.mode {
	case CompositeSequential:
		return c.executeSequential(ctx, op)
	case CompositeRedundant:
		return c.executeFanout(ctx, op, true)
	default:
		return c.executeFanout(ctx, op, false)
	}
}

func (c *Composite) executeSequential(ctx context.Context, op *Operation) (*Result, error) {
	var errs error
	for _, strategy := range c.inner {
		result, err := strategy.Execute(ctx, op)
		if err == nil {
			return result, nil
		}
		errs = multierr.Append(errs, err)
		if errors.IsCancelled(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, errs
}

func (c *Composite) executeFanout(ctx context.Context, op *Operation, majority bool) (*Result, error) {
	results := make([]*Result, len(c.inner))
	failures := make([]error, len(c.inner))
	g, ctx := errgroup.WithContext(ctx)
	for i, strategy := range c.inner {
		g.Go(func() error {
			result, err := strategy.Execute(ctx, op)
			results[i] = result
			failures[i] = err
			// inner failures are tallied, not propagated, so siblings run to
			// completion
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	var errs error
	merged := &Result{ProviderName: c.name}
	for i, result := range results {
		if failures[i] != nil {
			errs = multierr.Append(errs, failures[i])
			continue
		}
		succeeded++
		mergeResult(merged, result)
	}
	failed := len(c.inner) - succeeded
	if majority {
		needed := (len(c.inner) + 1) / 2
		if succeeded < needed {
			return nil, errors.Wrap(errs, errors.KindPermanent, "composite %q: %d of %d succeeded, majority needs %d", c.name, succeeded, len(c.inner), needed)
		}
		if c.failureRatio > 0 && float64(failed)/float64(len(c.inner)) > c.failureRatio {
			return nil, errors.Wrap(errs, errors.KindPermanent, "composite %q: failure ratio %.2f exceeds %.2f", c.name, float64(failed)/float64(len(c.inner)), c.failureRatio)
		}
		return merged, nil
	}
	if succeeded == 0 {
		return nil, errs
	}
	merged.Partial = merged.Partial || failed > 0
	return merged, nil
}

func mergeResult(into, from *Result) {
	into.Machines = append(into.Machines, from.Machines...)
	into.TerminatedIDs = append(into.TerminatedIDs, from.TerminatedIDs...)
	into.Statuses = append(into.Statuses, from.Statuses...)
	into.Templates = append(into.Templates, from.Templates...)
	into.Capabilities = append(into.Capabilities, from.Capabilities...)
	into.Diagnostics = append(into.Diagnostics, from.Diagnostics...)
	into.Partial = into.Partial || from.Partial
}

func (c *Composite) CheckHealth(ctx context.Context) HealthStatus {
	start := time.Now()
	healthy := 0
	var wg sync.WaitGroup
	statuses := make([]HealthStatus, len(c.inner))
	for i, strategy := range c.inner {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = strategy.CheckHealth(ctx)
		}()
	}
	wg.Wait()
	for _, status := range statuses {
		if status.Healthy {
			healthy++
		}
	}
	needed := 1
	if c.mode == CompositeRedundant {
		needed = (len(c.inner) + 1) / 2
	}
	return HealthStatus{
		ProviderName: c.name,
		Healthy:      healthy >= needed,
		Latency:      time.Since(start),
		CheckedAt:    time.Now(),
	}
}
