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

// Package batcher collapses bursts of identical API calls into batched calls
// against the provider, then splits the batched response back out to the
// individual callers.
package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/hostfactory/hostbroker/pkg/log"
)

const DefaultMaxRequestWorkers = 10

// Result is the output and error that a single Add call receives back.
type Result[U any] struct {
	Output *U
	Err    error
}

// BatchExecutor runs one batch. It must return exactly one Result per input,
// in input order.
type BatchExecutor[T any, U any] func(ctx context.Context, inputs []*T) []Result[U]

// RequestHasher buckets requests; requests with equal hashes batch together.
type RequestHasher[T any] func(ctx context.Context, input *T) uint64

type Options[T any, U any] struct {
	Name string
	// IdleTimeout closes the batch window after a lull in arrivals.
	IdleTimeout time.Duration
	// MaxTimeout bounds the total batch window.
	MaxTimeout time.Duration
	// MaxItems closes the window early once this many requests are pending.
	MaxItems int
	// MaxRequestWorkers bounds concurrently executing batches across windows.
	MaxRequestWorkers int
	RequestHasher     RequestHasher[T]
	BatchExecutor     BatchExecutor[T, U]
}

type request[T any, U any] struct {
	ctx       context.Context
	hash      uint64
	input     *T
	requestor chan Result[U]
}

// Batcher implements a single batching window at a time. Requests that arrive
// while batches execute collect into the next window.
type Batcher[T any, U any] struct {
	ctx     context.Context
	options Options[T, U]
	trigger chan struct{}
	workers chan struct{}

	mu       sync.Mutex
	requests map[uint64][]*request[T, U]
}

func NewBatcher[T any, U any](ctx context.Context, options Options[T, U]) *Batcher[T, U] {
	if options.RequestHasher == nil {
		options.RequestHasher = DefaultHasher[T]
	}
	if options.MaxRequestWorkers == 0 {
		options.MaxRequestWorkers = DefaultMaxRequestWorkers
	}
	b := &Batcher[T, U]{
		ctx:      ctx,
		options:  options,
		trigger:  make(chan struct{}, 1),
		workers:  make(chan struct{}, options.MaxRequestWorkers),
		requests: map[uint64][]*request[T, U]{},
	}
	go b.run()
	return b
}

// Add joins the current batch window and blocks until this request's share of
// the batched response arrives or ctx is done.
func (b *Batcher[T, U]) Add(ctx context.Context, input *T) Result[U] {
	req := &request[T, U]{
		ctx:   ctx,
		hash:  b.options.RequestHasher(ctx, input),
		input: input,
		// buffered so the response fan-out never blocks on a departed caller
		requestor: make(chan Result[U], 1),
	}
	b.mu.Lock()
	b.requests[req.hash] = append(b.requests[req.hash], req)
	b.mu.Unlock()
	select {
	case b.trigger <- struct{}{}:
	default:
	}
	select {
	case result := <-req.requestor:
		return result
	case <-ctx.Done():
		return Result[U]{Err: ctx.Err()}
	}
}

// DefaultHasher hashes the entire input, so only structurally identical
// requests batch together.
func DefaultHasher[T any](ctx context.Context, input *T) uint64 {
	hash, err := hashstructure.Hash(input, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		log.FromContext(ctx).Error(err, "hashing batch input")
	}
	return hash
}

// OneBucketHasher batches every request together regardless of content.
func OneBucketHasher[T any](_ context.Context, _ *T) uint64 {
	return 0
}

func (b *Batcher[T, U]) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.trigger:
			// first request opens the batch window
		}
		start := time.Now()
		b.waitForIdle()
		batchWindowDuration.WithLabelValues(b.options.Name).Observe(time.Since(start).Seconds())
		b.runCalls()
	}
}

func (b *Batcher[T, U]) waitForIdle() {
	timeout := time.NewTimer(b.options.MaxTimeout)
	defer timeout.Stop()
	idle := time.NewTimer(b.options.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.trigger:
			if b.options.MaxItems > 0 && b.pending() >= b.options.MaxItems {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.options.IdleTimeout)
		case <-timeout.C:
			return
		case <-idle.C:
			return
		}
	}
}

func (b *Batcher[T, U]) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, reqs := range b.requests {
		count += len(reqs)
	}
	return count
}

// runCalls dispatches one executor per hash bucket under the shared worker
// limit. It does not wait for executors, so slow batches never stall the next
// window.
func (b *Batcher[T, U]) runCalls() {
	b.mu.Lock()
	requests := b.requests
	b.requests = map[uint64][]*request[T, U]{}
	b.mu.Unlock()

	for _, batch := range requests {
		select {
		case b.workers <- struct{}{}:
		case <-b.ctx.Done():
			return
		}
		go func(batch []*request[T, U]) {
			defer func() { <-b.workers }()
			batchSize.WithLabelValues(b.options.Name).Observe(float64(len(batch)))
			inputs := make([]*T, 0, len(batch))
			for _, req := range batch {
				inputs = append(inputs, req.input)
			}
			results := b.options.BatchExecutor(b.ctx, inputs)
			if len(results) != len(batch) {
				err := fmt.Errorf("expected %d batch results, got %d", len(batch), len(results))
				for _, req := range batch {
					req.requestor <- Result[U]{Err: err}
				}
				return
			}
			for i, req := range batch {
				req.requestor <- results[i]
			}
		}(batch)
	}
}
