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

// Package atomic holds race-free value wrappers used throughout the fakes and
// the provider engine.
package atomic

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Ptr wraps a pointer in a mutex. There is no Get(); Clone deep copies the
// stored value through JSON so tests cannot mutate shared state.
type Ptr[T any] struct {
	mu    sync.Mutex
	value *T
}

func (p *Ptr[T]) Set(v *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = v
}

func (p *Ptr[T]) IsNil() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value == nil
}

func (p *Ptr[T]) Clone() *T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.value)
}

func (p *Ptr[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = nil
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	if err = json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// PtrSlice records pointers in arrival order, cloning on the way in and out.
type PtrSlice[T any] struct {
	mu     sync.RWMutex
	values []*T
}

func (s *PtrSlice[T]) Add(v *T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, clone(v))
}

func (s *PtrSlice[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *PtrSlice[T]) Pop() *T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return nil
	}
	last := s.values[len(s.values)-1]
	s.values = s.values[:len(s.values)-1]
	return clone(last)
}

func (s *PtrSlice[T]) ForEach(fn func(*T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.values {
		fn(clone(v))
	}
}

func (s *PtrSlice[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = nil
}

// Slice exposes a slice of a type in a race-free manner.
type Slice[T any] struct {
	mu    sync.RWMutex
	slice []T
}

func (s *Slice[T]) Add(elem T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slice = append(s.slice, elem)
}

func (s *Slice[T]) Set(elems []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slice = append([]T(nil), elems...)
}

func (s *Slice[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slice)
}

// Range iterates until fn returns false.
func (s *Slice[T]) Range(fn func(T) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, elem := range s.slice {
		if !fn(elem) {
			return
		}
	}
}

func (s *Slice[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slice = nil
}

type ErrorOption func(*Error)

// ErrorWithMaxCalls keeps returning the error for the first n calls instead
// of the default single call.
func ErrorWithMaxCalls(n int) ErrorOption {
	return func(e *Error) { e.maxCalls = n }
}

// Error hands a configured error to the next caller(s), then clears itself.
type Error struct {
	mu       sync.Mutex
	err      error
	calls    int
	maxCalls int
}

func (e *Error) Set(err error, opts ...ErrorOption) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	for _, opt := range opts {
		opt(e)
	}
	if e.maxCalls == 0 {
		e.maxCalls = 1
	}
	e.calls = 0
}

func (e *Error) IsNil() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err == nil
}

// Get counts as a call: once maxCalls is reached the error clears.
func (e *Error) Get() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		return nil
	}
	if e.calls >= e.maxCalls {
		e.err = nil
		return nil
	}
	e.calls++
	return e.err
}

func (e *Error) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = nil
	e.calls = 0
	e.maxCalls = 0
}

// MockedFunction mocks one API call: it records inputs, returns a configured
// output or error when one is staged, and otherwise falls through to the
// default transformer.
type MockedFunction[I any, O any] struct {
	Output          Ptr[O]
	CalledWithInput PtrSlice[I]
	Error           Error

	successfulCalls atomic.Int64
	failedCalls     atomic.Int64
}

func (m *MockedFunction[I, O]) Invoke(input *I, defaultTransformer func(*I) (*O, error)) (*O, error) {
	if err := m.Error.Get(); err != nil {
		m.failedCalls.Add(1)
		return nil, err
	}
	m.CalledWithInput.Add(input)
	if !m.Output.IsNil() {
		m.successfulCalls.Add(1)
		return m.Output.Clone(), nil
	}
	out, err := defaultTransformer(input)
	if err != nil {
		m.failedCalls.Add(1)
		return nil, err
	}
	m.successfulCalls.Add(1)
	return out, nil
}

func (m *MockedFunction[I, O]) Calls() int {
	return int(m.successfulCalls.Load() + m.failedCalls.Load())
}

func (m *MockedFunction[I, O]) SuccessfulCalls() int {
	return int(m.successfulCalls.Load())
}

func (m *MockedFunction[I, O]) FailedCalls() int {
	return int(m.failedCalls.Load())
}

func (m *MockedFunction[I, O]) Reset() {
	m.Output.Reset()
	m.CalledWithInput.Reset()
	m.Error.Reset()
	m.successfulCalls.Store(0)
	m.failedCalls.Store(0)
}
