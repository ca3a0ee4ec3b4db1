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

package storage

import (
	"context"
	"sort"
	"sync"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

// MemoryStore keeps aggregates in process memory. It backs tests and dev
// runs; aggregates are cloned on the way in and out so callers never share
// map-owned structs.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*v1.Request
	machines map[string]*v1.Machine
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: map[string]*v1.Request{},
		machines: map[string]*v1.Machine{},
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Requests() RequestStore { return (*memoryRequests)(s) }

func (s *MemoryStore) Machines() MachineStore { return (*memoryMachines)(s) }

func (s *MemoryStore) Health(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

type memoryRequests MemoryStore

func (s *memoryRequests) FindByID(_ context.Context, id string) (*v1.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	request, ok := s.requests[id]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "request %q not found", id)
	}
	return request.Clone(), nil
}

func (s *memoryRequests) FindAll(_ context.Context, filter RequestFilter, page Page) ([]*v1.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.Request
	for _, request := range s.requests {
		if filter.Matches(request) {
			out = append(out, request.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return clip(out, page), nil
}

func (s *memoryRequests) Save(_ context.Context, request *v1.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.requests[request.RequestID]; ok && existing.ResourceVersion != request.ResourceVersion {
		return errors.New(errors.KindConflict, "request %q version %d is stale (stored %d)", request.RequestID, request.ResourceVersion, existing.ResourceVersion)
	}
	request.ResourceVersion++
	s.requests[request.RequestID] = request.Clone()
	return nil
}

func (s *memoryRequests) Delete(_ context.Context, id string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return errors.New(errors.KindNotFound, "request %q not found", id)
	}
	var owned []string
	for machineID, machine := range s.machines {
		if machine.RequestID == id {
			owned = append(owned, machineID)
		}
	}
	if len(owned) > 0 && !cascade {
		return errors.New(errors.KindConflict, "request %q still owns %d machines", id, len(owned))
	}
	for _, machineID := range owned {
		delete(s.machines, machineID)
	}
	delete(s.requests, id)
	return nil
}

type memoryMachines MemoryStore

func (s *memoryMachines) FindByID(_ context.Context, id string) (*v1.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	machine, ok := s.machines[id]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "machine %q not found", id)
	}
	return machine.Clone(), nil
}

func (s *memoryMachines) FindAll(_ context.Context, filter MachineFilter, page Page) ([]*v1.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.Machine
	for _, machine := range s.machines {
		if filter.Matches(machine) {
			out = append(out, machine.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return clip(out, page), nil
}

func (s *memoryMachines) FindByRequest(ctx context.Context, requestID string) ([]*v1.Machine, error) {
	return s.FindAll(ctx, MachineFilter{RequestID: requestID}, Page{})
}

func (s *memoryMachines) Save(_ context.Context, machine *v1.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.machines[machine.MachineID]; ok && existing.ResourceVersion != machine.ResourceVersion {
		return errors.New(errors.KindConflict, "machine %q version %d is stale (stored %d)", machine.MachineID, machine.ResourceVersion, existing.ResourceVersion)
	}
	machine.ResourceVersion++
	s.machines[machine.MachineID] = machine.Clone()
	return nil
}

func (s *memoryMachines) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[id]; !ok {
		return errors.New(errors.KindNotFound, "machine %q not found", id)
	}
	delete(s.machines, id)
	return nil
}
