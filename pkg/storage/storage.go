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

// Package storage defines the repository ports for request and machine
// aggregates, with memory, json file, and etcd implementations. Saves are
// transactional per aggregate; optimistic concurrency rides on the
// aggregate's resource version.
package storage

import (
	"context"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
)

// RequestFilter narrows FindAll. Zero-valued fields match everything.
type RequestFilter struct {
	Statuses   []v1.RequestStatus
	Type       v1.RequestType
	TemplateID string
}

type MachineFilter struct {
	Statuses     []v1.MachineStatus
	RequestID    string
	ProviderName string
}

// Page bounds a listing. Limit of zero means no bound.
type Page struct {
	Offset int
	Limit  int
}

func (f RequestFilter) Matches(r *v1.Request) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.TemplateID != "" && r.TemplateID != f.TemplateID {
		return false
	}
	return true
}

func (f MachineFilter) Matches(m *v1.Machine) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if m.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RequestID != "" && m.RequestID != f.RequestID {
		return false
	}
	if f.ProviderName != "" && m.ProviderName != f.ProviderName {
		return false
	}
	return true
}

type RequestStore interface {
	FindByID(ctx context.Context, id string) (*v1.Request, error)
	FindAll(ctx context.Context, filter RequestFilter, page Page) ([]*v1.Request, error)
	// Save persists the aggregate and bumps its resource version. A version
	// that no longer matches the stored record fails with Conflict and is not
	// retried here.
	Save(ctx context.Context, request *v1.Request) error
	// Delete removes the request. Without cascade, a request that still owns
	// machine records is rejected; with cascade, the machines go with it.
	Delete(ctx context.Context, id string, cascade bool) error
}

type MachineStore interface {
	FindByID(ctx context.Context, id string) (*v1.Machine, error)
	FindAll(ctx context.Context, filter MachineFilter, page Page) ([]*v1.Machine, error)
	FindByRequest(ctx context.Context, requestID string) ([]*v1.Machine, error)
	Save(ctx context.Context, machine *v1.Machine) error
	Delete(ctx context.Context, id string) error
}

// Store bundles the per-aggregate repositories of one storage strategy.
type Store interface {
	Name() string
	Requests() RequestStore
	Machines() MachineStore
	Health(ctx context.Context) error
	Close() error
}

func clip[T any](items []T, page Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}
