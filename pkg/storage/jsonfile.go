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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

// JSONStore persists one file per aggregate under <path>/requests and
// <path>/machines. Writes go through a temp file and an atomic rename so a
// crash never leaves a half-written record. An in-memory copy loaded at open
// serves reads and the foreign-key index.
type JSONStore struct {
	path string
	mem  *MemoryStore
	mu   sync.Mutex
}

func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, mem: NewMemoryStore()}
	for _, dir := range []string{s.requestsDir(), s.machinesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory %q, %w", dir, err)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) Name() string { return "json" }

func (s *JSONStore) Requests() RequestStore { return &jsonRequests{store: s} }

func (s *JSONStore) Machines() MachineStore { return &jsonMachines{store: s} }

func (s *JSONStore) Health(context.Context) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "storage path %q unavailable", s.path)
	}
	if !info.IsDir() {
		return errors.New(errors.KindInternal, "storage path %q is not a directory", s.path)
	}
	return nil
}

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) requestsDir() string { return filepath.Join(s.path, "requests") }
func (s *JSONStore) machinesDir() string { return filepath.Join(s.path, "machines") }

func (s *JSONStore) load() error {
	if err := loadDir(s.requestsDir(), func(request *v1.Request) {
		s.mem.requests[request.RequestID] = request
	}); err != nil {
		return err
	}
	return loadDir(s.machinesDir(), func(machine *v1.Machine) {
		s.mem.machines[machine.MachineID] = machine
	})
}

func loadDir[T any](dir string, accept func(*T)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading storage directory %q, %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading record %q, %w", entry.Name(), err)
		}
		record := new(T)
		if err := json.Unmarshal(data, record); err != nil {
			return fmt.Errorf("decoding record %q, %w", entry.Name(), err)
		}
		accept(record)
	}
	return nil
}

// writeRecord writes via temp file + rename for atomicity.
func (s *JSONStore) writeRecord(dir, id string, record any) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record %q, %w", id, err)
	}
	tmp, err := os.CreateTemp(dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp record for %q, %w", id, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing record %q, %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing record %q, %w", id, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, id+".json"))
}

func (s *JSONStore) removeRecord(dir, id string) error {
	err := os.Remove(filepath.Join(dir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing record %q, %w", id, err)
	}
	return nil
}

type jsonRequests struct {
	store *JSONStore
}

func (r *jsonRequests) FindByID(ctx context.Context, id string) (*v1.Request, error) {
	return r.store.mem.Requests().FindByID(ctx, id)
}

func (r *jsonRequests) FindAll(ctx context.Context, filter RequestFilter, page Page) ([]*v1.Request, error) {
	return r.store.mem.Requests().FindAll(ctx, filter, page)
}

func (r *jsonRequests) Save(ctx context.Context, request *v1.Request) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.mem.Requests().Save(ctx, request); err != nil {
		return err
	}
	return r.store.writeRecord(r.store.requestsDir(), request.RequestID, request)
}

func (r *jsonRequests) Delete(ctx context.Context, id string, cascade bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	machines, err := r.store.mem.Machines().FindByRequest(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.mem.Requests().Delete(ctx, id, cascade); err != nil {
		return err
	}
	for _, machine := range machines {
		if err := r.store.removeRecord(r.store.machinesDir(), machine.MachineID); err != nil {
			return err
		}
	}
	return r.store.removeRecord(r.store.requestsDir(), id)
}

type jsonMachines struct {
	store *JSONStore
}

func (m *jsonMachines) FindByID(ctx context.Context, id string) (*v1.Machine, error) {
	return m.store.mem.Machines().FindByID(ctx, id)
}

func (m *jsonMachines) FindAll(ctx context.Context, filter MachineFilter, page Page) ([]*v1.Machine, error) {
	return m.store.mem.Machines().FindAll(ctx, filter, page)
}

func (m *jsonMachines) FindByRequest(ctx context.Context, requestID string) ([]*v1.Machine, error) {
	return m.store.mem.Machines().FindByRequest(ctx, requestID)
}

func (m *jsonMachines) Save(ctx context.Context, machine *v1.Machine) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.store.mem.Machines().Save(ctx, machine); err != nil {
		return err
	}
	return m.store.writeRecord(m.store.machinesDir(), machine.MachineID, machine)
}

func (m *jsonMachines) Delete(ctx context.Context, id string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.store.mem.Machines().Delete(ctx, id); err != nil {
		return err
	}
	return m.store.removeRecord(m.store.machinesDir(), id)
}
