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
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

const (
	etcdRequestPrefix = "/hostbroker/requests/"
	etcdMachinePrefix = "/hostbroker/machines/"
	etcdDialTimeout   = 5 * time.Second
)

// EtcdStore persists aggregates as JSON values in etcd. Optimistic
// concurrency compares the key's ModRevision in a transaction, so two
// writers racing on one aggregate produce exactly one winner.
type EtcdStore struct {
	client *clientv3.Client
}

func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %v, %w", endpoints, err)
	}
	return &EtcdStore{client: client}, nil
}

func (s *EtcdStore) Name() string { return "etcd" }

func (s *EtcdStore) Requests() RequestStore { return &etcdRequests{store: s} }

func (s *EtcdStore) Machines() MachineStore { return &etcdMachines{store: s} }

func (s *EtcdStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, etcdDialTimeout)
	defer cancel()
	_, err := s.client.Get(ctx, etcdRequestPrefix, clientv3.WithCountOnly(), clientv3.WithPrefix())
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "etcd unavailable")
	}
	return nil
}

func (s *EtcdStore) Close() error { return s.client.Close() }

// get returns the decoded record and its mod revision, or revision 0 when
// the key does not exist.
func etcdGet[T any](ctx context.Context, client *clientv3.Client, key string) (*T, int64, error) {
	resp, err := client.Get(ctx, key)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.KindInternal, "reading %q from etcd", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	record := new(T)
	if err := json.Unmarshal(resp.Kvs[0].Value, record); err != nil {
		return nil, 0, errors.Wrap(err, errors.KindInternal, "decoding %q", key)
	}
	return record, resp.Kvs[0].ModRevision, nil
}

func etcdList[T any](ctx context.Context, client *clientv3.Client, prefix string) ([]*T, error) {
	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "listing %q from etcd", prefix)
	}
	out := make([]*T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		record := new(T)
		if err := json.Unmarshal(kv.Value, record); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "decoding %q", string(kv.Key))
		}
		out = append(out, record)
	}
	return out, nil
}

// etcdSave puts the record iff the key's mod revision is unchanged since the
// caller observed it. revision 0 asserts the key does not exist yet.
func etcdSave(ctx context.Context, client *clientv3.Client, key string, revision int64, record any) error {
	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding %q", key)
	}
	resp, err := client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", revision)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing %q to etcd", key)
	}
	if !resp.Succeeded {
		return errors.New(errors.KindConflict, "concurrent write on %q", key)
	}
	return nil
}

type etcdRequests struct {
	store *EtcdStore
}

func (r *etcdRequests) FindByID(ctx context.Context, id string) (*v1.Request, error) {
	request, revision, err := etcdGet[v1.Request](ctx, r.store.client, etcdRequestPrefix+id)
	if err != nil {
		return nil, err
	}
	if revision == 0 {
		return nil, errors.New(errors.KindNotFound, "request %q not found", id)
	}
	return request, nil
}

func (r *etcdRequests) FindAll(ctx context.Context, filter RequestFilter, page Page) ([]*v1.Request, error) {
	requests, err := etcdList[v1.Request](ctx, r.store.client, etcdRequestPrefix)
	if err != nil {
		return nil, err
	}
	var out []*v1.Request
	for _, request := range requests {
		if filter.Matches(request) {
			out = append(out, request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return clip(out, page), nil
}

func (r *etcdRequests) Save(ctx context.Context, request *v1.Request) error {
	key := etcdRequestPrefix + request.RequestID
	stored, revision, err := etcdGet[v1.Request](ctx, r.store.client, key)
	if err != nil {
		return err
	}
	if stored != nil && stored.ResourceVersion != request.ResourceVersion {
		return errors.New(errors.KindConflict, "request %q version %d is stale (stored %d)", request.RequestID, request.ResourceVersion, stored.ResourceVersion)
	}
	request.ResourceVersion++
	if err := etcdSave(ctx, r.store.client, key, revision, request); err != nil {
		request.ResourceVersion--
		return err
	}
	return nil
}

func (r *etcdRequests) Delete(ctx context.Context, id string, cascade bool) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	machines, err := r.store.Machines().FindByRequest(ctx, id)
	if err != nil {
		return err
	}
	if len(machines) > 0 && !cascade {
		return errors.New(errors.KindConflict, "request %q still owns %d machines", id, len(machines))
	}
	ops := make([]clientv3.Op, 0, len(machines)+1)
	for _, machine := range machines {
		ops = append(ops, clientv3.OpDelete(etcdMachinePrefix+machine.MachineID))
	}
	ops = append(ops, clientv3.OpDelete(etcdRequestPrefix+id))
	if _, err := r.store.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "deleting request %q from etcd", id)
	}
	return nil
}

type etcdMachines struct {
	store *EtcdStore
}

func (m *etcdMachines) FindByID(ctx context.Context, id string) (*v1.Machine, error) {
	machine, revision, err := etcdGet[v1.Machine](ctx, m.store.client, etcdMachinePrefix+id)
	if err != nil {
		return nil, err
	}
	if revision == 0 {
		return nil, errors.New(errors.KindNotFound, "machine %q not found", id)
	}
	return machine, nil
}

func (m *etcdMachines) FindAll(ctx context.Context, filter MachineFilter, page Page) ([]*v1.Machine, error) {
	machines, err := etcdList[v1.Machine](ctx, m.store.client, etcdMachinePrefix)
	if err != nil {
		return nil, err
	}
	var out []*v1.Machine
	for _, machine := range machines {
		if filter.Matches(machine) {
			out = append(out, machine)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return clip(out, page), nil
}

func (m *etcdMachines) FindByRequest(ctx context.Context, requestID string) ([]*v1.Machine, error) {
	return m.FindAll(ctx, MachineFilter{RequestID: requestID}, Page{})
}

func (m *etcdMachines) Save(ctx context.Context, machine *v1.Machine) error {
	key := etcdMachinePrefix + machine.MachineID
	stored, revision, err := etcdGet[v1.Machine](ctx, m.store.client, key)
	if err != nil {
		return err
	}
	if stored != nil && stored.ResourceVersion != machine.ResourceVersion {
		return errors.New(errors.KindConflict, "machine %q version %d is stale (stored %d)", machine.MachineID, machine.ResourceVersion, stored.ResourceVersion)
	}
	machine.ResourceVersion++
	if err := etcdSave(ctx, m.store.client, key, revision, machine); err != nil {
		machine.ResourceVersion--
		return err
	}
	return nil
}

func (m *etcdMachines) Delete(ctx context.Context, id string) error {
	resp, err := m.store.client.Delete(ctx, etcdMachinePrefix+id)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "deleting machine %q from etcd", id)
	}
	if resp.Deleted == 0 {
		return errors.New(errors.KindNotFound, "machine %q not found", id)
	}
	return nil
}
