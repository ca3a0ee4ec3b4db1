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
	"github.com/hostfactory/hostbroker/pkg/config"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

// Open builds the store named by storage.strategy.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Strategy {
	case "memory":
		return NewMemoryStore(), nil
	case "json":
		return NewJSONStore(cfg.Storage.Path)
	case "etcd":
		return NewEtcdStore(cfg.Storage.EtcdEndpoints)
	default:
		return nil, errors.New(errors.KindValidation, "unknown storage strategy %q", cfg.Storage.Strategy)
	}
}
