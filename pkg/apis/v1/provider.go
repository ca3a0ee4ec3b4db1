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

package v1

import (
	"maps"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/hostfactory/hostbroker/pkg/errors"
)

// DefaultMaxInFlight bounds concurrent operations per provider instance when
// the instance does not set its own limit.
const DefaultMaxInFlight = 50

// ProviderInstance registers one named backend with the strategy engine.
// Name is unique and immutable for the life of the registration; Weight and
// Priority feed the selection policies.
type ProviderInstance struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Weight       int               `json:"weight,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Enabled      *bool             `json:"enabled,omitempty"`
	MaxInFlight  int               `json:"max_in_flight,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

func (p *ProviderInstance) IsEnabled() bool {
	return lo.FromPtrOr(p.Enabled, true)
}

func (p *ProviderInstance) EffectiveMaxInFlight() int {
	if p.MaxInFlight > 0 {
		return p.MaxInFlight
	}
	return DefaultMaxInFlight
}

func (p *ProviderInstance) Validate() error {
	var errs error
	if p.Name == "" {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "provider name is required"))
	}
	if p.Type == "" {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "provider %q needs a type", p.Name))
	}
	if p.Weight < 0 {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "provider %q weight must be non-negative", p.Name))
	}
	if p.MaxInFlight < 0 {
		errs = multierr.Append(errs, errors.New(errors.KindValidation, "provider %q max_in_flight must be non-negative", p.Name))
	}
	return errs
}

func (p *ProviderInstance) Clone() *ProviderInstance {
	if p == nil {
		return nil
	}
	out := *p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	out.Settings = maps.Clone(p.Settings)
	if p.Enabled != nil {
		e := *p.Enabled
		out.Enabled = &e
	}
	return &out
}
