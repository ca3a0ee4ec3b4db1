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

package templates

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
)

// Template mutations write to the managed file, the highest-priority
// instance file in the first configured search root. Templates defined in
// other files can be shadowed by the managed file but not edited in place.

func (r *Resolver) managedFile(provider string) string {
	if provider == "" {
		provider = "aws"
	}
	return filepath.Join(r.paths[0], provider+"inst_templates.json")
}

// Create adds a template to the managed file. An id already present in the
// merged view is rejected.
func (r *Resolver) Create(ctx context.Context, template *v1.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}
	if _, err := r.Get(ctx, template.TemplateID); err == nil {
		return errors.New(errors.KindConflict, "template %q already exists", template.TemplateID)
	} else if !errors.IsNotFound(err) {
		return err
	}
	return r.mutateManaged(ctx, template.ProviderName, func(entries map[string]*v1.Template) error {
		entries[template.TemplateID] = template
		return nil
	})
}

// Update replaces a template definition in the managed file.
func (r *Resolver) Update(ctx context.Context, template *v1.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}
	if _, err := r.Get(ctx, template.TemplateID); err != nil {
		return err
	}
	return r.mutateManaged(ctx, template.ProviderName, func(entries map[string]*v1.Template) error {
		entries[template.TemplateID] = template
		return nil
	})
}

// Delete removes a template from the managed file. Templates owned by other
// files cannot be deleted through the broker.
func (r *Resolver) Delete(ctx context.Context, id string) error {
	template, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if template.SourceFile != r.managedFile(template.ProviderName) {
		return errors.New(errors.KindValidation, "template %q is defined in %q and cannot be deleted through the broker", id, template.SourceFile)
	}
	return r.mutateManaged(ctx, template.ProviderName, func(entries map[string]*v1.Template) error {
		if _, ok := entries[id]; !ok {
			return errors.New(errors.KindNotFound, "template %q not found in managed file", id)
		}
		delete(entries, id)
		return nil
	})
}

func (r *Resolver) mutateManaged(ctx context.Context, provider string, mutate func(map[string]*v1.Template) error) error {
	if len(r.paths) == 0 {
		return errors.New(errors.KindValidation, "no template search paths configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	path := r.managedFile(provider)
	entries := map[string]*v1.Template{}
	if data, err := os.ReadFile(path); err == nil {
		parsed := templateFile{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return errors.Wrap(err, errors.KindInternal, "parsing managed template file %q", path)
		}
		for _, raw := range parsed.Templates {
			template, err := decodeTemplate(raw)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "managed template file %q", path)
			}
			entries[template.TemplateID] = template
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, errors.KindInternal, "reading managed template file %q", path)
	}
	if err := mutate(entries); err != nil {
		return err
	}
	if err := writeManaged(path, entries); err != nil {
		return err
	}
	// next read reloads the merged view
	r.merged = nil
	return nil
}

func writeManaged(path string, entries map[string]*v1.Template) error {
	out := templateFile{}
	for _, template := range entries {
		raw := map[string]any{}
		data, err := json.Marshal(template)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "encoding template %q", template.TemplateID)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return errors.Wrap(err, errors.KindInternal, "encoding template %q", template.TemplateID)
		}
		out.Templates = append(out.Templates, raw)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding managed template file")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".templates.*.tmp")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing managed template file %q", path)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, errors.KindInternal, "writing managed template file %q", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, errors.KindInternal, "writing managed template file %q", path)
	}
	return os.Rename(tmp.Name(), path)
}
