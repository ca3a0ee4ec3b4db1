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

// Package templates discovers template files under the configured search
// roots, merges them by source priority, and serves the merged view from a
// TTL cache. The canonical file layout is {provider}inst_templates.*,
// {provider}type_templates.*, {provider}prov_templates.*; the bare
// templates.* form is legacy and lowest priority.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
	"sigs.k8s.io/yaml"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
	"github.com/hostfactory/hostbroker/pkg/utils/pretty"
)

const DefaultCacheTTL = 300 * time.Second

type Resolver struct {
	paths []string
	ttl   time.Duration
	clock clock.Clock

	mu        sync.RWMutex
	merged    map[string]*v1.Template
	loadedAt  time.Time
	fileState map[string]time.Time

	group *singleflight.Group
	cm    *pretty.ChangeMonitor
}

func NewResolver(paths []string, ttl time.Duration, clk clock.Clock) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Resolver{
		paths: paths,
		ttl:   ttl,
		clock: clk,
		group: &singleflight.Group{},
		cm:    pretty.NewChangeMonitor(),
	}
}

// Get returns the template with the given id from the merged view.
func (r *Resolver) Get(ctx context.Context, id string) (*v1.Template, error) {
	if err := r.ensureFresh(ctx, false); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	template, ok := r.merged[id]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "template %q not found", id)
	}
	return template.Clone(), nil
}

// List returns the merged templates ordered by id.
func (r *Resolver) List(ctx context.Context) ([]*v1.Template, error) {
	if err := r.ensureFresh(ctx, false); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*v1.Template, 0, len(r.merged))
	for _, template := range r.merged {
		out = append(out, template.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

// Refresh invalidates the cache and reloads immediately.
func (r *Resolver) Refresh(ctx context.Context) error {
	return r.ensureFresh(ctx, true)
}

// ensureFresh reloads the merged view when forced, when the TTL lapsed, or
// when any source file's modification time moved. Concurrent reloads collapse
// into a single flight; every waiter observes the same outcome.
func (r *Resolver) ensureFresh(ctx context.Context, force bool) error {
	if !force && !r.stale() {
		return nil
	}
	_, err, _ := r.group.Do("reload", func() (any, error) {
		// a racing caller may have completed the reload while we queued
		if !force && !r.stale() {
			return nil, nil
		}
		return nil, r.reload(ctx)
	})
	return err
}

func (r *Resolver) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.merged == nil {
		return true
	}
	if r.clock.Since(r.loadedAt) < r.ttl {
		return false
	}
	files, err := discover(r.paths)
	if err != nil {
		return true
	}
	if len(files) != len(r.fileState) {
		return true
	}
	for _, f := range files {
		if seen, ok := r.fileState[f.Path]; !ok || !seen.Equal(f.ModTime) {
			return true
		}
	}
	return false
}

func (r *Resolver) reload(ctx context.Context) error {
	files, err := discover(r.paths)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "discovering template files")
	}
	merged := map[string]*v1.Template{}
	fileState := map[string]time.Time{}
	for _, f := range files {
		fileState[f.Path] = f.ModTime
		loaded, err := loadFile(f)
		if err != nil {
			return err
		}
		for _, template := range loaded {
			existing, collision := merged[template.TemplateID]
			if !collision {
				merged[template.TemplateID] = template
				continue
			}
			// lower priority number wins; equal priority keeps the first
			// discovered definition
			if template.SourcePriority < existing.SourcePriority {
				merged[template.TemplateID] = template
				continue
			}
			if template.SourcePriority == existing.SourcePriority && r.cm.HasChanged("template-collision/"+template.TemplateID, f.Path) {
				log.FromContext(ctx).Info("ignoring duplicate template definition",
					"template-id", template.TemplateID, "kept", existing.SourceFile, "ignored", f.Path)
			}
		}
	}
	r.mu.Lock()
	r.merged = merged
	r.fileState = fileState
	r.loadedAt = r.clock.Now()
	r.mu.Unlock()
	templatesLoaded.Set(float64(len(merged)))
	return nil
}

// templateFile accepts both the wrapped {"templates": [...]} form and a bare
// array.
type templateFile struct {
	Templates []map[string]any `json:"templates"`
}

func loadFile(f file) ([]*v1.Template, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "reading template file %q", f.Path)
	}
	var raw []map[string]any
	wrapped := templateFile{}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && wrapped.Templates != nil {
		raw = wrapped.Templates
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing template file %q", f.Path)
	}
	out := make([]*v1.Template, 0, len(raw))
	for _, entry := range raw {
		template, err := decodeTemplate(entry)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "template file %q", f.Path)
		}
		if template.ProviderName == "" && f.Provider != "" {
			template.ProviderName = f.Provider
		}
		template.SourcePriority = f.Priority
		template.SourceFile = f.Path
		if err := loadSpecFiles(template, filepath.Dir(f.Path)); err != nil {
			return nil, err
		}
		if err := template.Validate(); err != nil {
			return nil, err
		}
		out = append(out, template)
	}
	return out, nil
}

func decodeTemplate(entry map[string]any) (*v1.Template, error) {
	normalized := normalizeKeys(entry)
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("re-encoding template, %w", err)
	}
	template := &v1.Template{}
	if err := json.Unmarshal(data, template); err != nil {
		return nil, fmt.Errorf("decoding template, %w", err)
	}
	return template, nil
}

// loadSpecFiles resolves file-referenced native specs at load time, so the
// renderer never touches the filesystem.
func loadSpecFiles(template *v1.Template, baseDir string) error {
	if template.ProviderAPISpec == nil && template.ProviderAPISpecFile != "" {
		spec, err := readSpecFile(baseDir, template.ProviderAPISpecFile)
		if err != nil {
			return err
		}
		template.ProviderAPISpec = spec
	}
	if template.LaunchTemplateSpec == nil && template.LaunchTemplateSpecFile != "" {
		spec, err := readSpecFile(baseDir, template.LaunchTemplateSpecFile)
		if err != nil {
			return err
		}
		template.LaunchTemplateSpec = spec
	}
	return nil
}

func readSpecFile(baseDir, path string) (map[string]any, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "reading native spec file %q", path)
	}
	spec := map[string]any{}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing native spec file %q", path)
	}
	return spec, nil
}
