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

// Package nativespec renders raw provider-API payloads authored on templates.
// Rendering is a pure function of the spec document and the variable set: no
// filesystem or network access happens inside a render, file-referenced specs
// are resolved by the template loader before they get here.
package nativespec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"

	"github.com/hostfactory/hostbroker/pkg/errors"
)

const (
	DefaultMaxRecursionDepth = 10
	DefaultTimeout           = 30 * time.Second
)

// Variables is the substitution set available to placeholders.
type Variables struct {
	RequestID      string
	TemplateID     string
	RequestedCount int
	Timestamp      time.Time
	PackageName    string
}

func (v Variables) lookup() map[string]string {
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]string{
		"request_id":      v.RequestID,
		"template_id":     v.TemplateID,
		"requested_count": strconv.Itoa(v.RequestedCount),
		"timestamp":       ts.UTC().Format(time.RFC3339),
		"package_name":    v.PackageName,
	}
}

type Options struct {
	// MaxRecursionDepth bounds how deep a spec document may nest.
	MaxRecursionDepth int
	// Timeout bounds a single render.
	Timeout time.Duration
	// AutoEscape escapes substituted values so they cannot break out of the
	// surrounding JSON string.
	AutoEscape bool
	// CacheTTL bounds how long a rendered payload is reused for identical
	// inputs. Zero disables the render cache.
	CacheTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRecursionDepth: DefaultMaxRecursionDepth,
		Timeout:           DefaultTimeout,
		AutoEscape:        true,
		CacheTTL:          time.Minute,
	}
}

type Renderer struct {
	opts  Options
	cache *cache.Cache
}

func NewRenderer(opts Options) *Renderer {
	if opts.MaxRecursionDepth <= 0 {
		opts.MaxRecursionDepth = DefaultMaxRecursionDepth
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	r := &Renderer{opts: opts}
	if opts.CacheTTL > 0 {
		r.cache = cache.New(opts.CacheTTL, opts.CacheTTL)
	}
	return r
}

// Render substitutes placeholders throughout the spec document and returns a
// new document. The input is never mutated.
func (r *Renderer) Render(ctx context.Context, spec map[string]any, vars Variables) (map[string]any, error) {
	if spec == nil {
		return nil, errors.New(errors.KindValidation, "no native spec to render")
	}
	key := r.cacheKey(spec, vars)
	if r.cache != nil && key != "" {
		if cached, ok := r.cache.Get(key); ok {
			return cached.(map[string]any), nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	walker := &walker{
		ctx:        ctx,
		vars:       vars.lookup(),
		autoEscape: r.opts.AutoEscape,
		maxDepth:   r.opts.MaxRecursionDepth,
	}
	rendered, err := walker.walkMap(spec, 0)
	if err != nil {
		return nil, err
	}
	if r.cache != nil && key != "" {
		r.cache.SetDefault(key, rendered)
	}
	return rendered, nil
}

func (r *Renderer) cacheKey(spec map[string]any, vars Variables) string {
	hash, err := hashstructure.Hash(struct {
		Spec map[string]any
		Vars Variables
	}{Spec: spec, Vars: vars}, hashstructure.FormatV2, nil)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(hash, 16)
}

type walker struct {
	ctx        context.Context
	vars       map[string]string
	autoEscape bool
	maxDepth   int
}

func (w *walker) walkMap(in map[string]any, depth int) (map[string]any, error) {
	if err := w.check(depth); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		rendered, err := w.walkValue(value, depth+1)
		if err != nil {
			return nil, err
		}
		out[key] = rendered
	}
	return out, nil
}

func (w *walker) walkValue(value any, depth int) (any, error) {
	if err := w.check(depth); err != nil {
		return nil, err
	}
	switch typed := value.(type) {
	case map[string]any:
		return w.walkMap(typed, depth)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			rendered, err := w.walkValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		return w.substitute(typed), nil
	default:
		return value, nil
	}
}

func (w *walker) check(depth int) error {
	if depth > w.maxDepth {
		return errors.New(errors.KindValidation, "native spec exceeds max recursion depth %d", w.maxDepth)
	}
	if err := w.ctx.Err(); err != nil {
		return errors.Wrap(err, errors.KindTimeout, "rendering native spec")
	}
	return nil
}

// substitute expands {{name}} placeholders. A string that is exactly
// {{requested_count}} becomes a number, so capacity fields keep their wire
// type.
func (w *walker) substitute(s string) any {
	if s == "{{requested_count}}" {
		count, _ := strconv.Atoi(w.vars["requested_count"])
		return count
	}
	if !strings.Contains(s, "{{") {
		return s
	}
	out := s
	for name, value := range w.vars {
		placeholder := fmt.Sprintf("{{%s}}", name)
		if !strings.Contains(out, placeholder) {
			continue
		}
		if w.autoEscape {
			value = escape(value)
		}
		out = strings.ReplaceAll(out, placeholder, value)
	}
	return out
}

// escape neutralizes characters that would terminate or reshape the enclosing
// JSON string.
func escape(s string) string {
	quoted := strconv.Quote(s)
	return quoted[1 : len(quoted)-1]
}
