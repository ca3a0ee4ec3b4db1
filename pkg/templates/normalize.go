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
	"strings"
	"unicode"
)

// wireAliases maps scheduler wire names that are not plain camelCase forms of
// the canonical field onto their canonical snake_case keys. Generic camelCase
// conversion covers the rest.
var wireAliases = map[string]string{
	"vmType":     "instance_type",
	"vmTypes":    "instance_types",
	"ncores":     "vcpu_count",
	"nram":       "memory_mib",
	"keyName":    "key_name",
	"templateId": "template_id",
	"maxNumber":  "max_number",
}

// canonical singular fields that the domain models as lists.
var pluralized = map[string]string{
	"subnet_id":         "subnet_ids",
	"security_group_id": "security_group_ids",
	"instance_type":     "instance_types",
}

// normalizeKeys rewrites map keys to canonical snake_case recursively, so
// JSON authored in either scheduler convention loads into the same template
// struct. Values inside native spec blocks are left untouched: those are
// provider payloads, not domain fields.
func normalizeKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		canonical := canonicalKey(key)
		if isNativeSpecKey(canonical) {
			out[canonical] = value
			continue
		}
		switch typed := value.(type) {
		case map[string]any:
			out[canonical] = normalizeKeys(typed)
		case []any:
			items := make([]any, len(typed))
			for i, item := range typed {
				if m, ok := item.(map[string]any); ok {
					items[i] = normalizeKeys(m)
				} else {
					items[i] = item
				}
			}
			out[canonical] = items
		default:
			out[canonical] = value
		}
	}
	// singular wire fields fold into their canonical list form
	for singular, plural := range pluralized {
		if value, ok := out[singular]; ok {
			if _, exists := out[plural]; !exists {
				out[plural] = []any{value}
			}
			delete(out, singular)
		}
	}
	return out
}

func canonicalKey(key string) string {
	if alias, ok := wireAliases[key]; ok {
		return alias
	}
	return toSnake(key)
}

func isNativeSpecKey(key string) bool {
	return key == "provider_api_spec" || key == "launch_template_spec"
}

func toSnake(key string) string {
	var b strings.Builder
	for i, r := range key {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
