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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Source priorities: lower number wins on template id collisions.
const (
	PriorityInstance = 1
	PriorityType     = 2
	PriorityMain     = 3
	PriorityLegacy   = 4
)

var knownExtensions = map[string]bool{
	".json": true,
	".yaml": true,
	".yml":  true,
}

// file is one discovered template file.
type file struct {
	Path     string
	Provider string
	Priority int
	ModTime  time.Time
}

// classify maps a file name onto its source priority. Names follow the
// HostFactory convention {provider}inst_templates.*, {provider}type_templates.*,
// {provider}prov_templates.*, with bare templates.* as the legacy catch-all.
func classify(name string) (provider string, priority int, ok bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if !knownExtensions[ext] {
		return "", 0, false
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if stem == "templates" {
		return "", PriorityLegacy, true
	}
	for suffix, priority := range map[string]int{
		"inst_templates": PriorityInstance,
		"type_templates": PriorityType,
		"prov_templates": PriorityMain,
	} {
		if provider, found := strings.CutSuffix(stem, suffix); found && provider != "" {
			return provider, priority, true
		}
	}
	return "", 0, false
}

// discover walks the configured roots and returns matching files ordered by
// priority, then by discovery order within the same priority (first wins on
// equal-priority collisions).
func discover(paths []string) ([]file, error) {
	var files []file
	order := map[string]int{}
	for _, root := range paths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			provider, priority, ok := classify(entry.Name())
			if !ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, err
			}
			path := filepath.Join(root, entry.Name())
			order[path] = len(order)
			files = append(files, file{
				Path:     path,
				Provider: provider,
				Priority: priority,
				ModTime:  info.ModTime(),
			})
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Priority != files[j].Priority {
			return files[i].Priority < files[j].Priority
		}
		return order[files[i].Path] < order[files[j].Path]
	})
	return files, nil
}
