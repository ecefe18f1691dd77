package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML workflow definition. When the document has no name,
// fallbackName is used.
func Parse(data []byte, fallbackName string) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if w.Name == "" {
		w.Name = fallbackName
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadFile reads and validates a workflow definition file. The file's base
// name (without extension) names the workflow unless the document sets one.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	w, err := Parse(data, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// LoadDir loads every *.yaml / *.yml file in dir. A missing directory yields
// an empty map.
func LoadDir(dir string) (map[string]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Workflow{}, nil
		}
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	out := make(map[string]*Workflow)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		w, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := out[w.Name]; dup {
			return nil, fmt.Errorf("workflow %q defined more than once in %s", w.Name, dir)
		}
		out[w.Name] = w
	}
	return out, nil
}

// Marshal renders a workflow as YAML.
func Marshal(w *Workflow) ([]byte, error) {
	return yaml.Marshal(w)
}

// SortedNames returns the keys of a workflow map in lexical order.
func SortedNames(m map[string]*Workflow) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
