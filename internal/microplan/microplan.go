// Package microplan defines the dependency-annotated planning document
// an agent produces before a validation run, and its YAML wire format.
package microplan

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FileChange is a single planned file modification inside a work unit.
type FileChange struct {
	Path   string `yaml:"path" json:"path"`
	Action string `yaml:"action" json:"action"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// WorkUnit is one unit of planned work. Units reference each other by
// id through DependsOn; the resulting graph must be acyclic.
type WorkUnit struct {
	ID        string       `yaml:"id" json:"id"`
	Goal      string       `yaml:"goal" json:"goal"`
	DependsOn []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Files     []FileChange `yaml:"files,omitempty" json:"files,omitempty"`
	Verify    string       `yaml:"verify,omitempty" json:"verify,omitempty"`
}

// Document is a complete microplan.
type Document struct {
	Version  int        `yaml:"version" json:"version"`
	Goal     string     `yaml:"goal,omitempty" json:"goal,omitempty"`
	TestFile string     `yaml:"test_file,omitempty" json:"test_file,omitempty"`
	Units    []WorkUnit `yaml:"units" json:"units"`
}

// Parse decodes a YAML microplan document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse microplan: %w", err)
	}
	for i, u := range doc.Units {
		if u.ID == "" {
			return nil, fmt.Errorf("microplan unit %d has no id", i)
		}
	}
	return &doc, nil
}

// FilePaths returns the flattened, de-duplicated list of file paths
// across all units, in first-seen order.
func (d *Document) FilePaths() []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, u := range d.Units {
		for _, f := range u.Files {
			if _, ok := seen[f.Path]; ok {
				continue
			}
			seen[f.Path] = struct{}{}
			paths = append(paths, f.Path)
		}
	}
	return paths
}

// Unit returns the unit with the given id.
func (d *Document) Unit(id string) (WorkUnit, bool) {
	for _, u := range d.Units {
		if u.ID == id {
			return u, true
		}
	}
	return WorkUnit{}, false
}
