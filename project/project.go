// Package project locates and reads the project manifest that anchors a
// migration history on disk.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestName is the file marking a project root.
const ManifestName = "lineage.yaml"

const defaultSchemaDir = "dbschema"

var ErrNotFound = errors.New("no " + ManifestName + " found; not in a project directory")

// Manifest is the parsed project file.
type Manifest struct {
	SchemaDir string `yaml:"schema-dir"`
}

// Project is a located project: the directory holding the manifest plus the
// manifest contents.
type Project struct {
	Root     string
	Manifest Manifest
}

// Find walks up from start until it finds a directory containing the
// manifest.
func Find(start string) (*Project, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	for {
		manifestPath := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(manifestPath); err == nil {
			return load(dir, manifestPath)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotFound
		}
		dir = parent
	}
}

func load(root, manifestPath string) (*Project, error) {
	text, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", manifestPath, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(text, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", manifestPath, err)
	}
	if filepath.IsAbs(manifest.SchemaDir) {
		return nil, fmt.Errorf("schema-dir in %s must be relative to the project root", manifestPath)
	}

	return &Project{Root: root, Manifest: manifest}, nil
}

// SchemaDir returns the schema directory, defaulting to "dbschema".
func (p *Project) SchemaDir() string {
	dir := p.Manifest.SchemaDir
	if dir == "" {
		dir = defaultSchemaDir
	}
	return filepath.Join(p.Root, dir)
}

// MigrationsDir returns the directory holding the canonical chain.
func (p *Project) MigrationsDir() string {
	return filepath.Join(p.SchemaDir(), "migrations")
}
