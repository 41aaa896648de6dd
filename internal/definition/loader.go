// Package definition loads YAML client definitions, validates them, and
// compiles them into an immutable registry of method descriptors with
// atomic pointer swap for lock-free reads.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/fabrica/model"
	"gopkg.in/yaml.v3"
)

// Loader scans directories for YAML definition files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a ClientDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.ClientDefinition, error) {
	var defs []model.ClientDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML client definition. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.ClientDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ClientDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def model.ClientDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.ClientDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(data))
	def.Checksum = checksum
	def.SourceFile = path

	return def, nil
}

// LoadPlan loads and parses a single YAML bulk plan file.
func (l *Loader) LoadPlan(path string) (model.BulkPlanDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.BulkPlanDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var plan model.BulkPlanDefinition
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return model.BulkPlanDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	return plan, nil
}

// SchemaPath resolves a definition's schema reference against the directory
// of its source file. Absolute references are returned unchanged.
func SchemaPath(def model.ClientDefinition) string {
	if def.Schema == "" {
		return ""
	}
	if filepath.IsAbs(def.Schema) || def.SourceFile == "" {
		return def.Schema
	}
	return filepath.Join(filepath.Dir(def.SourceFile), def.Schema)
}
