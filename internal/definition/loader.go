// Package definition loads YAML process bundles, validates them, and serves
// them from a lock-free registry.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mazwell/conduct/model"
)

// Bundle is one parsed definition file: process specs plus entity state
// machines.
type Bundle struct {
	Processes     []model.ProcessSpec      `yaml:"processes"`
	StateMachines []model.StateMachineSpec `yaml:"state_machines"`

	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// Loader scans directories for YAML bundle files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new bundle Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Bundle.
func (l *Loader) LoadAll(directories []string) ([]Bundle, error) {
	var bundles []Bundle

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

			bundle, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			bundles = append(bundles, bundle)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return bundles, nil
}

// LoadFile loads and parses a single YAML bundle file. It computes the
// SHA-256 checksum, records the source file path, and normalizes step kinds.
func (l *Loader) LoadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	bundle.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	bundle.SourceFile = path

	for i := range bundle.Processes {
		normalizeProcess(&bundle.Processes[i])
	}

	return bundle, nil
}

// normalizeProcess fills in step kinds that are unambiguous from the step's
// directive fields. A step carrying only effects is a SIDE_EFFECT step.
func normalizeProcess(p *model.ProcessSpec) {
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Kind != "" {
			continue
		}
		switch {
		case step.Service != "":
			step.Kind = model.StepService
		case step.HumanTask != nil:
			step.Kind = model.StepHumanTask
		case step.WaitDurationSeconds > 0:
			step.Kind = model.StepWait
		case step.ForEach != nil:
			step.Kind = model.StepForEach
		case step.Query != nil:
			step.Kind = model.StepQuery
		case len(step.Effects) > 0:
			step.Kind = model.StepSideEffect
		}
	}
}
