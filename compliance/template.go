// Package compliance materializes per-requirement compliance rows for a scan
// from a framework template.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/warden/types"
)

// Requirement is one requirement of a framework with its resolved status.
type Requirement struct {
	Name         string                  `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string                  `yaml:"description" json:"description"`
	ChecksStatus types.CheckStatusCounts `yaml:"checks_status" json:"checks_status"`
	Status       types.Status            `yaml:"status" json:"status"`
}

// Framework is one compliance framework of a template.
type Framework struct {
	Framework    string                 `yaml:"framework" json:"framework"`
	Version      string                 `yaml:"version" json:"version"`
	Provider     string                 `yaml:"provider,omitempty" json:"provider,omitempty"`
	Description  string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Requirements map[string]Requirement `yaml:"requirements" json:"requirements"`
}

// Template maps compliance id to framework.
type Template map[string]Framework

// IDs returns the compliance ids sorted.
func (t Template) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequirementIDs returns the framework's requirement ids sorted.
func (f Framework) RequirementIDs() []string {
	ids := make([]string, 0, len(f.Requirements))
	for id := range f.Requirements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TemplateProvider supplies the compliance template for a provider type.
type TemplateProvider interface {
	Template(ctx context.Context, providerType types.ProviderType) (Template, error)
}

// StaticTemplates is an immutable in-memory template set.
type StaticTemplates map[types.ProviderType]Template

// Template implements TemplateProvider.
func (s StaticTemplates) Template(ctx context.Context, providerType types.ProviderType) (Template, error) {
	t, ok := s[providerType]
	if !ok {
		return nil, &types.TemplateError{ProviderType: providerType, Err: types.ErrNotFound}
	}
	return t, nil
}

// DirTemplates loads <Dir>/<provider type>/*.yaml. Each file holds one
// framework; its compliance id is the file name without extension.
// A provider type without a directory has an empty template.
type DirTemplates struct {
	Dir string
}

// Template implements TemplateProvider.
func (d DirTemplates) Template(ctx context.Context, providerType types.ProviderType) (Template, error) {
	dir := filepath.Join(d.Dir, string(providerType))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Template{}, nil
	}
	if err != nil {
		return nil, &types.TemplateError{ProviderType: providerType, Err: err}
	}

	tmpl := make(Template)
	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		fw, err := loadFramework(filepath.Join(dir, name))
		if err != nil {
			return nil, &types.TemplateError{ProviderType: providerType, Err: err}
		}
		tmpl[strings.TrimSuffix(name, ext)] = fw
	}
	return tmpl, nil
}

func loadFramework(path string) (Framework, error) {
	data, err := os.ReadFile(path) // #nosec G304 - template directory is operator configured
	if err != nil {
		return Framework{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var fw Framework
	if err := yaml.Unmarshal(data, &fw); err != nil {
		return Framework{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if fw.Framework == "" {
		return Framework{}, fmt.Errorf("%s: framework name is required", filepath.Base(path))
	}
	for id, req := range fw.Requirements {
		switch req.Status {
		case types.StatusPass, types.StatusFail, types.StatusManual:
		default:
			return Framework{}, fmt.Errorf("%s: requirement %s has invalid status %q", filepath.Base(path), id, req.Status)
		}
	}
	return fw, nil
}
