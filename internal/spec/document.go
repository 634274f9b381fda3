// Package spec parses flow documents and turns them into validated step
// sequences ready for publication.
package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
)

type (
	// Document is the raw, loosely-typed form of a flow definition as read
	// from YAML or JSON
	Document struct {
		Name        string    `yaml:"name" json:"name"`
		Description string    `yaml:"description,omitempty" json:"description,omitempty"`
		Author      string    `yaml:"author,omitempty" json:"author,omitempty"`
		Steps       []RawStep `yaml:"steps" json:"steps"`
	}

	RawStep struct {
		ID              string         `yaml:"id" json:"id"`
		Name            string         `yaml:"name,omitempty" json:"name,omitempty"`
		Connector       string         `yaml:"connector" json:"connector"`
		Action          string         `yaml:"action" json:"action"`
		Params          map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
		Retry           *RawRetry      `yaml:"retry,omitempty" json:"retry,omitempty"`
		ContinueOnError bool           `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
		TimeoutMs       int64          `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	}

	RawRetry struct {
		MaxAttempts   int   `yaml:"max_attempts" json:"max_attempts"`
		BackoffBaseMs int64 `yaml:"backoff_base_ms" json:"backoff_base_ms"`
		BackoffCapMs  int64 `yaml:"backoff_cap_ms" json:"backoff_cap_ms"`
	}
)

// Parse decodes a YAML or JSON flow document
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Validation(errs.CodeInvalidDocument,
			fmt.Sprintf("failed to parse flow document: %v", err))
	}
	doc.normalizeParams()
	return &doc, nil
}

// ParseSteps decodes either a full document or a bare YAML/JSON list of
// steps. A bare list yields a document with no name.
func ParseSteps(data []byte) (*Document, error) {
	var probe yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, errs.Validation(errs.CodeInvalidDocument,
			fmt.Sprintf("failed to parse flow document: %v", err))
	}
	if len(probe.Content) == 0 || probe.Content[0].Kind != yaml.SequenceNode {
		return Parse(data)
	}

	var doc Document
	if err := probe.Content[0].Decode(&doc.Steps); err != nil {
		return nil, errs.Validation(errs.CodeInvalidDocument,
			fmt.Sprintf("failed to parse steps: %v", err))
	}
	doc.normalizeParams()
	return &doc, nil
}

// ParseStep decodes a single YAML or JSON step. Structural checks run when
// the step is published as part of a version.
func ParseStep(data []byte) (models.Step, error) {
	var doc Document
	doc.Steps = make([]RawStep, 1)
	if err := yaml.Unmarshal(data, &doc.Steps[0]); err != nil {
		return models.Step{}, errs.Validation(errs.CodeInvalidDocument,
			fmt.Sprintf("failed to parse step: %v", err))
	}
	doc.normalizeParams()
	return toStep(doc.Steps[0]), nil
}

// ParseFile reads and decodes a flow document from disk
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	return Parse(data)
}

// LoadAll parses every .yaml, .yml and .json document in dirs, keyed by flow
// name. Missing directories are skipped.
func LoadAll(dirs []string) (map[string]*Document, error) {
	docs := make(map[string]*Document)

	for _, dir := range dirs {
		if err := loadFromDir(dir, docs); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return docs, nil
}

func loadFromDir(dir string, docs map[string]*Document) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		path := filepath.Join(dir, name)
		doc, err := ParseFile(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		// Fall back to the file name when the document has none
		if doc.Name == "" {
			doc.Name = strings.TrimSuffix(name, ext)
		}
		docs[doc.Name] = doc
	}

	return nil
}

// normalizeParams rewrites parameter values decoded by yaml.v3 so nested mappings
// are always map[string]any
func (d *Document) normalizeParams() {
	for i := range d.Steps {
		for k, v := range d.Steps[i].Params {
			d.Steps[i].Params[k] = normalize(v)
		}
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = normalize(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}

// Marshal renders a document as YAML
func Marshal(doc *Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

// Export renders a published version back into document form
func Export(flow *models.Flow, v *models.FlowVersion) *Document {
	doc := &Document{
		Name:        flow.Name,
		Description: flow.Description,
		Author:      v.Author,
		Steps:       make([]RawStep, len(v.Steps)),
	}
	for i, s := range v.Steps {
		doc.Steps[i] = FromStep(s)
	}
	return doc
}

// FromStep converts a validated step to its raw form
func FromStep(s models.Step) RawStep {
	raw := RawStep{
		ID:              s.ID,
		Name:            s.Name,
		Connector:       s.Connector,
		Action:          s.Action,
		ContinueOnError: s.ContinueOnError,
		TimeoutMs:       s.TimeoutMs,
	}
	if len(s.Params) > 0 {
		raw.Params = make(map[string]any, len(s.Params))
		for name, b := range s.Params {
			if b.IsReference() {
				ref := map[string]any{"from_step": b.FromStep}
				if b.Field != "" {
					ref["field"] = b.Field
				}
				raw.Params[name] = ref
				continue
			}
			raw.Params[name] = b.Literal
		}
	}
	if s.Retry != nil {
		raw.Retry = &RawRetry{
			MaxAttempts:   s.Retry.MaxAttempts,
			BackoffBaseMs: s.Retry.BackoffBaseMs,
			BackoffCapMs:  s.Retry.BackoffCapMs,
		}
	}
	return raw
}
