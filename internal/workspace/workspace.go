// Package workspace manages the per-run scratch directories and the
// sandboxed path resolution used by connectors that touch the filesystem.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Workspace struct {
	Path       string
	ScratchDir string
}

type RunMetadata struct {
	RunID   string         `json:"run_id"`
	FlowID  string         `json:"flow_id"`
	Version int            `json:"version"`
	Inputs  map[string]any `json:"inputs,omitempty"`
}

var (
	ErrOutsideSandbox = errors.New("path escapes the sandbox")
	ErrNoWorkspace    = errors.New("workspace does not exist")
)

// Create makes the directory for a run, with a scratch area connectors may
// use for intermediate files
func Create(baseDir, runID string) (*Workspace, error) {
	w := forRun(baseDir, runID)
	if err := os.MkdirAll(w.ScratchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return w, nil
}

// Open returns an existing run's workspace
func Open(baseDir, runID string) (*Workspace, error) {
	w := forRun(baseDir, runID)
	if _, err := os.Stat(w.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: run %s", ErrNoWorkspace, runID)
	}
	return w, nil
}

// Remove deletes a run's workspace; a missing workspace is not an error
func Remove(baseDir, runID string) error {
	return os.RemoveAll(forRun(baseDir, runID).Path)
}

func forRun(baseDir, runID string) *Workspace {
	path := filepath.Join(baseDir, "run-"+runID)
	return &Workspace{
		Path:       path,
		ScratchDir: filepath.Join(path, "scratch"),
	}
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	path := filepath.Join(w.Path, "run.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "run.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read run.json: %w", err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}
	return &meta, nil
}

// ScratchPath resolves name inside the scratch directory
func (w *Workspace) ScratchPath(name string) (string, error) {
	return Resolve(w.ScratchDir, name)
}

// Resolve joins a relative name onto base, rejecting absolute paths and any
// path that would leave base
func Resolve(base, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideSandbox)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s is absolute", ErrOutsideSandbox, name)
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absBase, name)
	rel, err := filepath.Rel(absBase, full)
	if err != nil || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideSandbox, name)
	}
	return full, nil
}

type ctxKey struct{}

// WithContext attaches a run's workspace to ctx for connectors to pick up
func WithContext(ctx context.Context, w *Workspace) context.Context {
	return context.WithValue(ctx, ctxKey{}, w)
}

// FromContext returns the workspace attached by WithContext
func FromContext(ctx context.Context) (*Workspace, bool) {
	w, ok := ctx.Value(ctxKey{}).(*Workspace)
	return w, ok && w != nil
}
