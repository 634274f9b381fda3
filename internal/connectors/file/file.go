// Package file provides the local file connector. All paths are relative to
// a base directory and may not escape it.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/workspace"
)

const Name = "file"

type Connector struct {
	*connector.Mux
	base string
}

func New(baseDir string) *Connector {
	c := &Connector{Mux: connector.NewMux(Name), base: baseDir}
	pathParam := connector.Required("path", connector.TypeString)

	c.Handle(connector.ActionSpec{
		Name:        "read_file",
		Description: "Read a text file",
		Aliases:     []string{"read"},
		Params:      []connector.ParamSpec{pathParam},
	}, c.read)
	c.Handle(connector.ActionSpec{
		Name:        "write_file",
		Description: "Write or append to a file, creating parent directories",
		Aliases:     []string{"write"},
		Params: []connector.ParamSpec{
			pathParam,
			connector.Required("content", connector.TypeString),
			connector.Optional("append", connector.TypeBool),
		},
	}, c.write)
	c.Handle(connector.ActionSpec{
		Name:        "list_files",
		Description: "List files matching a glob pattern",
		Aliases:     []string{"list"},
		Params: []connector.ParamSpec{
			connector.Optional("pattern", connector.TypeString),
		},
	}, c.list)
	c.Handle(connector.ActionSpec{
		Name:    "file_exists",
		Aliases: []string{"exists"},
		Params:  []connector.ParamSpec{pathParam},
	}, c.exists)
	c.Handle(connector.ActionSpec{
		Name:    "delete_file",
		Aliases: []string{"delete"},
		Params:  []connector.ParamSpec{pathParam},
	}, c.delete)
	c.Handle(connector.ActionSpec{
		Name:    "get_file_info",
		Aliases: []string{"info"},
		Params:  []connector.ParamSpec{pathParam},
	}, c.info)
	return c
}

// Ping checks that the base directory is usable
func (c *Connector) Ping(context.Context) error {
	info, err := os.Stat(c.base)
	if err != nil {
		return connector.Wrap("unavailable", err)
	}
	if !info.IsDir() {
		return connector.Failf("unavailable", "%s is not a directory", c.base)
	}
	return nil
}

func (c *Connector) resolve(params map[string]any) (string, string, error) {
	name, err := connector.String(params, "path", true)
	if err != nil {
		return "", "", err
	}
	full, err := workspace.Resolve(c.base, name)
	if err != nil {
		return "", "", connector.Wrap("forbidden", err)
	}
	return name, full, nil
}

func (c *Connector) read(_ context.Context, params map[string]any) (map[string]any, error) {
	name, full, err := c.resolve(params)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fileError(name, err)
	}

	out := map[string]any{
		"path":       name,
		"size_bytes": len(data),
	}
	if !utf8.Valid(data) {
		out["content"] = fmt.Sprintf("[binary file, %d bytes]", len(data))
		out["is_binary"] = true
		return out, nil
	}
	content := string(data)
	out["content"] = content
	out["lines"] = countLines(content)
	return out, nil
}

func (c *Connector) write(_ context.Context, params map[string]any) (map[string]any, error) {
	name, full, err := c.resolve(params)
	if err != nil {
		return nil, err
	}
	content, err := connector.String(params, "content", false)
	if err != nil {
		return nil, err
	}
	appendMode, err := connector.Bool(params, "append", false)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fileError(name, err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(full, flags, 0644)
	if err != nil {
		return nil, fileError(name, err)
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fileError(name, err)
	}

	return map[string]any{
		"path":          name,
		"bytes_written": n,
	}, nil
}

func (c *Connector) list(_ context.Context, params map[string]any) (map[string]any, error) {
	pattern, err := connector.String(params, "pattern", false)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = "*"
	}
	if _, err := workspace.Resolve(c.base, pattern); err != nil {
		return nil, connector.Wrap("forbidden", err)
	}

	matches, err := filepath.Glob(filepath.Join(c.base, pattern))
	if err != nil {
		return nil, connector.Wrap("invalid_pattern", err)
	}
	sort.Strings(matches)

	files := make([]any, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		rel, _ := filepath.Rel(c.base, m)
		files = append(files, map[string]any{
			"name":     rel,
			"size":     info.Size(),
			"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return map[string]any{
		"files": files,
		"count": len(files),
	}, nil
}

func (c *Connector) exists(_ context.Context, params map[string]any) (map[string]any, error) {
	name, full, err := c.resolve(params)
	if err != nil {
		return nil, err
	}
	_, err = os.Stat(full)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fileError(name, err)
	}
	return map[string]any{
		"path":   name,
		"exists": err == nil,
	}, nil
}

func (c *Connector) delete(_ context.Context, params map[string]any) (map[string]any, error) {
	name, full, err := c.resolve(params)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(full); err != nil {
		return nil, fileError(name, err)
	}
	return map[string]any{
		"path":    name,
		"deleted": true,
	}, nil
}

func (c *Connector) info(_ context.Context, params map[string]any) (map[string]any, error) {
	name, full, err := c.resolve(params)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fileError(name, err)
	}
	return map[string]any{
		"path":     name,
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mode":     info.Mode().String(),
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

func fileError(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return connector.Failf("not_found", "file not found: %s", name)
	}
	if errors.Is(err, fs.ErrPermission) {
		return connector.Failf("forbidden", "permission denied: %s", name)
	}
	return connector.Wrap("io", err)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
