package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Files provides workspace-confined file capabilities. All paths are
// resolved relative to the workspace root; a path that escapes it is
// rejected before any I/O happens.
type Files struct {
	workspace    string
	readOnlyDirs []string
}

// NewFiles creates the file capability provider. An empty workspace
// disables registration entirely.
func NewFiles(workspace string, readOnlyDirs []string) *Files {
	return &Files{workspace: workspace, readOnlyDirs: readOnlyDirs}
}

// Enabled reports whether a workspace is configured.
func (f *Files) Enabled() bool {
	return f.workspace != ""
}

// resolve converts path to an absolute location inside the workspace
// or one of the read-only dirs. forWrite restricts the result to the
// writable workspace.
func (f *Files) resolve(path string, forWrite bool) (string, error) {
	if f.workspace == "" {
		return "", fmt.Errorf("workspace not configured")
	}

	roots := []string{f.workspace}
	if !forWrite {
		roots = append(roots, f.readOnlyDirs...)
	}

	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		var candidate string
		if filepath.IsAbs(path) {
			candidate = filepath.Clean(path)
		} else {
			candidate = filepath.Clean(filepath.Join(rootAbs, path))
		}
		if candidate == rootAbs || strings.HasPrefix(candidate, rootAbs+string(filepath.Separator)) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("path escapes workspace: %s", path)
}

// maxReadBytes caps file content returned to the engine.
const maxReadBytes = 50 * 1024

// Register adds read_file, write_file and list_files to the registry.
func (f *Files) Register(r *Registry) error {
	if !f.Enabled() {
		return nil
	}

	if err := r.Register(&Capability{
		Name:        "read_file",
		Description: "Read a file from the workspace. Supports optional line offset and limit for large files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace root",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-indexed first line to return",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to return",
				},
			},
			"required": []string{"path"},
		},
		Handler: f.handleRead,
	}); err != nil {
		return err
	}

	if err := r.Register(&Capability{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories as needed. Overwrites existing content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace root",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full file content to write",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: f.handleWrite,
	}); err != nil {
		return err
	}

	return r.Register(&Capability{
		Name:        "list_files",
		Description: "List files and directories at a workspace path.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory relative to the workspace root (default: the root)",
				},
			},
		},
		Handler: f.handleList,
	})
}

func (f *Files) handleRead(_ context.Context, args map[string]any) (*Result, error) {
	path := stringArg(args, "path")
	abs, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	offset := intArg(args, "offset", 0)
	limit := intArg(args, "limit", 0)
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return nil, fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return &Result{Output: content}, nil
}

func (f *Files) handleWrite(_ context.Context, args map[string]any) (*Result, error) {
	path := stringArg(args, "path")
	abs, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}
	content := stringArg(args, "content")
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	return &Result{
		Output:      fmt.Sprintf("Wrote %d bytes to %s", len(content), path),
		SideEffects: []string{fmt.Sprintf("wrote file %s", path)},
	}, nil
}

func (f *Files) handleList(_ context.Context, args map[string]any) (*Result, error) {
	path := stringArg(args, "path")
	if path == "" {
		path = "."
	}
	abs, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return &Result{Output: "(empty directory)"}, nil
	}
	return &Result{Output: strings.Join(names, "\n")}, nil
}
