package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Anteroom/Anteroom/internal/workspace"
)

// MemorySearchTool greps memory notes for a query string.
type MemorySearchTool struct {
	WS *workspace.Workspace
}

func NewMemorySearchTool(ws *workspace.Workspace) *MemorySearchTool {
	return &MemorySearchTool{WS: ws}
}

func (t *MemorySearchTool) Name() string   { return "memory_search" }
func (t *MemorySearchTool) Domain() string { return "memory" }

func (t *MemorySearchTool) Description() string {
	return "Search the workspace memory notes for a query string. Returns matching files and lines."
}

func (t *MemorySearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Text to search for (case-insensitive)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := strings.ToLower(GetString(params, "query", ""))
	if query == "" {
		return "Error: query is required", nil
	}

	var sb strings.Builder
	matches := 0
	err := filepath.WalkDir(t.WS.MemoryDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(t.WS.Root(), path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), query) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
				matches++
				if matches >= 50 {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Sprintf("Error searching memory: %v", err), nil
	}
	if matches == 0 {
		return "No matches.", nil
	}
	return sb.String(), nil
}

// MemoryReadTool reads a memory note.
type MemoryReadTool struct {
	WS *workspace.Workspace
}

func NewMemoryReadTool(ws *workspace.Workspace) *MemoryReadTool {
	return &MemoryReadTool{WS: ws}
}

func (t *MemoryReadTool) Name() string   { return "memory_read" }
func (t *MemoryReadTool) Domain() string { return "memory" }

func (t *MemoryReadTool) Description() string {
	return "Read a file from the workspace (memory notes or identity files)."
}

func (t *MemoryReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *MemoryReadTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := ResolvePath(GetString(params, "path", ""), t.WS.Root())
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", path), nil
		}
		return fmt.Sprintf("Error reading file: %v", err), nil
	}
	return TruncateOutput(string(data), OutputLimitBytes), nil
}

// MemoryWriteTool writes a memory note. Identity files are refused.
type MemoryWriteTool struct {
	WS *workspace.Workspace
}

func NewMemoryWriteTool(ws *workspace.Workspace) *MemoryWriteTool {
	return &MemoryWriteTool{WS: ws}
}

func (t *MemoryWriteTool) Name() string           { return "memory_write" }
func (t *MemoryWriteTool) Domain() string         { return "memory" }
func (t *MemoryWriteTool) RequiresApproval() bool { return false }

func (t *MemoryWriteTool) Description() string {
	return "Write a memory note into the workspace. Identity files cannot be written."
}

func (t *MemoryWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Note content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *MemoryWriteTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	raw := GetString(params, "path", "")
	if t.WS.IsIdentityFile(raw) {
		return "Error: identity files cannot be written by tools.", nil
	}
	path, err := ResolvePath(raw, t.WS.Root())
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	content := GetString(params, "content", "")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Sprintf("Error creating directory: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Sprintf("Error writing file: %v", err), nil
	}
	return fmt.Sprintf("Saved %d bytes to %s", len(content), path), nil
}

// MemoryTreeTool renders the workspace file tree.
type MemoryTreeTool struct {
	WS *workspace.Workspace
}

func NewMemoryTreeTool(ws *workspace.Workspace) *MemoryTreeTool {
	return &MemoryTreeTool{WS: ws}
}

func (t *MemoryTreeTool) Name() string   { return "memory_tree" }
func (t *MemoryTreeTool) Domain() string { return "memory" }

func (t *MemoryTreeTool) Description() string {
	return "Show the workspace file tree."
}

func (t *MemoryTreeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *MemoryTreeTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	var sb strings.Builder
	root := t.WS.Root()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))
		indent := strings.Repeat("  ", depth)
		if d.IsDir() {
			fmt.Fprintf(&sb, "%s%s/\n", indent, d.Name())
		} else {
			fmt.Fprintf(&sb, "%s%s\n", indent, d.Name())
		}
		return nil
	})
	if err != nil {
		return fmt.Sprintf("Error walking workspace: %v", err), nil
	}
	if sb.Len() == 0 {
		return "(empty workspace)", nil
	}
	return sb.String(), nil
}
