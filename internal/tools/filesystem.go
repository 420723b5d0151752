package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadFileTool reads the contents of a file inside the sandbox.
type ReadFileTool struct {
	Sandbox string
}

func NewReadFileTool(sandbox string) *ReadFileTool { return &ReadFileTool{Sandbox: sandbox} }

func (t *ReadFileTool) Name() string   { return "read_file" }
func (t *ReadFileTool) Domain() string { return "files" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the specified path."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := ResolvePath(GetString(params, "path", ""), t.Sandbox)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", path), nil
		}
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error reading file: %v", err), nil
	}

	return TruncateOutput(string(content), OutputLimitBytes), nil
}

// WriteFileTool writes content to a file inside the sandbox.
type WriteFileTool struct {
	Sandbox string
}

func NewWriteFileTool(sandbox string) *WriteFileTool { return &WriteFileTool{Sandbox: sandbox} }

func (t *WriteFileTool) Name() string           { return "write_file" }
func (t *WriteFileTool) Domain() string         { return "files" }
func (t *WriteFileTool) RequiresApproval() bool { return true }

func (t *WriteFileTool) Description() string {
	return "Write content to a file at the specified path. Creates parent directories if needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := ResolvePath(GetString(params, "path", ""), t.Sandbox)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	content := GetString(params, "content", "")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Sprintf("Error creating directory: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error writing file: %v", err), nil
	}

	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// PatchFileTool replaces text in a file inside the sandbox.
type PatchFileTool struct {
	Sandbox string
}

func NewPatchFileTool(sandbox string) *PatchFileTool { return &PatchFileTool{Sandbox: sandbox} }

func (t *PatchFileTool) Name() string           { return "patch_file" }
func (t *PatchFileTool) Domain() string         { return "files" }
func (t *PatchFileTool) RequiresApproval() bool { return true }

func (t *PatchFileTool) Description() string {
	return "Edit a file by replacing text. Useful for making targeted changes."
}

func (t *PatchFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to edit",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "The text to find and replace",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "The replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *PatchFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := ResolvePath(GetString(params, "path", ""), t.Sandbox)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	oldText := GetString(params, "old_text", "")
	newText := GetString(params, "new_text", "")
	if oldText == "" {
		return "Error: old_text is required", nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", path), nil
		}
		return fmt.Sprintf("Error reading file: %v", err), nil
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, oldText) {
		return fmt.Sprintf("Error: text not found in file: %s", path), nil
	}
	newContent := strings.Replace(contentStr, oldText, newText, 1)

	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		return fmt.Sprintf("Error writing file: %v", err), nil
	}
	return fmt.Sprintf("Successfully edited %s", path), nil
}

// ListDirTool lists directory contents inside the sandbox.
type ListDirTool struct {
	Sandbox string
}

func NewListDirTool(sandbox string) *ListDirTool { return &ListDirTool{Sandbox: sandbox} }

func (t *ListDirTool) Name() string   { return "list_dir" }
func (t *ListDirTool) Domain() string { return "files" }

func (t *ListDirTool) Description() string {
	return "List the contents of a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The directory path to list",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := ResolvePath(GetString(params, "path", "."), t.Sandbox)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: directory not found: %s", path), nil
		}
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error reading directory: %v", err), nil
	}

	var result strings.Builder
	fmt.Fprintf(&result, "Contents of %s:\n", path)
	for _, entry := range entries {
		info, _ := entry.Info()
		if entry.IsDir() {
			fmt.Fprintf(&result, "  [DIR]  %s/\n", entry.Name())
		} else if info != nil {
			fmt.Fprintf(&result, "  [FILE] %s (%d bytes)\n", entry.Name(), info.Size())
		} else {
			fmt.Fprintf(&result, "  [FILE] %s\n", entry.Name())
		}
	}
	return result.String(), nil
}
