// Package workspace provides the agent's workspace filesystem layer:
// identity files, memory notes, and the system prompt assembled from them.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IdentityFiles are the workspace files that define who the agent is.
// Memory tools refuse to write them.
var IdentityFiles = []string{"AGENT.md", "IDENTITY.md", "USER.md"}

// memoryDir is where memory notes live, relative to the workspace root.
const memoryDir = "memory"

// Workspace is a rooted view of the agent's working directory.
type Workspace struct {
	root string
}

// New opens (creating if needed) a workspace rooted at root.
func New(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, memoryDir), 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// MemoryDir returns the memory notes directory.
func (w *Workspace) MemoryDir() string { return filepath.Join(w.root, memoryDir) }

// IsIdentityFile reports whether the given path names a protected
// identity file.
func (w *Workspace) IsIdentityFile(path string) bool {
	base := filepath.Base(path)
	for _, name := range IdentityFiles {
		if strings.EqualFold(base, name) {
			return true
		}
	}
	return false
}

// SystemPrompt assembles the identity files present in the workspace into
// a system prompt. Missing files are skipped.
func (w *Workspace) SystemPrompt() string {
	var sb strings.Builder
	for _, name := range IdentityFiles {
		data, err := os.ReadFile(filepath.Join(w.root, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(content)
	}
	return sb.String()
}
