package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// echoTool is a trivial tool for registry tests.
type echoTool struct {
	name  string
	sleep time.Duration
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
}
func (e *echoTool) ExecutionTimeout() time.Duration { return 100 * time.Millisecond }
func (e *echoTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	if e.sleep > 0 {
		select {
		case <-time.After(e.sleep):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return GetString(params, "text", ""), nil
}

func TestRegistryProtectedBuiltins(t *testing.T) {
	r := NewRegistry()
	r.RegisterBuiltin(&echoTool{name: "read_file"})

	if err := r.Register(&echoTool{name: "read_file"}); err == nil {
		t.Fatal("shadowing a protected builtin should fail")
	}
	if err := r.Register(&echoTool{name: "custom"}); err != nil {
		t.Fatalf("registering custom tool: %v", err)
	}
	// Unprotected tools can be replaced.
	if err := r.Register(&echoTool{name: "custom"}); err != nil {
		t.Fatalf("replacing custom tool: %v", err)
	}
}

func TestRegistryExecuteValidatesParams(t *testing.T) {
	r := NewRegistry()
	r.RegisterBuiltin(&echoTool{name: "echo"})

	if _, err := r.Execute(context.Background(), "echo", map[string]any{}); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("err = %v, want ErrInvalidParams", err)
	}
	out, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil || out != "hi" {
		t.Errorf("out = %q, err = %v", out, err)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Execute(context.Background(), "nope", nil); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistryExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	r.RegisterBuiltin(&echoTool{name: "slow", sleep: time.Second})

	_, err := r.Execute(context.Background(), "slow", map[string]any{"text": "x"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRegistryDefinitionsByDomain(t *testing.T) {
	r := NewRegistry()
	ws := t.TempDir()
	r.RegisterBuiltin(NewReadFileTool(ws))
	r.RegisterBuiltin(NewShellTool(time.Second, ws))

	files := r.DefinitionsByDomain("files")
	if len(files) != 1 || files[0].Function.Name != "read_file" {
		t.Errorf("files defs = %v", files)
	}
	all := r.Definitions()
	if len(all) != 2 {
		t.Errorf("all defs = %d", len(all))
	}
}

func TestToolFlags(t *testing.T) {
	ws := t.TempDir()
	shell := NewShellTool(30*time.Second, ws)
	if !RequiresApproval(shell) || !RequiresSanitization(shell) {
		t.Error("shell should require approval and sanitization")
	}
	if ExecutionTimeout(shell) != 30*time.Second {
		t.Errorf("timeout = %v", ExecutionTimeout(shell))
	}

	read := NewReadFileTool(ws)
	if RequiresApproval(read) {
		t.Error("read_file should not require approval")
	}
	if ExecutionTimeout(read) != 60*time.Second {
		t.Errorf("default timeout = %v", ExecutionTimeout(read))
	}
	if Domain(read) != "files" || Domain(shell) != "shell" {
		t.Error("domains wrong")
	}
}

func TestFileToolsSandbox(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(ws)
	out, err := write.Execute(ctx, map[string]any{"path": "notes/hello.txt", "content": "hi"})
	if err != nil || !strings.Contains(out, "Successfully wrote") {
		t.Fatalf("write: %q, %v", out, err)
	}

	read := NewReadFileTool(ws)
	out, _ = read.Execute(ctx, map[string]any{"path": "notes/hello.txt"})
	if out != "hi" {
		t.Errorf("read = %q", out)
	}

	// Escapes are refused with an error message, not executed.
	out, _ = write.Execute(ctx, map[string]any{"path": "../escape.txt", "content": "x"})
	if !strings.Contains(out, "Error") {
		t.Errorf("escape write = %q", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(ws), "escape.txt")); err == nil {
		t.Error("escape file was created")
	}

	patch := NewPatchFileTool(ws)
	out, _ = patch.Execute(ctx, map[string]any{"path": "notes/hello.txt", "old_text": "hi", "new_text": "hey"})
	if !strings.Contains(out, "Successfully edited") {
		t.Errorf("patch = %q", out)
	}
	out, _ = read.Execute(ctx, map[string]any{"path": "notes/hello.txt"})
	if out != "hey" {
		t.Errorf("after patch = %q", out)
	}

	list := NewListDirTool(ws)
	out, _ = list.Execute(ctx, map[string]any{"path": "notes"})
	if !strings.Contains(out, "hello.txt") {
		t.Errorf("list = %q", out)
	}
}
