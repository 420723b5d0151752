package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// BlockPatterns are unambiguously destructive commands that are refused
// outright.
var BlockPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`, // rm with root or home
	`\brm\s+-rf\s+\*`,         // rm -rf *
	`\bdd\b.*\bof=/dev/`,      // dd to device
	`\bmkfs\b`,                // filesystem format
	`>\s*/dev/sd`,             // redirect to disk device
	`\b:\(\)\s*\{.*\};\s*:`,   // fork bomb
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
}

// WarnPatterns are dangerous-looking commands that execute but log a
// warning.
var WarnPatterns = []string{
	`\bsudo\b`,
	`\bchmod\s+-R\b`,
	`\bchown\s+-R\b`,
	`\bkill\s+-9\b`,
	`\bgit\s+reset\s+--hard\b`,
}

// NeverAutoApprovePatterns mark invocations that must be approved
// per-invocation even when the shell tool itself is in the session
// auto-approve set.
var NeverAutoApprovePatterns = []string{
	`\brm\s+-r`,                // recursive delete
	`\bgit\s+push\s+.*--force`, // force push
	`\bgit\s+push\s+-f\b`,
	`\bdrop\s+table\b`, // SQL table drop
	`\btruncate\s+table\b`,
	`\bcurl\b.*\|\s*(ba)?sh`, // pipe remote script to shell
}

// ShellTool executes shell commands with guardrails.
type ShellTool struct {
	Timeout     time.Duration
	WorkDir     string
	blockRx     []*regexp.Regexp
	warnRx      []*regexp.Regexp
	neverAutoRx []*regexp.Regexp
	// warnLog receives warnings for dangerous-pattern matches; defaults
	// to a no-op.
	warnLog func(pattern, command string)
}

// NewShellTool creates a shell tool with the default guard lists.
func NewShellTool(timeout time.Duration, workDir string) *ShellTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ShellTool{
		Timeout:     timeout,
		WorkDir:     workDir,
		blockRx:     compileAll(BlockPatterns),
		warnRx:      compileAll(WarnPatterns),
		neverAutoRx: compileAll(NeverAutoApprovePatterns),
		warnLog:     func(string, string) {},
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// SetWarnLog installs a warning sink for dangerous-pattern matches.
func (t *ShellTool) SetWarnLog(fn func(pattern, command string)) {
	if fn != nil {
		t.warnLog = fn
	}
}

func (t *ShellTool) Name() string                    { return "shell_exec" }
func (t *ShellTool) Domain() string                  { return "shell" }
func (t *ShellTool) RequiresApproval() bool          { return true }
func (t *ShellTool) RequiresSanitization() bool      { return true }
func (t *ShellTool) ExecutionTimeout() time.Duration { return t.Timeout }

func (t *ShellTool) Description() string {
	return "Execute a shell command and return its output."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

// NeverAutoApprove reports whether this invocation must be approved even
// when shell_exec is session-auto-approved.
func (t *ShellTool) NeverAutoApprove(params map[string]any) bool {
	command := GetString(params, "command", "")
	for _, re := range t.neverAutoRx {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func (t *ShellTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := GetString(params, "command", "")
	workingDir := GetString(params, "working_dir", t.WorkDir)

	if command == "" {
		return "Error: command is required", nil
	}

	for _, re := range t.blockRx {
		if re.MatchString(command) {
			return fmt.Sprintf("Error: command blocked by safety policy: %s", re.String()), nil
		}
	}
	for _, re := range t.warnRx {
		if re.MatchString(command) {
			t.warnLog(re.String(), command)
		}
	}

	timeout := t.Timeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result strings.Builder
	if stdout.Len() > 0 {
		result.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("STDERR:\n")
		result.WriteString(stderr.String())
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: command timed out after %v\n%s",
			timeout, TruncateOutput(result.String(), OutputLimitBytes)), nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			fmt.Fprintf(&result, "\nExit code: %d", exitErr.ExitCode())
		} else {
			return fmt.Sprintf("Error executing command: %v", err), nil
		}
	}

	if result.Len() == 0 {
		return "(no output)", nil
	}

	return TruncateOutput(result.String(), OutputLimitBytes), nil
}
