// Package safety provides input policy checks and tool-output
// sanitization. This is the runtime's safety stub: the checks are simple
// pattern gates, shaped so a richer policy engine can slot in behind the
// same interface.
package safety

import (
	"regexp"
	"strings"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// maxInputBytes bounds a single user submission.
const maxInputBytes = 64 * 1024

// policyPatterns block user input that asks the agent to destroy data.
var policyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\s+[/~]`),
	regexp.MustCompile(`(?i)\bdelete\b.{0,20}\ball\b.{0,20}\bfiles\b`),
	regexp.MustCompile(`(?i)\bwipe\b.{0,20}\b(disk|drive|database)\b`),
}

// secretPatterns are redacted from tool output before it reaches the
// model or a transcript.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[=:]\s*\S+`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
}

// Layer is the safety collaborator used by the agent loop.
type Layer struct{}

// NewLayer creates the safety layer.
func NewLayer() *Layer { return &Layer{} }

// ValidateInput checks a user submission against the input policy.
func (l *Layer) ValidateInput(content string) error {
	if len(content) > maxInputBytes {
		return errs.Wrap(errs.KindSafety, "safety.validate", errs.ErrPolicy)
	}
	for _, re := range policyPatterns {
		if re.MatchString(content) {
			return errs.Wrapf(errs.KindSafety, "safety.validate", errs.ErrPolicy,
				"input matches blocked pattern")
		}
	}
	return nil
}

// Sanitize redacts secret-looking material from tool output.
func (l *Layer) Sanitize(output string) string {
	for _, re := range secretPatterns {
		output = re.ReplaceAllString(output, "[redacted]")
	}
	return output
}

// DescribePolicy returns a short human-readable policy summary for /help.
func (l *Layer) DescribePolicy() string {
	return strings.TrimSpace(`
Input is checked against a destructive-intent blocklist; tool output is
scanned for credential-shaped strings, which are redacted.`)
}
