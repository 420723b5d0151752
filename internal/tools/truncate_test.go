package tools

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateShortInputUnchanged(t *testing.T) {
	s := "short output"
	if got := TruncateOutput(s, 1024); got != s {
		t.Errorf("got %q", got)
	}
}

// Invariant 8: truncation preserves UTF-8 validity and stays within the
// limit plus the marker overhead.
func TestTruncateKeepsHeadAndTail(t *testing.T) {
	s := strings.Repeat("a", 600) + strings.Repeat("z", 600)
	got := TruncateOutput(s, 200)
	if !strings.HasPrefix(got, "a") || !strings.HasSuffix(got, "z") {
		t.Errorf("head/tail missing: %q...%q", got[:10], got[len(got)-10:])
	}
	if !strings.Contains(got, truncationMarker) {
		t.Error("marker missing")
	}
	if len(got) > 200+len(truncationMarker) {
		t.Errorf("len = %d, limit 200 + marker %d", len(got), len(truncationMarker))
	}
}

func TestTruncateMultibyteBoundary(t *testing.T) {
	// Each rune is 3 bytes; odd limits land mid-rune.
	s := strings.Repeat("界", 500)
	for _, limit := range []int{100, 101, 102, 103} {
		got := TruncateOutput(s, limit)
		if !utf8.ValidString(got) {
			t.Errorf("limit %d: output is not valid UTF-8", limit)
		}
		if len(got) > limit+len(truncationMarker) {
			t.Errorf("limit %d: len = %d", limit, len(got))
		}
	}
}

func TestTruncateMixedContent(t *testing.T) {
	s := strings.Repeat("héllo wörld 日本語 ", 2000)
	got := TruncateOutput(s, OutputLimitBytes)
	if !utf8.ValidString(got) {
		t.Error("output is not valid UTF-8")
	}
	if len(got) > OutputLimitBytes+len(truncationMarker) {
		t.Errorf("len = %d", len(got))
	}
}

func TestTruncateZeroLimitUsesDefault(t *testing.T) {
	s := strings.Repeat("x", OutputLimitBytes+1000)
	got := TruncateOutput(s, 0)
	if len(got) > OutputLimitBytes+len(truncationMarker) {
		t.Errorf("len = %d", len(got))
	}
}
