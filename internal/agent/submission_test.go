package agent

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestParseControlCommands(t *testing.T) {
	cases := map[string]SubmissionKind{
		"/undo":      SubUndo,
		"/redo":      SubRedo,
		"/interrupt": SubInterrupt,
		"/stop":      SubInterrupt,
		"/compact":   SubCompact,
		"/clear":     SubClear,
		"/heartbeat": SubHeartbeat,
		"/summarize": SubSummarize,
		"/summary":   SubSummarize,
		"/suggest":   SubSuggest,
		"/new":       SubNewThread,
		"/thread new": SubNewThread,
		"/quit":      SubQuit,
		"/exit":      SubQuit,
	}
	for input, want := range cases {
		if got := ParseSubmission(input); got.Kind != want {
			t.Errorf("Parse(%q).Kind = %s, want %s", input, got.Kind, want)
		}
	}
}

func TestParseCommandCaseInsensitive(t *testing.T) {
	for _, input := range []string{"/UNDO", "/Undo", "  /undo  "} {
		if got := ParseSubmission(input); got.Kind != SubUndo {
			t.Errorf("Parse(%q).Kind = %s", input, got.Kind)
		}
	}
}

func TestParseApprovalWords(t *testing.T) {
	approve := []string{"yes", "y", "approve", "ok", "YES", "Ok"}
	for _, input := range approve {
		got := ParseSubmission(input)
		if got.Kind != SubApprovalResponse || !got.Approved || got.Always {
			t.Errorf("Parse(%q) = %+v", input, got)
		}
	}

	always := []string{"always", "yes always", "approve always"}
	for _, input := range always {
		got := ParseSubmission(input)
		if got.Kind != SubApprovalResponse || !got.Approved || !got.Always {
			t.Errorf("Parse(%q) = %+v", input, got)
		}
	}

	reject := []string{"no", "n", "deny", "reject", "cancel"}
	for _, input := range reject {
		got := ParseSubmission(input)
		if got.Kind != SubApprovalResponse || got.Approved {
			t.Errorf("Parse(%q) = %+v", input, got)
		}
	}
}

func TestParseSystemCommands(t *testing.T) {
	for input, cmd := range map[string]string{
		"/help": "help", "/?": "help", "/version": "version",
		"/tools": "tools", "/ping": "ping", "/debug": "debug",
	} {
		got := ParseSubmission(input)
		if got.Kind != SubSystemCommand || got.Command != cmd {
			t.Errorf("Parse(%q) = %+v", input, got)
		}
	}
}

// Invariant 6: the command matches case-insensitively but argument case
// is preserved.
func TestParseModelPreservesArgCase(t *testing.T) {
	got := ParseSubmission("/MODEL Claude-Sonnet-4-5")
	if got.Kind != SubSystemCommand || got.Command != "model" {
		t.Fatalf("got %+v", got)
	}
	if len(got.Args) != 1 || got.Args[0] != "Claude-Sonnet-4-5" {
		t.Errorf("args = %v, want original case", got.Args)
	}

	bare := ParseSubmission("/model")
	if bare.Command != "model" || len(bare.Args) != 0 {
		t.Errorf("bare /model = %+v", bare)
	}
}

func TestParseThreadSwitchAndResume(t *testing.T) {
	id := uuid.New()
	got := ParseSubmission("/thread " + id.String())
	if got.Kind != SubSwitchThread || got.ThreadID != id {
		t.Errorf("got %+v", got)
	}

	got = ParseSubmission("/resume " + id.String())
	if got.Kind != SubResume || got.CheckpointID != id {
		t.Errorf("got %+v", got)
	}

	// Bad uuids fall through to user input.
	got = ParseSubmission("/thread not-a-uuid")
	if got.Kind != SubUserInput {
		t.Errorf("got %+v", got)
	}
}

func TestParseJSONExecApproval(t *testing.T) {
	id := uuid.New()
	input := fmt.Sprintf(`{"type": "exec_approval", "request_id": "%s", "approved": true, "always": true}`, id)
	got := ParseSubmission(input)
	if got.Kind != SubExecApproval || got.RequestID != id || !got.Approved || !got.Always {
		t.Errorf("got %+v", got)
	}
}

// Arbitrary JSON falls through to user text.
func TestParseArbitraryJSONIsUserInput(t *testing.T) {
	for _, input := range []string{
		`{"foo": "bar"}`,
		`{"type": "something_else", "request_id": "x"}`,
		`{"type": "exec_approval", "request_id": "not-a-uuid"}`,
	} {
		got := ParseSubmission(input)
		if got.Kind != SubUserInput {
			t.Errorf("Parse(%q).Kind = %s, want user_input", input, got.Kind)
		}
		if got.Content != input {
			t.Errorf("content altered: %q", got.Content)
		}
	}
}

func TestParsePlainTextIsUserInput(t *testing.T) {
	got := ParseSubmission("What's on my calendar today?")
	if got.Kind != SubUserInput || got.Content != "What's on my calendar today?" {
		t.Errorf("got %+v", got)
	}
	if !got.StartsTurn() {
		t.Error("user input should start a turn")
	}
}
