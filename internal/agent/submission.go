package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// SubmissionKind labels a parsed user submission.
type SubmissionKind string

const (
	SubUserInput        SubmissionKind = "user_input"
	SubExecApproval     SubmissionKind = "exec_approval"
	SubApprovalResponse SubmissionKind = "approval_response"
	SubInterrupt        SubmissionKind = "interrupt"
	SubCompact          SubmissionKind = "compact"
	SubUndo             SubmissionKind = "undo"
	SubRedo             SubmissionKind = "redo"
	SubResume           SubmissionKind = "resume"
	SubClear            SubmissionKind = "clear"
	SubSwitchThread     SubmissionKind = "switch_thread"
	SubNewThread        SubmissionKind = "new_thread"
	SubHeartbeat        SubmissionKind = "heartbeat"
	SubSummarize        SubmissionKind = "summarize"
	SubSuggest          SubmissionKind = "suggest"
	SubQuit             SubmissionKind = "quit"
	SubSystemCommand    SubmissionKind = "system_command"
)

// Submission is one parsed unit of user input.
type Submission struct {
	Kind    SubmissionKind
	Content string // user_input

	// Approval fields.
	RequestID uuid.UUID // exec_approval
	Approved  bool
	Always    bool

	// Thread navigation.
	ThreadID     uuid.UUID // switch_thread
	CheckpointID uuid.UUID // resume

	// System command.
	Command string
	Args    []string
}

// StartsTurn reports whether this submission begins a new turn.
func (s Submission) StartsTurn() bool { return s.Kind == SubUserInput }

// execApprovalJSON is the structured approval shape rich clients send.
// Arbitrary JSON that does not deserialize into this falls through to
// user input.
type execApprovalJSON struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Always    bool   `json:"always"`
}

// ParseSubmission parses raw user input into a typed submission. The
// command keyword matches case-insensitively; argument case is preserved.
func ParseSubmission(content string) Submission {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)

	switch lower {
	// Control commands.
	case "/undo":
		return Submission{Kind: SubUndo}
	case "/redo":
		return Submission{Kind: SubRedo}
	case "/interrupt", "/stop":
		return Submission{Kind: SubInterrupt}
	case "/compact":
		return Submission{Kind: SubCompact}
	case "/clear":
		return Submission{Kind: SubClear}
	case "/heartbeat":
		return Submission{Kind: SubHeartbeat}
	case "/summarize", "/summary":
		return Submission{Kind: SubSummarize}
	case "/suggest":
		return Submission{Kind: SubSuggest}
	case "/thread new", "/new":
		return Submission{Kind: SubNewThread}

	// System commands bypass thread-state gating.
	case "/help", "/?":
		return Submission{Kind: SubSystemCommand, Command: "help"}
	case "/version":
		return Submission{Kind: SubSystemCommand, Command: "version"}
	case "/tools":
		return Submission{Kind: SubSystemCommand, Command: "tools"}
	case "/ping":
		return Submission{Kind: SubSystemCommand, Command: "ping"}
	case "/debug":
		return Submission{Kind: SubSystemCommand, Command: "debug"}

	case "/quit", "/exit", "/shutdown":
		return Submission{Kind: SubQuit}

	// Plain-English approvals.
	case "yes", "y", "approve", "ok":
		return Submission{Kind: SubApprovalResponse, Approved: true}
	case "always", "yes always", "approve always":
		return Submission{Kind: SubApprovalResponse, Approved: true, Always: true}
	case "no", "n", "deny", "reject", "cancel":
		return Submission{Kind: SubApprovalResponse, Approved: false}
	}

	if sub, ok := parseModelCommand(trimmed, lower); ok {
		return sub
	}
	if sub, ok := parseThreadSwitch(lower); ok {
		return sub
	}
	if sub, ok := parseResume(lower); ok {
		return sub
	}
	if sub, ok := parseJSONApproval(trimmed); ok {
		return sub
	}

	return Submission{Kind: SubUserInput, Content: content}
}

// parseModelCommand handles "/model [args...]".
func parseModelCommand(trimmed, lower string) (Submission, bool) {
	if lower != "/model" && !strings.HasPrefix(lower, "/model ") {
		return Submission{}, false
	}
	fields := strings.Fields(trimmed)
	return Submission{Kind: SubSystemCommand, Command: "model", Args: fields[1:]}, true
}

// parseThreadSwitch handles "/thread <uuid>".
func parseThreadSwitch(lower string) (Submission, bool) {
	rest, ok := strings.CutPrefix(lower, "/thread ")
	if !ok {
		return Submission{}, false
	}
	rest = strings.TrimSpace(rest)
	if rest == "new" {
		return Submission{}, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return Submission{}, false
	}
	return Submission{Kind: SubSwitchThread, ThreadID: id}, true
}

// parseResume handles "/resume <uuid>".
func parseResume(lower string) (Submission, bool) {
	rest, ok := strings.CutPrefix(lower, "/resume ")
	if !ok {
		return Submission{}, false
	}
	id, err := uuid.Parse(strings.TrimSpace(rest))
	if err != nil {
		return Submission{}, false
	}
	return Submission{Kind: SubResume, CheckpointID: id}, true
}

// parseJSONApproval handles structured ExecApproval from rich clients.
func parseJSONApproval(trimmed string) (Submission, bool) {
	if !strings.HasPrefix(trimmed, "{") {
		return Submission{}, false
	}
	var raw execApprovalJSON
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return Submission{}, false
	}
	if raw.Type != "exec_approval" {
		return Submission{}, false
	}
	id, err := uuid.Parse(raw.RequestID)
	if err != nil {
		return Submission{}, false
	}
	return Submission{
		Kind:      SubExecApproval,
		RequestID: id,
		Approved:  raw.Approved,
		Always:    raw.Always,
	}, true
}
