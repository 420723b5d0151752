// Package session provides per-user sessions and per-thread conversation
// state for the agent loop.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/provider"
)

// ThreadState is the lifecycle state of a thread.
type ThreadState string

const (
	StateIdle             ThreadState = "idle"
	StateProcessing       ThreadState = "processing"
	StateAwaitingApproval ThreadState = "awaiting_approval"
	StateInterrupted      ThreadState = "interrupted"
	StateCompleted        ThreadState = "completed"
)

// ToolCallRecord is one tool call recorded in a turn.
type ToolCallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Completed bool           `json:"completed"`
}

// Turn is one user input and the assistant's handling of it.
type Turn struct {
	Number    int              `json:"number"`
	UserInput string           `json:"user_input"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Response  string           `json:"response,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

// RecordToolCall appends a tool call to the turn and returns its index.
func (t *Turn) RecordToolCall(name string, args map[string]any) int {
	t.ToolCalls = append(t.ToolCalls, ToolCallRecord{Name: name, Arguments: args})
	return len(t.ToolCalls) - 1
}

// RecordToolResult marks a recorded call finished.
func (t *Turn) RecordToolResult(index int, result string, err error) {
	if index < 0 || index >= len(t.ToolCalls) {
		return
	}
	tc := &t.ToolCalls[index]
	tc.Completed = true
	if err != nil {
		tc.Error = err.Error()
	} else {
		tc.Result = result
	}
}

// PendingApproval is a suspended tool execution: enough snapshot to resume
// the turn without replaying.
type PendingApproval struct {
	RequestID   uuid.UUID          `json:"request_id"`
	ToolName    string             `json:"tool_name"`
	Parameters  map[string]any     `json:"parameters"`
	Description string             `json:"description"`
	ToolCallID  string             `json:"tool_call_id"`
	Messages    []provider.Message `json:"messages"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Checkpoint is one undo/redo entry: a snapshot of the conversation at a
// turn boundary.
type Checkpoint struct {
	ID          uuid.UUID          `json:"id"`
	TurnNumber  int                `json:"turn_number"`
	Messages    []provider.Message `json:"messages"`
	Description string             `json:"description"`
	CreatedAt   time.Time          `json:"created_at"`
}

// maxCheckpoints bounds the undo stack.
const maxCheckpoints = 20

// Thread is a conversation within a session.
type Thread struct {
	ID        uuid.UUID   `json:"id"`
	SessionID string      `json:"session_id"`
	State     ThreadState `json:"state"`
	Turns     []*Turn     `json:"turns"`
	// Messages is the working conversation context for the model.
	Messages []provider.Message `json:"messages"`
	// Pending holds the single pending approval when State is
	// awaiting_approval, nil otherwise.
	Pending *PendingApproval `json:"pending,omitempty"`
	// LastResponseID chains provider-side responses.
	LastResponseID string `json:"last_response_id,omitempty"`
	// ConversationID keys the persisted conversation, when hydrated or
	// persisted.
	ConversationID string `json:"conversation_id,omitempty"`
	TurnCounter    int    `json:"turn_counter"`

	undoStack []Checkpoint
	redoStack []Checkpoint
}

// NewThread creates an idle thread owned by sessionID.
func NewThread(sessionID string) *Thread {
	return &Thread{
		ID:        uuid.New(),
		SessionID: sessionID,
		State:     StateIdle,
	}
}

// CanAcceptInput reports whether a new turn may start.
func (t *Thread) CanAcceptInput() bool {
	return t.State == StateIdle || t.State == StateInterrupted
}

// BeginTurn appends the user input as a new turn and moves to processing.
func (t *Thread) BeginTurn(userInput string) (*Turn, error) {
	if !t.CanAcceptInput() {
		return nil, errs.Wrapf(errs.KindJob, "thread.begin_turn", errs.ErrInvalidTransition,
			"thread %s is %s", t.ID, t.State)
	}
	t.TurnCounter++
	turn := &Turn{
		Number:    t.TurnCounter,
		UserInput: userInput,
		StartedAt: time.Now(),
	}
	t.Turns = append(t.Turns, turn)
	t.State = StateProcessing
	return turn, nil
}

// LastTurn returns the most recent turn, or nil.
func (t *Thread) LastTurn() *Turn {
	if len(t.Turns) == 0 {
		return nil
	}
	return t.Turns[len(t.Turns)-1]
}

// SetPending installs the pending-approval slot and moves to
// awaiting_approval. At most one pending approval may exist per thread.
func (t *Thread) SetPending(p *PendingApproval) error {
	if t.Pending != nil {
		return errs.New(errs.KindJob, "thread.set_pending", "thread already has a pending approval")
	}
	t.Pending = p
	t.State = StateAwaitingApproval
	return nil
}

// TakePending clears and returns the pending slot. Every transition out of
// awaiting_approval goes through here.
func (t *Thread) TakePending() *PendingApproval {
	p := t.Pending
	t.Pending = nil
	return p
}

// Complete marks the thread completed; it then rejects new input.
func (t *Thread) Complete() {
	t.Pending = nil
	t.State = StateCompleted
}

// Interrupt flags the thread; the turn loop observes it between
// iterations.
func (t *Thread) Interrupt() {
	if t.State == StateProcessing || t.State == StateAwaitingApproval {
		t.Pending = nil
		t.State = StateInterrupted
	}
}

// Checkpoint pushes a snapshot of the current messages onto the undo
// stack and clears the redo stack.
func (t *Thread) Checkpoint(description string) {
	cp := Checkpoint{
		ID:          uuid.New(),
		TurnNumber:  t.TurnCounter,
		Messages:    snapshotMessages(t.Messages),
		Description: description,
		CreatedAt:   time.Now(),
	}
	t.undoStack = append(t.undoStack, cp)
	if len(t.undoStack) > maxCheckpoints {
		t.undoStack = t.undoStack[len(t.undoStack)-maxCheckpoints:]
	}
	t.redoStack = nil
}

// Undo restores the top undo checkpoint, saving current state to redo.
func (t *Thread) Undo() (*Checkpoint, error) {
	if len(t.undoStack) == 0 {
		return nil, errs.New(errs.KindJob, "thread.undo", "nothing to undo")
	}
	cp := t.undoStack[len(t.undoStack)-1]
	t.undoStack = t.undoStack[:len(t.undoStack)-1]

	t.redoStack = append(t.redoStack, Checkpoint{
		ID:          uuid.New(),
		TurnNumber:  t.TurnCounter,
		Messages:    snapshotMessages(t.Messages),
		Description: "before undo",
		CreatedAt:   time.Now(),
	})
	t.Messages = snapshotMessages(cp.Messages)
	return &cp, nil
}

// Redo pops the redo stack.
func (t *Thread) Redo() (*Checkpoint, error) {
	if len(t.redoStack) == 0 {
		return nil, errs.New(errs.KindJob, "thread.redo", "nothing to redo")
	}
	cp := t.redoStack[len(t.redoStack)-1]
	t.redoStack = t.redoStack[:len(t.redoStack)-1]

	t.undoStack = append(t.undoStack, Checkpoint{
		ID:          uuid.New(),
		TurnNumber:  t.TurnCounter,
		Messages:    snapshotMessages(t.Messages),
		Description: "before redo",
		CreatedAt:   time.Now(),
	})
	t.Messages = snapshotMessages(cp.Messages)
	return &cp, nil
}

// RestoreCheckpoint restores a specific checkpoint by id from the undo
// stack.
func (t *Thread) RestoreCheckpoint(id uuid.UUID) error {
	for i := len(t.undoStack) - 1; i >= 0; i-- {
		if t.undoStack[i].ID == id {
			t.Messages = snapshotMessages(t.undoStack[i].Messages)
			t.undoStack = t.undoStack[:i]
			t.redoStack = nil
			return nil
		}
	}
	return errs.NotFound("thread.restore", "checkpoint", id.String())
}

// Clear resets turns, messages, and both checkpoint stacks.
func (t *Thread) Clear() {
	t.Turns = nil
	t.Messages = nil
	t.Pending = nil
	t.undoStack = nil
	t.redoStack = nil
	t.TurnCounter = 0
	t.State = StateIdle
}

// UndoDepth reports the undo stack size.
func (t *Thread) UndoDepth() int { return len(t.undoStack) }

// RedoDepth reports the redo stack size.
func (t *Thread) RedoDepth() int { return len(t.redoStack) }

func snapshotMessages(msgs []provider.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Session is a per-user container of threads.
type Session struct {
	UserID string `json:"user_id"`
	// Threads is keyed by thread id; ThreadOrder preserves creation order.
	Threads        map[uuid.UUID]*Thread `json:"threads"`
	ThreadOrder    []uuid.UUID           `json:"thread_order"`
	ActiveThreadID uuid.UUID             `json:"active_thread_id"`
	// AutoApproved is the set of tool names approved for the session.
	AutoApproved map[string]bool `json:"auto_approved"`
	LastActivity time.Time       `json:"last_activity"`
}

// NewSession creates a session with one idle thread.
func NewSession(userID string) *Session {
	s := &Session{
		UserID:       userID,
		Threads:      make(map[uuid.UUID]*Thread),
		AutoApproved: make(map[string]bool),
		LastActivity: time.Now(),
	}
	t := NewThread(userID)
	s.Threads[t.ID] = t
	s.ThreadOrder = append(s.ThreadOrder, t.ID)
	s.ActiveThreadID = t.ID
	return s
}

// ActiveThread returns the active thread, creating one if the map was
// cleared.
func (s *Session) ActiveThread() *Thread {
	if t, ok := s.Threads[s.ActiveThreadID]; ok {
		return t
	}
	t := NewThread(s.UserID)
	s.Threads[t.ID] = t
	s.ThreadOrder = append(s.ThreadOrder, t.ID)
	s.ActiveThreadID = t.ID
	return t
}

// NewThread creates a thread and makes it active.
func (s *Session) NewThread() *Thread {
	t := NewThread(s.UserID)
	s.Threads[t.ID] = t
	s.ThreadOrder = append(s.ThreadOrder, t.ID)
	s.ActiveThreadID = t.ID
	s.Touch()
	return t
}

// SwitchThread makes an existing thread active.
func (s *Session) SwitchThread(id uuid.UUID) error {
	if _, ok := s.Threads[id]; !ok {
		return errs.NotFound("session.switch_thread", "thread", id.String())
	}
	s.ActiveThreadID = id
	s.Touch()
	return nil
}

// IsAutoApproved reports whether a tool is session-approved.
func (s *Session) IsAutoApproved(tool string) bool {
	return s.AutoApproved[tool]
}

// AutoApprove adds a tool to the session's auto-approve set.
func (s *Session) AutoApprove(tool string) {
	s.AutoApproved[tool] = true
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}

// String implements fmt.Stringer for logging.
func (s *Session) String() string {
	return fmt.Sprintf("session(%s, %d threads)", s.UserID, len(s.Threads))
}
