package agent

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Anteroom/Anteroom/internal/bus"
	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/config"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/session"
	"github.com/Anteroom/Anteroom/internal/store"
	"github.com/Anteroom/Anteroom/internal/workspace"
)

// scriptedLLM plays back canned responses in order and records requests.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*provider.ChatResponse
	requests  []*provider.ChatRequest
}

func (s *scriptedLLM) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return &provider.ChatResponse{Content: "done"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedLLM) DefaultModel() string { return "scripted" }

func text(content string) *provider.ChatResponse {
	return &provider.ChatResponse{Content: content, FinishReason: "stop"}
}

func toolCall(id, name string, args map[string]any) *provider.ChatResponse {
	return &provider.ChatResponse{
		ToolCalls:    []provider.ToolCall{{ID: id, Name: name, Arguments: args}},
		FinishReason: "tool_calls",
	}
}

type testHarness struct {
	loop   *Loop
	bus    *bus.MessageBus
	status []bus.StatusUpdate
}

func newHarness(t *testing.T, llm provider.LLMProvider) *testHarness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}
	cfg.Normalize()

	b := bus.NewMessageBus()
	h := &testHarness{bus: b}
	b.SubscribeStatus("cli", func(u *bus.StatusUpdate) {
		h.status = append(h.status, *u)
	})

	h.loop = NewLoop(LoopOptions{
		Bus:       b,
		Provider:  llm,
		Queue:     cards.NewQueue(),
		Sessions:  session.NewManager(nil),
		Workspace: ws,
		Config:    cfg,
	})
	return h
}

func (h *testHarness) send(t *testing.T, content string) string {
	t.Helper()
	resp, err := h.loop.HandleMessage(context.Background(), &bus.IncomingMessage{
		Channel: "cli", UserID: "user", Content: content,
	})
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", content, err)
	}
	return resp
}

func (h *testHarness) statusKinds() []bus.StatusKind {
	out := make([]bus.StatusKind, len(h.status))
	for i, s := range h.status {
		out[i] = s.Kind
	}
	return out
}

func (h *testHarness) hasStatus(kind bus.StatusKind) bool {
	for _, s := range h.status {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

func (h *testHarness) activeThread() *session.Thread {
	var th *session.Thread
	h.loop.sessions.ResolveThread(context.Background(), "user", "cli", "", func(_ *session.Session, t *session.Thread) {
		th = t
	})
	return th
}

func TestPlainTextTurn(t *testing.T) {
	// Text-only answers inside the nudge window get nudged toward tools;
	// the third text response is accepted as final.
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		text("let me think"), text("still thinking"), text("Here's your answer."),
	}}
	h := newHarness(t, llm)

	resp := h.send(t, "What's the plan?")
	if resp != "Here's your answer." {
		t.Errorf("resp = %q", resp)
	}
	if !h.hasStatus(bus.StatusThinking) {
		t.Errorf("statuses = %v, want thinking", h.statusKinds())
	}

	th := h.activeThread()
	if th.State != session.StateIdle {
		t.Errorf("state = %s, want idle", th.State)
	}
	if len(th.Turns) != 1 || th.Turns[0].Response != "Here's your answer." {
		t.Errorf("turns = %+v", th.Turns)
	}

	// The nudge was injected between model calls.
	found := false
	for _, req := range llm.requests {
		for _, m := range req.Messages {
			if m.Role == "user" && m.Content == toolNudge {
				found = true
			}
		}
	}
	if !found {
		t.Error("nudge message never sent to model")
	}
}

func TestToolExecutionWithoutApproval(t *testing.T) {
	// list_dir does not require approval.
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "list_dir", map[string]any{"path": "."}),
		text("Directory listed."),
	}}
	h := newHarness(t, llm)

	resp := h.send(t, "list my workspace")
	if resp != "Directory listed." {
		t.Errorf("resp = %q", resp)
	}
	if !h.hasStatus(bus.StatusToolStarted) || !h.hasStatus(bus.StatusToolCompleted) || !h.hasStatus(bus.StatusToolResult) {
		t.Errorf("statuses = %v", h.statusKinds())
	}

	th := h.activeThread()
	turn := th.Turns[0]
	if len(turn.ToolCalls) != 1 || !turn.ToolCalls[0].Completed {
		t.Errorf("tool calls = %+v", turn.ToolCalls)
	}

	// Tool result flowed back to the model with the right call id.
	last := llm.requests[len(llm.requests)-1]
	foundResult := false
	for _, m := range last.Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			foundResult = true
		}
	}
	if !foundResult {
		t.Error("tool result message missing from follow-up request")
	}
}

// S3: approval-gated tool pauses the turn; "yes" resumes and completes.
func TestToolApprovalFlow(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "write_file", map[string]any{"path": "notes.md", "content": "remember"}),
		text("Saved your note."),
	}}
	h := newHarness(t, llm)

	resp := h.send(t, "save a note")
	if !strings.Contains(resp, "needs your approval") {
		t.Fatalf("resp = %q", resp)
	}
	if !h.hasStatus(bus.StatusApprovalNeeded) {
		t.Errorf("statuses = %v, want approval_needed", h.statusKinds())
	}

	th := h.activeThread()
	if th.State != session.StateAwaitingApproval || th.Pending == nil {
		t.Fatalf("state = %s, pending = %v", th.State, th.Pending)
	}
	if th.Pending.ToolName != "write_file" || th.Pending.ToolCallID != "c1" {
		t.Errorf("pending = %+v", th.Pending)
	}
	// The model was called exactly once so far: the tool did NOT run.
	if len(llm.requests) != 1 {
		t.Fatalf("model calls = %d, want 1", len(llm.requests))
	}

	resp = h.send(t, "yes")
	if resp != "Saved your note." {
		t.Errorf("resp = %q", resp)
	}

	th = h.activeThread()
	if th.State != session.StateIdle || th.Pending != nil {
		t.Errorf("state = %s, pending = %v", th.State, th.Pending)
	}
	turn := th.Turns[0]
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", turn.ToolCalls)
	}
	if !turn.ToolCalls[0].Completed || !strings.Contains(turn.ToolCalls[0].Result, "Successfully wrote") {
		t.Errorf("tool call = %+v", turn.ToolCalls[0])
	}

	// The resumed model call carries the tool result under the original id.
	last := llm.requests[len(llm.requests)-1]
	found := false
	for _, m := range last.Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			found = true
		}
	}
	if !found {
		t.Error("resumed request missing tool result")
	}
}

func TestApprovalRejection(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "write_file", map[string]any{"path": "x", "content": "y"}),
	}}
	h := newHarness(t, llm)

	h.send(t, "write something")
	resp := h.send(t, "no")
	if !strings.Contains(resp, "Rejected write_file") {
		t.Errorf("resp = %q", resp)
	}
	th := h.activeThread()
	if th.State != session.StateIdle || th.Pending != nil {
		t.Errorf("state = %s", th.State)
	}
}

func TestAlwaysAddsToAutoApproveSet(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "write_file", map[string]any{"path": "a.md", "content": "1"}),
		// after "always": resume → second tool call runs unattended
		toolCall("c2", "write_file", map[string]any{"path": "b.md", "content": "2"}),
		text("Both files written."),
	}}
	h := newHarness(t, llm)

	h.send(t, "write two files")
	resp := h.send(t, "always")
	if resp != "Both files written." {
		t.Errorf("resp = %q", resp)
	}

	var auto bool
	h.loop.sessions.WithSession("user", func(s *session.Session) {
		auto = s.IsAutoApproved("write_file")
	})
	if !auto {
		t.Error("write_file not in auto-approve set")
	}
}

func TestShellNeverAutoApprovedForDestructive(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "shell_exec", map[string]any{"command": "rm -r build/"}),
	}}
	h := newHarness(t, llm)

	// Even with shell_exec session-approved, the destructive invocation
	// pauses for approval.
	h.loop.sessions.WithSession("user", func(s *session.Session) {
		s.AutoApprove("shell_exec")
	})

	resp := h.send(t, "clean the build dir")
	if !strings.Contains(resp, "needs your approval") {
		t.Errorf("resp = %q", resp)
	}
}

func TestRequestIDMismatchKeepsPending(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "write_file", map[string]any{"path": "x", "content": "y"}),
	}}
	h := newHarness(t, llm)
	h.send(t, "write something")

	resp := h.send(t, `{"type": "exec_approval", "request_id": "00000000-0000-0000-0000-000000000009", "approved": true}`)
	if !strings.Contains(resp, "does not match") {
		t.Errorf("resp = %q", resp)
	}
	th := h.activeThread()
	if th.State != session.StateAwaitingApproval || th.Pending == nil {
		t.Error("pending slot should be restored after mismatch")
	}
}

func TestGatingWhileAwaitingApproval(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "write_file", map[string]any{"path": "x", "content": "y"}),
	}}
	h := newHarness(t, llm)
	h.send(t, "write something")

	resp := h.send(t, "and another thing")
	if !strings.Contains(resp, "awaiting approval") {
		t.Errorf("resp = %q", resp)
	}
}

func TestCompletedThreadDirectsToNew(t *testing.T) {
	llm := &scriptedLLM{}
	h := newHarness(t, llm)
	th := h.activeThread()
	th.Complete()

	resp := h.send(t, "hello?")
	if !strings.Contains(resp, "/new") {
		t.Errorf("resp = %q", resp)
	}
}

func TestSystemCommandsBypassGating(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "write_file", map[string]any{"path": "x", "content": "y"}),
	}}
	h := newHarness(t, llm)
	h.send(t, "write something") // now awaiting approval

	if resp := h.send(t, "/ping"); resp != "pong" {
		t.Errorf("/ping = %q", resp)
	}
	if resp := h.send(t, "/tools"); !strings.Contains(resp, "shell_exec") {
		t.Errorf("/tools = %q", resp)
	}
	if resp := h.send(t, "/version"); !strings.Contains(resp, "anteroom") {
		t.Errorf("/version = %q", resp)
	}
}

func TestUndoRedoControls(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		text("a"), text("b"), text("answer one"),
	}}
	h := newHarness(t, llm)

	if resp := h.send(t, "/undo"); resp != "Nothing to undo." {
		t.Errorf("resp = %q", resp)
	}

	h.send(t, "first question")
	if resp := h.send(t, "/undo"); !strings.Contains(resp, "Undid") {
		t.Errorf("resp = %q", resp)
	}
	if resp := h.send(t, "/redo"); !strings.Contains(resp, "Redid") {
		t.Errorf("resp = %q", resp)
	}
}

func TestClearResetsThread(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{text("x"), text("y"), text("z")}}
	h := newHarness(t, llm)
	h.send(t, "hello")
	h.send(t, "/clear")

	th := h.activeThread()
	if len(th.Turns) != 0 || len(th.Messages) != 0 || th.UndoDepth() != 0 {
		t.Errorf("thread not cleared: %+v", th)
	}
}

func TestMaxIterationsBounded(t *testing.T) {
	// The model calls tools forever; the loop must stop at the bound.
	responses := make([]*provider.ChatResponse, 0, 15)
	for i := 0; i < 15; i++ {
		responses = append(responses, toolCall("c", "list_dir", map[string]any{"path": "."}))
	}
	llm := &scriptedLLM{responses: responses}
	h := newHarness(t, llm)

	resp := h.send(t, "loop forever")
	if !strings.Contains(resp, "Max tool iterations") {
		t.Errorf("resp = %q", resp)
	}
	if len(llm.requests) > maxToolIterations {
		t.Errorf("model calls = %d, want <= %d", len(llm.requests), maxToolIterations)
	}
}

func TestSafetyBlocksPolicyViolation(t *testing.T) {
	llm := &scriptedLLM{}
	h := newHarness(t, llm)
	resp := h.send(t, "please rm -rf / for me")
	if !strings.Contains(resp, "safety policy") {
		t.Errorf("resp = %q", resp)
	}
	if len(llm.requests) != 0 {
		t.Error("model called despite policy block")
	}
}

func TestApprovalPersistedAndResolved(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "write_file", map[string]any{"path": "notes.md", "content": "x"}),
		text("Done."),
	}}
	h := newHarness(t, llm)
	h.loop.store = st

	h.send(t, "save a note")
	th := h.activeThread()
	if th.Pending == nil {
		t.Fatal("no pending approval")
	}
	requestID := th.Pending.RequestID.String()

	ctx := context.Background()
	rec, err := st.GetApproval(ctx, requestID)
	if err != nil {
		t.Fatalf("pending approval not persisted: %v", err)
	}
	if rec.Status != store.ApprovalStatusPending || rec.Tool != "write_file" || rec.ToolCallID != "c1" {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(rec.Snapshot, "save a note") {
		t.Errorf("snapshot missing conversation: %q", rec.Snapshot)
	}

	h.send(t, "yes")
	rec, _ = st.GetApproval(ctx, requestID)
	if rec.Status != store.ApprovalStatusApproved || rec.ResolvedAt == nil {
		t.Errorf("resolved record = %+v", rec)
	}
}

func TestRejectionResolvesPersistedApproval(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		toolCall("c1", "write_file", map[string]any{"path": "x", "content": "y"}),
	}}
	h := newHarness(t, llm)
	h.loop.store = st

	h.send(t, "write something")
	requestID := h.activeThread().Pending.RequestID.String()
	h.send(t, "no")

	rec, _ := st.GetApproval(context.Background(), requestID)
	if rec == nil || rec.Status != store.ApprovalStatusDenied {
		t.Errorf("record = %+v", rec)
	}
}

func TestStaleApprovalsExpiredOnStartup(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	// A leftover from a previous process.
	if err := st.InsertApproval(ctx, &store.ApprovalRecord{
		RequestID: "old-req", ThreadID: "old-thread", Tool: "shell_exec",
	}); err != nil {
		t.Fatal(err)
	}

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	NewLoop(LoopOptions{
		Provider:  &scriptedLLM{},
		Store:     st,
		Workspace: ws,
	})

	rec, err := st.GetApproval(ctx, "old-req")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.ApprovalStatusExpired {
		t.Errorf("status = %s, want expired", rec.Status)
	}
}

func TestSummarizeUsesModel(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.ChatResponse{
		text("a"), text("b"), text("the answer"),
		text("A short summary."),
	}}
	h := newHarness(t, llm)
	h.send(t, "talk to me")

	resp := h.send(t, "/summarize")
	if resp != "A short summary." {
		t.Errorf("resp = %q", resp)
	}
}
