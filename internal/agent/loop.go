// Package agent implements the core turn loop: one inbound message at a
// time per agent, parsed into a submission, dispatched through a bounded
// reasoning-with-tools cycle with per-tool human approvals.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Anteroom/Anteroom/internal/bus"
	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/config"
	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/safety"
	"github.com/Anteroom/Anteroom/internal/session"
	"github.com/Anteroom/Anteroom/internal/store"
	"github.com/Anteroom/Anteroom/internal/tools"
	"github.com/Anteroom/Anteroom/internal/workspace"
)

// Version is stamped by the build; /version reports it.
var Version = "dev"

// maxToolIterations bounds the reasoning-with-tools cycle.
const maxToolIterations = 10

// nudgeIterationLimit bounds the "use your tools" nudge: a text-only
// response with no tools executed yet is nudged on iterations below this
// value and accepted from this iteration on.
const nudgeIterationLimit = 3

const toolNudge = "Please proceed and use the available tools to complete this task."

// perInvocationApprover is implemented by tools whose specific invocations
// may demand approval even when the tool is session-auto-approved
// (destructive shell commands, force pushes, table drops).
type perInvocationApprover interface {
	NeverAutoApprove(params map[string]any) bool
}

// LoopOptions configures the agent loop.
type LoopOptions struct {
	Bus       *bus.MessageBus
	Provider  provider.LLMProvider
	Store     store.Store
	Queue     *cards.CardQueue
	Sessions  *session.Manager
	Safety    *safety.Layer
	Workspace *workspace.Workspace
	Config    *config.Config
}

// Loop is the agent's turn-processing engine.
type Loop struct {
	bus       *bus.MessageBus
	llm       provider.LLMProvider
	store     store.Store
	queue     *cards.CardQueue
	registry  *tools.Registry
	sessions  *session.Manager
	safety    *safety.Layer
	workspace *workspace.Workspace
	cfg       *config.Config

	monitor   *ContextMonitor
	compactor *Compactor

	model         string
	maxIterations int
	running       atomic.Bool
}

// NewLoop creates an agent loop and registers the builtin tools.
func NewLoop(opts LoopOptions) *Loop {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
		cfg.Normalize()
	}
	maxIter := cfg.Model.MaxToolIterations
	if maxIter <= 0 {
		maxIter = maxToolIterations
	}

	monitor := NewContextMonitor(cfg.Session.CompactionThreshold, cfg.Session.CompactionKeepTurns)

	l := &Loop{
		bus:           opts.Bus,
		llm:           opts.Provider,
		store:         opts.Store,
		queue:         opts.Queue,
		registry:      tools.NewRegistry(),
		sessions:      opts.Sessions,
		safety:        opts.Safety,
		workspace:     opts.Workspace,
		cfg:           cfg,
		monitor:       monitor,
		compactor:     NewCompactor(opts.Provider, monitor),
		model:         cfg.Model.Name,
		maxIterations: maxIter,
	}
	if l.safety == nil {
		l.safety = safety.NewLayer()
	}
	if l.sessions == nil {
		l.sessions = session.NewManager(opts.Store)
	}
	l.registerDefaultTools()
	l.expireStaleApprovals()
	return l
}

// expireStaleApprovals marks approvals left pending by a previous process
// as expired. Their threads are gone; nothing can resolve them now.
func (l *Loop) expireStaleApprovals() {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := l.store.ExpireStaleApprovals(ctx)
	if err != nil {
		slog.Warn("Stale approval cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Expired stale pending approvals", "count", n)
	}
}

// Registry exposes the tool registry (for dynamic registrations).
func (l *Loop) Registry() *tools.Registry { return l.registry }

func (l *Loop) registerDefaultTools() {
	sandbox := ""
	if l.workspace != nil {
		sandbox = l.workspace.Root()
	}
	l.registry.RegisterBuiltin(tools.NewReadFileTool(sandbox))
	l.registry.RegisterBuiltin(tools.NewWriteFileTool(sandbox))
	l.registry.RegisterBuiltin(tools.NewPatchFileTool(sandbox))
	l.registry.RegisterBuiltin(tools.NewListDirTool(sandbox))

	sh := tools.NewShellTool(0, sandbox)
	sh.SetWarnLog(func(pattern, command string) {
		slog.Warn("Shell command matched dangerous pattern", "pattern", pattern, "command", command)
	})
	l.registry.RegisterBuiltin(sh)

	if l.workspace != nil {
		l.registry.RegisterBuiltin(tools.NewMemorySearchTool(l.workspace))
		l.registry.RegisterBuiltin(tools.NewMemoryReadTool(l.workspace))
		l.registry.RegisterBuiltin(tools.NewMemoryWriteTool(l.workspace))
		l.registry.RegisterBuiltin(tools.NewMemoryTreeTool(l.workspace))
	}
	if l.queue != nil {
		l.registry.RegisterBuiltin(tools.NewProposeTodoTool(l.queue, l.cfg.Pipeline.CardExpiryMinutes))
	}
}

// Run consumes inbound messages until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	slog.Info("Agent loop started")

	for l.running.Load() {
		msg, err := l.bus.ConsumeInbound(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			slog.Error("Failed to consume message", "error", err)
			continue
		}

		response, err := l.HandleMessage(ctx, msg)
		if err != nil {
			slog.Error("Failed to process message", "error", err)
			response = userFacingError(err)
		}
		if response != "" {
			l.bus.PublishOutbound(&bus.OutgoingMessage{
				Channel:  msg.Channel,
				UserID:   msg.UserID,
				ThreadID: msg.ThreadID,
				Content:  response,
			})
		}
	}
	return nil
}

// Stop signals the loop to stop after the current message.
func (l *Loop) Stop() { l.running.Store(false) }

// HandleMessage parses and dispatches one inbound message, returning the
// text to send back (possibly empty).
func (l *Loop) HandleMessage(ctx context.Context, msg *bus.IncomingMessage) (string, error) {
	sub := ParseSubmission(msg.Content)

	// System commands never gate on thread state.
	if sub.Kind == SubSystemCommand {
		return l.handleSystemCommand(sub), nil
	}
	if sub.Kind == SubQuit {
		l.Stop()
		return "Shutting down.", nil
	}

	var response string
	var err error
	l.sessions.ResolveThread(ctx, msg.UserID, msg.Channel, msg.ThreadID, func(sess *session.Session, thread *session.Thread) {
		response, err = l.dispatch(ctx, sess, thread, msg, sub)
	})
	return response, err
}

func (l *Loop) dispatch(ctx context.Context, sess *session.Session, thread *session.Thread, msg *bus.IncomingMessage, sub Submission) (string, error) {
	switch sub.Kind {
	case SubUserInput:
		return l.processUserInput(ctx, sess, thread, msg, sub.Content)
	case SubApprovalResponse:
		return l.processApproval(ctx, sess, thread, msg, uuid.Nil, sub.Approved, sub.Always)
	case SubExecApproval:
		return l.processApproval(ctx, sess, thread, msg, sub.RequestID, sub.Approved, sub.Always)
	case SubInterrupt:
		thread.Interrupt()
		return "Interrupted.", nil
	case SubUndo:
		cp, err := thread.Undo()
		if err != nil {
			return "Nothing to undo.", nil
		}
		return fmt.Sprintf("Undid to turn %d.", cp.TurnNumber), nil
	case SubRedo:
		cp, err := thread.Redo()
		if err != nil {
			return "Nothing to redo.", nil
		}
		return fmt.Sprintf("Redid to turn %d.", cp.TurnNumber), nil
	case SubCompact:
		return l.processCompact(ctx, thread)
	case SubClear:
		thread.Clear()
		return "Thread cleared.", nil
	case SubNewThread:
		t := sess.NewThread()
		return fmt.Sprintf("Started new thread %s.", t.ID), nil
	case SubSwitchThread:
		if err := sess.SwitchThread(sub.ThreadID); err != nil {
			return fmt.Sprintf("Unknown thread %s.", sub.ThreadID), nil
		}
		return fmt.Sprintf("Switched to thread %s.", sub.ThreadID), nil
	case SubResume:
		if err := thread.RestoreCheckpoint(sub.CheckpointID); err != nil {
			return fmt.Sprintf("Unknown checkpoint %s.", sub.CheckpointID), nil
		}
		return "Restored checkpoint.", nil
	case SubSummarize:
		return l.processSummarize(ctx, thread)
	case SubSuggest:
		return l.processSuggest(ctx, thread)
	case SubHeartbeat:
		return "ok", nil
	default:
		return "", errs.New(errs.KindJob, "agent.dispatch", "unhandled submission kind "+string(sub.Kind))
	}
}

// ---------------------------------------------------------------------------
// user input
// ---------------------------------------------------------------------------

func (l *Loop) processUserInput(ctx context.Context, sess *session.Session, thread *session.Thread, msg *bus.IncomingMessage, content string) (string, error) {
	// Gate on thread state.
	switch thread.State {
	case session.StateProcessing:
		return "A turn is already in progress. Use /interrupt to stop it.", nil
	case session.StateAwaitingApproval:
		return "A tool is awaiting approval. Reply yes, no, or always — or /interrupt.", nil
	case session.StateCompleted:
		return "This thread is completed. Use /new to start a fresh one.", nil
	}

	// Input safety.
	if err := l.safety.ValidateInput(content); err != nil {
		slog.Warn("Input blocked by safety policy", "user", msg.UserID, "error", err)
		return "That request is blocked by the safety policy.", nil
	}

	// Auto-compaction under context pressure.
	if l.monitor.ShouldCompact(thread.Messages, l.model) {
		if compacted, result, err := l.compactor.Compact(ctx, thread.Messages, l.model); err == nil {
			thread.Messages = compacted
			slog.Info("Auto-compacted thread",
				"thread", thread.ID, "tokens_before", result.TokensBefore,
				"tokens_after", result.TokensAfter, "turns_removed", result.TurnsRemoved)
		} else {
			slog.Warn("Auto-compaction failed", "thread", thread.ID, "error", err)
		}
	}

	// Checkpoint before mutating.
	thread.Checkpoint(fmt.Sprintf("before turn %d", thread.TurnCounter+1))

	turn, err := thread.BeginTurn(content)
	if err != nil {
		return "", err
	}
	thread.Messages = append(thread.Messages, provider.User(content))
	l.emitStatus(msg, &bus.StatusUpdate{Kind: bus.StatusThinking, Message: "Thinking..."})

	outcome, err := l.runAgenticLoop(ctx, sess, thread, msg, thread.Messages, false)
	return l.finalizeTurn(ctx, thread, turn, msg, content, outcome, err)
}

// finalizeTurn applies an agentic-loop outcome to the thread.
func (l *Loop) finalizeTurn(ctx context.Context, thread *session.Thread, turn *session.Turn, msg *bus.IncomingMessage, userInput string, outcome loopOutcome, err error) (string, error) {
	switch {
	case err != nil:
		thread.State = session.StateIdle
		l.persistConversation(thread, userInput, "")
		return "", err

	case outcome.interrupted:
		// Interruption is a success-path outcome.
		return "Turn interrupted.", nil

	case outcome.pending != nil:
		if setErr := thread.SetPending(outcome.pending); setErr != nil {
			return "", setErr
		}
		l.persistPendingApproval(ctx, thread, outcome.pending)
		l.emitStatus(msg, &bus.StatusUpdate{
			Kind:        bus.StatusApprovalNeeded,
			Message:     "awaiting approval",
			ToolName:    outcome.pending.ToolName,
			RequestID:   outcome.pending.RequestID.String(),
			Description: outcome.pending.Description,
			Parameters:  outcome.pending.Parameters,
		})
		return fmt.Sprintf("Tool %q needs your approval: %s\nReply yes, always, or no. (request %s)",
			outcome.pending.ToolName, outcome.pending.Description, outcome.pending.RequestID), nil

	default:
		if turn != nil {
			turn.Response = outcome.response
		}
		thread.Messages = outcome.messages
		thread.State = session.StateIdle
		if outcome.responseID != "" {
			thread.LastResponseID = outcome.responseID
			l.persistResponseChain(thread)
		}
		l.emitStatus(msg, &bus.StatusUpdate{Kind: bus.StatusMessage, Message: "done"})
		l.persistConversation(thread, userInput, outcome.response)
		return outcome.response, nil
	}
}

// ---------------------------------------------------------------------------
// the reasoning-with-tools cycle
// ---------------------------------------------------------------------------

// loopOutcome is the result of one agentic-loop run.
type loopOutcome struct {
	response    string
	responseID  string
	messages    []provider.Message
	pending     *session.PendingApproval
	interrupted bool
}

// runAgenticLoop drives the bounded model/tool cycle. When
// resumeAfterTool is true a tool already ran this turn (approval
// resolution), which disables the no-tools-yet nudge.
func (l *Loop) runAgenticLoop(ctx context.Context, sess *session.Session, thread *session.Thread, msg *bus.IncomingMessage, messages []provider.Message, resumeAfterTool bool) (loopOutcome, error) {
	// Identity files become the system prompt when none is present.
	if l.workspace != nil && (len(messages) == 0 || messages[0].Role != "system") {
		if prompt := l.workspace.SystemPrompt(); prompt != "" {
			messages = append([]provider.Message{provider.System(prompt)}, messages...)
		}
	}

	toolsExecuted := resumeAfterTool
	var lastResponseID string

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		// Interrupt check between iterations. In-flight model calls are
		// not cancelled; the flag is observed here.
		if thread.State == session.StateInterrupted {
			return loopOutcome{interrupted: true, messages: messages}, nil
		}

		// Refresh tool definitions each iteration so dynamic
		// registrations become visible.
		toolDefs := l.registry.Definitions()

		resp, err := l.llm.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       l.model,
			MaxTokens:   l.cfg.Model.MaxTokens,
			Temperature: l.cfg.Model.Temperature,
			Metadata:    map[string]string{"thread_id": thread.ID.String()},
		})
		if err != nil {
			return loopOutcome{}, errs.Wrap(errs.KindModel, "agent.loop", err)
		}
		lastResponseID = resp.ResponseID

		if len(resp.ToolCalls) == 0 {
			// Text only. Accept as final once tools ran, or once the
			// nudge window is exhausted.
			if !toolsExecuted && iteration < nudgeIterationLimit {
				slog.Debug("No tools executed yet, nudging for tool use", "iteration", iteration)
				messages = append(messages, provider.Assistant(resp.Content), provider.User(toolNudge))
				continue
			}
			return loopOutcome{response: resp.Content, responseID: lastResponseID, messages: messages}, nil
		}

		// Tool calls: the assistant message with tool_calls must precede
		// the tool-result messages.
		messages = append(messages, provider.AssistantWithToolCalls(resp.Content, resp.ToolCalls))
		l.emitStatus(msg, &bus.StatusUpdate{
			Kind:    bus.StatusMessage,
			Message: fmt.Sprintf("Executing %d tool(s)...", len(resp.ToolCalls)),
		})

		turn := thread.LastTurn()
		for _, tc := range resp.ToolCalls {
			if turn != nil {
				turn.RecordToolCall(tc.Name, tc.Arguments)
			}
		}

		for _, tc := range resp.ToolCalls {
			if l.needsApproval(sess, tc) {
				pending := &session.PendingApproval{
					RequestID:   uuid.New(),
					ToolName:    tc.Name,
					Parameters:  tc.Arguments,
					Description: l.toolDescription(tc.Name),
					ToolCallID:  tc.ID,
					Messages:    append([]provider.Message{}, messages...),
					CreatedAt:   time.Now(),
				}
				return loopOutcome{pending: pending, messages: messages}, nil
			}

			result := l.executeTool(ctx, msg, turn, tc)
			messages = append(messages, provider.ToolResult(tc.ID, result))
			toolsExecuted = true
		}
	}

	return loopOutcome{
		response: "Max tool iterations reached. Please try a simpler request.",
		messages: messages,
	}, nil
}

// needsApproval decides whether a tool call must pause for a human.
func (l *Loop) needsApproval(sess *session.Session, tc provider.ToolCall) bool {
	tool, ok := l.registry.Get(tc.Name)
	if !ok {
		return false // unknown tool fails in execution, not approval
	}
	// Per-invocation guard: some invocations are never auto-approved.
	if pia, ok := tool.(perInvocationApprover); ok && pia.NeverAutoApprove(tc.Arguments) {
		return true
	}
	if !tools.RequiresApproval(tool) {
		return false
	}
	return !sess.IsAutoApproved(tc.Name)
}

// executeTool runs one tool call with validation, timeout, and
// sanitization, recording the result in the turn and emitting status
// events.
func (l *Loop) executeTool(ctx context.Context, msg *bus.IncomingMessage, turn *session.Turn, tc provider.ToolCall) string {
	l.emitStatus(msg, &bus.StatusUpdate{Kind: bus.StatusToolStarted, ToolName: tc.Name})

	start := time.Now()
	result, err := l.registry.Execute(ctx, tc.Name, tc.Arguments)
	duration := time.Since(start)

	if err != nil {
		// Timeouts and failures are action failures, not infrastructure
		// errors.
		slog.Warn("Tool failed", "tool", tc.Name, "duration", duration, "error", err)
		result = fmt.Sprintf("Error: %v", err)
	} else if tool, ok := l.registry.Get(tc.Name); ok && tools.RequiresSanitization(tool) {
		result = l.safety.Sanitize(result)
	}

	if turn != nil {
		// The matching record is the last uncompleted one with this name.
		for i := len(turn.ToolCalls) - 1; i >= 0; i-- {
			if turn.ToolCalls[i].Name == tc.Name && !turn.ToolCalls[i].Completed {
				turn.RecordToolResult(i, result, err)
				break
			}
		}
	}

	l.emitStatus(msg, &bus.StatusUpdate{Kind: bus.StatusToolCompleted, ToolName: tc.Name, Success: err == nil})
	l.emitStatus(msg, &bus.StatusUpdate{Kind: bus.StatusToolResult, ToolName: tc.Name, Preview: preview(result, 200)})
	slog.Debug("Tool executed", "name", tc.Name, "duration", duration, "result_length", len(result))
	return result
}

// ---------------------------------------------------------------------------
// approval resolution
// ---------------------------------------------------------------------------

func (l *Loop) processApproval(ctx context.Context, sess *session.Session, thread *session.Thread, msg *bus.IncomingMessage, requestID uuid.UUID, approved, always bool) (string, error) {
	if thread.State != session.StateAwaitingApproval || thread.Pending == nil {
		return "No pending approval on this thread.", nil
	}

	pending := thread.TakePending()

	// Explicit request ids must match; on mismatch the slot goes back.
	if requestID != uuid.Nil && requestID != pending.RequestID {
		thread.Pending = pending
		thread.State = session.StateAwaitingApproval
		return fmt.Sprintf("Approval request %s does not match the pending request %s.",
			requestID, pending.RequestID), nil
	}

	if !approved {
		thread.State = session.StateIdle
		l.resolvePendingApproval(ctx, pending.RequestID, store.ApprovalStatusDenied)
		slog.Info("Tool execution rejected", "tool", pending.ToolName, "thread", thread.ID)
		return fmt.Sprintf("Rejected %s. Tell me how you'd like to proceed.", pending.ToolName), nil
	}

	if always {
		sess.AutoApprove(pending.ToolName)
	}
	thread.State = session.StateProcessing
	l.resolvePendingApproval(ctx, pending.RequestID, store.ApprovalStatusApproved)

	// Execute the approved tool against the captured snapshot, then
	// resume the cycle with the nudge disabled.
	tc := provider.ToolCall{ID: pending.ToolCallID, Name: pending.ToolName, Arguments: pending.Parameters}
	turn := thread.LastTurn()
	result := l.executeTool(ctx, msg, turn, tc)
	messages := append(pending.Messages, provider.ToolResult(pending.ToolCallID, result))

	outcome, err := l.runAgenticLoop(ctx, sess, thread, msg, messages, true)
	return l.finalizeTurn(ctx, thread, turn, msg, "", outcome, err)
}

// ---------------------------------------------------------------------------
// control submissions
// ---------------------------------------------------------------------------

func (l *Loop) processCompact(ctx context.Context, thread *session.Thread) (string, error) {
	compacted, result, err := l.compactor.Compact(ctx, thread.Messages, l.model)
	if err != nil {
		return "", err
	}
	thread.Messages = compacted
	return fmt.Sprintf("Compacted: %d → %d estimated tokens, %d turns summarised.",
		result.TokensBefore, result.TokensAfter, result.TurnsRemoved), nil
}

func (l *Loop) processSummarize(ctx context.Context, thread *session.Thread) (string, error) {
	return l.oneShotOverThread(ctx, thread,
		"Summarize this conversation in a short paragraph for the user.")
}

func (l *Loop) processSuggest(ctx context.Context, thread *session.Thread) (string, error) {
	return l.oneShotOverThread(ctx, thread,
		"Based on this conversation, suggest up to five concrete next steps as a bulleted list.")
}

func (l *Loop) oneShotOverThread(ctx context.Context, thread *session.Thread, instruction string) (string, error) {
	if len(thread.Messages) == 0 {
		return "Thread is empty.", nil
	}
	var transcript strings.Builder
	for _, m := range thread.Messages {
		if m.Role == "user" || m.Role == "assistant" {
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		}
	}
	resp, err := l.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			provider.System(instruction),
			provider.User(transcript.String()),
		},
		Model:       l.model,
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil {
		return "", errs.Wrap(errs.KindModel, "agent.one_shot", err)
	}
	return resp.Content, nil
}

func (l *Loop) handleSystemCommand(sub Submission) string {
	switch sub.Command {
	case "help":
		return helpText
	case "version":
		return "anteroom " + Version
	case "ping":
		return "pong"
	case "tools":
		names := make([]string, 0)
		for _, t := range l.registry.List() {
			marker := ""
			if tools.RequiresApproval(t) {
				marker = " (requires approval)"
			}
			names = append(names, fmt.Sprintf("- %s%s: %s", t.Name(), marker, t.Description()))
		}
		sort.Strings(names)
		return "Available tools:\n" + strings.Join(names, "\n")
	case "model":
		if len(sub.Args) == 0 {
			return "Current model: " + l.currentModel()
		}
		l.model = sub.Args[0]
		return "Model set to " + l.model
	case "debug":
		return fmt.Sprintf("sessions=%d model=%s max_iterations=%d",
			l.sessions.SessionCount(), l.currentModel(), l.maxIterations)
	default:
		return "Unknown command. Try /help."
	}
}

func (l *Loop) currentModel() string {
	if l.model != "" {
		return l.model
	}
	return l.llm.DefaultModel()
}

const helpText = `Commands:
/new, /thread new      start a new thread
/thread <id>           switch threads
/undo, /redo           step through turn checkpoints
/resume <id>           restore a named checkpoint
/compact               summarise older turns
/clear                 reset the thread
/interrupt, /stop      interrupt the running turn
/summarize, /suggest   summarise or propose next steps
/model [name]          show or switch the model
/tools, /version, /ping, /debug, /help
Approvals: yes / always / no`

// ---------------------------------------------------------------------------
// persistence and helpers
// ---------------------------------------------------------------------------

// persistConversation writes the turn's user and assistant messages to
// the conversation store. Fire-and-forget: failures are logged.
func (l *Loop) persistConversation(thread *session.Thread, userInput, response string) {
	if l.store == nil {
		return
	}
	if thread.ConversationID == "" {
		thread.ConversationID = thread.ID.String()
	}
	convID := thread.ConversationID
	sessID := thread.SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.store.EnsureConversation(ctx, convID, "", sessID, convID); err != nil {
			slog.Warn("Conversation upsert failed", "conversation", convID, "error", err)
			return
		}
		if userInput != "" {
			if err := l.store.AppendConversationMessage(ctx, convID, "user", userInput); err != nil {
				slog.Warn("Conversation append failed", "conversation", convID, "error", err)
			}
		}
		if response != "" {
			if err := l.store.AppendConversationMessage(ctx, convID, "assistant", response); err != nil {
				slog.Warn("Conversation append failed", "conversation", convID, "error", err)
			}
		}
	}()
}

// persistPendingApproval writes the suspended approval through to
// storage. Best-effort: the in-memory slot is authoritative for a live
// process; the row exists so a restart can see (and expire) it.
func (l *Loop) persistPendingApproval(ctx context.Context, thread *session.Thread, pending *session.PendingApproval) {
	if l.store == nil {
		return
	}
	params, err := json.Marshal(pending.Parameters)
	if err != nil {
		params = []byte("{}")
	}
	snapshot, err := json.Marshal(pending.Messages)
	if err != nil {
		snapshot = nil
	}
	rec := &store.ApprovalRecord{
		RequestID:   pending.RequestID.String(),
		ThreadID:    thread.ID.String(),
		Tool:        pending.ToolName,
		Parameters:  string(params),
		Description: pending.Description,
		ToolCallID:  pending.ToolCallID,
		Snapshot:    string(snapshot),
		CreatedAt:   pending.CreatedAt,
	}
	if err := l.store.InsertApproval(ctx, rec); err != nil {
		slog.Warn("Pending approval write-through failed",
			"request", pending.RequestID, "error", err)
	}
}

// resolvePendingApproval records the human's decision. Best-effort.
func (l *Loop) resolvePendingApproval(ctx context.Context, requestID uuid.UUID, status string) {
	if l.store == nil {
		return
	}
	if err := l.store.ResolveApproval(ctx, requestID.String(), status); err != nil {
		slog.Warn("Approval resolution write failed", "request", requestID, "error", err)
	}
}

// persistResponseChain stores the provider response id for chaining.
func (l *Loop) persistResponseChain(thread *session.Thread) {
	if l.store == nil || thread.LastResponseID == "" {
		return
	}
	if thread.ConversationID == "" {
		thread.ConversationID = thread.ID.String()
	}
	convID := thread.ConversationID
	respID := thread.LastResponseID
	sessID := thread.SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.store.EnsureConversation(ctx, convID, "", sessID, convID); err != nil {
			return
		}
		if err := l.store.SetConversationMetadataField(ctx, convID, "last_response_id", respID); err != nil {
			slog.Warn("Response chain persist failed", "conversation", convID, "error", err)
		}
	}()
}

func (l *Loop) toolDescription(name string) string {
	if tool, ok := l.registry.Get(name); ok {
		return tool.Description()
	}
	return name
}

func (l *Loop) emitStatus(msg *bus.IncomingMessage, update *bus.StatusUpdate) {
	if l.bus == nil {
		return
	}
	update.Channel = msg.Channel
	update.UserID = msg.UserID
	l.bus.PublishStatus(update)
}

// preview flattens and truncates text for a status event.
func preview(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// userFacingError renders an error for the channel without leaking
// internals.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, errs.ErrRateLimit):
		return "The model is rate-limited right now. Try again shortly."
	case errors.Is(err, errs.ErrContextLength):
		return "The conversation is too long. Try /compact or /new."
	case errors.Is(err, errs.ErrPolicy):
		return "That request is blocked by the safety policy."
	case errs.IsKind(err, errs.KindModel):
		return "The model call failed. Try again."
	default:
		return "Something went wrong handling that. Try again."
	}
}
