package routine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Anteroom/Anteroom/internal/bus"
	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/store"
)

// RoutineOKSentinel is the exact reply that marks a lightweight run as
// requiring no attention.
const RoutineOKSentinel = "ROUTINE_OK"

const sentinelInstruction = "\n\n---\n\nIf nothing needs attention, reply EXACTLY with: " + RoutineOKSentinel +
	"\nOtherwise, describe briefly what needs attention."

// Config tunes the engine.
type Config struct {
	TickInterval    time.Duration
	MaxConcurrent   int // global cap on concurrently running fires
	DefaultCooldown time.Duration
	MaxTokens       int // lightweight-execution token cap
}

// Engine drives routines from two independent sources: a cron ticker and
// an event matcher, plus manual fires.
type Engine struct {
	store store.Store
	llm   provider.LLMProvider
	bus   *bus.MessageBus // notification sink, may be nil
	cfg   Config

	mu sync.Mutex
	// eventCache holds compiled regexes for event routines, rebuilt when
	// routines change.
	eventCache map[string]*regexp.Regexp
	// recentFires maps routineID → contentHash → last fire time for the
	// dedup window.
	recentFires map[string]map[uint64]time.Time
	// running counts in-flight fires for the global cap.
	running int
	wg      sync.WaitGroup
}

// NewEngine creates a routine engine.
func NewEngine(st store.Store, llm provider.LLMProvider, messageBus *bus.MessageBus, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Engine{
		store:       st,
		llm:         llm,
		bus:         messageBus,
		cfg:         cfg,
		eventCache:  make(map[string]*regexp.Regexp),
		recentFires: make(map[string]map[uint64]time.Time),
	}
}

// Run starts the cron ticker until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("Routine engine started", "tick", e.cfg.TickInterval)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Routine engine stopped")
			e.wg.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			e.tick(ctx, now)
		}
	}
}

// tick fires due cron routines that pass the guardrails.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	records, err := e.store.ListDueRoutines(ctx, now)
	if err != nil {
		slog.Warn("Routine due query failed", "error", err)
		return
	}
	for _, rec := range records {
		r, err := FromRecord(rec)
		if err != nil {
			slog.Warn("Skipping unreadable routine", "id", rec.ID, "error", err)
			continue
		}
		if reason, ok := e.checkGuardrails(ctx, r, now); !ok {
			slog.Debug("Routine fire suppressed", "id", r.ID, "reason", reason)
			continue
		}
		e.spawnFire(ctx, r, "cron")
	}
}

// OnInboundMessage runs the event matcher over one inbound message. The
// triage loop calls this, as its event sink, for every message it triages.
func (e *Engine) OnInboundMessage(ctx context.Context, channel, content string) {
	routines, err := e.eventRoutines(ctx)
	if err != nil {
		slog.Warn("Event routine load failed", "error", err)
		return
	}
	now := time.Now()
	for _, r := range routines {
		if r.Trigger.Channel != "" && r.Trigger.Channel != channel {
			continue
		}
		re := e.compiledPattern(r)
		if re == nil || !re.MatchString(content) {
			continue
		}
		if e.isDuplicateFire(r, content, now) {
			slog.Debug("Routine event fire deduped", "id", r.ID)
			continue
		}
		if reason, ok := e.checkGuardrails(ctx, r, now); !ok {
			slog.Debug("Routine fire suppressed", "id", r.ID, "reason", reason)
			continue
		}
		e.recordFire(r, content, now)
		e.spawnFire(ctx, r, "event")
	}
}

// Fire triggers a routine manually, still subject to guardrails.
func (e *Engine) Fire(ctx context.Context, routineID string) error {
	rec, err := e.store.GetRoutine(ctx, routineID)
	if err != nil {
		return err
	}
	r, err := FromRecord(rec)
	if err != nil {
		return errs.Wrap(errs.KindJob, "routine.fire", err)
	}
	if reason, ok := e.checkGuardrails(ctx, r, time.Now()); !ok {
		return errs.New(errs.KindJob, "routine.fire", "guardrail: "+reason)
	}
	e.spawnFire(ctx, r, "manual")
	return nil
}

// Wait blocks until all in-flight fires finish (tests, shutdown).
func (e *Engine) Wait() { e.wg.Wait() }

// checkGuardrails verifies cooldown, per-routine concurrency, and the
// global cap. Returns (reason, ok).
func (e *Engine) checkGuardrails(ctx context.Context, r *Routine, now time.Time) (string, bool) {
	if !r.Enabled {
		return "disabled", false
	}
	if cooldown := r.Cooldown(e.cfg.DefaultCooldown); r.LastRunAt != nil && now.Sub(*r.LastRunAt) < cooldown {
		return "cooldown", false
	}
	running, err := e.store.CountRunningRuns(ctx, r.ID)
	if err != nil {
		return "running-count query failed", false
	}
	if running >= r.MaxConcurrent() {
		return "per-routine concurrency", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running >= e.cfg.MaxConcurrent {
		return "global concurrency", false
	}
	return "", true
}

// spawnFire starts one run in the background.
func (e *Engine) spawnFire(ctx context.Context, r *Routine, trigger string) {
	e.mu.Lock()
	e.running++
	e.mu.Unlock()
	e.wg.Add(1)

	go func() {
		defer func() {
			e.mu.Lock()
			e.running--
			e.mu.Unlock()
			e.wg.Done()
		}()
		e.fire(ctx, r, trigger)
	}()
}

// fire executes one run end to end: run record, action, runtime state,
// notification.
func (e *Engine) fire(ctx context.Context, r *Routine, trigger string) {
	run := &store.RoutineRunRecord{
		ID:        NewRunID(),
		RoutineID: r.ID,
		Trigger:   trigger,
		StartedAt: time.Now(),
		Status:    store.RunStatusRunning,
	}
	if err := e.store.InsertRoutineRun(ctx, run); err != nil {
		slog.Warn("Routine run insert failed", "routine", r.ID, "error", err)
	}
	slog.Info("Routine firing", "id", r.ID, "name", r.Name, "trigger", trigger)

	status, summary, tokens := e.execute(ctx, r)

	finished := time.Now()
	run.FinishedAt = &finished
	run.Status = status
	run.Summary = summary
	run.TokensUsed = tokens
	if err := e.store.UpdateRoutineRun(ctx, run); err != nil {
		slog.Warn("Routine run update failed", "run", run.ID, "error", err)
	}

	// Runtime state: last run, next fire (cron), counters.
	consecFails := r.ConsecFails
	if status == store.RunStatusFailed {
		consecFails++
	} else {
		consecFails = 0
	}
	var nextFire *time.Time
	if r.TriggerType == TriggerCron {
		if next, err := r.NextCronFire(finished); err == nil {
			nextFire = next
		} else {
			slog.Warn("Next cron fire computation failed", "routine", r.ID, "error", err)
		}
	} else {
		nextFire = r.NextFireAt
	}
	if err := e.store.UpdateRoutineRuntime(ctx, r.ID, &finished, nextFire, r.RunCount+1, consecFails); err != nil {
		slog.Warn("Routine runtime update failed", "routine", r.ID, "error", err)
	}

	e.notify(r, status, summary)
}

// execute runs the routine's action and classifies the outcome.
func (e *Engine) execute(ctx context.Context, r *Routine) (status, summary string, tokens int) {
	if r.ActionType == ActionFullJob {
		// Full-job mode is pending; it degrades to lightweight execution.
		slog.Warn("Routine full_job mode degraded to lightweight", "id", r.ID)
	}

	prompt := r.Action.Prompt
	if r.ActionType == ActionFullJob && prompt == "" {
		prompt = r.Action.Description
	}
	if strings.TrimSpace(prompt) == "" {
		return store.RunStatusFailed, "routine has no prompt", 0
	}

	maxTokens := r.Action.MaxTokens
	if maxTokens <= 0 || maxTokens > e.cfg.MaxTokens {
		maxTokens = e.cfg.MaxTokens
	}

	userPrompt := prompt + e.contextBlock(r) + sentinelInstruction
	resp, err := e.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			provider.System("You are running a scheduled routine for your user. Be brief."),
			provider.User(userPrompt),
		},
		MaxTokens:   maxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		slog.Warn("Routine model call failed", "id", r.ID, "error", err)
		return store.RunStatusFailed, fmt.Sprintf("model call failed: %v", err), 0
	}

	content := strings.TrimSpace(resp.Content)
	tokens = resp.Usage.TotalTokens
	prefix := ""
	if r.ActionType == ActionFullJob {
		prefix = "full_job degraded: "
	}
	switch {
	case content == "":
		return store.RunStatusFailed, prefix + "empty response", tokens
	case strings.Contains(content, RoutineOKSentinel):
		return store.RunStatusOK, prefix + RoutineOKSentinel, tokens
	default:
		return store.RunStatusAttention, prefix + content, tokens
	}
}

// contextBlock inlines the configured context files, bounded per file.
func (e *Engine) contextBlock(r *Routine) string {
	if len(r.Action.ContextPaths) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, path := range r.Action.ContextPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Debug("Routine context file unreadable", "routine", r.ID, "path", path, "error", err)
			continue
		}
		content := string(data)
		if len(content) > 4096 {
			content = content[:4096]
		}
		fmt.Fprintf(&sb, "\n\n--- %s ---\n%s", path, content)
	}
	return sb.String()
}

// notify sends the run outcome through the outgoing channel if the
// routine opted in for it.
func (e *Engine) notify(r *Routine, status, summary string) {
	if e.bus == nil || !r.Notify.WantsNotification(status) {
		return
	}
	if r.Notify.Channel == "" || r.Notify.UserID == "" {
		return
	}
	e.bus.PublishOutbound(&bus.OutgoingMessage{
		Channel: r.Notify.Channel,
		UserID:  r.Notify.UserID,
		Content: fmt.Sprintf("Routine %q: %s — %s", r.Name, status, summary),
	})
}

// ---------------------------------------------------------------------------
// event matching internals
// ---------------------------------------------------------------------------

func (e *Engine) eventRoutines(ctx context.Context) ([]*Routine, error) {
	records, err := e.store.ListRoutines(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Routine
	for _, rec := range records {
		if rec.TriggerType != TriggerEvent || !rec.Enabled {
			continue
		}
		r, err := FromRecord(rec)
		if err != nil {
			slog.Warn("Skipping unreadable event routine", "id", rec.ID, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) compiledPattern(r *Routine) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := r.ID + "\x00" + r.Trigger.Pattern
	if re, ok := e.eventCache[key]; ok {
		return re
	}
	re, err := regexp.Compile(r.Trigger.Pattern)
	if err != nil {
		slog.Warn("Routine event pattern invalid", "id", r.ID, "pattern", r.Trigger.Pattern, "error", err)
		e.eventCache[key] = nil
		return nil
	}
	e.eventCache[key] = re
	return re
}

// isDuplicateFire checks the content-hash dedup window.
func (e *Engine) isDuplicateFire(r *Routine, content string, now time.Time) bool {
	window := time.Duration(r.Guardrails.DedupWindowSeconds) * time.Second
	if window <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	hash := ContentHash(content)
	if fires, ok := e.recentFires[r.ID]; ok {
		if last, ok := fires[hash]; ok && now.Sub(last) < window {
			return true
		}
	}
	return false
}

func (e *Engine) recordFire(r *Routine, content string, now time.Time) {
	if r.Guardrails.DedupWindowSeconds <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fires, ok := e.recentFires[r.ID]
	if !ok {
		fires = make(map[uint64]time.Time)
		e.recentFires[r.ID] = fires
	}
	fires[ContentHash(content)] = now

	// Sweep stale entries opportunistically.
	window := time.Duration(r.Guardrails.DedupWindowSeconds) * time.Second
	for hash, ts := range fires {
		if now.Sub(ts) >= window {
			delete(fires, hash)
		}
	}
}
