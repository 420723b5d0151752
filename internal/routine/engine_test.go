package routine

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Anteroom/Anteroom/internal/bus"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/store"
)

type routineLLM struct {
	response string
	calls    atomic.Int32
}

func (f *routineLLM) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.calls.Add(1)
	return &provider.ChatResponse{
		Content: f.response,
		Usage:   provider.Usage{TotalTokens: 37},
	}, nil
}

func (f *routineLLM) DefaultModel() string { return "fake" }

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "routines.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedRoutine(t *testing.T, st store.Store, r *Routine) {
	t.Helper()
	rec, err := r.ToRecord()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.InsertRoutine(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func lightweightRoutine(id string) *Routine {
	return &Routine{
		ID: id, Name: id, Enabled: true,
		TriggerType: TriggerManual,
		ActionType:  ActionLightweight,
		Action:      ActionConfig{Prompt: "check the inbox"},
	}
}

func TestManualFireRecordsRun(t *testing.T) {
	st := openStore(t)
	llm := &routineLLM{response: "ROUTINE_OK"}
	e := NewEngine(st, llm, nil, Config{})
	ctx := context.Background()

	seedRoutine(t, st, lightweightRoutine("r1"))
	if err := e.Fire(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	e.Wait()

	runs, err := st.ListRoutineRuns(ctx, "r1", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	run := runs[0]
	if run.Status != store.RunStatusOK || run.TokensUsed != 37 || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}

	rec, _ := st.GetRoutine(ctx, "r1")
	if rec.RunCount != 1 || rec.ConsecFails != 0 || rec.LastRunAt == nil {
		t.Errorf("routine runtime = %+v", rec)
	}
}

func TestSentinelClassification(t *testing.T) {
	cases := []struct {
		response string
		want     string
	}{
		{"ROUTINE_OK", store.RunStatusOK},
		{"All good. ROUTINE_OK", store.RunStatusOK},
		{"Three emails need replies.", store.RunStatusAttention},
		{"", store.RunStatusFailed},
	}
	for _, tc := range cases {
		st := openStore(t)
		llm := &routineLLM{response: tc.response}
		e := NewEngine(st, llm, nil, Config{})
		ctx := context.Background()
		seedRoutine(t, st, lightweightRoutine("r1"))

		if err := e.Fire(ctx, "r1"); err != nil {
			t.Fatal(err)
		}
		e.Wait()
		runs, _ := st.ListRoutineRuns(ctx, "r1", 1)
		if runs[0].Status != tc.want {
			t.Errorf("response %q: status = %s, want %s", tc.response, runs[0].Status, tc.want)
		}
	}
}

func TestFailureIncrementsConsecutiveFailures(t *testing.T) {
	st := openStore(t)
	llm := &routineLLM{response: ""}
	e := NewEngine(st, llm, nil, Config{DefaultCooldown: time.Millisecond})
	ctx := context.Background()
	seedRoutine(t, st, lightweightRoutine("r1"))

	for i := 0; i < 2; i++ {
		if err := e.Fire(ctx, "r1"); err != nil {
			t.Fatal(err)
		}
		e.Wait()
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := st.GetRoutine(ctx, "r1")
	if rec.ConsecFails != 2 {
		t.Errorf("consecutive failures = %d, want 2", rec.ConsecFails)
	}
}

// Invariant 10: cooldown suppresses fires.
func TestCooldownGuardrail(t *testing.T) {
	st := openStore(t)
	llm := &routineLLM{response: "ROUTINE_OK"}
	e := NewEngine(st, llm, nil, Config{DefaultCooldown: time.Hour})
	ctx := context.Background()

	r := lightweightRoutine("r1")
	seedRoutine(t, st, r)

	if err := e.Fire(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	e.Wait()

	err := e.Fire(ctx, "r1")
	if err == nil || !strings.Contains(err.Error(), "cooldown") {
		t.Errorf("second fire err = %v, want cooldown guardrail", err)
	}
	if llm.calls.Load() != 1 {
		t.Errorf("model calls = %d, want 1", llm.calls.Load())
	}
}

func TestPerRoutineConcurrencyGuardrail(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	r := lightweightRoutine("r1")
	seedRoutine(t, st, r)

	// Simulate an in-flight run.
	_ = st.InsertRoutineRun(ctx, &store.RoutineRunRecord{
		ID: "stuck", RoutineID: "r1", Trigger: "manual", StartedAt: time.Now(),
	})

	e := NewEngine(st, &routineLLM{response: "ROUTINE_OK"}, nil, Config{})
	err := e.Fire(ctx, "r1")
	if err == nil || !strings.Contains(err.Error(), "concurrency") {
		t.Errorf("err = %v, want concurrency guardrail", err)
	}
}

func TestEventMatcherFiresAndDedupes(t *testing.T) {
	st := openStore(t)
	llm := &routineLLM{response: "ROUTINE_OK"}
	e := NewEngine(st, llm, nil, Config{DefaultCooldown: time.Millisecond})
	ctx := context.Background()

	r := &Routine{
		ID: "ev1", Name: "urgent watcher", Enabled: true,
		TriggerType: TriggerEvent,
		Trigger:     TriggerConfig{Channel: "email", Pattern: `(?i)\burgent\b`},
		ActionType:  ActionLightweight,
		Action:      ActionConfig{Prompt: "look into it"},
		Guardrails:  Guardrails{DedupWindowSeconds: 3600},
	}
	seedRoutine(t, st, r)

	e.OnInboundMessage(ctx, "email", "this is URGENT please")
	e.Wait()
	if llm.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", llm.calls.Load())
	}

	// Same content inside the dedup window: suppressed.
	time.Sleep(5 * time.Millisecond)
	e.OnInboundMessage(ctx, "email", "this is URGENT please")
	e.Wait()
	if llm.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (dedup)", llm.calls.Load())
	}

	// Wrong channel: no fire.
	e.OnInboundMessage(ctx, "telegram", "URGENT other channel")
	e.Wait()
	if llm.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (channel filter)", llm.calls.Load())
	}

	// Non-matching content: no fire.
	e.OnInboundMessage(ctx, "email", "nothing special")
	e.Wait()
	if llm.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (pattern filter)", llm.calls.Load())
	}
}

func TestCronTickFiresDueRoutine(t *testing.T) {
	st := openStore(t)
	llm := &routineLLM{response: "ROUTINE_OK"}
	e := NewEngine(st, llm, nil, Config{})
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	r := &Routine{
		ID: "cron1", Name: "morning check", Enabled: true,
		TriggerType: TriggerCron,
		Trigger:     TriggerConfig{Schedule: "0 9 * * *"},
		ActionType:  ActionLightweight,
		Action:      ActionConfig{Prompt: "check things"},
		NextFireAt:  &past,
	}
	seedRoutine(t, st, r)

	e.tick(ctx, time.Now())
	e.Wait()

	if llm.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", llm.calls.Load())
	}
	// next_fire_at advanced into the future.
	rec, _ := st.GetRoutine(ctx, "cron1")
	if rec.NextFireAt == nil || !rec.NextFireAt.After(time.Now()) {
		t.Errorf("next fire = %v", rec.NextFireAt)
	}
}

func TestFullJobDegradesToLightweight(t *testing.T) {
	st := openStore(t)
	llm := &routineLLM{response: "Checked everything."}
	e := NewEngine(st, llm, nil, Config{})
	ctx := context.Background()

	r := &Routine{
		ID: "fj1", Name: "big job", Enabled: true,
		TriggerType: TriggerManual,
		ActionType:  ActionFullJob,
		Action:      ActionConfig{Title: "Weekly review", Description: "review the week"},
	}
	seedRoutine(t, st, r)

	if err := e.Fire(ctx, "fj1"); err != nil {
		t.Fatal(err)
	}
	e.Wait()

	runs, _ := st.ListRoutineRuns(ctx, "fj1", 1)
	if len(runs) != 1 || !strings.Contains(runs[0].Summary, "full_job degraded") {
		t.Errorf("runs = %+v", runs)
	}
}

func TestNotificationOnOptedInStatus(t *testing.T) {
	st := openStore(t)
	llm := &routineLLM{response: "Inbox has three urgent emails."}
	b := bus.NewMessageBus()
	e := NewEngine(st, llm, b, Config{})
	ctx := context.Background()

	r := lightweightRoutine("r1")
	r.Notify = NotifyConfig{Channel: "telegram", UserID: "42", OnStatus: []string{store.RunStatusAttention}}
	seedRoutine(t, st, r)

	if err := e.Fire(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	e.Wait()

	if b.OutboundSize() != 1 {
		t.Fatalf("outbound = %d, want 1", b.OutboundSize())
	}
}
