package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/store"
)

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedMessage(t *testing.T, st store.Store, externalID, sender, subject, content string) {
	t.Helper()
	err := st.InsertMessage(context.Background(), &store.MessageRecord{
		ExternalID: externalID, Channel: "email", Sender: sender,
		Subject: subject, Content: content, ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTriageLoopProcessesPending(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	llm := &fakeLLM{response: `{"action":"draft_reply","summary":"s","draft":"On it!","confidence":0.8}`}
	queue, err := cards.NewQueueWithStore(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	loop := NewTriageLoop(st, NewProcessor(DefaultRules(), llm, queue, 60), nil, time.Minute)

	seedMessage(t, st, "m1", "alice@company.com", "Help", "Can you help me?")

	n, err := loop.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue len = %d", queue.Len())
	}

	// Second sweep: the message has a pending card, so it is skipped and
	// no duplicate card appears.
	n, err = loop.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second RunOnce = %d, %v", n, err)
	}
	if queue.Len() != 1 {
		t.Errorf("duplicate card created: len = %d", queue.Len())
	}
}

func TestTriageLoopDismissesIgnored(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	llm := &fakeLLM{response: `{"action": "notify", "summary": "x"}`}
	queue := cards.NewQueue()
	loop := NewTriageLoop(st, NewProcessor(DefaultRules(), llm, queue, 60), nil, time.Minute)

	seedMessage(t, st, "spam", "noreply@store.com", "unsubscribe now", "buy")

	if _, err := loop.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	rec, err := st.GetMessageByExternalID(ctx, "spam")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.MessageStatusDismissed {
		t.Errorf("status = %s, want dismissed", rec.Status)
	}
	if queue.Len() != 0 {
		t.Error("ignored message produced a card")
	}
	if llm.called {
		t.Error("model called despite rule short-circuit")
	}
}

func TestTriageLoopLeavesFailedPending(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	llm := &fakeLLM{response: "complete garbage with no json"}
	queue := cards.NewQueue()
	loop := NewTriageLoop(st, NewProcessor(EmptyRules(), llm, queue, 60), nil, time.Minute)

	seedMessage(t, st, "m1", "human@x.com", "hi", "hello there")

	n, err := loop.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	rec, _ := st.GetMessageByExternalID(ctx, "m1")
	if rec.Status != store.MessageStatusPending {
		t.Errorf("status = %s, want pending (retry)", rec.Status)
	}
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) OnInboundMessage(_ context.Context, channel, content string) {
	r.events = append(r.events, channel+":"+content)
}

func TestTriageLoopFeedsEventSink(t *testing.T) {
	st := openStore(t)
	llm := &fakeLLM{response: `{"action": "notify", "summary": "x"}`}
	sink := &recordingSink{}
	loop := NewTriageLoop(st, NewProcessor(EmptyRules(), llm, cards.NewQueue(), 60), sink, time.Minute)

	seedMessage(t, st, "m1", "a@x.com", "s", "urgent thing")
	if _, err := loop.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.events) != 1 || sink.events[0] != "email:urgent thing" {
		t.Errorf("sink = %v", sink.events)
	}
}
