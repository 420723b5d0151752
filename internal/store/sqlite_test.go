package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCard(id string, expiresIn time.Duration) *CardRecord {
	now := time.Now()
	return &CardRecord{
		ID:             id,
		Silo:           "messages",
		CardType:       "reply",
		ConversationID: "conv-1",
		SourceMessage:  "Can we meet Tuesday?",
		SourceSender:   "alice@company.com",
		SuggestedReply: "Sure, Tuesday works!",
		Confidence:     0.9,
		Status:         CardStatusPending,
		Channel:        "email",
		CreatedAt:      now,
		ExpiresAt:      now.Add(expiresIn),
		UpdatedAt:      now,
	}
}

func TestMigrationsApplyOnFreshDB(t *testing.T) {
	s := openTestStore(t)
	v, err := SchemaVersion(s.DB())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	want := Migrations[len(Migrations)-1].Version
	if v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}
}

func TestLegacyDBSeedsVersionOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Build a legacy database: core tables, no _migrations.
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatal(err)
	}
	for _, stmt := range Migrations[0].Statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("legacy DDL: %v", err)
		}
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open legacy: %v", err)
	}
	defer s.Close()

	v, err := SchemaVersion(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	want := Migrations[len(Migrations)-1].Version
	if v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}

	// Legacy column adds must have landed: insert a card using v2 columns.
	card := testCard("card-legacy", time.Hour)
	card.MessageID = "ext-1"
	if err := s.InsertCard(context.Background(), card); err != nil {
		t.Fatalf("InsertCard on upgraded legacy DB: %v", err)
	}
}

func TestCardLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	card := testCard("card-1", time.Hour)
	card.MessageID = "ext-9"
	if err := s.InsertCard(ctx, card); err != nil {
		t.Fatalf("InsertCard: %v", err)
	}

	got, err := s.GetCard(ctx, "card-1")
	if err != nil {
		t.Fatalf("GetCard: %v", err)
	}
	if got.SuggestedReply != "Sure, Tuesday works!" || got.Confidence != 0.9 {
		t.Errorf("card = %+v", got)
	}

	pending, err := s.ListPendingCards(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPendingCards = %v, %v", pending, err)
	}

	ok, err := s.HasPendingCardForMessage(ctx, "ext-9")
	if err != nil || !ok {
		t.Errorf("HasPendingCardForMessage = %v, %v", ok, err)
	}

	if err := s.UpdateCardReply(ctx, "card-1", "new text", CardStatusApproved); err != nil {
		t.Fatalf("UpdateCardReply: %v", err)
	}
	got, _ = s.GetCard(ctx, "card-1")
	if got.SuggestedReply != "new text" || got.Status != CardStatusApproved {
		t.Errorf("after edit: %+v", got)
	}

	if err := s.UpdateCardStatus(ctx, "card-1", CardStatusSent); err != nil {
		t.Fatalf("UpdateCardStatus: %v", err)
	}

	if _, err := s.GetCard(ctx, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("GetCard missing: err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateCardStatus(ctx, "missing", CardStatusApproved); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("UpdateCardStatus missing: err = %v, want ErrNotFound", err)
	}
}

func TestExpireCards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.InsertCard(ctx, testCard("past", -time.Minute))
	_ = s.InsertCard(ctx, testCard("future", time.Hour))

	// Already-past cards are filtered from the pending list.
	pending, err := s.ListPendingCards(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "future" {
		t.Errorf("pending = %v", pending)
	}

	n, err := s.ExpireCards(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("ExpireCards = %d, %v, want 1", n, err)
	}
	got, _ := s.GetCard(ctx, "past")
	if got.Status != CardStatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestPruneCardsKeepsPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testCard("old-done", time.Hour)
	old.Status = CardStatusSent
	old.CreatedAt = time.Now().AddDate(0, 0, -30)
	_ = s.InsertCard(ctx, old)

	oldPending := testCard("old-pending", time.Hour)
	oldPending.CreatedAt = time.Now().AddDate(0, 0, -30)
	_ = s.InsertCard(ctx, oldPending)

	n, err := s.PruneCards(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("PruneCards = %d, %v, want 1", n, err)
	}
	if _, err := s.GetCard(ctx, "old-pending"); err != nil {
		t.Errorf("pending card should survive pruning: %v", err)
	}
}

func TestMessageDedupAndRepliedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := &MessageRecord{
		ExternalID: "ext-1",
		Channel:    "email",
		Sender:     "bob@example.com",
		Subject:    "Hello",
		Content:    "hi there",
		ReceivedAt: time.Now(),
	}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	dup := &MessageRecord{ExternalID: "ext-1", Channel: "email", Sender: "x", Content: "y", ReceivedAt: time.Now()}
	if err := s.InsertMessage(ctx, dup); !errors.Is(err, errs.ErrConstraint) {
		t.Errorf("duplicate insert: err = %v, want ErrConstraint", err)
	}

	if err := s.UpdateMessageStatus(ctx, "ext-1", MessageStatusReplied); err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}
	got, err := s.GetMessageByExternalID(ctx, "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != MessageStatusReplied || got.RepliedAt == nil {
		t.Errorf("message = %+v, want replied with replied_at set", got)
	}

	pending, _ := s.ListPendingMessages(ctx)
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestConversationMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureConversation(ctx, "conv-1", "cli", "user", "thread-1"); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := s.EnsureConversation(ctx, "conv-1", "cli", "user", "thread-1"); err != nil {
		t.Fatalf("second EnsureConversation: %v", err)
	}

	_ = s.AppendConversationMessage(ctx, "conv-1", "user", "hello")
	_ = s.AppendConversationMessage(ctx, "conv-1", "assistant", "hi")

	msgs, err := s.ListConversationMessages(ctx, "conv-1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("messages = %v, %v", msgs, err)
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("order wrong: %v, %v", msgs[0].Role, msgs[1].Role)
	}

	if err := s.SetConversationMetadataField(ctx, "conv-1", "last_response_id", "resp-42"); err != nil {
		t.Fatal(err)
	}
	meta, err := s.GetConversationMetadata(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta["last_response_id"] != "resp-42" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestRoutineDueListAndRuntime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due := &RoutineRecord{
		ID: "r1", Name: "morning check", Enabled: true,
		TriggerType: "cron", TriggerConfig: `{"schedule": "0 9 * * *"}`,
		ActionType: "lightweight", NextFireAt: &past,
	}
	notDue := &RoutineRecord{
		ID: "r2", Name: "later", Enabled: true,
		TriggerType: "cron", ActionType: "lightweight", NextFireAt: &future,
	}
	disabled := &RoutineRecord{
		ID: "r3", Name: "off", Enabled: false,
		TriggerType: "cron", ActionType: "lightweight", NextFireAt: &past,
	}
	for _, r := range []*RoutineRecord{due, notDue, disabled} {
		if err := s.InsertRoutine(ctx, r); err != nil {
			t.Fatalf("InsertRoutine %s: %v", r.ID, err)
		}
	}

	got, err := s.ListDueRoutines(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("due = %v", got)
	}

	now := time.Now()
	next := now.Add(24 * time.Hour)
	if err := s.UpdateRoutineRuntime(ctx, "r1", &now, &next, 1, 0); err != nil {
		t.Fatal(err)
	}
	r, _ := s.GetRoutine(ctx, "r1")
	if r.RunCount != 1 || r.NextFireAt == nil || !r.NextFireAt.After(time.Now()) {
		t.Errorf("runtime = %+v", r)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &ApprovalRecord{
		RequestID:   "req-1",
		ThreadID:    "thread-1",
		Tool:        "write_file",
		Parameters:  `{"path": "notes.md"}`,
		Description: "Write content to a file",
		ToolCallID:  "call-1",
		Snapshot:    `[{"role": "user", "content": "save a note"}]`,
	}
	if err := s.InsertApproval(ctx, rec); err != nil {
		t.Fatalf("InsertApproval: %v", err)
	}

	got, err := s.GetApproval(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ApprovalStatusPending || got.Tool != "write_file" || got.ToolCallID != "call-1" {
		t.Errorf("approval = %+v", got)
	}

	if err := s.ResolveApproval(ctx, "req-1", ApprovalStatusApproved); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetApproval(ctx, "req-1")
	if got.Status != ApprovalStatusApproved || got.ResolvedAt == nil {
		t.Errorf("resolved approval = %+v", got)
	}

	if err := s.ResolveApproval(ctx, "missing", ApprovalStatusDenied); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("resolve missing: err = %v, want ErrNotFound", err)
	}
}

func TestExpireStaleApprovals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.InsertApproval(ctx, &ApprovalRecord{RequestID: "stale-1", ThreadID: "t", Tool: "exec"})
	_ = s.InsertApproval(ctx, &ApprovalRecord{RequestID: "stale-2", ThreadID: "t", Tool: "exec"})
	resolved := &ApprovalRecord{RequestID: "done", ThreadID: "t", Tool: "exec"}
	_ = s.InsertApproval(ctx, resolved)
	_ = s.ResolveApproval(ctx, "done", ApprovalStatusDenied)

	n, err := s.ExpireStaleApprovals(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ExpireStaleApprovals = %d, %v, want 2", n, err)
	}
	got, _ := s.GetApproval(ctx, "stale-1")
	if got.Status != ApprovalStatusExpired || got.ResolvedAt == nil {
		t.Errorf("stale approval = %+v", got)
	}
	// Already-resolved rows are untouched.
	got, _ = s.GetApproval(ctx, "done")
	if got.Status != ApprovalStatusDenied {
		t.Errorf("resolved approval = %+v", got)
	}
}

func TestRoutineRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &RoutineRecord{ID: "r1", Name: "check", Enabled: true, TriggerType: "manual", ActionType: "lightweight"}
	if err := s.InsertRoutine(ctx, r); err != nil {
		t.Fatal(err)
	}

	run := &RoutineRunRecord{ID: "run-1", RoutineID: "r1", Trigger: "manual", StartedAt: time.Now()}
	if err := s.InsertRoutineRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountRunningRuns(ctx, "r1")
	if err != nil || n != 1 {
		t.Fatalf("CountRunningRuns = %d, %v, want 1", n, err)
	}

	finished := time.Now()
	run.FinishedAt = &finished
	run.Status = RunStatusOK
	run.Summary = "ROUTINE_OK"
	run.TokensUsed = 42
	if err := s.UpdateRoutineRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRoutineRuns(ctx, "r1", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	if runs[0].Status != RunStatusOK || runs[0].TokensUsed != 42 {
		t.Errorf("run = %+v", runs[0])
	}
}
