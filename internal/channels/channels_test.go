package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/config"
	"github.com/Anteroom/Anteroom/internal/pipeline"
	"github.com/Anteroom/Anteroom/internal/store"
)

func TestAllowlist(t *testing.T) {
	a := NewAllowlist([]string{"alice@company.com", "example.org", "@corp.io"})
	cases := map[string]bool{
		"alice@company.com": true,
		"ALICE@Company.com": true,
		"bob@example.org":   true,
		"eve@corp.io":       true,
		"mallory@evil.com":  false,
		"alice@company.org": false,
	}
	for sender, want := range cases {
		if got := a.Allows(sender); got != want {
			t.Errorf("Allows(%q) = %v, want %v", sender, got, want)
		}
	}

	star := NewAllowlist([]string{"*"})
	if !star.Allows("anyone@anywhere.net") {
		t.Error("wildcard should admit anyone")
	}

	empty := NewAllowlist(nil)
	if empty.Allows("anyone@anywhere.net") {
		t.Error("empty allowlist should admit nobody")
	}
}

// fakeAdapter returns a canned batch once.
type fakeAdapter struct {
	name string
	msgs []pipeline.InboundMessage
	sent []string
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) FetchNew(context.Context) ([]pipeline.InboundMessage, error) {
	return f.msgs, nil
}
func (f *fakeAdapter) SendReply(_ context.Context, _ *pipeline.InboundMessage, reply string) error {
	f.sent = append(f.sent, reply)
	return nil
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ch.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func inboundMsg(id, sender string) pipeline.InboundMessage {
	return pipeline.InboundMessage{
		ID: id, Channel: "email", Sender: sender,
		Content: "hello", ReceivedAt: time.Now(),
	}
}

func TestPollerPersistsAndDedupes(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	adapter := &fakeAdapter{name: "email", msgs: []pipeline.InboundMessage{
		inboundMsg("m1", "alice@ok.com"),
		inboundMsg("m2", "bob@ok.com"),
	}}
	p := NewPoller(adapter, st, NewAllowlist([]string{"*"}), "me@self.com", time.Minute)

	n, err := p.PollOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("PollOnce = %d, %v, want 2", n, err)
	}
	// Same batch again: all deduped.
	n, err = p.PollOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second PollOnce = %d, %v, want 0", n, err)
	}

	pending, _ := st.ListPendingMessages(ctx)
	if len(pending) != 2 {
		t.Errorf("pending = %d", len(pending))
	}
}

func TestPollerAllowlistAndSelfLoop(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	adapter := &fakeAdapter{name: "email", msgs: []pipeline.InboundMessage{
		inboundMsg("ok", "alice@company.com"),
		inboundMsg("blocked", "spam@bad.com"),
		inboundMsg("self", "Me@Self.com"),
	}}
	p := NewPoller(adapter, st, NewAllowlist([]string{"alice@company.com"}), "me@self.com", time.Minute)

	n, err := p.PollOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PollOnce = %d, %v, want 1", n, err)
	}

	// The self message is marked seen (dismissed), not pending work.
	self, err := st.GetMessageByExternalID(ctx, "self")
	if err != nil {
		t.Fatalf("self message not recorded: %v", err)
	}
	if self.Status != store.MessageStatusDismissed {
		t.Errorf("self status = %s, want dismissed", self.Status)
	}

	// The blocked message is simply absent.
	if _, err := st.GetMessageByExternalID(ctx, "blocked"); err == nil {
		t.Error("blocked sender should not be persisted")
	}
}

func TestSendApprovedRequiresApprovedCard(t *testing.T) {
	m := NewManager()
	adapter := &fakeAdapter{name: "email"}
	m.Register(adapter)
	queue := cards.NewQueue()
	ctx := context.Background()

	card := cards.NewReply("email", "alice@x.com", "q", "a", 0.9, "conv", 60).
		WithReplyMetadata(map[string]any{"reply_to": "alice@x.com", "subject": "q"})
	queue.Push(ctx, card)

	// Invariant 1: a pending card cannot be sent.
	if err := m.SendApproved(ctx, card, queue, nil); err == nil {
		t.Fatal("send of pending card must fail")
	}
	if len(adapter.sent) != 0 {
		t.Fatal("adapter was called without approval")
	}

	if _, err := queue.Approve(ctx, card.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.SendApproved(ctx, card, queue, nil); err != nil {
		t.Fatalf("SendApproved: %v", err)
	}
	if len(adapter.sent) != 1 || adapter.sent[0] != "a" {
		t.Errorf("sent = %v", adapter.sent)
	}
	got, _ := queue.Get(card.ID)
	if got.Status != cards.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestBuildReplyHeaders(t *testing.T) {
	headers, err := BuildReplyHeaders(map[string]any{
		"reply_to":    "alice@company.com",
		"cc":          []any{"bob@company.com"},
		"subject":     "Meeting",
		"in_reply_to": "<msg-1@company.com>",
		"references":  []any{"<msg-0@company.com>", "<msg-1@company.com>"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if headers.To != "alice@company.com" {
		t.Errorf("To = %q", headers.To)
	}
	if headers.Subject != "Re: Meeting" {
		t.Errorf("Subject = %q", headers.Subject)
	}
	if len(headers.Cc) != 1 || headers.Cc[0] != "bob@company.com" {
		t.Errorf("Cc = %v", headers.Cc)
	}
	if headers.InReplyTo != "<msg-1@company.com>" || len(headers.References) != 2 {
		t.Errorf("threading headers = %+v", headers)
	}
}

func TestBuildReplyHeadersNoDoubleRe(t *testing.T) {
	headers, err := BuildReplyHeaders(map[string]any{
		"reply_to": "a@b.com",
		"subject":  "Re: Meeting",
	})
	if err != nil {
		t.Fatal(err)
	}
	if headers.Subject != "Re: Meeting" {
		t.Errorf("Subject = %q", headers.Subject)
	}
}

func TestBuildReplyHeadersMissingReplyTo(t *testing.T) {
	if _, err := BuildReplyHeaders(map[string]any{"subject": "x"}); err == nil {
		t.Fatal("expected error for missing reply_to")
	}
}

func TestEmailFetchNew(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/unread" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{
			"message_id": "<m1@x>",
			"from": "alice@company.com",
			"from_name": "Alice",
			"to": ["me@self.com"],
			"subject": "Meeting",
			"body": "Can we meet Tuesday?",
			"date": "2026-07-30T10:00:00Z",
			"references": ["<m0@x>"]
		}]`))
	}))
	defer server.Close()

	c := NewEmailChannel(config.EmailConfig{
		BridgeURL: server.URL, BridgeToken: "tok",
		AllowFrom: []string{"alice@company.com"},
	})
	msgs, err := c.FetchNew(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("msgs = %d", len(msgs))
	}
	m := msgs[0]
	if m.ID != "<m1@x>" || m.Sender != "alice@company.com" || !m.Hints.HasQuestion || !m.Hints.SenderIsKnown {
		t.Errorf("msg = %+v", m)
	}
	refs := m.ReplyMetadata["references"].([]string)
	if len(refs) != 2 || refs[1] != "<m1@x>" {
		t.Errorf("references = %v", refs)
	}
}

func TestEmailSendReplyBuildsHeaders(t *testing.T) {
	var sent map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/send" {
			sent = map[string]any{}
			if err := jsonDecode(r, &sent); err != nil {
				t.Error(err)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewEmailChannel(config.EmailConfig{BridgeURL: server.URL})
	original := &pipeline.InboundMessage{
		Channel: "email",
		ReplyMetadata: map[string]any{
			"reply_to":    "alice@company.com",
			"subject":     "Meeting",
			"in_reply_to": "<m1@x>",
		},
	}
	if err := c.SendReply(context.Background(), original, "Sure!"); err != nil {
		t.Fatal(err)
	}
	if sent["to"] != "alice@company.com" || sent["subject"] != "Re: Meeting" || sent["body"] != "Sure!" {
		t.Errorf("sent = %v", sent)
	}
}

func TestTelegramFetchNew(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/getUpdates") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true, "result": [
			{"update_id": 10, "message": {"message_id": 1,
				"from": {"id": 7, "username": "alice", "first_name": "Alice"},
				"chat": {"id": 99, "type": "private"},
				"date": 1753862400, "text": "hi there?"}},
			{"update_id": 11, "message": {"message_id": 2,
				"from": {"id": 8, "username": "stranger"},
				"chat": {"id": 100, "type": "private"},
				"date": 1753862401, "text": "let me in"}}
		]}`))
	}))
	defer server.Close()

	c := NewTelegramChannel(config.TelegramConfig{
		AllowFrom: []string{"alice"}, SelfUsername: "mybot",
	}, nil)
	c.SetAPIBase(server.URL)

	msgs, err := c.FetchNew(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("msgs = %d, want 1 (allowlist filters stranger)", len(msgs))
	}
	m := msgs[0]
	if m.Sender != "alice" || m.ID != "tg-99-1" || !m.Hints.IsDirectMessage {
		t.Errorf("msg = %+v", m)
	}
	if id, _ := chatIDFromMetadata(m.ReplyMetadata); id != 99 {
		t.Errorf("chat_id = %d", id)
	}
}

func jsonDecode(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
