package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Anteroom/Anteroom/internal/config"
	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/pipeline"
)

// EmailChannel talks to a local mail bridge over HTTP: the bridge owns
// the IMAP/SMTP sessions; this adapter owns message conversion and reply
// header construction.
type EmailChannel struct {
	cfg        config.EmailConfig
	httpClient *http.Client
}

// NewEmailChannel creates the email adapter.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *EmailChannel) Name() string { return "email" }

// bridgeMessage mirrors the mail bridge's unread-message JSON.
type bridgeMessage struct {
	MessageID  string   `json:"message_id"`
	From       string   `json:"from"`
	FromName   string   `json:"from_name"`
	To         []string `json:"to"`
	Cc         []string `json:"cc"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Date       string   `json:"date"`
	References []string `json:"references"`
	InReplyTo  string   `json:"in_reply_to"`
}

// FetchNew pulls unread messages from the bridge and converts them to
// pipeline form, attaching the reply metadata needed to answer later.
func (c *EmailChannel) FetchNew(ctx context.Context) ([]pipeline.InboundMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.cfg.BridgeURL, "/")+"/messages/unread", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindChannel, "email.fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.Wrapf(errs.KindChannel, "email.fetch", errs.ErrDisconnected,
			"bridge status %d: %s", resp.StatusCode, body)
	}

	var raw []bridgeMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errs.Wrap(errs.KindChannel, "email.fetch", err)
	}

	out := make([]pipeline.InboundMessage, 0, len(raw))
	for _, m := range raw {
		received, _ := time.Parse(time.RFC3339, m.Date)
		if received.IsZero() {
			received = time.Now()
		}
		msg := pipeline.InboundMessage{
			ID:            m.MessageID,
			Channel:       c.Name(),
			Sender:        m.From,
			SenderName:    m.FromName,
			Subject:       m.Subject,
			Content:       m.Body,
			ReceivedAt:    received,
			ReplyMetadata: BuildReplyMetadata(&m),
		}
		msg.Hints = pipeline.AnalyzeHints(m.Body, m.From, c.cfg.AllowFrom,
			m.InReplyTo != "", len(m.To) == 1, received)
		out = append(out, msg)
	}
	return out, nil
}

// SendReply sends an approved reply through the bridge, with headers
// reconstructed from the card's reply metadata.
func (c *EmailChannel) SendReply(ctx context.Context, original *pipeline.InboundMessage, reply string) error {
	headers, err := BuildReplyHeaders(original.ReplyMetadata)
	if err != nil {
		return errs.Wrap(errs.KindChannel, "email.send", err)
	}

	payload := map[string]any{
		"to":          headers.To,
		"cc":          headers.Cc,
		"subject":     headers.Subject,
		"in_reply_to": headers.InReplyTo,
		"references":  headers.References,
		"body":        reply,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BridgeURL, "/")+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindChannel, "email.send", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.Wrapf(errs.KindChannel, "email.send", errs.ErrDisconnected,
			"bridge status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func (c *EmailChannel) authorize(req *http.Request) {
	if tok := strings.TrimSpace(c.cfg.BridgeToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

// BuildReplyMetadata extracts the fields a future reply needs from an
// inbound email: reply_to (the From address), cc (other recipients),
// subject, in_reply_to (the Message-ID), and the references chain with
// the message's own id appended.
func BuildReplyMetadata(m *bridgeMessage) map[string]any {
	references := append([]string{}, m.References...)
	if m.MessageID != "" {
		references = append(references, m.MessageID)
	}
	cc := make([]string, 0, len(m.Cc))
	cc = append(cc, m.Cc...)

	return map[string]any{
		"reply_to":    m.From,
		"cc":          cc,
		"subject":     m.Subject,
		"in_reply_to": m.MessageID,
		"references":  references,
	}
}

// ReplyHeaders are the resolved outbound headers for an email reply.
type ReplyHeaders struct {
	To         string
	Cc         []string
	Subject    string
	InReplyTo  string
	References []string
}

// BuildReplyHeaders resolves reply metadata into outbound headers:
// To = reply_to, Cc carried over, Subject gets "Re: " unless already
// present, In-Reply-To and References from the stored chain. A missing
// reply_to is an error — there is nobody to address.
func BuildReplyHeaders(metadata map[string]any) (*ReplyHeaders, error) {
	replyTo, _ := metadata["reply_to"].(string)
	if strings.TrimSpace(replyTo) == "" {
		return nil, fmt.Errorf("missing reply_to in reply_metadata")
	}

	subject, _ := metadata["subject"].(string)
	if subject == "" {
		subject = "(no subject)"
	}
	if !strings.HasPrefix(subject, "Re: ") && !strings.HasPrefix(subject, "RE: ") {
		subject = "Re: " + subject
	}

	headers := &ReplyHeaders{
		To:      replyTo,
		Subject: subject,
	}
	if irt, ok := metadata["in_reply_to"].(string); ok {
		headers.InReplyTo = irt
	}
	headers.Cc = stringSlice(metadata["cc"])
	headers.References = stringSlice(metadata["references"])
	return headers, nil
}

// stringSlice coerces a metadata value ([]string or []any from JSON)
// into a string slice.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
