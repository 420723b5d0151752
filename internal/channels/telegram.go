package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Anteroom/Anteroom/internal/bus"
	"github.com/Anteroom/Anteroom/internal/config"
	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/pipeline"
)

// TelegramChannel is the Telegram Bot API adapter. It is an interactive
// channel: fetched updates are handed straight to the agent loop via the
// bus; replies (both card sends and agent responses) go out through
// sendMessage.
type TelegramChannel struct {
	cfg        config.TelegramConfig
	bus        *bus.MessageBus
	allowlist  *Allowlist
	httpClient *http.Client
	apiBase    string
	offset     atomic.Int64
}

// NewTelegramChannel creates the Telegram adapter.
func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) *TelegramChannel {
	return &TelegramChannel{
		cfg:        cfg,
		bus:        messageBus,
		allowlist:  NewAllowlist(cfg.AllowFrom),
		httpClient: &http.Client{Timeout: 45 * time.Second},
		apiBase:    "https://api.telegram.org/bot" + cfg.Token,
	}
}

// SetAPIBase overrides the Bot API endpoint (tests).
func (c *TelegramChannel) SetAPIBase(base string) {
	c.apiBase = strings.TrimSuffix(base, "/")
}

func (c *TelegramChannel) Name() string { return "telegram" }

// telegram wire types (the subset we read).
type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID        int64  `json:"id"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		Date           int64  `json:"date"`
		Text           string `json:"text"`
		ReplyToMessage *struct {
			From struct {
				Username string `json:"username"`
			} `json:"from"`
		} `json:"reply_to_message"`
	} `json:"message"`
}

// FetchNew long-polls getUpdates past the stored offset and converts
// updates to pipeline form. Allowlist filtering and self-loop suppression
// happen here, before anything downstream sees the message.
func (c *TelegramChannel) FetchNew(ctx context.Context) ([]pipeline.InboundMessage, error) {
	url := fmt.Sprintf("%s/getUpdates?offset=%d&timeout=30", c.apiBase, c.offset.Load()+1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindChannel, "telegram.fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.Wrapf(errs.KindChannel, "telegram.fetch", errs.ErrDisconnected,
			"bot API status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		OK     bool       `json:"ok"`
		Result []tgUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errs.Wrap(errs.KindChannel, "telegram.fetch", err)
	}
	if !payload.OK {
		return nil, errs.Wrap(errs.KindChannel, "telegram.fetch", errs.ErrInvalidResponse)
	}

	var out []pipeline.InboundMessage
	for _, u := range payload.Result {
		if u.UpdateID > c.offset.Load() {
			c.offset.Store(u.UpdateID)
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		m := u.Message

		sender := m.From.Username
		if sender == "" {
			sender = strconv.FormatInt(m.From.ID, 10)
		}
		if c.cfg.SelfUsername != "" && strings.EqualFold(sender, c.cfg.SelfUsername) {
			continue // own message, no work
		}
		if !c.allowlist.Allows(sender) {
			slog.Debug("Telegram sender not on allowlist", "sender", sender)
			continue
		}

		received := time.Unix(m.Date, 0)
		isReplyToMe := m.ReplyToMessage != nil &&
			strings.EqualFold(m.ReplyToMessage.From.Username, c.cfg.SelfUsername)

		msg := pipeline.InboundMessage{
			ID:         fmt.Sprintf("tg-%d-%d", m.Chat.ID, m.MessageID),
			Channel:    c.Name(),
			Sender:     sender,
			SenderName: m.From.FirstName,
			Content:    m.Text,
			ReceivedAt: received,
			ReplyMetadata: map[string]any{
				"chat_id": m.Chat.ID,
			},
		}
		msg.Hints = pipeline.AnalyzeHints(m.Text, sender, c.cfg.AllowFrom,
			isReplyToMe, m.Chat.Type == "private", received)
		out = append(out, msg)
	}
	return out, nil
}

// SendReply sends an approved reply to the chat stored in the card's
// reply metadata.
func (c *TelegramChannel) SendReply(ctx context.Context, original *pipeline.InboundMessage, reply string) error {
	chatID, err := chatIDFromMetadata(original.ReplyMetadata)
	if err != nil {
		return errs.Wrap(errs.KindChannel, "telegram.send", err)
	}
	return c.sendMessage(ctx, chatID, reply)
}

// RunInteractive long-polls updates and feeds them to the agent loop via
// the bus, and subscribes agent responses back out.
func (c *TelegramChannel) RunInteractive(ctx context.Context) {
	c.bus.Subscribe(c.Name(), func(msg *bus.OutgoingMessage) {
		chatID, err := strconv.ParseInt(msg.UserID, 10, 64)
		if err != nil {
			slog.Warn("Telegram outbound with bad chat id", "user_id", msg.UserID)
			return
		}
		if err := c.sendMessage(ctx, chatID, msg.Content); err != nil {
			slog.Warn("Telegram send failed", "error", err)
		}
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := c.FetchNew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Telegram poll failed", "error", err)
			select {
			case <-time.After(c.cfg.PollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, m := range msgs {
			chatID, _ := chatIDFromMetadata(m.ReplyMetadata)
			c.bus.PublishInbound(&bus.IncomingMessage{
				Channel:   c.Name(),
				UserID:    strconv.FormatInt(chatID, 10),
				Content:   m.Content,
				Timestamp: m.ReceivedAt,
				Metadata:  map[string]any{"sender": m.Sender},
			})
		}
	}
}

func (c *TelegramChannel) sendMessage(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindChannel, "telegram.send", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return errs.Wrap(errs.KindChannel, "telegram.send", errs.ErrRateLimit)
	}
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.Wrapf(errs.KindChannel, "telegram.send", errs.ErrDisconnected,
			"bot API status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func chatIDFromMetadata(metadata map[string]any) (int64, error) {
	switch v := metadata["chat_id"].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("missing chat_id in reply_metadata")
}
