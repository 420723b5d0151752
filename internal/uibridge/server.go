// Package uibridge exposes the card queue to UI clients: a WebSocket
// stream of tagged events with tagged actions coming back, plus a REST
// surface mirroring the same operations.
package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/channels"
	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/store"
)

// pingInterval is the keepalive cadence on the event stream.
const pingInterval = 30 * time.Second

// Action is a tagged client → server frame.
type Action struct {
	Type string `json:"type"` // approve | dismiss | edit | refine
	ID   string `json:"id"`
	// Text applies to edit; Instruction applies to refine.
	Text        string `json:"text,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// actionResult is sent back on the stream after a ws action.
type actionResult struct {
	Type  string `json:"type"` // action_result
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Server is the UI bridge.
type Server struct {
	queue     *cards.CardQueue
	channels  *channels.Manager
	store     store.Store
	authToken string
	upgrader  websocket.Upgrader
}

// NewServer creates a bridge over the queue and channel manager.
func NewServer(queue *cards.CardQueue, channelMgr *channels.Manager, st store.Store, authToken string) *Server {
	return &Server{
		queue:     queue,
		channels:  channelMgr,
		store:     st,
		authToken: authToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the bridge's HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /cards", s.auth(s.handleListCards))
	mux.HandleFunc("GET /cards/counts", s.auth(s.handleCounts))
	mux.HandleFunc("POST /cards/{id}/approve", s.auth(s.handleCardAction("approve")))
	mux.HandleFunc("POST /cards/{id}/dismiss", s.auth(s.handleCardAction("dismiss")))
	mux.HandleFunc("POST /cards/{id}/edit", s.auth(s.handleCardAction("edit")))
	mux.HandleFunc("POST /cards/{id}/refine", s.auth(s.handleCardAction("refine")))
	return mux
}

// ListenAndServe runs the bridge until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("UI bridge listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			header := r.Header.Get("Authorization")
			if header != "Bearer "+s.authToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// ---------------------------------------------------------------------------
// WebSocket stream
// ---------------------------------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token != s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.queue.Subscribe()
	defer s.queue.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: client actions. Results are routed to the writer loop so
	// only one goroutine ever writes to the connection.
	results := make(chan actionResult, 8)
	go func() {
		defer cancel()
		for {
			var action Action
			if err := conn.ReadJSON(&action); err != nil {
				return
			}
			result := s.applyAction(ctx, &action)
			select {
			case results <- result:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Writer: queue events, action results, keepalive pings. The initial
	// frame is the cards_sync the subscription seeds.
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case result := <-results:
			if err := conn.WriteJSON(result); err != nil {
				return
			}
		case <-pinger.C:
			if err := conn.WriteJSON(cards.PingEvent()); err != nil {
				return
			}
		}
	}
}

// applyAction executes one tagged client action.
func (s *Server) applyAction(ctx context.Context, action *Action) actionResult {
	id, err := uuid.Parse(action.ID)
	if err != nil {
		return actionResult{Type: "action_result", ID: action.ID, Error: "malformed card id"}
	}

	switch action.Type {
	case "approve":
		card, err := s.queue.Approve(ctx, id)
		if err != nil {
			return failure(action.ID, err)
		}
		if err := s.send(ctx, card); err != nil {
			return failure(action.ID, err)
		}
	case "dismiss":
		if err := s.queue.Dismiss(ctx, id); err != nil {
			return failure(action.ID, err)
		}
	case "edit":
		card, err := s.queue.Edit(ctx, id, action.Text)
		if err != nil {
			return failure(action.ID, err)
		}
		if err := s.send(ctx, card); err != nil {
			return failure(action.ID, err)
		}
	case "refine":
		if _, err := s.queue.Refine(ctx, id, action.Instruction); err != nil {
			return failure(action.ID, err)
		}
	default:
		return actionResult{Type: "action_result", ID: action.ID, Error: "unknown action " + action.Type}
	}
	return actionResult{Type: "action_result", ID: action.ID, OK: true}
}

// send pushes an approved card out through its channel. Cards without a
// sendable channel (todos, decisions) just stay approved.
func (s *Server) send(ctx context.Context, card *cards.ApprovalCard) error {
	if s.channels == nil || card.Reply == nil {
		return nil
	}
	if _, ok := s.channels.Get(card.Reply.Channel); !ok {
		slog.Warn("Approved card has no live channel", "id", card.ID, "channel", card.Reply.Channel)
		return nil
	}
	return s.channels.SendApproved(ctx, card, s.queue, s.store)
}

func failure(id string, err error) actionResult {
	return actionResult{Type: "action_result", ID: id, Error: userMessage(err)}
}

// userMessage keeps internal detail out of client-facing errors.
func userMessage(err error) string {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return "card not found"
	case errors.Is(err, errs.ErrInvalidTransition):
		return "card is not in a state that allows this"
	default:
		return "operation failed"
	}
}

// ---------------------------------------------------------------------------
// REST surface
// ---------------------------------------------------------------------------

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Pending())
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Counts())
}

// handleCardAction serves the POST /cards/{id}/<action> family: 404 on
// unknown id, 400 on malformed id.
func (s *Server) handleCardAction(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawID := r.PathValue("id")
		if _, err := uuid.Parse(rawID); err != nil {
			http.Error(w, "malformed card id", http.StatusBadRequest)
			return
		}

		action := Action{Type: kind, ID: rawID}
		if kind == "edit" || kind == "refine" {
			var body struct {
				Text        string `json:"text"`
				Instruction string `json:"instruction"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "malformed body", http.StatusBadRequest)
				return
			}
			action.Text = body.Text
			action.Instruction = body.Instruction
		}

		result := s.applyAction(r.Context(), &action)
		if !result.OK {
			status := http.StatusConflict
			if result.Error == "card not found" {
				status = http.StatusNotFound
			}
			http.Error(w, result.Error, status)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Response encode failed", "error", err)
	}
}

// Addr formats a host/port pair.
func Addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
