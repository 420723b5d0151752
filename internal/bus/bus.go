// Package bus provides the async message bus between interactive channels
// and the agent core.
package bus

import (
	"context"
	"sync"
	"time"
)

// IncomingMessage is a message from an interactive channel to the agent.
type IncomingMessage struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id"`
	// ThreadID is the channel-native thread identifier, empty for the
	// session's active thread.
	ThreadID  string         `json:"thread_id,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// OutgoingMessage is a response from the agent to a channel.
type OutgoingMessage struct {
	Channel  string `json:"channel"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content"`
}

// StatusKind discriminates status events emitted during a turn.
type StatusKind string

const (
	StatusThinking       StatusKind = "thinking"
	StatusToolStarted    StatusKind = "tool_started"
	StatusToolCompleted  StatusKind = "tool_completed"
	StatusToolResult     StatusKind = "tool_result"
	StatusMessage        StatusKind = "status"
	StatusApprovalNeeded StatusKind = "approval_needed"
	StatusStreamChunk    StatusKind = "stream_chunk"
)

// StatusUpdate is a progress event emitted by the agent loop. Channels
// render these natively (or drop them).
type StatusUpdate struct {
	Kind    StatusKind `json:"kind"`
	Channel string     `json:"channel"`
	UserID  string     `json:"user_id"`
	// Message applies to thinking, status, and stream_chunk.
	Message string `json:"message,omitempty"`
	// ToolName and Success apply to the tool_* kinds.
	ToolName string `json:"tool_name,omitempty"`
	Success  bool   `json:"success,omitempty"`
	// Preview applies to tool_result.
	Preview string `json:"preview,omitempty"`
	// RequestID, Description and Parameters apply to approval_needed.
	RequestID   string         `json:"request_id,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// MessageBus decouples channels from the agent core.
type MessageBus struct {
	inbound    chan *IncomingMessage
	outbound   chan *OutgoingMessage
	subs       map[string][]func(*OutgoingMessage)
	statusSubs map[string][]func(*StatusUpdate)
	mu         sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:    make(chan *IncomingMessage, 100),
		outbound:   make(chan *OutgoingMessage, 100),
		subs:       make(map[string][]func(*OutgoingMessage)),
		statusSubs: make(map[string][]func(*StatusUpdate)),
	}
}

// PublishInbound sends a message from a channel to the agent.
func (b *MessageBus) PublishInbound(msg *IncomingMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*IncomingMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound sends a message from the agent to channels.
func (b *MessageBus) PublishOutbound(msg *OutgoingMessage) {
	b.outbound <- msg
}

// Subscribe registers a callback for outbound messages to a channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutgoingMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], callback)
}

// SubscribeStatus registers a callback for status updates on a channel.
func (b *MessageBus) SubscribeStatus(channel string, callback func(*StatusUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusSubs[channel] = append(b.statusSubs[channel], callback)
}

// PublishStatus fans a status update out to the channel's subscribers.
// Status delivery is synchronous and best-effort.
func (b *MessageBus) PublishStatus(update *StatusUpdate) {
	b.mu.RLock()
	callbacks := b.statusSubs[update.Channel]
	b.mu.RUnlock()
	for _, cb := range callbacks {
		cb(update)
	}
}

// DispatchOutbound runs the outbound message dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.Channel]
			b.mu.RUnlock()
			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
