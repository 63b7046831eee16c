// Package events publishes session lifecycle events to operators and
// downstream services.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	SessionCreated   Type = "created"
	DepositObserved  Type = "deposit_observed"
	SessionActivated Type = "activated"
	SessionSettled   Type = "settled"
	SessionExpired   Type = "expired"
	PayoutCompleted  Type = "payout_completed"
	PayoutFailed     Type = "payout_failed"
)

// SessionEvent is one state change of an escrow session. It never carries
// key material or signed payloads.
type SessionEvent struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	State     string    `json:"state"`
	Chain     string    `json:"chain"`
	Winner    string    `json:"winner,omitempty"`
	Observed  string    `json:"observedAmount,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev SessionEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev SessionEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev SessionEvent) error { return f(ctx, ev) }

// Bus fans events out to every attached sink. A failing sink is logged and
// never blocks settlement.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// NewBus creates a bus with the given sinks.
func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	return &Bus{sinks: sinks, logger: logger}
}

// Attach adds a sink.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish delivers ev to every sink.
func (b *Bus) Publish(ctx context.Context, ev SessionEvent) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			b.logger.Warn("event publish failed",
				"type", ev.Type, "session", ev.SessionID, "error", err)
		}
	}
}
