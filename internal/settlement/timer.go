package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultTimerInterval is how often the timer sweeps.
const DefaultTimerInterval = 30 * time.Second

const sweepBatch = 100

// Timer periodically expires sessions past their deadline and resumes
// payouts left pending.
type Timer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new settlement timer.
func NewTimer(engine *Engine, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultTimerInterval
	}
	return &Timer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one expiry and payout-retry pass.
func (t *Timer) Sweep(ctx context.Context) {
	expired, err := t.engine.ExpireDue(ctx, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list expired sessions", "error", err)
	} else if expired > 0 {
		t.logger.Info("expired sessions past deadline", "count", expired)
	}

	retried, err := t.engine.RetryPending(ctx, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list unpaid sessions", "error", err)
	} else if retried > 0 {
		t.logger.Info("resumed pending payouts", "count", retried)
	}
}
