package deposit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/stakehold/internal/session"
)

// DefaultPollInterval matches a typical block time for the supported chains.
const DefaultPollInterval = 15 * time.Second

const batchSize = 100

// Lister finds sessions still waiting for stakes.
type Lister interface {
	ListByState(ctx context.Context, state session.State, limit int) ([]*session.Session, error)
}

// Applier checks and applies deposits for one session.
type Applier interface {
	PollDeposits(ctx context.Context, id string) (*session.Session, error)
}

// Watcher periodically polls every waiting session.
type Watcher struct {
	lister   Lister
	applier  Applier
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWatcher creates a deposit watcher.
func NewWatcher(lister Lister, applier Applier, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		lister:   lister,
		applier:  applier,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the watcher loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("deposit watcher started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *Watcher) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in deposit watcher", "panic", r)
		}
	}()
	w.Sweep(ctx)
}

// Sweep polls each waiting session once. A failure on one session does not
// stop the others.
func (w *Watcher) Sweep(ctx context.Context) {
	waiting, err := w.lister.ListByState(ctx, session.StateWaitingDeposits, batchSize)
	if err != nil {
		w.logger.Warn("failed to list waiting sessions", "error", err)
		return
	}
	for _, s := range waiting {
		if ctx.Err() != nil {
			return
		}
		updated, err := w.applier.PollDeposits(ctx, s.ID)
		if err != nil {
			w.logger.Warn("deposit poll failed", "session", s.ID, "chain", s.Chain, "error", err)
			continue
		}
		if updated.State == session.StateActive {
			w.logger.Info("session funded", "session", s.ID, "chain", s.Chain)
		}
	}
}
