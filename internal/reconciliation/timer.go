package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs reconciliation checks.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

// NewTimer creates a new reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the report of the most recent background run, or nil.
func (t *Timer) Last() *Report {
	return t.last.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
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
			t.safeRun(ctx)
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

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.service.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	t.last.Store(report)
	if len(report.Findings) > 0 {
		t.logger.Warn("reconciliation found inconsistencies",
			"findings", len(report.Findings),
			"missing_ledger_rows", report.Count(KindMissingLedgerRow),
			"stuck_payouts", report.Count(KindStuckPayout),
			"residual_balances", report.Count(KindResidualBalance))
	}
}
