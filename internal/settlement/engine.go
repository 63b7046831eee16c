// Package settlement drives escrow sessions from creation to payout.
//
// Flow:
//  1. Create binds a new session to a fresh custodial wallet
//  2. PollDeposits applies funding observations until both stakes are in
//  3. DeclareWinner (or Cancel / deadline expiry) records the decision
//  4. The payout for that decision is claimed in the reward ledger, signed
//     inside custody.WithSecret, persisted, then broadcast
//
// Every operation on a session runs under that session's lock. The reward
// ledger's atomic claim is what keeps payouts at-most-once across processes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/stakehold/internal/amount"
	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/circuitbreaker"
	"github.com/mbd888/stakehold/internal/custody"
	"github.com/mbd888/stakehold/internal/deposit"
	"github.com/mbd888/stakehold/internal/events"
	"github.com/mbd888/stakehold/internal/idgen"
	"github.com/mbd888/stakehold/internal/ledger"
	"github.com/mbd888/stakehold/internal/logging"
	"github.com/mbd888/stakehold/internal/metrics"
	"github.com/mbd888/stakehold/internal/session"
	"github.com/mbd888/stakehold/internal/syncutil"
	"github.com/mbd888/stakehold/internal/vault"
)

// Config tunes the engine.
type Config struct {
	SessionTimeout time.Duration
	MaxAttempts    int
	RetryBase      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: 24 * time.Hour,
		MaxAttempts:    4,
		RetryBase:      500 * time.Millisecond,
	}
}

// CreateRequest opens a session.
type CreateRequest struct {
	Chain        string `json:"chain"`
	Stake        string `json:"stake"` // decimal in the chain's native unit, e.g. "0.01"
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	Timeout      string `json:"timeout,omitempty"` // duration, e.g. "2h"
}

// Engine is the single writer of session state.
type Engine struct {
	sessions session.Store
	ledger   *ledger.Ledger
	chains   *chain.Registry
	monitor  *deposit.Monitor
	vaultKey *vault.Key
	breaker  *circuitbreaker.Breaker
	bus      *events.Bus
	locks    *syncutil.KeyedMutex
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an engine. vaultKey seals every escrow secret.
func NewEngine(sessions session.Store, l *ledger.Ledger, chains *chain.Registry, vaultKey *vault.Key, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	e := &Engine{
		sessions: sessions,
		ledger:   l,
		chains:   chains,
		vaultKey: vaultKey,
		locks:    syncutil.NewKeyedMutex(),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	e.monitor = deposit.NewMonitor(chains, nil)
	return e
}

// WithBreaker guards chain calls with a per-chain circuit breaker.
func (e *Engine) WithBreaker(b *circuitbreaker.Breaker) *Engine {
	e.breaker = b
	e.monitor = deposit.NewMonitor(e.chains, b)
	return e
}

// WithEvents publishes lifecycle events to bus.
func (e *Engine) WithEvents(bus *events.Bus) *Engine {
	e.bus = bus
	return e
}

// Create opens a session bound to a new escrow wallet.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*session.Session, error) {
	adapter, ok := e.chains.Get(strings.ToLower(strings.TrimSpace(req.Chain)))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, req.Chain)
	}
	stake, ok := amount.Parse(req.Stake, adapter.Decimals())
	if !ok || !amount.IsPositive(stake) {
		return nil, fmt.Errorf("%w: stake must be a positive amount with at most %d decimals", ErrInvalidRequest, adapter.Decimals())
	}
	a := strings.TrimSpace(req.ParticipantA)
	b := strings.TrimSpace(req.ParticipantB)
	if err := adapter.ValidateAddress(a); err != nil {
		return nil, fmt.Errorf("%w: participant_a: %v", ErrInvalidRequest, err)
	}
	if err := adapter.ValidateAddress(b); err != nil {
		return nil, fmt.Errorf("%w: participant_b: %v", ErrInvalidRequest, err)
	}
	if strings.EqualFold(a, b) {
		return nil, fmt.Errorf("%w: participants must differ", ErrInvalidRequest)
	}
	timeout := e.cfg.SessionTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: timeout must be a positive duration", ErrInvalidRequest)
		}
		timeout = d
	}

	wallet, err := custody.Create(adapter, e.vaultKey)
	if err != nil {
		return nil, err
	}
	if w, ok := adapter.(chain.AddressWatcher); ok {
		if err := e.guard(adapter.Name(), func() error { return w.WatchAddress(ctx, wallet.Address) }); err != nil {
			return nil, err
		}
	}

	now := e.now()
	s := &session.Session{
		ID:             idgen.WithPrefix("ses_"),
		Chain:          adapter.Name(),
		StakeAmount:    stake,
		ParticipantA:   a,
		ParticipantB:   b,
		Wallet:         wallet,
		State:          session.StateWaitingDeposits,
		ObservedAmount: new(big.Int),
		Deadline:       now.Add(timeout),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}

	metrics.SessionsCreatedTotal.WithLabelValues(s.Chain).Inc()
	logging.L(ctx).Info("session created",
		"session", s.ID, "chain", s.Chain, "escrow", wallet.Address,
		"stake", amount.Format(stake, adapter.Decimals()), "deadline", s.Deadline)
	e.publish(ctx, events.SessionCreated, s)
	return s, nil
}

// Get returns a session.
func (e *Engine) Get(ctx context.Context, id string) (*session.Session, error) {
	return e.sessions.Get(ctx, id)
}

// List returns sessions, optionally filtered by state.
func (e *Engine) List(ctx context.Context, state session.State, limit int) ([]*session.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if state == "" {
		return e.sessions.List(ctx, limit)
	}
	return e.sessions.ListByState(ctx, state, limit)
}

// PollDeposits reads the escrow balance and applies it. Sessions that are no
// longer waiting are returned unchanged.
func (e *Engine) PollDeposits(ctx context.Context, id string) (*session.Session, error) {
	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.State != session.StateWaitingDeposits {
		return s, nil
	}

	funded, observed, err := e.monitor.Check(ctx, s)
	if err != nil {
		return nil, err
	}
	before := s.Deposits
	changed, activated := s.ApplyDeposits(funded, observed, e.now())
	if !changed {
		return s, nil
	}
	if err := s.CheckInvariants(); err != nil {
		return nil, err
	}
	if err := e.sessions.Update(ctx, s); err != nil {
		return nil, err
	}

	if s.Deposits != before {
		logging.L(ctx).Info("deposit observed",
			"session", s.ID, "chain", s.Chain, "a", s.Deposits.A, "b", s.Deposits.B, "observed", observed.String())
		e.publish(ctx, events.DepositObserved, s)
	}
	if activated {
		e.transition(session.StateWaitingDeposits, session.StateActive)
		e.publish(ctx, events.SessionActivated, s)
	}
	return s, nil
}

// DeclareWinner settles an Active session in favor of winner and pays out.
// Repeating the declaration for the same winner returns the recorded payout
// with StatusAlreadySettled.
func (e *Engine) DeclareWinner(ctx context.Context, id, winner string) (*Result, error) {
	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	settled, err := s.DeclareWinner(winner, e.now())
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(payoutWinner, Outcome(err)).Inc()
		return nil, err
	}
	if !settled {
		return e.resume(ctx, s, StatusAlreadySettled)
	}

	if err := s.CheckInvariants(); err != nil {
		return nil, err
	}
	// The decision is durable before any money moves.
	if err := e.sessions.Update(ctx, s); err != nil {
		return nil, err
	}
	e.transition(session.StateActive, session.StateSettled)
	logging.L(ctx).Info("winner declared", "session", s.ID, "chain", s.Chain, "winner", s.Winner)
	e.publish(ctx, events.SessionSettled, s)

	return e.payout(ctx, s, StatusSettled)
}

// Cancel expires a WaitingDeposits or Active session and refunds whatever
// was deposited. Cancelling an Expired session resumes its refund.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*Result, error) {
	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	return e.expire(ctx, s, reason)
}

// Settle retries the payout of a terminal session.
func (e *Engine) Settle(ctx context.Context, id string) (*Result, error) {
	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case session.StateWaitingDeposits:
		return nil, ErrNotFunded
	case session.StateActive:
		return nil, fmt.Errorf("%w: declare a winner or cancel first", ErrInvalidState)
	}
	return e.resume(ctx, s, StatusSettled)
}

// ExpireDue expires every open session whose deadline has passed.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := e.sessions.ListExpired(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.expireByID(ctx, s.ID, "deadline passed"); err != nil {
			logging.L(ctx).Warn("failed to expire session", "session", s.ID, "chain", s.Chain, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// RetryPending resumes payouts left pending by a crash or a transient
// failure.
func (e *Engine) RetryPending(ctx context.Context, limit int) (int, error) {
	unpaid, err := e.sessions.ListUnpaid(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range unpaid {
		if ctx.Err() != nil {
			break
		}
		if s.PayoutStatus != session.PayoutPending {
			continue
		}
		if _, err := e.Settle(ctx, s.ID); err != nil {
			logging.L(ctx).Warn("payout retry failed", "session", s.ID, "chain", s.Chain, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// LedgerEntries lists the reward ledger entries for a session.
func (e *Engine) LedgerEntries(ctx context.Context, id string) ([]*ledger.Entry, error) {
	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.ledger.ListBySession(ctx, s.ID)
}

func (e *Engine) expireByID(ctx context.Context, id, reason string) (*Result, error) {
	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	return e.expire(ctx, s, reason)
}

// caller holds the session lock
func (e *Engine) expire(ctx context.Context, s *session.Session, reason string) (*Result, error) {
	switch s.State {
	case session.StateExpired:
		return e.resume(ctx, s, StatusAlreadySettled)
	case session.StateSettled:
		return nil, ErrAlreadyResolved
	}

	// The refund split is fixed by a fresh balance read taken with the
	// decision, so a deposit that landed since the last poll is refunded.
	funded, observed, err := e.monitor.Check(ctx, s)
	if err != nil {
		return nil, err
	}
	from := s.State
	now := e.now()
	s.ApplyDeposits(funded, observed, now)
	s.ObservedAmount = new(big.Int).Set(observed)
	if err := s.Expire(reason, now); err != nil {
		return nil, err
	}
	if err := s.CheckInvariants(); err != nil {
		return nil, err
	}
	if err := e.sessions.Update(ctx, s); err != nil {
		return nil, err
	}

	e.transition(from, session.StateExpired)
	logging.L(ctx).Info("session expired", "session", s.ID, "chain", s.Chain, "reason", reason, "observed", observed.String())
	e.publish(ctx, events.SessionExpired, s)

	return e.payout(ctx, s, StatusSettled)
}

// resume completes, or reports, the payout of an already decided session.
// A payout finished by this call is reported as status.
func (e *Engine) resume(ctx context.Context, s *session.Session, status string) (*Result, error) {
	if s.PayoutStatus == session.PayoutPaid {
		payouts, err := e.recordedPayouts(ctx, s)
		if err != nil {
			return nil, err
		}
		metrics.SettlementsTotal.WithLabelValues(payoutKind(s), "already_settled").Inc()
		return newResult(StatusAlreadySettled, s, payouts), nil
	}
	return e.payout(ctx, s, status)
}

// guard runs fn behind the chain's circuit breaker.
func (e *Engine) guard(chainName string, fn func() error) error {
	if e.breaker == nil {
		return fn()
	}
	err := e.breaker.Do(chainName, chain.IsTransient, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s: %w", chain.ErrUnavailable, chainName, err)
	}
	return err
}

func (e *Engine) transition(from, to session.State) {
	metrics.SessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (e *Engine) publish(ctx context.Context, t events.Type, s *session.Session) {
	e.bus.Publish(ctx, events.SessionEvent{
		Type:      t,
		SessionID: s.ID,
		State:     string(s.State),
		Chain:     s.Chain,
		Winner:    s.Winner,
		Observed:  intString(s.ObservedAmount),
		At:        e.now().UTC(),
	})
}

func intString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
