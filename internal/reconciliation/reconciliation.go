// Package reconciliation cross-checks resolved escrow sessions against the
// reward ledger and the chain.
//
// A session reported as paid should have a paid ledger row for every
// recipient its decision owes, and its escrow address should be empty.
// Ledger rows that stay reserved or pending long after the decision point at
// a payout the settlement timer keeps failing to finish.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/ledger"
	"github.com/mbd888/stakehold/internal/session"
)

// DefaultStuckAfter is how long a ledger row may stay unpaid before it is
// reported.
const DefaultStuckAfter = 15 * time.Minute

const defaultBatch = 500

// Finding kinds.
const (
	KindMissingLedgerRow = "missing_ledger_row"
	KindStuckPayout      = "stuck_payout"
	KindResidualBalance  = "residual_balance"
)

// SessionLister lists sessions by state.
type SessionLister interface {
	ListByState(ctx context.Context, state session.State, limit int) ([]*session.Session, error)
}

// LedgerReader reads the ledger rows of a session.
type LedgerReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]*ledger.Entry, error)
}

// ChainLookup resolves a chain adapter by name.
type ChainLookup interface {
	Get(name string) (chain.Adapter, bool)
}

// Finding is one inconsistency.
type Finding struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Chain     string `json:"chain"`
	Recipient string `json:"recipient,omitempty"`
	Detail    string `json:"detail"`
}

// Report is the outcome of one run.
type Report struct {
	Checked  int       `json:"checked"`
	Skipped  int       `json:"skipped"`
	Findings []Finding `json:"findings"`
	Errors   []string  `json:"errors,omitempty"`
	RanAt    time.Time `json:"ranAt"`
	Duration string    `json:"duration"`
}

// Count returns the number of findings of kind.
func (r *Report) Count(kind string) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Service performs reconciliation.
type Service struct {
	sessions   SessionLister
	ledger     LedgerReader
	chains     ChainLookup
	stuckAfter time.Duration
	batch      int
	tolerance  map[string]*big.Int // per chain, base units
	now        func() time.Time
}

// NewService creates a reconciliation service. chains may be nil, which
// disables the on-chain balance check.
func NewService(sessions SessionLister, ledger LedgerReader, chains ChainLookup) *Service {
	return &Service{
		sessions:   sessions,
		ledger:     ledger,
		chains:     chains,
		stuckAfter: DefaultStuckAfter,
		batch:      defaultBatch,
		tolerance:  make(map[string]*big.Int),
		now:        time.Now,
	}
}

// WithStuckAfter overrides how long an unpaid ledger row is tolerated.
func (s *Service) WithStuckAfter(d time.Duration) *Service {
	if d > 0 {
		s.stuckAfter = d
	}
	return s
}

// WithTolerance sets the balance a paid escrow on chainName may still hold
// without being reported.
func (s *Service) WithTolerance(chainName string, amount *big.Int) *Service {
	s.tolerance[chainName] = new(big.Int).Set(amount)
	return s
}

// RunAll checks the most recent settled and expired sessions.
func (s *Service) RunAll(ctx context.Context) (*Report, error) {
	start := s.now()
	report := &Report{Findings: []Finding{}, RanAt: start.UTC()}

	for _, state := range []session.State{session.StateSettled, session.StateExpired} {
		list, err := s.sessions.ListByState(ctx, state, s.batch)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list %s sessions: %w", state, err)
		}
		for _, sess := range list {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s.checkSession(ctx, sess, report)
		}
	}

	elapsed := s.now().Sub(start)
	report.Duration = elapsed.String()
	observe(report, elapsed)
	return report, nil
}

func (s *Service) checkSession(ctx context.Context, sess *session.Session, report *Report) {
	adapter, ok := s.lookup(sess.Chain)
	// Attestation payouts are one claim per player keyed outside the session,
	// and the contract holds the funds until the player redeems.
	if ok && adapter.Kind() == chain.KindAttestation {
		report.Skipped++
		return
	}
	report.Checked++

	entries, err := s.ledger.ListBySession(ctx, sess.ID)
	if err != nil {
		reconcileErrors.Inc()
		report.Errors = append(report.Errors, fmt.Sprintf("%s: ledger: %v", sess.ID, err))
		return
	}

	now := s.now()
	for _, e := range entries {
		if e.Status != ledger.StatusPaid && now.Sub(e.UpdatedAt) > s.stuckAfter {
			report.Findings = append(report.Findings, Finding{
				Kind:      KindStuckPayout,
				SessionID: sess.ID,
				Chain:     sess.Chain,
				Recipient: e.Recipient,
				Detail:    fmt.Sprintf("ledger row %s since %s", e.Status, e.UpdatedAt.UTC().Format(time.RFC3339)),
			})
		}
	}

	if sess.PayoutStatus != session.PayoutPaid {
		return
	}

	for _, recipient := range owedRecipients(sess) {
		if !hasPaidRow(entries, recipient) {
			report.Findings = append(report.Findings, Finding{
				Kind:      KindMissingLedgerRow,
				SessionID: sess.ID,
				Chain:     sess.Chain,
				Recipient: recipient,
				Detail:    "session is paid but the ledger has no paid row for this recipient",
			})
		}
	}

	if !ok {
		return
	}
	bal, err := chain.Balance(ctx, adapter, sess.Wallet.Address)
	if err != nil {
		reconcileErrors.Inc()
		report.Errors = append(report.Errors, fmt.Sprintf("%s: balance: %v", sess.ID, err))
		return
	}
	limit := s.tolerance[sess.Chain]
	if limit == nil {
		limit = new(big.Int)
	}
	if bal.Cmp(limit) > 0 {
		report.Findings = append(report.Findings, Finding{
			Kind:      KindResidualBalance,
			SessionID: sess.ID,
			Chain:     sess.Chain,
			Detail:    fmt.Sprintf("escrow %s still holds %s", sess.Wallet.Address, bal),
		})
	}
}

func (s *Service) lookup(name string) (chain.Adapter, bool) {
	if s.chains == nil {
		return nil, false
	}
	return s.chains.Get(name)
}

// owedRecipients lists who a resolved session pays. Refunds follow deposit
// order: A is owed as soon as anything arrived, B only beyond one stake.
func owedRecipients(s *session.Session) []string {
	switch s.State {
	case session.StateSettled:
		return []string{s.Winner}
	case session.StateExpired:
		if s.ObservedAmount == nil || s.ObservedAmount.Sign() <= 0 {
			return nil
		}
		out := []string{s.ParticipantA}
		if s.StakeAmount != nil && s.ObservedAmount.Cmp(s.StakeAmount) > 0 {
			out = append(out, s.ParticipantB)
		}
		return out
	}
	return nil
}

func hasPaidRow(entries []*ledger.Entry, recipient string) bool {
	for _, e := range entries {
		if strings.EqualFold(e.Recipient, recipient) && e.Status == ledger.StatusPaid {
			return true
		}
	}
	return false
}
