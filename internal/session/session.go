// Package session holds the escrow session state machine.
//
// Lifecycle:
//  1. Created in WaitingDeposits, bound to a fresh escrow wallet
//  2. Deposits observed for A then B → Active
//  3. Operator declares a winner → Settled (winner payout)
//  4. Operator cancels, or the deadline passes → Expired (refund)
//
// Transitions here are pure; persistence and payouts belong to the caller.
package session

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/stakehold/internal/custody"
)

var (
	ErrNotFound           = errors.New("session: not found")
	ErrInvalidParticipant = errors.New("session: winner is not a participant")
	ErrNotFunded          = errors.New("session: deposits not complete")
	ErrAlreadyResolved    = errors.New("session: already resolved")
	ErrInvalidState       = errors.New("session: invalid state for this operation")
	ErrInvariant          = errors.New("session: invariant violated")
)

// State is the lifecycle position of a session.
type State string

const (
	StateWaitingDeposits State = "waiting_deposits"
	StateActive          State = "active"
	StateSettled         State = "settled"
	StateExpired         State = "expired"
)

// PayoutStatus tracks the payout that follows a terminal decision.
type PayoutStatus string

const (
	PayoutNone    PayoutStatus = ""
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

// Role names a participant slot.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// Deposits records which stakes have been observed. Flags only ever go from
// false to true.
type Deposits struct {
	A bool `json:"a"`
	B bool `json:"b"`
}

// Both reports whether both stakes are in.
func (d Deposits) Both() bool { return d.A && d.B }

// Session is one two-party wager held in a custodial escrow wallet.
type Session struct {
	ID             string         `json:"id"`
	Chain          string         `json:"chain"`
	StakeAmount    *big.Int       `json:"stakeAmount"`
	ParticipantA   string         `json:"participantA"`
	ParticipantB   string         `json:"participantB"`
	Wallet         custody.Wallet `json:"wallet"`
	State          State          `json:"state"`
	Deposits       Deposits       `json:"depositsObserved"`
	ObservedAmount *big.Int       `json:"observedAmount"`
	Winner         string         `json:"winner,omitempty"`
	Deadline       time.Time      `json:"deadline"`
	PayoutStatus   PayoutStatus   `json:"payoutStatus,omitempty"`
	PayoutError    string         `json:"payoutError,omitempty"`
	CancelReason   string         `json:"cancelReason,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	ActivatedAt    *time.Time     `json:"activatedAt,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true once the session is Settled or Expired.
func (s *Session) IsTerminal() bool {
	return s.State == StateSettled || s.State == StateExpired
}

// NeedsPayout reports whether a terminal session still owes a payout.
func (s *Session) NeedsPayout() bool {
	return s.IsTerminal() && s.PayoutStatus != PayoutPaid
}

// Participant resolves addr to its role and the address as registered.
func (s *Session) Participant(addr string) (Role, string, bool) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return "", "", false
	case strings.EqualFold(addr, s.ParticipantA):
		return RoleA, s.ParticipantA, true
	case strings.EqualFold(addr, s.ParticipantB):
		return RoleB, s.ParticipantB, true
	}
	return "", "", false
}

// CheckInvariants verifies the relationships between state, deposits and
// winner that must always hold.
func (s *Session) CheckInvariants() error {
	if s.Winner != "" && s.State != StateSettled {
		return errors.Join(ErrInvariant, errors.New("winner set outside settled state"))
	}
	if s.State == StateActive && !s.Deposits.Both() {
		return errors.Join(ErrInvariant, errors.New("active without both deposits"))
	}
	if s.State == StateSettled && s.Winner == "" {
		return errors.Join(ErrInvariant, errors.New("settled without a winner"))
	}
	return nil
}

// ApplyDeposits merges freshly observed funding into the session. It reports
// whether anything changed and whether the session just became Active.
// Observations on a session that is no longer waiting are ignored.
func (s *Session) ApplyDeposits(funded Deposits, observed *big.Int, now time.Time) (changed, activated bool) {
	if s.State != StateWaitingDeposits {
		return false, false
	}
	if funded.A && !s.Deposits.A {
		s.Deposits.A = true
		changed = true
	}
	if funded.B && !s.Deposits.B {
		s.Deposits.B = true
		changed = true
	}
	if observed != nil && (s.ObservedAmount == nil || observed.Cmp(s.ObservedAmount) != 0) {
		s.ObservedAmount = new(big.Int).Set(observed)
		changed = true
	}
	if s.Deposits.Both() {
		s.State = StateActive
		s.ActivatedAt = &now
		activated = true
		changed = true
	}
	if changed {
		s.UpdatedAt = now
	}
	return changed, activated
}

// DeclareWinner moves an Active session to Settled. Declaring the same
// winner on an already Settled session is not an error; the caller gets
// settled == false and should return the prior payout.
func (s *Session) DeclareWinner(addr string, now time.Time) (settled bool, err error) {
	switch s.State {
	case StateWaitingDeposits:
		return false, ErrNotFunded
	case StateExpired:
		return false, ErrAlreadyResolved
	case StateSettled:
		if _, canonical, ok := s.Participant(addr); ok && canonical == s.Winner {
			return false, nil
		}
		return false, ErrAlreadyResolved
	case StateActive:
	default:
		return false, ErrInvalidState
	}

	if !s.Deposits.Both() {
		return false, ErrNotFunded
	}
	_, canonical, ok := s.Participant(addr)
	if !ok {
		return false, ErrInvalidParticipant
	}

	s.Winner = canonical
	s.State = StateSettled
	s.PayoutStatus = PayoutPending
	s.ResolvedAt = &now
	s.UpdatedAt = now
	return true, nil
}

// Expire moves a WaitingDeposits or Active session to Expired so the
// deposited stakes are refunded.
func (s *Session) Expire(reason string, now time.Time) error {
	if s.IsTerminal() {
		return ErrAlreadyResolved
	}
	s.State = StateExpired
	s.CancelReason = reason
	s.PayoutStatus = PayoutPending
	s.ResolvedAt = &now
	s.UpdatedAt = now
	return nil
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	List(ctx context.Context, limit int) ([]*Session, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Session, error)
	// ListExpired returns non-terminal sessions whose deadline is before t.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error)
	// ListUnpaid returns terminal sessions whose payout has not completed.
	ListUnpaid(ctx context.Context, limit int) ([]*Session, error)
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	cp := *s
	cp.StakeAmount = cloneInt(s.StakeAmount)
	cp.ObservedAmount = cloneInt(s.ObservedAmount)
	cp.Wallet.Secret.Ciphertext = append([]byte(nil), s.Wallet.Secret.Ciphertext...)
	cp.Wallet.Secret.IV = append([]byte(nil), s.Wallet.Secret.IV...)
	cp.Wallet.Secret.AuthTag = append([]byte(nil), s.Wallet.Secret.AuthTag...)
	if s.ActivatedAt != nil {
		t := *s.ActivatedAt
		cp.ActivatedAt = &t
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
