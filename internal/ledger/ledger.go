// Package ledger is the reward ledger: the gate that keeps a payout from
// being made twice.
//
// Flow for one payout leg:
//  1. TryClaim atomically reserves the key (insert-if-absent)
//  2. The holder signs the payout and persists it with SetPending
//  3. The holder broadcasts and calls RecordPayout
//
// A reservation with no signed payload can be released by its holder, or
// taken over once stale, because nothing has left the process yet. Once a
// payload is pending the claim is permanent; any later caller may only
// re-broadcast that exact payload.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("ledger: entry not found")
	ErrClaimLost = errors.New("ledger: claim is no longer held by this attempt")
	ErrInFlight  = errors.New("ledger: payout in flight elsewhere")
	// ErrOtherOrigin means a player-keyed claim is held by a different session.
	ErrOtherOrigin = errors.New("ledger: claim belongs to another session")
)

// DefaultStaleAfter is how long a reservation without a signed payload is
// honored before another attempt may take it over.
const DefaultStaleAfter = 2 * time.Minute

// Status is the progress of a ledger entry.
type Status string

const (
	StatusReserved Status = "reserved" // claimed, nothing signed yet
	StatusPending  Status = "pending"  // signed payload persisted, not yet confirmed broadcast
	StatusPaid     Status = "paid"
)

// Key identifies one payout. Attestation claims are one per player and use
// an empty SessionID.
type Key struct {
	SessionID string `json:"sessionId"`
	Recipient string `json:"recipient"`
}

// SessionKey keys a payout to recipient within a session.
func SessionKey(sessionID, recipient string) Key {
	return Key{SessionID: sessionID, Recipient: recipient}
}

// PlayerKey keys a one-time claim by recipient alone.
func PlayerKey(recipient string) Key {
	return Key{Recipient: strings.ToLower(recipient)}
}

func (k Key) String() string {
	if k.SessionID == "" {
		return k.Recipient
	}
	return k.SessionID + "/" + k.Recipient
}

// Entry is a ledger row.
type Entry struct {
	Key
	// Origin is the session the row pays out for. It equals SessionID for
	// session keys and is the only session link on player keys.
	Origin    string     `json:"originSession,omitempty"`
	Chain     string     `json:"chain"`
	Status    Status     `json:"status"`
	Attempt   string     `json:"-"`
	Amount    *big.Int   `json:"amount,omitempty"`
	PayoutRef string     `json:"payoutRef,omitempty"`
	Payload   []byte     `json:"-"`
	ClaimedAt time.Time  `json:"claimedAt"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Claim is the outcome of TryClaim.
type Claim struct {
	Entry *Entry
	// Acquired means the caller now holds the reservation and must SetPending
	// or Release it.
	Acquired bool
}

// AlreadyClaimed reports whether someone else holds or completed the key.
func (c *Claim) AlreadyClaimed() bool { return !c.Acquired }

// Store persists ledger entries. TryClaim must be a single atomic
// check-and-set.
type Store interface {
	TryClaim(ctx context.Context, key Key, origin, chain, attempt string, now time.Time, staleBefore time.Time) (*Claim, error)
	SetPending(ctx context.Context, key Key, attempt, ref string, payload []byte, amt *big.Int, now time.Time) error
	RecordPayout(ctx context.Context, key Key, ref string, now time.Time) error
	Release(ctx context.Context, key Key, attempt string) error
	Get(ctx context.Context, key Key) (*Entry, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Entry, error)
}

// Ledger wraps a Store with timing and metrics.
type Ledger struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, staleAfter: DefaultStaleAfter, now: time.Now}
}

// WithStaleAfter overrides how long an unsigned reservation is honored.
func (l *Ledger) WithStaleAfter(d time.Duration) *Ledger {
	l.staleAfter = d
	return l
}

// TryClaim atomically reserves key for attempt on behalf of the key's own
// session.
func (l *Ledger) TryClaim(ctx context.Context, key Key, chain, attempt string) (*Claim, error) {
	return l.ClaimFor(ctx, key, key.SessionID, chain, attempt)
}

// ClaimFor atomically reserves key for attempt on behalf of session origin.
// A row already held or paid for a different origin is never adopted: the
// claim fails with ErrOtherOrigin and carries the existing entry.
func (l *Ledger) ClaimFor(ctx context.Context, key Key, origin, chain, attempt string) (*Claim, error) {
	defer observeOp("try_claim")()
	if key.Recipient == "" || attempt == "" {
		return nil, fmt.Errorf("ledger: recipient and attempt required")
	}
	if key.SessionID != "" && origin != key.SessionID {
		return nil, fmt.Errorf("ledger: session key %s cannot be claimed for %q", key, origin)
	}
	now := l.now()
	c, err := l.store.TryClaim(ctx, key, origin, chain, attempt, now, now.Add(-l.staleAfter))
	if err != nil {
		return nil, err
	}
	recordClaim(c)
	if !c.Acquired && c.Entry.Origin != origin {
		return c, fmt.Errorf("%w: %s is held for session %q", ErrOtherOrigin, key, c.Entry.Origin)
	}
	return c, nil
}

// SetPending persists the signed payload before it is broadcast.
func (l *Ledger) SetPending(ctx context.Context, key Key, attempt, ref string, payload []byte, amt *big.Int) error {
	defer observeOp("set_pending")()
	return l.store.SetPending(ctx, key, attempt, ref, payload, amt, l.now())
}

// RecordPayout marks the entry paid. Recording the same payout twice is a
// no-op.
func (l *Ledger) RecordPayout(ctx context.Context, key Key, ref string) error {
	defer observeOp("record_payout")()
	return l.store.RecordPayout(ctx, key, ref, l.now())
}

// Release drops a reservation that never produced a signed payload.
func (l *Ledger) Release(ctx context.Context, key Key, attempt string) error {
	defer observeOp("release")()
	return l.store.Release(ctx, key, attempt)
}

// Get returns the entry for key.
func (l *Ledger) Get(ctx context.Context, key Key) (*Entry, error) {
	return l.store.Get(ctx, key)
}

// ListBySession returns every entry recorded for a session, player-keyed
// claims made on its behalf included.
func (l *Ledger) ListBySession(ctx context.Context, sessionID string) ([]*Entry, error) {
	return l.store.ListBySession(ctx, sessionID)
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(big.Int).Set(e.Amount)
	}
	cp.Payload = append([]byte(nil), e.Payload...)
	if e.PaidAt != nil {
		t := *e.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}
