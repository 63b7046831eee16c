package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mbd888/stakehold/internal/amount"
	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/custody"
	"github.com/mbd888/stakehold/internal/events"
	"github.com/mbd888/stakehold/internal/idgen"
	"github.com/mbd888/stakehold/internal/ledger"
	"github.com/mbd888/stakehold/internal/logging"
	"github.com/mbd888/stakehold/internal/metrics"
	"github.com/mbd888/stakehold/internal/retry"
	"github.com/mbd888/stakehold/internal/session"
	"github.com/mbd888/stakehold/internal/traces"
)

// Result statuses.
const (
	StatusSettled        = "settled"
	StatusAlreadySettled = "already_settled"
)

const (
	payoutWinner = "winner"
	payoutRefund = "refund"
)

// Payout is one leg that left (or will leave) the escrow.
type Payout struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`  // base units
	Display   string `json:"display"` // decimal in the native unit
	Reference string `json:"reference"`
	Signature string `json:"signature,omitempty"`
	Status    string `json:"status"`
}

// Result is what a settlement call reports back.
type Result struct {
	Status    string        `json:"status"`
	SessionID string        `json:"sessionId"`
	State     session.State `json:"state"`
	Winner    string        `json:"winner,omitempty"`
	Payouts   []Payout      `json:"payouts"`
}

func newResult(status string, s *session.Session, payouts []Payout) *Result {
	if payouts == nil {
		payouts = []Payout{}
	}
	return &Result{
		Status:    status,
		SessionID: s.ID,
		State:     s.State,
		Winner:    s.Winner,
		Payouts:   payouts,
	}
}

func payoutKind(s *session.Session) string {
	if s.State == session.StateSettled {
		return payoutWinner
	}
	return payoutRefund
}

// leg is one planned payout destination with its ledger key.
type leg struct {
	key       ledger.Key
	recipient string
	gross     *big.Int
}

// payoutTx is one signed payload covering one or more ledger keys.
type payoutTx struct {
	chain string
	// origin is the session the legs pay out for.
	origin string
	legs   []leg
	// sign builds and signs the payload. It runs only when no attempt has
	// persisted a payload for these keys yet.
	sign func(ctx context.Context) (*chain.Signed, error)
	// broadcast is nil for attestation claims, which the recipient submits.
	broadcast func(ctx context.Context, signed *chain.Signed) (string, error)
}

// payout moves the funds owed by a terminal session and records the outcome
// on it. status is reported on success.
func (e *Engine) payout(ctx context.Context, s *session.Session, status string) (*Result, error) {
	kind := payoutKind(s)
	adapter, ok := e.chains.Get(s.Chain)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, s.Chain)
	}

	ctx, span := traces.StartSpan(ctx, "settlement.payout",
		traces.SessionID(s.ID), traces.Chain(s.Chain), traces.PayoutKind(kind))
	start := e.now()

	var err error
	if kind == payoutWinner {
		err = e.payWinner(ctx, s, adapter)
	} else {
		err = e.refund(ctx, s, adapter)
	}
	metrics.SettlementDuration.WithLabelValues(s.Chain).Observe(e.now().Sub(start).Seconds())
	traces.End(span, err)

	// The outcome is recorded even when the caller has gone away.
	saveCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.PayoutError = publicError(err)
		s.PayoutStatus = session.PayoutFailed
		if retryable(err) {
			s.PayoutStatus = session.PayoutPending
		}
		s.UpdatedAt = e.now()
		if uerr := e.sessions.Update(saveCtx, s); uerr != nil {
			logging.L(ctx).Error("failed to record payout failure", "session", s.ID, "error", uerr)
		}
		metrics.SettlementsTotal.WithLabelValues(kind, Outcome(err)).Inc()
		logging.L(ctx).Warn("payout failed",
			"session", s.ID, "chain", s.Chain, "kind", kind, "payout_status", s.PayoutStatus, "error", s.PayoutError)
		e.publishPayout(saveCtx, events.PayoutFailed, s, "", s.PayoutError)
		return nil, err
	}

	payouts, err := e.recordedPayouts(saveCtx, s)
	if err != nil {
		return nil, err
	}
	s.PayoutStatus = session.PayoutPaid
	s.PayoutError = ""
	s.UpdatedAt = e.now()
	if uerr := e.sessions.Update(saveCtx, s); uerr != nil {
		// The ledger holds the payout; the retry sweep will find it paid.
		logging.L(ctx).Error("failed to record payout", "session", s.ID, "error", uerr)
	}

	metrics.SettlementsTotal.WithLabelValues(kind, status).Inc()
	ref := ""
	if len(payouts) > 0 {
		ref = payouts[0].Reference
	}
	logging.L(ctx).Info("payout completed",
		"session", s.ID, "chain", s.Chain, "kind", kind, "legs", len(payouts), "reference", ref)
	e.publishPayout(saveCtx, events.PayoutCompleted, s, ref, "")
	return newResult(status, s, payouts), nil
}

func (e *Engine) payWinner(ctx context.Context, s *session.Session, adapter chain.Adapter) error {
	switch ad := adapter.(type) {
	case chain.UtxoAdapter:
		if err := e.checkCustody(ctx, s); err != nil {
			return err
		}
		winner := leg{key: ledger.SessionKey(s.ID, s.Winner), recipient: s.Winner}
		return e.execute(ctx, payoutTx{
			chain:  s.Chain,
			origin: s.ID,
			legs:   []leg{winner},
			sign: func(ctx context.Context) (*chain.Signed, error) {
				utxos, total, err := e.unspent(ctx, ad, s)
				if err != nil {
					return nil, err
				}
				return e.signUTXO(ctx, ad, s, utxos, []chain.Leg{{Recipient: s.Winner, Amount: total}})
			},
			broadcast: ad.Broadcast,
		})

	case chain.AccountAdapter:
		if err := e.checkCustody(ctx, s); err != nil {
			return err
		}
		winner := leg{key: ledger.SessionKey(s.ID, s.Winner), recipient: s.Winner}
		return e.execute(ctx, payoutTx{
			chain:  s.Chain,
			origin: s.ID,
			legs:   []leg{winner},
			sign: func(ctx context.Context) (*chain.Signed, error) {
				bal, err := e.balance(ctx, ad, s)
				if err != nil {
					return nil, err
				}
				return e.signTransfer(ctx, ad, s, s.Winner, bal)
			},
			broadcast: ad.Broadcast,
		})

	case chain.AttestationAdapter:
		return e.execute(ctx, payoutTx{
			chain:  s.Chain,
			origin: s.ID,
			legs:   []leg{{key: ledger.PlayerKey(s.Winner), recipient: s.Winner}},
			sign: func(ctx context.Context) (*chain.Signed, error) {
				total, err := e.balance(ctx, ad, s)
				if err != nil {
					return nil, err
				}
				return e.signClaim(ctx, ad, s.Winner, total)
			},
		})
	}
	return fmt.Errorf("%w: %T", chain.ErrUnknownKind, adapter)
}

// refundLegs splits a total between the participants the frozen observed
// amount says deposited. A's stake arrived first, so A is made whole before
// B. Zero legs are dropped.
func refundLegs(s *session.Session, total *big.Int) []chain.Leg {
	observed := s.ObservedAmount
	if observed == nil || total == nil || total.Sign() <= 0 {
		return nil
	}
	hasA := observed.Sign() > 0
	hasB := observed.Cmp(s.StakeAmount) > 0

	switch {
	case hasB:
		a := new(big.Int).Set(total)
		if a.Cmp(s.StakeAmount) > 0 {
			a.Set(s.StakeAmount)
		}
		b := new(big.Int).Sub(total, a)
		legs := []chain.Leg{{Recipient: s.ParticipantA, Amount: a}}
		if b.Sign() > 0 {
			legs = append(legs, chain.Leg{Recipient: s.ParticipantB, Amount: b})
		}
		return legs
	case hasA:
		return []chain.Leg{{Recipient: s.ParticipantA, Amount: new(big.Int).Set(total)}}
	}
	return nil
}

func (e *Engine) refund(ctx context.Context, s *session.Session, adapter chain.Adapter) error {
	planned := refundLegs(s, s.ObservedAmount)
	if len(planned) == 0 {
		return nil
	}

	switch ad := adapter.(type) {
	case chain.UtxoAdapter:
		if err := e.checkCustody(ctx, s); err != nil {
			return err
		}
		legs := make([]leg, len(planned))
		for i, p := range planned {
			legs[i] = leg{key: ledger.SessionKey(s.ID, p.Recipient), recipient: p.Recipient, gross: p.Amount}
		}
		return e.execute(ctx, payoutTx{
			chain:  s.Chain,
			origin: s.ID,
			legs:   legs,
			sign: func(ctx context.Context) (*chain.Signed, error) {
				utxos, total, err := e.unspent(ctx, ad, s)
				if err != nil {
					return nil, err
				}
				outputs := refundLegs(s, total)
				if len(outputs) != len(legs) {
					return nil, fmt.Errorf("%w: escrow holds %s, not enough for %d refunds",
						ErrInsufficientFunds, total, len(legs))
				}
				return e.signUTXO(ctx, ad, s, utxos, outputs)
			},
			broadcast: ad.Broadcast,
		})

	case chain.AccountAdapter:
		if err := e.checkCustody(ctx, s); err != nil {
			return err
		}
		for _, p := range planned {
			err := e.execute(ctx, payoutTx{
				chain:  s.Chain,
				origin: s.ID,
				legs:   []leg{{key: ledger.SessionKey(s.ID, p.Recipient), recipient: p.Recipient, gross: p.Amount}},
				sign: func(ctx context.Context) (*chain.Signed, error) {
					bal, err := e.balance(ctx, ad, s)
					if err != nil {
						return nil, err
					}
					gross := p.Amount
					if bal.Cmp(gross) < 0 {
						gross = bal
					}
					return e.signTransfer(ctx, ad, s, p.Recipient, gross)
				},
				broadcast: ad.Broadcast,
			})
			if err != nil {
				return err
			}
		}
		return nil

	case chain.AttestationAdapter:
		for _, p := range planned {
			err := e.execute(ctx, payoutTx{
				chain:  s.Chain,
				origin: s.ID,
				legs:   []leg{{key: ledger.PlayerKey(p.Recipient), recipient: p.Recipient, gross: p.Amount}},
				sign: func(ctx context.Context) (*chain.Signed, error) {
					return e.signClaim(ctx, ad, p.Recipient, p.Amount)
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %T", chain.ErrUnknownKind, adapter)
}

// execute runs the ledger protocol for one payload: claim every key, sign
// unless a payload is already persisted, persist, broadcast, record.
func (e *Engine) execute(ctx context.Context, tx payoutTx) error {
	recipients := make([]string, len(tx.legs))
	for i, l := range tx.legs {
		recipients[i] = l.recipient
	}
	ctx, span := traces.StartSpan(ctx, "settlement.execute",
		traces.SessionID(tx.origin), traces.Chain(tx.chain), traces.Recipient(strings.Join(recipients, ",")))
	err := e.executeLegs(ctx, tx)
	traces.End(span, err)
	return err
}

func (e *Engine) executeLegs(ctx context.Context, tx payoutTx) error {
	attempt := idgen.New()
	var (
		acquired []int
		adopted  *ledger.Entry
		unpaid   bool
	)
	release := func() {
		for _, i := range acquired {
			if err := e.ledger.Release(context.WithoutCancel(ctx), tx.legs[i].key, attempt); err != nil {
				logging.L(ctx).Warn("failed to release ledger claim", "key", tx.legs[i].key.String(), "error", err)
			}
		}
	}

	for i, l := range tx.legs {
		c, err := e.ledger.ClaimFor(ctx, l.key, tx.origin, tx.chain, attempt)
		if err != nil {
			release()
			return err
		}
		if c.Acquired {
			acquired = append(acquired, i)
			unpaid = true
			continue
		}
		switch c.Entry.Status {
		case ledger.StatusReserved:
			release()
			return fmt.Errorf("%w: %s", ErrPayoutInFlight, l.key)
		case ledger.StatusPending:
			unpaid = true
		}
		if adopted == nil {
			adopted = c.Entry
		}
	}
	if !unpaid {
		return nil
	}

	var signed *chain.Signed
	fresh := adopted == nil
	if fresh {
		var err error
		signed, err = tx.sign(ctx)
		if err != nil {
			release()
			return err
		}
	} else {
		signed = &chain.Signed{Reference: adopted.PayoutRef, Payload: adopted.Payload}
	}

	// From here the payload may leave the process, so every key must carry
	// it before the first broadcast.
	persistCtx := context.WithoutCancel(ctx)
	for _, i := range acquired {
		amt := tx.legs[i].gross
		if fresh && len(signed.Legs) == len(tx.legs) {
			amt = signed.Legs[i].Amount
		}
		if err := e.ledger.SetPending(persistCtx, tx.legs[i].key, attempt, signed.Reference, signed.Payload, amt); err != nil {
			return fmt.Errorf("persist signed payout: %w", err)
		}
	}

	ref := signed.Reference
	if tx.broadcast != nil {
		var err error
		ref, err = e.broadcastWithRetry(ctx, tx.chain, func(ctx context.Context) (string, error) {
			return tx.broadcast(ctx, signed)
		})
		if err != nil {
			return err
		}
	}

	for _, l := range tx.legs {
		if err := e.ledger.RecordPayout(persistCtx, l.key, ref); err != nil {
			return fmt.Errorf("record payout: %w", err)
		}
	}
	return nil
}

func (e *Engine) broadcastWithRetry(ctx context.Context, chainName string, fn func(ctx context.Context) (string, error)) (string, error) {
	ctx, span := traces.StartSpan(ctx, "chain.broadcast", traces.Chain(chainName))
	var ref string
	policy := retry.Policy{
		MaxAttempts: e.cfg.MaxAttempts,
		BaseDelay:   e.cfg.RetryBase,
		Retryable:   chain.IsTransient,
		OnRetry: func(attempt int, err error) {
			metrics.BroadcastRetriesTotal.WithLabelValues(chainName).Inc()
			logging.L(ctx).Warn("broadcast failed, retrying", "chain", chainName, "attempt", attempt, "error", err)
		},
	}
	err := policy.Do(ctx, func() error {
		return e.guard(chainName, func() error {
			r, err := fn(ctx)
			if err == nil {
				ref = r
			}
			return err
		})
	})
	if err == nil {
		span.SetAttributes(traces.Reference(ref))
	}
	traces.End(span, err)
	return ref, err
}

// checkCustody proves the escrow secret opens before anything is claimed, so
// a key that cannot be decrypted never leaves a reservation behind. It runs
// ahead of the ledger check and costs one extra decrypt on a repeat call;
// signing still happens only under a held claim.
func (e *Engine) checkCustody(ctx context.Context, s *session.Session) error {
	return custody.WithSecret(ctx, s.Wallet, e.vaultKey, func([]byte) error { return nil })
}

func (e *Engine) unspent(ctx context.Context, ad chain.UtxoAdapter, s *session.Session) ([]chain.UTXO, *big.Int, error) {
	var utxos []chain.UTXO
	err := e.guard(s.Chain, func() error {
		var err error
		utxos, err = ad.ListUnspent(ctx, s.Wallet.Address)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	total := chain.SumUTXOs(utxos)
	if total.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: escrow %s holds no unspent outputs", ErrInsufficientFunds, s.Wallet.Address)
	}
	return utxos, total, nil
}

func (e *Engine) balance(ctx context.Context, a chain.Adapter, s *session.Session) (*big.Int, error) {
	var bal *big.Int
	err := e.guard(s.Chain, func() error {
		var err error
		bal, err = chain.Balance(ctx, a, s.Wallet.Address)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive(bal) {
		return nil, fmt.Errorf("%w: escrow %s is empty", ErrInsufficientFunds, s.Wallet.Address)
	}
	return bal, nil
}

func (e *Engine) signUTXO(ctx context.Context, ad chain.UtxoAdapter, s *session.Session, utxos []chain.UTXO, outputs []chain.Leg) (*chain.Signed, error) {
	var signed *chain.Signed
	err := custody.WithSecret(ctx, s.Wallet, e.vaultKey, func(secret []byte) error {
		var err error
		signed, err = ad.BuildAndSign(ctx, secret, utxos, outputs, ad.FeeRate())
		return err
	})
	return signed, err
}

func (e *Engine) signTransfer(ctx context.Context, ad chain.AccountAdapter, s *session.Session, to string, gross *big.Int) (*chain.Signed, error) {
	var signed *chain.Signed
	err := custody.WithSecret(ctx, s.Wallet, e.vaultKey, func(secret []byte) error {
		var err error
		signed, err = ad.SignTransfer(ctx, secret, to, gross, "stakehold:"+s.ID)
		return err
	})
	return signed, err
}

func (e *Engine) signClaim(ctx context.Context, ad chain.AttestationAdapter, recipient string, amt *big.Int) (*chain.Signed, error) {
	var claimed bool
	err := e.guard(ad.Name(), func() error {
		var err error
		claimed, err = ad.HasClaimed(ctx, recipient)
		return err
	})
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, fmt.Errorf("%w: %s", ErrClaimedOnChain, recipient)
	}
	return ad.SignClaim(ctx, recipient, amt)
}

// payoutLegs lists the ledger keys a terminal session pays to.
func payoutLegs(s *session.Session, kind chain.Kind) []leg {
	keyFor := func(recipient string) ledger.Key {
		if kind == chain.KindAttestation {
			return ledger.PlayerKey(recipient)
		}
		return ledger.SessionKey(s.ID, recipient)
	}
	if s.State == session.StateSettled {
		return []leg{{key: keyFor(s.Winner), recipient: s.Winner}}
	}
	var legs []leg
	for _, p := range refundLegs(s, s.ObservedAmount) {
		legs = append(legs, leg{key: keyFor(p.Recipient), recipient: p.Recipient, gross: p.Amount})
	}
	return legs
}

// recordedPayouts reads the payouts of s back from the ledger.
func (e *Engine) recordedPayouts(ctx context.Context, s *session.Session) ([]Payout, error) {
	adapter, ok := e.chains.Get(s.Chain)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, s.Chain)
	}
	payouts := []Payout{}
	for _, l := range payoutLegs(s, adapter.Kind()) {
		entry, err := e.ledger.Get(ctx, l.key)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if entry.Origin != s.ID {
			continue
		}
		p := Payout{
			Recipient: l.recipient,
			Reference: entry.PayoutRef,
			Status:    string(entry.Status),
		}
		if entry.Amount != nil {
			p.Amount = entry.Amount.String()
			p.Display = amount.Format(entry.Amount, adapter.Decimals())
		}
		if adapter.Kind() == chain.KindAttestation && len(entry.Payload) > 0 {
			p.Signature = "0x" + hex.EncodeToString(entry.Payload)
		}
		payouts = append(payouts, p)
	}
	return payouts, nil
}

func (e *Engine) publishPayout(ctx context.Context, t events.Type, s *session.Session, ref, errMsg string) {
	e.bus.Publish(ctx, events.SessionEvent{
		Type:      t,
		SessionID: s.ID,
		State:     string(s.State),
		Chain:     s.Chain,
		Winner:    s.Winner,
		Reference: ref,
		Error:     errMsg,
		At:        e.now().UTC(),
	})
}
