// Package deposit detects when the participants of a session have funded its
// escrow address.
//
// Both stakes land on the same address, so attribution is by amount: A is
// funded once the address holds the stake, B once it holds twice the stake.
// An overpaying A is therefore indistinguishable from B's deposit.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/circuitbreaker"
	"github.com/mbd888/stakehold/internal/metrics"
	"github.com/mbd888/stakehold/internal/session"
)

// Result is the funding status of one participant.
type Result struct {
	Funded   bool     `json:"funded"`
	Observed *big.Int `json:"observedAmount"`
}

// Monitor reads escrow balances. It never mutates a session.
type Monitor struct {
	chains  *chain.Registry
	breaker *circuitbreaker.Breaker
}

// NewMonitor creates a monitor over the given adapters. breaker may be nil.
func NewMonitor(chains *chain.Registry, breaker *circuitbreaker.Breaker) *Monitor {
	return &Monitor{chains: chains, breaker: breaker}
}

// Threshold is the cumulative balance at which role counts as funded.
func Threshold(stake *big.Int, role session.Role) *big.Int {
	if role == session.RoleB {
		return new(big.Int).Lsh(stake, 1)
	}
	return new(big.Int).Set(stake)
}

// Evaluate applies the funding thresholds to an observed balance.
func Evaluate(stake, observed *big.Int) session.Deposits {
	if stake == nil || observed == nil || stake.Sign() <= 0 {
		return session.Deposits{}
	}
	return session.Deposits{
		A: observed.Cmp(Threshold(stake, session.RoleA)) >= 0,
		B: observed.Cmp(Threshold(stake, session.RoleB)) >= 0,
	}
}

// CheckDeposit reports whether role has funded s.
func (m *Monitor) CheckDeposit(ctx context.Context, s *session.Session, role session.Role) (Result, error) {
	if role != session.RoleA && role != session.RoleB {
		return Result{}, fmt.Errorf("deposit: unknown role %q", role)
	}
	funded, observed, err := m.Check(ctx, s)
	if err != nil {
		return Result{}, err
	}
	ok := funded.A
	if role == session.RoleB {
		ok = funded.B
	}
	return Result{Funded: ok, Observed: observed}, nil
}

// Check reads the escrow balance once and evaluates both participants.
func (m *Monitor) Check(ctx context.Context, s *session.Session) (session.Deposits, *big.Int, error) {
	adapter, ok := m.chains.Get(s.Chain)
	if !ok {
		return session.Deposits{}, nil, fmt.Errorf("%w: no adapter for chain %q", chain.ErrUnavailable, s.Chain)
	}

	var observed *big.Int
	read := func() error {
		var err error
		observed, err = chain.Balance(ctx, adapter, s.Wallet.Address)
		return err
	}
	var err error
	if m.breaker != nil {
		err = m.breaker.Do(s.Chain, chain.IsTransient, read)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %s: %w", chain.ErrUnavailable, s.Chain, err)
		}
	} else {
		err = read()
	}
	if err != nil {
		metrics.DepositChecksTotal.WithLabelValues(s.Chain, "error").Inc()
		return session.Deposits{}, nil, err
	}

	funded := Evaluate(s.StakeAmount, observed)
	metrics.DepositChecksTotal.WithLabelValues(s.Chain, checkResult(funded)).Inc()
	return funded, observed, nil
}

func checkResult(d session.Deposits) string {
	switch {
	case d.Both():
		return "funded"
	case d.A:
		return "partial"
	default:
		return "unfunded"
	}
}
