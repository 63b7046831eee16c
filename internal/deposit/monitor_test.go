package deposit

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/circuitbreaker"
	"github.com/mbd888/stakehold/internal/custody"
	"github.com/mbd888/stakehold/internal/session"
)

type fakeAccount struct {
	mu      sync.Mutex
	balance *big.Int
	err     error
	calls   int
}

func (f *fakeAccount) Name() string                         { return "eth" }
func (f *fakeAccount) Kind() chain.Kind                     { return chain.KindAccount }
func (f *fakeAccount) Decimals() int                        { return 18 }
func (f *fakeAccount) GenerateKey() (string, []byte, error) { return "0xescrow", []byte("k"), nil }
func (f *fakeAccount) ValidateAddress(string) error         { return nil }

func (f *fakeAccount) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeAccount) SignTransfer(ctx context.Context, secret []byte, to string, gross *big.Int, memo string) (*chain.Signed, error) {
	return nil, errors.New("not used")
}

func (f *fakeAccount) Broadcast(ctx context.Context, s *chain.Signed) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeAccount) set(v int64) {
	f.mu.Lock()
	f.balance = big.NewInt(v)
	f.mu.Unlock()
}

func testSession(stake int64) *session.Session {
	return &session.Session{
		ID:           "ses_dep",
		Chain:        "eth",
		StakeAmount:  big.NewInt(stake),
		ParticipantA: "0xA",
		ParticipantB: "0xB",
		Wallet:       custody.Wallet{Chain: "eth", Address: "0xescrow"},
		State:        session.StateWaitingDeposits,
	}
}

func TestEvaluate(t *testing.T) {
	stake := big.NewInt(100)
	tests := []struct {
		name     string
		observed int64
		want     session.Deposits
	}{
		{"empty", 0, session.Deposits{}},
		{"short of A", 99, session.Deposits{}},
		{"A exact", 100, session.Deposits{A: true}},
		{"A overpaid", 150, session.Deposits{A: true}},
		{"both exact", 200, session.Deposits{A: true, B: true}},
		{"both overpaid", 500, session.Deposits{A: true, B: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(stake, big.NewInt(tt.observed)))
		})
	}

	assert.Equal(t, session.Deposits{}, Evaluate(nil, big.NewInt(1)))
	assert.Equal(t, session.Deposits{}, Evaluate(big.NewInt(0), big.NewInt(1)))
}

func TestCheckDeposit_Scenario(t *testing.T) {
	acct := &fakeAccount{balance: big.NewInt(0)}
	m := NewMonitor(chain.NewRegistry(acct), nil)
	s := testSession(1_000_000)
	ctx := context.Background()

	res, err := m.CheckDeposit(ctx, s, session.RoleA)
	require.NoError(t, err)
	assert.False(t, res.Funded)

	acct.set(1_000_000)
	res, err = m.CheckDeposit(ctx, s, session.RoleA)
	require.NoError(t, err)
	assert.True(t, res.Funded)
	res, err = m.CheckDeposit(ctx, s, session.RoleB)
	require.NoError(t, err)
	assert.False(t, res.Funded)

	acct.set(2_000_000)
	res, err = m.CheckDeposit(ctx, s, session.RoleB)
	require.NoError(t, err)
	assert.True(t, res.Funded)
	assert.Equal(t, int64(2_000_000), res.Observed.Int64())

	assert.Equal(t, session.StateWaitingDeposits, s.State, "monitor never mutates the session")
	assert.False(t, s.Deposits.A)
}

func TestCheckDeposit_UnknownRole(t *testing.T) {
	m := NewMonitor(chain.NewRegistry(&fakeAccount{balance: big.NewInt(0)}), nil)
	_, err := m.CheckDeposit(context.Background(), testSession(1), session.Role("C"))
	assert.Error(t, err)
}

func TestCheck_UnknownChain(t *testing.T) {
	m := NewMonitor(chain.NewRegistry(), nil)
	_, _, err := m.Check(context.Background(), testSession(1))
	assert.ErrorIs(t, err, chain.ErrUnavailable)
}

func TestCheck_BreakerOpensOnTransientErrors(t *testing.T) {
	acct := &fakeAccount{err: chain.Unavailable("balance", errors.New("dial tcp: refused"))}
	m := NewMonitor(chain.NewRegistry(acct), circuitbreaker.New(2, 0))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := m.Check(ctx, testSession(1))
		assert.ErrorIs(t, err, chain.ErrUnavailable)
	}
	_, _, err := m.Check(ctx, testSession(1))
	assert.ErrorIs(t, err, chain.ErrUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, acct.calls, "open circuit skips the node")
}
