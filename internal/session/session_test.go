package session

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakehold/internal/custody"
	"github.com/mbd888/stakehold/internal/vault"
)

const (
	addrA = "mpA1111111111111111111111111111111"
	addrB = "mpB2222222222222222222222222222222"
)

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		Chain:          "btc",
		StakeAmount:    big.NewInt(1_000_000),
		ParticipantA:   addrA,
		ParticipantB:   addrB,
		Wallet:         custody.Wallet{Chain: "btc", Address: "escrow", Secret: vault.Sealed{Ciphertext: []byte{1}, IV: []byte{2}, AuthTag: []byte{3}}},
		State:          StateWaitingDeposits,
		ObservedAmount: big.NewInt(0),
		Deadline:       now.Add(time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestApplyDeposits_ActivatesOnlyWhenBothFunded(t *testing.T) {
	s := newSession("s1")
	now := time.Now()

	changed, activated := s.ApplyDeposits(Deposits{A: true}, big.NewInt(1_000_000), now)
	assert.True(t, changed)
	assert.False(t, activated)
	assert.Equal(t, StateWaitingDeposits, s.State)
	assert.True(t, s.Deposits.A)

	changed, activated = s.ApplyDeposits(Deposits{A: true}, big.NewInt(1_000_000), now)
	assert.False(t, changed, "same observation is a no-op")
	assert.False(t, activated)

	changed, activated = s.ApplyDeposits(Deposits{A: true, B: true}, big.NewInt(2_000_000), now)
	assert.True(t, changed)
	assert.True(t, activated)
	assert.Equal(t, StateActive, s.State)
	require.NotNil(t, s.ActivatedAt)
	assert.NoError(t, s.CheckInvariants())
}

func TestApplyDeposits_FlagsNeverRegress(t *testing.T) {
	s := newSession("s1")
	s.ApplyDeposits(Deposits{A: true}, big.NewInt(1_000_000), time.Now())

	// Balance dropped (e.g. a reorg); the observed flag stays.
	s.ApplyDeposits(Deposits{}, big.NewInt(0), time.Now())
	assert.True(t, s.Deposits.A)
	assert.Equal(t, int64(0), s.ObservedAmount.Int64())
}

func TestApplyDeposits_IgnoredOnceActive(t *testing.T) {
	s := newSession("s1")
	s.ApplyDeposits(Deposits{A: true, B: true}, big.NewInt(2_000_000), time.Now())

	changed, activated := s.ApplyDeposits(Deposits{A: true, B: true}, big.NewInt(5_000_000), time.Now())
	assert.False(t, changed)
	assert.False(t, activated)
	assert.Equal(t, int64(2_000_000), s.ObservedAmount.Int64())
}

func TestDeclareWinner(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(s *Session)
		winner    string
		wantErr   error
		wantState State
		settled   bool
	}{
		{
			name:      "waiting deposits",
			setup:     func(s *Session) {},
			winner:    addrA,
			wantErr:   ErrNotFunded,
			wantState: StateWaitingDeposits,
		},
		{
			name:      "only A funded",
			setup:     func(s *Session) { s.ApplyDeposits(Deposits{A: true}, nil, time.Now()) },
			winner:    addrA,
			wantErr:   ErrNotFunded,
			wantState: StateWaitingDeposits,
		},
		{
			name:      "stranger",
			setup:     activate,
			winner:    "mpZ9999999999999999999999999999999",
			wantErr:   ErrInvalidParticipant,
			wantState: StateActive,
		},
		{
			name:      "empty winner",
			setup:     activate,
			winner:    "  ",
			wantErr:   ErrInvalidParticipant,
			wantState: StateActive,
		},
		{
			name:      "participant B",
			setup:     activate,
			winner:    addrB,
			wantState: StateSettled,
			settled:   true,
		},
		{
			name: "same winner again",
			setup: func(s *Session) {
				activate(s)
				_, _ = s.DeclareWinner(addrA, time.Now())
			},
			winner:    addrA,
			wantState: StateSettled,
		},
		{
			name: "different winner after settle",
			setup: func(s *Session) {
				activate(s)
				_, _ = s.DeclareWinner(addrA, time.Now())
			},
			winner:    addrB,
			wantErr:   ErrAlreadyResolved,
			wantState: StateSettled,
		},
		{
			name: "expired",
			setup: func(s *Session) {
				_ = s.Expire("operator", time.Now())
			},
			winner:    addrA,
			wantErr:   ErrAlreadyResolved,
			wantState: StateExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession("s1")
			tt.setup(s)

			settled, err := s.DeclareWinner(tt.winner, time.Now())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.settled, settled)
			assert.Equal(t, tt.wantState, s.State)
			assert.NoError(t, s.CheckInvariants())
		})
	}
}

func TestDeclareWinner_CanonicalAddress(t *testing.T) {
	s := newSession("s1")
	s.ParticipantA = "0xAbCdEf0000000000000000000000000000000001"
	activate(s)

	_, err := s.DeclareWinner("0xabcdef0000000000000000000000000000000001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "0xAbCdEf0000000000000000000000000000000001", s.Winner)
	assert.Equal(t, PayoutPending, s.PayoutStatus)
}

func TestExpire(t *testing.T) {
	s := newSession("s1")
	require.NoError(t, s.Expire("timeout", time.Now()))
	assert.Equal(t, StateExpired, s.State)
	assert.Equal(t, "timeout", s.CancelReason)
	assert.True(t, s.NeedsPayout())
	assert.ErrorIs(t, s.Expire("again", time.Now()), ErrAlreadyResolved)

	active := newSession("s2")
	activate(active)
	require.NoError(t, active.Expire("operator", time.Now()))
	assert.Equal(t, StateExpired, active.State)
	assert.Empty(t, active.Winner)
}

func TestCheckInvariants(t *testing.T) {
	s := newSession("s1")
	s.Winner = addrA
	assert.ErrorIs(t, s.CheckInvariants(), ErrInvariant)

	s = newSession("s2")
	s.State = StateActive
	assert.ErrorIs(t, s.CheckInvariants(), ErrInvariant)

	s = newSession("s3")
	s.State = StateSettled
	assert.ErrorIs(t, s.CheckInvariants(), ErrInvariant)
}

func TestClone_IsDeep(t *testing.T) {
	s := newSession("s1")
	now := time.Now()
	s.ActivatedAt = &now
	cp := s.Clone()

	cp.StakeAmount.SetInt64(1)
	cp.Wallet.Secret.Ciphertext[0] = 0xff
	*cp.ActivatedAt = now.Add(time.Hour)

	assert.Equal(t, int64(1_000_000), s.StakeAmount.Int64())
	assert.Equal(t, byte(1), s.Wallet.Secret.Ciphertext[0])
	assert.Equal(t, now, *s.ActivatedAt)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s1 := newSession("s1")
	s1.CreatedAt = time.Now().Add(-time.Minute)
	s1.Deadline = time.Now().Add(-time.Second)
	s2 := newSession("s2")
	require.NoError(t, store.Create(ctx, s1))
	require.NoError(t, store.Create(ctx, s2))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	got.State = StateActive
	fresh, _ := store.Get(ctx, "s1")
	assert.Equal(t, StateWaitingDeposits, fresh.State, "Get returns a copy")

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, newSession("missing")), ErrNotFound)

	all, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s2", all[0].ID, "newest first")

	expired, err := store.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "s1", expired[0].ID)

	require.NoError(t, fresh.Expire("timeout", time.Now()))
	require.NoError(t, store.Update(ctx, fresh))

	expired, _ = store.ListExpired(ctx, time.Now(), 10)
	assert.Empty(t, expired, "terminal sessions are not re-expired")

	unpaid, err := store.ListUnpaid(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)

	waiting, err := store.ListByState(ctx, StateWaitingDeposits, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "s2", waiting[0].ID)
}

func activate(s *Session) {
	s.ApplyDeposits(Deposits{A: true, B: true}, new(big.Int).Mul(s.StakeAmount, big.NewInt(2)), time.Now())
}
