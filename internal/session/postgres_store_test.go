package session

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakehold/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	s := newSession("ses_pg_1")
	s.StakeAmount, _ = new(big.Int).SetString("1000000000000000000000", 10) // wider than int64
	require.NoError(t, store.Create(ctx, s))

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, s.StakeAmount.Cmp(got.StakeAmount))
	assert.Equal(t, s.Wallet.Secret, got.Wallet.Secret)
	assert.Equal(t, StateWaitingDeposits, got.State)
	assert.Equal(t, PayoutNone, got.PayoutStatus)
	assert.Nil(t, got.ActivatedAt)

	_, err = store.Get(ctx, "ses_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_UpdateAndQueries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	waiting := newSession("ses_wait")
	waiting.Deadline = time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, waiting))

	settled := newSession("ses_settled")
	settled.Wallet.Address = "escrow-2"
	require.NoError(t, store.Create(ctx, settled))
	activate(settled)
	_, err := settled.DeclareWinner(addrA, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, settled))

	got, err := store.Get(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, got.State)
	assert.Equal(t, addrA, got.Winner)
	assert.Equal(t, PayoutPending, got.PayoutStatus)
	assert.True(t, got.Deposits.Both())
	require.NotNil(t, got.ResolvedAt)

	expired, err := store.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "ses_wait", expired[0].ID)

	unpaid, err := store.ListUnpaid(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, "ses_settled", unpaid[0].ID)

	byState, err := store.ListByState(ctx, StateWaitingDeposits, 10)
	require.NoError(t, err)
	assert.Len(t, byState, 1)

	all, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	missing := newSession("ses_ghost")
	assert.ErrorIs(t, store.Update(ctx, missing), ErrNotFound)
}
