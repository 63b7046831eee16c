package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() (*Ledger, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(NewMemoryStore()).WithStaleAfter(time.Minute)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestTryClaim_FirstAcquires(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")

	c, err := l.TryClaim(ctx, key, "btc", "att1")
	require.NoError(t, err)
	assert.True(t, c.Acquired)
	assert.Equal(t, StatusReserved, c.Entry.Status)

	c2, err := l.TryClaim(ctx, key, "btc", "att2")
	require.NoError(t, err)
	assert.False(t, c2.Acquired)
	assert.True(t, c2.AlreadyClaimed())
}

func TestTryClaim_RequiresRecipientAndAttempt(t *testing.T) {
	l, _ := newTestLedger()
	_, err := l.TryClaim(context.Background(), SessionKey("ses_1", ""), "btc", "a")
	assert.Error(t, err)
	_, err = l.TryClaim(context.Background(), SessionKey("ses_1", "bob"), "btc", "")
	assert.Error(t, err)
}

func TestTryClaim_ConcurrentSingleWinner(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_race", "winner")

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := l.TryClaim(ctx, key, "eth", fmt.Sprintf("att%d", i))
			if err == nil && c.Acquired {
				atomic.AddInt32(&acquired, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired)
}

func TestLifecycle_PendingThenPaid(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")

	_, err := l.TryClaim(ctx, key, "btc", "att1")
	require.NoError(t, err)
	require.NoError(t, l.SetPending(ctx, key, "att1", "txid1", []byte{0x01, 0x02}, big.NewInt(9000)))

	c, err := l.TryClaim(ctx, key, "btc", "att2")
	require.NoError(t, err)
	assert.False(t, c.Acquired)
	assert.Equal(t, StatusPending, c.Entry.Status)
	assert.Equal(t, []byte{0x01, 0x02}, c.Entry.Payload)
	assert.Equal(t, "txid1", c.Entry.PayoutRef)

	require.NoError(t, l.RecordPayout(ctx, key, "txid1"))
	require.NoError(t, l.RecordPayout(ctx, key, "txid1"), "recording twice is a no-op")

	e, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, e.Status)
	assert.Equal(t, 0, e.Amount.Cmp(big.NewInt(9000)))
	require.NotNil(t, e.PaidAt)
}

func TestSetPending_WrongAttempt(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")

	_, err := l.TryClaim(ctx, key, "btc", "att1")
	require.NoError(t, err)
	assert.ErrorIs(t, l.SetPending(ctx, key, "other", "tx", nil, nil), ErrClaimLost)
}

func TestRecordPayout_RequiresPending(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")

	assert.ErrorIs(t, l.RecordPayout(ctx, key, "tx"), ErrNotFound)

	_, err := l.TryClaim(ctx, key, "btc", "att1")
	require.NoError(t, err)
	assert.ErrorIs(t, l.RecordPayout(ctx, key, "tx"), ErrClaimLost)
}

func TestRelease_AllowsReclaim(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")

	_, err := l.TryClaim(ctx, key, "btc", "att1")
	require.NoError(t, err)
	assert.ErrorIs(t, l.Release(ctx, key, "att2"), ErrClaimLost)
	require.NoError(t, l.Release(ctx, key, "att1"))

	c, err := l.TryClaim(ctx, key, "btc", "att2")
	require.NoError(t, err)
	assert.True(t, c.Acquired)
}

func TestRelease_RefusedOncePending(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")

	_, err := l.TryClaim(ctx, key, "btc", "att1")
	require.NoError(t, err)
	require.NoError(t, l.SetPending(ctx, key, "att1", "tx", []byte{1}, nil))
	assert.ErrorIs(t, l.Release(ctx, key, "att1"), ErrClaimLost)
}

func TestTryClaim_StaleReservationTakenOver(t *testing.T) {
	l, now := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")

	_, err := l.TryClaim(ctx, key, "btc", "att1")
	require.NoError(t, err)

	*now = now.Add(30 * time.Second)
	c, err := l.TryClaim(ctx, key, "btc", "att2")
	require.NoError(t, err)
	assert.False(t, c.Acquired, "fresh reservation is honored")

	*now = now.Add(2 * time.Minute)
	c, err = l.TryClaim(ctx, key, "btc", "att2")
	require.NoError(t, err)
	assert.True(t, c.Acquired)

	assert.ErrorIs(t, l.SetPending(ctx, key, "att1", "tx", nil, nil), ErrClaimLost)
}

func TestTryClaim_PendingNeverStale(t *testing.T) {
	l, now := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")

	_, err := l.TryClaim(ctx, key, "btc", "att1")
	require.NoError(t, err)
	require.NoError(t, l.SetPending(ctx, key, "att1", "tx", []byte{1}, nil))

	*now = now.Add(time.Hour)
	c, err := l.TryClaim(ctx, key, "btc", "att2")
	require.NoError(t, err)
	assert.False(t, c.Acquired)
}

func TestPlayerKey_Lowercases(t *testing.T) {
	k := PlayerKey("0xABCdef")
	assert.Equal(t, "", k.SessionID)
	assert.Equal(t, "0xabcdef", k.Recipient)
	assert.Equal(t, "0xabcdef", k.String())
	assert.Equal(t, "ses_1/bob", SessionKey("ses_1", "bob").String())
}

func TestListBySession(t *testing.T) {
	l, now := newTestLedger()
	ctx := context.Background()

	_, _ = l.TryClaim(ctx, SessionKey("ses_1", "alice"), "btc", "a")
	*now = now.Add(time.Second)
	_, _ = l.TryClaim(ctx, SessionKey("ses_1", "bob"), "btc", "b")
	_, _ = l.TryClaim(ctx, SessionKey("ses_2", "carol"), "btc", "c")

	entries, err := l.ListBySession(ctx, "ses_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Recipient)
	assert.Equal(t, "bob", entries[1].Recipient)
}

func TestGet_ReturnsCopy(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := SessionKey("ses_1", "alice")
	_, _ = l.TryClaim(ctx, key, "btc", "a")
	require.NoError(t, l.SetPending(ctx, key, "a", "tx", []byte{7}, big.NewInt(5)))

	e, err := l.Get(ctx, key)
	require.NoError(t, err)
	e.Payload[0] = 0
	e.Amount.SetInt64(1)

	again, _ := l.Get(ctx, key)
	assert.Equal(t, byte(7), again.Payload[0])
	assert.Equal(t, int64(5), again.Amount.Int64())
}

func TestClaimFor_PlayerKeyBelongsToOneSession(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := PlayerKey("0xBob")

	c, err := l.ClaimFor(ctx, key, "ses_1", "attest", "a")
	require.NoError(t, err)
	require.True(t, c.Acquired)
	require.NoError(t, l.SetPending(ctx, key, "a", "0xdigest", []byte{1}, big.NewInt(2000)))
	require.NoError(t, l.RecordPayout(ctx, key, ""))

	c, err = l.ClaimFor(ctx, key, "ses_1", "attest", "b")
	require.NoError(t, err, "same session sees its own row")
	assert.Equal(t, StatusPaid, c.Entry.Status)

	c, err = l.ClaimFor(ctx, key, "ses_2", "attest", "c")
	require.ErrorIs(t, err, ErrOtherOrigin)
	assert.False(t, c.Acquired)
	assert.Equal(t, "ses_1", c.Entry.Origin)

	entries, err := l.ListBySession(ctx, "ses_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, key, entries[0].Key)

	entries, err = l.ListBySession(ctx, "ses_2")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClaimFor_StaleReservationMovesToNewSession(t *testing.T) {
	l, now := newTestLedger()
	ctx := context.Background()
	key := PlayerKey("0xbob")

	_, err := l.ClaimFor(ctx, key, "ses_1", "attest", "a")
	require.NoError(t, err)

	_, err = l.ClaimFor(ctx, key, "ses_2", "attest", "b")
	require.ErrorIs(t, err, ErrOtherOrigin)

	*now = now.Add(2 * time.Minute)
	c, err := l.ClaimFor(ctx, key, "ses_2", "attest", "b")
	require.NoError(t, err)
	assert.True(t, c.Acquired)
	assert.Equal(t, "ses_2", c.Entry.Origin)
}

func TestClaimFor_SessionKeyMustMatchOrigin(t *testing.T) {
	l, _ := newTestLedger()
	_, err := l.ClaimFor(context.Background(), SessionKey("ses_1", "bob"), "ses_2", "btc", "a")
	assert.Error(t, err)
}
