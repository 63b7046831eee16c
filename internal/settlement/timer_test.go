package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/stakehold/internal/session"
)

func TestTimer_SweepExpiresAndRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stuck := h.create(t, "btc", "0.0001")
	h.fundUTXO(t, stuck, 10_000)
	h.utxo.failBroadcasts(3)
	_, err := h.engine.DeclareWinner(ctx, stuck.ID, alice)
	assert.ErrorIs(t, err, ErrBroadcastFailed)

	late := h.create(t, "btc", "0.0001")
	h.utxo.deposit(late.Wallet.Address, 10_000)
	h.clock.Advance(2 * time.Hour)

	timer := NewTimer(h.engine, time.Minute, discardLogger())
	timer.Sweep(ctx)

	assert.Equal(t, session.PayoutPaid, h.session(t, stuck.ID).PayoutStatus)
	expired := h.session(t, late.ID)
	assert.Equal(t, session.StateExpired, expired.State)
	assert.Equal(t, session.PayoutPaid, expired.PayoutStatus)
}

func TestTimer_StartStop(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.engine, 10*time.Millisecond, discardLogger())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	assert.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
