package btc

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakehold/internal/chain"
)

type fakeNode struct {
	unspent   []btcjson.ListUnspentResult
	listErr   error
	sendErr   error
	sent      []*wire.MsgTx
	imported  []string
	listAddrs []btcutil.Address
}

func (f *fakeNode) ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error) {
	f.listAddrs = addrs
	return f.unspent, f.listErr
}

func (f *fakeNode) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, tx)
	h := tx.TxHash()
	return &h, nil
}

func (f *fakeNode) ImportAddressRescan(address string, account string, rescan bool) error {
	f.imported = append(f.imported, address)
	return nil
}

func newTestAdapter(t *testing.T, node Node) *Adapter {
	t.Helper()
	a, err := New(node, Config{Network: "regtest", FeeRate: 10})
	require.NoError(t, err)
	return a
}

func newAddress(t *testing.T, a *Adapter) string {
	t.Helper()
	addr, secret, err := a.GenerateKey()
	require.NoError(t, err)
	require.Len(t, secret, 32)
	return addr
}

func txid(b byte) string {
	return strings.Repeat(string("0123456789abcdef"[b%16])+"a", 32)
}

func utxo(b byte, sat int64) chain.UTXO {
	return chain.UTXO{TxID: txid(b), Vout: uint32(b), Amount: big.NewInt(sat)}
}

func decodeTx(t *testing.T, payload []byte) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	require.NoError(t, tx.Deserialize(bytes.NewReader(payload)))
	return tx
}

func TestNew_Defaults(t *testing.T) {
	a, err := New(&fakeNode{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, "btc", a.Name())
	assert.Equal(t, chain.KindUTXO, a.Kind())
	assert.Equal(t, int64(DefaultFeeRate), a.FeeRate())
	assert.Equal(t, int64(DefaultDustLimit), a.DustLimit())
	assert.Equal(t, 8, a.Decimals())

	_, err = New(&fakeNode{}, Config{Network: "moonnet"})
	assert.Error(t, err)
}

func TestGenerateKey_AddressesAreNetworkBound(t *testing.T) {
	regtest := newTestAdapter(t, &fakeNode{})
	mainnet, err := New(&fakeNode{}, Config{Network: "mainnet"})
	require.NoError(t, err)

	addr := newAddress(t, regtest)
	assert.NoError(t, regtest.ValidateAddress(addr))
	assert.ErrorIs(t, mainnet.ValidateAddress(addr), chain.ErrInvalidAddress)
	assert.ErrorIs(t, regtest.ValidateAddress("not-an-address"), chain.ErrInvalidAddress)

	assert.NotEqual(t, addr, newAddress(t, regtest))
}

func TestListUnspent(t *testing.T) {
	node := &fakeNode{unspent: []btcjson.ListUnspentResult{
		{TxID: txid(1), Vout: 0, Amount: 0.006},
		{TxID: txid(2), Vout: 1, Amount: 0.004},
	}}
	a := newTestAdapter(t, node)
	addr := newAddress(t, a)

	utxos, err := a.ListUnspent(context.Background(), addr)
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	assert.Equal(t, int64(600_000), utxos[0].Amount.Int64())
	assert.Equal(t, int64(1_000_000), chain.SumUTXOs(utxos).Int64())
	require.Len(t, node.listAddrs, 1)
	assert.Equal(t, addr, node.listAddrs[0].EncodeAddress())
}

func TestListUnspent_NodeDown(t *testing.T) {
	a := newTestAdapter(t, &fakeNode{listErr: errors.New("connection refused")})
	_, err := a.ListUnspent(context.Background(), newAddress(t, a))
	assert.ErrorIs(t, err, chain.ErrUnavailable)
}

func TestWatchAddress(t *testing.T) {
	node := &fakeNode{}
	a := newTestAdapter(t, node)
	addr := newAddress(t, a)
	require.NoError(t, a.WatchAddress(context.Background(), addr))
	assert.Equal(t, []string{addr}, node.imported)
}

func TestEstimateFee(t *testing.T) {
	assert.Equal(t, int64(3400), EstimateFee(2, 1, 10))
	assert.Equal(t, int64(192), EstimateFee(1, 1, 1))
}

func TestBuildAndSign_WinnerPayout(t *testing.T) {
	a := newTestAdapter(t, &fakeNode{})
	_, secret, err := a.GenerateKey()
	require.NoError(t, err)
	winner := newAddress(t, a)

	utxos := []chain.UTXO{utxo(1, 600_000), utxo(2, 400_000)}
	signed, err := a.BuildAndSign(context.Background(), secret, utxos,
		[]chain.Leg{{Recipient: winner, Amount: big.NewInt(1_000_000)}}, 10)
	require.NoError(t, err)

	require.Len(t, signed.Legs, 1)
	assert.Equal(t, int64(1_000_000-3400), signed.Legs[0].Amount.Int64())
	assert.Len(t, signed.Reference, 64)

	tx := decodeTx(t, signed.Payload)
	assert.Len(t, tx.TxIn, 2)
	require.Len(t, tx.TxOut, 1)
	assert.Equal(t, int64(996_600), tx.TxOut[0].Value)
	assert.Equal(t, signed.Reference, tx.TxHash().String())
	for _, in := range tx.TxIn {
		assert.NotEmpty(t, in.SignatureScript)
	}
}

func TestBuildAndSign_RefundSplitsFee(t *testing.T) {
	a := newTestAdapter(t, &fakeNode{})
	_, secret, err := a.GenerateKey()
	require.NoError(t, err)
	pa, pb := newAddress(t, a), newAddress(t, a)

	signed, err := a.BuildAndSign(context.Background(), secret, []chain.UTXO{utxo(3, 1_000_000)}, []chain.Leg{
		{Recipient: pa, Amount: big.NewInt(600_000)},
		{Recipient: pb, Amount: big.NewInt(400_000)},
	}, 10)
	require.NoError(t, err)

	// (10 + 148 + 2*34) * 10 = 2260, 1130 each
	require.Len(t, signed.Legs, 2)
	assert.Equal(t, int64(598_870), signed.Legs[0].Amount.Int64())
	assert.Equal(t, int64(398_870), signed.Legs[1].Amount.Int64())
}

func TestBuildAndSign_FeeRemainderOnFirstOutput(t *testing.T) {
	a := newTestAdapter(t, &fakeNode{})
	_, secret, err := a.GenerateKey()
	require.NoError(t, err)

	outs := []chain.Leg{
		{Recipient: newAddress(t, a), Amount: big.NewInt(10_000)},
		{Recipient: newAddress(t, a), Amount: big.NewInt(10_000)},
		{Recipient: newAddress(t, a), Amount: big.NewInt(10_000)},
	}
	signed, err := a.BuildAndSign(context.Background(), secret, []chain.UTXO{utxo(4, 30_000)}, outs, 1)
	require.NoError(t, err)

	// fee 260: 88 + 86 + 86
	assert.Equal(t, int64(9_912), signed.Legs[0].Amount.Int64())
	assert.Equal(t, int64(9_914), signed.Legs[1].Amount.Int64())
	assert.Equal(t, int64(9_914), signed.Legs[2].Amount.Int64())
}

func TestBuildAndSign_NeverProducesDust(t *testing.T) {
	a := newTestAdapter(t, &fakeNode{})
	_, secret, err := a.GenerateKey()
	require.NoError(t, err)
	winner := newAddress(t, a)

	tests := []struct {
		name    string
		value   int64
		feeRate int64
		wantErr bool
	}{
		{"comfortably above", 100_000, 10, false},
		{"exactly dust after fee", 1920 + 546, 10, false},
		{"one below dust", 1920 + 545, 10, true},
		{"fee exceeds value", 1000, 10, true},
		{"high fee rate", 50_000, 300, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.BuildAndSign(context.Background(), secret, []chain.UTXO{utxo(5, tt.value)},
				[]chain.Leg{{Recipient: winner, Amount: big.NewInt(tt.value)}}, tt.feeRate)
			if tt.wantErr {
				assert.ErrorIs(t, err, chain.ErrInsufficientFunds)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildAndSign_RejectsBadInput(t *testing.T) {
	a := newTestAdapter(t, &fakeNode{})
	_, secret, err := a.GenerateKey()
	require.NoError(t, err)
	winner := newAddress(t, a)
	ctx := context.Background()
	leg := []chain.Leg{{Recipient: winner, Amount: big.NewInt(100_000)}}

	_, err = a.BuildAndSign(ctx, secret, nil, leg, 10)
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)

	_, err = a.BuildAndSign(ctx, secret, []chain.UTXO{utxo(6, 200_000)}, leg, 10)
	assert.Error(t, err, "outputs must consume the inputs")

	_, err = a.BuildAndSign(ctx, []byte{1, 2, 3}, []chain.UTXO{utxo(6, 100_000)}, leg, 10)
	assert.ErrorIs(t, err, chain.ErrInvalidSecret)

	_, err = a.BuildAndSign(ctx, secret, []chain.UTXO{utxo(6, 100_000)},
		[]chain.Leg{{Recipient: "bogus", Amount: big.NewInt(100_000)}}, 10)
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.BuildAndSign(cancelled, secret, []chain.UTXO{utxo(6, 100_000)}, leg, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBroadcast(t *testing.T) {
	node := &fakeNode{}
	a := newTestAdapter(t, node)
	_, secret, err := a.GenerateKey()
	require.NoError(t, err)

	signed, err := a.BuildAndSign(context.Background(), secret, []chain.UTXO{utxo(7, 100_000)},
		[]chain.Leg{{Recipient: newAddress(t, a), Amount: big.NewInt(100_000)}}, 10)
	require.NoError(t, err)

	ref, err := a.Broadcast(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Reference, ref)
	require.Len(t, node.sent, 1)

	// Resubmitting something the node already has is success.
	node.sendErr = &btcjson.RPCError{Code: btcjson.ErrRPCVerifyAlreadyInChain, Message: "transaction already in block chain"}
	ref, err = a.Broadcast(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Reference, ref)

	node.sendErr = errors.New("-26: txn-already-in-mempool")
	_, err = a.Broadcast(context.Background(), signed)
	assert.NoError(t, err)

	node.sendErr = errors.New("connection reset by peer")
	_, err = a.Broadcast(context.Background(), signed)
	assert.ErrorIs(t, err, chain.ErrBroadcastFailed)
	assert.True(t, chain.IsTransient(err))
}

func TestBuildAndBroadcast(t *testing.T) {
	node := &fakeNode{}
	a := newTestAdapter(t, node)
	_, secret, err := a.GenerateKey()
	require.NoError(t, err)

	ref, err := a.BuildAndBroadcast(context.Background(), secret, []chain.UTXO{utxo(8, 50_000)},
		[]chain.Leg{{Recipient: newAddress(t, a), Amount: big.NewInt(50_000)}}, 5)
	require.NoError(t, err)
	require.Len(t, node.sent, 1)
	assert.Equal(t, node.sent[0].TxHash().String(), ref)
}
