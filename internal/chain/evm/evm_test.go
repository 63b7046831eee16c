package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakehold/internal/chain"
)

type mockClient struct {
	nonce      uint64
	gasPrice   *big.Int
	balances   map[common.Address]*big.Int
	balanceErr error
	nonceErr   error
	sendErr    error
	receipt    *types.Receipt
	sent       []*types.Transaction
	closed     bool
}

func newMockClient() *mockClient {
	return &mockClient{gasPrice: big.NewInt(1_000_000_000), balances: make(map[common.Address]*big.Int)}
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return m.nonce, m.nonceErr
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return m.gasPrice, nil
}

func (m *mockClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if b, ok := m.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.receipt == nil {
		return nil, errors.New("not found")
	}
	return m.receipt, nil
}

func (m *mockClient) Close() { m.closed = true }

func newTestAdapter(t *testing.T, client Client) *Adapter {
	t.Helper()
	a, err := New(Config{ChainID: 31337}, WithClient(client))
	require.NoError(t, err)
	return a
}

var ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{ChainID: 1})
	assert.Error(t, err, "RPC URL required without a client")

	a, err := New(Config{ChainID: 1, Name: "base"}, WithClient(newMockClient()))
	require.NoError(t, err)
	assert.Equal(t, "base", a.Name())
	assert.Equal(t, chain.KindAccount, a.Kind())
	assert.Equal(t, 18, a.Decimals())
}

func TestGenerateKey(t *testing.T) {
	addr, secret, err := GenerateKey()
	require.NoError(t, err)
	require.Len(t, secret, 32)
	assert.NoError(t, ValidateAddress(addr))

	key, err := crypto.ToECDSA(secret)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("0x1234567890123456789012345678901234567890"))
	assert.ErrorIs(t, ValidateAddress("0x1234"), chain.ErrInvalidAddress)
	assert.ErrorIs(t, ValidateAddress("bc1qxyz"), chain.ErrInvalidAddress)
}

func TestGetBalance(t *testing.T) {
	client := newMockClient()
	a := newTestAdapter(t, client)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	client.balances[addr] = big.NewInt(20_000)

	bal, err := a.GetBalance(context.Background(), addr.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), bal.Int64())

	client.balanceErr = errors.New("dial tcp: i/o timeout")
	_, err = a.GetBalance(context.Background(), addr.Hex())
	assert.ErrorIs(t, err, chain.ErrUnavailable)
}

func TestSignTransfer_DeductsGas(t *testing.T) {
	client := newMockClient()
	client.nonce = 7
	a := newTestAdapter(t, client)
	from, secret, err := GenerateKey()
	require.NoError(t, err)
	to := "0x00000000000000000000000000000000000000bb"

	gross := new(big.Int).Div(ether, big.NewInt(50)) // 0.02
	signed, err := a.SignTransfer(context.Background(), secret, to, gross, "")
	require.NoError(t, err)

	fee := new(big.Int).Mul(client.gasPrice, big.NewInt(21000))
	want := new(big.Int).Sub(gross, fee)
	require.Len(t, signed.Legs, 1)
	assert.Equal(t, want, signed.Legs[0].Amount)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(signed.Payload))
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, want, tx.Value())
	assert.Equal(t, signed.Reference, tx.Hash().Hex())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, from, sender.Hex())
}

func TestSignTransfer_MemoAddsGas(t *testing.T) {
	client := newMockClient()
	a := newTestAdapter(t, client)
	_, secret, err := GenerateKey()
	require.NoError(t, err)

	signed, err := a.SignTransfer(context.Background(), secret, "0x00000000000000000000000000000000000000bb", ether, "refund")
	require.NoError(t, err)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(signed.Payload))
	assert.Equal(t, uint64(21000+6*16), tx.Gas())
	assert.Equal(t, []byte("refund"), tx.Data())
}

func TestSignTransfer_InsufficientFunds(t *testing.T) {
	a := newTestAdapter(t, newMockClient())
	_, secret, err := GenerateKey()
	require.NoError(t, err)
	to := "0x00000000000000000000000000000000000000bb"

	// 21000 gas at 1 gwei costs more than this.
	_, err = a.SignTransfer(context.Background(), secret, to, big.NewInt(1_000), "")
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)

	_, err = a.SignTransfer(context.Background(), secret, to, big.NewInt(0), "")
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)
}

func TestSignTransfer_Errors(t *testing.T) {
	client := newMockClient()
	a := newTestAdapter(t, client)
	_, secret, err := GenerateKey()
	require.NoError(t, err)

	_, err = a.SignTransfer(context.Background(), []byte{1, 2}, "0x00000000000000000000000000000000000000bb", ether, "")
	assert.ErrorIs(t, err, chain.ErrInvalidSecret)

	_, err = a.SignTransfer(context.Background(), secret, "nope", ether, "")
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)

	client.nonceErr = errors.New("503")
	_, err = a.SignTransfer(context.Background(), secret, "0x00000000000000000000000000000000000000bb", ether, "")
	assert.ErrorIs(t, err, chain.ErrUnavailable)
}

func TestBroadcast(t *testing.T) {
	client := newMockClient()
	a := newTestAdapter(t, client)
	_, secret, err := GenerateKey()
	require.NoError(t, err)

	signed, err := a.SignTransfer(context.Background(), secret, "0x00000000000000000000000000000000000000bb", ether, "")
	require.NoError(t, err)

	ref, err := a.Broadcast(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Reference, ref)
	require.Len(t, client.sent, 1)

	client.sendErr = errors.New("already known")
	_, err = a.Broadcast(context.Background(), signed)
	assert.NoError(t, err)

	client.sendErr = errors.New("nonce too low")
	_, err = a.Broadcast(context.Background(), signed)
	assert.ErrorIs(t, err, chain.ErrBroadcastFailed, "no receipt means the nonce went elsewhere")

	client.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	_, err = a.Broadcast(context.Background(), signed)
	assert.NoError(t, err)

	client.sendErr = errors.New("connection refused")
	_, err = a.Broadcast(context.Background(), signed)
	var be *chain.BroadcastError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, signed.Reference, be.Reference)
}

func TestTransfer(t *testing.T) {
	client := newMockClient()
	a := newTestAdapter(t, client)
	_, secret, err := GenerateKey()
	require.NoError(t, err)

	ref, err := a.Transfer(context.Background(), secret, "0x00000000000000000000000000000000000000bb", ether, "")
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, client.sent[0].Hash().Hex(), ref)

	require.NoError(t, a.Close())
	assert.True(t, client.closed)
}

func TestZeroKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	zeroKey(key)
	assert.Equal(t, 0, key.D.Sign())
	zeroKey(nil)
}
