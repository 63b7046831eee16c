// Package evm implements the account escrow strategy for EVM chains using
// native-currency transfers.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/stakehold/internal/amount"
	"github.com/mbd888/stakehold/internal/chain"
)

const (
	// TransferGas is the intrinsic gas of a plain value transfer.
	TransferGas = uint64(21000)

	txDataZeroGas    = 4
	txDataNonZeroGas = 16
)

// Client abstracts the go-ethereum client for testing.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Config for creating an Adapter.
type Config struct {
	Name    string // defaults to "eth"
	RPCURL  string
	ChainID int64
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClient sets a custom client (useful for testing).
func WithClient(client Client) Option {
	return func(a *Adapter) {
		a.client = client
	}
}

// Adapter settles escrows with signed native transfers.
type Adapter struct {
	client  Client
	name    string
	chainID *big.Int
}

var _ chain.AccountAdapter = (*Adapter)(nil)

// New creates an Adapter, dialing cfg.RPCURL unless a client is supplied.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("evm: chain ID required")
	}
	a := &Adapter{name: cfg.Name, chainID: big.NewInt(cfg.ChainID)}
	if a.name == "" {
		a.name = "eth"
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("evm: RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, chain.Unavailable("dial", err)
		}
		a.client = client
	}
	return a, nil
}

func (a *Adapter) Name() string     { return a.name }
func (a *Adapter) Kind() chain.Kind { return chain.KindAccount }
func (a *Adapter) Decimals() int    { return amount.ETHDecimals }

// GenerateKey creates a secp256k1 key and its checksummed address.
func (a *Adapter) GenerateKey() (string, []byte, error) {
	return GenerateKey()
}

// ValidateAddress accepts hex addresses with or without checksum.
func (a *Adapter) ValidateAddress(address string) error {
	return ValidateAddress(address)
}

// GetBalance returns the latest balance of address in wei.
func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	bal, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, chain.Unavailable("balance", err)
	}
	return bal, nil
}

// SignTransfer signs a transfer that spends gross wei from the key's account.
// The gas cost is taken out of gross; the recipient receives the remainder.
func (a *Adapter) SignTransfer(ctx context.Context, secret []byte, to string, gross *big.Int, memo string) (*chain.Signed, error) {
	if err := ValidateAddress(to); err != nil {
		return nil, err
	}
	if gross == nil || gross.Sign() <= 0 {
		return nil, fmt.Errorf("%w: nothing to transfer", chain.ErrInsufficientFunds)
	}

	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, chain.ErrInvalidSecret
	}
	defer zeroKey(key)
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, chain.Unavailable("nonce", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, chain.Unavailable("gas_price", err)
	}

	data := []byte(memo)
	gas := TransferGasFor(data)
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas))
	value := new(big.Int).Sub(gross, fee)
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s wei does not cover gas %s wei", chain.ErrInsufficientFunds, gross, fee)
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTransaction(nonce, toAddr, value, gas, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("evm: sign: %w", err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("evm: encode: %w", err)
	}

	return &chain.Signed{
		Reference: signedTx.Hash().Hex(),
		Payload:   raw,
		Legs:      []chain.Leg{{Recipient: toAddr.Hex(), Amount: value}},
	}, nil
}

// Broadcast submits a signed transaction. A node that already knows the
// transaction, or has already mined it, counts as success.
func (a *Adapter) Broadcast(ctx context.Context, signed *chain.Signed) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Payload); err != nil {
		return "", fmt.Errorf("evm: decode signed tx: %w", err)
	}
	hash := tx.Hash().Hex()

	err := a.client.SendTransaction(ctx, tx)
	if err == nil {
		return hash, nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return hash, nil
	}
	if strings.Contains(msg, "nonce too low") {
		if receipt, rerr := a.client.TransactionReceipt(ctx, tx.Hash()); rerr == nil && receipt != nil {
			return hash, nil
		}
	}
	if errors.Is(err, context.Canceled) {
		return "", err
	}
	return "", &chain.BroadcastError{Chain: a.name, Reference: hash, Err: err}
}

// Transfer signs and submits in one step.
func (a *Adapter) Transfer(ctx context.Context, secret []byte, to string, gross *big.Int, memo string) (string, error) {
	signed, err := a.SignTransfer(ctx, secret, to, gross, memo)
	if err != nil {
		return "", err
	}
	return a.Broadcast(ctx, signed)
}

// Close closes the client connection.
func (a *Adapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

// GenerateKey creates a secp256k1 key and returns its address and raw bytes.
func GenerateKey() (string, []byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", nil, fmt.Errorf("evm: generate key: %w", err)
	}
	defer zeroKey(key)
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), crypto.FromECDSA(key), nil
}

// ValidateAddress checks for a 20-byte hex address.
func ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %s", chain.ErrInvalidAddress, address)
	}
	return nil
}

// TransferGasFor returns the intrinsic gas of a transfer carrying data.
func TransferGasFor(data []byte) uint64 {
	gas := TransferGas
	for _, b := range data {
		if b == 0 {
			gas += txDataZeroGas
		} else {
			gas += txDataNonZeroGas
		}
	}
	return gas
}

// zeroKey clears the private scalar. The big.Int's backing words are
// overwritten in place before the value is reset.
func zeroKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}
