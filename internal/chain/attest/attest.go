// Package attest implements the attestation escrow strategy: stakes are held
// by a claim contract, and the server pays out by signing a claim the
// recipient submits on-chain. The contract enforces one claim per recipient.
//
// A claim signature covers
//
//	keccak256(contract ‖ uint256 chainId ‖ recipient ‖ uint256 amount)
//
// wrapped in the EIP-191 personal-message prefix, matching
// abi.encodePacked(address(this), block.chainid, recipient, amount) with
// ECDSA.toEthSignedMessageHash on the contract side.
package attest

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/stakehold/internal/amount"
	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/chain/evm"
	"github.com/mbd888/stakehold/internal/custody"
	"github.com/mbd888/stakehold/internal/vault"
)

const claimABI = `[
	{"constant":true,"inputs":[{"name":"recipient","type":"address"}],"name":"hasClaimed","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"escrow","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"amount","type":"uint256"},{"name":"signature","type":"bytes"}],"name":"claim","outputs":[],"type":"function"}
]`

// Client abstracts the go-ethereum client for testing.
type Client interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config for creating an Adapter.
type Config struct {
	Name     string // defaults to "attest"
	RPCURL   string
	ChainID  int64
	Contract string
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClient sets a custom client (useful for testing).
func WithClient(client Client) Option {
	return func(a *Adapter) {
		a.client = client
	}
}

// Adapter signs claims with a sealed attester key.
type Adapter struct {
	client   Client
	name     string
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
	signer   custody.Wallet
	vaultKey *vault.Key
}

var _ chain.AttestationAdapter = (*Adapter)(nil)

// New creates an Adapter. signer holds the attester key sealed under
// vaultKey; its address must be the signer the claim contract trusts.
func New(cfg Config, signer custody.Wallet, vaultKey *vault.Key, opts ...Option) (*Adapter, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("attest: chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("attest: invalid claim contract %q", cfg.Contract)
	}
	if !common.IsHexAddress(signer.Address) {
		return nil, fmt.Errorf("attest: invalid signer address %q", signer.Address)
	}

	parsed, err := abi.JSON(strings.NewReader(claimABI))
	if err != nil {
		return nil, fmt.Errorf("attest: parse ABI: %w", err)
	}

	a := &Adapter{
		name:     cfg.Name,
		chainID:  big.NewInt(cfg.ChainID),
		contract: common.HexToAddress(cfg.Contract),
		abi:      parsed,
		signer:   signer,
		vaultKey: vaultKey,
	}
	if a.name == "" {
		a.name = "attest"
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("attest: RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, chain.Unavailable("dial", err)
		}
		a.client = client
	}
	return a, nil
}

// ImportSigner seals a hex-encoded attester private key.
func ImportSigner(hexKey string, vaultKey *vault.Key) (custody.Wallet, error) {
	raw, err := hexutil.Decode("0x" + strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return custody.Wallet{}, fmt.Errorf("attest: signer key: %w", chain.ErrInvalidSecret)
	}
	defer vault.Wipe(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return custody.Wallet{}, fmt.Errorf("attest: signer key: %w", chain.ErrInvalidSecret)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	key.D.SetInt64(0)

	return custody.Import("attest", addr, raw, vaultKey)
}

func (a *Adapter) Name() string     { return a.name }
func (a *Adapter) Kind() chain.Kind { return chain.KindAttestation }
func (a *Adapter) Decimals() int    { return amount.ETHDecimals }

// SignerAddress is the attester address the contract must trust.
func (a *Adapter) SignerAddress() string { return a.signer.Address }

// GenerateKey creates the escrow identity the contract credits deposits to.
func (a *Adapter) GenerateKey() (string, []byte, error) {
	return evm.GenerateKey()
}

func (a *Adapter) ValidateAddress(address string) error {
	return evm.ValidateAddress(address)
}

// GetBalance returns the deposits the contract credits to address.
func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if err := evm.ValidateAddress(address); err != nil {
		return nil, err
	}
	out, err := a.call(ctx, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("attest: balanceOf returned %T", out[0])
	}
	return bal, nil
}

// HasClaimed asks the contract whether recipient already claimed.
func (a *Adapter) HasClaimed(ctx context.Context, recipient string) (bool, error) {
	if err := evm.ValidateAddress(recipient); err != nil {
		return false, err
	}
	out, err := a.call(ctx, "hasClaimed", common.HexToAddress(recipient))
	if err != nil {
		return false, err
	}
	claimed, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("attest: hasClaimed returned %T", out[0])
	}
	return claimed, nil
}

// SignClaim signs (recipient, amount) with the attester key. Nothing is
// broadcast; the recipient submits the signature to the contract.
func (a *Adapter) SignClaim(ctx context.Context, recipient string, amt *big.Int) (*chain.Signed, error) {
	if err := evm.ValidateAddress(recipient); err != nil {
		return nil, err
	}
	if amt == nil || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: claim amount must be positive", chain.ErrInsufficientFunds)
	}

	to := common.HexToAddress(recipient)
	digest := ClaimDigest(a.contract, a.chainID, to, amt)

	var sig []byte
	err := custody.WithSecret(ctx, a.signer, a.vaultKey, func(secret []byte) error {
		key, err := crypto.ToECDSA(secret)
		if err != nil {
			return chain.ErrInvalidSecret
		}
		defer key.D.SetInt64(0)

		sig, err = crypto.Sign(ethSignedHash(digest), key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("attest: sign claim: %w", err)
	}
	sig[64] += 27

	return &chain.Signed{
		Reference: hexutil.Encode(digest),
		Payload:   sig,
		Legs:      []chain.Leg{{Recipient: to.Hex(), Amount: new(big.Int).Set(amt)}},
	}, nil
}

// VerifyClaim checks that sig is the attester's signature over
// (recipient, amount).
func (a *Adapter) VerifyClaim(recipient string, amt *big.Int, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("attest: signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := append([]byte(nil), sig...)
	if s[64] >= 27 {
		s[64] -= 27
	}

	digest := ClaimDigest(a.contract, a.chainID, common.HexToAddress(recipient), amt)
	pub, err := crypto.SigToPub(ethSignedHash(digest), s)
	if err != nil {
		return fmt.Errorf("attest: recover signer: %w", err)
	}
	if got := crypto.PubkeyToAddress(*pub); !strings.EqualFold(got.Hex(), a.signer.Address) {
		return fmt.Errorf("attest: claim signed by %s, want %s", got.Hex(), a.signer.Address)
	}
	return nil
}

// Close closes the client connection.
func (a *Adapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

// ClaimDigest is the packed claim hash the contract recomputes.
func ClaimDigest(contract common.Address, chainID *big.Int, recipient common.Address, amt *big.Int) []byte {
	return crypto.Keccak256(
		contract.Bytes(),
		common.LeftPadBytes(chainID.Bytes(), 32),
		recipient.Bytes(),
		common.LeftPadBytes(amt.Bytes(), 32),
	)
}

// ethSignedHash applies the EIP-191 prefix for a 32-byte message.
func ethSignedHash(digest []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(digest))
	return crypto.Keccak256([]byte(prefix), digest)
}

func (a *Adapter) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("attest: pack %s: %w", method, err)
	}
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.contract, Data: data}, nil)
	if err != nil {
		return nil, chain.Unavailable(method, err)
	}
	out, err := a.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("attest: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("attest: %s returned nothing", method)
	}
	return out, nil
}
