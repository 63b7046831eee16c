// Package chain defines the capability contract a blockchain must satisfy to
// hold escrow funds.
//
// Three settlement strategies exist and are modeled as distinct interfaces
// rather than one wide interface with unsupported methods:
//
//   - UtxoAdapter: funds are unspent outputs; payouts are assembled by hand.
//   - AccountAdapter: funds are an account balance; payouts are transfers.
//   - AttestationAdapter: funds sit in a claim contract; payouts are signed
//     claims the recipient submits themselves.
//
// Callers dispatch on Kind (or a type switch) to pick the payout shape.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Kind tags which settlement strategy an adapter implements.
type Kind string

const (
	KindUTXO        Kind = "utxo"
	KindAccount     Kind = "account"
	KindAttestation Kind = "attestation"
)

var (
	ErrUnavailable       = errors.New("chain: adapter unavailable")
	ErrBroadcastFailed   = errors.New("chain: broadcast failed")
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidSecret     = errors.New("chain: invalid secret")
	ErrUnknownKind       = errors.New("chain: unknown adapter kind")
)

// BroadcastError reports a failed submission of an already signed payload.
// Resubmitting the same payload is always safe.
type BroadcastError struct {
	Chain     string
	Reference string
	Err       error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("chain: %s broadcast of %s failed: %v", e.Chain, e.Reference, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBroadcastFailed) match.
func (e *BroadcastError) Is(target error) bool { return target == ErrBroadcastFailed }

// Unavailable wraps an RPC failure so errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrBroadcastFailed)
}

// Leg is one payout destination.
type Leg struct {
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount"`
}

// Signed is a payout ready to leave the process. Payload is the exact bytes
// that will be submitted (a raw transaction, or a claim signature), so a
// retry after a crash resubmits the identical payout.
type Signed struct {
	Reference string `json:"reference"`
	Payload   []byte `json:"payload"`
	// Legs holds the amounts actually paid, net of fees.
	Legs []Leg `json:"legs"`
}

// Adapter is the capability every chain exposes.
type Adapter interface {
	// Name identifies the chain instance ("btc", "eth", ...).
	Name() string
	Kind() Kind
	// Decimals is the number of fractional digits in the native unit.
	Decimals() int
	// GenerateKey creates a fresh keypair from a secure random source and
	// returns the derived address and the raw secret. The caller owns and
	// must wipe secret.
	GenerateKey() (address string, secret []byte, err error)
	ValidateAddress(address string) error
}

// AddressWatcher is implemented by adapters whose node must be told about an
// address before it can report funds sent to it.
type AddressWatcher interface {
	WatchAddress(ctx context.Context, address string) error
}

// UTXO is one spendable output held by an escrow address.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Amount *big.Int `json:"amount"`
}

// UtxoAdapter settles by spending unspent outputs.
type UtxoAdapter interface {
	Adapter
	ListUnspent(ctx context.Context, address string) ([]UTXO, error)
	// FeeRate is the configured fee rate in base units per byte.
	FeeRate() int64
	// BuildAndSign spends every utxo into outputs. Output amounts are gross:
	// they must add up to the utxo total, and the estimated fee is deducted
	// from them evenly. Fails with ErrInsufficientFunds if any net output
	// would fall below the dust threshold.
	BuildAndSign(ctx context.Context, secret []byte, utxos []UTXO, outputs []Leg, feeRatePerByte int64) (*Signed, error)
	Broadcast(ctx context.Context, signed *Signed) (string, error)
}

// AccountAdapter settles with balance transfers.
type AccountAdapter interface {
	Adapter
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	// SignTransfer signs a transfer from the account controlled by secret that
	// spends gross in total, network fee included.
	SignTransfer(ctx context.Context, secret []byte, to string, gross *big.Int, memo string) (*Signed, error)
	Broadcast(ctx context.Context, signed *Signed) (string, error)
}

// AttestationAdapter settles by signing claims for a verifying contract. The
// contract is the ledger of record for whether a recipient has claimed.
type AttestationAdapter interface {
	Adapter
	// GetBalance reports deposits the claim contract credits to address.
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	SignClaim(ctx context.Context, recipient string, amount *big.Int) (*Signed, error)
	HasClaimed(ctx context.Context, recipient string) (bool, error)
}

// Balance reads the funds held at address for any adapter kind. UTXO chains
// sum the unspent outputs; account and attestation chains read the balance.
func Balance(ctx context.Context, a Adapter, address string) (*big.Int, error) {
	switch ad := a.(type) {
	case UtxoAdapter:
		utxos, err := ad.ListUnspent(ctx, address)
		if err != nil {
			return nil, err
		}
		return SumUTXOs(utxos), nil
	case AccountAdapter:
		return ad.GetBalance(ctx, address)
	case AttestationAdapter:
		return ad.GetBalance(ctx, address)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, a)
	}
}

// SumUTXOs totals the amounts of utxos.
func SumUTXOs(utxos []UTXO) *big.Int {
	total := new(big.Int)
	for _, u := range utxos {
		if u.Amount != nil {
			total.Add(total, u.Amount)
		}
	}
	return total
}

// Registry holds the configured adapters keyed by name.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	if _, ok := r.adapters[a.Name()]; !ok {
		r.order = append(r.order, a.Name())
	}
	r.adapters[a.Name()] = a
}

// Get returns the adapter named name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists registered chains in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
