// Package custody manages escrow wallets whose private keys exist in
// plaintext only inside a WithSecret callback.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/stakehold/internal/vault"
)

var (
	ErrDecryptionFailed = vault.ErrDecryptionFailed
	ErrNoSecret         = errors.New("custody: wallet has no sealed secret")
)

// KeyGenerator creates chain keypairs. chain.Adapter satisfies it.
type KeyGenerator interface {
	Name() string
	GenerateKey() (address string, secret []byte, err error)
}

// Wallet is a custodial keypair. The address is derived once at creation and
// never changes; the secret is only ever held sealed.
type Wallet struct {
	Chain   string       `json:"chain"`
	Address string       `json:"address"`
	Secret  vault.Sealed `json:"-"`
}

// afterWipe lets tests observe the secret buffer once it has been cleared.
var afterWipe func(secret []byte)

// Create generates a fresh keypair, seals the secret under key and discards
// the plaintext before returning.
func Create(gen KeyGenerator, key *vault.Key) (Wallet, error) {
	address, secret, err := gen.GenerateKey()
	if err != nil {
		return Wallet{}, fmt.Errorf("custody: generate %s key: %w", gen.Name(), err)
	}
	defer wipe(secret)

	return Import(gen.Name(), address, secret, key)
}

// Import seals an existing secret. The caller still owns secret.
func Import(chainName, address string, secret []byte, key *vault.Key) (Wallet, error) {
	sealed, err := vault.Seal(secret, key)
	if err != nil {
		return Wallet{}, fmt.Errorf("custody: seal: %w", err)
	}
	return Wallet{Chain: chainName, Address: address, Secret: sealed}, nil
}

// WithSecret decrypts w's secret, calls fn exactly once with it and clears
// the plaintext on every exit path, including a panic in fn. fn must not
// retain the slice.
func WithSecret(ctx context.Context, w Wallet, key *vault.Key, fn func(secret []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(w.Secret.Ciphertext) == 0 {
		return ErrNoSecret
	}

	secret, err := vault.Open(w.Secret, key)
	if err != nil {
		return err
	}
	defer wipe(secret)

	return fn(secret)
}

func wipe(secret []byte) {
	vault.Wipe(secret)
	if afterWipe != nil {
		afterWipe(secret)
	}
}
