package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/events"
	"github.com/mbd888/stakehold/internal/ledger"
	"github.com/mbd888/stakehold/internal/session"
	"github.com/mbd888/stakehold/internal/vault"
)

const (
	alice = "alice-addr"
	bob   = "bob-addr"
)

func validAddress(address string) error {
	if address == "" || strings.ContainsAny(address, " \t") {
		return chain.ErrInvalidAddress
	}
	return nil
}

// fakeUTXO is an in-memory UTXO chain. Every signature costs a flat fee.
type fakeUTXO struct {
	mu         sync.Mutex
	fee        int64
	dust       int64
	utxos      map[string][]chain.UTXO
	signs      int
	secrets    [][]byte
	broadcasts int
	payloads   map[string]bool
	// broadcastErrs are returned, in order, before broadcasts succeed.
	broadcastErrs []error
	listErr       error
	seq           int
}

func newFakeUTXO() *fakeUTXO {
	return &fakeUTXO{fee: 100, dust: 10, utxos: make(map[string][]chain.UTXO), payloads: make(map[string]bool)}
}

func (f *fakeUTXO) Name() string                   { return "btc" }
func (f *fakeUTXO) Kind() chain.Kind               { return chain.KindUTXO }
func (f *fakeUTXO) Decimals() int                  { return 8 }
func (f *fakeUTXO) FeeRate() int64                 { return 1 }
func (f *fakeUTXO) ValidateAddress(a string) error { return validAddress(a) }

func (f *fakeUTXO) GenerateKey() (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("btc-escrow-%d", f.seq), []byte(fmt.Sprintf("btc-secret-%d", f.seq)), nil
}

func (f *fakeUTXO) deposit(address string, sats int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos[address] = append(f.utxos[address], chain.UTXO{
		TxID: fmt.Sprintf("in-%d", len(f.utxos[address])), Amount: big.NewInt(sats),
	})
}

func (f *fakeUTXO) ListUnspent(ctx context.Context, address string) ([]chain.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]chain.UTXO(nil), f.utxos[address]...), nil
}

func (f *fakeUTXO) BuildAndSign(ctx context.Context, secret []byte, utxos []chain.UTXO, outputs []chain.Leg, feeRate int64) (*chain.Signed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	f.secrets = append(f.secrets, append([]byte(nil), secret...))

	total := new(big.Int)
	for _, o := range outputs {
		total.Add(total, o.Amount)
	}
	if total.Cmp(chain.SumUTXOs(utxos)) != 0 {
		return nil, errors.New("outputs do not spend the inputs")
	}
	share := f.fee / int64(len(outputs))
	net := make([]chain.Leg, len(outputs))
	for i, o := range outputs {
		v := o.Amount.Int64() - share
		if v < f.dust {
			return nil, fmt.Errorf("%w: dust output", chain.ErrInsufficientFunds)
		}
		net[i] = chain.Leg{Recipient: o.Recipient, Amount: big.NewInt(v)}
	}
	ref := fmt.Sprintf("btctx-%d", f.signs)
	return &chain.Signed{Reference: ref, Payload: []byte("raw:" + ref), Legs: net}, nil
}

func (f *fakeUTXO) Broadcast(ctx context.Context, signed *chain.Signed) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcastErrs) > 0 {
		err := f.broadcastErrs[0]
		f.broadcastErrs = f.broadcastErrs[1:]
		return "", err
	}
	f.broadcasts++
	f.payloads[string(signed.Payload)] = true
	return strings.TrimPrefix(string(signed.Payload), "raw:"), nil
}

func (f *fakeUTXO) failBroadcasts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.broadcastErrs = append(f.broadcastErrs, &chain.BroadcastError{Chain: "btc", Err: errors.New("connection reset")})
	}
}

func (f *fakeUTXO) stats() (signs, broadcasts, payloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signs, f.broadcasts, len(f.payloads)
}

// fakeAccount is an in-memory account chain with a flat gas cost.
type fakeAccount struct {
	mu         sync.Mutex
	gas        int64
	balances   map[string]*big.Int
	pending    map[string]*big.Int // ref -> gross
	signs      int
	broadcasts int
	seq        int
}

func newFakeAccount() *fakeAccount {
	return &fakeAccount{gas: 21, balances: make(map[string]*big.Int), pending: make(map[string]*big.Int)}
}

func (f *fakeAccount) Name() string                   { return "eth" }
func (f *fakeAccount) Kind() chain.Kind               { return chain.KindAccount }
func (f *fakeAccount) Decimals() int                  { return 18 }
func (f *fakeAccount) ValidateAddress(a string) error { return validAddress(a) }

func (f *fakeAccount) GenerateKey() (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("eth-escrow-%d", f.seq), []byte(fmt.Sprintf("eth-secret-%d", f.seq)), nil
}

func (f *fakeAccount) credit(address string, wei int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[address]
	if !ok {
		b = new(big.Int)
		f.balances[address] = b
	}
	b.Add(b, big.NewInt(wei))
}

func (f *fakeAccount) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeAccount) SignTransfer(ctx context.Context, secret []byte, to string, gross *big.Int, memo string) (*chain.Signed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	value := new(big.Int).Sub(gross, big.NewInt(f.gas))
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: balance does not cover gas", chain.ErrInsufficientFunds)
	}
	ref := fmt.Sprintf("0xtx%d", f.signs)
	f.pending[ref] = new(big.Int).Set(gross)
	return &chain.Signed{Reference: ref, Payload: []byte(ref), Legs: []chain.Leg{{Recipient: to, Amount: value}}}, nil
}

// Broadcast debits the escrow that signed the transfer. The fake tracks a
// single escrow per test.
func (f *fakeAccount) Broadcast(ctx context.Context, signed *chain.Signed) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	if gross, ok := f.pending[signed.Reference]; ok {
		for _, b := range f.balances {
			b.Sub(b, gross)
		}
		delete(f.pending, signed.Reference)
	}
	return signed.Reference, nil
}

// fakeAttest is an in-memory claim contract.
type fakeAttest struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	claimed  map[string]bool
	signs    int
	seq      int
}

func newFakeAttest() *fakeAttest {
	return &fakeAttest{balances: make(map[string]*big.Int), claimed: make(map[string]bool)}
}

func (f *fakeAttest) Name() string                   { return "attest" }
func (f *fakeAttest) Kind() chain.Kind               { return chain.KindAttestation }
func (f *fakeAttest) Decimals() int                  { return 18 }
func (f *fakeAttest) ValidateAddress(a string) error { return validAddress(a) }

func (f *fakeAttest) GenerateKey() (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("attest-escrow-%d", f.seq), []byte("attest-secret"), nil
}

func (f *fakeAttest) credit(address string, wei int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = big.NewInt(wei)
}

func (f *fakeAttest) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeAttest) HasClaimed(ctx context.Context, recipient string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed[strings.ToLower(recipient)], nil
}

func (f *fakeAttest) SignClaim(ctx context.Context, recipient string, amt *big.Int) (*chain.Signed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	return &chain.Signed{
		Reference: "0xdigest-" + recipient,
		Payload:   []byte{0xde, 0xad, byte(f.signs)},
		Legs:      []chain.Leg{{Recipient: recipient, Amount: new(big.Int).Set(amt)}},
	}, nil
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []events.SessionEvent
}

func (r *recorder) Publish(ctx context.Context, ev events.SessionEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	engine   *Engine
	sessions *session.MemoryStore
	ledger   *ledger.Ledger
	chains   *chain.Registry
	key      *vault.Key
	utxo     *fakeUTXO
	account  *fakeAccount
	attest   *fakeAttest
	events   *recorder
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		sessions: session.NewMemoryStore(),
		ledger:   ledger.New(ledger.NewMemoryStore()),
		key:      key,
		utxo:     newFakeUTXO(),
		account:  newFakeAccount(),
		attest:   newFakeAttest(),
		events:   &recorder{},
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.chains = chain.NewRegistry(h.utxo, h.account, h.attest)
	h.engine = h.newEngine(key)
	return h
}

// newEngine builds another engine over the same stores and chains, as a
// second process would.
func (h *harness) newEngine(key *vault.Key) *Engine {
	cfg := Config{SessionTimeout: time.Hour, MaxAttempts: 3, RetryBase: time.Millisecond}
	e := NewEngine(h.sessions, h.ledger, h.chains, key, cfg, discardLogger()).
		WithEvents(events.NewBus(discardLogger(), h.events))
	e.now = h.clock.Now
	return e
}

func (h *harness) create(t *testing.T, chainName, stake string) *session.Session {
	t.Helper()
	s, err := h.engine.Create(context.Background(), CreateRequest{
		Chain: chainName, Stake: stake, ParticipantA: alice, ParticipantB: bob,
	})
	require.NoError(t, err)
	return s
}

// fundUTXO deposits both stakes on the UTXO chain and polls the session to
// Active.
func (h *harness) fundUTXO(t *testing.T, s *session.Session, sats int64) {
	t.Helper()
	h.utxo.deposit(s.Wallet.Address, sats)
	h.utxo.deposit(s.Wallet.Address, sats)
	got, err := h.engine.PollDeposits(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, session.StateActive, got.State)
}

func (h *harness) session(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}
