// Package btc implements the UTXO escrow strategy for Bitcoin-family chains
// using pay-to-pubkey-hash escrow addresses.
package btc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/mbd888/stakehold/internal/amount"
	"github.com/mbd888/stakehold/internal/chain"
)

// Size estimates for P2PKH transactions with compressed keys.
const (
	txOverheadSize   = 10
	p2pkhInputSize   = 148
	p2pkhOutputSize  = 34
	DefaultDustLimit = 546
	DefaultFeeRate   = 10
	DefaultMinConf   = 1
)

// Node is the subset of a bitcoind/btcd RPC client the adapter needs.
// *rpcclient.Client satisfies it.
type Node interface {
	ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	ImportAddressRescan(address string, account string, rescan bool) error
}

// Config configures an Adapter.
type Config struct {
	Name      string // defaults to "btc"
	Network   string // mainnet, testnet3, regtest, signet
	MinConf   int
	FeeRate   int64 // sat/byte
	DustLimit int64 // sat
}

// RPCConfig describes how to reach the node.
type RPCConfig struct {
	Host string
	User string
	Pass string
	TLS  bool
}

// Dial connects to a node over JSON-RPC in HTTP POST mode.
func Dial(cfg RPCConfig) (*rpcclient.Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   !cfg.TLS,
	}, nil)
	if err != nil {
		return nil, chain.Unavailable("dial", err)
	}
	return client, nil
}

// Adapter settles escrows by spending P2PKH outputs.
type Adapter struct {
	node   Node
	params *chaincfg.Params
	cfg    Config
}

var (
	_ chain.UtxoAdapter    = (*Adapter)(nil)
	_ chain.AddressWatcher = (*Adapter)(nil)
)

// New creates an Adapter backed by node.
func New(node Node, cfg Config) (*Adapter, error) {
	params, err := NetParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "btc"
	}
	if cfg.MinConf <= 0 {
		cfg.MinConf = DefaultMinConf
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = DefaultFeeRate
	}
	if cfg.DustLimit <= 0 {
		cfg.DustLimit = DefaultDustLimit
	}
	return &Adapter{node: node, params: params, cfg: cfg}, nil
}

// NetParams maps a network name to its chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("btc: unknown network %q", network)
	}
}

func (a *Adapter) Name() string     { return a.cfg.Name }
func (a *Adapter) Kind() chain.Kind { return chain.KindUTXO }
func (a *Adapter) Decimals() int    { return amount.BTCDecimals }
func (a *Adapter) FeeRate() int64   { return a.cfg.FeeRate }
func (a *Adapter) DustLimit() int64 { return a.cfg.DustLimit }

// GenerateKey creates a secp256k1 key and its compressed P2PKH address.
func (a *Adapter) GenerateKey() (string, []byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", nil, fmt.Errorf("btc: generate key: %w", err)
	}
	defer priv.Zero()

	addr, err := a.addressFor(priv.PubKey())
	if err != nil {
		return "", nil, err
	}
	return addr.EncodeAddress(), priv.Serialize(), nil
}

// ValidateAddress checks that address decodes for this network.
func (a *Adapter) ValidateAddress(address string) error {
	_, err := a.decode(address)
	return err
}

// WatchAddress imports address into the node wallet so ListUnspent can see it.
func (a *Adapter) WatchAddress(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.node.ImportAddressRescan(address, "", false); err != nil {
		return chain.Unavailable("importaddress", err)
	}
	return nil
}

// ListUnspent returns outputs at address with at least MinConf confirmations.
func (a *Adapter) ListUnspent(ctx context.Context, address string) ([]chain.UTXO, error) {
	addr, err := a.decode(address)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results, err := a.node.ListUnspentMinMaxAddresses(a.cfg.MinConf, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, chain.Unavailable("listunspent", err)
	}

	utxos := make([]chain.UTXO, 0, len(results))
	for _, r := range results {
		sat, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("btc: utxo %s:%d amount: %w", r.TxID, r.Vout, err)
		}
		utxos = append(utxos, chain.UTXO{TxID: r.TxID, Vout: r.Vout, Amount: big.NewInt(int64(sat))})
	}
	return utxos, nil
}

// EstimateFee returns the fee for a P2PKH transaction of the given shape.
func EstimateFee(numInputs, numOutputs int, feeRatePerByte int64) int64 {
	size := int64(txOverheadSize + numInputs*p2pkhInputSize + numOutputs*p2pkhOutputSize)
	return size * feeRatePerByte
}

// BuildAndSign spends every utxo held by the key in secret into outputs,
// deducting the fee evenly from each output. The signed transaction is
// verified against the script engine before it is returned.
func (a *Adapter) BuildAndSign(ctx context.Context, secret []byte, utxos []chain.UTXO, outputs []chain.Leg, feeRatePerByte int64) (*chain.Signed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(utxos) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: nothing to spend", chain.ErrInsufficientFunds)
	}
	if len(secret) != btcec.PrivKeyBytesLen {
		return nil, chain.ErrInvalidSecret
	}
	if feeRatePerByte <= 0 {
		feeRatePerByte = a.cfg.FeeRate
	}

	var inTotal, outTotal int64
	for _, u := range utxos {
		if u.Amount == nil || u.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("btc: utxo %s:%d has no amount", u.TxID, u.Vout)
		}
		inTotal += u.Amount.Int64()
	}
	for _, o := range outputs {
		if o.Amount == nil || o.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: non-positive output to %s", chain.ErrInsufficientFunds, o.Recipient)
		}
		outTotal += o.Amount.Int64()
	}
	if inTotal != outTotal {
		return nil, fmt.Errorf("btc: outputs total %d, inputs total %d", outTotal, inTotal)
	}

	fee := EstimateFee(len(utxos), len(outputs), feeRatePerByte)
	net, err := deductFee(outputs, fee, a.cfg.DustLimit)
	if err != nil {
		return nil, err
	}

	priv, pub := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()

	source, err := a.addressFor(pub)
	if err != nil {
		return nil, err
	}
	sourceScript, err := txscript.PayToAddrScript(source)
	if err != nil {
		return nil, fmt.Errorf("btc: source script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut, len(utxos)))
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("btc: utxo txid %q: %w", u.TxID, err)
		}
		op := wire.NewOutPoint(hash, u.Vout)
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
		fetcher.AddPrevOut(*op, wire.NewTxOut(u.Amount.Int64(), sourceScript))
	}
	for _, o := range net {
		addr, err := a.decode(o.Recipient)
		if err != nil {
			return nil, err
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("btc: output script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(o.Amount.Int64(), pkScript))
	}

	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(tx, i, sourceScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return nil, fmt.Errorf("btc: sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range utxos {
		vm, err := txscript.NewEngine(sourceScript, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, u.Amount.Int64(), fetcher)
		if err != nil {
			return nil, fmt.Errorf("btc: verify input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return nil, fmt.Errorf("btc: verify input %d: %w", i, err)
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("btc: serialize: %w", err)
	}

	return &chain.Signed{
		Reference: tx.TxHash().String(),
		Payload:   buf.Bytes(),
		Legs:      net,
	}, nil
}

// Broadcast submits a signed transaction. A node reporting that it already
// has the transaction counts as success.
func (a *Adapter) Broadcast(ctx context.Context, signed *chain.Signed) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(signed.Payload)); err != nil {
		return "", fmt.Errorf("btc: decode signed tx: %w", err)
	}

	hash, err := a.node.SendRawTransaction(tx, false)
	if err != nil {
		if alreadyKnown(err) {
			return tx.TxHash().String(), nil
		}
		return "", &chain.BroadcastError{Chain: a.cfg.Name, Reference: signed.Reference, Err: err}
	}
	return hash.String(), nil
}

// BuildAndBroadcast signs and submits in one step.
func (a *Adapter) BuildAndBroadcast(ctx context.Context, secret []byte, utxos []chain.UTXO, outputs []chain.Leg, feeRatePerByte int64) (string, error) {
	signed, err := a.BuildAndSign(ctx, secret, utxos, outputs, feeRatePerByte)
	if err != nil {
		return "", err
	}
	return a.Broadcast(ctx, signed)
}

func (a *Adapter) addressFor(pub *btcec.PublicKey) (*btcutil.AddressPubKeyHash, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), a.params)
	if err != nil {
		return nil, fmt.Errorf("btc: derive address: %w", err)
	}
	return addr, nil
}

func (a *Adapter) decode(address string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, address)
	}
	if !addr.IsForNet(a.params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", chain.ErrInvalidAddress, address, a.params.Name)
	}
	return addr, nil
}

// deductFee splits fee evenly across outputs; the first output absorbs the
// remainder. Every net output must stay at or above dustLimit.
func deductFee(outputs []chain.Leg, fee, dustLimit int64) ([]chain.Leg, error) {
	n := int64(len(outputs))
	share, rem := fee/n, fee%n

	net := make([]chain.Leg, len(outputs))
	for i, o := range outputs {
		cut := share
		if i == 0 {
			cut += rem
		}
		v := o.Amount.Int64() - cut
		if v < dustLimit {
			return nil, fmt.Errorf("%w: output to %s would be %d sat after fee %d (dust limit %d)",
				chain.ErrInsufficientFunds, o.Recipient, v, fee, dustLimit)
		}
		net[i] = chain.Leg{Recipient: o.Recipient, Amount: big.NewInt(v)}
	}
	return net, nil
}

func alreadyKnown(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCVerifyAlreadyInChain {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "txn-already-in-mempool") ||
		strings.Contains(msg, "txn-already-known")
}
