// Package utxo implements the HTLC adapter for Bitcoin-family chains using
// P2WSH scripts with an absolute CHECKLOCKTIMEVERIFY refund branch.
//
// Bitcoin scripts cannot be looked up by swap id, so the adapter keeps a
// script index fed by Initiate and by an optional Lookup that rebuilds the
// lock parameters from the ledger after a restart.
package utxo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/backend"
	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/pkg/helpers"
	"github.com/Klingon-tech/swapengine/pkg/logging"
)

// LookupFunc returns the lock parameters of a swap the adapter has not seen.
type LookupFunc func(ctx context.Context, swapID string) (*adapter.LockRequest, bool, error)

// Config configures a UTXO adapter.
type Config struct {
	Symbol  string
	Network chain.Network
	Backend backend.Backend
	Signer  Signer

	// FeeRate in sat/vB is used when the backend has no estimate.
	FeeRate uint64

	Lookup       LookupFunc
	PollInterval time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type watched struct {
	script *Script
	amount decimal.Decimal
	last   *adapter.RemoteHTLC

	// funding output, set once seen on chain
	fundTx    string
	fundVout  uint32
	fundValue uint64
}

// Adapter drives P2WSH HTLCs through an Esplora backend.
type Adapter struct {
	symbol   string
	decimals uint8
	net      *chaincfg.Params
	backend  backend.Backend
	signer   Signer
	feeRate  uint64
	lookup   LookupFunc
	poll     time.Duration
	now      func() time.Time
	log      *logging.Logger

	mu    sync.Mutex
	swaps map[string]*watched
}

// New creates a UTXO adapter.
func New(cfg Config) (*Adapter, error) {
	params, ok := chain.Get(cfg.Symbol, cfg.Network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownChain, cfg.Symbol)
	}
	if params.Family() != chain.FamilyUTXO {
		return nil, fmt.Errorf("%s is not a UTXO chain", cfg.Symbol)
	}
	if cfg.Backend == nil || cfg.Signer == nil {
		return nil, errors.New("utxo adapter needs a backend and a signer")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.FeeRate == 0 {
		cfg.FeeRate = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Adapter{
		symbol:   cfg.Symbol,
		decimals: params.Decimals,
		net:      chain.BitcoinParams(cfg.Network),
		backend:  cfg.Backend,
		signer:   cfg.Signer,
		feeRate:  cfg.FeeRate,
		lookup:   cfg.Lookup,
		poll:     cfg.PollInterval,
		now:      cfg.Clock,
		log:      logging.GetDefault().Component("utxo").With("chain", cfg.Symbol),
		swaps:    make(map[string]*watched),
	}, nil
}

func (a *Adapter) Chain() string              { return a.symbol }
func (a *Adapter) Family() chain.Family       { return chain.FamilyUTXO }
func (a *Adapter) SupportsPartialFills() bool { return false }

// Address returns the signer's P2WPKH address.
func (a *Adapter) Address() (*btcutil.AddressWitnessPubKeyHash, error) {
	pkh := btcutil.Hash160(a.signer.PublicKey().SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(pkh, a.net)
}

func (a *Adapter) scriptFor(req *adapter.LockRequest) (*Script, error) {
	alg := req.HashAlgorithm
	if alg != "" && alg != "sha256" {
		return nil, adapter.Rejected("bitcoin scripts only support sha256 hashlocks")
	}
	resolver, err := PubKeyHash(req.Resolver, a.net)
	if err != nil {
		return nil, adapter.Rejected("%v", err)
	}
	initiator, err := PubKeyHash(req.Initiator, a.net)
	if err != nil {
		return nil, adapter.Rejected("%v", err)
	}
	s, err := BuildScript(req.SecretHash, resolver, initiator, uint32(req.Timelock.Unix()))
	if err != nil {
		return nil, adapter.Rejected("%v", err)
	}
	return s, nil
}

// watch returns the indexed script for a swap, consulting Lookup if needed.
func (a *Adapter) watch(ctx context.Context, swapID string) (*watched, error) {
	a.mu.Lock()
	w, ok := a.swaps[swapID]
	a.mu.Unlock()
	if ok {
		return w, nil
	}
	if a.lookup == nil {
		return nil, nil
	}
	req, found, err := a.lookup(ctx, swapID)
	if err != nil || !found {
		return nil, err
	}
	s, err := a.scriptFor(req)
	if err != nil {
		return nil, err
	}
	return a.index(swapID, s, req.Amount), nil
}

func (a *Adapter) index(swapID string, s *Script, amount decimal.Decimal) *watched {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.swaps[swapID]; ok {
		return w
	}
	w := &watched{script: s, amount: amount}
	a.swaps[swapID] = w
	return w
}

func (a *Adapter) currentFeeRate(ctx context.Context) uint64 {
	est, err := a.backend.GetFeeEstimates(ctx)
	if err != nil || est.HalfHourFee == 0 {
		return a.feeRate
	}
	return est.HalfHourFee
}

func (a *Adapter) Initiate(ctx context.Context, req adapter.LockRequest) (adapter.TxRef, error) {
	if req.PartialFills {
		return "", adapter.ErrPartialFillsUnsupported
	}
	s, err := a.scriptFor(&req)
	if err != nil {
		return "", err
	}

	own, err := a.Address()
	if err != nil {
		return "", err
	}
	if !bytes.Equal(own.WitnessProgram(), s.InitiatorPKH) {
		return "", adapter.Rejected("signer does not control initiator address %s", req.Initiator)
	}

	a.index(req.SwapID, s, req.Amount)
	if state, err := a.FetchHTLCState(ctx, req.SwapID); err == nil && state.Exists {
		return state.LockTx, nil
	}

	sats, err := helpers.ToBaseUnits(req.Amount, a.decimals)
	if err != nil {
		return "", adapter.Rejected("%v", err)
	}
	if !sats.IsUint64() || sats.Uint64() <= dustThreshold {
		return "", adapter.Rejected("amount %s is below dust", req.Amount)
	}

	utxos, err := a.backend.GetAddressUTXOs(ctx, own.EncodeAddress())
	if err != nil {
		return "", a.classify(err)
	}
	coins, total, fee, err := selectCoins(utxos, sats.Uint64(), a.currentFeeRate(ctx))
	if err != nil {
		return "", err
	}

	tx, err := buildFundingTx(coins, total, sats.Uint64(), fee, s, own)
	if err != nil {
		return "", err
	}
	pkScript, err := txscript.PayToAddrScript(own)
	if err != nil {
		return "", err
	}
	if err := signP2WPKHInputs(ctx, tx, coins, pkScript, a.signer); err != nil {
		return "", err
	}
	ref, err := a.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	a.log.Info("HTLC funded", "swap_id", req.SwapID, "tx", ref, "sats", sats, "fee", fee)
	return ref, nil
}

func (a *Adapter) Fill(ctx context.Context, order adapter.FillOrder) (adapter.TxRef, error) {
	return "", adapter.ErrPartialFillsUnsupported
}

func (a *Adapter) Redeem(ctx context.Context, swapID string, preimage []byte) (adapter.TxRef, error) {
	w, state, err := a.spendable(ctx, swapID)
	if err != nil {
		return "", err
	}
	if h := sha256.Sum256(preimage); !helpers.ConstantTimeCompare(h[:], w.script.SecretHash) {
		return "", adapter.Rejected("invalid preimage")
	}
	if !a.now().Before(state.Timelock) {
		return "", adapter.Rejected("timelock expired")
	}

	own, err := a.Address()
	if err != nil {
		return "", err
	}
	if !bytes.Equal(own.WitnessProgram(), w.script.ResolverPKH) {
		return "", adapter.Rejected("signer is not the resolver")
	}

	a.mu.Lock()
	outpoint, value, err := w.outpoint()
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	fee := uint64(txOverheadVSize+htlcClaimVSize+p2wpkhOutVSize) * a.currentFeeRate(ctx)
	tx, err := buildHTLCSpend(outpoint, value, own, fee, 0)
	if err != nil {
		return "", err
	}
	sig, err := signHTLCInput(ctx, tx, w.script, value, a.signer)
	if err != nil {
		return "", err
	}
	tx.TxIn[0].Witness = w.script.ClaimWitness(sig, a.signer.PublicKey().SerializeCompressed(), preimage)
	return a.broadcast(ctx, tx)
}

func (a *Adapter) Refund(ctx context.Context, swapID string) (adapter.TxRef, error) {
	w, _, err := a.spendable(ctx, swapID)
	if err != nil {
		return "", err
	}

	// CLTV is checked against the median time past of the tip.
	tip, err := a.backend.GetTipTime(ctx)
	if err != nil {
		return "", a.classify(err)
	}
	if tip < int64(w.script.Locktime) {
		return "", adapter.Rejected("timelock not reached: median time %d < %d", tip, w.script.Locktime)
	}

	own, err := a.Address()
	if err != nil {
		return "", err
	}
	if !bytes.Equal(own.WitnessProgram(), w.script.InitiatorPKH) {
		return "", adapter.Rejected("signer is not the initiator")
	}

	a.mu.Lock()
	outpoint, value, err := w.outpoint()
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	fee := uint64(txOverheadVSize+htlcRefundVSize+p2wpkhOutVSize) * a.currentFeeRate(ctx)
	tx, err := buildHTLCSpend(outpoint, value, own, fee, w.script.Locktime)
	if err != nil {
		return "", err
	}
	sig, err := signHTLCInput(ctx, tx, w.script, value, a.signer)
	if err != nil {
		return "", err
	}
	tx.TxIn[0].Witness = w.script.RefundWitness(sig, a.signer.PublicKey().SerializeCompressed())
	return a.broadcast(ctx, tx)
}

// spendable returns the script and state of a funded, unspent HTLC.
func (a *Adapter) spendable(ctx context.Context, swapID string) (*watched, *adapter.RemoteHTLC, error) {
	w, err := a.watch(ctx, swapID)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		return nil, nil, adapter.ErrHTLCNotFound
	}
	state, err := a.FetchHTLCState(ctx, swapID)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case !state.Exists:
		return nil, nil, adapter.ErrHTLCNotFound
	case state.Executed:
		return nil, nil, adapter.Rejected("already redeemed")
	case state.Refunded:
		return nil, nil, adapter.Rejected("already refunded")
	}
	return w, state, nil
}

// FetchHTLCState reads the funding output of the swap's P2WSH address and
// how it was spent. A spend through the claim branch yields the preimage.
func (a *Adapter) FetchHTLCState(ctx context.Context, swapID string) (*adapter.RemoteHTLC, error) {
	w, err := a.watch(ctx, swapID)
	if err != nil {
		return nil, err
	}
	out := &adapter.RemoteHTLC{SwapID: swapID}
	if w == nil {
		return out, nil
	}

	addr, err := w.script.Address(a.net)
	if err != nil {
		return nil, err
	}
	txs, err := a.backend.GetAddressTxs(ctx, addr.EncodeAddress())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return out, nil
		}
		return nil, a.classify(err)
	}

	pkScript := w.script.PkScript()
	fundTx, vout, value, found := findFunding(txs, pkScript)
	if !found {
		return out, nil
	}

	a.mu.Lock()
	w.fundTx, w.fundVout, w.fundValue = fundTx, vout, value
	a.mu.Unlock()

	out.Exists = true
	out.SecretHash = append([]byte(nil), w.script.SecretHash...)
	out.Timelock = time.Unix(int64(w.script.Locktime), 0)
	out.Amount = helpers.FromBaseUnits(new(big.Int).SetUint64(value), a.decimals)
	out.Filled = decimal.Zero
	out.LockTx = adapter.TxRef(fundTx)

	spend, err := a.backend.GetOutspend(ctx, fundTx, vout)
	if err != nil {
		return nil, a.classify(err)
	}
	if !spend.Spent {
		return out, nil
	}

	spendTx, err := a.backend.GetTransaction(ctx, spend.TxID)
	if err != nil {
		return nil, a.classify(err)
	}
	if int(spend.Vin) >= len(spendTx.Inputs) {
		return nil, fmt.Errorf("%w: spend input %d out of range", adapter.ErrUnknownChainState, spend.Vin)
	}
	witness, err := decodeWitness(spendTx.Inputs[spend.Vin].Witness)
	if err != nil {
		return nil, fmt.Errorf("%w: bad witness: %v", adapter.ErrUnknownChainState, err)
	}
	if preimage, ok := ExtractPreimage(witness, w.script.WitnessScript); ok {
		out.Executed = true
		out.Preimage = preimage
		out.Filled = out.Amount
		out.FillCount = 1
		out.RedeemTx = adapter.TxRef(spend.TxID)
	} else {
		out.Refunded = true
		out.RefundTx = adapter.TxRef(spend.TxID)
	}
	return out, nil
}

// Subscribe polls indexed swaps and emits an event per observed change.
func (a *Adapter) Subscribe(ctx context.Context) (<-chan adapter.Event, error) {
	ch := make(chan adapter.Event, 64)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(a.poll)
		defer ticker.Stop()
		for {
			a.pollOnce(ctx, ch)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

func (a *Adapter) pollOnce(ctx context.Context, ch chan<- adapter.Event) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.swaps))
	for id, w := range a.swaps {
		if w.last == nil || (!w.last.Executed && !w.last.Refunded) {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	for _, id := range ids {
		state, err := a.FetchHTLCState(ctx, id)
		if err != nil {
			a.log.Debug("Poll failed", "swap_id", id, "error", err)
			continue
		}
		a.mu.Lock()
		w := a.swaps[id]
		prev := w.last
		w.last = state
		a.mu.Unlock()

		for _, ev := range diffState(a.symbol, prev, state, a.now()) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// diffState turns a state change into lifecycle events.
func diffState(symbol string, prev, cur *adapter.RemoteHTLC, now time.Time) []adapter.Event {
	if cur == nil || !cur.Exists {
		return nil
	}
	var out []adapter.Event
	if prev == nil || !prev.Exists {
		out = append(out, adapter.Event{
			Chain: symbol, Type: adapter.EventInitiated, SwapID: cur.SwapID, TxRef: cur.LockTx,
			Amount: cur.Amount, Remaining: cur.Amount, At: now,
		})
	}
	wasSpent := prev != nil && (prev.Executed || prev.Refunded)
	switch {
	case cur.Executed && !wasSpent:
		out = append(out, adapter.Event{
			Chain: symbol, Type: adapter.EventRedeemed, SwapID: cur.SwapID, TxRef: cur.RedeemTx,
			Amount: cur.Amount, Remaining: decimal.Zero, Preimage: cur.Preimage, At: now,
		})
	case cur.Refunded && !wasSpent:
		out = append(out, adapter.Event{
			Chain: symbol, Type: adapter.EventRefunded, SwapID: cur.SwapID, TxRef: cur.RefundTx,
			Amount: cur.Amount, Remaining: decimal.Zero, At: now,
		})
	}
	return out
}

func findFunding(txs []backend.Transaction, pkScript []byte) (txid string, vout uint32, value uint64, ok bool) {
	want := fmt.Sprintf("%x", pkScript)
	// oldest first so a later top-up does not shadow the original lock
	for i := len(txs) - 1; i >= 0; i-- {
		for j, o := range txs[i].Outputs {
			if o.ScriptPubKey == want {
				return txs[i].TxID, uint32(j), o.Value, true
			}
		}
	}
	return "", 0, 0, false
}

func (w *watched) outpoint() (wire.OutPoint, int64, error) {
	hash, err := chainhash.NewHashFromStr(w.fundTx)
	if err != nil {
		return wire.OutPoint{}, 0, fmt.Errorf("invalid lock tx %s: %w", w.fundTx, err)
	}
	return *wire.NewOutPoint(hash, w.fundVout), int64(w.fundValue), nil
}

func (a *Adapter) broadcast(ctx context.Context, tx *wire.MsgTx) (adapter.TxRef, error) {
	raw, err := serializeTx(tx)
	if err != nil {
		return "", err
	}
	txid, err := a.backend.BroadcastTransaction(ctx, raw)
	if err != nil {
		err = a.classify(err)
		if adapter.IsFatal(err) {
			return "", err
		}
		// the backend may have relayed it before failing
		return "", fmt.Errorf("%w: broadcast: %v", adapter.ErrUnknownChainState, err)
	}
	return adapter.TxRef(txid), nil
}

// classify maps backend errors onto the adapter error taxonomy.
func (a *Adapter) classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, backend.ErrBroadcastFailed):
		return adapter.Rejected("%v", err)
	case errors.Is(err, backend.ErrTxNotFound):
		return fmt.Errorf("%w: %v", adapter.ErrUnknownChainState, err)
	default:
		return adapter.Unavailable(err)
	}
}

var _ adapter.Adapter = (*Adapter)(nil)
