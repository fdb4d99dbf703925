// Package evm implements the HTLC adapter for EVM chains against a
// partial-fill HTLC contract.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/pkg/helpers"
	"github.com/Klingon-tech/swapengine/pkg/logging"
)

// Client is the node capability the adapter needs. *ethclient.Client
// satisfies it.
type Client interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Signer signs transactions for a single account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Config configures an EVM adapter.
type Config struct {
	Symbol   string
	Network  chain.Network
	Client   Client
	Signer   Signer
	Contract common.Address

	// ChainID overrides the registry chain id, for local dev chains.
	ChainID *big.Int

	// GasLimit fixes the gas of every call. Zero estimates.
	GasLimit uint64

	// StartBlock bounds log scans.
	StartBlock   uint64
	PollInterval time.Duration

	Clock func() time.Time
}

type tracked struct {
	swapID   string
	decimals uint8
	resolved bool
}

// Adapter drives HTLCs on one EVM chain.
type Adapter struct {
	symbol   string
	decimals uint8
	chainID  *big.Int
	client   Client
	signer   Signer
	contract common.Address
	htlc     *bind.BoundContract
	gasLimit uint64
	start    uint64
	poll     time.Duration
	now      func() time.Time
	log      *logging.Logger

	mu    sync.Mutex
	locks map[common.Hash]*tracked
}

// New creates an EVM adapter.
func New(cfg Config) (*Adapter, error) {
	params, ok := chain.Get(cfg.Symbol, cfg.Network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownChain, cfg.Symbol)
	}
	if params.Kind != chain.KindEVM {
		return nil, fmt.Errorf("%s is not an EVM chain", cfg.Symbol)
	}
	if cfg.Client == nil || cfg.Signer == nil {
		return nil, errors.New("evm adapter needs a client and a signer")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("evm adapter needs an htlc contract address")
	}
	chainID := cfg.ChainID
	if chainID == nil {
		chainID = new(big.Int).SetUint64(params.ChainID)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Adapter{
		symbol:   cfg.Symbol,
		decimals: params.Decimals,
		chainID:  chainID,
		client:   cfg.Client,
		signer:   cfg.Signer,
		contract: cfg.Contract,
		htlc:     bind.NewBoundContract(cfg.Contract, htlcContractABI, cfg.Client, cfg.Client, cfg.Client),
		gasLimit: cfg.GasLimit,
		start:    cfg.StartBlock,
		poll:     cfg.PollInterval,
		now:      cfg.Clock,
		log:      logging.GetDefault().Component("evm").With("chain", cfg.Symbol),
		locks:    make(map[common.Hash]*tracked),
	}, nil
}

func (a *Adapter) Chain() string              { return a.symbol }
func (a *Adapter) Family() chain.Family       { return chain.FamilyAccount }
func (a *Adapter) SupportsPartialFills() bool { return true }

// Address returns the signer's account.
func (a *Adapter) Address() common.Address {
	return a.signer.Address()
}

// track registers the swap id so its contract events can be mapped back.
func (a *Adapter) track(swapID string) common.Hash {
	id := LockID(swapID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.locks[id]; !ok {
		a.locks[id] = &tracked{swapID: swapID, decimals: a.decimals}
	}
	return id
}

func (a *Adapter) setDecimals(id common.Hash, decimals uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.locks[id]; ok {
		t.decimals = decimals
		t.resolved = true
	}
}

// decimalsFor returns the decimals of the token locked under id, resolving
// them from the token registry the first time.
func (a *Adapter) decimalsFor(id common.Hash, token common.Address) uint8 {
	a.mu.Lock()
	t, ok := a.locks[id]
	if ok && t.resolved {
		d := t.decimals
		a.mu.Unlock()
		return d
	}
	a.mu.Unlock()

	d := a.tokenDecimals(token)
	a.setDecimals(id, d)
	return d
}

// lookup resolves a contract lock id to the swap id and token decimals.
func (a *Adapter) lookup(id common.Hash) (string, uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.locks[id]; ok {
		return t.swapID, t.decimals
	}
	return id.Hex(), a.decimals
}

func (a *Adapter) tokenDecimals(token common.Address) uint8 {
	if token == (common.Address{}) {
		return a.decimals
	}
	for _, t := range chain.ListTokens() {
		if t.Chain == a.symbol && strings.EqualFold(t.Contract, token.Hex()) {
			return t.Decimals
		}
	}
	a.log.Warn("Unregistered token in lock, assuming native decimals", "token", token.Hex())
	return a.decimals
}

func (a *Adapter) transactOpts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:     a.signer.Address(),
		Context:  ctx,
		Value:    value,
		GasLimit: a.gasLimit,
		Signer: func(_ common.Address, tx *types.Transaction) (*types.Transaction, error) {
			return a.signer.SignTx(ctx, tx, a.chainID)
		},
	}
}

// send submits a contract call and waits for it to be mined. Errors before
// the transaction is broadcast are classified; any failure after it may
// have reached the node is ErrUnknownChainState.
func (a *Adapter) send(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, args ...interface{}) (adapter.TxRef, error) {
	opts := a.transactOpts(ctx, value)
	opts.NoSend = true
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return "", classify(err)
	}
	if err := a.client.SendTransaction(ctx, tx); err != nil {
		if cerr := classify(err); adapter.IsFatal(cerr) {
			return "", cerr
		}
		return "", fmt.Errorf("%w: %s may have been broadcast: %v", adapter.ErrUnknownChainState, tx.Hash().Hex(), err)
	}
	a.log.Debug("Transaction sent", "method", method, "tx", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, a.client, tx)
	if err != nil {
		// the transaction may still be mined
		return "", fmt.Errorf("%w: %s not mined: %v", adapter.ErrUnknownChainState, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", adapter.Rejected("%s reverted in tx %s", method, tx.Hash().Hex())
	}
	return adapter.TxRef(tx.Hash().Hex()), nil
}

func (a *Adapter) getLock(ctx context.Context, id common.Hash) (*LockView, error) {
	view := new(LockView)
	out := []interface{}{view}
	if err := a.htlc.Call(&bind.CallOpts{Context: ctx}, &out, "getLock", id); err != nil {
		return nil, classify(err)
	}
	return view, nil
}

// Initiate locks native coin or an ERC-20 token in the contract.
func (a *Adapter) Initiate(ctx context.Context, req adapter.LockRequest) (adapter.TxRef, error) {
	alg, err := hashAlgCode(req.HashAlgorithm)
	if err != nil {
		return "", adapter.Rejected("%v", err)
	}
	if len(req.SecretHash) != 32 {
		return "", adapter.Rejected("secret hash must be 32 bytes, got %d", len(req.SecretHash))
	}
	if !common.IsHexAddress(req.Resolver) {
		return "", adapter.Rejected("invalid resolver address %q", req.Resolver)
	}
	if !strings.EqualFold(req.Initiator, a.signer.Address().Hex()) {
		return "", adapter.Rejected("signer %s is not the initiator %s", a.signer.Address().Hex(), req.Initiator)
	}
	if !req.Timelock.After(a.now()) {
		return "", adapter.Rejected("timelock %s is not in the future", req.Timelock.UTC().Format(time.RFC3339))
	}
	var maxFills uint32
	if req.PartialFills {
		maxFills = req.MaxFills
		if maxFills == 0 {
			maxFills = 1
		}
	}

	decimals := a.decimals
	if !req.Token.IsNative() {
		decimals = req.Token.Decimals
	}
	amount, err := helpers.ToBaseUnits(req.Amount, decimals)
	if err != nil || amount.Sign() <= 0 {
		return "", adapter.Rejected("invalid lock amount %s", req.Amount)
	}

	id := a.track(req.SwapID)
	a.setDecimals(id, decimals)

	existing, err := a.FetchHTLCState(ctx, req.SwapID)
	if err != nil {
		return "", err
	}
	if existing.Exists {
		a.log.Info("Lock already on chain", "swap_id", req.SwapID, "tx", existing.LockTx)
		return existing.LockTx, nil
	}

	var hashlock [32]byte
	copy(hashlock[:], req.SecretHash)
	resolver := common.HexToAddress(req.Resolver)
	timelock := uint64(req.Timelock.Unix())

	var ref adapter.TxRef
	if req.Token.IsNative() {
		ref, err = a.send(ctx, a.htlc, amount, "lock", id, resolver, hashlock, alg, timelock, maxFills)
	} else {
		if !common.IsHexAddress(req.Token.Contract) {
			return "", adapter.Rejected("invalid token contract %q", req.Token.Contract)
		}
		token := common.HexToAddress(req.Token.Contract)
		if err := a.ensureAllowance(ctx, token, amount); err != nil {
			return "", err
		}
		ref, err = a.send(ctx, a.htlc, nil, "lockToken", id, token, amount, resolver, hashlock, alg, timelock, maxFills)
	}
	if err != nil {
		return "", err
	}

	a.log.Info("HTLC locked", "swap_id", req.SwapID, "tx", ref, "amount", req.Amount, "max_fills", maxFills)
	return ref, nil
}

func (a *Adapter) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	erc20 := bind.NewBoundContract(token, erc20ContractABI, a.client, a.client, a.client)

	var out []interface{}
	if err := erc20.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", a.signer.Address(), a.contract); err != nil {
		return classify(err)
	}
	if len(out) == 1 {
		if current, ok := out[0].(*big.Int); ok && current.Cmp(amount) >= 0 {
			return nil
		}
	}

	ref, err := a.send(ctx, erc20, nil, "approve", a.contract, amount)
	if err != nil {
		return err
	}
	a.log.Debug("Token allowance approved", "token", token.Hex(), "tx", ref)
	return nil
}

// Fill claims part of a lock. Fills after the first may omit the preimage,
// the contract's revealed one is reused.
func (a *Adapter) Fill(ctx context.Context, order adapter.FillOrder) (adapter.TxRef, error) {
	id := a.track(order.SwapID)
	view, err := a.getLock(ctx, id)
	if err != nil {
		return "", err
	}
	if LockState(view.State) == LockEmpty {
		return "", fmt.Errorf("%w: %s", adapter.ErrHTLCNotFound, order.SwapID)
	}
	if view.MaxFills == 0 {
		return "", adapter.ErrPartialFillsUnsupported
	}
	decimals := a.decimalsFor(id, view.Token)
	amount, err := helpers.ToBaseUnits(order.Amount, decimals)
	if err != nil || amount.Sign() <= 0 {
		return "", adapter.Rejected("invalid fill amount %s", order.Amount)
	}

	preimage := view.Preimage
	if len(order.Preimage) > 0 {
		if len(order.Preimage) != 32 {
			return "", adapter.Rejected("preimage must be 32 bytes, got %d", len(order.Preimage))
		}
		copy(preimage[:], order.Preimage)
	}

	ref, err := a.send(ctx, a.htlc, nil, "fill", id, amount, preimage)
	if err != nil {
		return "", err
	}
	a.log.Info("HTLC filled", "swap_id", order.SwapID, "tx", ref, "amount", order.Amount)
	return ref, nil
}

// Redeem claims the whole remaining amount.
func (a *Adapter) Redeem(ctx context.Context, swapID string, preimage []byte) (adapter.TxRef, error) {
	if len(preimage) != 32 {
		return "", adapter.Rejected("preimage must be 32 bytes, got %d", len(preimage))
	}
	id := a.track(swapID)
	var pre [32]byte
	copy(pre[:], preimage)

	ref, err := a.send(ctx, a.htlc, nil, "redeem", id, pre)
	if err != nil {
		return "", err
	}
	a.log.Info("HTLC redeemed", "swap_id", swapID, "tx", ref)
	return ref, nil
}

// Refund returns the remaining amount to the initiator after the timelock.
func (a *Adapter) Refund(ctx context.Context, swapID string) (adapter.TxRef, error) {
	id := a.track(swapID)
	ref, err := a.send(ctx, a.htlc, nil, "refund", id)
	if err != nil {
		return "", err
	}
	a.log.Info("HTLC refunded", "swap_id", swapID, "tx", ref)
	return ref, nil
}

// FetchHTLCState reads the lock from the contract and the tx refs from its
// event logs.
func (a *Adapter) FetchHTLCState(ctx context.Context, swapID string) (*adapter.RemoteHTLC, error) {
	id := a.track(swapID)
	view, err := a.getLock(ctx, id)
	if err != nil {
		return nil, err
	}
	state := &adapter.RemoteHTLC{SwapID: swapID}
	if LockState(view.State) == LockEmpty {
		return state, nil
	}

	decimals := a.decimalsFor(id, view.Token)
	state.Exists = true
	state.SecretHash = append([]byte(nil), view.Hashlock[:]...)
	state.Amount = helpers.FromBaseUnits(view.Amount, decimals)
	state.Filled = helpers.FromBaseUnits(view.Filled, decimals)
	state.FillCount = view.FillCount
	state.Timelock = time.Unix(int64(view.Timelock), 0)
	state.Executed = LockState(view.State) == LockRedeemed
	state.Refunded = LockState(view.State) == LockRefunded
	if view.Preimage != ([32]byte{}) {
		state.Preimage = append([]byte(nil), view.Preimage[:]...)
	}

	logs, err := a.client.FilterLogs(ctx, a.query(a.start, nil, id))
	if err != nil {
		return nil, classify(err)
	}
	for _, l := range logs {
		d, err := parseLog(l)
		if err != nil {
			continue
		}
		ref := adapter.TxRef(d.TxHash.Hex())
		switch d.Name {
		case "Locked":
			state.LockTx = ref
		case "Redeemed":
			state.RedeemTx = ref
		case "Filled":
			if state.Executed {
				state.RedeemTx = ref
			}
		case "Refunded":
			state.RefundTx = ref
		}
	}
	return state, nil
}

func (a *Adapter) query(from uint64, to *big.Int, ids ...common.Hash) ethereum.FilterQuery {
	topics := [][]common.Hash{{
		htlcContractABI.Events["Locked"].ID,
		htlcContractABI.Events["Filled"].ID,
		htlcContractABI.Events["Redeemed"].ID,
		htlcContractABI.Events["Refunded"].ID,
	}}
	if len(ids) > 0 {
		topics = append(topics, ids)
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   to,
		Addresses: []common.Address{a.contract},
		Topics:    topics,
	}
}

// Subscribe streams contract events. It uses a log subscription when the
// node supports one and falls back to polling.
func (a *Adapter) Subscribe(ctx context.Context) (<-chan adapter.Event, error) {
	out := make(chan adapter.Event, 64)

	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	from := head.Number.Uint64() + 1

	logs := make(chan types.Log, 64)
	sub, err := a.client.SubscribeFilterLogs(ctx, a.query(from, nil), logs)
	if err != nil {
		a.log.Debug("Log subscription unavailable, polling", "error", err)
		go a.pollLogs(ctx, from, out)
		return out, nil
	}

	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					a.log.Warn("Log subscription dropped, polling", "error", err)
				}
				a.pollLogsInto(ctx, from, out)
				return
			case l := <-logs:
				if l.BlockNumber >= from {
					from = l.BlockNumber
				}
				a.deliver(ctx, l, out)
			}
		}
	}()
	return out, nil
}

func (a *Adapter) pollLogs(ctx context.Context, from uint64, out chan<- adapter.Event) {
	defer close(out)
	a.pollLogsInto(ctx, from, out)
}

func (a *Adapter) pollLogsInto(ctx context.Context, from uint64, out chan<- adapter.Event) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		head, err := a.client.HeaderByNumber(ctx, nil)
		if err != nil {
			a.log.Debug("Head fetch failed", "error", err)
			continue
		}
		tip := head.Number.Uint64()
		if tip < from {
			continue
		}
		logs, err := a.client.FilterLogs(ctx, a.query(from, new(big.Int).SetUint64(tip)))
		if err != nil {
			a.log.Debug("Log poll failed", "error", err)
			continue
		}
		for _, l := range logs {
			a.deliver(ctx, l, out)
		}
		from = tip + 1
	}
}

func (a *Adapter) deliver(ctx context.Context, l types.Log, out chan<- adapter.Event) {
	if l.Removed {
		return
	}
	ev, err := a.toEvent(l)
	if err != nil {
		a.log.Debug("Skipping undecodable log", "tx", l.TxHash.Hex(), "error", err)
		return
	}
	select {
	case out <- *ev:
	case <-ctx.Done():
	}
}

func (a *Adapter) toEvent(l types.Log) (*adapter.Event, error) {
	d, err := parseLog(l)
	if err != nil {
		return nil, err
	}
	swapID, decimals := a.lookup(d.ID)

	ev := &adapter.Event{
		Chain:  a.symbol,
		SwapID: swapID,
		TxRef:  adapter.TxRef(d.TxHash.Hex()),
		Actor:  d.Actor.Hex(),
		At:     a.now(),
	}
	if d.Amount != nil {
		ev.Amount = helpers.FromBaseUnits(d.Amount, decimals)
	}
	if d.Remain != nil {
		ev.Remaining = helpers.FromBaseUnits(d.Remain, decimals)
	}

	switch d.Name {
	case "Locked":
		ev.Type = adapter.EventInitiated
		ev.Remaining = ev.Amount
	case "Filled":
		ev.Type = adapter.EventFilled
		ev.Preimage = append([]byte(nil), d.Preimage[:]...)
	case "Redeemed":
		ev.Type = adapter.EventRedeemed
		ev.Preimage = append([]byte(nil), d.Preimage[:]...)
		ev.Remaining = decimal.Zero
	case "Refunded":
		ev.Type = adapter.EventRefunded
		ev.Remaining = decimal.Zero
	default:
		return nil, fmt.Errorf("unexpected event %s", d.Name)
	}
	return ev, nil
}

// classify maps node errors onto the adapter taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, bind.ErrNoCode) {
		return adapter.Rejected("no htlc contract at address")
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", adapter.ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return adapter.Rejected("%v", err)
	case strings.Contains(msg, "intrinsic gas too low"), strings.Contains(msg, "exceeds block gas limit"):
		return adapter.Rejected("%v", err)
	}
	return adapter.Unavailable(err)
}

var _ adapter.Adapter = (*Adapter)(nil)
