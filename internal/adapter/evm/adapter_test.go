package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/chain"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000c0de2")
	ether        = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type keySigner struct {
	key *ecdsa.PrivateKey
}

func newKeySigner(t *testing.T, hexKey string) *keySigner {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatalf("HexToECDSA() error = %v", err)
	}
	return &keySigner{key: key}
}

func (s *keySigner) Address() common.Address { return crypto.PubkeyToAddress(s.key.PublicKey) }

func (s *keySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

type fakeLock struct {
	initiator, resolver, token common.Address
	amount, filled             *big.Int
	fillCount, maxFills        uint32
	hashlock                   [32]byte
	alg                        uint8
	timelock                   uint64
	preimage                   [32]byte
	state                      LockState
}

// fakeChain emulates a node running the HTLC contract and one ERC-20 token.
type fakeChain struct {
	mu        sync.Mutex
	chainID   *big.Int
	now       time.Time
	block     uint64
	nonces    map[common.Address]uint64
	balances  map[common.Address]*big.Int
	tokens    map[common.Address]*big.Int
	allowance map[common.Address]*big.Int
	locks     map[common.Hash]*fakeLock
	receipts  map[common.Hash]*types.Receipt
	logs      []types.Log
	sent      int

	// loseSend applies the next transaction and then fails the call.
	loseSend bool
}

func newFakeChain(now time.Time) *fakeChain {
	return &fakeChain{
		chainID:   big.NewInt(1337),
		now:       now,
		block:     100,
		nonces:    make(map[common.Address]uint64),
		balances:  make(map[common.Address]*big.Int),
		tokens:    make(map[common.Address]*big.Int),
		allowance: make(map[common.Address]*big.Int),
		locks:     make(map[common.Hash]*fakeLock),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChain) fund(addr common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = new(big.Int).Set(wei)
}

func (f *fakeChain) fundToken(addr common.Address, units *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[addr] = new(big.Int).Set(units)
}

func (f *fakeChain) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeChain) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeChain) balance(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func revert(format string, args ...interface{}) error {
	return fmt.Errorf("execution reverted: %s", fmt.Sprintf(format, args...))
}

func bal(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if b, ok := m[addr]; ok {
		return b
	}
	b := new(big.Int)
	m[addr] = b
	return b
}

func checkPreimage(l *fakeLock, preimage [32]byte) bool {
	var sum []byte
	if l.alg == hashAlgKeccak256 {
		sum = crypto.Keccak256(preimage[:])
	} else {
		h := sha256.Sum256(preimage[:])
		sum = h[:]
	}
	return bytes.Equal(sum, l.hashlock[:])
}

func (f *fakeChain) event(name string, id common.Hash, actor common.Address, values ...interface{}) types.Log {
	ev := htlcContractABI.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: testContract,
		Topics:  []common.Hash{ev.ID, id, common.BytesToHash(actor.Bytes())},
		Data:    data,
	}
}

// exec runs a call against the emulated contracts. Nothing changes unless
// commit is set. Callers hold f.mu.
func (f *fakeChain) exec(from, to common.Address, value *big.Int, data []byte, commit bool) ([]types.Log, error) {
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() > 0 && bal(f.balances, from).Cmp(value) < 0 {
		return nil, errors.New("insufficient funds for gas * price + value")
	}

	if to == testToken {
		method, err := erc20ContractABI.MethodById(data[:4])
		if err != nil {
			return nil, revert("unknown selector")
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, revert("bad calldata")
		}
		if method.Name == "approve" && commit {
			f.allowance[from] = new(big.Int).Set(args[1].(*big.Int))
		}
		return nil, nil
	}
	if to != testContract {
		return nil, nil
	}

	method, err := htlcContractABI.MethodById(data[:4])
	if err != nil {
		return nil, revert("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, revert("bad calldata")
	}
	now := uint64(f.now.Unix())
	id := common.Hash(args[0].([32]byte))
	l := f.locks[id]

	switch method.Name {
	case "lock", "lockToken":
		if l != nil {
			return nil, revert("lock exists")
		}
		nl := &fakeLock{initiator: from, state: LockActive, filled: new(big.Int)}
		if method.Name == "lock" {
			nl.amount = new(big.Int).Set(value)
			nl.resolver = args[1].(common.Address)
			nl.hashlock = args[2].([32]byte)
			nl.alg = args[3].(uint8)
			nl.timelock = args[4].(uint64)
			nl.maxFills = args[5].(uint32)
		} else {
			nl.token = args[1].(common.Address)
			nl.amount = new(big.Int).Set(args[2].(*big.Int))
			nl.resolver = args[3].(common.Address)
			nl.hashlock = args[4].([32]byte)
			nl.alg = args[5].(uint8)
			nl.timelock = args[6].(uint64)
			nl.maxFills = args[7].(uint32)
			if bal(f.allowance, from).Cmp(nl.amount) < 0 {
				return nil, revert("allowance too low")
			}
			if bal(f.tokens, from).Cmp(nl.amount) < 0 {
				return nil, revert("token balance too low")
			}
		}
		if nl.amount.Sign() <= 0 {
			return nil, revert("zero amount")
		}
		if nl.timelock <= now {
			return nil, revert("timelock in the past")
		}
		if !commit {
			return nil, nil
		}
		if method.Name == "lock" {
			bal(f.balances, from).Sub(bal(f.balances, from), value)
		} else {
			bal(f.tokens, from).Sub(bal(f.tokens, from), nl.amount)
			bal(f.allowance, from).Sub(bal(f.allowance, from), nl.amount)
		}
		f.locks[id] = nl
		return []types.Log{f.event("Locked", id, from, nl.token, nl.amount, nl.hashlock, nl.timelock)}, nil

	case "fill":
		amount := args[1].(*big.Int)
		preimage := args[2].([32]byte)
		switch {
		case l == nil || l.state != LockActive:
			return nil, revert("lock not active")
		case l.maxFills == 0:
			return nil, revert("partial fills disabled")
		case l.fillCount >= l.maxFills:
			return nil, revert("max fills reached")
		case now > l.timelock:
			return nil, revert("timelock expired")
		case !checkPreimage(l, preimage):
			return nil, revert("bad preimage")
		}
		filled := new(big.Int).Add(l.filled, amount)
		if filled.Cmp(l.amount) > 0 {
			return nil, revert("fill exceeds lock")
		}
		if !commit {
			return nil, nil
		}
		l.filled, l.preimage = filled, preimage
		l.fillCount++
		if filled.Cmp(l.amount) == 0 {
			l.state = LockRedeemed
		}
		bal(f.balances, l.resolver).Add(bal(f.balances, l.resolver), amount)
		remaining := new(big.Int).Sub(l.amount, filled)
		return []types.Log{f.event("Filled", id, from, amount, remaining, preimage)}, nil

	case "redeem":
		preimage := args[1].([32]byte)
		switch {
		case l == nil || l.state != LockActive:
			return nil, revert("lock not active")
		case now > l.timelock:
			return nil, revert("timelock expired")
		case !checkPreimage(l, preimage):
			return nil, revert("bad preimage")
		}
		if !commit {
			return nil, nil
		}
		remaining := new(big.Int).Sub(l.amount, l.filled)
		l.filled, l.preimage, l.state = new(big.Int).Set(l.amount), preimage, LockRedeemed
		bal(f.balances, l.resolver).Add(bal(f.balances, l.resolver), remaining)
		return []types.Log{f.event("Redeemed", id, l.resolver, remaining, preimage)}, nil

	case "refund":
		switch {
		case l == nil || l.state != LockActive:
			return nil, revert("lock not active")
		case now <= l.timelock:
			return nil, revert("timelock not expired")
		}
		if !commit {
			return nil, nil
		}
		remaining := new(big.Int).Sub(l.amount, l.filled)
		l.state = LockRefunded
		bal(f.balances, l.initiator).Add(bal(f.balances, l.initiator), remaining)
		return []types.Log{f.event("Refunded", id, l.initiator, remaining)}, nil
	}
	return nil, revert("unsupported call %s", method.Name)
}

func (f *fakeChain) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	if addr == testContract || addr == testToken {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

func (f *fakeChain) PendingCodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return f.CodeAt(ctx, addr, nil)
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var contract abi.ABI
	switch *msg.To {
	case testContract:
		contract = htlcContractABI
	case testToken:
		contract = erc20ContractABI
	default:
		return nil, nil
	}
	method, err := contract.MethodById(msg.Data[:4])
	if err != nil {
		return nil, revert("unknown selector")
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "allowance":
		return method.Outputs.Pack(new(big.Int).Set(bal(f.allowance, args[0].(common.Address))))
	case "getLock":
		l, ok := f.locks[common.Hash(args[0].([32]byte))]
		if !ok {
			l = &fakeLock{amount: new(big.Int), filled: new(big.Int)}
		}
		return method.Outputs.Pack(l.initiator, l.resolver, l.token, l.amount, l.filled,
			l.fillCount, l.maxFills, l.hashlock, l.timelock, l.preimage, uint8(l.state))
	}
	return nil, revert("not a view")
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(f.block),
		BaseFee: big.NewInt(1_000_000_000),
		Time:    uint64(f.now.Unix()),
	}, nil
}

func (f *fakeChain) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr], nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.exec(msg.From, *msg.To, msg.Value, msg.Data, false); err != nil {
		return 0, err
	}
	return 120_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if tx.Nonce() != f.nonces[from] {
		return errors.New("nonce too low")
	}
	f.nonces[from]++
	f.block++
	f.sent++

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.block),
	}
	logs, err := f.exec(from, *tx.To(), tx.Value(), tx.Data(), true)
	if err != nil {
		receipt.Status = types.ReceiptStatusFailed
	}
	for i := range logs {
		logs[i].TxHash = tx.Hash()
		logs[i].BlockNumber = f.block
		logs[i].Index = uint(len(f.logs))
		f.logs = append(f.logs, logs[i])
		receipt.Logs = append(receipt.Logs, &logs[i])
	}
	f.receipts[tx.Hash()] = receipt
	if f.loseSend {
		f.loseSend = false
		return errors.New("connection reset by peer")
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if matchTopics(l, q.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchTopics(l types.Log, sets [][]common.Hash) bool {
	for i, set := range sets {
		if len(set) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, h := range set {
			if h == l.Topics[i] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeChain) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}

const (
	initiatorKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	resolverKey  = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
)

type parties struct {
	chain     *fakeChain
	initiator *Adapter
	resolver  *Adapter
	timelock  time.Time
}

func newParties(t *testing.T) *parties {
	t.Helper()
	now := time.Unix(1_750_000_000, 0)
	fc := newFakeChain(now)

	mk := func(key string) *Adapter {
		signer := newKeySigner(t, key)
		fc.fund(signer.Address(), new(big.Int).Mul(big.NewInt(10), ether))
		a, err := New(Config{
			Symbol:       "ETH",
			Network:      chain.Testnet,
			Client:       fc,
			Signer:       signer,
			Contract:     testContract,
			ChainID:      fc.chainID,
			PollInterval: 10 * time.Millisecond,
			Clock:        fc.clock,
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		return a
	}
	return &parties{chain: fc, initiator: mk(initiatorKey), resolver: mk(resolverKey), timelock: now.Add(time.Hour)}
}

func testPreimage(id string) ([]byte, []byte) {
	pre := sha256.Sum256([]byte("preimage-" + id))
	hash := sha256.Sum256(pre[:])
	return pre[:], hash[:]
}

func (p *parties) lockRequest(id, amount string, partial bool) adapter.LockRequest {
	_, hash := testPreimage(id)
	return adapter.LockRequest{
		SwapID:       id,
		Token:        chain.Token{Symbol: "ETH", Chain: "ETH", Decimals: 18},
		Amount:       decimal.RequireFromString(amount),
		SecretHash:   hash,
		Initiator:    p.initiator.Address().Hex(),
		Resolver:     p.resolver.Address().Hex(),
		Timelock:     p.timelock,
		PartialFills: partial,
		MaxFills:     3,
	}
}

func TestLockAndRedeem(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()

	lockTx, err := p.initiator.Initiate(ctx, p.lockRequest("swap-1", "1.5", false))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	state, err := p.resolver.FetchHTLCState(ctx, "swap-1")
	if err != nil {
		t.Fatalf("FetchHTLCState() error = %v", err)
	}
	if !state.Exists || !state.Amount.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("state = %+v, want 1.5 locked", state)
	}
	if state.LockTx != lockTx {
		t.Errorf("LockTx = %s, want %s", state.LockTx, lockTx)
	}
	if !state.Timelock.Equal(p.timelock) {
		t.Errorf("Timelock = %v, want %v", state.Timelock, p.timelock)
	}

	if _, err := p.resolver.Redeem(ctx, "swap-1", bytes.Repeat([]byte{9}, 32)); !errors.Is(err, adapter.ErrRejectedByChain) {
		t.Fatalf("Redeem(wrong preimage) error = %v, want ErrRejectedByChain", err)
	}

	pre, _ := testPreimage("swap-1")
	before := p.chain.balance(p.resolver.Address())
	redeemTx, err := p.resolver.Redeem(ctx, "swap-1", pre)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	gained := new(big.Int).Sub(p.chain.balance(p.resolver.Address()), before)
	if want := new(big.Int).Div(new(big.Int).Mul(big.NewInt(15), ether), big.NewInt(10)); gained.Cmp(want) != 0 {
		t.Errorf("resolver gained %s wei, want %s", gained, want)
	}

	state, err = p.initiator.FetchHTLCState(ctx, "swap-1")
	if err != nil {
		t.Fatalf("FetchHTLCState() error = %v", err)
	}
	if !state.Executed || state.Refunded || state.RedeemTx != redeemTx {
		t.Errorf("state = %+v, want executed via %s", state, redeemTx)
	}
	if !bytes.Equal(state.Preimage, pre) {
		t.Errorf("Preimage = %x, want %x", state.Preimage, pre)
	}
}

func TestPartialFills(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()
	pre, _ := testPreimage("swap-2")

	if _, err := p.initiator.Initiate(ctx, p.lockRequest("swap-2", "1", true)); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if _, err := p.resolver.Fill(ctx, adapter.FillOrder{SwapID: "swap-2", Amount: decimal.RequireFromString("0.4"), Preimage: pre}); err != nil {
		t.Fatalf("Fill(0.4) error = %v", err)
	}
	_, err := p.resolver.Fill(ctx, adapter.FillOrder{SwapID: "swap-2", Amount: decimal.RequireFromString("0.7")})
	if !errors.Is(err, adapter.ErrRejectedByChain) {
		t.Fatalf("Fill(0.7) error = %v, want ErrRejectedByChain", err)
	}
	// the revealed preimage is reused
	if _, err := p.resolver.Fill(ctx, adapter.FillOrder{SwapID: "swap-2", Amount: decimal.RequireFromString("0.6")}); err != nil {
		t.Fatalf("Fill(0.6) error = %v", err)
	}

	state, err := p.initiator.FetchHTLCState(ctx, "swap-2")
	if err != nil {
		t.Fatalf("FetchHTLCState() error = %v", err)
	}
	if !state.Executed || state.FillCount != 2 || !state.Filled.Equal(decimal.NewFromInt(1)) {
		t.Errorf("state = %+v, want executed after 2 fills", state)
	}
	if state.RedeemTx == "" {
		t.Error("RedeemTx is empty after the final fill")
	}
}

func TestFillWithoutPartialFills(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()
	pre, _ := testPreimage("swap-3")

	if _, err := p.initiator.Initiate(ctx, p.lockRequest("swap-3", "1", false)); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	_, err := p.resolver.Fill(ctx, adapter.FillOrder{SwapID: "swap-3", Amount: decimal.RequireFromString("0.5"), Preimage: pre})
	if !errors.Is(err, adapter.ErrPartialFillsUnsupported) {
		t.Errorf("Fill() error = %v, want ErrPartialFillsUnsupported", err)
	}

	_, err = p.resolver.Fill(ctx, adapter.FillOrder{SwapID: "unknown", Amount: decimal.NewFromInt(1), Preimage: pre})
	if !errors.Is(err, adapter.ErrHTLCNotFound) {
		t.Errorf("Fill(unknown) error = %v, want ErrHTLCNotFound", err)
	}
}

func TestRefund(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()

	if _, err := p.initiator.Initiate(ctx, p.lockRequest("swap-4", "2", false)); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := p.initiator.Refund(ctx, "swap-4"); !errors.Is(err, adapter.ErrRejectedByChain) {
		t.Fatalf("Refund(before timelock) error = %v, want ErrRejectedByChain", err)
	}

	p.chain.advance(time.Hour + time.Second)
	refundTx, err := p.initiator.Refund(ctx, "swap-4")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}

	state, err := p.initiator.FetchHTLCState(ctx, "swap-4")
	if err != nil {
		t.Fatalf("FetchHTLCState() error = %v", err)
	}
	if !state.Refunded || state.Executed || state.RefundTx != refundTx {
		t.Errorf("state = %+v, want refunded via %s", state, refundTx)
	}
	if got := p.chain.balance(p.initiator.Address()); got.Cmp(new(big.Int).Mul(big.NewInt(10), ether)) != 0 {
		t.Errorf("initiator balance = %s, want 10 ether", got)
	}
}

func TestInitiateIsIdempotent(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()
	req := p.lockRequest("swap-5", "1", false)

	first, err := p.initiator.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	second, err := p.initiator.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("Initiate(again) error = %v", err)
	}
	if first != second {
		t.Errorf("second Initiate = %s, want %s", second, first)
	}
	if n := p.chain.sentCount(); n != 1 {
		t.Errorf("transactions sent = %d, want 1", n)
	}
}

func TestInitiateRules(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*adapter.LockRequest)
		want   error
	}{
		{"short hash", func(r *adapter.LockRequest) { r.SecretHash = r.SecretHash[:20] }, adapter.ErrRejectedByChain},
		{"bad hash algorithm", func(r *adapter.LockRequest) { r.HashAlgorithm = "md5" }, adapter.ErrRejectedByChain},
		{"foreign initiator", func(r *adapter.LockRequest) { r.Initiator = r.Resolver }, adapter.ErrRejectedByChain},
		{"bad resolver", func(r *adapter.LockRequest) { r.Resolver = "bc1qnotevm" }, adapter.ErrRejectedByChain},
		{"past timelock", func(r *adapter.LockRequest) { r.Timelock = time.Unix(1_700_000_000, 0) }, adapter.ErrRejectedByChain},
		{"zero amount", func(r *adapter.LockRequest) { r.Amount = decimal.Zero }, adapter.ErrRejectedByChain},
		{"insufficient funds", func(r *adapter.LockRequest) { r.Amount = decimal.NewFromInt(1000) }, adapter.ErrInsufficientFunds},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := p.lockRequest(fmt.Sprintf("rule-%d", i), "1", false)
			tt.mutate(&req)
			if _, err := p.initiator.Initiate(ctx, req); !errors.Is(err, tt.want) {
				t.Errorf("Initiate() error = %v, want %v", err, tt.want)
			}
		})
	}
	if n := p.chain.sentCount(); n != 0 {
		t.Errorf("transactions sent = %d, want 0", n)
	}
}

func TestTokenLock(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()
	p.chain.fundToken(p.initiator.Address(), big.NewInt(5_000_000))

	req := p.lockRequest("swap-6", "2.5", false)
	req.Token = chain.Token{Symbol: "TST", Chain: "ETH", Decimals: 6, Contract: testToken.Hex()}

	if _, err := p.initiator.Initiate(ctx, req); err != nil {
		t.Fatalf("Initiate(token) error = %v", err)
	}
	// approve + lockToken
	if n := p.chain.sentCount(); n != 2 {
		t.Errorf("transactions sent = %d, want 2", n)
	}

	state, err := p.initiator.FetchHTLCState(ctx, "swap-6")
	if err != nil {
		t.Fatalf("FetchHTLCState() error = %v", err)
	}
	if !state.Amount.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("Amount = %s, want 2.5", state.Amount)
	}
}

func TestSubscribePolling(t *testing.T) {
	p := newParties(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := p.initiator.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if _, err := p.initiator.Initiate(ctx, p.lockRequest("swap-7", "1", false)); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	pre, _ := testPreimage("swap-7")
	if _, err := p.resolver.Redeem(ctx, "swap-7", pre); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}

	want := []adapter.EventType{adapter.EventInitiated, adapter.EventRedeemed}
	for _, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ {
				t.Fatalf("event type = %s, want %s", ev.Type, typ)
			}
			if ev.SwapID != "swap-7" {
				t.Errorf("event SwapID = %s, want swap-7", ev.SwapID)
			}
			if typ == adapter.EventRedeemed && !bytes.Equal(ev.Preimage, pre) {
				t.Errorf("redeemed Preimage = %x, want %x", ev.Preimage, pre)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed after cancel")
		}
	}
}

func TestSendLostResponse(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()

	p.chain.mu.Lock()
	p.chain.loseSend = true
	p.chain.mu.Unlock()

	_, err := p.initiator.Initiate(ctx, p.lockRequest("swap-1", "1", false))
	if !errors.Is(err, adapter.ErrUnknownChainState) {
		t.Fatalf("Initiate() error = %v, want ErrUnknownChainState", err)
	}
	if adapter.IsRetryable(err) {
		t.Error("a possibly broadcast transaction must not be retryable")
	}
	state, err := p.initiator.FetchHTLCState(ctx, "swap-1")
	if err != nil {
		t.Fatalf("FetchHTLCState() error = %v", err)
	}
	if !state.Exists {
		t.Error("lock should exist on chain")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("execution reverted: lock exists"), adapter.ErrRejectedByChain},
		{errors.New("insufficient funds for gas * price + value"), adapter.ErrInsufficientFunds},
		{errors.New("connection refused"), adapter.ErrChainUnavailable},
		{context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		if got := classify(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestLockIDStable(t *testing.T) {
	if LockID("a") == LockID("b") {
		t.Fatal("distinct swap ids map to the same lock id")
	}
	want := crypto.Keccak256Hash([]byte("swap-1"))
	if got := LockID("swap-1"); got != want {
		t.Errorf("LockID = %s, want %s", got.Hex(), want.Hex())
	}
}
