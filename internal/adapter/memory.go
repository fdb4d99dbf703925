package adapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/internal/storage"
)

// Memory operations used for fault injection and call counting.
const (
	OpInitiate  = "initiate"
	OpFill      = "fill"
	OpRedeem    = "redeem"
	OpRefund    = "refund"
	OpFetch     = "fetch"
	OpSubscribe = "subscribe"
)

// MemoryOptions configures a simulated chain.
type MemoryOptions struct {
	Family       chain.Family
	PartialFills bool

	// CheckBalances rejects locks the initiator cannot fund.
	CheckBalances bool

	// Clock defaults to time.Now.
	Clock func() time.Time

	// EventBuffer is the per-subscriber channel size.
	EventBuffer int
}

type memHTLC struct {
	req       LockRequest
	filled    decimal.Decimal
	fillCount uint32
	executed  bool
	refunded  bool
	preimage  []byte
	lockTx    TxRef
	redeemTx  TxRef
	refundTx  TxRef
}

type memSub struct {
	ctx context.Context
	in  chan Event
}

type fault struct {
	err   error
	after bool // apply the call, then fail
}

// Memory is an in-process simulated chain with an HTLC table.
type Memory struct {
	symbol string
	opts   MemoryOptions

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	htlcs    map[string]*memHTLC
	subs     []*memSub
	seq      int
	faults   map[string][]fault
	latency  map[string]time.Duration
	calls    map[string]int
	locks    int
}

// NewMemory creates a simulated chain for symbol.
func NewMemory(symbol string, opts MemoryOptions) *Memory {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Family == "" {
		opts.Family = chain.FamilyAccount
	}
	return &Memory{
		symbol:   symbol,
		opts:     opts,
		balances: make(map[string]decimal.Decimal),
		htlcs:    make(map[string]*memHTLC),
		faults:   make(map[string][]fault),
		latency:  make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

func (m *Memory) Chain() string              { return m.symbol }
func (m *Memory) Family() chain.Family       { return m.opts.Family }
func (m *Memory) SupportsPartialFills() bool { return m.opts.PartialFills }

// SetClock replaces the chain clock.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Clock = clock
}

// Fund credits an address.
func (m *Memory) Fund(address string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = m.balances[address].Add(amount)
}

// Balance returns an address balance.
func (m *Memory) Balance(address string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address]
}

// FailNext makes the next calls of op fail with errs, in order, without
// touching chain state.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, err := range errs {
		m.faults[op] = append(m.faults[op], fault{err: err})
	}
}

// LoseResponse makes the next call of op land on chain and then return err,
// as if the response was lost in transit.
func (m *Memory) LoseResponse(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], fault{err: err, after: true})
}

// SetLatency delays op by d before it reaches the chain.
func (m *Memory) SetLatency(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[op] = d
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Locks returns how many HTLCs were created.
func (m *Memory) Locks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks
}

// Emit publishes an arbitrary event to subscribers.
func (m *Memory) Emit(ev Event) {
	if ev.Chain == "" {
		ev.Chain = m.symbol
	}
	m.mu.Lock()
	subs := m.snapshotSubs()
	m.mu.Unlock()
	m.publish(subs, ev)
}

// enter counts the call, applies latency and pops the next fault.
func (m *Memory) enter(ctx context.Context, op string) (*fault, error) {
	m.mu.Lock()
	m.calls[op]++
	delay := m.latency[op]
	var f *fault
	if q := m.faults[op]; len(q) > 0 {
		f = &q[0]
		m.faults[op] = q[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f != nil && !f.after {
		return nil, f.err
	}
	return f, nil
}

func (m *Memory) nextTx() TxRef {
	m.seq++
	return TxRef(fmt.Sprintf("%s:%06d", strings.ToLower(m.symbol), m.seq))
}

func (m *Memory) Initiate(ctx context.Context, req LockRequest) (TxRef, error) {
	f, err := m.enter(ctx, OpInitiate)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if h, ok := m.htlcs[req.SwapID]; ok {
		ref := h.lockTx
		m.mu.Unlock()
		return ref, afterFault(f)
	}
	if req.PartialFills && !m.opts.PartialFills {
		m.mu.Unlock()
		return "", ErrPartialFillsUnsupported
	}
	if !req.Amount.IsPositive() {
		m.mu.Unlock()
		return "", Rejected("amount must be positive")
	}
	if !req.Timelock.After(m.opts.Clock()) {
		m.mu.Unlock()
		return "", Rejected("timelock in the past")
	}
	if m.opts.CheckBalances {
		if m.balances[req.Initiator].LessThan(req.Amount) {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, req.Initiator, m.balances[req.Initiator], req.Amount)
		}
		m.balances[req.Initiator] = m.balances[req.Initiator].Sub(req.Amount)
	}

	ref := m.nextTx()
	m.htlcs[req.SwapID] = &memHTLC{req: req, filled: decimal.Zero, lockTx: ref}
	m.locks++
	ev := Event{
		Chain: m.symbol, Type: EventInitiated, SwapID: req.SwapID, TxRef: ref,
		Amount: req.Amount, Remaining: req.Amount, Actor: req.Initiator, At: m.opts.Clock(),
	}
	subs := m.snapshotSubs()
	m.mu.Unlock()

	m.publish(subs, ev)
	return ref, afterFault(f)
}

func (m *Memory) Fill(ctx context.Context, order FillOrder) (TxRef, error) {
	f, err := m.enter(ctx, OpFill)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	h, ok := m.htlcs[order.SwapID]
	if !ok {
		m.mu.Unlock()
		return "", ErrHTLCNotFound
	}
	if !h.req.PartialFills {
		m.mu.Unlock()
		return "", Rejected("partial fills disabled")
	}
	if err := m.checkClaim(h, order.Preimage); err != nil {
		m.mu.Unlock()
		return "", err
	}
	if h.fillCount >= h.req.MaxFills {
		m.mu.Unlock()
		return "", Rejected("max fills reached")
	}
	remaining := h.req.Amount.Sub(h.filled)
	if order.Amount.GreaterThan(remaining) || !order.Amount.IsPositive() {
		m.mu.Unlock()
		return "", Rejected("fill %s exceeds remaining %s", order.Amount, remaining)
	}

	ref := m.nextTx()
	h.filled = h.filled.Add(order.Amount)
	h.fillCount++
	h.preimage = order.Preimage
	if h.filled.Equal(h.req.Amount) {
		h.executed = true
		h.redeemTx = ref
	}
	m.balances[h.req.Resolver] = m.balances[h.req.Resolver].Add(order.Amount)
	ev := Event{
		Chain: m.symbol, Type: EventFilled, SwapID: order.SwapID, TxRef: ref,
		Amount: order.Amount, Remaining: h.req.Amount.Sub(h.filled), Actor: order.Filler,
		Preimage: order.Preimage, At: m.opts.Clock(),
	}
	subs := m.snapshotSubs()
	m.mu.Unlock()

	m.publish(subs, ev)
	return ref, afterFault(f)
}

func (m *Memory) Redeem(ctx context.Context, swapID string, preimage []byte) (TxRef, error) {
	f, err := m.enter(ctx, OpRedeem)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	h, ok := m.htlcs[swapID]
	if !ok {
		m.mu.Unlock()
		return "", ErrHTLCNotFound
	}
	if err := m.checkClaim(h, preimage); err != nil {
		m.mu.Unlock()
		return "", err
	}

	ref := m.nextTx()
	released := h.req.Amount.Sub(h.filled)
	h.executed = true
	h.preimage = preimage
	h.redeemTx = ref
	m.balances[h.req.Resolver] = m.balances[h.req.Resolver].Add(released)
	ev := Event{
		Chain: m.symbol, Type: EventRedeemed, SwapID: swapID, TxRef: ref,
		Amount: released, Remaining: decimal.Zero, Actor: h.req.Resolver,
		Preimage: preimage, At: m.opts.Clock(),
	}
	subs := m.snapshotSubs()
	m.mu.Unlock()

	m.publish(subs, ev)
	return ref, afterFault(f)
}

func (m *Memory) Refund(ctx context.Context, swapID string) (TxRef, error) {
	f, err := m.enter(ctx, OpRefund)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	h, ok := m.htlcs[swapID]
	if !ok {
		m.mu.Unlock()
		return "", ErrHTLCNotFound
	}
	switch {
	case h.executed:
		m.mu.Unlock()
		return "", Rejected("already redeemed")
	case h.refunded:
		m.mu.Unlock()
		return "", Rejected("already refunded")
	case !m.opts.Clock().After(h.req.Timelock):
		m.mu.Unlock()
		return "", Rejected("timelock not reached")
	}

	ref := m.nextTx()
	returned := h.req.Amount.Sub(h.filled)
	h.refunded = true
	h.refundTx = ref
	m.balances[h.req.Initiator] = m.balances[h.req.Initiator].Add(returned)
	ev := Event{
		Chain: m.symbol, Type: EventRefunded, SwapID: swapID, TxRef: ref,
		Amount: returned, Remaining: decimal.Zero, Actor: h.req.Initiator, At: m.opts.Clock(),
	}
	subs := m.snapshotSubs()
	m.mu.Unlock()

	m.publish(subs, ev)
	return ref, afterFault(f)
}

func (m *Memory) FetchHTLCState(ctx context.Context, swapID string) (*RemoteHTLC, error) {
	if _, err := m.enter(ctx, OpFetch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.htlcs[swapID]
	if !ok {
		return &RemoteHTLC{SwapID: swapID}, nil
	}
	return &RemoteHTLC{
		SwapID:     swapID,
		Exists:     true,
		SecretHash: append([]byte(nil), h.req.SecretHash...),
		Preimage:   append([]byte(nil), h.preimage...),
		Amount:     h.req.Amount,
		Filled:     h.filled,
		FillCount:  h.fillCount,
		Timelock:   h.req.Timelock,
		Executed:   h.executed,
		Refunded:   h.refunded,
		LockTx:     h.lockTx,
		RedeemTx:   h.redeemTx,
		RefundTx:   h.refundTx,
	}, nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Event, error) {
	if _, err := m.enter(ctx, OpSubscribe); err != nil {
		return nil, err
	}

	sub := &memSub{ctx: ctx, in: make(chan Event, m.opts.EventBuffer)}
	out := make(chan Event)
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer m.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) unsubscribe(sub *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// checkClaim validates a redeem or fill against the HTLC. Callers hold m.mu.
func (m *Memory) checkClaim(h *memHTLC, preimage []byte) error {
	switch {
	case h.executed:
		return Rejected("already redeemed")
	case h.refunded:
		return Rejected("already refunded")
	case m.opts.Clock().After(h.req.Timelock):
		return Rejected("timelock expired")
	}
	alg, err := storage.ParseHashAlgorithm(h.req.HashAlgorithm)
	if err != nil {
		return Rejected("%v", err)
	}
	if !bytes.Equal(alg.Sum(preimage), h.req.SecretHash) {
		return Rejected("invalid preimage")
	}
	return nil
}

func (m *Memory) snapshotSubs() []*memSub {
	return append([]*memSub(nil), m.subs...)
}

// publish delivers ev to every subscriber in order. It must be called
// without m.mu held.
func (m *Memory) publish(subs []*memSub, ev Event) {
	for _, s := range subs {
		select {
		case s.in <- ev:
		case <-s.ctx.Done():
		}
	}
}

func afterFault(f *fault) error {
	if f != nil && f.after {
		return f.err
	}
	return nil
}

var _ Adapter = (*Memory)(nil)
