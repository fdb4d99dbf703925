// Package swap drives HTLC swaps through their lifecycle: it creates swaps
// from quotes, locks funds through the source chain's adapter, applies
// fills, redeems and refunds, and folds chain observations back into the
// ledger.
package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/internal/config"
	"github.com/Klingon-tech/swapengine/internal/quote"
	"github.com/Klingon-tech/swapengine/internal/storage"
	"github.com/Klingon-tech/swapengine/pkg/logging"
)

// CoordinatorConfig holds the coordinator's dependencies.
type CoordinatorConfig struct {
	Store    *storage.Storage
	Adapters *adapter.Registry
	Network  chain.Network
	Policy   config.SwapPolicy

	// Book, when set, is told about quotes consumed by swaps.
	Book *quote.Book

	Clock func() time.Time
}

type swapLock struct {
	mu   sync.Mutex
	refs int
}

type subscriber struct {
	ch chan SwapEvent
}

// Coordinator manages swaps. It is safe for concurrent use; operations on
// one swap id are serialized, different swaps proceed independently.
type Coordinator struct {
	store    *storage.Storage
	adapters *adapter.Registry
	network  chain.Network
	policy   config.SwapPolicy
	book     *quote.Book
	now      func() time.Time
	log      *logging.Logger

	locksMu sync.Mutex
	locks   map[string]*swapLock

	eventsMu      sync.RWMutex
	eventHandlers []EventHandler
	subscribers   map[*subscriber]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a new swap coordinator.
func NewCoordinator(cfg *CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator needs a store")
	}
	if cfg.Adapters == nil {
		return nil, errors.New("coordinator needs an adapter registry")
	}

	policy := cfg.Policy
	defaults := config.DefaultSwapPolicy()
	if policy.MinTimelock <= 0 {
		policy.MinTimelock = defaults.MinTimelock
	}
	if policy.MaxTimelock <= 0 {
		policy.MaxTimelock = defaults.MaxTimelock
	}
	if policy.MaxPartialFills == 0 {
		policy.MaxPartialFills = defaults.MaxPartialFills
	}
	if policy.DefaultHashAlgorithm == "" {
		policy.DefaultHashAlgorithm = defaults.DefaultHashAlgorithm
	}
	if policy.ChainCallTimeout <= 0 {
		policy.ChainCallTimeout = defaults.ChainCallTimeout
	}
	if policy.MonitorInterval <= 0 {
		policy.MonitorInterval = defaults.MonitorInterval
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:       cfg.Store,
		adapters:    cfg.Adapters,
		network:     cfg.Network,
		policy:      policy,
		book:        cfg.Book,
		now:         clock,
		log:         logging.GetDefault().Component("swap"),
		locks:       make(map[string]*swapLock),
		subscribers: make(map[*subscriber]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Policy returns the effective swap policy.
func (c *Coordinator) Policy() config.SwapPolicy {
	return c.policy
}

// Adapters returns the adapter registry.
func (c *Coordinator) Adapters() *adapter.Registry {
	return c.adapters
}

// Store returns the ledger.
func (c *Coordinator) Store() *storage.Storage {
	return c.store
}

// Close stops background work started by the coordinator and closes
// subscriber channels.
func (c *Coordinator) Close() error {
	c.cancel()

	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	for sub := range c.subscribers {
		close(sub.ch)
		delete(c.subscribers, sub)
	}
	return nil
}

// lock serializes operations on one swap id. The returned func unlocks.
func (c *Coordinator) lock(id string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &swapLock{}
		c.locks[id] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.locksMu.Unlock()
	}
}

// OnEvent registers an event handler. Handlers run on their own goroutine.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// Subscribe returns a channel receiving every event in emission order. A
// subscriber that falls more than buffer events behind misses events.
// cancel closes the channel.
func (c *Coordinator) Subscribe(buffer int) (<-chan SwapEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan SwapEvent, buffer)}

	c.eventsMu.Lock()
	c.subscribers[sub] = struct{}{}
	c.eventsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.eventsMu.Lock()
			defer c.eventsMu.Unlock()
			if _, ok := c.subscribers[sub]; ok {
				delete(c.subscribers, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

func (c *Coordinator) emit(swapID, eventType string, data interface{}) {
	event := SwapEvent{
		SwapID:    swapID,
		Type:      eventType,
		Data:      data,
		Timestamp: c.now(),
	}

	// the write lock keeps delivery order equal to emission order
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()

	for sub := range c.subscribers {
		select {
		case sub.ch <- event:
		default:
			c.log.Warn("Subscriber too slow, dropping event", "swap_id", swapID, "event", eventType)
		}
	}
	for _, handler := range c.eventHandlers {
		go handler(event)
	}
}

// GetSwap returns a swap with its HTLC.
func (c *Coordinator) GetSwap(id string) (*storage.Swap, error) {
	return c.store.GetSwap(id)
}

// ListSwaps returns swaps matching filter, newest first.
func (c *Coordinator) ListSwaps(filter storage.SwapFilter) ([]*storage.Swap, error) {
	return c.store.ListSwaps(filter)
}

// GetFills returns a swap's fills in the order they were applied.
func (c *Coordinator) GetFills(swapID string) ([]*storage.Fill, error) {
	if _, err := c.store.GetSwap(swapID); err != nil {
		return nil, err
	}
	return c.store.GetFills(swapID)
}

// Divergences returns recorded divergences, optionally for one swap.
func (c *Coordinator) Divergences(swapID string) ([]*storage.Divergence, error) {
	return c.store.ListDivergences(swapID)
}

func (c *Coordinator) sourceAdapter(swap *storage.Swap) (adapter.Adapter, error) {
	return c.adapters.Get(swap.FromChain)
}

// callContext bounds one adapter call.
func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.policy.ChainCallTimeout)
}

// rollback clears the pending marker after a failed chain call and keeps the
// error on the swap.
func (c *Coordinator) rollback(swap *storage.Swap, op string, cause error) {
	if err := c.store.ClearPending(swap.ID, op, cause.Error()); err != nil {
		c.log.Error("Failed to clear pending", "swap_id", swap.ID, "op", op, "error", err)
	}
	c.log.Warn("Chain call failed, rolled back", "swap_id", swap.ID, "op", op, "error", cause)
	c.emit(swap.ID, EventSwapRolledBack, &RollbackEvent{Op: op, Error: cause.Error()})
}

func (c *Coordinator) normalize(symbol, addr string) (string, error) {
	out, err := chain.NormalizeAddress(symbol, c.network, addr)
	if err != nil {
		return "", fmt.Errorf("%s address: %w", symbol, err)
	}
	return out, nil
}
