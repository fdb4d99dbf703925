// Package adapter defines the per-chain capability the swap coordinator
// drives: locking funds behind a hash and a timelock, filling, redeeming and
// refunding, reading remote HTLC state and streaming lifecycle events.
//
// Concrete implementations live in subpackages (evm, utxo). Memory is a
// simulated chain used by tests and the "memory" driver.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/chain"
)

// Chain errors
var (
	// ErrChainUnavailable is transient; the call may be retried.
	ErrChainUnavailable = errors.New("chain unavailable")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejectedByChain   = errors.New("rejected by chain")

	// ErrUnknownChainState means the outcome of a call cannot be determined
	// and needs reconciliation.
	ErrUnknownChainState = errors.New("unknown chain state")

	ErrHTLCNotFound            = errors.New("htlc not found on chain")
	ErrPartialFillsUnsupported = errors.New("chain does not support partial fills")
	ErrAdapterNotFound         = errors.New("no adapter for chain")
)

// RejectedError is a fatal rejection carrying the chain's reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRejectedByChain, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejectedByChain
}

// Rejected returns a *RejectedError with a formatted reason.
func Rejected(format string, args ...interface{}) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a transport error as ErrChainUnavailable.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrChainUnavailable, err)
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChainUnavailable)
}

// IsFatal reports whether err means the chain will not accept the call.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrRejectedByChain)
}

// TxRef identifies a transaction on its chain.
type TxRef string

// LockRequest is the input to Initiate.
type LockRequest struct {
	SwapID string

	// Token is the asset being locked. Native tokens have no contract.
	Token  chain.Token
	Amount decimal.Decimal

	HashAlgorithm string
	SecretHash    []byte

	Initiator string
	Resolver  string
	Timelock  time.Time

	PartialFills bool
	MaxFills     uint32
}

// FillOrder is the input to Fill.
type FillOrder struct {
	SwapID   string
	Amount   decimal.Decimal
	Preimage []byte
	Filler   string
}

// RemoteHTLC is a read-only snapshot of an HTLC as the chain sees it.
type RemoteHTLC struct {
	SwapID string `json:"swap_id"`
	Exists bool   `json:"exists"`

	SecretHash []byte          `json:"secret_hash,omitempty"`
	Preimage   []byte          `json:"preimage,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Filled     decimal.Decimal `json:"filled"`
	FillCount  uint32          `json:"fill_count"`
	Timelock   time.Time       `json:"timelock"`

	Executed bool `json:"executed"`
	Refunded bool `json:"refunded"`

	LockTx   TxRef `json:"lock_tx,omitempty"`
	RedeemTx TxRef `json:"redeem_tx,omitempty"`
	RefundTx TxRef `json:"refund_tx,omitempty"`
}

// EventType is a chain-level lifecycle event.
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventFilled    EventType = "filled"
	EventRedeemed  EventType = "redeemed"
	EventRefunded  EventType = "refunded"
)

// Event is one lifecycle event observed on a chain.
type Event struct {
	Chain  string    `json:"chain"`
	Type   EventType `json:"type"`
	SwapID string    `json:"swap_id"`
	TxRef  TxRef     `json:"tx_ref"`

	// Amount is the locked amount for initiated events and the fill amount
	// for filled events.
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	Actor     string          `json:"actor,omitempty"`
	Preimage  []byte          `json:"preimage,omitempty"`
	At        time.Time       `json:"at"`

	// Synthetic events are derived from a state snapshot, not a log.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Adapter is the capability to operate HTLCs on one chain.
type Adapter interface {
	// Chain returns the chain symbol.
	Chain() string
	Family() chain.Family
	SupportsPartialFills() bool

	// Initiate locks funds. Repeating it for the same swap id must not
	// lock twice.
	Initiate(ctx context.Context, req LockRequest) (TxRef, error)
	Fill(ctx context.Context, order FillOrder) (TxRef, error)
	Redeem(ctx context.Context, swapID string, preimage []byte) (TxRef, error)
	Refund(ctx context.Context, swapID string) (TxRef, error)

	// FetchHTLCState returns Exists=false (and no error) when no lock
	// exists for the swap id.
	FetchHTLCState(ctx context.Context, swapID string) (*RemoteHTLC, error)

	// Subscribe streams events until ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Registry holds adapters by chain symbol.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an adapter registry.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Chain().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Chain()] = a
}

// Get returns the adapter for a chain.
func (r *Registry) Get(symbol string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, symbol)
	}
	return a, nil
}

// Has reports whether an adapter is registered for the chain.
func (r *Registry) Has(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[symbol]
	return ok
}

// List returns registered chain symbols, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain() < out[j].Chain() })
	return out
}
