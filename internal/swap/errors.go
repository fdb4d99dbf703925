package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/quote"
	"github.com/Klingon-tech/swapengine/internal/storage"
)

// Coordinator errors. Most are re-exported from the packages that detect
// them so callers only need to import swap.
var (
	ErrQuoteExpired     = quote.ErrQuoteExpired
	ErrQuoteConsumed    = quote.ErrQuoteConsumed
	ErrUnsupportedPair  = quote.ErrUnsupportedPair
	ErrQuoteUnavailable = quote.ErrQuoteUnavailable

	ErrSwapNotFound            = storage.ErrSwapNotFound
	ErrInvalidPreimage         = storage.ErrInvalidPreimage
	ErrPreimageRequired        = storage.ErrPreimageRequired
	ErrTimelockExpired         = storage.ErrTimelockExpired
	ErrAlreadyExecuted         = storage.ErrAlreadyExecuted
	ErrAlreadyRefunded         = storage.ErrAlreadyRefunded
	ErrPartialFillsDisabled    = storage.ErrPartialFillsDisabled
	ErrMaxFillsExceeded        = storage.ErrMaxFillsExceeded
	ErrFillExceedsLockedAmount = storage.ErrFillExceedsLockedAmount
	ErrUnauthorizedFiller      = storage.ErrUnauthorizedFiller
	ErrInvalidTransition       = storage.ErrInvalidTransition
	ErrTransitionPending       = storage.ErrTransitionPending
	ErrRelayerNotFound         = storage.ErrRelayerNotFound

	ErrChainUnavailable        = adapter.ErrChainUnavailable
	ErrInsufficientFunds       = adapter.ErrInsufficientFunds
	ErrRejectedByChain         = adapter.ErrRejectedByChain
	ErrUnknownChainState       = adapter.ErrUnknownChainState
	ErrPartialFillsUnsupported = adapter.ErrPartialFillsUnsupported

	ErrRefundNotYetEligible = errors.New("refund not yet eligible: timelock not reached")
	ErrTimelockOutOfBounds  = errors.New("timelock out of bounds")
	ErrInvalidSecretHash    = errors.New("secret hash must be 32 bytes")
	ErrInvalidParams        = errors.New("invalid swap parameters")
)

// ConflictError is returned when a swap is not in a state that allows the
// operation, including when another operation is in flight. It unwraps to
// the specific reason.
type ConflictError struct {
	SwapID  string
	Op      string
	Status  storage.SwapStatus
	Pending string
	Err     error
}

func (e *ConflictError) Error() string {
	if e.Pending != "" {
		return fmt.Sprintf("swap %s: cannot %s while %s is pending: %v", e.SwapID, e.Op, e.Pending, e.Err)
	}
	return fmt.Sprintf("swap %s: cannot %s in status %s: %v", e.SwapID, e.Op, e.Status, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// conflict builds a ConflictError for swap, picking the most specific reason.
func conflict(swap *storage.Swap, op string, cause error) error {
	if swap == nil {
		return cause
	}
	reason := cause
	switch {
	case swap.HTLC != nil && swap.HTLC.Executed:
		reason = ErrAlreadyExecuted
	case swap.HTLC != nil && swap.HTLC.Refunded:
		reason = ErrAlreadyRefunded
	case swap.Pending != "":
		reason = ErrTransitionPending
	case reason == nil:
		reason = ErrInvalidTransition
	}
	return &ConflictError{
		SwapID:  swap.ID,
		Op:      op,
		Status:  swap.Status,
		Pending: swap.Pending,
		Err:     reason,
	}
}

// StateDivergenceError reports that a chain disagrees with the ledger. It is
// never resolved automatically.
type StateDivergenceError struct {
	SwapID      string
	Chain       string
	Event       adapter.EventType
	TxRef       adapter.TxRef
	LocalStatus storage.SwapStatus
	Detail      string
}

func (e *StateDivergenceError) Error() string {
	return fmt.Sprintf("state divergence on swap %s: %s event %s on %s while %s: %s",
		e.SwapID, e.Event, e.TxRef, e.Chain, e.LocalStatus, e.Detail)
}

// Class tells a caller what to do about an error.
type Class string

const (
	ClassNone       Class = ""
	ClassRetry      Class = "retry"
	ClassFatal      Class = "fatal"
	ClassDivergence Class = "divergence"
	ClassInvalid    Class = "invalid"
)

// Classify maps err to retry (try again later), fatal (the chain will not
// accept it), divergence (needs an operator) or invalid (the request can't
// succeed as made).
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var div *StateDivergenceError
	if errors.As(err, &div) {
		return ClassDivergence
	}
	switch {
	case errors.Is(err, ErrChainUnavailable),
		errors.Is(err, ErrUnknownChainState),
		errors.Is(err, ErrTransitionPending),
		errors.Is(err, ErrQuoteUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassRetry
	case adapter.IsFatal(err):
		return ClassFatal
	}
	return ClassInvalid
}
