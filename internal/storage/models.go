package storage

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// Ledger errors
var (
	ErrSwapNotFound            = errors.New("swap not found")
	ErrSwapExists              = errors.New("swap already exists")
	ErrQuoteUsed               = errors.New("quote already used by another swap")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrTransitionPending       = errors.New("another transition is in flight")
	ErrAlreadyExecuted         = errors.New("htlc already executed")
	ErrAlreadyRefunded         = errors.New("htlc already refunded")
	ErrInvalidPreimage         = errors.New("preimage does not match secret hash")
	ErrPreimageRequired        = errors.New("first fill must reveal the preimage")
	ErrTimelockExpired         = errors.New("timelock expired")
	ErrPartialFillsDisabled    = errors.New("partial fills not enabled for swap")
	ErrMaxFillsExceeded        = errors.New("max partial fills exceeded")
	ErrFillExceedsLockedAmount = errors.New("fill exceeds locked amount")
	ErrUnauthorizedFiller      = errors.New("filler is neither resolver nor active relayer")
	ErrDuplicateFill           = errors.New("fill already recorded")
	ErrRelayerNotFound         = errors.New("relayer not found")
	ErrRelayerExists           = errors.New("relayer already registered and active")
	ErrRelayerInactive         = errors.New("relayer already inactive")
)

// SwapStatus is the lifecycle state of a swap.
type SwapStatus string

const (
	StatusQuoted          SwapStatus = "QUOTED"
	StatusInitiated       SwapStatus = "INITIATED"
	StatusPartiallyFilled SwapStatus = "PARTIALLY_FILLED"
	StatusRedeemed        SwapStatus = "REDEEMED"
	StatusRefunded        SwapStatus = "REFUNDED"
	StatusExpired         SwapStatus = "EXPIRED"
	StatusFailed          SwapStatus = "FAILED"
)

// IsTerminal reports whether no further transition can leave the status.
// EXPIRED is not terminal: the swap is still refundable.
func (s SwapStatus) IsTerminal() bool {
	switch s {
	case StatusRedeemed, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// IsOpen reports whether funds may still be locked on chain.
func (s SwapStatus) IsOpen() bool {
	switch s {
	case StatusInitiated, StatusPartiallyFilled, StatusExpired:
		return true
	}
	return false
}

var validTransitions = map[SwapStatus][]SwapStatus{
	StatusQuoted:          {StatusInitiated, StatusFailed},
	StatusInitiated:       {StatusPartiallyFilled, StatusRedeemed, StatusRefunded, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusRedeemed, StatusRefunded, StatusExpired},
	StatusExpired:         {StatusPartiallyFilled, StatusRedeemed, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal ledger transition.
func CanTransition(from, to SwapStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HashAlgorithm names the function binding a preimage to its secret hash.
type HashAlgorithm string

const (
	HashSHA256    HashAlgorithm = "sha256"
	HashKeccak256 HashAlgorithm = "keccak256"
)

// ParseHashAlgorithm validates a hash algorithm name. Empty means sha256.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch HashAlgorithm(s) {
	case "", HashSHA256:
		return HashSHA256, nil
	case HashKeccak256:
		return HashKeccak256, nil
	}
	return "", fmt.Errorf("unknown hash algorithm %q", s)
}

// Sum hashes data with the algorithm.
func (h HashAlgorithm) Sum(data []byte) []byte {
	if h == HashKeccak256 {
		k := sha3.NewLegacyKeccak256()
		k.Write(data)
		return k.Sum(nil)
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// Swap is a single cross-chain exchange intent with its HTLC.
type Swap struct {
	ID      string `json:"id"`
	QuoteID string `json:"quote_id"`

	FromChain string          `json:"from_chain"`
	ToChain   string          `json:"to_chain"`
	FromToken string          `json:"from_token"`
	ToToken   string          `json:"to_token"`
	Amount    decimal.Decimal `json:"amount"`
	ToAmount  decimal.Decimal `json:"to_amount"`

	InitiatorAddress string `json:"initiator_address"`
	ResolverAddress  string `json:"resolver_address"`
	RecipientAddress string `json:"recipient_address"`

	Status    SwapStatus `json:"status"`
	Pending   string     `json:"pending,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Diverged  bool       `json:"diverged"`

	InitiateTx string `json:"initiate_tx,omitempty"`
	RedeemTx   string `json:"redeem_tx,omitempty"`
	RefundTx   string `json:"refund_tx,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	HTLC *HTLC `json:"htlc"`
}

// HTLC is the hash-time lock bound to a swap.
type HTLC struct {
	SwapID         string        `json:"swap_id"`
	HashAlgorithm  HashAlgorithm `json:"hash_algorithm"`
	SecretHash     []byte        `json:"secret_hash"`
	SecretPreimage []byte        `json:"secret_preimage,omitempty"`
	Timelock       time.Time     `json:"timelock"`

	LockedAmount decimal.Decimal `json:"locked_amount"`
	TotalFilled  decimal.Decimal `json:"total_filled"`

	PartialFillsEnabled bool   `json:"partial_fills_enabled"`
	MaxPartialFills     uint32 `json:"max_partial_fills"`
	CurrentFillCount    uint32 `json:"current_fill_count"`

	Executed bool `json:"executed"`
	Refunded bool `json:"refunded"`
}

// Remaining returns the amount still redeemable.
func (h *HTLC) Remaining() decimal.Decimal {
	return h.LockedAmount.Sub(h.TotalFilled)
}

// VerifyPreimage reports whether preimage hashes to the secret hash.
func (h *HTLC) VerifyPreimage(preimage []byte) bool {
	if len(preimage) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(h.HashAlgorithm.Sum(preimage), h.SecretHash) == 1
}

// Expired reports whether now is past the timelock.
func (h *HTLC) Expired(now time.Time) bool {
	return now.After(h.Timelock)
}

// Fill is one partial or full redemption against an HTLC.
type Fill struct {
	ID        string          `json:"id"`
	SwapID    string          `json:"swap_id"`
	Amount    decimal.Decimal `json:"amount"`
	FilledBy  string          `json:"filled_by"`
	TxRef     string          `json:"tx_ref"`
	Reward    decimal.Decimal `json:"reward"`
	Remaining decimal.Decimal `json:"remaining_after_fill"`
	CreatedAt time.Time       `json:"created_at"`
}

// RelayerStake is the bookkeeping for a relayer. Rows are never deleted.
type RelayerStake struct {
	Address       string          `json:"address"`
	Stake         decimal.Decimal `json:"stake"`
	RewardRate    decimal.Decimal `json:"reward_rate"`
	Active        bool            `json:"active"`
	RegisteredAt  time.Time       `json:"registered_at"`
	DeactivatedAt time.Time       `json:"deactivated_at,omitempty"`
}

// RelayerEvent is one entry of the relayer audit trail.
type RelayerEvent struct {
	ID         int64           `json:"id"`
	Address    string          `json:"address"`
	Action     string          `json:"action"`
	Stake      decimal.Decimal `json:"stake"`
	RewardRate decimal.Decimal `json:"reward_rate"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Relayer audit actions.
const (
	RelayerActionRegister   = "register"
	RelayerActionDeactivate = "deactivate"
)

// ChainEvent marks a chain event as processed.
type ChainEvent struct {
	Chain     string    `json:"chain"`
	TxRef     string    `json:"tx_ref"`
	EventType string    `json:"event_type"`
	SwapID    string    `json:"swap_id"`
	SeenAt    time.Time `json:"seen_at"`
}

// Divergence records a disagreement between the ledger and a chain.
type Divergence struct {
	ID          string     `json:"id"`
	SwapID      string     `json:"swap_id"`
	Chain       string     `json:"chain"`
	EventType   string     `json:"event_type"`
	TxRef       string     `json:"tx_ref"`
	LocalStatus SwapStatus `json:"local_status"`
	Detail      string     `json:"detail"`
	DetectedAt  time.Time  `json:"detected_at"`
	Resolved    bool       `json:"resolved"`
}
