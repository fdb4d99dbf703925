package swap

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/storage"
)

// Event types emitted by the coordinator.
const (
	EventSwapCreated        = "swap_created"
	EventSwapInitiated      = "swap_initiated"
	EventSwapFilled         = "swap_filled"
	EventSwapRedeemed       = "swap_redeemed"
	EventSecretRevealed     = "secret_revealed"
	EventSwapRefunded       = "swap_refunded"
	EventSwapExpired        = "swap_expired"
	EventSwapFailed         = "swap_failed"
	EventSwapRolledBack     = "swap_rolled_back"
	EventStateDivergence    = "state_divergence"
	EventRelayerRegistered  = "relayer_registered"
	EventRelayerDeactivated = "relayer_deactivated"
)

// Pending operation names stored on a swap while a chain call is in flight.
const (
	opInitiate = "initiate"
	opFill     = "fill"
	opRedeem   = "redeem"
	opRefund   = "refund"

	// opInitiateSent marks an initiate whose lock may already be on its
	// way to the chain. Such a swap is never removed, only failed once its
	// timelock has passed with no lock seen.
	opInitiateSent = "initiate_sent"
)

// SwapEvent is one coordinator event. Data depends on Type: *storage.Swap
// for lifecycle events, *FillEvent, *SecretEvent, *RollbackEvent,
// *storage.Divergence or *storage.RelayerStake.
type SwapEvent struct {
	SwapID    string      `json:"swap_id,omitempty"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventHandler is called for every coordinator event.
type EventHandler func(event SwapEvent)

// FillEvent is the payload of swap_filled.
type FillEvent struct {
	Swap *storage.Swap `json:"swap"`
	Fill *storage.Fill `json:"fill"`
}

// SecretEvent is the payload of secret_revealed. The counterpart leg uses
// the preimage to claim its side.
type SecretEvent struct {
	SwapID   string `json:"swap_id"`
	Chain    string `json:"chain"`
	Preimage string `json:"preimage"`
}

// RollbackEvent is the payload of swap_rolled_back.
type RollbackEvent struct {
	Op      string `json:"op"`
	Error   string `json:"error"`
	Deleted bool   `json:"deleted,omitempty"`
}

// CreateParams are the caller-supplied terms of a new swap.
type CreateParams struct {
	// InitiatorAddress defaults to the quote's wallet address.
	InitiatorAddress string
	ResolverAddress  string

	// RecipientAddress receives the counterpart leg on the destination
	// chain. Optional.
	RecipientAddress string

	HashAlgorithm string
	SecretHash    []byte

	// Timelock is absolute. When zero, now+TimelockDuration is used, or
	// DefaultTimelock clamped to the policy bounds.
	Timelock         time.Time
	TimelockDuration time.Duration

	PartialFills    bool
	MaxPartialFills uint32
}

// DefaultTimelock is used when CreateParams carries no timelock.
const DefaultTimelock = 24 * time.Hour

// FillRequest applies part of a swap's locked amount.
type FillRequest struct {
	SwapID   string
	Amount   decimal.Decimal
	FilledBy string

	// Preimage is required on the first fill.
	Preimage []byte
}

// RelayerParams registers a relayer.
type RelayerParams struct {
	Address string

	// Chain, when set, normalizes Address for that chain.
	Chain      string
	Stake      decimal.Decimal
	RewardRate decimal.Decimal
}

// RecoveryResult summarizes Recover.
type RecoveryResult struct {
	Initiated  []string `json:"initiated"`
	Deleted    []string `json:"deleted"`
	Unresolved []string `json:"unresolved"`
	Failed     []string `json:"failed"`
	Cleared    []string `json:"cleared"`
	Expired    int      `json:"expired"`
}
