// Package backend provides read and broadcast access to UTXO chain indexers.
// It never handles private keys; signing happens in the wallet package.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrNotFound           = errors.New("not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend flavour.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // satoshis
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction is the subset of an indexed transaction the swap engine reads.
type Transaction struct {
	TxID          string     `json:"txid"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"` // hex items
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Outspend reports whether an output has been spent and by which input.
type Outspend struct {
	Spent     bool   `json:"spent"`
	TxID      string `json:"txid,omitempty"`
	Vin       uint32 `json:"vin,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

// FeeEstimate contains fee rates for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend is a UTXO chain indexer.
type Backend interface {
	Type() Type
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetTipTime(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// New creates a backend of the given type. An empty type means mempool.
func New(t Type, baseURL string) (Backend, error) {
	switch t {
	case "", TypeMempool:
		return NewEsplora(baseURL, TypeMempool), nil
	case TypeEsplora:
		return NewEsplora(baseURL, TypeEsplora), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, t)
	}
}
