package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/config"
	"github.com/Klingon-tech/swapengine/internal/storage"
	"github.com/Klingon-tech/swapengine/internal/swap"
)

// Version of the engine
const Version = "0.1.0-dev"

// ========================================
// Engine handlers
// ========================================

// EngineInfoResult is the response for engine_info.
type EngineInfoResult struct {
	Version   string            `json:"version"`
	Network   string            `json:"network"`
	Chains    []string          `json:"chains"`
	Uptime    string            `json:"uptime"`
	Policy    config.SwapPolicy `json:"policy"`
	WSClients int               `json:"ws_clients"`
}

func (s *Server) engineInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &EngineInfoResult{
		Version:   Version,
		Network:   string(s.network),
		Chains:    s.coord.Adapters().List(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Policy:    s.coord.Policy(),
		WSClients: s.wsHub.ClientCount(),
	}, nil
}

// ========================================
// Quote and secret handlers
// ========================================

// QuoteParams is the request for swap_quote.
type QuoteParams struct {
	FromToken     string          `json:"from_token"`
	ToToken       string          `json:"to_token"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address,omitempty"`
}

func (s *Server) swapQuote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p QuoteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.FromToken == "" || p.ToToken == "" {
		return nil, invalidParams("from_token and to_token are required")
	}
	return s.quotes.GetQuote(ctx, p.FromToken, p.ToToken, p.Amount, p.WalletAddress)
}

// GenerateSecretParams is the request for swap_generateSecret.
type GenerateSecretParams struct {
	HashAlgorithm string `json:"hash_algorithm,omitempty"`
}

// SecretResult is a freshly generated secret. The preimage never leaves the
// caller again until it is used to redeem.
type SecretResult struct {
	Preimage      string `json:"preimage"`
	SecretHash    string `json:"secret_hash"`
	HashAlgorithm string `json:"hash_algorithm"`
}

func (s *Server) swapGenerateSecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p GenerateSecretParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	alg := p.HashAlgorithm
	if alg == "" {
		alg = s.coord.Policy().DefaultHashAlgorithm
	}
	secret, err := swap.GenerateSecret(alg)
	if err != nil {
		return nil, err
	}
	return &SecretResult{
		Preimage:      hex.EncodeToString(secret.Preimage),
		SecretHash:    hex.EncodeToString(secret.Hash),
		HashAlgorithm: string(secret.HashAlgorithm),
	}, nil
}

// ========================================
// Swap handlers
// ========================================

// CreateParams is the request for swap_create.
type CreateParams struct {
	QuoteID          string `json:"quote_id"`
	InitiatorAddress string `json:"initiator_address,omitempty"`
	ResolverAddress  string `json:"resolver_address"`
	RecipientAddress string `json:"recipient_address,omitempty"`
	HashAlgorithm    string `json:"hash_algorithm,omitempty"`
	SecretHash       string `json:"secret_hash"`

	// Timelock is an absolute unix time; TimelockSeconds is relative to now.
	Timelock        int64 `json:"timelock,omitempty"`
	TimelockSeconds int64 `json:"timelock_seconds,omitempty"`

	PartialFills    bool   `json:"partial_fills,omitempty"`
	MaxPartialFills uint32 `json:"max_partial_fills,omitempty"`
}

func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.QuoteID == "" {
		return nil, invalidParams("quote_id is required")
	}
	hash, err := decodeHex("secret_hash", p.SecretHash)
	if err != nil {
		return nil, err
	}
	q, err := s.quotes.Book().Lookup(p.QuoteID)
	if err != nil {
		return nil, err
	}

	cp := swap.CreateParams{
		InitiatorAddress: p.InitiatorAddress,
		ResolverAddress:  p.ResolverAddress,
		RecipientAddress: p.RecipientAddress,
		HashAlgorithm:    p.HashAlgorithm,
		SecretHash:       hash,
		TimelockDuration: time.Duration(p.TimelockSeconds) * time.Second,
		PartialFills:     p.PartialFills,
		MaxPartialFills:  p.MaxPartialFills,
	}
	if p.Timelock > 0 {
		cp.Timelock = time.Unix(p.Timelock, 0)
	}
	return s.coord.CreateSwap(ctx, q, cp)
}

// FillParams is the request for swap_fill.
type FillParams struct {
	SwapID   string          `json:"swap_id"`
	Amount   decimal.Decimal `json:"amount"`
	FilledBy string          `json:"filled_by"`
	Preimage string          `json:"preimage,omitempty"`
}

// FillResult is the response for swap_fill.
type FillResult struct {
	Swap *storage.Swap `json:"swap"`
	Fill *storage.Fill `json:"fill"`
}

func (s *Server) swapFill(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FillParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SwapID == "" || p.FilledBy == "" {
		return nil, invalidParams("swap_id and filled_by are required")
	}
	var preimage []byte
	if p.Preimage != "" {
		var err error
		if preimage, err = decodeHex("preimage", p.Preimage); err != nil {
			return nil, err
		}
	}
	updated, fill, err := s.coord.ApplyFill(ctx, swap.FillRequest{
		SwapID:   p.SwapID,
		Amount:   p.Amount,
		FilledBy: p.FilledBy,
		Preimage: preimage,
	})
	if err != nil {
		return nil, err
	}
	return &FillResult{Swap: updated, Fill: fill}, nil
}

// RedeemParams is the request for swap_redeem.
type RedeemParams struct {
	SwapID   string `json:"swap_id"`
	Preimage string `json:"preimage"`
}

func (s *Server) swapRedeem(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RedeemParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SwapID == "" {
		return nil, invalidParams("swap_id is required")
	}
	preimage, err := decodeHex("preimage", p.Preimage)
	if err != nil {
		return nil, err
	}
	return s.coord.Redeem(ctx, p.SwapID, preimage)
}

// SwapIDParams is the request for methods taking only a swap id.
type SwapIDParams struct {
	SwapID string `json:"swap_id"`
}

func (s *Server) swapID(params json.RawMessage) (string, error) {
	var p SwapIDParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.SwapID == "" {
		return "", invalidParams("swap_id is required")
	}
	return p.SwapID, nil
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.swapID(params)
	if err != nil {
		return nil, err
	}
	return s.coord.Refund(ctx, id)
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.swapID(params)
	if err != nil {
		return nil, err
	}
	return s.coord.GetSwap(id)
}

// ListParams is the request for swap_list.
type ListParams struct {
	Status      []string `json:"status,omitempty"`
	Chain       string   `json:"chain,omitempty"`
	Address     string   `json:"address,omitempty"`
	PendingOnly bool     `json:"pending_only,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Offset      int      `json:"offset,omitempty"`
}

// ListResult is the response for swap_list.
type ListResult struct {
	Swaps []*storage.Swap `json:"swaps"`
	Count int             `json:"count"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	filter := storage.SwapFilter{
		Chain:       strings.ToUpper(p.Chain),
		Address:     p.Address,
		PendingOnly: p.PendingOnly,
		Limit:       p.Limit,
		Offset:      p.Offset,
	}
	for _, st := range p.Status {
		filter.Status = append(filter.Status, storage.SwapStatus(strings.ToUpper(st)))
	}
	swaps, err := s.coord.ListSwaps(filter)
	if err != nil {
		return nil, err
	}
	if swaps == nil {
		swaps = []*storage.Swap{}
	}
	return &ListResult{Swaps: swaps, Count: len(swaps)}, nil
}

func (s *Server) swapFills(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.swapID(params)
	if err != nil {
		return nil, err
	}
	fills, err := s.coord.GetFills(id)
	if err != nil {
		return nil, err
	}
	if fills == nil {
		fills = []*storage.Fill{}
	}
	return fills, nil
}

// ReconcileResult is the response for swap_reconcile.
type ReconcileResult struct {
	Applied int           `json:"applied"`
	Swap    *storage.Swap `json:"swap"`
}

func (s *Server) swapReconcile(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.swapID(params)
	if err != nil {
		return nil, err
	}
	if s.watcher == nil {
		return nil, invalidParams("watcher is not running")
	}
	n, err := s.watcher.Reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.coord.GetSwap(id)
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{Applied: n, Swap: updated}, nil
}

// ========================================
// Relayer handlers
// ========================================

// RelayerParams is the request for relayer_register.
type RelayerParams struct {
	Address    string          `json:"address"`
	Chain      string          `json:"chain,omitempty"`
	Stake      decimal.Decimal `json:"stake"`
	RewardRate decimal.Decimal `json:"reward_rate"`
}

func (s *Server) relayerRegister(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RelayerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Address == "" {
		return nil, invalidParams("address is required")
	}
	return s.coord.RegisterRelayer(swap.RelayerParams{
		Address:    p.Address,
		Chain:      strings.ToUpper(p.Chain),
		Stake:      p.Stake,
		RewardRate: p.RewardRate,
	})
}

// AddressParams is the request for relayer methods taking an address.
type AddressParams struct {
	Address string `json:"address"`
}

func (s *Server) relayerAddress(params json.RawMessage) (string, error) {
	var p AddressParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.Address == "" {
		return "", invalidParams("address is required")
	}
	return p.Address, nil
}

func (s *Server) relayerDeactivate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	addr, err := s.relayerAddress(params)
	if err != nil {
		return nil, err
	}
	return s.coord.DeactivateRelayer(addr)
}

func (s *Server) relayerGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	addr, err := s.relayerAddress(params)
	if err != nil {
		return nil, err
	}
	return s.coord.GetRelayer(addr)
}

// RelayerListParams is the request for relayer_list.
type RelayerListParams struct {
	ActiveOnly bool `json:"active_only,omitempty"`
}

func (s *Server) relayerList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RelayerListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	relayers, err := s.coord.ListRelayers(p.ActiveOnly)
	if err != nil {
		return nil, err
	}
	if relayers == nil {
		relayers = []*storage.RelayerStake{}
	}
	return relayers, nil
}

func decodeHex(field, value string) ([]byte, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if value == "" {
		return nil, invalidParams("%s is required", field)
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, invalidParams("%s: %v", field, err)
	}
	return b, nil
}
