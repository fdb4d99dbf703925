package chain

import (
	"fmt"
	"sort"
	"strings"
)

// Token is an asset that can be locked in an HTLC on a specific chain.
// Native tokens have an empty Contract.
type Token struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Chain    string `yaml:"chain" json:"chain"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
	Contract string `yaml:"contract,omitempty" json:"contract,omitempty"`
	// PriceSymbol is the symbol looked up in the price source, defaults to Symbol.
	PriceSymbol string `yaml:"price_symbol,omitempty" json:"price_symbol,omitempty"`
}

// ID returns the canonical token identifier. Native tokens are keyed by
// their symbol alone (BTC, ETH), others as SYMBOL@CHAIN (USDC@ETH).
func (t *Token) ID() string {
	if t.IsNative() {
		return t.Symbol
	}
	return t.Symbol + "@" + t.Chain
}

// IsNative returns true for the chain's own currency.
func (t *Token) IsNative() bool {
	return t.Contract == ""
}

// PriceKey returns the key used to query a price source.
func (t *Token) PriceKey() string {
	if t.PriceSymbol != "" {
		return t.PriceSymbol
	}
	return t.Symbol
}

var tokenRegistry = make(map[string]*Token)

func init() {
	RegisterToken(&Token{Symbol: "BTC", Chain: "BTC", Decimals: 8})
	RegisterToken(&Token{Symbol: "ETH", Chain: "ETH", Decimals: 18})
	RegisterToken(&Token{Symbol: "BNB", Chain: "BSC", Decimals: 18})
	RegisterToken(&Token{Symbol: "SOL", Chain: "SOL", Decimals: 9})
	RegisterToken(&Token{Symbol: "XLM", Chain: "XLM", Decimals: 7})
	RegisterToken(&Token{Symbol: "STRK", Chain: "STRK", Decimals: 18})
	RegisterToken(&Token{
		Symbol:   "USDC",
		Chain:    "ETH",
		Decimals: 6,
		Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	})
	RegisterToken(&Token{
		Symbol:   "WBTC",
		Chain:    "ETH",
		Decimals: 8,
		Contract: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599",
	})
}

// RegisterToken adds or replaces a token in the registry.
func RegisterToken(t *Token) {
	registryMu.Lock()
	defer registryMu.Unlock()
	tokenRegistry[strings.ToUpper(t.ID())] = t
}

// ResolveToken looks up a token by its identifier (case-insensitive).
func ResolveToken(id string) (*Token, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := tokenRegistry[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("unknown token: %s", id)
	}
	return t, nil
}

// ListTokens returns all registered tokens sorted by id.
func ListTokens() []*Token {
	registryMu.RLock()
	defer registryMu.RUnlock()
	tokens := make([]*Token, 0, len(tokenRegistry))
	for _, t := range tokenRegistry {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID() < tokens[j].ID() })
	return tokens
}
