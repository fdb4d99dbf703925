// Package chain defines chain parameters, chain families and address
// normalization for every ledger the engine can settle on.
package chain

import (
	"sort"
	"sync"
	"time"
)

// Network represents mainnet, testnet or a local regression network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Family is the ledger model a chain follows. Adapters are selected per family.
type Family string

const (
	FamilyAccount Family = "account" // EVM, Solana, Stellar, Starknet
	FamilyUTXO    Family = "utxo"    // Bitcoin and forks
)

// Kind identifies the address and transaction encoding of a chain.
type Kind string

const (
	KindEVM      Kind = "evm"
	KindBitcoin  Kind = "bitcoin"
	KindSolana   Kind = "solana"
	KindStellar  Kind = "stellar"
	KindStarknet Kind = "starknet"
)

// Family returns the ledger family for a chain kind.
func (k Kind) Family() Family {
	if k == KindBitcoin {
		return FamilyUTXO
	}
	return FamilyAccount
}

// Params contains all parameters for a chain on one network.
type Params struct {
	Symbol      string // BTC, ETH, SOL, ...
	Name        string
	Kind        Kind
	Decimals    uint8 // native token decimals
	NativeToken string

	// EVM chain ID, zero for non-EVM chains.
	ChainID uint64

	// BlockTime and Confirmations drive settlement time estimates.
	BlockTime     time.Duration
	Confirmations uint32

	// BIP44 coin type used by the HD signer.
	CoinType uint32
}

// Family returns the ledger family of the chain.
func (p *Params) Family() Family {
	return p.Kind.Family()
}

// GetNativeToken returns the native token symbol for a chain.
func (p *Params) GetNativeToken() string {
	if p.NativeToken != "" {
		return p.NativeToken
	}
	return p.Symbol
}

// FinalityTime is the expected time until a transaction is considered final.
func (p *Params) FinalityTime() time.Duration {
	confs := p.Confirmations
	if confs == 0 {
		confs = 1
	}
	return p.BlockTime * time.Duration(confs)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]map[Network]*Params)
)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network. Regtest falls back to
// testnet params when no regtest entry exists.
func Get(symbol string, network Network) (*Params, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	if !ok && network == Regtest {
		params, ok = nets[Testnet]
	}
	return params, ok
}

// List returns all registered chain symbols, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// ListByFamily returns all chains of a family, sorted.
func ListByFamily(family Family) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var symbols []string
	for symbol, nets := range registry {
		for _, params := range nets {
			if params.Family() == family {
				symbols = append(symbols, symbol)
				break
			}
		}
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[symbol]
	return ok
}

// GetByChainID returns chain params for an EVM chain ID.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.Kind == KindEVM && params.ChainID == chainID {
				return params, true
			}
		}
	}
	return nil, false
}
