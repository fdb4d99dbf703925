package chain

import "time"

type evmChain struct {
	symbol, name, native string
	mainnetID, testnetID uint64
	blockTime            time.Duration
	confirmations        uint32
}

var evmChains = []evmChain{
	{"ETH", "Ethereum", "ETH", 1, 11155111, 12 * time.Second, 12},
	{"BSC", "BNB Smart Chain", "BNB", 56, 97, 3 * time.Second, 15},
	{"ARBITRUM", "Arbitrum One", "ETH", 42161, 421614, 250 * time.Millisecond, 20},
	{"BASE", "Base", "ETH", 8453, 84532, 2 * time.Second, 10},
}

func init() {
	for _, c := range evmChains {
		Register(c.symbol, Mainnet, &Params{
			Symbol:        c.symbol,
			Name:          c.name,
			Kind:          KindEVM,
			Decimals:      18,
			NativeToken:   c.native,
			ChainID:       c.mainnetID,
			BlockTime:     c.blockTime,
			Confirmations: c.confirmations,
			CoinType:      60,
		})
		Register(c.symbol, Testnet, &Params{
			Symbol:        c.symbol,
			Name:          c.name + " Testnet",
			Kind:          KindEVM,
			Decimals:      18,
			NativeToken:   c.native,
			ChainID:       c.testnetID,
			BlockTime:     c.blockTime,
			Confirmations: c.confirmations,
			CoinType:      60,
		})
	}
}
