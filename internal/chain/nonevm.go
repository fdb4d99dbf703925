package chain

import "time"

func init() {
	for _, net := range []Network{Mainnet, Testnet} {
		Register("SOL", net, &Params{
			Symbol:        "SOL",
			Name:          "Solana",
			Kind:          KindSolana,
			Decimals:      9,
			BlockTime:     400 * time.Millisecond,
			Confirmations: 32,
			CoinType:      501,
		})
		Register("XLM", net, &Params{
			Symbol:        "XLM",
			Name:          "Stellar",
			Kind:          KindStellar,
			Decimals:      7,
			BlockTime:     5 * time.Second,
			Confirmations: 1,
			CoinType:      148,
		})
		Register("STRK", net, &Params{
			Symbol:        "STRK",
			Name:          "Starknet",
			Kind:          KindStarknet,
			Decimals:      18,
			BlockTime:     30 * time.Second,
			Confirmations: 1,
			CoinType:      9004,
		})
	}
}
