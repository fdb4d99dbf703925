package chain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

func init() {
	Register("BTC", Mainnet, &Params{
		Symbol:        "BTC",
		Name:          "Bitcoin",
		Kind:          KindBitcoin,
		Decimals:      8,
		BlockTime:     10 * time.Minute,
		Confirmations: 2,
		CoinType:      0,
	})

	Register("BTC", Testnet, &Params{
		Symbol:        "BTC",
		Name:          "Bitcoin Testnet",
		Kind:          KindBitcoin,
		Decimals:      8,
		BlockTime:     10 * time.Minute,
		Confirmations: 1,
		CoinType:      1,
	})

	Register("BTC", Regtest, &Params{
		Symbol:        "BTC",
		Name:          "Bitcoin Regtest",
		Kind:          KindBitcoin,
		Decimals:      8,
		BlockTime:     time.Second,
		Confirmations: 1,
		CoinType:      1,
	})
}

// BitcoinParams returns the btcd network parameters for a network.
func BitcoinParams(network Network) *chaincfg.Params {
	switch network {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
