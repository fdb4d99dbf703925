package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/adapter/evm"
	"github.com/Klingon-tech/swapengine/internal/adapter/utxo"
	"github.com/Klingon-tech/swapengine/internal/backend"
	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/internal/config"
	"github.com/Klingon-tech/swapengine/internal/storage"
	"github.com/Klingon-tech/swapengine/internal/wallet"
	"github.com/Klingon-tech/swapengine/pkg/logging"
)

// buildAdapters creates one adapter per enabled chain, each wrapped with
// bounded retry and initiate de-duplication. The returned closer releases
// node connections.
func buildAdapters(ctx context.Context, cfg *config.Config, store *storage.Storage, w *wallet.Wallet, log *logging.Logger) (*adapter.Registry, func(), error) {
	registry := adapter.NewRegistry()
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	retry := adapter.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Factor:      cfg.Retry.Factor,
	}

	for _, symbol := range cfg.EnabledChains() {
		cc := cfg.Chains[symbol]
		var (
			a   adapter.Adapter
			err error
		)
		switch cc.Driver {
		case config.DriverMemory:
			params, ok := chain.Get(symbol, cfg.Network)
			if !ok {
				err = fmt.Errorf("%w: %s", chain.ErrUnknownChain, symbol)
				break
			}
			a = adapter.NewMemory(symbol, adapter.MemoryOptions{
				Family:       params.Family(),
				PartialFills: params.Family() == chain.FamilyAccount,
			})
		case config.DriverEVM:
			var closer func()
			a, closer, err = buildEVM(ctx, cfg, symbol, cc, w)
			if closer != nil {
				closers = append(closers, closer)
			}
		case config.DriverUTXO:
			var closer func()
			a, closer, err = buildUTXO(ctx, cfg, symbol, cc, store, w)
			if closer != nil {
				closers = append(closers, closer)
			}
		default:
			err = fmt.Errorf("%w: unknown driver %q for %s", config.ErrInvalidConfig, cc.Driver, symbol)
		}
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("%s adapter: %w", symbol, err)
		}

		registry.Register(adapter.Idempotent(adapter.WithRetry(a, retry)))
		log.Info("Chain adapter ready", "chain", symbol, "driver", cc.Driver)
	}
	return registry, closeAll, nil
}

func buildEVM(ctx context.Context, cfg *config.Config, symbol string, cc *config.ChainConfig, w *wallet.Wallet) (adapter.Adapter, func(), error) {
	if w == nil {
		return nil, nil, errors.New("evm driver needs a signer mnemonic or seed file")
	}
	if !common.IsHexAddress(cc.Contract) {
		return nil, nil, fmt.Errorf("%w: bad contract address %q", config.ErrInvalidConfig, cc.Contract)
	}
	signer, err := w.Signer(symbol, cfg.Signer.Account, 0)
	if err != nil {
		return nil, nil, err
	}
	client, err := ethclient.DialContext(ctx, cc.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cc.RPCURL, err)
	}
	a, err := evm.New(evm.Config{
		Symbol:   symbol,
		Network:  cfg.Network,
		Client:   client,
		Signer:   signer,
		Contract: common.HexToAddress(cc.Contract),
		GasLimit: cc.GasLimit,
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return a, client.Close, nil
}

func buildUTXO(ctx context.Context, cfg *config.Config, symbol string, cc *config.ChainConfig, store *storage.Storage, w *wallet.Wallet) (adapter.Adapter, func(), error) {
	if w == nil {
		return nil, nil, errors.New("utxo driver needs a signer mnemonic or seed file")
	}
	signer, err := w.Signer(symbol, cfg.Signer.Account, 0)
	if err != nil {
		return nil, nil, err
	}
	b, err := backend.New(backend.Type(cc.BackendType), cc.EsploraURL)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Connect(ctx); err != nil {
		return nil, nil, err
	}
	a, err := utxo.New(utxo.Config{
		Symbol:  symbol,
		Network: cfg.Network,
		Backend: b,
		Signer:  signer,
		FeeRate: cc.FeeRate,
		Lookup:  ledgerLookup(store),
	})
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return a, func() { b.Close() }, nil
}

// ledgerLookup rebuilds lock parameters from the ledger so the utxo adapter
// can find locks made before a restart.
func ledgerLookup(store *storage.Storage) utxo.LookupFunc {
	return func(_ context.Context, swapID string) (*adapter.LockRequest, bool, error) {
		s, err := store.GetSwap(swapID)
		if errors.Is(err, storage.ErrSwapNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		token, err := chain.ResolveToken(s.FromToken)
		if err != nil {
			return nil, false, err
		}
		return &adapter.LockRequest{
			SwapID:        s.ID,
			Token:         *token,
			Amount:        s.HTLC.LockedAmount,
			HashAlgorithm: string(s.HTLC.HashAlgorithm),
			SecretHash:    s.HTLC.SecretHash,
			Initiator:     s.InitiatorAddress,
			Resolver:      s.ResolverAddress,
			Timelock:      s.HTLC.Timelock,
			PartialFills:  s.HTLC.PartialFillsEnabled,
			MaxFills:      s.HTLC.MaxPartialFills,
		}, true, nil
	}
}
