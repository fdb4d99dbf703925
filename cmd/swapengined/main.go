// Package main provides the swapengined daemon - the atomic swap coordinator.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/internal/config"
	"github.com/Klingon-tech/swapengine/internal/quote"
	"github.com/Klingon-tech/swapengine/internal/rpc"
	"github.com/Klingon-tech/swapengine/internal/storage"
	"github.com/Klingon-tech/swapengine/internal/swap"
	"github.com/Klingon-tech/swapengine/internal/wallet"
	"github.com/Klingon-tech/swapengine/internal/watcher"
	"github.com/Klingon-tech/swapengine/pkg/logging"
)

var (
	version = rpc.Version
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.swapengine", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate data directory)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logger, replaced once the config is loaded
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapengined %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}
	configDir := effectiveDataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *testnet {
		cfg.Network = chain.Testnet
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *apiAddr != "" {
		cfg.RPC.Addr = *apiAddr
	}
	cfg.Storage.DataDir = effectiveDataDir
	dataPath := config.ExpandPath(cfg.Storage.DataDir)

	var logOut io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		w, closer, err := logging.OpenFile(filepath.Join(dataPath, cfg.Logging.File))
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		defer closer.Close()
		logOut = w
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(configDir))

	for i := range cfg.Tokens {
		chain.RegisterToken(&cfg.Tokens[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	var w *wallet.Wallet
	if needsSigner(cfg) {
		w, err = wallet.Open(cfg.Signer.Mnemonic, config.ExpandPath(cfg.Signer.SeedFile), cfg.Signer.Password, cfg.Network)
		if err != nil {
			log.Fatal("Failed to open signer wallet", "error", err)
		}
		defer w.ClearCache()
		log.Info("Signer wallet opened", "network", cfg.Network, "account", cfg.Signer.Account)
	}

	adapters, closeAdapters, err := buildAdapters(ctx, cfg, store, w, log.Component("chain"))
	if err != nil {
		log.Fatal("Failed to initialize chain adapters", "error", err)
	}
	defer closeAdapters()

	book := quote.NewBook(nil)
	negotiator, err := buildNegotiator(cfg, book)
	if err != nil {
		log.Fatal("Failed to initialize quote negotiator", "error", err)
	}

	coordinator, err := swap.NewCoordinator(&swap.CoordinatorConfig{
		Store:    store,
		Adapters: adapters,
		Network:  cfg.Network,
		Policy:   cfg.Swap,
		Book:     book,
	})
	if err != nil {
		log.Fatal("Failed to initialize swap coordinator", "error", err)
	}
	defer coordinator.Close()

	recovered, err := coordinator.Recover(ctx)
	if err != nil {
		log.Warn("Failed to recover swaps", "error", err)
	} else {
		log.Info("Swaps recovered",
			"initiated", len(recovered.Initiated),
			"deleted", len(recovered.Deleted),
			"failed", len(recovered.Failed),
			"unresolved", len(recovered.Unresolved),
			"expired", recovered.Expired)
	}
	coordinator.Start()

	watcherCfg := watcher.DefaultConfig()
	watcherCfg.ReconcileInterval = cfg.Watcher.ReconcileInterval
	if cfg.Watcher.EventBuffer > 0 {
		watcherCfg.DivergenceBuffer = cfg.Watcher.EventBuffer
	}
	settlement := watcher.New(coordinator, watcherCfg)
	settlement.Start()
	defer settlement.Stop()

	go func() {
		divLog := log.Component("divergence")
		for div := range settlement.Divergences() {
			divLog.Error("Swap needs operator attention", "swap_id", div.SwapID, "chain", div.Chain, "detail", div.Detail)
		}
	}()

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(rpc.ServerConfig{
			Coordinator:    coordinator,
			Quotes:         negotiator,
			Watcher:        settlement,
			Network:        cfg.Network,
			AllowedOrigins: cfg.RPC.AllowedOrigins,
		})
		if err := rpcServer.Start(cfg.RPC.Addr); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	printBanner(log, cfg, adapters.List(), rpcServer)

	started := time.Now()
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				open, err := store.ListSwaps(storage.SwapFilter{
					Status: []storage.SwapStatus{storage.StatusInitiated, storage.StatusPartiallyFilled, storage.StatusExpired},
				})
				if err != nil {
					log.Warn("Status query failed", "error", err)
					continue
				}
				log.Info("Status", "open_swaps", len(open), "uptime", time.Since(started).Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}

	log.Info("Goodbye!")
}

// needsSigner reports whether any enabled chain signs real transactions.
func needsSigner(cfg *config.Config) bool {
	for _, symbol := range cfg.EnabledChains() {
		switch cfg.Chains[symbol].Driver {
		case config.DriverEVM, config.DriverUTXO:
			return true
		}
	}
	return false
}

func buildNegotiator(cfg *config.Config, book *quote.Book) (*quote.Negotiator, error) {
	routes := make(map[string]quote.Route)
	for _, symbol := range cfg.EnabledChains() {
		routes[symbol] = quote.Route{
			NetworkFee:    cfg.NetworkFee(symbol),
			Confirmations: cfg.Chains[symbol].Confirmations,
		}
	}

	var source quote.PriceSource
	switch cfg.Quote.PriceSource {
	case "http":
		source = quote.NewHTTPPrices(cfg.Quote.PriceURL, cfg.Quote.PriceCacheTTL)
	default:
		source = quote.NewStaticPrices(cfg.Prices)
	}

	return quote.NewNegotiator(quote.Config{
		Network:        cfg.Network,
		Chains:         routes,
		TTL:            cfg.Quote.TTL,
		SlippageBps:    cfg.Quote.SlippageBps,
		ProtocolFeeBps: cfg.Quote.ProtocolFeeBps,
		PoolDepth:      cfg.Quote.PoolDepth,
		Source:         source,
		Book:           book,
	})
}

func printBanner(log *logging.Logger, cfg *config.Config, chains []string, rpcServer *rpc.Server) {
	networkLabel := "mainnet"
	if cfg.Network == chain.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Swap Engine (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Info("  Chains:")
	for _, symbol := range chains {
		log.Infof("    %s (%s)", symbol, cfg.Chains[symbol].Driver)
	}
	log.Info("")
	if rpcServer != nil {
		log.Infof("  API: http://%s", rpcServer.Addr())
		log.Infof("  WS:  ws://%s/ws", rpcServer.Addr())
	} else {
		log.Info("  API: disabled")
	}
	log.Info("")
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("=================================================")
	log.Info("")
}
