// Package config holds the swap engine daemon configuration.
//
// The file lives at <data-dir>/config.yaml and is created with defaults on
// first run. Secrets (signer mnemonic, RPC credentials) are read from the
// environment or a .env file in the data directory, never from the YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/swapengine/internal/chain"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// EnvFileName is the optional dotenv file read from the data directory.
const EnvFileName = ".env"

// Environment variables.
const (
	EnvMnemonic     = "SWAPENGINE_MNEMONIC"
	EnvSeedPassword = "SWAPENGINE_SEED_PASSWORD"
	EnvRPCPrefix    = "SWAPENGINE_"
	EnvRPCSuffix    = "_RPC"
)

// Chain drivers.
const (
	DriverEVM    = "evm"
	DriverUTXO   = "utxo"
	DriverMemory = "memory"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Config holds all configuration for the swap engine daemon.
type Config struct {
	Network chain.Network `yaml:"network"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	RPC     RPCConfig     `yaml:"rpc"`

	Swap    SwapPolicy    `yaml:"swap"`
	Quote   QuotePolicy   `yaml:"quote"`
	Retry   RetryPolicy   `yaml:"retry"`
	Watcher WatcherConfig `yaml:"watcher"`

	// Chains holds per-chain adapter settings keyed by chain symbol.
	Chains map[string]*ChainConfig `yaml:"chains"`

	// Tokens registers extra tokens on top of the built-in table.
	Tokens []chain.Token `yaml:"tokens,omitempty"`

	// Prices is the static USD price table keyed by price symbol.
	Prices map[string]decimal.Decimal `yaml:"prices,omitempty"`

	Signer SignerConfig `yaml:"signer"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr only).
	File string `yaml:"file"`
}

// RPCConfig holds JSON-RPC server settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// AllowedOrigins restricts WebSocket upgrades. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// SwapPolicy bounds what CreateSwap accepts and how the monitor behaves.
type SwapPolicy struct {
	MinTimelock time.Duration `yaml:"min_timelock"`
	MaxTimelock time.Duration `yaml:"max_timelock"`

	// MaxPartialFills is the upper bound for a swap's fill count.
	MaxPartialFills uint32 `yaml:"max_partial_fills"`

	// DefaultHashAlgorithm is sha256 or keccak256.
	DefaultHashAlgorithm string `yaml:"default_hash_algorithm"`

	// ChainCallTimeout bounds each adapter call made by the coordinator.
	ChainCallTimeout time.Duration `yaml:"chain_call_timeout"`

	MonitorInterval time.Duration `yaml:"monitor_interval"`
	AutoRefund      bool          `yaml:"auto_refund"`
}

// QuotePolicy configures the quote negotiator.
type QuotePolicy struct {
	TTL            time.Duration `yaml:"ttl"`
	SlippageBps    uint32        `yaml:"slippage_bps"`
	ProtocolFeeBps uint32        `yaml:"protocol_fee_bps"`

	// PoolDepth is the notional depth (in USD) of the constant-product
	// model used to derive price impact.
	PoolDepth decimal.Decimal `yaml:"pool_depth"`

	// PriceSource is "static" or "http".
	PriceSource   string        `yaml:"price_source"`
	PriceURL      string        `yaml:"price_url,omitempty"`
	PriceCacheTTL time.Duration `yaml:"price_cache_ttl"`
}

// RetryPolicy configures bounded exponential backoff at the adapter edge.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
}

// WatcherConfig configures the settlement watcher.
type WatcherConfig struct {
	// ReconcileInterval runs a full reconcile of open swaps. Zero disables it.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	EventBuffer       int           `yaml:"event_buffer"`
}

// ChainConfig holds adapter settings for one chain.
type ChainConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`

	// RPCURL is the JSON-RPC endpoint for evm chains.
	RPCURL string `yaml:"rpc_url,omitempty"`

	// EsploraURL is the REST endpoint for utxo chains.
	EsploraURL  string `yaml:"esplora_url,omitempty"`
	BackendType string `yaml:"backend_type,omitempty"`

	// Contract is the HTLC contract address for evm chains.
	Contract string `yaml:"contract,omitempty"`

	Confirmations uint32 `yaml:"confirmations,omitempty"`

	// NetworkFee is the flat fee charged for settlement on this chain, in
	// units of the chain's native token.
	NetworkFee decimal.Decimal `yaml:"network_fee"`

	// FeeRate overrides backend fee estimates for utxo chains (sat/vB).
	FeeRate uint64 `yaml:"fee_rate,omitempty"`

	// GasLimit overrides gas estimation for evm chains.
	GasLimit uint64 `yaml:"gas_limit,omitempty"`
}

// SignerConfig holds signer settings. The mnemonic and the seed file
// password are only read from the environment.
type SignerConfig struct {
	Account uint32 `yaml:"account"`

	// SeedFile is an encrypted mnemonic, used when no mnemonic is set.
	SeedFile string `yaml:"seed_file,omitempty"`

	Mnemonic string `yaml:"-"`
	Password string `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Testnet,
		Storage: StorageConfig{
			DataDir: "~/.swapengine",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8645",
		},
		Swap:    DefaultSwapPolicy(),
		Quote:   DefaultQuotePolicy(),
		Retry:   DefaultRetryPolicy(),
		Watcher: WatcherConfig{
			ReconcileInterval: 5 * time.Minute,
			EventBuffer:       256,
		},
		Chains: DefaultChains(),
		Prices: map[string]decimal.Decimal{
			"BTC":  decimal.NewFromInt(60000),
			"ETH":  decimal.NewFromInt(3000),
			"BNB":  decimal.NewFromInt(550),
			"SOL":  decimal.NewFromInt(150),
			"XLM":  decimal.RequireFromString("0.1"),
			"STRK": decimal.RequireFromString("0.5"),
			"USDC": decimal.NewFromInt(1),
		},
	}
}

// DefaultSwapPolicy returns the default swap policy.
func DefaultSwapPolicy() SwapPolicy {
	return SwapPolicy{
		MinTimelock:          30 * time.Minute,
		MaxTimelock:          48 * time.Hour,
		MaxPartialFills:      10,
		DefaultHashAlgorithm: "sha256",
		ChainCallTimeout:     2 * time.Minute,
		MonitorInterval:      30 * time.Second,
		AutoRefund:           false,
	}
}

// DefaultQuotePolicy returns the default quote policy.
func DefaultQuotePolicy() QuotePolicy {
	return QuotePolicy{
		TTL:            30 * time.Second,
		SlippageBps:    300,
		ProtocolFeeBps: 30,
		PoolDepth:      decimal.NewFromInt(5_000_000),
		PriceSource:    "static",
		PriceCacheTTL:  10 * time.Second,
	}
}

// DefaultRetryPolicy returns the default adapter retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Factor:      2,
	}
}

// DefaultChains returns a disabled-by-default chain table. The memory driver
// is used so a fresh install runs without external endpoints.
func DefaultChains() map[string]*ChainConfig {
	return map[string]*ChainConfig{
		"BTC": {
			Driver:        DriverUTXO,
			EsploraURL:    "https://mempool.space/testnet4/api",
			BackendType:   "mempool",
			Confirmations: 1,
			NetworkFee:    decimal.RequireFromString("0.00002"),
		},
		"ETH": {
			Driver:        DriverEVM,
			RPCURL:        "https://ethereum-sepolia-rpc.publicnode.com",
			Confirmations: 2,
			NetworkFee:    decimal.RequireFromString("0.0005"),
		},
		"BSC": {
			Driver:        DriverEVM,
			RPCURL:        "https://data-seed-prebsc-1-s1.binance.org:8545",
			Confirmations: 3,
			NetworkFee:    decimal.RequireFromString("0.0002"),
		},
		"SOL": {
			Driver:     DriverMemory,
			NetworkFee: decimal.RequireFromString("0.00001"),
		},
		"XLM": {
			Driver:     DriverMemory,
			NetworkFee: decimal.RequireFromString("0.00001"),
		},
		"STRK": {
			Driver:     DriverMemory,
			NetworkFee: decimal.RequireFromString("0.001"),
		},
	}
}

// LoadConfig loads configuration from <dataDir>/config.yaml.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	var cfg *Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		cfg = DefaultConfig()
		// Chains from the file replace the default table entirely.
		cfg.Chains = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if cfg.Chains == nil {
			cfg.Chains = DefaultChains()
		}
	}

	if err := cfg.ApplyEnv(filepath.Join(ExpandPath(dataDir), EnvFileName)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv loads the optional dotenv file and applies environment overrides.
func (c *Config) ApplyEnv(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if m := strings.TrimSpace(os.Getenv(EnvMnemonic)); m != "" {
		c.Signer.Mnemonic = m
	}
	if p := os.Getenv(EnvSeedPassword); p != "" {
		c.Signer.Password = p
	}
	for symbol, cc := range c.Chains {
		url := strings.TrimSpace(os.Getenv(EnvRPCPrefix + strings.ToUpper(symbol) + EnvRPCSuffix))
		if url == "" {
			continue
		}
		if cc.Driver == DriverUTXO {
			cc.EsploraURL = url
		} else {
			cc.RPCURL = url
		}
	}
	return nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	switch c.Network {
	case chain.Mainnet, chain.Testnet, chain.Regtest:
	default:
		return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Network)
	}
	if c.Swap.MinTimelock <= 0 || c.Swap.MaxTimelock < c.Swap.MinTimelock {
		return fmt.Errorf("%w: timelock bounds [%s, %s]", ErrInvalidConfig, c.Swap.MinTimelock, c.Swap.MaxTimelock)
	}
	if c.Swap.MaxPartialFills == 0 {
		return fmt.Errorf("%w: max_partial_fills must be at least 1", ErrInvalidConfig)
	}
	switch c.Swap.DefaultHashAlgorithm {
	case "sha256", "keccak256":
	default:
		return fmt.Errorf("%w: unknown hash algorithm %q", ErrInvalidConfig, c.Swap.DefaultHashAlgorithm)
	}
	if c.Quote.TTL <= 0 {
		return fmt.Errorf("%w: quote ttl must be positive", ErrInvalidConfig)
	}
	if c.Quote.SlippageBps >= 10000 || c.Quote.ProtocolFeeBps >= 10000 {
		return fmt.Errorf("%w: basis points must be below 10000", ErrInvalidConfig)
	}
	if !c.Quote.PoolDepth.IsPositive() {
		return fmt.Errorf("%w: pool_depth must be positive", ErrInvalidConfig)
	}
	switch c.Quote.PriceSource {
	case "static":
	case "http":
		if c.Quote.PriceURL == "" {
			return fmt.Errorf("%w: price_url required for http price source", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown price source %q", ErrInvalidConfig, c.Quote.PriceSource)
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.Factor < 1 {
		return fmt.Errorf("%w: retry policy needs max_attempts >= 1 and factor >= 1", ErrInvalidConfig)
	}

	for symbol, cc := range c.Chains {
		if !chain.IsSupported(symbol) {
			return fmt.Errorf("%w: unknown chain %s", ErrInvalidConfig, symbol)
		}
		if !cc.Enabled {
			continue
		}
		switch cc.Driver {
		case DriverMemory:
		case DriverEVM:
			params, _ := chain.Get(symbol, c.Network)
			if params == nil || params.Kind != chain.KindEVM {
				return fmt.Errorf("%w: %s is not an evm chain", ErrInvalidConfig, symbol)
			}
			if cc.RPCURL == "" || cc.Contract == "" {
				return fmt.Errorf("%w: %s needs rpc_url and contract", ErrInvalidConfig, symbol)
			}
		case DriverUTXO:
			params, _ := chain.Get(symbol, c.Network)
			if params == nil || params.Family() != chain.FamilyUTXO {
				return fmt.Errorf("%w: %s is not a utxo chain", ErrInvalidConfig, symbol)
			}
			if cc.EsploraURL == "" {
				return fmt.Errorf("%w: %s needs esplora_url", ErrInvalidConfig, symbol)
			}
		default:
			return fmt.Errorf("%w: %s has unknown driver %q", ErrInvalidConfig, symbol, cc.Driver)
		}
	}
	return nil
}

// EnabledChains returns the sorted symbols of enabled chains.
func (c *Config) EnabledChains() []string {
	out := make([]string, 0, len(c.Chains))
	for symbol, cc := range c.Chains {
		if cc.Enabled {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

// NetworkFee returns the configured network fee for a chain, or zero.
func (c *Config) NetworkFee(symbol string) decimal.Decimal {
	if cc, ok := c.Chains[symbol]; ok {
		return cc.NetworkFee
	}
	return decimal.Zero
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Swap engine configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
