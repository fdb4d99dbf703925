package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != chain.Testnet {
		t.Errorf("Network = %s, want testnet", cfg.Network)
	}
	if cfg.Quote.TTL != 30*time.Second {
		t.Errorf("Quote.TTL = %v, want 30s", cfg.Quote.TTL)
	}
	if cfg.Quote.SlippageBps != 300 {
		t.Errorf("Quote.SlippageBps = %d, want 300", cfg.Quote.SlippageBps)
	}
	if cfg.Swap.DefaultHashAlgorithm != "sha256" {
		t.Errorf("DefaultHashAlgorithm = %s, want sha256", cfg.Swap.DefaultHashAlgorithm)
	}
	if len(cfg.EnabledChains()) != 0 {
		t.Errorf("EnabledChains() = %v, want none", cfg.EnabledChains())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted timelock bounds", func(c *Config) { c.Swap.MaxTimelock = time.Minute }},
		{"zero fills", func(c *Config) { c.Swap.MaxPartialFills = 0 }},
		{"bad hash", func(c *Config) { c.Swap.DefaultHashAlgorithm = "md5" }},
		{"bad network", func(c *Config) { c.Network = "moon" }},
		{"slippage too high", func(c *Config) { c.Quote.SlippageBps = 10000 }},
		{"http without url", func(c *Config) { c.Quote.PriceSource = "http" }},
		{"zero depth", func(c *Config) { c.Quote.PoolDepth = decimal.Zero }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"unknown chain", func(c *Config) { c.Chains["DOGE"] = &ChainConfig{Driver: DriverMemory} }},
		{"evm without contract", func(c *Config) { c.Chains["ETH"].Enabled = true }},
		{"utxo driver on evm chain", func(c *Config) {
			c.Chains["ETH"].Enabled = true
			c.Chains["ETH"].Driver = DriverUTXO
		}},
		{"unknown driver", func(c *Config) {
			c.Chains["SOL"].Enabled = true
			c.Chains["SOL"].Driver = "grpc"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "swapengine-config-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, tmpDir)
	}

	info, err := os.Stat(filepath.Join(tmpDir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadConfigReadsExisting(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "swapengine-config-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	content := `network: regtest
swap:
  min_timelock: 10m
  max_timelock: 2h
  max_partial_fills: 4
  default_hash_algorithm: keccak256
chains:
  SOL:
    enabled: true
    driver: memory
    network_fee: "0.0001"
prices:
  SOL: "123.45"
`
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Network != chain.Regtest {
		t.Errorf("Network = %s, want regtest", cfg.Network)
	}
	if cfg.Swap.MinTimelock != 10*time.Minute || cfg.Swap.MaxTimelock != 2*time.Hour {
		t.Errorf("timelock bounds = [%v, %v], want [10m, 2h]", cfg.Swap.MinTimelock, cfg.Swap.MaxTimelock)
	}
	if cfg.Swap.MaxPartialFills != 4 {
		t.Errorf("MaxPartialFills = %d, want 4", cfg.Swap.MaxPartialFills)
	}
	// untouched sections keep their defaults
	if cfg.Quote.TTL != 30*time.Second {
		t.Errorf("Quote.TTL = %v, want 30s", cfg.Quote.TTL)
	}
	if len(cfg.Chains) != 1 {
		t.Errorf("Chains = %d entries, want 1", len(cfg.Chains))
	}
	if got := cfg.NetworkFee("SOL"); !got.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("NetworkFee(SOL) = %s, want 0.0001", got)
	}
	if got := cfg.Prices["SOL"]; !got.Equal(decimal.RequireFromString("123.45")) {
		t.Errorf("Prices[SOL] = %s, want 123.45", got)
	}
}

func TestApplyEnv(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "swapengine-config-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	envFile := filepath.Join(tmpDir, EnvFileName)
	content := "SWAPENGINE_MNEMONIC=abandon abandon about\nSWAPENGINE_BTC_RPC=http://localhost:3002\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("SWAPENGINE_ETH_RPC", "http://localhost:8545")
	// godotenv does not override variables already set
	t.Setenv(EnvMnemonic, "")
	os.Unsetenv(EnvMnemonic)
	t.Setenv("SWAPENGINE_BTC_RPC", "")
	os.Unsetenv("SWAPENGINE_BTC_RPC")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(envFile); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Signer.Mnemonic != "abandon abandon about" {
		t.Errorf("Mnemonic = %q", cfg.Signer.Mnemonic)
	}
	if cfg.Chains["BTC"].EsploraURL != "http://localhost:3002" {
		t.Errorf("BTC EsploraURL = %s", cfg.Chains["BTC"].EsploraURL)
	}
	if cfg.Chains["ETH"].RPCURL != "http://localhost:8545" {
		t.Errorf("ETH RPCURL = %s", cfg.Chains["ETH"].RPCURL)
	}
}

func TestConfigSaveOmitsMnemonic(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "swapengine-config-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.Signer.Mnemonic = "secret words"
	path := filepath.Join(tmpDir, "nested", ConfigFileName)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	if strings.Contains(string(data), "secret words") {
		t.Error("saved config contains the mnemonic")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.swapengine", filepath.Join(home, ".swapengine")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}

	for _, tt := range tests {
		if got := ExpandPath(tt.input); got != tt.expected {
			t.Errorf("ExpandPath(%s) = %s, want %s", tt.input, got, tt.expected)
		}
	}
}
