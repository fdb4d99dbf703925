package wallet

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/swapengine/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if n := len(strings.Fields(mnemonic)); n != 24 {
		t.Errorf("expected 24 words, got %d", n)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false},
	}
	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}

	if _, err := NewFromMnemonic("abandon abandon", "", chain.Mainnet); !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("NewFromMnemonic(bad) error = %v, want ErrInvalidMnemonic", err)
	}
}

func TestKnownAddresses(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	tests := []struct {
		symbol string
		path   string
		want   string
	}{
		{"BTC", "m/84'/0'/0'/0/0", "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"},
		{"ETH", "m/44'/60'/0'/0/0", "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"},
		{"BSC", "m/44'/60'/0'/0/0", "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			s, err := w.Signer(tt.symbol, 0, 0)
			if err != nil {
				t.Fatalf("Signer() error = %v", err)
			}
			if got := s.Path().String(); got != tt.path {
				t.Errorf("Path = %s, want %s", got, tt.path)
			}
			got, err := s.ChainAddress()
			if err != nil {
				t.Fatalf("ChainAddress() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ChainAddress() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUnsupportedChains(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	for _, symbol := range []string{"SOL", "XLM", "STRK"} {
		if _, err := w.Signer(symbol, 0, 0); !errors.Is(err, ErrUnsupportedChain) {
			t.Errorf("Signer(%s) error = %v, want ErrUnsupportedChain", symbol, err)
		}
	}
	if _, err := w.Signer("DOGE", 0, 0); !errors.Is(err, chain.ErrUnknownChain) {
		t.Errorf("Signer(DOGE) error = %v, want ErrUnknownChain", err)
	}
}

func TestDeriveKeyCache(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	p := Path{Purpose: PurposeBIP84, CoinType: 0}
	a, err := w.DeriveKey(p)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	b, _ := w.DeriveKey(p)
	if a != b {
		t.Error("second DeriveKey should hit the cache")
	}
	w.ClearCache()
	c, _ := w.DeriveKey(p)
	if c == a || c.String() != a.String() {
		t.Error("derivation after ClearCache should rebuild the same key")
	}

	next, _ := w.DeriveKey(Path{Purpose: PurposeBIP84, CoinType: 0, Index: 1})
	if next.String() == a.String() {
		t.Error("different index produced the same key")
	}
}

func TestSignHash(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	s, err := w.Signer("BTC", 0, 0)
	if err != nil {
		t.Fatalf("Signer() error = %v", err)
	}

	hash := sha256.Sum256([]byte("sighash"))
	der, err := s.SignHash(context.Background(), hash[:])
	if err != nil {
		t.Fatalf("SignHash() error = %v", err)
	}
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		t.Fatalf("ParseDERSignature() error = %v", err)
	}
	if !sig.Verify(hash[:], s.PublicKey()) {
		t.Error("signature does not verify")
	}

	if _, err := s.SignHash(context.Background(), hash[:20]); err == nil {
		t.Error("SignHash(short) should fail")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.SignHash(ctx, hash[:]); !errors.Is(err, context.Canceled) {
		t.Errorf("SignHash(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestSignTx(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	s, err := w.Signer("ETH", 0, 0)
	if err != nil {
		t.Fatalf("Signer() error = %v", err)
	}

	chainID := big.NewInt(11155111)
	to := common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	signed, err := s.SignTx(context.Background(), tx, chainID)
	if err != nil {
		t.Fatalf("SignTx() error = %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("Sender() error = %v", err)
	}
	if from != s.Address() {
		t.Errorf("sender = %s, want %s", from.Hex(), s.Address().Hex())
	}
}

func TestSeedFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wallet-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	if _, err := EncryptMnemonic(testMnemonic, "short"); err == nil {
		t.Error("EncryptMnemonic() should reject a short password")
	}

	seed, err := EncryptMnemonic(testMnemonic, "correct horse battery")
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	path := filepath.Join(tmpDir, "seed.json")
	if err := seed.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("seed file mode = %o, want 600", perm)
	}

	if _, err := Open("", path, "wrong password", chain.Mainnet); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Open(wrong password) error = %v, want ErrWrongPassword", err)
	}
	w, err := Open("", path, "correct horse battery", chain.Mainnet)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s, err := w.Signer("ETH", 0, 0)
	if err != nil {
		t.Fatalf("Signer() error = %v", err)
	}
	if got := s.Address().Hex(); got != "0x9858EfFD232B4033E47d90003D41EC34EcaEda94" {
		t.Errorf("Address() = %s after seed round trip", got)
	}

	if _, err := Open("", "", "", chain.Mainnet); !errors.Is(err, ErrNoSeed) {
		t.Errorf("Open(nothing) error = %v, want ErrNoSeed", err)
	}
}
