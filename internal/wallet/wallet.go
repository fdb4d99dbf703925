// Package wallet derives signing keys from a BIP39 mnemonic. A single
// HDSigner serves both the EVM and the UTXO adapters.
package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/swapengine/internal/chain"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrUnsupportedChain = errors.New("chain has no secp256k1 signer")
)

// BIP purposes.
const (
	PurposeBIP44 uint32 = 44
	PurposeBIP84 uint32 = 84
)

// Path is a BIP44-style derivation path m/purpose'/coin'/account'/change/index.
type Path struct {
	Purpose  uint32
	CoinType uint32
	Account  uint32
	Change   uint32
	Index    uint32
}

func (p Path) String() string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.Purpose, p.CoinType, p.Account, p.Change, p.Index)
}

// Wallet holds the master key and a cache of derived keys.
type Wallet struct {
	master  *hdkeychain.ExtendedKey
	network chain.Network

	mu    sync.Mutex
	cache map[Path]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks the word list and checksum of a mnemonic.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a mnemonic and optional passphrase.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw BIP39 seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// version bytes only; every chain derives from the same master
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Wallet{
		master:  master,
		network: network,
		cache:   make(map[Path]*hdkeychain.ExtendedKey),
	}, nil
}

func (w *Wallet) Network() chain.Network { return w.network }

// DeriveKey derives the key at p, hardening purpose, coin type and account.
func (w *Wallet) DeriveKey(p Path) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[p]; ok {
		return key, nil
	}

	steps := []struct {
		name  string
		child uint32
	}{
		{"purpose", hdkeychain.HardenedKeyStart + p.Purpose},
		{"coin", hdkeychain.HardenedKeyStart + p.CoinType},
		{"account", hdkeychain.HardenedKeyStart + p.Account},
		{"change", p.Change},
		{"index", p.Index},
	}
	key := w.master
	for _, s := range steps {
		next, err := key.Derive(s.child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", s.name, err)
		}
		key = next
	}

	w.cache[p] = key
	return key, nil
}

// PathFor returns the default path for a chain: BIP84 for Bitcoin-family
// chains, BIP44 for EVM chains.
func (w *Wallet) PathFor(symbol string, account, index uint32) (Path, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return Path{}, fmt.Errorf("%w: %s", chain.ErrUnknownChain, symbol)
	}
	p := Path{CoinType: params.CoinType, Account: account, Index: index}
	switch params.Kind {
	case chain.KindBitcoin:
		p.Purpose = PurposeBIP84
	case chain.KindEVM:
		p.Purpose = PurposeBIP44
	default:
		return Path{}, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	return p, nil
}

// Signer returns the signer for a chain at account/index.
func (w *Wallet) Signer(symbol string, account, index uint32) (*HDSigner, error) {
	p, err := w.PathFor(symbol, account, index)
	if err != nil {
		return nil, err
	}
	key, err := w.DeriveKey(p)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return &HDSigner{symbol: symbol, path: p, network: w.network, key: priv}, nil
}

// ClearCache drops all derived keys.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[Path]*hdkeychain.ExtendedKey)
}
