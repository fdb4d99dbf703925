package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/Klingon-tech/swapengine/internal/chain"
)

// Argon2id parameters for new seed files.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	saltLen           = 32

	MinPasswordLength = 8
)

var (
	ErrWrongPassword = errors.New("failed to decrypt seed (wrong password?)")
	ErrNoSeed        = errors.New("no mnemonic or seed file configured")
)

// SeedFile is a mnemonic encrypted with Argon2id + AES-256-GCM.
type SeedFile struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func (s *SeedFile) gcm(password string) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), s.Salt, s.Time, s.Memory, s.Parallelism, argon2KeyLen)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptMnemonic encrypts a mnemonic under password.
func EncryptMnemonic(mnemonic, password string) (*SeedFile, error) {
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	s := &SeedFile{
		Version:     1,
		Salt:        make([]byte, saltLen),
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}
	if _, err := rand.Read(s.Salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := s.gcm(password)
	if err != nil {
		return nil, err
	}
	s.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(s.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	s.Ciphertext = aead.Seal(nil, s.Nonce, []byte(mnemonic), nil)
	return s, nil
}

// Decrypt returns the mnemonic.
func (s *SeedFile) Decrypt(password string) (string, error) {
	aead, err := s.gcm(password)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer clear(plain)
	return string(plain), nil
}

// Save writes the seed file with owner-only permissions.
func (s *SeedFile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadSeedFile reads a seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var s SeedFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &s, nil
}

// Open builds a wallet from a mnemonic, or from an encrypted seed file when
// the mnemonic is empty.
func Open(mnemonic, seedFile, password string, network chain.Network) (*Wallet, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		if seedFile == "" {
			return nil, ErrNoSeed
		}
		s, err := LoadSeedFile(seedFile)
		if err != nil {
			return nil, err
		}
		if mnemonic, err = s.Decrypt(password); err != nil {
			return nil, err
		}
	}
	return NewFromMnemonic(mnemonic, "", network)
}
