package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"github.com/stellar/go/strkey"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrUnknownChain   = errors.New("unknown chain")
)

// NormalizeAddress validates an address for a chain and returns its
// canonical encoding. Every address that enters the ledger goes through here.
func NormalizeAddress(symbol string, network Network, addr string) (string, error) {
	params, ok := Get(symbol, network)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChain, symbol)
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	switch params.Kind {
	case KindEVM:
		return normalizeEVM(addr)
	case KindBitcoin:
		return normalizeBitcoin(addr, network)
	case KindSolana:
		return normalizeSolana(addr)
	case KindStellar:
		return normalizeStellar(addr)
	case KindStarknet:
		return normalizeStarknet(addr)
	default:
		return "", fmt.Errorf("%w: unsupported kind %s", ErrInvalidAddress, params.Kind)
	}
}

// CanonicalAddress returns addr in the encoding NormalizeAddress gives it
// when the chain is not known. EVM hex addresses are checksummed; anything
// else is only trimmed.
func CanonicalAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

func normalizeEVM(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: not a hex address: %s", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

func normalizeBitcoin(addr string, network Network) (string, error) {
	params := BitcoinParams(network)
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(params) {
		return "", fmt.Errorf("%w: address is not for %s", ErrInvalidAddress, params.Name)
	}
	return decoded.EncodeAddress(), nil
}

func normalizeSolana(addr string) (string, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: solana key must be 32 bytes, got %d", ErrInvalidAddress, len(raw))
	}
	return base58.Encode(raw), nil
}

func normalizeStellar(addr string) (string, error) {
	addr = strings.ToUpper(addr)
	for _, version := range []strkey.VersionByte{strkey.VersionByteAccountID, strkey.VersionByteContract} {
		raw, err := strkey.Decode(version, addr)
		if err != nil {
			continue
		}
		return strkey.Encode(version, raw)
	}
	return "", fmt.Errorf("%w: not a stellar account or contract id", ErrInvalidAddress)
}

func normalizeStarknet(addr string) (string, error) {
	s := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	if s == "" || len(s) > 64 {
		return "", fmt.Errorf("%w: starknet felt must be 1-64 hex chars", ErrInvalidAddress)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	// felt must be below the Stark prime (0x0800...0001)
	if len(raw) == 32 && raw[0] > 0x08 {
		return "", fmt.Errorf("%w: starknet felt out of range", ErrInvalidAddress)
	}
	return "0x" + strings.Repeat("0", 64-len(s)) + s, nil
}
