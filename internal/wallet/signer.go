package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/swapengine/internal/adapter/evm"
	"github.com/Klingon-tech/swapengine/internal/adapter/utxo"
	"github.com/Klingon-tech/swapengine/internal/chain"
)

// HDSigner signs with one derived secp256k1 key.
type HDSigner struct {
	symbol  string
	path    Path
	network chain.Network
	key     *btcec.PrivateKey
}

func (s *HDSigner) Chain() string { return s.symbol }
func (s *HDSigner) Path() Path    { return s.path }

func (s *HDSigner) PublicKey() *btcec.PublicKey {
	return s.key.PubKey()
}

// SignHash returns a DER signature over a 32-byte sighash.
func (s *HDSigner) SignHash(ctx context.Context, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("sighash must be 32 bytes, got %d", len(hash))
	}
	return ecdsa.Sign(s.key, hash).Serialize(), nil
}

// Address returns the EVM account of the key.
func (s *HDSigner) Address() common.Address {
	return crypto.PubkeyToAddress(*s.key.PubKey().ToECDSA())
}

// SignTx signs an EVM transaction for chainID.
func (s *HDSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key.ToECDSA())
}

// ChainAddress returns the address used on the signer's chain: P2WPKH for
// Bitcoin-family chains and the EIP-55 account for EVM chains.
func (s *HDSigner) ChainAddress() (string, error) {
	if s.path.Purpose == PurposeBIP84 {
		pkh := btcutil.Hash160(s.key.PubKey().SerializeCompressed())
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pkh, chain.BitcoinParams(s.network))
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	}
	return s.Address().Hex(), nil
}

var (
	_ evm.Signer  = (*HDSigner)(nil)
	_ utxo.Signer = (*HDSigner)(nil)
)
