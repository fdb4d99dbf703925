package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/backend"
)

// Virtual sizes used for fee estimation.
const (
	txOverheadVSize  = 11
	p2wpkhInputVSize = 68
	p2wpkhOutVSize   = 31
	p2wshOutVSize    = 43
	htlcClaimVSize   = 110 // input with sig, pubkey, preimage and script
	htlcRefundVSize  = 102

	dustThreshold = 546
)

// Signer produces ECDSA signatures for one secp256k1 key.
type Signer interface {
	PublicKey() *btcec.PublicKey

	// SignHash returns a DER-encoded signature over a 32-byte sighash.
	SignHash(ctx context.Context, hash []byte) ([]byte, error)
}

// selectCoins picks confirmed UTXOs, largest first, until amount plus fee is
// covered. It returns the selection, its total and the fee.
func selectCoins(utxos []backend.UTXO, amount, feeRate uint64) ([]backend.UTXO, uint64, uint64, error) {
	candidates := make([]backend.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Confirmations > 0 {
			candidates = append(candidates, u)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Amount > candidates[j].Amount })

	var (
		selected []backend.UTXO
		total    uint64
	)
	for _, u := range candidates {
		selected = append(selected, u)
		total += u.Amount
		fee := fundingFee(len(selected), feeRate)
		if total >= amount+fee {
			return selected, total, fee, nil
		}
	}
	need := amount + fundingFee(len(candidates)+1, feeRate)
	return nil, 0, 0, fmt.Errorf("%w: have %d sats confirmed, need %d", adapter.ErrInsufficientFunds, total, need)
}

func fundingFee(inputs int, feeRate uint64) uint64 {
	vsize := txOverheadVSize + inputs*p2wpkhInputVSize + p2wshOutVSize + p2wpkhOutVSize
	return uint64(vsize) * feeRate
}

// buildFundingTx pays amount to the HTLC script and returns the unsigned
// transaction with change back to the signer.
func buildFundingTx(coins []backend.UTXO, total, amount, fee uint64, htlc *Script, change btcutil.Address) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	for _, c := range coins {
		hash, err := chainhash.NewHashFromStr(c.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", c.TxID, err)
		}
		in := wire.NewTxIn(wire.NewOutPoint(hash, c.Vout), nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 2
		tx.AddTxIn(in)
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), htlc.PkScript()))

	if rest := total - amount - fee; rest > dustThreshold {
		changeScript, err := txscript.PayToAddrScript(change)
		if err != nil {
			return nil, fmt.Errorf("invalid change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(rest), changeScript))
	}
	return tx, nil
}

// signP2WPKHInputs signs every input as a P2WPKH spend from pkScript.
func signP2WPKHInputs(ctx context.Context, tx *wire.MsgTx, coins []backend.UTXO, pkScript []byte, signer Signer) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(coins))
	for i, c := range coins {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(int64(c.Amount), pkScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	pub := signer.PublicKey().SerializeCompressed()

	for i, c := range coins {
		hash, err := txscript.CalcWitnessSigHash(pkScript, sigHashes, txscript.SigHashAll, tx, i, int64(c.Amount))
		if err != nil {
			return fmt.Errorf("sighash input %d: %w", i, err)
		}
		sig, err := signer.SignHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = wire.TxWitness{append(sig, byte(txscript.SigHashAll)), pub}
	}
	return nil
}

// buildHTLCSpend spends the HTLC output to dest. locktime is zero for
// claims and the script locktime for refunds.
func buildHTLCSpend(outpoint wire.OutPoint, value int64, dest btcutil.Address, fee uint64, locktime uint32) (*wire.MsgTx, error) {
	if uint64(value) <= fee+dustThreshold {
		return nil, adapter.Rejected("htlc value %d does not cover fee %d", value, fee)
	}
	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = locktime
	in := wire.NewTxIn(&outpoint, nil, nil)
	// a non-final sequence is required for CHECKLOCKTIMEVERIFY
	in.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(value-int64(fee), destScript))
	return tx, nil
}

// signHTLCInput returns the signature for input 0 spending the HTLC script.
func signHTLCInput(ctx context.Context, tx *wire.MsgTx, htlc *Script, value int64, signer Signer) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(htlc.PkScript(), value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(htlc.WitnessScript, sigHashes, txscript.SigHashAll, tx, 0, value)
	if err != nil {
		return nil, fmt.Errorf("sighash: %w", err)
	}
	sig, err := signer.SignHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return append(sig, byte(txscript.SigHashAll)), nil
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func decodeWitness(items []string) ([][]byte, error) {
	out := make([][]byte, len(items))
	for i, item := range items {
		b, err := hex.DecodeString(item)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
