package utxo

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// LocktimeThreshold separates block heights from unix timestamps in nLockTime.
const LocktimeThreshold = 500_000_000

// Script holds the parsed components of an HTLC witness script.
type Script struct {
	SecretHash    []byte // SHA256 digest
	ResolverPKH   []byte // HASH160 of the key that claims with the preimage
	InitiatorPKH  []byte // HASH160 of the key that refunds after Locktime
	Locktime      uint32 // absolute, unix seconds
	WitnessScript []byte
}

// BuildScript creates the HTLC witness script:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    OP_DUP OP_HASH160 <resolver_pkh>
//	OP_ELSE
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <initiator_pkh>
//	OP_ENDIF
//	OP_EQUALVERIFY OP_CHECKSIG
//
// The claim witness is <sig> <pubkey> <preimage> 1; the refund witness is
// <sig> <pubkey> 0, with nLockTime at or past the locktime.
func BuildScript(secretHash, resolverPKH, initiatorPKH []byte, locktime uint32) (*Script, error) {
	if len(secretHash) != sha256.Size {
		return nil, fmt.Errorf("secret hash must be 32 bytes, got %d", len(secretHash))
	}
	if len(resolverPKH) != 20 || len(initiatorPKH) != 20 {
		return nil, fmt.Errorf("pubkey hashes must be 20 bytes")
	}
	if locktime < LocktimeThreshold {
		return nil, fmt.Errorf("locktime %d is a block height, want a timestamp", locktime)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(resolverPKH)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(locktime))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(initiatorPKH)
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	raw, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("failed to build HTLC script: %w", err)
	}
	return &Script{
		SecretHash:    append([]byte(nil), secretHash...),
		ResolverPKH:   append([]byte(nil), resolverPKH...),
		InitiatorPKH:  append([]byte(nil), initiatorPKH...),
		Locktime:      locktime,
		WitnessScript: raw,
	}, nil
}

// ParseScript parses a witness script produced by BuildScript.
func ParseScript(raw []byte) (*Script, error) {
	tok := txscript.MakeScriptTokenizer(0, raw)
	s := &Script{WitnessScript: append([]byte(nil), raw...)}

	expectOp := func(op byte) error {
		if !tok.Next() || tok.Opcode() != op {
			return fmt.Errorf("expected %s", opName(op))
		}
		return nil
	}
	expectData := func(size int) ([]byte, error) {
		if !tok.Next() || len(tok.Data()) != size {
			return nil, fmt.Errorf("expected %d byte push", size)
		}
		return append([]byte(nil), tok.Data()...), nil
	}

	var err error
	if err = expectOp(txscript.OP_IF); err != nil {
		return nil, err
	}
	if err = expectOp(txscript.OP_SHA256); err != nil {
		return nil, err
	}
	if s.SecretHash, err = expectData(32); err != nil {
		return nil, err
	}
	for _, op := range []byte{txscript.OP_EQUALVERIFY, txscript.OP_DUP, txscript.OP_HASH160} {
		if err = expectOp(op); err != nil {
			return nil, err
		}
	}
	if s.ResolverPKH, err = expectData(20); err != nil {
		return nil, err
	}
	if err = expectOp(txscript.OP_ELSE); err != nil {
		return nil, err
	}

	if !tok.Next() || len(tok.Data()) == 0 || len(tok.Data()) > 5 {
		return nil, fmt.Errorf("expected locktime push")
	}
	s.Locktime = decodeScriptNum(tok.Data())

	for _, op := range []byte{txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP, txscript.OP_DUP, txscript.OP_HASH160} {
		if err = expectOp(op); err != nil {
			return nil, err
		}
	}
	if s.InitiatorPKH, err = expectData(20); err != nil {
		return nil, err
	}
	for _, op := range []byte{txscript.OP_ENDIF, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG} {
		if err = expectOp(op); err != nil {
			return nil, err
		}
	}
	if tok.Next() || tok.Err() != nil {
		return nil, fmt.Errorf("trailing data after HTLC script")
	}
	return s, nil
}

// Address returns the P2WSH address of the script.
func (s *Script) Address(params *chaincfg.Params) (*btcutil.AddressWitnessScriptHash, error) {
	h := sha256.Sum256(s.WitnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(h[:], params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return addr, nil
}

// PkScript returns the P2WSH output script: OP_0 <sha256(script)>.
func (s *Script) PkScript() []byte {
	h := sha256.Sum256(s.WitnessScript)
	pk, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(h[:]).Script()
	return pk
}

// ClaimWitness builds the witness stack for the preimage branch.
func (s *Script) ClaimWitness(sig, pubKey, preimage []byte) [][]byte {
	return [][]byte{sig, pubKey, preimage, {0x01}, s.WitnessScript}
}

// RefundWitness builds the witness stack for the timelock branch.
func (s *Script) RefundWitness(sig, pubKey []byte) [][]byte {
	return [][]byte{sig, pubKey, {}, s.WitnessScript}
}

// ExtractPreimage returns the preimage from a claim witness spending script.
func ExtractPreimage(witness [][]byte, witnessScript []byte) ([]byte, bool) {
	if len(witness) != 5 || !bytes.Equal(witness[4], witnessScript) {
		return nil, false
	}
	if !bytes.Equal(witness[3], []byte{0x01}) || len(witness[2]) != 32 {
		return nil, false
	}
	return append([]byte(nil), witness[2]...), true
}

// PubKeyHash returns the HASH160 committed to by a P2WPKH or P2PKH address.
func PubKeyHash(address string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	switch a := decoded.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		return a.WitnessProgram(), nil
	case *btcutil.AddressPubKeyHash:
		return a.Hash160()[:], nil
	default:
		return nil, fmt.Errorf("address %s must be P2WPKH or P2PKH, got %T", address, decoded)
	}
}

// decodeScriptNum decodes a minimally encoded little-endian script number.
func decodeScriptNum(data []byte) uint32 {
	var buf [8]byte
	copy(buf[:], data)
	// clear the sign bit; locktimes are positive
	buf[len(data)-1] &= 0x7f
	return uint32(binary.LittleEndian.Uint64(buf[:]))
}

func opName(op byte) string {
	switch op {
	case txscript.OP_IF:
		return "OP_IF"
	case txscript.OP_ELSE:
		return "OP_ELSE"
	case txscript.OP_ENDIF:
		return "OP_ENDIF"
	case txscript.OP_SHA256:
		return "OP_SHA256"
	case txscript.OP_DUP:
		return "OP_DUP"
	case txscript.OP_HASH160:
		return "OP_HASH160"
	case txscript.OP_EQUALVERIFY:
		return "OP_EQUALVERIFY"
	case txscript.OP_CHECKSIG:
		return "OP_CHECKSIG"
	case txscript.OP_CHECKLOCKTIMEVERIFY:
		return "OP_CHECKLOCKTIMEVERIFY"
	case txscript.OP_DROP:
		return "OP_DROP"
	}
	return fmt.Sprintf("opcode 0x%02x", op)
}
