package utxo

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

func testHashes() (hash, resolver, initiator []byte) {
	preimage := sha256.Sum256([]byte("secret"))
	h := sha256.Sum256(preimage[:])
	return h[:], bytes.Repeat([]byte{0x11}, 20), bytes.Repeat([]byte{0x22}, 20)
}

func TestBuildParseScript(t *testing.T) {
	hash, resolver, initiator := testHashes()
	s, err := BuildScript(hash, resolver, initiator, 1_800_000_000)
	if err != nil {
		t.Fatalf("BuildScript() error = %v", err)
	}

	parsed, err := ParseScript(s.WitnessScript)
	if err != nil {
		t.Fatalf("ParseScript() error = %v", err)
	}
	if !bytes.Equal(parsed.SecretHash, hash) {
		t.Error("secret hash mismatch")
	}
	if !bytes.Equal(parsed.ResolverPKH, resolver) || !bytes.Equal(parsed.InitiatorPKH, initiator) {
		t.Error("pubkey hash mismatch")
	}
	if parsed.Locktime != 1_800_000_000 {
		t.Errorf("Locktime = %d, want 1800000000", parsed.Locktime)
	}
}

func TestBuildScriptValidation(t *testing.T) {
	hash, resolver, initiator := testHashes()

	tests := []struct {
		name     string
		hash     []byte
		resolver []byte
		locktime uint32
	}{
		{"short hash", hash[:20], resolver, 1_800_000_000},
		{"short pkh", hash, resolver[:19], 1_800_000_000},
		{"block height locktime", hash, resolver, 850_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildScript(tt.hash, tt.resolver, initiator, tt.locktime); err == nil {
				t.Error("BuildScript() should fail")
			}
		})
	}
}

func TestParseScriptRejectsForeign(t *testing.T) {
	hash, resolver, initiator := testHashes()
	s, _ := BuildScript(hash, resolver, initiator, 1_800_000_000)

	if _, err := ParseScript(s.WitnessScript[:len(s.WitnessScript)-1]); err == nil {
		t.Error("truncated script should not parse")
	}
	if _, err := ParseScript(append(append([]byte(nil), s.WitnessScript...), 0x51)); err == nil {
		t.Error("script with trailing opcode should not parse")
	}
}

func TestScriptAddress(t *testing.T) {
	hash, resolver, initiator := testHashes()
	s, _ := BuildScript(hash, resolver, initiator, 1_800_000_000)

	addr, err := s.Address(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if !strings.HasPrefix(addr.EncodeAddress(), "bcrt1q") {
		t.Errorf("address = %s, want bcrt1q prefix", addr.EncodeAddress())
	}
	pk := s.PkScript()
	if len(pk) != 34 || pk[0] != 0x00 || pk[1] != 0x20 {
		t.Errorf("PkScript() = %x, want OP_0 <32 bytes>", pk)
	}
}

func TestExtractPreimage(t *testing.T) {
	hash, resolver, initiator := testHashes()
	s, _ := BuildScript(hash, resolver, initiator, 1_800_000_000)
	preimage := bytes.Repeat([]byte{0xab}, 32)

	got, ok := ExtractPreimage(s.ClaimWitness([]byte{0x30}, []byte{0x02}, preimage), s.WitnessScript)
	if !ok || !bytes.Equal(got, preimage) {
		t.Errorf("ExtractPreimage(claim) = %x, %v", got, ok)
	}
	if _, ok := ExtractPreimage(s.RefundWitness([]byte{0x30}, []byte{0x02}), s.WitnessScript); ok {
		t.Error("refund witness should not yield a preimage")
	}
	other, _ := BuildScript(hash, initiator, resolver, 1_800_000_000)
	if _, ok := ExtractPreimage(s.ClaimWitness([]byte{0x30}, []byte{0x02}, preimage), other.WitnessScript); ok {
		t.Error("witness for a different script should not match")
	}
}

func TestPubKeyHash(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	pkh := bytes.Repeat([]byte{0x33}, 20)

	wpkh, _ := btcutil.NewAddressWitnessPubKeyHash(pkh, params)
	got, err := PubKeyHash(wpkh.EncodeAddress(), params)
	if err != nil || !bytes.Equal(got, pkh) {
		t.Errorf("PubKeyHash(p2wpkh) = %x, %v", got, err)
	}

	legacy, _ := btcutil.NewAddressPubKeyHash(pkh, params)
	got, err = PubKeyHash(legacy.EncodeAddress(), params)
	if err != nil || !bytes.Equal(got, pkh) {
		t.Errorf("PubKeyHash(p2pkh) = %x, %v", got, err)
	}

	wsh, _ := btcutil.NewAddressWitnessScriptHash(bytes.Repeat([]byte{0x44}, 32), params)
	if _, err := PubKeyHash(wsh.EncodeAddress(), params); err == nil {
		t.Error("PubKeyHash(p2wsh) should fail")
	}
}
