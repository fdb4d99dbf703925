package helpers

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"one btc", "1", 8, "100000000", false},
		{"fractional btc", "0.5", 8, "50000000", false},
		{"one eth", "1", 18, "1000000000000000000", false},
		{"smallest unit", "0.00000001", 8, "1", false},
		{"too precise", "0.000000001", 8, "", true},
		{"negative", "-1", 8, "", true},
		{"zero decimals", "42", 0, "42", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ToBaseUnits(%s) expected error", tt.amount)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToBaseUnits(%s) error = %v", tt.amount, err)
			}
			if got.String() != tt.want {
				t.Errorf("ToBaseUnits(%s) = %s, want %s", tt.amount, got, tt.want)
			}
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	got := FromBaseUnits(big.NewInt(150000000), 8)
	if !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("FromBaseUnits = %s, want 1.5", got)
	}
	if !FromBaseUnits(nil, 8).IsZero() {
		t.Error("FromBaseUnits(nil) should be zero")
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount("", 8); err == nil {
		t.Error("expected error for empty amount")
	}
	if _, err := ParseAmount("abc", 8); err == nil {
		t.Error("expected error for invalid amount")
	}
	if _, err := ParseAmount("0", 8); err == nil {
		t.Error("expected error for zero amount")
	}
	got, err := ParseAmount("2.25", 6)
	if err != nil {
		t.Fatalf("ParseAmount error = %v", err)
	}
	if got.String() != "2.25" {
		t.Errorf("ParseAmount = %s, want 2.25", got)
	}
}

func TestBps(t *testing.T) {
	if got := Bps(300); !got.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("Bps(300) = %s, want 0.03", got)
	}
}

func TestParseHash32(t *testing.T) {
	valid := "0x" + BytesToHex(make([]byte, 32))
	if _, err := ParseHash32(valid); err != nil {
		t.Errorf("ParseHash32 valid error = %v", err)
	}
	if _, err := ParseHash32("abcd"); err == nil {
		t.Error("expected error for short hash")
	}
	if _, err := ParseHash32("zz"); err == nil {
		t.Error("expected error for bad hex")
	}
}

func TestPadLeft(t *testing.T) {
	got := PadLeft([]byte{1, 2}, 4)
	if len(got) != 4 || got[2] != 1 || got[3] != 2 || got[0] != 0 {
		t.Errorf("PadLeft = %v", got)
	}
}

func TestConstantTimeCompare(t *testing.T) {
	if !ConstantTimeCompare([]byte{1, 2}, []byte{1, 2}) {
		t.Error("equal slices should compare true")
	}
	if ConstantTimeCompare([]byte{1, 2}, []byte{1, 3}) {
		t.Error("different slices should compare false")
	}
}
