// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a whole-unit amount into the chain's smallest unit.
// For example, ToBaseUnits(1.5, 8) returns 150000000 (satoshis).
// Amounts with more precision than the token supports are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts a smallest-unit amount into whole units.
// For example, FromBaseUnits(100000000, 8) returns 1.
func FromBaseUnits(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// ParseAmount parses a decimal string into whole units and checks it is
// positive and representable with the given decimals.
func ParseAmount(s string, decimals uint8) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount: %s", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive: %s", s)
	}
	if _, err := ToBaseUnits(d, decimals); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Bps returns basis points as a decimal fraction (30 -> 0.003).
func Bps(bps uint32) decimal.Decimal {
	return decimal.New(int64(bps), -4)
}
