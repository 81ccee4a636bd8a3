// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount formats an amount in base units as a decimal string.
// For example, FormatAmount(10000000, 7) returns "1" (1 XLM).
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(abs, divisor)
	frac := new(big.Int).Mod(abs, divisor)

	sign := ""
	if neg {
		sign = "-"
	}
	if frac.Sign() == 0 {
		return sign + whole.String()
	}

	fracStr := fmt.Sprintf("%0*s", int(decimals), frac.String())
	fracStr = strings.TrimRight(fracStr, "0")

	return fmt.Sprintf("%s%s.%s", sign, whole.String(), fracStr)
}

// ParseAmount parses a non-negative decimal string to base units.
// For example, ParseAmount("1.0", 18) returns 10^18 (1 ETH in wei).
// Fractional digits beyond the chain precision are rejected rather than truncated.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		wholeStr, fracStr = s[:i], s[i+1:]
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	trimmed := strings.TrimRight(fracStr, "0")
	if len(trimmed) > int(decimals) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", s, decimals)
	}
	for len(trimmed) < int(decimals) {
		trimmed += "0"
	}

	amount, ok := new(big.Int).SetString(wholeStr+trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	return amount, nil
}

// ParseBaseUnits parses an integer string of base units.
func ParseBaseUnits(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", s)
	}
	return v, nil
}

// BasisPoints returns part/total in basis points (0..10000), rounded down.
// A zero total yields zero.
func BasisPoints(part, total *big.Int) int64 {
	if total == nil || total.Sign() == 0 || part == nil {
		return 0
	}
	bps := new(big.Int).Mul(part, big.NewInt(10000))
	bps.Quo(bps, total)
	return bps.Int64()
}

// FormatBasisPoints renders basis points as a percentage with two decimals.
// For example, FormatBasisPoints(1050) returns "10.50".
func FormatBasisPoints(bps int64) string {
	sign := ""
	if bps < 0 {
		sign = "-"
		bps = -bps
	}
	return fmt.Sprintf("%s%d.%02d", sign, bps/100, bps%100)
}

// MulPercent returns v * percent / 100 using integer arithmetic.
func MulPercent(v *big.Int, percent int64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(percent))
	return out.Quo(out, big.NewInt(100))
}
