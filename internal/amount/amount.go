// Package amount parses and formats chain-native decimal amounts.
//
// Amounts are held as big.Int in the chain's smallest unit (satoshi, wei).
// Each chain supplies its own decimal count.
package amount

import (
	"math/big"
	"strings"
)

// Common decimal counts.
const (
	BTCDecimals = 8
	ETHDecimals = 18
)

// Parse converts a decimal string (e.g. "0.01") to base units for a chain
// with the given number of decimals. Returns (nil, false) on invalid input.
//
// Unlike display parsing, fractional digits beyond the chain's precision are
// rejected rather than truncated, so a stake can never silently shrink.
func Parse(s string, decimals int) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" {
			return nil, false
		}
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}

	trimmed := strings.TrimRight(frac, "0")
	if len(trimmed) > decimals {
		return nil, false
	}
	frac = trimmed + strings.Repeat("0", decimals-len(trimmed))

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// MustParse is Parse for constants and tests.
func MustParse(s string, decimals int) *big.Int {
	v, ok := Parse(s, decimals)
	if !ok {
		panic("amount: invalid literal " + s)
	}
	return v
}

// Format converts base units to a decimal string with exactly decimals
// fractional digits (e.g. "0.01000000" for 1,000,000 sat).
func Format(v *big.Int, decimals int) string {
	if v == nil {
		v = new(big.Int)
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// IsPositive reports whether v is non-nil and greater than zero.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
