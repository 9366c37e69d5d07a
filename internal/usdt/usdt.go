// Package usdt converts between decimal USDT strings and on-chain base
// units. USDT uses 6 decimals on the supported EVM networks.
package usdt

import (
	"errors"
	"math/big"
	"strings"
)

const (
	Decimals = 6
	Currency = "USDT"
)

var ErrInvalidAmount = errors.New("usdt: invalid amount")

// Parse converts "19.5" to 19500000. Negative values, more than one
// decimal point and more than 6 fractional digits are rejected.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, ErrInvalidAmount
	}
	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || len(frac) > Decimals {
		return nil, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// MustParse is Parse for constants.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders base units with exactly 6 decimals ("19.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	cut := len(s) - Decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// Covers reports whether paid settles expected.
func Covers(paid, expected *big.Int) bool {
	if paid == nil || expected == nil {
		return false
	}
	return paid.Cmp(expected) >= 0
}
