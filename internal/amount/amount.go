// Package amount converts between human-decimal token quantities and
// smallest-unit integers. All balance arithmetic that ends up on-chain goes
// through these helpers so no float ever touches a submitted amount.
package amount

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
	"github.com/shopspring/decimal"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ToBaseUnits truncates a human quantity to an integer number of the token's
// smallest units. Negative inputs yield zero.
func ToBaseUnits(human decimal.Decimal, decimals int) *big.Int {
	if human.Sign() <= 0 {
		return new(big.Int)
	}
	return human.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromBaseUnits is the exact inverse of ToBaseUnits for integral inputs.
func FromBaseUnits(base *big.Int, decimals int) decimal.Decimal {
	if base == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(base, -int32(decimals))
}

// Scale returns floor(base * num / den). It is used to split a balance
// fractionally without leaving integer space.
func Scale(base *big.Int, num, den decimal.Decimal) *big.Int {
	if base == nil || base.Sign() <= 0 || num.Sign() <= 0 || den.Sign() <= 0 {
		return new(big.Int)
	}
	ratio := new(big.Rat).Quo(num.Rat(), den.Rat())
	scaled := new(big.Rat).Mul(new(big.Rat).SetInt(base), ratio)
	out := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if out.Cmp(base) > 0 {
		return new(big.Int).Set(base)
	}
	return out
}

// ParseBaseUnits parses a non-negative integer string.
func ParseBaseUnits(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" || strings.HasPrefix(clean, "-") {
		return nil, clierr.New(clierr.CodeUsage, "base-unit amount must be a non-negative integer string")
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid base-unit amount %q", v))
	}
	return n, nil
}

// ParseDecimal parses a plain positive decimal like 1.23 and rejects
// precision beyond the given number of places when places >= 0.
func ParseDecimal(v string, places int) (decimal.Decimal, error) {
	clean := strings.TrimSpace(v)
	if !decimalPattern.MatchString(clean) {
		return decimal.Zero, clierr.New(clierr.CodeUsage, "amount must be in decimal form like 1.23")
	}
	if places >= 0 {
		if parts := strings.SplitN(clean, ".", 2); len(parts) == 2 && len(parts[1]) > places {
			return decimal.Zero, clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds %d places", places))
		}
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeUsage, "invalid decimal amount", err)
	}
	return d, nil
}
