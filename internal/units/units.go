// Package units converts between decimal token amounts and base units.
package units

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/shopspring/decimal"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Ether is 1e18 wei.
var Ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Parse converts a non-negative decimal string such as "1.25" into base
// units for a token with the given decimals.
func Parse(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if !decimalPattern.MatchString(amount) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be in decimal form like 1.23", amount))
	}
	if parts := strings.SplitN(amount, ".", 2); len(parts) == 2 {
		if frac := strings.TrimRight(parts[1], "0"); len(frac) > decimals {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
		}
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "invalid decimal amount", err)
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// Format renders base units as a decimal string. Whole numbers keep a
// trailing ".0" so 0 renders as "0.0".
func Format(value *big.Int, decimals int) string {
	if value == nil {
		value = new(big.Int)
	}
	out := decimal.NewFromBigInt(value, int32(-decimals)).String()
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}
