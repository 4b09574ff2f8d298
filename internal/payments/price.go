package payments

import (
	"fmt"
	"strings"
)

// priceDecimals is the number of decimals in the settlement asset
// (USDC-style 6-decimal atomic units).
const priceDecimals = 6

// ParsePrice converts a display price like "$1.00" into atomic units of
// the settlement asset. "$1.00" -> 1000000, "$0.10" -> 100000.
func ParsePrice(price string) (int64, error) {
	s := strings.TrimSpace(price)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return 0, fmt.Errorf("empty price %q", price)
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative price %q", price)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(whole) > 12 {
		return 0, fmt.Errorf("price %q out of range", price)
	}
	if len(frac) > priceDecimals {
		return 0, fmt.Errorf("price %q has more than %d decimal places", price, priceDecimals)
	}
	frac += strings.Repeat("0", priceDecimals-len(frac))

	var amount int64
	for _, digits := range []string{whole, frac} {
		for _, c := range digits {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("malformed price %q", price)
			}
			amount = amount*10 + int64(c-'0')
		}
	}
	return amount, nil
}
