package vault

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"timelockvault/internal/vaulterr"
)

const etherDecimals = 18

// maxUnitBits is the width of a uint256 amount.
const maxUnitBits = 256

// ParseUnits scales a human amount such as "1.25" into base units.
func ParseUnits(value string, decimals uint8) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, vaulterr.New(vaulterr.KindInvalidInput, "amount is required")
	}
	if strings.ContainsAny(value, "eE") {
		return nil, vaulterr.New(vaulterr.KindInvalidInput, "amount %q must be a plain decimal", value)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindInvalidInput, err, "invalid amount %q", value)
	}
	if d.Sign() < 0 {
		return nil, vaulterr.New(vaulterr.KindInvalidInput, "amount %q is negative", value)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, vaulterr.New(vaulterr.KindInvalidInput, "amount %q has more than %d decimals", value, decimals)
	}
	out := scaled.BigInt()
	if out.BitLen() > maxUnitBits {
		return nil, vaulterr.New(vaulterr.KindInvalidInput, "amount %q does not fit in 256 bits", value)
	}
	return out, nil
}

// FormatUnits renders base units with the given decimals. Whole values keep
// a trailing ".0".
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		value = new(big.Int)
	}
	out := decimal.NewFromBigInt(value, -int32(decimals)).String()
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}

func ParseEther(value string) (*big.Int, error) {
	return ParseUnits(value, etherDecimals)
}

func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, etherDecimals)
}
