package fixed

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrInvalidDecimal is returned when a decimal string cannot be represented
// at the requested scale.
var ErrInvalidDecimal = errors.New("fixed: invalid decimal")

// Parse converts a human-readable decimal ("1.05") into an unsigned value
// with the given number of decimals. Digits beyond the scale are rejected
// rather than rounded.
func Parse(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidDecimal, s)
	}
	return fromDecimal(d, decimals, s)
}

// ParseSigned is Parse for signed quantities; negative inputs are returned
// in two's complement.
func ParseSigned(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	z, err := fromDecimal(d.Abs(), decimals, s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return Neg(z)
	}
	return ToSigned(z)
}

// MustParse is Parse for constants; it panics on invalid input.
func MustParse(s string, decimals int32) *uint256.Int {
	z, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return z
}

func fromDecimal(d decimal.Decimal, decimals int32, src string) (*uint256.Int, error) {
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidDecimal, src, decimals)
	}
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q", ErrOverflow, src)
	}
	return z, nil
}

// ToDecimal converts an unsigned scaled value to a decimal.
func ToDecimal(x *uint256.Int, decimals int32) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -decimals)
}

// ToDecimalSigned converts a two's-complement scaled value to a decimal.
func ToDecimalSigned(x *uint256.Int, decimals int32) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	d := ToDecimal(Abs(x), decimals)
	if IsNeg(x) {
		return d.Neg()
	}
	return d
}

// Format renders an unsigned scaled value as a plain decimal string.
func Format(x *uint256.Int, decimals int32) string {
	return ToDecimal(x, decimals).String()
}

// FromDecimal scales a non-negative decimal to the given number of decimals.
func FromDecimal(d decimal.Decimal, decimals int32) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidDecimal, d)
	}
	return fromDecimal(d, decimals, d.String())
}
