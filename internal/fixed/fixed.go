// Package fixed implements the checked 256-bit fixed-point arithmetic shared
// by every ledger component.
//
// Three scales are in use:
//
//	wad: 1e18, collateral amounts and normalised debt
//	ray: 1e27, rates, prices and ratios
//	rad: 1e45, credit and debt balances (wad * ray)
//
// Values are *uint256.Int and are treated as immutable: every function
// allocates its result and never writes through its arguments. Signed
// quantities (position deltas, rate deltas) are carried as two's-complement
// 256-bit integers in the same type, exactly like int256.
//
// No operation ever wraps silently. Every overflow, underflow or sign
// violation is reported as an error.
package fixed

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a result exceeds 2^256-1.
	ErrOverflow = errors.New("fixed: arithmetic overflow")

	// ErrUnderflow is returned when an unsigned subtraction goes below zero.
	ErrUnderflow = errors.New("fixed: arithmetic underflow")

	// ErrSignOverflow is returned when a value cannot be represented as int256.
	ErrSignOverflow = errors.New("fixed: value does not fit in int256")

	// ErrDivisionByZero is returned by the scaled division helpers.
	ErrDivisionByZero = errors.New("fixed: division by zero")
)

// Decimal places of each scale.
const (
	WadDecimals int32 = 18
	RayDecimals int32 = 27
	RadDecimals int32 = 45
)

var (
	// BLN is 1e9, the factor between wad and ray.
	BLN = exp10(9)
	// WAD is 1e18.
	WAD = exp10(18)
	// RAY is 1e27.
	RAY = exp10(27)
	// RAD is 1e45.
	RAD = exp10(45)

	// MaxInt256 is the largest value representable as int256.
	MaxInt256 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 255), uint256.NewInt(1))

	// minInt256Abs is |int256.min| = 2^255.
	minInt256Abs = new(uint256.Int).Lsh(uint256.NewInt(1), 255)
)

func exp10(n uint64) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(n))
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Clone returns a copy of x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x.Clone()
}

// Add returns x + y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Mul returns x * y.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Div returns x / y, truncating.
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	if y.IsZero() {
		return nil, ErrDivisionByZero
	}
	return new(uint256.Int).Div(x, y), nil
}

// Min returns the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// mulDiv returns x * y / d with an overflow-checked product.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	p, err := Mul(x, y)
	if err != nil {
		return nil, err
	}
	return Div(p, d)
}

// Wmul returns x * y / WAD.
func Wmul(x, y *uint256.Int) (*uint256.Int, error) { return mulDiv(x, y, WAD) }

// Rmul returns x * y / RAY.
func Rmul(x, y *uint256.Int) (*uint256.Int, error) { return mulDiv(x, y, RAY) }

// Wdiv returns x * WAD / y.
func Wdiv(x, y *uint256.Int) (*uint256.Int, error) { return mulDiv(x, WAD, y) }

// Rdiv returns x * RAY / y.
func Rdiv(x, y *uint256.Int) (*uint256.Int, error) { return mulDiv(x, RAY, y) }
