package fixed

import "github.com/holiman/uint256"

// IsNeg reports whether x, read as int256, is negative.
func IsNeg(x *uint256.Int) bool { return x.Sign() < 0 }

// IsPos reports whether x, read as int256, is strictly positive.
func IsPos(x *uint256.Int) bool { return x.Sign() > 0 }

// ToSigned checks that the unsigned value x can be cast to int256.
func ToSigned(x *uint256.Int) (*uint256.Int, error) {
	if x.Gt(MaxInt256) {
		return nil, ErrSignOverflow
	}
	return x.Clone(), nil
}

// Neg returns -int256(x) for an unsigned x.
func Neg(x *uint256.Int) (*uint256.Int, error) {
	if x.Gt(MaxInt256) {
		return nil, ErrSignOverflow
	}
	return new(uint256.Int).Neg(x), nil
}

// Abs returns |x| for a signed x. The result is unsigned, so int256.min maps
// to 2^255.
func Abs(x *uint256.Int) *uint256.Int {
	if IsNeg(x) {
		return new(uint256.Int).Neg(x)
	}
	return x.Clone()
}

// AddSigned returns x + y for unsigned x and signed y.
func AddSigned(x, y *uint256.Int) (*uint256.Int, error) {
	z := new(uint256.Int).Add(x, y)
	if IsNeg(y) {
		if z.Gt(x) {
			return nil, ErrUnderflow
		}
	} else if z.Lt(x) {
		return nil, ErrOverflow
	}
	return z, nil
}

// SubSigned returns x - y for unsigned x and signed y.
func SubSigned(x, y *uint256.Int) (*uint256.Int, error) {
	z := new(uint256.Int).Sub(x, y)
	if IsNeg(y) {
		if z.Lt(x) {
			return nil, ErrOverflow
		}
	} else if z.Gt(x) {
		return nil, ErrUnderflow
	}
	return z, nil
}

// MulSigned returns int256(x) * y for unsigned x and signed y.
func MulSigned(x, y *uint256.Int) (*uint256.Int, error) {
	if x.Gt(MaxInt256) {
		return nil, ErrSignOverflow
	}
	p, overflow := new(uint256.Int).MulOverflow(x, Abs(y))
	if overflow {
		return nil, ErrSignOverflow
	}
	if !IsNeg(y) {
		if p.Gt(MaxInt256) {
			return nil, ErrSignOverflow
		}
		return p, nil
	}
	if p.Gt(minInt256Abs) {
		return nil, ErrSignOverflow
	}
	return p.Neg(p), nil
}

// Diff returns int256(x) - int256(y) for unsigned x and y.
func Diff(x, y *uint256.Int) (*uint256.Int, error) {
	if x.Gt(MaxInt256) || y.Gt(MaxInt256) {
		return nil, ErrSignOverflow
	}
	return new(uint256.Int).Sub(x, y), nil
}

// Scale returns v * unit as a two's-complement value. It is meant for
// constants and tests; it panics if the product does not fit in int256.
func Scale(v int64, unit *uint256.Int) *uint256.Int {
	abs := uint64(v)
	if v < 0 {
		abs = uint64(-v)
	}
	z, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(abs), unit)
	if overflow || z.Gt(MaxInt256) {
		panic("fixed: scaled constant out of range")
	}
	if v < 0 {
		z.Neg(z)
	}
	return z
}

// Wad returns v scaled to 18 decimals.
func Wad(v int64) *uint256.Int { return Scale(v, WAD) }

// Ray returns v scaled to 27 decimals.
func Ray(v int64) *uint256.Int { return Scale(v, RAY) }

// Rad returns v scaled to 45 decimals.
func Rad(v int64) *uint256.Int { return Scale(v, RAD) }
