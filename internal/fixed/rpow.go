package fixed

import "github.com/holiman/uint256"

// Rpow returns x^n in fixed point with the given base (RAY for rates and
// prices), computed by binary exponentiation.
//
// Every squaring and every accumulation is overflow checked and rounded half
// up: half of base is added to the product before the truncating division.
// The result must match this exactly, so keep the order of operations.
func Rpow(x *uint256.Int, n uint64, base *uint256.Int) (*uint256.Int, error) {
	if x.IsZero() {
		if n == 0 {
			return base.Clone(), nil
		}
		return new(uint256.Int), nil
	}

	var z *uint256.Int
	if n%2 == 0 {
		z = base.Clone()
	} else {
		z = x.Clone()
	}
	half := new(uint256.Int).Rsh(base, 1)
	x = x.Clone()

	for n /= 2; n > 0; n /= 2 {
		xx, overflow := new(uint256.Int).MulOverflow(x, x)
		if overflow {
			return nil, ErrOverflow
		}
		xxRound, overflow := new(uint256.Int).AddOverflow(xx, half)
		if overflow {
			return nil, ErrOverflow
		}
		x = xxRound.Div(xxRound, base)

		if n%2 == 1 {
			zx, overflow := new(uint256.Int).MulOverflow(z, x)
			if overflow && !x.IsZero() {
				return nil, ErrOverflow
			}
			zxRound, overflow := new(uint256.Int).AddOverflow(zx, half)
			if overflow {
				return nil, ErrOverflow
			}
			z = zxRound.Div(zxRound, base)
		}
	}
	return z, nil
}
