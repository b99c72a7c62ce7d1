// Package decay implements the price curves of the collateral auction (the
// "Abaci"). A curve maps a starting price and the seconds elapsed since the
// auction started to the current price. All curves are non-increasing in
// time.
package decay

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// OpFile is the privileged parameter setter of every curve.
const OpFile auth.Op = "decay.file"

var (
	ErrUnrecognizedParam = model.Invariant("decay: unrecognized param")
	ErrInvalidValue      = model.Invariant("decay: invalid value")
)

// Model is a price curve.
type Model interface {
	// Price returns the price dur seconds after the auction started at top
	// [ray].
	Price(top *uint256.Int, dur uint64) (*uint256.Int, error)
}

// Param names a curve parameter.
type Param int

const (
	// ParamTau is the linear curve's duration to zero [seconds].
	ParamTau Param = iota + 1
	// ParamCut is the per-step (or per-second) multiplier [ray], at most 1.0.
	ParamCut
	// ParamStep is the stairstep interval [seconds].
	ParamStep
)

func (p Param) String() string {
	switch p {
	case ParamTau:
		return "tau"
	case ParamCut:
		return "cut"
	case ParamStep:
		return "step"
	default:
		return fmt.Sprintf("Param(%d)", int(p))
	}
}

type base struct {
	auth auth.Authority
	j    *journal.Journal
}

func (b base) file(caller model.Address, fn func() error) error {
	if err := auth.Require(b.auth, caller, OpFile); err != nil {
		return err
	}
	return b.j.Atomic(fn)
}

func seconds(what Param, data *uint256.Int) (uint64, error) {
	if !data.IsUint64() {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidValue, what)
	}
	return data.Uint64(), nil
}

func cutFactor(data *uint256.Int) (*uint256.Int, error) {
	if data.Gt(fixed.RAY) {
		return nil, fmt.Errorf("%w: cut above 1.0", ErrInvalidValue)
	}
	return data.Clone(), nil
}

// Linear falls from top to zero in a straight line over tau seconds.
type Linear struct {
	base
	tau uint64
}

// NewLinear creates a linear curve.
func NewLinear(a auth.Authority, j *journal.Journal, tau uint64) *Linear {
	return &Linear{base: base{a, j}, tau: tau}
}

// File sets tau.
func (l *Linear) File(caller model.Address, what Param, data *uint256.Int) error {
	return l.file(caller, func() error {
		if what != ParamTau {
			return fmt.Errorf("%w: %s", ErrUnrecognizedParam, what)
		}
		tau, err := seconds(what, data)
		if err != nil {
			return err
		}
		journal.Set(l.j, &l.tau, tau)
		return nil
	})
}

// Tau returns the duration to zero.
func (l *Linear) Tau() uint64 { return l.tau }

// Price implements Model.
func (l *Linear) Price(top *uint256.Int, dur uint64) (*uint256.Int, error) {
	if dur >= l.tau {
		return fixed.Zero(), nil
	}
	remaining, err := fixed.Mul(uint256.NewInt(l.tau-dur), fixed.RAY)
	if err != nil {
		return nil, err
	}
	frac, err := fixed.Div(remaining, uint256.NewInt(l.tau))
	if err != nil {
		return nil, err
	}
	return fixed.Rmul(top, frac)
}

// StairstepExponential multiplies the price by cut once every step seconds.
type StairstepExponential struct {
	base
	cut  *uint256.Int // [ray]
	step uint64
}

// NewStairstepExponential creates a stairstep curve.
func NewStairstepExponential(a auth.Authority, j *journal.Journal, cut *uint256.Int, step uint64) (*StairstepExponential, error) {
	c, err := cutFactor(cut)
	if err != nil {
		return nil, err
	}
	return &StairstepExponential{base: base{a, j}, cut: c, step: step}, nil
}

// File sets cut or step.
func (s *StairstepExponential) File(caller model.Address, what Param, data *uint256.Int) error {
	return s.file(caller, func() error {
		switch what {
		case ParamCut:
			c, err := cutFactor(data)
			if err != nil {
				return err
			}
			journal.Set(s.j, &s.cut, c)
		case ParamStep:
			step, err := seconds(what, data)
			if err != nil {
				return err
			}
			journal.Set(s.j, &s.step, step)
		default:
			return fmt.Errorf("%w: %s", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// Cut returns the per-step multiplier.
func (s *StairstepExponential) Cut() *uint256.Int { return s.cut.Clone() }

// Step returns the step interval.
func (s *StairstepExponential) Step() uint64 { return s.step }

// Price implements Model.
func (s *StairstepExponential) Price(top *uint256.Int, dur uint64) (*uint256.Int, error) {
	if s.step == 0 {
		return nil, fmt.Errorf("%w: step not set", fixed.ErrDivisionByZero)
	}
	factor, err := fixed.Rpow(s.cut, dur/s.step, fixed.RAY)
	if err != nil {
		return nil, err
	}
	return fixed.Rmul(top, factor)
}

// Exponential multiplies the price by cut every second.
type Exponential struct {
	base
	cut *uint256.Int // [ray]
}

// NewExponential creates a continuous exponential curve.
func NewExponential(a auth.Authority, j *journal.Journal, cut *uint256.Int) (*Exponential, error) {
	c, err := cutFactor(cut)
	if err != nil {
		return nil, err
	}
	return &Exponential{base: base{a, j}, cut: c}, nil
}

// File sets cut.
func (e *Exponential) File(caller model.Address, what Param, data *uint256.Int) error {
	return e.file(caller, func() error {
		if what != ParamCut {
			return fmt.Errorf("%w: %s", ErrUnrecognizedParam, what)
		}
		c, err := cutFactor(data)
		if err != nil {
			return err
		}
		journal.Set(e.j, &e.cut, c)
		return nil
	})
}

// Cut returns the per-second multiplier.
func (e *Exponential) Cut() *uint256.Int { return e.cut.Clone() }

// Price implements Model.
func (e *Exponential) Price(top *uint256.Int, dur uint64) (*uint256.Int, error) {
	factor, err := fixed.Rpow(e.cut, dur, fixed.RAY)
	if err != nil {
		return nil, err
	}
	return fixed.Rmul(top, factor)
}
