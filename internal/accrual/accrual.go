// Package accrual compounds stability fees into each collateral type's rate
// accumulator (the "Jug").
package accrual

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/ledger"
	"github.com/atmx/cdp-engine/internal/model"
)

// Privileged operations.
const (
	OpInit auth.Op = "accrual.init"
	OpFile auth.Op = "accrual.file"
)

var (
	ErrAlreadyInitialized = model.Sequencing("accrual: collateral type already initialized")
	ErrNotInitialized     = model.Sequencing("accrual: collateral type not initialized")
	ErrRateNotDue         = model.Sequencing("accrual: rho not updated")
	ErrInvalidNow         = model.Sequencing("accrual: invalid now")
	ErrUnrecognizedParam  = model.Invariant("accrual: unrecognized param")
)

// Ledger is the part of the ledger fee accrual drives.
type Ledger interface {
	Ilk(i model.Ilk) (ledger.CollateralType, bool)
	ApplyRate(caller model.Address, i model.Ilk, u model.Address, rate *uint256.Int) error
}

type ilkState struct {
	duty *uint256.Int // per-second fee on top of base [ray]
	rho  uint64       // last accrual
}

// Accrual is the Jug.
type Accrual struct {
	addr   model.Address
	auth   auth.Authority
	j      *journal.Journal
	clk    clock.Clock
	ledger Ledger

	ilks map[model.Ilk]ilkState
	vow  model.Address
	base *uint256.Int // global per-second fee [ray]
}

// New creates fee accrual over l.
func New(addr model.Address, a auth.Authority, j *journal.Journal, clk clock.Clock, l Ledger) *Accrual {
	return &Accrual{
		addr:   addr,
		auth:   a,
		j:      j,
		clk:    clk,
		ledger: l,
		ilks:   make(map[model.Ilk]ilkState),
		base:   fixed.Zero(),
	}
}

// Address returns the component's identity.
func (a *Accrual) Address() model.Address { return a.addr }

// Init starts accrual for ilk i with a duty of 1.0 (no fee).
func (a *Accrual) Init(caller model.Address, i model.Ilk) error {
	if err := auth.Require(a.auth, caller, OpInit); err != nil {
		return err
	}
	return a.j.Atomic(func() error {
		if st, ok := a.ilks[i]; ok && !st.duty.IsZero() {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, i)
		}
		journal.Put(a.j, a.ilks, i, ilkState{duty: fixed.Clone(fixed.RAY), rho: a.clk.Now()})
		return nil
	})
}

// Param is a global accrual parameter.
type Param int

const (
	// ParamBase is the global per-second fee [ray].
	ParamBase Param = iota + 1
)

// File sets a global parameter.
func (a *Accrual) File(caller model.Address, what Param, data *uint256.Int) error {
	if err := auth.Require(a.auth, caller, OpFile); err != nil {
		return err
	}
	return a.j.Atomic(func() error {
		switch what {
		case ParamBase:
			journal.Set(a.j, &a.base, data.Clone())
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// SetDuty sets the per-second fee of ilk i [ray]. Fees must have been
// accrued up to now first, otherwise the new duty would apply
// retroactively.
func (a *Accrual) SetDuty(caller model.Address, i model.Ilk, duty *uint256.Int) error {
	if err := auth.Require(a.auth, caller, OpFile); err != nil {
		return err
	}
	return a.j.Atomic(func() error {
		st, ok := a.ilks[i]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotInitialized, i)
		}
		if st.rho != a.clk.Now() {
			return fmt.Errorf("%w: %s last accrued at %d", ErrRateNotDue, i, st.rho)
		}
		st.duty = duty.Clone()
		journal.Put(a.j, a.ilks, i, st)
		return nil
	})
}

// SetVow sets the account that receives accrued fees.
func (a *Accrual) SetVow(caller, vow model.Address) error {
	if err := auth.Require(a.auth, caller, OpFile); err != nil {
		return err
	}
	return a.j.Atomic(func() error {
		journal.Set(a.j, &a.vow, vow)
		return nil
	})
}

// Drip accrues fees of ilk i up to now and returns the new rate. Anyone may
// call it.
func (a *Accrual) Drip(i model.Ilk) (*uint256.Int, error) {
	var rate *uint256.Int
	err := a.j.Atomic(func() error {
		now := a.clk.Now()
		st, ok := a.ilks[i]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotInitialized, i)
		}
		if now < st.rho {
			return fmt.Errorf("%w: %d before %d", ErrInvalidNow, now, st.rho)
		}
		ilk, _ := a.ledger.Ilk(i)
		prev := ilk.Rate

		perSecond, err := fixed.Add(a.base, st.duty)
		if err != nil {
			return err
		}
		factor, err := fixed.Rpow(perSecond, now-st.rho, fixed.RAY)
		if err != nil {
			return err
		}
		rate, err = fixed.Rmul(factor, prev)
		if err != nil {
			return err
		}
		delta, err := fixed.Diff(rate, prev)
		if err != nil {
			return err
		}
		if err := a.ledger.ApplyRate(a.addr, i, a.vow, delta); err != nil {
			return err
		}
		st.rho = now
		journal.Put(a.j, a.ilks, i, st)

		a.j.Emit(model.Event{
			Kind:      "drip",
			Component: "accrual",
			Ilk:       i,
			Account:   a.vow,
			Time:      now,
			Fields: map[string]string{
				"rate":  fixed.Format(rate, fixed.RayDecimals),
				"delta": fixed.ToDecimalSigned(delta, fixed.RayDecimals).String(),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rate, nil
}

// Duty returns the per-second fee of ilk i and its last accrual time.
func (a *Accrual) Duty(i model.Ilk) (*uint256.Int, uint64) {
	st, ok := a.ilks[i]
	if !ok {
		return fixed.Zero(), 0
	}
	return st.duty.Clone(), st.rho
}

// Base returns the global per-second fee.
func (a *Accrual) Base() *uint256.Int { return a.base.Clone() }

// Vow returns the fee recipient.
func (a *Accrual) Vow() model.Address { return a.vow }
