package liquidation

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// Param is a global dispatcher parameter.
type Param int

const (
	// ParamHole is the global limit on debt on auction [rad].
	ParamHole Param = iota + 1
)

// IlkParam is a per-collateral-type dispatcher parameter.
type IlkParam int

const (
	// IlkChop is the liquidation penalty [wad], at least 1.0.
	IlkChop IlkParam = iota + 1
	// IlkHole is the per-ilk limit on debt on auction [rad].
	IlkHole
)

// File sets a global parameter.
func (d *Dispatcher) File(caller model.Address, what Param, data *uint256.Int) error {
	if err := auth.Require(d.auth, caller, OpFile); err != nil {
		return err
	}
	return d.j.Atomic(func() error {
		switch what {
		case ParamHole:
			journal.Set(d.j, &d.hole, data.Clone())
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// FileIlk sets a collateral-type parameter.
func (d *Dispatcher) FileIlk(caller model.Address, i model.Ilk, what IlkParam, data *uint256.Int) error {
	if err := auth.Require(d.auth, caller, OpFile); err != nil {
		return err
	}
	return d.j.Atomic(func() error {
		st := d.ilk(i)
		switch what {
		case IlkChop:
			if data.Lt(fixed.WAD) {
				return fmt.Errorf("%w: chop below 1.0", ErrInvalidValue)
			}
			st.chop = data.Clone()
		case IlkHole:
			st.hole = data.Clone()
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		journal.Put(d.j, d.ilks, i, st)
		return nil
	})
}

// SetAuctioneer sets the auctioneer of ilk i. It must sell the same ilk.
func (d *Dispatcher) SetAuctioneer(caller model.Address, i model.Ilk, clip Auctioneer) error {
	if err := auth.Require(d.auth, caller, OpFile); err != nil {
		return err
	}
	return d.j.Atomic(func() error {
		if clip.Ilk() != i {
			return fmt.Errorf("%w: %s sells %s", ErrIlkMismatch, i, clip.Ilk())
		}
		st := d.ilk(i)
		st.clip = clip
		journal.Put(d.j, d.ilks, i, st)
		return nil
	})
}

// SetVow sets the debt queue that receives seized debt.
func (d *Dispatcher) SetVow(caller model.Address, vow Vow) error {
	if err := auth.Require(d.auth, caller, OpFile); err != nil {
		return err
	}
	return d.j.Atomic(func() error {
		journal.Set(d.j, &d.vow, vow)
		return nil
	})
}
