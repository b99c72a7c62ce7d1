package surplus

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// Param is a vow parameter.
type Param int

const (
	ParamWait Param = iota + 1 // queue cooldown [seconds]
	ParamBump                  // surplus auction lot [rad]
	ParamSump                  // deficit auction bid [rad]
	ParamDump                  // deficit auction initial lot [wad]
	ParamHump                  // surplus buffer [rad]
)

// File sets a parameter.
func (v *Vow) File(caller model.Address, what Param, data *uint256.Int) error {
	if err := auth.Require(v.auth, caller, OpFile); err != nil {
		return err
	}
	return v.j.Atomic(func() error {
		switch what {
		case ParamWait:
			if !data.IsUint64() {
				return fmt.Errorf("%w: wait out of range", ErrInvalidValue)
			}
			journal.Set(v.j, &v.wait, data.Uint64())
		case ParamBump:
			journal.Set(v.j, &v.bump, data.Clone())
		case ParamSump:
			journal.Set(v.j, &v.sump, data.Clone())
		case ParamDump:
			journal.Set(v.j, &v.dump, data.Clone())
		case ParamHump:
			journal.Set(v.j, &v.hump, data.Clone())
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// SetSurplusAuction sets the flapper. The vow allows it to pull the lot.
func (v *Vow) SetSurplusAuction(caller model.Address, f SurplusAuction) error {
	if err := auth.Require(v.auth, caller, OpFile); err != nil {
		return err
	}
	return v.j.Atomic(func() error {
		if v.flapper != nil {
			if err := v.ledger.Disallow(v.addr, v.flapper.Address()); err != nil {
				return err
			}
		}
		journal.Set(v.j, &v.flapper, f)
		return v.ledger.Allow(v.addr, f.Address())
	})
}

// SetDebtAuction sets the flopper.
func (v *Vow) SetDebtAuction(caller model.Address, f DebtAuction) error {
	if err := auth.Require(v.auth, caller, OpFile); err != nil {
		return err
	}
	return v.j.Atomic(func() error {
		journal.Set(v.j, &v.flopper, f)
		return nil
	})
}
