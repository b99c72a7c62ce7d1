// Package pricefeed turns raw oracle prices into ledger safety prices (the
// "Spotter").
package pricefeed

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/ledger"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
)

// Privileged operations.
const (
	OpFile auth.Op = "pricefeed.file"
	OpCage auth.Op = "pricefeed.cage"
)

var (
	ErrNotLive           = model.Sequencing("pricefeed: not live")
	ErrNoOracle          = model.Sequencing("pricefeed: no oracle for collateral type")
	ErrUnrecognizedParam = model.Invariant("pricefeed: unrecognized param")
	ErrInvalidValue      = model.Invariant("pricefeed: invalid value")
)

// Ledger is the part of the ledger the feed writes to.
type Ledger interface {
	FileIlk(caller model.Address, i model.Ilk, what ledger.IlkParam, data *uint256.Int) error
}

type ilkState struct {
	pip oracle.Oracle
	mat *uint256.Int // liquidation ratio [ray]
}

// PriceFeed is the Spotter.
type PriceFeed struct {
	addr   model.Address
	auth   auth.Authority
	j      *journal.Journal
	clk    clock.Clock
	ledger Ledger

	ilks map[model.Ilk]ilkState
	par  *uint256.Int // reference value of one unit of credit [ray]
	live bool
}

// New creates a live price feed with par = 1.0.
func New(addr model.Address, a auth.Authority, j *journal.Journal, clk clock.Clock, l Ledger) *PriceFeed {
	return &PriceFeed{
		addr:   addr,
		auth:   a,
		j:      j,
		clk:    clk,
		ledger: l,
		ilks:   make(map[model.Ilk]ilkState),
		par:    fixed.Clone(fixed.RAY),
		live:   true,
	}
}

// Address returns the component's identity.
func (p *PriceFeed) Address() model.Address { return p.addr }

// Param is a global price feed parameter.
type Param int

const (
	// ParamPar is the reference value per credit unit [ray].
	ParamPar Param = iota + 1
)

// IlkParam is a per-collateral-type price feed parameter.
type IlkParam int

const (
	// IlkMat is the liquidation ratio [ray].
	IlkMat IlkParam = iota + 1
)

// File sets a global parameter.
func (p *PriceFeed) File(caller model.Address, what Param, data *uint256.Int) error {
	if err := auth.Require(p.auth, caller, OpFile); err != nil {
		return err
	}
	return p.j.Atomic(func() error {
		if !p.live {
			return ErrNotLive
		}
		switch what {
		case ParamPar:
			if data.IsZero() {
				return fmt.Errorf("%w: par must be positive", ErrInvalidValue)
			}
			journal.Set(p.j, &p.par, data.Clone())
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// FileIlk sets a collateral-type parameter.
func (p *PriceFeed) FileIlk(caller model.Address, i model.Ilk, what IlkParam, data *uint256.Int) error {
	if err := auth.Require(p.auth, caller, OpFile); err != nil {
		return err
	}
	return p.j.Atomic(func() error {
		if !p.live {
			return ErrNotLive
		}
		st := p.ilks[i]
		switch what {
		case IlkMat:
			if data.IsZero() {
				return fmt.Errorf("%w: mat must be positive", ErrInvalidValue)
			}
			st.mat = data.Clone()
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		journal.Put(p.j, p.ilks, i, st)
		return nil
	})
}

// SetOracle sets the price source of ilk i.
func (p *PriceFeed) SetOracle(caller model.Address, i model.Ilk, pip oracle.Oracle) error {
	if err := auth.Require(p.auth, caller, OpFile); err != nil {
		return err
	}
	return p.j.Atomic(func() error {
		if !p.live {
			return ErrNotLive
		}
		st := p.ilks[i]
		st.pip = pip
		journal.Put(p.j, p.ilks, i, st)
		return nil
	})
}

// Poke reads the oracle of ilk i and writes the resulting safety price into
// the ledger. An invalid oracle price writes zero. It returns the raw price
// and the safety price.
func (p *PriceFeed) Poke(i model.Ilk) (val, spot *uint256.Int, err error) {
	err = p.j.Atomic(func() error {
		st, ok := p.ilks[i]
		if !ok || st.pip == nil {
			return fmt.Errorf("%w: %s", ErrNoOracle, i)
		}
		var has bool
		val, has = st.pip.Peek()
		spot = fixed.Zero()
		if has {
			scaled, err := fixed.Mul(val, fixed.BLN)
			if err != nil {
				return err
			}
			perPar, err := fixed.Rdiv(scaled, p.par)
			if err != nil {
				return err
			}
			if spot, err = fixed.Rdiv(perPar, fixed.Clone(st.mat)); err != nil {
				return err
			}
		}
		if err := p.ledger.FileIlk(p.addr, i, ledger.IlkSpot, spot); err != nil {
			return err
		}
		p.j.Emit(model.Event{
			Kind:      "poke",
			Component: "pricefeed",
			Ilk:       i,
			Time:      p.clk.Now(),
			Fields: map[string]string{
				"val":  fixed.Format(val, fixed.WadDecimals),
				"spot": fixed.Format(spot, fixed.RayDecimals),
			},
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return val, spot, nil
}

// Cage stops parameter changes.
func (p *PriceFeed) Cage(caller model.Address) error {
	if err := auth.Require(p.auth, caller, OpCage); err != nil {
		return err
	}
	return p.j.Atomic(func() error {
		journal.Set(p.j, &p.live, false)
		return nil
	})
}

// Oracle returns the price source of ilk i, or nil.
func (p *PriceFeed) Oracle(i model.Ilk) oracle.Oracle { return p.ilks[i].pip }

// Mat returns the liquidation ratio of ilk i.
func (p *PriceFeed) Mat(i model.Ilk) *uint256.Int { return fixed.Clone(p.ilks[i].mat) }

// Par returns the reference value per credit unit.
func (p *PriceFeed) Par() *uint256.Int { return p.par.Clone() }

// Live reports whether parameters may still change.
func (p *PriceFeed) Live() bool { return p.live }
