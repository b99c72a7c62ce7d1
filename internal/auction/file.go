package auction

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/decay"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// Param is an auctioneer parameter.
type Param int

const (
	ParamBuf     Param = iota + 1 // starting price multiplier [ray]
	ParamTail                     // max auction duration [seconds]
	ParamCusp                     // price drop that forces a reset [ray]
	ParamChip                     // proportional keeper incentive [wad]
	ParamTip                      // flat keeper incentive [rad]
	ParamStopped                  // circuit breaker level, 0..3
)

// File sets a parameter.
func (c *Auctioneer) File(caller model.Address, what Param, data *uint256.Int) error {
	if err := auth.Require(c.auth, caller, OpFile); err != nil {
		return err
	}
	return c.guard(func() error {
		switch what {
		case ParamBuf:
			journal.Set(c.j, &c.buf, data.Clone())
		case ParamTail:
			if !data.IsUint64() {
				return fmt.Errorf("%w: tail out of range", ErrInvalidValue)
			}
			journal.Set(c.j, &c.tail, data.Uint64())
		case ParamCusp:
			journal.Set(c.j, &c.cusp, data.Clone())
		case ParamChip:
			journal.Set(c.j, &c.chip, data.Clone())
		case ParamTip:
			journal.Set(c.j, &c.tip, data.Clone())
		case ParamStopped:
			if !data.IsUint64() || data.Uint64() > 3 {
				return fmt.Errorf("%w: stopped must be 0..3", ErrInvalidValue)
			}
			journal.Set(c.j, &c.stopped, int(data.Uint64()))
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// SetSpotter sets the price source.
func (c *Auctioneer) SetSpotter(caller model.Address, s PriceSource) error {
	return c.setCollaborator(caller, func() { journal.Set(c.j, &c.spotter, s) })
}

// SetDispatcher sets the liquidation dispatcher.
func (c *Auctioneer) SetDispatcher(caller model.Address, d Dispatcher) error {
	return c.setCollaborator(caller, func() { journal.Set(c.j, &c.dog, d) })
}

// SetVow sets the account that receives proceeds and funds incentives.
func (c *Auctioneer) SetVow(caller, vow model.Address) error {
	return c.setCollaborator(caller, func() { journal.Set(c.j, &c.vow, vow) })
}

// SetCalc sets the price curve.
func (c *Auctioneer) SetCalc(caller model.Address, calc decay.Model) error {
	return c.setCollaborator(caller, func() { journal.Set(c.j, &c.calc, calc) })
}

func (c *Auctioneer) setCollaborator(caller model.Address, set func()) error {
	if err := auth.Require(c.auth, caller, OpFile); err != nil {
		return err
	}
	return c.guard(func() error {
		set()
		return nil
	})
}

// Params is a snapshot of the auctioneer's parameters.
type Params struct {
	Buf, Cusp, Chip, Tip, Chost *uint256.Int
	Tail                        uint64
	Stopped                     int
}

// Params returns the current parameters.
func (c *Auctioneer) Params() Params {
	return Params{
		Buf:     c.buf.Clone(),
		Cusp:    c.cusp.Clone(),
		Chip:    c.chip.Clone(),
		Tip:     c.tip.Clone(),
		Chost:   c.chost.Clone(),
		Tail:    c.tail,
		Stopped: c.stopped,
	}
}
