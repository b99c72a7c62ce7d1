// Package auction runs the decaying-price collateral auctions that follow a
// liquidation (the "Clipper"). One Auctioneer sells one collateral type.
//
// An auction starts at top = feed price * buf and decays along a price
// curve. Anyone can buy from it at the current price until the debt target
// (tab) is raised or the collateral (lot) is gone. When the auction has run
// longer than tail or the price fell below cusp * top it must be reset with
// Redo before further purchases.
package auction

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/decay"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/ledger"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
)

// Privileged operations.
const (
	OpKick auth.Op = "auction.kick"
	OpFile auth.Op = "auction.file"
	OpYank auth.Op = "auction.yank"
)

var (
	ErrStopped           = model.Sequencing("auction: stopped incorrectly")
	ErrLocked            = model.Sequencing("auction: system locked")
	ErrZeroTab           = model.Invariant("auction: zero tab")
	ErrZeroLot           = model.Invariant("auction: zero lot")
	ErrZeroUsr           = model.Invariant("auction: zero usr")
	ErrInvalidPrice      = model.Invariant("auction: invalid price")
	ErrZeroStartingPrice = model.Invariant("auction: zero top price")
	ErrNotRunning        = model.Sequencing("auction: not running auction")
	ErrCannotReset       = model.Sequencing("auction: cannot reset")
	ErrNeedsReset        = model.Sequencing("auction: needs reset")
	ErrTooExpensive      = model.Invariant("auction: too expensive")
	ErrNoPartialPurchase = model.Invariant("auction: no partial purchase")
	ErrNoCallee          = model.Invariant("auction: callback data without callee")
	ErrUnrecognizedParam = model.Invariant("auction: unrecognized param")
	ErrInvalidValue      = model.Invariant("auction: invalid value")
	ErrNotConfigured     = model.Sequencing("auction: not configured")
)

// Ledger is the part of the ledger the auctioneer moves balances on.
type Ledger interface {
	Address() model.Address
	Ilk(i model.Ilk) (ledger.CollateralType, bool)
	TransferCollateral(caller model.Address, i model.Ilk, src, dst model.Address, wad *uint256.Int) error
	TransferCredit(caller, src, dst model.Address, rad *uint256.Int) error
	IssueUnbacked(caller, u, v model.Address, rad *uint256.Int) error
}

// PriceSource supplies the oracle and par used to anchor starting prices.
type PriceSource interface {
	Oracle(i model.Ilk) oracle.Oracle
	Par() *uint256.Int
}

// Dispatcher is the liquidation side the auctioneer reports back to.
type Dispatcher interface {
	Address() model.Address
	Chop(i model.Ilk) *uint256.Int
	Digs(caller model.Address, i model.Ilk, rad *uint256.Int) error
}

// Callee is invoked during Take, after the collateral was sent to the
// buyer's recipient and before payment is collected.
type Callee interface {
	ClipperCall(sender model.Address, owe, slice *uint256.Int, data []byte) error
}

// Sale is one running auction.
type Sale struct {
	Pos int           // index in the active list
	Tab *uint256.Int  // debt to raise [rad]
	Lot *uint256.Int  // collateral to sell [wad]
	Usr model.Address // owner of the liquidated position
	Tic uint64        // start time
	Top *uint256.Int  // starting price [ray]
}

// Auctioneer is the Clipper.
type Auctioneer struct {
	addr model.Address
	auth auth.Authority
	j    *journal.Journal
	clk  clock.Clock
	ilk  model.Ilk

	ledger  Ledger
	spotter PriceSource
	dog     Dispatcher
	vow     model.Address
	calc    decay.Model

	buf   *uint256.Int // top = feed price * buf [ray]
	tail  uint64       // seconds before a reset is required
	cusp  *uint256.Int // price drop before a reset is required [ray]
	chip  *uint256.Int // proportional keeper incentive [wad]
	tip   *uint256.Int // flat keeper incentive [rad]
	chost *uint256.Int // cached dust * chop [rad]

	stopped int
	kicks   uint64
	active  []uint64
	sales   map[uint64]Sale

	locked bool
}

// Config wires an Auctioneer.
type Config struct {
	Address model.Address
	Ilk     model.Ilk
	Ledger  Ledger
	Spotter PriceSource
	Dog     Dispatcher
	Vow     model.Address
	Calc    decay.Model
}

// New creates an auctioneer with buf = 1.0.
func New(cfg Config, a auth.Authority, j *journal.Journal, clk clock.Clock) *Auctioneer {
	return &Auctioneer{
		addr:    cfg.Address,
		auth:    a,
		j:       j,
		clk:     clk,
		ilk:     cfg.Ilk,
		ledger:  cfg.Ledger,
		spotter: cfg.Spotter,
		dog:     cfg.Dog,
		vow:     cfg.Vow,
		calc:    cfg.Calc,
		buf:     fixed.Clone(fixed.RAY),
		cusp:    fixed.Zero(),
		chip:    fixed.Zero(),
		tip:     fixed.Zero(),
		chost:   fixed.Zero(),
		sales:   make(map[uint64]Sale),
	}
}

// Address returns the component's identity.
func (c *Auctioneer) Address() model.Address { return c.addr }

// Ilk returns the collateral type sold.
func (c *Auctioneer) Ilk() model.Ilk { return c.ilk }

// guard runs fn under the non-reentrancy lock, inside one transaction.
func (c *Auctioneer) guard(fn func() error) error {
	if c.locked {
		return ErrLocked
	}
	c.locked = true
	defer func() { c.locked = false }()
	return c.j.Atomic(fn)
}

func (c *Auctioneer) checkStopped(level int) error {
	if c.stopped >= level {
		return fmt.Errorf("%w: level %d", ErrStopped, c.stopped)
	}
	return nil
}

// feedPrice reads the oracle and scales it by par [ray].
func (c *Auctioneer) feedPrice() (*uint256.Int, error) {
	pip := c.spotter.Oracle(c.ilk)
	if pip == nil {
		return nil, fmt.Errorf("%w: no oracle for %s", ErrInvalidPrice, c.ilk)
	}
	val, has := pip.Peek()
	if !has {
		return nil, ErrInvalidPrice
	}
	scaled, err := fixed.Mul(val, fixed.BLN)
	if err != nil {
		return nil, err
	}
	return fixed.Rdiv(scaled, c.spotter.Par())
}

// incentive returns tip + tab * chip.
func (c *Auctioneer) incentive(tab *uint256.Int) (*uint256.Int, error) {
	prop, err := fixed.Wmul(tab, c.chip)
	if err != nil {
		return nil, err
	}
	return fixed.Add(c.tip, prop)
}

// Kick starts an auction selling lot to raise tab for usr's liquidated
// position. kpr receives the keeper incentive.
func (c *Auctioneer) Kick(caller model.Address, tab, lot *uint256.Int, usr, kpr model.Address) (uint64, error) {
	if err := auth.Require(c.auth, caller, OpKick); err != nil {
		return 0, err
	}
	var id uint64
	err := c.guard(func() error {
		if err := c.checkStopped(1); err != nil {
			return err
		}
		switch {
		case tab.IsZero():
			return ErrZeroTab
		case lot.IsZero():
			return ErrZeroLot
		case usr.IsZero():
			return ErrZeroUsr
		}
		now := c.clk.Now()

		id = c.kicks + 1
		journal.Set(c.j, &c.kicks, id)
		journal.Append(c.j, &c.active, id)

		price, err := c.feedPrice()
		if err != nil {
			return err
		}
		top, err := fixed.Rmul(price, c.buf)
		if err != nil {
			return err
		}
		if top.IsZero() {
			return ErrZeroStartingPrice
		}
		journal.Put(c.j, c.sales, id, Sale{
			Pos: len(c.active) - 1,
			Tab: tab.Clone(),
			Lot: lot.Clone(),
			Usr: usr,
			Tic: now,
			Top: top,
		})

		coin := fixed.Zero()
		if !c.tip.IsZero() || !c.chip.IsZero() {
			if coin, err = c.incentive(tab); err != nil {
				return err
			}
			if err := c.ledger.IssueUnbacked(c.addr, c.vow, kpr, coin); err != nil {
				return err
			}
		}

		c.emit("kick", id, usr, now, map[string]string{
			"top":    fixed.Format(top, fixed.RayDecimals),
			"tab":    fixed.Format(tab, fixed.RadDecimals),
			"lot":    fixed.Format(lot, fixed.WadDecimals),
			"keeper": string(kpr),
			"coin":   fixed.Format(coin, fixed.RadDecimals),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Redo restarts an auction that needs a reset from a fresh oracle price.
// kpr receives the keeper incentive if the auction is not dust.
func (c *Auctioneer) Redo(id uint64, kpr model.Address) error {
	return c.guard(func() error {
		if err := c.checkStopped(2); err != nil {
			return err
		}
		sale, ok := c.sales[id]
		if !ok || sale.Usr.IsZero() {
			return fmt.Errorf("%w: %d", ErrNotRunning, id)
		}
		now := c.clk.Now()
		done, _, err := c.status(sale.Tic, sale.Top, now)
		if err != nil {
			return err
		}
		if !done {
			return fmt.Errorf("%w: %d", ErrCannotReset, id)
		}

		price, err := c.feedPrice()
		if err != nil {
			return err
		}
		top, err := fixed.Rmul(price, c.buf)
		if err != nil {
			return err
		}
		if top.IsZero() {
			return ErrZeroStartingPrice
		}
		sale.Tic = now
		sale.Top = top
		journal.Put(c.j, c.sales, id, sale)

		coin := fixed.Zero()
		if !c.tip.IsZero() || !c.chip.IsZero() {
			lotValue, err := fixed.Mul(sale.Lot, price)
			if err != nil {
				return err
			}
			if !sale.Tab.Lt(c.chost) && !lotValue.Lt(c.chost) {
				if coin, err = c.incentive(sale.Tab); err != nil {
					return err
				}
				if err := c.ledger.IssueUnbacked(c.addr, c.vow, kpr, coin); err != nil {
					return err
				}
			}
		}

		c.emit("redo", id, sale.Usr, now, map[string]string{
			"top":    fixed.Format(top, fixed.RayDecimals),
			"tab":    fixed.Format(sale.Tab, fixed.RadDecimals),
			"lot":    fixed.Format(sale.Lot, fixed.WadDecimals),
			"keeper": string(kpr),
			"coin":   fixed.Format(coin, fixed.RadDecimals),
		})
		return nil
	})
}

// Yank cancels an auction and sends its collateral to the caller. Used by
// global settlement.
func (c *Auctioneer) Yank(caller model.Address, id uint64) error {
	if err := auth.Require(c.auth, caller, OpYank); err != nil {
		return err
	}
	return c.guard(func() error {
		sale, ok := c.sales[id]
		if !ok || sale.Usr.IsZero() {
			return fmt.Errorf("%w: %d", ErrNotRunning, id)
		}
		if err := c.dog.Digs(c.addr, c.ilk, sale.Tab); err != nil {
			return err
		}
		if err := c.ledger.TransferCollateral(c.addr, c.ilk, c.addr, caller, sale.Lot); err != nil {
			return err
		}
		c.remove(id)
		c.emit("yank", id, sale.Usr, c.clk.Now(), map[string]string{
			"tab": fixed.Format(sale.Tab, fixed.RadDecimals),
			"lot": fixed.Format(sale.Lot, fixed.WadDecimals),
		})
		return nil
	})
}

// UpdateDustCache refreshes chost = dust * chop from the ledger and the
// dispatcher. Anyone may call it.
func (c *Auctioneer) UpdateDustCache() error {
	return c.j.Atomic(func() error {
		ilk, _ := c.ledger.Ilk(c.ilk)
		chost, err := fixed.Wmul(ilk.DebtFloor, c.dog.Chop(c.ilk))
		if err != nil {
			return err
		}
		journal.Set(c.j, &c.chost, chost)
		return nil
	})
}

// status reports whether the auction needs a reset and its current price.
func (c *Auctioneer) status(tic uint64, top *uint256.Int, now uint64) (bool, *uint256.Int, error) {
	if c.calc == nil {
		return false, nil, fmt.Errorf("%w: no price curve", ErrNotConfigured)
	}
	// A clock stepping backwards reads as no time elapsed.
	var dur uint64
	if now > tic {
		dur = now - tic
	}
	price, err := c.calc.Price(top, dur)
	if err != nil {
		return false, nil, err
	}
	ratio, err := fixed.Rdiv(price, top)
	if err != nil {
		return false, nil, err
	}
	return dur > c.tail || ratio.Lt(c.cusp), price, nil
}

// remove drops an auction from the active list by swapping the last entry
// into its slot.
func (c *Auctioneer) remove(id uint64) {
	last := len(c.active) - 1
	moved := c.active[last]
	if id != moved {
		idx := c.sales[id].Pos
		journal.SetIndex(c.j, &c.active, idx, moved)
		m := c.sales[moved]
		m.Pos = idx
		journal.Put(c.j, c.sales, moved, m)
	}
	journal.Pop(c.j, &c.active)
	journal.Delete(c.j, c.sales, id)
}

func (c *Auctioneer) emit(kind string, id uint64, usr model.Address, now uint64, fields map[string]string) {
	c.j.Emit(model.Event{
		Kind:      kind,
		Component: "auction",
		Ilk:       c.ilk,
		Account:   usr,
		AuctionID: id,
		Time:      now,
		Fields:    fields,
	})
}
