package auction

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// TakeParams describes one purchase.
type TakeParams struct {
	ID  uint64
	Amt *uint256.Int  // max collateral to buy [wad]
	Max *uint256.Int  // max acceptable price [ray]
	Who model.Address // receives the collateral

	// Data, when non-empty, is passed to Callee before payment is
	// collected. Never called when Who is the ledger or the dispatcher.
	Data   []byte
	Callee Callee
}

// TakeResult reports what a purchase cost and bought.
type TakeResult struct {
	Price *uint256.Int // [ray]
	Owe   *uint256.Int // credit paid [rad]
	Slice *uint256.Int // collateral bought [wad]
}

// Take buys up to p.Amt collateral at the current price. The caller pays
// from its credit balance and must have allowed the auctioneer to move it.
//
// The purchase is clamped so that it never raises more than the remaining
// tab, and so that it never leaves a remainder below the cached dust
// threshold.
func (c *Auctioneer) Take(caller model.Address, p TakeParams) (TakeResult, error) {
	var res TakeResult
	err := c.guard(func() error {
		if err := c.checkStopped(3); err != nil {
			return err
		}
		sale, ok := c.sales[p.ID]
		if !ok || sale.Usr.IsZero() {
			return fmt.Errorf("%w: %d", ErrNotRunning, p.ID)
		}
		now := c.clk.Now()
		done, price, err := c.status(sale.Tic, sale.Top, now)
		if err != nil {
			return err
		}
		if done {
			return fmt.Errorf("%w: %d", ErrNeedsReset, p.ID)
		}
		if p.Max.Lt(price) {
			return fmt.Errorf("%w: price %s above max %s", ErrTooExpensive,
				fixed.Format(price, fixed.RayDecimals), fixed.Format(p.Max, fixed.RayDecimals))
		}

		slice, owe, err := c.clamp(sale, price, p.Amt)
		if err != nil {
			return err
		}
		tab := new(uint256.Int).Sub(sale.Tab, owe)
		lot := new(uint256.Int).Sub(sale.Lot, slice)

		if err := c.ledger.TransferCollateral(c.addr, c.ilk, c.addr, p.Who, slice); err != nil {
			return err
		}
		if len(p.Data) > 0 && p.Who != c.ledger.Address() && p.Who != c.dog.Address() {
			if p.Callee == nil {
				return ErrNoCallee
			}
			if err := p.Callee.ClipperCall(caller, owe, slice, p.Data); err != nil {
				return err
			}
		}
		if err := c.ledger.TransferCredit(c.addr, caller, c.vow, owe); err != nil {
			return err
		}

		dug := owe
		if lot.IsZero() {
			if dug, err = fixed.Add(tab, owe); err != nil {
				return err
			}
		}
		if err := c.dog.Digs(c.addr, c.ilk, dug); err != nil {
			return err
		}

		switch {
		case lot.IsZero():
			c.remove(p.ID)
		case tab.IsZero():
			if err := c.ledger.TransferCollateral(c.addr, c.ilk, c.addr, sale.Usr, lot); err != nil {
				return err
			}
			c.remove(p.ID)
		default:
			sale.Tab = tab
			sale.Lot = lot
			journal.Put(c.j, c.sales, p.ID, sale)
		}

		res = TakeResult{Price: price, Owe: owe, Slice: slice}
		c.emit("take", p.ID, sale.Usr, now, map[string]string{
			"max":   fixed.Format(p.Max, fixed.RayDecimals),
			"price": fixed.Format(price, fixed.RayDecimals),
			"owe":   fixed.Format(owe, fixed.RadDecimals),
			"slice": fixed.Format(slice, fixed.WadDecimals),
			"tab":   fixed.Format(tab, fixed.RadDecimals),
			"lot":   fixed.Format(lot, fixed.WadDecimals),
			"buyer": string(caller),
		})
		return nil
	})
	return res, err
}

// clamp computes the collateral bought and the credit owed for a request of
// amt at price.
func (c *Auctioneer) clamp(sale Sale, price, amt *uint256.Int) (slice, owe *uint256.Int, err error) {
	slice = fixed.Min(sale.Lot, amt)
	if owe, err = fixed.Mul(slice, price); err != nil {
		return nil, nil, err
	}

	switch {
	case owe.Gt(sale.Tab):
		// Never raise more than the tab.
		owe = sale.Tab.Clone()
		if slice, err = fixed.Div(owe, price); err != nil {
			return nil, nil, err
		}
	case owe.Lt(sale.Tab) && slice.Lt(sale.Lot):
		// Never leave a remainder below the dust threshold.
		rest := new(uint256.Int).Sub(sale.Tab, owe)
		if rest.Lt(c.chost) {
			if !sale.Tab.Gt(c.chost) {
				return nil, nil, ErrNoPartialPurchase
			}
			owe = new(uint256.Int).Sub(sale.Tab, c.chost)
			if slice, err = fixed.Div(owe, price); err != nil {
				return nil, nil, err
			}
		}
	}
	return slice, owe, nil
}

// Status reports whether auction id needs a reset, its current price and
// its remaining lot and tab. A missing auction reports all zero.
func (c *Auctioneer) Status(id uint64) (needsRedo bool, price, lot, tab *uint256.Int, err error) {
	sale, ok := c.sales[id]
	if !ok {
		return false, fixed.Zero(), fixed.Zero(), fixed.Zero(), nil
	}
	done, price, err := c.status(sale.Tic, sale.Top, c.clk.Now())
	if err != nil {
		return false, nil, nil, nil, err
	}
	return done, price, sale.Lot.Clone(), sale.Tab.Clone(), nil
}

// Sale returns a copy of auction id.
func (c *Auctioneer) Sale(id uint64) (Sale, bool) {
	s, ok := c.sales[id]
	if !ok {
		return Sale{}, false
	}
	s.Tab, s.Lot, s.Top = s.Tab.Clone(), s.Lot.Clone(), s.Top.Clone()
	return s, true
}

// Count returns the number of running auctions.
func (c *Auctioneer) Count() int { return len(c.active) }

// List returns the ids of the running auctions.
func (c *Auctioneer) List() []uint64 {
	out := make([]uint64, len(c.active))
	copy(out, c.active)
	return out
}

// Kicks returns the number of auctions ever started.
func (c *Auctioneer) Kicks() uint64 { return c.kicks }
