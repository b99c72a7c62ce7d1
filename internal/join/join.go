// Package join moves tokens in and out of the ledger. A collateral adapter
// locks a collateral token and credits free collateral; the credit adapter
// burns and mints the credit token against internal credit balances.
package join

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// OpCage stops an adapter.
const OpCage auth.Op = "join.cage"

var ErrNotLive = model.Sequencing("join: not live")

// Token is the external token an adapter wraps.
type Token interface {
	Transfer(caller, dst model.Address, amt *uint256.Int) error
	TransferFrom(caller, src, dst model.Address, amt *uint256.Int) error
	Mint(caller, dst model.Address, amt *uint256.Int) error
	Burn(caller, src model.Address, amt *uint256.Int) error
}

// Ledger is the part of the ledger adapters touch.
type Ledger interface {
	ModifyCollateralBalance(caller model.Address, i model.Ilk, usr model.Address, wad *uint256.Int) error
	TransferCredit(caller, src, dst model.Address, rad *uint256.Int) error
}

type adapter struct {
	addr   model.Address
	auth   auth.Authority
	j      *journal.Journal
	ledger Ledger
	token  Token
	live   bool
}

func (a *adapter) Address() model.Address { return a.addr }

// Live reports whether joins are accepted.
func (a *adapter) Live() bool { return a.live }

// Cage stops joins. Exits remain possible.
func (a *adapter) Cage(caller model.Address) error {
	if err := auth.Require(a.auth, caller, OpCage); err != nil {
		return err
	}
	return a.j.Atomic(func() error {
		journal.Set(a.j, &a.live, false)
		return nil
	})
}

// Collateral is a collateral adapter (GemJoin).
type Collateral struct {
	adapter
	ilk model.Ilk
}

// NewCollateral creates a live collateral adapter for ilk i.
func NewCollateral(addr model.Address, a auth.Authority, j *journal.Journal, l Ledger, i model.Ilk, gem Token) *Collateral {
	return &Collateral{adapter: adapter{addr: addr, auth: a, j: j, ledger: l, token: gem, live: true}, ilk: i}
}

// Ilk returns the collateral type credited.
func (c *Collateral) Ilk() model.Ilk { return c.ilk }

// Join pulls wad tokens from the caller and credits usr's free collateral.
func (c *Collateral) Join(caller, usr model.Address, wad *uint256.Int) error {
	return c.j.Atomic(func() error {
		if !c.live {
			return ErrNotLive
		}
		signed, err := fixed.ToSigned(wad)
		if err != nil {
			return err
		}
		if err := c.ledger.ModifyCollateralBalance(c.addr, c.ilk, usr, signed); err != nil {
			return err
		}
		if err := c.token.TransferFrom(c.addr, caller, c.addr, wad); err != nil {
			return fmt.Errorf("join %s: %w", c.ilk, err)
		}
		return nil
	})
}

// Exit debits the caller's free collateral and sends wad tokens to usr.
func (c *Collateral) Exit(caller, usr model.Address, wad *uint256.Int) error {
	return c.j.Atomic(func() error {
		neg, err := fixed.Neg(wad)
		if err != nil {
			return err
		}
		if err := c.ledger.ModifyCollateralBalance(c.addr, c.ilk, caller, neg); err != nil {
			return err
		}
		return c.token.Transfer(c.addr, usr, wad)
	})
}

// Credit is the credit adapter (DaiJoin).
type Credit struct {
	adapter
}

// NewCredit creates a live credit adapter.
func NewCredit(addr model.Address, a auth.Authority, j *journal.Journal, l Ledger, dai Token) *Credit {
	return &Credit{adapter: adapter{addr: addr, auth: a, j: j, ledger: l, token: dai, live: true}}
}

// Join burns wad credit tokens from the caller and credits usr internally.
func (c *Credit) Join(caller, usr model.Address, wad *uint256.Int) error {
	return c.j.Atomic(func() error {
		rad, err := fixed.Mul(wad, fixed.RAY)
		if err != nil {
			return err
		}
		if err := c.ledger.TransferCredit(c.addr, c.addr, usr, rad); err != nil {
			return err
		}
		return c.token.Burn(c.addr, caller, wad)
	})
}

// Exit moves the caller's internal credit to the adapter and mints wad
// credit tokens to usr. The caller must have allowed the adapter.
func (c *Credit) Exit(caller, usr model.Address, wad *uint256.Int) error {
	return c.j.Atomic(func() error {
		if !c.live {
			return ErrNotLive
		}
		rad, err := fixed.Mul(wad, fixed.RAY)
		if err != nil {
			return err
		}
		if err := c.ledger.TransferCredit(c.addr, caller, c.addr, rad); err != nil {
			return err
		}
		return c.token.Mint(c.addr, usr, wad)
	})
}
