// Package liquidation starts collateral auctions for unsafe positions (the
// "Dog"). It bounds the total debt on auction globally (Hole) and per
// collateral type (hole) and tracks the amounts currently outstanding
// (Dirt, dirt).
package liquidation

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
	OpFile auth.Op = "liquidation.file"
	OpDigs auth.Op = "liquidation.digs"
	OpCage auth.Op = "liquidation.cage"
)

var (
	ErrNotLive                 = model.Sequencing("liquidation: not live")
	ErrNotUnsafe               = model.Invariant("liquidation: not unsafe")
	ErrLimitHit                = model.Invariant("liquidation: liquidation limit hit")
	ErrDustyPartialLiquidation = model.Invariant("liquidation: dusty auction from partial liquidation")
	ErrNullAuction             = model.Invariant("liquidation: null auction")
	ErrNoAuctioneer            = model.Sequencing("liquidation: no auctioneer for collateral type")
	ErrNoVow                   = model.Sequencing("liquidation: no vow")
	ErrIlkMismatch             = model.Invariant("liquidation: auctioneer collateral type mismatch")
	ErrUnrecognizedParam       = model.Invariant("liquidation: unrecognized param")
	ErrInvalidValue            = model.Invariant("liquidation: invalid value")
)

// Ledger is the part of the ledger the dispatcher reads and seizes from.
type Ledger interface {
	Ilk(i model.Ilk) (ledger.CollateralType, bool)
	Urn(i model.Ilk, u model.Address) ledger.Position
	Seize(caller model.Address, i model.Ilk, u, v, w model.Address, dink, dart *uint256.Int) error
}

// Auctioneer sells seized collateral for one collateral type.
type Auctioneer interface {
	Address() model.Address
	Ilk() model.Ilk
	Kick(caller model.Address, tab, lot *uint256.Int, usr, kpr model.Address) (uint64, error)
}

// Vow receives seized debt into its queue.
type Vow interface {
	Address() model.Address
	Fess(caller model.Address, tab *uint256.Int) error
}

type ilkState struct {
	clip Auctioneer
	chop *uint256.Int // liquidation penalty [wad], >= 1.0
	hole *uint256.Int // max debt on auction for this ilk [rad]
	dirt *uint256.Int // debt currently on auction for this ilk [rad]
}

// Dispatcher is the Dog.
type Dispatcher struct {
	addr   model.Address
	auth   auth.Authority
	j      *journal.Journal
	clk    clock.Clock
	ledger Ledger

	vow  Vow
	ilks map[model.Ilk]ilkState
	hole *uint256.Int // Hole [rad]
	dirt *uint256.Int // Dirt [rad]
	live bool
}

// New creates a live dispatcher.
func New(addr model.Address, a auth.Authority, j *journal.Journal, clk clock.Clock, l Ledger) *Dispatcher {
	return &Dispatcher{
		addr:   addr,
		auth:   a,
		j:      j,
		clk:    clk,
		ledger: l,
		ilks:   make(map[model.Ilk]ilkState),
		hole:   fixed.Zero(),
		dirt:   fixed.Zero(),
		live:   true,
	}
}

// Address returns the component's identity.
func (d *Dispatcher) Address() model.Address { return d.addr }

func (d *Dispatcher) ilk(i model.Ilk) ilkState {
	st, ok := d.ilks[i]
	if !ok {
		return ilkState{chop: fixed.Zero(), hole: fixed.Zero(), dirt: fixed.Zero()}
	}
	return st
}

// Bark liquidates the unsafe position of u in ilk i, possibly partially,
// and starts an auction for the seized collateral. kpr receives the keeper
// incentive. It returns the auction id.
func (d *Dispatcher) Bark(i model.Ilk, u, kpr model.Address) (uint64, error) {
	var id uint64
	err := d.j.Atomic(func() error {
		if !d.live {
			return ErrNotLive
		}
		urn := d.ledger.Urn(i, u)
		ilk, _ := d.ledger.Ilk(i)
		st := d.ilk(i)
		if st.clip == nil {
			return fmt.Errorf("%w: %s", ErrNoAuctioneer, i)
		}
		if d.vow == nil {
			return ErrNoVow
		}

		value, err := fixed.Mul(urn.Collateral, ilk.SafetyPrice)
		if err != nil {
			return err
		}
		owed, err := fixed.Mul(urn.NormalizedDebt, ilk.Rate)
		if err != nil {
			return err
		}
		if ilk.SafetyPrice.IsZero() || !value.Lt(owed) {
			return fmt.Errorf("%w: ilk %s owner %s", ErrNotUnsafe, i, u)
		}

		dart, err := d.seizable(i, urn, ilk, st)
		if err != nil {
			return err
		}
		dink, err := fixed.Mul(urn.Collateral, dart)
		if err != nil {
			return err
		}
		dink = dink.Div(dink, urn.NormalizedDebt)
		if dink.IsZero() {
			return fmt.Errorf("%w: ilk %s owner %s", ErrNullAuction, i, u)
		}

		negInk, err := fixed.Neg(dink)
		if err != nil {
			return err
		}
		negArt, err := fixed.Neg(dart)
		if err != nil {
			return err
		}
		if err := d.ledger.Seize(d.addr, i, u, st.clip.Address(), d.vow.Address(), negInk, negArt); err != nil {
			return err
		}

		due, err := fixed.Mul(dart, ilk.Rate)
		if err != nil {
			return err
		}
		if err := d.vow.Fess(d.addr, due); err != nil {
			return err
		}

		tab, err := fixed.Wmul(due, st.chop)
		if err != nil {
			return err
		}
		dirt, err := fixed.Add(d.dirt, tab)
		if err != nil {
			return err
		}
		ilkDirt, err := fixed.Add(st.dirt, tab)
		if err != nil {
			return err
		}
		journal.Set(d.j, &d.dirt, dirt)
		st.dirt = ilkDirt
		journal.Put(d.j, d.ilks, i, st)

		id, err = st.clip.Kick(d.addr, tab, dink, u, kpr)
		if err != nil {
			return err
		}

		d.j.Emit(model.Event{
			Kind:      "bark",
			Component: "liquidation",
			Ilk:       i,
			Account:   u,
			AuctionID: id,
			Time:      d.clk.Now(),
			Fields: map[string]string{
				"ink":    fixed.Format(dink, fixed.WadDecimals),
				"art":    fixed.Format(dart, fixed.WadDecimals),
				"due":    fixed.Format(due, fixed.RadDecimals),
				"tab":    fixed.Format(tab, fixed.RadDecimals),
				"keeper": string(kpr),
			},
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// seizable returns the normalised debt to liquidate. The amount is bounded
// by the remaining global and per-ilk capacity; when the leftover position
// would be dust the whole position is taken instead.
func (d *Dispatcher) seizable(i model.Ilk, urn ledger.Position, ilk ledger.CollateralType, st ilkState) (*uint256.Int, error) {
	if !d.hole.Gt(d.dirt) || !st.hole.Gt(st.dirt) {
		return nil, fmt.Errorf("%w: %s", ErrLimitHit, i)
	}
	room := fixed.Min(
		new(uint256.Int).Sub(d.hole, d.dirt),
		new(uint256.Int).Sub(st.hole, st.dirt),
	)

	dart, err := fixed.Mul(room, fixed.WAD)
	if err != nil {
		return nil, err
	}
	if dart, err = fixed.Div(dart, ilk.Rate); err != nil {
		return nil, err
	}
	if dart, err = fixed.Div(dart, st.chop); err != nil {
		return nil, err
	}
	dart = fixed.Min(urn.NormalizedDebt, dart)

	if urn.NormalizedDebt.Gt(dart) {
		left, err := fixed.Mul(new(uint256.Int).Sub(urn.NormalizedDebt, dart), ilk.Rate)
		if err != nil {
			return nil, err
		}
		if left.Lt(ilk.DebtFloor) {
			return urn.NormalizedDebt.Clone(), nil
		}
		partial, err := fixed.Mul(dart, ilk.Rate)
		if err != nil {
			return nil, err
		}
		if partial.Lt(ilk.DebtFloor) {
			return nil, fmt.Errorf("%w: ilk %s", ErrDustyPartialLiquidation, i)
		}
	}
	return dart, nil
}

// Digs reduces the outstanding auction debt after an auction raised (or
// gave up on) rad.
func (d *Dispatcher) Digs(caller model.Address, i model.Ilk, rad *uint256.Int) error {
	if err := auth.Require(d.auth, caller, OpDigs); err != nil {
		return err
	}
	return d.j.Atomic(func() error {
		st := d.ilk(i)
		dirt, err := fixed.Sub(d.dirt, rad)
		if err != nil {
			return err
		}
		ilkDirt, err := fixed.Sub(st.dirt, rad)
		if err != nil {
			return err
		}
		journal.Set(d.j, &d.dirt, dirt)
		st.dirt = ilkDirt
		journal.Put(d.j, d.ilks, i, st)
		return nil
	})
}

// Cage stops new liquidations.
func (d *Dispatcher) Cage(caller model.Address) error {
	if err := auth.Require(d.auth, caller, OpCage); err != nil {
		return err
	}
	return d.j.Atomic(func() error {
		journal.Set(d.j, &d.live, false)
		return nil
	})
}

// Live reports whether new liquidations are accepted.
func (d *Dispatcher) Live() bool { return d.live }

// Hole returns the global limit on debt on auction [rad].
func (d *Dispatcher) Hole() *uint256.Int { return d.hole.Clone() }

// Dirt returns the global debt on auction [rad].
func (d *Dispatcher) Dirt() *uint256.Int { return d.dirt.Clone() }

// Chop returns the liquidation penalty of ilk i [wad].
func (d *Dispatcher) Chop(i model.Ilk) *uint256.Int { return d.ilk(i).chop.Clone() }

// IlkHole returns the per-ilk limit on debt on auction [rad].
func (d *Dispatcher) IlkHole(i model.Ilk) *uint256.Int { return d.ilk(i).hole.Clone() }

// IlkDirt returns the per-ilk debt on auction [rad].
func (d *Dispatcher) IlkDirt(i model.Ilk) *uint256.Int { return d.ilk(i).dirt.Clone() }

// Auctioneer returns the auctioneer of ilk i, or nil.
func (d *Dispatcher) Auctioneer(i model.Ilk) Auctioneer { return d.ilk(i).clip }
