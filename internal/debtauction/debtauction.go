// Package debtauction covers system deficits by minting the governance token
// in falling-lot auctions (the "Flopper"). Bidders offer a fixed amount of
// credit for ever fewer tokens.
package debtauction

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// Privileged operations.
const (
	OpKick auth.Op = "debtauction.kick"
	OpFile auth.Op = "debtauction.file"
	OpCage auth.Op = "debtauction.cage"
)

var (
	ErrNotLive            = model.Sequencing("debtauction: not live")
	ErrStillLive          = model.Sequencing("debtauction: still live")
	ErrNotRunning         = model.Sequencing("debtauction: guy not set")
	ErrNotFinished        = model.Sequencing("debtauction: not finished")
	ErrBidAlreadyPlaced   = model.Sequencing("debtauction: bid already placed")
	ErrAlreadyFinishedTic = model.Sequencing("debtauction: already finished tic")
	ErrAlreadyFinishedEnd = model.Sequencing("debtauction: already finished end")
	ErrBidNotMatching     = model.Invariant("debtauction: bid not matching")
	ErrLotNotLower        = model.Invariant("debtauction: lot not lower")
	ErrInsufficientCut    = model.Invariant("debtauction: insufficient decrease")
	ErrUnrecognizedParam  = model.Invariant("debtauction: unrecognized param")
	ErrInvalidValue       = model.Invariant("debtauction: invalid value")
)

// Ledger moves bids and refunds bidders after shutdown.
type Ledger interface {
	TransferCredit(caller, src, dst model.Address, rad *uint256.Int) error
	IssueUnbacked(caller, u, v model.Address, rad *uint256.Int) error
}

// GovToken is minted to the winner.
type GovToken interface {
	Mint(caller, dst model.Address, amt *uint256.Int) error
}

// Vow is told about the first bid so it can cancel debt on auction.
type Vow interface {
	Address() model.Address
	Ash() *uint256.Int
	Kiss(rad *uint256.Int) error
}

// Bid is one running auction.
type Bid struct {
	Bid *uint256.Int  // credit paid [rad]
	Lot *uint256.Int  // gov tokens to mint [wad]
	Guy model.Address // high bidder
	Tic uint64        // bid expiry, 0 before the first bid
	End uint64        // auction expiry
}

// Auction is the Flopper.
type Auction struct {
	addr   model.Address
	auth   auth.Authority
	j      *journal.Journal
	clk    clock.Clock
	ledger Ledger
	gem    GovToken
	vow    Vow

	bids  map[uint64]Bid
	kicks uint64
	beg   *uint256.Int // minimum lot decrease [wad]
	pad   *uint256.Int // lot increase on tick [wad]
	ttl   uint64
	tau   uint64
	live  bool

	cagedBy model.Address // receives unbacked debt for refunds after Cage
}

// New creates a live deficit auction house with beg 5%, pad 50%, ttl 3h,
// tau 2d.
func New(addr model.Address, a auth.Authority, j *journal.Journal, clk clock.Clock, l Ledger, gem GovToken, vow Vow) *Auction {
	return &Auction{
		addr:   addr,
		auth:   a,
		j:      j,
		clk:    clk,
		ledger: l,
		gem:    gem,
		vow:    vow,
		bids:   make(map[uint64]Bid),
		beg:    fixed.MustParse("1.05", fixed.WadDecimals),
		pad:    fixed.MustParse("1.5", fixed.WadDecimals),
		ttl:    3 * 3600,
		tau:    2 * 24 * 3600,
		live:   true,
	}
}

// Address returns the component's identity.
func (f *Auction) Address() model.Address { return f.addr }

// Param is an auction parameter.
type Param int

const (
	ParamBeg Param = iota + 1 // minimum lot decrease [wad]
	ParamPad                  // lot increase on tick [wad]
	ParamTTL                  // bid duration [seconds]
	ParamTau                  // auction duration [seconds]
)

// File sets a parameter.
func (f *Auction) File(caller model.Address, what Param, data *uint256.Int) error {
	if err := auth.Require(f.auth, caller, OpFile); err != nil {
		return err
	}
	return f.j.Atomic(func() error {
		switch what {
		case ParamBeg:
			journal.Set(f.j, &f.beg, data.Clone())
		case ParamPad:
			journal.Set(f.j, &f.pad, data.Clone())
		case ParamTTL, ParamTau:
			if !data.IsUint64() {
				return fmt.Errorf("%w: duration out of range", ErrInvalidValue)
			}
			if what == ParamTTL {
				journal.Set(f.j, &f.ttl, data.Uint64())
			} else {
				journal.Set(f.j, &f.tau, data.Uint64())
			}
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// Kick starts an auction minting up to lot tokens for bid credit paid to
// gal.
func (f *Auction) Kick(caller, gal model.Address, lot, bid *uint256.Int) (uint64, error) {
	if err := auth.Require(f.auth, caller, OpKick); err != nil {
		return 0, err
	}
	var id uint64
	err := f.j.Atomic(func() error {
		if !f.live {
			return ErrNotLive
		}
		id = f.kicks + 1
		journal.Set(f.j, &f.kicks, id)
		journal.Put(f.j, f.bids, id, Bid{
			Bid: bid.Clone(),
			Lot: lot.Clone(),
			Guy: gal,
			End: f.clk.Now() + f.tau,
		})
		f.emit("flop_kick", id, gal, map[string]string{
			"lot": fixed.Format(lot, fixed.WadDecimals),
			"bid": fixed.Format(bid, fixed.RadDecimals),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Tick restarts an auction that ended without bids with a larger lot.
func (f *Auction) Tick(id uint64) error {
	return f.j.Atomic(func() error {
		b := f.bids[id]
		now := f.clk.Now()
		if b.End >= now {
			return fmt.Errorf("%w: %d", ErrNotFinished, id)
		}
		if b.Tic != 0 {
			return fmt.Errorf("%w: %d", ErrBidAlreadyPlaced, id)
		}
		lot, err := fixed.Wmul(f.pad, b.Lot)
		if err != nil {
			return err
		}
		b.Lot = lot
		b.End = now + f.tau
		journal.Put(f.j, f.bids, id, b)
		return nil
	})
}

// Dent offers the same credit bid for a smaller lot. The first bid cancels
// debt on auction at the vow.
func (f *Auction) Dent(caller model.Address, id uint64, lot, bid *uint256.Int) error {
	return f.j.Atomic(func() error {
		if !f.live {
			return ErrNotLive
		}
		b, ok := f.bids[id]
		if !ok || b.Guy.IsZero() {
			return fmt.Errorf("%w: %d", ErrNotRunning, id)
		}
		now := f.clk.Now()
		if b.Tic != 0 && b.Tic <= now {
			return ErrAlreadyFinishedTic
		}
		if b.End <= now {
			return ErrAlreadyFinishedEnd
		}
		if !bid.Eq(b.Bid) {
			return ErrBidNotMatching
		}
		if !lot.Lt(b.Lot) {
			return ErrLotNotLower
		}
		lhs, err := fixed.Mul(f.beg, lot)
		if err != nil {
			return err
		}
		rhs, err := fixed.Mul(b.Lot, fixed.WAD)
		if err != nil {
			return err
		}
		if lhs.Gt(rhs) {
			return ErrInsufficientCut
		}

		if caller != b.Guy {
			if err := f.ledger.TransferCredit(f.addr, caller, b.Guy, bid); err != nil {
				return err
			}
			if b.Tic == 0 && f.vow != nil && b.Guy == f.vow.Address() {
				if err := f.vow.Kiss(fixed.Min(bid, f.vow.Ash())); err != nil {
					return err
				}
			}
			b.Guy = caller
		}
		b.Lot = lot.Clone()
		b.Tic = now + f.ttl
		journal.Put(f.j, f.bids, id, b)
		f.emit("flop_dent", id, caller, map[string]string{"lot": fixed.Format(lot, fixed.WadDecimals)})
		return nil
	})
}

// Deal settles a finished auction by minting the lot to the winner.
func (f *Auction) Deal(id uint64) error {
	return f.j.Atomic(func() error {
		if !f.live {
			return ErrNotLive
		}
		b := f.bids[id]
		now := f.clk.Now()
		if b.Tic == 0 || (b.Tic >= now && b.End >= now) {
			return fmt.Errorf("%w: %d", ErrNotFinished, id)
		}
		if err := f.gem.Mint(f.addr, b.Guy, b.Lot); err != nil {
			return err
		}
		journal.Delete(f.j, f.bids, id)
		f.emit("flop_deal", id, b.Guy, map[string]string{"lot": fixed.Format(b.Lot, fixed.WadDecimals)})
		return nil
	})
}

// Cage stops the auction house. Refunds after Cage are booked as unbacked
// debt on the caller.
func (f *Auction) Cage(caller model.Address) error {
	if err := auth.Require(f.auth, caller, OpCage); err != nil {
		return err
	}
	return f.j.Atomic(func() error {
		journal.Set(f.j, &f.live, false)
		journal.Set(f.j, &f.cagedBy, caller)
		return nil
	})
}

// Yank refunds the high bidder of an auction after Cage.
func (f *Auction) Yank(id uint64) error {
	return f.j.Atomic(func() error {
		if f.live {
			return ErrStillLive
		}
		b, ok := f.bids[id]
		if !ok || b.Guy.IsZero() {
			return fmt.Errorf("%w: %d", ErrNotRunning, id)
		}
		if err := f.ledger.IssueUnbacked(f.addr, f.cagedBy, b.Guy, b.Bid); err != nil {
			return err
		}
		journal.Delete(f.j, f.bids, id)
		return nil
	})
}

// Bid returns a copy of auction id.
func (f *Auction) Bid(id uint64) (Bid, bool) {
	b, ok := f.bids[id]
	return b, ok
}

// Live reports whether the auction house accepts bids.
func (f *Auction) Live() bool { return f.live }

func (f *Auction) emit(kind string, id uint64, who model.Address, fields map[string]string) {
	f.j.Emit(model.Event{
		Kind:      kind,
		Component: "debtauction",
		Account:   who,
		AuctionID: id,
		Time:      f.clk.Now(),
		Fields:    fields,
	})
}
