// Package surplusauction sells system surplus for the governance token in
// rising-bid auctions (the "Flapper"). Winning bids are burned.
package surplusauction

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
	OpKick auth.Op = "surplusauction.kick"
	OpFile auth.Op = "surplusauction.file"
	OpCage auth.Op = "surplusauction.cage"
)

var (
	ErrNotLive            = model.Sequencing("surplusauction: not live")
	ErrStillLive          = model.Sequencing("surplusauction: still live")
	ErrNotRunning         = model.Sequencing("surplusauction: guy not set")
	ErrNotFinished        = model.Sequencing("surplusauction: not finished")
	ErrBidAlreadyPlaced   = model.Sequencing("surplusauction: bid already placed")
	ErrAlreadyFinishedTic = model.Sequencing("surplusauction: already finished tic")
	ErrAlreadyFinishedEnd = model.Sequencing("surplusauction: already finished end")
	ErrLotNotMatching     = model.Invariant("surplusauction: lot not matching")
	ErrBidNotHigher       = model.Invariant("surplusauction: bid not higher")
	ErrInsufficientRaise  = model.Invariant("surplusauction: insufficient increase")
	ErrUnrecognizedParam  = model.Invariant("surplusauction: unrecognized param")
	ErrInvalidValue       = model.Invariant("surplusauction: invalid value")
)

// Ledger moves the credit lot.
type Ledger interface {
	TransferCredit(caller, src, dst model.Address, rad *uint256.Int) error
}

// GovToken is the token bid with.
type GovToken interface {
	TransferFrom(caller, src, dst model.Address, amt *uint256.Int) error
	Burn(caller, src model.Address, amt *uint256.Int) error
}

// Bid is one running auction.
type Bid struct {
	Bid *uint256.Int  // gov tokens offered [wad]
	Lot *uint256.Int  // credit for sale [rad]
	Guy model.Address // high bidder
	Tic uint64        // bid expiry, 0 before the first bid
	End uint64        // auction expiry
}

// Auction is the Flapper.
type Auction struct {
	addr   model.Address
	auth   auth.Authority
	j      *journal.Journal
	clk    clock.Clock
	ledger Ledger
	gem    GovToken

	bids  map[uint64]Bid
	kicks uint64
	beg   *uint256.Int // minimum bid increase [wad]
	ttl   uint64       // bid duration
	tau   uint64       // auction duration
	live  bool
}

// New creates a live surplus auction house with beg 5%, ttl 3h, tau 2d.
func New(addr model.Address, a auth.Authority, j *journal.Journal, clk clock.Clock, l Ledger, gem GovToken) *Auction {
	return &Auction{
		addr:   addr,
		auth:   a,
		j:      j,
		clk:    clk,
		ledger: l,
		gem:    gem,
		bids:   make(map[uint64]Bid),
		beg:    fixed.MustParse("1.05", fixed.WadDecimals),
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
	ParamBeg Param = iota + 1 // minimum bid increase [wad]
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

// Kick starts an auction of lot credit pulled from the caller.
func (f *Auction) Kick(caller model.Address, lot, bid *uint256.Int) (uint64, error) {
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
			Guy: caller,
			End: f.clk.Now() + f.tau,
		})
		if err := f.ledger.TransferCredit(f.addr, caller, f.addr, lot); err != nil {
			return err
		}
		f.emit("flap_kick", id, caller, map[string]string{"lot": fixed.Format(lot, fixed.RadDecimals)})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Tick restarts an auction that ended without bids.
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
		b.End = now + f.tau
		journal.Put(f.j, f.bids, id, b)
		return nil
	})
}

// Tend raises the gov token bid for the same credit lot.
func (f *Auction) Tend(caller model.Address, id uint64, lot, bid *uint256.Int) error {
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
		if !lot.Eq(b.Lot) {
			return ErrLotNotMatching
		}
		if !bid.Gt(b.Bid) {
			return ErrBidNotHigher
		}
		lhs, err := fixed.Mul(bid, fixed.WAD)
		if err != nil {
			return err
		}
		rhs, err := fixed.Mul(f.beg, b.Bid)
		if err != nil {
			return err
		}
		if lhs.Lt(rhs) {
			return ErrInsufficientRaise
		}

		if caller != b.Guy {
			if err := f.gem.TransferFrom(f.addr, caller, b.Guy, b.Bid); err != nil {
				return err
			}
			b.Guy = caller
		}
		if err := f.gem.TransferFrom(f.addr, caller, f.addr, new(uint256.Int).Sub(bid, b.Bid)); err != nil {
			return err
		}
		b.Bid = bid.Clone()
		b.Tic = now + f.ttl
		journal.Put(f.j, f.bids, id, b)
		f.emit("flap_tend", id, caller, map[string]string{"bid": fixed.Format(bid, fixed.WadDecimals)})
		return nil
	})
}

// Deal settles a finished auction: the lot goes to the winner and the bid
// is burned.
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
		if err := f.ledger.TransferCredit(f.addr, f.addr, b.Guy, b.Lot); err != nil {
			return err
		}
		if err := f.gem.Burn(f.addr, f.addr, b.Bid); err != nil {
			return err
		}
		journal.Delete(f.j, f.bids, id)
		f.emit("flap_deal", id, b.Guy, map[string]string{"bid": fixed.Format(b.Bid, fixed.WadDecimals)})
		return nil
	})
}

// Cage stops the auction house and returns rad of credit to the caller.
func (f *Auction) Cage(caller model.Address, rad *uint256.Int) error {
	if err := auth.Require(f.auth, caller, OpCage); err != nil {
		return err
	}
	return f.j.Atomic(func() error {
		journal.Set(f.j, &f.live, false)
		return f.ledger.TransferCredit(f.addr, f.addr, caller, rad)
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
		if err := f.gem.TransferFrom(f.addr, f.addr, b.Guy, b.Bid); err != nil {
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
		Component: "surplusauction",
		Account:   who,
		AuctionID: id,
		Time:      f.clk.Now(),
		Fields:    fields,
	})
}
