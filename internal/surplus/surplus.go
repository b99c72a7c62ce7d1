// Package surplus is the system's balance sheet (the "Vow"). It holds
// system surplus as credit and system debt as unbacked debt, queues seized
// debt for a cooldown, settles the two against each other and starts surplus
// and deficit auctions.
package surplus

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
	OpFess auth.Op = "surplus.fess"
	OpFile auth.Op = "surplus.file"
	OpCage auth.Op = "surplus.cage"
)

var (
	ErrNotLive               = model.Sequencing("surplus: not live")
	ErrWaitNotFinished       = model.Sequencing("surplus: wait not finished")
	ErrInsufficientSurplus   = model.Invariant("surplus: insufficient surplus")
	ErrInsufficientDebt      = model.Invariant("surplus: insufficient debt")
	ErrInsufficientOnAuction = model.Invariant("surplus: not enough debt on auction")
	ErrSurplusNotZero        = model.Invariant("surplus: surplus not zero")
	ErrDebtNotZero           = model.Invariant("surplus: debt not zero")
	ErrNoAuctionHouse        = model.Sequencing("surplus: auction house not set")
	ErrUnrecognizedParam     = model.Invariant("surplus: unrecognized param")
	ErrInvalidValue          = model.Invariant("surplus: invalid value")
)

// Ledger is the part of the ledger the vow settles on.
type Ledger interface {
	Dai(u model.Address) *uint256.Int
	Sin(u model.Address) *uint256.Int
	Settle(caller model.Address, rad *uint256.Int) error
	Allow(caller, grantee model.Address) error
	Disallow(caller, grantee model.Address) error
}

// SurplusAuction sells surplus credit for the governance token.
type SurplusAuction interface {
	Address() model.Address
	Kick(caller model.Address, lot, bid *uint256.Int) (uint64, error)
	Cage(caller model.Address, rad *uint256.Int) error
}

// DebtAuction mints the governance token to cover a deficit.
type DebtAuction interface {
	Address() model.Address
	Kick(caller, gal model.Address, lot, bid *uint256.Int) (uint64, error)
	Cage(caller model.Address) error
}

// Vow is the surplus and deficit engine.
type Vow struct {
	addr   model.Address
	auth   auth.Authority
	j      *journal.Journal
	clk    clock.Clock
	ledger Ledger

	flapper SurplusAuction
	flopper DebtAuction

	queue map[uint64]*uint256.Int // debt queued per timestamp [rad]
	sin   *uint256.Int            // Sin, total queued debt [rad]
	ash   *uint256.Int            // Ash, debt on deficit auction [rad]

	wait uint64       // queue cooldown [seconds]
	dump *uint256.Int // initial token lot of a deficit auction [wad]
	sump *uint256.Int // deficit auction bid size [rad]
	bump *uint256.Int // surplus auction lot size [rad]
	hump *uint256.Int // surplus buffer [rad]

	live bool
}

// New creates a live vow.
func New(addr model.Address, a auth.Authority, j *journal.Journal, clk clock.Clock, l Ledger) *Vow {
	return &Vow{
		addr:   addr,
		auth:   a,
		j:      j,
		clk:    clk,
		ledger: l,
		queue:  make(map[uint64]*uint256.Int),
		sin:    fixed.Zero(),
		ash:    fixed.Zero(),
		dump:   fixed.Zero(),
		sump:   fixed.Zero(),
		bump:   fixed.Zero(),
		hump:   fixed.Zero(),
		live:   true,
	}
}

// Address returns the vow's identity; its ledger balances are the system's.
func (v *Vow) Address() model.Address { return v.addr }

// Fess pushes seized debt onto the queue at the current time.
func (v *Vow) Fess(caller model.Address, tab *uint256.Int) error {
	if err := auth.Require(v.auth, caller, OpFess); err != nil {
		return err
	}
	return v.j.Atomic(func() error {
		now := v.clk.Now()
		era, err := fixed.Add(v.queued(now), tab)
		if err != nil {
			return err
		}
		total, err := fixed.Add(v.sin, tab)
		if err != nil {
			return err
		}
		journal.Put(v.j, v.queue, now, era)
		journal.Set(v.j, &v.sin, total)
		v.emit("fess", map[string]string{"era": fmt.Sprint(now), "tab": fixed.Format(tab, fixed.RadDecimals)})
		return nil
	})
}

// Flog releases the debt queued at era once the cooldown has passed.
func (v *Vow) Flog(era uint64) error {
	return v.j.Atomic(func() error {
		now := v.clk.Now()
		if era+v.wait > now {
			return fmt.Errorf("%w: era %d", ErrWaitNotFinished, era)
		}
		amt := v.queued(era)
		total, err := fixed.Sub(v.sin, amt)
		if err != nil {
			return err
		}
		journal.Set(v.j, &v.sin, total)
		journal.Delete(v.j, v.queue, era)
		v.emit("flog", map[string]string{"era": fmt.Sprint(era), "tab": fixed.Format(amt, fixed.RadDecimals)})
		return nil
	})
}

// Heal settles rad of surplus against debt that is neither queued nor on
// auction.
func (v *Vow) Heal(rad *uint256.Int) error {
	return v.j.Atomic(func() error {
		if rad.Gt(v.ledger.Dai(v.addr)) {
			return fmt.Errorf("%w: heal %s", ErrInsufficientSurplus, fixed.Format(rad, fixed.RadDecimals))
		}
		free, err := v.freeDebt()
		if err != nil {
			return err
		}
		if rad.Gt(free) {
			return fmt.Errorf("%w: heal %s", ErrInsufficientDebt, fixed.Format(rad, fixed.RadDecimals))
		}
		if err := v.ledger.Settle(v.addr, rad); err != nil {
			return err
		}
		v.emit("heal", map[string]string{"rad": fixed.Format(rad, fixed.RadDecimals)})
		return nil
	})
}

// Kiss settles rad of surplus against debt on deficit auction.
func (v *Vow) Kiss(rad *uint256.Int) error {
	return v.j.Atomic(func() error {
		if rad.Gt(v.ash) {
			return fmt.Errorf("%w: kiss %s", ErrInsufficientOnAuction, fixed.Format(rad, fixed.RadDecimals))
		}
		if rad.Gt(v.ledger.Dai(v.addr)) {
			return fmt.Errorf("%w: kiss %s", ErrInsufficientSurplus, fixed.Format(rad, fixed.RadDecimals))
		}
		journal.Set(v.j, &v.ash, new(uint256.Int).Sub(v.ash, rad))
		if err := v.ledger.Settle(v.addr, rad); err != nil {
			return err
		}
		v.emit("kiss", map[string]string{"rad": fixed.Format(rad, fixed.RadDecimals)})
		return nil
	})
}

// Flop starts a deficit auction for sump of debt.
func (v *Vow) Flop() (uint64, error) {
	var id uint64
	err := v.j.Atomic(func() error {
		if v.flopper == nil {
			return ErrNoAuctionHouse
		}
		free, err := v.freeDebt()
		if err != nil {
			return err
		}
		if v.sump.Gt(free) {
			return ErrInsufficientDebt
		}
		if !v.ledger.Dai(v.addr).IsZero() {
			return ErrSurplusNotZero
		}
		ash, err := fixed.Add(v.ash, v.sump)
		if err != nil {
			return err
		}
		journal.Set(v.j, &v.ash, ash)
		if id, err = v.flopper.Kick(v.addr, v.addr, v.dump, v.sump); err != nil {
			return err
		}
		v.emit("flop", map[string]string{"id": fmt.Sprint(id)})
		return nil
	})
	return id, err
}

// Flap starts a surplus auction for bump of credit.
func (v *Vow) Flap() (uint64, error) {
	var id uint64
	err := v.j.Atomic(func() error {
		if v.flapper == nil {
			return ErrNoAuctionHouse
		}
		need, err := fixed.Add(v.ledger.Sin(v.addr), v.bump)
		if err != nil {
			return err
		}
		if need, err = fixed.Add(need, v.hump); err != nil {
			return err
		}
		if v.ledger.Dai(v.addr).Lt(need) {
			return ErrInsufficientSurplus
		}
		free, err := v.freeDebt()
		if err != nil {
			return err
		}
		if !free.IsZero() {
			return ErrDebtNotZero
		}
		if id, err = v.flapper.Kick(v.addr, v.bump, fixed.Zero()); err != nil {
			return err
		}
		v.emit("flap", map[string]string{"id": fmt.Sprint(id)})
		return nil
	})
	return id, err
}

// Cage shuts the vow down: clears the queue, cages both auction houses and
// settles as much debt as surplus allows.
func (v *Vow) Cage(caller model.Address) error {
	if err := auth.Require(v.auth, caller, OpCage); err != nil {
		return err
	}
	return v.j.Atomic(func() error {
		if !v.live {
			return ErrNotLive
		}
		journal.Set(v.j, &v.live, false)
		journal.Set(v.j, &v.sin, fixed.Zero())
		journal.Set(v.j, &v.ash, fixed.Zero())
		if v.flapper != nil {
			if err := v.flapper.Cage(v.addr, v.ledger.Dai(v.flapper.Address())); err != nil {
				return err
			}
		}
		if v.flopper != nil {
			if err := v.flopper.Cage(v.addr); err != nil {
				return err
			}
		}
		rad := fixed.Min(v.ledger.Dai(v.addr), v.ledger.Sin(v.addr))
		if err := v.ledger.Settle(v.addr, rad); err != nil {
			return err
		}
		v.emit("cage", nil)
		return nil
	})
}

// freeDebt is the unbacked debt neither queued nor on auction.
func (v *Vow) freeDebt() (*uint256.Int, error) {
	free, err := fixed.Sub(v.ledger.Sin(v.addr), v.sin)
	if err != nil {
		return nil, err
	}
	return fixed.Sub(free, v.ash)
}

func (v *Vow) queued(era uint64) *uint256.Int {
	if q, ok := v.queue[era]; ok {
		return q
	}
	return fixed.Zero()
}

func (v *Vow) emit(kind string, fields map[string]string) {
	v.j.Emit(model.Event{
		Kind:      kind,
		Component: "surplus",
		Account:   v.addr,
		Time:      v.clk.Now(),
		Fields:    fields,
	})
}

// Queued returns the debt queued at era.
func (v *Vow) Queued(era uint64) *uint256.Int { return v.queued(era).Clone() }

// QueuedDebt returns Sin.
func (v *Vow) QueuedDebt() *uint256.Int { return v.sin.Clone() }

// Ash returns the debt on deficit auction.
func (v *Vow) Ash() *uint256.Int { return v.ash.Clone() }

// Live reports whether the vow is live.
func (v *Vow) Live() bool { return v.live }
