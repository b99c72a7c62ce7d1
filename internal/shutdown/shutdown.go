// Package shutdown coordinates Global Settlement (the "End").
//
// Settlement freezes the system and converts every credit holder's claim
// into a proportional share of each collateral type:
//
//  1. Cage freezes every component.
//  2. CageIlk locks a final price per collateral type.
//  3. Skim, Snip and Free unwind positions and auctions, in any order.
//  4. Thaw fixes the total credit outstanding once the wait has passed.
//  5. Flow computes the cash price of each collateral type.
//  6. Pack locks a holder's credit; Cash redeems it for collateral.
//
// Every step checks its own preconditions and rejects repeated calls with a
// named error.
package shutdown

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auction"
	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/ledger"
	"github.com/atmx/cdp-engine/internal/liquidation"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
)

// Privileged operations.
const (
	OpCage auth.Op = "shutdown.cage"
	OpFile auth.Op = "shutdown.file"
)

var (
	ErrNotLive           = model.Sequencing("shutdown: not live")
	ErrStillLive         = model.Sequencing("shutdown: still live")
	ErrTagAlreadyDefined = model.Sequencing("shutdown: tag already defined")
	ErrTagNotDefined     = model.Sequencing("shutdown: tag not defined")
	ErrInvalidPrice      = model.Invariant("shutdown: invalid price")
	ErrNoAuctioneer      = model.Sequencing("shutdown: no auctioneer for collateral type")
	ErrArtNotZero        = model.Invariant("shutdown: art not zero")
	ErrDebtNotZero       = model.Sequencing("shutdown: debt not zero")
	ErrSurplusNotZero    = model.Invariant("shutdown: surplus not zero")
	ErrWaitNotFinished   = model.Sequencing("shutdown: wait not finished")
	ErrDebtZero          = model.Sequencing("shutdown: debt zero")
	ErrFixAlreadyDefined = model.Sequencing("shutdown: fix already defined")
	ErrFixNotDefined     = model.Sequencing("shutdown: fix not defined")
	ErrInsufficientBag   = model.Invariant("shutdown: insufficient bag balance")
	ErrUnrecognizedParam = model.Invariant("shutdown: unrecognized param")
	ErrInvalidValue      = model.Invariant("shutdown: invalid value")
)

// Ledger is the part of the ledger settlement drives.
type Ledger interface {
	Ilk(i model.Ilk) (ledger.CollateralType, bool)
	Urn(i model.Ilk, u model.Address) ledger.Position
	Dai(u model.Address) *uint256.Int
	Debt() *uint256.Int
	Cage(caller model.Address) error
	Seize(caller model.Address, i model.Ilk, u, v, w model.Address, dink, dart *uint256.Int) error
	IssueUnbacked(caller, u, v model.Address, rad *uint256.Int) error
	TransferCredit(caller, src, dst model.Address, rad *uint256.Int) error
	TransferCollateral(caller model.Address, i model.Ilk, src, dst model.Address, wad *uint256.Int) error
}

// Dispatcher is the liquidation side.
type Dispatcher interface {
	Cage(caller model.Address) error
	Auctioneer(i model.Ilk) liquidation.Auctioneer
}

// Auctioneer is what settlement needs from a running collateral auction.
type Auctioneer interface {
	Sale(id uint64) (auction.Sale, bool)
	Yank(caller model.Address, id uint64) error
}

// Vow is the system balance sheet.
type Vow interface {
	Address() model.Address
	Cage(caller model.Address) error
}

// PriceSource supplies the final prices.
type PriceSource interface {
	Cage(caller model.Address) error
	Oracle(i model.Ilk) oracle.Oracle
	Par() *uint256.Int
}

// Phase is the global settlement phase.
type Phase int

const (
	PhaseLive Phase = iota
	PhaseCaged
	PhaseThawed
)

func (p Phase) String() string {
	switch p {
	case PhaseLive:
		return "live"
	case PhaseCaged:
		return "caged"
	case PhaseThawed:
		return "thawed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// IlkPhase is the settlement phase of one collateral type.
type IlkPhase int

const (
	IlkUnpriced IlkPhase = iota
	IlkPriceLocked
	IlkFixed
)

func (p IlkPhase) String() string {
	switch p {
	case IlkUnpriced:
		return "unpriced"
	case IlkPriceLocked:
		return "price_locked"
	case IlkFixed:
		return "fixed"
	default:
		return fmt.Sprintf("IlkPhase(%d)", int(p))
	}
}

type ilkState struct {
	tag *uint256.Int // cage price, collateral per credit unit [ray]
	gap *uint256.Int // collateral shortfall [wad]
	art *uint256.Int // total normalised debt [wad]
	fix *uint256.Int // final cash price [ray]
}

type outKey struct {
	ilk model.Ilk
	usr model.Address
}

// Coordinator is the End.
type Coordinator struct {
	addr model.Address
	auth auth.Authority
	j    *journal.Journal
	clk  clock.Clock

	ledger Ledger
	dog    Dispatcher
	vow    Vow
	spot   PriceSource

	live bool
	when uint64       // cage time
	wait uint64       // cooldown before Thaw
	debt *uint256.Int // total credit outstanding at Thaw [rad]

	ilks map[model.Ilk]ilkState
	bag  map[model.Address]*uint256.Int // packed credit [wad]
	out  map[outKey]*uint256.Int        // cashed credit per ilk [wad]
}

// Config wires a Coordinator.
type Config struct {
	Address model.Address
	Ledger  Ledger
	Dog     Dispatcher
	Vow     Vow
	Spotter PriceSource
	Wait    uint64
}

// New creates a live coordinator.
func New(cfg Config, a auth.Authority, j *journal.Journal, clk clock.Clock) *Coordinator {
	return &Coordinator{
		addr:   cfg.Address,
		auth:   a,
		j:      j,
		clk:    clk,
		ledger: cfg.Ledger,
		dog:    cfg.Dog,
		vow:    cfg.Vow,
		spot:   cfg.Spotter,
		live:   true,
		wait:   cfg.Wait,
		debt:   fixed.Zero(),
		ilks:   make(map[model.Ilk]ilkState),
		bag:    make(map[model.Address]*uint256.Int),
		out:    make(map[outKey]*uint256.Int),
	}
}

// Address returns the component's identity.
func (e *Coordinator) Address() model.Address { return e.addr }

// Param is a coordinator parameter.
type Param int

const (
	// ParamWait is the cooldown between Cage and Thaw [seconds].
	ParamWait Param = iota + 1
)

// File sets a parameter while the system is live.
func (e *Coordinator) File(caller model.Address, what Param, data *uint256.Int) error {
	if err := auth.Require(e.auth, caller, OpFile); err != nil {
		return err
	}
	return e.j.Atomic(func() error {
		if !e.live {
			return ErrNotLive
		}
		switch what {
		case ParamWait:
			if !data.IsUint64() {
				return fmt.Errorf("%w: wait out of range", ErrInvalidValue)
			}
			journal.Set(e.j, &e.wait, data.Uint64())
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// Cage starts Global Settlement.
func (e *Coordinator) Cage(caller model.Address) error {
	if err := auth.Require(e.auth, caller, OpCage); err != nil {
		return err
	}
	return e.j.Atomic(func() error {
		if !e.live {
			return ErrNotLive
		}
		now := e.clk.Now()
		journal.Set(e.j, &e.live, false)
		journal.Set(e.j, &e.when, now)
		if err := e.ledger.Cage(e.addr); err != nil {
			return err
		}
		if err := e.dog.Cage(e.addr); err != nil {
			return err
		}
		if err := e.vow.Cage(e.addr); err != nil {
			return err
		}
		if err := e.spot.Cage(e.addr); err != nil {
			return err
		}
		e.emit("cage", "", "", nil)
		return nil
	})
}

func (e *Coordinator) ilk(i model.Ilk) ilkState {
	st, ok := e.ilks[i]
	if !ok {
		return ilkState{tag: fixed.Zero(), gap: fixed.Zero(), art: fixed.Zero(), fix: fixed.Zero()}
	}
	return st
}

// CageIlk locks the final price of ilk i from its oracle.
func (e *Coordinator) CageIlk(i model.Ilk) error {
	return e.j.Atomic(func() error {
		if e.live {
			return ErrStillLive
		}
		st := e.ilk(i)
		if !st.tag.IsZero() {
			return fmt.Errorf("%w: %s", ErrTagAlreadyDefined, i)
		}
		ilk, _ := e.ledger.Ilk(i)
		pip := e.spot.Oracle(i)
		if pip == nil {
			return fmt.Errorf("%w: no oracle for %s", ErrInvalidPrice, i)
		}
		val, has := pip.Peek()
		if !has || val.IsZero() {
			return fmt.Errorf("%w: %s", ErrInvalidPrice, i)
		}
		tag, err := fixed.Wdiv(e.spot.Par(), val)
		if err != nil {
			return err
		}
		st.art = ilk.NormalizedDebt
		st.tag = tag
		journal.Put(e.j, e.ilks, i, st)
		e.emit("cage_ilk", i, "", map[string]string{"tag": fixed.Format(tag, fixed.RayDecimals)})
		return nil
	})
}

// Snip cancels running auction id of ilk i and returns its collateral and
// debt to the original position.
func (e *Coordinator) Snip(i model.Ilk, id uint64) error {
	return e.j.Atomic(func() error {
		st := e.ilk(i)
		if st.tag.IsZero() {
			return fmt.Errorf("%w: %s", ErrTagNotDefined, i)
		}
		clip, ok := e.dog.Auctioneer(i).(Auctioneer)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoAuctioneer, i)
		}
		ilk, _ := e.ledger.Ilk(i)
		sale, ok := clip.Sale(id)
		if !ok {
			return fmt.Errorf("%w: auction %d", auction.ErrNotRunning, id)
		}

		vow := e.vow.Address()
		if err := e.ledger.IssueUnbacked(e.addr, vow, vow, sale.Tab); err != nil {
			return err
		}
		if err := clip.Yank(e.addr, id); err != nil {
			return err
		}

		art, err := fixed.Div(sale.Tab, ilk.Rate)
		if err != nil {
			return err
		}
		total, err := fixed.Add(st.art, art)
		if err != nil {
			return err
		}
		st.art = total
		journal.Put(e.j, e.ilks, i, st)

		dink, err := fixed.ToSigned(sale.Lot)
		if err != nil {
			return err
		}
		dart, err := fixed.ToSigned(art)
		if err != nil {
			return err
		}
		if err := e.ledger.Seize(e.addr, i, sale.Usr, e.addr, vow, dink, dart); err != nil {
			return err
		}
		e.emit("snip", i, sale.Usr, map[string]string{
			"id":  fmt.Sprint(id),
			"tab": fixed.Format(sale.Tab, fixed.RadDecimals),
			"lot": fixed.Format(sale.Lot, fixed.WadDecimals),
		})
		return nil
	})
}

// Skim cancels the debt of urn in ilk i at the locked price, taking the
// matching collateral. A shortfall is recorded as gap.
func (e *Coordinator) Skim(i model.Ilk, urn model.Address) error {
	return e.j.Atomic(func() error {
		st := e.ilk(i)
		if st.tag.IsZero() {
			return fmt.Errorf("%w: %s", ErrTagNotDefined, i)
		}
		ilk, _ := e.ledger.Ilk(i)
		pos := e.ledger.Urn(i, urn)

		debt, err := fixed.Rmul(pos.NormalizedDebt, ilk.Rate)
		if err != nil {
			return err
		}
		owe, err := fixed.Rmul(debt, st.tag)
		if err != nil {
			return err
		}
		wad := fixed.Min(pos.Collateral, owe)
		gap, err := fixed.Add(st.gap, new(uint256.Int).Sub(owe, wad))
		if err != nil {
			return err
		}
		st.gap = gap
		journal.Put(e.j, e.ilks, i, st)

		dink, err := fixed.Neg(wad)
		if err != nil {
			return err
		}
		dart, err := fixed.Neg(pos.NormalizedDebt)
		if err != nil {
			return err
		}
		if err := e.ledger.Seize(e.addr, i, urn, e.addr, e.vow.Address(), dink, dart); err != nil {
			return err
		}
		e.emit("skim", i, urn, map[string]string{
			"owe": fixed.Format(owe, fixed.WadDecimals),
			"gap": fixed.Format(gap, fixed.WadDecimals),
		})
		return nil
	})
}

// Free returns the caller's remaining collateral in ilk i once its debt is
// gone.
func (e *Coordinator) Free(caller model.Address, i model.Ilk) error {
	return e.j.Atomic(func() error {
		if e.live {
			return ErrStillLive
		}
		pos := e.ledger.Urn(i, caller)
		if !pos.NormalizedDebt.IsZero() {
			return fmt.Errorf("%w: %s %s", ErrArtNotZero, i, caller)
		}
		dink, err := fixed.Neg(pos.Collateral)
		if err != nil {
			return err
		}
		if err := e.ledger.Seize(e.addr, i, caller, caller, e.vow.Address(), dink, fixed.Zero()); err != nil {
			return err
		}
		e.emit("free", i, caller, map[string]string{"ink": fixed.Format(pos.Collateral, fixed.WadDecimals)})
		return nil
	})
}

// Thaw fixes the total credit outstanding. The vow must hold no surplus
// and the wait since Cage must have passed.
func (e *Coordinator) Thaw() error {
	return e.j.Atomic(func() error {
		if e.live {
			return ErrStillLive
		}
		if !e.debt.IsZero() {
			return ErrDebtNotZero
		}
		if !e.ledger.Dai(e.vow.Address()).IsZero() {
			return ErrSurplusNotZero
		}
		if now := e.clk.Now(); now < e.when+e.wait {
			return fmt.Errorf("%w: %d seconds left", ErrWaitNotFinished, e.when+e.wait-now)
		}
		debt := e.ledger.Debt()
		journal.Set(e.j, &e.debt, debt)
		e.emit("thaw", "", "", map[string]string{"debt": fixed.Format(debt, fixed.RadDecimals)})
		return nil
	})
}

// Flow computes the cash price of ilk i: collateral per unit of credit,
// net of the shortfall.
func (e *Coordinator) Flow(i model.Ilk) error {
	return e.j.Atomic(func() error {
		if e.debt.IsZero() {
			return ErrDebtZero
		}
		st := e.ilk(i)
		if !st.fix.IsZero() {
			return fmt.Errorf("%w: %s", ErrFixAlreadyDefined, i)
		}
		ilk, _ := e.ledger.Ilk(i)
		debt, err := fixed.Rmul(st.art, ilk.Rate)
		if err != nil {
			return err
		}
		wad, err := fixed.Rmul(debt, st.tag)
		if err != nil {
			return err
		}
		net, err := fixed.Sub(wad, st.gap)
		if err != nil {
			return err
		}
		num, err := fixed.Mul(net, fixed.RAY)
		if err != nil {
			return err
		}
		fix, err := fixed.Div(num, new(uint256.Int).Div(e.debt, fixed.RAY))
		if err != nil {
			return err
		}
		st.fix = fix
		journal.Put(e.j, e.ilks, i, st)
		e.emit("flow", i, "", map[string]string{"fix": fixed.Format(fix, fixed.RayDecimals)})
		return nil
	})
}

// Pack locks wad of the caller's credit for cashing. The caller must have
// allowed the coordinator to move its credit.
func (e *Coordinator) Pack(caller model.Address, wad *uint256.Int) error {
	return e.j.Atomic(func() error {
		if e.debt.IsZero() {
			return ErrDebtZero
		}
		rad, err := fixed.Mul(wad, fixed.RAY)
		if err != nil {
			return err
		}
		if err := e.ledger.TransferCredit(e.addr, caller, e.vow.Address(), rad); err != nil {
			return err
		}
		bag, err := fixed.Add(balance(e.bag, caller), wad)
		if err != nil {
			return err
		}
		journal.Put(e.j, e.bag, caller, bag)
		e.emit("pack", "", caller, map[string]string{"wad": fixed.Format(wad, fixed.WadDecimals)})
		return nil
	})
}

// Cash redeems wad of the caller's packed credit for collateral of ilk i.
// Each ilk can be cashed up to the packed amount.
func (e *Coordinator) Cash(caller model.Address, i model.Ilk, wad *uint256.Int) (*uint256.Int, error) {
	var amt *uint256.Int
	err := e.j.Atomic(func() error {
		st := e.ilk(i)
		if st.fix.IsZero() {
			return fmt.Errorf("%w: %s", ErrFixNotDefined, i)
		}
		var err error
		if amt, err = fixed.Rmul(wad, st.fix); err != nil {
			return err
		}
		if err := e.ledger.TransferCollateral(e.addr, i, e.addr, caller, amt); err != nil {
			return err
		}
		k := outKey{i, caller}
		out, err := fixed.Add(e.outOf(k), wad)
		if err != nil {
			return err
		}
		if out.Gt(balance(e.bag, caller)) {
			return fmt.Errorf("%w: %s", ErrInsufficientBag, caller)
		}
		journal.Put(e.j, e.out, k, out)
		e.emit("cash", i, caller, map[string]string{
			"wad": fixed.Format(wad, fixed.WadDecimals),
			"gem": fixed.Format(amt, fixed.WadDecimals),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amt, nil
}

// Phase reports the global settlement phase.
func (e *Coordinator) Phase() Phase {
	switch {
	case e.live:
		return PhaseLive
	case e.debt.IsZero():
		return PhaseCaged
	default:
		return PhaseThawed
	}
}

// IlkPhase reports the settlement phase of ilk i.
func (e *Coordinator) IlkPhase(i model.Ilk) IlkPhase {
	st := e.ilk(i)
	switch {
	case !st.fix.IsZero():
		return IlkFixed
	case !st.tag.IsZero():
		return IlkPriceLocked
	default:
		return IlkUnpriced
	}
}

// Live reports whether settlement has not started.
func (e *Coordinator) Live() bool { return e.live }

// When returns the cage time.
func (e *Coordinator) When() uint64 { return e.when }

// Wait returns the cooldown before Thaw.
func (e *Coordinator) Wait() uint64 { return e.wait }

// Debt returns the credit outstanding fixed at Thaw [rad].
func (e *Coordinator) Debt() *uint256.Int { return e.debt.Clone() }

// Tag returns the cage price of ilk i [ray].
func (e *Coordinator) Tag(i model.Ilk) *uint256.Int { return e.ilk(i).tag.Clone() }

// Gap returns the collateral shortfall of ilk i [wad].
func (e *Coordinator) Gap(i model.Ilk) *uint256.Int { return e.ilk(i).gap.Clone() }

// Art returns the normalised debt of ilk i tracked since CageIlk [wad].
func (e *Coordinator) Art(i model.Ilk) *uint256.Int { return e.ilk(i).art.Clone() }

// Fix returns the cash price of ilk i [ray].
func (e *Coordinator) Fix(i model.Ilk) *uint256.Int { return e.ilk(i).fix.Clone() }

// Bag returns the credit usr has packed [wad].
func (e *Coordinator) Bag(usr model.Address) *uint256.Int { return balance(e.bag, usr).Clone() }

// Out returns the packed credit usr has cashed for ilk i [wad].
func (e *Coordinator) Out(i model.Ilk, usr model.Address) *uint256.Int {
	return e.outOf(outKey{i, usr}).Clone()
}

func (e *Coordinator) outOf(k outKey) *uint256.Int {
	if o, ok := e.out[k]; ok {
		return o
	}
	return fixed.Zero()
}

func balance(m map[model.Address]*uint256.Int, u model.Address) *uint256.Int {
	if b, ok := m[u]; ok {
		return b
	}
	return fixed.Zero()
}

func (e *Coordinator) emit(kind string, i model.Ilk, acct model.Address, fields map[string]string) {
	e.j.Emit(model.Event{
		Kind:      kind,
		Component: "shutdown",
		Ilk:       i,
		Account:   acct,
		Time:      e.clk.Now(),
		Fields:    fields,
	})
}
