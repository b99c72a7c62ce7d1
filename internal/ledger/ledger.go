// Package ledger implements the central double-entry book (the "Vat").
//
// It owns every collateral type, every position and the global debt
// counters, and it is the only place solvency is enforced. Units:
//
//	collateral balances, ink, art, Art:  wad
//	rate, spot:                          ray
//	credit (dai), unbacked debt (sin):   rad
//
// The core invariant is double entry: Debt equals the sum of all credit
// balances and Vice equals the sum of all unbacked-debt balances. Every
// mutating method is atomic through the shared journal.
package ledger

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// Privileged operations.
const (
	OpInit      auth.Op = "ledger.init"
	OpFile      auth.Op = "ledger.file"
	OpSlip      auth.Op = "ledger.slip"
	OpSeize     auth.Op = "ledger.grab"
	OpIssue     auth.Op = "ledger.suck"
	OpApplyRate auth.Op = "ledger.fold"
	OpCage      auth.Op = "ledger.cage"
)

var (
	ErrNotLive            = model.Sequencing("ledger: not live")
	ErrAlreadyInitialized = model.Sequencing("ledger: collateral type already initialized")
	ErrNotInitialized     = model.Sequencing("ledger: collateral type not initialized")
	ErrCeilingExceeded    = model.Invariant("ledger: ceiling exceeded")
	ErrUnsafe             = model.Invariant("ledger: not safe")
	ErrNotAllowed         = model.Unauthorized("ledger: not allowed")
	ErrDust               = model.Invariant("ledger: dust")
	ErrInsufficient       = model.Invariant("ledger: insufficient balance")
	ErrUnrecognizedParam  = model.Invariant("ledger: unrecognized param")
)

// CollateralType holds the risk parameters and totals of one ilk.
type CollateralType struct {
	NormalizedDebt *uint256.Int // Art, total normalised debt [wad]
	Rate           *uint256.Int // accumulated stability fee [ray]
	SafetyPrice    *uint256.Int // spot, price with safety margin [ray]
	DebtCeiling    *uint256.Int // line [rad]
	DebtFloor      *uint256.Int // dust [rad]
}

// Position is one vault: locked collateral and normalised debt.
type Position struct {
	Collateral     *uint256.Int // ink [wad]
	NormalizedDebt *uint256.Int // art [wad]
}

type urnKey struct {
	ilk model.Ilk
	usr model.Address
}

type permKey struct {
	grantor, grantee model.Address
}

// Ledger is the Vat.
type Ledger struct {
	addr model.Address
	auth auth.Authority
	j    *journal.Journal
	clk  clock.Clock

	can  map[permKey]bool
	ilks map[model.Ilk]CollateralType
	urns map[urnKey]Position
	gem  map[urnKey]*uint256.Int       // free collateral [wad]
	dai  map[model.Address]*uint256.Int // credit [rad]
	sin  map[model.Address]*uint256.Int // unbacked debt [rad]

	debt *uint256.Int // total credit issued [rad]
	vice *uint256.Int // total unbacked debt [rad]
	line *uint256.Int // global debt ceiling [rad]
	live bool
}

// New creates a live, empty ledger.
func New(addr model.Address, a auth.Authority, j *journal.Journal, clk clock.Clock) *Ledger {
	return &Ledger{
		addr: addr,
		auth: a,
		j:    j,
		clk:  clk,
		can:  make(map[permKey]bool),
		ilks: make(map[model.Ilk]CollateralType),
		urns: make(map[urnKey]Position),
		gem:  make(map[urnKey]*uint256.Int),
		dai:  make(map[model.Address]*uint256.Int),
		sin:  make(map[model.Address]*uint256.Int),
		debt: fixed.Zero(),
		vice: fixed.Zero(),
		line: fixed.Zero(),
		live: true,
	}
}

// Address returns the ledger's own identity.
func (l *Ledger) Address() model.Address { return l.addr }

// --- Permissions ---

// Allow lets grantee modify the caller's positions and balances (hope).
func (l *Ledger) Allow(caller, grantee model.Address) error {
	return l.j.Atomic(func() error {
		journal.Put(l.j, l.can, permKey{caller, grantee}, true)
		return nil
	})
}

// Disallow revokes a previous Allow (nope).
func (l *Ledger) Disallow(caller, grantee model.Address) error {
	return l.j.Atomic(func() error {
		journal.Delete(l.j, l.can, permKey{caller, grantee})
		return nil
	})
}

// CanModify reports whether usr may act for bit (wish).
func (l *Ledger) CanModify(bit, usr model.Address) bool {
	return bit == usr || l.can[permKey{bit, usr}]
}

// --- Administration ---

// Init creates a collateral type with rate = 1.0.
func (l *Ledger) Init(caller model.Address, i model.Ilk) error {
	if err := auth.Require(l.auth, caller, OpInit); err != nil {
		return err
	}
	return l.j.Atomic(func() error {
		if ilk, ok := l.ilks[i]; ok && !ilk.Rate.IsZero() {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, i)
		}
		journal.Put(l.j, l.ilks, i, CollateralType{
			NormalizedDebt: fixed.Zero(),
			Rate:           fixed.Clone(fixed.RAY),
			SafetyPrice:    fixed.Zero(),
			DebtCeiling:    fixed.Zero(),
			DebtFloor:      fixed.Zero(),
		})
		l.emit("init", i, "", nil)
		return nil
	})
}

// Param is a global ledger parameter.
type Param int

const (
	// ParamLine is the global debt ceiling [rad].
	ParamLine Param = iota + 1
)

// IlkParam is a per-collateral-type parameter.
type IlkParam int

const (
	// IlkSpot is the safety price [ray].
	IlkSpot IlkParam = iota + 1
	// IlkLine is the debt ceiling [rad].
	IlkLine
	// IlkDust is the debt floor [rad].
	IlkDust
)

func (p IlkParam) String() string {
	switch p {
	case IlkSpot:
		return "spot"
	case IlkLine:
		return "line"
	case IlkDust:
		return "dust"
	default:
		return fmt.Sprintf("IlkParam(%d)", int(p))
	}
}

// File sets a global parameter.
func (l *Ledger) File(caller model.Address, what Param, data *uint256.Int) error {
	if err := auth.Require(l.auth, caller, OpFile); err != nil {
		return err
	}
	return l.j.Atomic(func() error {
		if !l.live {
			return ErrNotLive
		}
		switch what {
		case ParamLine:
			journal.Set(l.j, &l.line, data.Clone())
		default:
			return fmt.Errorf("%w: %d", ErrUnrecognizedParam, what)
		}
		return nil
	})
}

// FileIlk sets a collateral-type parameter.
func (l *Ledger) FileIlk(caller model.Address, i model.Ilk, what IlkParam, data *uint256.Int) error {
	if err := auth.Require(l.auth, caller, OpFile); err != nil {
		return err
	}
	return l.j.Atomic(func() error {
		if !l.live {
			return ErrNotLive
		}
		ilk, ok := l.ilks[i]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotInitialized, i)
		}
		switch what {
		case IlkSpot:
			ilk.SafetyPrice = data.Clone()
		case IlkLine:
			ilk.DebtCeiling = data.Clone()
		case IlkDust:
			ilk.DebtFloor = data.Clone()
		default:
			return fmt.Errorf("%w: %s", ErrUnrecognizedParam, what)
		}
		journal.Put(l.j, l.ilks, i, ilk)
		return nil
	})
}

// Cage freezes the ledger: no further risk-increasing operations.
func (l *Ledger) Cage(caller model.Address) error {
	if err := auth.Require(l.auth, caller, OpCage); err != nil {
		return err
	}
	return l.j.Atomic(func() error {
		journal.Set(l.j, &l.live, false)
		l.emit("cage", "", "", nil)
		return nil
	})
}

// --- Readers ---

// Live reports whether the ledger accepts risk-increasing operations.
func (l *Ledger) Live() bool { return l.live }

// Ilk returns a copy of collateral type i.
func (l *Ledger) Ilk(i model.Ilk) (CollateralType, bool) {
	ilk, ok := l.ilks[i]
	if !ok {
		return CollateralType{
			NormalizedDebt: fixed.Zero(),
			Rate:           fixed.Zero(),
			SafetyPrice:    fixed.Zero(),
			DebtCeiling:    fixed.Zero(),
			DebtFloor:      fixed.Zero(),
		}, false
	}
	return CollateralType{
		NormalizedDebt: ilk.NormalizedDebt.Clone(),
		Rate:           ilk.Rate.Clone(),
		SafetyPrice:    ilk.SafetyPrice.Clone(),
		DebtCeiling:    ilk.DebtCeiling.Clone(),
		DebtFloor:      ilk.DebtFloor.Clone(),
	}, true
}

// Ilks lists the initialised collateral types in name order.
func (l *Ledger) Ilks() []model.Ilk {
	out := make([]model.Ilk, 0, len(l.ilks))
	for i := range l.ilks {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Urn returns a copy of the position of u in ilk i.
func (l *Ledger) Urn(i model.Ilk, u model.Address) Position {
	p := l.urnOf(i, u)
	return Position{Collateral: p.Collateral.Clone(), NormalizedDebt: p.NormalizedDebt.Clone()}
}

// Owners lists the accounts with a non-empty position in ilk i, sorted.
func (l *Ledger) Owners(i model.Ilk) []model.Address {
	var out []model.Address
	for k, p := range l.urns {
		if k.ilk == i && (!p.Collateral.IsZero() || !p.NormalizedDebt.IsZero()) {
			out = append(out, k.usr)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Gem returns the free collateral balance of usr in ilk i [wad].
func (l *Ledger) Gem(i model.Ilk, usr model.Address) *uint256.Int {
	return l.gemOf(i, usr).Clone()
}

// Dai returns the credit balance of usr [rad].
func (l *Ledger) Dai(usr model.Address) *uint256.Int { return balance(l.dai, usr).Clone() }

// Sin returns the unbacked-debt balance of usr [rad].
func (l *Ledger) Sin(usr model.Address) *uint256.Int { return balance(l.sin, usr).Clone() }

// Debt returns the total credit issued [rad].
func (l *Ledger) Debt() *uint256.Int { return l.debt.Clone() }

// Vice returns the total unbacked debt [rad].
func (l *Ledger) Vice() *uint256.Int { return l.vice.Clone() }

// Line returns the global debt ceiling [rad].
func (l *Ledger) Line() *uint256.Int { return l.line.Clone() }

// --- internal helpers ---

func (l *Ledger) urnOf(i model.Ilk, u model.Address) Position {
	p, ok := l.urns[urnKey{i, u}]
	if !ok {
		return Position{Collateral: fixed.Zero(), NormalizedDebt: fixed.Zero()}
	}
	return p
}

func (l *Ledger) gemOf(i model.Ilk, u model.Address) *uint256.Int {
	if g, ok := l.gem[urnKey{i, u}]; ok {
		return g
	}
	return fixed.Zero()
}

func balance(m map[model.Address]*uint256.Int, u model.Address) *uint256.Int {
	if b, ok := m[u]; ok {
		return b
	}
	return fixed.Zero()
}

func (l *Ledger) setUrn(i model.Ilk, u model.Address, ink, art *uint256.Int) {
	journal.Put(l.j, l.urns, urnKey{i, u}, Position{Collateral: ink, NormalizedDebt: art})
}

func (l *Ledger) setGem(i model.Ilk, u model.Address, wad *uint256.Int) {
	journal.Put(l.j, l.gem, urnKey{i, u}, wad)
}

func (l *Ledger) setDai(u model.Address, rad *uint256.Int) { journal.Put(l.j, l.dai, u, rad) }

func (l *Ledger) setSin(u model.Address, rad *uint256.Int) { journal.Put(l.j, l.sin, u, rad) }

func (l *Ledger) emit(kind string, i model.Ilk, acct model.Address, fields map[string]string) {
	l.j.Emit(model.Event{
		Kind:      kind,
		Component: "ledger",
		Ilk:       i,
		Account:   acct,
		Time:      l.clk.Now(),
		Fields:    fields,
	})
}
