// Package engine deploys a complete system from a config.Config: it creates
// every component on one shared journal, grants the cross-component
// permissions and files all risk parameters.
package engine

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/accrual"
	"github.com/atmx/cdp-engine/internal/auction"
	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/config"
	"github.com/atmx/cdp-engine/internal/debtauction"
	"github.com/atmx/cdp-engine/internal/decay"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/join"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/ledger"
	"github.com/atmx/cdp-engine/internal/liquidation"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/pricefeed"
	"github.com/atmx/cdp-engine/internal/shutdown"
	"github.com/atmx/cdp-engine/internal/surplus"
	"github.com/atmx/cdp-engine/internal/surplusauction"
	"github.com/atmx/cdp-engine/internal/token"
)

// Component addresses.
const (
	VatAddr     model.Address = "vat"
	JugAddr     model.Address = "jug"
	SpotAddr    model.Address = "spot"
	DogAddr     model.Address = "dog"
	VowAddr     model.Address = "vow"
	FlapAddr    model.Address = "flap"
	FlopAddr    model.Address = "flop"
	EndAddr     model.Address = "end"
	GovAddr     model.Address = "mkr"
	DaiAddr     model.Address = "dai"
	DaiJoinAddr model.Address = "join:dai"
)

// ClipAddr is the auctioneer address of ilk i.
func ClipAddr(i model.Ilk) model.Address { return model.Address("clip:" + string(i)) }

// JoinAddr is the collateral adapter address of ilk i.
func JoinAddr(i model.Ilk) model.Address { return model.Address("join:" + string(i)) }

// GemAddr is the collateral token address of ilk i.
func GemAddr(i model.Ilk) model.Address { return model.Address("gem:" + string(i)) }

// Collateral groups the per-ilk components.
type Collateral struct {
	Ilk  model.Ilk
	Gem  *token.Token
	Join *join.Collateral
	Pip  *oracle.Value
	Clip *auction.Auctioneer
	Calc decay.Model
}

// Engine is one deployment. Calls into it must be serialised by the host.
type Engine struct {
	Journal *journal.Journal
	Clock   clock.Clock
	Auth    *auth.Registry
	Admin   model.Address

	Vat     *ledger.Ledger
	Jug     *accrual.Accrual
	Spot    *pricefeed.PriceFeed
	Dog     *liquidation.Dispatcher
	Vow     *surplus.Vow
	Flap    *surplusauction.Auction
	Flop    *debtauction.Auction
	End     *shutdown.Coordinator
	Gov     *token.Token
	Dai     *token.Token
	DaiJoin *join.Credit

	ilks map[model.Ilk]*Collateral
}

// New deploys cfg with admin as the sole ward.
func New(cfg *config.Config, admin model.Address, clk clock.Clock) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	j := journal.New()
	reg := auth.NewRegistry(admin)
	e := &Engine{
		Journal: j,
		Clock:   clk,
		Auth:    reg,
		Admin:   admin,
		ilks:    make(map[model.Ilk]*Collateral),
	}

	// Tokens keep their own wards so a mint grant on one never reaches
	// another.
	govAuth := auth.NewRegistry(admin)
	govAuth.Grant(FlopAddr, token.OpMint)
	govAuth.Grant(FlapAddr, token.OpBurn)
	e.Gov = token.New(GovAddr, "MKR", govAuth, j)
	daiAuth := auth.NewRegistry(admin)
	daiAuth.Grant(DaiJoinAddr, token.OpMint, token.OpBurn)
	e.Dai = token.New(DaiAddr, "DAI", daiAuth, j)

	e.Vat = ledger.New(VatAddr, reg, j, clk)
	e.Jug = accrual.New(JugAddr, reg, j, clk, e.Vat)
	e.Spot = pricefeed.New(SpotAddr, reg, j, clk, e.Vat)
	e.Dog = liquidation.New(DogAddr, reg, j, clk, e.Vat)
	e.Vow = surplus.New(VowAddr, reg, j, clk, e.Vat)
	e.Flap = surplusauction.New(FlapAddr, reg, j, clk, e.Vat, e.Gov)
	e.Flop = debtauction.New(FlopAddr, reg, j, clk, e.Vat, e.Gov, e.Vow)
	e.DaiJoin = join.NewCredit(DaiJoinAddr, reg, j, e.Vat, e.Dai)
	e.End = shutdown.New(shutdown.Config{
		Address: EndAddr,
		Ledger:  e.Vat,
		Dog:     e.Dog,
		Vow:     e.Vow,
		Spotter: e.Spot,
		Wait:    cfg.End.Wait,
	}, reg, j, clk)

	reg.Grant(JugAddr, ledger.OpApplyRate)
	reg.Grant(SpotAddr, ledger.OpFile)
	reg.Grant(DogAddr, ledger.OpSeize, surplus.OpFess, auction.OpKick)
	reg.Grant(VowAddr, surplusauction.OpKick, surplusauction.OpCage, debtauction.OpKick, debtauction.OpCage)
	reg.Grant(FlopAddr, ledger.OpIssue)
	reg.Grant(EndAddr,
		ledger.OpCage, ledger.OpSeize, ledger.OpIssue,
		liquidation.OpCage, surplus.OpCage, pricefeed.OpCage,
		auction.OpYank,
	)

	err := j.Atomic(func() error {
		if err := e.fileGlobals(cfg); err != nil {
			return err
		}
		for _, ic := range cfg.Ilks {
			if err := e.deployIlk(ic); err != nil {
				return fmt.Errorf("engine: deploy %s: %w", ic.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) fileGlobals(cfg *config.Config) error {
	var s scaler
	line := s.rad("line", cfg.Line)
	base := s.ray("base", cfg.Base)
	par := s.ray("par", cfg.Par)
	hole := s.rad("hole", cfg.Hole)
	bump := s.rad("vow.bump", cfg.Vow.Bump)
	sump := s.rad("vow.sump", cfg.Vow.Sump)
	dump := s.wad("vow.dump", cfg.Vow.Dump)
	hump := s.rad("vow.hump", cfg.Vow.Hump)
	flapBeg := s.wad("flap.beg", cfg.Flap.Beg)
	flopBeg := s.wad("flop.beg", cfg.Flop.Beg)
	flopPad := s.wad("flop.pad", cfg.Flop.Pad)
	if s.err != nil {
		return s.err
	}

	a := e.Admin
	return run(
		func() error { return e.Vat.File(a, ledger.ParamLine, line) },
		func() error { return e.Jug.File(a, accrual.ParamBase, base) },
		func() error { return e.Jug.SetVow(a, VowAddr) },
		func() error { return e.Spot.File(a, pricefeed.ParamPar, par) },
		func() error { return e.Dog.File(a, liquidation.ParamHole, hole) },
		func() error { return e.Dog.SetVow(a, e.Vow) },

		func() error { return e.Vow.File(a, surplus.ParamWait, uint256.NewInt(cfg.Vow.Wait)) },
		func() error { return e.Vow.File(a, surplus.ParamBump, bump) },
		func() error { return e.Vow.File(a, surplus.ParamSump, sump) },
		func() error { return e.Vow.File(a, surplus.ParamDump, dump) },
		func() error { return e.Vow.File(a, surplus.ParamHump, hump) },
		func() error { return e.Vow.SetSurplusAuction(a, e.Flap) },
		func() error { return e.Vow.SetDebtAuction(a, e.Flop) },

		func() error { return e.Flap.File(a, surplusauction.ParamBeg, flapBeg) },
		func() error { return e.Flap.File(a, surplusauction.ParamTTL, uint256.NewInt(cfg.Flap.TTL)) },
		func() error { return e.Flap.File(a, surplusauction.ParamTau, uint256.NewInt(cfg.Flap.Tau)) },
		func() error { return e.Flop.File(a, debtauction.ParamBeg, flopBeg) },
		func() error { return e.Flop.File(a, debtauction.ParamPad, flopPad) },
		func() error { return e.Flop.File(a, debtauction.ParamTTL, uint256.NewInt(cfg.Flop.TTL)) },
		func() error { return e.Flop.File(a, debtauction.ParamTau, uint256.NewInt(cfg.Flop.Tau)) },
	)
}

func (e *Engine) deployIlk(ic config.Ilk) error {
	i, err := model.ParseIlk(ic.Name)
	if err != nil {
		return err
	}
	var s scaler
	price := s.wad("price", ic.Price)
	line := s.rad("line", ic.Line)
	dust := s.rad("dust", ic.Dust)
	mat := s.ray("mat", ic.Mat)
	duty := s.ray("duty", ic.Duty)
	chop := s.wad("chop", ic.Chop)
	hole := s.rad("hole", ic.Hole)
	buf := s.ray("buf", ic.Buf)
	cusp := s.ray("cusp", ic.Cusp)
	chip := s.wad("chip", ic.Chip)
	tip := s.rad("tip", ic.Tip)
	cut := s.ray("decay.cut", ic.Decay.Cut)
	if s.err != nil {
		return s.err
	}

	var calc decay.Model
	switch ic.Decay.Kind {
	case config.DecayLinear:
		calc = decay.NewLinear(e.Auth, e.Journal, ic.Decay.Tau)
	case config.DecayStairstep:
		calc, err = decay.NewStairstepExponential(e.Auth, e.Journal, cut, ic.Decay.Step)
	case config.DecayExponential:
		calc, err = decay.NewExponential(e.Auth, e.Journal, cut)
	default:
		err = fmt.Errorf("%w: decay kind %q", config.ErrInvalid, ic.Decay.Kind)
	}
	if err != nil {
		return err
	}

	c := &Collateral{Ilk: i, Calc: calc, Pip: oracle.NewValue()}
	c.Gem = token.New(GemAddr(i), string(i), auth.NewRegistry(e.Admin), e.Journal)
	c.Join = join.NewCollateral(JoinAddr(i), e.Auth, e.Journal, e.Vat, i, c.Gem)
	c.Clip = auction.New(auction.Config{
		Address: ClipAddr(i),
		Ilk:     i,
		Ledger:  e.Vat,
		Spotter: e.Spot,
		Dog:     e.Dog,
		Vow:     VowAddr,
		Calc:    calc,
	}, e.Auth, e.Journal, e.Clock)
	e.Auth.Grant(JoinAddr(i), ledger.OpSlip)
	e.Auth.Grant(ClipAddr(i), liquidation.OpDigs, ledger.OpIssue)
	c.Pip.Poke(price)

	a := e.Admin
	err = run(
		func() error { return e.Vat.Init(a, i) },
		func() error { return e.Jug.Init(a, i) },
		func() error { return e.Jug.SetDuty(a, i, duty) },
		func() error { return e.Vat.FileIlk(a, i, ledger.IlkLine, line) },
		func() error { return e.Vat.FileIlk(a, i, ledger.IlkDust, dust) },
		func() error { return e.Spot.SetOracle(a, i, c.Pip) },
		func() error { return e.Spot.FileIlk(a, i, pricefeed.IlkMat, mat) },
		func() error {
			_, _, err := e.Spot.Poke(i)
			return err
		},
		func() error { return e.Dog.FileIlk(a, i, liquidation.IlkChop, chop) },
		func() error { return e.Dog.FileIlk(a, i, liquidation.IlkHole, hole) },
		func() error { return e.Dog.SetAuctioneer(a, i, c.Clip) },
		func() error { return c.Clip.File(a, auction.ParamBuf, buf) },
		func() error { return c.Clip.File(a, auction.ParamTail, uint256.NewInt(ic.Tail)) },
		func() error { return c.Clip.File(a, auction.ParamCusp, cusp) },
		func() error { return c.Clip.File(a, auction.ParamChip, chip) },
		func() error { return c.Clip.File(a, auction.ParamTip, tip) },
		c.Clip.UpdateDustCache,
	)
	if err != nil {
		return err
	}
	e.ilks[i] = c
	return nil
}

func run(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// scaler converts config decimals to fixed point, keeping the first error.
type scaler struct{ err error }

func (s *scaler) scale(field string, d decimal.Decimal, decimals int32) *uint256.Int {
	if s.err != nil {
		return fixed.Zero()
	}
	v, err := fixed.FromDecimal(d, decimals)
	if err != nil {
		s.err = fmt.Errorf("%w: %s: %w", config.ErrInvalid, field, err)
		return fixed.Zero()
	}
	return v
}

func (s *scaler) wad(field string, d decimal.Decimal) *uint256.Int {
	return s.scale(field, d, fixed.WadDecimals)
}

func (s *scaler) ray(field string, d decimal.Decimal) *uint256.Int {
	return s.scale(field, d, fixed.RayDecimals)
}

func (s *scaler) rad(field string, d decimal.Decimal) *uint256.Int {
	return s.scale(field, d, fixed.RadDecimals)
}

// Ilk returns the components of collateral type i.
func (e *Engine) Ilk(i model.Ilk) (*Collateral, bool) {
	c, ok := e.ilks[i]
	return c, ok
}

// Ilks returns the deployed collateral types in name order.
func (e *Engine) Ilks() []model.Ilk {
	out := make([]model.Ilk, 0, len(e.ilks))
	for i := range e.ilks {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
