package shutdown

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/auction"
	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/ledger"
	"github.com/atmx/cdp-engine/internal/liquidation"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/pricefeed"
	"github.com/atmx/cdp-engine/internal/surplus"
)

const (
	gov   model.Address = "gov"
	alice model.Address = "alice"
	bob   model.Address = "bob"
	end   model.Address = "end"
	ethA  model.Ilk     = "ETH-A"
)

type fakeClip struct {
	addr   model.Address
	ilk    model.Ilk
	ledger *ledger.Ledger
	sales  map[uint64]auction.Sale
}

func (f *fakeClip) Address() model.Address { return f.addr }
func (f *fakeClip) Ilk() model.Ilk         { return f.ilk }

func (f *fakeClip) Kick(model.Address, *uint256.Int, *uint256.Int, model.Address, model.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeClip) Sale(id uint64) (auction.Sale, bool) {
	s, ok := f.sales[id]
	return s, ok
}

func (f *fakeClip) Yank(caller model.Address, id uint64) error {
	s := f.sales[id]
	delete(f.sales, id)
	return f.ledger.TransferCollateral(f.addr, f.ilk, f.addr, caller, s.Lot)
}

type system struct {
	clk  *clock.Manual
	reg  *auth.Registry
	vat  *ledger.Ledger
	dog  *liquidation.Dispatcher
	vow  *surplus.Vow
	spot *pricefeed.PriceFeed
	pip  *oracle.Value
	end  *Coordinator
}

// newSystem opens two positions at spot 3: alice 10 ETH / 15 debt and
// bob 5 ETH / 15 debt.
func newSystem(t *testing.T) *system {
	t.Helper()
	j := journal.New()
	reg := auth.NewRegistry(gov)
	clk := clock.NewManual(1000)

	vat := ledger.New("vat", reg, j, clk)
	dog := liquidation.New("dog", reg, j, clk, vat)
	vow := surplus.New("vow", reg, j, clk, vat)
	spot := pricefeed.New("spot", reg, j, clk, vat)
	pip := oracle.NewValue()
	require.NoError(t, spot.SetOracle(gov, ethA, pip))

	e := New(Config{Address: end, Ledger: vat, Dog: dog, Vow: vow, Spotter: spot, Wait: 3600}, reg, j, clk)
	reg.Grant(end, ledger.OpCage, ledger.OpSeize, ledger.OpIssue, liquidation.OpCage, surplus.OpCage, pricefeed.OpCage)

	require.NoError(t, vat.Init(gov, ethA))
	require.NoError(t, vat.File(gov, ledger.ParamLine, fixed.Rad(1000)))
	require.NoError(t, vat.FileIlk(gov, ethA, ledger.IlkLine, fixed.Rad(1000)))
	require.NoError(t, vat.FileIlk(gov, ethA, ledger.IlkSpot, fixed.Ray(3)))
	for usr, ink := range map[model.Address]int64{alice: 10, bob: 5} {
		require.NoError(t, vat.ModifyCollateralBalance(gov, ethA, usr, fixed.Wad(ink)))
		require.NoError(t, vat.ModifyPosition(usr, ethA, usr, usr, usr, fixed.Wad(ink), fixed.Wad(15)))
	}
	return &system{clk: clk, reg: reg, vat: vat, dog: dog, vow: vow, spot: spot, pip: pip, end: e}
}

func TestGlobalSettlement(t *testing.T) {
	s := newSystem(t)
	e := s.end

	require.ErrorIs(t, e.CageIlk(ethA), ErrStillLive)
	require.ErrorIs(t, e.Cage(alice), auth.ErrNotAuthorized)
	require.NoError(t, e.Cage(gov))
	assert.Equal(t, PhaseCaged, e.Phase())
	assert.False(t, s.vat.Live())
	assert.False(t, s.dog.Live())
	assert.False(t, s.vow.Live())
	assert.False(t, s.spot.Live())
	require.ErrorIs(t, e.Cage(gov), ErrNotLive)

	require.ErrorIs(t, e.CageIlk(ethA), ErrInvalidPrice)
	s.pip.Poke(fixed.Wad(2))
	require.NoError(t, e.CageIlk(ethA))
	require.ErrorIs(t, e.CageIlk(ethA), ErrTagAlreadyDefined)
	assert.True(t, e.Tag(ethA).Eq(fixed.MustParse("0.5", fixed.RayDecimals)))
	assert.True(t, e.Art(ethA).Eq(fixed.Wad(30)))
	assert.Equal(t, IlkPriceLocked, e.IlkPhase(ethA))

	require.ErrorIs(t, e.Free(alice, ethA), ErrArtNotZero)

	// alice owes 7.5 ETH and keeps 2.5; bob owes 7.5 but only has 5.
	require.NoError(t, e.Skim(ethA, alice))
	require.NoError(t, e.Skim(ethA, bob))
	assert.True(t, e.Gap(ethA).Eq(fixed.MustParse("2.5", fixed.WadDecimals)))
	assert.True(t, s.vat.Gem(ethA, end).Eq(fixed.MustParse("12.5", fixed.WadDecimals)))
	assert.True(t, s.vat.Sin("vow").Eq(fixed.Rad(30)))

	require.NoError(t, e.Free(alice, ethA))
	assert.True(t, s.vat.Gem(ethA, alice).Eq(fixed.MustParse("2.5", fixed.WadDecimals)))
	assert.True(t, s.vat.Urn(ethA, alice).Collateral.IsZero())

	require.ErrorIs(t, e.Flow(ethA), ErrDebtZero)
	require.ErrorIs(t, e.Pack(alice, fixed.Wad(1)), ErrDebtZero)

	s.clk.Warp(3599)
	require.ErrorIs(t, e.Thaw(), ErrWaitNotFinished)
	s.clk.Warp(1)
	require.NoError(t, e.Thaw())
	require.ErrorIs(t, e.Thaw(), ErrDebtNotZero)
	assert.Equal(t, PhaseThawed, e.Phase())
	assert.True(t, e.Debt().Eq(fixed.Rad(30)))

	_, err := e.Cash(alice, ethA, fixed.Wad(1))
	require.ErrorIs(t, err, ErrFixNotDefined)
	require.NoError(t, e.Flow(ethA))
	require.ErrorIs(t, e.Flow(ethA), ErrFixAlreadyDefined)
	fix := fixed.MustParse("0.416666666666666666666666666", fixed.RayDecimals)
	assert.True(t, e.Fix(ethA).Eq(fix), "fix = (15 - 2.5) / 30, got %s", e.Fix(ethA))
	assert.Equal(t, IlkFixed, e.IlkPhase(ethA))

	require.ErrorIs(t, e.Pack(alice, fixed.Wad(15)), ledger.ErrNotAllowed)
	require.NoError(t, s.vat.Allow(alice, end))
	require.NoError(t, e.Pack(alice, fixed.Wad(15)))
	assert.True(t, e.Bag(alice).Eq(fixed.Wad(15)))
	assert.True(t, s.vat.Dai(alice).IsZero())

	want := uint256.MustFromDecimal("6249999999999999999")
	got, err := e.Cash(alice, ethA, fixed.Wad(15))
	require.NoError(t, err)
	assert.True(t, got.Eq(want), "got %s", got)
	wantExact, err := fixed.Rmul(fixed.Wad(15), e.Fix(ethA))
	require.NoError(t, err)
	assert.True(t, got.Eq(wantExact))
	assert.True(t, s.vat.Gem(ethA, alice).Eq(new(uint256.Int).Add(fixed.MustParse("2.5", fixed.WadDecimals), want)))

	_, err = e.Cash(alice, ethA, fixed.Wad(1))
	require.ErrorIs(t, err, ErrInsufficientBag)
	assert.True(t, e.Out(ethA, alice).Eq(fixed.Wad(15)))

	require.NoError(t, s.vat.Allow(bob, end))
	require.NoError(t, e.Pack(bob, fixed.Wad(15)))
	got, err = e.Cash(bob, ethA, fixed.Wad(15))
	require.NoError(t, err)
	assert.True(t, got.Eq(want))
	assert.True(t, s.vat.Gem(ethA, end).Eq(uint256.NewInt(2)), "only rounding dust stays behind")
}

func TestSnipReturnsAuctionToPosition(t *testing.T) {
	s := newSystem(t)
	e := s.end

	clip := &fakeClip{addr: "clip", ilk: ethA, ledger: s.vat, sales: make(map[uint64]auction.Sale)}
	require.NoError(t, s.dog.SetAuctioneer(gov, ethA, clip))

	neg := func(v int64) *uint256.Int {
		n, err := fixed.Neg(fixed.Wad(v))
		require.NoError(t, err)
		return n
	}
	require.NoError(t, s.vat.Seize(gov, ethA, bob, "clip", "vow", neg(5), neg(15)))
	tab := fixed.MustParse("16.5", fixed.RadDecimals)
	clip.sales[1] = auction.Sale{Tab: tab, Lot: fixed.Wad(5), Usr: bob}

	require.NoError(t, e.Cage(gov))
	require.ErrorIs(t, e.Snip(ethA, 1), ErrTagNotDefined)
	s.pip.Poke(fixed.Wad(2))
	require.NoError(t, e.CageIlk(ethA))
	require.ErrorIs(t, e.Snip(ethA, 2), auction.ErrNotRunning)
	require.NoError(t, e.Snip(ethA, 1))

	urn := s.vat.Urn(ethA, bob)
	assert.True(t, urn.Collateral.Eq(fixed.Wad(5)))
	assert.True(t, urn.NormalizedDebt.Eq(fixed.MustParse("16.5", fixed.WadDecimals)))
	assert.True(t, e.Art(ethA).Eq(fixed.MustParse("31.5", fixed.WadDecimals)))
	assert.True(t, s.vat.Gem(ethA, "clip").IsZero())
	assert.Empty(t, clip.sales)

	require.NoError(t, e.Skim(ethA, alice))
	require.NoError(t, e.Skim(ethA, bob))
	s.clk.Warp(3600)
	require.ErrorIs(t, e.Thaw(), ErrSurplusNotZero)
	require.NoError(t, s.vow.Heal(tab))
	require.NoError(t, e.Thaw())
}

func TestSkimRevertsAtomically(t *testing.T) {
	s := newSystem(t)
	e := s.end
	require.NoError(t, e.Cage(gov))
	s.pip.Poke(fixed.Wad(2))
	require.NoError(t, e.CageIlk(ethA))

	s.reg.Revoke(end, ledger.OpSeize)
	require.ErrorIs(t, e.Skim(ethA, bob), auth.ErrNotAuthorized)
	assert.True(t, e.Gap(ethA).IsZero(), "gap must not survive a failed skim")
	assert.True(t, s.vat.Urn(ethA, bob).NormalizedDebt.Eq(fixed.Wad(15)))

	s.reg.Grant(end, ledger.OpSeize)
	require.NoError(t, e.Skim(ethA, bob))
	assert.True(t, e.Gap(ethA).Eq(fixed.MustParse("2.5", fixed.WadDecimals)))
}

func TestFileWait(t *testing.T) {
	s := newSystem(t)
	e := s.end
	require.NoError(t, e.File(gov, ParamWait, uint256.NewInt(60)))
	assert.Equal(t, uint64(60), e.Wait())
	require.ErrorIs(t, e.File(gov, Param(99), uint256.NewInt(1)), ErrUnrecognizedParam)
	require.ErrorIs(t, e.File(alice, ParamWait, uint256.NewInt(1)), auth.ErrNotAuthorized)
	require.NoError(t, e.Cage(gov))
	require.ErrorIs(t, e.File(gov, ParamWait, uint256.NewInt(1)), ErrNotLive)
}
