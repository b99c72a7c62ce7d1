package accrual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/ledger"
	"github.com/atmx/cdp-engine/internal/model"
)

const (
	gov   model.Address = "gov"
	alice model.Address = "alice"
	vow   model.Address = "vow"
	ethA  model.Ilk     = "ETH-A"
)

type fixture struct {
	clk *clock.Manual
	vat *ledger.Ledger
	jug *Accrual
}

func setup(t *testing.T) fixture {
	t.Helper()
	j := journal.New()
	clk := clock.NewManual(1000)
	reg := auth.NewRegistry(gov)
	vat := ledger.New("vat", reg, j, clk)
	jug := New("jug", reg, j, clk, vat)
	reg.Grant("jug", ledger.OpApplyRate)

	require.NoError(t, vat.Init(gov, ethA))
	require.NoError(t, vat.File(gov, ledger.ParamLine, fixed.Rad(1000)))
	require.NoError(t, vat.FileIlk(gov, ethA, ledger.IlkLine, fixed.Rad(1000)))
	require.NoError(t, vat.FileIlk(gov, ethA, ledger.IlkSpot, fixed.Ray(2)))
	require.NoError(t, vat.ModifyCollateralBalance(gov, ethA, alice, fixed.Wad(100)))
	require.NoError(t, vat.ModifyPosition(alice, ethA, alice, alice, alice, fixed.Wad(100), fixed.Wad(150)))

	require.NoError(t, jug.Init(gov, ethA))
	require.NoError(t, jug.SetVow(gov, vow))
	return fixture{clk: clk, vat: vat, jug: jug}
}

func TestDrip_Compounds(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.jug.SetDuty(gov, ethA, fixed.MustParse("1.1", fixed.RayDecimals)))

	f.clk.Warp(1)
	rate, err := f.jug.Drip(ethA)
	require.NoError(t, err)
	assert.True(t, rate.Eq(fixed.MustParse("1.1", fixed.RayDecimals)))
	assert.True(t, f.vat.Dai(vow).Eq(fixed.Rad(15)))

	f.clk.Warp(2)
	rate, err = f.jug.Drip(ethA)
	require.NoError(t, err)
	assert.True(t, rate.Eq(fixed.MustParse("1.331", fixed.RayDecimals)))
	assert.True(t, f.vat.Dai(vow).Eq(fixed.MustParse("49.65", fixed.RadDecimals)))

	_, rho := f.jug.Duty(ethA)
	assert.Equal(t, uint64(1003), rho)
}

func TestDrip_BaseAddsToDuty(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.jug.File(gov, ParamBase, fixed.MustParse("0.05", fixed.RayDecimals)))

	f.clk.Warp(1)
	rate, err := f.jug.Drip(ethA)
	require.NoError(t, err)
	assert.True(t, rate.Eq(fixed.MustParse("1.05", fixed.RayDecimals)))
}

func TestDrip_SameTimestampIsNoop(t *testing.T) {
	f := setup(t)
	rate, err := f.jug.Drip(ethA)
	require.NoError(t, err)
	assert.True(t, rate.Eq(fixed.RAY))
	assert.True(t, f.vat.Dai(vow).IsZero())
}

func TestDrip_Errors(t *testing.T) {
	f := setup(t)

	_, err := f.jug.Drip("WBTC-A")
	require.ErrorIs(t, err, ErrNotInitialized)

	f.clk.Set(999)
	_, err = f.jug.Drip(ethA)
	require.ErrorIs(t, err, ErrInvalidNow)
}

func TestDrip_RevertsWhenLedgerRejects(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.jug.SetDuty(gov, ethA, fixed.MustParse("1.1", fixed.RayDecimals)))
	require.NoError(t, f.vat.Cage(gov))

	f.clk.Warp(5)
	_, err := f.jug.Drip(ethA)
	require.ErrorIs(t, err, ledger.ErrNotLive)

	_, rho := f.jug.Duty(ethA)
	assert.Equal(t, uint64(1000), rho, "rho must not move when the fold fails")
}

func TestSetDuty_RequiresFreshAccrual(t *testing.T) {
	f := setup(t)
	f.clk.Warp(10)

	err := f.jug.SetDuty(gov, ethA, fixed.RAY)
	require.ErrorIs(t, err, ErrRateNotDue)
	assert.Equal(t, model.KindSequencing, model.KindOf(err))

	_, err = f.jug.Drip(ethA)
	require.NoError(t, err)
	require.NoError(t, f.jug.SetDuty(gov, ethA, fixed.RAY))
}

func TestAdmin(t *testing.T) {
	f := setup(t)
	require.ErrorIs(t, f.jug.Init(gov, ethA), ErrAlreadyInitialized)
	require.ErrorIs(t, f.jug.Init(alice, "WBTC-A"), auth.ErrNotAuthorized)
	require.ErrorIs(t, f.jug.File(gov, Param(7), fixed.Zero()), ErrUnrecognizedParam)
	require.ErrorIs(t, f.jug.SetVow(alice, alice), auth.ErrNotAuthorized)
	assert.Equal(t, vow, f.jug.Vow())
}
