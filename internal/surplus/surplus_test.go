package surplus

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/auth"
	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/debtauction"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/ledger"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/surplusauction"
	"github.com/atmx/cdp-engine/internal/token"
)

const (
	gov   model.Address = "gov"
	alice model.Address = "alice"
	sys   model.Address = "sys"
)

type books struct {
	clk  *clock.Manual
	vat  *ledger.Ledger
	vow  *Vow
	mkr  *token.Token
	flap *surplusauction.Auction
	flop *debtauction.Auction
}

func newBooks(t *testing.T) *books {
	t.Helper()
	j := journal.New()
	reg := auth.NewRegistry(gov)
	clk := clock.NewManual(1000)

	vat := ledger.New("vat", reg, j, clk)
	vow := New("vow", reg, j, clk, vat)
	mkr := token.New("mkr", "MKR", reg, j)
	flap := surplusauction.New("flap", reg, j, clk, vat, mkr)
	flop := debtauction.New("flop", reg, j, clk, vat, mkr, vow)

	reg.Grant("vow", surplusauction.OpKick, surplusauction.OpCage, debtauction.OpKick, debtauction.OpCage)
	require.NoError(t, vow.SetSurplusAuction(gov, flap))
	require.NoError(t, vow.SetDebtAuction(gov, flop))
	return &books{clk: clk, vat: vat, vow: vow, mkr: mkr, flap: flap, flop: flop}
}

// debt books rad of unbacked debt on the vow.
func (b *books) debt(t *testing.T, rad int64) {
	t.Helper()
	require.NoError(t, b.vat.IssueUnbacked(gov, "vow", sys, fixed.Rad(rad)))
}

// surplus books rad of credit on the vow.
func (b *books) surplus(t *testing.T, rad int64) {
	t.Helper()
	require.NoError(t, b.vat.IssueUnbacked(gov, sys, "vow", fixed.Rad(rad)))
}

func TestFessAndFlog(t *testing.T) {
	b := newBooks(t)
	require.NoError(t, b.vow.File(gov, ParamWait, uint256.NewInt(3600)))

	require.ErrorIs(t, b.vow.Fess(alice, fixed.Rad(1)), auth.ErrNotAuthorized)
	require.NoError(t, b.vow.Fess(gov, fixed.Rad(60)))
	require.NoError(t, b.vow.Fess(gov, fixed.Rad(40)))
	assert.True(t, b.vow.Queued(1000).Eq(fixed.Rad(100)))
	assert.True(t, b.vow.QueuedDebt().Eq(fixed.Rad(100)))

	b.clk.Warp(3599)
	require.ErrorIs(t, b.vow.Flog(1000), ErrWaitNotFinished)
	b.clk.Warp(1)
	require.NoError(t, b.vow.Flog(1000))
	assert.True(t, b.vow.QueuedDebt().IsZero())
	assert.True(t, b.vow.Queued(1000).IsZero())

	// an empty era releases nothing
	require.NoError(t, b.vow.Flog(10))
	assert.True(t, b.vow.QueuedDebt().IsZero())
}

func TestHeal(t *testing.T) {
	b := newBooks(t)
	b.debt(t, 100)
	b.surplus(t, 50)
	require.NoError(t, b.vow.Fess(gov, fixed.Rad(60)))

	require.ErrorIs(t, b.vow.Heal(fixed.Rad(51)), ErrInsufficientSurplus)
	require.ErrorIs(t, b.vow.Heal(fixed.Rad(45)), ErrInsufficientDebt, "only 40 is neither queued nor on auction")

	require.NoError(t, b.vow.Heal(fixed.Rad(40)))
	assert.True(t, b.vat.Sin("vow").Eq(fixed.Rad(60)))
	assert.True(t, b.vat.Dai("vow").Eq(fixed.Rad(10)))
	assert.True(t, b.vat.Debt().Eq(fixed.Rad(110)))
	assert.True(t, b.vat.Vice().Eq(fixed.Rad(110)))
}

func TestKiss_BoundedByAsh(t *testing.T) {
	b := newBooks(t)
	b.surplus(t, 10)
	require.ErrorIs(t, b.vow.Kiss(fixed.Rad(1)), ErrInsufficientOnAuction)
}

func TestFlap(t *testing.T) {
	b := newBooks(t)
	require.NoError(t, b.vow.File(gov, ParamBump, fixed.Rad(40)))
	require.NoError(t, b.vow.File(gov, ParamHump, fixed.Rad(50)))
	b.surplus(t, 89)

	_, err := b.vow.Flap()
	require.ErrorIs(t, err, ErrInsufficientSurplus)

	b.surplus(t, 1)
	id, err := b.vow.Flap()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.True(t, b.vat.Dai("flap").Eq(fixed.Rad(40)))
	assert.True(t, b.vat.Dai("vow").Eq(fixed.Rad(50)))

	bid, ok := b.flap.Bid(id)
	require.True(t, ok)
	assert.True(t, bid.Lot.Eq(fixed.Rad(40)))
	assert.True(t, bid.Bid.IsZero())
	assert.Equal(t, model.Address("vow"), bid.Guy)
}

func TestFlap_RequiresNoFreeDebt(t *testing.T) {
	b := newBooks(t)
	require.NoError(t, b.vow.File(gov, ParamBump, fixed.Rad(10)))
	b.surplus(t, 100)
	b.debt(t, 5)

	_, err := b.vow.Flap()
	require.ErrorIs(t, err, ErrDebtNotZero)
}

func TestFlop(t *testing.T) {
	b := newBooks(t)
	require.NoError(t, b.vow.File(gov, ParamSump, fixed.Rad(20)))
	require.NoError(t, b.vow.File(gov, ParamDump, fixed.Wad(200)))
	b.debt(t, 30)

	id, err := b.vow.Flop()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.True(t, b.vow.Ash().Eq(fixed.Rad(20)))

	bid, ok := b.flop.Bid(id)
	require.True(t, ok)
	assert.True(t, bid.Lot.Eq(fixed.Wad(200)))
	assert.True(t, bid.Bid.Eq(fixed.Rad(20)))
	assert.Equal(t, model.Address("vow"), bid.Guy)

	// 10 of free debt left, below sump
	_, err = b.vow.Flop()
	require.ErrorIs(t, err, ErrInsufficientDebt)

	b.debt(t, 30)
	b.surplus(t, 1)
	_, err = b.vow.Flop()
	require.ErrorIs(t, err, ErrSurplusNotZero)
}

func TestFlop_NoAuctionHouse(t *testing.T) {
	j := journal.New()
	reg := auth.NewRegistry(gov)
	clk := clock.NewManual(1000)
	vow := New("vow", reg, j, clk, ledger.New("vat", reg, j, clk))

	_, err := vow.Flop()
	require.ErrorIs(t, err, ErrNoAuctionHouse)
	_, err = vow.Flap()
	require.ErrorIs(t, err, ErrNoAuctionHouse)
}

func TestCage(t *testing.T) {
	b := newBooks(t)
	b.debt(t, 100)
	b.surplus(t, 30)
	require.NoError(t, b.vat.IssueUnbacked(gov, sys, "flap", fixed.Rad(40)))
	require.NoError(t, b.vow.Fess(gov, fixed.Rad(50)))

	require.ErrorIs(t, b.vow.Cage(alice), auth.ErrNotAuthorized)
	require.NoError(t, b.vow.Cage(gov))

	assert.False(t, b.vow.Live())
	assert.False(t, b.flap.Live())
	assert.False(t, b.flop.Live())
	assert.True(t, b.vow.QueuedDebt().IsZero())
	assert.True(t, b.vow.Ash().IsZero())
	assert.True(t, b.vat.Dai("flap").IsZero())
	assert.True(t, b.vat.Dai("vow").IsZero())
	assert.True(t, b.vat.Sin("vow").Eq(fixed.Rad(30)))

	require.ErrorIs(t, b.vow.Cage(gov), ErrNotLive)
}

func TestFile(t *testing.T) {
	b := newBooks(t)
	require.ErrorIs(t, b.vow.File(alice, ParamBump, fixed.Rad(1)), auth.ErrNotAuthorized)
	require.ErrorIs(t, b.vow.File(gov, Param(9), fixed.Rad(1)), ErrUnrecognizedParam)
	require.ErrorIs(t, b.vow.File(gov, ParamWait, fixed.Rad(1)), ErrInvalidValue)
	require.ErrorIs(t, b.vow.SetDebtAuction(alice, b.flop), auth.ErrNotAuthorized)
}

func TestSetSurplusAuction_MovesAllowance(t *testing.T) {
	b := newBooks(t)
	assert.True(t, b.vat.CanModify("vow", "flap"))

	j := journal.New()
	other := surplusauction.New("flap2", auth.NewRegistry(gov), j, b.clk, b.vat, b.mkr)
	require.NoError(t, b.vow.SetSurplusAuction(gov, other))
	assert.False(t, b.vat.CanModify("vow", "flap"))
	assert.True(t, b.vat.CanModify("vow", "flap2"))
}
