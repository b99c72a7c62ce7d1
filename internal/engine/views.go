package engine

import (
	"time"

	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/journal"
	"github.com/atmx/cdp-engine/internal/model"
)

// Subscribe registers a sink for committed events.
func (e *Engine) Subscribe(s journal.Sink) { e.Journal.Subscribe(s) }

func (e *Engine) now() time.Time { return time.Unix(int64(e.Clock.Now()), 0).UTC() }

// Position returns the read model of u's position in ilk i.
func (e *Engine) Position(i model.Ilk, u model.Address) model.PositionView {
	urn := e.Vat.Urn(i, u)
	rate := fixed.RAY
	if ilk, ok := e.Vat.Ilk(i); ok {
		rate = ilk.Rate
	}
	debt, err := fixed.Mul(urn.NormalizedDebt, rate)
	if err != nil {
		debt = fixed.Zero()
	}
	return model.PositionView{
		Ilk:            i,
		Owner:          u,
		Collateral:     fixed.ToDecimal(urn.Collateral, fixed.WadDecimals),
		NormalizedDebt: fixed.ToDecimal(urn.NormalizedDebt, fixed.WadDecimals),
		Debt:           fixed.ToDecimal(debt, fixed.RadDecimals),
		UpdatedAt:      e.now(),
	}
}

// Positions returns the non-empty positions in ilk i.
func (e *Engine) Positions(i model.Ilk) []model.PositionView {
	owners := e.Vat.Owners(i)
	out := make([]model.PositionView, 0, len(owners))
	for _, u := range owners {
		out = append(out, e.Position(i, u))
	}
	return out
}

// Auctions returns the running collateral auctions of ilk i.
func (e *Engine) Auctions(i model.Ilk) []model.AuctionView {
	c, ok := e.ilks[i]
	if !ok {
		return nil
	}
	ids := c.Clip.List()
	out := make([]model.AuctionView, 0, len(ids))
	for _, id := range ids {
		if v, ok := e.Auction(i, id); ok {
			out = append(out, v)
		}
	}
	return out
}

// Auction returns the read model of auction id of ilk i.
func (e *Engine) Auction(i model.Ilk, id uint64) (model.AuctionView, bool) {
	c, ok := e.ilks[i]
	if !ok {
		return model.AuctionView{}, false
	}
	sale, ok := c.Clip.Sale(id)
	if !ok {
		return model.AuctionView{}, false
	}
	return model.AuctionView{
		Ilk:       i,
		ID:        id,
		Tab:       fixed.ToDecimal(sale.Tab, fixed.RadDecimals),
		Lot:       fixed.ToDecimal(sale.Lot, fixed.WadDecimals),
		Owner:     sale.Usr,
		Top:       fixed.ToDecimal(sale.Top, fixed.RayDecimals),
		Started:   sale.Tic,
		UpdatedAt: e.now(),
	}, true
}

// IlkView summarises collateral type i.
func (e *Engine) IlkView(i model.Ilk) (model.IlkView, bool) {
	ilk, ok := e.Vat.Ilk(i)
	if !ok {
		return model.IlkView{}, false
	}
	return model.IlkView{
		Ilk:            i,
		NormalizedDebt: fixed.ToDecimal(ilk.NormalizedDebt, fixed.WadDecimals),
		Rate:           fixed.ToDecimal(ilk.Rate, fixed.RayDecimals),
		SafetyPrice:    fixed.ToDecimal(ilk.SafetyPrice, fixed.RayDecimals),
		DebtCeiling:    fixed.ToDecimal(ilk.DebtCeiling, fixed.RadDecimals),
		DebtFloor:      fixed.ToDecimal(ilk.DebtFloor, fixed.RadDecimals),
	}, true
}

// Unsafe reports whether u's position in ilk i can be liquidated.
func (e *Engine) Unsafe(i model.Ilk, u model.Address) bool {
	ilk, ok := e.Vat.Ilk(i)
	if !ok {
		return false
	}
	urn := e.Vat.Urn(i, u)
	tab, err := fixed.Mul(urn.NormalizedDebt, ilk.Rate)
	if err != nil {
		return true
	}
	limit, err := fixed.Mul(urn.Collateral, ilk.SafetyPrice)
	if err != nil {
		return false
	}
	return limit.Lt(tab)
}

// UnsafePositions lists the liquidatable owners of ilk i.
func (e *Engine) UnsafePositions(i model.Ilk) []model.Address {
	var out []model.Address
	for _, u := range e.Vat.Owners(i) {
		if e.Unsafe(i, u) {
			out = append(out, u)
		}
	}
	return out
}
