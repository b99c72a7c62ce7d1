// Package model defines the core domain types shared across the engine:
// account and collateral-type identifiers, committed events, and the
// read-model views the host persists.
// Read-model amounts use shopspring/decimal; the engine itself works in
// 256-bit fixed point (see package fixed).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address identifies an account or a component. The zero value is the null
// address.
type Address string

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool { return a == "" }

// Event is an immutable record of a committed state transition.
// Amount fields are rendered as decimal strings in human units.
type Event struct {
	ID        string            `json:"id" db:"id"`
	Kind      string            `json:"kind" db:"kind"`           // "bark", "kick", "take", ...
	Component string            `json:"component" db:"component"` // "ledger", "liquidation", "auction", ...
	Ilk       Ilk               `json:"ilk,omitempty" db:"ilk"`
	Account   Address           `json:"account,omitempty" db:"account"`
	AuctionID uint64            `json:"auction_id,omitempty" db:"auction_id"`
	Time      uint64            `json:"time" db:"time"` // engine clock, unix seconds
	Fields    map[string]string `json:"fields,omitempty" db:"fields"`
}

// PositionView is the read model of one position (vault).
type PositionView struct {
	Ilk            Ilk             `json:"ilk"`
	Owner          Address         `json:"owner"`
	Collateral     decimal.Decimal `json:"collateral"`      // ink
	NormalizedDebt decimal.Decimal `json:"normalized_debt"` // art
	Debt           decimal.Decimal `json:"debt"`            // art * rate
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AuctionView is the read model of one running collateral auction.
type AuctionView struct {
	Ilk       Ilk             `json:"ilk"`
	ID        uint64          `json:"id"`
	Tab       decimal.Decimal `json:"tab"` // debt still to raise
	Lot       decimal.Decimal `json:"lot"` // collateral for sale
	Owner     Address         `json:"owner"`
	Top       decimal.Decimal `json:"top"` // starting price
	Started   uint64          `json:"started"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IlkView summarises one collateral type.
type IlkView struct {
	Ilk            Ilk             `json:"ilk"`
	NormalizedDebt decimal.Decimal `json:"normalized_debt"`
	Rate           decimal.Decimal `json:"rate"`
	SafetyPrice    decimal.Decimal `json:"safety_price"`
	DebtCeiling    decimal.Decimal `json:"debt_ceiling"`
	DebtFloor      decimal.Decimal `json:"debt_floor"`
}
