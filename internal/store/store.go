// Package store defines the persistence interface for the keeper host.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/cdp-engine/internal/model"
)

// ErrNotFound is returned when a read model row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The event log is append-only; the
// position and auction tables are read models rebuilt from engine state
// after every committed transaction.
type Store interface {
	// --- Event log ---

	// InsertEvent appends a committed event.
	InsertEvent(ctx context.Context, ev *model.Event) error

	// ListEvents returns the most recent limit events in commit order.
	// A limit of zero returns all of them.
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)

	// ListEventsByIlk is ListEvents restricted to one collateral type.
	ListEventsByIlk(ctx context.Context, ilk model.Ilk, limit int) ([]model.Event, error)

	// --- Positions ---

	// UpsertPosition stores the latest view of a position.
	UpsertPosition(ctx context.Context, p *model.PositionView) error

	// GetPosition returns the position of owner in ilk.
	GetPosition(ctx context.Context, ilk model.Ilk, owner model.Address) (*model.PositionView, error)

	// ListPositions returns every position in ilk ordered by owner.
	ListPositions(ctx context.Context, ilk model.Ilk) ([]model.PositionView, error)

	// --- Auctions ---

	// UpsertAuction stores the latest view of a running auction.
	UpsertAuction(ctx context.Context, a *model.AuctionView) error

	// DeleteAuction removes a finished auction. Missing rows are ignored.
	DeleteAuction(ctx context.Context, ilk model.Ilk, id uint64) error

	// ListAuctions returns the running auctions of ilk ordered by id.
	ListAuctions(ctx context.Context, ilk model.Ilk) ([]model.AuctionView, error)
}
