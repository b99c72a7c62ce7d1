package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/cdp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the position and auction read models. Writes go to the primary
// store and refresh or invalidate the cache; the event log is not cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.PositionView) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, positionKey(p.Ilk, p.Owner), p)
	s.rdb.Del(ctx, positionsKey(p.Ilk))
	return nil
}

func (s *CachedStore) UpsertAuction(ctx context.Context, a *model.AuctionView) error {
	if err := s.primary.UpsertAuction(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionsKey(a.Ilk))
	return nil
}

func (s *CachedStore) DeleteAuction(ctx context.Context, ilk model.Ilk, id uint64) error {
	if err := s.primary.DeleteAuction(ctx, ilk, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionsKey(ilk))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, ilk model.Ilk, owner model.Address) (*model.PositionView, error) {
	var p model.PositionView
	if s.load(ctx, positionKey(ilk, owner), &p) {
		return &p, nil
	}

	pos, err := s.primary.GetPosition(ctx, ilk, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(ilk, owner), pos)
	return pos, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, ilk model.Ilk) ([]model.PositionView, error) {
	var positions []model.PositionView
	if s.load(ctx, positionsKey(ilk), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, ilk)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(ilk), positions)
	return positions, nil
}

func (s *CachedStore) ListAuctions(ctx context.Context, ilk model.Ilk) ([]model.AuctionView, error) {
	var auctions []model.AuctionView
	if s.load(ctx, auctionsKey(ilk), &auctions) {
		return auctions, nil
	}

	auctions, err := s.primary.ListAuctions(ctx, ilk)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, auctionsKey(ilk), auctions)
	return auctions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	return s.primary.InsertEvent(ctx, ev)
}

func (s *CachedStore) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, limit)
}

func (s *CachedStore) ListEventsByIlk(ctx context.Context, ilk model.Ilk, limit int) ([]model.Event, error) {
	return s.primary.ListEventsByIlk(ctx, ilk, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func positionKey(ilk model.Ilk, owner model.Address) string {
	return fmt.Sprintf("position:%s:%s", ilk, owner)
}
func positionsKey(ilk model.Ilk) string { return fmt.Sprintf("positions:%s", ilk) }
func auctionsKey(ilk model.Ilk) string  { return fmt.Sprintf("auctions:%s", ilk) }
