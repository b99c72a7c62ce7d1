package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/cdp-engine/internal/model"
)

type posID struct {
	ilk   model.Ilk
	owner model.Address
}

type auctionRef struct {
	ilk model.Ilk
	id  uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	events    []model.Event
	eventIDs  map[string]struct{}
	positions map[posID]model.PositionView
	auctions  map[auctionRef]model.AuctionView
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		eventIDs:  make(map[string]struct{}),
		positions: make(map[posID]model.PositionView),
		auctions:  make(map[auctionRef]model.AuctionView),
	}
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.eventIDs[ev.ID]; ok {
		return fmt.Errorf("event %s already exists", ev.ID)
	}
	// Fields is shared with the caller otherwise.
	cp := *ev
	if ev.Fields != nil {
		cp.Fields = make(map[string]string, len(ev.Fields))
		for k, v := range ev.Fields {
			cp.Fields[k] = v
		}
	}
	s.events = append(s.events, cp)
	s.eventIDs[cp.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return tail(s.events, limit, func(model.Event) bool { return true }), nil
}

func (s *MemoryStore) ListEventsByIlk(_ context.Context, ilk model.Ilk, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return tail(s.events, limit, func(ev model.Event) bool { return ev.Ilk == ilk }), nil
}

// tail returns the last limit events matching keep, oldest first.
func tail(events []model.Event, limit int, keep func(model.Event) bool) []model.Event {
	var out []model.Event
	for i := len(events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if keep(events[i]) {
			out = append(out, events[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.PositionView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[posID{p.Ilk, p.Owner}] = *p
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, ilk model.Ilk, owner model.Address) (*model.PositionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posID{ilk, owner}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", ilk, owner, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, ilk model.Ilk) ([]model.PositionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PositionView
	for k, p := range s.positions {
		if k.ilk == ilk {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Owner < out[b].Owner })
	return out, nil
}

func (s *MemoryStore) UpsertAuction(_ context.Context, a *model.AuctionView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auctions[auctionRef{a.Ilk, a.ID}] = *a
	return nil
}

func (s *MemoryStore) DeleteAuction(_ context.Context, ilk model.Ilk, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.auctions, auctionRef{ilk, id})
	return nil
}

func (s *MemoryStore) ListAuctions(_ context.Context, ilk model.Ilk) ([]model.AuctionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuctionView
	for k, a := range s.auctions {
		if k.ilk == ilk {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}
