package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/model"
)

func TestMemoryStore_Events(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i, ev := range []model.Event{
		{ID: "1", Kind: "frob", Ilk: "ETH-A"},
		{ID: "2", Kind: "frob", Ilk: "WBTC-A"},
		{ID: "3", Kind: "bark", Ilk: "ETH-A", Fields: map[string]string{"tab": "10"}},
		{ID: "4", Kind: "thaw"},
	} {
		ev.Time = uint64(i)
		if err := s.InsertEvent(ctx, &ev); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
	if err := s.InsertEvent(ctx, &model.Event{ID: "1"}); err == nil {
		t.Fatal("expected duplicate id to fail")
	}

	all, _ := s.ListEvents(ctx, 0)
	if len(all) != 4 || all[0].ID != "1" || all[3].ID != "4" {
		t.Fatalf("ListEvents(0) = %+v", all)
	}
	recent, _ := s.ListEvents(ctx, 2)
	if len(recent) != 2 || recent[0].ID != "3" || recent[1].ID != "4" {
		t.Fatalf("ListEvents(2) = %+v", recent)
	}
	eth, _ := s.ListEventsByIlk(ctx, "ETH-A", 0)
	if len(eth) != 2 || eth[1].Fields["tab"] != "10" {
		t.Fatalf("ListEventsByIlk = %+v", eth)
	}
	last, _ := s.ListEventsByIlk(ctx, "ETH-A", 1)
	if len(last) != 1 || last[0].ID != "3" {
		t.Fatalf("ListEventsByIlk(1) = %+v", last)
	}
}

func TestMemoryStore_DuplicateIDsInLargeLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const n = 5000
	for i := 0; i < n; i++ {
		if err := s.InsertEvent(ctx, &model.Event{ID: strconv.Itoa(i), Kind: "drip"}); err != nil {
			t.Fatalf("InsertEvent(%d): %v", i, err)
		}
	}
	for _, id := range []string{"0", "2500", strconv.Itoa(n - 1)} {
		if err := s.InsertEvent(ctx, &model.Event{ID: id}); err == nil {
			t.Errorf("expected duplicate id %s to fail", id)
		}
	}
	if err := s.InsertEvent(ctx, &model.Event{ID: strconv.Itoa(n)}); err != nil {
		t.Fatalf("InsertEvent(new): %v", err)
	}
	all, _ := s.ListEvents(ctx, 0)
	if len(all) != n+1 {
		t.Fatalf("len = %d, want %d", len(all), n+1)
	}
}

func TestMemoryStore_EventFieldsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ev := model.Event{ID: "1", Fields: map[string]string{"wad": "1"}}
	if err := s.InsertEvent(ctx, &ev); err != nil {
		t.Fatal(err)
	}
	ev.Fields["wad"] = "2"

	got, _ := s.ListEvents(ctx, 0)
	if got[0].Fields["wad"] != "1" {
		t.Errorf("stored event mutated: %v", got[0].Fields)
	}
}

func TestMemoryStore_Positions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetPosition(ctx, "ETH-A", "bob")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPosition on empty store: %v", err)
	}

	now := time.Unix(1_000_000, 0).UTC()
	for _, owner := range []model.Address{"carol", "bob"} {
		p := model.PositionView{Ilk: "ETH-A", Owner: owner, Collateral: decimal.NewFromInt(10), UpdatedAt: now}
		if err := s.UpsertPosition(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}
	update := model.PositionView{Ilk: "ETH-A", Owner: "bob", Collateral: decimal.NewFromInt(4), UpdatedAt: now}
	if err := s.UpsertPosition(ctx, &update); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPosition(ctx, "ETH-A", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Collateral.Equal(decimal.NewFromInt(4)) {
		t.Errorf("collateral = %s, want 4", got.Collateral)
	}

	list, _ := s.ListPositions(ctx, "ETH-A")
	if len(list) != 2 || list[0].Owner != "bob" || list[1].Owner != "carol" {
		t.Fatalf("ListPositions = %+v", list)
	}
	if other, _ := s.ListPositions(ctx, "WBTC-A"); len(other) != 0 {
		t.Errorf("ListPositions(WBTC-A) = %+v", other)
	}
}

func TestMemoryStore_Auctions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []uint64{3, 1, 2} {
		a := model.AuctionView{Ilk: "ETH-A", ID: id, Lot: decimal.NewFromInt(int64(id))}
		if err := s.UpsertAuction(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpsertAuction(ctx, &model.AuctionView{Ilk: "WBTC-A", ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAuction(ctx, "ETH-A", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAuction(ctx, "ETH-A", 99); err != nil {
		t.Fatalf("deleting a missing auction: %v", err)
	}

	list, _ := s.ListAuctions(ctx, "ETH-A")
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 3 {
		t.Fatalf("ListAuctions = %+v", list)
	}
}

func TestCacheKeys(t *testing.T) {
	if got := positionKey("ETH-A", "bob"); got != "position:ETH-A:bob" {
		t.Errorf("positionKey = %q", got)
	}
	if got := auctionsKey("ETH-A"); got != "auctions:ETH-A" {
		t.Errorf("auctionsKey = %q", got)
	}
	if nullLimit(0) != nil || *nullLimit(5) != 5 {
		t.Error("nullLimit")
	}
}
