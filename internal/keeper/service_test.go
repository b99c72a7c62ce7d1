package keeper_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/clock"
	"github.com/atmx/cdp-engine/internal/config"
	"github.com/atmx/cdp-engine/internal/engine"
	"github.com/atmx/cdp-engine/internal/keeper"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/store"
)

const admin model.Address = "admin"

type testEnv struct {
	eng    *engine.Engine
	clk    *clock.Manual
	store  *store.MemoryStore
	router chi.Router
}

// newTestEnv creates a keeper over the default deployment with an
// in-memory store and chi router.
func newTestEnv(t *testing.T, hub *keeper.WSHub) *testEnv {
	t.Helper()
	clk := clock.NewManual(1_000_000)
	eng, err := engine.New(config.Default(), admin, clk)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ms := store.NewMemoryStore()
	svc := keeper.NewService(eng, ms, hub)
	if err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{eng: eng, clk: clk, store: ms, router: r}
}

// seedCollateral mints amount of collateral tokens to usr and joins them,
// all through the API.
func (e *testEnv) seedCollateral(t *testing.T, i model.Ilk, usr model.Address, amount int64) {
	t.Helper()
	amt := decimal.NewFromInt(amount)
	w := e.do(t, "POST", "/api/v1/ilks/"+string(i)+"/mint", keeper.MintRequest{Caller: admin, User: usr, Amount: amt})
	if w.Code != http.StatusOK {
		t.Fatalf("mint: %d %s", w.Code, w.Body.String())
	}
	w = e.do(t, "POST", "/api/v1/positions/"+string(i)+"/join", keeper.AmountRequest{User: usr, Amount: amt})
	if w.Code != http.StatusOK {
		t.Fatalf("join: %d %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) frob(t *testing.T, i model.Ilk, usr model.Address, dink, dart string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/positions/"+string(i)+"/frob", keeper.FrobRequest{
		User: usr,
		Dink: decimal.RequireFromString(dink),
		Dart: decimal.RequireFromString(dart),
	})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// --- Vault tests ---

func TestFrob_OpensPosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedCollateral(t, "ETH-A", "bob", 10)

	w := env.frob(t, "ETH-A", "bob", "10", "10000")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	pos := decode[model.PositionView](t, w)
	if pos.Debt.String() != "10000" || pos.Collateral.String() != "10" {
		t.Errorf("position = %+v", pos)
	}

	w = env.do(t, "GET", "/api/v1/positions/ETH-A/bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	stored := decode[model.PositionView](t, w)
	if !stored.NormalizedDebt.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("stored art = %s, want 10000", stored.NormalizedDebt)
	}

	list := decode[[]model.PositionView](t, env.do(t, "GET", "/api/v1/positions/ETH-A", nil))
	if len(list) != 1 || list[0].Owner != "bob" {
		t.Errorf("positions = %+v", list)
	}

	events := decode[[]model.Event](t, env.do(t, "GET", "/api/v1/events?ilk=ETH-A", nil))
	if len(events) == 0 || events[len(events)-1].Kind != "frob" || events[len(events)-1].ID == "" {
		t.Errorf("events = %+v", events)
	}
}

func TestFrob_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedCollateral(t, "ETH-A", "bob", 10)

	tests := []struct {
		name string
		ilk  model.Ilk
		dart string
		want int
	}{
		{"unsafe", "ETH-A", "14000", http.StatusConflict},
		{"dust", "ETH-A", "50", http.StatusConflict},
		{"too precise", "ETH-A", "0.0000000000000000001", http.StatusBadRequest},
		{"malformed ilk", "eth", "1000", http.StatusBadRequest},
		{"unknown ilk", "DOGE-A", "1000", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.frob(t, tt.ilk, "bob", "10", tt.dart)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	// Nothing committed, nothing persisted.
	if _, err := env.store.GetPosition(context.Background(), "ETH-A", "bob"); err == nil {
		t.Error("rejected frob left a stored position")
	}
}

func TestFrob_MissingUser(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.frob(t, "ETH-A", "", "1", "0")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestJoinExit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedCollateral(t, "ETH-A", "bob", 10)

	acct := decode[keeper.AccountView](t, env.do(t, "GET", "/api/v1/accounts/bob", nil))
	if !acct.Collateral["ETH-A"].Equal(decimal.NewFromInt(10)) || !acct.Tokens["ETH-A"].IsZero() {
		t.Fatalf("after join = %+v", acct)
	}

	w := env.do(t, "POST", "/api/v1/positions/ETH-A/exit", keeper.AmountRequest{User: "bob", Amount: decimal.NewFromInt(4)})
	if w.Code != http.StatusOK {
		t.Fatalf("exit: %d %s", w.Code, w.Body.String())
	}
	acct = decode[keeper.AccountView](t, w)
	if !acct.Collateral["ETH-A"].Equal(decimal.NewFromInt(6)) || !acct.Tokens["ETH-A"].Equal(decimal.NewFromInt(4)) {
		t.Errorf("after exit = %+v", acct)
	}

	// More than the free balance is rejected and changes nothing.
	w = env.do(t, "POST", "/api/v1/positions/ETH-A/exit", keeper.AmountRequest{User: "bob", Amount: decimal.NewFromInt(7)})
	if w.Code != http.StatusConflict {
		t.Errorf("overdrawn exit: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	// Joining more tokens than held fails and leaves no allowance behind.
	w = env.do(t, "POST", "/api/v1/positions/ETH-A/join", keeper.AmountRequest{User: "bob", Amount: decimal.NewFromInt(5)})
	if w.Code != http.StatusConflict {
		t.Errorf("overdrawn join: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	c, _ := env.eng.Ilk("ETH-A")
	if a := c.Gem.Allowance("bob", engine.JoinAddr("ETH-A")); !a.IsZero() {
		t.Errorf("allowance left after failed join: %s", a)
	}

	w = env.do(t, "POST", "/api/v1/positions/ETH-A/join", keeper.AmountRequest{User: "bob", Amount: decimal.Zero})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero amount: expected 400, got %d", w.Code)
	}
}

func TestMint_RequiresTokenAuthority(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/api/v1/ilks/ETH-A/mint", keeper.MintRequest{Caller: "bob", User: "bob", Amount: decimal.NewFromInt(1)})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreditJoinExit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedCollateral(t, "ETH-A", "bob", 10)
	if w := env.frob(t, "ETH-A", "bob", "10", "1000"); w.Code != http.StatusOK {
		t.Fatalf("frob: %d %s", w.Code, w.Body.String())
	}
	exit := keeper.AmountRequest{User: "bob", Amount: decimal.NewFromInt(400)}

	if w := env.do(t, "POST", "/api/v1/credit/exit", exit); w.Code != http.StatusForbidden {
		t.Fatalf("exit without permission: expected 403, got %d: %s", w.Code, w.Body.String())
	}
	allow := keeper.PermissionRequest{User: "bob", Grantee: engine.DaiJoinAddr, Allow: true}
	if w := env.do(t, "POST", "/api/v1/permissions", allow); w.Code != http.StatusOK {
		t.Fatalf("permissions: %d %s", w.Code, w.Body.String())
	}
	w := env.do(t, "POST", "/api/v1/credit/exit", exit)
	if w.Code != http.StatusOK {
		t.Fatalf("credit exit: %d %s", w.Code, w.Body.String())
	}
	acct := decode[keeper.AccountView](t, w)
	if !acct.Credit.Equal(decimal.NewFromInt(600)) || !acct.CreditTokens.Equal(decimal.NewFromInt(400)) {
		t.Errorf("after credit exit = %+v", acct)
	}

	w = env.do(t, "POST", "/api/v1/credit/join", keeper.AmountRequest{User: "bob", Amount: decimal.NewFromInt(150)})
	if w.Code != http.StatusOK {
		t.Fatalf("credit join: %d %s", w.Code, w.Body.String())
	}
	acct = decode[keeper.AccountView](t, w)
	if !acct.Credit.Equal(decimal.NewFromInt(750)) || !acct.CreditTokens.Equal(decimal.NewFromInt(250)) {
		t.Errorf("after credit join = %+v", acct)
	}

	allow.Allow = false
	if w := env.do(t, "POST", "/api/v1/permissions", allow); w.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/credit/exit", exit); w.Code != http.StatusForbidden {
		t.Errorf("exit after revoke: expected 403, got %d", w.Code)
	}
}

// --- Rates and prices ---

func TestDrip(t *testing.T) {
	env := newTestEnv(t, nil)
	env.clk.Warp(365 * 24 * 3600)

	w := env.do(t, "POST", "/api/v1/ilks/ETH-A/drip", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[keeper.DripResponse](t, w)
	if rate := resp.Rate.InexactFloat64(); rate < 1.059 || rate > 1.061 {
		t.Errorf("rate after a year = %s, want about 1.06", resp.Rate)
	}

	ilk := decode[model.IlkView](t, env.do(t, "GET", "/api/v1/ilks/ETH-A", nil))
	if !ilk.Rate.Equal(resp.Rate) {
		t.Errorf("ilk rate = %s, want %s", ilk.Rate, resp.Rate)
	}
}

func TestDrip_RefreshesStoredDebt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedCollateral(t, "ETH-A", "bob", 10)
	if w := env.frob(t, "ETH-A", "bob", "10", "10000"); w.Code != http.StatusOK {
		t.Fatalf("frob: %d %s", w.Code, w.Body.String())
	}

	env.clk.Warp(365 * 24 * 3600)
	if w := env.do(t, "POST", "/api/v1/ilks/ETH-A/drip", nil); w.Code != http.StatusOK {
		t.Fatalf("drip: %d %s", w.Code, w.Body.String())
	}

	stored := decode[model.PositionView](t, env.do(t, "GET", "/api/v1/positions/ETH-A/bob", nil))
	want := env.eng.Position("ETH-A", "bob").Debt
	if !stored.Debt.Equal(want) {
		t.Errorf("stored debt = %s, engine debt = %s", stored.Debt, want)
	}
	if d := stored.Debt.InexactFloat64(); d < 10599 || d > 10601 {
		t.Errorf("debt after a year = %s, want about 10600", stored.Debt)
	}
	list := decode[[]model.PositionView](t, env.do(t, "GET", "/api/v1/positions/ETH-A", nil))
	if len(list) != 1 || !list[0].Debt.Equal(want) {
		t.Errorf("positions = %+v", list)
	}
}

func TestPoke(t *testing.T) {
	env := newTestEnv(t, nil)

	price := decimal.NewFromInt(3000)
	w := env.do(t, "POST", "/api/v1/ilks/ETH-A/poke", keeper.PokeRequest{Price: &price})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[keeper.PokeResponse](t, w)
	if resp.Price.String() != "3000" || resp.Spot.String() != "2000" {
		t.Errorf("poke = %+v, want price 3000 spot 2000", resp)
	}

	zero := decimal.Zero
	w = env.do(t, "POST", "/api/v1/ilks/ETH-A/poke", keeper.PokeRequest{Price: &zero})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero price: expected 400, got %d", w.Code)
	}

	// An empty body re-reads the current feed.
	w = env.do(t, "POST", "/api/v1/ilks/WBTC-A/poke", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ilks := decode[[]model.IlkView](t, env.do(t, "GET", "/api/v1/ilks", nil))
	if len(ilks) != 2 || ilks[0].Ilk != "ETH-A" || !ilks[0].SafetyPrice.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("ilks = %+v", ilks)
	}
}

// --- Liquidation tests ---

// liquidate opens bob's 10 ETH / 10000 position, drops the price to 1400
// and barks it. Tab is 11300, top 1680.
func liquidate(t *testing.T, env *testEnv) uint64 {
	t.Helper()
	env.seedCollateral(t, "ETH-A", "bob", 10)
	if w := env.frob(t, "ETH-A", "bob", "10", "10000"); w.Code != http.StatusOK {
		t.Fatalf("frob: %d %s", w.Code, w.Body.String())
	}
	price := decimal.NewFromInt(1400)
	if w := env.do(t, "POST", "/api/v1/ilks/ETH-A/poke", keeper.PokeRequest{Price: &price}); w.Code != http.StatusOK {
		t.Fatalf("poke: %d %s", w.Code, w.Body.String())
	}
	w := env.do(t, "POST", "/api/v1/liquidations", keeper.BarkRequest{Ilk: "ETH-A", Owner: "bob", Keeper: "kpr"})
	if w.Code != http.StatusCreated {
		t.Fatalf("bark: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[keeper.BarkResponse](t, w).AuctionID
}

func TestBark_StartsAuction(t *testing.T) {
	env := newTestEnv(t, nil)
	id := liquidate(t, env)
	if id != 1 {
		t.Fatalf("auction id = %d, want 1", id)
	}

	auctions := decode[[]model.AuctionView](t, env.do(t, "GET", "/api/v1/auctions/ETH-A", nil))
	if len(auctions) != 1 || auctions[0].Tab.String() != "11300" || auctions[0].Lot.String() != "10" {
		t.Fatalf("auctions = %+v", auctions)
	}

	status := decode[keeper.AuctionStatus](t, env.do(t, "GET", "/api/v1/auctions/ETH-A/1", nil))
	if status.NeedsRedo || status.Price.String() != "1680" {
		t.Errorf("status = %+v", status)
	}

	pos := decode[model.PositionView](t, env.do(t, "GET", "/api/v1/positions/ETH-A/bob", nil))
	if !pos.Collateral.IsZero() || !pos.Debt.IsZero() {
		t.Errorf("position after bark = %+v", pos)
	}

	if w := env.do(t, "GET", "/api/v1/auctions/ETH-A/7", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing auction: expected 404, got %d", w.Code)
	}
}

func TestBark_SafePosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedCollateral(t, "ETH-A", "bob", 10)
	env.frob(t, "ETH-A", "bob", "10", "1000")

	w := env.do(t, "POST", "/api/v1/liquidations", keeper.BarkRequest{Ilk: "ETH-A", Owner: "bob", Keeper: "kpr"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTake_SettlesAuction(t *testing.T) {
	env := newTestEnv(t, nil)
	id := liquidate(t, env)

	env.seedCollateral(t, "WBTC-A", "carol", 1)
	if w := env.frob(t, "WBTC-A", "carol", "1", "20000"); w.Code != http.StatusOK {
		t.Fatalf("frob: %d %s", w.Code, w.Body.String())
	}
	take := keeper.TakeRequest{User: "carol", Amount: decimal.NewFromInt(10), MaxPrice: decimal.NewFromInt(1680)}
	path := "/api/v1/auctions/ETH-A/1/take"

	// carol has not allowed the auctioneer to move her credit yet.
	if w := env.do(t, "POST", path, take); w.Code != http.StatusForbidden && w.Code != http.StatusConflict {
		t.Fatalf("take without allowance: got %d: %s", w.Code, w.Body.String())
	}

	allow := keeper.PermissionRequest{User: "carol", Grantee: engine.ClipAddr("ETH-A"), Allow: true}
	if w := env.do(t, "POST", "/api/v1/permissions", allow); w.Code != http.StatusOK {
		t.Fatalf("permissions: %d %s", w.Code, w.Body.String())
	}
	w := env.do(t, "POST", path, take)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[keeper.TakeResponse](t, w)
	if resp.Owe.String() != "11300" || resp.Price.String() != "1680" {
		t.Errorf("take = %+v", resp)
	}
	if got := resp.Slice.InexactFloat64(); got < 6.72 || got > 6.73 {
		t.Errorf("slice = %s, want about 6.726", resp.Slice)
	}

	auctions := decode[[]model.AuctionView](t, env.do(t, "GET", "/api/v1/auctions/ETH-A", nil))
	if len(auctions) != 0 {
		t.Errorf("auction %d still listed: %+v", id, auctions)
	}

	carol := decode[keeper.AccountView](t, env.do(t, "GET", "/api/v1/accounts/carol", nil))
	if got := carol.Collateral["ETH-A"].InexactFloat64(); got < 6.72 || got > 6.73 {
		t.Errorf("carol bought %s ETH, want about 6.726", carol.Collateral["ETH-A"])
	}
	if !carol.Credit.Equal(decimal.NewFromInt(8700)) {
		t.Errorf("carol credit = %s, want 8700", carol.Credit)
	}
	bob := decode[keeper.AccountView](t, env.do(t, "GET", "/api/v1/accounts/bob", nil))
	if total := bob.Collateral["ETH-A"].Add(carol.Collateral["ETH-A"]); !total.Equal(decimal.NewFromInt(10)) {
		t.Errorf("collateral after auction = %s, want 10", total)
	}
}

func TestRedo(t *testing.T) {
	env := newTestEnv(t, nil)
	liquidate(t, env)

	w := env.do(t, "POST", "/api/v1/auctions/ETH-A/1/redo", keeper.RedoRequest{Keeper: "kpr"})
	if w.Code != http.StatusConflict {
		t.Fatalf("early redo: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	env.clk.Warp(8401)
	status := decode[keeper.AuctionStatus](t, env.do(t, "GET", "/api/v1/auctions/ETH-A/1", nil))
	if !status.NeedsRedo {
		t.Fatalf("status after tail = %+v", status)
	}
	w = env.do(t, "POST", "/api/v1/auctions/ETH-A/1/redo", keeper.RedoRequest{Keeper: "kpr"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	view := decode[model.AuctionView](t, w)
	if view.Started != env.clk.Now() {
		t.Errorf("restarted at %d, want %d", view.Started, env.clk.Now())
	}

	if w := env.do(t, "POST", "/api/v1/auctions/ETH-A/x/redo", keeper.RedoRequest{Keeper: "kpr"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

// --- Queries ---

func TestListEvents_Limit(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		env.do(t, "POST", "/api/v1/ilks/ETH-A/poke", nil)
	}
	events := decode[[]model.Event](t, env.do(t, "GET", "/api/v1/events?limit=2", nil))
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
	if w := env.do(t, "GET", "/api/v1/events?limit=-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", w.Code)
	}
}

func TestSettlement(t *testing.T) {
	env := newTestEnv(t, nil)
	s := decode[keeper.Settlement](t, env.do(t, "GET", "/api/v1/settlement", nil))
	if s.Phase != "live" {
		t.Errorf("phase = %q, want live", s.Phase)
	}
}

// --- WebSocket ---

func TestWebSocket_StreamsEvents(t *testing.T) {
	hub := keeper.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	env := newTestEnv(t, hub)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(srv.URL+"/api/v1/ilks/ETH-A/poke", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg keeper.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "event" || msg.Event == nil || msg.Event.Kind != "poke" || msg.Event.Ilk != "ETH-A" {
		t.Errorf("message = %+v", msg)
	}
}
