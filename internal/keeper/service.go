// Package keeper hosts an engine behind an HTTP API: price pokes, fee
// accrual, vault adjustment, liquidation and auction bidding, plus queries
// over the persisted event log and read models.
//
// All amounts on the wire are decimal strings in human units; the engine's
// fixed-point values never leave this package.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/auction"
	"github.com/atmx/cdp-engine/internal/engine"
	"github.com/atmx/cdp-engine/internal/fixed"
	"github.com/atmx/cdp-engine/internal/metrics"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/store"
)

// Service serialises every engine call behind one mutex (single instance).
// Committed events are persisted and broadcast before the lock is released,
// so the store always reflects a prefix of the engine's history.
type Service struct {
	engine  *engine.Engine
	store   store.Store
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	mu      sync.Mutex
	pending []model.Event
}

// NewService subscribes to e's journal and returns a service over it.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(e *engine.Engine, st store.Store, hub *WSHub) *Service {
	s := &Service{engine: e, store: st, wsHub: hub}
	e.Subscribe(s.record)
	return s
}

// record is the journal sink. It runs while s.mu is held.
func (s *Service) record(ev model.Event) {
	ev.ID = uuid.New().String()
	metrics.Observe(ev)
	slog.Info("engine event",
		"id", ev.ID,
		"kind", ev.Kind,
		"component", ev.Component,
		"ilk", ev.Ilk,
		"account", ev.Account,
		"auction_id", ev.AuctionID,
	)
	s.pending = append(s.pending, ev)
}

// Sync rebuilds the read models of every collateral type.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, i := range s.engine.Ilks() {
		for _, p := range s.engine.Positions(i) {
			if err := s.store.UpsertPosition(ctx, &p); err != nil {
				return err
			}
		}
		if err := s.syncAuctions(ctx, i); err != nil {
			return err
		}
	}
	metrics.SettlementPhase.Set(float64(s.engine.End.Phase()))
	return s.flush(ctx)
}

// flush persists and broadcasts the events committed since the last flush
// and refreshes the read models they touched.
func (s *Service) flush(ctx context.Context) error {
	events := s.pending
	s.pending = nil

	ilks := make(map[model.Ilk]map[model.Address]bool)
	// A rate change moves the debt of every position in the ilk.
	rated := make(map[model.Ilk]bool)
	for i := range events {
		ev := &events[i]
		if err := s.store.InsertEvent(ctx, ev); err != nil {
			return fmt.Errorf("persist event %s: %w", ev.Kind, err)
		}
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{Type: "event", Event: ev})
		}
		if ev.Ilk == "" {
			continue
		}
		if ilks[ev.Ilk] == nil {
			ilks[ev.Ilk] = make(map[model.Address]bool)
		}
		if ev.Kind == "fold" {
			rated[ev.Ilk] = true
		}
		if !ev.Account.IsZero() {
			ilks[ev.Ilk][ev.Account] = true
		}
	}

	for i, accounts := range ilks {
		owners := make(map[model.Address]bool)
		for _, u := range s.engine.Vat.Owners(i) {
			owners[u] = true
			if rated[i] {
				accounts[u] = true
			}
		}
		for u := range accounts {
			if !owners[u] {
				// Emptied positions still need their stored view zeroed.
				if _, err := s.store.GetPosition(ctx, i, u); err != nil {
					continue
				}
			}
			p := s.engine.Position(i, u)
			if err := s.store.UpsertPosition(ctx, &p); err != nil {
				return err
			}
		}
		if err := s.syncAuctions(ctx, i); err != nil {
			return err
		}
	}
	metrics.SettlementPhase.Set(float64(s.engine.End.Phase()))
	return nil
}

func (s *Service) syncAuctions(ctx context.Context, i model.Ilk) error {
	live := s.engine.Auctions(i)
	running := make(map[uint64]bool, len(live))
	for _, a := range live {
		running[a.ID] = true
		if err := s.store.UpsertAuction(ctx, &a); err != nil {
			return err
		}
	}
	stored, err := s.store.ListAuctions(ctx, i)
	if err != nil {
		return err
	}
	for _, a := range stored {
		if !running[a.ID] {
			if err := s.store.DeleteAuction(ctx, i, a.ID); err != nil {
				return err
			}
		}
	}
	metrics.ActiveAuctions.WithLabelValues(string(i)).Set(float64(len(live)))
	return nil
}

// exec runs one engine operation under the lock and flushes its events.
func (s *Service) exec(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	err := fn()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Rejections.WithLabelValues(op, model.KindOf(err).String()).Inc()
	}
	if ferr := s.flush(ctx); ferr != nil {
		slog.Error("flush failed", "op", op, "err", ferr)
		if err == nil {
			return errStore{ferr}
		}
	}
	return err
}

type errStore struct{ error }

func (e errStore) Unwrap() error { return e.error }

// --- Request/Response types ---

// PokeRequest is the JSON body for POST /ilks/{ilk}/poke. When Price is
// set the feed is updated first.
type PokeRequest struct {
	Price *decimal.Decimal `json:"price,omitempty"`
}

// PokeResponse reports the feed value and the new safety price.
type PokeResponse struct {
	Ilk   model.Ilk       `json:"ilk"`
	Price decimal.Decimal `json:"price"`
	Spot  decimal.Decimal `json:"spot"`
}

// DripResponse reports the accumulated rate after accrual.
type DripResponse struct {
	Ilk  model.Ilk       `json:"ilk"`
	Rate decimal.Decimal `json:"rate"`
}

// FrobRequest is the JSON body for POST /positions/{ilk}/frob. Deltas are
// signed: negative Dink frees collateral, negative Dart repays debt.
type FrobRequest struct {
	User model.Address   `json:"user"`
	Dink decimal.Decimal `json:"dink"`
	Dart decimal.Decimal `json:"dart"`
}

// BarkRequest is the JSON body for POST /liquidations.
type BarkRequest struct {
	Ilk    model.Ilk     `json:"ilk"`
	Owner  model.Address `json:"owner"`
	Keeper model.Address `json:"keeper"`
}

// BarkResponse carries the id of the auction started.
type BarkResponse struct {
	Ilk       model.Ilk `json:"ilk"`
	AuctionID uint64    `json:"auction_id"`
}

// TakeRequest is the JSON body for POST /auctions/{ilk}/{id}/take.
type TakeRequest struct {
	User     model.Address   `json:"user"`
	Who      model.Address   `json:"who,omitempty"` // defaults to User
	Amount   decimal.Decimal `json:"amount"`        // max collateral
	MaxPrice decimal.Decimal `json:"max_price"`
}

// TakeResponse reports the purchase.
type TakeResponse struct {
	Price decimal.Decimal `json:"price"`
	Owe   decimal.Decimal `json:"owe"`
	Slice decimal.Decimal `json:"slice"`
}

// AmountRequest is the JSON body for join and exit: User moves Amount of
// its own tokens into or out of the ledger.
type AmountRequest struct {
	User   model.Address   `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

// MintRequest is the JSON body for POST /ilks/{ilk}/mint. Caller must be
// authorised on the collateral token.
type MintRequest struct {
	Caller model.Address   `json:"caller"`
	User   model.Address   `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

// PermissionRequest is the JSON body for POST /permissions. User lets
// Grantee move its ledger balances (Allow) or revokes that.
type PermissionRequest struct {
	User    model.Address `json:"user"`
	Grantee model.Address `json:"grantee"`
	Allow   bool          `json:"allow"`
}

// AccountView reports one account's balances. Collateral is free
// collateral in the ledger, Tokens the collateral tokens held outside it.
type AccountView struct {
	Owner        model.Address                 `json:"owner"`
	Credit       decimal.Decimal               `json:"credit"`
	CreditTokens decimal.Decimal               `json:"credit_tokens"`
	Collateral   map[model.Ilk]decimal.Decimal `json:"collateral"`
	Tokens       map[model.Ilk]decimal.Decimal `json:"tokens"`
}

// RedoRequest is the JSON body for POST /auctions/{ilk}/{id}/redo.
type RedoRequest struct {
	Keeper model.Address `json:"keeper"`
}

// AuctionStatus is the live state of one auction.
type AuctionStatus struct {
	Ilk       model.Ilk       `json:"ilk"`
	ID        uint64          `json:"id"`
	NeedsRedo bool            `json:"needs_redo"`
	Price     decimal.Decimal `json:"price"`
	Lot       decimal.Decimal `json:"lot"`
	Tab       decimal.Decimal `json:"tab"`
}

// Settlement summarises global settlement.
type Settlement struct {
	Phase string          `json:"phase"`
	Debt  decimal.Decimal `json:"debt"`
	When  uint64          `json:"when,omitempty"`
}

// Live reports whether the engine is still accepting new debt.
func (s *Service) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Vat.Live()
}

// --- HTTP Handlers ---

// ListIlks handles GET /api/v1/ilks
func (s *Service) ListIlks(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	views := make([]model.IlkView, 0)
	for _, i := range s.engine.Ilks() {
		if v, ok := s.engine.IlkView(i); ok {
			views = append(views, v)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, views)
}

// GetIlk handles GET /api/v1/ilks/{ilk}
func (s *Service) GetIlk(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	v, _ := s.engine.IlkView(i)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, v)
}

// Poke handles POST /api/v1/ilks/{ilk}/poke
func (s *Service) Poke(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	var req PokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var price *uint256.Int
	if req.Price != nil {
		p, err := fixed.FromDecimal(*req.Price, fixed.WadDecimals)
		if err != nil || p.IsZero() {
			writeError(w, "price must be a positive decimal with at most 18 places", http.StatusBadRequest)
			return
		}
		price = p
	}

	var resp PokeResponse
	err := s.exec(r.Context(), "poke", func() error {
		c, _ := s.engine.Ilk(i)
		if price != nil {
			c.Pip.Poke(price)
		}
		val, spot, err := s.engine.Spot.Poke(i)
		if err != nil {
			return err
		}
		resp = PokeResponse{
			Ilk:   i,
			Price: fixed.ToDecimal(val, fixed.WadDecimals),
			Spot:  fixed.ToDecimal(spot, fixed.RayDecimals),
		}
		return nil
	})
	if err != nil {
		writeEngineError(w, "poke", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Drip handles POST /api/v1/ilks/{ilk}/drip
func (s *Service) Drip(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	var resp DripResponse
	err := s.exec(r.Context(), "drip", func() error {
		rate, err := s.engine.Jug.Drip(i)
		if err != nil {
			return err
		}
		resp = DripResponse{Ilk: i, Rate: fixed.ToDecimal(rate, fixed.RayDecimals)}
		return nil
	})
	if err != nil {
		writeEngineError(w, "drip", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Frob handles POST /api/v1/positions/{ilk}/frob
// The user adjusts its own position using its own collateral and credit.
func (s *Service) Frob(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	var req FrobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User.IsZero() {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	dink, err := fixed.ParseSigned(req.Dink.String(), fixed.WadDecimals)
	if err != nil {
		writeError(w, "dink: "+err.Error(), http.StatusBadRequest)
		return
	}
	dart, err := fixed.ParseSigned(req.Dart.String(), fixed.WadDecimals)
	if err != nil {
		writeError(w, "dart: "+err.Error(), http.StatusBadRequest)
		return
	}

	var pos model.PositionView
	err = s.exec(r.Context(), "frob", func() error {
		u := req.User
		if err := s.engine.Vat.ModifyPosition(u, i, u, u, u, dink, dart); err != nil {
			return err
		}
		pos = s.engine.Position(i, u)
		return nil
	})
	if err != nil {
		writeEngineError(w, "frob", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Join handles POST /api/v1/positions/{ilk}/join
// The user's collateral tokens are approved for and pulled by the adapter
// in one transaction.
func (s *Service) Join(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	req, wad, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	err := s.exec(r.Context(), "join", func() error {
		c, _ := s.engine.Ilk(i)
		return s.engine.Journal.Atomic(func() error {
			if err := c.Gem.Approve(req.User, engine.JoinAddr(i), wad); err != nil {
				return err
			}
			return c.Join.Join(req.User, req.User, wad)
		})
	})
	if err != nil {
		writeEngineError(w, "join", err)
		return
	}
	s.writeAccount(w, req.User)
}

// Exit handles POST /api/v1/positions/{ilk}/exit
func (s *Service) Exit(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	req, wad, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	err := s.exec(r.Context(), "exit", func() error {
		c, _ := s.engine.Ilk(i)
		return c.Join.Exit(req.User, req.User, wad)
	})
	if err != nil {
		writeEngineError(w, "exit", err)
		return
	}
	s.writeAccount(w, req.User)
}

// Mint handles POST /api/v1/ilks/{ilk}/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller.IsZero() || req.User.IsZero() {
		writeError(w, "caller and user are required", http.StatusBadRequest)
		return
	}
	wad, err := fixed.FromDecimal(req.Amount, fixed.WadDecimals)
	if err != nil {
		writeError(w, "amount: "+err.Error(), http.StatusBadRequest)
		return
	}
	err = s.exec(r.Context(), "mint", func() error {
		c, _ := s.engine.Ilk(i)
		return c.Gem.Mint(req.Caller, req.User, wad)
	})
	if err != nil {
		writeEngineError(w, "mint", err)
		return
	}
	s.writeAccount(w, req.User)
}

// CreditJoin handles POST /api/v1/credit/join
func (s *Service) CreditJoin(w http.ResponseWriter, r *http.Request) {
	req, wad, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	err := s.exec(r.Context(), "credit_join", func() error {
		return s.engine.Journal.Atomic(func() error {
			if err := s.engine.Dai.Approve(req.User, engine.DaiJoinAddr, wad); err != nil {
				return err
			}
			return s.engine.DaiJoin.Join(req.User, req.User, wad)
		})
	})
	if err != nil {
		writeEngineError(w, "credit_join", err)
		return
	}
	s.writeAccount(w, req.User)
}

// CreditExit handles POST /api/v1/credit/exit
// The user must have allowed the credit adapter.
func (s *Service) CreditExit(w http.ResponseWriter, r *http.Request) {
	req, wad, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	err := s.exec(r.Context(), "credit_exit", func() error {
		return s.engine.DaiJoin.Exit(req.User, req.User, wad)
	})
	if err != nil {
		writeEngineError(w, "credit_exit", err)
		return
	}
	s.writeAccount(w, req.User)
}

// SetPermission handles POST /api/v1/permissions
func (s *Service) SetPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User.IsZero() || req.Grantee.IsZero() {
		writeError(w, "user and grantee are required", http.StatusBadRequest)
		return
	}
	err := s.exec(r.Context(), "permission", func() error {
		if req.Allow {
			return s.engine.Vat.Allow(req.User, req.Grantee)
		}
		return s.engine.Vat.Disallow(req.User, req.Grantee)
	})
	if err != nil {
		writeEngineError(w, "permission", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetAccount handles GET /api/v1/accounts/{owner}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	s.writeAccount(w, model.Address(chi.URLParam(r, "owner")))
}

func (s *Service) writeAccount(w http.ResponseWriter, u model.Address) {
	s.mu.Lock()
	view := AccountView{
		Owner:        u,
		Credit:       fixed.ToDecimal(s.engine.Vat.Dai(u), fixed.RadDecimals),
		CreditTokens: fixed.ToDecimal(s.engine.Dai.BalanceOf(u), fixed.WadDecimals),
		Collateral:   make(map[model.Ilk]decimal.Decimal),
		Tokens:       make(map[model.Ilk]decimal.Decimal),
	}
	for _, i := range s.engine.Ilks() {
		c, _ := s.engine.Ilk(i)
		view.Collateral[i] = fixed.ToDecimal(s.engine.Vat.Gem(i, u), fixed.WadDecimals)
		view.Tokens[i] = fixed.ToDecimal(c.Gem.BalanceOf(u), fixed.WadDecimals)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, view)
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (AmountRequest, *uint256.Int, bool) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, nil, false
	}
	if req.User.IsZero() {
		writeError(w, "user is required", http.StatusBadRequest)
		return req, nil, false
	}
	wad, err := fixed.FromDecimal(req.Amount, fixed.WadDecimals)
	if err != nil || wad.IsZero() {
		writeError(w, "amount must be a positive decimal with at most 18 places", http.StatusBadRequest)
		return req, nil, false
	}
	return req, wad, true
}

// ListPositions handles GET /api/v1/positions/{ilk}
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	positions, err := s.store.ListPositions(r.Context(), i)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.PositionView{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{ilk}/{owner}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	owner := model.Address(chi.URLParam(r, "owner"))
	p, err := s.store.GetPosition(r.Context(), i, owner)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Bark handles POST /api/v1/liquidations
func (s *Service) Bark(w http.ResponseWriter, r *http.Request) {
	var req BarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, ok := s.engine.Ilk(req.Ilk); !ok {
		writeError(w, "unknown collateral type: "+string(req.Ilk), http.StatusNotFound)
		return
	}
	if req.Owner.IsZero() || req.Keeper.IsZero() {
		writeError(w, "owner and keeper are required", http.StatusBadRequest)
		return
	}

	var id uint64
	err := s.exec(r.Context(), "bark", func() error {
		var err error
		id, err = s.engine.Dog.Bark(req.Ilk, req.Owner, req.Keeper)
		return err
	})
	if err != nil {
		writeEngineError(w, "bark", err)
		return
	}
	writeJSON(w, http.StatusCreated, BarkResponse{Ilk: req.Ilk, AuctionID: id})
}

// ListAuctions handles GET /api/v1/auctions/{ilk}
func (s *Service) ListAuctions(w http.ResponseWriter, r *http.Request) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return
	}
	auctions, err := s.store.ListAuctions(r.Context(), i)
	if err != nil {
		writeError(w, "failed to list auctions", http.StatusInternalServerError)
		return
	}
	if auctions == nil {
		auctions = []model.AuctionView{}
	}
	writeJSON(w, http.StatusOK, auctions)
}

// GetAuction handles GET /api/v1/auctions/{ilk}/{id}
// Reports the current price, which the stored view cannot.
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	i, id, ok := s.auctionParams(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	c, _ := s.engine.Ilk(i)
	_, running := c.Clip.Sale(id)
	needsRedo, price, lot, tab, err := c.Clip.Status(id)
	s.mu.Unlock()

	if !running {
		writeError(w, "auction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeEngineError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, AuctionStatus{
		Ilk:       i,
		ID:        id,
		NeedsRedo: needsRedo,
		Price:     fixed.ToDecimal(price, fixed.RayDecimals),
		Lot:       fixed.ToDecimal(lot, fixed.WadDecimals),
		Tab:       fixed.ToDecimal(tab, fixed.RadDecimals),
	})
}

// Take handles POST /api/v1/auctions/{ilk}/{id}/take
// The buyer must have allowed the auctioneer to move its credit.
func (s *Service) Take(w http.ResponseWriter, r *http.Request) {
	i, id, ok := s.auctionParams(w, r)
	if !ok {
		return
	}
	var req TakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User.IsZero() {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	if req.Who.IsZero() {
		req.Who = req.User
	}
	amt, err := fixed.FromDecimal(req.Amount, fixed.WadDecimals)
	if err != nil {
		writeError(w, "amount: "+err.Error(), http.StatusBadRequest)
		return
	}
	maxPrice, err := fixed.FromDecimal(req.MaxPrice, fixed.RayDecimals)
	if err != nil {
		writeError(w, "max_price: "+err.Error(), http.StatusBadRequest)
		return
	}

	var resp TakeResponse
	err = s.exec(r.Context(), "take", func() error {
		c, _ := s.engine.Ilk(i)
		res, err := c.Clip.Take(req.User, auction.TakeParams{ID: id, Amt: amt, Max: maxPrice, Who: req.Who})
		if err != nil {
			return err
		}
		resp = TakeResponse{
			Price: fixed.ToDecimal(res.Price, fixed.RayDecimals),
			Owe:   fixed.ToDecimal(res.Owe, fixed.RadDecimals),
			Slice: fixed.ToDecimal(res.Slice, fixed.WadDecimals),
		}
		return nil
	})
	if err != nil {
		writeEngineError(w, "take", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Redo handles POST /api/v1/auctions/{ilk}/{id}/redo
func (s *Service) Redo(w http.ResponseWriter, r *http.Request) {
	i, id, ok := s.auctionParams(w, r)
	if !ok {
		return
	}
	var req RedoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Keeper.IsZero() {
		writeError(w, "keeper is required", http.StatusBadRequest)
		return
	}
	err := s.exec(r.Context(), "redo", func() error {
		c, _ := s.engine.Ilk(i)
		return c.Clip.Redo(id, req.Keeper)
	})
	if err != nil {
		writeEngineError(w, "redo", err)
		return
	}
	s.mu.Lock()
	view, _ := s.engine.Auction(i, id)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, view)
}

// ListEvents handles GET /api/v1/events
// Optional ?ilk=<ilk> filter and ?limit=<n> (default 100).
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var events []model.Event
	var err error
	if ilk := r.URL.Query().Get("ilk"); ilk != "" {
		events, err = s.store.ListEventsByIlk(r.Context(), model.Ilk(ilk), limit)
	} else {
		events, err = s.store.ListEvents(r.Context(), limit)
	}
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetSettlement handles GET /api/v1/settlement
func (s *Service) GetSettlement(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	end := s.engine.End
	resp := Settlement{
		Phase: end.Phase().String(),
		Debt:  fixed.ToDecimal(end.Debt(), fixed.RadDecimals),
		When:  end.When(),
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/ilks", s.ListIlks)
	r.Get("/ilks/{ilk}", s.GetIlk)
	r.Post("/ilks/{ilk}/poke", s.Poke)
	r.Post("/ilks/{ilk}/drip", s.Drip)

	r.Get("/positions/{ilk}", s.ListPositions)
	r.Get("/positions/{ilk}/{owner}", s.GetPosition)
	r.Post("/positions/{ilk}/frob", s.Frob)
	r.Post("/positions/{ilk}/join", s.Join)
	r.Post("/positions/{ilk}/exit", s.Exit)
	r.Post("/ilks/{ilk}/mint", s.Mint)

	r.Post("/credit/join", s.CreditJoin)
	r.Post("/credit/exit", s.CreditExit)
	r.Post("/permissions", s.SetPermission)
	r.Get("/accounts/{owner}", s.GetAccount)

	r.Post("/liquidations", s.Bark)

	r.Get("/auctions/{ilk}", s.ListAuctions)
	r.Get("/auctions/{ilk}/{id}", s.GetAuction)
	r.Post("/auctions/{ilk}/{id}/take", s.Take)
	r.Post("/auctions/{ilk}/{id}/redo", s.Redo)

	r.Get("/events", s.ListEvents)
	r.Get("/settlement", s.GetSettlement)

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

func (s *Service) ilkParam(w http.ResponseWriter, r *http.Request) (model.Ilk, bool) {
	i, err := model.ParseIlk(chi.URLParam(r, "ilk"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	if _, ok := s.engine.Ilk(i); !ok {
		writeError(w, "unknown collateral type: "+string(i), http.StatusNotFound)
		return "", false
	}
	return i, true
}

func (s *Service) auctionParams(w http.ResponseWriter, r *http.Request) (model.Ilk, uint64, bool) {
	i, ok := s.ilkParam(w, r)
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "auction id must be a positive integer", http.StatusBadRequest)
		return "", 0, false
	}
	return i, id, true
}

// statusFor maps an engine failure to an HTTP status.
func statusFor(err error) int {
	var se errStore
	if errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch model.KindOf(err) {
	case model.KindAuthorization:
		return http.StatusForbidden
	case model.KindInvariant, model.KindSequencing:
		return http.StatusConflict
	case model.KindArithmetic:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func writeEngineError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("operation failed", "op", op, "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
