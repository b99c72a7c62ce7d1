package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	component  TEXT NOT NULL,
	ilk        TEXT NOT NULL DEFAULT '',
	account    TEXT NOT NULL DEFAULT '',
	auction_id BIGINT NOT NULL DEFAULT 0,
	time       BIGINT NOT NULL,
	fields     JSONB
);
CREATE INDEX IF NOT EXISTS events_ilk_seq ON events (ilk, seq);

CREATE TABLE IF NOT EXISTS positions (
	ilk             TEXT NOT NULL,
	owner           TEXT NOT NULL,
	collateral      NUMERIC NOT NULL,
	normalized_debt NUMERIC NOT NULL,
	debt            NUMERIC NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ilk, owner)
);

CREATE TABLE IF NOT EXISTS auctions (
	ilk        TEXT NOT NULL,
	id         BIGINT NOT NULL,
	tab        NUMERIC NOT NULL,
	lot        NUMERIC NOT NULL,
	owner      TEXT NOT NULL,
	top        NUMERIC NOT NULL,
	started    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ilk, id)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, kind, component, ilk, account, auction_id, time, fields)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.Kind, ev.Component, string(ev.Ilk), string(ev.Account),
		int64(ev.AuctionID), int64(ev.Time), ev.Fields,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, component, ilk, account, auction_id, time, fields
		 FROM (SELECT * FROM events ORDER BY seq DESC LIMIT $1) recent
		 ORDER BY seq`, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsByIlk(ctx context.Context, ilk model.Ilk, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, component, ilk, account, auction_id, time, fields
		 FROM (SELECT * FROM events WHERE ilk = $1 ORDER BY seq DESC LIMIT $2) recent
		 ORDER BY seq`, string(ilk), nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// nullLimit maps zero to SQL NULL, which LIMIT treats as no limit.
func nullLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.PositionView) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (ilk, owner, collateral, normalized_debt, debt, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (ilk, owner) DO UPDATE
		 SET collateral = EXCLUDED.collateral,
		     normalized_debt = EXCLUDED.normalized_debt,
		     debt = EXCLUDED.debt,
		     updated_at = EXCLUDED.updated_at`,
		string(p.Ilk), string(p.Owner),
		p.Collateral.String(), p.NormalizedDebt.String(), p.Debt.String(),
		p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, ilk model.Ilk, owner model.Address) (*model.PositionView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ilk, owner, collateral::TEXT, normalized_debt::TEXT, debt::TEXT, updated_at
		 FROM positions WHERE ilk = $1 AND owner = $2`, string(ilk), string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", ilk, owner, err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s/%s: %w", ilk, owner, ErrNotFound)
	}
	return &positions[0], nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, ilk model.Ilk) ([]model.PositionView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ilk, owner, collateral::TEXT, normalized_debt::TEXT, debt::TEXT, updated_at
		 FROM positions WHERE ilk = $1 ORDER BY owner`, string(ilk))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) UpsertAuction(ctx context.Context, a *model.AuctionView) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (ilk, id, tab, lot, owner, top, started, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7, $8)
		 ON CONFLICT (ilk, id) DO UPDATE
		 SET tab = EXCLUDED.tab,
		     lot = EXCLUDED.lot,
		     top = EXCLUDED.top,
		     started = EXCLUDED.started,
		     updated_at = EXCLUDED.updated_at`,
		string(a.Ilk), int64(a.ID),
		a.Tab.String(), a.Lot.String(), string(a.Owner), a.Top.String(),
		int64(a.Started), a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteAuction(ctx context.Context, ilk model.Ilk, id uint64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM auctions WHERE ilk = $1 AND id = $2`, string(ilk), int64(id))
	return err
}

func (s *PostgresStore) ListAuctions(ctx context.Context, ilk model.Ilk) ([]model.AuctionView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ilk, id, tab::TEXT, lot::TEXT, owner, top::TEXT, started, updated_at
		 FROM auctions WHERE ilk = $1 ORDER BY id`, string(ilk))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuctionView
	for rows.Next() {
		var a model.AuctionView
		var ilkS, owner, tab, lot, top string
		var id, started int64
		if err := rows.Scan(&ilkS, &id, &tab, &lot, &owner, &top, &started, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Ilk, a.Owner = model.Ilk(ilkS), model.Address(owner)
		a.ID, a.Started = uint64(id), uint64(started)
		if a.Tab, err = decimal.NewFromString(tab); err != nil {
			return nil, err
		}
		if a.Lot, err = decimal.NewFromString(lot); err != nil {
			return nil, err
		}
		if a.Top, err = decimal.NewFromString(top); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var ilk, account string
		var auctionID, t int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Component, &ilk, &account,
			&auctionID, &t, &e.Fields); err != nil {
			return nil, err
		}
		e.Ilk, e.Account = model.Ilk(ilk), model.Address(account)
		e.AuctionID, e.Time = uint64(auctionID), uint64(t)
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanPositions(rows pgx.Rows) ([]model.PositionView, error) {
	var positions []model.PositionView
	for rows.Next() {
		var p model.PositionView
		var ilk, owner, ink, art, debt string
		var updated time.Time
		if err := rows.Scan(&ilk, &owner, &ink, &art, &debt, &updated); err != nil {
			return nil, err
		}
		p.Ilk, p.Owner, p.UpdatedAt = model.Ilk(ilk), model.Address(owner), updated
		var err error
		if p.Collateral, err = decimal.NewFromString(ink); err != nil {
			return nil, err
		}
		if p.NormalizedDebt, err = decimal.NewFromString(art); err != nil {
			return nil, err
		}
		if p.Debt, err = decimal.NewFromString(debt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return positions, nil
}
