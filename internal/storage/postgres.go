package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"skitracker/internal/config"
)

const (
	createTablesSQL = `CREATE TABLE IF NOT EXISTS listings (
        entity_id    TEXT PRIMARY KEY,
        url          TEXT NOT NULL,
        title        TEXT NOT NULL DEFAULT '',
        price        NUMERIC,
        description  TEXT NOT NULL DEFAULT '',
        images       TEXT[],
        seller       TEXT NOT NULL DEFAULT '',
        location     TEXT NOT NULL DEFAULT '',
        fingerprints JSONB NOT NULL DEFAULT '{}'::jsonb,
        first_seen   TIMESTAMPTZ NOT NULL,
        last_seen    TIMESTAMPTZ NOT NULL,
        times_seen   INTEGER NOT NULL DEFAULT 1
    );
    CREATE TABLE IF NOT EXISTS price_changes (
        id            BIGSERIAL PRIMARY KEY,
        entity_id     TEXT NOT NULL,
        ts            TIMESTAMPTZ NOT NULL,
        old_price     NUMERIC,
        new_price     NUMERIC,
        change_amount NUMERIC,
        direction     TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS price_changes_entity_ts
        ON price_changes (entity_id, ts);`

	upsertEntitySQL = `INSERT INTO listings (
        entity_id,
        url,
        title,
        price,
        description,
        images,
        seller,
        location,
        fingerprints,
        first_seen,
        last_seen,
        times_seen
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (entity_id) DO UPDATE
    SET
        url          = EXCLUDED.url,
        title        = EXCLUDED.title,
        price        = EXCLUDED.price,
        description  = EXCLUDED.description,
        images       = EXCLUDED.images,
        seller       = EXCLUDED.seller,
        location     = EXCLUDED.location,
        fingerprints = EXCLUDED.fingerprints,
        last_seen    = EXCLUDED.last_seen,
        times_seen   = EXCLUDED.times_seen;`

	insertPriceChangeSQL = `INSERT INTO price_changes (
        entity_id,
        ts,
        old_price,
        new_price,
        change_amount,
        direction
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listEntitiesSQL = `SELECT
        entity_id,
        url,
        title,
        price,
        description,
        images,
        seller,
        location,
        fingerprints,
        first_seen,
        last_seen,
        times_seen
    FROM listings;`

	listPriceChangesSQL = `SELECT
        entity_id,
        ts,
        old_price,
        new_price,
        change_amount,
        direction
    FROM price_changes
    ORDER BY entity_id, ts;`
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// PostgresStore persists entities and the price-history ledger in
// PostgreSQL. Commits run in a single transaction, so the entity upsert
// and ledger append apply atomically.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a store and bootstraps the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		return nil, fmt.Errorf("%w: create tables: %v", ErrUnavailable, err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Load reads the full entity store and ledger.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	snapshot := NewSnapshot()

	rows, err := s.pool.Query(ctx, listEntitiesSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: list entities: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		entity, scanErr := scanEntity(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: scan entity: %v", ErrUnavailable, scanErr)
		}
		snapshot.Entities[entity.ID] = entity
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: list entities: %v", ErrUnavailable, rows.Err())
	}

	changeRows, err := s.pool.Query(ctx, listPriceChangesSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: list price changes: %v", ErrUnavailable, err)
	}
	defer changeRows.Close()

	for changeRows.Next() {
		change, scanErr := scanPriceChange(changeRows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: scan price change: %v", ErrUnavailable, scanErr)
		}
		snapshot.History[change.EntityID] = append(snapshot.History[change.EntityID], change)
	}
	if changeRows.Err() != nil {
		return nil, fmt.Errorf("%w: list price changes: %v", ErrUnavailable, changeRows.Err())
	}

	return snapshot, nil
}

// Commit upserts the entity and appends the ledger entry in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, entity Entity, change *PriceChange) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	fingerprints, err := json.Marshal(entity.Fingerprints)
	if err != nil {
		return fmt.Errorf("marshal fingerprints: %w", err)
	}

	if _, err := tx.Exec(ctx, upsertEntitySQL,
		entity.ID,
		entity.URL,
		entity.Title,
		decimalArg(entity.Price),
		entity.Description,
		entity.Images,
		entity.Seller,
		entity.Location,
		fingerprints,
		entity.FirstSeen,
		entity.LastSeen,
		entity.TimesSeen,
	); err != nil {
		return fmt.Errorf("%w: upsert entity: %v", ErrUnavailable, err)
	}

	if change != nil {
		if _, err := tx.Exec(ctx, insertPriceChangeSQL,
			change.EntityID,
			change.Timestamp,
			decimalArg(change.OldPrice),
			decimalArg(change.NewPrice),
			decimalArg(change.ChangeAmount),
			change.Direction,
		); err != nil {
			return fmt.Errorf("%w: insert price change: %v", ErrUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit tx: %v", ErrUnavailable, err)
	}
	return nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func scanEntity(rows pgx.Rows) (Entity, error) {
	var (
		entity       Entity
		price        sql.NullString
		images       []string
		fingerprints json.RawMessage
		firstSeen    time.Time
		lastSeen     time.Time
	)

	if err := rows.Scan(
		&entity.ID,
		&entity.URL,
		&entity.Title,
		&price,
		&entity.Description,
		&images,
		&entity.Seller,
		&entity.Location,
		&fingerprints,
		&firstSeen,
		&lastSeen,
		&entity.TimesSeen,
	); err != nil {
		return Entity{}, err
	}

	entity.Images = images
	entity.FirstSeen = firstSeen
	entity.LastSeen = lastSeen
	entity.Fingerprints = make(map[string]string)
	if len(fingerprints) > 0 {
		if err := json.Unmarshal(fingerprints, &entity.Fingerprints); err != nil {
			return Entity{}, fmt.Errorf("parse fingerprints: %w", err)
		}
	}

	if price.Valid {
		d, err := decimal.NewFromString(price.String)
		if err != nil {
			return Entity{}, fmt.Errorf("parse price: %w", err)
		}
		entity.Price = &d
	}

	return entity, nil
}

func scanPriceChange(rows pgx.Rows) (PriceChange, error) {
	var (
		change    PriceChange
		oldPrice  sql.NullString
		newPrice  sql.NullString
		changeAmt sql.NullString
	)

	if err := rows.Scan(
		&change.EntityID,
		&change.Timestamp,
		&oldPrice,
		&newPrice,
		&changeAmt,
		&change.Direction,
	); err != nil {
		return PriceChange{}, err
	}

	var err error
	if change.OldPrice, err = nullDecimal(oldPrice); err != nil {
		return PriceChange{}, fmt.Errorf("parse old price: %w", err)
	}
	if change.NewPrice, err = nullDecimal(newPrice); err != nil {
		return PriceChange{}, fmt.Errorf("parse new price: %w", err)
	}
	if change.ChangeAmount, err = nullDecimal(changeAmt); err != nil {
		return PriceChange{}, fmt.Errorf("parse change amount: %w", err)
	}

	return change, nil
}

func nullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var _ Store = (*PostgresStore)(nil)
