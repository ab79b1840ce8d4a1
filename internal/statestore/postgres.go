package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares dedup and baseline state between agents on different hosts
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, unavailable("create pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, unavailable("migrate postgres", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS seen_listings (
			listing_id TEXT PRIMARY KEY,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			expiry TIMESTAMPTZ NOT NULL,
			pending BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE TABLE IF NOT EXISTS price_baselines (
			category TEXT NOT NULL,
			location_bucket TEXT NOT NULL,
			median NUMERIC NOT NULL,
			sample_count INTEGER NOT NULL,
			prices JSONB NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (category, location_bucket)
		);

		CREATE INDEX IF NOT EXISTS idx_seen_expiry ON seen_listings(expiry);
		CREATE INDEX IF NOT EXISTS idx_baselines_updated ON price_baselines(last_updated);
	`)
	return err
}

func (s *PostgresStore) ClaimSeen(ctx context.Context, id string, now, expiry time.Time, pending bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO seen_listings (listing_id, first_seen, last_seen, expiry, pending)
		VALUES ($1, $2, $2, $3, $4)
		ON CONFLICT (listing_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			expiry = EXCLUDED.expiry,
			pending = EXCLUDED.pending
		WHERE seen_listings.expiry <= EXCLUDED.last_seen`,
		id, now, expiry, pending)
	if err != nil {
		return false, unavailable("claim seen", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ConfirmSeen(ctx context.Context, id string, now, expiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO seen_listings (listing_id, first_seen, last_seen, expiry, pending)
		VALUES ($1, $2, $2, $3, FALSE)
		ON CONFLICT (listing_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			expiry = EXCLUDED.expiry,
			pending = FALSE`,
		id, now, expiry)
	if err != nil {
		return unavailable("confirm seen", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseSeen(ctx context.Context, id string, claimedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM seen_listings
		WHERE listing_id = $1 AND pending AND last_seen = $2`,
		id, claimedAt)
	if err != nil {
		return unavailable("release seen", err)
	}
	return nil
}

func (s *PostgresStore) GetSeen(ctx context.Context, id string) (*models.SeenRecord, error) {
	var r models.SeenRecord
	err := s.pool.QueryRow(ctx, `
		SELECT listing_id, first_seen, last_seen, expiry, pending
		FROM seen_listings WHERE listing_id = $1`, id,
	).Scan(&r.ListingID, &r.FirstSeen, &r.LastSeen, &r.Expiry, &r.Pending)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get seen", err)
	}
	return &r, nil
}

func (s *PostgresStore) DeleteExpiredSeen(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM seen_listings WHERE expiry <= $1`, now)
	if err != nil {
		return 0, unavailable("delete expired seen", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) LoadBaselines(ctx context.Context) ([]models.PriceBaseline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, location_bucket, median::TEXT, sample_count, prices::TEXT, last_updated
		FROM price_baselines`)
	if err != nil {
		return nil, unavailable("load baselines", err)
	}
	defer rows.Close()

	var baselines []models.PriceBaseline
	for rows.Next() {
		var b models.PriceBaseline
		var median, window string
		if err := rows.Scan(&b.Category, &b.LocationBucket, &median, &b.SampleCount, &window, &b.LastUpdated); err != nil {
			return nil, unavailable("scan baseline", err)
		}
		if err := decodeBaseline(&b, median, window); err != nil {
			return nil, err
		}
		baselines = append(baselines, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load baselines", err)
	}
	return baselines, nil
}

func (s *PostgresStore) UpdateBaseline(ctx context.Context, category, bucket string, update BaselineUpdate) (models.PriceBaseline, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.PriceBaseline{}, unavailable("begin baseline update", err)
	}
	defer tx.Rollback(ctx)

	// make sure a row exists so FOR UPDATE has something to lock
	_, err = tx.Exec(ctx, `
		INSERT INTO price_baselines (category, location_bucket, median, sample_count, prices, last_updated)
		VALUES ($1, $2, 0, 0, '[]'::JSONB, NOW())
		ON CONFLICT (category, location_bucket) DO NOTHING`,
		category, bucket)
	if err != nil {
		return models.PriceBaseline{}, unavailable("seed baseline", err)
	}

	b := models.PriceBaseline{Category: category, LocationBucket: bucket}
	var median, window string
	err = tx.QueryRow(ctx, `
		SELECT median::TEXT, sample_count, prices::TEXT, last_updated
		FROM price_baselines
		WHERE category = $1 AND location_bucket = $2
		FOR UPDATE`,
		category, bucket,
	).Scan(&median, &b.SampleCount, &window, &b.LastUpdated)
	if err != nil {
		return models.PriceBaseline{}, unavailable("read baseline", err)
	}
	if err := decodeBaseline(&b, median, window); err != nil {
		return models.PriceBaseline{}, err
	}

	update(&b)

	encoded, err := json.Marshal(b.Window)
	if err != nil {
		return models.PriceBaseline{}, fmt.Errorf("failed to encode baseline window: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE price_baselines
		SET median = $3::NUMERIC, sample_count = $4, prices = $5::JSONB, last_updated = $6
		WHERE category = $1 AND location_bucket = $2`,
		category, bucket, b.Median.String(), b.SampleCount, string(encoded), b.LastUpdated)
	if err != nil {
		return models.PriceBaseline{}, unavailable("save baseline", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.PriceBaseline{}, unavailable("commit baseline update", err)
	}
	return b, nil
}

func (s *PostgresStore) DeleteBaselinesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_baselines WHERE last_updated < $1`, cutoff)
	if err != nil {
		return 0, unavailable("delete baselines", err)
	}
	return tag.RowsAffected(), nil
}
