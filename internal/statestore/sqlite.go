package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore is the default single-node state store. Timestamps are stored as
// unix nanoseconds so expiry comparisons happen on integers.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite3", dbPath+sep+"_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	// one writer keeps the conditional upserts serialized and makes ":memory:" usable;
	// immediate transactions take the write lock before reading, across processes too
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, unavailable("migrate sqlite", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seen_listings (
		listing_id TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		expiry INTEGER NOT NULL,
		pending BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS price_baselines (
		category TEXT NOT NULL,
		location_bucket TEXT NOT NULL,
		median TEXT NOT NULL,
		sample_count INTEGER NOT NULL,
		prices JSON NOT NULL,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (category, location_bucket)
	);

	CREATE INDEX IF NOT EXISTS idx_seen_expiry ON seen_listings(expiry);
	CREATE INDEX IF NOT EXISTS idx_baselines_updated ON price_baselines(last_updated);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) ClaimSeen(ctx context.Context, id string, now, expiry time.Time, pending bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_listings (listing_id, first_seen, last_seen, expiry, pending)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(listing_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			expiry = excluded.expiry,
			pending = excluded.pending
		WHERE seen_listings.expiry <= excluded.last_seen`,
		id, now.UnixNano(), now.UnixNano(), expiry.UnixNano(), pending)
	if err != nil {
		return false, unavailable("claim seen", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("claim seen", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) ConfirmSeen(ctx context.Context, id string, now, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_listings (listing_id, first_seen, last_seen, expiry, pending)
		VALUES (?, ?, ?, ?, FALSE)
		ON CONFLICT(listing_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			expiry = excluded.expiry,
			pending = FALSE`,
		id, now.UnixNano(), now.UnixNano(), expiry.UnixNano())
	if err != nil {
		return unavailable("confirm seen", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseSeen(ctx context.Context, id string, claimedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM seen_listings
		WHERE listing_id = ? AND pending = TRUE AND last_seen = ?`,
		id, claimedAt.UnixNano())
	if err != nil {
		return unavailable("release seen", err)
	}
	return nil
}

func (s *SQLiteStore) GetSeen(ctx context.Context, id string) (*models.SeenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT listing_id, first_seen, last_seen, expiry, pending
		FROM seen_listings WHERE listing_id = ?`, id)

	var r models.SeenRecord
	var firstSeen, lastSeen, expiry int64
	err := row.Scan(&r.ListingID, &firstSeen, &lastSeen, &expiry, &r.Pending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get seen", err)
	}
	r.FirstSeen = time.Unix(0, firstSeen).UTC()
	r.LastSeen = time.Unix(0, lastSeen).UTC()
	r.Expiry = time.Unix(0, expiry).UTC()
	return &r, nil
}

func (s *SQLiteStore) DeleteExpiredSeen(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM seen_listings WHERE expiry <= ?`, now.UnixNano())
	if err != nil {
		return 0, unavailable("delete expired seen", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) LoadBaselines(ctx context.Context) ([]models.PriceBaseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, location_bucket, median, sample_count, prices, last_updated
		FROM price_baselines`)
	if err != nil {
		return nil, unavailable("load baselines", err)
	}
	defer rows.Close()

	var baselines []models.PriceBaseline
	for rows.Next() {
		var b models.PriceBaseline
		var median, window string
		var lastUpdated int64
		if err := rows.Scan(&b.Category, &b.LocationBucket, &median, &b.SampleCount, &window, &lastUpdated); err != nil {
			return nil, unavailable("scan baseline", err)
		}
		if err := decodeBaseline(&b, median, window); err != nil {
			return nil, err
		}
		b.LastUpdated = time.Unix(0, lastUpdated).UTC()
		baselines = append(baselines, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load baselines", err)
	}
	return baselines, nil
}

func (s *SQLiteStore) UpdateBaseline(ctx context.Context, category, bucket string, update BaselineUpdate) (models.PriceBaseline, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PriceBaseline{}, unavailable("begin baseline update", err)
	}
	defer tx.Rollback()

	b := models.PriceBaseline{Category: category, LocationBucket: bucket}
	var median, window string
	var lastUpdated int64
	err = tx.QueryRowContext(ctx, `
		SELECT median, sample_count, prices, last_updated
		FROM price_baselines WHERE category = ? AND location_bucket = ?`,
		category, bucket,
	).Scan(&median, &b.SampleCount, &window, &lastUpdated)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return models.PriceBaseline{}, unavailable("read baseline", err)
	default:
		if err := decodeBaseline(&b, median, window); err != nil {
			return models.PriceBaseline{}, err
		}
		b.LastUpdated = time.Unix(0, lastUpdated).UTC()
	}

	update(&b)

	encoded, err := json.Marshal(b.Window)
	if err != nil {
		return models.PriceBaseline{}, fmt.Errorf("failed to encode baseline window: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO price_baselines (category, location_bucket, median, sample_count, prices, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, location_bucket) DO UPDATE SET
			median = excluded.median,
			sample_count = excluded.sample_count,
			prices = excluded.prices,
			last_updated = excluded.last_updated`,
		category, bucket, b.Median.String(), b.SampleCount, string(encoded), b.LastUpdated.UnixNano())
	if err != nil {
		return models.PriceBaseline{}, unavailable("save baseline", err)
	}

	if err := tx.Commit(); err != nil {
		return models.PriceBaseline{}, unavailable("commit baseline update", err)
	}
	return b, nil
}

func (s *SQLiteStore) DeleteBaselinesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM price_baselines WHERE last_updated < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, unavailable("delete baselines", err)
	}
	return result.RowsAffected()
}

func decodeBaseline(b *models.PriceBaseline, median, window string) error {
	m, err := decimal.NewFromString(median)
	if err != nil {
		return fmt.Errorf("failed to decode baseline median for %s/%s: %w", b.Category, b.LocationBucket, err)
	}
	b.Median = m

	if err := json.Unmarshal([]byte(window), &b.Window); err != nil {
		return fmt.Errorf("failed to decode baseline window for %s/%s: %w", b.Category, b.LocationBucket, err)
	}
	return nil
}
