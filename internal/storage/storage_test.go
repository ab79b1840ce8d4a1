package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Store(ctx, "enriched/20261019/a.ndjson", []byte("one")))
	require.NoError(t, store.Store(ctx, "enriched/20261020/b.ndjson", []byte("two")))
	require.NoError(t, store.Store(ctx, "other/c.json", []byte("three")))

	data, err := store.Retrieve(ctx, "enriched/20261019/a.ndjson")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	keys, err := store.List(ctx, "enriched/")
	require.NoError(t, err)
	assert.Equal(t, []string{"enriched/20261019/a.ndjson", "enriched/20261020/b.ndjson"}, keys)

	require.NoError(t, store.Delete(ctx, "enriched/20261019/a.ndjson"))
	require.NoError(t, store.Delete(ctx, "enriched/20261019/a.ndjson"))

	_, err = store.Retrieve(ctx, "enriched/20261019/a.ndjson")
	assert.Error(t, err)
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../outside", "/etc/passwd", "a/../../b", "."} {
		t.Run(key, func(t *testing.T) {
			assert.Error(t, store.Store(context.Background(), key, []byte("x")))
		})
	}
}

func TestBackupKey(t *testing.T) {
	at := time.Date(2026, 10, 19, 23, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "enriched/20261019/cycle-1.ndjson", BackupKey(at, "cycle-1"))
}

func TestWriteBackup(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	crawled := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	records := []models.EnrichedRecord{
		{
			Listing:    models.Listing{ID: "a", Title: "Honda CBR", Price: decimal.NewFromInt(1500), CrawlTimestamp: crawled},
			Assessment: models.RiskAssessment{ListingID: "a", Score: 60, Tier: models.TierHigh},
		},
		{
			Listing:    models.Listing{ID: "b", Title: "Yamaha MT", Price: decimal.NewFromInt(4000), CrawlTimestamp: crawled},
			Assessment: models.RiskAssessment{ListingID: "b", Tier: models.TierLow},
		},
	}

	key, err := WriteBackup(ctx, store, crawled, "cycle-1", records)
	require.NoError(t, err)
	assert.Equal(t, "enriched/20261019/cycle-1.ndjson", key)

	data, err := store.Retrieve(ctx, key)
	require.NoError(t, err)

	var docs []models.Document
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var doc models.Document
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		docs = append(docs, doc)
	}
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, 1500.0, docs[0].Price)
	assert.Equal(t, 60.0, docs[0].Enrichment.RiskScore)
	assert.Equal(t, models.TierLow, docs[1].Enrichment.RiskTier)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		isNil   bool
		wantErr bool
	}{
		{name: "Disabled", cfg: config.Config{BackupDriver: "none"}, isNil: true},
		{name: "Local", cfg: config.Config{BackupDriver: "local", BackupDir: t.TempDir()}},
		{name: "Unknown driver", cfg: config.Config{BackupDriver: "ftp"}, isNil: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(context.Background(), &tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.isNil, store == nil)
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/x-ndjson", contentType("enriched/x.ndjson"))
	assert.Equal(t, "application/json", contentType("report.json"))
	assert.Equal(t, "application/octet-stream", contentType("blob"))
}
