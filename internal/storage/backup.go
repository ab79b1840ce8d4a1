package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/sirupsen/logrus"
)

// New opens the backup storage selected by BACKUP_DRIVER. It returns nil when
// backups are disabled.
func New(ctx context.Context, cfg *config.Config) (StorageInterface, error) {
	switch cfg.BackupDriver {
	case "", "none":
		return nil, nil
	case "local":
		store, err := NewLocalStorage(cfg.BackupDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "azure":
		store, err := NewAzureStorage(ctx, cfg.AzureStorageAccount, cfg.AzureStorageContainer)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		store, err := NewS3Storage(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown backup driver %q", cfg.BackupDriver)
}

// BackupKey returns the key a cycle's enriched records are stored under
func BackupKey(at time.Time, cycleID string) string {
	return fmt.Sprintf("enriched/%s/%s.ndjson", at.UTC().Format("20060102"), cycleID)
}

// EncodeNDJSON writes one stored document per line
func EncodeNDJSON(w io.Writer, records []models.EnrichedRecord) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(models.NewDocument(rec)); err != nil {
			return fmt.Errorf("failed to encode listing %s: %w", rec.Listing.ID, err)
		}
	}
	return nil
}

// WriteBackup stores the cycle's enriched records and returns the key used
func WriteBackup(ctx context.Context, store StorageInterface, at time.Time, cycleID string, records []models.EnrichedRecord) (string, error) {
	var buf bytes.Buffer
	if err := EncodeNDJSON(&buf, records); err != nil {
		return "", err
	}

	key := BackupKey(at, cycleID)
	if err := store.Store(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to store backup: %w", err)
	}

	logrus.Debugf("Backed up %d enriched records to %s", len(records), key)
	return key, nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".ndjson":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
