package storage

import "context"

// StorageInterface defines the contract for backup storage operations.
// Names are slash-separated keys relative to the storage root.
type StorageInterface interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

var (
	_ StorageInterface = (*AzureStorage)(nil)
	_ StorageInterface = (*S3Storage)(nil)
	_ StorageInterface = (*LocalStorage)(nil)
)
