package sources

import (
	"context"

	"github.com/740540/Trabajo-Wallapop/internal/models"
)

// Source interface defines the contract for all listing feeds
type Source interface {
	GetName() string
	FetchListings(ctx context.Context) ([]models.RawListing, error)
	IsEnabled() bool
}

var (
	_ Source = (*WallapopSource)(nil)
	_ Source = (*FileSource)(nil)
)
