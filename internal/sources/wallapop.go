package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// WallapopConfig holds the search parameters for the marketplace feed
type WallapopConfig struct {
	BaseURL      string
	CategoryID   string
	Latitude     float64
	Longitude    float64
	SearchTerms  []string
	PageSize     int
	MaxPages     int
	TimeFilter   string
	RequestDelay time.Duration
}

// WallapopSource pages through the marketplace search API
type WallapopSource struct {
	cfg    WallapopConfig
	client *resty.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

type wallapopSearchResponse struct {
	Data struct {
		Section struct {
			Payload struct {
				Items []models.RawListing `json:"items"`
			} `json:"payload"`
		} `json:"section"`
	} `json:"data"`
}

// NewWallapopSource creates a new marketplace search source
func NewWallapopSource(cfg WallapopConfig) *WallapopSource {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &WallapopSource{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(15*time.Second).
			SetHeader("X-DeviceOS", "0").
			SetHeader("Accept", "application/json"),
		sleep: sleepContext,
	}
}

func (w *WallapopSource) GetName() string {
	return "wallapop"
}

func (w *WallapopSource) IsEnabled() bool {
	return w.cfg.BaseURL != "" && w.cfg.CategoryID != ""
}

// FetchListings runs one search per term and merges the results, keeping the
// first record seen for each id. Any page error fails the whole fetch.
func (w *WallapopSource) FetchListings(ctx context.Context) ([]models.RawListing, error) {
	if !w.IsEnabled() {
		logrus.Debug("Wallapop source disabled - missing base URL or category")
		return nil, nil
	}

	terms := w.cfg.SearchTerms
	if len(terms) == 0 {
		terms = []string{""}
	}

	var all []models.RawListing
	seen := make(map[string]bool)

	for _, term := range terms {
		items, err := w.search(ctx, term)
		if err != nil {
			return nil, fmt.Errorf("search for %q failed: %w", term, err)
		}

		added := 0
		for _, item := range items {
			id := itemID(item)
			if id == "" {
				// left for the normalizer to report as malformed
				all = append(all, item)
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			all = append(all, item)
			added++
		}
		logrus.Infof("Search %q returned %d listings (%d new)", term, len(items), added)
	}

	return all, nil
}

func (w *WallapopSource) search(ctx context.Context, term string) ([]models.RawListing, error) {
	var items []models.RawListing

	for page := 0; w.cfg.MaxPages <= 0 || page < w.cfg.MaxPages; page++ {
		if page > 0 && w.cfg.RequestDelay > 0 {
			if err := w.sleep(ctx, w.cfg.RequestDelay); err != nil {
				return nil, fmt.Errorf("waiting before page %d: %w", page+1, err)
			}
		}

		pageItems, err := w.fetchPage(ctx, term, page*w.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page+1, err)
		}
		items = append(items, pageItems...)

		if len(pageItems) < w.cfg.PageSize {
			break
		}
	}

	return items, nil
}

func (w *WallapopSource) fetchPage(ctx context.Context, term string, offset int) ([]models.RawListing, error) {
	params := map[string]string{
		"source":      "search_box",
		"category_id": w.cfg.CategoryID,
		"latitude":    strconv.FormatFloat(w.cfg.Latitude, 'f', -1, 64),
		"longitude":   strconv.FormatFloat(w.cfg.Longitude, 'f', -1, 64),
		"order_by":    "newest",
		"offset":      strconv.Itoa(offset),
		"limit":       strconv.Itoa(w.cfg.PageSize),
	}
	if w.cfg.TimeFilter != "" {
		params["time_filter"] = w.cfg.TimeFilter
	}
	if term != "" {
		params["keywords"] = term
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/api/v3/search")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("search API returned status %d", resp.StatusCode())
	}

	var searchResp wallapopSearchResponse
	if err := json.Unmarshal(resp.Body(), &searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return searchResp.Data.Section.Payload.Items, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func itemID(item models.RawListing) string {
	switch v := item["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
