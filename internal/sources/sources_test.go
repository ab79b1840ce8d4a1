package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWallapopSource_GetName(t *testing.T) {
	source := NewWallapopSource(WallapopConfig{})
	assert.Equal(t, "wallapop", source.GetName())
}

func TestWallapopSource_IsEnabled(t *testing.T) {
	tests := []struct {
		name       string
		baseURL    string
		categoryID string
		expected   bool
	}{
		{
			name:       "Base URL and category provided",
			baseURL:    "https://api.wallapop.com",
			categoryID: "14000",
			expected:   true,
		},
		{
			name:       "Missing base URL",
			categoryID: "14000",
			expected:   false,
		},
		{
			name:     "Missing category",
			baseURL:  "https://api.wallapop.com",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := NewWallapopSource(WallapopConfig{BaseURL: tt.baseURL, CategoryID: tt.categoryID})
			assert.Equal(t, tt.expected, source.IsEnabled())
		})
	}
}

// searchPage renders n items starting at offset, with ids prefixed by term
func searchPage(term string, offset, n int) string {
	var items []string
	for i := 0; i < n; i++ {
		items = append(items, fmt.Sprintf(`{"id": "%s-%d", "title": "item", "price": {"amount": 100}}`, term, offset+i))
	}
	return `{"data": {"section": {"payload": {"items": [` + strings.Join(items, ",") + `]}}}}`
}

func TestWallapopSource_FetchListings_Paginates(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/search", r.URL.Path)
		q := r.URL.Query()

		mu.Lock()
		queries = append(queries, q.Get("keywords")+"@"+q.Get("offset"))
		mu.Unlock()

		assert.Equal(t, "14000", q.Get("category_id"))
		assert.Equal(t, "today", q.Get("time_filter"))
		assert.Equal(t, "newest", q.Get("order_by"))
		assert.Equal(t, "2", q.Get("limit"))

		offset, _ := strconv.Atoi(q.Get("offset"))
		switch q.Get("keywords") {
		case "honda":
			// two full pages then a short one
			n := 2
			if offset >= 4 {
				n = 1
			}
			w.Write([]byte(searchPage("honda", offset, n)))
		case "yamaha":
			w.Write([]byte(searchPage("yamaha", offset, 0)))
		}
	}))
	defer server.Close()

	source := NewWallapopSource(WallapopConfig{
		BaseURL:     server.URL,
		CategoryID:  "14000",
		Latitude:    41.648823,
		Longitude:   -0.889085,
		SearchTerms: []string{"honda", "yamaha"},
		PageSize:    2,
		TimeFilter:  "today",
	})

	listings, err := source.FetchListings(context.Background())
	require.NoError(t, err)

	assert.Len(t, listings, 5)
	assert.Equal(t, []string{"honda@0", "honda@2", "honda@4", "yamaha@0"}, queries)
}

func TestWallapopSource_FetchListings_DeduplicatesAcrossTerms(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"section": {"payload": {"items": [
			{"id": "shared", "title": "moto honda"},
			{"id": "` + r.URL.Query().Get("keywords") + `", "title": "only here"}
		]}}}}`))
	}))
	defer server.Close()

	source := NewWallapopSource(WallapopConfig{
		BaseURL:     server.URL,
		CategoryID:  "14000",
		SearchTerms: []string{"honda", "moto"},
		PageSize:    50,
	})

	listings, err := source.FetchListings(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, l := range listings {
		ids = append(ids, l["id"].(string))
	}
	assert.Equal(t, []string{"shared", "honda", "moto"}, ids)
}

func TestWallapopSource_FetchListings_MaxPagesAndDelay(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		calls++
		w.Write([]byte(searchPage("x", offset, 1)))
	}))
	defer server.Close()

	source := NewWallapopSource(WallapopConfig{
		BaseURL:      server.URL,
		CategoryID:   "14000",
		PageSize:     1,
		MaxPages:     3,
		RequestDelay: time.Second,
	})
	var slept []time.Duration
	source.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	listings, err := source.FetchListings(context.Background())
	require.NoError(t, err)

	assert.Len(t, listings, 3)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestWallapopSource_FetchListings_DelayStopsAtDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		w.Write([]byte(searchPage("x", offset, 1)))
	}))
	defer server.Close()

	source := NewWallapopSource(WallapopConfig{
		BaseURL:      server.URL,
		CategoryID:   "14000",
		PageSize:     1,
		MaxPages:     3,
		RequestDelay: time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := source.FetchListings(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestWallapopSource_FetchListings_PageErrorFailsFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	source := NewWallapopSource(WallapopConfig{BaseURL: server.URL, CategoryID: "14000", SearchTerms: []string{"honda"}})

	_, err := source.FetchListings(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestFileSource_FetchListings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.ndjson")
	content := `{"id": "a", "price": 100, "category_id": "14000"}

{"id": "b", "price": {"amount": 250, "currency": "EUR"}, "category_id": "14000"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	source := NewFileSource(path)
	assert.Equal(t, "file", source.GetName())
	assert.True(t, source.IsEnabled())

	listings, err := source.FetchListings(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "b", listings[1]["id"])
}

func TestFileSource_InvalidLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\": \"a\"}\nnot json\n"), 0644))

	_, err := NewFileSource(path).FetchListings(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.ndjson")).FetchListings(context.Background())
	assert.Error(t, err)
	assert.False(t, NewFileSource("").IsEnabled())
}
