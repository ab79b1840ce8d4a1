package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// ElasticsearchBackend writes documents through the _bulk API. Documents are
// indexed with _id = listing id, so redelivering a record overwrites it.
type ElasticsearchBackend struct {
	client *resty.Client
	alias  string
}

var _ Backend = (*ElasticsearchBackend)(nil)

type bulkAction struct {
	Index bulkTarget `json:"index"`
}

type bulkTarget struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkItemOutcome `json:"items"`
}

type bulkItemOutcome struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// NewElasticsearchBackend creates a backend writing to the given index alias
func NewElasticsearchBackend(host, alias, username, password string) *ElasticsearchBackend {
	client := resty.New().
		SetBaseURL(strings.TrimRight(host, "/")).
		SetTimeout(2 * time.Minute)
	if username != "" {
		client.SetBasicAuth(username, password)
	}
	return &ElasticsearchBackend{client: client, alias: alias}
}

// Bulk sends one _bulk request. Connection errors, 429 and 5xx responses are
// retryable batch errors; any other non-2xx response rejects the whole batch.
func (e *ElasticsearchBackend) Bulk(ctx context.Context, records []models.EnrichedRecord) ([]models.ItemResult, error) {
	body, err := e.encode(records)
	if err != nil {
		return nil, &BatchError{Retryable: false, Err: err}
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-ndjson").
		SetBody(body).
		Post("/_bulk")
	if err != nil {
		return nil, &BatchError{Retryable: true, Err: err}
	}

	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status >= 500 {
		return nil, &BatchError{Status: status, Retryable: true, Err: fmt.Errorf("%s", truncate(resp.String()))}
	}
	if status < 200 || status >= 300 {
		return nil, &BatchError{Status: status, Retryable: false, Err: fmt.Errorf("%s", truncate(resp.String()))}
	}

	var parsed bulkResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, &BatchError{Status: status, Retryable: true, Err: fmt.Errorf("failed to decode bulk response: %w", err)}
	}
	if len(parsed.Items) != len(records) {
		return nil, &BatchError{Status: status, Retryable: true, Err: fmt.Errorf("bulk response has %d items for %d records", len(parsed.Items), len(records))}
	}

	results := make([]models.ItemResult, len(records))
	for i, entry := range parsed.Items {
		var outcome bulkItemOutcome
		for _, o := range entry {
			outcome = o
		}
		results[i] = classify(records[i].Listing.ID, outcome)
	}

	if parsed.Errors {
		logrus.Debugf("Bulk request of %d records reported item errors", len(records))
	}

	return results, nil
}

func (e *ElasticsearchBackend) encode(records []models.EnrichedRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(bulkAction{Index: bulkTarget{Index: e.alias, ID: r.Listing.ID}}); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action for %s: %w", r.Listing.ID, err)
		}
		if err := enc.Encode(models.NewDocument(r)); err != nil {
			return nil, fmt.Errorf("failed to encode document %s: %w", r.Listing.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// classify maps a bulk item status to a delivery class
func classify(id string, outcome bulkItemOutcome) models.ItemResult {
	result := models.ItemResult{ListingID: id, Status: outcome.Status}
	if outcome.Error != nil {
		result.Reason = outcome.Error.Type + ": " + outcome.Error.Reason
	}

	switch {
	case outcome.Status == http.StatusOK || outcome.Status == http.StatusCreated:
		result.Class = models.DeliveryAccepted
	case outcome.Status == http.StatusTooManyRequests || outcome.Status >= 500:
		result.Class = models.DeliveryRetryable
	case outcome.Error != nil && outcome.Error.Type == "es_rejected_execution_exception":
		result.Class = models.DeliveryRetryable
	default:
		result.Class = models.DeliveryTerminal
	}
	return result
}

func truncate(s string) string {
	const max = 512
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
