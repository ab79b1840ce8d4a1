package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// IndexManager creates the lifecycle policy, index template and first backing
// index behind the write alias. Every step is idempotent.
type IndexManager struct {
	client *resty.Client
	alias  string
}

func NewIndexManager(host, alias, username, password string) *IndexManager {
	client := resty.New().
		SetBaseURL(strings.TrimRight(host, "/")).
		SetTimeout(30 * time.Second)
	if username != "" {
		client.SetBasicAuth(username, password)
	}
	return &IndexManager{client: client, alias: alias}
}

// PolicyName is the ILM policy name derived from the alias ("lab001.wallapop" -> "lab001-wallapop-rotation")
func (m *IndexManager) PolicyName() string {
	return strings.ReplaceAll(m.alias, ".", "-") + "-rotation"
}

func (m *IndexManager) TemplateName() string {
	return strings.ReplaceAll(m.alias, ".", "-") + "-template"
}

// InitialIndex is the first backing index of the alias
func (m *IndexManager) InitialIndex() string {
	return m.alias + "-000001"
}

// Setup runs all bootstrap steps in order
func (m *IndexManager) Setup(ctx context.Context) error {
	if err := m.Ping(ctx); err != nil {
		return err
	}
	if err := m.PutLifecyclePolicy(ctx); err != nil {
		return err
	}
	if err := m.PutIndexTemplate(ctx); err != nil {
		return err
	}
	return m.CreateInitialIndex(ctx)
}

func (m *IndexManager) Ping(ctx context.Context) error {
	var info struct {
		Version struct {
			Number string `json:"number"`
		} `json:"version"`
	}

	resp, err := m.client.R().SetContext(ctx).SetResult(&info).Get("/")
	if err != nil {
		return fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("elasticsearch returned status %d", resp.StatusCode())
	}

	logrus.Infof("Connected to Elasticsearch %s", info.Version.Number)
	return nil
}

// PutLifecyclePolicy rolls the write index over daily or at 1gb and deletes indices after 30 days
func (m *IndexManager) PutLifecyclePolicy(ctx context.Context) error {
	policy := map[string]interface{}{
		"policy": map[string]interface{}{
			"phases": map[string]interface{}{
				"hot": map[string]interface{}{
					"actions": map[string]interface{}{
						"rollover": map[string]interface{}{
							"max_size": "1gb",
							"max_age":  "1d",
						},
					},
				},
				"delete": map[string]interface{}{
					"min_age": "30d",
					"actions": map[string]interface{}{
						"delete": map[string]interface{}{},
					},
				},
			},
		},
	}

	return m.put(ctx, "/_ilm/policy/"+m.PolicyName(), policy, "lifecycle policy")
}

func (m *IndexManager) PutIndexTemplate(ctx context.Context) error {
	template := map[string]interface{}{
		"index_patterns": []string{m.alias + "-*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"index.lifecycle.name":           m.PolicyName(),
				"index.lifecycle.rollover_alias": m.alias,
				"number_of_shards":               1,
				"number_of_replicas":             0,
			},
			"mappings": documentMapping(),
		},
	}

	return m.put(ctx, "/_index_template/"+m.TemplateName(), template, "index template")
}

// CreateInitialIndex creates <alias>-000001 with the write alias unless it already exists
func (m *IndexManager) CreateInitialIndex(ctx context.Context) error {
	resp, err := m.client.R().SetContext(ctx).Head("/" + m.InitialIndex())
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", m.InitialIndex(), err)
	}
	if resp.StatusCode() == http.StatusOK {
		logrus.Infof("Index %s already exists", m.InitialIndex())
		return nil
	}

	body := map[string]interface{}{
		"aliases": map[string]interface{}{
			m.alias: map[string]interface{}{"is_write_index": true},
		},
	}
	return m.put(ctx, "/"+m.InitialIndex(), body, "initial index")
}

func (m *IndexManager) put(ctx context.Context, path string, body interface{}, what string) error {
	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Put(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", what, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to create %s: status %d: %s", what, resp.StatusCode(), truncate(resp.String()))
	}

	logrus.Infof("Created %s at %s", what, path)
	return nil
}

func documentMapping() map[string]interface{} {
	prop := func(t string) map[string]interface{} {
		return map[string]interface{}{"type": t}
	}

	return map[string]interface{}{
		"properties": map[string]interface{}{
			"id":          prop("keyword"),
			"title":       prop("text"),
			"description": prop("text"),
			"price":       prop("double"),
			"currency":    prop("keyword"),
			"seller_id":   prop("keyword"),
			"category_id": prop("keyword"),
			"web_slug":    prop("keyword"),
			"location": map[string]interface{}{
				"properties": map[string]interface{}{
					"geo":         prop("geo_point"),
					"city":        prop("keyword"),
					"postal_code": prop("keyword"),
					"region":      prop("keyword"),
					"bucket":      prop("keyword"),
				},
			},
			"timestamps": map[string]interface{}{
				"properties": map[string]interface{}{
					"created_at":      prop("date"),
					"modified_at":     prop("date"),
					"crawl_timestamp": prop("date"),
				},
			},
			"enrichment": map[string]interface{}{
				"properties": map[string]interface{}{
					"risk_score": prop("float"),
					"risk_tier":  prop("keyword"),
					"contributing_signals": map[string]interface{}{
						"type": "nested",
						"properties": map[string]interface{}{
							"signal": prop("keyword"),
							"weight": prop("float"),
						},
					},
					"suspicious_keywords":     prop("keyword"),
					"has_suspicious_keywords": prop("boolean"),
					"relative_price_index":    prop("float"),
					"baseline_median":         prop("double"),
					"seller_items_today":      prop("integer"),
				},
			},
		},
	}
}
