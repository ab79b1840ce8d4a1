package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/740540/Trabajo-Wallapop/internal/agent"
	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/740540/Trabajo-Wallapop/internal/sources"
	"github.com/740540/Trabajo-Wallapop/internal/statestore"
	"github.com/740540/Trabajo-Wallapop/internal/storage"
	"github.com/joho/godotenv"
)

// documentBackend stands in for Elasticsearch and accepts every record
type documentBackend struct {
	mu      sync.Mutex
	records []models.EnrichedRecord
}

func (b *documentBackend) Bulk(ctx context.Context, records []models.EnrichedRecord) ([]models.ItemResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	results := make([]models.ItemResult, len(records))
	for i, r := range records {
		b.records = append(b.records, r)
		results[i] = models.ItemResult{ListingID: r.Listing.ID, Class: models.DeliveryAccepted, Status: 201}
	}
	return results, nil
}

// consoleNotifier prints reports to the terminal and keeps a JSON copy
type consoleNotifier struct {
	out storage.StorageInterface
}

func (c *consoleNotifier) SendReport(ctx context.Context, report *models.Report) error {
	s := report.Summary

	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Println("📊 WALLAPOP RISK REPORT")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("🆔 Cycle: %s (%s)\n", s.CycleID, s.Status)
	fmt.Printf("📥 Fetched: %d | Normalized: %d | Excluded: %d | Duplicates: %d\n",
		s.Fetched, s.Normalized, s.Excluded, s.Duplicates)
	fmt.Printf("🧮 Scored: %d | high %d | medium %d | low %d\n",
		s.Scored, s.TierCounts[models.TierHigh], s.TierCounts[models.TierMedium], s.TierCounts[models.TierLow])

	fmt.Println("\n🚩 High risk listings:")
	for i, l := range report.HighRisk {
		if i >= 10 {
			fmt.Printf("   ... and %d more\n", len(report.HighRisk)-10)
			break
		}
		fmt.Printf("   %d. %s - %s EUR (score %.0f)\n", i+1, l.Title, l.Price, l.Score)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("reports/%s.json", s.CycleID)
	if err := c.out.Store(ctx, name, data); err != nil {
		return err
	}
	fmt.Printf("\n💾 Report saved to: %s\n", name)
	return nil
}

func (c *consoleNotifier) SendAlert(ctx context.Context, alert *models.Alert) error {
	fmt.Println("\n🚨 ALERT")
	fmt.Printf("Type: %s\n", alert.Type)
	fmt.Printf("Message: %s\n", alert.Message)
	return nil
}

func main() {
	replay := flag.String("replay", "", "read raw listings from an NDJSON file instead of the marketplace API")
	outDir := flag.String("out", "test_output", "directory for documents and reports")
	flag.Parse()

	fmt.Println("🧪 Wallapop Risk Agent - Dry Run")
	fmt.Println("================================")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	out, err := storage.NewLocalStorage(*outDir)
	if err != nil {
		log.Fatalf("Failed to prepare output directory: %v", err)
	}

	var source sources.Source
	if *replay != "" {
		source = sources.NewFileSource(*replay)
	} else {
		source = sources.NewWallapopSource(sources.WallapopConfig{
			BaseURL:      cfg.FeedBaseURL,
			CategoryID:   cfg.FeedCategoryID,
			Latitude:     cfg.FeedLatitude,
			Longitude:    cfg.FeedLongitude,
			SearchTerms:  cfg.FeedSearchTerms,
			PageSize:     cfg.FeedPageSize,
			MaxPages:     cfg.FeedMaxPages,
			TimeFilter:   cfg.FeedTimeFilter,
			RequestDelay: cfg.FeedRequestDelay,
		})
	}

	backend := &documentBackend{}
	service, err := agent.NewService(ctx, cfg, agent.Dependencies{
		Sources:  []sources.Source{source},
		Store:    statestore.NewMemoryStore(),
		Backend:  backend,
		Backup:   out,
		Notifier: &consoleNotifier{out: out},
	})
	if err != nil {
		log.Fatalf("Failed to initialize agent: %v", err)
	}

	fmt.Println("🔍 Running one full cycle against an in-memory state store...")
	if _, err := service.RunCycle(ctx); err != nil {
		fmt.Printf("❌ Cycle failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n✅ Dry run completed, %d documents written under %s/enriched\n", len(backend.records), *outDir)
}
