package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/ingest"
	"github.com/740540/Trabajo-Wallapop/internal/sources"
	"github.com/740540/Trabajo-Wallapop/internal/statestore"
	"github.com/740540/Trabajo-Wallapop/internal/storage"
	"github.com/joho/godotenv"
)

func main() {
	fmt.Println("🔍 Wallapop Risk Agent - Connectivity Check")
	fmt.Println("===========================================")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fmt.Println("\n📡 Checking collaborators...")
	fmt.Println(strings.Repeat("-", 40))

	failed := 0
	check := func(name string, fn func() (string, error)) {
		fmt.Printf("🔸 %s... ", name)
		detail, err := fn()
		if err != nil {
			failed++
			fmt.Printf("❌ ERROR: %v\n", err)
			return
		}
		fmt.Printf("✅ %s\n", detail)
	}

	check("Marketplace feed", func() (string, error) {
		source := sources.NewWallapopSource(sources.WallapopConfig{
			BaseURL:     cfg.FeedBaseURL,
			CategoryID:  cfg.FeedCategoryID,
			Latitude:    cfg.FeedLatitude,
			Longitude:   cfg.FeedLongitude,
			SearchTerms: firstTerm(cfg.FeedSearchTerms),
			PageSize:    cfg.FeedPageSize,
			MaxPages:    1,
			TimeFilter:  cfg.FeedTimeFilter,
		})
		if !source.IsEnabled() {
			return "", fmt.Errorf("disabled (missing base URL or category)")
		}
		listings, err := source.FetchListings(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d listings on the first page", len(listings)), nil
	})

	check("Elasticsearch", func() (string, error) {
		manager := ingest.NewIndexManager(cfg.ESHost, cfg.ESIndexAlias, cfg.ESUsername, cfg.ESPassword)
		if err := manager.Ping(ctx); err != nil {
			return "", err
		}
		return cfg.ESHost + " reachable", nil
	})

	check("State store", func() (string, error) {
		store, err := statestore.Open(ctx, cfg.StateStoreDriver, cfg.StateStoreDSN)
		if err != nil {
			return "", err
		}
		defer store.Close()
		baselines, err := store.LoadBaselines(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s store holds %d price baselines", cfg.StateStoreDriver, len(baselines)), nil
	})

	check("Backup storage", func() (string, error) {
		backup, err := storage.New(ctx, cfg)
		if err != nil {
			return "", err
		}
		if backup == nil {
			return "disabled", nil
		}
		keys, err := backup.List(ctx, "enriched/")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s backend holds %d backups", cfg.BackupDriver, len(keys)), nil
	})

	if failed > 0 {
		fmt.Printf("\n⚠️  %d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("\n✅ Connectivity check completed!")
}

func firstTerm(terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	return terms[:1]
}
