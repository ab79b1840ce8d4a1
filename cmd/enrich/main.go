package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/baseline"
	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/740540/Trabajo-Wallapop/internal/normalize"
	"github.com/740540/Trabajo-Wallapop/internal/scoring"
	"github.com/740540/Trabajo-Wallapop/internal/sources"
	"github.com/740540/Trabajo-Wallapop/internal/storage"
	"github.com/sirupsen/logrus"
)

type options struct {
	window          int
	minSamples      int
	bucketPrecision int
}

func main() {
	input := flag.String("in", "", "NDJSON file of raw listings")
	output := flag.String("out", "", "output file for enriched NDJSON (default stdout)")
	rulesFile := flag.String("rules", "config/rules.yaml", "scoring rules file")
	window := flag.Int("window", 101, "prices kept per baseline key")
	minSamples := flag.Int("min-samples", 5, "observations needed before a baseline is trusted")
	precision := flag.Int("bucket-precision", 1, "decimals kept when bucketing by coordinates")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *input == "" {
		logrus.Fatal("-in is required")
	}

	rules, err := config.LoadRules(*rulesFile)
	if err != nil {
		logrus.Fatalf("Failed to load rules: %v", err)
	}
	if err := config.ValidateRules(rules); err != nil {
		logrus.Fatalf("Invalid rules: %v", err)
	}

	ctx := context.Background()
	raw, err := sources.NewFileSource(*input).FetchListings(ctx)
	if err != nil {
		logrus.Fatalf("Failed to read input: %v", err)
	}

	records, err := enrich(ctx, raw, rules, options{
		window:          *window,
		minSamples:      *minSamples,
		bucketPrecision: *precision,
	}, time.Now())
	if err != nil {
		logrus.Fatalf("Enrichment failed: %v", err)
	}

	var out io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			logrus.Fatalf("Failed to create %s: %v", *output, err)
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	if err := storage.EncodeNDJSON(w, records); err != nil {
		logrus.Fatalf("Failed to write output: %v", err)
	}
	if err := w.Flush(); err != nil {
		logrus.Fatalf("Failed to write output: %v", err)
	}
}

// enrich scores a whole dump offline. Baselines are built from every price in
// the dump first, then each listing is scored against that one snapshot.
func enrich(ctx context.Context, raw []models.RawListing, rules *models.RuleSet, opts options, now time.Time) ([]models.EnrichedRecord, error) {
	normalizer := normalize.NewNormalizer(opts.bucketPrecision)
	excluder := normalize.NewExcluder(rules.ExcludeTerms)

	var listings []models.Listing
	malformed, excluded := 0, 0
	for _, r := range raw {
		listing, err := normalizer.Normalize(r, now)
		if err != nil {
			logrus.Warnf("Skipping record: %v", err)
			malformed++
			continue
		}
		if term, ok := excluder.Match(listing); ok {
			logrus.Debugf("Excluding listing %s (matched %q)", listing.ID, term)
			excluded++
			continue
		}
		listings = append(listings, listing)
	}

	perSeller := make(map[string]int)
	for _, l := range listings {
		if l.SellerID != "" {
			perSeller[l.SellerID]++
		}
	}

	tracker := baseline.NewTracker(opts.window, opts.minSamples, nil)
	for _, l := range listings {
		if err := tracker.Observe(ctx, l, now); err != nil {
			return nil, fmt.Errorf("failed to observe listing %s: %w", l.ID, err)
		}
	}
	snapshot := tracker.Snapshot()

	engine := scoring.NewEngine(rules)
	records := make([]models.EnrichedRecord, 0, len(listings))
	tiers := make(map[models.Tier]int)
	for _, l := range listings {
		l.SellerCycleListings = perSeller[l.SellerID]
		assessment := engine.Score(l, snapshot)
		tiers[assessment.Tier]++
		records = append(records, models.EnrichedRecord{Listing: l, Assessment: assessment})
	}

	logrus.WithFields(logrus.Fields{
		"input":     len(raw),
		"malformed": malformed,
		"excluded":  excluded,
		"enriched":  len(records),
		"baselines": snapshot.Len(),
		"high":      tiers[models.TierHigh],
		"medium":    tiers[models.TierMedium],
	}).Info("Enrichment finished")

	return records, nil
}
