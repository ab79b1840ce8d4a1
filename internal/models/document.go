package models

import "time"

// GeoPoint is an Elasticsearch geo_point
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DocumentLocation is the stored location shape
type DocumentLocation struct {
	City       string    `json:"city"`
	PostalCode string    `json:"postal_code"`
	Region     string    `json:"region"`
	Bucket     string    `json:"bucket"`
	Geo        *GeoPoint `json:"geo,omitempty"`
}

// DocumentTimestamps holds the time fields used for index partitioning
type DocumentTimestamps struct {
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	ModifiedAt     *time.Time `json:"modified_at,omitempty"`
	CrawlTimestamp time.Time  `json:"crawl_timestamp"`
}

// DocumentEnrichment holds the fields downstream alerting filters on
type DocumentEnrichment struct {
	RiskScore             float64  `json:"risk_score"`
	RiskTier              Tier     `json:"risk_tier"`
	ContributingSignals   []Signal `json:"contributing_signals"`
	SuspiciousKeywords    []string `json:"suspicious_keywords"`
	HasSuspiciousKeywords bool     `json:"has_suspicious_keywords"`
	RelativePriceIndex    *float64 `json:"relative_price_index,omitempty"`
	BaselineMedian        *float64 `json:"baseline_median,omitempty"`
	SellerCycleListings   int      `json:"seller_items_today"`
}

// Document is the stored form of an enriched listing
type Document struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Price       float64            `json:"price"`
	Currency    string             `json:"currency"`
	SellerID    string             `json:"seller_id,omitempty"`
	CategoryID  string             `json:"category_id"`
	WebSlug     string             `json:"web_slug,omitempty"`
	Location    DocumentLocation   `json:"location"`
	Timestamps  DocumentTimestamps `json:"timestamps"`
	Enrichment  DocumentEnrichment `json:"enrichment"`
}

// NewDocument builds the stored document for an enriched record
func NewDocument(rec EnrichedRecord) Document {
	l := rec.Listing
	a := rec.Assessment

	doc := Document{
		ID:          l.ID,
		Title:       l.Title,
		Description: l.Description,
		Price:       l.Price.InexactFloat64(),
		Currency:    l.Currency,
		SellerID:    l.SellerID,
		CategoryID:  l.Category,
		WebSlug:     l.WebSlug,
		Location: DocumentLocation{
			City:       l.Location.City,
			PostalCode: l.Location.PostalCode,
			Region:     l.Location.Region,
			Bucket:     l.Location.Bucket,
		},
		Timestamps: DocumentTimestamps{
			CreatedAt:      l.CreatedAt,
			ModifiedAt:     l.ModifiedAt,
			CrawlTimestamp: l.CrawlTimestamp,
		},
		Enrichment: DocumentEnrichment{
			RiskScore:             a.Score,
			RiskTier:              a.Tier,
			ContributingSignals:   a.Signals,
			SuspiciousKeywords:    a.MatchedKeywords,
			HasSuspiciousKeywords: len(a.MatchedKeywords) > 0,
			RelativePriceIndex:    a.RelativePriceIndex,
			SellerCycleListings:   l.SellerCycleListings,
		},
	}

	if l.Location.Latitude != nil && l.Location.Longitude != nil {
		doc.Location.Geo = &GeoPoint{Lat: *l.Location.Latitude, Lon: *l.Location.Longitude}
	}
	if a.BaselineMedian != nil {
		median := a.BaselineMedian.InexactFloat64()
		doc.Enrichment.BaselineMedian = &median
	}
	if doc.Enrichment.ContributingSignals == nil {
		doc.Enrichment.ContributingSignals = []Signal{}
	}
	if doc.Enrichment.SuspiciousKeywords == nil {
		doc.Enrichment.SuspiciousKeywords = []string{}
	}

	return doc
}
