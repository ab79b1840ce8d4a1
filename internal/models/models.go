package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawListing is one record as delivered by the feed, before normalization
type RawListing map[string]interface{}

// Location holds the geographic attributes of a listing
type Location struct {
	City       string   `json:"city"`
	PostalCode string   `json:"postal_code"`
	Region     string   `json:"region"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Bucket     string   `json:"bucket"` // grouping key for price baselines
}

// SellerMetadata holds optional seller attributes; nil fields were not reported by the feed
type SellerMetadata struct {
	AccountAgeDays *int     `json:"account_age_days,omitempty"`
	ListingCount   *int     `json:"listing_count,omitempty"`
	Rating         *float64 `json:"rating,omitempty"`
}

// Listing is the canonical representation of one observed marketplace item
type Listing struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	Category       string          `json:"category"`
	Location       Location        `json:"location"`
	SellerID       string          `json:"seller_id,omitempty"`
	Seller         *SellerMetadata `json:"seller,omitempty"`
	WebSlug        string          `json:"web_slug,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	ModifiedAt     *time.Time      `json:"modified_at,omitempty"`
	CrawlTimestamp time.Time       `json:"crawl_timestamp"`

	// SellerCycleListings is the number of listings by the same seller in the current cycle.
	// Filled in by the cycle before scoring; zero means unknown.
	SellerCycleListings int `json:"-"`
}

// Scope selects which text fields a keyword rule is matched against
type Scope string

const (
	ScopeTitle       Scope = "title"
	ScopeDescription Scope = "description"
	ScopeBoth        Scope = "both"
)

// KeywordRule is a static weighted text pattern
type KeywordRule struct {
	Name    string  `json:"name" yaml:"name"`
	Pattern string  `json:"pattern" yaml:"pattern"`
	Weight  float64 `json:"weight" yaml:"weight"`
	Scope   Scope   `json:"scope" yaml:"scope"`
}

// MetadataRule compares one listing or seller attribute against a threshold
type MetadataRule struct {
	Name   string  `json:"name" yaml:"name"`
	Field  string  `json:"field" yaml:"field"` // account_age_days, listing_count, rating, description_length, seller_cycle_listings
	Op     string  `json:"op" yaml:"op"`       // lt, lte, gt, gte, eq
	Value  float64 `json:"value" yaml:"value"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Attributes a MetadataRule can test
const (
	FieldAccountAgeDays      = "account_age_days"
	FieldListingCount        = "listing_count"
	FieldRating              = "rating"
	FieldDescriptionLength   = "description_length"
	FieldSellerCycleListings = "seller_cycle_listings"
)

// Comparison operators for MetadataRule
const (
	OpLessThan       = "lt"
	OpLessOrEqual    = "lte"
	OpGreaterThan    = "gt"
	OpGreaterOrEqual = "gte"
	OpEqual          = "eq"
)

// PriceAnomalyRule maps how far below the baseline median a price is into a contribution.
// Deviations at or below Suspicious contribute nothing, at or above Certain contribute
// MaxContribution, and the contribution ramps linearly in between.
type PriceAnomalyRule struct {
	Suspicious      float64 `json:"suspicious" yaml:"suspicious"`
	Certain         float64 `json:"certain" yaml:"certain"`
	MaxContribution float64 `json:"max_contribution" yaml:"max_contribution"`
}

// TierThresholds are the lower bounds of the medium and high tiers
type TierThresholds struct {
	Medium float64 `json:"medium" yaml:"medium"`
	High   float64 `json:"high" yaml:"high"`
}

// RuleSet is the immutable scoring configuration loaded once per process
type RuleSet struct {
	KeywordRules  []KeywordRule    `json:"keyword_rules" yaml:"keyword_rules"`
	KeywordCap    float64          `json:"keyword_cap" yaml:"keyword_cap"`
	MetadataRules []MetadataRule   `json:"metadata_rules" yaml:"metadata_rules"`
	PriceAnomaly  PriceAnomalyRule `json:"price_anomaly" yaml:"price_anomaly"`
	Tiers         TierThresholds   `json:"tiers" yaml:"tiers"`
	ExcludeTerms  []string         `json:"exclude_terms" yaml:"exclude_terms"`
}

// PriceBaseline is the rolling reference price for a (category, location bucket) key
type PriceBaseline struct {
	Category       string            `json:"category"`
	LocationBucket string            `json:"location_bucket"`
	Median         decimal.Decimal   `json:"median"`
	SampleCount    int               `json:"sample_count"` // total observations ever folded in
	Window         []decimal.Decimal `json:"window"`       // most recent prices, oldest first
	LastUpdated    time.Time         `json:"last_updated"`
}

// Tier is the ordinal risk bucket derived from the score
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Signal is one non-zero contribution to a risk score
type Signal struct {
	Name   string  `json:"signal"`
	Weight float64 `json:"weight"`
}

// RiskAssessment is the scoring output for one listing instance
type RiskAssessment struct {
	ListingID          string           `json:"listing_id"`
	Score              float64          `json:"score"` // 0-100 inclusive
	Tier               Tier             `json:"tier"`
	Signals            []Signal         `json:"contributing_signals"`
	MatchedKeywords    []string         `json:"matched_keywords,omitempty"`
	RelativePriceIndex *float64         `json:"relative_price_index,omitempty"` // price / baseline median
	BaselineMedian     *decimal.Decimal `json:"baseline_median,omitempty"`
}

// SeenRecord is a dedup tracker entry
type SeenRecord struct {
	ListingID string    `json:"listing_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Expiry    time.Time `json:"expiry"`
	Pending   bool      `json:"pending"` // claimed by a cycle that has not reached a terminal outcome
}

// EnrichedRecord pairs a listing with its assessment
type EnrichedRecord struct {
	Listing    Listing        `json:"listing"`
	Assessment RiskAssessment `json:"assessment"`
}

// IngestionBatch is one bulk write attempt
type IngestionBatch struct {
	Records      []EnrichedRecord
	AttemptCount int
}

// DeliveryClass is the outcome of delivering one record to the storage backend
type DeliveryClass string

const (
	DeliveryAccepted  DeliveryClass = "accepted"
	DeliveryRetryable DeliveryClass = "retryable"
	DeliveryTerminal  DeliveryClass = "terminal"
)

// ItemResult is the backend's verdict on one record of a bulk write
type ItemResult struct {
	ListingID string        `json:"listing_id"`
	Class     DeliveryClass `json:"class"`
	Status    int           `json:"status"`
	Reason    string        `json:"reason,omitempty"`
}

// Cycle stages used in record outcomes
const (
	StageNormalize = "normalize"
	StageExclude   = "exclude"
	StageDedup     = "dedup"
	StageDelivery  = "delivery"
)

// RecordOutcome explains why a record was skipped or failed in a cycle
type RecordOutcome struct {
	ListingID string        `json:"listing_id"`
	Stage     string        `json:"stage"`
	Reason    string        `json:"reason"`
	Class     DeliveryClass `json:"class,omitempty"`
}

// Cycle statuses
const (
	CycleCompleted = "completed"
	CyclePartial   = "partial" // some records permanently failed delivery
	CycleAborted   = "aborted"
)

// CycleSummary is the result of one poll cycle
type CycleSummary struct {
	CycleID     string          `json:"cycle_id"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Status      string          `json:"status"`
	Fetched     int             `json:"fetched"`
	Normalized  int             `json:"normalized"`
	Excluded    int             `json:"excluded"`
	Duplicates  int             `json:"duplicates"`
	Scored      int             `json:"scored"`
	Accepted    int             `json:"accepted"`
	TierCounts  map[Tier]int    `json:"tier_counts"`
	Skipped     []RecordOutcome `json:"skipped,omitempty"`
	Failed      []RecordOutcome `json:"failed,omitempty"`
	AbortReason string          `json:"abort_reason,omitempty"`
}

// HighRiskListing is a condensed listing line used in operator reports
type HighRiskListing struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Price   string  `json:"price"`
	Score   float64 `json:"score"`
	Tier    Tier    `json:"tier"`
	WebSlug string  `json:"web_slug,omitempty"`
}

// Report represents the operator report sent after a cycle
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Summary     *CycleSummary     `json:"summary"`
	HighRisk    []HighRiskListing `json:"high_risk"`
}

// Alert represents an urgent operator notification
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "critical", "urgent", "info"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CycleID   string    `json:"cycle_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
