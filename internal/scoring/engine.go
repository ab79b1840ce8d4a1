// Package scoring computes explainable fraud-risk assessments for listings.
//
// Score is a pure function of the listing, the rule set and a baseline snapshot.
// Signals are recorded in a fixed order: keyword rules in rule-set order, then
// the price anomaly, then metadata rules in rule-set order.
package scoring

import (
	"strings"
	"unicode/utf8"

	"github.com/740540/Trabajo-Wallapop/internal/models"
)

const (
	minScore = 0.0
	maxScore = 100.0
)

// Signal name prefixes
const (
	KeywordSignalPrefix  = "keyword:"
	PriceAnomalySignal   = "price_anomaly"
	MetadataSignalPrefix = "metadata:"
)

// Baselines resolves the reference price for a listing's key
type Baselines interface {
	Lookup(category, bucket string) (models.PriceBaseline, bool)
}

type keywordMatcher struct {
	rule    models.KeywordRule
	pattern string
}

// Engine scores listings against an immutable rule set. It is safe for concurrent use.
type Engine struct {
	rules    *models.RuleSet
	keywords []keywordMatcher
}

func NewEngine(rules *models.RuleSet) *Engine {
	keywords := make([]keywordMatcher, 0, len(rules.KeywordRules))
	for _, rule := range rules.KeywordRules {
		keywords = append(keywords, keywordMatcher{
			rule:    rule,
			pattern: strings.ToLower(rule.Pattern),
		})
	}
	return &Engine{rules: rules, keywords: keywords}
}

// Score produces the assessment for one listing. baselines may be nil, in which
// case the price signal abstains.
func (e *Engine) Score(listing models.Listing, baselines Baselines) models.RiskAssessment {
	assessment := models.RiskAssessment{
		ListingID:       listing.ID,
		Signals:         []models.Signal{},
		MatchedKeywords: []string{},
	}

	var total float64

	keywordSignals, matched := e.keywordSignals(listing)
	for _, s := range keywordSignals {
		total += s.Weight
	}
	assessment.Signals = append(assessment.Signals, keywordSignals...)
	assessment.MatchedKeywords = append(assessment.MatchedKeywords, matched...)

	if baselines != nil {
		if b, ok := baselines.Lookup(listing.Category, listing.Location.Bucket); ok {
			median := b.Median
			index := listing.Price.Div(median).InexactFloat64()
			deviation := median.Sub(listing.Price).Div(median).InexactFloat64()

			assessment.RelativePriceIndex = &index
			assessment.BaselineMedian = &median

			if weight := e.priceContribution(deviation); weight > 0 {
				total += weight
				assessment.Signals = append(assessment.Signals, models.Signal{Name: PriceAnomalySignal, Weight: weight})
			}
		}
	}

	for _, s := range e.metadataSignals(listing) {
		total += s.Weight
		assessment.Signals = append(assessment.Signals, s)
	}

	assessment.Score = clamp(total)
	assessment.Tier = e.tier(assessment.Score)

	return assessment
}

// keywordSignals matches each rule at most once and trims weights so their sum stays within the cap
func (e *Engine) keywordSignals(listing models.Listing) ([]models.Signal, []string) {
	title := strings.ToLower(listing.Title)
	description := strings.ToLower(listing.Description)

	var signals []models.Signal
	var matched []string
	var sum float64

	for _, k := range e.keywords {
		if !k.matches(title, description) {
			continue
		}
		matched = append(matched, k.rule.Pattern)

		weight := k.rule.Weight
		if e.rules.KeywordCap > 0 && sum+weight > e.rules.KeywordCap {
			weight = e.rules.KeywordCap - sum
		}
		if weight <= 0 {
			continue
		}
		sum += weight
		signals = append(signals, models.Signal{Name: KeywordSignalPrefix + k.rule.Pattern, Weight: weight})
	}

	return signals, matched
}

func (k keywordMatcher) matches(title, description string) bool {
	switch k.rule.Scope {
	case models.ScopeTitle:
		return strings.Contains(title, k.pattern)
	case models.ScopeDescription:
		return strings.Contains(description, k.pattern)
	default:
		return strings.Contains(title, k.pattern) || strings.Contains(description, k.pattern)
	}
}

// priceContribution ramps linearly from 0 at Suspicious to MaxContribution at Certain.
// Prices at or above the median never contribute.
func (e *Engine) priceContribution(deviation float64) float64 {
	pa := e.rules.PriceAnomaly
	switch {
	case deviation <= pa.Suspicious:
		return 0
	case deviation >= pa.Certain:
		return pa.MaxContribution
	default:
		return pa.MaxContribution * (deviation - pa.Suspicious) / (pa.Certain - pa.Suspicious)
	}
}

// metadataSignals evaluates the declarative rules. They only apply to listings
// that carry some seller information, and a rule whose attribute is unknown abstains.
func (e *Engine) metadataSignals(listing models.Listing) []models.Signal {
	if listing.Seller == nil && listing.SellerID == "" {
		return nil
	}

	var signals []models.Signal
	for _, rule := range e.rules.MetadataRules {
		value, ok := attribute(listing, rule.Field)
		if !ok || !compare(value, rule.Op, rule.Value) || rule.Weight <= 0 {
			continue
		}
		signals = append(signals, models.Signal{Name: MetadataSignalPrefix + rule.Name, Weight: rule.Weight})
	}
	return signals
}

func attribute(listing models.Listing, field string) (float64, bool) {
	seller := listing.Seller
	switch field {
	case models.FieldAccountAgeDays:
		if seller != nil && seller.AccountAgeDays != nil {
			return float64(*seller.AccountAgeDays), true
		}
	case models.FieldListingCount:
		if seller != nil && seller.ListingCount != nil {
			return float64(*seller.ListingCount), true
		}
	case models.FieldRating:
		if seller != nil && seller.Rating != nil {
			return *seller.Rating, true
		}
	case models.FieldDescriptionLength:
		return float64(utf8.RuneCountInString(listing.Description)), true
	case models.FieldSellerCycleListings:
		if listing.SellerCycleListings > 0 {
			return float64(listing.SellerCycleListings), true
		}
	}
	return 0, false
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case models.OpLessThan:
		return value < threshold
	case models.OpLessOrEqual:
		return value <= threshold
	case models.OpGreaterThan:
		return value > threshold
	case models.OpGreaterOrEqual:
		return value >= threshold
	case models.OpEqual:
		return value == threshold
	}
	return false
}

func (e *Engine) tier(score float64) models.Tier {
	switch {
	case score >= e.rules.Tiers.High:
		return models.TierHigh
	case score >= e.rules.Tiers.Medium:
		return models.TierMedium
	default:
		return models.TierLow
	}
}

func clamp(score float64) float64 {
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
