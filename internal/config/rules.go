package config

import (
	"fmt"
	"os"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"gopkg.in/yaml.v3"
)

// LoadRules reads the scoring rule set from a YAML file.
// A missing file yields DefaultRules.
func LoadRules(path string) (*models.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), nil
		}
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var rules models.RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	for i := range rules.KeywordRules {
		if rules.KeywordRules[i].Scope == "" {
			rules.KeywordRules[i].Scope = models.ScopeBoth
		}
		if rules.KeywordRules[i].Name == "" {
			rules.KeywordRules[i].Name = rules.KeywordRules[i].Pattern
		}
	}

	return &rules, nil
}

// ValidateRules checks a rule set for values the scoring engine cannot evaluate
func ValidateRules(rules *models.RuleSet) error {
	for _, rule := range rules.KeywordRules {
		if rule.Pattern == "" {
			return fmt.Errorf("keyword rule %q has an empty pattern", rule.Name)
		}
		if rule.Weight < 0 {
			return fmt.Errorf("keyword rule %q has a negative weight", rule.Name)
		}
		switch rule.Scope {
		case models.ScopeTitle, models.ScopeDescription, models.ScopeBoth:
		default:
			return fmt.Errorf("keyword rule %q has unknown scope %q", rule.Name, rule.Scope)
		}
	}

	for _, rule := range rules.MetadataRules {
		switch rule.Field {
		case models.FieldAccountAgeDays, models.FieldListingCount, models.FieldRating,
			models.FieldDescriptionLength, models.FieldSellerCycleListings:
		default:
			return fmt.Errorf("metadata rule %q has unknown field %q", rule.Name, rule.Field)
		}
		switch rule.Op {
		case models.OpLessThan, models.OpLessOrEqual, models.OpGreaterThan, models.OpGreaterOrEqual, models.OpEqual:
		default:
			return fmt.Errorf("metadata rule %q has unknown op %q", rule.Name, rule.Op)
		}
		if rule.Weight < 0 {
			return fmt.Errorf("metadata rule %q has a negative weight", rule.Name)
		}
	}

	if rules.KeywordCap < 0 {
		return fmt.Errorf("keyword_cap must not be negative")
	}

	pa := rules.PriceAnomaly
	if pa.Suspicious < 0 || pa.Certain > 1 || pa.Suspicious >= pa.Certain {
		return fmt.Errorf("price_anomaly requires 0 <= suspicious < certain <= 1")
	}
	if pa.MaxContribution < 0 {
		return fmt.Errorf("price_anomaly.max_contribution must not be negative")
	}

	if rules.Tiers.Medium <= 0 || rules.Tiers.High <= rules.Tiers.Medium || rules.Tiers.High > 100 {
		return fmt.Errorf("tiers require 0 < medium < high <= 100")
	}

	return nil
}

// DefaultRules returns the built-in rule set used when no rules file is present
func DefaultRules() *models.RuleSet {
	keyword := func(name, pattern string, weight float64) models.KeywordRule {
		return models.KeywordRule{Name: name, Pattern: pattern, Weight: weight, Scope: models.ScopeBoth}
	}

	return &models.RuleSet{
		KeywordRules: []models.KeywordRule{
			keyword("critical_legal", "sin papeles", 30),
			keyword("critical_legal", "sin documentacion", 30),
			keyword("critical_legal", "no papeles", 30),
			keyword("critical_integrity", "sin itv", 30),
			keyword("critical_integrity", "para piezas", 30),
			keyword("critical_integrity", "despiece", 30),
			keyword("critical_fraud", "robo", 30),
			keyword("critical_fraud", "importacion", 30),
			keyword("critical_fraud", "procedencia dudosa", 30),
			keyword("general_urgency", "urgente", 15),
			keyword("general_urgency", "solo hoy", 15),
			keyword("general_urgency", "rapido", 15),
			keyword("general_price", "ganga", 15),
			keyword("general_price", "chollo", 15),
			keyword("general_price", "muy barato", 15),
		},
		KeywordCap: 40,
		MetadataRules: []models.MetadataRule{
			{Name: "new_account", Field: models.FieldAccountAgeDays, Op: models.OpLessThan, Value: 30, Weight: 10},
			{Name: "no_prior_listings", Field: models.FieldListingCount, Op: models.OpEqual, Value: 0, Weight: 10},
			{Name: "short_description", Field: models.FieldDescriptionLength, Op: models.OpLessThan, Value: 50, Weight: 10},
			{Name: "medium_volume_seller", Field: models.FieldSellerCycleListings, Op: models.OpGreaterThan, Value: 5, Weight: 10},
			{Name: "high_volume_seller", Field: models.FieldSellerCycleListings, Op: models.OpGreaterThan, Value: 10, Weight: 10},
		},
		PriceAnomaly: models.PriceAnomalyRule{
			Suspicious:      0.3,
			Certain:         0.6,
			MaxContribution: 40,
		},
		Tiers: models.TierThresholds{Medium: 30, High: 60},
		ExcludeTerms: []string{
			"casco", "guante", "chaqueta", "pantalón", "pantalon", "botas",
			"alforja", "mochila", "chaleco", "protector", "cubremanos",
			"candado", "antirrobo", "baul", "maleta", "caballete",
		},
	}
}
