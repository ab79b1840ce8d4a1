package normalize

import (
	"strings"

	"github.com/740540/Trabajo-Wallapop/internal/models"
)

// Excluder drops listings that are accessories rather than the item class being monitored
type Excluder struct {
	terms []string
}

// NewExcluder creates an excluder for the given terms (matched case-insensitively)
func NewExcluder(terms []string) *Excluder {
	lowered := make([]string, 0, len(terms))
	for _, term := range terms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			lowered = append(lowered, term)
		}
	}
	return &Excluder{terms: lowered}
}

// Match returns the first exclusion term found in the listing's title or description
func (e *Excluder) Match(listing models.Listing) (string, bool) {
	if len(e.terms) == 0 {
		return "", false
	}

	text := strings.ToLower(listing.Title + " " + listing.Description)
	for _, term := range e.terms {
		if strings.Contains(text, term) {
			return term, true
		}
	}
	return "", false
}
