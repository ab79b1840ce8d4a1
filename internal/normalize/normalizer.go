// Package normalize converts raw feed records into canonical listings.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/shopspring/decimal"
)

// ErrMalformedRecord is wrapped by every normalization failure
var ErrMalformedRecord = errors.New("malformed record")

// MalformedRecordError reports which required field could not be read
type MalformedRecordError struct {
	ListingID string
	Field     string
	Reason    string
}

func (e *MalformedRecordError) Error() string {
	if e.ListingID != "" {
		return fmt.Sprintf("malformed record %s: %s %s", e.ListingID, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed record: %s %s", e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// Normalizer turns raw feed records into listings
type Normalizer struct {
	bucketPrecision int
}

// NewNormalizer creates a normalizer. bucketPrecision is the number of decimals
// coordinates are rounded to when a listing has no city or region.
func NewNormalizer(bucketPrecision int) *Normalizer {
	if bucketPrecision < 0 {
		bucketPrecision = 0
	}
	return &Normalizer{bucketPrecision: bucketPrecision}
}

// Normalize converts one raw record. observedAt is used as the crawl timestamp
// when the record does not carry one.
func (n *Normalizer) Normalize(raw models.RawListing, observedAt time.Time) (models.Listing, error) {
	id, ok := stringField(raw, "id")
	if !ok || id == "" {
		return models.Listing{}, &MalformedRecordError{Field: "id", Reason: "is missing"}
	}

	price, currency, err := parsePrice(raw)
	if err != nil {
		return models.Listing{}, &MalformedRecordError{ListingID: id, Field: "price", Reason: err.Error()}
	}

	category, ok := stringField(raw, "category_id", "categoryid", "category")
	if !ok || category == "" {
		return models.Listing{}, &MalformedRecordError{ListingID: id, Field: "category", Reason: "is missing"}
	}

	title, _ := stringField(raw, "title")
	description, _ := stringField(raw, "description")
	sellerID, _ := stringField(raw, "user_id", "userid", "seller_id")
	webSlug, _ := stringField(raw, "web_slug", "webslug")

	listing := models.Listing{
		ID:             id,
		Title:          strings.TrimSpace(title),
		Description:    strings.TrimSpace(description),
		Price:          price,
		Currency:       currency,
		Category:       category,
		Location:       n.parseLocation(raw),
		SellerID:       sellerID,
		Seller:         parseSeller(raw, observedAt),
		WebSlug:        webSlug,
		CreatedAt:      timeField(raw, "created_at", "createdat"),
		ModifiedAt:     timeField(raw, "modified_at", "modifiedat"),
		CrawlTimestamp: observedAt.UTC(),
	}

	if crawl := timeField(raw, "crawl_timestamp"); crawl != nil {
		listing.CrawlTimestamp = *crawl
	}

	return listing, nil
}

func parsePrice(raw models.RawListing) (decimal.Decimal, string, error) {
	currency := "EUR"
	if c, ok := stringField(raw, "currency"); ok && c != "" {
		currency = c
	}

	value, ok := raw["price"]
	if !ok || value == nil {
		return decimal.Decimal{}, "", fmt.Errorf("is missing")
	}

	// Search results nest the amount: {"amount": 1200, "currency": "EUR"}
	if nested, ok := value.(map[string]interface{}); ok {
		if c, ok := stringField(nested, "currency"); ok && c != "" {
			currency = c
		}
		value, ok = nested["amount"]
		if !ok || value == nil {
			return decimal.Decimal{}, "", fmt.Errorf("amount is missing")
		}
	}

	price, err := toDecimal(value)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	if price.IsNegative() {
		return decimal.Decimal{}, "", fmt.Errorf("is negative")
	}

	return price, currency, nil
}

func toDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, fmt.Errorf("is not a finite number")
		}
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		s := strings.TrimSpace(v)
		// "1200,50" is a common way of writing prices in the feed's locale
		if strings.Contains(s, ",") && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%q is not a number", v)
		}
		return d, nil
	default:
		if num, ok := value.(interface{ String() string }); ok {
			return toDecimal(num.String())
		}
		return decimal.Decimal{}, fmt.Errorf("has unsupported type %T", value)
	}
}

func (n *Normalizer) parseLocation(raw models.RawListing) models.Location {
	var loc models.Location

	nested, ok := raw["location"].(map[string]interface{})
	if !ok {
		loc.Bucket = "unknown"
		return loc
	}

	loc.City, _ = stringField(nested, "city")
	loc.PostalCode, _ = stringField(nested, "postal_code", "postalcode", "zip")
	loc.Region, _ = stringField(nested, "region")
	loc.Latitude = floatField(nested, "latitude", "lat")
	loc.Longitude = floatField(nested, "longitude", "lon", "lng")
	loc.Bucket = n.bucket(loc)

	return loc
}

func (n *Normalizer) bucket(loc models.Location) string {
	switch {
	case strings.TrimSpace(loc.City) != "":
		return strings.ToLower(strings.TrimSpace(loc.City))
	case strings.TrimSpace(loc.Region) != "":
		return strings.ToLower(strings.TrimSpace(loc.Region))
	case loc.Latitude != nil && loc.Longitude != nil:
		return fmt.Sprintf("%.*f,%.*f", n.bucketPrecision, *loc.Latitude, n.bucketPrecision, *loc.Longitude)
	default:
		return "unknown"
	}
}

func parseSeller(raw models.RawListing, observedAt time.Time) *models.SellerMetadata {
	var nested map[string]interface{}
	for _, key := range []string{"seller", "user"} {
		if m, ok := raw[key].(map[string]interface{}); ok {
			nested = m
			break
		}
	}
	if nested == nil {
		return nil
	}

	var meta models.SellerMetadata
	found := false

	if age := floatField(nested, "account_age_days"); age != nil {
		days := int(*age)
		meta.AccountAgeDays = &days
		found = true
	} else if registered := timeField(nested, "register_date", "registered_at"); registered != nil {
		days := int(observedAt.Sub(*registered).Hours() / 24)
		if days < 0 {
			days = 0
		}
		meta.AccountAgeDays = &days
		found = true
	}

	if count := floatField(nested, "listing_count", "items_count"); count != nil {
		c := int(*count)
		meta.ListingCount = &c
		found = true
	}

	if rating := floatField(nested, "rating", "scoring"); rating != nil {
		meta.Rating = rating
		found = true
	}

	if !found {
		return nil
	}
	return &meta
}

// stringField returns the first present key as a string; numbers are formatted without exponent
func stringField(m map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		value, ok := m[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			return strings.TrimSpace(v), true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case int:
			return strconv.Itoa(v), true
		case int64:
			return strconv.FormatInt(v, 10), true
		case interface{ String() string }:
			return v.String(), true
		}
	}
	return "", false
}

func floatField(m map[string]interface{}, keys ...string) *float64 {
	for _, key := range keys {
		value, ok := m[key]
		if !ok || value == nil {
			continue
		}
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			f = parsed
		default:
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		return &f
	}
	return nil
}

// timeField accepts RFC3339 strings and epoch seconds or milliseconds
func timeField(m map[string]interface{}, keys ...string) *time.Time {
	for _, key := range keys {
		value, ok := m[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				t = t.UTC()
				return &t
			}
		case float64:
			t := epoch(v)
			return &t
		case int64:
			t := epoch(float64(v))
			return &t
		}
	}
	return nil
}

func epoch(v float64) time.Time {
	if v > 1e11 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}
