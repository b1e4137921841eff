// Package model defines the canonical property record and the transient
// shapes that flow through the collection pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// PropertyType classifies a property record.
type PropertyType string

const (
	PropertyTypeSingleFamily PropertyType = "single_family"
	PropertyTypeCondo        PropertyType = "condo"
	PropertyTypeTownhouse    PropertyType = "townhouse"
	PropertyTypeApartment    PropertyType = "apartment"
	PropertyTypeManufactured PropertyType = "manufactured"
	PropertyTypeVacantLand   PropertyType = "vacant_land"
	PropertyTypeCommercial   PropertyType = "commercial"
	PropertyTypeOther        PropertyType = "other"
)

// ValidPropertyType reports whether t is a member of the PropertyType enum.
func ValidPropertyType(t PropertyType) bool {
	switch t {
	case PropertyTypeSingleFamily, PropertyTypeCondo, PropertyTypeTownhouse,
		PropertyTypeApartment, PropertyTypeManufactured, PropertyTypeVacantLand,
		PropertyTypeCommercial, PropertyTypeOther:
		return true
	}
	return false
}

// PriceType classifies a price history entry.
type PriceType string

const (
	PriceTypeListing          PriceType = "listing"
	PriceTypeAssessed         PriceType = "assessed"
	PriceTypeMarketEstimate   PriceType = "market_estimate"
	PriceTypeLandValue        PriceType = "land_value"
	PriceTypeImprovementValue PriceType = "improvement_value"
	PriceTypeSale             PriceType = "sale"
)

// ValidPriceType reports whether t is a member of the PriceType enum.
func ValidPriceType(t PriceType) bool {
	switch t {
	case PriceTypeListing, PriceTypeAssessed, PriceTypeMarketEstimate,
		PriceTypeLandValue, PriceTypeImprovementValue, PriceTypeSale:
		return true
	}
	return false
}

// priceTypePrecedence breaks ties between entries with equal confidence and
// equal date. Higher wins.
var priceTypePrecedence = map[PriceType]int{
	PriceTypeSale:             6,
	PriceTypeAssessed:         5,
	PriceTypeListing:          4,
	PriceTypeMarketEstimate:   3,
	PriceTypeImprovementValue: 2,
	PriceTypeLandValue:        1,
}

// Address holds a normalized street address.
type Address struct {
	Street  string `json:"street"`
	Unit    string `json:"unit,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zipcode string `json:"zipcode"`
	County  string `json:"county,omitempty"`
}

// Features holds the physical attributes of a property. Pointer fields
// distinguish "absent from source" from zero values.
type Features struct {
	Bedrooms      *int     `json:"bedrooms,omitempty"`
	Bathrooms     *float64 `json:"bathrooms,omitempty"`
	HalfBathrooms *int     `json:"half_bathrooms,omitempty"`
	SquareFeet    *int     `json:"square_feet,omitempty"`
	LotSizeSqft   *int     `json:"lot_size_sqft,omitempty"`
	YearBuilt     *int     `json:"year_built,omitempty"`
	Floors        *float64 `json:"floors,omitempty"`
	GarageSpaces  *int     `json:"garage_spaces,omitempty"`
	Pool          *bool    `json:"pool,omitempty"`
	Fireplace     *bool    `json:"fireplace,omitempty"`
	ACType        string   `json:"ac_type,omitempty"`
	HeatingType   string   `json:"heating_type,omitempty"`
}

// PriceEntry is one observation in a property's price history.
type PriceEntry struct {
	Amount     float64   `json:"amount"`
	Date       time.Time `json:"date"`
	PriceType  PriceType `json:"price_type"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
}

// TaxInfo holds assessor tax data for a parcel.
type TaxInfo struct {
	APN             string   `json:"apn,omitempty"`
	AssessedValue   *float64 `json:"assessed_value,omitempty"`
	TaxAmountAnnual *float64 `json:"tax_amount_annual,omitempty"`
	TaxYear         *int     `json:"tax_year,omitempty"`
}

// SourceMeta records one collection of this property from an upstream.
type SourceMeta struct {
	Source           string    `json:"source"`
	CollectedAt      time.Time `json:"collected_at"`
	CollectorVersion string    `json:"collector_version,omitempty"`
	RawHash          string    `json:"raw_hash,omitempty"`
	QualityScore     float64   `json:"quality_score"`
	Notes            string    `json:"notes,omitempty"`
}

// Property is the canonical record persisted to the document store.
type Property struct {
	PropertyID   string                     `json:"property_id"`
	Address      Address                    `json:"address"`
	PropertyType PropertyType               `json:"property_type,omitempty"`
	Features     Features                   `json:"features"`
	CurrentPrice *float64                   `json:"current_price,omitempty"`
	PriceHistory []PriceEntry               `json:"price_history,omitempty"`
	TaxInfo      *TaxInfo                   `json:"tax_info,omitempty"`
	Sources      []SourceMeta               `json:"sources"`
	RawData      map[string]json.RawMessage `json:"raw_data,omitempty"`
	IsActive     bool                       `json:"is_active"`
	CreatedAt    time.Time                  `json:"created_at"`
	LastUpdated  time.Time                  `json:"last_updated"`
}

// DerivePropertyID computes the stable record key from a normalized street
// address, zipcode and source tag. The same inputs always hash to the same
// id, which is what makes cross-run dedup possible.
func DerivePropertyID(street, zipcode, sourceTag string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(street), " "))
	h := sha256.Sum256([]byte(norm + "|" + zipcode + "|" + sourceTag))
	return hex.EncodeToString(h[:])[:16]
}

// BestPrice returns the price history entry that should back CurrentPrice:
// highest confidence, ties broken by most recent date, then by price type
// precedence (sale over assessed over listing). Returns nil for an empty
// history.
func BestPrice(history []PriceEntry) *PriceEntry {
	var best *PriceEntry
	for i := range history {
		e := &history[i]
		if best == nil {
			best = e
			continue
		}
		switch {
		case e.Confidence > best.Confidence:
			best = e
		case e.Confidence == best.Confidence && e.Date.After(best.Date):
			best = e
		case e.Confidence == best.Confidence && e.Date.Equal(best.Date) &&
			priceTypePrecedence[e.PriceType] > priceTypePrecedence[best.PriceType]:
			best = e
		}
	}
	return best
}

// RecomputeCurrentPrice re-derives CurrentPrice from PriceHistory.
func (p *Property) RecomputeCurrentPrice() {
	if best := BestPrice(p.PriceHistory); best != nil {
		amount := best.Amount
		p.CurrentPrice = &amount
	} else {
		p.CurrentPrice = nil
	}
}

// AddSource appends a collection record, keeping Sources non-empty and ordered.
func (p *Property) AddSource(meta SourceMeta) {
	p.Sources = append(p.Sources, meta)
}

// RawHash content-addresses a raw payload for snapshot storage and change
// detection.
func RawHash(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}
