package adapter

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/resilience"
)

// AssessorAdapter maps county assessor JSON onto the canonical record using
// the declarative field table in mappings.yaml.
type AssessorAdapter struct {
	fields  FieldMap
	version string
}

func NewAssessorAdapter(version string) *AssessorAdapter {
	return &AssessorAdapter{
		fields:  MappingFor(model.SourceAssessor),
		version: version,
	}
}

func (a *AssessorAdapter) Adapt(raw model.RawRecord) (*model.Property, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError,
			eris.Wrap(err, "adapter: decode assessor payload"),
			"source", raw.Source, "id", raw.ID)
	}

	addr, err := NormalizeAddress(RawAddress{
		Street:  a.street(payload),
		Unit:    a.fields.str(payload, "unit"),
		City:    a.fields.str(payload, "city"),
		State:   a.fields.str(payload, "state"),
		Zipcode: a.fields.str(payload, "zipcode"),
		County:  a.fields.str(payload, "county"),
	})
	if err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError, err,
			"source", raw.Source, "id", raw.ID)
	}

	p := &model.Property{
		Address:      addr,
		PropertyType: normalizePropertyType(a.fields.str(payload, "property_type")),
		Features:     a.features(payload),
	}

	a.prices(p, payload, raw.FetchedAt)
	a.tax(p, payload)
	finalizePrices(p)

	p.RawData = map[string]json.RawMessage{raw.Source: json.RawMessage(raw.Payload)}
	stamp(p, raw, a.version, raw.FetchedAt)
	return p, nil
}

// street assembles the situs address from house_number + street_name +
// street_type, falling back to a single combined field.
func (a *AssessorAdapter) street(payload map[string]any) string {
	num := a.fields.str(payload, "house_number")
	name := a.fields.str(payload, "street_name")
	if num != "" && name != "" {
		street := num + " " + name
		if typ := a.fields.str(payload, "street_type"); typ != "" {
			street += " " + typ
		}
		return street
	}
	return a.fields.str(payload, "street")
}

func (a *AssessorAdapter) features(payload map[string]any) model.Features {
	var f model.Features
	if v, ok := a.fields.lookup(payload, "bedrooms"); ok {
		if n, ok := asInt(v); ok {
			f.Bedrooms = &n
		}
	}
	if v, ok := a.fields.lookup(payload, "bathrooms"); ok {
		if n, ok := asFloat(v); ok {
			f.Bathrooms = &n
		}
	}
	if v, ok := a.fields.lookup(payload, "half_bathrooms"); ok {
		if n, ok := asInt(v); ok {
			f.HalfBathrooms = &n
		}
	}
	if v, ok := a.fields.lookup(payload, "square_feet"); ok {
		if n, ok := asInt(v); ok && n > 0 {
			f.SquareFeet = &n
		}
	}
	if v, ok := a.fields.lookup(payload, "lot_size_sqft"); ok {
		if n, ok := asInt(v); ok && n > 0 {
			f.LotSizeSqft = &n
		}
	}
	if v, ok := a.fields.lookup(payload, "year_built"); ok {
		if n, ok := asInt(v); ok && n > 0 {
			f.YearBuilt = &n
		}
	}
	if v, ok := a.fields.lookup(payload, "floors"); ok {
		if n, ok := asFloat(v); ok {
			f.Floors = &n
		}
	}
	if v, ok := a.fields.lookup(payload, "garage_spaces"); ok {
		if n, ok := asInt(v); ok {
			f.GarageSpaces = &n
		}
	}
	if v, ok := a.fields.lookup(payload, "pool"); ok {
		if b, ok := asBool(v); ok {
			f.Pool = &b
		}
	}
	if v, ok := a.fields.lookup(payload, "fireplace"); ok {
		if b, ok := asBool(v); ok {
			f.Fireplace = &b
		}
	}
	f.ACType = a.fields.str(payload, "ac_type")
	f.HeatingType = a.fields.str(payload, "heating_type")
	return f
}

// prices emits one history entry per valuation the parcel carries. The "0"
// and empty-string placeholders assessor exports use for absent valuations
// are dropped by asCurrency.
func (a *AssessorAdapter) prices(p *model.Property, payload map[string]any, fetchedAt time.Time) {
	add := func(field string, typ model.PriceType, confidence float64, date time.Time) {
		v, ok := a.fields.lookup(payload, field)
		if !ok {
			return
		}
		amount, ok := asCurrency(v)
		if !ok {
			return
		}
		p.PriceHistory = append(p.PriceHistory, model.PriceEntry{
			Amount:     amount,
			Date:       date,
			PriceType:  typ,
			Source:     model.SourceAssessor,
			Confidence: confidence,
		})
	}

	add("assessed_value", model.PriceTypeAssessed, confidenceAssessed, fetchedAt)
	add("market_value", model.PriceTypeMarketEstimate, confidenceMarket, fetchedAt)
	add("land_value", model.PriceTypeLandValue, confidenceLandImprove, fetchedAt)
	add("improvement_value", model.PriceTypeImprovementValue, confidenceLandImprove, fetchedAt)
	add("sale_price", model.PriceTypeSale, confidenceSale, a.saleDate(payload, fetchedAt))
}

func (a *AssessorAdapter) saleDate(payload map[string]any, fallback time.Time) time.Time {
	s := a.fields.str(payload, "sale_date")
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}

func (a *AssessorAdapter) tax(p *model.Property, payload map[string]any) {
	info := &model.TaxInfo{APN: a.fields.str(payload, "apn")}
	if v, ok := a.fields.lookup(payload, "assessed_value"); ok {
		if f, ok := asCurrency(v); ok {
			info.AssessedValue = &f
		}
	}
	if v, ok := a.fields.lookup(payload, "tax_amount"); ok {
		if f, ok := asCurrency(v); ok {
			info.TaxAmountAnnual = &f
		}
	}
	if v, ok := a.fields.lookup(payload, "tax_year"); ok {
		if n, ok := asInt(v); ok && n > 0 {
			info.TaxYear = &n
		}
	}
	if info.APN == "" && info.AssessedValue == nil && info.TaxAmountAnnual == nil && info.TaxYear == nil {
		return
	}
	p.TaxInfo = info
}

// normalizePropertyType folds free-form land-use descriptions onto the
// canonical enum. Unrecognized descriptions become "other".
func normalizePropertyType(s string) model.PropertyType {
	switch normalizeTypeKey(s) {
	case "":
		return ""
	case "singlefamily", "singlefamilyresidence", "sfr", "house", "residential":
		return model.PropertyTypeSingleFamily
	case "condo", "condominium":
		return model.PropertyTypeCondo
	case "townhouse", "townhome":
		return model.PropertyTypeTownhouse
	case "apartment", "multifamily", "duplex", "triplex":
		return model.PropertyTypeApartment
	case "manufactured", "mobilehome", "mobile":
		return model.PropertyTypeManufactured
	case "vacantland", "vacant", "land":
		return model.PropertyTypeVacantLand
	case "commercial", "industrial", "retail", "office":
		return model.PropertyTypeCommercial
	default:
		return model.PropertyTypeOther
	}
}

func normalizeTypeKey(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		}
	}
	return string(out)
}
