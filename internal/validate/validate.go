// Package validate checks candidate property records before storage and
// scores how much we trust them.
package validate

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/sells-group/propcollect/internal/model"
)

// Mode selects the failure policy.
type Mode string

const (
	// ModeStrict rejects a record on any rule violation.
	ModeStrict Mode = "strict"
	// ModeRelaxed keeps records that violate range rules as long as the
	// required fields survive, recording the violations alongside.
	ModeRelaxed Mode = "relaxed"
)

// LowConfidenceThreshold marks records whose weighted confidence falls
// below it; strict mode routes those to the dead-letter path.
const LowConfidenceThreshold = 0.7

// Range bounds for physical attributes.
const (
	maxBedrooms   = 50
	maxBathrooms  = 20
	minSquareFeet = 100
	maxSquareFeet = 100000
	minYearBuilt  = 1800
)

// fieldWeights encode criticality for the confidence mean. Unlisted fields
// weigh 0.5.
var fieldWeights = map[string]float64{
	"street":     1.0,
	"zipcode":    1.0,
	"city":       0.6,
	"price":      0.8,
	"beds":       0.5,
	"baths":      0.5,
	"sqft":       0.7,
	"year_built": 0.4,
	"apn":        0.4,
}

var (
	zipcodeRe      = regexp.MustCompile(`^(\d{5})(?:-\d{4})?$`)
	nonPrintableRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// Result is the outcome of validating one candidate record.
type Result struct {
	IsValid       bool
	Errors        []string
	Confidence    float64
	LowConfidence bool
}

// Validator applies the rule set. Safe for concurrent use.
type Validator struct {
	mode    Mode
	policy  *bluemonday.Policy
	nowFunc func() time.Time
}

func New(mode Mode) *Validator {
	if mode != ModeRelaxed {
		mode = ModeStrict
	}
	return &Validator{
		mode:    mode,
		policy:  bluemonday.StrictPolicy(),
		nowFunc: time.Now,
	}
}

// Mode returns the active failure policy.
func (v *Validator) Mode() Mode { return v.mode }

// Validate sanitizes p in place, then checks required fields, ranges and
// enum membership. Range and enum violations are fatal only in strict mode;
// missing required fields are always fatal.
func (v *Validator) Validate(p *model.Property, fieldConfidence map[string]float64) Result {
	res := Result{}
	if p == nil {
		res.Errors = append(res.Errors, "record is empty")
		return res
	}

	v.sanitize(p)

	var required, soft []string

	if p.PropertyID == "" {
		required = append(required, "property_id is required")
	}
	if p.Address.Street == "" {
		required = append(required, "address.street is required")
	}
	switch m := zipcodeRe.FindStringSubmatch(p.Address.Zipcode); {
	case p.Address.Zipcode == "":
		required = append(required, "address.zipcode is required")
	case m == nil:
		required = append(required, fmt.Sprintf("address.zipcode %q is not a 5-digit zipcode", p.Address.Zipcode))
	default:
		p.Address.Zipcode = m[1]
	}

	soft = append(soft, v.checkFeatures(&p.Features)...)
	soft = append(soft, v.checkPrices(p)...)

	if p.PropertyType != "" && !model.ValidPropertyType(p.PropertyType) {
		soft = append(soft, fmt.Sprintf("property_type %q is not a known type", p.PropertyType))
	}

	res.Errors = append(required, soft...)
	res.Confidence = v.confidence(p, fieldConfidence)
	res.LowConfidence = res.Confidence < LowConfidenceThreshold

	switch v.mode {
	case ModeRelaxed:
		res.IsValid = len(required) == 0
	default:
		res.IsValid = len(res.Errors) == 0 && !res.LowConfidence
	}
	return res
}

func (v *Validator) checkFeatures(f *model.Features) []string {
	var errs []string
	if f.Bedrooms != nil && (*f.Bedrooms < 0 || *f.Bedrooms > maxBedrooms) {
		errs = append(errs, fmt.Sprintf("bedrooms %d out of range [0,%d]", *f.Bedrooms, maxBedrooms))
	}
	if f.Bathrooms != nil && (*f.Bathrooms < 0 || *f.Bathrooms > maxBathrooms) {
		errs = append(errs, fmt.Sprintf("bathrooms %g out of range [0,%d]", *f.Bathrooms, maxBathrooms))
	}
	if f.SquareFeet != nil && (*f.SquareFeet < minSquareFeet || *f.SquareFeet > maxSquareFeet) {
		errs = append(errs, fmt.Sprintf("square_feet %d out of range [%d,%d]", *f.SquareFeet, minSquareFeet, maxSquareFeet))
	}
	if f.LotSizeSqft != nil && *f.LotSizeSqft < 0 {
		errs = append(errs, fmt.Sprintf("lot_size_sqft %d is negative", *f.LotSizeSqft))
	}
	if f.YearBuilt != nil {
		maxYear := v.nowFunc().Year() + 1
		if *f.YearBuilt < minYearBuilt || *f.YearBuilt > maxYear {
			errs = append(errs, fmt.Sprintf("year_built %d out of range [%d,%d]", *f.YearBuilt, minYearBuilt, maxYear))
		}
	}
	return errs
}

func (v *Validator) checkPrices(p *model.Property) []string {
	var errs []string
	for i, entry := range p.PriceHistory {
		if entry.Amount <= 0 {
			errs = append(errs, fmt.Sprintf("price_history[%d].amount %g is not positive", i, entry.Amount))
		}
		if !model.ValidPriceType(entry.PriceType) {
			errs = append(errs, fmt.Sprintf("price_history[%d].price_type %q is not a known type", i, entry.PriceType))
		}
	}
	if p.CurrentPrice != nil {
		if *p.CurrentPrice <= 0 {
			errs = append(errs, fmt.Sprintf("current_price %g is not positive", *p.CurrentPrice))
		} else if !backedByHistory(p) {
			errs = append(errs, "current_price does not match any price history entry")
		}
	}
	return errs
}

func backedByHistory(p *model.Property) bool {
	for _, entry := range p.PriceHistory {
		if entry.Amount == *p.CurrentPrice {
			return true
		}
	}
	return false
}

// sanitize strips markup and non-printables from free-text fields and
// collapses whitespace. Fields that end up empty read as absent.
func (v *Validator) sanitize(p *model.Property) {
	p.Address.Street = v.clean(p.Address.Street)
	p.Address.Unit = v.clean(p.Address.Unit)
	p.Address.City = v.clean(p.Address.City)
	p.Address.State = v.clean(p.Address.State)
	p.Address.Zipcode = v.clean(p.Address.Zipcode)
	p.Address.County = v.clean(p.Address.County)
	p.Features.ACType = v.clean(p.Features.ACType)
	p.Features.HeatingType = v.clean(p.Features.HeatingType)
	if p.TaxInfo != nil {
		p.TaxInfo.APN = v.clean(p.TaxInfo.APN)
	}
}

func (v *Validator) clean(s string) string {
	// Non-printables go first so the HTML tokenizer never sees them.
	// Sanitize entity-escapes surviving text; unescape to keep literal
	// ampersands in street names intact.
	s = nonPrintableRe.ReplaceAllString(s, "")
	s = html.UnescapeString(v.policy.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// confidence is the criticality-weighted mean of the per-field scores. When
// the extractor supplied none, the structural path's quality score stands in.
func (v *Validator) confidence(p *model.Property, fieldConfidence map[string]float64) float64 {
	if len(fieldConfidence) == 0 {
		if len(p.Sources) > 0 {
			return p.Sources[len(p.Sources)-1].QualityScore
		}
		return 0
	}

	var sum, weightSum float64
	for field, score := range fieldConfidence {
		w, ok := fieldWeights[field]
		if !ok {
			w = 0.5
		}
		sum += score * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}
