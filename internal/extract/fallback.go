package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/propcollect/internal/adapter"
	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/parser"
	"github.com/sells-group/propcollect/internal/resilience"
)

// fallbackConfidence marks rule-based extractions so validation can route
// them as low-confidence records.
const fallbackConfidence = 0.5

var (
	streetFallbackRe       = regexp.MustCompile(`(?i)(\d+[A-Za-z]?\s+[A-Za-z0-9'. ]+?\s(?:Street|St|Avenue|Ave|Road|Rd|Drive|Dr|Lane|Ln|Boulevard|Blvd|Court|Ct|Circle|Cir|Way|Place|Pl|Terrace|Ter|Trail|Trl)\.?)(?:[,\s]|$)`)
	cityStateZipFallbackRe = regexp.MustCompile(`([A-Za-z][A-Za-z .]*?),\s*([A-Z]{2})\s+(\d{5})(?:-\d{4})?`)
	priceFallbackRe        = regexp.MustCompile(`\$\s*([\d,]+(?:\.\d+)?)\s*([KMkm])?`)
	bedsShortRe            = regexp.MustCompile(`(?i)(\d+)\s*(?:br|bed)`)
	bathsShortRe           = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:ba\b|bath)`)
	sqftFallbackRe         = regexp.MustCompile(`(?i)([\d,]+)\s*(?:sq\.?\s*ft|sqft|square\s+feet)`)
	yearFallbackRe         = regexp.MustCompile(`(?i)(?:built|constructed|year)\D{0,10}((?:19|20)\d{2})`)
	apnFallbackRe          = regexp.MustCompile(`(?i)(?:APN|parcel\s*(?:number|#)?)[:\s]+([\dA-Za-z][\d\-A-Za-z]+)`)
	studioRe               = regexp.MustCompile(`(?i)\bstudio\b`)
)

// Fallback pulls property fields out of free text with the pattern library
// above. It is the recovery path for DATA_ERROR and for breaker-open model
// calls; everything it produces carries a flat low confidence.
func Fallback(text string, raw model.RawRecord, version string) (*Candidate, error) {
	street := ""
	if m := streetFallbackRe.FindStringSubmatch(text); m != nil {
		street = strings.TrimSuffix(strings.TrimSpace(m[1]), ".")
	}

	var city, state, zip string
	if m := cityStateZipFallbackRe.FindStringSubmatch(text); m != nil {
		city, state, zip = strings.TrimSpace(m[1]), m[2], m[3]
	}

	addr, err := adapter.NormalizeAddress(adapter.RawAddress{
		Street:  street,
		City:    city,
		State:   state,
		Zipcode: zip,
	})
	if err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError,
			eris.Wrap(err, "extract: fallback found no usable address"),
			"source", raw.Source, "id", raw.ID)
	}

	p := &model.Property{Address: addr}
	confidence := map[string]float64{
		"street":  fallbackConfidence,
		"zipcode": fallbackConfidence,
	}

	if m := bedsShortRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			p.Features.Bedrooms = &n
			confidence["beds"] = fallbackConfidence
		}
	} else if studioRe.MatchString(text) {
		zero := 0
		p.Features.Bedrooms = &zero
		confidence["beds"] = fallbackConfidence
	}

	if m := bathsShortRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.Features.Bathrooms = &n
			confidence["baths"] = fallbackConfidence
		}
	}

	if m := sqftFallbackRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil && n > 0 {
			p.Features.SquareFeet = &n
			confidence["sqft"] = fallbackConfidence
		}
	}

	if m := yearFallbackRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			p.Features.YearBuilt = &n
			confidence["year_built"] = fallbackConfidence
		}
	}

	if m := apnFallbackRe.FindStringSubmatch(text); m != nil {
		p.TaxInfo = &model.TaxInfo{APN: m[1]}
		confidence["apn"] = fallbackConfidence
	}

	if m := priceFallbackRe.FindStringSubmatch(text); m != nil {
		if amount, err := parser.ParsePrice(m[0]); err == nil {
			p.PriceHistory = []model.PriceEntry{{
				Amount:     amount,
				Date:       raw.FetchedAt,
				PriceType:  model.PriceTypeListing,
				Source:     raw.Source,
				Confidence: fallbackConfidence,
			}}
			p.CurrentPrice = &amount
			confidence["price"] = fallbackConfidence
		}
	}

	p.PropertyID = model.DerivePropertyID(p.Address.Street, p.Address.Zipcode, raw.Source)
	p.IsActive = true
	p.CreatedAt = raw.FetchedAt
	p.LastUpdated = raw.FetchedAt
	p.AddSource(model.SourceMeta{
		Source:           raw.Source,
		CollectedAt:      raw.FetchedAt,
		CollectorVersion: version,
		RawHash:          model.RawHash(raw.Payload),
		QualityScore:     adapter.QualityScore(p),
		Notes:            "fallback extraction",
	})

	return &Candidate{
		Property:        p,
		FieldConfidence: confidence,
		Confidence:      fallbackConfidence,
	}, nil
}
