package adapter

import (
	"sort"
	"time"

	"github.com/sells-group/propcollect/internal/model"
)

// Adapter turns one raw upstream payload into a canonical property record.
// Adapt is pure with respect to its input: the same RawRecord always yields
// the same Property.
type Adapter interface {
	Adapt(raw model.RawRecord) (*model.Property, error)
}

// Source-specific confidences attached to extracted price entries.
const (
	confidenceSale        = 1.0
	confidenceAssessed    = 0.9
	confidenceListing     = 0.9
	confidenceLandImprove = 0.85
	confidenceMarket      = 0.8
)

// apnBonus rewards records that carry a parcel number; it makes assessor
// cross-referencing possible later.
const apnBonus = 0.05

// finalizePrices sorts the history descending by amount and denormalizes
// the head into CurrentPrice.
func finalizePrices(p *model.Property) {
	sort.SliceStable(p.PriceHistory, func(i, j int) bool {
		return p.PriceHistory[i].Amount > p.PriceHistory[j].Amount
	})
	if len(p.PriceHistory) > 0 {
		amount := p.PriceHistory[0].Amount
		p.CurrentPrice = &amount
	}
}

// QualityScore is the fraction of the critical field set that is populated,
// plus a small bonus when an APN is present. Always in [0,1].
func QualityScore(p *model.Property) float64 {
	populated := 0
	checks := []bool{
		p.Address.Street != "",
		p.Address.Zipcode != "",
		p.Address.City != "",
		p.CurrentPrice != nil,
		p.Features.Bedrooms != nil,
		p.Features.Bathrooms != nil,
		p.Features.SquareFeet != nil,
		p.Features.YearBuilt != nil,
	}
	for _, ok := range checks {
		if ok {
			populated++
		}
	}

	score := float64(populated) / float64(len(checks))
	if p.TaxInfo != nil && p.TaxInfo.APN != "" {
		score += apnBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}

// stamp fills the bookkeeping fields common to both adapters.
func stamp(p *model.Property, raw model.RawRecord, version string, collectedAt time.Time) {
	p.PropertyID = model.DerivePropertyID(p.Address.Street, p.Address.Zipcode, raw.Source)
	p.IsActive = true
	p.CreatedAt = collectedAt
	p.LastUpdated = collectedAt
	p.AddSource(model.SourceMeta{
		Source:           raw.Source,
		CollectedAt:      collectedAt,
		CollectorVersion: version,
		RawHash:          model.RawHash(raw.Payload),
		QualityScore:     QualityScore(p),
	})
}
