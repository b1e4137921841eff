package adapter

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/parser"
	"github.com/sells-group/propcollect/internal/resilience"
)

// MLSAdapter maps rendered MLS detail pages onto the canonical record. The
// HTML parser does the DOM work; this adapter only normalizes and assembles.
// Raw HTML is not embedded in the record (the snapshot store retains it).
type MLSAdapter struct {
	version string
}

func NewMLSAdapter(version string) *MLSAdapter {
	return &MLSAdapter{version: version}
}

func (a *MLSAdapter) Adapt(raw model.RawRecord) (*model.Property, error) {
	listing, err := parser.ParseListingDetail(string(raw.Payload))
	if err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError, err,
			"source", raw.Source, "id", raw.ID, "url", raw.URL)
	}
	return a.FromListing(listing, raw)
}

// FromListing builds a Property from an already-parsed listing. The search
// flow uses this directly when the detail page was parsed elsewhere.
func (a *MLSAdapter) FromListing(listing *parser.Listing, raw model.RawRecord) (*model.Property, error) {
	addr, err := NormalizeAddress(RawAddress{
		Street:  listing.Street,
		Unit:    listing.Unit,
		City:    listing.City,
		State:   listing.State,
		Zipcode: listing.Zipcode,
	})
	if err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError, err,
			"source", raw.Source, "id", raw.ID, "url", raw.URL)
	}

	if listing.Price <= 0 {
		return nil, resilience.NewClassified(resilience.ClassDataError,
			eris.Errorf("adapter: listing %s has no price", raw.ID),
			"source", raw.Source, "id", raw.ID)
	}

	p := &model.Property{
		Address:      addr,
		PropertyType: normalizePropertyType(listing.PropertyType),
		Features: model.Features{
			Bedrooms:    listing.Beds,
			Bathrooms:   listing.Baths,
			SquareFeet:  listing.SquareFeet,
			LotSizeSqft: listing.LotSizeSqft,
			YearBuilt:   listing.YearBuilt,
		},
		PriceHistory: []model.PriceEntry{{
			Amount:     listing.Price,
			Date:       raw.FetchedAt,
			PriceType:  model.PriceTypeListing,
			Source:     model.SourceMLS,
			Confidence: confidenceListing,
		}},
	}

	finalizePrices(p)
	stamp(p, raw, a.version, raw.FetchedAt)
	return p, nil
}
