package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// Listing is the intermediate structure extracted from an MLS detail page.
// It is the same shape the assessor adapter produces internally, so both
// feed one canonical mapping.
type Listing struct {
	MLSNumber    string
	Street       string
	Unit         string
	City         string
	State        string
	Zipcode      string
	Price        float64
	Beds         *int
	Baths        *float64
	SquareFeet   *int
	LotSizeSqft  *int
	YearBuilt    *int
	PropertyType string
}

// ListingSummary is one row of a search-results page.
type ListingSummary struct {
	ListingID string
	URL       string
	Address   string
	Price     float64
	Beds      *int
	Baths     *float64
	Sqft      *int
}

// cityStateZipRe splits "Phoenix, AZ 85031" into its components. The
// zipcode may carry a +4 suffix, dropped here and re-validated later.
var cityStateZipRe = regexp.MustCompile(`^\s*(.+?),\s*([A-Za-z]{2})\s+(\d{5})(?:-\d{4})?\s*$`)

// ParseListingDetail extracts a Listing from an MLS detail page. Missing
// required elements produce an error naming the selector, never a silent
// partial result.
func ParseListingDetail(html string) (*Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "parser: parse detail html")
	}

	listing := &Listing{}

	street := text(doc, ".street-address")
	if street == "" {
		return nil, missingElement(".street-address")
	}
	listing.Street = street

	cityLine := text(doc, ".city-state-zip")
	if cityLine == "" {
		return nil, missingElement(".city-state-zip")
	}
	m := cityStateZipRe.FindStringSubmatch(cityLine)
	if m == nil {
		return nil, eris.Errorf("parser: malformed city-state-zip %q", cityLine)
	}
	listing.City, listing.State, listing.Zipcode = m[1], strings.ToUpper(m[2]), m[3]

	if unit := text(doc, ".unit-number"); unit != "" {
		listing.Unit = unit
	}

	priceText := text(doc, ".listing-price")
	if priceText == "" {
		return nil, missingElement(".listing-price")
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return nil, err
	}
	listing.Price = price

	if s := text(doc, ".beds"); s != "" {
		if beds, err := ParseBeds(s); err == nil {
			listing.Beds = &beds
		}
	}
	if s := text(doc, ".baths"); s != "" {
		if baths, err := ParseBaths(s); err == nil {
			listing.Baths = &baths
		}
	}
	if s := text(doc, ".sqft"); s != "" {
		if sqft, err := ParseSqft(s); err == nil {
			listing.SquareFeet = &sqft
		}
	}
	if s := text(doc, ".lot-size"); s != "" {
		if lot, err := ParseSqft(s); err == nil {
			listing.LotSizeSqft = &lot
		}
	}
	if s := text(doc, ".year-built"); s != "" {
		if year, err := ParseYear(s); err == nil {
			listing.YearBuilt = &year
		}
	}
	listing.PropertyType = text(doc, ".property-type")
	listing.MLSNumber = text(doc, ".mls-number")

	return listing, nil
}

// ParseSearchResults extracts listing summaries from a search-results page.
// Rows missing a price or address are skipped; an entirely empty result set
// on a non-empty page is a parse error.
func ParseSearchResults(html string) ([]ListingSummary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "parser: parse search html")
	}

	rows := doc.Find(".search-result")
	if rows.Length() == 0 {
		return nil, missingElement(".search-result")
	}

	var summaries []ListingSummary
	rows.Each(func(_ int, row *goquery.Selection) {
		summary := ListingSummary{
			ListingID: strings.TrimSpace(row.AttrOr("data-listing-id", "")),
			Address:   strings.TrimSpace(row.Find(".result-address").Text()),
		}
		if href, ok := row.Find("a.result-link").Attr("href"); ok {
			summary.URL = strings.TrimSpace(href)
		}

		price, err := ParsePrice(row.Find(".result-price").Text())
		if err != nil || summary.Address == "" {
			return
		}
		summary.Price = price

		if beds, err := ParseBeds(row.Find(".result-beds").Text()); err == nil {
			summary.Beds = &beds
		}
		if baths, err := ParseBaths(row.Find(".result-baths").Text()); err == nil {
			summary.Baths = &baths
		}
		if sqft, err := ParseSqft(row.Find(".result-sqft").Text()); err == nil {
			summary.Sqft = &sqft
		}

		summaries = append(summaries, summary)
	})

	return summaries, nil
}

func text(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

func missingElement(selector string) error {
	return eris.Errorf("parser: missing element %s", selector)
}
