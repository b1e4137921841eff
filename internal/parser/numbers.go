// Package parser extracts listing data from MLS detail and search-results
// HTML.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

const sqftPerAcre = 43560.0

var (
	priceRe    = regexp.MustCompile(`\$?\s*([\d,]+(?:\.\d+)?)\s*([KMkm])?`)
	numRe      = regexp.MustCompile(`\d+(?:\.\d+)?`)
	fullHalfRe = regexp.MustCompile(`(?i)(\d+)\s*full(?:\s*(?:bath|ba)s?)?(?:\s*,\s*(\d+)\s*half)?`)
	acreRe     = regexp.MustCompile(`(?i)acre`)
	yearRe     = regexp.MustCompile(`(19|20)\d{2}`)
)

// ParsePrice converts a price string such as "$450,000", "$1.5M" or "$850k"
// to its numeric value. Rejects strings without a numeric component.
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	m := priceRe.FindStringSubmatch(s)
	if m == nil || m[1] == "" {
		return 0, eris.Errorf("parser: no numeric price in %q", s)
	}

	num := strings.ReplaceAll(m[1], ",", "")
	val, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parser: price %q", s)
	}

	switch strings.ToUpper(m[2]) {
	case "K":
		val *= 1e3
	case "M":
		val *= 1e6
	}
	if val <= 0 {
		return 0, eris.Errorf("parser: non-positive price in %q", s)
	}
	return val, nil
}

// ParseBeds converts bedroom counts in their common display forms:
// "3 beds", "3 bd", "3BR", "Studio" (zero bedrooms).
func ParseBeds(s string) (int, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "studio") || strings.Contains(strings.ToLower(s), "studio") {
		return 0, nil
	}
	m := numRe.FindString(s)
	if m == "" {
		return 0, eris.Errorf("parser: no bedroom count in %q", s)
	}
	val, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parser: beds %q", s)
	}
	return int(val), nil
}

// ParseBaths converts bathroom counts, accepting decimals ("2.5 baths") and
// the "2 full, 1 half" form (each half counts 0.5).
func ParseBaths(s string) (float64, error) {
	s = strings.TrimSpace(s)

	if m := fullHalfRe.FindStringSubmatch(s); m != nil && strings.Contains(strings.ToLower(s), "full") {
		full, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, eris.Wrapf(err, "parser: baths %q", s)
		}
		total := float64(full)
		if m[2] != "" {
			half, err := strconv.Atoi(m[2])
			if err != nil {
				return 0, eris.Wrapf(err, "parser: baths %q", s)
			}
			total += 0.5 * float64(half)
		}
		return total, nil
	}

	m := numRe.FindString(s)
	if m == "" {
		return 0, eris.Errorf("parser: no bathroom count in %q", s)
	}
	val, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parser: baths %q", s)
	}
	return val, nil
}

// ParseSqft converts an area string to square feet, stripping thousands
// separators and unit suffixes, and converting acre figures.
func ParseSqft(s string) (int, error) {
	s = strings.TrimSpace(s)
	m := numRe.FindString(strings.ReplaceAll(s, ",", ""))
	if m == "" {
		return 0, eris.Errorf("parser: no area in %q", s)
	}
	val, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parser: area %q", s)
	}
	if acreRe.MatchString(s) {
		val *= sqftPerAcre
	}
	return int(val), nil
}

// ParseYear extracts a four-digit build year.
func ParseYear(s string) (int, error) {
	m := yearRe.FindString(s)
	if m == "" {
		return 0, eris.Errorf("parser: no year in %q", s)
	}
	return strconv.Atoi(m)
}
