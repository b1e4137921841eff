package model

import "time"

// PriceStatistics aggregates prices over a set of properties.
type PriceStatistics struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
}

// DailyReport summarizes one collection day. Reports are keyed by UTC date
// and upserted, so re-running a day overwrites its counters.
type DailyReport struct {
	Date                time.Time       `json:"date"`
	PropertiesCollected int             `json:"properties_collected"`
	Processed           int             `json:"processed"`
	Errors              int             `json:"errors"`
	DurationSeconds     float64         `json:"duration_seconds"`
	BySource            map[string]int  `json:"by_source,omitempty"`
	ByZipcode           map[string]int  `json:"by_zipcode,omitempty"`
	PriceStats          PriceStatistics `json:"price_stats"`
	DataQualityScore    float64         `json:"data_quality_score"`
}

// ReportDate truncates t to its UTC date, the report key.
func ReportDate(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
