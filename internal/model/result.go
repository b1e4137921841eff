package model

import "time"

// Source tags identify the upstream a payload came from. They participate
// in property id derivation, so renaming one re-keys every record.
const (
	SourceAssessor = "assessor"
	SourceMLS      = "mls"
)

// ProcessingResult is the transient outcome of running one raw record
// through the pipeline. It is what the streaming mode yields per item.
type ProcessingResult struct {
	IsValid          bool          `json:"is_valid"`
	Property         *Property     `json:"property,omitempty"`
	ValidationErrors []string      `json:"validation_errors,omitempty"`
	Confidence       float64       `json:"confidence"`
	Source           string        `json:"source"`
	ProcessingTime   time.Duration `json:"processing_time"`
	Err              error         `json:"-"`
}

// RawRecord is an unprocessed upstream payload plus routing metadata.
// Payload holds JSON for the assessor source and rendered HTML for MLS.
type RawRecord struct {
	Source      string    `json:"source"`
	ID          string    `json:"id,omitempty"`
	URL         string    `json:"url,omitempty"`
	Payload     []byte    `json:"payload"`
	ContentType string    `json:"content_type"` // "application/json" or "text/html"
	FetchedAt   time.Time `json:"fetched_at"`
}
