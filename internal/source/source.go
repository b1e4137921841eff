// Package source implements the upstream clients. Both speak through the
// same resilience plumbing: rate-limit slot, proxy identity, circuit
// breaker, class-aware retries.
package source

import (
	"context"

	"github.com/sells-group/propcollect/internal/model"
)

// Query scopes a search against one upstream.
type Query struct {
	Zipcode string
	// Limit caps the number of records returned. Zero means no cap.
	Limit int
	// Cursor resumes a stream; format is source-specific (the assessor
	// uses a page number, the MLS site a result offset).
	Cursor string
}

// StreamItem is one element of a property stream. Either Record is set or
// Err explains why this position could not be produced.
type StreamItem struct {
	Record model.RawRecord
	Cursor string
	Err    error
}

// Client is one upstream. Implementations are safe for concurrent use.
type Client interface {
	// Source returns the source tag ("assessor" or "mls").
	Source() string
	// SearchProperties returns raw records for a query, up to Query.Limit.
	SearchProperties(ctx context.Context, q Query) ([]model.RawRecord, error)
	// GetPropertyDetails fetches one record by source-specific id.
	GetPropertyDetails(ctx context.Context, id string) (*model.RawRecord, error)
	// StreamProperties emits records lazily on a bounded channel. The
	// channel closes when the query is exhausted, an unrecoverable error
	// is emitted, or ctx is done.
	StreamProperties(ctx context.Context, q Query) <-chan StreamItem
}
