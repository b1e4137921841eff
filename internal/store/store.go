// Package store persists canonical property records as documents. Two
// backends implement the same Repository interface: Postgres (JSONB
// documents with denormalized query columns) and SQLite for local runs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/propcollect/internal/model"
)

// ErrNotFound reports an absent property id or report date.
var ErrNotFound = eris.New("store: not found")

// ErrDuplicate reports a Create against an existing property id.
var ErrDuplicate = eris.New("store: property already exists")

// SearchSort names the orderings SearchByZipcode supports.
type SearchSort string

const (
	SortByLastUpdated  SearchSort = "last_updated"
	SortByCurrentPrice SearchSort = "current_price"
	SortByStreet       SearchSort = "street"
)

// Repository is the persistence contract the pipeline writes through.
type Repository interface {
	// Create inserts a new record. ErrDuplicate when the id exists.
	Create(ctx context.Context, p *model.Property) error

	// GetByPropertyID returns one record or ErrNotFound.
	GetByPropertyID(ctx context.Context, id string) (*model.Property, error)

	// Update merges a partial document into an existing record and bumps
	// last_updated. Returns false when the id is absent.
	Update(ctx context.Context, id string, partial map[string]any) (bool, error)

	// Upsert creates or fully replaces a record, preserving created_at on
	// replace. Reports whether the record was created. Replaying the same
	// record converges to the same stored state.
	Upsert(ctx context.Context, p *model.Property) (created bool, err error)

	// SearchByZipcode pages through records in a zipcode and returns the
	// page plus the total match count.
	SearchByZipcode(ctx context.Context, zipcode string, skip, limit int, sort SearchSort) ([]model.Property, int, error)

	// GetRecentUpdates returns records updated at or after since, newest
	// first.
	GetRecentUpdates(ctx context.Context, since time.Time, limit int) ([]model.Property, error)

	// AddPriceHistory appends one entry to a record's history and
	// re-derives current_price from the full history.
	AddPriceHistory(ctx context.Context, id string, entry model.PriceEntry) error

	// GetPriceStatistics aggregates current prices of active records in a
	// zipcode. Zero-valued stats when no record has a price.
	GetPriceStatistics(ctx context.Context, zipcode string) (*model.PriceStatistics, error)

	// SaveDailyReport upserts a report keyed by its UTC date.
	SaveDailyReport(ctx context.Context, r *model.DailyReport) error

	// GetDailyReport returns the report for a UTC date or ErrNotFound.
	GetDailyReport(ctx context.Context, date time.Time) (*model.DailyReport, error)

	Migrate(ctx context.Context) error
	Close() error
}

// denorm extracts the indexed column values for a property document.
func denorm(p *model.Property) (zipcode, street string, currentPrice *float64, isActive bool) {
	return p.Address.Zipcode, p.Address.Street, p.CurrentPrice, p.IsActive
}
