package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/propcollect/internal/model"
)

// SQLiteRepository implements Repository on a local SQLite file. It mirrors
// the Postgres layout with TEXT documents, which keeps both backends
// interchangeable behind the interface.
type SQLiteRepository struct {
	db      *sql.DB
	nowFunc func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// sqliteTime is the stored timestamp layout. RFC3339 at second precision
// sorts lexically, which the recent-updates query relies on.
const sqliteTime = time.RFC3339

// NewSQLite opens (or creates) a SQLite database at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	dbh, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}

	// Single writer; WAL keeps readers unblocked during upsert bursts.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := dbh.ExecContext(ctx, pragma); err != nil {
			dbh.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", pragma)
		}
	}
	if err := dbh.PingContext(ctx); err != nil {
		dbh.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteRepository{db: dbh, nowFunc: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS properties (
	property_id   TEXT PRIMARY KEY,
	document      TEXT NOT NULL,
	zipcode       TEXT NOT NULL,
	street        TEXT NOT NULL,
	current_price REAL,
	is_active     INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL,
	last_updated  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_zipcode ON properties (zipcode);
CREATE INDEX IF NOT EXISTS idx_properties_street ON properties (street);
CREATE INDEX IF NOT EXISTS idx_properties_current_price ON properties (current_price);
CREATE INDEX IF NOT EXISTS idx_properties_last_updated ON properties (last_updated DESC);

CREATE TABLE IF NOT EXISTS daily_reports (
	report_date TEXT PRIMARY KEY,
	report      TEXT NOT NULL,
	created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// Migrate applies the schema. Idempotent.
func (s *SQLiteRepository) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Create inserts a new record. ErrDuplicate when the id exists.
func (s *SQLiteRepository) Create(ctx context.Context, p *model.Property) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal property")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM properties WHERE property_id = ?`, p.PropertyID).Scan(&exists)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: check property")
	}

	zipcode, street, price, active := denorm(p)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO properties (property_id, document, zipcode, street, current_price, is_active, created_at, last_updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PropertyID, string(doc), zipcode, street, price, active,
		p.CreatedAt.UTC().Format(sqliteTime), p.LastUpdated.UTC().Format(sqliteTime))
	if err != nil {
		return eris.Wrap(err, "sqlite: create property")
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit tx")
	}
	return nil
}

// GetByPropertyID returns one record or ErrNotFound.
func (s *SQLiteRepository) GetByPropertyID(ctx context.Context, id string) (*model.Property, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM properties WHERE property_id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get property")
	}
	var p model.Property
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal property")
	}
	return &p, nil
}

// Update merges a partial document into an existing record. The merge is
// shallow, matching the Postgres backend. Returns false when the id is
// absent.
func (s *SQLiteRepository) Update(ctx context.Context, id string, partial map[string]any) (bool, error) {
	if len(partial) == 0 {
		return false, eris.New("sqlite: update: empty partial")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT document FROM properties WHERE property_id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrap(err, "sqlite: get property")
	}

	merged := map[string]any{}
	if err := json.Unmarshal([]byte(doc), &merged); err != nil {
		return false, eris.Wrap(err, "sqlite: unmarshal property")
	}
	now := s.nowFunc().UTC()
	partial["last_updated"] = now.Format(time.RFC3339Nano)
	for k, v := range partial {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal property")
	}

	var p model.Property
	if err := json.Unmarshal(out, &p); err != nil {
		return false, eris.Wrap(err, "sqlite: reparse property")
	}
	zipcode, street, price, active := denorm(&p)
	_, err = tx.ExecContext(ctx,
		`UPDATE properties SET document = ?, zipcode = ?, street = ?, current_price = ?, is_active = ?, last_updated = ? WHERE property_id = ?`,
		string(out), zipcode, street, price, active, now.Format(sqliteTime), id)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: update property")
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit tx")
	}
	return true, nil
}

// Upsert creates or fully replaces a record, preserving created_at on
// replace.
func (s *SQLiteRepository) Upsert(ctx context.Context, p *model.Property) (bool, error) {
	// last_updated is stamped here, not taken from the record: a replayed
	// snapshot carries its original collection time and must not move
	// last_updated backwards.
	rec := *p
	rec.LastUpdated = s.nowFunc().UTC()
	doc, err := json.Marshal(&rec)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal property")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	zipcode, street, price, active := denorm(&rec)

	var existingCreatedAt string
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM properties WHERE property_id = ?`, rec.PropertyID).Scan(&existingCreatedAt)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, eris.Wrap(err, "sqlite: check property")
	}

	if created {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO properties (property_id, document, zipcode, street, current_price, is_active, created_at, last_updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.PropertyID, string(doc), zipcode, street, price, active,
			rec.CreatedAt.UTC().Format(sqliteTime), rec.LastUpdated.Format(sqliteTime))
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE properties SET document = ?, zipcode = ?, street = ?, current_price = ?, is_active = ?, last_updated = ? WHERE property_id = ?`,
			string(doc), zipcode, street, price, active,
			rec.LastUpdated.Format(sqliteTime), rec.PropertyID)
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: upsert property")
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit tx")
	}
	return created, nil
}

// SearchByZipcode pages through records in a zipcode.
func (s *SQLiteRepository) SearchByZipcode(ctx context.Context, zipcode string, skip, limit int, sortBy SearchSort) ([]model.Property, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM properties WHERE zipcode = ?`, zipcode).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count by zipcode")
	}

	query := fmt.Sprintf(`SELECT document FROM properties WHERE zipcode = ? ORDER BY %s LIMIT ? OFFSET ?`, searchOrder(sortBy))
	rows, err := s.db.QueryContext(ctx, query, zipcode, limit, skip)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: search by zipcode")
	}
	props, err := scanSQLiteProperties(rows)
	if err != nil {
		return nil, 0, err
	}
	return props, total, nil
}

// GetRecentUpdates returns records updated at or after since, newest first.
func (s *SQLiteRepository) GetRecentUpdates(ctx context.Context, since time.Time, limit int) ([]model.Property, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM properties WHERE last_updated >= ? ORDER BY last_updated DESC LIMIT ?`,
		since.UTC().Format(sqliteTime), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent updates")
	}
	return scanSQLiteProperties(rows)
}

// AddPriceHistory appends an entry and re-derives current_price.
func (s *SQLiteRepository) AddPriceHistory(ctx context.Context, id string, entry model.PriceEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT document FROM properties WHERE property_id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return eris.Wrap(err, "sqlite: get property")
	}
	var p model.Property
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal property")
	}

	p.PriceHistory = append(p.PriceHistory, entry)
	p.RecomputeCurrentPrice()
	p.LastUpdated = s.nowFunc().UTC()

	updated, err := json.Marshal(&p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal property")
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE properties SET document = ?, current_price = ?, last_updated = ? WHERE property_id = ?`,
		string(updated), p.CurrentPrice, p.LastUpdated.Format(sqliteTime), id)
	if err != nil {
		return eris.Wrap(err, "sqlite: write price history")
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit tx")
	}
	return nil
}

// GetPriceStatistics aggregates current prices of active records in a
// zipcode. SQLite has no percentile function, so the median is computed
// here.
func (s *SQLiteRepository) GetPriceStatistics(ctx context.Context, zipcode string) (*model.PriceStatistics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT current_price FROM properties WHERE zipcode = ? AND is_active = 1 AND current_price IS NOT NULL ORDER BY current_price`,
		zipcode)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: price statistics")
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var price float64
		if err := rows.Scan(&price); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price")
		}
		prices = append(prices, price)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate prices")
	}

	stats := &model.PriceStatistics{Count: len(prices)}
	if len(prices) == 0 {
		return stats, nil
	}
	sort.Float64s(prices)
	stats.Min = prices[0]
	stats.Max = prices[len(prices)-1]
	var sum float64
	for _, price := range prices {
		sum += price
	}
	stats.Avg = sum / float64(len(prices))
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		stats.Median = prices[mid]
	} else {
		stats.Median = (prices[mid-1] + prices[mid]) / 2
	}
	return stats, nil
}

// SaveDailyReport upserts a report keyed by its UTC date.
func (s *SQLiteRepository) SaveDailyReport(ctx context.Context, r *model.DailyReport) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO daily_reports (report_date, report) VALUES (?, ?) ON CONFLICT (report_date) DO UPDATE SET report = excluded.report`,
		model.ReportDate(r.Date).Format("2006-01-02"), string(doc))
	if err != nil {
		return eris.Wrap(err, "sqlite: save daily report")
	}
	return nil
}

// GetDailyReport returns the report for a UTC date or ErrNotFound.
func (s *SQLiteRepository) GetDailyReport(ctx context.Context, date time.Time) (*model.DailyReport, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM daily_reports WHERE report_date = ?`,
		model.ReportDate(date).Format("2006-01-02")).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get daily report")
	}
	var r model.DailyReport
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal report")
	}
	return &r, nil
}

// Close closes the database handle.
func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

func scanSQLiteProperties(rows *sql.Rows) ([]model.Property, error) {
	defer rows.Close()
	var props []model.Property
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan property")
		}
		var p model.Property
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal property")
		}
		props = append(props, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate properties")
	}
	return props, nil
}
