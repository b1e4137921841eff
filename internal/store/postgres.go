package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/propcollect/internal/db"
	"github.com/sells-group/propcollect/internal/model"
)

// PostgresRepository implements Repository using pgxpool. Records live in a
// single JSONB document column; zipcode, street, current_price and the
// activity flag are denormalized into indexed columns for search.
type PostgresRepository struct {
	pool    db.Pool
	closeFn func()
	nowFunc func() time.Time
}

var _ Repository = (*PostgresRepository)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlInsertProperty = `INSERT INTO properties (property_id, document, zipcode, street, current_price, is_active, created_at, last_updated) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	sqlGetProperty = `SELECT document FROM properties WHERE property_id = $1`

	sqlGetPropertyForUpdate = `SELECT document FROM properties WHERE property_id = $1 FOR UPDATE`

	sqlUpdateProperty = `UPDATE properties SET document = document || $2::jsonb, zipcode = COALESCE($3, zipcode), street = COALESCE($4, street), current_price = COALESCE($5, current_price), is_active = COALESCE($6, is_active), last_updated = $7 WHERE property_id = $1`

	sqlUpsertProperty = `INSERT INTO properties (property_id, document, zipcode, street, current_price, is_active, created_at, last_updated) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (property_id) DO UPDATE SET document = EXCLUDED.document, zipcode = EXCLUDED.zipcode, street = EXCLUDED.street, current_price = EXCLUDED.current_price, is_active = EXCLUDED.is_active, last_updated = EXCLUDED.last_updated RETURNING (xmax = 0) AS created`

	sqlReplaceDocument = `UPDATE properties SET document = $2::jsonb, current_price = $3, last_updated = $4 WHERE property_id = $1`

	sqlCountByZipcode = `SELECT COUNT(*) FROM properties WHERE zipcode = $1`

	sqlRecentUpdates = `SELECT document FROM properties WHERE last_updated >= $1 ORDER BY last_updated DESC LIMIT $2`

	sqlPriceStatistics = `SELECT COUNT(*), COALESCE(MIN(current_price), 0), COALESCE(MAX(current_price), 0), COALESCE(AVG(current_price), 0), COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY current_price), 0) FROM properties WHERE zipcode = $1 AND is_active AND current_price IS NOT NULL`

	sqlSaveDailyReport = `INSERT INTO daily_reports (report_date, report) VALUES ($1, $2) ON CONFLICT (report_date) DO UPDATE SET report = EXCLUDED.report`

	sqlGetDailyReport = `SELECT report FROM daily_reports WHERE report_date = $1`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_property":    sqlGetProperty,
	"upsert_property": sqlUpsertProperty,
	"insert_property": sqlInsertProperty,
	"update_property": sqlUpdateProperty,
	"recent_updates":  sqlRecentUpdates,
}

// NewPostgres creates a PostgresRepository with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresRepository, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresRepository{pool: pool, closeFn: pool.Close, nowFunc: time.Now}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access, such as bulk loads.
func (s *PostgresRepository) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS properties (
	property_id   TEXT PRIMARY KEY,
	document      JSONB NOT NULL,
	zipcode       TEXT NOT NULL,
	street        TEXT NOT NULL,
	current_price DOUBLE PRECISION,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL,
	last_updated  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_zipcode ON properties (zipcode);
CREATE INDEX IF NOT EXISTS idx_properties_street ON properties (street);
CREATE INDEX IF NOT EXISTS idx_properties_current_price ON properties (current_price);
CREATE INDEX IF NOT EXISTS idx_properties_last_updated ON properties (last_updated DESC);
CREATE INDEX IF NOT EXISTS idx_properties_active_zip ON properties (zipcode) WHERE is_active;

CREATE TABLE IF NOT EXISTS daily_reports (
	report_date DATE PRIMARY KEY,
	report      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Idempotent.
func (s *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Create inserts a new record. ErrDuplicate when the id exists.
func (s *PostgresRepository) Create(ctx context.Context, p *model.Property) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal property")
	}
	zipcode, street, price, active := denorm(p)
	_, err = s.pool.Exec(ctx, sqlInsertProperty,
		p.PropertyID, doc, zipcode, street, price, active, p.CreatedAt.UTC(), p.LastUpdated.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return eris.Wrap(err, "postgres: create property")
	}
	return nil
}

// GetByPropertyID returns one record or ErrNotFound.
func (s *PostgresRepository) GetByPropertyID(ctx context.Context, id string) (*model.Property, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, sqlGetProperty, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get property")
	}
	var p model.Property
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal property")
	}
	return &p, nil
}

// Update merges a partial document into an existing record. The merge is
// shallow: a partial that includes "address" replaces the whole address
// object. Returns false when the id is absent.
func (s *PostgresRepository) Update(ctx context.Context, id string, partial map[string]any) (bool, error) {
	if len(partial) == 0 {
		return false, eris.New("postgres: update: empty partial")
	}
	now := s.nowFunc().UTC()
	partial["last_updated"] = now
	doc, err := json.Marshal(partial)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal partial")
	}

	var zipcode, street *string
	if addr, ok := partial["address"].(map[string]any); ok {
		if v, ok := addr["zipcode"].(string); ok {
			zipcode = &v
		}
		if v, ok := addr["street"].(string); ok {
			street = &v
		}
	}
	var price *float64
	switch v := partial["current_price"].(type) {
	case float64:
		price = &v
	case int:
		f := float64(v)
		price = &f
	}
	var active *bool
	if v, ok := partial["is_active"].(bool); ok {
		active = &v
	}

	tag, err := s.pool.Exec(ctx, sqlUpdateProperty, id, doc, zipcode, street, price, active, now)
	if err != nil {
		return false, eris.Wrap(err, "postgres: update property")
	}
	return tag.RowsAffected() > 0, nil
}

// Upsert creates or fully replaces a record. created_at is preserved on
// replace; the xmax trick distinguishes insert from update. last_updated
// is stamped here, not taken from the record: a replayed snapshot (a
// dead-letter retry) carries its original collection time and must not
// move last_updated backwards.
func (s *PostgresRepository) Upsert(ctx context.Context, p *model.Property) (bool, error) {
	rec := *p
	rec.LastUpdated = s.nowFunc().UTC()
	doc, err := json.Marshal(&rec)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal property")
	}
	zipcode, street, price, active := denorm(&rec)
	var created bool
	err = s.pool.QueryRow(ctx, sqlUpsertProperty,
		rec.PropertyID, doc, zipcode, street, price, active, rec.CreatedAt.UTC(), rec.LastUpdated).Scan(&created)
	if err != nil {
		return false, eris.Wrap(err, "postgres: upsert property")
	}
	return created, nil
}

// UpsertBatch bulk-upserts a page of records through a temp table. It is
// meaningfully faster than per-record Upsert for batch runs.
func (s *PostgresRepository) UpsertBatch(ctx context.Context, props []model.Property) (int64, error) {
	now := s.nowFunc().UTC()
	rows := make([][]any, 0, len(props))
	for i := range props {
		rec := props[i]
		rec.LastUpdated = now
		doc, err := json.Marshal(&rec)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal property %s", rec.PropertyID)
		}
		zipcode, street, price, active := denorm(&rec)
		rows = append(rows, []any{rec.PropertyID, doc, zipcode, street, price, active, rec.CreatedAt.UTC(), rec.LastUpdated})
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "properties",
		Columns:      []string{"property_id", "document", "zipcode", "street", "current_price", "is_active", "created_at", "last_updated"},
		ConflictKeys: []string{"property_id"},
		// created_at excluded so the original insert time survives replays.
		UpdateCols: []string{"document", "zipcode", "street", "current_price", "is_active", "last_updated"},
	}, rows)
}

// searchOrder maps a SearchSort to a whitelisted ORDER BY clause.
func searchOrder(sort SearchSort) string {
	switch sort {
	case SortByCurrentPrice:
		return "current_price DESC NULLS LAST"
	case SortByStreet:
		return "street ASC"
	default:
		return "last_updated DESC"
	}
}

// SearchByZipcode pages through records in a zipcode.
func (s *PostgresRepository) SearchByZipcode(ctx context.Context, zipcode string, skip, limit int, sort SearchSort) ([]model.Property, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, sqlCountByZipcode, zipcode).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count by zipcode")
	}

	query := fmt.Sprintf(`SELECT document FROM properties WHERE zipcode = $1 ORDER BY %s LIMIT $2 OFFSET $3`, searchOrder(sort))
	rows, err := s.pool.Query(ctx, query, zipcode, limit, skip)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: search by zipcode")
	}
	props, err := scanProperties(rows)
	if err != nil {
		return nil, 0, err
	}
	return props, total, nil
}

// GetRecentUpdates returns records updated at or after since, newest first.
func (s *PostgresRepository) GetRecentUpdates(ctx context.Context, since time.Time, limit int) ([]model.Property, error) {
	rows, err := s.pool.Query(ctx, sqlRecentUpdates, since.UTC(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent updates")
	}
	return scanProperties(rows)
}

// AddPriceHistory appends an entry and re-derives current_price inside a
// transaction so concurrent appends cannot lose entries.
func (s *PostgresRepository) AddPriceHistory(ctx context.Context, id string, entry model.PriceEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	var doc []byte
	if err := tx.QueryRow(ctx, sqlGetPropertyForUpdate, id).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return eris.Wrap(err, "postgres: lock property")
	}
	var p model.Property
	if err := json.Unmarshal(doc, &p); err != nil {
		return eris.Wrap(err, "postgres: unmarshal property")
	}

	p.PriceHistory = append(p.PriceHistory, entry)
	p.RecomputeCurrentPrice()
	p.LastUpdated = s.nowFunc().UTC()

	updated, err := json.Marshal(&p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal property")
	}
	if _, err := tx.Exec(ctx, sqlReplaceDocument, id, updated, p.CurrentPrice, p.LastUpdated); err != nil {
		return eris.Wrap(err, "postgres: write price history")
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit tx")
	}
	return nil
}

// GetPriceStatistics aggregates current prices of active records in a
// zipcode. The median uses percentile_cont.
func (s *PostgresRepository) GetPriceStatistics(ctx context.Context, zipcode string) (*model.PriceStatistics, error) {
	var stats model.PriceStatistics
	err := s.pool.QueryRow(ctx, sqlPriceStatistics, zipcode).
		Scan(&stats.Count, &stats.Min, &stats.Max, &stats.Avg, &stats.Median)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: price statistics")
	}
	return &stats, nil
}

// SaveDailyReport upserts a report keyed by its UTC date.
func (s *PostgresRepository) SaveDailyReport(ctx context.Context, r *model.DailyReport) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	if _, err := s.pool.Exec(ctx, sqlSaveDailyReport, model.ReportDate(r.Date), doc); err != nil {
		return eris.Wrap(err, "postgres: save daily report")
	}
	return nil
}

// GetDailyReport returns the report for a UTC date or ErrNotFound.
func (s *PostgresRepository) GetDailyReport(ctx context.Context, date time.Time) (*model.DailyReport, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, sqlGetDailyReport, model.ReportDate(date)).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get daily report")
	}
	var r model.DailyReport
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report")
	}
	return &r, nil
}

// Close releases the connection pool.
func (s *PostgresRepository) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func scanProperties(rows pgx.Rows) ([]model.Property, error) {
	defer rows.Close()
	var props []model.Property
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan property")
		}
		var p model.Property
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal property")
		}
		props = append(props, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate properties")
	}
	return props, nil
}
