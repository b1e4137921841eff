package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propcollect/internal/model"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// newMockPostgresRepo creates a PostgresRepository backed by pgxmock.
func newMockPostgresRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresRepository{pool: mock, nowFunc: func() time.Time { return testNow }}
	return s, mock
}

func testProperty(id string) *model.Property {
	price := 350000.0
	return &model.Property{
		PropertyID: id,
		Address: model.Address{
			Street:  "123 Main St",
			City:    "Phoenix",
			State:   "AZ",
			Zipcode: "85031",
		},
		CurrentPrice: &price,
		PriceHistory: []model.PriceEntry{
			{Amount: 350000, Date: testNow.AddDate(0, -1, 0), PriceType: model.PriceTypeMarketEstimate, Source: model.SourceAssessor, Confidence: 0.8},
		},
		Sources: []model.SourceMeta{
			{Source: model.SourceAssessor, CollectedAt: testNow, QualityScore: 0.8},
		},
		IsActive:    true,
		CreatedAt:   testNow,
		LastUpdated: testNow,
	}
}

func TestPostgres_Create(t *testing.T) {
	s, mock := newMockPostgresRepo(t)
	p := testProperty("abc123")

	mock.ExpectExec(`INSERT INTO properties`).
		WithArgs("abc123", pgxmock.AnyArg(), "85031", "123 Main St", p.CurrentPrice, true, testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Create(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Create_Duplicate(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	mock.ExpectExec(`INSERT INTO properties`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.Create(context.Background(), testProperty("abc123"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetByPropertyID(t *testing.T) {
	s, mock := newMockPostgresRepo(t)
	doc, err := json.Marshal(testProperty("abc123"))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT document FROM properties WHERE property_id = \$1`).
		WithArgs("abc123").
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(doc))

	got, err := s.GetByPropertyID(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.PropertyID)
	assert.Equal(t, "123 Main St", got.Address.Street)
	require.NotNil(t, got.CurrentPrice)
	assert.Equal(t, 350000.0, *got.CurrentPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetByPropertyID_NotFound(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	mock.ExpectQuery(`SELECT document FROM properties WHERE property_id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetByPropertyID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Update(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	mock.ExpectExec(`UPDATE properties SET document = document \|\|`).
		WithArgs("abc123", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.Update(context.Background(), "abc123", map[string]any{"current_price": 375000.0})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Update_Missing(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	mock.ExpectExec(`UPDATE properties SET document = document \|\|`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.Update(context.Background(), "missing", map[string]any{"is_active": false})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Update_EmptyPartial(t *testing.T) {
	s, _ := newMockPostgresRepo(t)

	_, err := s.Update(context.Background(), "abc123", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty partial")
}

func TestPostgres_Upsert(t *testing.T) {
	s, mock := newMockPostgresRepo(t)
	p := testProperty("abc123")

	mock.ExpectQuery(`INSERT INTO properties .* ON CONFLICT \(property_id\) DO UPDATE`).
		WithArgs("abc123", pgxmock.AnyArg(), "85031", "123 Main St", p.CurrentPrice, true, testNow, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"created"}).AddRow(true))

	created, err := s.Upsert(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectQuery(`INSERT INTO properties .* ON CONFLICT \(property_id\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created"}).AddRow(false))

	created, err = s.Upsert(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Upsert_StampsLastUpdatedServerSide(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	// a replayed snapshot carries a stale collection time; the repository
	// clock must win so last_updated never rewinds
	p := testProperty("abc123")
	p.LastUpdated = testNow.AddDate(0, 0, -2)

	mock.ExpectQuery(`INSERT INTO properties .* ON CONFLICT \(property_id\) DO UPDATE`).
		WithArgs("abc123", pgxmock.AnyArg(), "85031", "123 Main St", p.CurrentPrice, true, testNow, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"created"}).AddRow(false))

	_, err := s.Upsert(context.Background(), p)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SearchByZipcode(t *testing.T) {
	s, mock := newMockPostgresRepo(t)
	docA, _ := json.Marshal(testProperty("aaa"))
	docB, _ := json.Marshal(testProperty("bbb"))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM properties WHERE zipcode = \$1`).
		WithArgs("85031").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery(`SELECT document FROM properties WHERE zipcode = \$1 ORDER BY last_updated DESC`).
		WithArgs("85031", 2, 0).
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(docA).AddRow(docB))

	props, total, err := s.SearchByZipcode(context.Background(), "85031", 0, 2, SortByLastUpdated)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, props, 2)
	assert.Equal(t, "aaa", props[0].PropertyID)
	assert.Equal(t, "bbb", props[1].PropertyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetRecentUpdates(t *testing.T) {
	s, mock := newMockPostgresRepo(t)
	doc, _ := json.Marshal(testProperty("aaa"))
	since := testNow.Add(-24 * time.Hour)

	mock.ExpectQuery(`SELECT document FROM properties WHERE last_updated >= \$1`).
		WithArgs(since, 10).
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(doc))

	props, err := s.GetRecentUpdates(context.Background(), since, 10)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddPriceHistory(t *testing.T) {
	s, mock := newMockPostgresRepo(t)
	doc, err := json.Marshal(testProperty("abc123"))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT document FROM properties WHERE property_id = \$1 FOR UPDATE`).
		WithArgs("abc123").
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(doc))
	mock.ExpectExec(`UPDATE properties SET document = \$2::jsonb, current_price = \$3`).
		WithArgs("abc123", pgxmock.AnyArg(), pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	entry := model.PriceEntry{
		Amount: 400000, Date: testNow, PriceType: model.PriceTypeSale,
		Source: model.SourceAssessor, Confidence: 1.0,
	}
	require.NoError(t, s.AddPriceHistory(context.Background(), "abc123", entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddPriceHistory_NotFound(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT document FROM properties WHERE property_id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	entry := model.PriceEntry{Amount: 100, PriceType: model.PriceTypeListing, Source: model.SourceMLS, Confidence: 0.9}
	err := s.AddPriceHistory(context.Background(), "missing", entry)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetPriceStatistics(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\), COALESCE\(MIN\(current_price\)`).
		WithArgs("85031").
		WillReturnRows(pgxmock.NewRows([]string{"count", "min", "max", "avg", "median"}).
			AddRow(3, 100000.0, 500000.0, 300000.0, 350000.0))

	stats, err := s.GetPriceStatistics(context.Background(), "85031")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 100000.0, stats.Min)
	assert.Equal(t, 500000.0, stats.Max)
	assert.Equal(t, 350000.0, stats.Median)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DailyReports(t *testing.T) {
	s, mock := newMockPostgresRepo(t)
	report := &model.DailyReport{
		Date:                testNow,
		PropertiesCollected: 42,
		Processed:           40,
		Errors:              2,
	}
	reportDate := model.ReportDate(testNow)

	mock.ExpectExec(`INSERT INTO daily_reports`).
		WithArgs(reportDate, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveDailyReport(context.Background(), report))

	doc, err := json.Marshal(report)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT report FROM daily_reports WHERE report_date = \$1`).
		WithArgs(reportDate).
		WillReturnRows(pgxmock.NewRows([]string{"report"}).AddRow(doc))

	got, err := s.GetDailyReport(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 42, got.PropertiesCollected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetDailyReport_NotFound(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	mock.ExpectQuery(`SELECT report FROM daily_reports WHERE report_date = \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDailyReport(context.Background(), testNow)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgresRepo(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS properties`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
