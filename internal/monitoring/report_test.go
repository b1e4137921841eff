package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/store"
)

// statsRepo stubs the two Repository methods the Reporter touches.
type statsRepo struct {
	store.Repository
	statsByZip map[string]*model.PriceStatistics
	saved      *model.DailyReport
	saveErr    error
}

func (r *statsRepo) GetPriceStatistics(_ context.Context, zip string) (*model.PriceStatistics, error) {
	if s, ok := r.statsByZip[zip]; ok {
		return s, nil
	}
	return &model.PriceStatistics{}, nil
}

func (r *statsRepo) SaveDailyReport(_ context.Context, report *model.DailyReport) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = report
	return nil
}

func TestReporter_Build(t *testing.T) {
	repo := &statsRepo{statsByZip: map[string]*model.PriceStatistics{
		"85031": {Count: 4, Min: 100000, Max: 400000, Avg: 250000, Median: 250000},
		"85033": {Count: 2, Min: 150000, Max: 450000, Avg: 300000, Median: 300000},
	}}
	r := NewReporter(repo)
	r.nowFunc = func() time.Time { return statsNow }

	stats := NewRunStats(statsNow)
	stats.RecordSuccess(model.SourceAssessor, "85031", 0.8, true)
	stats.RecordSuccess(model.SourceMLS, "85033", 0.6, true)
	stats.RecordFailure(model.SourceMLS, errors.New("boom"))
	stats.Finish(statsNow.Add(2 * time.Minute))

	report, err := r.Build(context.Background(), stats, []string{"85031", "85033", "99999"})
	require.NoError(t, err)

	assert.Equal(t, model.ReportDate(statsNow), report.Date)
	assert.Equal(t, 2, report.PropertiesCollected)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 120.0, report.DurationSeconds)
	assert.InDelta(t, 0.7, report.DataQualityScore, 1e-9)
	assert.Equal(t, 1, report.ByZipcode["85031"])

	assert.Equal(t, 6, report.PriceStats.Count)
	assert.Equal(t, 100000.0, report.PriceStats.Min)
	assert.Equal(t, 450000.0, report.PriceStats.Max)
	// count-weighted: (250000*4 + 300000*2) / 6
	assert.InDelta(t, 266666.67, report.PriceStats.Avg, 1.0)
}

func TestReporter_Build_NoPrices(t *testing.T) {
	r := NewReporter(&statsRepo{})
	r.nowFunc = func() time.Time { return statsNow }

	report, err := r.Build(context.Background(), NewRunStats(statsNow), []string{"85031"})
	require.NoError(t, err)
	assert.Equal(t, 0, report.PriceStats.Count)
}

func TestReporter_Publish(t *testing.T) {
	repo := &statsRepo{}
	r := NewReporter(repo)

	report := &model.DailyReport{Date: model.ReportDate(statsNow), PropertiesCollected: 9}
	require.NoError(t, r.Publish(context.Background(), report))
	require.NotNil(t, repo.saved)
	assert.Equal(t, 9, repo.saved.PropertiesCollected)
}

func TestReporter_Publish_Error(t *testing.T) {
	r := NewReporter(&statsRepo{saveErr: errors.New("db down")})
	err := r.Publish(context.Background(), &model.DailyReport{})
	assert.Error(t, err)
}
