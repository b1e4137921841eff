package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/store"
)

// Reporter turns finished run counters into persisted daily reports.
type Reporter struct {
	repo    store.Repository
	nowFunc func() time.Time
}

// NewReporter creates a Reporter writing through repo.
func NewReporter(repo store.Repository) *Reporter {
	return &Reporter{repo: repo, nowFunc: time.Now}
}

// Build assembles a daily report from run counters plus stored price
// statistics for the covered zipcodes.
func (r *Reporter) Build(ctx context.Context, stats *RunStats, zipcodes []string) (*model.DailyReport, error) {
	snap := stats.Snapshot()
	report := &model.DailyReport{
		Date:                model.ReportDate(r.nowFunc()),
		PropertiesCollected: snap.Successful,
		Processed:           snap.TotalProcessed,
		Errors:              snap.Failed,
		DurationSeconds:     snap.Duration.Seconds(),
		BySource:            snap.BySource,
		ByZipcode:           snap.ByZipcode,
		DataQualityScore:    snap.AvgQuality,
	}

	priceStats, err := r.priceStats(ctx, zipcodes)
	if err != nil {
		return nil, err
	}
	report.PriceStats = *priceStats
	return report, nil
}

// priceStats merges per-zipcode aggregates. The merged median is a
// count-weighted mean of zipcode medians, an approximation that holds
// exactly for a single zipcode.
func (r *Reporter) priceStats(ctx context.Context, zipcodes []string) (*model.PriceStatistics, error) {
	merged := &model.PriceStatistics{}
	var avgSum, medianSum float64
	for _, zip := range zipcodes {
		stats, err := r.repo.GetPriceStatistics(ctx, zip)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: price stats for %s", zip)
		}
		if stats.Count == 0 {
			continue
		}
		if merged.Count == 0 || stats.Min < merged.Min {
			merged.Min = stats.Min
		}
		if stats.Max > merged.Max {
			merged.Max = stats.Max
		}
		avgSum += stats.Avg * float64(stats.Count)
		medianSum += stats.Median * float64(stats.Count)
		merged.Count += stats.Count
	}
	if merged.Count > 0 {
		merged.Avg = avgSum / float64(merged.Count)
		merged.Median = medianSum / float64(merged.Count)
	}
	return merged, nil
}

// Publish saves the report, overwriting any earlier report for the day.
func (r *Reporter) Publish(ctx context.Context, report *model.DailyReport) error {
	if err := r.repo.SaveDailyReport(ctx, report); err != nil {
		return err
	}
	zap.L().Info("monitoring: daily report saved",
		zap.Time("date", report.Date),
		zap.Int("collected", report.PropertiesCollected),
		zap.Int("errors", report.Errors),
	)
	return nil
}
