package monitoring

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/propcollect/internal/model"
)

var statsNow = time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)

func TestRunStats_Counters(t *testing.T) {
	stats := NewRunStats(statsNow)

	stats.RecordSuccess(model.SourceAssessor, "85031", 0.8, true)
	stats.RecordSuccess(model.SourceAssessor, "85031", 0.6, true)
	stats.RecordSuccess(model.SourceMLS, "85033", 0.7, false)
	stats.RecordFailure(model.SourceMLS, errors.New("parse failed"))

	assert.Equal(t, 4, stats.TotalProcessed)
	assert.Equal(t, 3, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.SavedToDB)
	assert.Equal(t, 2, stats.BySource[model.SourceAssessor])
	assert.Equal(t, 2, stats.BySource[model.SourceMLS])
	assert.Equal(t, 2, stats.ByZipcode["85031"])
	assert.InDelta(t, 0.7, stats.AvgQuality(), 1e-9)
	assert.Equal(t, []string{"parse failed"}, stats.RecentErrors())
}

func TestRunStats_ErrorRingBounded(t *testing.T) {
	stats := NewRunStats(statsNow)
	for i := 0; i < 25; i++ {
		stats.RecordFailure(model.SourceAssessor, fmt.Errorf("err %d", i))
	}

	errs := stats.RecentErrors()
	assert.Len(t, errs, recentErrorCap)
	assert.Equal(t, "err 24", errs[len(errs)-1])
	assert.Equal(t, "err 15", errs[0])
}

func TestRunStats_Snapshot(t *testing.T) {
	stats := NewRunStats(statsNow)
	stats.RecordSuccess(model.SourceAssessor, "85031", 0.9, true)
	stats.RecordFailure(model.SourceMLS, errors.New("parse failed"))
	stats.Finish(statsNow.Add(30 * time.Second))

	snap := stats.Snapshot()
	assert.Equal(t, 2, snap.TotalProcessed)
	assert.Equal(t, 1, snap.Successful)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.SavedToDB)
	assert.InDelta(t, 0.9, snap.AvgQuality, 1e-9)
	assert.Equal(t, 30*time.Second, snap.Duration)

	// later recording must not leak into the copy
	stats.RecordSuccess(model.SourceAssessor, "85031", 0.5, true)
	assert.Equal(t, 1, snap.BySource[model.SourceAssessor])
	assert.Equal(t, 1, snap.ByZipcode["85031"])
}

func TestRunStats_Duration(t *testing.T) {
	stats := NewRunStats(statsNow)
	assert.Equal(t, time.Duration(0), stats.Duration())

	stats.Finish(statsNow.Add(90 * time.Second))
	assert.Equal(t, 90*time.Second, stats.Duration())
}

type fakeDLQ struct{ depth int }

func (f fakeDLQ) Size() int { return f.depth }

func TestCollector_Collect(t *testing.T) {
	stats := NewRunStats(statsNow)
	stats.RecordSuccess(model.SourceAssessor, "85031", 0.9, true)
	stats.RecordFailure(model.SourceMLS, errors.New("boom"))

	c := NewCollector(stats, fakeDLQ{depth: 7})
	c.nowFunc = func() time.Time { return statsNow }

	snap := c.Collect()
	assert.Equal(t, 2, snap.Processed)
	assert.Equal(t, 1, snap.Successful)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 0.5, snap.FailRate)
	assert.Equal(t, 1, snap.SavedToDB)
	assert.Equal(t, 7, snap.DLQDepth)
	assert.InDelta(t, 0.9, snap.AvgQuality, 1e-9)
	assert.Equal(t, statsNow, snap.CollectedAt)
}

func TestCollector_NilDLQ(t *testing.T) {
	c := NewCollector(NewRunStats(statsNow), nil)
	snap := c.Collect()
	assert.Equal(t, 0, snap.DLQDepth)
	assert.Equal(t, 0.0, snap.FailRate)
}
