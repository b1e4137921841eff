// Package monitoring tracks collection-run health: per-run counters, an
// alert evaluator with webhook delivery, and the daily report builder.
package monitoring

import (
	"sync"
	"time"
)

// RunStats accumulates counters for one collection run. Safe for
// concurrent use by pipeline workers.
type RunStats struct {
	mu sync.Mutex

	TotalProcessed int
	Successful     int
	Failed         int
	SavedToDB      int
	BySource       map[string]int
	ByZipcode      map[string]int

	qualitySum   float64
	qualityCount int

	recentErrors []string
	startedAt    time.Time
	finishedAt   time.Time
}

// recentErrorCap bounds the error ring kept for run summaries.
const recentErrorCap = 10

// NewRunStats starts a run clock.
func NewRunStats(now time.Time) *RunStats {
	return &RunStats{
		BySource:  map[string]int{},
		ByZipcode: map[string]int{},
		startedAt: now,
	}
}

// RecordSuccess counts one record that made it into the store.
func (s *RunStats) RecordSuccess(source, zipcode string, quality float64, saved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalProcessed++
	s.Successful++
	if saved {
		s.SavedToDB++
	}
	s.BySource[source]++
	if zipcode != "" {
		s.ByZipcode[zipcode]++
	}
	s.qualitySum += quality
	s.qualityCount++
}

// RecordFailure counts one record that could not be processed.
func (s *RunStats) RecordFailure(source string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalProcessed++
	s.Failed++
	s.BySource[source]++
	if err != nil {
		s.recentErrors = append(s.recentErrors, err.Error())
		if len(s.recentErrors) > recentErrorCap {
			s.recentErrors = s.recentErrors[len(s.recentErrors)-recentErrorCap:]
		}
	}
}

// Merge folds another run's counters into s. The other run must be
// finished; its lock is taken after s's, so never merge two stats into
// each other concurrently.
func (s *RunStats) Merge(o *RunStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()

	s.TotalProcessed += o.TotalProcessed
	s.Successful += o.Successful
	s.Failed += o.Failed
	s.SavedToDB += o.SavedToDB
	for src, n := range o.BySource {
		s.BySource[src] += n
	}
	for zip, n := range o.ByZipcode {
		s.ByZipcode[zip] += n
	}
	s.qualitySum += o.qualitySum
	s.qualityCount += o.qualityCount

	s.recentErrors = append(s.recentErrors, o.recentErrors...)
	if len(s.recentErrors) > recentErrorCap {
		s.recentErrors = s.recentErrors[len(s.recentErrors)-recentErrorCap:]
	}
}

// Finish stamps the run end time.
func (s *RunStats) Finish(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedAt = now
}

// Duration reports elapsed run time. Zero until Finish is called.
func (s *RunStats) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishedAt.IsZero() {
		return 0
	}
	return s.finishedAt.Sub(s.startedAt)
}

// AvgQuality reports the mean quality score of successful records.
func (s *RunStats) AvgQuality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qualityCount == 0 {
		return 0
	}
	return s.qualitySum / float64(s.qualityCount)
}

// RecentErrors returns the newest error messages, most recent last.
func (s *RunStats) RecentErrors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recentErrors))
	copy(out, s.recentErrors)
	return out
}

// StatsSnapshot is a lock-free copy of run counters for readers that
// outlive the recording goroutines.
type StatsSnapshot struct {
	TotalProcessed int
	Successful     int
	Failed         int
	SavedToDB      int
	BySource       map[string]int
	ByZipcode      map[string]int
	AvgQuality     float64
	Duration       time.Duration
}

// Snapshot copies the counters under the lock. The maps are deep copies,
// so the caller can hold them while recorders keep running.
func (s *RunStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalProcessed: s.TotalProcessed,
		Successful:     s.Successful,
		Failed:         s.Failed,
		SavedToDB:      s.SavedToDB,
		BySource:       make(map[string]int, len(s.BySource)),
		ByZipcode:      make(map[string]int, len(s.ByZipcode)),
	}
	for src, n := range s.BySource {
		snap.BySource[src] = n
	}
	for zip, n := range s.ByZipcode {
		snap.ByZipcode[zip] = n
	}
	if s.qualityCount > 0 {
		snap.AvgQuality = s.qualitySum / float64(s.qualityCount)
	}
	if !s.finishedAt.IsZero() {
		snap.Duration = s.finishedAt.Sub(s.startedAt)
	}
	return snap
}

// MetricsSnapshot is a point-in-time view of run health used by the
// alert evaluator.
type MetricsSnapshot struct {
	Processed   int       `json:"processed"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	FailRate    float64   `json:"fail_rate"`
	SavedToDB   int       `json:"saved_to_db"`
	AvgQuality  float64   `json:"avg_quality"`
	DLQDepth    int       `json:"dlq_depth"`
	CollectedAt time.Time `json:"collected_at"`
}

// QueueDepth reports dead-letter backlog size.
type QueueDepth interface {
	Size() int
}

// Collector assembles snapshots from live run counters and the DLQ.
type Collector struct {
	stats   *RunStats
	dlq     QueueDepth
	nowFunc func() time.Time
}

// NewCollector creates a metrics collector. dlq may be nil.
func NewCollector(stats *RunStats, dlq QueueDepth) *Collector {
	return &Collector{stats: stats, dlq: dlq, nowFunc: time.Now}
}

// Collect gathers a snapshot of the current run.
func (c *Collector) Collect() *MetricsSnapshot {
	c.stats.mu.Lock()
	snap := &MetricsSnapshot{
		Processed:   c.stats.TotalProcessed,
		Successful:  c.stats.Successful,
		Failed:      c.stats.Failed,
		SavedToDB:   c.stats.SavedToDB,
		CollectedAt: c.nowFunc().UTC(),
	}
	finished := c.stats.Successful + c.stats.Failed
	if finished > 0 {
		snap.FailRate = float64(c.stats.Failed) / float64(finished)
	}
	if c.stats.qualityCount > 0 {
		snap.AvgQuality = c.stats.qualitySum / float64(c.stats.qualityCount)
	}
	c.stats.mu.Unlock()

	if c.dlq != nil {
		snap.DLQDepth = c.dlq.Size()
	}
	return snap
}
