package integrator

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/monitoring"
	"github.com/sells-group/propcollect/internal/source"
)

// RunRequest scopes one collection run.
type RunRequest struct {
	Source  string
	Mode    Mode
	Zipcode string
	// Limit caps processed records. Zero means no cap.
	Limit int
	// Cursor resumes a previous batch or stream position.
	Cursor string
	// PropertyID selects the record for INDIVIDUAL mode.
	PropertyID string
}

// Run executes a collection run and returns its counters. Per-record
// failures are counted and parked, not returned; the error covers
// run-level problems such as an unreachable source.
func (ig *Integrator) Run(ctx context.Context, req RunRequest) (*monitoring.RunStats, error) {
	client := ig.deps.Sources[req.Source]
	if client == nil {
		return nil, eris.Errorf("integrator: unknown source %q", req.Source)
	}

	stats := monitoring.NewRunStats(ig.nowFunc())
	log := zap.L().With(
		zap.String("source", req.Source),
		zap.String("mode", string(req.Mode)),
		zap.String("zipcode", req.Zipcode),
	)
	log.Info("integrator: run starting")

	var err error
	switch req.Mode {
	case ModeIndividual:
		err = ig.runIndividual(ctx, client, req, stats)
	case ModeStreaming:
		err = ig.runStreaming(ctx, req, stats)
	case ModeBatch, "":
		err = ig.runBatch(ctx, client, req, stats)
	default:
		err = eris.Errorf("integrator: unknown mode %q", req.Mode)
	}

	stats.Finish(ig.nowFunc())
	log.Info("integrator: run finished",
		zap.Int("processed", stats.TotalProcessed),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed),
		zap.Int("saved", stats.SavedToDB),
		zap.Duration("duration", stats.Duration()),
	)
	return stats, err
}

func (ig *Integrator) runIndividual(ctx context.Context, client source.Client, req RunRequest, stats *monitoring.RunStats) error {
	if req.PropertyID == "" {
		return eris.New("integrator: individual mode requires a property id")
	}
	rec, err := client.GetPropertyDetails(ctx, req.PropertyID)
	if err != nil {
		stats.RecordFailure(req.Source, err)
		return eris.Wrapf(err, "integrator: fetch %s", req.PropertyID)
	}

	res := ig.process(ctx, *rec)
	ig.saveResult(ctx, stats, *rec, &res)
	return res.Err
}

func (ig *Integrator) runBatch(ctx context.Context, client source.Client, req RunRequest, stats *monitoring.RunStats) error {
	records, err := client.SearchProperties(ctx, source.Query{
		Zipcode: req.Zipcode,
		Limit:   req.Limit,
		Cursor:  req.Cursor,
	})
	if err != nil {
		return eris.Wrap(err, "integrator: search")
	}

	for i := 0; i < len(records); i += ig.opts.BatchSize {
		end := i + ig.opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[i:end]
		results := make([]model.ProcessingResult, len(chunk))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ig.opts.Workers)
		for j := range chunk {
			j := j
			g.Go(func() error {
				results[j] = ig.process(gctx, chunk[j])
				return nil
			})
		}
		g.Wait() //nolint:errcheck

		ig.saveChunk(ctx, stats, chunk, results)

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// batchUpserter is the optional fast path a backend may offer for chunked
// writes.
type batchUpserter interface {
	UpsertBatch(ctx context.Context, props []model.Property) (int64, error)
}

// saveChunk persists one processed chunk, preferring the backend's bulk
// path when every valid record can go in one write.
func (ig *Integrator) saveChunk(ctx context.Context, stats *monitoring.RunStats, chunk []model.RawRecord, results []model.ProcessingResult) {
	bulk, hasBulk := ig.deps.Repo.(batchUpserter)
	if !hasBulk {
		for i := range results {
			ig.saveResult(ctx, stats, chunk[i], &results[i])
		}
		return
	}

	var props []model.Property
	var validIdx []int
	for i := range results {
		if results[i].IsValid {
			props = append(props, *results[i].Property)
			validIdx = append(validIdx, i)
		} else {
			stats.RecordFailure(chunk[i].Source, results[i].Err)
		}
	}
	if len(props) == 0 {
		return
	}

	if _, err := bulk.UpsertBatch(ctx, props); err != nil {
		zap.L().Warn("integrator: bulk upsert failed, retrying per record", zap.Error(err))
		for _, i := range validIdx {
			ig.saveResult(ctx, stats, chunk[i], &results[i])
		}
		return
	}
	for _, i := range validIdx {
		prop := results[i].Property
		ig.snapshot(chunk[i], prop)
		stats.RecordSuccess(chunk[i].Source, prop.Address.Zipcode, lastQuality(prop), true)
	}
}

// lastQuality reads the quality score stamped by the newest source entry.
func lastQuality(p *model.Property) float64 {
	if len(p.Sources) == 0 {
		return 0
	}
	return p.Sources[len(p.Sources)-1].QualityScore
}

func (ig *Integrator) runStreaming(ctx context.Context, req RunRequest, stats *monitoring.RunStats) error {
	out, err := ig.Stream(ctx, req, stats)
	if err != nil {
		return err
	}
	for range out {
		// counters accumulate in saveResult; stream mode just drains
	}
	return ctx.Err()
}

// Stream processes records as the source yields them, emitting one
// ProcessingResult per record. Counters accumulate into stats. The
// returned channel closes when the source is exhausted or ctx is done.
func (ig *Integrator) Stream(ctx context.Context, req RunRequest, stats *monitoring.RunStats) (<-chan model.ProcessingResult, error) {
	client := ig.deps.Sources[req.Source]
	if client == nil {
		return nil, eris.Errorf("integrator: unknown source %q", req.Source)
	}

	items := client.StreamProperties(ctx, source.Query{
		Zipcode: req.Zipcode,
		Limit:   req.Limit,
		Cursor:  req.Cursor,
	})

	out := make(chan model.ProcessingResult, ig.opts.Workers)
	queue := make(chan model.RawRecord, 2*ig.opts.Workers)

	go func() {
		defer close(queue)
		for item := range items {
			if item.Err != nil {
				stats.RecordFailure(req.Source, item.Err)
				select {
				case out <- model.ProcessingResult{Source: req.Source, Err: item.Err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case queue <- item.Record:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < ig.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range queue {
				res := ig.process(ctx, rec)
				ig.saveResult(ctx, stats, rec, &res)
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}
