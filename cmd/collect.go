package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/propcollect/internal/integrator"
	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/monitoring"
	"github.com/sells-group/propcollect/internal/scheduler"
	"github.com/sells-group/propcollect/internal/store"
)

var (
	collectSource string
	collectZips   []string
	collectLimit  int
	collectMode   string
	collectID     string
	collectDaemon bool
)

// runSummary is the JSON shape printed after a collection run.
type runSummary struct {
	Source     string         `json:"source"`
	Mode       string         `json:"mode"`
	Zipcode    string         `json:"zipcode,omitempty"`
	Processed  int            `json:"processed"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	SavedToDB  int            `json:"saved_to_db"`
	AvgQuality float64        `json:"avg_quality"`
	DurationMS int64          `json:"duration_ms"`
	ByZipcode  map[string]int `json:"by_zipcode,omitempty"`
	Errors     []string       `json:"recent_errors,omitempty"`
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run a collection pass against one source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		repo, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		ig, err := initIntegrator(repo)
		if err != nil {
			return err
		}
		if err := ig.Initialize(); err != nil {
			return err
		}
		defer func() {
			if err := ig.Close(); err != nil {
				zap.L().Warn("integrator close", zap.Error(err))
			}
		}()

		if collectDaemon {
			return runDaemon(ctx, ig, repo)
		}

		mode, err := integrator.ParseMode(collectMode)
		if err != nil {
			return err
		}

		stats, err := sweepZips(ctx, ig, integrator.RunRequest{
			Source:     collectSource,
			Mode:       mode,
			Limit:      collectLimit,
			PropertyID: collectID,
		}, collectZips)
		if err != nil {
			return err
		}

		if err := printSummary(os.Stdout, stats, mode); err != nil {
			return err
		}

		if stats.Failed > 0 && stats.Successful > 0 {
			return &exitError{code: exitPartial, err: eris.Errorf("%d of %d records failed", stats.Failed, stats.TotalProcessed)}
		}
		return nil
	},
}

// sweepZips runs one collection pass per zipcode and folds the counters
// together. An empty list runs a single unscoped pass; individual mode
// targets one record, so only the first zipcode applies.
func sweepZips(ctx context.Context, runner scheduler.Runner, base integrator.RunRequest, zips []string) (*monitoring.RunStats, error) {
	if len(zips) == 0 {
		zips = []string{""}
	}
	if base.Mode == integrator.ModeIndividual {
		zips = zips[:1]
	}

	total := monitoring.NewRunStats(time.Now())
	for _, zip := range zips {
		req := base
		req.Zipcode = zip
		stats, err := runner.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		total.Merge(stats)
	}
	total.Finish(time.Now())
	return total, nil
}

func printSummary(w io.Writer, stats *monitoring.RunStats, mode integrator.Mode) error {
	summary := runSummary{
		Source:     collectSource,
		Mode:       string(mode),
		Zipcode:    strings.Join(collectZips, ","),
		Processed:  stats.TotalProcessed,
		Successful: stats.Successful,
		Failed:     stats.Failed,
		SavedToDB:  stats.SavedToDB,
		AvgQuality: stats.AvgQuality(),
		DurationMS: stats.Duration().Milliseconds(),
		ByZipcode:  stats.ByZipcode,
		Errors:     stats.RecentErrors(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// runDaemon loops collection sweeps on the configured interval until the
// process receives a stop signal.
func runDaemon(ctx context.Context, ig *integrator.Integrator, repo store.Repository) error {
	sched, err := scheduler.New(
		ig,
		monitoring.NewReporter(repo),
		[]string{model.SourceAssessor, model.SourceMLS},
		cfg.Scheduler,
		cfg.Collect,
	)
	if err != nil {
		return err
	}

	checker := monitoring.NewChecker(
		monitoring.NewCollector(sched.Stats(), ig.DLQ()),
		monitoring.NewAlerter(cfg.Monitor),
		cfg.Monitor,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	zap.L().Info("daemon stopped")
	return nil
}

func init() {
	collectCmd.Flags().StringVar(&collectSource, "source", model.SourceAssessor, "source to collect from (assessor|mls)")
	collectCmd.Flags().StringSliceVar(&collectZips, "zip", nil, "target zipcodes (repeatable or comma separated)")
	collectCmd.Flags().IntVar(&collectLimit, "limit", 0, "max records to collect (0 = no limit)")
	collectCmd.Flags().StringVar(&collectMode, "mode", "batch", "processing mode (batch|streaming|individual)")
	collectCmd.Flags().StringVar(&collectID, "id", "", "single property id (individual mode)")
	collectCmd.Flags().BoolVar(&collectDaemon, "daemon", false, "run sweeps on the configured interval")
	rootCmd.AddCommand(collectCmd)
}
