// Package integrator orchestrates the collection pipeline: fetch raw
// records from a source, adapt them into canonical properties, enrich
// structurally thin ones through the extractor, validate, and persist.
package integrator

import (
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/adapter"
	"github.com/sells-group/propcollect/internal/extract"
	"github.com/sells-group/propcollect/internal/rawstore"
	"github.com/sells-group/propcollect/internal/resilience"
	"github.com/sells-group/propcollect/internal/source"
	"github.com/sells-group/propcollect/internal/store"
	"github.com/sells-group/propcollect/internal/validate"
)

// Mode selects how a run traverses its source.
type Mode string

const (
	// ModeBatch fetches a full result set, then processes it in chunks
	// with a batched store write per chunk.
	ModeBatch Mode = "BATCH"
	// ModeStreaming processes records as the source yields them,
	// persisting each one individually.
	ModeStreaming Mode = "STREAMING"
	// ModeIndividual processes a single record by source id.
	ModeIndividual Mode = "INDIVIDUAL"
)

// ParseMode accepts any casing of the mode names.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeBatch:
		return ModeBatch, nil
	case ModeStreaming:
		return ModeStreaming, nil
	case ModeIndividual:
		return ModeIndividual, nil
	}
	return "", eris.Errorf("integrator: unknown mode %q", s)
}

// Options tunes a run.
type Options struct {
	// Workers bounds concurrent record processing. Default 3.
	Workers int
	// BatchSize is the chunk size for batch-mode store writes. Default 25.
	BatchSize int
	// Version is stamped onto records produced by the extraction path.
	Version string
	// DLQExportPath, when set, is read on Initialize and written on Close
	// so parked items survive the process.
	DLQExportPath string
}

const (
	defaultWorkers   = 3
	defaultBatchSize = 25
)

// Deps wires the integrator's collaborators.
type Deps struct {
	Sources   map[string]source.Client
	Adapters  map[string]adapter.Adapter
	Extractor *extract.Extractor // nil disables model extraction
	Validator *validate.Validator
	Repo      store.Repository
	DLQ       *resilience.DLQ
	RawStore  *rawstore.Store // nil disables HTML snapshots
	Browser   *source.Browser // nil when no source renders pages
}

// Integrator runs the collection pipeline.
type Integrator struct {
	deps    Deps
	opts    Options
	nowFunc func() time.Time
}

// New creates an Integrator. Validator, Repo and at least one source are
// required; everything else degrades gracefully when absent.
func New(deps Deps, opts Options) (*Integrator, error) {
	if deps.Validator == nil {
		return nil, eris.New("integrator: validator is required")
	}
	if deps.Repo == nil {
		return nil, eris.New("integrator: repository is required")
	}
	if len(deps.Sources) == 0 {
		return nil, eris.New("integrator: at least one source is required")
	}
	for tag := range deps.Sources {
		if deps.Adapters[tag] == nil {
			return nil, eris.Errorf("integrator: source %q has no adapter", tag)
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Version == "" {
		opts.Version = "propcollect/1.0"
	}
	if deps.DLQ == nil {
		deps.DLQ = resilience.NewDLQ(resilience.DefaultDLQCapacity)
	}
	return &Integrator{deps: deps, opts: opts, nowFunc: time.Now}, nil
}

// DLQ exposes the dead-letter queue for inspection and retry commands.
func (ig *Integrator) DLQ() *resilience.DLQ { return ig.deps.DLQ }

// Initialize starts the browser when one is configured and restores any
// previously exported dead-letter backlog.
func (ig *Integrator) Initialize() error {
	if ig.deps.Browser != nil {
		if err := ig.deps.Browser.Start(); err != nil {
			return eris.Wrap(err, "integrator: start browser")
		}
	}
	if path := ig.opts.DLQExportPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			n, err := ig.deps.DLQ.Import(path)
			if err != nil {
				zap.L().Warn("integrator: dlq import failed", zap.String("path", path), zap.Error(err))
			} else if n > 0 {
				zap.L().Info("integrator: dlq restored", zap.Int("entries", n))
			}
		}
	}
	return nil
}

// Close flushes the dead-letter queue to disk and shuts the browser down.
func (ig *Integrator) Close() error {
	var firstErr error
	if path := ig.opts.DLQExportPath; path != "" && ig.deps.DLQ.Size() > 0 {
		if err := ig.deps.DLQ.Export(path); err != nil {
			firstErr = err
			zap.L().Error("integrator: dlq export failed", zap.String("path", path), zap.Error(err))
		} else {
			zap.L().Info("integrator: dlq exported",
				zap.String("path", path), zap.Int("entries", ig.deps.DLQ.Size()))
		}
	}
	if ig.deps.Browser != nil {
		if err := ig.deps.Browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
