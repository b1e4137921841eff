package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/propcollect/internal/adapter"
	"github.com/sells-group/propcollect/internal/config"
	"github.com/sells-group/propcollect/internal/extract"
	"github.com/sells-group/propcollect/internal/integrator"
	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/proxy"
	"github.com/sells-group/propcollect/internal/ratelimit"
	"github.com/sells-group/propcollect/internal/rawstore"
	"github.com/sells-group/propcollect/internal/resilience"
	"github.com/sells-group/propcollect/internal/source"
	"github.com/sells-group/propcollect/internal/store"
	"github.com/sells-group/propcollect/internal/validate"
)

func initStore(ctx context.Context) (store.Repository, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Database
		if path == "" {
			path = "propcollect.db"
		}
		return store.NewSQLite(ctx, path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL.Reveal(), &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func retryPolicy() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxRetries + 1,
		InitialBackoff: time.Duration(cfg.Retry.BaseDelaySecs * float64(time.Second)),
		Multiplier:     cfg.Retry.BackoffFactor,
	}
}

func proxyPool() *proxy.Pool {
	var entries []proxy.Entry
	for _, p := range cfg.Proxies {
		entries = append(entries, proxy.Entry{
			Name:    p.Name,
			URL:     p.URL.Reveal(),
			Enabled: p.Enabled,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	return proxy.NewPool(entries, proxy.Config{})
}

func newFetcher(name string, src config.SourceConfig, headers map[string]string, pool *proxy.Pool, refresh func(context.Context) (map[string]string, error)) *source.Fetcher {
	return source.NewFetcher(source.FetcherConfig{
		Timeout: src.Timeout(),
		Headers: headers,
		Limiter: ratelimit.New(name, ratelimit.Config{
			RequestsPerWindow: src.RequestsPerHour,
			Window:            time.Hour,
			SafetyMargin:      src.SafetyMargin,
		}),
		Proxies:     pool,
		Breaker:     resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{}),
		Retry:       retryPolicy(),
		RefreshAuth: refresh,
	})
}

// assessorAuthRefresh re-reads configuration so a rotated
// PROPCOLLECT_ASSESSOR_API_KEY is picked up without a restart.
func assessorAuthRefresh(ctx context.Context) (map[string]string, error) {
	fresh, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.Assessor.APIKey = fresh.Assessor.APIKey
	return source.AuthHeader(fresh.Assessor.APIKey.Reveal()), nil
}

// initIntegrator assembles the full pipeline from configuration. The
// caller owns the returned integrator and must Close it.
func initIntegrator(repo store.Repository) (*integrator.Integrator, error) {
	pool := proxyPool()

	var browser *source.Browser
	if cfg.MLS.UseBrowser {
		browser = source.NewBrowser(cfg.MLS.Timeout())
	}

	sources := map[string]source.Client{
		model.SourceAssessor: source.NewAssessorClient(
			cfg.Assessor.BaseURL,
			newFetcher(model.SourceAssessor, cfg.Assessor, source.AuthHeader(cfg.Assessor.APIKey.Reveal()), pool, assessorAuthRefresh),
		),
		model.SourceMLS: source.NewMLSClient(
			cfg.MLS.BaseURL,
			newFetcher(model.SourceMLS, cfg.MLS, nil, pool, nil),
			browser,
		),
	}

	adapters := map[string]adapter.Adapter{
		model.SourceAssessor: adapter.NewAssessorAdapter(cfg.Collect.Version),
		model.SourceMLS:      adapter.NewMLSAdapter(cfg.Collect.Version),
	}

	var extractor *extract.Extractor
	if cfg.LLM.APIKey != "" {
		extractor = extract.New(
			extract.NewClient(cfg.LLM.APIKey.Reveal(), cfg.LLM.BaseURL),
			extract.Options{
				Model:         cfg.LLM.Model,
				Version:       cfg.Collect.Version,
				Timeout:       cfg.LLM.Timeout(),
				MaxInputBytes: cfg.LLM.MaxInputBytes,
				Breaker:       resilience.NewCircuitBreaker("llm", resilience.CircuitBreakerConfig{}),
			},
		)
	}

	var raw *rawstore.Store
	if cfg.RawStore.Dir != "" {
		r, err := rawstore.New(rawstore.Options{
			Dir:        cfg.RawStore.Dir,
			Compress:   cfg.RawStore.Compress,
			MaxAgeDays: cfg.RawStore.MaxAgeDays,
		})
		if err != nil {
			return nil, eris.Wrap(err, "init raw store")
		}
		raw = r
	}

	mode := validate.ModeStrict
	if !cfg.Collect.Strict || cfg.Validation.Mode == string(validate.ModeRelaxed) {
		mode = validate.ModeRelaxed
	}

	return integrator.New(integrator.Deps{
		Sources:   sources,
		Adapters:  adapters,
		Extractor: extractor,
		Validator: validate.New(mode),
		Repo:      repo,
		DLQ:       resilience.NewDLQ(cfg.DLQ.Capacity),
		RawStore:  raw,
		Browser:   browser,
	}, integrator.Options{
		Workers:       cfg.Collect.Workers,
		BatchSize:     cfg.Collect.BatchSize,
		Version:       cfg.Collect.Version,
		DLQExportPath: cfg.DLQ.ExportPath,
	})
}
