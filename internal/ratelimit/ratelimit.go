// Package ratelimit gates outbound requests per source, keeping a safety
// margin under the upstream's published limit and backing off after 429s.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultSafetyMargin shaves 10% off the configured rate so transient
// clock skew or burst alignment never trips the upstream limit.
const DefaultSafetyMargin = 0.1

// Observer receives limiter events, used to feed backpressure to the
// scheduler.
type Observer interface {
	OnWait(source string, waited time.Duration)
	OnRateLimitHit(source string)
}

// Config describes one source's limit.
type Config struct {
	// RequestsPerWindow is the upstream's published budget for Window.
	RequestsPerWindow int

	// Window is the budget period. Default: 1 minute.
	Window time.Duration

	// SafetyMargin in [0,1): fraction of the budget left unused.
	SafetyMargin float64
}

// Limiter is a per-source request gate. Acquire is FIFO under the hood
// (x/time/rate hands out reservations in call order) and safe for
// concurrent use.
type Limiter struct {
	source  string
	limiter *rate.Limiter

	mu          sync.Mutex
	effective   rate.Limit
	window      time.Duration
	halvedUntil time.Time

	observers []Observer

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a limiter for the named source.
func New(source string, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= 1 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 60
	}

	perSecond := float64(cfg.RequestsPerWindow) * (1 - cfg.SafetyMargin) / cfg.Window.Seconds()
	effective := rate.Limit(perSecond)

	return &Limiter{
		source:    source,
		limiter:   rate.NewLimiter(effective, 1),
		effective: effective,
		window:    cfg.Window,
		nowFunc:   time.Now,
	}
}

// AddObserver registers an observer for limiter events.
func (l *Limiter) AddObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Acquire blocks until a request slot is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.maybeRestore()

	start := l.now()
	if err := l.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "ratelimit: acquire %s", l.source)
	}
	waited := l.now().Sub(start)

	l.mu.Lock()
	observers := l.observers
	l.mu.Unlock()
	for _, o := range observers {
		o.OnWait(l.source, waited)
	}
	return nil
}

// RecordSuccess notes a successful upstream response. Recovery from a 429
// halving happens once the penalty window has elapsed.
func (l *Limiter) RecordSuccess() {
	l.maybeRestore()
}

// RecordRateLimitHit halves the effective rate for one window after an
// upstream 429.
func (l *Limiter) RecordRateLimitHit() {
	l.mu.Lock()
	l.halvedUntil = l.now().Add(l.window)
	halved := l.effective / 2
	observers := l.observers
	l.mu.Unlock()

	l.limiter.SetLimit(halved)
	zap.L().Warn("rate limit hit, halving effective rate",
		zap.String("source", l.source),
		zap.Float64("rate_per_sec", float64(halved)),
		zap.Duration("for", l.window),
	)
	for _, o := range observers {
		o.OnRateLimitHit(l.source)
	}
}

// Limit returns the limiter's current requests-per-second rate.
func (l *Limiter) Limit() rate.Limit {
	return l.limiter.Limit()
}

func (l *Limiter) maybeRestore() {
	l.mu.Lock()
	restore := !l.halvedUntil.IsZero() && !l.now().Before(l.halvedUntil)
	if restore {
		l.halvedUntil = time.Time{}
	}
	effective := l.effective
	l.mu.Unlock()

	if restore && l.limiter.Limit() < effective {
		l.limiter.SetLimit(effective)
		zap.L().Info("rate limit penalty expired, restoring rate",
			zap.String("source", l.source),
			zap.Float64("rate_per_sec", float64(effective)),
		)
	}
}

func (l *Limiter) now() time.Time {
	return l.nowFunc()
}

// Registry holds one limiter per source.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Register installs a limiter for a source, replacing any existing one.
func (r *Registry) Register(source string, cfg Config) *Limiter {
	l := New(source, cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[source] = l
	return l
}

// Get returns the limiter for a source, or nil when none is registered.
func (r *Registry) Get(source string) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[source]
}
