package source

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/proxy"
	"github.com/sells-group/propcollect/internal/ratelimit"
	"github.com/sells-group/propcollect/internal/resilience"
)

const maxResponseBytes = 10 << 20

// Fetcher is the shared HTTP call engine: every outbound page or API call
// goes rate-limit slot -> proxy identity -> breaker -> request, with
// class-aware retries around the whole thing.
type Fetcher struct {
	timeout time.Duration
	headers map[string]string
	limiter *ratelimit.Limiter
	proxies *proxy.Pool
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig

	mu      sync.Mutex
	clients map[string]*http.Client // keyed by proxy name; "" = direct
}

// FetcherConfig wires a Fetcher. Limiter and Breaker are required; Proxies
// may be nil for direct connections.
type FetcherConfig struct {
	Timeout time.Duration
	Headers map[string]string
	Limiter *ratelimit.Limiter
	Proxies *proxy.Pool
	Breaker *resilience.CircuitBreaker
	Retry   resilience.RetryConfig

	// RefreshAuth, when set, re-derives the auth headers after an
	// AUTHENTICATION failure. It is invoked at most once per request
	// before the auth retry; the returned headers replace the current
	// ones for all subsequent requests.
	RefreshAuth func(ctx context.Context) (map[string]string, error)
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	f := &Fetcher{
		timeout: cfg.Timeout,
		headers: cfg.Headers,
		limiter: cfg.Limiter,
		proxies: cfg.Proxies,
		breaker: cfg.Breaker,
		retry:   cfg.Retry,
		clients: make(map[string]*http.Client),
	}
	if cfg.RefreshAuth != nil {
		refresh := cfg.RefreshAuth
		f.retry.RefreshAuth = func(ctx context.Context) error {
			headers, err := refresh(ctx)
			if err != nil {
				return eris.Wrap(err, "source: refresh auth")
			}
			f.mu.Lock()
			f.headers = headers
			f.mu.Unlock()
			zap.L().Info("source: auth headers refreshed")
			return nil
		}
	}
	return f
}

// Get fetches url and returns the body. Non-2xx statuses come back as
// classified errors; retries follow the per-class schedules.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) ([]byte, error) {
		return f.fetchOnce(ctx, url)
	})
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	var identity *proxy.Identity
	if f.proxies != nil && f.proxies.Size() > 0 {
		id, err := f.proxies.Next()
		if err != nil {
			return nil, resilience.NewClassified(resilience.ClassTemporary, err, "url", url)
		}
		identity = id
	}

	body, err := resilience.ExecuteVal(ctx, f.breaker, func(ctx context.Context) ([]byte, error) {
		return f.request(ctx, url, identity)
	})

	switch resilience.Classify(err) {
	case resilience.ClassRateLimit:
		f.limiter.RecordRateLimitHit()
		if identity != nil {
			f.proxies.ReportFailure(identity.Name)
		}
	case resilience.ClassNetwork, resilience.ClassTemporary:
		if identity != nil {
			f.proxies.ReportFailure(identity.Name)
		}
	}
	if err != nil {
		return nil, err
	}

	f.limiter.RecordSuccess()
	if identity != nil {
		f.proxies.ReportSuccess(identity.Name)
	}
	return body, nil
}

func (f *Fetcher) request(ctx context.Context, url string, identity *proxy.Identity) ([]byte, error) {
	client, err := f.clientFor(identity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "source: build request %s", url)
	}
	// Direct map assignment: the assessor API wants its auth header in
	// exact upper casing, which Header.Set would canonicalize away.
	f.mu.Lock()
	for k, v := range f.headers {
		req.Header[k] = []string{v}
	}
	f.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "source: get %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &resilience.HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "source: read body %s", url)
	}
	return body, nil
}

// clientFor returns the pooled client for a proxy identity. Clients are
// cached so connection pools survive across calls.
func (f *Fetcher) clientFor(identity *proxy.Identity) (*http.Client, error) {
	key := ""
	if identity != nil {
		key = identity.Name
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	client := &http.Client{}
	if identity != nil {
		transport, err := identity.Transport()
		if err != nil {
			zap.L().Warn("source: bad proxy transport, using direct",
				zap.String("proxy", identity.Name), zap.Error(err))
		} else {
			transport.MaxConnsPerHost = 8
			client.Transport = transport
		}
	}
	f.clients[key] = client
	return client, nil
}
