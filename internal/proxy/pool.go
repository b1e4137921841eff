// Package proxy rotates outbound HTTP identities and tracks their health.
package proxy

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Health is the state of one identity.
type Health string

const (
	Healthy     Health = "healthy"
	CoolingDown Health = "cooling_down"
	Disabled    Health = "disabled"
)

// ErrNoProxies is returned when every identity is cooling down or disabled.
var ErrNoProxies = eris.New("proxy: no healthy identities available")

// Identity is one outbound HTTP identity.
type Identity struct {
	Name string
	URL  string

	health              Health
	consecutiveFailures int
	coolingUntil        time.Time
}

// Config controls pool behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures before an
	// identity cools down. Default: 3.
	FailureThreshold int

	// CoolDown is how long a tripped identity rests. Default: 10m.
	CoolDown time.Duration

	// ProbeInterval enables a background health probe when positive.
	ProbeInterval time.Duration
}

// Pool hands out identities round-robin, skipping unhealthy ones.
type Pool struct {
	cfg Config

	mu         sync.Mutex
	identities []*Identity
	cursor     int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Entry describes one identity at pool construction.
type Entry struct {
	Name    string
	URL     string
	Enabled bool
}

// NewPool creates a pool from configured identities. Disabled entries are
// kept so operators can flip them on without a restart path change.
func NewPool(entries []Entry, cfg Config) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 10 * time.Minute
	}

	p := &Pool{cfg: cfg, nowFunc: time.Now}
	for _, e := range entries {
		health := Healthy
		if !e.Enabled {
			health = Disabled
		}
		p.identities = append(p.identities, &Identity{
			Name:   e.Name,
			URL:    e.URL,
			health: health,
		})
	}
	return p
}

// Next returns the next healthy identity by round-robin. Cooling identities
// whose rest period has elapsed are lazily re-admitted.
func (p *Pool) Next() (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.identities)
	for i := 0; i < n; i++ {
		id := p.identities[(p.cursor+i)%n]
		p.refreshLocked(id)
		if id.health == Healthy {
			p.cursor = (p.cursor + i + 1) % n
			return id, nil
		}
	}
	return nil, ErrNoProxies
}

// ReportFailure counts a failed request against an identity. At the
// threshold the identity cools down for the configured period.
func (p *Pool) ReportFailure(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.findLocked(name)
	if id == nil || id.health == Disabled {
		return
	}
	id.consecutiveFailures++
	if id.consecutiveFailures >= p.cfg.FailureThreshold {
		id.health = CoolingDown
		id.coolingUntil = p.nowFunc().Add(p.cfg.CoolDown)
		zap.L().Warn("proxy cooling down",
			zap.String("proxy", name),
			zap.Int("failures", id.consecutiveFailures),
			zap.Time("until", id.coolingUntil),
		)
	}
}

// ReportSuccess clears an identity's failure counter.
func (p *Pool) ReportSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.findLocked(name)
	if id == nil || id.health == Disabled {
		return
	}
	id.consecutiveFailures = 0
	if id.health == CoolingDown {
		id.health = Healthy
		id.coolingUntil = time.Time{}
	}
}

// Health returns the current state of a named identity.
func (p *Pool) Health(name string) Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id := p.findLocked(name); id != nil {
		p.refreshLocked(id)
		return id.health
	}
	return Disabled
}

// Size returns the number of configured identities.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}

// Transport builds an *http.Transport routed through the identity's proxy
// URL. An identity with no URL yields a direct transport.
func (id *Identity) Transport() (*http.Transport, error) {
	t := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if id.URL == "" {
		return t, nil
	}
	u, err := url.Parse(id.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "proxy: parse url for %s", id.Name)
	}
	t.Proxy = http.ProxyURL(u)
	return t, nil
}

// StartProbe launches the optional background health probe, which
// re-admits cooled identities without waiting for a caller. It returns
// immediately when no interval is configured.
func (p *Pool) StartProbe(ctx context.Context) {
	if p.cfg.ProbeInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.mu.Lock()
				for _, id := range p.identities {
					p.refreshLocked(id)
				}
				p.mu.Unlock()
			}
		}
	}()
}

func (p *Pool) refreshLocked(id *Identity) {
	if id.health == CoolingDown && !p.nowFunc().Before(id.coolingUntil) {
		id.health = Healthy
		id.consecutiveFailures = 0
		id.coolingUntil = time.Time{}
	}
}

func (p *Pool) findLocked(name string) *Identity {
	for _, id := range p.identities {
		if id.Name == name {
			return id
		}
	}
	return nil
}
