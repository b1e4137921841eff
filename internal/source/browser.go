package source

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Browser renders JS-heavy listing pages through headless Chrome. The MLS
// site serves skeleton HTML to plain HTTP clients, so rendered fetches are
// the primary path and HTTP is the fallback.
type Browser struct {
	navTimeout time.Duration

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func NewBrowser(navTimeout time.Duration) *Browser {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &Browser{navTimeout: navTimeout}
}

// Start launches Chrome. Safe to call once; Fetch before Start or after a
// failed Start reports inactive.
func (b *Browser) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return nil
	}

	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")

	wsURL, err := l.Launch()
	if err != nil {
		return eris.Wrap(err, "source: launch chrome")
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return eris.Wrap(err, "source: connect chrome")
	}

	b.lnch = l
	b.browser = browser
	zap.L().Info("source: browser started", zap.String("ws", wsURL))
	return nil
}

// Active reports whether a Chrome instance is connected.
func (b *Browser) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.browser != nil
}

// Fetch renders one page with stealth applied and returns its outer HTML.
// The page is always closed, including on cancellation.
func (b *Browser) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	b.mu.Lock()
	browser := b.browser
	b.mu.Unlock()
	if browser == nil {
		return nil, eris.New("source: browser not started")
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, eris.Wrap(err, "source: create stealth page")
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, b.navTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return nil, eris.Wrapf(err, "source: navigate %s", pageURL)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		zap.L().Warn("source: wait load timed out, using partial DOM",
			zap.String("url", pageURL), zap.Error(err))
	}

	res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read dom %s", pageURL)
	}
	return []byte(res.Value.Str()), nil
}

// Close tears down Chrome. Idempotent.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}

	err := b.browser.Close()
	if b.lnch != nil {
		b.lnch.Kill()
	}
	b.browser = nil
	b.lnch = nil
	return err
}
