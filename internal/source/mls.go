package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/parser"
	"github.com/sells-group/propcollect/internal/resilience"
)

// mlsStreamDepth bounds the detail-fetch pipeline in streaming mode.
const mlsStreamDepth = 4

// MLSClient scrapes the MLS listing site. Pages are rendered through the
// headless browser when one is running; otherwise plain HTTP is used and
// the site had better serve server-rendered markup.
type MLSClient struct {
	baseURL string
	fetcher *Fetcher
	browser *Browser
	nowFunc func() time.Time
}

// NewMLSClient builds the scraper. browser may be nil for HTTP-only use.
func NewMLSClient(baseURL string, fetcher *Fetcher, browser *Browser) *MLSClient {
	return &MLSClient{
		baseURL: baseURL,
		fetcher: fetcher,
		browser: browser,
		nowFunc: time.Now,
	}
}

func (c *MLSClient) Source() string { return model.SourceMLS }

// fetchHTML renders a page, preferring the browser. Browser fetches go
// through the same limiter and breaker as HTTP ones.
func (c *MLSClient) fetchHTML(ctx context.Context, pageURL string) ([]byte, error) {
	if c.browser == nil || !c.browser.Active() {
		return c.fetcher.Get(ctx, pageURL)
	}

	return resilience.DoVal(ctx, c.fetcher.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.fetcher.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		body, err := resilience.ExecuteVal(ctx, c.fetcher.breaker, func(ctx context.Context) ([]byte, error) {
			return c.browser.Fetch(ctx, pageURL)
		})
		if err != nil {
			return nil, err
		}
		c.fetcher.limiter.RecordSuccess()
		return body, nil
	})
}

func (c *MLSClient) SearchProperties(ctx context.Context, q Query) ([]model.RawRecord, error) {
	summaries, err := c.search(ctx, q)
	if err != nil {
		return nil, err
	}

	var records []model.RawRecord
	for _, s := range summaries {
		rec, err := c.detail(ctx, s)
		if err != nil {
			// One broken listing should not sink the page; the caller's
			// metrics see the gap through the count.
			zap.L().Warn("source: listing detail failed",
				zap.String("listing_id", s.ListingID), zap.Error(err))
			continue
		}
		records = append(records, *rec)
		if q.Limit > 0 && len(records) >= q.Limit {
			break
		}
	}
	return records, nil
}

func (c *MLSClient) search(ctx context.Context, q Query) ([]parser.ListingSummary, error) {
	u := fmt.Sprintf("%s/search?zip=%s", c.baseURL, url.QueryEscape(q.Zipcode))
	html, err := c.fetchHTML(ctx, u)
	if err != nil {
		return nil, err
	}

	summaries, err := parser.ParseSearchResults(string(html))
	if err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError, err, "url", u)
	}
	return summaries, nil
}

func (c *MLSClient) detail(ctx context.Context, s parser.ListingSummary) (*model.RawRecord, error) {
	detailURL, err := c.resolve(s.URL)
	if err != nil {
		return nil, err
	}

	html, err := c.fetchHTML(ctx, detailURL)
	if err != nil {
		return nil, err
	}

	rec := model.RawRecord{
		Source:      model.SourceMLS,
		ID:          s.ListingID,
		URL:         detailURL,
		Payload:     html,
		ContentType: "text/html",
		FetchedAt:   c.nowFunc(),
	}
	return &rec, nil
}

func (c *MLSClient) GetPropertyDetails(ctx context.Context, id string) (*model.RawRecord, error) {
	return c.detail(ctx, parser.ListingSummary{
		ListingID: id,
		URL:       "/listing/" + url.PathEscape(id),
	})
}

// StreamProperties fetches the search page once, then renders details
// lazily as the consumer drains the channel.
func (c *MLSClient) StreamProperties(ctx context.Context, q Query) <-chan StreamItem {
	out := make(chan StreamItem, mlsStreamDepth)

	go func() {
		defer close(out)

		summaries, err := c.search(ctx, q)
		if err != nil {
			select {
			case out <- StreamItem{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		start := 0
		if q.Cursor != "" {
			if n, err := strconv.Atoi(q.Cursor); err == nil && n >= 0 && n < len(summaries) {
				start = n
			}
		}

		emitted := 0
		for i := start; i < len(summaries); i++ {
			item := StreamItem{Cursor: strconv.Itoa(i + 1)}
			rec, err := c.detail(ctx, summaries[i])
			if err != nil {
				item.Err = err
			} else {
				item.Record = *rec
			}

			select {
			case out <- item:
			case <-ctx.Done():
				return
			}

			if err == nil {
				emitted++
				if q.Limit > 0 && emitted >= q.Limit {
					return
				}
			}
		}
	}()

	return out
}

func (c *MLSClient) resolve(ref string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", eris.Wrapf(err, "source: bad mls base url %s", c.baseURL)
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", eris.Wrapf(err, "source: bad listing url %s", ref)
	}
	return u.String(), nil
}
