package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/resilience"
)

// assessorPerPage is fixed by the upstream API.
const assessorPerPage = 25

// detailSubresources are merged into one payload per parcel so the adapter
// sees a single flat record.
var detailSubresources = []string{"propertyinfo", "address", "valuations", "residential-details"}

// AssessorClient speaks to the county assessor JSON API.
type AssessorClient struct {
	baseURL string
	fetcher *Fetcher
	nowFunc func() time.Time
}

// AuthHeader builds the header map for the assessor API. The upstream
// expects `AUTHORIZATION: <token>`, not the Bearer form.
func AuthHeader(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"AUTHORIZATION": token}
}

func NewAssessorClient(baseURL string, fetcher *Fetcher) *AssessorClient {
	return &AssessorClient{
		baseURL: baseURL,
		fetcher: fetcher,
		nowFunc: time.Now,
	}
}

func (c *AssessorClient) Source() string { return model.SourceAssessor }

// searchPage is the wire shape of one search response page.
type searchPage struct {
	Results []json.RawMessage `json:"results"`
	Total   int               `json:"total"`
	Page    int               `json:"page"`
	PerPage int               `json:"per_page"`
}

// resultKey pulls the parcel id out of one search result.
type resultKey struct {
	APN          string `json:"apn"`
	ParcelNumber string `json:"parcel_number"`
}

func (c *AssessorClient) SearchProperties(ctx context.Context, q Query) ([]model.RawRecord, error) {
	var records []model.RawRecord
	page := 1
	if q.Cursor != "" {
		n, err := strconv.Atoi(q.Cursor)
		if err != nil {
			return nil, eris.Errorf("source: bad assessor cursor %q", q.Cursor)
		}
		page = n
	}

	for {
		sp, err := c.fetchPage(ctx, q.Zipcode, page)
		if err != nil {
			return records, err
		}

		for _, result := range sp.Results {
			records = append(records, c.record(result))
			if q.Limit > 0 && len(records) >= q.Limit {
				return records, nil
			}
		}

		if !hasMore(sp, page) {
			return records, nil
		}
		page++
	}
}

func (c *AssessorClient) fetchPage(ctx context.Context, query string, page int) (*searchPage, error) {
	u := fmt.Sprintf("%s/search/property/?q=%s", c.baseURL, url.QueryEscape(query))
	if page > 1 {
		u += "&page=" + strconv.Itoa(page)
	}

	body, err := c.fetcher.Get(ctx, u)
	if err != nil {
		return nil, err
	}

	var sp searchPage
	if err := json.Unmarshal(body, &sp); err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError,
			eris.Wrap(err, "source: decode assessor search page"),
			"url", u)
	}
	return &sp, nil
}

// hasMore works off total/page/per_page when the API provides them and
// falls back to "a full page means another may follow".
func hasMore(sp *searchPage, page int) bool {
	if len(sp.Results) == 0 {
		return false
	}
	if sp.Total > 0 {
		perPage := sp.PerPage
		if perPage <= 0 {
			perPage = assessorPerPage
		}
		return page*perPage < sp.Total
	}
	return len(sp.Results) >= assessorPerPage
}

func (c *AssessorClient) record(payload json.RawMessage) model.RawRecord {
	var key resultKey
	_ = json.Unmarshal(payload, &key)
	id := key.APN
	if id == "" {
		id = key.ParcelNumber
	}
	return model.RawRecord{
		Source:      model.SourceAssessor,
		ID:          id,
		Payload:     payload,
		ContentType: "application/json",
		FetchedAt:   c.nowFunc(),
	}
}

// GetPropertyDetails merges the parcel root document with its subresources
// into one flat payload. Root fields win on key collision.
func (c *AssessorClient) GetPropertyDetails(ctx context.Context, apn string) (*model.RawRecord, error) {
	escaped := url.PathEscape(apn)

	root, err := c.fetchDoc(ctx, fmt.Sprintf("%s/parcel/%s", c.baseURL, escaped))
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for _, sub := range detailSubresources {
		g.Go(func() error {
			doc, err := c.fetchDoc(gctx, fmt.Sprintf("%s/parcel/%s/%s", c.baseURL, escaped, sub))
			if err != nil {
				// Missing subresources are common; only hard failures
				// abort the merge.
				if resilience.Classify(err) == resilience.ClassPermanent {
					zap.L().Debug("source: parcel subresource absent",
						zap.String("apn", apn), zap.String("sub", sub))
					return nil
				}
				return err
			}
			mu.Lock()
			for k, v := range doc {
				if _, exists := root[k]; !exists {
					root[k] = v
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(root)
	if err != nil {
		return nil, eris.Wrapf(err, "source: merge parcel %s", apn)
	}

	rec := model.RawRecord{
		Source:      model.SourceAssessor,
		ID:          apn,
		Payload:     payload,
		ContentType: "application/json",
		FetchedAt:   c.nowFunc(),
	}
	return &rec, nil
}

func (c *AssessorClient) fetchDoc(ctx context.Context, u string) (map[string]json.RawMessage, error) {
	body, err := c.fetcher.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError,
			eris.Wrap(err, "source: decode parcel document"),
			"url", u)
	}
	return doc, nil
}

// StreamProperties pages through search results lazily. The channel depth
// matches one API page so the producer stalls when workers fall behind.
func (c *AssessorClient) StreamProperties(ctx context.Context, q Query) <-chan StreamItem {
	out := make(chan StreamItem, assessorPerPage)

	go func() {
		defer close(out)

		page := 1
		if q.Cursor != "" {
			if n, err := strconv.Atoi(q.Cursor); err == nil {
				page = n
			}
		}
		emitted := 0

		for {
			sp, err := c.fetchPage(ctx, q.Zipcode, page)
			if err != nil {
				select {
				case out <- StreamItem{Err: err, Cursor: strconv.Itoa(page)}:
				case <-ctx.Done():
				}
				return
			}

			for _, result := range sp.Results {
				select {
				case out <- StreamItem{Record: c.record(result), Cursor: strconv.Itoa(page)}:
				case <-ctx.Done():
					return
				}
				emitted++
				if q.Limit > 0 && emitted >= q.Limit {
					return
				}
			}

			if !hasMore(sp, page) {
				return
			}
			page++
		}
	}()

	return out
}
