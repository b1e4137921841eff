package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propcollect/internal/ratelimit"
	"github.com/sells-group/propcollect/internal/resilience"
)

func testFetcher(t *testing.T, headers map[string]string) *Fetcher {
	t.Helper()
	return NewFetcher(FetcherConfig{
		Timeout: 5 * time.Second,
		Headers: headers,
		Limiter: ratelimit.New("test", ratelimit.Config{
			RequestsPerWindow: 100000,
			Window:            time.Minute,
		}),
		Breaker: resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{
			FailureThreshold: 100,
			CoolDown:         time.Minute,
		}),
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Schedules:      map[resilience.ErrorClass][]time.Duration{},
		},
	})
}

func parcel(apn string) map[string]any {
	return map[string]any{
		"apn":            apn,
		"house_number":   "123",
		"street_name":    "Main",
		"street_type":    "St",
		"zipcode":        "85031",
		"assessed_value": 300000,
	}
}

func TestAssessorSearch_Pagination(t *testing.T) {
	var pagesServed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search/property/", r.URL.Path)
		require.Equal(t, "85031", r.URL.Query().Get("q"))
		require.Equal(t, "token-123", r.Header.Get("Authorization"))

		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		pagesServed = append(pagesServed, page)
		pageNum, err := strconv.Atoi(page)
		require.NoError(t, err)

		count := assessorPerPage
		if pageNum == 2 {
			count = 5
		}
		results := make([]map[string]any, 0, count)
		for i := 0; i < count; i++ {
			results = append(results, parcel(fmt.Sprintf("%d-%02d", pageNum, i)))
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"results":  results,
			"total":    30,
			"page":     pageNum,
			"per_page": assessorPerPage,
		})
	}))
	defer srv.Close()

	c := NewAssessorClient(srv.URL, testFetcher(t, AuthHeader("token-123")))
	records, err := c.SearchProperties(context.Background(), Query{Zipcode: "85031"})
	require.NoError(t, err)

	assert.Len(t, records, 30)
	assert.Equal(t, []string{"1", "2"}, pagesServed)
	assert.Equal(t, "1-00", records[0].ID)
	assert.Equal(t, "application/json", records[0].ContentType)
}

func TestAssessorSearch_Limit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := make([]map[string]any, assessorPerPage)
		for i := range results {
			results[i] = parcel(fmt.Sprintf("apn-%02d", i))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results, "total": 100})
	}))
	defer srv.Close()

	c := NewAssessorClient(srv.URL, testFetcher(t, nil))
	records, err := c.SearchProperties(context.Background(), Query{Zipcode: "85031", Limit: 7})
	require.NoError(t, err)
	assert.Len(t, records, 7)
}

func TestAssessorDetails_MergesSubresources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/parcel/101-01-001":
			fmt.Fprint(w, `{"apn": "101-01-001", "zipcode": "85031"}`)
		case "/parcel/101-01-001/propertyinfo":
			fmt.Fprint(w, `{"bedrooms": 3, "zipcode": "99999"}`)
		case "/parcel/101-01-001/address":
			fmt.Fprint(w, `{"house_number": "123", "street_name": "Main"}`)
		case "/parcel/101-01-001/valuations":
			fmt.Fprint(w, `{"assessed_value": 300000, "market_value": 350000}`)
		case "/parcel/101-01-001/residential-details":
			http.NotFound(w, r)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewAssessorClient(srv.URL, testFetcher(t, nil))
	rec, err := c.GetPropertyDetails(context.Background(), "101-01-001")
	require.NoError(t, err)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(rec.Payload, &merged))

	assert.Equal(t, "101-01-001", merged["apn"])
	assert.Equal(t, "85031", merged["zipcode"], "root document wins collisions")
	assert.Equal(t, 3.0, merged["bedrooms"])
	assert.Equal(t, 350000.0, merged["market_value"])
	assert.Equal(t, "123", merged["house_number"])
}

func TestAssessorStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := []map[string]any{parcel("a"), parcel("b"), parcel("c")}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer srv.Close()

	c := NewAssessorClient(srv.URL, testFetcher(t, nil))

	var ids []string
	for item := range c.StreamProperties(context.Background(), Query{Zipcode: "85031", Limit: 2}) {
		require.NoError(t, item.Err)
		ids = append(ids, item.Record.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestAssessorStream_ErrorItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewAssessorClient(srv.URL, testFetcher(t, nil))

	var items []StreamItem
	for item := range c.StreamProperties(context.Background(), Query{Zipcode: "85031"}) {
		items = append(items, item)
	}
	require.Len(t, items, 1)
	require.Error(t, items[0].Err)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(items[0].Err))
}

func TestFetcher_RetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	f := testFetcher(t, nil)
	body, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(body))
	assert.Equal(t, 3, calls)
}

func TestFetcher_PermanentErrorsDoNotRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	f := testFetcher(t, nil)
	_, err := f.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(err))
}

func TestFetcher_RateLimitHalvesLimiter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	limiter := ratelimit.New("test", ratelimit.Config{RequestsPerWindow: 100000, Window: time.Minute})
	before := limiter.Limit()

	f := NewFetcher(FetcherConfig{
		Timeout: 5 * time.Second,
		Limiter: limiter,
		Breaker: resilience.NewCircuitBreaker("test", resilience.DefaultCircuitBreakerConfig()),
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Schedules:      map[resilience.ErrorClass][]time.Duration{},
		},
	})

	_, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Less(t, float64(limiter.Limit()), float64(before), "429 halves the effective rate")
}

func TestFetcher_RefreshesAuthOn401(t *testing.T) {
	var unauthorized int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token-new" {
			unauthorized++
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	var refreshes int
	f := NewFetcher(FetcherConfig{
		Timeout: 5 * time.Second,
		Headers: AuthHeader("token-old"),
		Limiter: ratelimit.New("test", ratelimit.Config{
			RequestsPerWindow: 100000,
			Window:            time.Minute,
		}),
		Breaker: resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{
			FailureThreshold: 100,
			CoolDown:         time.Minute,
		}),
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Schedules:      map[resilience.ErrorClass][]time.Duration{},
		},
		RefreshAuth: func(_ context.Context) (map[string]string, error) {
			refreshes++
			return AuthHeader("token-new"), nil
		},
	})

	body, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 1, unauthorized)

	// refreshed headers stick for later requests
	_, err = f.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshes)
}
