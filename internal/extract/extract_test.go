package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/resilience"
)

var fetchedAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type stubClient struct {
	resp  *MessageResponse
	err   error
	calls int
	last  MessageRequest
}

func (s *stubClient) CreateMessage(_ context.Context, req MessageRequest) (*MessageResponse, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func rawHTML(payload string) model.RawRecord {
	return model.RawRecord{
		Source:      model.SourceMLS,
		ID:          "L1",
		Payload:     []byte(payload),
		ContentType: "text/html",
		FetchedAt:   fetchedAt,
	}
}

const goodResponse = `{
	"street": "123 Main St",
	"city": "phoenix",
	"state": "az",
	"zipcode": "85031",
	"price": 450000,
	"price_type": "listing",
	"beds": 3,
	"baths": 2.5,
	"sqft": 1850,
	"year_built": 2005,
	"property_type": "single_family",
	"confidence": {"street": 0.95, "zipcode": 0.95, "price": 0.9, "beds": 0.85}
}`

func TestExtractFromHTML(t *testing.T) {
	stub := &stubClient{resp: &MessageResponse{Text: goodResponse}}
	e := New(stub, Options{Model: "test-model", Version: "1.0.0"})

	c, err := e.ExtractFromHTML(context.Background(), rawHTML("<html><body><h1>123 Main St</h1></body></html>"))
	require.NoError(t, err)

	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, "test-model", stub.last.Model)
	assert.False(t, c.Truncated)

	p := c.Property
	assert.Equal(t, "123 Main St", p.Address.Street)
	assert.Equal(t, "Phoenix", p.Address.City)
	assert.Equal(t, "AZ", p.Address.State)
	assert.Equal(t, "85031", p.Address.Zipcode)
	assert.Equal(t, model.PropertyTypeSingleFamily, p.PropertyType)
	require.NotNil(t, p.CurrentPrice)
	assert.Equal(t, 450000.0, *p.CurrentPrice)
	require.Len(t, p.PriceHistory, 1)
	assert.Equal(t, model.PriceTypeListing, p.PriceHistory[0].PriceType)
	assert.Equal(t, 0.9, p.PriceHistory[0].Confidence)

	assert.InDelta(t, (0.95+0.95+0.9+0.85)/4, c.Confidence, 1e-9)
	require.Len(t, p.Sources, 1)
	assert.Equal(t, "model extraction", p.Sources[0].Notes)
}

func TestExtract_FencedResponse(t *testing.T) {
	stub := &stubClient{resp: &MessageResponse{Text: "```json\n" + goodResponse + "\n```"}}
	e := New(stub, Options{Model: "test-model"})

	c, err := e.ExtractFromJSON(context.Background(), rawHTML(`{"description": "x"}`))
	require.NoError(t, err)
	assert.Equal(t, "123 Main St", c.Property.Address.Street)
}

func TestExtract_TruncatesLongInput(t *testing.T) {
	stub := &stubClient{resp: &MessageResponse{Text: goodResponse}}
	e := New(stub, Options{Model: "test-model", MaxInputBytes: 1024})

	long := strings.Repeat("lorem ipsum ", 1000)
	c, err := e.ExtractFromJSON(context.Background(), rawHTML(long))
	require.NoError(t, err)

	assert.True(t, c.Truncated)
	assert.LessOrEqual(t, len(stub.last.User), 1024)
}

func TestExtract_BadResponseIsDataError(t *testing.T) {
	stub := &stubClient{resp: &MessageResponse{Text: "sorry, I cannot do that"}}
	e := New(stub, Options{Model: "test-model"})

	_, err := e.ExtractFromJSON(context.Background(), rawHTML(`{}`))
	require.Error(t, err)
	assert.Equal(t, resilience.ClassDataError, resilience.Classify(err))
}

func TestExtract_BreakerOpensAfterFailures(t *testing.T) {
	stub := &stubClient{err: errors.New("upstream exploded")}
	breaker := resilience.NewCircuitBreaker("llm", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		CoolDown:         time.Minute,
	})
	e := New(stub, Options{Model: "test-model", Breaker: breaker})

	for i := 0; i < 2; i++ {
		_, err := e.ExtractFromJSON(context.Background(), rawHTML(`{}`))
		require.Error(t, err)
	}
	require.Equal(t, resilience.CircuitOpen, breaker.State())

	_, err := e.ExtractFromJSON(context.Background(), rawHTML(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, 2, stub.calls, "open breaker fails fast without a call")
}

func TestBound(t *testing.T) {
	s, truncated := bound("short", 1024)
	assert.Equal(t, "short", s)
	assert.False(t, truncated)

	s, truncated = bound("héllo wörld", 3)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(s), 3)
	assert.True(t, strings.HasPrefix("héllo wörld", s))
}
