package extract

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/adapter"
	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/ratelimit"
	"github.com/sells-group/propcollect/internal/resilience"
)

const (
	// DefaultMaxInputBytes bounds the conditioned payload handed to the
	// model. Longer inputs are cut and flagged.
	DefaultMaxInputBytes = 64 * 1024

	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 1024
)

const systemPrompt = `You extract United States real-estate facts from raw listing content.
Respond with a single JSON object and nothing else, using exactly these keys
(omit a key when the content does not state it):
street, unit, city, state, zipcode, price, price_type, beds, baths, sqft,
lot_size_sqft, year_built, property_type, apn,
confidence (object mapping each emitted key to a 0..1 score).
price is a bare number. price_type is one of listing, assessed,
market_estimate, sale. property_type is one of single_family, condo,
townhouse, apartment, manufactured, vacant_land, commercial, other.`

// Candidate is one extraction outcome: the canonical record the model
// proposed plus its per-field confidence.
type Candidate struct {
	Property        *model.Property
	FieldConfidence map[string]float64
	Confidence      float64
	Truncated       bool
}

// Extractor calls the model endpoint with its own breaker, rate limit and
// timeout. It is treated as a flaky external service.
type Extractor struct {
	client        Client
	model         string
	version       string
	timeout       time.Duration
	maxInputBytes int
	breaker       *resilience.CircuitBreaker
	limiter       *ratelimit.Limiter
}

// Options configures an Extractor. Zero values take defaults.
type Options struct {
	Model         string
	Version       string
	Timeout       time.Duration
	MaxInputBytes int
	Breaker       *resilience.CircuitBreaker
	Limiter       *ratelimit.Limiter
}

func New(client Client, opts Options) *Extractor {
	e := &Extractor{
		client:        client,
		model:         opts.Model,
		version:       opts.Version,
		timeout:       opts.Timeout,
		maxInputBytes: opts.MaxInputBytes,
		breaker:       opts.Breaker,
		limiter:       opts.Limiter,
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.maxInputBytes <= 0 {
		e.maxInputBytes = DefaultMaxInputBytes
	}
	if e.breaker == nil {
		e.breaker = resilience.NewCircuitBreaker("llm", resilience.DefaultCircuitBreakerConfig())
	}
	return e
}

// Breaker exposes the extractor's circuit breaker for health reporting.
func (e *Extractor) Breaker() *resilience.CircuitBreaker { return e.breaker }

// ExtractFromHTML conditions a rendered page into markdown and asks the
// model for the canonical fields.
func (e *Extractor) ExtractFromHTML(ctx context.Context, raw model.RawRecord) (*Candidate, error) {
	md, err := htmltomarkdown.ConvertString(string(raw.Payload))
	if err != nil {
		// Hand the model the raw page rather than failing the item.
		zap.L().Debug("extract: markdown conversion failed, using raw html",
			zap.String("id", raw.ID), zap.Error(err))
		md = string(raw.Payload)
	}
	return e.extract(ctx, md, raw)
}

// ExtractFromJSON is used when structural mapping yields too many nulls;
// the payload is handed over as-is.
func (e *Extractor) ExtractFromJSON(ctx context.Context, raw model.RawRecord) (*Candidate, error) {
	return e.extract(ctx, string(raw.Payload), raw)
}

func (e *Extractor) extract(ctx context.Context, input string, raw model.RawRecord) (*Candidate, error) {
	input, truncated := bound(input, e.maxInputBytes)

	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*MessageResponse, error) {
		return e.client.CreateMessage(ctx, MessageRequest{
			Model:     e.model,
			MaxTokens: defaultMaxTokens,
			System:    systemPrompt,
			User:      input,
		})
	})
	if err != nil {
		if e.limiter != nil && resilience.Classify(err) == resilience.ClassRateLimit {
			e.limiter.RecordRateLimitHit()
		}
		return nil, err
	}
	if e.limiter != nil {
		e.limiter.RecordSuccess()
	}

	candidate, err := e.parse(resp.Text, raw)
	if err != nil {
		return nil, err
	}
	candidate.Truncated = truncated
	return candidate, nil
}

// fields is the JSON shape the prompt asks for.
type fields struct {
	Street       string             `json:"street"`
	Unit         string             `json:"unit"`
	City         string             `json:"city"`
	State        string             `json:"state"`
	Zipcode      string             `json:"zipcode"`
	Price        *float64           `json:"price"`
	PriceType    string             `json:"price_type"`
	Beds         *int               `json:"beds"`
	Baths        *float64           `json:"baths"`
	Sqft         *int               `json:"sqft"`
	LotSizeSqft  *int               `json:"lot_size_sqft"`
	YearBuilt    *int               `json:"year_built"`
	PropertyType string             `json:"property_type"`
	APN          string             `json:"apn"`
	Confidence   map[string]float64 `json:"confidence"`
}

func (e *Extractor) parse(text string, raw model.RawRecord) (*Candidate, error) {
	var f fields
	if err := json.Unmarshal([]byte(cleanJSON(text)), &f); err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError,
			eris.Wrap(err, "extract: parse model response"),
			"source", raw.Source, "id", raw.ID)
	}
	return e.assemble(f, raw)
}

func (e *Extractor) assemble(f fields, raw model.RawRecord) (*Candidate, error) {
	addr, err := adapter.NormalizeAddress(adapter.RawAddress{
		Street:  f.Street,
		Unit:    f.Unit,
		City:    f.City,
		State:   f.State,
		Zipcode: f.Zipcode,
	})
	if err != nil {
		return nil, resilience.NewClassified(resilience.ClassDataError, err,
			"source", raw.Source, "id", raw.ID)
	}

	p := &model.Property{
		Address:      addr,
		PropertyType: model.PropertyType(f.PropertyType),
		Features: model.Features{
			Bedrooms:    f.Beds,
			Bathrooms:   f.Baths,
			SquareFeet:  f.Sqft,
			LotSizeSqft: f.LotSizeSqft,
			YearBuilt:   f.YearBuilt,
		},
	}
	if !model.ValidPropertyType(p.PropertyType) {
		p.PropertyType = ""
	}
	if f.APN != "" {
		p.TaxInfo = &model.TaxInfo{APN: f.APN}
	}

	if f.Price != nil && *f.Price > 0 {
		priceType := model.PriceType(f.PriceType)
		if !model.ValidPriceType(priceType) {
			priceType = model.PriceTypeListing
		}
		p.PriceHistory = []model.PriceEntry{{
			Amount:     *f.Price,
			Date:       raw.FetchedAt,
			PriceType:  priceType,
			Source:     raw.Source,
			Confidence: f.Confidence["price"],
		}}
		amount := *f.Price
		p.CurrentPrice = &amount
	}

	p.PropertyID = model.DerivePropertyID(p.Address.Street, p.Address.Zipcode, raw.Source)
	p.IsActive = true
	p.CreatedAt = raw.FetchedAt
	p.LastUpdated = raw.FetchedAt
	p.AddSource(model.SourceMeta{
		Source:           raw.Source,
		CollectedAt:      raw.FetchedAt,
		CollectorVersion: e.version,
		RawHash:          model.RawHash(raw.Payload),
		QualityScore:     adapter.QualityScore(p),
		Notes:            "model extraction",
	})

	return &Candidate{
		Property:        p,
		FieldConfidence: f.Confidence,
		Confidence:      meanConfidence(f.Confidence),
	}, nil
}

func meanConfidence(m map[string]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m {
		sum += v
	}
	return sum / float64(len(m))
}

// cleanJSON strips markdown code fences the model sometimes wraps around
// its output.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// bound cuts s to at most limit bytes on a rune boundary.
func bound(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit], true
}
