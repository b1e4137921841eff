package integrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/adapter"
	"github.com/sells-group/propcollect/internal/extract"
	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/monitoring"
	"github.com/sells-group/propcollect/internal/resilience"
)

// process runs one raw record through adapt, enrich and validate. Invalid
// records are parked in the DLQ. Persistence is mode-specific and happens
// in the caller.
func (ig *Integrator) process(ctx context.Context, rec model.RawRecord) model.ProcessingResult {
	start := time.Now()
	res := model.ProcessingResult{Source: rec.Source}

	prop, fieldConf, err := ig.adapt(ctx, rec)
	if err != nil {
		res.Err = err
		res.ProcessingTime = time.Since(start)
		ig.deps.DLQ.Append(rec, err, 1)
		return res
	}

	vres := ig.deps.Validator.Validate(prop, fieldConf)
	res.Property = prop
	res.Confidence = vres.Confidence
	res.ValidationErrors = vres.Errors
	res.IsValid = vres.IsValid
	res.ProcessingTime = time.Since(start)

	if !vres.IsValid {
		err := resilience.NewClassified(resilience.ClassDataError,
			eris.Errorf("integrator: validation failed: %s", strings.Join(vres.Errors, "; ")))
		res.Err = err
		ig.deps.DLQ.Append(rec, err, 1)
	}
	return res
}

// adapt maps a raw record to a canonical property. When the source mapper
// fails with a data error, or produces a structurally thin record, the
// extractor fills in; when the extractor cannot, the regex fallback runs.
func (ig *Integrator) adapt(ctx context.Context, rec model.RawRecord) (*model.Property, map[string]float64, error) {
	ad := ig.deps.Adapters[rec.Source]
	if ad == nil {
		return nil, nil, eris.Errorf("integrator: no adapter for source %q", rec.Source)
	}

	prop, err := ad.Adapt(rec)
	if err == nil && !structurallyThin(prop) {
		return prop, nil, nil
	}
	if err != nil && resilience.Classify(err) != resilience.ClassDataError {
		return nil, nil, err
	}

	cand, exErr := ig.extractCandidate(ctx, rec)
	if exErr != nil {
		if prop != nil {
			// thin but mapped record beats no record
			return prop, nil, nil
		}
		return nil, nil, exErr
	}

	if prop == nil {
		return cand.Property, cand.FieldConfidence, nil
	}
	conf := mergeCandidate(prop, cand)
	return prop, conf, nil
}

// extractCandidate asks the model for structured fields and falls back to
// regex extraction when the model path is unavailable or rejects the
// payload.
func (ig *Integrator) extractCandidate(ctx context.Context, rec model.RawRecord) (*extract.Candidate, error) {
	version := ig.collectorVersion()
	if ig.deps.Extractor == nil {
		return extract.Fallback(string(rec.Payload), rec, version)
	}

	var cand *extract.Candidate
	var err error
	if rec.ContentType == "application/json" {
		cand, err = ig.deps.Extractor.ExtractFromJSON(ctx, rec)
	} else {
		cand, err = ig.deps.Extractor.ExtractFromHTML(ctx, rec)
	}
	if err == nil {
		return cand, nil
	}

	class := resilience.Classify(err)
	if class == resilience.ClassDataError || errors.Is(err, resilience.ErrCircuitOpen) {
		zap.L().Debug("integrator: falling back to regex extraction",
			zap.String("source", rec.Source), zap.String("class", string(class)))
		return extract.Fallback(string(rec.Payload), rec, version)
	}
	return nil, err
}

// structurallyThin reports whether a mapped record is missing the fields
// that make it useful downstream.
func structurallyThin(p *model.Property) bool {
	if p == nil {
		return true
	}
	if p.CurrentPrice == nil {
		return true
	}
	f := p.Features
	return f.Bedrooms == nil && f.Bathrooms == nil && f.SquareFeet == nil
}

// mergeCandidate fills gaps in a mapped property from an extraction
// candidate. Mapped values always win; only absent fields are filled.
// Returns the confidence map for the candidate's fields.
func mergeCandidate(p *model.Property, cand *extract.Candidate) map[string]float64 {
	if cand == nil || cand.Property == nil {
		return nil
	}
	c := cand.Property
	f, cf := &p.Features, c.Features
	if f.Bedrooms == nil {
		f.Bedrooms = cf.Bedrooms
	}
	if f.Bathrooms == nil {
		f.Bathrooms = cf.Bathrooms
	}
	if f.SquareFeet == nil {
		f.SquareFeet = cf.SquareFeet
	}
	if f.LotSizeSqft == nil {
		f.LotSizeSqft = cf.LotSizeSqft
	}
	if f.YearBuilt == nil {
		f.YearBuilt = cf.YearBuilt
	}
	if p.PropertyType == "" {
		p.PropertyType = c.PropertyType
	}
	if p.TaxInfo == nil {
		p.TaxInfo = c.TaxInfo
	}
	if p.CurrentPrice == nil && c.CurrentPrice != nil {
		p.PriceHistory = append(p.PriceHistory, c.PriceHistory...)
		p.CurrentPrice = c.CurrentPrice
	}
	return cand.FieldConfidence
}

// saveResult persists one valid result and records run counters. Invalid
// and failed results are counted without touching the store.
func (ig *Integrator) saveResult(ctx context.Context, stats *monitoring.RunStats, rec model.RawRecord, res *model.ProcessingResult) {
	if !res.IsValid {
		stats.RecordFailure(rec.Source, res.Err)
		return
	}

	prop := res.Property
	_, err := ig.deps.Repo.Upsert(ctx, prop)
	if err != nil {
		res.Err = err
		res.IsValid = false
		stats.RecordFailure(rec.Source, err)
		zap.L().Error("integrator: upsert failed",
			zap.String("property_id", prop.PropertyID), zap.Error(err))
		return
	}
	ig.snapshot(rec, prop)
	stats.RecordSuccess(rec.Source, prop.Address.Zipcode, adapter.QualityScore(prop), true)
}

// snapshot archives the raw HTML behind a persisted record.
func (ig *Integrator) snapshot(rec model.RawRecord, prop *model.Property) {
	if ig.deps.RawStore == nil || rec.ContentType == "application/json" {
		return
	}
	if _, err := ig.deps.RawStore.Save(prop.PropertyID, rec.Payload); err != nil {
		zap.L().Warn("integrator: snapshot failed",
			zap.String("property_id", prop.PropertyID), zap.Error(err))
	}
}

func (ig *Integrator) collectorVersion() string {
	return ig.opts.Version
}

// Reprocess re-runs a parked raw record end to end. It is the Retrier
// wired into DLQ retry commands.
func (ig *Integrator) Reprocess(ctx context.Context, rec model.RawRecord) error {
	prop, fieldConf, err := ig.adapt(ctx, rec)
	if err != nil {
		return err
	}
	vres := ig.deps.Validator.Validate(prop, fieldConf)
	if !vres.IsValid {
		return resilience.NewClassified(resilience.ClassDataError,
			eris.Errorf("integrator: validation failed: %s", strings.Join(vres.Errors, "; ")))
	}
	if _, err := ig.deps.Repo.Upsert(ctx, prop); err != nil {
		return err
	}
	ig.snapshot(rec, prop)
	return nil
}

// RetryDLQ reprocesses parked entries matching the filter. Returns counts
// of recovered and still-parked entries.
func (ig *Integrator) RetryDLQ(ctx context.Context, filter resilience.DLQFilter) (succeeded, failed int) {
	return ig.deps.DLQ.RetryMatching(ctx, filter, ig.Reprocess)
}
