package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propcollect/internal/integrator"
	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/monitoring"
)

// sweepRunner records the requests a sweep issues.
type sweepRunner struct {
	reqs []integrator.RunRequest
}

func (r *sweepRunner) Run(_ context.Context, req integrator.RunRequest) (*monitoring.RunStats, error) {
	r.reqs = append(r.reqs, req)
	stats := monitoring.NewRunStats(time.Now())
	stats.RecordSuccess(req.Source, req.Zipcode, 0.8, true)
	stats.Finish(time.Now())
	return stats, nil
}

func TestSweepZips_FansOutPerZipcode(t *testing.T) {
	runner := &sweepRunner{}
	base := integrator.RunRequest{Source: model.SourceAssessor, Mode: integrator.ModeBatch}

	stats, err := sweepZips(context.Background(), runner, base, []string{"85031", "85032", "85033"})
	require.NoError(t, err)

	require.Len(t, runner.reqs, 3)
	for i, zip := range []string{"85031", "85032", "85033"} {
		assert.Equal(t, zip, runner.reqs[i].Zipcode)
		assert.Equal(t, model.SourceAssessor, runner.reqs[i].Source)
	}
	assert.Equal(t, 3, stats.Successful)
	assert.Equal(t, 1, stats.ByZipcode["85032"])
}

func TestSweepZips_EmptyListRunsUnscoped(t *testing.T) {
	runner := &sweepRunner{}
	base := integrator.RunRequest{Source: model.SourceAssessor, Mode: integrator.ModeBatch}

	stats, err := sweepZips(context.Background(), runner, base, nil)
	require.NoError(t, err)

	require.Len(t, runner.reqs, 1)
	assert.Empty(t, runner.reqs[0].Zipcode)
	assert.Equal(t, 1, stats.Successful)
}

func TestSweepZips_IndividualModeRunsOnce(t *testing.T) {
	runner := &sweepRunner{}
	base := integrator.RunRequest{
		Source: model.SourceAssessor, Mode: integrator.ModeIndividual, PropertyID: "101-01-001",
	}

	_, err := sweepZips(context.Background(), runner, base, []string{"85031", "85032"})
	require.NoError(t, err)

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "101-01-001", runner.reqs[0].PropertyID)
}
