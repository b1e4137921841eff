package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propcollect/internal/integrator"
	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/monitoring"
)

func TestExitError(t *testing.T) {
	inner := errors.New("store.database_url is required")
	ee := &exitError{code: exitConfig, err: inner}

	assert.Equal(t, inner.Error(), ee.Error())
	assert.ErrorIs(t, ee, inner)

	var target *exitError
	require.True(t, errors.As(error(ee), &target))
	assert.Equal(t, exitConfig, target.code)
}

func TestPrintSummary(t *testing.T) {
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	stats := monitoring.NewRunStats(now)
	stats.RecordSuccess(model.SourceAssessor, "85031", 0.9, true)
	stats.RecordSuccess(model.SourceAssessor, "85031", 0.7, true)
	stats.RecordFailure(model.SourceAssessor, errors.New("parse failed"))
	stats.Finish(now.Add(2 * time.Second))

	var buf bytes.Buffer
	require.NoError(t, printSummary(&buf, stats, integrator.ModeBatch))

	var summary runSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summary))
	assert.Equal(t, "BATCH", summary.Mode)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.SavedToDB)
	assert.InDelta(t, 0.8, summary.AvgQuality, 1e-9)
	assert.Equal(t, int64(2000), summary.DurationMS)
	assert.Equal(t, []string{"parse failed"}, summary.Errors)
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"collect", "retry-dlq", "validate-config", "report", "migrate"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], name)
	}
}
