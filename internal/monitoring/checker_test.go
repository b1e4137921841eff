package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/config"
	"github.com/sells-group/propcollect/internal/model"
)

func TestChecker_DeliversAlertsFromLiveCounters(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received = append(received, a)
	}))
	defer srv.Close()

	cfg := testMonitorConfig()
	cfg.WebhookURL = config.Secret(srv.URL)

	stats := NewRunStats(statsNow)
	for i := 0; i < 6; i++ {
		stats.RecordSuccess(model.SourceAssessor, "85031", 0.9, true)
	}
	for i := 0; i < 6; i++ {
		stats.RecordFailure(model.SourceMLS, nil)
	}

	checker := NewChecker(NewCollector(stats, fakeDLQ{depth: 3}), NewAlerter(cfg), cfg)
	checker.check(context.Background(), zap.NewNop())

	require.Len(t, received, 1)
	assert.Equal(t, AlertFailureRate, received[0].Type)
}

func TestChecker_QuietRunSendsNothing(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
	}))
	defer srv.Close()

	cfg := testMonitorConfig()
	cfg.WebhookURL = config.Secret(srv.URL)

	stats := NewRunStats(statsNow)
	stats.RecordSuccess(model.SourceAssessor, "85031", 0.9, true)

	checker := NewChecker(NewCollector(stats, fakeDLQ{}), NewAlerter(cfg), cfg)
	checker.check(context.Background(), zap.NewNop())

	assert.Equal(t, int32(0), posts.Load())
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.CheckIntervalSecs = 1

	checker := NewChecker(NewCollector(NewRunStats(statsNow), nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop on cancel")
	}
}
