package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propcollect/internal/config"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		FailureRateThreshold: 0.25,
		DLQDepthThreshold:    100,
		QualityThreshold:     0.4,
	}
}

func TestAlerter_Evaluate_Healthy(t *testing.T) {
	a := NewAlerter(testMonitorConfig())
	snap := &MetricsSnapshot{
		Processed: 100, Successful: 95, Failed: 5,
		FailRate: 0.05, AvgQuality: 0.8, DLQDepth: 3,
		CollectedAt: statsNow,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(testMonitorConfig())
	snap := &MetricsSnapshot{
		Successful: 5, Failed: 5, FailRate: 0.5,
		AvgQuality: 0.8, CollectedAt: statsNow,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, statsNow, alerts[0].Timestamp)
}

func TestAlerter_Evaluate_SmallSampleSuppressed(t *testing.T) {
	a := NewAlerter(testMonitorConfig())
	// 2 of 3 failed, but under the minimum sample size
	snap := &MetricsSnapshot{Successful: 1, Failed: 2, FailRate: 2.0 / 3.0, AvgQuality: 0.8}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DLQDepth(t *testing.T) {
	a := NewAlerter(testMonitorConfig())
	snap := &MetricsSnapshot{DLQDepth: 100, AvgQuality: 0.8}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
}

func TestAlerter_Evaluate_LowQuality(t *testing.T) {
	a := NewAlerter(testMonitorConfig())
	snap := &MetricsSnapshot{Successful: 10, AvgQuality: 0.3}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowQuality, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received = append(received, a)
	}))
	defer srv.Close()

	cfg := testMonitorConfig()
	cfg.WebhookURL = config.Secret(srv.URL)
	a := NewAlerter(cfg)

	alerts := []Alert{
		{Type: AlertDLQDepth, Severity: "high", Message: "queue deep", Timestamp: time.Now()},
		{Type: AlertLowQuality, Severity: "medium", Message: "quality low", Timestamp: time.Now()},
	}
	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	require.Len(t, received, 2)
	assert.Equal(t, AlertDLQDepth, received[0].Type)
}

func TestAlerter_SendAlerts_WebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitorConfig()
	cfg.WebhookURL = config.Secret(srv.URL)
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testMonitorConfig())
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Equal(t, 0, sent)
}
