package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.ObserveCycle("cron", "completed", 3*time.Second)
	m.ObserveCycle("cron", "rate-limited", time.Millisecond)
	m.ObserveCycle("cron", "completed", time.Second)
	m.ObserveRefresh(nil)
	m.ObserveRefresh(errors.New("503"))
	m.ObserveDelivery("twitter", "failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CycleRuns.WithLabelValues("cron", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CycleRuns.WithLabelValues("cron", "rate-limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MarketRefreshes.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FanoutDeliveries.WithLabelValues("twitter", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CycleDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle("manual", "failed", time.Second)
		m.ObserveRefresh(nil)
		m.ObserveDelivery("telegram", "delivered")
		m.TrackQuota("ai", func() int { return 1 })
		m.TrackFeedClients(func() int { return 1 })
		m.TrackBreaker(func() string { return "open" })
	})
}

func TestHandlerExportsGauges(t *testing.T) {
	m := New()
	remaining := 3
	m.TrackQuota("ai", func() int { return remaining })
	m.TrackFeedClients(func() int { return 2 })
	m.TrackBreaker(func() string { return "half_open" })
	remaining = 1

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `metapulse_quota_remaining{resource="ai"} 1`)
	assert.Contains(t, text, "metapulse_feed_clients 2")
	assert.Contains(t, text, "metapulse_market_breaker_open 1")
	assert.Contains(t, text, "go_goroutines")
}
