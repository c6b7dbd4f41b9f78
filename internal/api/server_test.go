package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polygraph/internal/baseline"
	"github.com/rewired-gh/polygraph/internal/models"
	"github.com/rewired-gh/polygraph/internal/storage"
)

var now = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *storage.Storage
	baselines *baseline.Store
	server    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.New(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, m := range []models.Market{
		{ID: "501", Question: "Will it rain?", Slug: "rain", YesPrice: 0.6, NoPrice: 0.4, Volume24hr: 9000, Active: true, UpdatedAt: now},
		{ID: "502", Question: "Will it snow?", Slug: "snow", YesPrice: 0.1, NoPrice: 0.9, Volume24hr: 100, Active: true, UpdatedAt: now},
	} {
		require.NoError(t, st.UpsertMarket(ctx, m))
	}
	require.NoError(t, st.AddSnapshot(ctx, models.MarketSnapshot{
		MarketID: "501", Timestamp: now.Add(-time.Hour), YesPrice: 0.6, NoPrice: 0.4, Volume: 500,
	}, 10000))
	require.NoError(t, st.WriteSignals(ctx, []models.Signal{
		{ID: "a", MarketID: "501", Type: models.SignalVolumeSpike, Timestamp: now.Add(-2 * time.Hour), Score: 83,
			Details: models.VolumeSpikeDetails{CurrentVolume: 125000, MeanVolume: 30000, ZScore: 9.5}},
		{ID: "b", MarketID: "502", Type: models.SignalOrderbookImbalance, Timestamp: now.Add(-time.Hour), Score: 41,
			Details: models.OrderbookImbalanceDetails{Direction: models.DirectionAsk, Ratio: 4, BidDepth: 1000, AskDepth: 4000}},
		{ID: "c", MarketID: "gone", Type: models.SignalVolumeSpike, Timestamp: now.Add(-30 * time.Hour), Score: 99,
			Details: models.VolumeSpikeDetails{CurrentVolume: 1, MeanVolume: 1, ZScore: 1}},
	}))

	bs := baseline.New(baseline.Config{Window: 24 * time.Hour, MinSamples: 3, MaxMarkets: 10})
	for i := 0; i < 2; i++ {
		_, err := bs.Update(models.MarketSnapshot{
			MarketID: "502", Timestamp: now.Add(time.Duration(i) * time.Minute), YesPrice: 0.1, NoPrice: 0.9, Volume: 100,
		})
		require.NoError(t, err)
	}

	srv := NewServer(":0", st, bs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("polygraph_up 1\n"))
	}))
	srv.now = func() time.Time { return now }
	return &fixture{store: st, baselines: bs, server: srv}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", &body))
	assert.Equal(t, "healthy", body["status"])

	require.NoError(t, f.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/healthz", nil))
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "polygraph_up 1")
}

func TestListSignals(t *testing.T) {
	f := newFixture(t)

	var signals []map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/signals", &signals))
	require.Len(t, signals, 2, "the 30h old signal is outside the default 24h")
	assert.Equal(t, "b", signals[0]["id"])
	assert.Equal(t, "Will it snow?", signals[0]["market_question"])
	assert.Equal(t, "ask", signals[0]["details"].(map[string]any)["direction"])

	require.Equal(t, http.StatusOK, f.get(t, "/api/signals?min_score=50", &signals))
	require.Len(t, signals, 1)
	assert.Equal(t, "a", signals[0]["id"])

	require.Equal(t, http.StatusOK, f.get(t, "/api/signals?hours=48&type=volume_spike", &signals))
	require.Len(t, signals, 2)
	assert.Equal(t, "Unknown", signals[1]["market_question"])

	require.Equal(t, http.StatusOK, f.get(t, "/api/signals?market_id=502", &signals))
	assert.Len(t, signals, 1)
}

func TestListSignals_BadParams(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/signals?limit=0",
		"/api/signals?limit=101",
		"/api/signals?hours=169",
		"/api/signals?min_score=101",
		"/api/signals?type=bogus",
		"/api/signals?limit=abc",
	} {
		assert.Equal(t, http.StatusBadRequest, f.get(t, path, nil), path)
	}
}

func TestTopSignals(t *testing.T) {
	f := newFixture(t)
	var top []struct {
		Signal map[string]any `json:"signal"`
		Market *struct {
			ID       string  `json:"id"`
			Question string  `json:"question"`
			YesPrice float64 `json:"yes_price"`
		} `json:"market"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/signals/top?hours=48", &top))
	require.Len(t, top, 3)
	assert.Equal(t, "c", top[0].Signal["id"])
	assert.Nil(t, top[0].Market)
	require.NotNil(t, top[1].Market)
	assert.Equal(t, "Will it rain?", top[1].Market.Question)
}

func TestMarkets(t *testing.T) {
	f := newFixture(t)

	var markets []models.Market
	require.Equal(t, http.StatusOK, f.get(t, "/api/markets?limit=1", &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "501", markets[0].ID)

	var detail struct {
		Market        models.Market           `json:"market"`
		PriceHistory  []models.MarketSnapshot `json:"price_history"`
		RecentSignals []map[string]any        `json:"recent_signals"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/markets/501", &detail))
	assert.Equal(t, "Will it rain?", detail.Market.Question)
	assert.Len(t, detail.PriceHistory, 1)
	assert.Len(t, detail.RecentSignals, 1)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/markets/404", nil))
}

func TestBaseline(t *testing.T) {
	f := newFixture(t)

	var body struct {
		Baseline baseline.Baseline `json:"baseline"`
		Ready    bool              `json:"ready"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/markets/502/baseline", &body))
	assert.False(t, body.Ready)
	assert.Equal(t, 2, body.Baseline.SampleCount)

	_, err := f.baselines.Update(models.MarketSnapshot{
		MarketID: "502", Timestamp: now.Add(5 * time.Minute), YesPrice: 0.1, NoPrice: 0.9, Volume: 100,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, f.get(t, "/api/markets/502/baseline", &body))
	assert.True(t, body.Ready)
	assert.Equal(t, 100.0, body.Baseline.MeanVolume)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/markets/501/baseline", nil))
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	var st storage.Stats
	require.Equal(t, http.StatusOK, f.get(t, "/api/stats", &st))
	assert.Equal(t, 2, st.Signals)
	assert.Equal(t, 1, st.SignalsByType[models.SignalVolumeSpike])
}

type brokenStore struct{ *storage.Storage }

func (brokenStore) RecentSignals(context.Context, storage.SignalFilter) ([]models.Signal, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreErrors(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(":0", brokenStore{f.store}, f.baselines, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/signals", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk on fire")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunShutsDown(t *testing.T) {
	f := newFixture(t)
	srv := NewServer("127.0.0.1:0", f.store, f.baselines, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
