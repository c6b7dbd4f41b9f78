package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polygraph/internal/polymarket"
)

// gammaMarketJSON renders a market whose price and volume move with n.
func gammaMarketJSON(n int32) string {
	return fmt.Sprintf(`{"id": "m1", "question": "Will it rain?", "outcomes": "[\"Yes\", \"No\"]",
		"outcomePrices": "[\"0.%d\", \"0.%d\"]", "clobTokenIds": "[\"yes-m1\", \"no-m1\"]",
		"volume": "%d", "volume24hr": 5000, "active": true, "closed": false}`,
		40+5*n, 60-5*n, 100000+1000*n)
}

func TestPoller_FreshQuotesFromGamma(t *testing.T) {
	var listCalls, quoteCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/markets":
			listCalls.Add(1)
			_, _ = w.Write([]byte("[" + gammaMarketJSON(quoteCalls.Load()) + "]"))
		case "/markets/m1":
			_, _ = w.Write([]byte(gammaMarketJSON(quoteCalls.Add(1))))
		case "/book":
			_, _ = w.Write([]byte(`{"bids": [{"price": "0.4", "size": "1000"}], "asks": [{"price": "0.6", "size": "1000"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := polymarket.NewClient(srv.URL, srv.URL, polymarket.ClientConfig{
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		MaxRetryElapsed:   time.Second,
	})
	archive := newMemArchive()
	cfg := pollCfg
	cfg.RefreshInterval = 5 * time.Minute
	p, clock := newTestPoller(client, archive, cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := p.PollOnce(ctx)
		require.NoError(t, err)
		clock.now = clock.now.Add(time.Minute)
	}

	assert.Equal(t, int32(1), listCalls.Load())
	assert.Equal(t, int32(4), quoteCalls.Load())
	require.Len(t, archive.snapshots, 3)
	for i, a := range archive.snapshots {
		n := float64(i + 2)
		assert.InDelta(t, 0.40+0.05*n, a.snap.YesPrice, 1e-9)
		assert.Equal(t, 1000.0, a.snap.Volume, "volume delta of poll %d", i+2)
		assert.Equal(t, 100000+1000*n, a.cumulative)
	}
}
