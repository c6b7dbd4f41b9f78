package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/rewired-gh/polygraph/internal/logger"
	"github.com/rewired-gh/polygraph/internal/models"
)

// Source fetches market state. Markets selects what to track and is called once per
// refresh interval. Snapshot must read current prices and cumulative traded volume on
// every call, using the passed market only to identify it; the poller turns Volume into
// per-interval volume.
type Source interface {
	Markets(ctx context.Context, limit int) ([]models.Market, error)
	Snapshot(ctx context.Context, market models.Market, at time.Time) (models.MarketSnapshot, error)
}

// Sink receives every cycle's signals, ordered by timestamp.
type Sink interface {
	WriteSignals(ctx context.Context, signals []models.Signal) error
}

// Archive persists tracked markets and accepted snapshots for warm starts.
type Archive interface {
	UpsertMarket(ctx context.Context, market models.Market) error
	AddSnapshot(ctx context.Context, snap models.MarketSnapshot, cumulativeVolume float64) error
}

type PollerConfig struct {
	PollInterval      time.Duration
	RefreshInterval   time.Duration
	MaxTrackedMarkets int
	Workers           int
}

// CycleStats summarizes one poll.
type CycleStats struct {
	Markets   int
	Evaluated int
	Failed    int
	Signals   int
	Duration  time.Duration
}

type Poller struct {
	source  Source
	monitor *Monitor
	sinks   []Sink
	archive Archive
	cfg     PollerConfig
	now     func() time.Time
	log     zerolog.Logger

	mu          sync.Mutex
	tracked     []models.Market
	cumulative  map[string]float64
	lastRefresh time.Time
}

// NewPoller builds a poller. archive may be nil.
func NewPoller(source Source, mon *Monitor, archive Archive, cfg PollerConfig, sinks ...Sink) *Poller {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Poller{
		source:     source,
		monitor:    mon,
		sinks:      sinks,
		archive:    archive,
		cfg:        cfg,
		now:        time.Now,
		log:        logger.With("poller"),
		cumulative: make(map[string]float64),
	}
}

// Prime records a market's last known cumulative volume, so the first live poll after a
// restart yields a real volume delta.
func (p *Poller) Prime(marketID string, cumulative float64) {
	p.mu.Lock()
	p.cumulative[marketID] = cumulative
	p.mu.Unlock()
}

// Tracked returns the current market set.
func (p *Poller) Tracked() []models.Market {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Market, len(p.tracked))
	copy(out, p.tracked)
	return out
}

// RefreshMarkets replaces the tracked set with the top markets by 24h volume and forgets
// the baselines of markets that dropped out.
func (p *Poller) RefreshMarkets(ctx context.Context) error {
	markets, err := p.source.Markets(ctx, p.cfg.MaxTrackedMarkets)
	if err != nil {
		return fmt.Errorf("failed to fetch markets: %w", err)
	}

	selected := make([]models.Market, 0, len(markets))
	for _, m := range markets {
		if !m.Tradable() {
			continue
		}
		if err := m.Validate(); err != nil {
			logger.Warn("Skipping market %s: %v", m.ID, err)
			continue
		}
		selected = append(selected, m)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Volume24hr > selected[j].Volume24hr
	})
	if len(selected) > p.cfg.MaxTrackedMarkets {
		selected = selected[:p.cfg.MaxTrackedMarkets]
	}

	keep := make(map[string]bool, len(selected))
	for _, m := range selected {
		keep[m.ID] = true
	}

	p.mu.Lock()
	var dropped []string
	for _, m := range p.tracked {
		if !keep[m.ID] {
			dropped = append(dropped, m.ID)
			delete(p.cumulative, m.ID)
		}
	}
	p.tracked = selected
	p.lastRefresh = p.now()
	p.mu.Unlock()

	for _, id := range dropped {
		p.monitor.Forget(id)
	}

	if p.archive != nil {
		for _, m := range selected {
			if err := p.archive.UpsertMarket(ctx, m); err != nil {
				logger.Warn("Failed to store market %s: %v", m.ID, err)
			}
		}
	}

	logger.Info("Tracking %d markets (%d dropped)", len(selected), len(dropped))
	return nil
}

func (p *Poller) refreshDue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracked) == 0 || p.now().Sub(p.lastRefresh) >= p.cfg.RefreshInterval
}

// volumeDelta converts a cumulative reading into volume traded since the previous poll.
// The first reading for a market only establishes the starting point.
func (p *Poller) volumeDelta(marketID string, cumulative float64) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, seen := p.cumulative[marketID]
	p.cumulative[marketID] = cumulative
	if !seen {
		return 0, false
	}
	return max(0, cumulative-last), true
}

type marketResult struct {
	marketID string
	signals  []models.Signal
	err      error
	skipped  bool
}

func (p *Poller) pollMarket(ctx context.Context, market models.Market, at time.Time) marketResult {
	res := marketResult{marketID: market.ID}

	snap, err := p.source.Snapshot(ctx, market, at)
	if err != nil {
		res.err = fmt.Errorf("failed to fetch snapshot: %w", err)
		return res
	}

	cumulative := snap.Volume
	delta, ok := p.volumeDelta(market.ID, cumulative)
	if !ok {
		res.skipped = true
		return res
	}
	snap.Volume = delta

	signals, err := p.monitor.Evaluate(snap)
	if err != nil {
		res.err = err
		return res
	}
	res.signals = signals

	if p.archive != nil {
		if err := p.archive.AddSnapshot(ctx, snap, cumulative); err != nil {
			logger.Warn("Failed to store snapshot for %s: %v", market.ID, err)
		}
	}
	return res
}

// PollOnce runs a single cycle: refresh the market set when due, evaluate every tracked
// market on the worker pool, and hand the signals to each sink. Per-market faults are
// logged and counted. The cycle fails only when no market could be evaluated.
func (p *Poller) PollOnce(ctx context.Context) (CycleStats, error) {
	start := p.now()
	var stats CycleStats

	if p.refreshDue() {
		if err := p.RefreshMarkets(ctx); err != nil {
			if len(p.Tracked()) == 0 {
				return stats, err
			}
			logger.Warn("Market refresh failed, keeping previous set: %v", err)
		}
	}

	markets := p.Tracked()
	stats.Markets = len(markets)

	wp := pool.NewWithResults[marketResult]().WithMaxGoroutines(p.cfg.Workers)
	for _, m := range markets {
		wp.Go(func() marketResult {
			return p.pollMarket(ctx, m, start)
		})
	}
	results := wp.Wait()

	var signals []models.Signal
	var firstErr error
	for _, r := range results {
		switch {
		case r.err != nil:
			stats.Failed++
			if firstErr == nil {
				firstErr = r.err
			}
			if errors.Is(r.err, models.ErrOutOfOrderSnapshot) || errors.Is(r.err, models.ErrCapacityExceeded) {
				logger.Warn("Market %s rejected: %v", r.marketID, r.err)
			} else {
				logger.Warn("Market %s failed: %v", r.marketID, r.err)
			}
		case !r.skipped:
			stats.Evaluated++
		}
		signals = append(signals, r.signals...)
	}

	sort.SliceStable(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Type < b.Type
	})
	stats.Signals = len(signals)

	if len(signals) > 0 {
		for _, s := range signals {
			p.log.Info().
				Str("market_id", s.MarketID).
				Str("signal_type", string(s.Type)).
				Float64("score", s.Score).
				Time("at", s.Timestamp).
				Msg("signal")
		}
		for _, sink := range p.sinks {
			if err := sink.WriteSignals(ctx, signals); err != nil {
				logger.Error("Failed to deliver %d signals: %v", len(signals), err)
			}
		}
	}

	stats.Duration = p.now().Sub(start)
	if stats.Markets > 0 && stats.Failed == stats.Markets {
		return stats, fmt.Errorf("all %d markets failed: %w", stats.Markets, firstErr)
	}
	return stats, nil
}

// Run polls immediately and then on every interval until ctx is done. onCycle, when
// set, observes each cycle's outcome.
func (p *Poller) Run(ctx context.Context, onCycle func(CycleStats, error)) {
	cycle := func() {
		stats, err := p.PollOnce(ctx)
		if err == nil {
			p.log.Info().
				Dur("duration", stats.Duration).
				Int("markets", stats.Markets).
				Int("evaluated", stats.Evaluated).
				Int("failed", stats.Failed).
				Int("signals", stats.Signals).
				Msg("cycle completed")
		}
		if onCycle != nil {
			onCycle(stats, err)
		}
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	cycle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle()
		}
	}
}
