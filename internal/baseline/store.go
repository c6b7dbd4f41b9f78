// Package baseline maintains per-market rolling statistics over a time window.
package baseline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/polygraph/internal/models"
)

// Config bounds the store.
type Config struct {
	Window     time.Duration
	MinSamples int
	MaxMarkets int
}

// DefaultConfig mirrors the detector defaults: 24h window, 5 samples, 50 markets.
func DefaultConfig() Config {
	return Config{
		Window:     24 * time.Hour,
		MinSamples: 5,
		MaxMarkets: 50,
	}
}

// Sample is one retained observation.
type Sample struct {
	Timestamp time.Time
	Price     float64
	Volume    float64
}

// Baseline is a read-only summary of a market's window.
type Baseline struct {
	MarketID       string        `json:"market_id"`
	Window         time.Duration `json:"window"`
	MeanVolume     float64       `json:"mean_volume"`
	StdVolume      float64       `json:"std_volume"`
	MeanPrice      float64       `json:"mean_price"`
	StdPrice       float64       `json:"std_price"`
	SampleCount    int           `json:"sample_count"`
	OldestSampleAt time.Time     `json:"oldest_sample_at"`
	LastSampleAt   time.Time     `json:"last_sample_at"`
}

// series is the mutable state of one market. Its mutex serializes writers per market.
type series struct {
	mu      sync.Mutex
	samples []Sample
	head    int
	volume  welford
	price   welford
}

func (s *series) window() []Sample {
	return s.samples[s.head:]
}

func (s *series) evictBefore(cutoff time.Time) {
	for s.head < len(s.samples) && s.samples[s.head].Timestamp.Before(cutoff) {
		old := s.samples[s.head]
		s.volume.remove(old.Volume)
		s.price.remove(old.Price)
		s.samples[s.head] = Sample{}
		s.head++
	}
	// compact once the dead prefix dominates so memory stays proportional to the window
	if s.head > 0 && s.head >= len(s.samples)/2 {
		n := copy(s.samples, s.samples[s.head:])
		s.samples = s.samples[:n]
		s.head = 0
	}
}

func (s *series) summary(marketID string, window time.Duration) Baseline {
	w := s.window()
	b := Baseline{
		MarketID:    marketID,
		Window:      window,
		MeanVolume:  s.volume.mean,
		StdVolume:   s.volume.stddev(),
		MeanPrice:   s.price.mean,
		StdPrice:    s.price.stddev(),
		SampleCount: len(w),
	}
	if len(w) > 0 {
		b.OldestSampleAt = w[0].Timestamp
		b.LastSampleAt = w[len(w)-1].Timestamp
	}
	return b
}

// Store owns every tracked market's window.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	markets map[string]*series
}

// New creates an empty store.
func New(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		markets: make(map[string]*series),
	}
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) lookup(marketID string) (*series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.markets[marketID]
	return ser, ok
}

func (s *Store) getOrCreate(marketID string) (*series, error) {
	if ser, ok := s.lookup(marketID); ok {
		return ser, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ser, ok := s.markets[marketID]; ok {
		return ser, nil
	}
	if len(s.markets) >= s.cfg.MaxMarkets {
		return nil, fmt.Errorf("%w: market %q rejected, %d markets already tracked",
			models.ErrCapacityExceeded, marketID, len(s.markets))
	}
	ser := &series{}
	s.markets[marketID] = ser
	return ser, nil
}

// Update appends the snapshot to its market's window, evicting samples older than the
// window first. Snapshots must arrive in non-decreasing timestamp order per market.
func (s *Store) Update(snap models.MarketSnapshot) (Baseline, error) {
	ser, err := s.getOrCreate(snap.MarketID)
	if err != nil {
		return Baseline{}, err
	}

	ser.mu.Lock()
	defer ser.mu.Unlock()

	if w := ser.window(); len(w) > 0 {
		last := w[len(w)-1].Timestamp
		if snap.Timestamp.Before(last) {
			return Baseline{}, fmt.Errorf("%w: market %q snapshot at %s precedes last accepted %s",
				models.ErrOutOfOrderSnapshot, snap.MarketID,
				snap.Timestamp.Format(time.RFC3339), last.Format(time.RFC3339))
		}
	}

	ser.evictBefore(snap.Timestamp.Add(-s.cfg.Window))
	ser.samples = append(ser.samples, Sample{
		Timestamp: snap.Timestamp,
		Price:     snap.YesPrice,
		Volume:    snap.Volume,
	})
	ser.volume.add(snap.Volume)
	ser.price.add(snap.YesPrice)

	return ser.summary(snap.MarketID, s.cfg.Window), nil
}

// Get returns the market's baseline, or ErrInsufficientData while it holds fewer than
// MinSamples observations.
func (s *Store) Get(marketID string) (Baseline, error) {
	ser, ok := s.lookup(marketID)
	if !ok {
		return Baseline{}, fmt.Errorf("%w: market %q has no samples", models.ErrInsufficientData, marketID)
	}

	ser.mu.Lock()
	b := ser.summary(marketID, s.cfg.Window)
	ser.mu.Unlock()

	if b.SampleCount < s.cfg.MinSamples {
		return b, fmt.Errorf("%w: market %q has %d of %d samples",
			models.ErrInsufficientData, marketID, b.SampleCount, s.cfg.MinSamples)
	}
	return b, nil
}

// ReferenceAt returns the latest retained sample taken at or before at.
func (s *Store) ReferenceAt(marketID string, at time.Time) (Sample, bool) {
	ser, ok := s.lookup(marketID)
	if !ok {
		return Sample{}, false
	}

	ser.mu.Lock()
	defer ser.mu.Unlock()

	w := ser.window()
	i := sort.Search(len(w), func(i int) bool { return w[i].Timestamp.After(at) })
	if i == 0 {
		return Sample{}, false
	}
	return w[i-1], true
}

// Seed replays stored history into the store, oldest first. It stops at the first
// rejected snapshot.
func (s *Store) Seed(history []models.MarketSnapshot) (int, error) {
	for i, snap := range history {
		if _, err := s.Update(snap); err != nil {
			return i, err
		}
	}
	return len(history), nil
}

// Forget drops a market's window, freeing its capacity slot.
func (s *Store) Forget(marketID string) {
	s.mu.Lock()
	delete(s.markets, marketID)
	s.mu.Unlock()
}

// Markets lists the tracked market ids in sorted order.
func (s *Store) Markets() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len reports how many markets hold a baseline.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markets)
}
