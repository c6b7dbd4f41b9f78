// Package monitor runs the evaluation cycle: each accepted snapshot updates its market's
// baseline, is checked by every detector, and fired readings are scored into signals.
package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/polygraph/internal/baseline"
	"github.com/rewired-gh/polygraph/internal/detector"
	"github.com/rewired-gh/polygraph/internal/logger"
	"github.com/rewired-gh/polygraph/internal/models"
	"github.com/rewired-gh/polygraph/internal/scorer"
)

// Condition labels a snapshot that produced no evaluation.
type Condition string

const (
	ConditionInvalid          Condition = "invalid_snapshot"
	ConditionOutOfOrder       Condition = "out_of_order"
	ConditionCapacity         Condition = "capacity_exceeded"
	ConditionInsufficientData Condition = "insufficient_data"
	ConditionUnknown          Condition = "unknown"
)

// ConditionOf maps an Evaluate error to its condition label.
func ConditionOf(err error) Condition {
	switch {
	case errors.Is(err, models.ErrInvalidSnapshot):
		return ConditionInvalid
	case errors.Is(err, models.ErrOutOfOrderSnapshot):
		return ConditionOutOfOrder
	case errors.Is(err, models.ErrCapacityExceeded):
		return ConditionCapacity
	case errors.Is(err, models.ErrInsufficientData):
		return ConditionInsufficientData
	default:
		return ConditionUnknown
	}
}

// Recorder receives evaluation counters. The metrics package implements it.
type Recorder interface {
	SnapshotEvaluated()
	SnapshotSkipped(c Condition)
	SignalEmitted(s models.Signal)
	BaselinesTracked(n int)
}

type nopRecorder struct{}

func (nopRecorder) SnapshotEvaluated() {}
func (nopRecorder) SnapshotSkipped(Condition) {}
func (nopRecorder) SignalEmitted(models.Signal) {}
func (nopRecorder) BaselinesTracked(int) {}

var signalNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/rewired-gh/polygraph/signal"))

// SignalID derives a stable id, so evaluating the same snapshot twice yields the same signal.
func SignalID(marketID string, t models.SignalType, ts time.Time) string {
	name := marketID + "|" + string(t) + "|" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(signalNamespace, []byte(name)).String()
}

type Monitor struct {
	store    *baseline.Store
	set      *detector.Set
	scorer   *scorer.Scorer
	lookback time.Duration
	recorder Recorder

	mu    sync.Mutex
	locks map[string]*marketLock
}

// marketLock serializes one market. refs counts holders and waiters; the entry is dropped
// when it reaches zero, so the map only holds markets in use.
type marketLock struct {
	sync.Mutex
	refs int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRecorder reports counters to r.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) {
		if r != nil {
			m.recorder = r
		}
	}
}

// New wires a monitor around an existing store. The lookback is the price divergence
// reference interval.
func New(store *baseline.Store, set *detector.Set, sc *scorer.Scorer, lookback time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		set:      set,
		scorer:   sc,
		lookback: lookback,
		recorder: nopRecorder{},
		locks:    make(map[string]*marketLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the baseline store for read-only callers such as the API.
func (m *Monitor) Store() *baseline.Store {
	return m.store
}

// lock acquires the market's mutex and returns its release function.
func (m *Monitor) lock(marketID string) func() {
	m.mu.Lock()
	l, ok := m.locks[marketID]
	if !ok {
		l = &marketLock{}
		m.locks[marketID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, marketID)
		}
		m.mu.Unlock()
	}
}

// Evaluate runs one snapshot through the cycle. A market still below the minimum sample
// count yields no signals and a nil error. Invalid, out of order and over capacity
// snapshots are rejected with an error wrapping the matching models sentinel and leave
// every baseline untouched.
func (m *Monitor) Evaluate(snap models.MarketSnapshot) ([]models.Signal, error) {
	if err := snap.Validate(); err != nil {
		m.recorder.SnapshotSkipped(ConditionInvalid)
		return nil, err
	}

	defer m.lock(snap.MarketID)()

	if _, err := m.store.Update(snap); err != nil {
		m.recorder.SnapshotSkipped(ConditionOf(err))
		return nil, err
	}
	m.recorder.BaselinesTracked(m.store.Len())

	b, err := m.store.Get(snap.MarketID)
	if errors.Is(err, models.ErrInsufficientData) {
		m.recorder.SnapshotSkipped(ConditionInsufficientData)
		logger.Debug("market %s: %v", snap.MarketID, err)
		return nil, nil
	}
	if err != nil {
		m.recorder.SnapshotSkipped(ConditionOf(err))
		return nil, err
	}

	var ref *baseline.Sample
	if s, ok := m.store.ReferenceAt(snap.MarketID, snap.Timestamp.Add(-m.lookback)); ok {
		ref = &s
	}

	m.recorder.SnapshotEvaluated()
	signals := m.Assess(snap, b, ref)
	for _, s := range signals {
		m.recorder.SignalEmitted(s)
	}
	return signals, nil
}

// Assess is the pure part of Evaluate: detectors and scorer over a fixed baseline and
// reference. Readings that score zero are dropped.
func (m *Monitor) Assess(snap models.MarketSnapshot, b baseline.Baseline, ref *baseline.Sample) []models.Signal {
	readings := m.set.Evaluate(detector.Input{Snapshot: snap, Baseline: b, Reference: ref})
	if len(readings) == 0 {
		return nil
	}

	signals := make([]models.Signal, 0, len(readings))
	for _, r := range readings {
		score := m.scorer.Score(scorer.KeyFor(r.Type, r.Details), r.Magnitude)
		if score <= 0 {
			continue
		}
		signals = append(signals, models.Signal{
			ID:             SignalID(snap.MarketID, r.Type, snap.Timestamp),
			MarketID:       snap.MarketID,
			Type:           r.Type,
			Timestamp:      snap.Timestamp,
			Score:          score,
			Details:        r.Details,
			PriceAtSignal:  snap.YesPrice,
			VolumeAtSignal: snap.Volume,
		})
	}
	return signals
}

// Seed warm-starts one market's baseline from stored history.
func (m *Monitor) Seed(marketID string, history []models.MarketSnapshot) (int, error) {
	defer m.lock(marketID)()

	n, err := m.store.Seed(history)
	m.recorder.BaselinesTracked(m.store.Len())
	return n, err
}

// Forget drops a market's baseline. Its lock entry goes away with the last holder.
func (m *Monitor) Forget(marketID string) {
	unlock := m.lock(marketID)
	m.store.Forget(marketID)
	unlock()
	m.recorder.BaselinesTracked(m.store.Len())
}
