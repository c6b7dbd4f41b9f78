// Package detector holds the stateless anomaly detectors. Each detector looks at one
// snapshot together with its market's baseline and reports a raw magnitude when it fires.
package detector

import (
	"time"

	"github.com/rewired-gh/polygraph/internal/baseline"
	"github.com/rewired-gh/polygraph/internal/models"
)

// Config holds detector thresholds.
type Config struct {
	VolumeSpikeThreshold float64
	VolumeMinimum        float64
	ZeroVarianceFloor    float64
	ZScoreCap            float64

	ImbalanceThreshold float64
	ImbalanceMinimum   float64

	PriceChangeThreshold float64
	DivergenceLookback   time.Duration
	VolumeSensitivity    float64
	WeakVolumeFraction   float64
	VolumeSurgeMultiple  float64
	PriceBandFraction    float64
	ReferenceVolumeFloor float64
}

func DefaultConfig() Config {
	return Config{
		VolumeSpikeThreshold: 2.5,
		VolumeMinimum:        10000,
		ZeroVarianceFloor:    1000,
		ZScoreCap:            100,
		ImbalanceThreshold:   3.0,
		ImbalanceMinimum:     5000,
		PriceChangeThreshold: 0.05,
		DivergenceLookback:   time.Hour,
		VolumeSensitivity:    20,
		WeakVolumeFraction:   0.5,
		VolumeSurgeMultiple:  2.0,
		PriceBandFraction:    0.5,
		ReferenceVolumeFloor: 1000,
	}
}

// Input is everything a detector may look at. Reference is the retained sample at the
// start of the divergence lookback, nil when the market is too new.
type Input struct {
	Snapshot  models.MarketSnapshot
	Baseline  baseline.Baseline
	Reference *baseline.Sample
}

// Reading is a fired detector's raw result, before scoring.
type Reading struct {
	Type      models.SignalType
	Magnitude float64
	Details   models.Details
}

// Detector is implemented by VolumeSpike, OrderbookImbalance and PriceDivergence.
type Detector interface {
	Type() models.SignalType
	Detect(in Input) (Reading, bool)
}

// Set is the fixed dispatch table, one detector per signal type in SignalTypes order.
type Set struct {
	detectors [3]Detector
}

// NewSet builds the detectors from cfg.
func NewSet(cfg Config) *Set {
	return &Set{detectors: [3]Detector{
		VolumeSpike{cfg: cfg},
		OrderbookImbalance{cfg: cfg},
		PriceDivergence{cfg: cfg},
	}}
}

// Detectors returns the table in evaluation order.
func (s *Set) Detectors() []Detector {
	return s.detectors[:]
}

// Evaluate runs every detector and returns the readings of those that fired.
func (s *Set) Evaluate(in Input) []Reading {
	var readings []Reading
	for _, d := range s.detectors {
		if r, ok := d.Detect(in); ok {
			readings = append(readings, r)
		}
	}
	return readings
}
