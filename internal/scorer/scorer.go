// Package scorer maps raw detector magnitudes onto a common 0-100 severity scale.
//
// Every curve has the same saturating shape
//
//	score = floor + (100 - floor) * (1 - exp(-(raw - onset) / scale))
//
// so a detector that only just fires scores floor, one scale past the onset scores
// about floor + 63% of the remaining range, and the score approaches 100 without
// reaching it. Below the onset the score is 0.
package scorer

import (
	"math"

	"github.com/rewired-gh/polygraph/internal/models"
)

// Curve is one calibrated mapping.
type Curve struct {
	Onset float64
	Floor float64
	Scale float64
}

// Apply evaluates the curve. It is pure and monotonic in raw.
func (c Curve) Apply(raw float64) float64 {
	switch {
	case math.IsNaN(raw):
		return 0
	case math.IsInf(raw, 1):
		return 100
	case raw < c.Onset:
		return 0
	}
	score := c.Floor + (100-c.Floor)*(1-math.Exp(-(raw-c.Onset)/c.Scale))
	return math.Max(0, math.Min(100, score))
}

// Key selects a curve. Divergence is only set for price divergence readings since its
// two sub-cases measure different quantities.
type Key struct {
	Type       models.SignalType
	Divergence models.DivergenceType
}

// KeyFor derives the curve key from a reading's type and details.
func KeyFor(t models.SignalType, details models.Details) Key {
	if d, ok := details.(models.PriceDivergenceDetails); ok {
		return Key{Type: t, Divergence: d.DivergenceType}
	}
	return Key{Type: t}
}

// Thresholds are the detector thresholds the curves are anchored to.
type Thresholds struct {
	VolumeSpike float64
	Imbalance   float64
	PriceChange float64
	// VolumeSurge is the accumulation surge multiple; the volume change at onset is
	// VolumeSurge-1.
	VolumeSurge float64
}

// Scorer holds one curve per key.
type Scorer struct {
	curves map[Key]Curve
}

// New anchors each curve's onset at its detector threshold:
//
//	volume spike         onset=k          floor=30  scale=2k
//	orderbook imbalance  onset=ratio      floor=25  scale=2*ratio
//	weak conviction      onset=price thr  floor=25  scale=2*price thr
//	accumulation         onset=surge-1    floor=20  scale=3
func New(t Thresholds) *Scorer {
	return &Scorer{curves: map[Key]Curve{
		{Type: models.SignalVolumeSpike}: {
			Onset: t.VolumeSpike, Floor: 30, Scale: 2 * t.VolumeSpike,
		},
		{Type: models.SignalOrderbookImbalance}: {
			Onset: t.Imbalance, Floor: 25, Scale: 2 * t.Imbalance,
		},
		{Type: models.SignalPriceDivergence, Divergence: models.DivergenceWeakConviction}: {
			Onset: t.PriceChange, Floor: 25, Scale: 2 * t.PriceChange,
		},
		{Type: models.SignalPriceDivergence, Divergence: models.DivergenceAccumulation}: {
			Onset: t.VolumeSurge - 1, Floor: 20, Scale: 3,
		},
	}}
}

// Curve returns the mapping for key.
func (s *Scorer) Curve(key Key) (Curve, bool) {
	c, ok := s.curves[key]
	return c, ok
}

// Score maps a raw magnitude into [0, 100]. Unknown keys score 0.
func (s *Scorer) Score(key Key, raw float64) float64 {
	c, ok := s.curves[key]
	if !ok {
		return 0
	}
	return c.Apply(raw)
}
