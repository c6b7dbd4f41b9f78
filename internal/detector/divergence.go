package detector

import (
	"math"

	"github.com/rewired-gh/polygraph/internal/models"
)

// PriceDivergence compares the snapshot against the retained sample at the start of the
// lookback interval. Expected volume grows with the size of the price move:
//
//	expected = 1 + VolumeSensitivity*|price_change_pct|   (as a multiple of reference volume)
//
// Weak conviction: the price moved at least PriceChangeThreshold on less than
// WeakVolumeFraction of the expected volume. Accumulation: volume exceeded
// VolumeSurgeMultiple times the expected volume while the price stayed inside
// PriceBandFraction of the threshold. Weak conviction is checked first.
type PriceDivergence struct {
	cfg Config
}

func (PriceDivergence) Type() models.SignalType { return models.SignalPriceDivergence }

func (d PriceDivergence) Detect(in Input) (Reading, bool) {
	ref := in.Reference
	if ref == nil || ref.Price <= 0 {
		return Reading{}, false
	}

	p := in.Snapshot.YesPrice
	v := in.Snapshot.Volume

	refVolume := ref.Volume
	if refVolume <= 0 {
		refVolume = d.cfg.ReferenceVolumeFloor
	}

	priceChange := (p - ref.Price) / ref.Price
	volumeChange := (v - refVolume) / refVolume
	absPrice := math.Abs(priceChange)
	expected := 1 + d.cfg.VolumeSensitivity*absPrice
	volumeRatio := 1 + volumeChange

	var (
		kind      models.DivergenceType
		magnitude float64
	)
	switch {
	case absPrice >= d.cfg.PriceChangeThreshold && volumeRatio < d.cfg.WeakVolumeFraction*expected:
		kind, magnitude = models.DivergenceWeakConviction, absPrice
	case volumeRatio > d.cfg.VolumeSurgeMultiple*expected && absPrice < d.cfg.PriceBandFraction*d.cfg.PriceChangeThreshold:
		kind, magnitude = models.DivergenceAccumulation, volumeChange
	default:
		return Reading{}, false
	}

	return Reading{
		Type:      models.SignalPriceDivergence,
		Magnitude: magnitude,
		Details: models.PriceDivergenceDetails{
			DivergenceType:  kind,
			PriceChangePct:  priceChange,
			VolumeChangePct: volumeChange,
			ReferencePrice:  ref.Price,
			ReferenceVolume: ref.Volume,
			CurrentPrice:    p,
			CurrentVolume:   v,
			Interval:        in.Snapshot.Timestamp.Sub(ref.Timestamp),
		},
	}, true
}
