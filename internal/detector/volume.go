package detector

import "github.com/rewired-gh/polygraph/internal/models"

const stdEpsilon = 1e-9

// VolumeSpike fires when current volume sits more than VolumeSpikeThreshold standard
// deviations above the baseline mean and clears the absolute VolumeMinimum.
type VolumeSpike struct {
	cfg Config
}

func (VolumeSpike) Type() models.SignalType { return models.SignalVolumeSpike }

func (d VolumeSpike) Detect(in Input) (Reading, bool) {
	v := in.Snapshot.Volume
	mean := in.Baseline.MeanVolume
	std := in.Baseline.StdVolume

	if v < d.cfg.VolumeMinimum {
		return Reading{}, false
	}

	// z is reported as measured; magnitude is what the scorer sees
	var z, magnitude float64
	if std < stdEpsilon {
		// flat window: only an absolute jump counts, and z has no finite value
		if v-mean <= d.cfg.ZeroVarianceFloor {
			return Reading{}, false
		}
		z, magnitude = d.cfg.ZScoreCap, d.cfg.ZScoreCap
	} else {
		if v <= mean+d.cfg.VolumeSpikeThreshold*std {
			return Reading{}, false
		}
		z = (v - mean) / std
		magnitude = min(z, d.cfg.ZScoreCap)
	}

	return Reading{
		Type:      models.SignalVolumeSpike,
		Magnitude: magnitude,
		Details: models.VolumeSpikeDetails{
			CurrentVolume: v,
			MeanVolume:    mean,
			ZScore:        z,
		},
	}, true
}
