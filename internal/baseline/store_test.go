package baseline

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polygraph/internal/models"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func snap(marketID string, at time.Time, price, volume float64) models.MarketSnapshot {
	return models.MarketSnapshot{
		MarketID:  marketID,
		Timestamp: at,
		YesPrice:  price,
		NoPrice:   1 - price,
		Volume:    volume,
	}
}

// naive recomputes population statistics over the retained window.
func naive(samples []Sample) (meanV, stdV, meanP, stdP float64) {
	n := float64(len(samples))
	for _, s := range samples {
		meanV += s.Volume
		meanP += s.Price
	}
	meanV /= n
	meanP /= n
	if len(samples) < 2 {
		return meanV, 0, meanP, 0
	}
	var ssV, ssP float64
	for _, s := range samples {
		ssV += (s.Volume - meanV) * (s.Volume - meanV)
		ssP += (s.Price - meanP) * (s.Price - meanP)
	}
	return meanV, math.Sqrt(ssV / n), meanP, math.Sqrt(ssP / n)
}

func TestStore_IncrementalMatchesRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := New(Config{Window: 2 * time.Hour, MinSamples: 1, MaxMarkets: 10})

	at := t0
	for i := 1; i <= 2000; i++ {
		at = at.Add(time.Duration(30+rng.Intn(600)) * time.Second)
		volume := 5000 + rng.Float64()*50000
		if i%97 == 0 {
			volume *= 20
		}
		b, err := s.Update(snap("m", at, rng.Float64(), volume))
		require.NoError(t, err)

		ser, _ := s.lookup("m")
		window := ser.window()
		require.Equal(t, len(window), b.SampleCount)

		meanV, stdV, meanP, stdP := naive(window)
		tol := 1e-8 * math.Max(1, meanV)
		assert.InDelta(t, meanV, b.MeanVolume, tol, "mean volume after %d updates", i)
		assert.InDelta(t, stdV, b.StdVolume, 1e-6*math.Max(1, stdV), "std volume after %d updates", i)
		assert.InDelta(t, meanP, b.MeanPrice, 1e-8, "mean price after %d updates", i)
		assert.InDelta(t, stdP, b.StdPrice, 1e-8, "std price after %d updates", i)
	}
}

func TestStore_EvictsStrictlyByAge(t *testing.T) {
	s := New(Config{Window: time.Hour, MinSamples: 1, MaxMarkets: 10})

	for i := 0; i < 10; i++ {
		_, err := s.Update(snap("m", t0.Add(time.Duration(i)*10*time.Minute), 0.5, 100))
		require.NoError(t, err)
	}

	b, err := s.Get("m")
	require.NoError(t, err)
	// samples at 30..90 minutes are within an hour of the last one
	assert.Equal(t, 7, b.SampleCount)
	assert.Equal(t, t0.Add(30*time.Minute), b.OldestSampleAt)
	assert.Equal(t, t0.Add(90*time.Minute), b.LastSampleAt)

	// many samples at one instant are never evicted by count
	for i := 0; i < 50; i++ {
		_, err := s.Update(snap("m", t0.Add(90*time.Minute), 0.5, 100))
		require.NoError(t, err)
	}
	b, err = s.Get("m")
	require.NoError(t, err)
	assert.Equal(t, 57, b.SampleCount)
}

func TestStore_EvictionResetsAfterGap(t *testing.T) {
	s := New(Config{Window: time.Hour, MinSamples: 1, MaxMarkets: 10})
	for i := 0; i < 5; i++ {
		_, err := s.Update(snap("m", t0.Add(time.Duration(i)*time.Minute), 0.5, float64(1000*(i+1))))
		require.NoError(t, err)
	}

	b, err := s.Update(snap("m", t0.Add(5*time.Hour), 0.7, 42))
	require.NoError(t, err)
	assert.Equal(t, 1, b.SampleCount)
	assert.InDelta(t, 42, b.MeanVolume, 1e-12)
	assert.Zero(t, b.StdVolume)
	assert.InDelta(t, 0.7, b.MeanPrice, 1e-12)
}

func TestStore_ConstantVolumeHasZeroDeviation(t *testing.T) {
	s := New(DefaultConfig())
	var b Baseline
	var err error
	for i := 0; i < 100; i++ {
		b, err = s.Update(snap("m", t0.Add(time.Duration(i)*time.Minute), 0.4, 25000))
		require.NoError(t, err)
	}
	assert.InDelta(t, 25000, b.MeanVolume, 1e-9)
	assert.InDelta(t, 0, b.StdVolume, 1e-9)
}

func TestStore_GetInsufficientData(t *testing.T) {
	s := New(Config{Window: time.Hour, MinSamples: 5, MaxMarkets: 10})

	_, err := s.Get("unknown")
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	for i := 0; i < 4; i++ {
		_, err := s.Update(snap("m", t0.Add(time.Duration(i)*time.Minute), 0.5, 100))
		require.NoError(t, err)
	}
	b, err := s.Get("m")
	assert.ErrorIs(t, err, models.ErrInsufficientData)
	assert.Equal(t, 4, b.SampleCount)

	_, err = s.Update(snap("m", t0.Add(5*time.Minute), 0.5, 100))
	require.NoError(t, err)
	_, err = s.Get("m")
	assert.NoError(t, err)
}

func TestStore_OutOfOrderLeavesBaselineUnchanged(t *testing.T) {
	s := New(Config{Window: time.Hour, MinSamples: 1, MaxMarkets: 10})
	for i := 0; i < 5; i++ {
		_, err := s.Update(snap("m", t0.Add(time.Duration(i)*time.Minute), 0.5, float64(100*(i+1))))
		require.NoError(t, err)
	}
	before, err := s.Get("m")
	require.NoError(t, err)

	_, err = s.Update(snap("m", t0.Add(2*time.Minute), 0.9, 1e6))
	require.ErrorIs(t, err, models.ErrOutOfOrderSnapshot)

	after, err := s.Get("m")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// equal timestamps are in order
	_, err = s.Update(snap("m", t0.Add(4*time.Minute), 0.5, 100))
	assert.NoError(t, err)
}

func TestStore_CapacityExceeded(t *testing.T) {
	s := New(Config{Window: time.Hour, MinSamples: 1, MaxMarkets: 3})
	for i := 0; i < 3; i++ {
		_, err := s.Update(snap(fmt.Sprintf("m-%d", i), t0, 0.5, 100))
		require.NoError(t, err)
	}
	before, err := s.Get("m-1")
	require.NoError(t, err)

	_, err = s.Update(snap("m-new", t0, 0.5, 100))
	require.ErrorIs(t, err, models.ErrCapacityExceeded)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"m-0", "m-1", "m-2"}, s.Markets())

	after, err := s.Get("m-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// existing markets keep updating at capacity
	_, err = s.Update(snap("m-1", t0.Add(time.Minute), 0.5, 100))
	assert.NoError(t, err)

	s.Forget("m-0")
	_, err = s.Update(snap("m-new", t0, 0.5, 100))
	assert.NoError(t, err)
}

func TestStore_ReferenceAt(t *testing.T) {
	s := New(Config{Window: 24 * time.Hour, MinSamples: 1, MaxMarkets: 10})
	for i := 0; i < 6; i++ {
		_, err := s.Update(snap("m", t0.Add(time.Duration(i)*30*time.Minute), 0.1*float64(i+1), 100))
		require.NoError(t, err)
	}

	ref, ok := s.ReferenceAt("m", t0.Add(70*time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(60*time.Minute), ref.Timestamp)
	assert.InDelta(t, 0.3, ref.Price, 1e-12)

	ref, ok = s.ReferenceAt("m", t0.Add(60*time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(60*time.Minute), ref.Timestamp)

	_, ok = s.ReferenceAt("m", t0.Add(-time.Minute))
	assert.False(t, ok)
	_, ok = s.ReferenceAt("other", t0)
	assert.False(t, ok)
}

func TestStore_Seed(t *testing.T) {
	s := New(Config{Window: time.Hour, MinSamples: 3, MaxMarkets: 10})
	history := []models.MarketSnapshot{
		snap("m", t0, 0.5, 100),
		snap("m", t0.Add(time.Minute), 0.5, 200),
		snap("m", t0.Add(2*time.Minute), 0.5, 300),
		snap("m", t0.Add(time.Minute), 0.5, 400),
	}

	n, err := s.Seed(history)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, models.ErrOutOfOrderSnapshot)

	b, err := s.Get("m")
	require.NoError(t, err)
	assert.InDelta(t, 200, b.MeanVolume, 1e-9)
}

func TestStore_ConcurrentMarkets(t *testing.T) {
	s := New(Config{Window: time.Hour, MinSamples: 1, MaxMarkets: 16})

	var wg sync.WaitGroup
	for m := 0; m < 16; m++ {
		wg.Add(1)
		go func(m int) {
			defer wg.Done()
			id := fmt.Sprintf("m-%d", m)
			for i := 0; i < 200; i++ {
				_, err := s.Update(snap(id, t0.Add(time.Duration(i)*time.Second), 0.5, float64(m)))
				assert.NoError(t, err)
			}
		}(m)
	}
	wg.Wait()

	for m := 0; m < 16; m++ {
		b, err := s.Get(fmt.Sprintf("m-%d", m))
		require.NoError(t, err)
		assert.Equal(t, 200, b.SampleCount)
		assert.InDelta(t, float64(m), b.MeanVolume, 1e-9)
	}
}
