package attack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/Sentinel/models"
)

func ticks(instrument string, n int) []models.Tick {
	out := make([]models.Tick, n)
	for i := range out {
		out[i] = models.Tick{
			Timestamp:    time.Date(2026, 2, 1, 0, 0, i, 0, time.UTC),
			InstrumentID: instrument,
			Price:        100,
		}
	}
	return out
}

func TestSpikeAtStep(t *testing.T) {
	inj, err := NewInjector(DefaultConfig())
	require.NoError(t, err)

	for i, tk := range ticks("EUR/USD", 40) {
		got, attacked := inj.Apply(tk)
		if i == 29 {
			assert.True(t, attacked)
			assert.InDelta(t, 115.0, got.Price, 1e-9)
			continue
		}
		assert.False(t, attacked, "tick %d", i)
		assert.Equal(t, 100.0, got.Price)
	}
}

func TestStepsAreCountedPerInstrument(t *testing.T) {
	inj, err := NewInjector(Config{Kind: Spike, Step: 2, Multiplier: 2})
	require.NoError(t, err)

	a := ticks("A", 2)
	b := ticks("B", 2)
	_, hit := inj.Apply(a[0])
	assert.False(t, hit)
	_, hit = inj.Apply(b[0])
	assert.False(t, hit)
	_, hit = inj.Apply(a[1])
	assert.True(t, hit)
	_, hit = inj.Apply(b[1])
	assert.True(t, hit)
}

func TestDriftRampsOverDuration(t *testing.T) {
	inj, err := NewInjector(Config{Kind: Drift, Step: 1, Multiplier: 1.2, Duration: 4})
	require.NoError(t, err)

	var prices []float64
	for _, tk := range ticks("X", 6) {
		got, attacked := inj.Apply(tk)
		if attacked {
			prices = append(prices, got.Price)
		}
	}
	require.Len(t, prices, 4)
	assert.InDelta(t, 105.0, prices[0], 1e-9)
	assert.InDelta(t, 120.0, prices[3], 1e-9)
}

func TestFlashCrashLastsDuration(t *testing.T) {
	inj, err := NewInjector(Config{Kind: FlashCrash, Step: 3, Multiplier: 2, Duration: 2})
	require.NoError(t, err)

	var attacked []int
	for i, tk := range ticks("X", 8) {
		got, hit := inj.Apply(tk)
		if hit {
			attacked = append(attacked, i)
			assert.Equal(t, 50.0, got.Price)
		}
	}
	assert.Equal(t, []int{2, 3}, attacked)
}

func TestProbabilisticInjectionIsSeeded(t *testing.T) {
	cfg := Config{Kind: Noise, Probability: 0.2, Multiplier: 1.1, Seed: 99}
	run := func() []float64 {
		inj, err := NewInjector(cfg)
		require.NoError(t, err)
		var out []float64
		for _, tk := range ticks("X", 200) {
			got, _ := inj.Apply(tk)
			out = append(out, got.Price)
		}
		return out
	}
	first := run()
	assert.Equal(t, first, run())

	var changed int
	for _, p := range first {
		assert.Greater(t, p, 0.0)
		if p != 100 {
			changed++
		}
	}
	assert.Greater(t, changed, 10)
	assert.Less(t, changed, 80)
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{Kind: "laser", Step: 1, Multiplier: 2},
		{Kind: Spike, Multiplier: 2},
		{Kind: Spike, Step: 1, Probability: 0.5, Multiplier: 2},
		{Kind: Spike, Step: 1, Multiplier: 1},
		{Kind: Drift, Step: 1, Multiplier: 2},
		{Kind: Noise, Probability: 1.5, Multiplier: 2},
	}
	for _, c := range bad {
		_, err := NewInjector(c)
		assert.Error(t, err, "%+v", c)
	}
}
