package trust

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/models"
)

var now = time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(config.Default().Trust)
	require.NoError(t, err)
	return e
}

func TestStartsAtCeiling(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, 100.0, e.State().Score)
	assert.Equal(t, models.LevelSafe, e.State().Level)
}

func TestPenaltyTiers(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		signal float64
		want   float64
	}{
		{1.0, 20}, // below every tier, charged the mildest penalty
		{3.0, 20},
		{3.01, 20},
		{5.0, 20},
		{5.01, 40},
		{8.0, 40},
		{8.01, 60},
		{150, 60},
		{-6, 40},
		{math.NaN(), 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Penalty(tt.signal), "signal %v", tt.signal)
	}
}

func TestUpdateDecaysAndRecovers(t *testing.T) {
	e := newEngine(t)

	s := e.Update(true, 6.2, now)
	assert.Equal(t, 60.0, s.Score)
	assert.Equal(t, models.LevelCaution, s.Level)
	assert.Equal(t, now, s.LastUpdated)

	s = e.Update(true, 4, now)
	assert.Equal(t, 40.0, s.Score)
	assert.Equal(t, models.LevelDangerous, s.Level)

	s = e.Update(false, 0, now)
	assert.Equal(t, 42.0, s.Score)

	s = e.Update(true, 20, now)
	assert.Equal(t, 0.0, s.Score, "score is floored at zero")

	s = e.Update(true, 20, now)
	assert.Equal(t, 0.0, s.Score)
}

func TestRecoveryStopsAtCeiling(t *testing.T) {
	cfg := config.Default().Trust
	cfg.Ceiling = 90
	cfg.RecoveryRate = 7
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	e.Update(true, 4, now)
	assert.Equal(t, 70.0, e.State().Score)
	for i := 0; i < 5; i++ {
		e.Update(false, 0, now)
	}
	assert.Equal(t, 90.0, e.State().Score)
}

func TestClassifyBoundariesAreInclusive(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, models.LevelSafe, e.Classify(80))
	assert.Equal(t, models.LevelCaution, e.Classify(79.99))
	assert.Equal(t, models.LevelCaution, e.Classify(50))
	assert.Equal(t, models.LevelDangerous, e.Classify(49.99))
	assert.Equal(t, models.LevelDangerous, e.Classify(0))
}

func TestScoreInvariantsOverRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := newEngine(t)

	for i := 0; i < 5000; i++ {
		before := e.State().Score
		anomalous := rng.Float64() < 0.2
		signal := rng.Float64() * 12
		after := e.Update(anomalous, signal, now).Score

		require.GreaterOrEqual(t, after, 0.0)
		require.LessOrEqual(t, after, 100.0)
		if anomalous {
			if before > 0 {
				require.Less(t, after, before, "anomaly must reduce trust")
			} else {
				require.Equal(t, 0.0, after)
			}
		} else {
			require.GreaterOrEqual(t, after, before, "normal tick must not reduce trust")
		}
	}
}

func TestDeterministicReplay(t *testing.T) {
	type step struct {
		anomaly bool
		signal  float64
	}
	rng := rand.New(rand.NewSource(11))
	steps := make([]step, 500)
	for i := range steps {
		steps[i] = step{rng.Float64() < 0.3, rng.Float64() * 10}
	}

	run := func() models.TrustState {
		e := newEngine(t)
		for _, s := range steps {
			e.Update(s.anomaly, s.signal, now)
		}
		return e.State()
	}
	assert.Equal(t, run(), run())
}

func TestApplyUsesEnsembleResult(t *testing.T) {
	e := newEngine(t)
	s := e.Apply(models.DetectionResult{IsAnomaly: true, SignalValue: 150}, now)
	assert.Equal(t, 40.0, s.Score)
	assert.Equal(t, models.LevelDangerous, s.Level)

	e.Reset(now)
	assert.Equal(t, 100.0, e.State().Score)
}

func TestConfidencePenalty(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		confidence float64
		want       float64
	}{
		{0, 20},
		{0.3, 20},
		{0.34, 40},
		{0.66, 40},
		{0.67, 60},
		{1, 60},
		{1.5, 60},
		{-1, 20},
		{math.NaN(), 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.ConfidencePenalty(tt.confidence), "confidence %v", tt.confidence)
	}
}

func TestApplyChargesNonZScoreSignalsByConfidence(t *testing.T) {
	tests := []struct {
		name   string
		result models.DetectionResult
		want   float64
	}{
		{
			name:   "forest only spike",
			result: models.DetectionResult{IsAnomaly: true, Confidence: 1, SignalValue: 1, MethodID: "ensemble", SignalFrom: "isolation_forest"},
			want:   40,
		},
		{
			name:   "bare forest result",
			result: models.DetectionResult{IsAnomaly: true, Confidence: 0.5, SignalValue: 0.7, MethodID: "isolation_forest"},
			want:   60,
		},
		{
			name:   "z-score signal stays in z units",
			result: models.DetectionResult{IsAnomaly: true, Confidence: 1, SignalValue: 4, MethodID: "ensemble", SignalFrom: "zscore"},
			want:   80,
		},
		{
			name:   "normal tick recovers",
			result: models.DetectionResult{Confidence: 1, MethodID: "ensemble", SignalFrom: "isolation_forest"},
			want:   100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			assert.Equal(t, tt.want, e.Apply(tt.result, now).Score)
		})
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default().Trust
	cfg.Tiers = []config.SeverityTier{{Lower: 3, Upper: 5, Penalty: 30}, {Lower: 5, Penalty: 10}}
	_, err := NewEngine(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}
