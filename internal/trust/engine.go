package trust

import (
	"math"
	"time"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/internal/anomaly"
	"github.com/Alias1177/Sentinel/models"
)

// Engine is the trust state machine for a single instrument. It is not safe
// for concurrent use: exactly one goroutine owns an Engine.
type Engine struct {
	cfg   config.TrustConfig
	state models.TrustState
}

// NewEngine creates an engine at full trust
func NewEngine(cfg config.TrustConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tiers := make([]config.SeverityTier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	cfg.Tiers = tiers

	e := &Engine{cfg: cfg}
	e.state = models.TrustState{Score: cfg.Ceiling, Level: e.Classify(cfg.Ceiling)}
	return e, nil
}

// Update applies one detection outcome. Anomalies are charged the penalty of
// their severity tier, normal ticks recover by the recovery rate. The two never
// happen on the same tick.
func (e *Engine) Update(isAnomaly bool, signal float64, at time.Time) models.TrustState {
	if isAnomaly {
		return e.charge(e.Penalty(signal), at)
	}
	return e.charge(0, at)
}

// Apply is Update driven by a detection result. Tiers are in z-score units, so
// an anomaly whose signal came from any other method is charged by confidence.
func (e *Engine) Apply(result models.DetectionResult, at time.Time) models.TrustState {
	method := result.SignalFrom
	if method == "" {
		method = result.MethodID
	}
	if result.IsAnomaly && method != "" && method != anomaly.MethodZScore {
		return e.charge(e.ConfidencePenalty(result.Confidence), at)
	}
	return e.Update(result.IsAnomaly, result.SignalValue, at)
}

// charge subtracts penalty, or recovers when penalty is zero
func (e *Engine) charge(penalty float64, at time.Time) models.TrustState {
	score := e.state.Score
	if penalty > 0 {
		score -= penalty
	} else {
		score = math.Min(e.cfg.Ceiling, score+e.cfg.RecoveryRate)
	}
	score = clamp(score, 0, e.cfg.Ceiling)

	e.state = models.TrustState{Score: score, Level: e.Classify(score), LastUpdated: at}
	return e.state
}

// Penalty returns the trust penalty for an anomaly with the given signal.
// Signals below the first tier are charged the first tier's penalty.
func (e *Engine) Penalty(signal float64) float64 {
	tiers := e.cfg.Tiers
	if math.IsNaN(signal) {
		return tiers[len(tiers)-1].Penalty
	}
	signal = math.Abs(signal)
	for _, tier := range tiers {
		if signal > tier.Lower && signal <= tier.UpperBound() {
			return tier.Penalty
		}
	}
	if signal > tiers[len(tiers)-1].Lower {
		return tiers[len(tiers)-1].Penalty
	}
	return tiers[0].Penalty
}

// ConfidencePenalty maps a confidence in [0,1] onto the tier table: tier
// floor(confidence*len(tiers)), capped at the last tier. NaN is charged the
// last tier.
func (e *Engine) ConfidencePenalty(confidence float64) float64 {
	tiers := e.cfg.Tiers
	if math.IsNaN(confidence) {
		return tiers[len(tiers)-1].Penalty
	}
	idx := int(math.Floor(clamp(confidence, 0, 1) * float64(len(tiers))))
	if idx >= len(tiers) {
		idx = len(tiers) - 1
	}
	return tiers[idx].Penalty
}

// Classify maps a score to a level using inclusive lower bounds
func (e *Engine) Classify(score float64) models.TrustLevel {
	switch {
	case score >= e.cfg.SafeThreshold:
		return models.LevelSafe
	case score >= e.cfg.CautionThreshold:
		return models.LevelCaution
	default:
		return models.LevelDangerous
	}
}

// State returns the current state
func (e *Engine) State() models.TrustState { return e.state }

// Reset restores full trust
func (e *Engine) Reset(at time.Time) {
	e.state = models.TrustState{Score: e.cfg.Ceiling, Level: e.Classify(e.cfg.Ceiling), LastUpdated: at}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
