package stability

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/models"
)

// Aggregator computes the market stability index. Compute is a pure function
// of its inputs; the aggregator keeps no state between calls.
type Aggregator struct {
	weights    config.StabilityWeights
	thresholds config.StabilityThresholds
	logger     zerolog.Logger
}

// NewAggregator validates the weights and threshold table
func NewAggregator(cfg config.StabilityConfig, logger zerolog.Logger) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		weights:    cfg.Weights,
		thresholds: cfg.Thresholds,
		logger:     logger.With().Str("component", "stability").Logger(),
	}, nil
}

// Compute builds a report from scratch. Out-of-range inputs are clamped and
// logged; the clamped values are echoed on the report.
func (a *Aggregator) Compute(in models.StabilityInputs) models.StabilityReport {
	in = a.sanitize(in)
	breakdown := a.Breakdown(in)
	state, risk := a.Classify(breakdown.ClampedMSI)
	return models.StabilityReport{
		MSIScore:           breakdown.ClampedMSI,
		MarketState:        state,
		RiskLevel:          risk,
		ComponentBreakdown: breakdown,
		Inputs:             in,
	}
}

// Breakdown returns every term of the index for already clamped inputs
func (a *Aggregator) Breakdown(in models.StabilityInputs) models.ComponentBreakdown {
	w := a.weights
	b := models.ComponentBreakdown{
		TrustContribution:   w.Trust * in.AverageTrustScore,
		AnomalyRatePenalty:  w.AnomalyRate * in.MarketAnomalyRate,
		AnomalyCountPenalty: w.AnomalyCount * math.Log1p(float64(in.TotalAnomalies)),
		FeedMismatchPenalty: w.FeedMismatch * in.FeedMismatchRate,
	}
	b.RawMSI = b.TrustContribution - b.AnomalyRatePenalty - b.AnomalyCountPenalty - b.FeedMismatchPenalty
	b.ClampedMSI = math.Max(0, math.Min(100, b.RawMSI))
	return b
}

// Classify maps a score onto the four-tier threshold table
func (a *Aggregator) Classify(msi float64) (models.MarketState, models.RiskLevel) {
	t := a.thresholds
	switch {
	case msi >= t.Stable:
		return models.StateStable, models.RiskLow
	case msi >= t.Elevated:
		return models.StateElevatedRisk, models.RiskMedium
	case msi >= t.HighVolatility:
		return models.StateHighVolatility, models.RiskHigh
	default:
		return models.StateSystemicRisk, models.RiskCritical
	}
}

// FromSummaries derives the index inputs from per-instrument summaries.
// Instruments that have not processed a tick yet still count at their
// current trust score.
func FromSummaries(summaries []models.InstrumentSummary, feedMismatchRate float64) models.StabilityInputs {
	in := models.StabilityInputs{FeedMismatchRate: feedMismatchRate}
	if len(summaries) == 0 {
		return in
	}
	var trust float64
	var ticks int
	for _, s := range summaries {
		trust += s.TrustScore
		ticks += s.Ticks
		in.TotalAnomalies += s.Anomalies
	}
	in.AverageTrustScore = trust / float64(len(summaries))
	if ticks > 0 {
		in.MarketAnomalyRate = float64(in.TotalAnomalies) / float64(ticks)
	}
	return in
}

func (a *Aggregator) sanitize(in models.StabilityInputs) models.StabilityInputs {
	in.AverageTrustScore = a.clampFloat("average_trust_score", in.AverageTrustScore, 0, 100)
	in.MarketAnomalyRate = a.clampFloat("market_anomaly_rate", in.MarketAnomalyRate, 0, 1)
	in.FeedMismatchRate = a.clampFloat("feed_mismatch_rate", in.FeedMismatchRate, 0, 1)
	if in.TotalAnomalies < 0 {
		a.logger.Warn().Int("value", in.TotalAnomalies).Msg("total_anomalies is negative, clamped to 0")
		in.TotalAnomalies = 0
	}
	return in
}

func (a *Aggregator) clampFloat(name string, v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		a.logger.Warn().Str("input", name).Msg("NaN input replaced with 0")
		return 0
	case v < lo:
		a.logger.Warn().Str("input", name).Float64("value", v).Float64("clamped", lo).Msg("input below range")
		return lo
	case v > hi:
		a.logger.Warn().Str("input", name).Float64("value", v).Float64("clamped", hi).Msg("input above range")
		return hi
	}
	return v
}
