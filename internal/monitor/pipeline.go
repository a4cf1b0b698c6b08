package monitor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/internal/anomaly"
	"github.com/Alias1177/Sentinel/internal/protection"
	"github.com/Alias1177/Sentinel/internal/trust"
	"github.com/Alias1177/Sentinel/models"
)

var (
	// ErrMalformedTick is returned for NaN, infinite or non-positive prices and
	// for ticks without an instrument id.
	ErrMalformedTick = errors.New("malformed tick")
	// ErrOutOfOrderTick is returned for a tick older than the previous one of
	// the same instrument.
	ErrOutOfOrderTick = errors.New("out of order tick")
	// ErrClosed is returned by Run on a monitor that already ran.
	ErrClosed = errors.New("monitor closed")
)

// Pipeline runs detection, trust and protection for one instrument. Ticks are
// processed strictly one after another; a Pipeline must be owned by a single
// goroutine.
type Pipeline struct {
	instrument string
	ensemble   *anomaly.Ensemble
	trust      *trust.Engine
	gate       *protection.Gate
	logger     zerolog.Logger

	last    time.Time
	summary models.InstrumentSummary
}

// NewPipeline builds the detector ensemble, the trust engine and the gate for
// one instrument.
func NewPipeline(instrument string, cfg config.Config, logger zerolog.Logger) (*Pipeline, error) {
	ensemble, err := anomaly.NewDefaultEnsemble(cfg.Detection)
	if err != nil {
		return nil, fmt.Errorf("ensemble: %w", err)
	}
	engine, err := trust.NewEngine(cfg.Trust)
	if err != nil {
		return nil, fmt.Errorf("trust engine: %w", err)
	}
	gate, err := protection.NewGate(cfg.Protection)
	if err != nil {
		return nil, fmt.Errorf("protection gate: %w", err)
	}

	state := engine.State()
	return &Pipeline{
		instrument: instrument,
		ensemble:   ensemble,
		trust:      engine,
		gate:       gate,
		logger:     logger.With().Str("component", "pipeline").Str("instrument", instrument).Logger(),
		summary: models.InstrumentSummary{
			InstrumentID: instrument,
			TrustScore:   state.Score,
			TrustLevel:   state.Level,
		},
	}, nil
}

// Process fully handles one tick. Rejected ticks leave all state except the
// rejection counter untouched.
func (p *Pipeline) Process(tick models.Tick, action models.Action) (models.EnrichedTick, error) {
	if err := p.validate(tick); err != nil {
		p.summary.Rejected++
		p.logger.Warn().Err(err).Float64("price", tick.Price).Time("timestamp", tick.Timestamp).Msg("tick rejected")
		return models.EnrichedTick{}, err
	}

	result := p.ensemble.Predict(tick)
	prev := p.trust.State()
	state := p.trust.Apply(result, tick.Timestamp)
	decision := p.gate.Decide(action, state.Level)

	p.last = tick.Timestamp
	p.record(result, state, decision)

	if result.IsAnomaly {
		p.logger.Debug().
			Float64("price", tick.Price).
			Float64("signal", result.SignalValue).
			Float64("confidence", result.Confidence).
			Float64("trust", state.Score).
			Msg("anomaly detected")
	}
	if prev.Level != state.Level {
		p.logger.Info().
			Str("from", string(prev.Level)).
			Str("to", string(state.Level)).
			Float64("trust", state.Score).
			Msg("trust level changed")
	}

	return models.EnrichedTick{
		Tick:               tick,
		IsAnomaly:          result.IsAnomaly,
		Confidence:         result.Confidence,
		SignalValue:        result.SignalValue,
		Abstained:          result.Abstained,
		Votes:              result.Votes,
		TrustScore:         state.Score,
		TrustLevel:         state.Level,
		ProtectionDecision: decision,
	}, nil
}

// Instrument returns the instrument id
func (p *Pipeline) Instrument() string { return p.instrument }

// Summary returns a copy of the instrument's counters
func (p *Pipeline) Summary() models.InstrumentSummary { return p.summary }

// Trust returns the current trust state
func (p *Pipeline) Trust() models.TrustState { return p.trust.State() }

// DetectorStats returns the ensemble's counters
func (p *Pipeline) DetectorStats() anomaly.EnsembleStats { return p.ensemble.Stats() }

func (p *Pipeline) validate(tick models.Tick) error {
	switch {
	case tick.InstrumentID == "":
		return fmt.Errorf("%w: empty instrument id", ErrMalformedTick)
	case tick.InstrumentID != p.instrument:
		return fmt.Errorf("%w: instrument %q routed to pipeline %q", ErrMalformedTick, tick.InstrumentID, p.instrument)
	case math.IsNaN(tick.Price):
		return fmt.Errorf("%w: price is NaN", ErrMalformedTick)
	case math.IsInf(tick.Price, 0):
		return fmt.Errorf("%w: price is infinite", ErrMalformedTick)
	case tick.Price <= 0:
		return fmt.Errorf("%w: non-positive price %v", ErrMalformedTick, tick.Price)
	case !p.last.IsZero() && tick.Timestamp.Before(p.last):
		return fmt.Errorf("%w: %s is before %s", ErrOutOfOrderTick,
			tick.Timestamp.Format(time.RFC3339Nano), p.last.Format(time.RFC3339Nano))
	}
	return nil
}

func (p *Pipeline) record(result models.DetectionResult, state models.TrustState, decision models.ProtectionDecision) {
	s := &p.summary
	s.Ticks++
	if result.IsAnomaly {
		s.Anomalies++
	}
	switch decision.ActionTaken {
	case models.VerdictBlocked:
		s.Blocked++
	default:
		s.Allowed++
	}
	s.TrustScore = state.Score
	s.TrustLevel = state.Level
	s.LastUpdated = state.LastUpdated
}
