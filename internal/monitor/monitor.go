package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/internal/stability"
	"github.com/Alias1177/Sentinel/internal/telemetry"
	"github.com/Alias1177/Sentinel/models"
)

const workerQueue = 16

// Observation is one tick together with the action the strategy proposes for it
type Observation struct {
	Tick   models.Tick
	Action models.Action
}

// AuditSink persists decisions, rejections and reports
type AuditSink interface {
	RecordDecision(ctx context.Context, sessionID string, t models.EnrichedTick) error
	RecordRejection(ctx context.Context, sessionID string, t models.Tick, reason string) error
	RecordReport(ctx context.Context, r models.StabilityReport) error
}

// Alerter is told about trust-level and market-state transitions. Calls must
// not block.
type Alerter interface {
	TrustLevelChanged(instrument string, prev, cur models.TrustState)
	MarketStateChanged(prev, cur models.StabilityReport)
}

// MarketSummary is the market-wide view over all instruments
type MarketSummary struct {
	SessionID         string                     `json:"session_id"`
	Instruments       []models.InstrumentSummary `json:"instruments"`
	TotalTicks        int                        `json:"total_ticks"`
	TotalAnomalies    int                        `json:"total_anomalies"`
	TotalRejected     int                        `json:"total_rejected"`
	AverageTrustScore float64                    `json:"average_trust_score"`
}

// Option configures a Monitor
type Option func(*Monitor)

// WithAudit persists every decision, rejection and report. Decisions and
// rejections are written in the background.
func WithAudit(sink AuditSink) Option {
	return func(m *Monitor) { m.audit = sink }
}

// WithAuditQueue bounds the number of decisions and rejections waiting to be
// written. Records beyond it are dropped.
func WithAuditQueue(size int) Option {
	return func(m *Monitor) { m.auditQueue = size }
}

// WithAlerter reports level and market-state transitions
func WithAlerter(a Alerter) Option {
	return func(m *Monitor) { m.alerter = a }
}

// WithMetrics exports Prometheus metrics
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithFeedMismatchRate sets the feed mismatch rate used for reports produced by Run
func WithFeedMismatchRate(rate float64) Option {
	return func(m *Monitor) { m.feedMismatch = rate }
}

// Monitor runs one pipeline per instrument on its own goroutine. Instrument
// state is never shared between workers; the only shared structure is the
// summary board, which workers publish to after every fully processed tick.
type Monitor struct {
	cfg          config.Config
	base         zerolog.Logger
	logger       zerolog.Logger
	sessionID    string
	aggregator   *stability.Aggregator
	audit        AuditSink
	auditQueue   int
	writer       *auditWriter
	alerter      Alerter
	metrics      *telemetry.Metrics
	feedMismatch float64

	mu        sync.RWMutex
	summaries map[string]models.InstrumentSummary
	orphans   int // rejected ticks without an instrument id

	reportMu   sync.Mutex
	lastReport *models.StabilityReport

	started atomic.Bool
}

// New validates cfg and creates a monitor with a fresh session id
func New(cfg config.Config, logger zerolog.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sessionID := uuid.NewString()
	base := logger.With().Str("session", sessionID).Logger()
	aggregator, err := stability.NewAggregator(cfg.Stability, base)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:        cfg,
		base:       base,
		logger:     base.With().Str("component", "monitor").Logger(),
		sessionID:  sessionID,
		aggregator: aggregator,
		summaries:  make(map[string]models.InstrumentSummary),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SessionID identifies this monitoring session on audit rows and reports
func (m *Monitor) SessionID() string { return m.sessionID }

// Run routes observations to per-instrument workers until in is closed, then
// waits for every worker and returns a report over the final summaries.
// Enriched ticks are written to out when it is not nil.
//
// On cancellation each worker finishes the tick it is processing and stops
// without touching ticks still queued for it; the partially accumulated
// aggregate is discarded and ctx.Err() is returned.
func (m *Monitor) Run(ctx context.Context, in <-chan Observation, out chan<- models.EnrichedTick) (models.StabilityReport, error) {
	if !m.started.CompareAndSwap(false, true) {
		return models.StabilityReport{}, ErrClosed
	}

	if m.audit != nil {
		m.writer = newAuditWriter(m.audit, m.sessionID, m.auditQueue, m.logger, m.metrics)
		defer m.writer.close()
	}

	g, gctx := errgroup.WithContext(ctx)
	workers := make(map[string]chan Observation)

	stop := func() {
		for _, ch := range workers {
			close(ch)
		}
	}

dispatch:
	for {
		select {
		case <-gctx.Done():
			break dispatch
		case obs, ok := <-in:
			if !ok {
				break dispatch
			}
			id := obs.Tick.InstrumentID
			if id == "" {
				m.rejectOrphan(obs.Tick)
				continue
			}
			ch, exists := workers[id]
			if !exists {
				p, err := NewPipeline(id, m.cfg, m.base)
				if err != nil {
					stop()
					_ = g.Wait()
					return models.StabilityReport{}, err
				}
				ch = make(chan Observation, workerQueue)
				workers[id] = ch
				m.publish(p.Summary())
				g.Go(func() error {
					return m.work(gctx, p, ch, out)
				})
			}
			select {
			case ch <- obs:
			case <-gctx.Done():
				break dispatch
			}
		}
	}

	stop()
	err := g.Wait()
	m.writer.close()
	if err != nil {
		return models.StabilityReport{}, err
	}
	if err := ctx.Err(); err != nil {
		m.logger.Warn().Err(err).Msg("monitoring cancelled, aggregate discarded")
		return models.StabilityReport{}, err
	}

	return m.Report(m.feedMismatch), nil
}

func (m *Monitor) work(ctx context.Context, p *Pipeline, in <-chan Observation, out chan<- models.EnrichedTick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case obs, ok := <-in:
			if !ok || ctx.Err() != nil {
				return nil
			}
			enriched, ok := m.handle(p, obs)
			if !ok || out == nil {
				continue
			}
			select {
			case out <- enriched:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// handle processes one observation to completion. Side effects of an
// in-flight tick are not cut short by cancellation.
func (m *Monitor) handle(p *Pipeline, obs Observation) (models.EnrichedTick, bool) {
	prev := p.Trust()

	enriched, err := p.Process(obs.Tick, obs.Action)
	m.publish(p.Summary())
	if err != nil {
		m.metrics.ObserveRejection(p.Instrument(), rejectionReason(err))
		m.writer.rejection(obs.Tick, err.Error())
		return models.EnrichedTick{}, false
	}

	m.metrics.ObserveTick(enriched)
	m.writer.decision(enriched)
	if m.alerter != nil && prev.Level != enriched.TrustLevel {
		m.alerter.TrustLevelChanged(p.Instrument(), prev, p.Trust())
	}
	return enriched, true
}

func (m *Monitor) rejectOrphan(tick models.Tick) {
	err := fmt.Errorf("%w: empty instrument id", ErrMalformedTick)
	m.mu.Lock()
	m.orphans++
	m.mu.Unlock()
	m.logger.Warn().Float64("price", tick.Price).Msg("tick without instrument id rejected")
	m.metrics.ObserveRejection("", rejectionReason(err))
	m.writer.rejection(tick, err.Error())
}

func (m *Monitor) publish(s models.InstrumentSummary) {
	m.mu.Lock()
	m.summaries[s.InstrumentID] = s
	m.mu.Unlock()
}

// Summary returns the latest published summaries. While Run is active each
// instrument may be up to one in-flight tick behind.
func (m *Monitor) Summary() MarketSummary {
	m.mu.RLock()
	list := make([]models.InstrumentSummary, 0, len(m.summaries))
	for _, s := range m.summaries {
		list = append(list, s)
	}
	orphans := m.orphans
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].InstrumentID < list[j].InstrumentID })

	out := MarketSummary{SessionID: m.sessionID, Instruments: list, TotalRejected: orphans}
	var trustSum float64
	for _, s := range list {
		out.TotalTicks += s.Ticks
		out.TotalAnomalies += s.Anomalies
		out.TotalRejected += s.Rejected
		trustSum += s.TrustScore
	}
	if len(list) > 0 {
		out.AverageTrustScore = trustSum / float64(len(list))
	}
	return out
}

// Report computes the stability index over the latest summaries
func (m *Monitor) Report(feedMismatchRate float64) models.StabilityReport {
	summary := m.Summary()
	report := m.aggregator.Compute(stability.FromSummaries(summary.Instruments, feedMismatchRate))
	report.SessionID = m.sessionID
	report.Instruments = len(summary.Instruments)

	m.metrics.ObserveReport(report)
	if m.audit != nil {
		if err := m.audit.RecordReport(context.Background(), report); err != nil {
			m.logger.Error().Err(err).Msg("failed to record stability report")
		}
	}

	m.reportMu.Lock()
	prev := m.lastReport
	m.lastReport = &report
	m.reportMu.Unlock()

	if prev != nil && prev.MarketState != report.MarketState {
		m.logger.Info().
			Str("from", string(prev.MarketState)).
			Str("to", string(report.MarketState)).
			Float64("msi", report.MSIScore).
			Msg("market state changed")
		if m.alerter != nil {
			m.alerter.MarketStateChanged(*prev, report)
		}
	}
	return report
}

func rejectionReason(err error) string {
	if errors.Is(err, ErrOutOfOrderTick) {
		return "out_of_order"
	}
	return "malformed"
}
