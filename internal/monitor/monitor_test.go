package monitor

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/internal/telemetry"
	"github.com/Alias1177/Sentinel/models"
)

type memoryAudit struct {
	mu         sync.Mutex
	decisions  []models.EnrichedTick
	rejections []string
	reports    []models.StabilityReport
}

func (a *memoryAudit) RecordDecision(_ context.Context, _ string, t models.EnrichedTick) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, t)
	return nil
}

func (a *memoryAudit) RecordRejection(_ context.Context, _ string, _ models.Tick, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejections = append(a.rejections, reason)
	return nil
}

func (a *memoryAudit) RecordReport(_ context.Context, r models.StabilityReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return nil
}

type transition struct {
	instrument string
	from, to   string
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []transition
}

func (r *recordingAlerter) TrustLevelChanged(instrument string, prev, cur models.TrustState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, transition{instrument, string(prev.Level), string(cur.Level)})
}

func (r *recordingAlerter) MarketStateChanged(prev, cur models.StabilityReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, transition{"market", string(prev.MarketState), string(cur.MarketState)})
}

// feed interleaves a jittered series for every instrument; spikeAt maps an
// instrument to the index that gets a 115.0 print.
func feed(instruments []string, n int, spikeAt map[string]int) []Observation {
	var obs []Observation
	for i := 0; i < n; i++ {
		for _, id := range instruments {
			price := jitter(i)
			if idx, ok := spikeAt[id]; ok && idx == i {
				price = 115
			}
			obs = append(obs, Observation{Tick: tickAt(id, i, price), Action: models.ActionBuy})
		}
	}
	return obs
}

func runAll(t *testing.T, m *Monitor, obs []Observation) (models.StabilityReport, []models.EnrichedTick) {
	t.Helper()
	in := make(chan Observation)
	out := make(chan models.EnrichedTick, len(obs))

	go func() {
		defer close(in)
		for _, o := range obs {
			in <- o
		}
	}()

	report, err := m.Run(context.Background(), in, out)
	require.NoError(t, err)
	close(out)

	var ticks []models.EnrichedTick
	for et := range out {
		ticks = append(ticks, et)
	}
	return report, ticks
}

func TestRunPerfectTrustReport(t *testing.T) {
	m, err := New(config.Default(), zerolog.Nop())
	require.NoError(t, err)

	report, ticks := runAll(t, m, feed([]string{"EUR/USD", "GBP/USD"}, 30, nil))

	assert.Len(t, ticks, 60)
	assert.InDelta(t, 65.0, report.MSIScore, 1e-9)
	assert.Equal(t, models.StateElevatedRisk, report.MarketState)
	assert.Equal(t, 2, report.Instruments)
	assert.Equal(t, m.SessionID(), report.SessionID)

	summary := m.Summary()
	require.Len(t, summary.Instruments, 2)
	assert.Equal(t, "EUR/USD", summary.Instruments[0].InstrumentID)
	assert.Equal(t, 60, summary.TotalTicks)
	assert.Equal(t, 100.0, summary.AverageTrustScore)
}

func TestRunSpikeOnOneInstrument(t *testing.T) {
	audit := &memoryAudit{}
	alerter := &recordingAlerter{}
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	m, err := New(config.Default(), zerolog.Nop(), WithAudit(audit), WithAlerter(alerter), WithMetrics(metrics))
	require.NoError(t, err)

	report, _ := runAll(t, m, feed([]string{"EUR/USD", "GBP/USD"}, 30, map[string]int{"EUR/USD": 29}))

	// EUR/USD at 40, GBP/USD at 100, one anomaly in 60 ticks
	want := 0.65*70 - 25.0/60 - 4*math.Log(2)
	assert.InDelta(t, want, report.MSIScore, 1e-9)
	assert.Equal(t, models.StateHighVolatility, report.MarketState)
	assert.Equal(t, 1, report.Inputs.TotalAnomalies)

	assert.Len(t, audit.decisions, 60)
	assert.Len(t, audit.reports, 1)
	assert.Equal(t, []transition{{"EUR/USD", "SAFE", "DANGEROUS"}}, alerter.events)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Anomalies.WithLabelValues("EUR/USD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Decisions.WithLabelValues("BLOCKED")))
	assert.Equal(t, 40.0, testutil.ToFloat64(metrics.TrustScore.WithLabelValues("EUR/USD")))
}

func TestRunRejectsMalformedTicksAndContinues(t *testing.T) {
	audit := &memoryAudit{}
	m, err := New(config.Default(), zerolog.Nop(), WithAudit(audit))
	require.NoError(t, err)

	obs := []Observation{
		{Tick: tickAt("EUR/USD", 0, 100)},
		{Tick: tickAt("EUR/USD", 1, math.NaN())},
		{Tick: tickAt("", 2, 100)},
		{Tick: tickAt("EUR/USD", 3, 100.1)},
		{Tick: tickAt("EUR/USD", 1, 100)},
	}
	_, ticks := runAll(t, m, obs)

	assert.Len(t, ticks, 2)
	summary := m.Summary()
	assert.Equal(t, 3, summary.TotalRejected)
	assert.Equal(t, 2, summary.TotalTicks)
	assert.Len(t, audit.rejections, 3)
	assert.Contains(t, audit.rejections, "malformed tick: empty instrument id")
}

func TestRunCancellationDiscardsAggregate(t *testing.T) {
	audit := &memoryAudit{}
	m, err := New(config.Default(), zerolog.Nop(), WithAudit(audit))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Observation)
	out := make(chan models.EnrichedTick)

	done := make(chan error, 1)
	go func() {
		_, err := m.Run(ctx, in, out)
		done <- err
	}()

	in <- Observation{Tick: tickAt("EUR/USD", 0, 100), Action: models.ActionBuy}
	<-out // the first tick was fully processed
	cancel()

	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, audit.reports)
	assert.Len(t, audit.decisions, 1)
}

func TestWorkerStopsBeforeQueuedTicksAfterCancel(t *testing.T) {
	audit := &memoryAudit{}
	m, err := New(config.Default(), zerolog.Nop(), WithAudit(audit))
	require.NoError(t, err)
	m.writer = newAuditWriter(audit, m.SessionID(), 0, m.logger, nil)

	p, err := NewPipeline("EUR/USD", m.cfg, m.base)
	require.NoError(t, err)
	queued := make(chan Observation, workerQueue)
	for i := 0; i < 5; i++ {
		queued <- Observation{Tick: tickAt("EUR/USD", i, 100), Action: models.ActionBuy}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.work(ctx, p, queued, nil))
	m.writer.close()

	assert.Zero(t, p.Summary().Ticks)
	assert.Empty(t, audit.decisions)
}

// gatedAudit blocks every write until release is closed
type gatedAudit struct {
	memoryAudit
	release chan struct{}
}

func (a *gatedAudit) RecordDecision(ctx context.Context, session string, t models.EnrichedTick) error {
	<-a.release
	return a.memoryAudit.RecordDecision(ctx, session, t)
}

func TestSlowAuditSinkDoesNotBlockWorkers(t *testing.T) {
	audit := &gatedAudit{release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	m, err := New(config.Default(), zerolog.Nop(), WithAudit(audit), WithAuditQueue(1), WithMetrics(metrics))
	require.NoError(t, err)

	obs := feed([]string{"EUR/USD"}, 30, nil)
	in := make(chan Observation, len(obs))
	for _, o := range obs {
		in <- o
	}
	close(in)
	out := make(chan models.EnrichedTick, len(obs))

	done := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background(), in, out)
		done <- err
	}()

	// every tick gets through while the sink is stuck on the first write
	for range obs {
		<-out
	}
	close(audit.release)
	require.NoError(t, <-done)

	dropped := testutil.ToFloat64(metrics.AuditsDropped.WithLabelValues("decision", "queue_full"))
	assert.GreaterOrEqual(t, dropped, 28.0)
	assert.Equal(t, len(obs), len(audit.decisions)+int(dropped))
	assert.Len(t, audit.reports, 1)
}

func TestRunTwiceFails(t *testing.T) {
	m, err := New(config.Default(), zerolog.Nop())
	require.NoError(t, err)

	in := make(chan Observation)
	close(in)
	_, err = m.Run(context.Background(), in, nil)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), in, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReportAlertsOnMarketStateChange(t *testing.T) {
	alerter := &recordingAlerter{}
	m, err := New(config.Default(), zerolog.Nop(), WithAlerter(alerter))
	require.NoError(t, err)

	runAll(t, m, feed([]string{"EUR/USD"}, 25, nil))

	r := m.Report(1)
	assert.InDelta(t, 35.0, r.MSIScore, 1e-9)
	assert.Equal(t, models.StateSystemicRisk, r.MarketState)
	assert.Equal(t, []transition{{"market", "ELEVATED RISK", "SYSTEMIC RISK"}}, alerter.events)

	// identical inputs, identical report and no new alert
	assert.Equal(t, r, m.Report(1))
	assert.Len(t, alerter.events, 1)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Stability.Weights.Trust = -1
	_, err := New(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}
