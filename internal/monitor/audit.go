package monitor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Alias1177/Sentinel/internal/telemetry"
	"github.com/Alias1177/Sentinel/models"
)

const defaultAuditQueue = 256

const (
	auditDecision  = "decision"
	auditRejection = "rejection"
)

type auditRecord struct {
	kind     string
	enriched models.EnrichedTick
	tick     models.Tick
	reason   string
}

// auditWriter hands audit records to a single background goroutine so that
// workers never wait on the sink. Records that do not fit in the queue are
// dropped and counted. A nil writer discards everything.
type auditWriter struct {
	sink      AuditSink
	sessionID string
	queue     chan auditRecord
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

func newAuditWriter(sink AuditSink, sessionID string, size int, logger zerolog.Logger, metrics *telemetry.Metrics) *auditWriter {
	if size <= 0 {
		size = defaultAuditQueue
	}
	w := &auditWriter{
		sink:      sink,
		sessionID: sessionID,
		queue:     make(chan auditRecord, size),
		done:      make(chan struct{}),
		logger:    logger,
		metrics:   metrics,
	}
	go w.run()
	return w
}

func (w *auditWriter) run() {
	defer close(w.done)
	// records already accepted are written even if the run was cancelled
	ctx := context.Background()
	for rec := range w.queue {
		var err error
		switch rec.kind {
		case auditDecision:
			err = w.sink.RecordDecision(ctx, w.sessionID, rec.enriched)
		case auditRejection:
			err = w.sink.RecordRejection(ctx, w.sessionID, rec.tick, rec.reason)
		}
		if err != nil {
			w.logger.Error().Err(err).Str("kind", rec.kind).Str("instrument", rec.tick.InstrumentID).Msg("failed to write audit record")
			w.metrics.AuditDropped(rec.kind, "write_failed")
		}
	}
}

func (w *auditWriter) decision(t models.EnrichedTick) {
	w.enqueue(auditRecord{kind: auditDecision, enriched: t, tick: t.Tick})
}

func (w *auditWriter) rejection(t models.Tick, reason string) {
	w.enqueue(auditRecord{kind: auditRejection, tick: t, reason: reason})
}

func (w *auditWriter) enqueue(rec auditRecord) {
	if w == nil {
		return
	}
	select {
	case w.queue <- rec:
	default:
		w.logger.Warn().Str("kind", rec.kind).Str("instrument", rec.tick.InstrumentID).Msg("audit queue full, dropping record")
		w.metrics.AuditDropped(rec.kind, "queue_full")
	}
}

// close stops accepting records and waits until the queue is written out.
// Every producer must have stopped before close is called.
func (w *auditWriter) close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() { close(w.queue) })
	<-w.done
}
