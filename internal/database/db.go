package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"

	"github.com/Alias1177/Sentinel/models"
)

// DB represents a database connection used as the audit sink
type DB struct {
	*sql.DB
}

// New opens a PostgreSQL connection, retrying the initial ping until
// connectTimeout elapses, and creates the audit tables.
func New(ctx context.Context, dsn string, connectTimeout time.Duration) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = connectTimeout
	if err := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &DB{db}, nil
}

// NewFromDB wraps an existing handle and makes sure the tables exist
func NewFromDB(ctx context.Context, db *sql.DB) (*DB, error) {
	if err := createTables(ctx, db); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db}, nil
}

// createTables creates the necessary tables if they don't exist
func createTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			tick_time TIMESTAMPTZ NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			is_anomaly BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			signal_value DOUBLE PRECISION NOT NULL,
			votes JSONB,
			trust_score DOUBLE PRECISION NOT NULL,
			trust_level TEXT NOT NULL,
			action_requested TEXT NOT NULL,
			action_taken TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS stability_reports (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			msi_score DOUBLE PRECISION NOT NULL,
			market_state TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			breakdown JSONB NOT NULL,
			inputs JSONB NOT NULL,
			instruments INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS rejected_ticks (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			tick_time TIMESTAMPTZ,
			price DOUBLE PRECISION,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordDecision stores one enriched tick
func (db *DB) RecordDecision(ctx context.Context, sessionID string, t models.EnrichedTick) error {
	votes, err := json.Marshal(t.Votes)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO decisions (
			session_id, instrument_id, tick_time, price, is_anomaly, confidence, signal_value,
			votes, trust_score, trust_level, action_requested, action_taken, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		sessionID, t.InstrumentID, t.Timestamp, t.Price, t.IsAnomaly, t.Confidence, t.SignalValue,
		string(votes), t.TrustScore, string(t.TrustLevel),
		string(t.ProtectionDecision.ActionRequested), string(t.ProtectionDecision.ActionTaken),
		t.ProtectionDecision.Reason)

	return err
}

// RecordReport stores a stability report with its breakdown and inputs
func (db *DB) RecordReport(ctx context.Context, r models.StabilityReport) error {
	breakdown, err := json.Marshal(r.ComponentBreakdown)
	if err != nil {
		return err
	}
	inputs, err := json.Marshal(r.Inputs)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO stability_reports (
			session_id, msi_score, market_state, risk_level, breakdown, inputs, instruments
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.SessionID, r.MSIScore, string(r.MarketState), string(r.RiskLevel),
		string(breakdown), string(inputs), r.Instruments)

	return err
}

// RecordRejection stores a tick that never reached detection. NaN and Inf
// prices are stored as NULL.
func (db *DB) RecordRejection(ctx context.Context, sessionID string, t models.Tick, reason string) error {
	var price sql.NullFloat64
	if finite(t.Price) {
		price = sql.NullFloat64{Float64: t.Price, Valid: true}
	}
	var at sql.NullTime
	if !t.Timestamp.IsZero() {
		at = sql.NullTime{Time: t.Timestamp, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO rejected_ticks (session_id, instrument_id, tick_time, price, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, sessionID, t.InstrumentID, at, price, reason)

	return err
}

// LatestReport returns the most recent report of a session, or nil if none
func (db *DB) LatestReport(ctx context.Context, sessionID string) (*models.StabilityReport, error) {
	var r models.StabilityReport
	var breakdown, inputs []byte
	var state, risk string

	err := db.QueryRowContext(ctx, `
		SELECT session_id, msi_score, market_state, risk_level, breakdown, inputs, instruments
		FROM stability_reports
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, sessionID).Scan(&r.SessionID, &r.MSIScore, &state, &risk, &breakdown, &inputs, &r.Instruments)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	r.MarketState = models.MarketState(state)
	r.RiskLevel = models.RiskLevel(risk)
	if err := json.Unmarshal(breakdown, &r.ComponentBreakdown); err != nil {
		return nil, fmt.Errorf("decode breakdown: %w", err)
	}
	if err := json.Unmarshal(inputs, &r.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	return &r, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
