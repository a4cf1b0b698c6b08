package models

import (
	"strings"
	"time"
)

// Tick is one timestamped price observation for an instrument
type Tick struct {
	Timestamp    time.Time `json:"timestamp"`
	InstrumentID string    `json:"instrument_id"`
	Price        float64   `json:"price"`
}

// Action is a decision proposed by the trading strategy
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Normalize upper-cases and trims an action so "hold" and "HOLD" compare equal
func (a Action) Normalize() Action {
	return Action(strings.ToUpper(strings.TrimSpace(string(a))))
}

// DetectionResult is produced by every detector and by the ensemble
type DetectionResult struct {
	IsAnomaly   bool            `json:"is_anomaly"`
	Confidence  float64         `json:"confidence"`   // 0-1
	SignalValue float64         `json:"signal_value"` // z-score for the statistical detector
	MethodID    string          `json:"method_id"`
	SignalFrom  string          `json:"signal_from,omitempty"` // ensemble only: member the signal came from
	Abstained   bool            `json:"abstained,omitempty"`
	Reason      string          `json:"reason,omitempty"` // insufficient_data, degenerate_distribution, untrained
	Votes       map[string]bool `json:"votes,omitempty"`  // ensemble only
}

// Abstention reasons
const (
	ReasonInsufficientData       = "insufficient_data"
	ReasonDegenerateDistribution = "degenerate_distribution"
	ReasonUntrained              = "untrained"
)

// TrustLevel classifies a trust score
type TrustLevel string

const (
	LevelSafe      TrustLevel = "SAFE"
	LevelCaution   TrustLevel = "CAUTION"
	LevelDangerous TrustLevel = "DANGEROUS"
)

// Valid reports whether l is one of the known levels
func (l TrustLevel) Valid() bool {
	switch l {
	case LevelSafe, LevelCaution, LevelDangerous:
		return true
	}
	return false
}

// TrustState is owned by exactly one instrument's trust engine
type TrustState struct {
	Score       float64    `json:"score"`
	Level       TrustLevel `json:"level"`
	LastUpdated time.Time  `json:"last_updated"`
}

// Verdict is the action actually taken by the protection gate
type Verdict string

const (
	VerdictAllowed            Verdict = "ALLOWED"
	VerdictAllowedWithWarning Verdict = "ALLOWED_WITH_WARNING"
	VerdictBlocked            Verdict = "BLOCKED"
)

// Valid reports whether v is one of the known verdicts
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllowed, VerdictAllowedWithWarning, VerdictBlocked:
		return true
	}
	return false
}

// ProtectionDecision is the gate's answer for a proposed action
type ProtectionDecision struct {
	ActionRequested Action  `json:"action_requested"`
	ActionTaken     Verdict `json:"action_taken"`
	Reason          string  `json:"reason"`
}

// EnrichedTick is emitted after a tick has passed detection, trust and protection
type EnrichedTick struct {
	Tick
	IsAnomaly          bool               `json:"is_anomaly"`
	Confidence         float64            `json:"confidence"`
	SignalValue        float64            `json:"signal_value"`
	Abstained          bool               `json:"abstained,omitempty"` // no detector had an opinion
	Votes              map[string]bool    `json:"votes,omitempty"`
	TrustScore         float64            `json:"trust_score"`
	TrustLevel         TrustLevel         `json:"trust_level"`
	ProtectionDecision ProtectionDecision `json:"protection_decision"`
}

// InstrumentSummary is the per-instrument view consumed by the stability index
type InstrumentSummary struct {
	InstrumentID string     `json:"instrument_id"`
	Ticks        int        `json:"ticks"`
	Anomalies    int        `json:"anomalies"`
	Rejected     int        `json:"rejected"`
	Blocked      int        `json:"blocked"`
	Allowed      int        `json:"allowed"`
	TrustScore   float64    `json:"trust_score"`
	TrustLevel   TrustLevel `json:"trust_level"`
	LastUpdated  time.Time  `json:"last_updated"`
}

// AnomalyRate returns anomalies per processed tick, 0 when nothing was processed
func (s InstrumentSummary) AnomalyRate() float64 {
	if s.Ticks == 0 {
		return 0
	}
	return float64(s.Anomalies) / float64(s.Ticks)
}
