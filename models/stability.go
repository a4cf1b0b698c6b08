package models

// MarketState is the four-tier classification of the stability index
type MarketState string

const (
	StateStable         MarketState = "STABLE"
	StateElevatedRisk   MarketState = "ELEVATED RISK"
	StateHighVolatility MarketState = "HIGH VOLATILITY"
	StateSystemicRisk   MarketState = "SYSTEMIC RISK"
)

// RiskLevel is the simplified operational view of MarketState
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// StabilityInputs are the four aggregation inputs after clamping
type StabilityInputs struct {
	AverageTrustScore float64 `json:"average_trust_score"`
	MarketAnomalyRate float64 `json:"market_anomaly_rate"`
	TotalAnomalies    int     `json:"total_anomalies"`
	FeedMismatchRate  float64 `json:"feed_mismatch_rate"`
}

// ComponentBreakdown lists every term of the index for audit
type ComponentBreakdown struct {
	TrustContribution   float64 `json:"trust_contribution"`
	AnomalyRatePenalty  float64 `json:"anomaly_rate_penalty"`
	AnomalyCountPenalty float64 `json:"anomaly_count_penalty"`
	FeedMismatchPenalty float64 `json:"feed_mismatch_penalty"`
	RawMSI              float64 `json:"raw_msi"`
	ClampedMSI          float64 `json:"clamped_msi"`
}

// StabilityReport is recomputed from scratch on every evaluation
type StabilityReport struct {
	MSIScore           float64            `json:"msi_score"`
	MarketState        MarketState        `json:"market_state"`
	RiskLevel          RiskLevel          `json:"risk_level"`
	ComponentBreakdown ComponentBreakdown `json:"component_breakdown"`
	Inputs             StabilityInputs    `json:"inputs_used"`
	SessionID          string             `json:"session_id,omitempty"`
	Instruments        int                `json:"instruments,omitempty"`
}
