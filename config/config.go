package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfiguration is wrapped by every validation failure
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Tie-break policies for an even ensemble vote
const (
	TieBreakAnomaly = "anomaly"
	TieBreakNormal  = "normal"
)

// Config holds all engine configuration. Treat it as read-only once validated.
type Config struct {
	Detection   DetectionConfig  `yaml:"detection"`
	Trust       TrustConfig      `yaml:"trust"`
	Protection  ProtectionConfig `yaml:"protection"`
	Stability   StabilityConfig  `yaml:"stability"`
	Database    DatabaseConfig   `yaml:"database"`
	Telegram    TelegramConfig   `yaml:"telegram"`
	MetricsAddr string           `yaml:"metrics_addr"`
	LogLevel    string           `yaml:"log_level"`
}

// DetectionConfig configures the statistical and learned detectors
type DetectionConfig struct {
	WindowSize         int     `yaml:"window_size"`
	ZThreshold         float64 `yaml:"z_threshold"`
	MinRelativeStd     float64 `yaml:"min_relative_std"`
	Contamination      float64 `yaml:"contamination"`
	MinTrainingSamples int     `yaml:"min_training_samples"`
	RetrainInterval    int     `yaml:"retrain_interval"`
	MaxHistory         int     `yaml:"max_history"`
	Trees              int     `yaml:"trees"`
	SubsampleSize      int     `yaml:"subsample_size"`
	Seed               int64   `yaml:"seed"`
	TieBreak           string  `yaml:"tie_break"`
}

// SeverityTier charges Penalty for signals in (Lower, Upper]
type SeverityTier struct {
	Lower   float64 `yaml:"lower"`
	Upper   float64 `yaml:"upper"` // 0 on the last tier means unbounded
	Penalty float64 `yaml:"penalty"`
}

// TrustConfig configures the per-instrument trust engine
type TrustConfig struct {
	Ceiling          float64        `yaml:"ceiling"`
	RecoveryRate     float64        `yaml:"recovery_rate"`
	SafeThreshold    float64        `yaml:"safe_threshold"`
	CautionThreshold float64        `yaml:"caution_threshold"`
	Tiers            []SeverityTier `yaml:"tiers"`
}

// ProtectionConfig maps trust levels to verdicts
type ProtectionConfig struct {
	Policy      map[string]string `yaml:"policy"`
	NoOpActions []string          `yaml:"noop_actions"`
}

// StabilityWeights are the coefficients of the stability index
type StabilityWeights struct {
	Trust        float64 `yaml:"trust"`
	AnomalyRate  float64 `yaml:"anomaly_rate"`
	AnomalyCount float64 `yaml:"anomaly_count"`
	FeedMismatch float64 `yaml:"feed_mismatch"`
}

// StabilityThresholds are inclusive lower bounds of the upper three market states
type StabilityThresholds struct {
	Stable         float64 `yaml:"stable"`
	Elevated       float64 `yaml:"elevated"`
	HighVolatility float64 `yaml:"high_volatility"`
}

// StabilityConfig configures the stability index aggregator
type StabilityConfig struct {
	Weights    StabilityWeights    `yaml:"weights"`
	Thresholds StabilityThresholds `yaml:"thresholds"`
}

// DatabaseConfig configures the audit sink. Empty DSN disables it.
type DatabaseConfig struct {
	DSN            string        `yaml:"dsn"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TelegramConfig configures alerts. Empty BotToken disables them.
type TelegramConfig struct {
	BotToken           string `yaml:"bot_token"`
	ChatID             int64  `yaml:"chat_id"`
	MaxAlertsPerMinute int    `yaml:"max_alerts_per_minute"`
}

// Default returns the documented defaults
func Default() Config {
	return Config{
		Detection: DetectionConfig{
			WindowSize:         20,
			ZThreshold:         3,
			Contamination:      0.1,
			MinTrainingSamples: 20,
			RetrainInterval:    50,
			MaxHistory:         500,
			Trees:              100,
			SubsampleSize:      256,
			Seed:               42,
			TieBreak:           TieBreakNormal,
		},
		Trust: TrustConfig{
			Ceiling:          100,
			RecoveryRate:     2,
			SafeThreshold:    80,
			CautionThreshold: 50,
			Tiers: []SeverityTier{
				{Lower: 3, Upper: 5, Penalty: 20},
				{Lower: 5, Upper: 8, Penalty: 40},
				{Lower: 8, Penalty: 60},
			},
		},
		Protection: ProtectionConfig{
			Policy: map[string]string{
				"SAFE":      "ALLOWED",
				"CAUTION":   "ALLOWED_WITH_WARNING",
				"DANGEROUS": "BLOCKED",
			},
			NoOpActions: []string{"HOLD"},
		},
		Stability: StabilityConfig{
			Weights: StabilityWeights{
				Trust:        0.65,
				AnomalyRate:  25,
				AnomalyCount: 4,
				FeedMismatch: 30,
			},
			Thresholds: StabilityThresholds{
				Stable:         80,
				Elevated:       60,
				HighVolatility: 40,
			},
		},
		Database: DatabaseConfig{ConnectTimeout: 30 * time.Second},
		Telegram: TelegramConfig{MaxAlertsPerMinute: 20},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then environment variables, then validation.
func Load(path string) (*Config, error) {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Detection.WindowSize = getEnvIntWithDefault("SENTINEL_WINDOW_SIZE", cfg.Detection.WindowSize)
	cfg.Detection.ZThreshold = getEnvFloatWithDefault("SENTINEL_Z_THRESHOLD", cfg.Detection.ZThreshold)
	cfg.Detection.Contamination = getEnvFloatWithDefault("SENTINEL_CONTAMINATION", cfg.Detection.Contamination)
	cfg.Detection.MinTrainingSamples = getEnvIntWithDefault("SENTINEL_MIN_TRAINING_SAMPLES", cfg.Detection.MinTrainingSamples)
	cfg.Detection.TieBreak = getEnvWithDefault("SENTINEL_TIE_BREAK", cfg.Detection.TieBreak)
	cfg.Trust.RecoveryRate = getEnvFloatWithDefault("SENTINEL_RECOVERY_RATE", cfg.Trust.RecoveryRate)
	cfg.Trust.Ceiling = getEnvFloatWithDefault("SENTINEL_TRUST_CEILING", cfg.Trust.Ceiling)
	cfg.Trust.SafeThreshold = getEnvFloatWithDefault("SENTINEL_SAFE_THRESHOLD", cfg.Trust.SafeThreshold)
	cfg.Trust.CautionThreshold = getEnvFloatWithDefault("SENTINEL_CAUTION_THRESHOLD", cfg.Trust.CautionThreshold)
	cfg.Database.DSN = getEnvWithDefault("DATABASE_URL", cfg.Database.DSN)
	cfg.Telegram.BotToken = getEnvWithDefault("TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.ChatID = int64(getEnvIntWithDefault("TELEGRAM_CHAT_ID", int(cfg.Telegram.ChatID)))
	cfg.MetricsAddr = getEnvWithDefault("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnvWithDefault("LOG_LEVEL", cfg.LogLevel)
}

// Validate checks every section and returns the first problem found
func (c Config) Validate() error {
	if err := c.Detection.Validate(); err != nil {
		return err
	}
	if err := c.Trust.Validate(); err != nil {
		return err
	}
	if err := c.Protection.Validate(); err != nil {
		return err
	}
	return c.Stability.Validate()
}

// Validate checks detector parameters
func (d DetectionConfig) Validate() error {
	switch {
	case d.WindowSize < 2:
		return invalid("detection.window_size must be >= 2, got %d", d.WindowSize)
	case !(d.ZThreshold > 0):
		return invalid("detection.z_threshold must be > 0, got %v", d.ZThreshold)
	case d.MinRelativeStd < 0 || math.IsNaN(d.MinRelativeStd):
		return invalid("detection.min_relative_std must be >= 0, got %v", d.MinRelativeStd)
	case !(d.Contamination > 0 && d.Contamination <= 0.5):
		return invalid("detection.contamination must be in (0, 0.5], got %v", d.Contamination)
	case d.MinTrainingSamples < 2:
		return invalid("detection.min_training_samples must be >= 2, got %d", d.MinTrainingSamples)
	case d.RetrainInterval < 1:
		return invalid("detection.retrain_interval must be >= 1, got %d", d.RetrainInterval)
	case d.MaxHistory < d.MinTrainingSamples:
		return invalid("detection.max_history (%d) must be >= min_training_samples (%d)", d.MaxHistory, d.MinTrainingSamples)
	case d.Trees < 1:
		return invalid("detection.trees must be >= 1, got %d", d.Trees)
	case d.SubsampleSize < 2:
		return invalid("detection.subsample_size must be >= 2, got %d", d.SubsampleSize)
	case d.TieBreak != TieBreakAnomaly && d.TieBreak != TieBreakNormal:
		return invalid("detection.tie_break must be %q or %q, got %q", TieBreakAnomaly, TieBreakNormal, d.TieBreak)
	}
	return nil
}

// Validate checks the trust thresholds and the severity tier table
func (t TrustConfig) Validate() error {
	switch {
	case !(t.Ceiling > 0 && t.Ceiling <= 100):
		return invalid("trust.ceiling must be in (0, 100], got %v", t.Ceiling)
	case t.RecoveryRate < 0 || math.IsNaN(t.RecoveryRate):
		return invalid("trust.recovery_rate must be >= 0, got %v", t.RecoveryRate)
	case !(t.SafeThreshold > t.CautionThreshold):
		return invalid("trust.safe_threshold (%v) must be greater than caution_threshold (%v)", t.SafeThreshold, t.CautionThreshold)
	case t.CautionThreshold < 0 || t.SafeThreshold > t.Ceiling:
		return invalid("trust thresholds must lie within [0, %v]", t.Ceiling)
	}
	return ValidateTiers(t.Tiers)
}

// ValidateTiers requires a non-empty, contiguous table with strictly increasing penalties
func ValidateTiers(tiers []SeverityTier) error {
	if len(tiers) == 0 {
		return invalid("trust.tiers must not be empty")
	}
	for i, tier := range tiers {
		last := i == len(tiers)-1
		if tier.Lower < 0 || math.IsNaN(tier.Lower) {
			return invalid("trust.tiers[%d].lower must be >= 0, got %v", i, tier.Lower)
		}
		if !last && !(tier.Upper > tier.Lower) {
			return invalid("trust.tiers[%d] upper (%v) must be greater than lower (%v)", i, tier.Upper, tier.Lower)
		}
		if last && tier.Upper != 0 && !math.IsInf(tier.Upper, 1) && !(tier.Upper > tier.Lower) {
			return invalid("trust.tiers[%d] upper (%v) must be greater than lower (%v)", i, tier.Upper, tier.Lower)
		}
		if !(tier.Penalty > 0) {
			return invalid("trust.tiers[%d].penalty must be > 0, got %v", i, tier.Penalty)
		}
		if i > 0 {
			prev := tiers[i-1]
			if tier.Lower != prev.Upper {
				return invalid("trust.tiers[%d] lower (%v) must equal tiers[%d] upper (%v)", i, tier.Lower, i-1, prev.Upper)
			}
			if !(tier.Penalty > prev.Penalty) {
				return invalid("trust.tiers penalties must strictly increase with severity (tier %d)", i)
			}
		}
	}
	return nil
}

// UpperBound returns the tier's upper bound with the open-ended last tier as +Inf
func (s SeverityTier) UpperBound() float64 {
	if s.Upper == 0 {
		return math.Inf(1)
	}
	return s.Upper
}

// Validate checks that every level maps to a known verdict
func (p ProtectionConfig) Validate() error {
	for _, level := range []string{"SAFE", "CAUTION", "DANGEROUS"} {
		verdict, ok := p.Policy[level]
		if !ok {
			return invalid("protection.policy is missing level %s", level)
		}
		switch verdict {
		case "ALLOWED", "ALLOWED_WITH_WARNING", "BLOCKED":
		default:
			return invalid("protection.policy[%s] has unknown verdict %q", level, verdict)
		}
	}
	for level := range p.Policy {
		switch level {
		case "SAFE", "CAUTION", "DANGEROUS":
		default:
			return invalid("protection.policy has unknown level %q", level)
		}
	}
	return nil
}

// Validate checks weights and the market-state threshold table
func (s StabilityConfig) Validate() error {
	w := s.Weights
	for name, v := range map[string]float64{
		"trust":         w.Trust,
		"anomaly_rate":  w.AnomalyRate,
		"anomaly_count": w.AnomalyCount,
		"feed_mismatch": w.FeedMismatch,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("stability.weights.%s must be finite and non-negative, got %v", name, v)
		}
	}
	t := s.Thresholds
	if !(t.Stable <= 100 && t.Stable > t.Elevated && t.Elevated > t.HighVolatility && t.HighVolatility >= 0) {
		return invalid("stability.thresholds must satisfy 100 >= stable > elevated > high_volatility >= 0, got %+v", t)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-integer environment value")
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-numeric environment value")
	}
	return defaultValue
}
