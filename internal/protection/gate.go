package protection

import (
	"fmt"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/models"
)

// Gate turns a trust level into an allow/warn/block verdict for a proposed
// action. It holds no mutable state and is safe for concurrent use.
type Gate struct {
	policy map[models.TrustLevel]models.Verdict
	noop   map[models.Action]struct{}
}

// NewGate builds a gate from the policy table
func NewGate(cfg config.ProtectionConfig) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		policy: make(map[models.TrustLevel]models.Verdict, len(cfg.Policy)),
		noop:   make(map[models.Action]struct{}, len(cfg.NoOpActions)),
	}
	for level, verdict := range cfg.Policy {
		g.policy[models.TrustLevel(level)] = models.Verdict(verdict)
	}
	for _, a := range cfg.NoOpActions {
		g.noop[models.Action(a).Normalize()] = struct{}{}
	}
	return g, nil
}

// Decide returns the verdict for action at the given level. No-op actions are
// always allowed. An unknown level is treated as DANGEROUS.
func (g *Gate) Decide(action models.Action, level models.TrustLevel) models.ProtectionDecision {
	normalized := action.Normalize()
	if _, ok := g.noop[normalized]; ok {
		return models.ProtectionDecision{
			ActionRequested: normalized,
			ActionTaken:     models.VerdictAllowed,
			Reason:          fmt.Sprintf("%s carries no risk", normalized),
		}
	}

	if !level.Valid() {
		level = models.LevelDangerous
	}
	verdict := g.policy[level]
	return models.ProtectionDecision{
		ActionRequested: normalized,
		ActionTaken:     verdict,
		Reason:          reason(verdict, level),
	}
}

// Verdict returns the configured verdict for a level, ignoring no-op actions
func (g *Gate) Verdict(level models.TrustLevel) models.Verdict {
	if !level.Valid() {
		level = models.LevelDangerous
	}
	return g.policy[level]
}

func reason(v models.Verdict, level models.TrustLevel) string {
	switch v {
	case models.VerdictBlocked:
		return fmt.Sprintf("trust level %s: action blocked", level)
	case models.VerdictAllowedWithWarning:
		return fmt.Sprintf("trust level %s: proceed with caution", level)
	default:
		return fmt.Sprintf("trust level %s", level)
	}
}
