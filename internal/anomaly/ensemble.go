package anomaly

import (
	"fmt"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/models"
)

// MethodEnsemble identifies ensemble results
const MethodEnsemble = "ensemble"

// Ensemble combines member detectors by majority vote. Members that abstain
// are left out of the vote.
type Ensemble struct {
	members  []models.Detector
	tieBreak string
	stats    EnsembleStats
}

// EnsembleStats counts what the ensemble has seen so far
type EnsembleStats struct {
	Detections  int            `json:"total_detections"`
	Anomalies   int            `json:"anomalies_detected"`
	NoOpinion   int            `json:"no_opinion"`
	Abstentions map[string]int `json:"abstentions"`
}

// AnomalyRate returns anomalies per detection
func (s EnsembleStats) AnomalyRate() float64 {
	if s.Detections == 0 {
		return 0
	}
	return float64(s.Anomalies) / float64(s.Detections)
}

// NewEnsemble creates an ensemble over an ordered, non-empty member list
func NewEnsemble(tieBreak string, members ...models.Detector) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: ensemble needs at least one member", config.ErrInvalidConfiguration)
	}
	if tieBreak != config.TieBreakAnomaly && tieBreak != config.TieBreakNormal {
		return nil, fmt.Errorf("%w: unknown tie break %q", config.ErrInvalidConfiguration, tieBreak)
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m == nil {
			return nil, fmt.Errorf("%w: nil ensemble member", config.ErrInvalidConfiguration)
		}
		if seen[m.Name()] {
			return nil, fmt.Errorf("%w: duplicate ensemble member %q", config.ErrInvalidConfiguration, m.Name())
		}
		seen[m.Name()] = true
	}
	return &Ensemble{
		members:  members,
		tieBreak: tieBreak,
		stats:    EnsembleStats{Abstentions: make(map[string]int, len(members))},
	}, nil
}

// NewDefaultEnsemble builds the statistical + learned ensemble for one instrument
func NewDefaultEnsemble(cfg config.DetectionConfig) (*Ensemble, error) {
	stat, err := NewStatisticalDetector(cfg)
	if err != nil {
		return nil, err
	}
	learned, err := NewLearnedDetector(cfg)
	if err != nil {
		return nil, err
	}
	return NewEnsemble(cfg.TieBreak, stat, learned)
}

// Name implements models.Detector
func (e *Ensemble) Name() string { return MethodEnsemble }

// Predict queries every member and applies majority rule to the opinionated ones
func (e *Ensemble) Predict(tick models.Tick) models.DetectionResult {
	results := make([]models.DetectionResult, 0, len(e.members))
	votes := make(map[string]bool, len(e.members))

	var anomalyVotes, normalVotes int
	for _, m := range e.members {
		r := m.Predict(tick)
		if r.Abstained {
			e.stats.Abstentions[m.Name()]++
			continue
		}
		results = append(results, r)
		votes[m.Name()] = r.IsAnomaly
		if r.IsAnomaly {
			anomalyVotes++
		} else {
			normalVotes++
		}
	}

	e.stats.Detections++
	out := models.DetectionResult{MethodID: MethodEnsemble, Votes: votes}
	if len(results) == 0 {
		e.stats.NoOpinion++
		out.Abstained = true
		out.Reason = models.ReasonInsufficientData
		return out
	}

	switch {
	case anomalyVotes > normalVotes:
		out.IsAnomaly = true
	case anomalyVotes == normalVotes:
		out.IsAnomaly = e.tieBreak == config.TieBreakAnomaly
	}
	if out.IsAnomaly {
		e.stats.Anomalies++
	}

	// signal of the first opinionated member, confidence of the winning side
	out.SignalValue = results[0].SignalValue
	out.SignalFrom = results[0].MethodID
	var sum float64
	var n int
	for _, r := range results {
		if r.IsAnomaly == out.IsAnomaly {
			sum += r.Confidence
			n++
		}
	}
	if n > 0 {
		out.Confidence = sum / float64(n)
	}
	return out
}

// Stats returns a copy of the running statistics
func (e *Ensemble) Stats() EnsembleStats {
	s := e.stats
	s.Abstentions = make(map[string]int, len(e.stats.Abstentions))
	for k, v := range e.stats.Abstentions {
		s.Abstentions[k] = v
	}
	return s
}

// Members returns the member detectors in vote order
func (e *Ensemble) Members() []models.Detector {
	return append([]models.Detector(nil), e.members...)
}
