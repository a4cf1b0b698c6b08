package performance

import (
	"sync"

	"github.com/Alias1177/Sentinel/models"
)

// ConfusionMatrix counts predictions against ground truth
type ConfusionMatrix struct {
	TruePositives  int `json:"tp"`
	FalsePositives int `json:"fp"`
	TrueNegatives  int `json:"tn"`
	FalseNegatives int `json:"fn"`
}

// Total returns the number of recorded pairs
func (m ConfusionMatrix) Total() int {
	return m.TruePositives + m.FalsePositives + m.TrueNegatives + m.FalseNegatives
}

// Metrics are derived from a confusion matrix. Every ratio with a zero
// denominator is reported as 0.
type Metrics struct {
	ConfusionMatrix
	Skipped     int     `json:"skipped"`
	Accuracy    float64 `json:"accuracy"`
	Precision   float64 `json:"precision"`
	Recall      float64 `json:"recall"`
	F1          float64 `json:"f1"`
	Specificity float64 `json:"specificity"`
}

// Tracker accumulates (predicted, actual) pairs. It is used only when labels
// are available and is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	matrix  ConfusionMatrix
	skipped int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record adds one labelled prediction
func (t *Tracker) Record(predicted, actual bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case predicted && actual:
		t.matrix.TruePositives++
	case predicted && !actual:
		t.matrix.FalsePositives++
	case !predicted && actual:
		t.matrix.FalseNegatives++
	default:
		t.matrix.TrueNegatives++
	}
}

// Observe records a detection result against its label. Abstentions carry no
// opinion and are counted as skipped instead.
func (t *Tracker) Observe(result models.DetectionResult, actual bool) {
	if result.Abstained {
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		return
	}
	t.Record(result.IsAnomaly, actual)
}

// ObserveTick records an enriched tick against its label
func (t *Tracker) ObserveTick(tick models.EnrichedTick, actual bool) {
	t.Observe(models.DetectionResult{IsAnomaly: tick.IsAnomaly, Abstained: tick.Abstained}, actual)
}

// Matrix returns a copy of the confusion matrix
func (t *Tracker) Matrix() ConfusionMatrix {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matrix
}

// Metrics computes all ratios from the current counts
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	m, skipped := t.matrix, t.skipped
	t.mu.Unlock()
	return Calculate(m, skipped)
}

// Reset clears all counts
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.matrix = ConfusionMatrix{}
	t.skipped = 0
}

// Calculate derives the metrics from a matrix
func Calculate(m ConfusionMatrix, skipped int) Metrics {
	out := Metrics{ConfusionMatrix: m, Skipped: skipped}
	out.Accuracy = ratio(m.TruePositives+m.TrueNegatives, m.Total())
	out.Precision = ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	out.Recall = ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	out.Specificity = ratio(m.TrueNegatives, m.TrueNegatives+m.FalsePositives)
	if out.Precision+out.Recall > 0 {
		out.F1 = 2 * out.Precision * out.Recall / (out.Precision + out.Recall)
	}
	return out
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
