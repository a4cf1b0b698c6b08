package anomaly

import (
	"math"
	"math/rand"
	"sort"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/models"
)

// MethodIsolationForest identifies the learned detector in votes
const MethodIsolationForest = "isolation_forest"

// LearnedDetector scores each observation with an isolation forest trained on a
// bounded rolling history of (price, percent change) rows. It abstains until
// MinTrainingSamples observations were seen and retrains every RetrainInterval
// observations after that.
type LearnedDetector struct {
	cfg config.DetectionConfig
	rng *rand.Rand

	history    [][]float64
	lastPrice  float64
	hasLast    bool
	sinceTrain int

	forest      *isolationForest
	trainScores []float64 // sorted ascending
	threshold   float64
	retrains    int
}

// LearnedStats describes the detector's training state
type LearnedStats struct {
	Trained       bool    `json:"trained"`
	Samples       int     `json:"samples"`
	Retrains      int     `json:"retrains"`
	Threshold     float64 `json:"threshold"`
	Contamination float64 `json:"contamination"`
	Trees         int     `json:"trees"`
}

// NewLearnedDetector creates an untrained detector
func NewLearnedDetector(cfg config.DetectionConfig) (*LearnedDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LearnedDetector{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		history: make([][]float64, 0, cfg.MaxHistory),
	}, nil
}

// Name implements models.Detector
func (d *LearnedDetector) Name() string { return MethodIsolationForest }

// Predict scores the tick with the current model, then adds it to the history
func (d *LearnedDetector) Predict(tick models.Tick) models.DetectionResult {
	row := d.features(tick.Price)
	result := d.score(row)
	d.observe(row, tick.Price)
	return result
}

// Trained reports whether a model is available
func (d *LearnedDetector) Trained() bool { return d.forest != nil }

// Stats returns a snapshot of the training state
func (d *LearnedDetector) Stats() LearnedStats {
	return LearnedStats{
		Trained:       d.Trained(),
		Samples:       len(d.history),
		Retrains:      d.retrains,
		Threshold:     d.threshold,
		Contamination: d.cfg.Contamination,
		Trees:         d.cfg.Trees,
	}
}

func (d *LearnedDetector) features(price float64) []float64 {
	change := 0.0
	if d.hasLast && d.lastPrice != 0 {
		change = (price - d.lastPrice) / d.lastPrice
	}
	return []float64{price, change}
}

func (d *LearnedDetector) score(row []float64) models.DetectionResult {
	result := models.DetectionResult{MethodID: MethodIsolationForest}
	if d.forest == nil {
		result.Abstained = true
		result.Reason = models.ReasonUntrained
		return result
	}

	s := d.forest.score(row)
	result.SignalValue = s
	result.IsAnomaly = s > d.threshold
	// share of training scores at or below s
	rank := sort.Search(len(d.trainScores), func(i int) bool { return d.trainScores[i] > s })
	result.Confidence = float64(rank) / float64(len(d.trainScores))
	return result
}

func (d *LearnedDetector) observe(row []float64, price float64) {
	d.history = append(d.history, row)
	if len(d.history) > d.cfg.MaxHistory {
		d.history = d.history[len(d.history)-d.cfg.MaxHistory:]
	}
	d.lastPrice = price
	d.hasLast = true
	d.sinceTrain++

	switch {
	case d.forest == nil && len(d.history) >= d.cfg.MinTrainingSamples:
		d.train()
	case d.forest != nil && d.sinceTrain >= d.cfg.RetrainInterval:
		d.train()
	}
}

func (d *LearnedDetector) train() {
	data := make([][]float64, len(d.history))
	copy(data, d.history)

	d.forest = buildForest(data, d.cfg.Trees, d.cfg.SubsampleSize, d.rng)

	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = d.forest.score(row)
	}
	sort.Float64s(scores)
	d.trainScores = scores

	// contamination sets the share of training rows that fall above the boundary
	idx := int(math.Ceil((1-d.cfg.Contamination)*float64(len(scores)))) - 1
	if idx < 0 {
		idx = 0
	}
	d.threshold = scores[idx]
	d.sinceTrain = 0
	d.retrains++
}
