package anomaly

import (
	"math"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/models"
)

// MethodZScore identifies the statistical detector in votes
const MethodZScore = "zscore"

// StatisticalDetector flags prices that sit more than ZThreshold standard
// deviations away from the mean of the previous WindowSize prices.
type StatisticalDetector struct {
	windowSize     int
	zThreshold     float64
	minRelativeStd float64
	window         []float64
}

// NewStatisticalDetector creates a detector with an empty window
func NewStatisticalDetector(cfg config.DetectionConfig) (*StatisticalDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StatisticalDetector{
		windowSize:     cfg.WindowSize,
		zThreshold:     cfg.ZThreshold,
		minRelativeStd: cfg.MinRelativeStd,
		window:         make([]float64, 0, cfg.WindowSize+1),
	}, nil
}

// Name implements models.Detector
func (d *StatisticalDetector) Name() string { return MethodZScore }

// Predict scores the tick against the window, then pushes it into the window
func (d *StatisticalDetector) Predict(tick models.Tick) models.DetectionResult {
	result := d.score(tick.Price)

	// Window advances regardless of the verdict
	d.window = append(d.window, tick.Price)
	if len(d.window) > d.windowSize {
		d.window = d.window[1:]
	}

	return result
}

func (d *StatisticalDetector) score(price float64) models.DetectionResult {
	result := models.DetectionResult{MethodID: MethodZScore}

	if len(d.window) < d.windowSize {
		result.Abstained = true
		result.Reason = models.ReasonInsufficientData
		return result
	}

	mean, std := meanStd(d.window)
	if floor := d.minRelativeStd * math.Abs(mean); std < floor {
		std = floor
	}
	if std == 0 {
		result.Abstained = true
		result.Reason = models.ReasonDegenerateDistribution
		return result
	}

	z := math.Abs(price-mean) / std
	result.SignalValue = z
	result.IsAnomaly = z > d.zThreshold
	result.Confidence = math.Min(1, z/(2*d.zThreshold))
	return result
}

// WindowLen returns how many prices are currently held
func (d *StatisticalDetector) WindowLen() int { return len(d.window) }

// meanStd returns the mean and population standard deviation of values
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
