package models

// Detector is the capability every ensemble member implements.
// A detector with no opinion returns a result with Abstained set.
type Detector interface {
	Name() string
	Predict(tick Tick) DetectionResult
}
