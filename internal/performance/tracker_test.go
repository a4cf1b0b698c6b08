package performance

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alias1177/Sentinel/models"
)

func TestMetricsFromKnownMatrix(t *testing.T) {
	tr := NewTracker()
	// tp=3 fp=1 tn=5 fn=1
	pairs := [][2]bool{
		{true, true}, {true, true}, {true, true},
		{true, false},
		{false, false}, {false, false}, {false, false}, {false, false}, {false, false},
		{false, true},
	}
	for _, p := range pairs {
		tr.Record(p[0], p[1])
	}

	m := tr.Metrics()
	assert.Equal(t, ConfusionMatrix{TruePositives: 3, FalsePositives: 1, TrueNegatives: 5, FalseNegatives: 1}, m.ConfusionMatrix)
	assert.InDelta(t, 0.8, m.Accuracy, 1e-12)
	assert.InDelta(t, 0.75, m.Precision, 1e-12)
	assert.InDelta(t, 0.75, m.Recall, 1e-12)
	assert.InDelta(t, 0.75, m.F1, 1e-12)
	assert.InDelta(t, 5.0/6.0, m.Specificity, 1e-12)
}

func TestZeroDenominatorsReportZero(t *testing.T) {
	tr := NewTracker()
	m := tr.Metrics()
	assert.Zero(t, m.Accuracy)
	assert.Zero(t, m.Precision)
	assert.Zero(t, m.Recall)
	assert.Zero(t, m.F1)
	assert.Zero(t, m.Specificity)

	// only negatives: precision and recall undefined
	tr.Record(false, false)
	m = tr.Metrics()
	assert.Equal(t, 1.0, m.Accuracy)
	assert.Zero(t, m.Precision)
	assert.Zero(t, m.Recall)
	assert.Zero(t, m.F1)
	assert.Equal(t, 1.0, m.Specificity)
}

func TestObserveSkipsAbstentions(t *testing.T) {
	tr := NewTracker()
	tr.Observe(models.DetectionResult{Abstained: true, Reason: models.ReasonInsufficientData}, true)
	tr.Observe(models.DetectionResult{IsAnomaly: true}, true)

	m := tr.Metrics()
	assert.Equal(t, 1, m.Skipped)
	assert.Equal(t, 1, m.Total())
	assert.Equal(t, 1, m.TruePositives)

	tr.Reset()
	assert.Equal(t, Metrics{}, tr.Metrics())
}

func TestRecordIsSafeForConcurrentUse(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Record(j%2 == 0, j%3 == 0)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, tr.Matrix().Total())
}
