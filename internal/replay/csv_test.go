package replay

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/Sentinel/internal/monitor"
	"github.com/Alias1177/Sentinel/models"
)

const sample = `timestamp,instrument,price,action,label
2026-01-05T09:30:00Z,EUR/USD,1.0950,buy,false
2026-01-05 09:30:01,EUR/USD,1.0952,,true
# comment line
1767605402,GBP/USD,1.2710
2026-01-05T09:30:03Z,GBP/USD,NaN,hold
`

func TestReadAll(t *testing.T) {
	recs, err := NewReader(strings.NewReader(sample), models.ActionBuy).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 4)

	first := recs[0]
	assert.Equal(t, time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC), first.Observation.Tick.Timestamp)
	assert.Equal(t, "EUR/USD", first.Observation.Tick.InstrumentID)
	assert.Equal(t, 1.0950, first.Observation.Tick.Price)
	assert.Equal(t, models.ActionBuy, first.Observation.Action)
	assert.Equal(t, Label{Known: true, Anomaly: false}, first.Label)
	assert.Equal(t, 2, first.Line)

	assert.Equal(t, time.Date(2026, 1, 5, 9, 30, 1, 0, time.UTC), recs[1].Observation.Tick.Timestamp)
	assert.Equal(t, models.ActionBuy, recs[1].Observation.Action, "empty action falls back to the default")
	assert.Equal(t, Label{Known: true, Anomaly: true}, recs[1].Label)

	assert.Equal(t, time.Unix(1767605402, 0).UTC(), recs[2].Observation.Tick.Timestamp)
	assert.False(t, recs[2].Label.Known)

	assert.True(t, math.IsNaN(recs[3].Observation.Tick.Price))
	assert.Equal(t, models.ActionHold, recs[3].Observation.Action)
}

func TestReadErrorsCarryLineNumbers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bad timestamp", "yesterday,EUR/USD,1.1\n", "line 1: unrecognized timestamp"},
		{"bad price", "2026-01-05T09:30:00Z,EUR/USD,abc\n", "line 1: price"},
		{"bad label", "2026-01-05T09:30:00Z,EUR/USD,1.1,buy,maybe\n", "line 1: label"},
		{"too few columns", "2026-01-05T09:30:00Z,EUR/USD\n", "line 1: expected 3 to 5 columns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.input), models.ActionBuy).ReadAll()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStreamDropsLabels(t *testing.T) {
	recs, err := NewReader(strings.NewReader(sample), models.ActionBuy).ReadAll()
	require.NoError(t, err)

	out := make(chan monitor.Observation, len(recs))
	Stream(context.Background(), recs, out)

	var got []monitor.Observation
	for o := range out {
		got = append(got, o)
	}
	require.Len(t, got, 4)
	assert.Equal(t, recs[0].Observation, got[0])
}

func TestStreamStopsOnCancel(t *testing.T) {
	recs, err := NewReader(strings.NewReader(sample), models.ActionBuy).ReadAll()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan monitor.Observation)
	Stream(ctx, recs, out)

	_, open := <-out
	assert.False(t, open)
}
