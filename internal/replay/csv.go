// Package replay reads recorded ticks from CSV files with the columns
// timestamp,instrument,price[,action][,label]. A header row is optional.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Alias1177/Sentinel/internal/monitor"
	"github.com/Alias1177/Sentinel/models"
)

// Label is ground truth kept apart from the observation so the detection
// pipeline never sees it
type Label struct {
	Known   bool
	Anomaly bool
}

// Record is one parsed row
type Record struct {
	Observation monitor.Observation
	Label       Label
	Line        int
}

// Reader parses rows one at a time
type Reader struct {
	csv           *csv.Reader
	defaultAction models.Action
	started       bool
	line          int
}

// NewReader wraps r. Rows without an action column get defaultAction.
func NewReader(r io.Reader, defaultAction models.Action) *Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	return &Reader{csv: cr, defaultAction: defaultAction}
}

// Next returns the next record or io.EOF
func (r *Reader) Next() (Record, error) {
	for {
		fields, err := r.csv.Read()
		if err != nil {
			return Record{}, err
		}
		r.line, _ = r.csv.FieldPos(0)
		first := !r.started
		r.started = true
		if first && isHeader(fields) {
			continue
		}
		rec, err := r.parse(fields)
		if err != nil {
			return Record{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return rec, nil
	}
}

// ReadAll parses every remaining record
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

// Stream sends observations to out until the input is exhausted or ctx is
// done, then closes out. Labels are dropped.
func Stream(ctx context.Context, records []Record, out chan<- monitor.Observation) {
	defer close(out)
	for _, rec := range records {
		select {
		case out <- rec.Observation:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reader) parse(fields []string) (Record, error) {
	if len(fields) < 3 || len(fields) > 5 {
		return Record{}, fmt.Errorf("expected 3 to 5 columns, got %d", len(fields))
	}
	ts, err := parseTimestamp(fields[0])
	if err != nil {
		return Record{}, err
	}
	// malformed prices are passed through so the pipeline can reject and audit them
	price, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return Record{}, fmt.Errorf("price: %w", err)
	}

	rec := Record{
		Observation: monitor.Observation{
			Tick:   models.Tick{Timestamp: ts, InstrumentID: strings.TrimSpace(fields[1]), Price: price},
			Action: r.defaultAction,
		},
		Line: r.line,
	}
	if len(fields) >= 4 && strings.TrimSpace(fields[3]) != "" {
		rec.Observation.Action = models.Action(fields[3]).Normalize()
	}
	if len(fields) == 5 && strings.TrimSpace(fields[4]) != "" {
		anomaly, err := strconv.ParseBool(strings.TrimSpace(fields[4]))
		if err != nil {
			return Record{}, fmt.Errorf("label: %w", err)
		}
		rec.Label = Label{Known: true, Anomaly: anomaly}
	}
	return rec, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return ts.UTC(), nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func isHeader(fields []string) bool {
	return len(fields) > 0 && strings.EqualFold(strings.TrimSpace(fields[0]), "timestamp")
}
