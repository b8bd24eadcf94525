package trace

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SensorSummary aggregates one sensor column.
type SensorSummary struct {
	Min, Max, Mean, Last float64
}

// Summary aggregates statistics from a Trace.
type Summary struct {
	Cycles     int
	DurationNs int64
	Sensors    map[string]SensorSummary
}

// Summarize computes per-sensor statistics from a Trace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(t *Trace) *Summary {
	s := &Summary{Sensors: make(map[string]SensorSummary)}
	if t == nil || len(t.Rows) == 0 {
		return s
	}
	s.Cycles = len(t.Rows)
	s.DurationNs = t.Rows[len(t.Rows)-1].TimestampNs - t.Rows[0].TimestampNs

	col := make([]float64, len(t.Rows))
	for i, label := range t.Header.Sensors {
		for j, r := range t.Rows {
			col[j] = r.Values[i]
		}
		s.Sensors[label] = SensorSummary{
			Min:  floats.Min(col),
			Max:  floats.Max(col),
			Mean: stat.Mean(col, nil),
			Last: col[len(col)-1],
		}
	}
	return s
}
