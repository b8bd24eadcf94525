// Package trace records the per-cycle sensor trace of a simulation run.
// This package has no dependencies on sim/; it stores pure data types.
package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Row is one cycle of the trace.
type Row struct {
	TimestampNs int64
	Cycle       int
	Values      []float64 // one per sensor, in header order
}

// Trace combines header and rows of a complete run.
type Trace struct {
	Header Header
	Rows   []Row
}

// Load reads a trace header (YAML) and data (CSV).
func Load(headerPath, dataPath string) (*Trace, error) {
	headerData, err := os.ReadFile(headerPath)
	if err != nil {
		return nil, fmt.Errorf("reading trace header: %w", err)
	}
	var header Header
	if err := yaml.Unmarshal(headerData, &header); err != nil {
		return nil, fmt.Errorf("parsing trace header: %w", err)
	}

	file, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening trace data: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	columns, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	want := len(leadingColumns) + len(header.Sensors)
	if len(columns) != want {
		return nil, fmt.Errorf("CSV has %d columns, header lists %d", len(columns), want)
	}

	var rows []Row
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}
		row, err := parseRow(fields)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return &Trace{Header: header, Rows: rows}, nil
}

func parseRow(fields []string) (Row, error) {
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("parsing timestamp %q: %w", fields[0], err)
	}
	cycle, err := strconv.Atoi(fields[1])
	if err != nil {
		return Row{}, fmt.Errorf("parsing cycle %q: %w", fields[1], err)
	}
	values := make([]float64, 0, len(fields)-len(leadingColumns))
	for _, f := range fields[len(leadingColumns):] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Row{}, fmt.Errorf("cycle %d: parsing value %q: %w", cycle, f, err)
		}
		values = append(values, v)
	}
	return Row{TimestampNs: ts, Cycle: cycle, Values: values}, nil
}
