package trace

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is the trace format written by Recorder.
const Version = 1

// Header captures run metadata, written next to the data file as YAML.
type Header struct {
	Version       int      `yaml:"trace_version"`
	RunID         string   `yaml:"run_id"`
	CreatedAt     string   `yaml:"created_at,omitempty"`
	Config        string   `yaml:"config,omitempty"`
	Strategy      string   `yaml:"strategy"`
	Precision     int      `yaml:"precision"`
	CyclePeriodMs int      `yaml:"cycle_period_ms"`
	Sensors       []string `yaml:"sensors"`
}

// fixed leading CSV columns; one column per sensor follows.
var leadingColumns = []string{"timestamp_ns", "cycle"}

// HeaderPath returns the header file paired with a data file:
// "run.csv" → "run.header.yaml".
func HeaderPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, filepath.Ext(dataPath)) + ".header.yaml"
}

// Recorder streams one CSV row per cycle. Rows are flushed as they are
// written so an interrupted run keeps every completed cycle.
//
// Thread-safety: NOT thread-safe. Called from the cycle goroutine only.
type Recorder struct {
	header Header
	file   *os.File
	writer *csv.Writer
}

// NewRecorder writes the header file and opens the data file at dataPath.
func NewRecorder(dataPath string, header Header) (*Recorder, error) {
	header.Version = Version
	headerData, err := yaml.Marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("marshaling trace header: %w", err)
	}
	if err := os.WriteFile(HeaderPath(dataPath), headerData, 0644); err != nil {
		return nil, fmt.Errorf("writing trace header: %w", err)
	}

	file, err := os.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("creating trace data file: %w", err)
	}
	r := &Recorder{header: header, file: file, writer: csv.NewWriter(file)}
	columns := append(append([]string{}, leadingColumns...), header.Sensors...)
	if err := r.write(columns); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("writing CSV header: %w", err)
	}
	return r, nil
}

// Record appends one cycle. values follow the header's sensor order.
func (r *Recorder) Record(row Row) error {
	if len(row.Values) != len(r.header.Sensors) {
		return fmt.Errorf("trace row for cycle %d has %d values, want %d", row.Cycle, len(row.Values), len(r.header.Sensors))
	}
	fields := make([]string, 0, len(leadingColumns)+len(row.Values))
	fields = append(fields,
		strconv.FormatInt(row.TimestampNs, 10),
		strconv.Itoa(row.Cycle),
	)
	for _, v := range row.Values {
		fields = append(fields, strconv.FormatFloat(v, 'f', -1, 64))
	}
	if err := r.write(fields); err != nil {
		return fmt.Errorf("writing trace row %d: %w", row.Cycle, err)
	}
	return nil
}

// Close flushes and closes the data file.
func (r *Recorder) Close() error {
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		_ = r.file.Close()
		return err
	}
	return r.file.Close()
}

// Header returns the metadata written for this run.
func (r *Recorder) Header() Header { return r.header }

func (r *Recorder) write(fields []string) error {
	if err := r.writer.Write(fields); err != nil {
		return err
	}
	r.writer.Flush()
	return r.writer.Error()
}
