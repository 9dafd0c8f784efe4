package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/shuttle/metrics"
)

// SenderReport is the structured JSON report written by serve --report.
type SenderReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Outcome    OutcomeStatus `json:"outcome"`
	Message    string        `json:"message"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	ExitCode   int           `json:"exit_code"`
	DurationMs int64         `json:"duration_ms"`

	Policy  *ReportPolicy     `json:"policy"`
	Metrics *metrics.Snapshot `json:"metrics"`
}

// ReportPolicy holds post-send policy stats in the report.
type ReportPolicy struct {
	Name        string `json:"name"`
	Files       int64  `json:"files"`
	Kept        int64  `json:"kept"`
	Stored      int64  `json:"stored"`
	Removed     int64  `json:"removed"`
	DirsCreated int64  `json:"dirs_created"`
	Errors      int64  `json:"errors"`
}

// BuildSenderReport composes a report from a finished run.
func BuildSenderReport(result *SenderResult) *SenderReport {
	snap := result.Metrics
	return &SenderReport{
		StartedAt:  result.StartedAt.UTC(),
		Outcome:    result.Outcome.Status,
		Message:    result.Outcome.Message,
		ErrorKind:  result.Outcome.Kind,
		ExitCode:   result.Outcome.ExitCode(),
		DurationMs: result.Duration.Milliseconds(),
		Policy: &ReportPolicy{
			Name:        result.PolicyName,
			Files:       result.PolicyStats.Files,
			Kept:        result.PolicyStats.Kept,
			Stored:      result.PolicyStats.Stored,
			Removed:     result.PolicyStats.Removed,
			DirsCreated: result.PolicyStats.DirsCreated,
			Errors:      result.PolicyStats.Errors,
		},
		Metrics: &snap,
	}
}

// WriteSenderReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr.
func WriteSenderReport(report *SenderReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}

	if path == "-" {
		if err := writeSenderReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	if err := writeSenderReportTo(report, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return f.Close()
}

// writeSenderReportTo writes report JSON to any writer (for testing).
func writeSenderReportTo(report *SenderReport, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
