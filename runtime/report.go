package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/TyberiusPrime/uv2nix-hammer/metrics"
	"github.com/TyberiusPrime/uv2nix-hammer/overrides"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// ReportFile is the report's name inside a session directory.
const ReportFile = "report.json"

// Report is the structured result of a session. It always carries the
// full ordered mutation history, including on failure.
type Report struct {
	SessionID string                  `json:"session_id"`
	Target    types.PackageTarget     `json:"target"`
	State     types.SessionState      `json:"state"`
	Reason    types.TerminationReason `json:"reason"`
	Message   string                  `json:"message"`
	ExitCode  int                     `json:"exit_code"`

	Attempts  []types.AttemptRecord `json:"attempts"`
	Mutations []types.Mutation      `json:"mutations"`
	Overrides overrides.Snapshot    `json:"overrides"`
	// LastSignature is set on Exhausted and Aborted sessions.
	LastSignature *types.FailureSignature `json:"last_signature,omitempty"`
	// Error is the runner error of an Aborted session.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time         `json:"started_at"`
	DurationMs int64             `json:"duration_ms"`
	Metrics    *metrics.Snapshot `json:"metrics,omitempty"`

	// SessionDir is the persisted workspace of the session.
	SessionDir string `json:"session_dir,omitempty"`
	// Branch is the override repository branch holding the committed
	// overrides, set after a converged session was committed.
	Branch string `json:"branch,omitempty"`
}

// Summarize composes the report of a finished session. It has no side
// effects. snap may be nil.
func Summarize(result *SessionResult, store *overrides.Store, snap *metrics.Snapshot) *Report {
	report := &Report{
		SessionID:  result.ID,
		Target:     result.Target,
		State:      result.State,
		Reason:     result.Reason,
		Message:    result.Reason.Describe(),
		ExitCode:   ExitCode(result.State, result.Reason),
		Attempts:   result.Attempts,
		Mutations:  store.Applied(),
		Overrides:  store.Snapshot(),
		StartedAt:  result.StartedAt.UTC(),
		DurationMs: result.Duration.Milliseconds(),
		Metrics:    snap,
	}
	if report.Attempts == nil {
		report.Attempts = []types.AttemptRecord{}
	}
	if report.Mutations == nil {
		report.Mutations = []types.Mutation{}
	}
	if report.Overrides == nil {
		report.Overrides = overrides.Snapshot{}
	}
	if result.State != types.StateConverged && result.LastSignature != nil {
		sig := *result.LastSignature
		report.LastSignature = &sig
	}
	if result.Err != nil {
		report.Error = result.Err.Error()
		report.Message = fmt.Sprintf("%s: %v", report.Message, result.Err)
	}
	return report
}

// Converged reports whether the session succeeded.
func (r *Report) Converged() bool {
	return r.State == types.StateConverged
}

// WriteReport writes the report as JSON to the specified path.
// If path is "-", writes to stdout.
func WriteReport(report *Report, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		if err := writeReportTo(report, os.Stdout); err != nil {
			return fmt.Errorf("failed to write report to stdout: %w", err)
		}
		return nil
	}

	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("invalid report %s: %w", path, err)
	}
	return &report, nil
}

func marshalReport(report *Report) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// writeReportTo writes report JSON to any writer.
func writeReportTo(report *Report, w io.Writer) error {
	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
