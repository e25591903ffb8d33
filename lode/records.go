package lode

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TyberiusPrime/uv2nix-hammer/runtime"
)

// RecordKind discriminator values. record_kind is also a partition key.
const (
	RecordKindSession = "session"
	RecordKindAttempt = "attempt"
	RecordKindMetrics = "metrics"
)

// partitionKeys is the Hive layout of the archive.
var partitionKeys = []string{"package", "day", "session_id", "record_kind"}

// SessionRecord summarizes one finished session.
type SessionRecord struct {
	RecordKind string `json:"record_kind"`
	SessionID  string `json:"session_id"`
	Package    string `json:"package"`
	Version    string `json:"version"`
	Day        string `json:"day"`

	State    string `json:"state"`
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
	Attempts int    `json:"attempts"`
	// Mutations are one-line renderings in applied order.
	Mutations []string `json:"mutations"`
	// Rules lists the ids of the rules that fired, in applied order.
	Rules []string `json:"rules"`

	LastCategory    string `json:"last_category,omitempty"`
	LastFingerprint string `json:"last_fingerprint,omitempty"`

	StartedAt  string `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`
	Branch     string `json:"branch,omitempty"`
}

// AttemptRecord is one build attempt of an archived session.
type AttemptRecord struct {
	RecordKind string `json:"record_kind"`
	SessionID  string `json:"session_id"`
	Package    string `json:"package"`
	Day        string `json:"day"`

	Index       int      `json:"index"`
	Outcome     string   `json:"outcome"`
	ExitCode    int      `json:"exit_code"`
	TimedOut    bool     `json:"timed_out"`
	DurationMs  int64    `json:"duration_ms"`
	Category    string   `json:"category,omitempty"`
	Evidence    []string `json:"evidence,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Rule        string   `json:"rule,omitempty"`
	Mutation    string   `json:"mutation,omitempty"`
}

// DeriveDay computes the partition day from the session start time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(startTime time.Time) string {
	return startTime.UTC().Format("2006-01-02")
}

// sessionRecords converts a report into the records of one archive write.
func sessionRecords(report *runtime.Report) ([]any, error) {
	day := DeriveDay(report.StartedAt)
	session := SessionRecord{
		RecordKind: RecordKindSession,
		SessionID:  report.SessionID,
		Package:    report.Target.Normalized(),
		Version:    report.Target.Version,
		Day:        day,
		State:      string(report.State),
		Reason:     string(report.Reason),
		ExitCode:   report.ExitCode,
		Attempts:   len(report.Attempts),
		Mutations:  make([]string, 0, len(report.Mutations)),
		Rules:      make([]string, 0, len(report.Mutations)),
		StartedAt:  report.StartedAt.UTC().Format(time.RFC3339),
		DurationMs: report.DurationMs,
		Branch:     report.Branch,
	}
	for _, m := range report.Mutations {
		session.Mutations = append(session.Mutations, m.String())
		session.Rules = append(session.Rules, m.SourceRuleID)
	}
	if sig := report.LastSignature; sig != nil {
		session.LastCategory = string(sig.Category)
		session.LastFingerprint = sig.Fingerprint()
	}

	first, err := toRecordMap(session)
	if err != nil {
		return nil, err
	}
	records := []any{first}
	for _, a := range report.Attempts {
		rec := AttemptRecord{
			RecordKind: RecordKindAttempt,
			SessionID:  report.SessionID,
			Package:    session.Package,
			Day:        day,
			Index:      a.Index,
			Outcome:    string(a.Outcome),
			ExitCode:   a.ExitCode,
			TimedOut:   a.TimedOut,
			DurationMs: a.Duration.Milliseconds(),
		}
		if a.Signature != nil {
			rec.Category = string(a.Signature.Category)
			rec.Evidence = a.Signature.Evidence
			rec.Fingerprint = a.Signature.Fingerprint()
		}
		if a.Applied != nil {
			rec.Rule = a.Applied.SourceRuleID
			rec.Mutation = a.Applied.String()
		}
		m, err := toRecordMap(rec)
		if err != nil {
			return nil, err
		}
		records = append(records, m)
	}

	if report.Metrics != nil {
		m, err := toRecordMap(report.Metrics)
		if err != nil {
			return nil, err
		}
		m["record_kind"] = RecordKindMetrics
		m["session_id"] = report.SessionID
		m["package"] = session.Package
		m["day"] = day
		records = append(records, m)
	}
	return records, nil
}

// toRecordMap converts a tagged struct to the map form Lode's Hive
// layout reads partition values from.
func toRecordMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to encode archive record: %w", err)
	}
	return m, nil
}

// fromRecordMap decodes a stored record into a tagged struct.
func fromRecordMap(item any, v any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
