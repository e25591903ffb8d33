// Package adapter publishes session completion notifications to
// downstream systems (CI dashboards, chat bridges, batch drivers).
//
// Notifications are best effort: a failed publish is logged by the caller
// and never changes a session's outcome or exit code.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/TyberiusPrime/uv2nix-hammer/runtime"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// EventType is the event_type of every session notification.
const EventType = "session_completed"

// SessionCompletedEvent is the payload published when a session finishes.
type SessionCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "session_completed"
	SessionID       string `json:"session_id"`
	Package         string `json:"package"`
	Version         string `json:"version"`
	State           string `json:"state"`  // converged, exhausted, aborted
	Reason          string `json:"reason"` // no_rule, signature_recurred, ...
	ExitCode        int    `json:"exit_code"`
	Attempts        int    `json:"attempts"`
	Mutations       int    `json:"mutations"`
	Branch          string `json:"branch,omitempty"`
	LastFingerprint string `json:"last_fingerprint,omitempty"`
	Timestamp       string `json:"timestamp"` // RFC 3339
	DurationMs      int64  `json:"duration_ms"`
}

// NewSessionCompletedEvent builds the notification for a finished report.
func NewSessionCompletedEvent(report *runtime.Report, finishedAt time.Time) *SessionCompletedEvent {
	ev := &SessionCompletedEvent{
		ContractVersion: types.Version,
		EventType:       EventType,
		SessionID:       report.SessionID,
		Package:         report.Target.Name,
		Version:         report.Target.Version,
		State:           string(report.State),
		Reason:          string(report.Reason),
		ExitCode:        report.ExitCode,
		Attempts:        len(report.Attempts),
		Mutations:       len(report.Mutations),
		Branch:          report.Branch,
		Timestamp:       finishedAt.UTC().Format(time.RFC3339),
		DurationMs:      report.DurationMs,
	}
	if report.LastSignature != nil {
		ev.LastFingerprint = report.LastSignature.Fingerprint()
	}
	return ev
}

// Adapter publishes session completion events to a downstream system.
type Adapter interface {
	// Publish sends the event. It must respect context cancellation.
	Publish(ctx context.Context, event *SessionCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Backoff is the delay before retry i (1-based): 500ms, 1s, 2s, ...
func Backoff(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}

// Multi publishes to every adapter in order and joins their errors.
type Multi []Adapter

// Publish sends the event to all adapters, even after one fails.
func (m Multi) Publish(ctx context.Context, event *SessionCompletedEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all adapters.
func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Adapter = Multi(nil)
