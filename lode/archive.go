// Package lode archives finished repair sessions in a Lode dataset so
// outcomes can be compared across packages and over time.
//
// Records are Hive-partitioned by package/day/session_id/record_kind and
// stored as JSON lines, on the local filesystem or in S3. One session is
// written as a single snapshot holding its session, attempt and metrics
// records.
package lode

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/justapithecus/lode/lode"

	"github.com/TyberiusPrime/uv2nix-hammer/runtime"
)

// DatasetID is the Lode dataset holding session records.
const DatasetID = "hammer"

// Storage backends.
const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// ErrNoSessions is returned when a history query matches nothing.
var ErrNoSessions = errors.New("no archived sessions found")

// Archive reads and writes session records.
type Archive struct {
	dataset lode.Dataset
	backend string
}

// NewArchive opens the dataset on a store factory.
// Use lode.NewMemoryFactory() in tests.
func NewArchive(factory lode.StoreFactory, backend string) (*Archive, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(DatasetID),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, DatasetID)
	}
	return &Archive{dataset: ds, backend: backend}, nil
}

// NewFSArchive opens the archive under root on the local filesystem.
func NewFSArchive(root string) (*Archive, error) {
	return NewArchive(lode.NewFSFactory(root), BackendFS)
}

// Backend names the storage backend, for metrics dimensions.
func (a *Archive) Backend() string {
	return a.backend
}

// WriteSession stores a finished session's report.
func (a *Archive) WriteSession(ctx context.Context, report *runtime.Report) error {
	if report.SessionID == "" {
		return errors.New("archive: report has no session id")
	}
	records, err := sessionRecords(report)
	if err != nil {
		return err
	}
	if _, err := a.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return WrapWriteError(err, DatasetID)
	}
	return nil
}

// HistoryFilter narrows a history query. Zero fields match everything.
type HistoryFilter struct {
	// Package matches the normalized package name.
	Package string
	// State matches the terminal state ("converged", "exhausted", "aborted").
	State string
	// Limit caps the number of sessions returned. Zero means no cap.
	Limit int
}

// History returns archived sessions, most recent first.
func (a *Archive) History(ctx context.Context, filter HistoryFilter) ([]SessionRecord, error) {
	snapshots, err := a.dataset.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, DatasetID+"/snapshots")
	}

	var out []SessionRecord
	// Snapshots are ordered by creation time.
	for _, snap := range slices.Backward(snapshots) {
		if !snapshotMatches(snap, "record_kind", RecordKindSession) ||
			!snapshotMatches(snap, "package", filter.Package) {
			continue
		}
		data, err := a.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", DatasetID, snap.ID))
		}
		// Partition paths are a coarse pre-filter; record fields decide.
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || m["record_kind"] != RecordKindSession {
				continue
			}
			var rec SessionRecord
			if err := fromRecordMap(m, &rec); err != nil {
				return nil, fmt.Errorf("invalid session record in snapshot %s: %w", snap.ID, err)
			}
			if filter.Package != "" && rec.Package != filter.Package {
				continue
			}
			if filter.State != "" && rec.State != filter.State {
				continue
			}
			out = append(out, rec)
			if filter.Limit > 0 && len(out) == filter.Limit {
				return out, nil
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSessions
	}
	return out, nil
}

// Attempts returns the archived attempts of one session in index order.
func (a *Archive) Attempts(ctx context.Context, sessionID string) ([]AttemptRecord, error) {
	snapshots, err := a.dataset.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, DatasetID+"/snapshots")
	}
	for _, snap := range slices.Backward(snapshots) {
		if !snapshotMatches(snap, "session_id", sessionID) {
			continue
		}
		data, err := a.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", DatasetID, snap.ID))
		}
		var out []AttemptRecord
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || m["record_kind"] != RecordKindAttempt || m["session_id"] != sessionID {
				continue
			}
			var rec AttemptRecord
			if err := fromRecordMap(m, &rec); err != nil {
				return nil, fmt.Errorf("invalid attempt record in snapshot %s: %w", snap.ID, err)
			}
			out = append(out, rec)
		}
		slices.SortFunc(out, func(x, y AttemptRecord) int { return x.Index - y.Index })
		return out, nil
	}
	return nil, ErrNoSessions
}

// snapshotMatches checks if any file of the snapshot lies in the
// key=value partition. An empty value matches every snapshot.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks for an exact key=value path segment so
// that session_id=a-1 does not match session_id=a-10.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for part := range strings.SplitSeq(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
