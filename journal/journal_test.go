package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

func testHeader() HeaderFrame {
	return HeaderFrame{
		SessionID:   "sess-1",
		Target:      types.PackageTarget{Name: "h5py", Version: "3.11.0"},
		MaxAttempts: 10,
		StartedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	w, err := Create(path, testHeader())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sig := &types.FailureSignature{
		Category: types.CategoryMissingNativeLibrary,
		Evidence: []string{"libhdf5.so.310"},
		Package:  types.PackageTarget{Name: "h5py", Version: "3.11.0"},
	}
	mut := &types.Mutation{
		TargetAttribute: "buildInputs",
		Action:          types.ActionAppend,
		Payload:         "pkgs.hdf5",
		SourceRuleID:    "native-library-known",
	}
	output := []byte(strings.Repeat("error: libhdf5.so.310: cannot open shared object file\n", 100))

	if err := w.AppendAttempt(types.AttemptRecord{Index: 1, Signature: sig, Applied: mut, Outcome: types.AttemptFailure, ExitCode: 1}, output); err != nil {
		t.Fatalf("AppendAttempt 1: %v", err)
	}
	if err := w.AppendAttempt(types.AttemptRecord{Index: 2, Outcome: types.AttemptSuccess}, nil); err != nil {
		t.Fatalf("AppendAttempt 2: %v", err)
	}
	if err := w.Finish(types.StateConverged, types.ReasonConverged); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	j, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if j.Header.Type != HeaderType {
		t.Errorf("Header.Type = %q, want %q", j.Header.Type, HeaderType)
	}
	if j.Header.FormatVersion != types.JournalFormatVersion {
		t.Errorf("FormatVersion = %q, want %q", j.Header.FormatVersion, types.JournalFormatVersion)
	}
	if j.Header.Target.String() != "h5py==3.11.0" {
		t.Errorf("Target = %q", j.Header.Target.String())
	}
	if !j.Header.StartedAt.Equal(testHeader().StartedAt) {
		t.Errorf("StartedAt = %v", j.Header.StartedAt)
	}
	if len(j.Attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(j.Attempts))
	}
	if diff := cmp.Diff(sig, j.Attempts[0].Record.Signature); diff != "" {
		t.Errorf("signature mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(mut, j.Attempts[0].Record.Applied); diff != "" {
		t.Errorf("mutation mismatch (-want +got):\n%s", diff)
	}
	if len(j.Attempts[0].Output) >= len(output) {
		t.Errorf("compressed output (%d bytes) not smaller than raw (%d bytes)", len(j.Attempts[0].Output), len(output))
	}
	got, err := j.Attempts[0].DecodedOutput()
	if err != nil {
		t.Fatalf("DecodedOutput: %v", err)
	}
	if !bytes.Equal(got, output) {
		t.Error("decoded output differs from original")
	}
	if j.Attempts[0].OutputSize != len(output) {
		t.Errorf("OutputSize = %d, want %d", j.Attempts[0].OutputSize, len(output))
	}

	empty, err := j.Attempts[1].DecodedOutput()
	if err != nil || empty != nil {
		t.Errorf("empty output = %q, %v", empty, err)
	}
	if j.Summary == nil {
		t.Fatal("Summary missing")
	}
	if j.Summary.State != types.StateConverged || j.Summary.Reason != types.ReasonConverged {
		t.Errorf("Summary = %+v", j.Summary)
	}
	if j.Truncated {
		t.Error("Truncated = true for complete journal")
	}
}

func TestRead_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	w, err := Create(path, testHeader())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.AppendAttempt(types.AttemptRecord{Index: 1, Outcome: types.AttemptFailure}, []byte("boom")); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a kill in the middle of the next frame.
	data = append(data, 0, 0, 1, 0, 0x81)

	j, err := Read(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !j.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(j.Attempts) != 1 {
		t.Errorf("got %d attempts, want 1", len(j.Attempts))
	}
	if j.Summary != nil {
		t.Error("Summary present on unfinished journal")
	}
}

func TestRead_Errors(t *testing.T) {
	attemptOnly := &bytes.Buffer{}
	if err := WriteFrame(attemptOnly, AttemptFrame{Type: AttemptType}); err != nil {
		t.Fatal(err)
	}
	unknown := &bytes.Buffer{}
	if err := WriteFrame(unknown, map[string]string{"type": "bogus"}); err != nil {
		t.Fatal(err)
	}
	doubleHeader := &bytes.Buffer{}
	for range 2 {
		if err := WriteFrame(doubleHeader, HeaderFrame{Type: HeaderType}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		data []byte
		kind FrameErrorKind
	}{
		{"empty", nil, FrameErrorPartial},
		{"truncated header", []byte{0, 0}, FrameErrorPartial},
		{"no header", attemptOnly.Bytes(), FrameErrorDecode},
		{"unknown type", unknown.Bytes(), FrameErrorDecode},
		{"double header", doubleHeader.Bytes(), FrameErrorDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tt.data))
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FrameError", err)
			}
			if fe.Kind != tt.kind {
				t.Errorf("Kind = %d, want %d", fe.Kind, tt.kind)
			}
		})
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], MaxPayloadSize+1)

	_, err := NewFrameDecoder(bytes.NewReader(prefix[:])).ReadFrame()
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorTooLarge {
		t.Errorf("err = %v, want FrameErrorTooLarge", err)
	}
	if IsTruncatedJournal(err) {
		t.Error("too-large frame reported as truncation")
	}
}

func TestDecodeFrame_TypeDispatch(t *testing.T) {
	payload, err := msgpack.Marshal(SummaryFrame{Type: SummaryType, State: types.StateExhausted, Reason: types.ReasonNoRule})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	s, ok := frame.(*SummaryFrame)
	if !ok {
		t.Fatalf("frame = %T, want *SummaryFrame", frame)
	}
	if s.Reason != types.ReasonNoRule {
		t.Errorf("Reason = %q, want %q", s.Reason, types.ReasonNoRule)
	}
}

func TestFrameError_Unwrap(t *testing.T) {
	inner := errors.New("short read")
	err := &FrameError{Kind: FrameErrorPartial, Msg: "failed", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is did not find wrapped error")
	}
	if err.Error() != "failed: short read" {
		t.Errorf("Error() = %q", err.Error())
	}
}
