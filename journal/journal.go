package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/TyberiusPrime/uv2nix-hammer/iox"
	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// FileName is the journal's name inside a session directory.
const FileName = "attempts.journal"

// HeaderFrame opens a journal.
type HeaderFrame struct {
	Type          string              `msgpack:"type"`
	FormatVersion string              `msgpack:"format_version"`
	SessionID     string              `msgpack:"session_id"`
	Target        types.PackageTarget `msgpack:"target"`
	MaxAttempts   int                 `msgpack:"max_attempts"`
	StartedAt     time.Time           `msgpack:"started_at"`
}

// AttemptFrame records one build attempt. Output holds the zstd-compressed
// combined build output.
type AttemptFrame struct {
	Type       string              `msgpack:"type"`
	Record     types.AttemptRecord `msgpack:"record"`
	Output     []byte              `msgpack:"output,omitempty"`
	OutputSize int                 `msgpack:"output_size"`
}

// SummaryFrame closes a journal.
type SummaryFrame struct {
	Type       string                  `msgpack:"type"`
	State      types.SessionState      `msgpack:"state"`
	Reason     types.TerminationReason `msgpack:"reason"`
	FinishedAt time.Time               `msgpack:"finished_at"`
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func compress(b []byte) []byte {
	encoderOnce.Do(func() {
		// Only fails on invalid options.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	})
	return encoder.EncodeAll(b, nil)
}

func decompress(b []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder.DecodeAll(b, nil)
}

// Writer appends frames to a journal file. Each frame is flushed before
// the call returns so a crash loses at most the frame being written.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	bw   *bufio.Writer
	path string
}

// Create opens path for writing and writes the header frame.
func Create(path string, header HeaderFrame) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal %s: %w", path, err)
	}
	w := &Writer{f: f, bw: bufio.NewWriter(f), path: path}
	header.Type = HeaderType
	header.FormatVersion = types.JournalFormatVersion
	if err := w.write(header); err != nil {
		iox.DiscardClose(f)
		return nil, err
	}
	return w, nil
}

// Path returns the journal file path.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := WriteFrame(w.bw, v); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	return nil
}

// AppendAttempt records an attempt with its raw build output.
func (w *Writer) AppendAttempt(rec types.AttemptRecord, output []byte) error {
	frame := AttemptFrame{
		Type:       AttemptType,
		Record:     rec,
		OutputSize: len(output),
	}
	if len(output) > 0 {
		frame.Output = compress(output)
	}
	return w.write(frame)
}

// Finish writes the summary frame and closes the file.
func (w *Writer) Finish(state types.SessionState, reason types.TerminationReason) error {
	err := w.write(SummaryFrame{
		Type:       SummaryType,
		State:      state,
		Reason:     reason,
		FinishedAt: time.Now().UTC(),
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the file without a summary.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Journal is a decoded journal file.
type Journal struct {
	Header   HeaderFrame
	Attempts []AttemptFrame
	// Summary is nil when the session did not finish cleanly.
	Summary *SummaryFrame
	// Truncated is set when the file ended mid-frame.
	Truncated bool
}

// Read decodes a journal from r. A truncated trailing frame is tolerated
// and reported through Journal.Truncated.
func Read(r io.Reader) (*Journal, error) {
	dec := NewFrameDecoder(r)
	j := &Journal{}
	first := true
	for {
		payload, err := dec.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if IsTruncatedJournal(err) && !first {
				j.Truncated = true
				break
			}
			return nil, err
		}
		frame, err := DecodeFrame(payload)
		if err != nil {
			return nil, err
		}
		switch f := frame.(type) {
		case *HeaderFrame:
			if !first {
				return nil, &FrameError{Kind: FrameErrorDecode, Msg: "header frame after start of journal"}
			}
			j.Header = *f
		case *AttemptFrame:
			if first {
				return nil, &FrameError{Kind: FrameErrorDecode, Msg: "journal does not start with a header"}
			}
			j.Attempts = append(j.Attempts, *f)
		case *SummaryFrame:
			j.Summary = f
		}
		first = false
	}
	if first {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "empty journal"}
	}
	return j, nil
}

// ReadFile decodes the journal at path.
func ReadFile(path string) (*Journal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer iox.DiscardClose(f)
	return Read(bufio.NewReader(f))
}

// DecodedOutput returns the decompressed build output of an attempt.
func (a AttemptFrame) DecodedOutput() ([]byte, error) {
	if len(a.Output) == 0 {
		return nil, nil
	}
	out, err := decompress(a.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress output of attempt %d: %w", a.Record.Index, err)
	}
	return out, nil
}
