package lode

import (
	"errors"
	"strings"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "request canceled" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"net timeout", timeoutError{}, ErrTimeout},
		{"deadline", errors.New("context deadline exceeded"), ErrTimeout},
		{"s3 access denied", errors.New("api error AccessDenied: Access Denied"), ErrAccessDenied},
		{"http 403", errors.New("received status 403"), ErrAccessDenied},
		{"fs permission", errors.New("open /archive/x: permission denied"), ErrPermissionDenied},
		{"missing file", errors.New("open /archive/x: no such file or directory"), ErrNotFound},
		{"missing key", errors.New("NoSuchKey: The specified key does not exist."), ErrNotFound},
		{"disk full", errors.New("write /archive/x: no space left on device"), ErrDiskFull},
		{"slow down", errors.New("SlowDown: Please reduce your request rate"), ErrThrottled},
		{"no credentials", errors.New("failed to refresh cached credentials"), ErrAuth},
		{"refused", errors.New("dial tcp 127.0.0.1:9000: connect: connection refused"), ErrNetwork},
		{"other", errors.New("unexpected EOF"), errUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%q) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStorageError_Chain(t *testing.T) {
	inner := errors.New("open /archive: permission denied")
	err := WrapWriteError(inner, "hammer")

	if !errors.Is(err, ErrPermissionDenied) {
		t.Error("errors.Is(ErrPermissionDenied) = false")
	}
	if !errors.Is(err, inner) {
		t.Error("underlying error lost")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "write" || se.Path != "hammer" {
		t.Errorf("StorageError = %+v", se)
	}
	if !strings.HasPrefix(err.Error(), "archive write hammer: permission denied") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrap_Nil(t *testing.T) {
	if WrapReadError(nil, "x") != nil || WrapWriteError(nil, "x") != nil || WrapInitError(nil, "x") != nil {
		t.Error("wrapping nil returned non-nil")
	}
}
