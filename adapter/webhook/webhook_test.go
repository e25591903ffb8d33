package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TyberiusPrime/uv2nix-hammer/adapter"
	"github.com/TyberiusPrime/uv2nix-hammer/iox"
)

func testEvent() *adapter.SessionCompletedEvent {
	return &adapter.SessionCompletedEvent{
		ContractVersion: "0.3.0",
		EventType:       adapter.EventType,
		SessionID:       "sess-001",
		Package:         "h5py",
		Version:         "3.11.0",
		State:           "converged",
		Reason:          "converged",
		Attempts:        3,
		Mutations:       2,
		Timestamp:       "2026-05-04T12:00:00Z",
		DurationMs:      1500,
	}
}

func TestPublish_Success(t *testing.T) {
	var received adapter.SessionCompletedEvent
	var signature string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s", ct)
		}
		signature = r.Header.Get(SignatureHeader)
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if received.SessionID != "sess-001" || received.EventType != adapter.EventType || received.State != "converged" {
		t.Errorf("received = %+v", received)
	}
	if signature != "" {
		t.Errorf("unsigned request carried %s = %q", SignatureHeader, signature)
	}
}

func TestPublish_SignsBody(t *testing.T) {
	var body []byte
	var signature string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(SignatureHeader)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Secret: "s3cret", Headers: map[string]string{"Authorization": "Bearer tok"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if want := Sign("s3cret", body); signature != want {
		t.Errorf("signature = %q, want %q", signature, want)
	}
	if len(signature) != 64 {
		t.Errorf("signature length = %d, want 64", len(signature))
	}
	if Sign("other", body) == signature {
		t.Error("different secrets produced the same signature")
	}
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Retries: 3, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish should succeed after retries: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	tests := []struct {
		code         int
		retries      int
		wantAttempts int32
	}{
		{http.StatusBadRequest, 3, 1},
		{http.StatusForbidden, 3, 1},
		{http.StatusInternalServerError, 2, 3},
		{http.StatusServiceUnavailable, 1, 2},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			var attempts atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.code)
			}))
			defer ts.Close()

			a, err := New(Config{URL: ts.URL, Retries: tt.retries})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer iox.DiscardClose(a)

			err = a.Publish(t.Context(), testEvent())
			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.Code != tt.code {
				t.Fatalf("err = %v, want StatusError %d", err, tt.code)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	a, err := New(Config{URL: ts.URL, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer iox.DiscardClose(a)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty URL accepted")
	}
	if _, err := New(Config{URL: "http://example.com", Retries: -1}); err == nil {
		t.Error("negative retries accepted")
	}
	a, err := New(Config{URL: "http://example.com"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", a.config.Timeout, DefaultTimeout)
	}
}
