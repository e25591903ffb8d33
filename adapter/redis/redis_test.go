package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/TyberiusPrime/uv2nix-hammer/adapter"
)

func testEvent(id string) *adapter.SessionCompletedEvent {
	return &adapter.SessionCompletedEvent{
		ContractVersion: "0.3.0",
		EventType:       adapter.EventType,
		SessionID:       id,
		Package:         "h5py",
		Version:         "3.11.0",
		State:           "exhausted",
		Reason:          "no_rule",
		ExitCode:        1,
		Attempts:        2,
		Timestamp:       "2026-05-04T12:00:00Z",
		DurationMs:      1500,
	}
}

// asyncReceive reads one message in a goroutine. Call it before Publish:
// miniredis delivers pub/sub messages synchronously.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish_Channel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{"default", "", DefaultChannel},
		{"custom", "ci:hammer", "ci:hammer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			a, err := New(Config{URL: "redis://" + mr.Addr(), Channel: tt.channel})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer func() { _ = a.Close() }()

			sub := mr.NewSubscriber()
			sub.Subscribe(tt.want)
			ch := asyncReceive(sub)

			if err := a.Publish(t.Context(), testEvent("sess-001")); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			msg := waitMessage(t, ch)
			if msg.Channel != tt.want {
				t.Errorf("channel = %q, want %q", msg.Channel, tt.want)
			}
			var got adapter.SessionCompletedEvent
			if err := json.Unmarshal([]byte(msg.Message), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.SessionID != "sess-001" || got.Reason != "no_rule" {
				t.Errorf("event = %+v", got)
			}
		})
	}
}

func TestPublish_RecentList(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(Config{URL: "redis://" + mr.Addr(), ListKey: "hammer:recent", ListLength: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Close() }()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := a.Publish(t.Context(), testEvent(id)); err != nil {
			t.Fatalf("Publish(%s): %v", id, err)
		}
	}

	items, err := mr.List("hammer:recent")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("list length = %d, want 2", len(items))
	}
	var newest adapter.SessionCompletedEvent
	if err := json.Unmarshal([]byte(items[0]), &newest); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if newest.SessionID != "s3" {
		t.Errorf("newest = %q, want s3", newest.SessionID)
	}
}

func TestPublish_Unreachable(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 1, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Close() }()

	if err := a.Publish(t.Context(), testEvent("sess-001")); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	if err := a.Publish(ctx, testEvent("sess-001")); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty URL accepted")
	}
	if _, err := New(Config{URL: "not-a-redis-url"}); err == nil {
		t.Error("invalid URL accepted")
	}
	if _, err := New(Config{URL: "redis://localhost:6379", Retries: -1}); err == nil {
		t.Error("negative retries accepted")
	}

	a, err := New(Config{URL: "redis://localhost:6379"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Close() }()
	if a.config.Channel != DefaultChannel || a.config.Timeout != DefaultTimeout || a.config.ListLength != DefaultListLength {
		t.Errorf("defaults not applied: %+v", a.config)
	}
}

func TestPublish_AfterClose(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Publish(t.Context(), testEvent("sess-001")); err == nil {
		t.Fatal("expected error after close")
	}
}
