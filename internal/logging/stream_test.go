package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestRingBufferGetRecent(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(LogEntry{Message: string(rune('a' + i))})
	}

	recent := rb.GetRecent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[2].Message != "e" {
		t.Errorf("expected newest entry last, got %q", recent[2].Message)
	}
}

func TestRingBufferSubscribe(t *testing.T) {
	rb := NewRingBuffer(10)
	ch := rb.Subscribe()
	defer rb.Unsubscribe(ch)

	rb.Add(LogEntry{Message: "hello"})

	select {
	case entry := <-ch:
		if entry.Message != "hello" {
			t.Errorf("expected hello, got %q", entry.Message)
		}
	default:
		t.Fatal("expected subscriber to receive entry")
	}
}

func TestStreamHandlerCapturesComponent(t *testing.T) {
	rb := NewRingBuffer(10)
	var out bytes.Buffer
	handler := NewStreamHandler(rb, &out, slog.LevelInfo)
	logger := slog.New(handler).With("component", "capture")

	logger.Info("frame dropped", "reason", "camera_read_failed")

	recent := rb.GetRecent(1)
	if len(recent) != 1 {
		t.Fatalf("expected 1 captured entry, got %d", len(recent))
	}
	if recent[0].Component != "capture" {
		t.Errorf("expected component 'capture', got %q", recent[0].Component)
	}
	if recent[0].Attrs["reason"] != "camera_read_failed" {
		t.Errorf("expected reason attr preserved, got %v", recent[0].Attrs)
	}
	if out.Len() == 0 {
		t.Error("expected fallback writer to receive JSON log line")
	}
}
