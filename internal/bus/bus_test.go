package bus

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b, err := Start(Config{Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	defer b.Close()

	type payload struct {
		EventID string `json:"event_id"`
	}

	received := make(chan payload, 1)
	err = b.Subscribe(SubjectEventStarted, func(data []byte) {
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			t.Errorf("failed to unmarshal message: %v", err)
			return
		}
		received <- p
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	b.Publish(SubjectEventStarted, payload{EventID: "evt-123"})

	select {
	case p := <-received:
		if p.EventID != "evt-123" {
			t.Errorf("expected event_id evt-123, got %q", p.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b, err := Start(Config{Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	defer b.Close()

	b.Publish(SubjectPackageDone, map[string]string{"package_id": "pkg-1"})
}
