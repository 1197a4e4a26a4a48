package cloudq

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentineledge/node/internal/models"
	"github.com/sentineledge/node/internal/pkgwriter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStageWritesPointerAndIncrementsPending(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 4, testLogger())

	s.stage(Job{EventID: "evt-1", PkgDir: "/data/events/evt-1"})

	if s.Pending() != 1 {
		t.Fatalf("expected pending count 1, got %d", s.Pending())
	}

	pointerPath := filepath.Join(dir, "evt-1", "cloud_job.json")
	var cj models.CloudJob
	if err := pkgwriter.ReadJSON(pointerPath, &cj); err != nil {
		t.Fatalf("failed to read cloud_job.json: %v", err)
	}
	if cj.EventID != "evt-1" || cj.Reason != "local_incomplete" {
		t.Errorf("unexpected cloud job contents: %+v", cj)
	}
}

func TestStageTwiceIsIdempotentForPendingCount(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 4, testLogger())

	s.stage(Job{EventID: "evt-1", PkgDir: "/data/events/evt-1"})
	s.stage(Job{EventID: "evt-1", PkgDir: "/data/events/evt-1"})

	if s.Pending() != 1 {
		t.Fatalf("expected re-staging the same event to leave pending at 1, got %d", s.Pending())
	}
}

func TestMarkClaimedDecrementsPendingNotBelowZero(t *testing.T) {
	s := New(t.TempDir(), 4, testLogger())
	s.MarkClaimed()
	if s.Pending() != 0 {
		t.Fatalf("expected pending to stay at 0, got %d", s.Pending())
	}

	s.stage(Job{EventID: "evt-2", PkgDir: "/data/events/evt-2"})
	s.MarkClaimed()
	if s.Pending() != 0 {
		t.Fatalf("expected pending to return to 0 after claim, got %d", s.Pending())
	}
}

func TestEnqueueFailsWhenQueueIsFull(t *testing.T) {
	s := New(t.TempDir(), 1, testLogger())
	if !s.Enqueue("evt-1", "/data/events/evt-1") {
		t.Fatal("expected first enqueue to succeed")
	}
	if s.Enqueue("evt-2", "/data/events/evt-2") {
		t.Error("expected second enqueue to fail once the queue is full")
	}
}

func TestRunStopsOnSignal(t *testing.T) {
	s := New(t.TempDir(), 4, testLogger())
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		s.Run(stop)
		close(done)
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after stop is closed")
	}
}
