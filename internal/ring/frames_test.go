package ring

import (
	"testing"
	"time"
)

func TestFrameRingQueuePushAndLatest(t *testing.T) {
	q := NewFrameRingQueue(1, 10) // cap = 10 + 32 = 42

	q.Push(time.Now(), []byte("frame1"))
	q.Push(time.Now(), []byte("frame2"))

	jpeg, _, ok := q.Latest()
	if !ok {
		t.Fatal("expected a latest frame")
	}
	if string(jpeg) != "frame2" {
		t.Errorf("expected latest frame to be frame2, got %q", jpeg)
	}
}

func TestFrameRingQueueEvictsOldestWhenFull(t *testing.T) {
	q := NewFrameRingQueue(0, 0) // cap floors to 32
	q.cap = 2
	q.buf = make([]frameEntry, 2)

	q.Push(time.Now(), []byte("a"))
	q.Push(time.Now(), []byte("b"))
	q.Push(time.Now(), []byte("c")) // evicts "a"

	if q.Len() != 2 {
		t.Fatalf("expected ring to stay at capacity 2, got %d", q.Len())
	}

	got := q.SnapshotLast(time.Hour)
	if len(got) != 2 || string(got[0].JPEG) != "b" || string(got[1].JPEG) != "c" {
		t.Fatalf("expected [b c] after eviction, got %v", got)
	}
}

func TestFrameRingQueueSnapshotLastFiltersByTime(t *testing.T) {
	q := NewFrameRingQueue(35, 15)

	q.Push(time.Now().Add(-time.Minute), []byte("stale"))
	q.Push(time.Now(), []byte("fresh"))

	got := q.SnapshotLast(5 * time.Second)
	if len(got) != 1 || string(got[0].JPEG) != "fresh" {
		t.Fatalf("expected only fresh frame in snapshot, got %v", got)
	}
}
