package ring

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create test segment file: %v", err)
	}
	return p
}

func TestSegmentRingBufferEvictsOld(t *testing.T) {
	dir := t.TempDir()
	rb := NewSegmentRingBuffer(100 * time.Millisecond)

	oldPath := touch(t, dir, "old.mp4")
	rb.Add(Segment{StartTime: time.Now().Add(-time.Second), Path: oldPath})

	newPath := touch(t, dir, "new.mp4")
	rb.Add(Segment{StartTime: time.Now(), Path: newPath})

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("expected old segment to be evicted from disk, stat err=%v", err)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("expected new segment to remain on disk: %v", err)
	}
}

func TestSegmentRingBufferRespectsPinning(t *testing.T) {
	dir := t.TempDir()
	rb := NewSegmentRingBuffer(10 * time.Millisecond)

	pinnedPath := touch(t, dir, "pinned.mp4")
	rb.PinMany([]string{pinnedPath})
	rb.Add(Segment{StartTime: time.Now().Add(-time.Second), Path: pinnedPath})

	time.Sleep(20 * time.Millisecond)
	rb.Add(Segment{StartTime: time.Now(), Path: touch(t, dir, "another.mp4")})

	if _, err := os.Stat(pinnedPath); err != nil {
		t.Errorf("expected pinned segment to survive eviction: %v", err)
	}

	rb.UnpinMany([]string{pinnedPath})
	if _, err := os.Stat(pinnedPath); !os.IsNotExist(err) {
		t.Errorf("expected unpinned stale segment to be evicted, stat err=%v", err)
	}
}

func TestSegmentRingBufferSnapshotLast(t *testing.T) {
	dir := t.TempDir()
	rb := NewSegmentRingBuffer(time.Hour)

	p1 := touch(t, dir, "a.mp4")
	p2 := touch(t, dir, "b.mp4")
	rb.Add(Segment{StartTime: time.Now().Add(-5 * time.Second), Path: p1})
	rb.Add(Segment{StartTime: time.Now(), Path: p2})

	got := rb.SnapshotLast(2 * time.Second)
	if len(got) != 1 || got[0] != p2 {
		t.Fatalf("expected only recent segment in snapshot, got %v", got)
	}
}
