// Package ring implements the two rolling buffers the capture pipeline
// depends on: a disk-backed ring of finished MP4 segments (with pinning,
// so an in-flight event clip build can't have its source segments
// evicted out from under it) and an in-memory ring of recent
// JPEG-encoded preview frames.
package ring

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Segment is one finished, on-disk MP4 chunk.
type Segment struct {
	StartTime time.Time
	Path      string
}

// SegmentRingBuffer tracks segment files on disk and evicts the oldest
// ones once they fall outside keepDuration, unless pinned. A segment
// is pinned while an event clip build still needs it.
type SegmentRingBuffer struct {
	mu     sync.Mutex
	segs   []Segment // ordered oldest-first
	pinned map[string]struct{}
	keep   time.Duration
}

// NewSegmentRingBuffer creates a buffer that evicts segments older than
// keep, unless pinned.
func NewSegmentRingBuffer(keep time.Duration) *SegmentRingBuffer {
	return &SegmentRingBuffer{
		pinned: make(map[string]struct{}),
		keep:   keep,
	}
}

// Add records a newly finished segment and evicts anything now too old.
func (b *SegmentRingBuffer) Add(seg Segment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segs = append(b.segs, seg)
	b.evictLocked(time.Now())
}

// PinMany marks paths as not-to-be-deleted. Idempotent.
func (b *SegmentRingBuffer) PinMany(paths []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		b.pinned[abs(p)] = struct{}{}
	}
}

// UnpinMany releases previously pinned paths. Idempotent; unpinning an
// already-unpinned or unknown path is a no-op.
func (b *SegmentRingBuffer) UnpinMany(paths []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		delete(b.pinned, abs(p))
	}
	b.evictLocked(time.Now())
}

// evictLocked drops segments older than keep, oldest-first, skipping
// pinned ones. Pinned stale segments stay in place (keeping the slice
// oldest-first), so once unpinned they are dropped by a later pass; the
// scan stops at the first segment that is not yet stale.
func (b *SegmentRingBuffer) evictLocked(now time.Time) {
	cutoff := now.Add(-b.keep)
	kept := b.segs[:0]
	for i, s := range b.segs {
		if !s.StartTime.Before(cutoff) {
			kept = append(kept, b.segs[i:]...)
			break
		}
		if _, isPinned := b.pinned[abs(s.Path)]; isPinned {
			kept = append(kept, s)
			continue
		}
		_ = os.Remove(s.Path)
	}
	b.segs = kept
}

func (b *SegmentRingBuffer) allPinnedLocked() bool {
	for _, s := range b.segs {
		if _, isPinned := b.pinned[abs(s.Path)]; !isPinned {
			return false
		}
	}
	return true
}

// SnapshotLast returns the paths of segments whose start time is within
// the last `d`, oldest-first.
func (b *SegmentRingBuffer) SnapshotLast(d time.Duration) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-d)
	var out []string
	for _, s := range b.segs {
		if !s.StartTime.Before(cutoff) {
			out = append(out, s.Path)
		}
	}
	return out
}

func abs(p string) string {
	a, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return a
}
