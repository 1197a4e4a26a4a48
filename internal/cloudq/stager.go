// Package cloudq stages packages that local inference could not complete
// into a cloud_pending directory, where an out-of-scope uploader picks
// them up. It mirrors the original edge node's cloud_worker: a bounded
// queue, an idempotent cloud_job.json pointer keyed by event id, and an
// observable pending count surfaced on the live state endpoint.
package cloudq

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sentineledge/node/internal/models"
	"github.com/sentineledge/node/internal/pkgwriter"
)

// Job is a package awaiting cloud staging.
type Job struct {
	EventID string
	PkgDir  string
}

// Stager drains a bounded queue of Jobs and writes cloud_job.json
// pointers into cloudDir/<event_id>/.
type Stager struct {
	jobs     chan Job
	cloudDir string
	pending  atomic.Int64
	logger   *slog.Logger
}

// New creates a Stager writing pointer files under cloudDir, with a
// queue of the given capacity.
func New(cloudDir string, capacity int, logger *slog.Logger) *Stager {
	return &Stager{
		jobs:     make(chan Job, capacity),
		cloudDir: cloudDir,
		logger:   logger.With("component", "cloud_stager"),
	}
}

// Enqueue attempts to queue job without blocking, matching analysisq.CloudEnqueuer.
func (s *Stager) Enqueue(eventID, pkgDir string) bool {
	select {
	case s.jobs <- Job{EventID: eventID, PkgDir: pkgDir}:
		return true
	default:
		return false
	}
}

// Pending reports the number of events currently staged for cloud
// upload but not yet claimed by the uploader.
func (s *Stager) Pending() int64 { return s.pending.Load() }

// QueueDepth reports how many jobs are waiting to be staged.
func (s *Stager) QueueDepth() int { return len(s.jobs) }

// Run drains jobs until stop is closed.
func (s *Stager) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case job := <-s.jobs:
			s.stage(job)
		}
	}
}

func (s *Stager) stage(job Job) {
	dir := filepath.Join(s.cloudDir, job.EventID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Error("failed to create cloud_pending dir", "event_id", job.EventID, "error", err)
		return
	}

	pointerPath := filepath.Join(dir, "cloud_job.json")
	// Idempotent: re-staging the same event overwrites the same pointer
	// file rather than creating a duplicate, so a retried analysis job
	// for an already-staged event is harmless.
	cj := models.CloudJob{
		EventID:  job.EventID,
		PkgDir:   job.PkgDir,
		QueuedAt: time.Now().UTC(),
		Reason:   "local_incomplete",
	}
	alreadyStaged := pkgwriter.Exists(pointerPath)

	if err := pkgwriter.WriteJSON(pointerPath, cj); err != nil {
		s.logger.Error("failed to stage cloud job", "event_id", job.EventID, "error", err)
		return
	}

	if !alreadyStaged {
		s.pending.Add(1)
	}
	s.logger.Info("staged for cloud", "event_id", job.EventID, "pending", s.pending.Load())
}

// MarkClaimed decrements the pending count when the uploader removes a
// staged job, keeping Pending() accurate. The uploader itself is out of
// scope; this hook exists for whatever process eventually reaps cloud_pending/.
func (s *Stager) MarkClaimed() {
	if s.pending.Load() > 0 {
		s.pending.Add(-1)
	}
}
