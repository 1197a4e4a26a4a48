// Package analysisq runs finalized events through local inference (or
// the RECORD_ONLY/RUN_CLOUD shortcuts the router already decided) and
// writes the outcome back into the package on disk. It mirrors the
// original edge node's analysis_worker: a single bounded queue drained
// by Run (cmd/edge-node starts one Run goroutine), with a hard guarantee that DONE is written
// even if everything else about the job fails, so the (out-of-scope)
// uploader never stalls waiting on a broken package.
package analysisq

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sentineledge/node/internal/models"
	"github.com/sentineledge/node/internal/pkgwriter"
	"github.com/sentineledge/node/internal/router"
)

// Job describes one finalized event package ready for analysis.
type Job struct {
	EventID      string
	MP4Path      string
	IncidentPath string
	ResultPath   string
	Decision     router.Decision
}

// CloudEnqueuer accepts incomplete jobs for cloud staging. Implemented
// by internal/cloudq; passed as an interface here so analysisq never
// imports cloudq directly.
type CloudEnqueuer interface {
	Enqueue(eventID, pkgDir string) bool
}

// Notifier publishes lifecycle events. Implemented by internal/bus.
type Notifier interface {
	Publish(subject string, v interface{})
}

// RunnerConfig configures the local inference subprocess invocation.
type RunnerConfig struct {
	Path                     string
	Frames                   int
	Threshold                float64
	Timeout                  time.Duration
	CompleteConfidenceThresh float64
	CloudPlaceholderLabels   []string
}

// Worker drains Jobs from a bounded queue and processes them.
type Worker struct {
	jobs     chan Job
	cloud    CloudEnqueuer
	notifier Notifier
	cfg      RunnerConfig
	logger   *slog.Logger

	onProcessed func(eventID string, complete bool)
}

// New creates a Worker with the given queue capacity.
func New(capacity int, cloud CloudEnqueuer, notifier Notifier, cfg RunnerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		jobs:     make(chan Job, capacity),
		cloud:    cloud,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "analysis_worker"),
	}
}

// OnProcessed registers a callback invoked after each job finishes,
// success or failure, used by the capture loop to update analyzing_count.
func (w *Worker) OnProcessed(fn func(eventID string, complete bool)) {
	w.onProcessed = fn
}

// Enqueue attempts to queue job without blocking. Returns false if the
// queue is full, mirroring the original's queue.Full handling: the
// caller is then responsible for writing DONE itself so the package
// isn't left stuck forever.
func (w *Worker) Enqueue(job Job) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

// QueueDepth reports how many jobs are currently queued.
func (w *Worker) QueueDepth() int { return len(w.jobs) }

// Run drains jobs until ctx is cancelled. Intended to be started as a
// worker-pool goroutine; call Run from multiple goroutines to process
// jobs concurrently.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	complete := true
	defer func() {
		// DONE is written no matter what happens above: a package must
		// never be left un-ingestable because analysis errored out.
		if err := pkgwriter.WriteMarker(filepath.Join(filepath.Dir(job.IncidentPath), "DONE")); err != nil {
			w.logger.Error("failed to write DONE marker", "event_id", job.EventID, "error", err)
		}
		if w.onProcessed != nil {
			w.onProcessed(job.EventID, complete)
		}
		if w.notifier != nil {
			w.notifier.Publish("package.done", map[string]string{"event_id": job.EventID})
		}
	}()

	result := w.runInference(ctx, job)
	complete = result.IsComplete(w.cfg.CompleteConfidenceThresh)

	if err := pkgwriter.WriteJSON(job.ResultPath, result); err != nil {
		w.logger.Error("failed to write result.json", "event_id", job.EventID, "error", err)
	}

	w.updateIncident(job, result, complete)

	if !complete {
		pkgDir := filepath.Dir(job.IncidentPath)
		if err := pkgwriter.WriteMarker(filepath.Join(pkgDir, "NEEDS_CLOUD")); err != nil {
			w.logger.Error("failed to write NEEDS_CLOUD marker", "event_id", job.EventID, "error", err)
		}
		if w.cloud != nil && !w.cloud.Enqueue(job.EventID, pkgDir) {
			w.logger.Warn("cloud queue full; package needs cloud but was not staged", "event_id", job.EventID)
		}
		if w.notifier != nil {
			w.notifier.Publish("package.needs_cloud", map[string]string{"event_id": job.EventID})
		}
	}

	w.logger.Info("analysis complete", "event_id", job.EventID, "decision", job.Decision, "complete", complete, "status", result.Status)
}

func (w *Worker) runInference(ctx context.Context, job Job) models.Result {
	now := time.Now().UTC()

	switch job.Decision {
	case router.RecordOnly:
		return models.Result{
			Status: "skipped", ModelName: "none", ModelStage: "none",
			Labels: []string{}, Detections: []models.Detection{},
			SchemaVersion: 1, EventID: job.EventID, CreatedAt: now,
		}

	case router.RunCloud:
		return models.Result{
			Status: "pending_cloud", ModelName: "cloud", ModelStage: "cloud_verify",
			Labels: w.cfg.CloudPlaceholderLabels, Detections: []models.Detection{},
			SchemaVersion: 1, EventID: job.EventID, CreatedAt: now,
		}

	default: // RunLocal
		return w.runLocalRunner(ctx, job)
	}
}

func (w *Worker) runLocalRunner(ctx context.Context, job Job) models.Result {
	now := time.Now().UTC()
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, w.cfg.Path,
		"--event_id", job.EventID,
		"--mp4", job.MP4Path,
		"--out", job.ResultPath,
		"--frames", strconv.Itoa(w.cfg.Frames),
		"--threshold", strconv.FormatFloat(w.cfg.Threshold, 'f', 2, 64),
	)

	output, err := cmd.CombinedOutput()
	latencyMs := int(time.Since(start).Milliseconds())

	if err != nil {
		return models.Result{
			Status: "error", ModelName: "edgeimpulse_fomo_local", ModelStage: "local_fast",
			Labels: []string{"person", "car"}, Detections: []models.Detection{},
			LatencyMs: latencyMs, Error: truncate(string(output), 800),
			SchemaVersion: 1, EventID: job.EventID, CreatedAt: now,
		}
	}

	var result models.Result
	if err := pkgwriter.ReadJSON(job.ResultPath, &result); err != nil {
		return models.Result{
			Status: "error", ModelName: "edgeimpulse_fomo_local", ModelStage: "local_fast",
			Labels: []string{"person", "car"}, Detections: []models.Detection{},
			LatencyMs: latencyMs, Error: "runner produced unreadable result: " + err.Error(),
			SchemaVersion: 1, EventID: job.EventID, CreatedAt: now,
		}
	}
	if result.LatencyMs == 0 {
		result.LatencyMs = latencyMs
	}
	return result
}

func (w *Worker) updateIncident(job Job, result models.Result, complete bool) {
	var inc models.Incident
	if err := pkgwriter.ReadJSON(job.IncidentPath, &inc); err != nil {
		w.logger.Warn("failed to read incident.json for update, skipping", "event_id", job.EventID, "error", err)
		return
	}

	inc.Analysis.Mode = result.ModelStage
	model := result.ModelName
	inc.Analysis.Model = &model
	inc.Analysis.Status = result.Status
	inc.Analysis.Summary = result.Summary
	inc.Analysis.LatencyMs = result.LatencyMs

	hasDetections := result.Summary.People > 0 || result.Summary.Cars > 0
	if hasDetections {
		inc.Scores.ConfidenceScore = 1.0
	} else {
		inc.Scores.ConfidenceScore = 0.0
	}

	completeCopy := complete
	inc.Routing.Complete = &completeCopy
	inc.Routing.CloudNeeded = !complete

	if err := pkgwriter.WriteJSON(job.IncidentPath, inc); err != nil {
		w.logger.Error("failed to update incident.json", "event_id", job.EventID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
