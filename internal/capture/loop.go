package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sentineledge/node/internal/analysisq"
	"github.com/sentineledge/node/internal/config"
	"github.com/sentineledge/node/internal/fsm"
	"github.com/sentineledge/node/internal/models"
	"github.com/sentineledge/node/internal/motion"
	"github.com/sentineledge/node/internal/pkgwriter"
	"github.com/sentineledge/node/internal/ring"
	"github.com/sentineledge/node/internal/router"
	"github.com/sentineledge/node/internal/segwriter"
)

// historyLen is how many recent samples the router's rolling averages
// smooth over, matching the original's 10-frame signal history.
const historyLen = 10

// jpegQuality mirrors the original's cv2.IMWRITE_JPEG_QUALITY setting.
const jpegQuality = 80

// Notifier publishes lifecycle events onto the bus. Implemented by internal/bus.
type Notifier interface {
	Publish(subject string, v interface{})
}

// AnalysisEnqueuer hands a finalized package off for inference.
type AnalysisEnqueuer interface {
	Enqueue(job analysisq.Job) bool
}

// Loop owns the camera, the rolling buffers, and the event FSM, and runs
// the original edge node's per-frame capture_loop as a single goroutine.
// Every other subsystem (HTTP server, analysis workers) only ever reads
// from Loop's exported accessors or receives bus notifications; nothing
// calls back into Loop's internals.
type Loop struct {
	cfg    *config.Config
	cam    Camera
	logger *slog.Logger

	frameRing *ring.FrameRingQueue
	segRing   *ring.SegmentRingBuffer
	segWriter *segwriter.Writer
	detector  *motion.Detector
	fsm       *fsm.FSM

	bHist, blHist, cpuHist, netHist *router.RollingAverage
	cpuSampler                      *router.CPUSampler
	healthChecker                   *router.HealthChecker
	lastNetCheck                    time.Time
	netMs                           float64

	analysis     AnalysisEnqueuer
	bus          Notifier
	cloudPending func() int64

	finalDir string

	mu             sync.RWMutex
	live           models.LiveState
	analyzingCount int

	fpsCount   int
	fpsEpoch   time.Time
	currentFPS float64
}

// New assembles a Loop from its dependencies. cam must already be open.
func New(cfg *config.Config, cam Camera, segWriter *segwriter.Writer, analysis AnalysisEnqueuer, bus Notifier, logger *slog.Logger) *Loop {
	snap := cfg.Snapshot()

	return &Loop{
		cfg:    cfg,
		cam:    cam,
		logger: logger.With("component", "capture_loop"),

		frameRing: ring.NewFrameRingQueue(snap.Recording.FrameRingSeconds, snap.Camera.TargetFPS),
		segRing:   ring.NewSegmentRingBuffer(time.Duration(snap.RingKeepSeconds() * float64(time.Second))),
		segWriter: segWriter,
		detector:  motion.NewDetector(snap.Motion.AreaMin, uint8(snap.Motion.PixelThresh), snap.Motion.DilateIters),
		fsm:       fsm.New(),

		bHist:   router.NewRollingAverage(historyLen),
		blHist:  router.NewRollingAverage(historyLen),
		cpuHist: router.NewRollingAverage(historyLen),
		netHist: router.NewRollingAverage(historyLen),

		cpuSampler:    router.NewCPUSampler(),
		healthChecker: router.NewHealthChecker(600 * time.Millisecond),
		netMs:         -1,

		analysis: analysis,
		bus:      bus,
		finalDir: filepath.Join(snap.Storage.RecordDir, "final"),

		fpsEpoch: time.Now(),
	}
}

// LiveState returns a snapshot of the current live state for /results.json.
func (l *Loop) LiveState() models.LiveState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.live
}

// Latest returns the most recent JPEG frame for /frame.jpg and the MJPEG stream.
func (l *Loop) Latest() ([]byte, time.Time, bool) {
	return l.frameRing.Latest()
}

// FrameRing exposes the rolling JPEG window, e.g. for an MJPEG handler
// that wants to backfill a new viewer with recent frames.
func (l *Loop) FrameRing() *ring.FrameRingQueue { return l.frameRing }

// SetCloudPendingSource wires a callback used to populate
// LiveState.CloudPendingCount, typically cloudq.Stager.Pending.
func (l *Loop) SetCloudPendingSource(fn func() int64) { l.cloudPending = fn }

// Run drives the capture loop until ctx is cancelled or the camera's
// frame channel closes.
func (l *Loop) Run(ctx context.Context) error {
	// Per-event bookkeeping, kept as loop-locals rather than Loop fields:
	// this loop is the only goroutine that ever touches them, and keeping
	// them local mirrors the original's closure-scoped event state.
	var (
		eventID       string
		eventStart    time.Time
		eventPreroll  []string
		eventSegs     []string
		eventDecision router.Decision
		eventReasons  []string
		eventRouter   models.RouterSnapshot

		sMaxArea, sSumArea, sSamples, sBoxesPeak, sMotionFrames, sEventFrames int
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-l.cam.Frames():
			if !ok {
				return fmt.Errorf("camera frame stream closed")
			}
			snap := l.cfg.Snapshot()
			now := frame.Timestamp

			// 1. Segment writer: roll over every SegmentSeconds.
			closedPath, closedStart, err := l.segWriter.WriteFrame(frame.Image, now)
			if err != nil {
				l.logger.Warn("segment write failed", "error", err)
			}
			if closedPath != "" {
				l.segRing.Add(ring.Segment{StartTime: closedStart, Path: closedPath})
				if l.fsm.State() != fsm.Idle {
					eventSegs = append(eventSegs, closedPath)
					l.segRing.PinMany([]string{closedPath})
				}
			}

			// 2. Router signals: brightness/blur/cpu/net rolling averages.
			brightness := motion.Brightness(frame.Image)
			blurVar := motion.BlurVariance(frame.Image)
			cpuPct := l.cpuSampler.Sample()

			l.bHist.Push(brightness)
			l.blHist.Push(blurVar)
			if cpuPct >= 0 {
				l.cpuHist.Push(cpuPct)
			}

			cloudConfigured := snap.Router.CloudHealthURL != ""
			if cloudConfigured && now.Sub(l.lastNetCheck) > 2*time.Second {
				l.lastNetCheck = now
				l.netMs = l.healthChecker.Probe(ctx, snap.Router.CloudHealthURL)
			}
			if !cloudConfigured {
				l.netMs = -1
			}
			if l.netMs >= 0 {
				l.netHist.Push(l.netMs)
			}

			bAvg := l.bHist.Mean()
			blAvg := l.blHist.Mean()
			cpuAvg := meanOrUnavailable(l.cpuHist, cpuPct)
			netAvg := meanOrUnavailable(l.netHist, l.netMs)

			decision, reasons := router.Decide(bAvg, blAvg, cpuAvg, netAvg, cloudConfigured, router.Thresholds{
				BrightnessMin: snap.Router.BrightnessMin,
				BlurVarMin:    snap.Router.BlurVarMin,
				CPUHighPct:    snap.Router.CPUHighPct,
				NetSlowMs:     snap.Router.NetSlowMs,
			})

			// 3. Motion detection.
			result := l.detector.Detect(frame.Image)

			// 4. Event FSM.
			transition := l.fsm.Step(now, result.Motion, fsm.Config{
				OnFrames:        snap.Event.OnFrames,
				OffSeconds:      snap.Event.OffSeconds,
				PostrollSeconds: snap.Event.PostrollSeconds,
				MaxEventSeconds: snap.Event.MaxEventSeconds,
			})

			if transition == fsm.StartedEvent {
				eventID = fmt.Sprintf("%d", now.UnixMilli())
				eventStart = now
				eventPreroll = l.segRing.SnapshotLast(time.Duration(snap.Event.PrerollSeconds * float64(time.Second)))
				eventSegs = nil
				sMaxArea, sSumArea, sSamples, sBoxesPeak, sMotionFrames, sEventFrames = 0, 0, 0, 0, 0, 0

				eventDecision = decision
				eventReasons = append([]string(nil), reasons...)
				eventRouter = models.RouterSnapshot{
					Quality:   models.QualitySnapshot{Brightness: round3(bAvg), BlurVar: round1(blAvg)},
					NetworkMs: roundOrUnavailable(netAvg),
					CPUPct:    roundOrUnavailable(cpuAvg),
				}
				if cloudConfigured {
					url := snap.Router.CloudHealthURL
					eventRouter.CloudHealthURL = &url
				}

				l.segRing.PinMany(eventPreroll)
				l.logger.Info("event started", "event_id", eventID, "preroll_segs", len(eventPreroll), "decision", eventDecision)
				if l.bus != nil {
					l.bus.Publish("event.started", map[string]string{"event_id": eventID})
				}
			}

			// Accumulate motion stats for every frame the event is active,
			// including the frame that starts it (reset above, then
			// counted here the same tick) and the frame that hands off to
			// postroll (still "active" at this point in the sequence, one
			// tick before the FSM moves state); the frame that retriggers
			// out of postroll and the frame that finalizes are not
			// counted, matching the original's sequential active-state
			// checks rather than a single post-transition state read.
			if transition == fsm.StartedEvent || transition == fsm.EnteredPostroll ||
				(transition == fsm.NoTransition && l.fsm.State() == fsm.Active) {
				sEventFrames++
				sSamples++
				sSumArea += result.TotalArea
				if result.TotalArea > sMaxArea {
					sMaxArea = result.TotalArea
				}
				if len(result.Boxes) > sBoxesPeak {
					sBoxesPeak = len(result.Boxes)
				}
				if result.Motion {
					sMotionFrames++
				}
			}

			switch transition {
			case fsm.Retriggered:
				l.logger.Info("event retriggered", "event_id", eventID)

			case fsm.EnteredPostroll:
				l.logger.Info("event entering postroll", "event_id", eventID)

			case fsm.Finalized:
				l.finalizeEvent(ctx, snap, finalizeParams{
					eventID:      eventID,
					eventStart:   eventStart,
					eventEnd:     now,
					preroll:      eventPreroll,
					segs:         eventSegs,
					decision:     eventDecision,
					reasons:      eventReasons,
					routerSnap:   eventRouter,
					maxArea:      sMaxArea,
					sumArea:      sSumArea,
					samples:      sSamples,
					boxesPeak:    sBoxesPeak,
					motionFrames: sMotionFrames,
					eventFrames:  sEventFrames,
				})
				eventID, eventPreroll, eventSegs = "", nil, nil
			}

			// 5. Annotate frame + encode JPEG + push to the frame ring.
			annotated := motion.DrawBoxes(frame.Image, result.Boxes)
			overlay := fmt.Sprintf("motion=%d boxes=%d state=%s id=%s fps=%.1f %s",
				boolToInt(result.Motion), len(result.Boxes), l.fsm.State(), orDash(eventID), l.currentFPS, decision)
			motion.DrawLabel(annotated, 10, 24, overlay, motion.OverlayTextColor)

			jpg, err := encodeJPEG(annotated)
			if err != nil {
				l.logger.Warn("jpeg encode failed", "error", err)
			} else {
				l.frameRing.Push(now, jpg)
			}

			// FPS counter.
			l.fpsCount++
			if elapsed := now.Sub(l.fpsEpoch); elapsed >= 2*time.Second {
				l.currentFPS = float64(l.fpsCount) / elapsed.Seconds()
				l.fpsCount = 0
				l.fpsEpoch = now
			}

			// Live state patch.
			boxes := make([]models.Box, len(result.Boxes))
			for i, b := range result.Boxes {
				boxes[i] = models.Box{X: b.X, Y: b.Y, W: b.W, H: b.H}
			}
			cloudPendingCount := 0
			if l.cloudPending != nil {
				cloudPendingCount = int(l.cloudPending())
			}

			l.mu.Lock()
			l.live = models.LiveState{
				CloudPendingCount: cloudPendingCount,
				Timestamp:         now,
				Motion:            result.Motion,
				MotionBoxes:       boxes,
				MotionArea:        result.TotalArea,
				EventState:        l.fsm.State().String(),
				EventID:           eventID,
				FPS:               round1(l.currentFPS),
				Decision:          string(decision),
				DecisionReason:    reasons,
				AnalyzingCount:    l.analyzingCount,
				Quality:           models.QualitySnapshot{Brightness: round3(bAvg), BlurVar: round1(blAvg)},
				NetworkMs:         roundOrUnavailable(netAvg),
				CPUPct:            roundOrUnavailable(cpuAvg),
			}
			l.mu.Unlock()
		}
	}
}

// OnAnalysisProcessed should be wired to the analysis worker's
// OnProcessed hook so the live analyzing_count stays accurate.
func (l *Loop) OnAnalysisProcessed(eventID string, complete bool) {
	l.mu.Lock()
	if l.analyzingCount > 0 {
		l.analyzingCount--
	}
	l.mu.Unlock()
}

func (l *Loop) markAnalyzing() {
	l.mu.Lock()
	l.analyzingCount++
	l.mu.Unlock()
}

type finalizeParams struct {
	eventID      string
	eventStart   time.Time
	eventEnd     time.Time
	preroll      []string
	segs         []string
	decision     router.Decision
	reasons      []string
	routerSnap   models.RouterSnapshot
	maxArea      int
	sumArea      int
	samples      int
	boxesPeak    int
	motionFrames int
	eventFrames  int
}

func (l *Loop) finalizeEvent(ctx context.Context, snap config.Config, p finalizeParams) {
	// Close whatever segment is still open so it's included in the clip,
	// then grab the postroll tail before unpinning anything.
	if closedPath, closedStart, err := l.segWriter.Close(); err == nil && closedPath != "" {
		l.segRing.Add(ring.Segment{StartTime: closedStart, Path: closedPath})
		p.segs = append(p.segs, closedPath)
	}

	postrollSegs := l.segRing.SnapshotLast(time.Duration((snap.Event.PostrollSeconds + 1) * float64(time.Second)))
	l.segRing.PinMany(postrollSegs)

	allSegs := append(append(append([]string{}, p.preroll...), p.segs...), postrollSegs...)
	pkgDir := filepath.Join(l.finalDir, p.eventID)

	defer func() {
		l.segRing.UnpinMany(p.preroll)
		l.segRing.UnpinMany(p.segs)
		l.segRing.UnpinMany(postrollSegs)
	}()

	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		l.logger.Error("failed to create package directory", "event_id", p.eventID, "error", err)
		return
	}

	outMP4 := filepath.Join(pkgDir, "clip.mp4")
	outIncident := filepath.Join(pkgDir, "incident.json")
	outResult := filepath.Join(pkgDir, "result.json")

	okConcat := pkgwriter.ConcatMP4(outMP4, allSegs, l.logger)
	if !okConcat {
		l.logger.Error("concat failed", "event_id", p.eventID, "segs", len(allSegs))
		_ = os.RemoveAll(pkgDir)
		return
	}
	pkgwriter.MakeBrowserReady(outMP4, l.logger)

	avgArea := 0.0
	if p.samples > 0 {
		avgArea = float64(p.sumArea) / float64(p.samples)
	}

	inc := makeIncident(snap, p, avgArea)
	if err := pkgwriter.WriteJSON(outIncident, inc); err != nil {
		l.logger.Error("failed to write incident.json", "event_id", p.eventID, "error", err)
		return
	}

	l.logger.Info("package finalized", "pkg_dir", pkgDir, "segs", len(allSegs))
	if l.bus != nil {
		l.bus.Publish("event.finalized", map[string]string{"event_id": p.eventID})
	}

	l.markAnalyzing()
	job := analysisq.Job{
		EventID:      p.eventID,
		MP4Path:      outMP4,
		IncidentPath: outIncident,
		ResultPath:   outResult,
		Decision:     p.decision,
	}
	if l.analysis == nil || !l.analysis.Enqueue(job) {
		l.logger.Warn("analysis queue full, writing DONE without inference", "event_id", p.eventID)
		l.OnAnalysisProcessed(p.eventID, false)
		if err := pkgwriter.WriteMarker(filepath.Join(pkgDir, "DONE")); err != nil {
			l.logger.Error("failed to write DONE marker", "event_id", p.eventID, "error", err)
		}
	}
}

func makeIncident(snap config.Config, p finalizeParams, avgArea float64) models.Incident {
	routeMode := "LOCAL"
	if p.decision == router.RunCloud {
		routeMode = "CLOUD"
	}
	routeReason := "router"
	if len(p.reasons) > 0 {
		routeReason = p.reasons[0]
	}

	threatScore := clampInt(p.maxArea/80, 0, 100)
	qualityScore := clampInt(int(p.routerSnap.Quality.Brightness*100), 0, 100)

	analysisMode := "local"
	analysisStatus := "pending"
	switch p.decision {
	case router.RecordOnly:
		analysisMode = "none"
		analysisStatus = "ok"
	case router.RunCloud:
		analysisMode = "cloud"
	}

	var cpuPressure *int
	if p.routerSnap.CPUPct >= 0 {
		v := int(p.routerSnap.CPUPct)
		cpuPressure = &v
	}

	return models.Incident{
		IncidentID:   p.eventID,
		HubID:        snap.HubID,
		CameraID:     snap.CameraID,
		PrimaryLabel: "motion_detected",
		StartedAt:    p.eventStart,
		EndedAt:      p.eventEnd,
		RouteMode:    routeMode,
		RouteReason:  routeReason,
		Scores: models.IncidentScores{
			ThreatScore:          threatScore,
			QualityScore:         qualityScore,
			ConfidenceScore:      0.0,
			ComputePressureScore: cpuPressure,
			EscalationScore:      0,
		},
		Analysis: models.IncidentAnalysis{
			Mode:       analysisMode,
			Status:     analysisStatus,
			ResultPath: "result.json",
			Summary:    models.DetectionTally{},
		},
		Routing: models.IncidentRouting{
			CloudNeeded: p.decision == router.RunCloud,
		},
		Raw: models.IncidentRaw{
			Decision:       string(p.decision),
			DecisionReason: p.reasons,
			Router:         p.routerSnap,
			Motion: models.MotionStats{
				MaxArea:      p.maxArea,
				SumArea:      p.sumArea,
				Samples:      p.samples,
				BoxesPeak:    p.boxesPeak,
				MotionFrames: p.motionFrames,
				EventFrames:  p.eventFrames,
			},
			Device: models.DeviceInfo{Name: snap.DeviceName},
		},
		SchemaVersion: 1,
		CreatedAt:     time.Now().UTC(),
	}
}

func meanOrUnavailable(h *router.RollingAverage, latest float64) float64 {
	if latest < 0 {
		return -1
	}
	return h.Mean()
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round1(v float64) float64 { return math.Round(v*10) / 10 }

func roundOrUnavailable(v float64) float64 {
	if v < 0 {
		return -1
	}
	return round1(v)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
