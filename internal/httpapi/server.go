// Package httpapi serves the node's HTTP surface: live MJPEG preview,
// the current live-state snapshot, and finalized-event listing/retrieval.
// Every handler is read-only with respect to the capture loop's shared
// state; nothing here ever blocks the capture goroutine. Mirrors the
// teacher's chi Routes()-per-handler-group convention and CORS/middleware
// stack, generalized from a segment-catalog API to this node's
// live-state + finalized-package surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sentineledge/node/internal/logging"
	"github.com/sentineledge/node/internal/metrics"
	"github.com/sentineledge/node/internal/models"
)

// LiveStateProvider exposes the capture loop's current live-state
// snapshot. Implemented by *capture.Loop.
type LiveStateProvider interface {
	LiveState() models.LiveState
}

// FrameProvider exposes the most recent encoded preview frame.
// Implemented by *capture.Loop.
type FrameProvider interface {
	Latest() ([]byte, time.Time, bool)
}

// EventIndex exposes the sqlite-backed event listing. Implemented by
// *eventindex.Index; may be nil, in which case /events falls back to a
// live directory scan.
type EventIndex interface {
	List(ctx context.Context, limit int) ([]models.PackageSummary, error)
}

// Subscriber lets the websocket feed attach to bus lifecycle
// notifications without importing internal/bus directly. Implemented by
// *bus.Bus.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// LogBuffer exposes the node's recent in-memory log ring for the
// /logs/recent operator endpoint. Implemented by *logging.RingBuffer.
type LogBuffer interface {
	GetRecent(n int) []logging.LogEntry
}

// Server bundles everything the HTTP surface needs to answer requests.
type Server struct {
	live      LiveStateProvider
	frames    FrameProvider
	index     EventIndex
	logs      LogBuffer
	recordDir string
	targetFPS float64
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cors      []string

	hub *hub
}

// Config configures a new Server.
type Config struct {
	Live       LiveStateProvider
	Frames     FrameProvider
	Index      EventIndex // may be nil
	Logs       LogBuffer  // may be nil; enables /logs/recent
	RecordDir  string
	TargetFPS  float64
	Metrics    *metrics.Metrics // may be nil
	Bus        Subscriber       // may be nil; feeds /ws/events (the route is registered either way)
	CORSOrigin []string         // allowed origins, e.g. http://localhost:5173
}

// New builds a Server from cfg.
func New(cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		live:      cfg.Live,
		frames:    cfg.Frames,
		index:     cfg.Index,
		logs:      cfg.Logs,
		recordDir: cfg.RecordDir,
		targetFPS: cfg.TargetFPS,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "httpapi"),
		cors:      cfg.CORSOrigin,
		hub:       newHub(logger),
	}
	if cfg.Bus != nil {
		s.attachBus(cfg.Bus)
	}
	return s
}

// Routes builds the chi router for this server.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	corsOrigins := s.cors
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/results.json", s.handleResults)
	r.Get("/video.mjpg", s.handleMJPEG)
	r.Get("/frame.jpg", s.handleFrame)

	r.Get("/events", s.handleListEvents)
	r.Get("/events/{id}.json", s.handleGetIncident)
	r.Get("/events/{id}.result.json", s.handleGetResult)
	r.Get("/events/{id}.mp4", s.handleGetClip)

	r.Get("/ws/events", s.hub.handleWebSocket)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.logs != nil {
		r.Get("/logs/recent", s.handleLogsRecent)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.live.LiveState())
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	jpg, _, ok := s.frames.Latest()
	if !ok {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(jpg); err != nil {
		s.logClientWriteError("frame.jpg", err)
	}
}

const (
	defaultLogsLimit = 200
	minLogsLimit     = 1
	maxLogsLimit     = 1000
)

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	n := defaultLogsLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			n = v
		}
	}
	if n < minLogsLimit {
		n = minLogsLimit
	}
	if n > maxLogsLimit {
		n = maxLogsLimit
	}
	writeJSON(w, http.StatusOK, s.logs.GetRecent(n))
}

// writeJSON always disables caching: every JSON surface here reflects
// either a live in-memory snapshot or a just-finalized package, never a
// response safe for a client or intermediary to reuse.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isClientGone reports whether err is the kind of write failure expected
// when a client disconnects mid-response (broken pipe, connection reset,
// already-closed connection) — these are normal traffic, not server bugs.
func isClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}

func (s *Server) logClientWriteError(route string, err error) {
	if isClientGone(err) {
		s.logger.Debug("client disconnected mid-response", "route", route)
		return
	}
	s.logger.Warn("response write failed", "route", route, "error", err)
}
