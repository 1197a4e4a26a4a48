package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentineledge/node/internal/logging"
	"github.com/sentineledge/node/internal/models"
	"github.com/sentineledge/node/internal/pkgwriter"
)

type fakeLiveState struct{ state models.LiveState }

func (f fakeLiveState) LiveState() models.LiveState { return f.state }

type fakeFrames struct {
	jpg []byte
	ts  time.Time
	ok  bool
}

func (f fakeFrames) Latest() ([]byte, time.Time, bool) { return f.jpg, f.ts, f.ok }

type fakeIndex struct {
	list []models.PackageSummary
	err  error
}

func (f fakeIndex) List(ctx context.Context, limit int) ([]models.PackageSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.list) > limit {
		return f.list[:limit], nil
	}
	return f.list, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	recordDir := t.TempDir()
	cfg.RecordDir = recordDir
	if cfg.Live == nil {
		cfg.Live = fakeLiveState{}
	}
	if cfg.Frames == nil {
		cfg.Frames = fakeFrames{}
	}
	return New(cfg, testLogger()), recordDir
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if !body["ok"] {
		t.Error("expected ok=true")
	}
}

func TestHandleResults(t *testing.T) {
	want := models.LiveState{EventState: "IDLE", FPS: 12.5}
	s, _ := newTestServer(t, Config{Live: fakeLiveState{state: want}})

	req := httptest.NewRequest(http.MethodGet, "/results.json", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	var got models.LiveState
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if got.EventState != want.EventState || got.FPS != want.FPS {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestHandleFrameNoFrameAvailable(t *testing.T) {
	s, _ := newTestServer(t, Config{Frames: fakeFrames{ok: false}})
	req := httptest.NewRequest(http.MethodGet, "/frame.jpg", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleFrameReturnsJPEG(t *testing.T) {
	jpg := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	s, _ := newTestServer(t, Config{Frames: fakeFrames{jpg: jpg, ts: time.Now(), ok: true}})
	req := httptest.NewRequest(http.MethodGet, "/frame.jpg", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", rec.Header().Get("Cache-Control"))
	}
	if string(rec.Body.Bytes()) != string(jpg) {
		t.Error("body does not match the fake frame bytes")
	}
}

func TestHandleResultsDisablesCaching(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/results.json", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", rec.Header().Get("Cache-Control"))
	}
}

func TestLogsRecentNotRegisteredWithoutLogBuffer(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/logs/recent", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when no log buffer is configured", rec.Code)
	}
}

func TestHandleLogsRecent(t *testing.T) {
	buf := logging.NewRingBuffer(10)
	buf.Add(logging.LogEntry{Message: "first"})
	buf.Add(logging.LogEntry{Message: "second"})
	s, _ := newTestServer(t, Config{Logs: buf})

	req := httptest.NewRequest(http.MethodGet, "/logs/recent?n=1", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []logging.LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(got) != 1 || got[0].Message != "second" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}

func TestHandleListEventsUsesIndexWhenAvailable(t *testing.T) {
	idx := fakeIndex{list: []models.PackageSummary{
		{EventID: "evt-2", Bucket: "final"},
		{EventID: "evt-1", Bucket: "final"},
	}}
	s, _ := newTestServer(t, Config{Index: idx})

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	var got []models.PackageSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(got) != 2 || got[0].EventID != "evt-2" {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestHandleListEventsFallsBackToDiskScan(t *testing.T) {
	s, recordDir := newTestServer(t, Config{Index: fakeIndex{err: errTestIndexDown}})
	seedIncident(t, filepath.Join(recordDir, "final", "evt-a"), "evt-a")
	seedIncident(t, filepath.Join(recordDir, "uploaded", "evt-b"), "evt-b")

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	var got []models.PackageSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events from disk scan, got %d", len(got))
	}
}

func TestHandleListEventsRespectsLimitQueryParam(t *testing.T) {
	s, recordDir := newTestServer(t, Config{})
	seedIncident(t, filepath.Join(recordDir, "final", "evt-a"), "evt-a")
	seedIncident(t, filepath.Join(recordDir, "final", "evt-b"), "evt-b")

	req := httptest.NewRequest(http.MethodGet, "/events?limit=1", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	var got []models.PackageSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event with limit=1, got %d", len(got))
	}
}

func TestHandleGetIncidentNotFound(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/events/missing.json", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleGetIncidentFound(t *testing.T) {
	s, recordDir := newTestServer(t, Config{})
	seedIncident(t, filepath.Join(recordDir, "final", "evt-x"), "evt-x")

	req := httptest.NewRequest(http.MethodGet, "/events/evt-x.json", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var inc models.Incident
	if err := json.Unmarshal(rec.Body.Bytes(), &inc); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if inc.IncidentID != "evt-x" {
		t.Errorf("IncidentID = %q, want evt-x", inc.IncidentID)
	}
}

func TestHandleGetClipStreamsBytes(t *testing.T) {
	s, recordDir := newTestServer(t, Config{})
	pkgDir := filepath.Join(recordDir, "final", "evt-clip")
	seedIncident(t, pkgDir, "evt-clip")
	clipBytes := make([]byte, clipChunkSize+17)
	for i := range clipBytes {
		clipBytes[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "clip.mp4"), clipBytes, 0644); err != nil {
		t.Fatalf("failed to seed clip.mp4: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/events/evt-clip.mp4", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != len(clipBytes) {
		t.Errorf("streamed %d bytes, want %d", rec.Body.Len(), len(clipBytes))
	}
}

func TestHandleGetResultNotYetAvailable(t *testing.T) {
	s, recordDir := newTestServer(t, Config{})
	seedIncident(t, filepath.Join(recordDir, "final", "evt-y"), "evt-y")

	req := httptest.NewRequest(http.MethodGet, "/events/evt-y.result.json", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

var errTestIndexDown = &testIndexError{}

type testIndexError struct{}

func (e *testIndexError) Error() string { return "index unavailable" }

func seedIncident(t *testing.T, pkgDir, id string) {
	t.Helper()
	inc := models.Incident{
		IncidentID: id,
		CameraID:   "cam-1",
		StartedAt:  time.Now().UTC(),
		EndedAt:    time.Now().UTC(),
		RouteMode:  "LOCAL",
	}
	if err := pkgwriter.WriteJSON(filepath.Join(pkgDir, "incident.json"), inc); err != nil {
		t.Fatalf("failed to seed incident.json: %v", err)
	}
}
