package httpapi

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sentineledge/node/internal/models"
	"github.com/sentineledge/node/internal/pkgwriter"
)

const (
	defaultEventsLimit = 50
	minEventsLimit     = 1
	maxEventsLimit     = 200
)

var eventBuckets = []string{"final", "uploaded"}

func parseLimit(r *http.Request) int {
	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	if limit < minEventsLimit {
		limit = minEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	return limit
}

// handleListEvents always lists disk truth: it prefers the sqlite index
// for speed, but falls back to a live scan of final/ and uploaded/ when
// no index is configured or the index query fails, so an index that
// cannot be read never hides events that exist on disk.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)

	if s.index != nil {
		list, err := s.index.List(r.Context(), limit)
		if err == nil {
			writeJSON(w, http.StatusOK, list)
			return
		}
		s.logger.Warn("event index list failed, falling back to disk scan", "error", err)
	}

	list, err := s.scanEventsFromDisk(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) scanEventsFromDisk(ctx context.Context, limit int) ([]models.PackageSummary, error) {
	var out []models.PackageSummary
	for _, bucket := range eventBuckets {
		bucketDir := filepath.Join(s.recordDir, bucket)
		entries, err := os.ReadDir(bucketDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			pkgDir := filepath.Join(bucketDir, e.Name())
			incidentPath := filepath.Join(pkgDir, "incident.json")
			if !pkgwriter.Exists(incidentPath) {
				continue
			}
			var inc models.Incident
			if err := pkgwriter.ReadJSON(incidentPath, &inc); err != nil {
				s.logger.Warn("skipping unreadable incident during disk scan", "dir", e.Name(), "error", err)
				continue
			}
			out = append(out, summaryFromIncident(inc, pkgDir, bucket))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EventID > out[j].EventID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func summaryFromIncident(inc models.Incident, pkgDir, bucket string) models.PackageSummary {
	return models.PackageSummary{
		EventID:     inc.IncidentID,
		Bucket:      bucket,
		StartedAt:   inc.StartedAt,
		EndedAt:     inc.EndedAt,
		RouteMode:   inc.RouteMode,
		RouteReason: inc.RouteReason,
		Complete:    inc.Routing.Complete,
		NeedsCloud:  inc.Routing.CloudNeeded,
		HasResult:   pkgwriter.Exists(filepath.Join(pkgDir, "result.json")),
		Done:        pkgwriter.Exists(filepath.Join(pkgDir, "DONE")),
		ThreatScore: inc.Scores.ThreatScore,
	}
}

// resolvePackageDir finds which bucket holds id, since the HTTP surface
// doesn't know (and callers shouldn't need to know) whether an event has
// already been moved to uploaded/ by the uploader.
func (s *Server) resolvePackageDir(id string) (dir string, ok bool) {
	for _, bucket := range eventBuckets {
		candidate := filepath.Join(s.recordDir, bucket, id)
		if pkgwriter.Exists(filepath.Join(candidate, "incident.json")) {
			return candidate, true
		}
	}
	return "", false
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pkgDir, ok := s.resolvePackageDir(id)
	if !ok {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	var inc models.Incident
	if err := pkgwriter.ReadJSON(filepath.Join(pkgDir, "incident.json"), &inc); err != nil {
		http.Error(w, "failed to read incident", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pkgDir, ok := s.resolvePackageDir(id)
	if !ok {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	resultPath := filepath.Join(pkgDir, "result.json")
	if !pkgwriter.Exists(resultPath) {
		http.Error(w, "result not yet available", http.StatusNotFound)
		return
	}
	f, err := os.Open(resultPath)
	if err != nil {
		http.Error(w, "failed to read result", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, f); err != nil {
		s.logClientWriteError("events/result", err)
	}
}

// clipChunkSize matches the original node's chunked clip transfer: a
// plain sequential copy rather than full Range support, since finalized
// clips are only ever read start-to-finish by the dashboard player.
const clipChunkSize = 256 * 1024

func (s *Server) handleGetClip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pkgDir, ok := s.resolvePackageDir(id)
	if !ok {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	clipPath := filepath.Join(pkgDir, "clip.mp4")
	f, err := os.Open(clipPath)
	if err != nil {
		http.Error(w, "clip not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-store")

	buf := make([]byte, clipChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				s.logClientWriteError("events/clip", writeErr)
				return
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			s.logger.Warn("failed reading clip", "event_id", id, "error", readErr)
			return
		}
	}
}
