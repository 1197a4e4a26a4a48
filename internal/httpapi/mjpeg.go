package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
)

const mjpegBoundary = "frame"

// handleMJPEG streams the capture loop's latest annotated JPEG as a
// motion-JPEG multipart stream, polling FrameProvider at targetFPS rather
// than pushing every frame the capture loop produces — a slow client
// just sees the same frame re-sent until a newer one lands.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	fps := s.targetFPS
	if fps <= 0 {
		fps = 10
	}
	interval := time.Duration(float64(time.Second) / fps)

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mjpegBoundary))
	w.Header().Set("Cache-Control", "no-store, private")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastTS time.Time
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			jpg, ts, ok := s.frames.Latest()
			if !ok || ts.Equal(lastTS) {
				continue
			}
			lastTS = ts
			if err := writeMJPEGPart(w, jpg); err != nil {
				s.logClientWriteError("video.mjpg", err)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func writeMJPEGPart(w http.ResponseWriter, jpg []byte) error {
	var buf bytes.Buffer
	buf.WriteString("--" + mjpegBoundary + "\r\n")
	buf.WriteString("Content-Type: image/jpeg\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(jpg))
	buf.Write(jpg)
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}
