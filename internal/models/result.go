package models

import "time"

// Result is the per-event inference record written as result.json,
// either by the local runner, or synthesized directly for RECORD_ONLY
// ("skipped") and RUN_CLOUD ("pending_cloud") events that never invoke
// the local runner at all.
type Result struct {
	Status     string         `json:"status"` // ok, skipped, pending_cloud, error
	ModelName  string         `json:"model_name"`
	ModelStage string         `json:"model_stage"`
	Labels     []string       `json:"labels"`
	Detections []Detection    `json:"detections"`
	Summary    DetectionTally `json:"summary"`
	LatencyMs  int            `json:"latency_ms"`
	Error      string         `json:"error,omitempty"`

	SchemaVersion int       `json:"schema_version"`
	EventID       string    `json:"event_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Detection is one object the local or cloud model reported.
type Detection struct {
	Label string  `json:"label"`
	Value float64 `json:"value"` // confidence, 0..1
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"w"`
	H     int     `json:"h"`
}

// MaxConfidence returns the highest detection confidence, or 0 if there
// are no detections.
func (r Result) MaxConfidence() float64 {
	max := 0.0
	for _, d := range r.Detections {
		if d.Value > max {
			max = d.Value
		}
	}
	return max
}

// IsComplete reports whether this result needs no further cloud
// escalation: COMPLETE means local confidence cleared completeThresh (or
// the event was RECORD_ONLY, which never needed inference to begin
// with). error/pending_cloud results are always incomplete.
func (r Result) IsComplete(completeThresh float64) bool {
	switch r.Status {
	case "error", "pending_cloud":
		return false
	case "skipped":
		return true
	}
	if len(r.Detections) == 0 {
		return true
	}
	return r.MaxConfidence() >= completeThresh
}

// CloudJob is the pointer file staged into cloud_pending/<id>/ for the
// (out of scope) uploader to pick up.
type CloudJob struct {
	EventID  string    `json:"event_id"`
	PkgDir   string    `json:"pkg_dir"`
	QueuedAt time.Time `json:"queued_at"`
	Reason   string    `json:"reason"`
}
