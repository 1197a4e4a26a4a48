package models

import "time"

// PackageSummary is the lightweight listing row served by GET /events,
// assembled either from the sqlite event index or, as a fallback, by
// scanning final/ and uploaded/ directly — both sources must agree on shape.
type PackageSummary struct {
	EventID     string    `json:"event_id"`
	Bucket      string    `json:"bucket"` // "final" or "uploaded"
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	RouteMode   string    `json:"route_mode"`
	RouteReason string    `json:"route_reason"`
	Complete    *bool     `json:"complete"`
	NeedsCloud  bool      `json:"needs_cloud"`
	HasResult   bool      `json:"has_result"`
	Done        bool      `json:"done"`
	ThreatScore int       `json:"threat_score"`
}

// LiveState is the JSON body served by GET /results.json: a snapshot of
// the capture loop's current view of the world, replaced as a whole by
// the loop as it runs.
type LiveState struct {
	Timestamp         time.Time       `json:"ts"`
	Motion            bool            `json:"motion"`
	MotionBoxes       []Box           `json:"motion_boxes"`
	MotionArea        int             `json:"motion_area"`
	EventState        string          `json:"event_state"`
	EventID           string          `json:"event_id,omitempty"`
	FPS               float64         `json:"fps"`
	Decision          string          `json:"decision"`
	DecisionReason    []string        `json:"decision_reason"`
	AnalyzingCount    int             `json:"analyzing_count"`
	CloudPendingCount int             `json:"cloud_pending_count"`
	LastResult        string          `json:"last_result,omitempty"`
	Quality           QualitySnapshot `json:"quality"`
	NetworkMs         float64         `json:"network_ms"`
	CPUPct            float64         `json:"cpu_pct"`
}

// Box mirrors motion.Box for JSON serialization without internal/motion
// becoming a dependency of internal/models' callers.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}
