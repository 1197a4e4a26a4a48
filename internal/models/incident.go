// Package models defines the JSON wire structs written to and read from
// event packages on disk: incident.json (what tripped detection and how
// it was routed) and result.json (what inference, if any, found).
package models

import "time"

// Incident is the per-event record written as incident.json when an
// event finalizes. Fields mirror the original edge node's schema so
// downstream cloud ingestion keeps working unchanged.
type Incident struct {
	IncidentID   string    `json:"incident_id"`
	HubID        string    `json:"hub_id"`
	CameraID     string    `json:"camera_id"`
	PrimaryLabel string    `json:"primary_label"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	RouteMode    string    `json:"route_mode"`   // "LOCAL" or "CLOUD"
	RouteReason  string    `json:"route_reason"` // first reason tag, or "router"

	Scores   IncidentScores   `json:"scores"`
	Analysis IncidentAnalysis `json:"analysis"`
	Routing  IncidentRouting  `json:"routing"`
	Raw      IncidentRaw      `json:"raw"`

	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// IncidentScores summarizes the event numerically for quick triage
// without needing to read result.json.
type IncidentScores struct {
	ThreatScore          int     `json:"threat_score"`
	QualityScore         int     `json:"quality_score"`
	ConfidenceScore      float64 `json:"confidence_score"`
	ComputePressureScore *int    `json:"compute_pressure_score"` // nil if cpu was unavailable
	EscalationScore      int     `json:"escalation_score"`
}

// IncidentAnalysis is filled in first at event-finalize time (mode/status
// pending) and updated in place once the analysis worker runs.
type IncidentAnalysis struct {
	Mode       string         `json:"mode"` // "none", "local", "cloud" at finalize; the result's model stage after analysis
	Model      *string        `json:"model"`
	Status     string         `json:"status"` // "ok" or "pending" at finalize; the result's status after analysis
	ResultPath string         `json:"result_path"`
	Summary    DetectionTally `json:"summary"`
	LatencyMs  int            `json:"latency_ms"`
}

// IncidentRouting tracks whether analysis completed locally (no cloud
// escalation needed).
type IncidentRouting struct {
	Complete    *bool `json:"complete"` // nil until the analysis worker runs
	CloudNeeded bool  `json:"cloud_needed"`
}

// IncidentRaw carries the full router/motion evaluation that produced
// this event, for debugging and audit.
type IncidentRaw struct {
	Decision       string         `json:"decision"`
	DecisionReason []string       `json:"decision_reason"`
	Router         RouterSnapshot `json:"router"`
	Motion         MotionStats    `json:"motion"`
	Device         DeviceInfo     `json:"device"`
}

// DeviceInfo identifies the physical node that produced the incident.
type DeviceInfo struct {
	Name string `json:"name"`
}

// DetectionTally is the coarse people/cars summary carried in both
// incident.json and result.json.
type DetectionTally struct {
	People int `json:"people"`
	Cars   int `json:"cars"`
}

// RouterSnapshot is the routing evaluation recorded at event-start.
type RouterSnapshot struct {
	Quality        QualitySnapshot `json:"quality"`
	NetworkMs      float64         `json:"network_ms"` // -1 if unavailable
	CPUPct         float64         `json:"cpu_pct"`    // -1 if unavailable
	CloudHealthURL *string         `json:"cloud_health_url"`
}

// QualitySnapshot is the rolling-averaged brightness/sharpness at
// event-start.
type QualitySnapshot struct {
	Brightness float64 `json:"brightness"`
	BlurVar    float64 `json:"blur_var"`
}

// MotionStats summarizes the motion activity observed during an event.
type MotionStats struct {
	MaxArea      int `json:"max_area"`
	SumArea      int `json:"sum_area"`
	Samples      int `json:"samples"`
	BoxesPeak    int `json:"boxes_peak"`
	MotionFrames int `json:"motion_frames"`
	EventFrames  int `json:"event_frames"`
}
