// Package config provides configuration management for the edge surveillance node.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the edge node. Camera geometry and
// FPS are fixed at process start; motion/router thresholds and a few
// analysis settings are live-reloaded via Watch (see reload).
type Config struct {
	HubID      string `yaml:"hub_id" json:"hub_id"`
	CameraID   string `yaml:"camera_id" json:"camera_id"`
	DeviceName string `yaml:"device_name" json:"device_name"`

	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Motion    MotionConfig    `yaml:"motion" json:"motion"`
	Event     EventConfig     `yaml:"event" json:"event"`
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Router    RouterConfig    `yaml:"router" json:"router"`
	Analysis  AnalysisConfig  `yaml:"analysis" json:"analysis"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Bus       BusConfig       `yaml:"bus" json:"bus"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// CameraConfig selects and sizes the capture source. Fixed at start.
type CameraConfig struct {
	Index     int     `yaml:"cam_index" json:"cam_index"`
	Device    string  `yaml:"video_device" json:"video_device"`
	FrameW    int     `yaml:"frame_w" json:"frame_w"`
	FrameH    int     `yaml:"frame_h" json:"frame_h"`
	TargetFPS float64 `yaml:"target_fps" json:"target_fps"`
	RecordFPS float64 `yaml:"record_fps" json:"record_fps"`
	FourCC    string  `yaml:"record_fourcc" json:"record_fourcc"`
}

// MotionConfig tunes the foreground detector. Live-reloadable.
type MotionConfig struct {
	AreaMin     int `yaml:"motion_area_min" json:"motion_area_min"`
	PixelThresh int `yaml:"motion_pixel_thresh" json:"motion_pixel_thresh"`
	DilateIters int `yaml:"motion_dilate_iters" json:"motion_dilate_iters"`
}

// EventConfig tunes the event FSM. Fixed at start; reload does not swap it.
type EventConfig struct {
	OnFrames        int     `yaml:"event_on_frames" json:"event_on_frames"`
	OffSeconds      float64 `yaml:"event_off_seconds" json:"event_off_seconds"`
	PrerollSeconds  float64 `yaml:"preroll_seconds" json:"preroll_seconds"`
	PostrollSeconds float64 `yaml:"postroll_seconds" json:"postroll_seconds"`
	MaxEventSeconds float64 `yaml:"max_event_seconds" json:"max_event_seconds"`
}

// RecordingConfig controls segment rollover and ring retention.
type RecordingConfig struct {
	SegmentSeconds   float64 `yaml:"segment_seconds" json:"segment_seconds"`
	FrameRingSeconds float64 `yaml:"frame_ring_seconds" json:"frame_ring_seconds"`
}

// RouterConfig tunes the routing decision gates. Live-reloadable.
type RouterConfig struct {
	BrightnessMin  float64 `yaml:"brightness_min" json:"brightness_min"`
	BlurVarMin     float64 `yaml:"blur_var_min" json:"blur_var_min"`
	CPUHighPct     float64 `yaml:"cpu_high_pct" json:"cpu_high_pct"`
	NetSlowMs      float64 `yaml:"net_slow_ms" json:"net_slow_ms"`
	CloudHealthURL string  `yaml:"cloud_health_url" json:"cloud_health_url"`
}

// AnalysisConfig tunes local/cloud inference handoff.
type AnalysisConfig struct {
	CompleteConfidenceThresh float64       `yaml:"complete_confidence_thresh" json:"complete_confidence_thresh"`
	LocalInferFrames         int           `yaml:"local_infer_frames" json:"local_infer_frames"`
	LocalInferThresh         float64       `yaml:"local_infer_thresh" json:"local_infer_thresh"`
	LocalInferTimeout        time.Duration `yaml:"local_infer_timeout" json:"local_infer_timeout"`
	RunnerPath               string        `yaml:"runner_path" json:"runner_path"`
	QueueCapacity            int           `yaml:"analysis_queue_capacity" json:"analysis_queue_capacity"`
	CloudQueueCapacity       int           `yaml:"cloud_queue_capacity" json:"cloud_queue_capacity"`
	CloudPlaceholderLabels   []string      `yaml:"cloud_placeholder_labels" json:"cloud_placeholder_labels"`
}

// StorageConfig locates on-disk package trees.
type StorageConfig struct {
	RecordDir    string `yaml:"record_dir" json:"record_dir"`
	EventIndexDB string `yaml:"event_index_db" json:"event_index_db"`
}

// BusConfig locates the embedded lifecycle event bus.
type BusConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Load reads and validates a YAML config file, applying defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.HubID == "" {
		c.HubID = "HUB_UUID_MISSING"
	}
	if c.CameraID == "" {
		c.CameraID = "CAM_UUID_MISSING"
	}
	if c.DeviceName == "" {
		c.DeviceName = "edge-node"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8081
	}

	if c.Camera.FrameW == 0 {
		c.Camera.FrameW = 640
	}
	if c.Camera.FrameH == 0 {
		c.Camera.FrameH = 360
	}
	if c.Camera.TargetFPS == 0 {
		c.Camera.TargetFPS = 15.0
	}
	if c.Camera.RecordFPS == 0 {
		c.Camera.RecordFPS = c.Camera.TargetFPS
	}
	if c.Camera.FourCC == "" {
		c.Camera.FourCC = "mp4v"
	}
	if c.Camera.Device == "" {
		c.Camera.Device = fmt.Sprintf("%d", c.Camera.Index)
	}

	if c.Motion.AreaMin == 0 {
		c.Motion.AreaMin = 1200
	}
	if c.Motion.PixelThresh == 0 {
		c.Motion.PixelThresh = 25
	}
	if c.Motion.DilateIters == 0 {
		c.Motion.DilateIters = 2
	}

	if c.Event.OnFrames == 0 {
		c.Event.OnFrames = 3
	}
	if c.Event.OffSeconds == 0 {
		c.Event.OffSeconds = 2.0
	}
	if c.Event.PrerollSeconds == 0 {
		c.Event.PrerollSeconds = 30.0
	}
	if c.Event.PostrollSeconds == 0 {
		c.Event.PostrollSeconds = 3.0
	}
	if c.Event.MaxEventSeconds == 0 {
		c.Event.MaxEventSeconds = 300.0
	}

	if c.Recording.SegmentSeconds == 0 {
		c.Recording.SegmentSeconds = 1.0
	}
	if c.Recording.FrameRingSeconds == 0 {
		c.Recording.FrameRingSeconds = 35.0
	}

	if c.Router.BrightnessMin == 0 {
		c.Router.BrightnessMin = 0.20
	}
	if c.Router.BlurVarMin == 0 {
		c.Router.BlurVarMin = 60.0
	}
	if c.Router.CPUHighPct == 0 {
		c.Router.CPUHighPct = 85.0
	}
	if c.Router.NetSlowMs == 0 {
		c.Router.NetSlowMs = 250.0
	}
	if v := os.Getenv("CLOUD_HEALTH_URL"); v != "" {
		c.Router.CloudHealthURL = v
	}

	if c.Analysis.CompleteConfidenceThresh == 0 {
		c.Analysis.CompleteConfidenceThresh = 0.70
	}
	if c.Analysis.LocalInferFrames == 0 {
		c.Analysis.LocalInferFrames = 5
	}
	if c.Analysis.LocalInferThresh == 0 {
		c.Analysis.LocalInferThresh = 0.50
	}
	if c.Analysis.LocalInferTimeout == 0 {
		c.Analysis.LocalInferTimeout = 20 * time.Second
	}
	if c.Analysis.RunnerPath == "" {
		c.Analysis.RunnerPath = "runner"
	}
	if c.Analysis.QueueCapacity == 0 {
		c.Analysis.QueueCapacity = 64
	}
	if c.Analysis.CloudQueueCapacity == 0 {
		c.Analysis.CloudQueueCapacity = 64
	}
	if len(c.Analysis.CloudPlaceholderLabels) == 0 {
		c.Analysis.CloudPlaceholderLabels = []string{"person", "car"}
	}

	if c.Storage.RecordDir == "" {
		c.Storage.RecordDir = "./events"
	}
	if c.Storage.EventIndexDB == "" {
		c.Storage.EventIndexDB = filepath.Join(c.Storage.RecordDir, "eventindex.db")
	}

	if c.Bus.Host == "" {
		c.Bus.Host = "127.0.0.1"
	}
	if c.Bus.Port == 0 {
		c.Bus.Port = 14222
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Camera.FrameW <= 0 || c.Camera.FrameH <= 0 {
		return fmt.Errorf("camera.frame_w/frame_h must be positive")
	}
	if c.Camera.TargetFPS <= 0 {
		return fmt.Errorf("camera.target_fps must be positive")
	}
	if c.Recording.SegmentSeconds <= 0 {
		return fmt.Errorf("recording.segment_seconds must be positive")
	}
	if c.Event.OnFrames <= 0 {
		return fmt.Errorf("event.event_on_frames must be positive")
	}
	return nil
}

// RingKeepSeconds is the retention window SegmentRingBuffer must cover:
// enough to span pre-roll, the max event length, and post-roll, plus slack.
func (c *Config) RingKeepSeconds() float64 {
	return c.Event.PrerollSeconds + c.Event.MaxEventSeconds + c.Event.PostrollSeconds + 15
}

// Snapshot returns a copy safe to read without holding the config lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	return cp
}

// OnChange registers a callback invoked after every successful reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Watch starts watching the config file's directory for changes (watching
// the directory, not the file, survives editors that save via
// write-temp-then-rename).
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	base := filepath.Base(c.path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond)
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(dir)
}

// reload re-reads the config file and swaps in only Motion, Router and
// the analysis thresholds/placeholder labels. Camera, event, recording
// and storage settings stay fixed for the life of the process, since
// CaptureLoop already holds buffer sizes derived from them.
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Motion = newCfg.Motion
	c.Router = newCfg.Router
	c.Analysis.CompleteConfidenceThresh = newCfg.Analysis.CompleteConfidenceThresh
	c.Analysis.LocalInferFrames = newCfg.Analysis.LocalInferFrames
	c.Analysis.LocalInferThresh = newCfg.Analysis.LocalInferThresh
	c.Analysis.CloudPlaceholderLabels = newCfg.Analysis.CloudPlaceholderLabels
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded", "path", c.path)
	for _, fn := range watchers {
		fn(c)
	}
}

// Path returns the file path this config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}
