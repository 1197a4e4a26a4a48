package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
hub_id: hub-1
camera_id: cam-1
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.HubID != "hub-1" || cfg.CameraID != "cam-1" {
		t.Fatalf("identity fields not preserved: %+v", cfg)
	}
	if cfg.Camera.FrameW != 640 || cfg.Camera.FrameH != 360 {
		t.Errorf("expected default frame size 640x360, got %dx%d", cfg.Camera.FrameW, cfg.Camera.FrameH)
	}
	if cfg.Camera.TargetFPS != 15.0 {
		t.Errorf("expected default target_fps 15.0, got %v", cfg.Camera.TargetFPS)
	}
	if cfg.Event.OnFrames != 3 {
		t.Errorf("expected default event_on_frames 3, got %d", cfg.Event.OnFrames)
	}
	if cfg.Analysis.CompleteConfidenceThresh != 0.70 {
		t.Errorf("expected default complete_confidence_thresh 0.70, got %v", cfg.Analysis.CompleteConfidenceThresh)
	}
	if cfg.Analysis.LocalInferTimeout != 20*time.Second {
		t.Errorf("expected default local_infer_timeout 20s, got %v", cfg.Analysis.LocalInferTimeout)
	}
	if len(cfg.Analysis.CloudPlaceholderLabels) != 2 {
		t.Errorf("expected default placeholder labels [person car], got %v", cfg.Analysis.CloudPlaceholderLabels)
	}
}

func TestLoadNonExistent(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error when loading non-existent file")
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("camera:\n  frame_w: -1\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected validation error for negative frame_w")
	}
}

func TestRingKeepSeconds(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	got := cfg.RingKeepSeconds()
	want := cfg.Event.PrerollSeconds + cfg.Event.MaxEventSeconds + cfg.Event.PostrollSeconds + 15
	if got != want {
		t.Errorf("RingKeepSeconds() = %v, want %v", got, want)
	}
}

func TestWatchReloadsMotionThresholds(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("hub_id: hub-1\nmotion:\n  motion_area_min: 1200\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	reloaded := make(chan struct{}, 1)
	cfg.OnChange(func(*Config) { reloaded <- struct{}{} })

	if err := cfg.Watch(); err != nil {
		t.Fatalf("failed to watch config: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("hub_id: hub-1\nmotion:\n  motion_area_min: 4000\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	snap := cfg.Snapshot()
	if snap.Motion.AreaMin != 4000 {
		t.Errorf("expected reloaded motion_area_min 4000, got %d", snap.Motion.AreaMin)
	}
}
