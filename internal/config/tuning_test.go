package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmptyTuningConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if got := cfg.GetDuplicateWindowCapacity(); got != 1000 {
		t.Errorf("Expected duplicate window capacity 1000, got %d", got)
	}
	if got := cfg.GetOutOfOrderTolerance(); got != time.Second {
		t.Errorf("Expected out-of-order tolerance 1s, got %v", got)
	}
	if got := cfg.GetMinSegmentTime(); got != 500*time.Millisecond {
		t.Errorf("Expected min segment time 500ms, got %v", got)
	}
	if got := cfg.GetMaxSegmentTime(); got != 5*time.Minute {
		t.Errorf("Expected max segment time 5m, got %v", got)
	}
	if got := cfg.GetMaxPlausibleSpeed(); got != 100.0 {
		t.Errorf("Expected max plausible speed 100, got %v", got)
	}
	if got := cfg.GetHistoryCapacity(); got != 100 {
		t.Errorf("Expected history capacity 100, got %d", got)
	}
	if got := cfg.GetTrendMinCleanSamples(); got != 5 {
		t.Errorf("Expected trend min clean samples 5, got %d", got)
	}
	if got := cfg.GetPlaybackTick(); got != 100*time.Millisecond {
		t.Errorf("Expected playback tick 100ms, got %v", got)
	}
	if got := cfg.GetReplayQuantization(); got != 500*time.Millisecond {
		t.Errorf("Expected replay quantization 500ms, got %v", got)
	}
	if got := cfg.GetDemoSeed(); got != 1 {
		t.Errorf("Expected demo seed 1, got %d", got)
	}
	if got := cfg.GetUnits(); got != "mps" {
		t.Errorf("Expected units mps, got %q", got)
	}
}

func TestLoadTuningConfigPartial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	content := `{
		"duplicate_window_capacity": 500,
		"out_of_order_tolerance": "2s",
		"max_plausible_speed_mps": 120.5,
		"units": "mph"
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig failed: %v", err)
	}

	if got := cfg.GetDuplicateWindowCapacity(); got != 500 {
		t.Errorf("Expected duplicate window capacity 500, got %d", got)
	}
	if got := cfg.GetOutOfOrderTolerance(); got != 2*time.Second {
		t.Errorf("Expected out-of-order tolerance 2s, got %v", got)
	}
	if got := cfg.GetMaxPlausibleSpeed(); got != 120.5 {
		t.Errorf("Expected max plausible speed 120.5, got %v", got)
	}
	if got := cfg.GetUnits(); got != "mph" {
		t.Errorf("Expected units mph, got %q", got)
	}

	// Fields absent from the file keep their defaults.
	if got := cfg.GetMinSegmentTime(); got != 500*time.Millisecond {
		t.Errorf("Expected default min segment time, got %v", got)
	}
	if got := cfg.GetTrendMinCleanSamples(); got != 5 {
		t.Errorf("Expected default trend min clean samples, got %d", got)
	}
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(path, []byte("units: mph"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := LoadTuningConfig(path); err == nil {
		t.Error("Expected error for non-JSON extension, got nil")
	}
}

func TestLoadTuningConfigMissingFile(t *testing.T) {
	if _, err := LoadTuningConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestLoadTuningConfigBadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := LoadTuningConfig(path); err == nil {
		t.Error("Expected error for malformed JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	intPtr := func(v int) *int { return &v }
	int64Ptr := func(v int64) *int64 { return &v }
	floatPtr := func(v float64) *float64 { return &v }
	strPtr := func(v string) *string { return &v }

	tests := []struct {
		name    string
		cfg     TuningConfig
		wantErr bool
	}{
		{"empty config", TuningConfig{}, false},
		{"valid full config", TuningConfig{
			DuplicateWindowCapacity: intPtr(2000),
			OutOfOrderTolerance:     strPtr("1500ms"),
			MinSegmentTime:          strPtr("250ms"),
			MaxSegmentTime:          strPtr("10m"),
			MaxPlausibleSpeed:       floatPtr(110),
			HistoryCapacity:         intPtr(200),
			TrendMinCleanSamples:    intPtr(8),
			PlaybackTick:            strPtr("50ms"),
			ReplayQuantization:      strPtr("1s"),
			DemoSeed:                int64Ptr(42),
			Units:                   strPtr("kmph"),
		}, false},
		{"zero window capacity", TuningConfig{DuplicateWindowCapacity: intPtr(0)}, true},
		{"negative window capacity", TuningConfig{DuplicateWindowCapacity: intPtr(-1)}, true},
		{"bad tolerance duration", TuningConfig{OutOfOrderTolerance: strPtr("fast")}, true},
		{"bad min segment duration", TuningConfig{MinSegmentTime: strPtr("1 parsec")}, true},
		{"zero plausible speed", TuningConfig{MaxPlausibleSpeed: floatPtr(0)}, true},
		{"zero history capacity", TuningConfig{HistoryCapacity: intPtr(0)}, true},
		{"zero trend samples", TuningConfig{TrendMinCleanSamples: intPtr(0)}, true},
		{"unknown units", TuningConfig{Units: strPtr("furlongs")}, true},
		{"kph alias accepted", TuningConfig{Units: strPtr("kph")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}
