// Package config holds the tunable parameters of the telemetry core.
//
// Every field is optional: a partial JSON file is safe, and the Get*
// accessors supply defaults for anything unset. The out-of-order
// tolerance and duplicate window capacity carried over from the original
// relay protocol had no stated derivation, so they live here as tunables
// rather than load-bearing constants.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig is the root tuning document. The schema matches the
// /api/config endpoint so the same JSON works for startup configuration
// and runtime inspection.
type TuningConfig struct {
	// Parity params
	DuplicateWindowCapacity *int    `json:"duplicate_window_capacity,omitempty"`
	OutOfOrderTolerance     *string `json:"out_of_order_tolerance,omitempty"` // duration string like "1s"

	// Segment speed params
	MinSegmentTime    *string  `json:"min_segment_time,omitempty"` // duration string like "500ms"
	MaxSegmentTime    *string  `json:"max_segment_time,omitempty"` // duration string like "5m"
	MaxPlausibleSpeed *float64 `json:"max_plausible_speed_mps,omitempty"`
	HistoryCapacity   *int     `json:"result_history_capacity,omitempty"`

	// Trend params
	TrendMinCleanSamples *int `json:"trend_min_clean_samples,omitempty"`

	// Playback params
	PlaybackTick       *string `json:"playback_tick,omitempty"`       // duration string like "100ms"
	ReplayQuantization *string `json:"replay_quantization,omitempty"` // duration string like "500ms"
	DemoSeed           *int64  `json:"demo_seed,omitempty"`

	// Output params
	Units *string `json:"units,omitempty"` // mps, mph or kmph
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The path must
// carry a .json extension and the file must be under 1MB. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that set fields carry usable values.
func (c *TuningConfig) Validate() error {
	if c.DuplicateWindowCapacity != nil && *c.DuplicateWindowCapacity < 1 {
		return fmt.Errorf("duplicate_window_capacity must be positive, got %d", *c.DuplicateWindowCapacity)
	}
	for name, v := range map[string]*string{
		"out_of_order_tolerance": c.OutOfOrderTolerance,
		"min_segment_time":       c.MinSegmentTime,
		"max_segment_time":       c.MaxSegmentTime,
		"playback_tick":          c.PlaybackTick,
		"replay_quantization":    c.ReplayQuantization,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	if c.MaxPlausibleSpeed != nil && *c.MaxPlausibleSpeed <= 0 {
		return fmt.Errorf("max_plausible_speed_mps must be positive, got %f", *c.MaxPlausibleSpeed)
	}
	if c.HistoryCapacity != nil && *c.HistoryCapacity < 1 {
		return fmt.Errorf("result_history_capacity must be positive, got %d", *c.HistoryCapacity)
	}
	if c.TrendMinCleanSamples != nil && *c.TrendMinCleanSamples < 1 {
		return fmt.Errorf("trend_min_clean_samples must be positive, got %d", *c.TrendMinCleanSamples)
	}
	if c.Units != nil {
		switch *c.Units {
		case "", "mps", "mph", "kmph", "kph":
		default:
			return fmt.Errorf("units must be one of mps, mph, kmph, got %q", *c.Units)
		}
	}
	return nil
}

func (c *TuningConfig) duration(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// GetDuplicateWindowCapacity returns the duplicate window capacity or the default.
func (c *TuningConfig) GetDuplicateWindowCapacity() int {
	if c.DuplicateWindowCapacity == nil {
		return 1000
	}
	return *c.DuplicateWindowCapacity
}

// GetOutOfOrderTolerance returns the out-of-order tolerance or the default.
func (c *TuningConfig) GetOutOfOrderTolerance() time.Duration {
	return c.duration(c.OutOfOrderTolerance, time.Second)
}

// GetMinSegmentTime returns the minimum plausible segment transit time.
func (c *TuningConfig) GetMinSegmentTime() time.Duration {
	return c.duration(c.MinSegmentTime, 500*time.Millisecond)
}

// GetMaxSegmentTime returns the maximum plausible segment transit time.
func (c *TuningConfig) GetMaxSegmentTime() time.Duration {
	return c.duration(c.MaxSegmentTime, 5*time.Minute)
}

// GetMaxPlausibleSpeed returns the physical speed bound in m/s.
func (c *TuningConfig) GetMaxPlausibleSpeed() float64 {
	if c.MaxPlausibleSpeed == nil {
		return 100.0
	}
	return *c.MaxPlausibleSpeed
}

// GetHistoryCapacity returns the per-vehicle result history capacity.
func (c *TuningConfig) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return 100
	}
	return *c.HistoryCapacity
}

// GetTrendMinCleanSamples returns the minimum clean samples for a trend.
func (c *TuningConfig) GetTrendMinCleanSamples() int {
	if c.TrendMinCleanSamples == nil {
		return 5
	}
	return *c.TrendMinCleanSamples
}

// GetPlaybackTick returns the replay/demo clock interval.
func (c *TuningConfig) GetPlaybackTick() time.Duration {
	return c.duration(c.PlaybackTick, 100*time.Millisecond)
}

// GetReplayQuantization returns the replay snapshot bucket size.
func (c *TuningConfig) GetReplayQuantization() time.Duration {
	return c.duration(c.ReplayQuantization, 500*time.Millisecond)
}

// GetDemoSeed returns the demo generator seed or the default.
func (c *TuningConfig) GetDemoSeed() int64 {
	if c.DemoSeed == nil {
		return 1
	}
	return *c.DemoSeed
}

// GetUnits returns the output speed units.
func (c *TuningConfig) GetUnits() string {
	if c.Units == nil || *c.Units == "" {
		return "mps"
	}
	return *c.Units
}
