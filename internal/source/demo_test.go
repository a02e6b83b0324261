package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pace.report/internal/telemetry"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

// newConnectedDemo connects a demo adapter whose clock never fires, so
// the test drives generation by calling step directly.
func newConnectedDemo(t *testing.T, cfg DemoConfig) *DemoAdapter {
	t.Helper()
	cfg.Clock = timeutil.NewMockClock(time.Now())
	d := NewDemoAdapter(cfg)
	require.NoError(t, d.Connect(context.Background(), "demo-session"))
	t.Cleanup(func() { d.Disconnect() })
	return d
}

func TestDemoAdapter_EmissionCadence(t *testing.T) {
	t.Parallel()

	d := newConnectedDemo(t, DemoConfig{Seed: 7})

	var frames []telemetry.Sample
	var timings []TimingSnapshot
	defer d.OnFrame(func(s telemetry.Sample) { frames = append(frames, s) })()
	defer d.OnTiming(func(ts TimingSnapshot) { timings = append(timings, ts) })()

	for i := 0; i < 10; i++ {
		d.step()
	}

	// Frames on every 2nd tick for each of the six vehicles, timing on
	// every 5th tick.
	assert.Len(t, frames, 5*6)
	assert.Len(t, timings, 2)

	f := frames[0]
	assert.Equal(t, "demo-session", f.SessionID)
	assert.Equal(t, "baseline", f.SubStream)
	assert.Equal(t, "demo-car-01-2", f.FrameID)
	assert.Equal(t, demoEpoch.Add(200*time.Millisecond), f.Timestamp)
	assert.GreaterOrEqual(t, f.CyclicPosition, 0.0)
	assert.Less(t, f.CyclicPosition, 1.0)

	snap := timings[0]
	assert.Equal(t, "demo-session", snap.SessionID)
	require.Len(t, snap.Entries, 6)
	for i, entry := range snap.Entries {
		assert.Equal(t, i+1, entry.Position, "entries are ranked")
	}
}

func TestDemoAdapter_Deterministic(t *testing.T) {
	t.Parallel()

	run := func(seed int64) []telemetry.Sample {
		d := newConnectedDemo(t, DemoConfig{Seed: seed})
		var frames []telemetry.Sample
		defer d.OnFrame(func(s telemetry.Sample) { frames = append(frames, s) })()
		for i := 0; i < 50; i++ {
			d.step()
		}
		return frames
	}

	first := run(42)
	second := run(42)
	assert.Equal(t, first, second, "same seed replays the same session")

	other := run(43)
	require.Len(t, other, len(first))
	assert.NotEqual(t, first, other, "a different seed produces a different field")
}

func TestDemoAdapter_ReconnectReseeds(t *testing.T) {
	t.Parallel()

	d := newConnectedDemo(t, DemoConfig{Seed: 42})

	var first []telemetry.Sample
	unsub := d.OnFrame(func(s telemetry.Sample) { first = append(first, s) })
	for i := 0; i < 10; i++ {
		d.step()
	}
	unsub()

	require.NoError(t, d.Disconnect())
	require.NoError(t, d.Connect(context.Background(), "demo-session"))

	var second []telemetry.Sample
	defer d.OnFrame(func(s telemetry.Sample) { second = append(second, s) })()
	for i := 0; i < 10; i++ {
		d.step()
	}

	assert.Equal(t, first, second, "reconnect restarts the session from the seed")
}

func TestDemoAdapter_FramesDriveDetector(t *testing.T) {
	t.Parallel()

	d := newConnectedDemo(t, DemoConfig{Seed: 7})

	det := telemetry.NewSegmentSpeedDetector(telemetry.DetectorConfig{})
	require.NoError(t, det.SetTrackMap("demo-session",
		telemetry.DefaultTrackMap("demo", "Demo Circuit", 4000)))

	defer d.OnFrame(func(s telemetry.Sample) { det.ProcessSample(s) })()

	// A minute and a half of virtual running covers several segment
	// transits for every vehicle.
	for i := 0; i < 900; i++ {
		d.step()
	}

	vehicles := det.VehicleIDs("demo-session")
	require.Len(t, vehicles, 6)
	for _, v := range vehicles {
		assert.NotEmpty(t, det.VehicleHistory("demo-session", v), "vehicle %s produced transits", v)
	}
}

func TestDemoAdapter_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	d := NewDemoAdapter(DemoConfig{})
	assert.NoError(t, d.Disconnect(), "disconnect before connect is safe")

	d = newConnectedDemo(t, DemoConfig{})
	require.True(t, d.IsConnected())
	assert.NoError(t, d.Disconnect())
	assert.False(t, d.IsConnected())
	assert.NoError(t, d.Disconnect())
}
