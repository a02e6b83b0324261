package source

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/telemetry"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

// Demo emission cadence, in ticks. Timing is decimated relative to frames
// to mimic the relative update frequencies of a coarse leaderboard view
// and a fine-grained motion view.
const (
	demoTimingEvery = 5
	demoFrameEvery  = 2
)

// demoEpoch anchors the synthetic clock so two runs with the same seed
// produce identical samples, timestamps included.
var demoEpoch = time.Date(2024, time.March, 9, 14, 0, 0, 0, time.UTC)

// DemoConfig configures the synthetic generator. Only the seed is needed
// for determinism; the rest shapes the field.
type DemoConfig struct {
	Seed           int64
	Tick           time.Duration  // default 100ms
	Vehicles       int            // default 6
	TrackLengthM   float64        // default 4000
	BaseLapSeconds float64        // default 90
	PitEveryLaps   int            // a vehicle pits roughly this often; default 12
	Clock          timeutil.Clock // defaults to the real clock
}

// DemoAdapter drives the same fixed-interval clock as replay, but feeds
// it from a seeded synthetic field instead of network or storage.
type DemoAdapter struct {
	cfg       DemoConfig
	listeners *listeners

	mu        sync.Mutex
	connected bool
	sessionID string
	stop      chan struct{}
	done      chan struct{}

	rng      *rand.Rand
	tick     int64
	now      time.Time
	vehicles []*demoVehicle
}

type demoVehicle struct {
	id       string
	pos      float64 // cyclic lap fraction
	lap      int
	lapSpeed float64 // lap fractions per tick
	inPit    bool
	pitTicks int
}

// NewDemoAdapter builds a demo adapter.
func NewDemoAdapter(cfg DemoConfig) *DemoAdapter {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultPlaybackTick
	}
	if cfg.Vehicles <= 0 {
		cfg.Vehicles = 6
	}
	if cfg.TrackLengthM <= 0 {
		cfg.TrackLengthM = 4000
	}
	if cfg.BaseLapSeconds <= 0 {
		cfg.BaseLapSeconds = 90
	}
	if cfg.PitEveryLaps <= 0 {
		cfg.PitEveryLaps = 12
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &DemoAdapter{
		cfg:       cfg,
		listeners: newListeners(),
	}
}

// Connect seeds the generator and starts the clock.
func (d *DemoAdapter) Connect(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return fmt.Errorf("demo: already connected")
	}

	d.rng = rand.New(rand.NewSource(d.cfg.Seed))
	d.tick = 0
	d.now = demoEpoch
	d.sessionID = sessionID
	d.vehicles = make([]*demoVehicle, 0, d.cfg.Vehicles)
	baseTicksPerLap := d.cfg.BaseLapSeconds / d.cfg.Tick.Seconds()
	for i := 0; i < d.cfg.Vehicles; i++ {
		// Spread the field around the lap with slightly different pace.
		pace := 1 + (d.rng.Float64()-0.5)*0.04
		d.vehicles = append(d.vehicles, &demoVehicle{
			id:       fmt.Sprintf("car-%02d", i+1),
			pos:      d.rng.Float64(),
			lap:      1,
			lapSpeed: 1 / (baseTicksPerLap * pace),
		})
	}

	d.connected = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	monitoring.Logf("demo: session %s, %d vehicles, seed %d", sessionID, d.cfg.Vehicles, d.cfg.Seed)
	go d.run()
	return nil
}

func (d *DemoAdapter) run() {
	defer close(d.done)
	ticker := d.cfg.Clock.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C():
			d.step()
		}
	}
}

// step advances every vehicle and emits frames and timing at their
// decimated cadences.
func (d *DemoAdapter) step() {
	d.mu.Lock()
	d.tick++
	d.now = d.now.Add(d.cfg.Tick)
	tick := d.tick
	now := d.now
	sessionID := d.sessionID

	var frames []telemetry.Sample
	for _, v := range d.vehicles {
		d.advanceVehicle(v)
		if tick%demoFrameEvery == 0 {
			frames = append(frames, telemetry.Sample{
				SessionID:         sessionID,
				SubStream:         "baseline",
				VehicleID:         v.id,
				FrameID:           fmt.Sprintf("demo-%s-%d", v.id, tick),
				Timestamp:         now,
				CyclicPosition:    v.pos,
				Lap:               v.lap,
				InPitLane:         v.inPit,
				OnRacingSurface:   !v.inPit,
				HasTrafficOverlap: d.trafficNear(v),
			})
		}
	}

	var timing *TimingSnapshot
	if tick%demoTimingEvery == 0 {
		timing = d.buildTiming(now)
	}
	d.mu.Unlock()

	for _, f := range frames {
		d.listeners.emitFrame(f)
	}
	if timing != nil {
		d.listeners.emitTiming(*timing)
	}
}

func (d *DemoAdapter) advanceVehicle(v *demoVehicle) {
	if v.inPit {
		v.pitTicks--
		if v.pitTicks <= 0 {
			v.inPit = false
		}
		// Pit lane crawl.
		v.pos += v.lapSpeed * 0.3
	} else {
		jitter := 1 + (d.rng.Float64()-0.5)*0.1
		v.pos += v.lapSpeed * jitter
		// Occasional pit stop keeps the PIT classification path warm.
		lapTicks := 1 / v.lapSpeed
		if d.rng.Float64() < 1/(float64(d.cfg.PitEveryLaps)*lapTicks) {
			v.inPit = true
			v.pitTicks = int(lapTicks / 10)
		}
	}
	if v.pos >= 1 {
		v.pos -= 1
		v.lap++
	}
}

// trafficNear reports whether another vehicle sits within half a percent
// of track position.
func (d *DemoAdapter) trafficNear(v *demoVehicle) bool {
	for _, other := range d.vehicles {
		if other == v {
			continue
		}
		delta := telemetry.WrapDelta(v.pos, other.pos)
		if delta > -0.005 && delta < 0.005 {
			return true
		}
	}
	return false
}

func (d *DemoAdapter) buildTiming(now time.Time) *TimingSnapshot {
	entries := make([]TimingEntry, 0, len(d.vehicles))
	for _, v := range d.vehicles {
		entries = append(entries, TimingEntry{
			VehicleID:  v.id,
			Lap:        v.lap,
			LapDistPct: v.pos,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Lap != entries[j].Lap {
			return entries[i].Lap > entries[j].Lap
		}
		return entries[i].LapDistPct > entries[j].LapDistPct
	})
	for i := range entries {
		entries[i].Position = i + 1
	}
	return &TimingSnapshot{
		SessionID: d.sessionID,
		Timestamp: now,
		Entries:   entries,
	}
}

// Disconnect stops the clock. Idempotent, safe before Connect.
func (d *DemoAdapter) Disconnect() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	d.connected = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// OnTiming registers a timing listener.
func (d *DemoAdapter) OnTiming(fn func(TimingSnapshot)) telemetry.Unsubscribe {
	return d.listeners.onTiming(fn)
}

// OnFrame registers a frame listener.
func (d *DemoAdapter) OnFrame(fn func(telemetry.Sample)) telemetry.Unsubscribe {
	return d.listeners.onFrame(fn)
}

// IsConnected reports whether the generator is running.
func (d *DemoAdapter) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}
