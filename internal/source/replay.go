package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/telemetry"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

// Playback defaults shared by the replay and demo adapters.
const (
	DefaultPlaybackTick       = 100 * time.Millisecond
	DefaultReplayQuantization = 500 * time.Millisecond
)

// PlaybackRates is the allow-list of playback-rate multipliers.
var PlaybackRates = map[int]bool{1: true, 2: true, 5: true, 10: true}

// SnapshotSource provides pre-recorded telemetry for a time window. The
// history store implements this; tests inject fixed sets.
type SnapshotSource interface {
	TimingSnapshots(ctx context.Context, sessionID string, from, to time.Time) ([]TimingSnapshot, error)
	TelemetryFrames(ctx context.Context, sessionID string, from, to time.Time) ([]telemetry.Sample, error)
}

// ReplayConfig configures a historical replay.
type ReplayConfig struct {
	Source       SnapshotSource
	From, To     time.Time
	Rate         int            // playback multiplier, one of PlaybackRates
	Tick         time.Duration  // wall-clock tick interval; default 100ms
	Quantization time.Duration  // timing snapshot bucket size; default 500ms
	Clock        timeutil.Clock // defaults to the real clock
}

// ReplayAdapter replays a recorded window through the Adapter interface.
//
// Connect pre-fetches the whole window from the snapshot source, the
// only blocking I/O in playback. After that a fixed-interval wall clock
// advances a virtual time by tick×rate each firing. Each tick looks up
// the cached timing snapshot at the current quantization bucket and
// replays every buffered frame whose timestamp falls inside the tick's
// virtual window. Virtual timestamps depend only on the window, tick and
// rate, which is what makes two runs over the same cache byte-identical.
type ReplayAdapter struct {
	cfg       ReplayConfig
	listeners *listeners

	mu        sync.Mutex
	connected bool
	sessionID string
	rate      int
	virtual   time.Time
	stop      chan struct{}
	done      chan struct{}

	timingIndex map[int64]TimingSnapshot
	frames      []telemetry.Sample
}

// NewReplayAdapter builds a replay adapter. Configuration errors surface
// from Connect, not from per-tick playback.
func NewReplayAdapter(cfg ReplayConfig) *ReplayAdapter {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultPlaybackTick
	}
	if cfg.Quantization <= 0 {
		cfg.Quantization = DefaultReplayQuantization
	}
	if cfg.Rate == 0 {
		cfg.Rate = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &ReplayAdapter{
		cfg:       cfg,
		listeners: newListeners(),
		rate:      cfg.Rate,
	}
}

// Connect pre-fetches the configured window and starts playback. On any
// failure the adapter stays disconnected and a later Connect is safe.
func (r *ReplayAdapter) Connect(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return fmt.Errorf("replay: already connected")
	}
	r.mu.Unlock()

	if r.cfg.Source == nil {
		return fmt.Errorf("replay: no snapshot source configured")
	}
	if !PlaybackRates[r.cfg.Rate] {
		return fmt.Errorf("replay: playback rate %d not allowed", r.cfg.Rate)
	}
	if !r.cfg.To.After(r.cfg.From) {
		return fmt.Errorf("replay: window end %v not after start %v", r.cfg.To, r.cfg.From)
	}

	snapshots, err := r.cfg.Source.TimingSnapshots(ctx, sessionID, r.cfg.From, r.cfg.To)
	if err != nil {
		return fmt.Errorf("replay: pre-fetch timing snapshots: %w", err)
	}
	frames, err := r.cfg.Source.TelemetryFrames(ctx, sessionID, r.cfg.From, r.cfg.To)
	if err != nil {
		return fmt.Errorf("replay: pre-fetch telemetry frames: %w", err)
	}

	index := make(map[int64]TimingSnapshot, len(snapshots))
	for _, s := range snapshots {
		// Later snapshots in the same bucket win; buckets are small
		// enough that the distinction does not matter for scrubbing.
		index[s.Timestamp.Truncate(r.cfg.Quantization).UnixNano()] = s
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Timestamp.Before(frames[j].Timestamp) })

	r.mu.Lock()
	r.sessionID = sessionID
	r.timingIndex = index
	r.frames = frames
	r.virtual = r.cfg.From
	r.connected = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	monitoring.Logf("replay: session %s, %d snapshots, %d frames, window %v", sessionID, len(snapshots), len(frames), r.cfg.To.Sub(r.cfg.From))
	go r.run()
	return nil
}

// run drives playback off a wall-clock ticker. Nothing inside a tick
// blocks on I/O; the whole window lives in memory.
func (r *ReplayAdapter) run() {
	defer close(r.done)
	ticker := r.cfg.Clock.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C():
			if finished := r.step(); finished {
				r.mu.Lock()
				r.connected = false
				r.mu.Unlock()
				monitoring.Logf("replay: session %s playback complete", r.sessionID)
				return
			}
		}
	}
}

// step advances virtual time by one tick and emits everything inside the
// new window. Returns true once virtual time passes the window end.
func (r *ReplayAdapter) step() bool {
	r.mu.Lock()
	prev := r.virtual
	r.virtual = prev.Add(time.Duration(r.rate) * r.cfg.Tick)
	cur := r.virtual
	index := r.timingIndex
	frames := r.frames
	quant := r.cfg.Quantization
	r.mu.Unlock()

	if snap, ok := index[cur.Truncate(quant).UnixNano()]; ok {
		r.listeners.emitTiming(snap)
	}

	start := sort.Search(len(frames), func(i int) bool { return !frames[i].Timestamp.Before(prev) })
	for i := start; i < len(frames) && frames[i].Timestamp.Before(cur); i++ {
		r.listeners.emitFrame(frames[i])
	}

	return cur.After(r.cfg.To)
}

// Seek moves the virtual playhead, clamped to the replay window.
func (r *ReplayAdapter) Seek(t time.Time) {
	if t.Before(r.cfg.From) {
		t = r.cfg.From
	}
	if t.After(r.cfg.To) {
		t = r.cfg.To
	}
	r.mu.Lock()
	r.virtual = t
	r.mu.Unlock()
}

// SetPlaybackRate changes the playback multiplier. Rejected unless the
// rate is on the allow-list.
func (r *ReplayAdapter) SetPlaybackRate(rate int) error {
	if !PlaybackRates[rate] {
		return fmt.Errorf("replay: playback rate %d not allowed", rate)
	}
	r.mu.Lock()
	r.rate = rate
	r.mu.Unlock()
	return nil
}

// VirtualTime returns the current playhead position.
func (r *ReplayAdapter) VirtualTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.virtual
}

// Disconnect stops playback and the clock. Idempotent, safe before
// Connect.
func (r *ReplayAdapter) Disconnect() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// OnTiming registers a timing listener.
func (r *ReplayAdapter) OnTiming(fn func(TimingSnapshot)) telemetry.Unsubscribe {
	return r.listeners.onTiming(fn)
}

// OnFrame registers a frame listener.
func (r *ReplayAdapter) OnFrame(fn func(telemetry.Sample)) telemetry.Unsubscribe {
	return r.listeners.onFrame(fn)
}

// IsConnected reports whether playback is running.
func (r *ReplayAdapter) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}
