// Package source provides the three interchangeable telemetry origins
// (live push, historical replay and synthetic demo) behind one consumer
// interface, so the pipeline and every UI consumer are indifferent to
// where data comes from.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pace.report/internal/telemetry"
)

// TimingEntry is one vehicle's row in a coarse leaderboard snapshot.
type TimingEntry struct {
	VehicleID  string  `json:"vehicleId"`
	Position   int     `json:"position"`
	Lap        int     `json:"lap"`
	LapDistPct float64 `json:"lapDistPct"`
	LastLapMs  float64 `json:"lastLapMs,omitempty"`
	GapMs      float64 `json:"gapMs,omitempty"`
}

// TimingSnapshot is the coarse leaderboard view of a session at an
// instant. Fine-grained motion arrives separately as telemetry samples.
type TimingSnapshot struct {
	SessionID string        `json:"sessionId"`
	Timestamp time.Time     `json:"timestamp"`
	Entries   []TimingEntry `json:"entries"`
}

// Adapter is the single interface all telemetry origins implement.
//
// Listener registrations return an unsubscribe capability so no
// subscription leaks across reconnects. Disconnect is idempotent and
// always safe, even before Connect or after a failed one. A failed
// Connect leaves the adapter disconnected and retryable.
type Adapter interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect() error
	OnTiming(fn func(TimingSnapshot)) telemetry.Unsubscribe
	OnFrame(fn func(telemetry.Sample)) telemetry.Unsubscribe
	IsConnected() bool
}

// listeners is the shared registry used by all three adapters.
type listeners struct {
	mu     sync.RWMutex
	timing map[uuid.UUID]func(TimingSnapshot)
	frames map[uuid.UUID]func(telemetry.Sample)
}

func newListeners() *listeners {
	return &listeners{
		timing: make(map[uuid.UUID]func(TimingSnapshot)),
		frames: make(map[uuid.UUID]func(telemetry.Sample)),
	}
}

func (l *listeners) onTiming(fn func(TimingSnapshot)) telemetry.Unsubscribe {
	id := uuid.New()
	l.mu.Lock()
	l.timing[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.timing, id)
		l.mu.Unlock()
	}
}

func (l *listeners) onFrame(fn func(telemetry.Sample)) telemetry.Unsubscribe {
	id := uuid.New()
	l.mu.Lock()
	l.frames[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.frames, id)
		l.mu.Unlock()
	}
}

func (l *listeners) emitTiming(ts TimingSnapshot) {
	l.mu.RLock()
	fns := make([]func(TimingSnapshot), 0, len(l.timing))
	for _, fn := range l.timing {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ts)
	}
}

func (l *listeners) emitFrame(s telemetry.Sample) {
	l.mu.RLock()
	fns := make([]func(telemetry.Sample), 0, len(l.frames))
	for _, fn := range l.frames {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}
