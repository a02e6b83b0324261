package telemetry

import (
	"sync"

	"github.com/google/uuid"
)

// PaceEvent is published for every CLEAN or TRAFFIC_AFFECTED segment
// completion. PIT, OFFTRACK and INVALID results stay in the vehicle
// history for diagnostics but are never broadcast.
type PaceEvent struct {
	SessionID       string      `json:"sessionId"`
	VehicleID       string      `json:"vehicleId"`
	SegmentID       string      `json:"segmentId"`
	AvgSpeed        TaggedValue `json:"avgSpeed"`
	SegmentTimeMs   float64     `json:"segmentTimeMs"`
	QualityFlag     Quality     `json:"qualityFlag"`
	ConfidenceScore float64     `json:"confidenceScore"`
	Source          ValueSource `json:"source"`
}

// Unsubscribe removes a listener registration. Safe to call more than
// once.
type Unsubscribe func()

// Bus is an explicit publish/subscribe registry for derived telemetry
// events. Subscribing returns the capability to unsubscribe; nothing else
// holds listener references, so no subscription leaks across reconnects.
type Bus struct {
	mu     sync.RWMutex
	pace   map[uuid.UUID]func(PaceEvent)
	trends map[uuid.UUID]func(PaceTrend)
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		pace:   make(map[uuid.UUID]func(PaceEvent)),
		trends: make(map[uuid.UUID]func(PaceTrend)),
	}
}

// SubscribePace registers a pace-update listener.
func (b *Bus) SubscribePace(fn func(PaceEvent)) Unsubscribe {
	id := uuid.New()
	b.mu.Lock()
	b.pace[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.pace, id)
		b.mu.Unlock()
	}
}

// SubscribeTrend registers a pace-trend listener.
func (b *Bus) SubscribeTrend(fn func(PaceTrend)) Unsubscribe {
	id := uuid.New()
	b.mu.Lock()
	b.trends[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.trends, id)
		b.mu.Unlock()
	}
}

// PublishPace delivers a pace event to every registered listener on the
// caller's goroutine, in the order vehicles exit segments as observed.
func (b *Bus) PublishPace(ev PaceEvent) {
	b.mu.RLock()
	listeners := make([]func(PaceEvent), 0, len(b.pace))
	for _, fn := range b.pace {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// PublishTrend delivers a trend event to every registered listener.
func (b *Bus) PublishTrend(tr PaceTrend) {
	b.mu.RLock()
	listeners := make([]func(PaceTrend), 0, len(b.trends))
	for _, fn := range b.trends {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn(tr)
	}
}

// PaceListenerCount reports the number of registered pace listeners.
func (b *Bus) PaceListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pace)
}
