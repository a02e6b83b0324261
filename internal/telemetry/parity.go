package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Parity defaults. Both are deliberately coarse: parity is cheap,
// continuously-running health signalling, not protocol enforcement.
// Tunable via config.TuningConfig.
const (
	DefaultDuplicateWindowCapacity = 1000
	DefaultOutOfOrderTolerance     = 1000 * time.Millisecond
	maxErrorLength                 = 200
)

// StreamStats holds the per-sub-stream counters for one session. Frames
// and acks are counted independently and may diverge under loss; the
// divergence is the signal.
type StreamStats struct {
	FramesIn    int64     `json:"framesIn"`
	Acked       int64     `json:"acked"`
	LastFrameTS time.Time `json:"lastFrameTs"`
}

// FrameResult tells the ingestion caller what to do with a frame it just
// recorded.
type FrameResult struct {
	IsDuplicate  bool
	IsOutOfOrder bool
	ShouldAck    bool
}

// ParitySnapshot is an immutable copy of a session's parity counters,
// safe to hand to a diagnostics poller. It never carries payload content.
type ParitySnapshot struct {
	SessionID  string                 `json:"sessionId"`
	Streams    map[string]StreamStats `json:"streams"`
	Duplicates int64                  `json:"duplicates"`
	OutOfOrder int64                  `json:"outOfOrder"`
	LastError  string                 `json:"lastError,omitempty"`
}

// sessionParity is the live mutable record for one session. Callers only
// ever see copies of it.
type sessionParity struct {
	streams    map[string]*StreamStats
	duplicates int64
	outOfOrder int64
	lastError  string
	window     *identityWindow
}

// identityWindow is a bounded FIFO set of recently-seen frame ids.
// Membership testing is O(1); insertion beyond capacity evicts the oldest
// id first. Duplicates older than the window are out of scope.
type identityWindow struct {
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newIdentityWindow(capacity int) *identityWindow {
	if capacity <= 0 {
		capacity = DefaultDuplicateWindowCapacity
	}
	return &identityWindow{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

func (w *identityWindow) contains(id string) bool {
	_, ok := w.seen[id]
	return ok
}

func (w *identityWindow) insert(id string) {
	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.order = append(w.order, id)
	w.seen[id] = struct{}{}
}

// ParityTracker keeps frame/ack bookkeeping per session across independent
// logical sub-streams. It is an explicit registry owned by the pipeline
// runtime and safe for concurrent use by independent session workers.
type ParityTracker struct {
	mu               sync.Mutex
	sessions         map[string]*sessionParity
	windowCapacity   int
	reorderTolerance time.Duration
}

// ParityTrackerConfig carries the tunables for a ParityTracker. Zero
// values fall back to the package defaults.
type ParityTrackerConfig struct {
	DuplicateWindowCapacity int
	OutOfOrderTolerance     time.Duration
}

// NewParityTracker constructs an empty tracker.
func NewParityTracker(cfg ParityTrackerConfig) *ParityTracker {
	if cfg.DuplicateWindowCapacity <= 0 {
		cfg.DuplicateWindowCapacity = DefaultDuplicateWindowCapacity
	}
	if cfg.OutOfOrderTolerance <= 0 {
		cfg.OutOfOrderTolerance = DefaultOutOfOrderTolerance
	}
	return &ParityTracker{
		sessions:         make(map[string]*sessionParity),
		windowCapacity:   cfg.DuplicateWindowCapacity,
		reorderTolerance: cfg.OutOfOrderTolerance,
	}
}

// getOrCreateLocked returns the session record, creating an all-zero one
// on first access. Callers must hold p.mu.
func (p *ParityTracker) getOrCreateLocked(sessionID string) *sessionParity {
	s, ok := p.sessions[sessionID]
	if !ok {
		s = &sessionParity{
			streams: make(map[string]*StreamStats),
			window:  newIdentityWindow(p.windowCapacity),
		}
		p.sessions[sessionID] = s
	}
	return s
}

// GetOrCreate registers the session in the active-session index and
// returns a snapshot of its parity record. Never fails.
func (p *ParityTracker) GetOrCreate(sessionID string) ParitySnapshot {
	p.mu.Lock()
	s := p.getOrCreateLocked(sessionID)
	snap := s.snapshot(sessionID)
	p.mu.Unlock()
	return snap
}

// RecordFrameIn counts an arriving frame on a sub-stream and classifies
// it. The frame counter increments unconditionally. A frame id hit in the
// identity window marks a duplicate; a miss inserts the id and requests an
// ack (frames without an id are never acked by this rule). Independently,
// a timestamp more than the reorder tolerance earlier than the
// sub-stream's last-seen timestamp marks the frame out of order; otherwise
// the last-seen timestamp advances.
func (p *ParityTracker) RecordFrameIn(sessionID, subStream string, ts time.Time, frameID string) FrameResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.getOrCreateLocked(sessionID)
	stats, ok := s.streams[subStream]
	if !ok {
		stats = &StreamStats{}
		s.streams[subStream] = stats
	}
	stats.FramesIn++

	var res FrameResult
	if frameID != "" {
		if s.window.contains(frameID) {
			s.duplicates++
			res.IsDuplicate = true
		} else {
			s.window.insert(frameID)
			res.ShouldAck = true
		}
	}

	if !ts.IsZero() {
		if !stats.LastFrameTS.IsZero() && stats.LastFrameTS.Sub(ts) > p.reorderTolerance {
			s.outOfOrder++
			res.IsOutOfOrder = true
		} else {
			stats.LastFrameTS = ts
		}
	}

	return res
}

// RecordAckSent counts an acknowledgment echoed for a sub-stream. Not
// validated against frames-in: divergence signals ack loss.
func (p *ParityTracker) RecordAckSent(sessionID, subStream string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.getOrCreateLocked(sessionID)
	stats, ok := s.streams[subStream]
	if !ok {
		stats = &StreamStats{}
		s.streams[subStream] = stats
	}
	stats.Acked++
}

// RecordError retains the most recent error string for the session,
// truncated to 200 characters. Only the latest error is kept.
func (p *ParityTracker) RecordError(sessionID, message string) {
	if len(message) > maxErrorLength {
		message = message[:maxErrorLength]
	}
	p.mu.Lock()
	p.getOrCreateLocked(sessionID).lastError = message
	p.mu.Unlock()
}

// Snapshot returns an immutable copy of the session's counters, or false
// when the session is unknown. Safe to poll frequently.
func (p *ParityTracker) Snapshot(sessionID string) (ParitySnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[sessionID]
	if !ok {
		return ParitySnapshot{}, false
	}
	return s.snapshot(sessionID), true
}

func (s *sessionParity) snapshot(sessionID string) ParitySnapshot {
	snap := ParitySnapshot{
		SessionID:  sessionID,
		Streams:    make(map[string]StreamStats, len(s.streams)),
		Duplicates: s.duplicates,
		OutOfOrder: s.outOfOrder,
		LastError:  s.lastError,
	}
	for name, st := range s.streams {
		snap.Streams[name] = *st
	}
	return snap
}

// ListSessionIDs returns the active session ids in sorted order.
func (p *ParityTracker) ListSessionIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasSession reports whether the session is registered.
func (p *ParityTracker) HasSession(sessionID string) bool {
	p.mu.Lock()
	_, ok := p.sessions[sessionID]
	p.mu.Unlock()
	return ok
}

// Cleanup releases all parity state for the session. Sessions do not
// self-expire; the lifecycle owner calls this on session end or after its
// own idle timeout policy.
func (p *ParityTracker) Cleanup(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}
