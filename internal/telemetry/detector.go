package telemetry

import (
	"fmt"
	"sync"
	"time"
)

// Detector defaults. All tunable via config.TuningConfig.
const (
	// DefaultMinSegmentTime rejects transits so fast they can only be a
	// position teleport or session reset.
	DefaultMinSegmentTime = 500 * time.Millisecond
	// DefaultMaxSegmentTime rejects transits so slow the vehicle stopped
	// or the segment spans a session pause.
	DefaultMaxSegmentTime = 5 * time.Minute
	// DefaultMaxPlausibleSpeed bounds derived speeds; anything faster is
	// rejected as INVALID rather than published.
	DefaultMaxPlausibleSpeed = 100.0 // m/s
	// DefaultResultHistoryCapacity bounds the per-vehicle result history.
	DefaultResultHistoryCapacity = 100
)

// Confidence tiers by transit quality.
const (
	confidenceClean    = 0.9
	confidenceTraffic  = 0.6
	confidenceOffTrack = 0.3
	confidenceOther    = 0.5
)

// Sample is one position/motion observation for a vehicle inside a
// session, as delivered by a source adapter.
type Sample struct {
	SessionID         string    `json:"sessionId"`
	SubStream         string    `json:"subStreamName"`
	VehicleID         string    `json:"vehicleId"`
	FrameID           string    `json:"frameId,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	CyclicPosition    float64   `json:"cyclicPosition"`
	Lap               int       `json:"lap"`
	InPitLane         bool      `json:"inPitLane"`
	OnRacingSurface   bool      `json:"onRacingSurface"`
	HasTrafficOverlap bool      `json:"hasTrafficOverlap"`
}

// SegmentResult is the immutable record of one completed segment transit.
// Produced exactly once per traversal per vehicle.
type SegmentResult struct {
	SessionID      string      `json:"sessionId"`
	VehicleID      string      `json:"vehicleId"`
	SegmentID      string      `json:"segmentId"`
	SegmentType    SegmentType `json:"segmentType"`
	ElapsedMs      float64     `json:"segmentTimeMs"`
	EntryTime      time.Time   `json:"entryTime"`
	ExitTime       time.Time   `json:"exitTime"`
	AvgSpeed       TaggedValue `json:"avgSpeed"`
	Quality        Quality     `json:"qualityFlag"`
	QualityReasons []string    `json:"qualityReasons"`
	Lap            int         `json:"lap"`
}

// vehicleState tracks one vehicle's position bookkeeping and bounded
// result history within a session. Sample processing per vehicle is
// serialized by the caller; the table holding these states is what must
// survive concurrent access across sessions.
type vehicleState struct {
	lastPosition float64
	lastLap      int
	lastSampleTS time.Time
	hasSample    bool

	currentSegment *Segment
	segmentEntryTS time.Time
	segmentEntryPc float64
	segmentLap     int

	inPitLane       bool
	onRacingSurface bool
	trafficOverlap  bool

	history []SegmentResult
}

// DetectorConfig carries the detector tunables. Zero values fall back to
// the package defaults.
type DetectorConfig struct {
	MinSegmentTime    time.Duration
	MaxSegmentTime    time.Duration
	MaxPlausibleSpeed float64
	HistoryCapacity   int
}

func (c *DetectorConfig) applyDefaults() {
	if c.MinSegmentTime <= 0 {
		c.MinSegmentTime = DefaultMinSegmentTime
	}
	if c.MaxSegmentTime <= 0 {
		c.MaxSegmentTime = DefaultMaxSegmentTime
	}
	if c.MaxPlausibleSpeed <= 0 {
		c.MaxPlausibleSpeed = DefaultMaxPlausibleSpeed
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = DefaultResultHistoryCapacity
	}
}

// SegmentSpeedDetector turns per-vehicle cyclic position samples into
// quality-scored segment speeds. It never assumes a direct speed
// measurement exists. An explicit instance owned by the pipeline runtime;
// safe for concurrent use across sessions.
type SegmentSpeedDetector struct {
	mu       sync.Mutex
	cfg      DetectorConfig
	maps     map[string]*TrackMap                // sessionID -> track map
	vehicles map[string]map[string]*vehicleState // sessionID -> vehicleID -> state
}

// NewSegmentSpeedDetector constructs an empty detector.
func NewSegmentSpeedDetector(cfg DetectorConfig) *SegmentSpeedDetector {
	cfg.applyDefaults()
	return &SegmentSpeedDetector{
		cfg:      cfg,
		maps:     make(map[string]*TrackMap),
		vehicles: make(map[string]map[string]*vehicleState),
	}
}

// SetTrackMap installs the track map for a session. The map is validated
// here so per-sample processing never has to; installing a new map clears
// all per-vehicle segment state for the session, since a track change
// invalidates in-flight occupancy.
func (d *SegmentSpeedDetector) SetTrackMap(sessionID string, tm *TrackMap) error {
	if err := tm.Validate(); err != nil {
		return fmt.Errorf("set track map: %w", err)
	}
	d.mu.Lock()
	d.maps[sessionID] = tm
	delete(d.vehicles, sessionID)
	d.mu.Unlock()
	return nil
}

// TrackMap returns the session's track map, or nil when none configured.
func (d *SegmentSpeedDetector) TrackMap(sessionID string) *TrackMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maps[sessionID]
}

// ProcessSample advances a vehicle's segment state with one sample and
// returns a SegmentResult when the sample completes a segment transit.
// With no track map configured for the session every call is a no-op.
// Malformed-but-well-typed input degrades to low-confidence results, it
// never returns an error.
func (d *SegmentSpeedDetector) ProcessSample(s Sample) *SegmentResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	tm := d.maps[s.SessionID]
	if tm == nil {
		return nil
	}

	states, ok := d.vehicles[s.SessionID]
	if !ok {
		states = make(map[string]*vehicleState)
		d.vehicles[s.SessionID] = states
	}

	pos := normalizePct(s.CyclicPosition)

	st, ok := states[s.VehicleID]
	if !ok {
		st = &vehicleState{}
		states[s.VehicleID] = st
	}

	// Environment flags reflect the instant, not history.
	st.inPitLane = s.InPitLane
	st.onRacingSurface = s.OnRacingSurface
	st.trafficOverlap = s.HasTrafficOverlap

	if !st.hasSample {
		// A delta requires at least two samples.
		st.hasSample = true
		st.lastPosition = pos
		st.lastLap = s.Lap
		st.lastSampleTS = s.Timestamp
		if seg := tm.SegmentAt(pos); seg != nil {
			st.enterSegment(seg, s.Timestamp, pos, s.Lap)
		}
		return nil
	}

	seg := tm.SegmentAt(pos)
	if seg == nil {
		st.lastPosition = pos
		st.lastLap = s.Lap
		st.lastSampleTS = s.Timestamp
		return nil
	}

	var result *SegmentResult
	if st.currentSegment == nil {
		st.enterSegment(seg, s.Timestamp, pos, s.Lap)
	} else if st.currentSegment.SegmentID != seg.SegmentID {
		// Vehicle just exited the previous segment.
		result = d.completeSegment(s.SessionID, s.VehicleID, st, s.Timestamp)
		st.appendResult(result, d.cfg.HistoryCapacity)
		st.enterSegment(seg, s.Timestamp, pos, s.Lap)
	}

	st.lastPosition = pos
	st.lastLap = s.Lap
	st.lastSampleTS = s.Timestamp
	return result
}

func (st *vehicleState) enterSegment(seg *Segment, ts time.Time, pos float64, lap int) {
	st.currentSegment = seg
	st.segmentEntryTS = ts
	st.segmentEntryPc = pos
	st.segmentLap = lap
}

func (st *vehicleState) appendResult(r *SegmentResult, capacity int) {
	if r == nil {
		return
	}
	if len(st.history) >= capacity {
		st.history = st.history[1:]
	}
	st.history = append(st.history, *r)
}

// completeSegment builds the SegmentResult for the segment the vehicle
// just exited. Classification priority: PIT, OFFTRACK, timing INVALID,
// TRAFFIC_AFFECTED, CLEAN.
func (d *SegmentSpeedDetector) completeSegment(sessionID, vehicleID string, st *vehicleState, exitTS time.Time) *SegmentResult {
	seg := st.currentSegment
	elapsed := exitTS.Sub(st.segmentEntryTS)
	quality, reasons := d.classifyTransit(st, elapsed)

	res := &SegmentResult{
		SessionID:      sessionID,
		VehicleID:      vehicleID,
		SegmentID:      seg.SegmentID,
		SegmentType:    seg.SegmentType,
		ElapsedMs:      float64(elapsed.Milliseconds()),
		EntryTime:      st.segmentEntryTS,
		ExitTime:       exitTS,
		Quality:        quality,
		QualityReasons: reasons,
		Lap:            st.segmentLap,
	}
	res.AvgSpeed = d.deriveSpeed(seg, elapsed, res, exitTS)
	return res
}

func (d *SegmentSpeedDetector) classifyTransit(st *vehicleState, elapsed time.Duration) (Quality, []string) {
	switch {
	case st.inPitLane:
		return QualityPit, []string{"vehicle in pit lane"}
	case !st.onRacingSurface:
		return QualityOffTrack, []string{"vehicle off racing surface"}
	case elapsed < d.cfg.MinSegmentTime:
		return QualityInvalid, []string{fmt.Sprintf("transit %v below minimum %v, likely position teleport", elapsed, d.cfg.MinSegmentTime)}
	case elapsed > d.cfg.MaxSegmentTime:
		return QualityInvalid, []string{fmt.Sprintf("transit %v above maximum %v, vehicle stopped or session paused", elapsed, d.cfg.MaxSegmentTime)}
	case st.trafficOverlap:
		return QualityTrafficAffected, []string{"position window overlaps another vehicle"}
	default:
		return QualityClean, []string{"clean transit"}
	}
}

// deriveSpeed computes the confidence-tagged average speed. PIT and
// INVALID transits never get a number; a derived speed outside the
// physical bound downgrades the whole result to INVALID.
func (d *SegmentSpeedDetector) deriveSpeed(seg *Segment, elapsed time.Duration, res *SegmentResult, ts time.Time) TaggedValue {
	switch res.Quality {
	case QualityPit:
		return Undefined(SourceUnknown, QualityPit, ts)
	case QualityInvalid:
		return Undefined(SourceInvalid, QualityInvalid, ts)
	}

	speed := seg.LengthMeters / elapsed.Seconds()
	if speed <= 0 || speed > d.cfg.MaxPlausibleSpeed {
		res.Quality = QualityInvalid
		res.QualityReasons = append(res.QualityReasons,
			fmt.Sprintf("derived speed %.1f m/s outside plausible bound (0, %.0f]", speed, d.cfg.MaxPlausibleSpeed))
		return Undefined(SourceInvalid, QualityInvalid, ts)
	}

	confidence := confidenceOther
	switch res.Quality {
	case QualityClean:
		confidence = confidenceClean
	case QualityTrafficAffected:
		confidence = confidenceTraffic
	case QualityOffTrack:
		confidence = confidenceOffTrack
	}
	return Tagged(speed, confidence, SourceDerived, res.Quality, ts)
}

// VehicleHistory returns a copy of the vehicle's recorded results, oldest
// first. Nil when the vehicle is unknown.
func (d *SegmentSpeedDetector) VehicleHistory(sessionID, vehicleID string) []SegmentResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	states, ok := d.vehicles[sessionID]
	if !ok {
		return nil
	}
	st, ok := states[vehicleID]
	if !ok {
		return nil
	}
	out := make([]SegmentResult, len(st.history))
	copy(out, st.history)
	return out
}

// VehicleIDs returns the vehicles with state in the session.
func (d *SegmentSpeedDetector) VehicleIDs(sessionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	states, ok := d.vehicles[sessionID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup releases all detector state for the session, track map
// included.
func (d *SegmentSpeedDetector) Cleanup(sessionID string) {
	d.mu.Lock()
	delete(d.maps, sessionID)
	delete(d.vehicles, sessionID)
	d.mu.Unlock()
}
