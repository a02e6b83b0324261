package telemetry

import (
	"fmt"

	"github.com/banshee-data/pace.report/internal/monitoring"
)

// ResultStore persists completed segment results. The pipeline writes
// every result, whatever its quality: diagnostics want the PIT and
// INVALID rows too.
type ResultStore interface {
	InsertSegmentResult(SegmentResult) error
}

// AckFunc echoes an acknowledgment for a frame back to its source. The
// transport supplies this; the pipeline only decides when to call it.
type AckFunc func(sessionID, subStream, frameID string)

// Pipeline is the top-level runtime for the telemetry core. It owns the
// parity tracker, the segment speed detector and the event bus, and is
// passed by reference to ingestion workers. One logical worker per active
// session is assumed to drive ingestion; the registries inside tolerate
// concurrent access across sessions.
type Pipeline struct {
	Parity   *ParityTracker
	Detector *SegmentSpeedDetector
	Bus      *Bus

	store           ResultStore
	ack             AckFunc
	minCleanSamples int
}

// PipelineConfig wires the pipeline's collaborators. Store and Ack are
// optional; TrendMinCleanSamples falls back to the package default.
type PipelineConfig struct {
	Parity               ParityTrackerConfig
	Detector             DetectorConfig
	Store                ResultStore
	Ack                  AckFunc
	TrendMinCleanSamples int
}

// NewPipeline constructs a pipeline with freshly created registries.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.TrendMinCleanSamples <= 0 {
		cfg.TrendMinCleanSamples = DefaultTrendMinCleanSamples
	}
	return &Pipeline{
		Parity:          NewParityTracker(cfg.Parity),
		Detector:        NewSegmentSpeedDetector(cfg.Detector),
		Bus:             NewBus(),
		store:           cfg.Store,
		ack:             cfg.Ack,
		minCleanSamples: cfg.TrendMinCleanSamples,
	}
}

// Ingest records one sample: parity bookkeeping first, then segment speed
// detection, then publication of qualifying results. Duplicate frames are
// counted but still processed for parity; they are not fed to the
// detector, since replaying a position sample would fabricate a transit.
func (p *Pipeline) Ingest(s Sample) FrameResult {
	fr := p.Parity.RecordFrameIn(s.SessionID, s.SubStream, s.Timestamp, s.FrameID)
	if fr.ShouldAck && p.ack != nil {
		p.ack(s.SessionID, s.SubStream, s.FrameID)
		p.Parity.RecordAckSent(s.SessionID, s.SubStream)
	}
	if fr.IsDuplicate {
		return fr
	}

	if s.VehicleID == "" {
		return fr
	}
	result := p.Detector.ProcessSample(s)
	if result == nil {
		return fr
	}

	if p.store != nil {
		if err := p.store.InsertSegmentResult(*result); err != nil {
			monitoring.Logf("pipeline: persist segment result for %s/%s: %v", s.SessionID, s.VehicleID, err)
			p.Parity.RecordError(s.SessionID, fmt.Sprintf("persist segment result: %v", err))
		}
	}

	// Only results a consumer can act on are broadcast.
	if result.Quality == QualityClean || result.Quality == QualityTrafficAffected {
		p.Bus.PublishPace(PaceEvent{
			SessionID:       result.SessionID,
			VehicleID:       result.VehicleID,
			SegmentID:       result.SegmentID,
			AvgSpeed:        result.AvgSpeed,
			SegmentTimeMs:   result.ElapsedMs,
			QualityFlag:     result.Quality,
			ConfidenceScore: result.AvgSpeed.Confidence,
			Source:          result.AvgSpeed.Source,
		})
	}
	return fr
}

// PublishTrend computes the vehicle's pace trend and, when one exists,
// publishes it. Returns the trend or nil.
func (p *Pipeline) PublishTrend(sessionID, vehicleID string) *PaceTrend {
	trend := p.Detector.AnalyzePaceTrend(sessionID, vehicleID, p.minCleanSamples)
	if trend == nil {
		return nil
	}
	p.Bus.PublishTrend(*trend)
	return trend
}

// Trend computes the vehicle's pace trend without publishing it.
func (p *Pipeline) Trend(sessionID, vehicleID string) *PaceTrend {
	return p.Detector.AnalyzePaceTrend(sessionID, vehicleID, p.minCleanSamples)
}

// EndSession releases all state for the session. Callers own the
// lifecycle: this runs on an explicit session-end signal or after an
// externally defined idle timeout.
func (p *Pipeline) EndSession(sessionID string) {
	p.Parity.Cleanup(sessionID)
	p.Detector.Cleanup(sessionID)
	monitoring.Logf("pipeline: session %s released", sessionID)
}
