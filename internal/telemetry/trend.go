package telemetry

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Trend defaults, tunable via config.TuningConfig.
const (
	// DefaultTrendMinCleanSamples is the minimum number of CLEAN results
	// required before a trend is offered at all.
	DefaultTrendMinCleanSamples = 5
	// minRegressionPoints is the minimum usable (lap, elapsed) pairs for
	// a pace slope. Below this the slope is undefined, not zero.
	minRegressionPoints = 3
	// fuelBurnSlopeThreshold in ms/lap: a pace improving faster than this
	// is attributed to fuel burn-off. Placeholder heuristic; see DESIGN.md.
	fuelBurnSlopeThreshold = -10.0
)

// DegradationType is the inferred cause of a pace trend.
type DegradationType string

const (
	DegradationTire     DegradationType = "tire"
	DegradationFuelBurn DegradationType = "fuel_burn"
	DegradationUnknown  DegradationType = "unknown"
)

// PaceTrend summarises a vehicle's pace over its recorded clean transits.
// Sample counts are carried alongside the confidences so consumers can
// judge reliability independently.
type PaceTrend struct {
	SessionID          string          `json:"sessionId"`
	VehicleID          string          `json:"vehicleId"`
	StraightPace       TaggedValue     `json:"straightPace"`
	CornerPace         TaggedValue     `json:"cornerPace"`
	OverallPace        TaggedValue     `json:"overallPace"`
	PaceSlope          TaggedValue     `json:"paceSlope"` // ms per lap
	Degradation        DegradationType `json:"degradationType"`
	CleanSampleCount   int             `json:"cleanSampleCount"`
	TotalSampleCount   int             `json:"totalSampleCount"`
	DataQualitySummary string          `json:"dataQualitySummary"`
}

// AnalyzePaceTrend computes the pace trend for a vehicle from its recorded
// history. Called on demand, not per sample. Returns nil when fewer than
// the configured minimum clean samples exist: insufficient data is an
// expected steady state, not an error.
func (d *SegmentSpeedDetector) AnalyzePaceTrend(sessionID, vehicleID string, minCleanSamples int) *PaceTrend {
	if minCleanSamples <= 0 {
		minCleanSamples = DefaultTrendMinCleanSamples
	}

	history := d.VehicleHistory(sessionID, vehicleID)
	if history == nil {
		return nil
	}

	clean := make([]SegmentResult, 0, len(history))
	for _, r := range history {
		if r.Quality == QualityClean {
			clean = append(clean, r)
		}
	}
	if len(clean) < minCleanSamples {
		return nil
	}

	now := time.Now()
	var straight, corner []SegmentResult
	for _, r := range clean {
		if r.SegmentType == SegmentCorner {
			corner = append(corner, r)
		} else {
			straight = append(straight, r)
		}
	}

	trend := &PaceTrend{
		SessionID:        sessionID,
		VehicleID:        vehicleID,
		StraightPace:     partitionPace(straight, now),
		CornerPace:       partitionPace(corner, now),
		OverallPace:      partitionPace(clean, now),
		CleanSampleCount: len(clean),
		TotalSampleCount: len(history),
	}
	trend.PaceSlope = paceSlope(clean, now)
	trend.Degradation = classifyDegradation(trend.PaceSlope)
	trend.DataQualitySummary = qualitySummary(clean, history)
	return trend
}

// partitionPace averages the defined speeds in a partition. Confidence
// scales with the sample count, saturating at ten samples.
func partitionPace(results []SegmentResult, ts time.Time) TaggedValue {
	speeds := make([]float64, 0, len(results))
	for _, r := range results {
		if v, ok := r.AvgSpeed.Float(); ok {
			speeds = append(speeds, v)
		}
	}
	if len(speeds) == 0 {
		return Undefined(SourceUnknown, "", ts)
	}
	confidence := float64(len(speeds)) / 10
	if confidence > 1 {
		confidence = 1
	}
	return Tagged(stat.Mean(speeds, nil), confidence, SourceDerived, QualityClean, ts)
}

// paceSlope fits elapsed transit time against lap number by ordinary
// least squares. The regression's R² serves as the slope's confidence,
// clamped at zero.
func paceSlope(clean []SegmentResult, ts time.Time) TaggedValue {
	laps := make([]float64, 0, len(clean))
	elapsed := make([]float64, 0, len(clean))
	for _, r := range clean {
		laps = append(laps, float64(r.Lap))
		elapsed = append(elapsed, r.ElapsedMs)
	}
	if len(laps) < minRegressionPoints {
		return Undefined(SourceUnknown, "", ts)
	}

	alpha, beta := stat.LinearRegression(laps, elapsed, nil, false)
	if math.IsNaN(beta) {
		// All points on one lap: no lap axis to regress against.
		return Undefined(SourceUnknown, "", ts)
	}
	r2 := stat.RSquared(laps, elapsed, nil, alpha, beta)
	// A perfectly flat series has zero variance and an undefined R².
	if math.IsNaN(r2) || r2 < 0 {
		r2 = 0
	}
	return Tagged(beta, r2, SourceInferred, "", ts)
}

// classifyDegradation maps the slope sign and magnitude to a degradation
// cause. Single-signal heuristic: a positive slope (getting slower) is
// tentatively tire wear, a strongly negative one is fuel burn-off.
func classifyDegradation(slope TaggedValue) DegradationType {
	v, ok := slope.Float()
	if !ok {
		return DegradationUnknown
	}
	switch {
	case v > 0:
		return DegradationTire
	case v < fuelBurnSlopeThreshold:
		return DegradationFuelBurn
	default:
		return DegradationUnknown
	}
}

func qualitySummary(clean, history []SegmentResult) string {
	speeds := make([]float64, 0, len(clean))
	for _, r := range clean {
		if v, ok := r.AvgSpeed.Float(); ok {
			speeds = append(speeds, v)
		}
	}
	if len(speeds) == 0 {
		return fmt.Sprintf("%d/%d clean transits, no usable speeds", len(clean), len(history))
	}
	sort.Float64s(speeds)
	p50 := stat.Quantile(0.5, stat.Empirical, speeds, nil)
	return fmt.Sprintf("%d/%d clean transits, median speed %.1f m/s", len(clean), len(history), p50)
}
