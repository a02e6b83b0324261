package telemetry

import "time"

// ValueSource records the provenance of a derived number. No ground-truth
// speed signal exists anywhere in the pipeline, so every numeric output
// carries one of these alongside a confidence score.
type ValueSource string

const (
	SourceDerived  ValueSource = "DERIVED"  // Computed from position deltas
	SourceInferred ValueSource = "INFERRED" // Estimated from partial data
	SourceUnknown  ValueSource = "UNKNOWN"  // No basis for a value
	SourceInvalid  ValueSource = "INVALID"  // Computation attempted and rejected
)

// Quality classifies the conditions under which a segment transit was
// observed. Ordered here from worst to best for documentation only; the
// classification priority lives in classifyTransit.
type Quality string

const (
	QualityInvalid         Quality = "INVALID"
	QualityPit             Quality = "PIT"
	QualityOffTrack        Quality = "OFFTRACK"
	QualityTrafficAffected Quality = "TRAFFIC_AFFECTED"
	QualityClean           Quality = "CLEAN"
)

// TaggedValue is a derived number paired with its confidence and
// provenance. Value is nil when the pipeline has no defensible number to
// offer; in that case Confidence is always 0.
type TaggedValue struct {
	Value      *float64    `json:"value"`
	Confidence float64     `json:"confidence"`
	Source     ValueSource `json:"source"`
	Quality    Quality     `json:"quality,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Tagged wraps a defined value with its confidence and provenance.
func Tagged(value, confidence float64, source ValueSource, quality Quality, ts time.Time) TaggedValue {
	v := value
	return TaggedValue{
		Value:      &v,
		Confidence: confidence,
		Source:     source,
		Quality:    quality,
		Timestamp:  ts,
	}
}

// Undefined returns a TaggedValue with no value and zero confidence.
// Used for PIT and INVALID transits where emitting any number would be
// worse than emitting none.
func Undefined(source ValueSource, quality Quality, ts time.Time) TaggedValue {
	return TaggedValue{
		Value:      nil,
		Confidence: 0,
		Source:     source,
		Quality:    quality,
		Timestamp:  ts,
	}
}

// Defined reports whether the value is present.
func (tv TaggedValue) Defined() bool {
	return tv.Value != nil
}

// Float returns the value and whether it is defined.
func (tv TaggedValue) Float() (float64, bool) {
	if tv.Value == nil {
		return 0, false
	}
	return *tv.Value, true
}
