package telemetry

import (
	"fmt"
	"math"
)

// SegmentType tags a track segment as predominantly straight or corner.
// The pace trend analysis partitions speeds on this tag.
type SegmentType string

const (
	SegmentStraight SegmentType = "straight"
	SegmentCorner   SegmentType = "corner"
)

// Segment is a fixed arc of track used as a virtual speed trap. The
// interval [StartPct, EndPct) is a cyclic fraction of the lap and may wrap
// past the start/finish line (StartPct > EndPct).
type Segment struct {
	SegmentID    string      `json:"segmentId"`
	Label        string      `json:"label"`
	StartPct     float64     `json:"startPct"`
	EndPct       float64     `json:"endPct"`
	LengthMeters float64     `json:"lengthMeters"`
	SegmentType  SegmentType `json:"segmentType"`
	IsSpeedTrap  bool        `json:"isSpeedTrap"`
}

// Contains reports whether the cyclic position p lies inside the segment.
// A wrapping segment (start > end, crossing 0/1) contains p when p >= start
// or p < end.
func (s Segment) Contains(p float64) bool {
	if s.StartPct <= s.EndPct {
		return p >= s.StartPct && p < s.EndPct
	}
	return p >= s.StartPct || p < s.EndPct
}

// TrackMap is the immutable per-track segment definition shared read-only
// by every vehicle in a session.
type TrackMap struct {
	TrackID           string    `json:"trackId"`
	TrackName         string    `json:"trackName"`
	LayoutName        string    `json:"layoutName"`
	TrackLengthMeters float64   `json:"trackLengthMeters"`
	Segments          []Segment `json:"segments"`
}

// Validate rejects malformed maps at configuration time so per-sample
// processing never has to.
func (tm *TrackMap) Validate() error {
	if tm == nil {
		return fmt.Errorf("track map is nil")
	}
	if tm.TrackID == "" {
		return fmt.Errorf("track map missing track id")
	}
	if tm.TrackLengthMeters <= 0 {
		return fmt.Errorf("track %s: track length must be positive, got %v", tm.TrackID, tm.TrackLengthMeters)
	}
	if len(tm.Segments) == 0 {
		return fmt.Errorf("track %s: no segments defined", tm.TrackID)
	}
	for i, seg := range tm.Segments {
		if seg.SegmentID == "" {
			return fmt.Errorf("track %s: segment %d missing id", tm.TrackID, i)
		}
		if seg.StartPct < 0 || seg.StartPct >= 1 || seg.EndPct < 0 || seg.EndPct >= 1 {
			return fmt.Errorf("track %s: segment %s interval [%v,%v) outside [0,1)",
				tm.TrackID, seg.SegmentID, seg.StartPct, seg.EndPct)
		}
		if seg.LengthMeters <= 0 {
			return fmt.Errorf("track %s: segment %s length must be positive", tm.TrackID, seg.SegmentID)
		}
	}
	return nil
}

// SegmentAt returns the segment containing the cyclic position p, or nil
// when no segment matches (gaps between segments are legal).
func (tm *TrackMap) SegmentAt(p float64) *Segment {
	for i := range tm.Segments {
		if tm.Segments[i].Contains(p) {
			return &tm.Segments[i]
		}
	}
	return nil
}

// WrapDelta returns the signed cyclic distance from p1 to p2 in lap
// fractions. Whenever the naive difference exceeds 0.5 in magnitude the
// shorter way around the lap is taken: p1=0.98, p2=0.02 yields +0.04.
func WrapDelta(p1, p2 float64) float64 {
	d := p2 - p1
	if d > 0.5 {
		d -= 1
	} else if d < -0.5 {
		d += 1
	}
	return d
}

// DefaultTrackMap synthesises an equally spaced ten-segment map for tracks
// with no curated segment definition. Segment types alternate so trend
// partitioning still has both populations to work with.
func DefaultTrackMap(trackID, trackName string, lengthMeters float64) *TrackMap {
	const segments = 10
	segLen := lengthMeters / segments
	tm := &TrackMap{
		TrackID:           trackID,
		TrackName:         trackName,
		LayoutName:        "default",
		TrackLengthMeters: lengthMeters,
		Segments:          make([]Segment, 0, segments),
	}
	for i := 0; i < segments; i++ {
		segType := SegmentStraight
		if i%2 == 1 {
			segType = SegmentCorner
		}
		start := float64(i) / segments
		end := float64(i+1) / segments
		if i == segments-1 {
			end = 0 // last interval wraps to the line
		}
		tm.Segments = append(tm.Segments, Segment{
			SegmentID:    fmt.Sprintf("%s-s%d", trackID, i),
			Label:        fmt.Sprintf("Sector %d", i+1),
			StartPct:     start,
			EndPct:       end,
			LengthMeters: segLen,
			SegmentType:  segType,
			IsSpeedTrap:  i == 0,
		})
	}
	return tm
}

// normalizePct clamps a cyclic position into [0,1). Feeds from some
// clients report 1.0 exactly at the line.
func normalizePct(p float64) float64 {
	p = math.Mod(p, 1)
	if p < 0 {
		p += 1
	}
	return p
}
