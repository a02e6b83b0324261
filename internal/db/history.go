package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/pace.report/internal/source"
	"github.com/banshee-data/pace.report/internal/telemetry"
)

// reasonSeparator joins quality reasons into one TEXT column. Reasons are
// prose and never contain it.
const reasonSeparator = "\x1f"

// InsertTimingSnapshot records one leaderboard snapshot. Entries are
// stored as JSON; the row exists to be replayed, not queried by field.
func (db *DB) InsertTimingSnapshot(snap source.TimingSnapshot) error {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("marshal timing entries: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO timing_snapshots (session_id, ts_unix_nanos, entries) VALUES (?, ?, ?)`,
		snap.SessionID, snap.Timestamp.UnixNano(), string(entries),
	)
	if err != nil {
		return fmt.Errorf("insert timing snapshot: %w", err)
	}
	return nil
}

// TimingSnapshots returns the session's snapshots inside [from, to),
// oldest first. Implements source.SnapshotSource.
func (db *DB) TimingSnapshots(ctx context.Context, sessionID string, from, to time.Time) ([]source.TimingSnapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT ts_unix_nanos, entries FROM timing_snapshots
		 WHERE session_id = ? AND ts_unix_nanos >= ? AND ts_unix_nanos < ?
		 ORDER BY ts_unix_nanos`,
		sessionID, from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query timing snapshots: %w", err)
	}
	defer rows.Close()

	var out []source.TimingSnapshot
	for rows.Next() {
		var nanos int64
		var entriesJSON string
		if err := rows.Scan(&nanos, &entriesJSON); err != nil {
			return nil, err
		}
		snap := source.TimingSnapshot{
			SessionID: sessionID,
			Timestamp: time.Unix(0, nanos),
		}
		if err := json.Unmarshal([]byte(entriesJSON), &snap.Entries); err != nil {
			return nil, fmt.Errorf("unmarshal timing entries: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// InsertTelemetryFrame records one raw position sample for later replay.
func (db *DB) InsertTelemetryFrame(s telemetry.Sample) error {
	_, err := db.Exec(
		`INSERT INTO telemetry_frames
		 (session_id, sub_stream, vehicle_id, frame_id, ts_unix_nanos,
		  cyclic_position, lap, in_pit_lane, on_racing_surface, has_traffic_overlap)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.SubStream, s.VehicleID, s.FrameID, s.Timestamp.UnixNano(),
		s.CyclicPosition, s.Lap, boolInt(s.InPitLane), boolInt(s.OnRacingSurface), boolInt(s.HasTrafficOverlap),
	)
	if err != nil {
		return fmt.Errorf("insert telemetry frame: %w", err)
	}
	return nil
}

// TelemetryFrames returns the session's frames inside [from, to), oldest
// first. Implements source.SnapshotSource.
func (db *DB) TelemetryFrames(ctx context.Context, sessionID string, from, to time.Time) ([]telemetry.Sample, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT sub_stream, vehicle_id, frame_id, ts_unix_nanos,
		        cyclic_position, lap, in_pit_lane, on_racing_surface, has_traffic_overlap
		 FROM telemetry_frames
		 WHERE session_id = ? AND ts_unix_nanos >= ? AND ts_unix_nanos < ?
		 ORDER BY ts_unix_nanos`,
		sessionID, from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query telemetry frames: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var s telemetry.Sample
		var nanos int64
		var pit, surface, traffic int
		if err := rows.Scan(&s.SubStream, &s.VehicleID, &s.FrameID, &nanos,
			&s.CyclicPosition, &s.Lap, &pit, &surface, &traffic); err != nil {
			return nil, err
		}
		s.SessionID = sessionID
		s.Timestamp = time.Unix(0, nanos)
		s.InPitLane = pit != 0
		s.OnRacingSurface = surface != 0
		s.HasTrafficOverlap = traffic != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertSegmentResult persists one completed transit. Implements
// telemetry.ResultStore. The speed column is NULL for undefined values so
// the stored row keeps the tagged-value contract.
func (db *DB) InsertSegmentResult(r telemetry.SegmentResult) error {
	var speed sql.NullFloat64
	if v, ok := r.AvgSpeed.Float(); ok {
		speed = sql.NullFloat64{Float64: v, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO segment_results
		 (session_id, vehicle_id, segment_id, segment_type, elapsed_ms,
		  entry_unix_nanos, exit_unix_nanos, avg_speed_mps, confidence,
		  source, quality, reasons, lap)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.VehicleID, r.SegmentID, string(r.SegmentType), r.ElapsedMs,
		r.EntryTime.UnixNano(), r.ExitTime.UnixNano(), speed, r.AvgSpeed.Confidence,
		string(r.AvgSpeed.Source), string(r.Quality), strings.Join(r.QualityReasons, reasonSeparator), r.Lap,
	)
	if err != nil {
		return fmt.Errorf("insert segment result: %w", err)
	}
	return nil
}

// SegmentResults returns the vehicle's most recent results, up to limit,
// ordered oldest first. The limit trims from the old end so a capped
// query never hides the latest transits.
func (db *DB) SegmentResults(sessionID, vehicleID string, limit int) ([]telemetry.SegmentResult, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT segment_id, segment_type, elapsed_ms, entry_unix_nanos, exit_unix_nanos,
		        avg_speed_mps, confidence, source, quality, reasons, lap
		 FROM segment_results
		 WHERE session_id = ? AND vehicle_id = ?
		 ORDER BY exit_unix_nanos DESC
		 LIMIT ?`,
		sessionID, vehicleID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query segment results: %w", err)
	}
	defer rows.Close()

	var out []telemetry.SegmentResult
	for rows.Next() {
		var r telemetry.SegmentResult
		var entryNanos, exitNanos int64
		var speed sql.NullFloat64
		var confidence float64
		var segType, srcStr, qualStr, reasons string
		if err := rows.Scan(&r.SegmentID, &segType, &r.ElapsedMs, &entryNanos, &exitNanos,
			&speed, &confidence, &srcStr, &qualStr, &reasons, &r.Lap); err != nil {
			return nil, err
		}
		r.SessionID = sessionID
		r.VehicleID = vehicleID
		r.SegmentType = telemetry.SegmentType(segType)
		r.EntryTime = time.Unix(0, entryNanos)
		r.ExitTime = time.Unix(0, exitNanos)
		r.Quality = telemetry.Quality(qualStr)
		if reasons != "" {
			r.QualityReasons = strings.Split(reasons, reasonSeparator)
		}
		if speed.Valid {
			r.AvgSpeed = telemetry.Tagged(speed.Float64, confidence, telemetry.ValueSource(srcStr), r.Quality, r.ExitTime)
		} else {
			r.AvgSpeed = telemetry.Undefined(telemetry.ValueSource(srcStr), r.Quality, r.ExitTime)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows arrived newest first; flip back to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
