package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pace.report/internal/config"
	"github.com/banshee-data/pace.report/internal/db"
	"github.com/banshee-data/pace.report/internal/gate"
	"github.com/banshee-data/pace.report/internal/telemetry"
	"github.com/banshee-data/pace.report/internal/units"
	"github.com/banshee-data/pace.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes the telemetry core over HTTP. All speed values cross
// this boundary in the configured display units; everything behind it is
// meters per second.
type Server struct {
	pipeline *telemetry.Pipeline
	db       *db.DB
	gate     *gate.Gate
	tuning   *config.TuningConfig
	units    string
}

func NewServer(pipeline *telemetry.Pipeline, database *db.DB, g *gate.Gate, tuning *config.TuningConfig) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	displayUnits := tuning.GetUnits()
	if !units.IsValid(displayUnits) {
		displayUnits = units.MPS
	}
	return &Server{
		pipeline: pipeline,
		db:       database,
		gate:     g,
		tuning:   tuning,
		units:    displayUnits,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/parity", s.showParity)
	mux.HandleFunc("/api/vehicles", s.listVehicles)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.HandleFunc("/api/trend", s.showTrend)
	mux.HandleFunc("/api/chart", s.showPaceChart)
	mux.HandleFunc("/api/track", s.setTrackMap)
	mux.HandleFunc("/api/subscribe", s.subscribe)
	mux.HandleFunc("/api/unsubscribe", s.unsubscribe)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// convertResultSpeed applies unit conversion to the speed of a segment
// result. Undefined speeds pass through untouched.
func (s *Server) convertResultSpeed(r telemetry.SegmentResult) telemetry.SegmentResult {
	if r.AvgSpeed.Value != nil {
		converted := units.ConvertSpeed(*r.AvgSpeed.Value, s.units)
		r.AvgSpeed.Value = &converted
	}
	return r
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessions := s.pipeline.Parity.ListSessionIDs()
	if err := json.NewEncoder(w).Encode(map[string][]string{"sessions": sessions}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write sessions")
		return
	}
}

func (s *Server) showParity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'session' parameter")
		return
	}

	snap, ok := s.pipeline.Parity.Snapshot(sessionID)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("No parity state for session %s", sessionID))
		return
	}

	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write parity snapshot")
		return
	}
}

func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'session' parameter")
		return
	}

	vehicles := s.pipeline.Detector.VehicleIDs(sessionID)
	if err := json.NewEncoder(w).Encode(map[string][]string{"vehicles": vehicles}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write vehicles")
		return
	}
}

// listHistory serves the most recent persisted segment results in
// chronological order. Reads come from the history store rather than the
// in-memory ring so the response is not capped at the detector's
// retention window.
func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "History store not configured")
		return
	}

	sessionID := r.URL.Query().Get("session")
	vehicleID := r.URL.Query().Get("vehicle")
	if sessionID == "" || vehicleID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'session' or 'vehicle' parameter")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	results, err := s.db.SegmentResults(sessionID, vehicleID, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve segment results: %v", err))
		return
	}

	for i := range results {
		results[i] = s.convertResultSpeed(results[i])
	}

	if err := json.NewEncoder(w).Encode(results); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write segment results")
		return
	}
}

func (s *Server) showTrend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session")
	vehicleID := r.URL.Query().Get("vehicle")
	if sessionID == "" || vehicleID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'session' or 'vehicle' parameter")
		return
	}

	trend := s.pipeline.Trend(sessionID, vehicleID)
	if trend == nil {
		s.writeJSONError(w, http.StatusNotFound,
			fmt.Sprintf("Not enough clean samples for %s in session %s", vehicleID, sessionID))
		return
	}

	if err := json.NewEncoder(w).Encode(trend); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write trend")
		return
	}
}

// setTrackMap installs a track map for a session. Installing a map resets
// the session's vehicle position state, so this belongs before ingestion
// starts, not mid-race.
func (s *Server) setTrackMap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'session' parameter")
		return
	}

	var tm telemetry.TrackMap
	if err := json.NewDecoder(r.Body).Decode(&tm); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid track map: %v", err))
		return
	}

	if err := s.pipeline.Detector.SetTrackMap(sessionID, &tm); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid track map: %v", err))
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "trackId": tm.TrackID})
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.gate == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Subscription gate not configured")
		return
	}

	role := gate.Role(r.FormValue("role"))
	sessionID := r.FormValue("session")

	rate := 0
	if v := r.FormValue("rate"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'rate' parameter")
			return
		}
		rate = parsed
	}

	sub, err := s.gate.Subscribe(role, sessionID, rate)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":   sub.ID.String(),
		"rate": sub.Rate(),
	})
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.gate == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Subscription gate not configured")
		return
	}

	id, err := uuid.Parse(r.FormValue("id"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'id' parameter")
		return
	}

	s.gate.Unsubscribe(id)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Effective values, defaults included; the keys mirror the tuning
	// file schema.
	cfg := map[string]interface{}{
		"units":                     s.units,
		"version":                   version.Version,
		"duplicate_window_capacity": s.tuning.GetDuplicateWindowCapacity(),
		"out_of_order_tolerance":    s.tuning.GetOutOfOrderTolerance().String(),
		"min_segment_time":          s.tuning.GetMinSegmentTime().String(),
		"max_segment_time":          s.tuning.GetMaxSegmentTime().String(),
		"max_plausible_speed_mps":   s.tuning.GetMaxPlausibleSpeed(),
		"result_history_capacity":   s.tuning.GetHistoryCapacity(),
		"trend_min_clean_samples":   s.tuning.GetTrendMinCleanSamples(),
		"playback_tick":             s.tuning.GetPlaybackTick().String(),
		"replay_quantization":       s.tuning.GetReplayQuantization().String(),
		"demo_seed":                 s.tuning.GetDemoSeed(),
	}

	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}
