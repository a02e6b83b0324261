package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/pace.report/internal/config"
	"github.com/banshee-data/pace.report/internal/db"
	"github.com/banshee-data/pace.report/internal/gate"
	"github.com/banshee-data/pace.report/internal/telemetry"
	"github.com/banshee-data/pace.report/internal/units"
)

// newTestServer builds a server over a live pipeline seeded with one
// session and one vehicle that has completed a clean segment transit.
func newTestServer(t *testing.T, database *db.DB) *Server {
	t.Helper()

	// Assign Store only for a non-nil database: wrapping a nil *db.DB in
	// the ResultStore interface would defeat the pipeline's nil check.
	var cfg telemetry.PipelineConfig
	if database != nil {
		cfg.Store = database
	}
	pipeline := telemetry.NewPipeline(cfg)
	if err := pipeline.Detector.SetTrackMap("race-1", telemetry.DefaultTrackMap("test", "Test Circuit", 4000)); err != nil {
		t.Fatalf("SetTrackMap failed: %v", err)
	}

	base := time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)
	for i, pos := range []float64{0.01, 0.05, 0.12} {
		pipeline.Ingest(telemetry.Sample{
			SessionID:       "race-1",
			SubStream:       "timing",
			VehicleID:       "car-7",
			FrameID:         "f-" + string(rune('a'+i)),
			Timestamp:       base.Add(time.Duration(i) * 6 * time.Second),
			CyclicPosition:  pos,
			Lap:             1,
			OnRacingSurface: true,
		})
	}

	g := gate.NewGate(pipeline.Parity, nil)
	return NewServer(pipeline, database, g, config.EmptyTuningConfig())
}

func doRequest(srv *Server, method, target string, body *bytes.Buffer) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)
	return rec
}

func doForm(srv *Server, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestListSessions(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp["sessions"]) != 1 || resp["sessions"][0] != "race-1" {
		t.Errorf("Expected [race-1], got %v", resp["sessions"])
	}

	rec = doRequest(srv, http.MethodPost, "/api/sessions", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST, got %d", rec.Code)
	}
}

func TestShowParity(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/parity?session=race-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode parity snapshot: %v", err)
	}

	rec = doRequest(srv, http.MethodGet, "/api/parity", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without session, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/parity?session=no-such", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestListVehicles(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/vehicles?session=race-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp["vehicles"]) != 1 || resp["vehicles"][0] != "car-7" {
		t.Errorf("Expected [car-7], got %v", resp["vehicles"])
	}

	rec = doRequest(srv, http.MethodGet, "/api/vehicles", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without session, got %d", rec.Code)
	}
}

func TestListHistoryNoStore(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/history?session=race-1&vehicle=car-7", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without history store, got %d", rec.Code)
	}
}

func TestListHistoryWithStore(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "pace.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(filepath.Join("..", "db", "migrations")); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	exit := time.Date(2024, 3, 9, 14, 0, 12, 0, time.UTC)
	result := telemetry.SegmentResult{
		SessionID:   "race-1",
		VehicleID:   "car-7",
		SegmentID:   "s1",
		SegmentType: telemetry.SegmentStraight,
		ElapsedMs:   12000,
		EntryTime:   exit.Add(-12 * time.Second),
		ExitTime:    exit,
		AvgSpeed:    telemetry.Tagged(10, 0.9, telemetry.SourceDerived, telemetry.QualityClean, exit),
		Quality:     telemetry.QualityClean,
		Lap:         1,
	}
	if err := database.InsertSegmentResult(result); err != nil {
		t.Fatalf("InsertSegmentResult failed: %v", err)
	}

	// The pipeline gets no store so the seeded ingest does not add rows
	// of its own.
	srv := newTestServer(t, nil)
	srv.db = database
	srv.units = units.KMPH

	rec := doRequest(srv, http.MethodGet, "/api/history?session=race-1&vehicle=car-7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var results []telemetry.SegmentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("Failed to decode results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	v, ok := results[0].AvgSpeed.Float()
	if !ok {
		t.Fatal("Expected a defined speed")
	}
	// 10 m/s in km/h.
	if v < 35.9 || v > 36.1 {
		t.Errorf("Expected converted speed 36, got %v", v)
	}

	rec = doRequest(srv, http.MethodGet, "/api/history?session=race-1&vehicle=car-7&limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestShowTrendNotEnoughSamples(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/trend?session=race-1&vehicle=car-7", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with too few clean samples, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/trend?session=race-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without vehicle, got %d", rec.Code)
	}
}

func TestSetTrackMap(t *testing.T) {
	srv := newTestServer(t, nil)

	tm := telemetry.DefaultTrackMap("road-atlanta", "Road Atlanta", 4088)
	body, _ := json.Marshal(tm)
	rec := doRequest(srv, http.MethodPost, "/api/track?session=race-2", bytes.NewBuffer(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["trackId"] != "road-atlanta" {
		t.Errorf("Expected trackId road-atlanta, got %q", resp["trackId"])
	}

	rec = doRequest(srv, http.MethodPost, "/api/track?session=race-2", bytes.NewBufferString(`{"trackId":"x"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid map, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/track?session=race-2", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doForm(srv, "/api/subscribe", url.Values{
		"role":    {"league"},
		"session": {"race-1"},
		"rate":    {"100"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	// League subscriptions are clamped to 4 updates per second.
	if rate, ok := resp["rate"].(float64); !ok || rate != 4 {
		t.Errorf("Expected clamped rate 4, got %v", resp["rate"])
	}
	id, ok := resp["id"].(string)
	if !ok || id == "" {
		t.Fatalf("Expected a subscription id, got %v", resp["id"])
	}

	rec = doForm(srv, "/api/unsubscribe", url.Values{"id": {id}})
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on unsubscribe, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doForm(srv, "/api/unsubscribe", url.Values{"id": {"not-a-uuid"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad id, got %d", rec.Code)
	}
}

func TestSubscribeRejections(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doForm(srv, "/api/subscribe", url.Values{
		"role":    {"spectator"},
		"session": {"race-1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown role, got %d", rec.Code)
	}

	rec = doForm(srv, "/api/subscribe", url.Values{
		"role":    {"driver"},
		"session": {"no-such"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown session, got %d", rec.Code)
	}

	rec = doForm(srv, "/api/subscribe", url.Values{
		"role":    {"driver"},
		"session": {"race-1"},
		"rate":    {"zero"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad rate, got %d", rec.Code)
	}
}

func TestShowConfig(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["units"] != units.MPS {
		t.Errorf("Expected units mps, got %v", resp["units"])
	}
	// Effective tuning values with defaults filled in.
	if resp["duplicate_window_capacity"] != float64(1000) {
		t.Errorf("Expected duplicate_window_capacity 1000, got %v", resp["duplicate_window_capacity"])
	}
	if resp["out_of_order_tolerance"] != "1s" {
		t.Errorf("Expected out_of_order_tolerance 1s, got %v", resp["out_of_order_tolerance"])
	}
	if resp["min_segment_time"] != "500ms" {
		t.Errorf("Expected min_segment_time 500ms, got %v", resp["min_segment_time"])
	}
	if resp["max_plausible_speed_mps"] != float64(100) {
		t.Errorf("Expected max_plausible_speed_mps 100, got %v", resp["max_plausible_speed_mps"])
	}
	if resp["trend_min_clean_samples"] != float64(5) {
		t.Errorf("Expected trend_min_clean_samples 5, got %v", resp["trend_min_clean_samples"])
	}
}

func TestShowConfigLoadedValues(t *testing.T) {
	capacity := 50
	tol := "2s"
	cfg := config.EmptyTuningConfig()
	cfg.DuplicateWindowCapacity = &capacity
	cfg.OutOfOrderTolerance = &tol

	pipeline := telemetry.NewPipeline(telemetry.PipelineConfig{})
	srv := NewServer(pipeline, nil, nil, cfg)

	rec := doRequest(srv, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["duplicate_window_capacity"] != float64(50) {
		t.Errorf("Expected loaded capacity 50, got %v", resp["duplicate_window_capacity"])
	}
	if resp["out_of_order_tolerance"] != "2s" {
		t.Errorf("Expected loaded tolerance 2s, got %v", resp["out_of_order_tolerance"])
	}
}

func TestNewServerInvalidUnits(t *testing.T) {
	bad := "furlongs"
	cfg := config.EmptyTuningConfig()
	cfg.Units = &bad

	pipeline := telemetry.NewPipeline(telemetry.PipelineConfig{})
	srv := NewServer(pipeline, nil, nil, cfg)
	if srv.units != units.MPS {
		t.Errorf("Expected fallback to mps, got %q", srv.units)
	}
}

func TestStatusCodeColor(t *testing.T) {
	if got := statusCodeColor(200); !strings.Contains(got, "200") {
		t.Errorf("Expected status text in %q", got)
	}
	if got := statusCodeColor(302); !strings.Contains(got, colorYellow) {
		t.Errorf("Expected yellow for redirects, got %q", got)
	}
	if got := statusCodeColor(500); !strings.Contains(got, colorBoldRed) {
		t.Errorf("Expected red for errors, got %q", got)
	}
}

func TestShowPaceChart(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/chart?session=race-1&vehicle=car-7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Expected html response, got %q", ct)
	}
}
