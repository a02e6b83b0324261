package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/pace.report/internal/telemetry"
	"github.com/banshee-data/pace.report/internal/units"
)

// showPaceChart renders a quick line plot (HTML) of a vehicle's segment
// history using go-echarts. This is a debugging-only endpoint (no auth)
// to eyeball pace fall-off without a frontend. Clean transits and
// traffic-affected transits are separate series; other qualities are
// omitted because their times do not reflect pace.
func (s *Server) showPaceChart(w http.ResponseWriter, r *http.Request) {
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

	history := s.pipeline.Detector.VehicleHistory(sessionID, vehicleID)
	if len(history) == 0 {
		s.writeJSONError(w, http.StatusNotFound,
			fmt.Sprintf("No segment history for %s in session %s", vehicleID, sessionID))
		return
	}

	labels := make([]string, 0, len(history))
	clean := make([]opts.LineData, 0, len(history))
	traffic := make([]opts.LineData, 0, len(history))
	speeds := make([]opts.LineData, 0, len(history))
	for _, res := range history {
		labels = append(labels, fmt.Sprintf("L%d %s", res.Lap, res.SegmentID))
		switch res.Quality {
		case telemetry.QualityClean:
			clean = append(clean, opts.LineData{Value: res.ElapsedMs})
			traffic = append(traffic, opts.LineData{Value: nil})
		case telemetry.QualityTrafficAffected:
			clean = append(clean, opts.LineData{Value: nil})
			traffic = append(traffic, opts.LineData{Value: res.ElapsedMs})
		default:
			clean = append(clean, opts.LineData{Value: nil})
			traffic = append(traffic, opts.LineData{Value: nil})
		}
		if v, ok := res.AvgSpeed.Float(); ok {
			speeds = append(speeds, opts.LineData{Value: units.ConvertSpeed(v, s.units)})
		} else {
			speeds = append(speeds, opts.LineData{Value: nil})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Segment Pace", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Segment pace for %s", vehicleID),
			Subtitle: fmt.Sprintf("session=%s transits=%d units=%s", sessionID, len(history), s.units),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "transit"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "segment time (ms)"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("clean", clean)
	line.AddSeries("traffic", traffic)
	line.AddSeries(fmt.Sprintf("avg speed (%s)", s.units), speeds)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
