// Command pacereport runs the telemetry distribution core: a source
// adapter feeding the parity and segment-speed pipeline, a history store,
// and an HTTP API for consumers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/pace.report/internal/api"
	"github.com/banshee-data/pace.report/internal/config"
	"github.com/banshee-data/pace.report/internal/db"
	"github.com/banshee-data/pace.report/internal/gate"
	"github.com/banshee-data/pace.report/internal/source"
	"github.com/banshee-data/pace.report/internal/telemetry"
	"github.com/banshee-data/pace.report/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	dbFile        = flag.String("db", "pace.db", "Path to the SQLite history database")
	migrationsDir = flag.String("migrations", "internal/db/migrations", "Path to schema migrations")
	configPath    = flag.String("config", "", "Optional tuning config (JSON)")
	mode          = flag.String("mode", "demo", "Source adapter: live, replay, or demo")
	session       = flag.String("session", "demo-session", "Session id to attach to")
	liveURL       = flag.String("live-url", "", "Websocket URL of the live relay (live mode)")
	replayFrom    = flag.String("replay-from", "", "Replay window start, RFC3339 (replay mode)")
	replayTo      = flag.String("replay-to", "", "Replay window end, RFC3339 (replay mode)")
	replayRate    = flag.Int("replay-rate", 1, "Playback rate multiplier (replay mode)")
	trackLength   = flag.Float64("track-length", 4000, "Track length in meters for the default track map")
	trendEvery    = flag.Duration("trend-every", 30*time.Second, "Interval between pace trend recomputations")
)

func buildAdapter(cfg *config.TuningConfig, store *db.DB) (source.Adapter, error) {
	switch *mode {
	case "live":
		return source.NewLiveAdapter(source.LiveConfig{URL: *liveURL}), nil
	case "replay":
		from, err := time.Parse(time.RFC3339, *replayFrom)
		if err != nil {
			return nil, fmt.Errorf("invalid -replay-from: %w", err)
		}
		to, err := time.Parse(time.RFC3339, *replayTo)
		if err != nil {
			return nil, fmt.Errorf("invalid -replay-to: %w", err)
		}
		return source.NewReplayAdapter(source.ReplayConfig{
			Source:       store,
			From:         from,
			To:           to,
			Rate:         *replayRate,
			Tick:         cfg.GetPlaybackTick(),
			Quantization: cfg.GetReplayQuantization(),
		}), nil
	case "demo":
		return source.NewDemoAdapter(source.DemoConfig{
			Seed:         cfg.GetDemoSeed(),
			Tick:         cfg.GetPlaybackTick(),
			TrackLengthM: *trackLength,
		}), nil
	default:
		return nil, fmt.Errorf("unknown mode %q, expected live, replay, or demo", *mode)
	}
}

func main() {
	flag.Parse()

	log.Printf("pacereport %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		cfg = loaded
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	adapter, err := buildAdapter(cfg, database)
	if err != nil {
		log.Fatalf("Failed to build source adapter: %v", err)
	}

	var ack telemetry.AckFunc
	if live, ok := adapter.(*source.LiveAdapter); ok {
		ack = func(sessionID, subStream, frameID string) {
			if err := live.Ack(sessionID, subStream, frameID); err != nil {
				log.Printf("failed to ack frame %s: %v", frameID, err)
			}
		}
	}

	pipeline := telemetry.NewPipeline(telemetry.PipelineConfig{
		Parity: telemetry.ParityTrackerConfig{
			DuplicateWindowCapacity: cfg.GetDuplicateWindowCapacity(),
			OutOfOrderTolerance:     cfg.GetOutOfOrderTolerance(),
		},
		Detector: telemetry.DetectorConfig{
			MinSegmentTime:    cfg.GetMinSegmentTime(),
			MaxSegmentTime:    cfg.GetMaxSegmentTime(),
			MaxPlausibleSpeed: cfg.GetMaxPlausibleSpeed(),
			HistoryCapacity:   cfg.GetHistoryCapacity(),
		},
		Store:                database,
		Ack:                  ack,
		TrendMinCleanSamples: cfg.GetTrendMinCleanSamples(),
	})

	tm := telemetry.DefaultTrackMap("default", "Default Circuit", *trackLength)
	if err := pipeline.Detector.SetTrackMap(*session, tm); err != nil {
		log.Fatalf("Failed to install default track map: %v", err)
	}

	// Replay reads history; recording it again would duplicate rows.
	recording := *mode != "replay"

	unsubFrame := adapter.OnFrame(func(s telemetry.Sample) {
		pipeline.Ingest(s)
		if recording {
			if err := database.InsertTelemetryFrame(s); err != nil {
				log.Printf("failed to record frame: %v", err)
			}
		}
	})
	defer unsubFrame()

	unsubTiming := adapter.OnTiming(func(snap source.TimingSnapshot) {
		if recording {
			if err := database.InsertTimingSnapshot(snap); err != nil {
				log.Printf("failed to record timing snapshot: %v", err)
			}
		}
	})
	defer unsubTiming()

	g := gate.NewGate(pipeline.Parity, nil)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Source adapter goroutine. A failed connect is retryable, not fatal:
	// live relays drop out and come back.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if err := adapter.Connect(ctx, *session); err != nil {
				log.Printf("source connect failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
			break
		}
		<-ctx.Done()
		if err := adapter.Disconnect(); err != nil {
			log.Printf("source disconnect: %v", err)
		}
		log.Printf("source adapter stopped")
	}()

	// Trend recomputation goroutine. Trends are derived on a slow cadence
	// from accumulated history, not per frame.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*trendEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("trend routine terminated")
				return
			case <-ticker.C:
				for _, vehicleID := range pipeline.Detector.VehicleIDs(*session) {
					pipeline.PublishTrend(*session, vehicleID)
				}
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(pipeline, database, g, cfg).ServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
