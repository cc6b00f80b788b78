// Command tripline runs the background trip recording engine: it consumes
// position fixes and motion samples from a replay file or the built-in
// simulator, filters and queues fixes locally, uploads them to a collection
// server, and parks itself when driving ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/overland-data/tripline/internal/api"
	"github.com/overland-data/tripline/internal/config"
	"github.com/overland-data/tripline/internal/queue"
	"github.com/overland-data/tripline/internal/source"
	"github.com/overland-data/tripline/internal/timeutil"
	"github.com/overland-data/tripline/internal/trip"
	"github.com/overland-data/tripline/internal/units"
	"github.com/overland-data/tripline/internal/upload"
	"github.com/overland-data/tripline/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run against the built-in drive simulator")
	listen      = flag.String("listen", ":8080", "Status server listen address")
	dbFile      = flag.String("db", "trip_queue.db", "Queue database path")
	serverURL   = flag.String("server", "", "Upload server base URL (required unless -dev)")
	replayFile  = flag.String("replay", "", "Replay a JSONL recording instead of the simulator")
	replaySpeed = flag.Float64("replay-speed", 10, "Replay time compression factor (0 = no pacing)")
	configFile  = flag.String("config", "", "Tuning config JSON path")
	speedUnits  = flag.String("speed-units", units.KPH, "Units for logged speeds (mps, mph, kph)")
)

func main() {
	// The migrate subcommand manages queue schema out of band.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		dbPath := *dbFile
		args := os.Args[2:]
		if len(args) >= 2 && args[0] == "-db" {
			dbPath = args[1]
			args = args[2:]
		}
		queue.RunMigrateCommand(args, dbPath)
		return
	}

	flag.Parse()

	log.Printf("tripline %s (%s)", version.Version, version.GitSHA)

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *serverURL == "" && !*devMode {
		log.Fatal("Upload server URL is required (or pass -dev)")
	}
	if !units.IsValid(*speedUnits) {
		log.Fatalf("Invalid speed units %q, want one of: mps, mph, kph", *speedUnits)
	}

	cfg := config.DefaultTuning()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadTuning(*configFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	}

	store, err := queue.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open queue database: %v", err)
	}
	defer store.Close()

	var (
		fixSrc    trip.FixSource
		motionSrc trip.MotionSource
		replay    *source.Replay
	)
	switch {
	case *replayFile != "":
		replay = source.NewReplay(*replayFile, *replaySpeed)
		fixSrc = replay.FixSource()
		motionSrc = replay.MotionSource()
	case *devMode:
		sim := source.NewSimulated(5*time.Second, 37.7793, -122.4193)
		log.Printf("simulating device %s", sim.DeviceID())
		fixSrc = sim
		motionSrc = sim
	default:
		log.Fatal("No fix source: pass -replay or -dev")
	}

	var uploader trip.Uploader
	if *serverURL != "" {
		uploader = upload.NewClient(*serverURL)
	} else {
		uploader = devNullUploader{}
	}

	clock := timeutil.RealClock{}
	filter := trip.NewLocationFilter(cfg, clock)
	pipeline := trip.NewUploadPipeline(filter, store, uploader)
	analyzer := trip.NewMotionAnalyzer(motionSrc, cfg, clock)
	parking := trip.NewParkingDetector(cfg)
	machine := trip.NewTripStateMachine(fixSrc, analyzer, parking, pipeline, cfg, clock)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, err := machine.StartTracking(ctx)
	if err != nil {
		log.Fatalf("Failed to start tracking: %v", err)
	}

	if replay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := replay.Run(); err != nil {
				log.Printf("replay terminated: %v", err)
			}
			log.Print("replay routine terminated")
		}()
	}

	// drain the event stream into the log
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			speed := "n/a"
			if ev.Fix.SpeedMps != nil {
				speed = fmt.Sprintf("%.1f%s", units.ConvertSpeed(*ev.Fix.SpeedMps, *speedUnits), *speedUnits)
			}
			log.Printf("fix device=%s outcome=%s speed=%s reason=%q sent=%d/%d",
				ev.Fix.DeviceID, ev.Outcome, speed, ev.Result.Reason,
				ev.Result.Stats.TotalSent, ev.Result.Stats.TotalReceived)
		}
		log.Print("event routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(machine, store).ServeMux()

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
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

	<-ctx.Done()
	if err := machine.StopTracking(); err != nil {
		log.Printf("final flush failed: %v", err)
	}
	if replay != nil {
		replay.Close()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// devNullUploader discards fixes in dev mode when no server is configured.
type devNullUploader struct{}

func (devNullUploader) SendOne(ctx context.Context, fix trip.PositionFix) error { return nil }

func (devNullUploader) SendBatch(ctx context.Context, fixes []trip.PositionFix) error { return nil }
