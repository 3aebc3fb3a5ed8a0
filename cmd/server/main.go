package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"framesync.io/internal/journal"
	"framesync.io/internal/protocol"
	"framesync.io/internal/replica"
	"framesync.io/internal/scene"
	"framesync.io/internal/transport/ws"
	"framesync.io/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./config.yaml", "path to config.yaml")
		dataDir    = flag.String("data", "", "runtime data directory (default from config)")
		seed       = flag.Int64("seed", 1337, "rng seed for sync magics and the demo scene")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite event journal")
		demo       = flag.Bool("demo", true, "populate the scene with moving demo objects")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := tuning.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("config not found (%s); using defaults", *configPath)
		} else {
			logger.Fatalf("load config: %v", err)
		}
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Listen = *addr
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.DataDir = *dataDir
	}
	settings := cfg.Replication.Normalized()

	ctx, cancel := signalContext()
	defer cancel()

	var db *journal.SQLiteJournal
	if !*disableDB {
		db, err = journal.OpenSQLite(filepath.Join(cfg.DataDir, "journal.db"))
		if err != nil {
			logger.Fatalf("open journal: %v", err)
		}
		defer db.Close()
	}
	tracer := journal.NewEventTracer(cfg.DataDir)
	defer tracer.Close()

	reg := scene.NewRegistry()
	rng := rand.New(rand.NewSource(*seed))
	rep := replica.NewServer(reg, settings, rng, logger)

	var demoObjs []*scene.DefaultObject
	if *demo {
		demoObjs = buildDemoScene(reg)
		logger.Printf("demo scene: %d objects", len(demoObjs))
	}

	rep.OnEvent = func(ev replica.Event) {
		if err := tracer.WriteEvent(ev); err != nil {
			logger.Printf("trace: %v", err)
		}
		db.WriteEvent(ev)
		if ev.Kind == replica.EventSynchronized {
			db.WritePing(ev.ConnectionID, ev.Frame, ev.PingMs, rep.FeedbackDelay(ev.ConnectionID))
		}
	}

	wsrv := ws.NewServer(settings.UpdateFrequency, cfg.MaxFrameBytes, cfg.CompressThreshold, logger)

	go runTicks(ctx, rep, wsrv, demoObjs, settings.UpdateFrequency, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP framesync_server_frame Current authoritative frame.\n")
		fmt.Fprintf(rw, "# TYPE framesync_server_frame gauge\n")
		fmt.Fprintf(rw, "framesync_server_frame %d\n", rep.CurrentFrame())

		fmt.Fprintf(rw, "# HELP framesync_scene_objects Replicated object count.\n")
		fmt.Fprintf(rw, "# TYPE framesync_scene_objects gauge\n")
		fmt.Fprintf(rw, "framesync_scene_objects %d\n", len(reg.Objects()))
	})
	mux.HandleFunc("/debug/replication", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain")
		_, _ = rw.Write([]byte(rep.DebugInfo()))
	})
	mux.HandleFunc("/v1/ws", wsrv.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (tick rate %d/s)", cfg.Listen, settings.UpdateFrequency)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// runTicks is the engine loop: network events are applied between ticks
// so the replication manager is only ever touched from one goroutine.
func runTicks(ctx context.Context, rep *replica.Server, wsrv *ws.Server, demoObjs []*scene.DefaultObject, freq uint32, logger *log.Logger) {
	timeStep := 1.0 / float64(freq)
	ticker := time.NewTicker(time.Duration(float64(time.Second) * timeStep))
	defer ticker.Stop()

	var elapsed float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		drain(rep, wsrv, logger)
		elapsed += timeStep
		animateDemo(demoObjs, elapsed)
		rep.Update(timeStep)
	}
}

func drain(rep *replica.Server, wsrv *ws.Server, logger *log.Logger) {
	for {
		select {
		case c := <-wsrv.Joins():
			logger.Printf("join: conn %d (%s)", c.ID(), c.Name())
			rep.AddConnection(c)
		case id := <-wsrv.Leaves():
			logger.Printf("leave: conn %d", id)
			rep.RemoveConnection(id)
		case f := <-wsrv.Frames():
			id, body, err := protocol.Decode(f.Payload)
			if err != nil {
				continue
			}
			rep.ProcessMessage(f.ConnectionID, id, body)
		default:
			return
		}
	}
}

// buildDemoScene attaches a small hierarchy of moving objects so a bare
// server still exercises add, delta and structural replication.
func buildDemoScene(reg *scene.Registry) []*scene.DefaultObject {
	var objs []*scene.DefaultObject

	pivotNode := reg.Root().CreateChild("pivot")
	pivot := scene.NewPrefabObject("pivot")
	reg.Attach(pivotNode, pivot)
	objs = append(objs, pivot)

	for i := 0; i < 3; i++ {
		node := pivotNode.CreateChild(fmt.Sprintf("orbiter-%d", i))
		node.SetLocalPosition(scene.Vector3{X: 2 + float64(i)})
		obj := scene.NewPrefabObject("orbiter")
		reg.Attach(node, obj)
		objs = append(objs, obj)
	}

	driftNode := reg.Root().CreateChild("drifter")
	drift := scene.NewPrefabObject("drifter")
	reg.Attach(driftNode, drift)
	objs = append(objs, drift)

	return objs
}

func animateDemo(objs []*scene.DefaultObject, elapsed float64) {
	if len(objs) == 0 {
		return
	}
	// First object spins; the rest inherit the motion through the
	// hierarchy. The last one drifts on a slow figure-eight.
	pivot := objs[0]
	pivot.Node().SetLocalRotation(scene.FromAxisAngle(scene.Vector3{Y: 1}, elapsed*0.5))

	drift := objs[len(objs)-1]
	drift.Node().SetLocalPosition(scene.Vector3{
		X: 4 * math.Sin(elapsed*0.3),
		Z: 2 * math.Sin(elapsed*0.6),
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
