package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"framesync.io/internal/protocol"
	"framesync.io/internal/replica"
	"framesync.io/internal/scene"
	"framesync.io/internal/transport/ws"
)

func main() {
	var (
		url  = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name = flag.String("name", "viewer", "client name")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	conn, err := ws.Dial(*url, *name, 1024)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	logger.Printf("connected: id=%d tick_rate=%d/s", conn.ID(), conn.UpdateFrequency())

	reg := scene.NewRegistry()
	prefabs := map[string]replica.PrefabBuilder{
		// Mirror the server's demo hierarchy; local children survive
		// replicated deltas.
		"pivot":   func(node *scene.Node) { node.CreateChild("visual") },
		"orbiter": func(node *scene.Node) { node.CreateChild("visual") },
		"drifter": func(node *scene.Node) { node.CreateChild("visual") },
	}
	client := replica.NewClient(conn, reg, replica.DefaultSettings(), prefabs, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	timeStep := 1.0 / float64(conn.UpdateFrequency())
	ticker := time.NewTicker(time.Duration(float64(time.Second) * timeStep))
	defer ticker.Stop()
	status := time.NewTicker(2 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-stop:
			return
		case <-conn.Done():
			logger.Printf("connection closed")
			return

		case f, ok := <-conn.Frames():
			if !ok {
				continue
			}
			id, body, err := protocol.Decode(f)
			if err != nil {
				continue
			}
			client.ProcessMessage(id, body)

		case <-ticker.C:
			client.Update(timeStep)

		case <-status.C:
			if !client.IsSynchronized() {
				logger.Printf("synchronizing...")
				continue
			}
			logger.Printf("frame=%d ping=%dms objects=%d",
				client.CurrentFrame(), client.PingMs(), len(reg.Objects()))
			for _, obj := range reg.Objects() {
				if obj.Prefab() == "drifter" {
					p := obj.Node().WorldPosition()
					logger.Printf("  drifter at (%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
				}
			}
		}
	}
}
