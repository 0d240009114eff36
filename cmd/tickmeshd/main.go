// Command tickmeshd is a headless reference host for the tickmesh engine,
// driving the ecsdemo world over the network instead of a real game.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/corvidgames/tickmesh/internal/config"
	"github.com/corvidgames/tickmesh/internal/hostbridge/ecsdemo"
	"github.com/corvidgames/tickmesh/internal/peerid"
	"github.com/corvidgames/tickmesh/internal/rollback"
	"github.com/corvidgames/tickmesh/internal/session"
)

var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "host":
		runHost(os.Args[2:])
	case "join":
		runJoin(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	case "version":
		fmt.Println(Version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tickmeshd host <port> | join <ip> <port> | replay <path.db> | version")
}

func engineConfig(cfg config.Config) session.Config {
	return session.Config{
		LogDir:     cfg.LogDir,
		DisableLog: cfg.DisableLog,
		TickRate:   cfg.TickRate,
		MaxPeers:   cfg.MaxPeers,
	}
}

// setupDemo wires the ecsdemo world into an engine: movers read their
// owner's per-tick input through the engine's pull API, the local peer
// drifts right at constant intent, and one mover per session peer is
// spawned the moment the session starts.
func setupDemo(engine *session.Engine, world *ecsdemo.World) {
	world.SetInputSource(engine.Input)

	engine.SetLocalInputSource(func(tick rollback.Tick) rollback.InputPayload {
		return rollback.InputPayload{1, 0}
	})

	engine.SetSignals(session.Signals{
		Connected:      func(id peerid.ID) { fmt.Println("connected:", id) },
		StartScheduled: func() { fmt.Println("start scheduled") },
		Started: func() {
			fmt.Println("started")
			spawnMovers(engine)
		},
	})
}

// spawnMovers creates one mover per session peer, in id order so every
// peer instantiates the same nodes at the same paths on the same tick.
func spawnMovers(engine *session.Engine) {
	ids := append(engine.RemoteIDs(), engine.LocalID())
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for i, id := range ids {
		state := ecsdemo.MoverState(id, int64(i)*10_000, 0, 0, 0)
		name := "mover-" + id.Hex()[:8]
		if _, err := engine.Spawn(name, "/arena", "mover", state); err != nil {
			fmt.Fprintln(os.Stderr, "spawn:", err)
		}
	}
}

func runHost(args []string) {
	cfg := config.Default()
	if len(args) >= 1 {
		if port, err := strconv.Atoi(args[0]); err == nil {
			cfg.ListenPort = uint16(port)
		}
	}

	world := ecsdemo.NewWorld()
	engine := session.NewEngine(engineConfig(cfg), world)
	setupDemo(engine, world)

	if err := engine.Host(cfg.ListenPort, world); err != nil {
		fmt.Fprintln(os.Stderr, "host:", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("tickmeshd hosting on :%d, local id %s\n", cfg.ListenPort, engine.LocalID())
	engine.UpdateReady(true)

	waitForSignalOrFatal(engine)
}

func runJoin(args []string) {
	if len(args) < 2 {
		usage()
		os.Exit(1)
	}
	ip := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "join: invalid port:", err)
		os.Exit(1)
	}

	cfg := config.Default()
	world := ecsdemo.NewWorld()
	engine := session.NewEngine(engineConfig(cfg), world)
	setupDemo(engine, world)

	if err := engine.Join(ip, uint16(port), world); err != nil {
		fmt.Fprintln(os.Stderr, "join:", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("tickmeshd joined %s:%d, local id %s\n", ip, port, engine.LocalID())
	engine.UpdateReady(true)

	waitForSignalOrFatal(engine)
}

func runReplay(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.DisableLog = true
	world := ecsdemo.NewWorld()
	engine := session.NewEngine(engineConfig(cfg), world)
	world.SetInputSource(engine.Input)
	defer engine.Close()

	if err := engine.Replay(args[0], world); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Println("replay complete")
}

// waitForSignalOrFatal blocks until either an OS interrupt/termination
// signal arrives (clean shutdown) or the engine reports a fatal protocol
// violation such as a state-hash mismatch, in which case the process
// aborts with a non-zero exit code.
func waitForSignalOrFatal(engine *session.Engine) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
	case err := <-engine.Fatal():
		fmt.Fprintln(os.Stderr, "fatal:", err)
		// os.Exit bypasses the caller's deferred engine.Close(); run it
		// here first so the event log's final flush lands before the
		// process dies and the recording stays a faithful pre-failure
		// trace.
		engine.Close()
		os.Exit(1)
	}
}
