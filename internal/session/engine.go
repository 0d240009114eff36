package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/corvidgames/tickmesh/internal/eventlog"
	"github.com/corvidgames/tickmesh/internal/hostbridge"
	"github.com/corvidgames/tickmesh/internal/peerid"
	"github.com/corvidgames/tickmesh/internal/rollback"
	"github.com/corvidgames/tickmesh/internal/transport"
	"github.com/corvidgames/tickmesh/internal/wire"
)

// ErrNotInPlay is returned by imperative calls that only make sense while
// the Play stage is active.
var ErrNotInPlay = errors.New("session: not in the play stage")

// Engine is the host-facing facade over the transport stack and the
// session state machine: Host/Join start a session, and the remaining
// methods are the imperative API a game loop polls every frame.
type Engine struct {
	cfg Config

	conn     *net.UDPConn
	reliable *transport.Reliable
	frame    *transport.Frame
	persist  *transport.Persistent
	spawn    *rollback.SpawnManager
	log      *eventlog.Logger
	ctx      *Context
	sync     *Sync

	signals    Signals
	localInput LocalInputSource

	fatal   chan error
	cancel  context.CancelFunc
	logDone chan struct{}
}

// Config is the minimal set of knobs Engine needs beyond the listen port,
// kept separate from internal/config.Config so this package doesn't import
// the cmd-facing flag surface.
type Config struct {
	LogDir     string
	DisableLog bool

	// TickRate overrides the simulation rate in ticks per second; 0 uses
	// the default TickRate.
	TickRate int

	// MaxPeers bounds the session size, local peer included; 0 means
	// unbounded.
	MaxPeers int
}

// tickInterval returns the wall-clock duration of one tick.
func (c Config) tickInterval() time.Duration {
	if c.TickRate > 0 {
		return time.Second / time.Duration(c.TickRate)
	}
	return TickInterval
}

// NewEngine wires a fresh, unstarted Engine. spawnHost receives the
// Spawn/Despawn calls the rollback spawn manager issues during
// reconciliation; it is usually the same value later passed to
// Host/Join/Replay as the hostbridge.Tree.
func NewEngine(cfg Config, spawnHost rollback.Host) *Engine {
	log := eventlog.New()
	if cfg.DisableLog {
		log.Disable()
	}
	e := &Engine{
		cfg:   cfg,
		spawn: rollback.NewSpawnManager(spawnHost),
		log:   log,
		fatal: make(chan error, 1),
	}
	e.spawn.SetEventSink(func(ev rollback.SpawnEvent) {
		kind := "spawned"
		if ev.Despawn {
			kind = "despawned"
		}
		log.Log(eventlog.Entry{
			Kind:     eventlog.KindEvent,
			Frame:    uint64(ev.Frame),
			NodePath: string(ev.Path),
			Message:  kind,
		})
	})
	return e
}

// SetSignals installs the host's upcall handlers; call before Host/Join.
func (e *Engine) SetSignals(s Signals) {
	e.signals = s
	if e.ctx != nil {
		e.ctx.Signals = s
	}
}

// SetLocalInputSource wires the host's per-tick input poller; call before
// Host/Join (a Replay rebinds it to the log regardless).
func (e *Engine) SetLocalInputSource(src LocalInputSource) {
	e.localInput = src
	if e.ctx != nil {
		e.ctx.LocalInput = src
	}
}

// Fatal reports the channel a caller should select on to learn that the
// session has hit an unrecoverable error (a desync, an unexpected message,
// or an event-log storage failure) and must abort. At most one error is ever sent; the
// channel is never closed.
func (e *Engine) Fatal() <-chan error { return e.fatal }

func (e *Engine) raiseFatal(err error) {
	select {
	case e.fatal <- err:
		if e.cancel != nil {
			e.cancel()
		}
	default:
	}
}

// runLog starts the event log's writer goroutine and records its completion
// so Close can wait for the final ctx.Done flush to land before the
// database is closed out from under it.
func (e *Engine) runLog(runCtx context.Context) {
	done := make(chan struct{})
	e.logDone = done
	go func() {
		defer close(done)
		err := e.log.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			// A storage write failure makes the recording unrecoverable;
			// abort the run rather than continue with a truncated trace.
			e.raiseFatal(err)
		}
	}()
}

// Host binds a UDP socket on port, generates a local identity, and enters
// the Lobby stage waiting for other peers to Join.
func (e *Engine) Host(port uint16, host hostbridge.Tree) error {
	return e.start(port, host)
}

// Join binds an ephemeral UDP socket and sends the initial Connect
// handshake to ip:port, then enters the Lobby stage.
func (e *Engine) Join(ip string, port uint16, host hostbridge.Tree) error {
	if err := e.start(0, host); err != nil {
		return err
	}

	remote, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return fmt.Errorf("engine: resolve join address: %w", err)
	}
	return e.ctx.SendToAddress(remote, wire.NewConnect(e.ctx.LocalID))
}

func (e *Engine) start(port uint16, host hostbridge.Tree) error {
	addr := &net.UDPAddr{Port: int(port)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("engine: listen udp: %w", err)
	}

	e.conn = conn
	e.reliable = transport.NewReliable(conn)
	e.frame = transport.NewFrame(e.reliable)
	e.persist = transport.NewPersistent(e.frame)

	local := peerid.New()
	e.ctx = NewContext(local, e.persist, host, e.spawn, e.log)
	e.ctx.LogDir = e.cfg.LogDir
	e.ctx.MaxPeers = e.cfg.MaxPeers
	e.ctx.Signals = e.signals
	e.ctx.LocalInput = e.localInput
	e.sync = NewSync(e.ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	go e.reliable.Run(runCtx)
	e.runLog(runCtx)
	go e.runLoop(runCtx)

	return nil
}

// runLoop is the engine's main thread: every stage mutation, inbound
// message dispatch and tick advancement alike, happens here, so stages
// never need interior locking and host upcalls made mid-tick can call
// straight back into the engine without deadlocking.
func (e *Engine) runLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.tickInterval())
	defer ticker.Stop()
	disconnectTicker := time.NewTicker(time.Second)
	defer disconnectTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.reliable.Events():
			switch evt.Kind {
			case transport.EventPacketReceived:
				e.frame.HandleReceived(evt.Addr, evt.Payload)
			case transport.EventPacketAcknowledged:
				e.persist.HandleAck(evt.Addr, evt.PacketID)
			}
		case fe := <-e.frame.Events():
			e.persist.Pump(fe)
		case recv := <-e.persist.Received():
			msg, err := wire.Decode(recv.Payload)
			if err != nil {
				continue
			}
			sender := Sender{Connected: recv.Connected, PeerID: recv.PeerID, Addr: recv.Addr}
			if err := e.sync.HandleMessage(sender, msg); err != nil {
				e.raiseFatal(err)
				return
			}
		case d := <-e.persist.Disconnects():
			e.log.Log(logEvent(0, "peer disconnected: "+d.PeerID.String()))
		case <-ticker.C:
			if err := e.sync.Tick(); err != nil {
				e.raiseFatal(err)
				return
			}
		case <-disconnectTicker.C:
			e.persist.CheckDisconnects()
		}
	}
}

// UpdateReady reports the local peer's lobby readiness to every peer. A
// no-op once the session has left the Lobby stage.
func (e *Engine) UpdateReady(ready bool) {
	if lobby, ok := e.sync.stage.(*Lobby); ok {
		lobby.SetReady(e.ctx, ready)
	}
}

func (e *Engine) LocalID() peerid.ID { return e.ctx.LocalID }

func (e *Engine) RemoteIDs() []peerid.ID { return e.ctx.Roster() }

func (e *Engine) IsLeader() bool { return e.ctx.IsLeader() }

// playStage returns the active Play stage, unwrapping Replay's inner one,
// so the imperative API keeps working while a log is being replayed.
func (e *Engine) playStage() (*Play, bool) {
	switch st := e.sync.stage.(type) {
	case *Play:
		return st, true
	case *Replay:
		return st.play, true
	}
	return nil, false
}

// Input returns the most recent input at or before the tick currently
// being simulated for the given peer, or nil outside of Play/Replay.
func (e *Engine) Input(id peerid.ID) []byte {
	play, ok := e.playStage()
	if !ok {
		return nil
	}
	return play.InputFor(id)
}

// Advantage returns the Play stage's rolling lead over the slowest peer,
// or zero outside of Play/Replay.
func (e *Engine) Advantage() float64 {
	play, ok := e.playStage()
	if !ok {
		return 0
	}
	return play.Advantage()
}

// Spawn instantiates a new networked node during the current tick's
// simulation and records it in the tick's spawn manifest so rollback can
// resurrect it. Only valid while Play (or Replay) is active, e.g. from
// within the host's NetworkedProcess or the Started signal handler.
func (e *Engine) Spawn(name string, parent rollback.NodePath, scene string, state []byte) (rollback.NodePath, error) {
	play, ok := e.playStage()
	if !ok {
		return "", ErrNotInPlay
	}
	record, ok := play.ring.Peek(play.currentTick)
	if !ok {
		return "", ErrNotInPlay
	}
	return e.spawn.Spawn(record, name, parent, scene, state)
}

// Despawn removes a networked node from the current tick's manifest and
// tears it down. Only valid while Play is active.
func (e *Engine) Despawn(path rollback.NodePath) error {
	play, ok := e.playStage()
	if !ok {
		return ErrNotInPlay
	}
	record, ok := play.ring.Peek(play.currentTick)
	if !ok {
		return ErrNotInPlay
	}
	return e.spawn.Despawn(record, path)
}

// Log enqueues a free-form diagnostic event at the current stage's frame.
func (e *Engine) Log(event string) {
	var frame uint64
	if play, ok := e.playStage(); ok {
		frame = uint64(play.latestTick)
	}
	e.ctx.Log.Log(logEvent(frame, event))
}

// Replay loads a previously logged run's database at path and drives a
// standalone Replay stage over it, with no network activity. The event log
// is disabled for the duration so the replay doesn't overwrite the
// recording it is reading.
func (e *Engine) Replay(path string, host hostbridge.Tree) error {
	sent, err := eventlog.ReadSentInputs(path)
	if err != nil {
		return fmt.Errorf("engine: read logged sent inputs: %w", err)
	}
	received, err := eventlog.ReadReceivedInputs(path)
	if err != nil {
		return fmt.Errorf("engine: read logged received inputs: %w", err)
	}

	e.log.Disable()
	e.ctx = NewContext(peerid.New(), nil, host, e.spawn, e.log)
	e.ctx.Signals = e.signals
	e.sync = NewReplaySync(e.ctx, sent, received)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.runLog(runCtx)

	for {
		replay, ok := e.sync.stage.(*Replay)
		if ok && replay.Done() {
			break
		}
		if err := e.sync.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down the engine's background goroutines and event log. It
// waits (briefly) for the log writer's final ctx.Done flush to land before
// closing the database out from under it.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.logDone != nil {
		select {
		case <-e.logDone:
		case <-time.After(time.Second):
		}
	}
	if e.conn != nil {
		_ = e.conn.Close()
	}
	return e.log.Close()
}
