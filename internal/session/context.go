// Package session implements the three-stage session state machine
// (Lobby, Play, Replay) that drives a tickmesh session from gossip through
// rollback simulation to log-driven playback.
package session

import (
	"net"
	"time"

	"github.com/corvidgames/tickmesh/internal/eventlog"
	"github.com/corvidgames/tickmesh/internal/hostbridge"
	"github.com/corvidgames/tickmesh/internal/peerid"
	"github.com/corvidgames/tickmesh/internal/rollback"
	"github.com/corvidgames/tickmesh/internal/transport"
	"github.com/corvidgames/tickmesh/internal/wire"
)

// TickRate is the fixed simulation rate the Play stage advances at.
const TickRate = 60

// TickInterval is the wall-clock duration of one tick at TickRate.
const TickInterval = time.Second / TickRate

// LocalInputSource is supplied by the host to read the local player's raw
// input for a tick about to be simulated, e.g. polling a keyboard buffer.
// During Replay it is rebound to the logged sent-input table instead.
type LocalInputSource func(tick rollback.Tick) rollback.InputPayload

// Signals are the upcalls the session raises toward the host application.
// Nil members are simply not raised.
type Signals struct {
	// Connected fires when a new peer completes the Connect handshake.
	Connected func(id peerid.ID)
	// StartScheduled fires when a start has been scheduled, locally or by
	// a received ScheduleStart.
	StartScheduled func()
	// Started fires on the Lobby -> Play transition.
	Started func()
}

// Context is the per-session environment shared by every stage: the local
// identity, the transport stack, the host bridge, and the event log. A
// Context outlives any single stage; only the active Stage changes as a
// live session progresses from Lobby to Play. A Replay runs on its own
// Context, built by Engine.Replay.
type Context struct {
	LocalID peerid.ID
	RunID   [16]byte
	LogDir  string

	// MaxPeers bounds the session size, local peer included; 0 means
	// unbounded. The Lobby stops accepting Connects once the roster plus
	// the local peer reaches it.
	MaxPeers int

	Transport *transport.Persistent
	Host      hostbridge.Tree
	SpawnMgr  *rollback.SpawnManager
	Log       *eventlog.Logger

	Signals    Signals
	LocalInput LocalInputSource

	ready map[peerid.ID]bool
}

// NewContext constructs a session environment for one local peer.
func NewContext(local peerid.ID, tr *transport.Persistent, host hostbridge.Tree, spawn *rollback.SpawnManager, log *eventlog.Logger) *Context {
	return &Context{
		LocalID:   local,
		Transport: tr,
		Host:      host,
		SpawnMgr:  spawn,
		Log:       log,
		ready:     make(map[peerid.ID]bool),
	}
}

// Roster returns every remote peer known to the transport layer. A Replay
// Context has no live transport and so has no remote peers to report.
func (c *Context) Roster() []peerid.ID {
	if c.Transport == nil {
		return nil
	}
	return c.Transport.Peers()
}

// FullRoster returns Roster() plus the local peer id.
func (c *Context) FullRoster() []peerid.ID {
	return append(c.Roster(), c.LocalID)
}

// IsLeader reports whether the local peer is the numerically smallest id
// in the full roster, and therefore responsible for minting ScheduleStart
// and breaking one-shot ties.
func (c *Context) IsLeader() bool {
	return peerid.IsLeader(c.LocalID, c.Roster())
}

// Broadcast sends msg to every known peer except any listed in excluded. A
// no-op when there is no live transport (Replay drives an inner Play stage
// with no socket attached).
func (c *Context) Broadcast(msg *wire.Message, excluded ...peerid.ID) {
	if c.Transport == nil {
		return
	}
	c.Transport.Broadcast(wire.Encode(msg), excluded...)
}

// SendTo sends msg to a single known peer.
func (c *Context) SendTo(id peerid.ID, msg *wire.Message) error {
	if c.Transport == nil {
		return nil
	}
	return c.Transport.SendTo(id, wire.Encode(msg))
}

// SendToAddress sends msg to an address not yet in the peer directory, used
// for the initial Connect handshake.
func (c *Context) SendToAddress(addr *net.UDPAddr, msg *wire.Message) error {
	if c.Transport == nil {
		return nil
	}
	return c.Transport.SendToAddress(addr, wire.Encode(msg))
}

func (c *Context) emitConnected(id peerid.ID) {
	if c.Signals.Connected != nil {
		c.Signals.Connected(id)
	}
}

func (c *Context) emitStartScheduled() {
	if c.Signals.StartScheduled != nil {
		c.Signals.StartScheduled()
	}
}

// rosterFull reports whether the session has reached MaxPeers and must
// stop admitting new peers.
func (c *Context) rosterFull() bool {
	return c.MaxPeers > 0 && len(c.Roster())+1 >= c.MaxPeers
}

func (c *Context) emitStarted() {
	if c.Signals.Started != nil {
		c.Signals.Started()
	}
}
