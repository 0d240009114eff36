package session

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/corvidgames/tickmesh/internal/peerid"
	"github.com/corvidgames/tickmesh/internal/wire"
)

// ScheduleTicks is the nominal countdown, in scheduler ticks, between a
// ScheduleStart and the Lobby -> Play transition. The leader lengthens it
// by half its mean lobby RTT and every follower shortens it by half its RTT to
// the leader, so all peers enter Play at roughly the same wall-clock
// moment despite the leader's clock leading by one one-way latency.
const ScheduleTicks = 60

// Lobby is the first session stage: peers gossip addresses, report
// readiness, and the leader schedules a synchronized transition to Play
// once every known peer is ready.
type Lobby struct {
	localReady bool

	// ticksTillStart counts down to the Play transition; -1 means no start
	// has been scheduled yet.
	ticksTillStart int

	runID       [16]byte
	earlyInputs []EarlyInput
}

func NewLobby() *Lobby {
	return &Lobby{ticksTillStart: -1}
}

func (l *Lobby) Name() string { return "lobby" }

// SetReady updates the local peer's readiness, broadcasts it, and, if
// everyone is now ready and this peer is the leader, schedules the start.
func (l *Lobby) SetReady(ctx *Context, ready bool) {
	l.localReady = ready
	ctx.Broadcast(wire.NewUpdateReady(ready))
	l.tryScheduleStart(ctx)
}

func (l *Lobby) Tick(ctx *Context) (Stage, error) {
	if l.ticksTillStart < 0 {
		return nil, nil
	}
	if l.ticksTillStart == 0 {
		l.ticksTillStart = -1
		ctx.RunID = l.runID
		return NewPlay(ctx, l.earlyInputs), nil
	}
	l.ticksTillStart--
	return nil, nil
}

// tryScheduleStart mints and broadcasts a fresh run id once the local peer
// is ready, every known peer is ready, and this peer holds the lowest id.
// The leader's countdown is stretched by half the mean lobby RTT (RTT/32ms
// ticks) since its ScheduleStart still has to reach everyone else.
func (l *Lobby) tryScheduleStart(ctx *Context) {
	if !l.localReady || l.ticksTillStart >= 0 {
		return
	}
	for _, p := range ctx.Roster() {
		if !ctx.ready[p] {
			return
		}
	}
	if !ctx.IsLeader() {
		return
	}

	if _, err := rand.Read(l.runID[:]); err != nil {
		return
	}
	_ = ctx.Log.SetRun(ctx.LogDir, fmt.Sprintf("%x", l.runID), ctx.LocalID)
	ctx.Broadcast(wire.NewScheduleStart(l.runID))

	var adjust int
	if ctx.Transport != nil {
		adjust = int(ctx.Transport.AverageLobbyResponseTime() / (32 * time.Millisecond))
	}
	l.ticksTillStart = ScheduleTicks + adjust
	ctx.emitStartScheduled()
}

func (l *Lobby) HandleMessage(ctx *Context, sender Sender, msg *wire.Message) (Stage, error) {
	switch msg.Tag {
	case wire.TagConnect:
		return nil, l.handleConnect(ctx, sender, msg.Connect)

	case wire.TagGossipPeer:
		gp := msg.GossipPeer
		if gp.PeerID == ctx.LocalID {
			return nil, nil
		}
		if _, known := knownPeer(ctx, gp.PeerID); known {
			return nil, nil
		}
		if ctx.rosterFull() {
			return nil, nil
		}
		addr, err := net.ResolveUDPAddr("udp", gp.Address)
		if err != nil {
			return nil, fmt.Errorf("lobby: resolve gossiped address %q: %w", gp.Address, err)
		}
		return nil, ctx.SendToAddress(addr, wire.NewConnect(ctx.LocalID))

	case wire.TagUpdateReady:
		if !sender.Connected {
			return nil, nil
		}
		ctx.ready[sender.PeerID] = msg.UpdateReady.Ready
		l.tryScheduleStart(ctx)
		return nil, nil

	case wire.TagScheduleStart:
		if !sender.Connected {
			return nil, nil
		}
		l.runID = msg.ScheduleStart.RunID
		adjust := 0
		if ctx.Transport != nil {
			adjust = int((ctx.Transport.AverageResponseTime(sender.PeerID) / 2) / (16 * time.Millisecond))
		}
		ticks := ScheduleTicks - adjust
		if ticks < 0 {
			ticks = 0
		}
		l.ticksTillStart = ticks
		_ = ctx.Log.SetRun(ctx.LogDir, fmt.Sprintf("%x", l.runID), ctx.LocalID)
		ctx.emitStartScheduled()
		return nil, nil

	case wire.TagInput:
		l.earlyInputs = append(l.earlyInputs, EarlyInput{Sender: sender, Msg: msg})
		return nil, nil

	default:
		return nil, nil
	}
}

// handleConnect completes the Connect handshake: a sender not yet in the
// directory is answered with our own Connect so it can register us
// symmetrically, announced to every peer we already know, introduced to
// each of them in turn, and finally registered. Local readiness is
// withdrawn since every prior UpdateReady predates the newcomer.
func (l *Lobby) handleConnect(ctx *Context, sender Sender, connect wire.Connect) error {
	if sender.Connected {
		// A retransmitted or redundant Connect from a peer the handshake
		// already completed with. Idempotent no-op.
		return nil
	}
	if connect.PeerID == ctx.LocalID {
		return nil
	}
	if sender.Addr == nil {
		return fmt.Errorf("lobby: Connect from unconnected sender with no address")
	}
	if ctx.rosterFull() {
		ctx.Log.Log(logEvent(0, "lobby full, ignoring connect from "+connect.PeerID.String()))
		return nil
	}

	ctx.emitConnected(connect.PeerID)

	if err := ctx.SendToAddress(sender.Addr, wire.NewConnect(ctx.LocalID)); err != nil {
		return err
	}

	ctx.Broadcast(wire.NewGossipPeer(connect.PeerID, sender.Addr.String()))

	l.localReady = false
	ctx.Broadcast(wire.NewUpdateReady(false))

	for _, p := range ctx.Roster() {
		addr, ok := ctx.Transport.AddressOf(p)
		if !ok {
			continue
		}
		if err := ctx.SendToAddress(sender.Addr, wire.NewGossipPeer(p, addr.String())); err != nil {
			return err
		}
	}

	ctx.Transport.Connect(connect.PeerID, sender.Addr)

	ctx.Log.Log(logEvent(0, "connected peer "+connect.PeerID.String()))
	return nil
}

func knownPeer(ctx *Context, id peerid.ID) (peerid.ID, bool) {
	for _, p := range ctx.Roster() {
		if p == id {
			return p, true
		}
	}
	return peerid.Nil, false
}
