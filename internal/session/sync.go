package session

import (
	"net"

	"github.com/corvidgames/tickmesh/internal/eventlog"
	"github.com/corvidgames/tickmesh/internal/peerid"
	"github.com/corvidgames/tickmesh/internal/wire"
)

// Sender identifies who a message came from. A peer already registered in
// the transport directory is Connected, with PeerID populated; a peer
// still mid-handshake is not, and is known only by Addr. Lobby uses the
// address form to complete the Connect handshake; Play and Replay reject
// it outright.
type Sender struct {
	Connected bool
	PeerID    peerid.ID
	Addr      *net.UDPAddr
}

// Stage is one phase of the session state machine. Transitions are one-way:
// a Stage's Tick/HandleMessage may return a non-nil next Stage, at which
// point Sync discards the old one and never returns to it.
type Stage interface {
	// Tick advances the stage by one scheduler step (not necessarily one
	// simulation tick: Lobby ticks on wall-clock polling, Play ticks on
	// TickInterval, Replay ticks by draining its log). It returns a
	// non-nil Stage when a transition should occur.
	Tick(ctx *Context) (Stage, error)

	// HandleMessage processes one inbound wire message from sender. It
	// returns a non-nil Stage when the message itself triggers a
	// transition. A returned error is fatal: it propagates out of
	// Sync.HandleMessage and aborts the session.
	HandleMessage(ctx *Context, sender Sender, msg *wire.Message) (Stage, error)

	// Name identifies the stage for logging.
	Name() string
}

// Sync is the top-level dispatcher: it owns the Context and the currently
// active Stage, and drives both the tick scheduler and the inbound message
// loop, swapping stages whenever one reports a transition.
type Sync struct {
	ctx   *Context
	stage Stage
}

// NewSync starts a session in the Lobby stage.
func NewSync(ctx *Context) *Sync {
	return &Sync{ctx: ctx, stage: NewLobby()}
}

// NewReplaySync starts a session directly in the Replay stage, driving an
// inner Play stage from a previously logged run's sent/received inputs
// rather than live peers.
func NewReplaySync(ctx *Context, sent []eventlog.SentInputRow, received []eventlog.ReceivedInputRow) *Sync {
	return &Sync{ctx: ctx, stage: NewReplay(ctx, sent, received)}
}

func (s *Sync) StageName() string { return s.stage.Name() }

// Tick advances the active stage, swapping it out if it transitions. The
// started upcall is raised only after the swap, so a handler that spawns
// nodes or reads inputs already sees the Play stage active.
func (s *Sync) Tick() error {
	next, err := s.stage.Tick(s.ctx)
	if err != nil {
		return err
	}
	if next != nil {
		s.ctx.Log.Log(logEvent(0, "stage transition: "+s.stage.Name()+" -> "+next.Name()))
		s.stage = next
		if _, ok := next.(*Play); ok {
			s.ctx.emitStarted()
		}
	}
	return nil
}

// HandleMessage dispatches an inbound message to the active stage.
func (s *Sync) HandleMessage(sender Sender, msg *wire.Message) error {
	next, err := s.stage.HandleMessage(s.ctx, sender, msg)
	if err != nil {
		return err
	}
	if next != nil {
		s.ctx.Log.Log(logEvent(0, "stage transition: "+s.stage.Name()+" -> "+next.Name()))
		s.stage = next
	}
	return nil
}
