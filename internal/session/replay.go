package session

import (
	"github.com/corvidgames/tickmesh/internal/eventlog"
	"github.com/corvidgames/tickmesh/internal/rollback"
	"github.com/corvidgames/tickmesh/internal/wire"
)

// Replay is the final session stage: it drives an inner Play stage tick by
// tick from a prior run's log instead of a live host and live peers. The
// local input source is rebound to the logged sent_inputs table, and each
// remote input is re-delivered through the normal message path on the same
// relative tick it originally arrived, so the same rollback/resimulation
// machinery re-derives every frame, late arrivals, rollbacks and all,
// rather than restoring snapshots.
type Replay struct {
	play *Play

	// receivedByArrival groups the logged remote inputs by the tick they
	// originally arrived at (received_frame), not the tick they were for,
	// so replay reproduces the original timing of late inputs.
	receivedByArrival map[uint64][]eventlog.ReceivedInputRow

	lastTick uint64
}

// NewReplay builds a Replay stage from a logged run's sent/received input
// rows. The Context's local input source is rebound to the log and its
// event log should already be disabled by the caller.
func NewReplay(ctx *Context, sent []eventlog.SentInputRow, received []eventlog.ReceivedInputRow) *Replay {
	sentByTick := make(map[uint64]rollback.InputPayload, len(sent))
	var lastTick uint64
	for _, r := range sent {
		sentByTick[r.Frame] = rollback.InputPayload(r.Input)
		if r.Frame > lastTick {
			lastTick = r.Frame
		}
	}

	receivedByArrival := make(map[uint64][]eventlog.ReceivedInputRow)
	for _, r := range received {
		receivedByArrival[r.ReceivedFrame] = append(receivedByArrival[r.ReceivedFrame], r)
		if r.Frame > lastTick {
			lastTick = r.Frame
		}
	}

	ctx.LocalInput = func(tick rollback.Tick) rollback.InputPayload {
		return sentByTick[uint64(tick)]
	}

	return &Replay{
		play:              NewPlay(ctx, nil),
		receivedByArrival: receivedByArrival,
		lastTick:          lastTick,
	}
}

func (r *Replay) Name() string { return "replay" }

// Tick re-delivers the remote inputs that originally arrived on the next
// tick, then advances the inner Play stage one step.
func (r *Replay) Tick(ctx *Context) (Stage, error) {
	if r.Done() {
		return nil, nil
	}

	arrival := uint64(r.play.latestTick + 1)
	for _, row := range r.receivedByArrival[arrival] {
		sent := wire.SentInput{Frame: row.Frame, Sender: row.PeerID, Input: row.Input}
		msg := wire.NewInput(sent, uint64(r.play.latestTick))
		sender := Sender{Connected: true, PeerID: row.PeerID}
		if _, err := r.play.HandleMessage(ctx, sender, msg); err != nil {
			return nil, err
		}
	}

	return r.play.Tick(ctx)
}

// Done reports whether every logged tick has been replayed.
func (r *Replay) Done() bool {
	return uint64(r.play.latestTick) >= r.lastTick
}

// HandleMessage ignores live network traffic: a replay is driven purely by
// its log, with no live socket.
func (r *Replay) HandleMessage(ctx *Context, sender Sender, msg *wire.Message) (Stage, error) {
	return nil, nil
}
