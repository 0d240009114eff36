package session

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/corvidgames/tickmesh/internal/eventlog"
	"github.com/corvidgames/tickmesh/internal/hostbridge"
	"github.com/corvidgames/tickmesh/internal/peerid"
	"github.com/corvidgames/tickmesh/internal/rollback"
	"github.com/corvidgames/tickmesh/internal/wire"
)

// ringCapacity bounds how many past ticks Play retains. It stays comfortably
// above maxRewind so a retire stall never aliases a live slot.
const ringCapacity = 128

// maxRewind is how far back the rollback-anchor scan looks, and the horizon
// past which retire() refuses to drop a tick that's still missing input.
const maxRewind = 30

// advantageWindow is the size of the rolling advantage sample queue.
const advantageWindow = 100

// hashInput returns the FNV-1a checksum of an opaque payload, stored in the
// event log's value_hash columns.
func hashInput(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// EarlyInput is an Input message that arrived while still in the Lobby
// stage, buffered for delivery to Play the moment the session starts.
type EarlyInput struct {
	Sender Sender
	Msg    *wire.Message
}

// Play is the rollback simulation stage. Every scheduler tick it samples
// the peer-advantage metric, retires ticks that fell out of the rewind
// window (stalling if one is still missing input), possibly stalls to let
// slower peers catch up, advances the local tick, rolls back to the
// earliest tick a late input invalidated, records and sends the local
// input, and re-simulates forward to the present.
type Play struct {
	ring *rollback.Ring

	// latestTick is the newest tick the local peer has simulated; it never
	// decreases. currentTick is the tick the host is presently simulating
	// and moves backward during rollback, forward during catch-up.
	latestTick  rollback.Tick
	currentTick rollback.Tick

	// retiredBefore is the lowest tick still retained; anything older has
	// been retired and can no longer be rolled back to.
	retiredBefore rollback.Tick

	// latestFrameReceived tracks the newest input tick received from each
	// peer; latestFrameDelivered tracks the newest of our own ticks each
	// peer has reported receiving. Their difference against latestTick is
	// the advantage metric that drives adaptive stalling.
	latestFrameReceived  map[peerid.ID]rollback.Tick
	latestFrameDelivered map[peerid.ID]rollback.Tick

	advQueue [advantageWindow]int64
	advHead  int
	advLen   int
	advSum   int64
}

// NewPlay starts the Play stage for a newly started run. Ticks 0 and 1 are
// prefilled with default inputs for every peer so neither is ever a
// rollback candidate, then any inputs that arrived early (still in Lobby)
// are replayed through the normal message path.
func NewPlay(ctx *Context, early []EarlyInput) *Play {
	p := &Play{
		ring:                 rollback.NewRing(ringCapacity),
		latestTick:           0,
		currentTick:          0,
		latestFrameReceived:  make(map[peerid.ID]rollback.Tick),
		latestFrameDelivered: make(map[peerid.ID]rollback.Tick),
	}

	roster := ctx.Roster()
	p.ring.Get(0).PrefillDefault(roster)
	p.ring.Get(1).PrefillDefault(roster)

	for _, e := range early {
		_, _ = p.HandleMessage(ctx, e.Sender, e.Msg)
	}

	return p
}

func (p *Play) Name() string { return "play" }

// Advantage returns the rolling mean of the per-tick advantage samples:
// how many ticks ahead of the slowest peer the local simulation runs. It
// is 0 until at least one sample has been taken, so early callers never
// divide by an empty queue.
func (p *Play) Advantage() float64 {
	if p.advLen == 0 {
		return 0
	}
	return float64(p.advSum) / float64(p.advLen)
}

// pushAdvantage samples the largest per-peer advantage into the rolling
// window. For each peer, the local lead over what they've sent us is
// offset by the lead their inputs have over our inputs at their end.
func (p *Play) pushAdvantage(roster []peerid.ID) {
	if len(roster) == 0 {
		return
	}

	var largest int64
	for i, peer := range roster {
		received := int64(p.latestFrameReceived[peer])
		remoteLag := received - int64(p.latestFrameDelivered[peer])
		localLag := int64(p.latestTick) - received
		adv := localLag - remoteLag
		if i == 0 || adv > largest {
			largest = adv
		}
	}

	if p.advLen < advantageWindow {
		p.advQueue[(p.advHead+p.advLen)%advantageWindow] = largest
		p.advLen++
		p.advSum += largest
		return
	}
	p.advSum -= p.advQueue[p.advHead]
	p.advQueue[p.advHead] = largest
	p.advHead = (p.advHead + 1) % advantageWindow
	p.advSum += largest
}

func (p *Play) Tick(ctx *Context) (Stage, error) {
	roster := ctx.Roster()
	p.pushAdvantage(roster)

	if p.retire(ctx, roster) {
		return nil, nil
	}
	if p.adaptiveStall() {
		return nil, nil
	}

	p.latestTick++
	latest := p.latestTick
	p.ring.Get(latest)

	anchor := p.scanRollbackAnchor(latest)

	if anchor != latest {
		loadTick := anchor
		if loadTick > 0 {
			loadTick = anchor - 1
		}
		p.currentTick = loadTick
		ctx.Log.Log(eventlog.Entry{Kind: eventlog.KindRollback, FromTick: uint64(latest), ToTick: uint64(loadTick)})
		if err := p.loadFrame(ctx, loadTick); err != nil {
			return nil, err
		}
	}

	// No input is recorded on tick 1 so there is always a tick behind the
	// present to roll back to.
	if latest > 1 {
		p.recordLocalInput(ctx, latest, roster)
	}

	if err := p.resimulate(ctx, anchor, latest); err != nil {
		return nil, err
	}

	return nil, nil
}

// retire drops every tick that has fallen behind the rewind window. A tick
// still missing a peer's input cannot be dropped: the stall is logged as a
// DroppedFrame (stamped with the tick we would have advanced to) and the
// whole step returns early so the lagging peer can catch up.
func (p *Play) retire(ctx *Context, roster []peerid.ID) (stalled bool) {
	if p.latestTick+1 <= maxRewind {
		return false
	}
	threshold := p.latestTick + 1 - maxRewind

	for t := p.retiredBefore; t < threshold; t++ {
		record, ok := p.ring.Peek(t)
		if !ok {
			p.retiredBefore = t + 1
			continue
		}
		if missing := record.MissingInput(roster); len(missing) > 0 {
			ctx.Log.Log(eventlog.Entry{
				Kind:     eventlog.KindDroppedFrame,
				Frame:    uint64(p.latestTick + 1),
				FromTick: uint64(t),
				PeerID:   missing[0],
			})
			return true
		}
		p.retiredBefore = t + 1
	}

	return false
}

// adaptiveStall occasionally skips a tick of advance when the local
// simulation has drifted ahead of the slowest peer: the further ahead, the
// shorter the stall period.
func (p *Play) adaptiveStall() bool {
	adv := p.Advantage() / 2
	if adv < 0.75 {
		return false
	}
	period := uint64(math.Max(1, float64(maxRewind)/2-(adv+0.5))) * 3
	return uint64(p.latestTick)%period == 0
}

// scanRollbackAnchor returns the earliest tick in the rewind window whose
// input set changed since it was last simulated, or latest itself when
// nothing needs rolling back.
func (p *Play) scanRollbackAnchor(latest rollback.Tick) rollback.Tick {
	start := p.retiredBefore
	if latest > maxRewind && latest-maxRewind > start {
		start = latest - maxRewind
	}

	for t := start; t < latest; t++ {
		record, ok := p.ring.Peek(t)
		if !ok {
			continue
		}
		if record.Updated {
			return t
		}
	}

	return latest
}

// loadFrame rewinds the host to tick: every networked node that has a
// snapshot in the tick's record is restored, then the spawn manager
// reconciles the live node set against the tick's manifest.
func (p *Play) loadFrame(ctx *Context, tick rollback.Tick) error {
	record, ok := p.ring.Peek(tick)
	if !ok {
		return nil
	}

	nodes := ctx.Host.NodesInGroup(hostbridge.NetworkedGroup)
	sortNodesByPath(nodes)
	for _, n := range nodes {
		blob, ok := record.NodeStates[n.Path()]
		if !ok {
			continue
		}
		if err := n.LoadState(blob); err != nil {
			return err
		}
	}

	return ctx.SpawnMgr.LoadFrame(record)
}

// recordLocalInput polls the host for this tick's local input, logs it,
// stores it in the tick's record, and sends it to every peer along with
// the newest tick we've received from that peer so it can track delivery.
func (p *Play) recordLocalInput(ctx *Context, latest rollback.Tick, roster []peerid.ID) {
	var input rollback.InputPayload
	if ctx.LocalInput != nil {
		input = ctx.LocalInput(latest)
	}

	ctx.Log.Log(eventlog.Entry{
		Kind:      eventlog.KindSentInput,
		Frame:     uint64(latest),
		PeerID:    ctx.LocalID,
		Value:     input,
		ValueHash: hashInput(input),
	})

	record := p.ring.Get(latest)
	record.SetInput(ctx.LocalID, input)

	sent := wire.SentInput{Frame: uint64(latest), Sender: ctx.LocalID, Input: input}
	for _, id := range roster {
		_ = ctx.SendTo(id, wire.NewInput(sent, uint64(p.latestFrameReceived[id])))
	}
}

// resimulate drives the host forward from anchor to latest. Each tick
// first inherits the previous tick's spawn manifest, then every networked
// node is preprocessed and processed, the fresh states are snapshotted
// into the record, and, once the tick has every peer's input, its state
// hash is broadcast for desync detection.
func (p *Play) resimulate(ctx *Context, anchor, latest rollback.Tick) error {
	start := anchor
	if latest < start {
		start = latest
	}

	for t := start; t <= latest; t++ {
		record := p.ring.Get(t)
		if t > 0 {
			if prev, ok := p.ring.Peek(t - 1); ok {
				record.CopySpawnDataFrom(prev)
			}
		}
		p.currentTick = t

		nodes := ctx.Host.NodesInGroup(hostbridge.NetworkedGroup)
		sortNodesByPath(nodes)

		for _, n := range nodes {
			n.NetworkedPreprocess()
		}

		states := make(map[rollback.NodePath][]byte, len(nodes))
		for _, n := range nodes {
			states[n.Path()] = n.NetworkedProcess()
		}
		record.SetNodeStates(states)

		for _, n := range nodes {
			logState := n.LogState()
			fields := make([]string, 0, len(logState))
			for field := range logState {
				fields = append(fields, field)
			}
			sort.Strings(fields)
			for _, field := range fields {
				value := logState[field]
				ctx.Log.Log(eventlog.Entry{
					Kind:      eventlog.KindFrameState,
					Frame:     uint64(t),
					NodePath:  string(n.Path()),
					Field:     field,
					Value:     value,
					ValueHash: hashInput(value),
				})
			}
		}

		alive := make([]string, 0, len(record.SpawnRecords))
		for path := range record.SpawnRecords {
			alive = append(alive, string(path))
		}
		sort.Strings(alive)
		for _, path := range alive {
			ctx.Log.Log(eventlog.Entry{Kind: eventlog.KindSpawnedNode, Frame: uint64(t), NodePath: path})
		}

		if record.Complete {
			ctx.Broadcast(wire.NewStateHash(uint64(t), record.StateHash()))
		}
	}

	return nil
}

func sortNodesByPath(nodes []hostbridge.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Path() < nodes[j].Path()
	})
}

// InputFor returns the most recent input at or before the tick being
// simulated for the given peer, scanning backward through the rewind
// window. Hosts read remote inputs through this during NetworkedProcess.
func (p *Play) InputFor(id peerid.ID) rollback.InputPayload {
	start := p.retiredBefore
	if p.latestTick > maxRewind && p.latestTick-maxRewind > start {
		start = p.latestTick - maxRewind
	}

	for t := p.currentTick; ; t-- {
		if record, ok := p.ring.Peek(t); ok {
			if input, ok := record.Input(id); ok {
				return input
			}
		}
		if t <= start || t == 0 {
			break
		}
	}
	return nil
}

func (p *Play) HandleMessage(ctx *Context, sender Sender, msg *wire.Message) (Stage, error) {
	if !sender.Connected {
		return nil, fmt.Errorf("play: message %s from unconnected sender", msg.Tag)
	}

	switch msg.Tag {
	case wire.TagInput:
		in := msg.Input
		tick := rollback.Tick(in.SentInput.Frame)

		ctx.Log.Log(eventlog.Entry{
			Kind:          eventlog.KindReceivedInput,
			Frame:         in.SentInput.Frame,
			ReceivedFrame: uint64(p.latestTick + 1),
			PeerID:        sender.PeerID,
			Value:         in.SentInput.Input,
			ValueHash:     hashInput(in.SentInput.Input),
		})

		if tick < p.retiredBefore {
			// Too late: the tick has already been retired and cannot be
			// re-simulated.
			ctx.Log.Log(eventlog.Entry{
				Kind:     eventlog.KindDroppedFrame,
				Frame:    uint64(p.latestTick + 1),
				FromTick: uint64(tick),
				PeerID:   sender.PeerID,
			})
			return nil, nil
		}

		record := p.ring.Get(tick)
		record.SetInput(sender.PeerID, rollback.InputPayload(in.SentInput.Input))
		record.RecomputeComplete(ctx.Roster())

		if tick > p.latestFrameReceived[sender.PeerID] {
			p.latestFrameReceived[sender.PeerID] = tick
		}
		delivered := rollback.Tick(in.LastReceivedFrame)
		if tick > delivered {
			delivered = tick
		}
		p.latestFrameDelivered[sender.PeerID] = delivered

		return nil, nil

	case wire.TagStateHash:
		tick := rollback.Tick(msg.StateHash.Frame)
		record, ok := p.ring.Peek(tick)
		if !ok || !record.Simulated || !record.Complete {
			// Not simulated yet, not complete yet, or already retired;
			// nothing trustworthy to compare against.
			return nil, nil
		}
		local := record.StateHash()
		if local != 0 && local != msg.StateHash.Hash {
			return nil, fmt.Errorf("play: state hash mismatch with peer %s at tick %d", sender.PeerID, tick)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("play: unexpected message tag %s", msg.Tag)
	}
}
