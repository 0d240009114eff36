package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/corvidgames/tickmesh/internal/peerid"
)

// DisconnectMillis is how long a sent frame component can go without an
// acknowledgement before its destination is considered disconnected.
const DisconnectMillis = 5000

// maxRTTSamples bounds each peer's rolling RTT window.
const maxRTTSamples = 100

// ErrUnknownPeer is returned by SendTo for a peer id not in the directory;
// the caller may retry once gossip has introduced the peer.
var ErrUnknownPeer = errors.New("transport: unknown peer id")

type peerEntry struct {
	id         peerid.ID
	addr       *net.UDPAddr
	rttSamples []time.Duration
	rttCursor  int
}

func newPeerEntry(id peerid.ID, addr *net.UDPAddr) *peerEntry {
	return &peerEntry{id: id, addr: addr}
}

func (p *peerEntry) recordRTT(d time.Duration) {
	if len(p.rttSamples) < maxRTTSamples {
		p.rttSamples = append(p.rttSamples, d)
		return
	}
	p.rttSamples[p.rttCursor] = d
	p.rttCursor = (p.rttCursor + 1) % maxRTTSamples
}

func (p *peerEntry) averageRTT() time.Duration {
	if len(p.rttSamples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range p.rttSamples {
		sum += s
	}
	return sum / time.Duration(len(p.rttSamples))
}

// Disconnected is emitted when a peer has left a sent component
// unacknowledged past DisconnectMillis.
type Disconnected struct {
	PeerID peerid.ID
}

// Received is emitted for each reassembled frame, whether or not its sender
// is already in the peer directory. Connected frames carry PeerID; frames
// from an address the directory doesn't yet recognize carry Addr instead,
// so the Lobby stage's Connect handshake can still reach a peer that
// hasn't been registered yet.
type Received struct {
	Connected bool
	PeerID    peerid.ID
	Addr      *net.UDPAddr
	Payload   []byte
}

type sentKey struct {
	packetID uint64
	addr     string
}

// Persistent is the top transport layer: it maps addresses to stable peer
// identities, tracks round-trip times and disconnects from per-component
// send/ack pairs, and fans inbound frames out by peer rather than by
// address.
type Persistent struct {
	frame *Frame

	mu        sync.Mutex
	byID      map[peerid.ID]*peerEntry
	byAddr    map[string]peerid.ID
	sentTimes map[sentKey]time.Time

	disconnects chan Disconnected
	received    chan Received
}

func NewPersistent(frame *Frame) *Persistent {
	return &Persistent{
		frame:       frame,
		byID:        make(map[peerid.ID]*peerEntry),
		byAddr:      make(map[string]peerid.ID),
		sentTimes:   make(map[sentKey]time.Time),
		disconnects: make(chan Disconnected, 64),
		received:    make(chan Received, 256),
	}
}

func (p *Persistent) Disconnects() <-chan Disconnected { return p.disconnects }
func (p *Persistent) Received() <-chan Received        { return p.received }

// Connect registers a peer's identity at a known address, e.g. after a
// handshake Connect message is decoded.
func (p *Persistent) Connect(id peerid.ID, addr *net.UDPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := newPeerEntry(id, addr)
	p.byID[id] = entry
	p.byAddr[addr.String()] = id
}

// SendTo reliably sends payload to a known peer by id.
func (p *Persistent) SendTo(id peerid.ID, payload []byte) error {
	p.mu.Lock()
	entry, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	return p.send(entry.addr, payload)
}

// SendToAddress reliably sends payload directly to addr, for peers not yet
// registered in the directory (e.g. the initial Connect handshake).
func (p *Persistent) SendToAddress(addr *net.UDPAddr, payload []byte) error {
	return p.send(addr, payload)
}

func (p *Persistent) send(addr *net.UDPAddr, payload []byte) error {
	packetIDs, err := p.frame.Send(addr, payload)

	now := time.Now()
	key := addr.String()
	p.mu.Lock()
	for _, id := range packetIDs {
		p.sentTimes[sentKey{packetID: id, addr: key}] = now
	}
	p.mu.Unlock()

	return err
}

// Broadcast reliably sends payload to every known peer except excluded.
func (p *Persistent) Broadcast(payload []byte, excluded ...peerid.ID) {
	skip := make(map[peerid.ID]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	p.mu.Lock()
	targets := make([]*net.UDPAddr, 0, len(p.byID))
	for id, entry := range p.byID {
		if _, excluded := skip[id]; excluded {
			continue
		}
		targets = append(targets, entry.addr)
	}
	p.mu.Unlock()

	for _, addr := range targets {
		_ = p.send(addr, payload)
	}
}

// Peers returns the identities of every peer currently in the directory.
func (p *Persistent) Peers() []peerid.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]peerid.ID, 0, len(p.byID))
	for id := range p.byID {
		out = append(out, id)
	}
	return out
}

// AverageResponseTime returns the mean of id's rolling RTT window (its most
// recent samples), or zero before any sample has landed.
func (p *Persistent) AverageResponseTime(id peerid.ID) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byID[id]
	if !ok {
		return 0
	}
	return entry.averageRTT()
}

// AverageLobbyResponseTime returns the mean RTT across every peer's rolling
// window, used to calibrate the lobby's scheduled-start delay.
func (p *Persistent) AverageLobbyResponseTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum time.Duration
	var n int
	for _, entry := range p.byID {
		for _, s := range entry.rttSamples {
			sum += s
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// RecordRTT attributes a measured round-trip time to a known peer.
func (p *Persistent) RecordRTT(id peerid.ID, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byID[id]
	if !ok {
		return
	}
	entry.recordRTT(rtt)
}

// HandleAck matches an acknowledged packet against its recorded send time
// and credits the elapsed round trip to the sender's RTT window. Call this
// for every EventPacketAcknowledged the reliable layer emits.
func (p *Persistent) HandleAck(addr *net.UDPAddr, packetID uint64) {
	key := sentKey{packetID: packetID, addr: addr.String()}

	p.mu.Lock()
	sentAt, ok := p.sentTimes[key]
	if ok {
		delete(p.sentTimes, key)
	}
	var entry *peerEntry
	if id, known := p.byAddr[addr.String()]; known {
		entry = p.byID[id]
	}
	if ok && entry != nil {
		entry.recordRTT(time.Since(sentAt))
	}
	p.mu.Unlock()
}

// Pump attributes one frame-layer event to its peer. Call this from the
// consumer loop of Frame.Events(). Frames from an address not yet in the
// directory are still delivered, tagged unconnected, rather than dropped;
// the Lobby stage's Connect handshake is the only consumer that can make
// sense of them.
func (p *Persistent) Pump(evt FrameEvent) {
	p.mu.Lock()
	id, known := p.byAddr[evt.Addr.String()]
	p.mu.Unlock()

	if !known {
		p.received <- Received{Connected: false, Addr: evt.Addr, Payload: evt.Payload}
		return
	}
	p.received <- Received{Connected: true, PeerID: id, Payload: evt.Payload}
}

// AddressOf returns the last-known address of a registered peer, used by
// the Lobby stage to gossip already-known peers to a newly joining address.
func (p *Persistent) AddressOf(id peerid.ID) (*net.UDPAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return entry.addr, true
}

// CheckDisconnects sweeps the outstanding send-time table for components
// unacknowledged past DisconnectMillis. Each stale entry is forgotten; a
// peer with at least one stale entry is removed from the directory and
// reported exactly once.
func (p *Persistent) CheckDisconnects() {
	now := time.Now()
	staleAddrs := make(map[string]struct{})

	p.mu.Lock()
	for key, sentAt := range p.sentTimes {
		if now.Sub(sentAt) > DisconnectMillis*time.Millisecond {
			staleAddrs[key.addr] = struct{}{}
			delete(p.sentTimes, key)
		}
	}

	var stale []peerid.ID
	for addr := range staleAddrs {
		id, known := p.byAddr[addr]
		if !known {
			continue
		}
		stale = append(stale, id)
		delete(p.byID, id)
		delete(p.byAddr, addr)
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.disconnects <- Disconnected{PeerID: id}
	}
}
