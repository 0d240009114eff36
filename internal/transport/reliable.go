// Package transport implements the three-layer unreliable-UDP transport
// stack: a reliable-ordered-unknown ack layer, a fragmentation/reassembly
// frame layer on top of it, and a persistent peer-directory layer on top
// of that.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MaxPacketSize bounds a single reliable-layer datagram, leaving headroom
// under the typical internet path MTU.
const MaxPacketSize = 500

// RetransmitInterval is how often an unacknowledged packet is resent.
const RetransmitInterval = 32 * time.Millisecond

// maxSeenAcks bounds the per-sender dedup set of inbound packet ids; beyond
// this the oldest entries are evicted, so a duplicate can only slip through
// after a thousand distinct packets from the same peer have intervened.
const maxSeenAcks = 1000

// reliableHeaderSize is one is_data byte plus an 8-byte packet id.
const reliableHeaderSize = 9

// ErrPacketTooLarge is returned by Send for payloads over MaxPacketSize.
var ErrPacketTooLarge = errors.New("transport: packet exceeds max reliable size")

// ReliableEvent is emitted by the reliable layer for the frame layer and
// the persistent layer's RTT accounting to consume.
type ReliableEvent struct {
	Kind     ReliableEventKind
	Addr     *net.UDPAddr
	Payload  []byte
	PacketID uint64
}

type ReliableEventKind int

const (
	EventPacketReceived ReliableEventKind = iota
	EventPacketAcknowledged
	EventPacketResent
)

type outboundPacket struct {
	addr     *net.UDPAddr
	id       uint64
	payload  []byte
	lastSent time.Time
}

// seenSet is one sender's dedup window: a membership set plus insertion
// order for eviction.
type seenSet struct {
	ids   map[uint64]struct{}
	order []uint64
}

// Reliable implements at-least-once, unordered delivery over a UDP socket:
// every outbound packet is resent every RetransmitInterval until its ack
// arrives, and every inbound packet is deduplicated by (addr, packet id)
// before being surfaced, but no ordering across packets is guaranteed or
// enforced.
type Reliable struct {
	conn *net.UDPConn

	mu       sync.Mutex
	nextID   uint64
	unacked  map[uint64]*outboundPacket
	seenAcks map[string]*seenSet

	events chan ReliableEvent
}

func NewReliable(conn *net.UDPConn) *Reliable {
	return &Reliable{
		conn:     conn,
		unacked:  make(map[uint64]*outboundPacket),
		seenAcks: make(map[string]*seenSet),
		events:   make(chan ReliableEvent, 256),
	}
}

// Events returns the channel ReliableEvents are delivered on.
func (r *Reliable) Events() <-chan ReliableEvent { return r.events }

// Send queues payload for reliable delivery to addr, returning the packet
// id assigned so callers can correlate later acks.
func (r *Reliable) Send(addr *net.UDPAddr, payload []byte) (uint64, error) {
	if len(payload) > MaxPacketSize {
		return 0, ErrPacketTooLarge
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	pkt := &outboundPacket{addr: addr, id: id, payload: payload}
	r.unacked[id] = pkt
	r.mu.Unlock()

	r.transmit(pkt, false)
	return id, nil
}

func (r *Reliable) transmit(pkt *outboundPacket, resend bool) {
	frame := encodeDataPacket(pkt.id, pkt.payload)
	pkt.lastSent = time.Now()
	_, _ = r.conn.WriteToUDP(frame, pkt.addr)
	if resend {
		r.events <- ReliableEvent{Kind: EventPacketResent, Addr: pkt.addr, PacketID: pkt.id}
	}
}

func (r *Reliable) sendAck(addr *net.UDPAddr, id uint64) {
	frame := encodeAckPacket(id)
	_, _ = r.conn.WriteToUDP(frame, addr)
}

// Run drives the retransmit ticker and the inbound read loop until ctx is
// cancelled.
func (r *Reliable) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.retransmitLoop(ctx)
	})
	g.Go(func() error {
		return r.readLoop(ctx)
	})

	return g.Wait()
}

func (r *Reliable) retransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(RetransmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.mu.Lock()
			due := make([]*outboundPacket, 0, len(r.unacked))
			now := time.Now()
			for _, pkt := range r.unacked {
				if now.Sub(pkt.lastSent) >= RetransmitInterval {
					due = append(due, pkt)
				}
			}
			r.mu.Unlock()

			for _, pkt := range due {
				r.transmit(pkt, true)
			}
		}
	}
}

func (r *Reliable) readLoop(ctx context.Context) error {
	buf := make([]byte, MaxPacketSize+reliableHeaderSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}

		r.handleInbound(addr, buf[:n])
	}
}

func (r *Reliable) handleInbound(addr *net.UDPAddr, raw []byte) {
	isData, id, payload, ok := decodePacket(raw)
	if !ok {
		return
	}

	if !isData {
		r.mu.Lock()
		_, found := r.unacked[id]
		if found {
			delete(r.unacked, id)
		}
		r.mu.Unlock()
		if found {
			r.events <- ReliableEvent{Kind: EventPacketAcknowledged, Addr: addr, PacketID: id}
		}
		return
	}

	r.sendAck(addr, id)

	key := addr.String()
	r.mu.Lock()
	seen := r.seenAcks[key]
	if seen == nil {
		seen = &seenSet{ids: make(map[uint64]struct{})}
		r.seenAcks[key] = seen
	}
	_, dup := seen.ids[id]
	if !dup {
		seen.ids[id] = struct{}{}
		seen.order = append(seen.order, id)
		if len(seen.order) > maxSeenAcks {
			evict := seen.order[0]
			seen.order = seen.order[1:]
			delete(seen.ids, evict)
		}
	}
	r.mu.Unlock()

	if dup {
		return
	}

	r.events <- ReliableEvent{Kind: EventPacketReceived, Addr: addr, Payload: payload, PacketID: id}
}

func encodeDataPacket(id uint64, payload []byte) []byte {
	out := make([]byte, 0, reliableHeaderSize+len(payload))
	out = append(out, 1)
	out = appendUint64(out, id)
	out = append(out, payload...)
	return out
}

func encodeAckPacket(id uint64) []byte {
	out := make([]byte, 0, reliableHeaderSize)
	out = append(out, 0)
	out = appendUint64(out, id)
	return out
}

func decodePacket(raw []byte) (isData bool, id uint64, payload []byte, ok bool) {
	if len(raw) < reliableHeaderSize {
		return false, 0, nil, false
	}
	isData = raw[0] != 0
	id = readUint64(raw[1:reliableHeaderSize])
	if len(raw) > reliableHeaderSize {
		payload = raw[reliableHeaderSize:]
	}
	return isData, id, payload, true
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

func readUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
