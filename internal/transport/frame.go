package transport

import (
	"net"
	"sync"
)

// frameHeaderSize covers the three 8-byte frame fields: frame id, component
// count, component index.
const frameHeaderSize = 24

// MaxFramePacketDataSize is the largest payload slice a single reliable
// packet can carry once the frame header is accounted for.
const MaxFramePacketDataSize = MaxPacketSize - frameHeaderSize

// maxFrameComponents caps the component count a received header may claim,
// so a garbage datagram can't make the reassembler allocate unbounded
// space for parts that will never arrive.
const maxFrameComponents = 1 << 16

// FrameEvent is emitted once every component of a frame has arrived.
type FrameEvent struct {
	Addr    *net.UDPAddr
	Payload []byte
}

type partialFrame struct {
	total    uint64
	received uint64
	parts    [][]byte
}

// Frame reassembles fragmented messages on top of a Reliable transport.
// Partial frames are never garbage collected: a peer that starts a frame
// and never completes it leaks one entry until the persistent layer
// declares the peer disconnected, which is the practical reaper.
type Frame struct {
	reliable *Reliable

	mu       sync.Mutex
	nextID   uint64
	partials map[frameKey]*partialFrame

	events chan FrameEvent
}

type frameKey struct {
	addr string
	id   uint64
}

func NewFrame(reliable *Reliable) *Frame {
	return &Frame{
		reliable: reliable,
		partials: make(map[frameKey]*partialFrame),
		events:   make(chan FrameEvent, 256),
	}
}

func (f *Frame) Events() <-chan FrameEvent { return f.events }

// Send splits payload into as many reliable packets as needed and sends
// each under a shared frame id so the remote Frame layer can reassemble it.
// The returned packet ids are the reliable-layer ids of every component,
// for the persistent layer's round-trip accounting.
func (f *Frame) Send(addr *net.UDPAddr, payload []byte) ([]uint64, error) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.mu.Unlock()

	var parts [][]byte
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxFramePacketDataSize {
			n = MaxFramePacketDataSize
		}
		parts = append(parts, payload[:n])
		payload = payload[n:]
	}
	if len(parts) == 0 {
		parts = [][]byte{{}}
	}

	total := uint64(len(parts))
	packetIDs := make([]uint64, 0, len(parts))
	for i, part := range parts {
		header := encodeFrameHeader(id, total, uint64(i))
		packet := make([]byte, 0, len(header)+len(part))
		packet = append(packet, header...)
		packet = append(packet, part...)
		packetID, err := f.reliable.Send(addr, packet)
		if err != nil {
			return packetIDs, err
		}
		packetIDs = append(packetIDs, packetID)
	}
	return packetIDs, nil
}

// HandleReceived feeds a reliable-layer payload into the frame reassembler.
// Call this from the consumer of Reliable.Events().
func (f *Frame) HandleReceived(addr *net.UDPAddr, raw []byte) {
	id, total, index, data, ok := decodeFrameHeader(raw)
	if !ok {
		return
	}

	key := frameKey{addr: addr.String(), id: id}

	f.mu.Lock()
	pf, exists := f.partials[key]
	if !exists {
		pf = &partialFrame{total: total, parts: make([][]byte, total)}
		f.partials[key] = pf
	}
	if index < uint64(len(pf.parts)) && pf.parts[index] == nil {
		pf.parts[index] = data
		pf.received++
	}
	complete := pf.received == pf.total
	if complete {
		delete(f.partials, key)
	}
	f.mu.Unlock()

	if !complete {
		return
	}

	full := make([]byte, 0)
	for _, part := range pf.parts {
		full = append(full, part...)
	}
	f.events <- FrameEvent{Addr: addr, Payload: full}
}

func encodeFrameHeader(id, total, index uint64) []byte {
	out := make([]byte, 0, frameHeaderSize)
	out = appendUint64(out, id)
	out = appendUint64(out, total)
	out = appendUint64(out, index)
	return out
}

func decodeFrameHeader(raw []byte) (id, total, index uint64, data []byte, ok bool) {
	if len(raw) < frameHeaderSize {
		return 0, 0, 0, nil, false
	}
	id = readUint64(raw[0:8])
	total = readUint64(raw[8:16])
	index = readUint64(raw[16:24])
	if total == 0 || total > maxFrameComponents || index >= total {
		return 0, 0, 0, nil, false
	}
	data = raw[frameHeaderSize:]
	return id, total, index, data, true
}
