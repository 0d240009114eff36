package wire

import (
	"errors"
	"fmt"

	"github.com/corvidgames/tickmesh/internal/peerid"
)

// Tag identifies the variant of a Message.
type Tag uint8

const (
	TagConnect Tag = iota
	TagGossipPeer
	TagUpdateReady
	TagScheduleStart
	TagInput
	TagStateHash
)

func (t Tag) String() string {
	switch t {
	case TagConnect:
		return "Connect"
	case TagGossipPeer:
		return "GossipPeer"
	case TagUpdateReady:
		return "UpdateReady"
	case TagScheduleStart:
		return "ScheduleStart"
	case TagInput:
		return "Input"
	case TagStateHash:
		return "StateHash"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

var (
	ErrShortMessage  = errors.New("wire: short message")
	ErrUnknownTag    = errors.New("wire: unknown message tag")
	ErrMalformedBody = errors.New("wire: malformed message body")
)

// SentInput is a single peer's input for a single tick. Identity is
// (Frame, Sender) only, so two SentInput values for the same tick and
// sender are the same logical input regardless of payload.
type SentInput struct {
	Frame  uint64
	Sender peerid.ID
	Input  []byte
}

// Key returns the deduplication key for a SentInput.
func (s SentInput) Key() (uint64, peerid.ID) {
	return s.Frame, s.Sender
}

// Connect carries the sender's peer id.
type Connect struct {
	PeerID peerid.ID
}

// GossipPeer introduces a third peer's id and last-known address.
type GossipPeer struct {
	PeerID  peerid.ID
	Address string
}

// UpdateReady announces the sender's lobby readiness state.
type UpdateReady struct {
	Ready bool
}

// ScheduleStart broadcasts the run id the leader minted for this session.
type ScheduleStart struct {
	RunID [16]byte
}

// Input carries one input plus the sender's receive watermark.
type Input struct {
	SentInput         SentInput
	LastReceivedFrame uint64
}

// StateHash carries a completed tick's state hash for desync detection.
type StateHash struct {
	Frame uint64
	Hash  uint64
}

// Message is the tagged union of every wire message variant. Exactly one of
// the typed fields is meaningful, selected by Tag.
type Message struct {
	Tag Tag

	Connect       Connect
	GossipPeer    GossipPeer
	UpdateReady   UpdateReady
	ScheduleStart ScheduleStart
	Input         Input
	StateHash     StateHash
}

func NewConnect(id peerid.ID) *Message {
	return &Message{Tag: TagConnect, Connect: Connect{PeerID: id}}
}

func NewGossipPeer(id peerid.ID, addr string) *Message {
	return &Message{Tag: TagGossipPeer, GossipPeer: GossipPeer{PeerID: id, Address: addr}}
}

func NewUpdateReady(ready bool) *Message {
	return &Message{Tag: TagUpdateReady, UpdateReady: UpdateReady{Ready: ready}}
}

func NewScheduleStart(runID [16]byte) *Message {
	return &Message{Tag: TagScheduleStart, ScheduleStart: ScheduleStart{RunID: runID}}
}

func NewInput(sent SentInput, lastReceivedFrame uint64) *Message {
	return &Message{Tag: TagInput, Input: Input{SentInput: sent, LastReceivedFrame: lastReceivedFrame}}
}

func NewStateHash(frame, hash uint64) *Message {
	return &Message{Tag: TagStateHash, StateHash: StateHash{Frame: frame, Hash: hash}}
}

// Encode blob-serializes m: a one-byte tag followed by the variant body.
func Encode(m *Message) []byte {
	buf := NewBuffer()
	buf.WriteUint8(uint8(m.Tag))

	switch m.Tag {
	case TagConnect:
		buf.WriteFixed(m.Connect.PeerID[:])
	case TagGossipPeer:
		buf.WriteFixed(m.GossipPeer.PeerID[:])
		buf.WriteString(m.GossipPeer.Address)
	case TagUpdateReady:
		buf.WriteBool(m.UpdateReady.Ready)
	case TagScheduleStart:
		buf.WriteFixed(m.ScheduleStart.RunID[:])
	case TagInput:
		buf.WriteUint64(m.Input.SentInput.Frame)
		buf.WriteFixed(m.Input.SentInput.Sender[:])
		buf.WriteBytes(m.Input.SentInput.Input)
		buf.WriteUint64(m.Input.LastReceivedFrame)
	case TagStateHash:
		buf.WriteUint64(m.StateHash.Frame)
		buf.WriteUint64(m.StateHash.Hash)
	}

	return buf.Bytes()
}

// Decode parses the tagged-union body produced by Encode.
func Decode(b []byte) (*Message, error) {
	c := NewCursor(b)

	tagByte, ok := c.ReadUint8()
	if !ok {
		return nil, ErrShortMessage
	}
	tag := Tag(tagByte)

	m := &Message{Tag: tag}

	switch tag {
	case TagConnect:
		id, ok := c.ReadFixed(16)
		if !ok {
			return nil, ErrMalformedBody
		}
		peerID, _ := peerid.Parse(id)
		m.Connect = Connect{PeerID: peerID}

	case TagGossipPeer:
		id, ok := c.ReadFixed(16)
		if !ok {
			return nil, ErrMalformedBody
		}
		addr, ok := c.ReadString()
		if !ok {
			return nil, ErrMalformedBody
		}
		peerID, _ := peerid.Parse(id)
		m.GossipPeer = GossipPeer{PeerID: peerID, Address: addr}

	case TagUpdateReady:
		ready, ok := c.ReadBool()
		if !ok {
			return nil, ErrMalformedBody
		}
		m.UpdateReady = UpdateReady{Ready: ready}

	case TagScheduleStart:
		id, ok := c.ReadFixed(16)
		if !ok {
			return nil, ErrMalformedBody
		}
		var runID [16]byte
		copy(runID[:], id)
		m.ScheduleStart = ScheduleStart{RunID: runID}

	case TagInput:
		frame, ok := c.ReadUint64()
		if !ok {
			return nil, ErrMalformedBody
		}
		sender, ok := c.ReadFixed(16)
		if !ok {
			return nil, ErrMalformedBody
		}
		input, ok := c.ReadBytes()
		if !ok {
			return nil, ErrMalformedBody
		}
		lastReceived, ok := c.ReadUint64()
		if !ok {
			return nil, ErrMalformedBody
		}
		senderID, _ := peerid.Parse(sender)
		m.Input = Input{
			SentInput: SentInput{
				Frame:  frame,
				Sender: senderID,
				Input:  input,
			},
			LastReceivedFrame: lastReceived,
		}

	case TagStateHash:
		frame, ok := c.ReadUint64()
		if !ok {
			return nil, ErrMalformedBody
		}
		hash, ok := c.ReadUint64()
		if !ok {
			return nil, ErrMalformedBody
		}
		m.StateHash = StateHash{Frame: frame, Hash: hash}

	default:
		return nil, ErrUnknownTag
	}

	return m, nil
}
