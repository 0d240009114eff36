// Package rollback implements the per-tick FrameRecord ring and the spawn
// manager that reconciles the host's live node set against it. The
// advantage/stall arithmetic lives in the session package's Play stage.
package rollback

import "github.com/corvidgames/tickmesh/internal/peerid"

// Tick is a monotonically increasing simulation step counter.
type Tick uint64

// InputPayload is an opaque, host-defined per-tick input blob.
type InputPayload []byte

// SentInput is the identity-bearing record of one peer's input for one
// tick. Two SentInput values are the same logical input whenever Frame and
// Sender match, regardless of Input's contents. This is what lets the
// reliable layer's at-least-once delivery collapse duplicate deliveries
// without a separate ack handshake at this layer.
type SentInput struct {
	Frame  Tick
	Sender peerid.ID
	Input  InputPayload
}

// ReceivedInput pairs a SentInput with the tick on which it was applied
// locally, which can lag Frame when the input arrived late.
type ReceivedInput struct {
	SentInput SentInput
	AppliedAt Tick
}
