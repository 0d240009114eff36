// Package peerid implements the 128-bit peer identifier: generated once per
// process, totally ordered, with the numerically smallest id in a peer set
// acting as the tie-break leader.
package peerid

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
)

// ID is a 128-bit peer identifier.
type ID [16]byte

// Nil is the zero identifier; never assigned to a real peer.
var Nil ID

// New generates a fresh random peer identifier.
func New() ID {
	return ID(uuid.New())
}

// Less reports whether id is numerically smaller than other.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// String renders the id as a hyphenated UUID for logs.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Hex renders the id as a plain hex string, used for log filenames.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Parse decodes a 16-byte slice into an ID. ok is false if b is not exactly
// 16 bytes.
func Parse(b []byte) (ID, bool) {
	var id ID
	if len(b) != 16 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Leader returns the numerically smallest id among self and peers.
func Leader(self ID, peers []ID) ID {
	leader := self
	for _, p := range peers {
		if p.Less(leader) {
			leader = p
		}
	}
	return leader
}

// IsLeader reports whether self is the leader of the set {self} ∪ peers.
func IsLeader(self ID, peers []ID) bool {
	return Leader(self, peers) == self
}
