// Package hostbridge defines the upcall/downcall contract between the
// engine and the game-specific host that embeds it: the host exposes its
// scene tree through Tree and its networked nodes through Node, and the
// engine calls back into both during spawn reconciliation and tick
// simulation.
package hostbridge

import "github.com/corvidgames/tickmesh/internal/rollback"

// NodePath re-exports rollback.NodePath so host implementations don't need
// to import the rollback package directly.
type NodePath = rollback.NodePath

// Node is a single networked node in the host's scene tree. Each simulated
// tick the engine calls NetworkedPreprocess on every node, then
// NetworkedProcess on every node (both in path-sorted order), and LogState
// after processing to record the node's fields in the event log. The blob
// NetworkedProcess returns is the snapshot kept for rollback and state
// hashing; LoadState receives it back when the engine rewinds. The engine
// does not call NetworkedSpawn or NetworkedDespawn: spawns and despawns
// reach the host through rollback.Host's Spawn and Despawn instead.
type Node interface {
	// Path identifies this node uniquely within the host's tree.
	Path() NodePath

	// LoadState restores this node's full simulation state from a blob
	// previously returned by NetworkedProcess, used when rolling back to a
	// past tick before re-simulating forward.
	LoadState(blob []byte) error

	// NetworkedSpawn initializes this node from the blob recorded when it
	// was first spawned. The engine itself never calls it.
	NetworkedSpawn(blob []byte) error

	// NetworkedDespawn runs any teardown needed before the node is removed
	// from the tree.
	NetworkedDespawn() error

	// NetworkedPreprocess runs once per tick before NetworkedProcess across
	// every node, giving nodes a chance to read peers' post-tick state from
	// the previous tick before anyone advances.
	NetworkedPreprocess()

	// NetworkedProcess advances this node by one tick and returns its
	// post-tick state as an opaque, node-defined blob, which the engine
	// stores in the tick's frame record and hashes for desync detection.
	NetworkedProcess() []byte

	// LogState returns a snapshot of every loggable piece of this node's
	// state, keyed by field name, for the eventlog's frame_states table.
	LogState() map[string][]byte
}

// StateLoader is the single-method form of Node.LoadState. The engine does
// not type-assert for it; rollback calls Node.LoadState on every networked
// node directly.
type StateLoader interface {
	LoadState(blob []byte) error
}

// Tree is the host's scene graph, queried by group membership for the
// nodes the engine must drive each tick.
type Tree interface {
	// NodesInGroup returns every node belonging to group, in any order;
	// the engine sorts the result by path before driving it, so the
	// simulation order is the same on every peer.
	NodesInGroup(group string) []Node

	// Node looks up a single node by path.
	Node(path NodePath) (Node, bool)
}

// NetworkedGroup is the group name the engine queries via Tree for nodes to
// preprocess/process each tick.
const NetworkedGroup = "networked"
