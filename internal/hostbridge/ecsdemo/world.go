// Package ecsdemo is a minimal ark-ECS-backed host used to exercise the
// hostbridge.Tree/Node contract end to end: two components (position,
// velocity), no collision, no rendering. It exists for tests and the
// tickmeshd demo binary, not as a game.
package ecsdemo

import (
	"github.com/mlange-42/ark/ecs"

	"github.com/corvidgames/tickmesh/internal/hostbridge"
	"github.com/corvidgames/tickmesh/internal/peerid"
	"github.com/corvidgames/tickmesh/internal/wire"
)

// Position is a networked node's location, fixed-point scaled so two peers
// with identical inputs compute identical LogState blobs with no float
// drift.
type Position struct {
	X, Y int64
}

// Velocity is applied to Position once per tick, on top of the owner
// peer's per-tick intent.
type Velocity struct {
	X, Y int64
}

const scale = 1000

// InputSource resolves the owner peer's input payload for the tick being
// simulated. Wire it to Engine.Input (or Play.InputFor in tests) so every
// mover reads the same authoritative per-tick inputs the rollback engine
// holds, local and remote alike.
type InputSource func(owner peerid.ID) []byte

// World wraps an ark ecs.World and implements hostbridge.Tree plus the
// spawn-manager host contract.
type World struct {
	ecs *ecs.World
	pos *ecs.Map[Position]
	vel *ecs.Map[Velocity]

	paths map[hostbridge.NodePath]ecs.Entity
	nodes map[ecs.Entity]*entityNode

	inputs InputSource
}

func NewWorld() *World {
	w := ecs.NewWorld()
	return &World{
		ecs:   w,
		pos:   ecs.NewMap[Position](w),
		vel:   ecs.NewMap[Velocity](w),
		paths: make(map[hostbridge.NodePath]ecs.Entity),
		nodes: make(map[ecs.Entity]*entityNode),
	}
}

// SetInputSource wires the per-tick input lookup movers read their owner's
// intent from.
func (w *World) SetInputSource(src InputSource) {
	w.inputs = src
}

// MoverState encodes a mover's spawn blob: the owning peer followed by its
// initial position and velocity.
func MoverState(owner peerid.ID, px, py, vx, vy int64) []byte {
	buf := wire.NewBuffer()
	buf.WriteFixed(owner[:])
	buf.WriteInt64(px)
	buf.WriteInt64(py)
	buf.WriteInt64(vx)
	buf.WriteInt64(vy)
	return buf.Bytes()
}

// NodesInGroup returns every demo node; ecsdemo has a single flat group
// since it carries no grouping concept of its own.
func (w *World) NodesInGroup(group string) []hostbridge.Node {
	if group != hostbridge.NetworkedGroup {
		return nil
	}
	out := make([]hostbridge.Node, 0, len(w.nodes))
	for _, n := range w.nodes {
		out = append(out, n)
	}
	return out
}

func (w *World) Node(path hostbridge.NodePath) (hostbridge.Node, bool) {
	e, ok := w.paths[path]
	if !ok {
		return nil, false
	}
	return w.nodes[e], true
}

// Spawn creates a new mover at path from a MoverState blob. The scene
// handle is ignored: this demo has a single entity archetype.
func (w *World) Spawn(path hostbridge.NodePath, scene string, state []byte) error {
	c := wire.NewCursor(state)
	ownerBytes, _ := c.ReadFixed(16)
	owner, _ := peerid.Parse(ownerBytes)
	px, _ := c.ReadInt64()
	py, _ := c.ReadInt64()
	vx, _ := c.ReadInt64()
	vy, _ := c.ReadInt64()

	e := w.ecs.NewEntity()
	w.pos.Add(e, &Position{X: px, Y: py})
	w.vel.Add(e, &Velocity{X: vx, Y: vy})

	w.paths[path] = e
	w.nodes[e] = &entityNode{world: w, entity: e, path: path, owner: owner}
	return nil
}

// Despawn removes the entity at path.
func (w *World) Despawn(path hostbridge.NodePath) error {
	e, ok := w.paths[path]
	if !ok {
		return nil
	}
	w.ecs.RemoveEntity(e)
	delete(w.paths, path)
	delete(w.nodes, e)
	return nil
}

type entityNode struct {
	world  *World
	entity ecs.Entity
	path   hostbridge.NodePath
	owner  peerid.ID
}

func (n *entityNode) Path() hostbridge.NodePath { return n.path }

func (n *entityNode) LoadState(blob []byte) error {
	c := wire.NewCursor(blob)
	px, _ := c.ReadInt64()
	py, _ := c.ReadInt64()
	vx, _ := c.ReadInt64()
	vy, _ := c.ReadInt64()

	pos := n.world.pos.Get(n.entity)
	pos.X, pos.Y = px, py
	vel := n.world.vel.Get(n.entity)
	vel.X, vel.Y = vx, vy
	return nil
}

// NetworkedSpawn takes the same MoverState blob World.Spawn decodes; the
// leading owner id is skipped and the rest is loaded as transform state.
func (n *entityNode) NetworkedSpawn(blob []byte) error {
	c := wire.NewCursor(blob)
	if _, ok := c.ReadFixed(16); !ok {
		return nil
	}
	return n.LoadState(c.ReadRest())
}

func (n *entityNode) NetworkedDespawn() error { return nil }

// NetworkedPreprocess is a no-op: this demo has no cross-node interaction
// that needs to be resolved before everyone advances.
func (n *entityNode) NetworkedPreprocess() {}

// NetworkedProcess applies one tick of constant-velocity motion plus the
// owner peer's intent for the tick being simulated, and returns the
// post-tick state blob the engine snapshots for rollback.
func (n *entityNode) NetworkedProcess() []byte {
	pos := n.world.pos.Get(n.entity)
	vel := n.world.vel.Get(n.entity)

	dx, dy := n.intentDelta()
	pos.X += vel.X + dx
	pos.Y += vel.Y + dy

	buf := wire.NewBuffer()
	buf.WriteInt64(pos.X)
	buf.WriteInt64(pos.Y)
	buf.WriteInt64(vel.X)
	buf.WriteInt64(vel.Y)
	return buf.Bytes()
}

// intentDelta reads the owner's input for the tick being simulated (two
// signed bytes: dx, dy intent in [-1,0,1]) through the world's input
// source.
func (n *entityNode) intentDelta() (int64, int64) {
	if n.world.inputs == nil {
		return 0, 0
	}
	c := wire.NewCursor(n.world.inputs(n.owner))
	dx, ok := c.ReadInt8()
	if !ok {
		return 0, 0
	}
	dy, _ := c.ReadInt8()
	return int64(dx) * scale, int64(dy) * scale
}

func (n *entityNode) LogState() map[string][]byte {
	pos := n.world.pos.Get(n.entity)
	vel := n.world.vel.Get(n.entity)

	buf := wire.NewBuffer()
	buf.WriteInt64(pos.X)
	buf.WriteInt64(pos.Y)
	buf.WriteInt64(vel.X)
	buf.WriteInt64(vel.Y)

	return map[string][]byte{
		"transform": buf.Bytes(),
	}
}
