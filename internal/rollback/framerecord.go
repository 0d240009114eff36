package rollback

import (
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/corvidgames/tickmesh/internal/peerid"
)

// NodePath identifies a host node within its scene tree, mirroring the
// hostbridge Node/Tree contract.
type NodePath string

// SpawnRecord is one entry of a tick's spawn manifest: everything needed to
// resurrect the node at that path if a rollback lands on a tick where it
// must be alive.
type SpawnRecord struct {
	Name   string
	Parent NodePath
	Scene  string
	State  []byte
}

// FrameRecord holds everything needed to replay or verify a single tick:
// the inputs collected for it, the host node states snapshotted after it
// ran, the manifest of nodes that must be alive at its end, and whether it
// has been fully resolved.
type FrameRecord struct {
	Tick Tick

	inputs map[peerid.ID]InputPayload

	// Updated is set whenever an input is inserted for this tick and
	// cleared once the tick has been (re-)simulated; Play's rollback-anchor
	// scan looks for the earliest Updated tick still in the rewind window
	// to decide how far back a resimulation must reach. Complete is set
	// once every remote peer's input has arrived; a tick can be Updated
	// without being Complete (e.g. a late input just arrived for a tick
	// that's still missing others).
	Updated  bool
	Complete bool

	// Simulated reports whether the host has processed this tick at least
	// once, independent of Updated (which goes back to true the moment a
	// new input arrives, even for an already-simulated tick). StateHash
	// comparisons only make sense against a Simulated record.
	Simulated bool

	NodeStates        map[NodePath][]byte
	SpawnRecords      map[NodePath]SpawnRecord
	spawnNameCounters map[string]int

	stateHash    uint64
	stateHashSet bool
}

func newFrameRecord(tick Tick) *FrameRecord {
	return &FrameRecord{
		Tick:              tick,
		inputs:            make(map[peerid.ID]InputPayload),
		NodeStates:        make(map[NodePath][]byte),
		SpawnRecords:      make(map[NodePath]SpawnRecord),
		spawnNameCounters: make(map[string]int),
	}
}

// reset clears a slot for reuse at a new tick, keeping its backing maps.
func (f *FrameRecord) reset(tick Tick) {
	f.Tick = tick
	for k := range f.inputs {
		delete(f.inputs, k)
	}
	f.Updated = false
	f.Complete = false
	f.Simulated = false
	for k := range f.NodeStates {
		delete(f.NodeStates, k)
	}
	for k := range f.SpawnRecords {
		delete(f.SpawnRecords, k)
	}
	for k := range f.spawnNameCounters {
		delete(f.spawnNameCounters, k)
	}
	f.stateHash = 0
	f.stateHashSet = false
}

// SetInput records sender's input for this tick and marks it Updated:
// inserting an input, whether the tick's first or a late arrival for one
// already simulated, always means the tick needs to be (re-)simulated.
// It also invalidates any previously computed state hash; the caller
// recomputes Complete against the remote peer roster.
func (f *FrameRecord) SetInput(sender peerid.ID, input InputPayload) {
	f.inputs[sender] = input
	f.Updated = true
	f.stateHashSet = false
}

// PrefillDefault seeds this tick with the default (empty) input for every
// peer without marking it Updated, so the first ticks of a run are never
// rollback candidates.
func (f *FrameRecord) PrefillDefault(peers []peerid.ID) {
	for _, p := range peers {
		f.inputs[p] = InputPayload{}
	}
	f.Complete = true
}

// Input returns sender's recorded input for this tick, if any.
func (f *FrameRecord) Input(sender peerid.ID) (InputPayload, bool) {
	v, ok := f.inputs[sender]
	return v, ok
}

// Inputs returns every input recorded for this tick, keyed by sender.
func (f *FrameRecord) Inputs() map[peerid.ID]InputPayload {
	return f.inputs
}

// MissingInput returns the subset of roster that has not yet supplied an
// input for this tick, in the order those peers appear in roster.
func (f *FrameRecord) MissingInput(roster []peerid.ID) []peerid.ID {
	var missing []peerid.ID
	for _, p := range roster {
		if _, ok := f.inputs[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// RecomputeComplete sets Complete based on whether every member of roster
// has a recorded input, returning the new value.
func (f *FrameRecord) RecomputeComplete(roster []peerid.ID) bool {
	f.Complete = len(f.MissingInput(roster)) == 0
	return f.Complete
}

// AvoidNameCollision returns a spawn name derived from base that has not
// yet been used within this tick. The first use of a base name within a
// tick returns it unchanged; later uses get the per-tick counter appended,
// which every peer computes identically since spawns replay in tick order.
// The counter survives CopySpawnDataFrom so resurrection during rollback
// reproduces the same names.
func (f *FrameRecord) AvoidNameCollision(base string) string {
	f.spawnNameCounters[base]++
	n := f.spawnNameCounters[base]
	if n == 1 {
		return base
	}
	return base + strconv.Itoa(n)
}

// CopySpawnDataFrom replaces this tick's spawn manifest and name counters
// with a copy of prev's, so ticks that were never themselves updated still
// inherit the spawn state of the tick before them during resimulation.
func (f *FrameRecord) CopySpawnDataFrom(prev *FrameRecord) {
	for k := range f.SpawnRecords {
		delete(f.SpawnRecords, k)
	}
	for k, v := range prev.SpawnRecords {
		f.SpawnRecords[k] = v
	}
	for k := range f.spawnNameCounters {
		delete(f.spawnNameCounters, k)
	}
	for k, v := range prev.spawnNameCounters {
		f.spawnNameCounters[k] = v
	}
}

// SetNodeStates replaces this tick's node-state snapshot with the host's
// freshly simulated states, clearing Updated: the tick now reflects every
// input it knows about.
func (f *FrameRecord) SetNodeStates(states map[NodePath][]byte) {
	for k := range f.NodeStates {
		delete(f.NodeStates, k)
	}
	for k, v := range states {
		f.NodeStates[k] = v
	}
	f.Updated = false
	f.Simulated = true
	f.stateHashSet = false
}

// StateHash computes (and caches) the FNV-1a checksum of this tick's node
// states, used for desync detection between peers. The hash is stable
// under map iteration order because keys are sorted first.
func (f *FrameRecord) StateHash() uint64 {
	if f.stateHashSet {
		return f.stateHash
	}

	paths := make([]string, 0, len(f.NodeStates))
	for p := range f.NodeStates {
		paths = append(paths, string(p))
	}
	sort.Strings(paths)

	h := fnv.New64a()
	var tickBuf [8]byte
	putUint64(tickBuf[:], uint64(f.Tick))
	h.Write(tickBuf[:])

	for _, p := range paths {
		h.Write([]byte(p))
		h.Write(f.NodeStates[NodePath(p)])
	}

	f.stateHash = h.Sum64()
	f.stateHashSet = true
	return f.stateHash
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Ring is a fixed-capacity array of FrameRecord slots indexed by
// tick modulo capacity. A tick older than the current tick by more than
// capacity has been overwritten and can no longer be rolled back to; the
// Play stage is responsible for never retiring inputs it still needs by
// keeping capacity comfortably larger than the maximum expected rollback
// depth.
type Ring struct {
	slots    []*FrameRecord
	capacity int
}

func NewRing(capacity int) *Ring {
	slots := make([]*FrameRecord, capacity)
	for i := range slots {
		slots[i] = newFrameRecord(Tick(i))
	}
	return &Ring{slots: slots, capacity: capacity}
}

func (r *Ring) index(tick Tick) int {
	return int(uint64(tick) % uint64(r.capacity))
}

// Get returns the slot for tick without resetting it, reinitializing it in
// place if the slot currently holds a different tick.
func (r *Ring) Get(tick Tick) *FrameRecord {
	slot := r.slots[r.index(tick)]
	if slot.Tick != tick {
		slot.reset(tick)
	}
	return slot
}

// Peek returns the slot for tick only if it currently holds that exact
// tick, without reinitializing it.
func (r *Ring) Peek(tick Tick) (*FrameRecord, bool) {
	slot := r.slots[r.index(tick)]
	if slot.Tick != tick {
		return nil, false
	}
	return slot, true
}

func (r *Ring) Capacity() int { return r.capacity }
