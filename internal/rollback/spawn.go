package rollback

import "sort"

// Host is the subset of the hostbridge contract the spawn manager needs to
// drive spawn and despawn calls during reconciliation: instantiate a scene
// under a path with an initial state blob, or tear the node at a path down.
type Host interface {
	Spawn(path NodePath, scene string, state []byte) error
	Despawn(path NodePath) error
}

// SpawnEvent reports one reconciliation decision, for the event log.
type SpawnEvent struct {
	Frame   Tick
	Path    NodePath
	Despawn bool
}

// SpawnManager reconciles the host's live spawned-node set against a tick's
// spawn manifest: whatever is alive but absent from the manifest is
// despawned, whatever the manifest lists but isn't alive is resurrected
// from its SpawnRecord.
type SpawnManager struct {
	host Host

	// live tracks every node path this manager currently believes is
	// spawned, regardless of which tick spawned it.
	live map[NodePath]struct{}

	events func(SpawnEvent)
}

func NewSpawnManager(host Host) *SpawnManager {
	return &SpawnManager{
		host: host,
		live: make(map[NodePath]struct{}),
	}
}

// SetEventSink installs a callback invoked for every spawn/despawn the
// manager performs, wired by the engine to the event log.
func (m *SpawnManager) SetEventSink(fn func(SpawnEvent)) {
	m.events = fn
}

func (m *SpawnManager) emit(e SpawnEvent) {
	if m.events != nil {
		m.events(e)
	}
}

// LoadFrame reconciles the host's live node set against record's manifest.
// Despawns run before spawns so a path that died and was reborn under the
// same name within the window never collides. Paths are visited in sorted
// order so every peer reconciles identically.
func (m *SpawnManager) LoadFrame(record *FrameRecord) error {
	var gone []NodePath
	for path := range m.live {
		if _, wanted := record.SpawnRecords[path]; !wanted {
			gone = append(gone, path)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, path := range gone {
		if err := m.host.Despawn(path); err != nil {
			return err
		}
		delete(m.live, path)
		m.emit(SpawnEvent{Frame: record.Tick, Path: path, Despawn: true})
	}

	var missing []NodePath
	for path := range record.SpawnRecords {
		if _, alive := m.live[path]; !alive {
			missing = append(missing, path)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	for _, path := range missing {
		sr := record.SpawnRecords[path]
		if err := m.host.Spawn(path, sr.Scene, sr.State); err != nil {
			return err
		}
		m.live[path] = struct{}{}
		m.emit(SpawnEvent{Frame: record.Tick, Path: path})
	}

	return nil
}

// Spawn is the forward-direction caller: the host requested a new node
// during the current tick's simulation. The name is de-collided against the
// tick's counter, the node is instantiated immediately, and the manifest
// entry is written so rollback can resurrect it.
func (m *SpawnManager) Spawn(record *FrameRecord, name string, parent NodePath, scene string, state []byte) (NodePath, error) {
	resolved := record.AvoidNameCollision(name)
	path := parent + NodePath("/"+resolved)

	if err := m.host.Spawn(path, scene, state); err != nil {
		return "", err
	}

	record.SpawnRecords[path] = SpawnRecord{Name: resolved, Parent: parent, Scene: scene, State: state}
	m.live[path] = struct{}{}
	m.emit(SpawnEvent{Frame: record.Tick, Path: path})
	return path, nil
}

// Despawn removes path from the current tick's manifest and tears the live
// node down.
func (m *SpawnManager) Despawn(record *FrameRecord, path NodePath) error {
	if _, alive := m.live[path]; alive {
		if err := m.host.Despawn(path); err != nil {
			return err
		}
		delete(m.live, path)
	}
	delete(record.SpawnRecords, path)
	m.emit(SpawnEvent{Frame: record.Tick, Path: path, Despawn: true})
	return nil
}

// IsLive reports whether path is currently believed to be spawned.
func (m *SpawnManager) IsLive(path NodePath) bool {
	_, ok := m.live[path]
	return ok
}

// LiveNodes returns every path the manager currently believes is spawned.
func (m *SpawnManager) LiveNodes() []NodePath {
	out := make([]NodePath, 0, len(m.live))
	for p := range m.live {
		out = append(out, p)
	}
	return out
}
