package rollback

import "testing"

type fakeHost struct {
	spawned   []NodePath
	despawned []NodePath
}

func (h *fakeHost) Spawn(path NodePath, scene string, state []byte) error {
	h.spawned = append(h.spawned, path)
	return nil
}

func (h *fakeHost) Despawn(path NodePath) error {
	h.despawned = append(h.despawned, path)
	return nil
}

func manifestRecord(tick Tick, paths ...NodePath) *FrameRecord {
	record := newFrameRecord(tick)
	for _, p := range paths {
		record.SpawnRecords[p] = SpawnRecord{Name: string(p), Parent: "/", Scene: "demo", State: []byte("x")}
	}
	return record
}

func TestLoadFrameSpawnsManifestEntries(t *testing.T) {
	host := &fakeHost{}
	mgr := NewSpawnManager(host)

	if err := mgr.LoadFrame(manifestRecord(1, "/a", "/b")); err != nil {
		t.Fatalf("LoadFrame: %v", err)
	}
	if !mgr.IsLive("/a") || !mgr.IsLive("/b") {
		t.Fatal("expected both manifest paths to be live after reconciliation")
	}
	if len(host.spawned) != 2 {
		t.Fatalf("expected 2 spawns, got %d", len(host.spawned))
	}
}

func TestLoadFrameIdempotentOnRepeatedCall(t *testing.T) {
	host := &fakeHost{}
	mgr := NewSpawnManager(host)

	record := manifestRecord(1, "/a")
	if err := mgr.LoadFrame(record); err != nil {
		t.Fatalf("first LoadFrame: %v", err)
	}
	firstSpawnCount := len(host.spawned)

	if err := mgr.LoadFrame(record); err != nil {
		t.Fatalf("second LoadFrame: %v", err)
	}

	if len(host.spawned) != firstSpawnCount {
		t.Fatal("a second LoadFrame on the same record must not re-spawn an already-live node")
	}
	if len(host.despawned) != 0 {
		t.Fatal("a second LoadFrame on the same record must not despawn anything new")
	}
}

func TestLoadFrameDespawnsPathsMissingFromManifest(t *testing.T) {
	host := &fakeHost{}
	mgr := NewSpawnManager(host)

	if err := mgr.LoadFrame(manifestRecord(1, "/a")); err != nil {
		t.Fatalf("LoadFrame: %v", err)
	}

	// Rolling back to a tick whose manifest predates /a must tear it down.
	if err := mgr.LoadFrame(manifestRecord(0)); err != nil {
		t.Fatalf("LoadFrame: %v", err)
	}

	if mgr.IsLive("/a") {
		t.Fatal("expected /a to be despawned once absent from the loaded manifest")
	}
	if len(host.despawned) != 1 {
		t.Fatalf("expected exactly one despawn call, got %d", len(host.despawned))
	}
}

func TestForwardSpawnWritesManifestAndDecollidesName(t *testing.T) {
	host := &fakeHost{}
	mgr := NewSpawnManager(host)
	record := newFrameRecord(3)

	first, err := mgr.Spawn(record, "Projectile", "/arena", "projectile", []byte("s"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	second, err := mgr.Spawn(record, "Projectile", "/arena", "projectile", []byte("s"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if first != "/arena/Projectile" {
		t.Fatalf("first spawn should keep the base name, got %q", first)
	}
	if second == first {
		t.Fatal("second spawn under the same base name must get a distinct path")
	}
	if _, ok := record.SpawnRecords[first]; !ok {
		t.Fatal("forward spawn must write its manifest entry")
	}
	if _, ok := record.SpawnRecords[second]; !ok {
		t.Fatal("second forward spawn must write its manifest entry too")
	}
}

func TestDespawnRemovesManifestEntryAndLiveNode(t *testing.T) {
	host := &fakeHost{}
	mgr := NewSpawnManager(host)
	record := newFrameRecord(3)

	path, err := mgr.Spawn(record, "Crate", "/arena", "crate", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := mgr.Despawn(record, path); err != nil {
		t.Fatalf("Despawn: %v", err)
	}

	if mgr.IsLive(path) {
		t.Fatal("despawned node should no longer be live")
	}
	if _, ok := record.SpawnRecords[path]; ok {
		t.Fatal("despawn must remove the manifest entry so rollback doesn't resurrect it")
	}
}
