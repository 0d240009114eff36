package rollback

import (
	"testing"

	"github.com/corvidgames/tickmesh/internal/peerid"
)

func TestSetInputIdempotentAndMarksUpdated(t *testing.T) {
	r := NewRing(8)
	record := r.Get(Tick(3))
	a := peerid.New()

	record.SetInput(a, InputPayload{1, 2, 3})
	if _, ok := record.Input(a); !ok {
		t.Fatal("expected input to be recorded")
	}
	if !record.Updated {
		t.Fatal("SetInput must mark the tick Updated so it gets (re-)simulated")
	}

	record.Simulated = true
	record.Updated = false

	record.SetInput(a, InputPayload{1, 2, 3})
	if !record.Updated {
		t.Fatal("re-inserting an input must re-mark the tick Updated even if already simulated")
	}
	v, _ := record.Input(a)
	if string(v) != string(InputPayload{1, 2, 3}) {
		t.Fatal("re-inserting identical bytes should remain idempotent")
	}
}

func TestMissingInputAndComplete(t *testing.T) {
	r := NewRing(8)
	record := r.Get(Tick(1))
	a, b := peerid.New(), peerid.New()
	roster := []peerid.ID{a, b}

	missing := record.MissingInput(roster)
	if len(missing) != 2 {
		t.Fatalf("expected both peers missing, got %d", len(missing))
	}

	record.SetInput(a, InputPayload{})
	if record.RecomputeComplete(roster) {
		t.Fatal("should not be complete with one peer still missing")
	}

	record.SetInput(b, InputPayload{})
	if !record.RecomputeComplete(roster) {
		t.Fatal("should be complete once every roster peer has an input")
	}
	if len(record.MissingInput(roster)) != 0 {
		t.Fatal("MissingInput should be empty once complete")
	}
}

func TestAvoidNameCollisionFirstThenSuffixed(t *testing.T) {
	r := NewRing(4)
	record := r.Get(Tick(0))

	first := record.AvoidNameCollision("Projectile")
	second := record.AvoidNameCollision("Projectile")
	third := record.AvoidNameCollision("Projectile")

	if first != "Projectile" {
		t.Fatalf("first call should return base name unchanged, got %q", first)
	}
	if second == first || third == first || second == third {
		t.Fatalf("subsequent calls must return distinct suffixed names: %q %q %q", first, second, third)
	}
}

func TestStateHashOnlyComputedOnceAndStable(t *testing.T) {
	r := NewRing(4)
	record := r.Get(Tick(5))
	record.NodeStates["/a"] = []byte{1, 2}
	record.NodeStates["/b"] = []byte{3, 4}

	h1 := record.StateHash()
	h2 := record.StateHash()
	if h1 != h2 {
		t.Fatal("StateHash must be stable across repeated calls")
	}

	other := r.Get(Tick(6))
	other.NodeStates["/b"] = []byte{3, 4}
	other.NodeStates["/a"] = []byte{1, 2}
	// same tick number matters to the hash; build a same-tick record to
	// verify map-iteration-order independence instead.
	third := &FrameRecord{Tick: 5, NodeStates: map[NodePath][]byte{
		"/b": {3, 4},
		"/a": {1, 2},
	}, spawnNameCounters: map[string]int{}}
	if third.StateHash() != h1 {
		t.Fatal("StateHash must not depend on map iteration order")
	}
}

func TestPrefillDefaultDoesNotMarkUpdated(t *testing.T) {
	r := NewRing(8)
	record := r.Get(Tick(0))
	a, b := peerid.New(), peerid.New()

	record.PrefillDefault([]peerid.ID{a, b})

	if record.Updated {
		t.Fatal("prefilled ticks must not be rollback candidates")
	}
	if !record.Complete {
		t.Fatal("prefilled ticks carry every peer's default input and are complete")
	}
	if _, ok := record.Input(a); !ok {
		t.Fatal("prefill must record a default input for each peer")
	}
}

func TestCopySpawnDataCarriesManifestAndCounters(t *testing.T) {
	r := NewRing(8)
	prev := r.Get(Tick(1))
	prev.SpawnRecords["/arena/Crate"] = SpawnRecord{Name: "Crate", Parent: "/arena", Scene: "crate"}
	if got := prev.AvoidNameCollision("Crate"); got != "Crate" {
		t.Fatalf("first collision check should keep the base name, got %q", got)
	}

	next := r.Get(Tick(2))
	next.SpawnRecords["/stale"] = SpawnRecord{Name: "stale"}
	next.CopySpawnDataFrom(prev)

	if _, ok := next.SpawnRecords["/stale"]; ok {
		t.Fatal("CopySpawnDataFrom must replace the manifest, not merge into it")
	}
	if _, ok := next.SpawnRecords["/arena/Crate"]; !ok {
		t.Fatal("manifest entries must carry forward to the next tick")
	}
	if got := next.AvoidNameCollision("Crate"); got == "Crate" {
		t.Fatalf("name counters must survive the copy so the base name stays taken, got %q", got)
	}
}

func TestSetNodeStatesClearsUpdated(t *testing.T) {
	r := NewRing(8)
	record := r.Get(Tick(4))
	record.SetInput(peerid.New(), InputPayload{1})

	record.SetNodeStates(map[NodePath][]byte{"/n": {9}})

	if record.Updated {
		t.Fatal("a tick reflects every known input once its node states are set")
	}
	if !record.Simulated {
		t.Fatal("SetNodeStates marks the tick as simulated")
	}
	if string(record.NodeStates["/n"]) != string([]byte{9}) {
		t.Fatal("node states must be replaced with the supplied snapshot")
	}
}

func TestRingReinitializesSlotOnTickChange(t *testing.T) {
	r := NewRing(4)
	first := r.Get(Tick(0))
	first.SetInput(peerid.New(), InputPayload{1})

	// Tick(4) aliases Tick(0)'s slot given capacity 4.
	reused := r.Get(Tick(4))
	if len(reused.Inputs()) != 0 {
		t.Fatal("Get on a new tick must reset the reused slot's inputs")
	}

	if _, ok := r.Peek(Tick(0)); ok {
		t.Fatal("Peek for the evicted tick should report absent")
	}
}
