package registry

import (
	"testing"
	"time"
)

func collectClusterEvents(t *testing.T, b *ClusterBooking) (<-chan ClusterEvent, uint64) {
	t.Helper()
	ch := make(chan ClusterEvent, 16)
	id := nextSubscriptionID()
	if !b.AddHandler(id, ClusterHandlerFunc(func(e ClusterEvent) { ch <- e })) {
		t.Fatal("AddHandler failed")
	}
	return ch, id
}

func recvEvent(t *testing.T, ch <-chan ClusterEvent) ClusterEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ClusterEvent{}
	}
}

func shard(name string, weight int) Shard {
	return Shard{Name: name, URL: NewURL("tcp", name, nil), Weight: weight}
}

// TestClusterBookingReplaysPendingDeltasIntoFirstFullSnapshot mirrors
// S3: ADD{s1,v=1}, ADD{s2,v=2} arrive before any full snapshot, then
// FULL{s1,s3,v=5}. The handler must see exactly one FULL event
// carrying {s1, s2, s3}.
func TestClusterBookingReplaysPendingDeltasIntoFirstFullSnapshot(t *testing.T) {
	b := newClusterBooking(newURLKey(NewURL("tcp", "Arith", nil), "Arith&type=cluster"), nil)
	ch, _ := collectClusterEvents(t, b)

	b.Handle(ClusterEvent{Type: EventAdd, Version: 1, Shards: []ShardEvent{{Shard: shard("s1", 1), Type: ShardAdd}}})
	b.Handle(ClusterEvent{Type: EventAdd, Version: 2, Shards: []ShardEvent{{Shard: shard("s2", 1), Type: ShardAdd}}})
	if b.Full() {
		t.Fatal("booking should not be full before any FULL/CLEAR event")
	}

	b.Handle(ClusterEvent{Type: EventFull, Version: 5, Shards: []ShardEvent{
		{Shard: shard("s1", 9), Type: ShardAdd},
		{Shard: shard("s3", 9), Type: ShardAdd},
	}})
	e := recvEvent(t, ch)
	if e.Type != EventFull {
		t.Fatalf("expected synthesized FULL event, got %v", e.Type)
	}
	snap := b.Snapshot()
	for _, name := range []string{"s1", "s2", "s3"} {
		if _, ok := snap[name]; !ok {
			t.Fatalf("expected %s in the merged snapshot, got %v", name, snap)
		}
	}
	if !b.Full() {
		t.Fatal("booking should be full after the first FULL event")
	}

	select {
	case e := <-ch:
		t.Fatalf("expected exactly one event, got an extra %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClusterBookingDropsStaleEventsOnceFull(t *testing.T) {
	b := newClusterBooking(newURLKey(NewURL("tcp", "Arith", nil), "Arith&type=cluster"), nil)
	ch, _ := collectClusterEvents(t, b)

	b.Handle(ClusterEvent{Type: EventFull, Version: 5, Shards: []ShardEvent{{Shard: shard("a", 1), Type: ShardAdd}}})
	recvEvent(t, ch) // synthesized FULL

	// Rule 4: version <= current version is dropped entirely.
	b.Handle(ClusterEvent{Type: EventUpdate, Version: 5, Shards: []ShardEvent{{Shard: shard("a", 99), Type: ShardUpdate}}})
	select {
	case e := <-ch:
		t.Fatalf("expected no event for a stale version, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}
	if b.Snapshot()["a"].Weight != 1 {
		t.Fatal("stale event must not mutate the merged view")
	}
}

func TestClusterBookingIncrementalUpdateAfterFull(t *testing.T) {
	b := newClusterBooking(newURLKey(NewURL("tcp", "Arith", nil), "Arith&type=cluster"), nil)
	ch, _ := collectClusterEvents(t, b)

	b.Handle(ClusterEvent{Type: EventFull, Version: 1, Shards: []ShardEvent{{Shard: shard("a", 1), Type: ShardAdd}}})
	recvEvent(t, ch)

	b.Handle(ClusterEvent{Type: EventUpdate, Version: 2, Shards: []ShardEvent{{Shard: shard("a", 2), Type: ShardUpdate}}})
	e := recvEvent(t, ch)
	if e.Type != EventUpdate {
		t.Fatalf("expected an UPDATE event, got %v", e.Type)
	}
	if b.Snapshot()["a"].Weight != 2 {
		t.Fatal("expected the merged view to reflect the update")
	}
}

func TestClusterBookingProtectsNullDatum(t *testing.T) {
	url := NewURL("tcp", "Arith", map[string]string{"protectNullDatum": "true"})
	b := newClusterBooking(newURLKey(url, "Arith&type=cluster"), nil)
	ch, _ := collectClusterEvents(t, b)

	b.Handle(ClusterEvent{Type: EventFull, Version: 1, Shards: []ShardEvent{{Shard: shard("a", 1), Type: ShardAdd}}})
	recvEvent(t, ch)

	// Rule 7: a subsequent FULL/CLEAR snapshot that would wipe an
	// already-populated, protected datum down to nothing is dropped —
	// the last known-good view is kept.
	b.Handle(ClusterEvent{Type: EventFull, Version: 2, Shards: nil})
	select {
	case e := <-ch:
		t.Fatalf("expected the emptying snapshot to be dropped, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}
	if len(b.Snapshot()) != 1 {
		t.Fatal("protected datum must not be emptied")
	}
}

func TestClusterBookingAddHandlerAfterFullGetsSyntheticFull(t *testing.T) {
	b := newClusterBooking(newURLKey(NewURL("tcp", "Arith", nil), "Arith&type=cluster"), nil)
	b.Handle(ClusterEvent{Type: EventFull, Version: 1, Shards: []ShardEvent{{Shard: shard("a", 1), Type: ShardAdd}}})

	ch := make(chan ClusterEvent, 1)
	id := nextSubscriptionID()
	b.AddHandler(id, ClusterHandlerFunc(func(e ClusterEvent) { ch <- e }))

	e := recvEvent(t, ch)
	if e.Type != EventFull {
		t.Fatalf("expected a synthetic FULL event on join, got %v", e.Type)
	}
}

func TestClusterBookingMarkDirtyCalledOnFullEvent(t *testing.T) {
	var dirty int
	b := newClusterBooking(newURLKey(NewURL("tcp", "Arith", nil), "Arith&type=cluster"), func() { dirty++ })
	b.Handle(ClusterEvent{Type: EventFull, Version: 1, Shards: nil})
	if dirty != 1 {
		t.Fatalf("expected onDirty to fire once, fired %d times", dirty)
	}
}

func TestConfigBookingFullReplacementOnly(t *testing.T) {
	b := newConfigBooking(newURLKey(NewURL("tcp", "", map[string]string{}), "GLOBAL_SETTING"), nil)
	ch := make(chan ConfigEvent, 4)
	id := nextSubscriptionID()
	b.AddHandler(id, ConfigHandlerFunc(func(e ConfigEvent) { ch <- e }))

	b.Handle(ConfigEvent{Version: 1, Datum: map[string]string{"a": "1"}})
	e1 := <-ch
	if e1.Datum["a"] != "1" {
		t.Fatal("expected first datum delivered")
	}

	b.Handle(ConfigEvent{Version: 1, Datum: map[string]string{"a": "2"}})
	select {
	case e := <-ch:
		t.Fatalf("expected stale version to be dropped, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}

	b.Handle(ConfigEvent{Version: 2, Datum: map[string]string{"b": "2"}})
	e2 := <-ch
	if _, ok := e2.Datum["a"]; ok {
		t.Fatal("expected full replacement to drop the old key entirely")
	}
	if e2.Datum["b"] != "2" {
		t.Fatal("expected the new datum to be present")
	}
}
