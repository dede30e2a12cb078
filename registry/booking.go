package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// booking is the shared base of ClusterBooking and ConfigBooking: a
// per-subscription server-side shadow holding the merge version, the
// full-snapshot flag, the handler fan-out bus and the lifecycle
// future. Merges (Handle) are serialized by mu, whichever goroutine the
// driver calls them from; datum/full are published through atomics so
// handler goroutines always observe a consistent snapshot (spec.md §9).
type booking[T any] struct {
	URLKey

	version       atomic.Int64
	full          atomic.Bool
	lastEventTime atomic.Int64

	future    *StateFuture
	publisher *publisher[T]
	onDirty   func()

	mu sync.Mutex // serializes handle() per booking
}

func newBooking[T any](key URLKey, onDirty func()) booking[T] {
	b := booking[T]{
		URLKey:    key,
		future:    NewStateFuture(),
		publisher: newPublisher[T](),
		onDirty:   onDirty,
	}
	b.version.Store(-1)
	b.publisher.start()
	return b
}

func (b *booking[T]) Version() int64 { return b.version.Load() }
func (b *booking[T]) Full() bool     { return b.full.Load() }
func (b *booking[T]) Future() *StateFuture { return b.future }

func (b *booking[T]) touchEventTime() {
	b.lastEventTime.Store(time.Now().UnixMilli())
}

func (b *booking[T]) markDirty() {
	if b.onDirty != nil {
		b.onDirty()
	}
}

// close tears the booking's publisher down; called once its last
// handler is removed.
func (b *booking[T]) close() {
	b.publisher.close()
}

// ---- ClusterBooking ----

// ClusterBooking merges a versioned stream of full/incremental cluster
// events into a coherent full-dataset view and fans the result out to
// handlers. This is the most intricate contract in the package — see
// spec.md §4.3 for the merge rules it implements verbatim.
type ClusterBooking struct {
	booking[ClusterEvent]

	datum  atomic.Pointer[map[string]Shard]
	events map[string]ShardEvent // pending deltas before first full snapshot; guarded by mu
}

func newClusterBooking(key URLKey, onDirty func()) *ClusterBooking {
	return &ClusterBooking{booking: newBooking[ClusterEvent](key, onDirty)}
}

// Persistable reports whether this booking holds a non-empty full
// snapshot worth backing up.
func (c *ClusterBooking) Persistable() bool {
	d := c.datum.Load()
	return c.Full() && d != nil && len(*d) > 0
}

// Snapshot returns the current merged view. Safe to call from any
// goroutine.
func (c *ClusterBooking) Snapshot() map[string]Shard {
	d := c.datum.Load()
	if d == nil {
		return nil
	}
	cp := make(map[string]Shard, len(*d))
	for k, v := range *d {
		cp[k] = v
	}
	return cp
}

func (c *ClusterBooking) fullEvent() ClusterEvent {
	d := c.datum.Load()
	shards := make([]ShardEvent, 0)
	if d != nil {
		for _, s := range *d {
			shards = append(shards, ShardEvent{Shard: s, Type: ShardAdd})
		}
	}
	return ClusterEvent{Source: c, Type: EventFull, Version: c.Version(), Shards: shards}
}

// AddHandler registers handler, identified by id, delivering a
// synthetic FULL event immediately if the booking already holds a full
// (and ready) snapshot — spec.md §3 invariant.
func (c *ClusterBooking) AddHandler(id uint64, handler ClusterHandler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.publisher.addHandler(id, func(e ClusterEvent) { handler.HandleCluster(e) })
	if ok && c.Full() {
		e := c.fullEvent()
		e.Target = handler
		c.publisher.offerTo(id, e)
	}
	return ok
}

// RemoveHandler unregisters the handler identified by id. If this was
// the last handler, cleaner is invoked with the booking's key so the
// parent map can evict it, and the booking is closed.
func (c *ClusterBooking) RemoveHandler(id uint64, cleaner func(key string)) bool {
	c.mu.Lock()
	removed := c.publisher.removeHandler(id)
	empty := removed && c.publisher.size() == 0
	c.mu.Unlock()
	if empty {
		cleaner(c.Key)
		c.close()
	}
	return removed
}

func applyShardEvents(cluster map[string]Shard, events []ShardEvent, protectNullDatum bool) {
	for _, e := range events {
		switch e.Type {
		case ShardAdd, ShardUpdate:
			cluster[e.Shard.Name] = e.Shard
		case ShardDelete:
			if len(cluster) > 1 || !protectNullDatum {
				delete(cluster, e.Shard.Name)
			}
		}
	}
}

func mergePendingEvents(events map[string]ShardEvent, shards []ShardEvent) map[string]ShardEvent {
	if events == nil {
		events = make(map[string]ShardEvent)
	}
	for _, e := range shards {
		events[e.Shard.Name] = e
	}
	return events
}

// Handle merges one inbound ClusterEvent into the booking's view and
// publishes the resulting user-visible event(s). Drivers may call it
// from any goroutine; calls are serialized by the booking's mutex, so
// it is the serialized merge point for this booking.
func (c *ClusterBooking) Handle(event ClusterEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchEventTime()
	isFullDatum, protectNullDatum := eventPolicy(event.Type, c.URL)

	full := c.Full()
	version := c.Version()

	// Rule 3: no full snapshot yet and event is incremental — buffer it.
	if !full && !isFullDatum {
		if event.Version > version {
			c.events = mergePendingEvents(c.events, event.Shards)
			c.version.Store(event.Version)
		}
		return
	}
	// Rule 4: stale event once we have a full snapshot.
	if full && version >= event.Version {
		return
	}

	// Rule 5: incremental events start from a copy of the current datum.
	var cluster map[string]Shard
	if !isFullDatum {
		if d := c.datum.Load(); d != nil {
			cluster = make(map[string]Shard, len(*d))
			for k, v := range *d {
				cluster[k] = v
			}
		} else {
			cluster = make(map[string]Shard)
		}
	} else {
		cluster = make(map[string]Shard)
	}
	applyShardEvents(cluster, event.Shards, protectNullDatum)

	// Rule 7: null-protection guard.
	if full && len(cluster) == 0 && protectNullDatum {
		logger.Printf("registry: dropping cluster update for %s that would empty a protected datum, version=%d", c.Key, event.Version)
		if event.Version > version {
			c.version.Store(event.Version)
		}
		return
	}

	// Rule 8: the first full snapshot replays whatever incremental
	// deltas were buffered while we had no base to merge them into —
	// they were produced before this snapshot was ever established, so
	// they may cover shards the snapshot itself missed (e.g. a
	// register that landed between the driver's initial Get and the
	// start of its Watch stream).
	if isFullDatum && !full && len(c.events) > 0 {
		pending := make([]ShardEvent, 0, len(c.events))
		for _, e := range c.events {
			pending = append(pending, e)
		}
		applyShardEvents(cluster, pending, protectNullDatum)
	}
	c.events = nil

	wasFull := full
	c.datum.Store(&cluster)
	if event.Version > version {
		version = event.Version
	}
	c.version.Store(version)
	if isFullDatum && !wasFull {
		// Must be the last write: handler goroutines must never see
		// full=true with a stale datum.
		c.full.Store(true)
	}

	if c.Full() {
		switch {
		case event.Type == EventClear:
			c.publisher.offer(ClusterEvent{Source: c, Type: EventClear, Version: version, Shards: event.Shards})
		case !wasFull:
			c.publisher.offer(c.fullEvent())
		default:
			c.publisher.offer(ClusterEvent{Source: c, Type: event.Type, Version: version, Shards: event.Shards})
		}
		c.markDirty()
	}
}

// ---- ConfigBooking ----

// ConfigBooking merges full-replacement config updates. Unlike
// clusters, config has no incremental form: every event either
// replaces the whole map or is dropped as stale.
type ConfigBooking struct {
	booking[ConfigEvent]

	datum atomic.Pointer[map[string]string]
}

func newConfigBooking(key URLKey, onDirty func()) *ConfigBooking {
	return &ConfigBooking{booking: newBooking[ConfigEvent](key, onDirty)}
}

func (c *ConfigBooking) Persistable() bool {
	return c.Full() && c.datum.Load() != nil
}

func (c *ConfigBooking) Snapshot() map[string]string {
	d := c.datum.Load()
	if d == nil {
		return nil
	}
	cp := make(map[string]string, len(*d))
	for k, v := range *d {
		cp[k] = v
	}
	return cp
}

func (c *ConfigBooking) fullEvent() ConfigEvent {
	return ConfigEvent{Source: c, Version: c.Version(), Datum: c.Snapshot()}
}

func (c *ConfigBooking) AddHandler(id uint64, handler ConfigHandler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.publisher.addHandler(id, func(e ConfigEvent) { handler.HandleConfig(e) })
	if ok && c.Full() {
		c.publisher.offerTo(id, c.fullEvent())
	}
	return ok
}

func (c *ConfigBooking) RemoveHandler(id uint64, cleaner func(key string)) bool {
	c.mu.Lock()
	removed := c.publisher.removeHandler(id)
	empty := removed && c.publisher.size() == 0
	c.mu.Unlock()
	if empty {
		cleaner(c.Key)
		c.close()
	}
	return removed
}

// Handle merges one inbound ConfigEvent. Calls are serialized by the
// booking's mutex.
func (c *ConfigBooking) Handle(event ConfigEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchEventTime()
	if c.datum.Load() == nil || event.Version > c.Version() {
		datum := event.Datum
		if datum == nil {
			datum = make(map[string]string)
		}
		cp := make(map[string]string, len(datum))
		for k, v := range datum {
			cp[k] = v
		}
		c.datum.Store(&cp)
		c.version.Store(event.Version)
		c.full.Store(true)
		c.publisher.offer(c.fullEvent())
		c.markDirty()
	}
}
