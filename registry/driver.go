package registry

import "context"

// Driver is implemented by a concrete registry transport (etcd, ZooKeeper,
// Nacos, HTTP, ...). The controller only ever calls these hooks; it never
// knows about the wire protocol underneath. Every hook must be
// non-blocking enough to run on the single dispatcher goroutine — long
// operations should do their work in a background goroutine and report
// back through the supplied context / returned error.
type Driver interface {
	// Connect establishes the session. Idempotent against redundant
	// calls while already connected.
	Connect(ctx context.Context) error
	// Disconnect tears the session down. Errors are logged, never
	// returned to callers.
	Disconnect(ctx context.Context)
	// Register transmits a single registration.
	Register(ctx context.Context, key URLKey) error
	// Deregister withdraws a single registration.
	Deregister(ctx context.Context, key URLKey) error
	// SubscribeCluster starts streaming cluster events for key,
	// invoking handle for every inbound event (including the initial
	// FULL snapshot).
	SubscribeCluster(ctx context.Context, key URLKey, handle func(ClusterEvent)) error
	// UnsubscribeCluster stops streaming cluster events for key.
	UnsubscribeCluster(ctx context.Context, key URLKey) error
	// SubscribeConfig starts streaming config events for key.
	SubscribeConfig(ctx context.Context, key URLKey, handle func(ConfigEvent)) error
	// UnsubscribeConfig stops streaming config events for key.
	UnsubscribeConfig(ctx context.Context, key URLKey) error
	// Retry reports whether err should be retried by the dispatcher.
	Retry(err error) bool
}

// NopDriver is a Driver that always succeeds immediately, the Go
// equivalent of AbstractRegistry.RegistryController's default hook
// bodies (each returning CompletableFuture.completedFuture(null)). It
// is useful as an embeddable base for drivers that only need to
// override a subset of hooks, and in tests.
type NopDriver struct{}

func (NopDriver) Connect(context.Context) error { return nil }
func (NopDriver) Disconnect(context.Context)    {}
func (NopDriver) Register(context.Context, URLKey) error                              { return nil }
func (NopDriver) Deregister(context.Context, URLKey) error                            { return nil }
func (NopDriver) SubscribeCluster(context.Context, URLKey, func(ClusterEvent)) error   { return nil }
func (NopDriver) UnsubscribeCluster(context.Context, URLKey) error                     { return nil }
func (NopDriver) SubscribeConfig(context.Context, URLKey, func(ConfigEvent)) error     { return nil }
func (NopDriver) UnsubscribeConfig(context.Context, URLKey) error                      { return nil }

// Retry defaults to true unconditionally — the same permissive default
// as the Java original. Drivers that need a more precise policy (e.g.
// EtcdDriver) override it.
func (NopDriver) Retry(error) bool { return true }

// eventPolicy derives (isFullDatum, protectNullDatum) for an inbound
// cluster event, mirroring UpdateEvent.UpdateType.update(url, callback)
// in the Java original: ADD/UPDATE/DELETE are incremental, FULL/CLEAR
// are full; protectNullDatum is a per-subscription URL policy flag.
func eventPolicy(t UpdateType, url URL) (isFullDatum, protectNullDatum bool) {
	return t.isFull(), url.Get("protectNullDatum", "true") == "true"
}
