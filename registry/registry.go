package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var clientIDs atomic.Uint64

// registerKey projects every parameter of url (sorted) into a single
// canonical string — the Go rendering of Java's
// url.toString(false, true, url.getParameters().keySet()...) used to
// derive registration identity.
func registerKey(url URL) string {
	fields := make([]string, 0, len(url.Params))
	for k := range url.Params {
		fields = append(fields, k)
	}
	return url.CanonicalKey(fields...)
}

func clusterKey(url URL) string {
	return registerKey(url) + "&type=cluster"
}

// configKey falls back to the literal GLOBAL_SETTING bucket when url
// carries no path, mirroring the Java original's handling of
// registry-wide (rather than per-service) configuration.
func configKey(url URL) string {
	if url.Path == "" {
		return "GLOBAL_SETTING"
	}
	return registerKey(url) + "&type=config"
}

// Client is the facade component (component I, spec.md §2): the public
// entry point wrapping one lifecycle-bearing controller. It owns the
// registration and subscription sets; the controller only ever reads
// them back through the query methods below.
type Client struct {
	url    URL
	driver Driver

	name                 string
	maxConnectRetryTimes int
	taskRetryInterval    time.Duration
	backup               Backup

	region     string
	dataCenter string
	id         uint64

	st state

	controllerMu sync.Mutex
	ctrl         *controller
	openFuture   *Future[struct{}]

	regsMu sync.Mutex
	regs   map[string]*registion

	clusterSubsMu sync.Mutex
	clusterSubs   map[string][]*clusterSubscription

	configSubsMu sync.Mutex
	configSubs   map[string][]*configSubscription
}

// NewClient builds a Client bound to driver, deriving its options from
// url's parameters: name, maxConnectRetryTimes (default -1, unbounded),
// taskRetryInterval (milliseconds, default 1000), region, dataCenter
// and backupDir (enables file-based persistence when set).
func NewClient(url URL, driver Driver) (*Client, error) {
	name := url.Get("name", url.Path)
	if name == "" {
		name = "default"
	}
	c := &Client{
		url:                  url,
		driver:               driver,
		name:                 name,
		maxConnectRetryTimes: url.GetInt("maxConnectRetryTimes", -1),
		taskRetryInterval:    time.Duration(url.GetInt64("taskRetryInterval", 1000)) * time.Millisecond,
		region:               url.Get("region", ""),
		dataCenter:           url.Get("dataCenter", ""),
		id:                   clientIDs.Add(1),
		regs:                 make(map[string]*registion),
		clusterSubs:          make(map[string][]*clusterSubscription),
		configSubs:           make(map[string][]*configSubscription),
	}
	if dir := url.Get("backupDir", ""); dir != "" {
		b, err := NewFileBackup(dir)
		if err != nil {
			return nil, err
		}
		c.backup = b
	}
	return c, nil
}

// Name, URL, Region, DataCenter and ID are read-only accessors carried
// over from the original implementation's registry bookkeeping.
func (c *Client) Name() string       { return c.name }
func (c *Client) URL() URL           { return c.url }
func (c *Client) Region() string     { return c.region }
func (c *Client) DataCenter() string { return c.dataCenter }
func (c *Client) ID() uint64         { return c.id }

func (c *Client) currentController() *controller {
	c.controllerMu.Lock()
	defer c.controllerMu.Unlock()
	return c.ctrl
}

// isOpenController reports whether ctrl is still the Client's live
// controller and the Client has not started closing — the guard every
// dispatcher task checks before touching shared registration/
// subscription state.
func (c *Client) isOpenController(ctrl *controller) bool {
	if c.currentController() != ctrl {
		return false
	}
	switch c.st.get() {
	case stateOpen, stateOpening:
		return true
	default:
		return false
	}
}

func (c *Client) hasRegistration(key string) bool {
	c.regsMu.Lock()
	defer c.regsMu.Unlock()
	_, ok := c.regs[key]
	return ok
}

func (c *Client) forEachRegistration(fn func(*registion)) {
	c.regsMu.Lock()
	regs := make([]*registion, 0, len(c.regs))
	for _, r := range c.regs {
		regs = append(regs, r)
	}
	c.regsMu.Unlock()
	for _, r := range regs {
		fn(r)
	}
}

// ---- lifecycle ----

// Open connects the registry and starts its dispatcher. Calling Open
// while already OPEN returns an already-resolved future; calling it
// again while still OPENING returns the same in-flight future every
// racing caller gets notified together — property 1 of the testable
// invariants. Calling it while CLOSING fails with ErrAlreadyOpen,
// since there is no live open attempt to hand back.
func (c *Client) Open() *Future[struct{}] {
	if c.st.compareAndSet(stateClosed, stateOpening) {
		future := NewFuture[struct{}]()
		ctrl := newController(c, c.driver)
		c.controllerMu.Lock()
		c.ctrl = ctrl
		c.openFuture = future
		c.controllerMu.Unlock()

		inner := ctrl.open()
		go func() {
			_, err := inner.Wait(context.Background())
			if err != nil {
				c.st.set(stateClosed)
				future.Fail(err)
				return
			}
			c.st.set(stateOpen)
			future.Complete(struct{}{})
		}()
		return future
	}

	if c.st.get() == stateOpen {
		return CompletedFuture(struct{}{})
	}
	c.controllerMu.Lock()
	inFlight := c.openFuture
	c.controllerMu.Unlock()
	if inFlight != nil && c.st.get() == stateOpening {
		return inFlight
	}
	fut := NewFuture[struct{}]()
	fut.Fail(fmt.Errorf("registry: %w", ErrAlreadyOpen))
	return fut
}

// Close disconnects the registry, deregistering/unsubscribing
// everything still outstanding first. Calling Close while already
// CLOSED or CLOSING is idempotent.
func (c *Client) Close() *Future[struct{}] {
	if !c.st.compareAndSet(stateOpen, stateClosing) {
		if !c.st.compareAndSet(stateOpening, stateClosing) {
			return CompletedFuture(struct{}{})
		}
	}

	ctrl := c.currentController()
	future := NewFuture[struct{}]()
	if ctrl == nil {
		c.forEachRegistration(func(r *registion) { r.close() })
		c.st.set(stateClosed)
		future.Complete(struct{}{})
		return future
	}
	inner := ctrl.close()
	go func() {
		_, _ = inner.Wait(context.Background())
		// ctrl.close() has drained unregister() by now, which reads
		// each Registion's open future to decide whether it ever
		// succeeded and needs a deregister. Only once that has run do
		// we bump every Registion's StateFuture: a registration map
		// survives close/reopen (it is facade-owned), so bumping it
		// any earlier would hand unregister() a fresh, not-yet-done
		// open future and it would skip deregistering everything —
		// and bumping it at all is still required, or a completed
		// open future from before this close would be handed straight
		// back out by recover() on the next open, as if the new
		// controller had already re-registered it.
		c.forEachRegistration(func(r *registion) { r.close() })
		c.st.set(stateClosed)
		future.Complete(struct{}{})
	}()
	return future
}

// ---- registration (spec.md §4.1) ----

// Register adds a reference to url's registration, creating it and,
// when OPEN, enqueueing the first register task if this is the first
// reference. Calling it while OPENING or CLOSING still creates/bumps
// the registration — only the controller-task enqueue is gated on
// being OPEN, so a pending registration is replayed by recover() once
// a connection succeeds rather than being dropped. The returned future
// resolves once the registration has actually reached the remote
// registry.
func (c *Client) Register(url URL) *Future[URL] {
	key := registerKey(url)

	c.regsMu.Lock()
	r, existed := c.regs[key]
	if !existed {
		r = newRegistion(newURLKey(url, key))
		c.regs[key] = r
	}
	c.regsMu.Unlock()

	if !existed {
		c.st.whenOpen(func() {
			c.currentController().addRegisterTask(r, time.Now())
		})
	}
	r.addRef()
	return r.Future().OpenFuture()
}

// Deregister drops a reference to url's registration. The ref-count
// decrement and removal from the registration map happen unconditionally;
// only the deregister task enqueue is gated on being OPEN — while
// OPENING or CLOSING there is nothing live to deregister from, so the
// close future is completed immediately instead of waiting on a task
// that will never run.
func (c *Client) Deregister(url URL, maxRetryTimes int) *Future[URL] {
	key := registerKey(url)

	c.regsMu.Lock()
	r, ok := c.regs[key]
	if !ok {
		c.regsMu.Unlock()
		return CompletedFuture(url)
	}
	if left := r.decRef(); left > 0 {
		c.regsMu.Unlock()
		return CompletedFuture(url)
	}
	delete(c.regs, key)
	c.regsMu.Unlock()

	r.close()
	fut := r.Future().OrNewCloseFuture()
	enqueued := false
	c.st.whenOpen(func() {
		fut = c.currentController().addDeregisterTask(r, time.Now(), 0, maxRetryTimes)
		enqueued = true
	})
	if !enqueued {
		fut.Complete(url)
	}
	return fut
}

// ---- cluster subscription (spec.md §4.1/§4.3) ----

// SubscribeCluster registers handler for url's cluster. Subscribing
// the same (url, handler) pair twice is a no-op — property 5. The
// subscription set is updated unconditionally; only the controller
// subscribe-task enqueue is gated on being OPEN, so a subscription
// added while OPENING is replayed by recover() once connected.
func (c *Client) SubscribeCluster(url URL, handler ClusterHandler) error {
	key := clusterKey(url)
	sub := newClusterSubscription(url, key, handler)

	c.clusterSubsMu.Lock()
	duplicate := false
	for _, s := range c.clusterSubs[key] {
		if s.equal(sub) {
			duplicate = true
			break
		}
	}
	if !duplicate {
		c.clusterSubs[key] = append(c.clusterSubs[key], sub)
	}
	c.clusterSubsMu.Unlock()

	if !duplicate {
		c.st.whenOpen(func() {
			c.currentController().subscribeCluster(sub)
		})
	}
	return nil
}

// UnsubscribeCluster removes handler from url's cluster subscribers.
// Removing the last handler tears the underlying booking down and
// enqueues an unsubscribe task.
func (c *Client) UnsubscribeCluster(url URL, handler ClusterHandler) error {
	key := clusterKey(url)
	probe := &clusterSubscription{URLKey: newURLKey(url, key), handler: handler}

	c.clusterSubsMu.Lock()
	subs := c.clusterSubs[key]
	var found *clusterSubscription
	remaining := make([]*clusterSubscription, 0, len(subs))
	for _, s := range subs {
		if found == nil && s.equal(probe) {
			found = s
			continue
		}
		remaining = append(remaining, s)
	}
	if found != nil {
		if len(remaining) == 0 {
			delete(c.clusterSubs, key)
		} else {
			c.clusterSubs[key] = remaining
		}
	}
	c.clusterSubsMu.Unlock()

	if found == nil {
		return nil
	}
	if ctrl := c.currentController(); ctrl != nil {
		ctrl.unsubscribeCluster(found)
	}
	return nil
}

// ---- config subscription (spec.md §4.1/§4.4) ----

// SubscribeConfig registers handler for url's configuration bucket
// (GLOBAL_SETTING when url carries no path). As with SubscribeCluster,
// the subscription set is updated unconditionally and only the
// controller subscribe-task enqueue is gated on being OPEN.
func (c *Client) SubscribeConfig(url URL, handler ConfigHandler) error {
	key := configKey(url)
	sub := newConfigSubscription(url, key, handler)

	c.configSubsMu.Lock()
	duplicate := false
	for _, s := range c.configSubs[key] {
		if s.equal(sub) {
			duplicate = true
			break
		}
	}
	if !duplicate {
		c.configSubs[key] = append(c.configSubs[key], sub)
	}
	c.configSubsMu.Unlock()

	if !duplicate {
		c.st.whenOpen(func() {
			c.currentController().subscribeConfig(sub)
		})
	}
	return nil
}

func (c *Client) UnsubscribeConfig(url URL, handler ConfigHandler) error {
	key := configKey(url)
	probe := &configSubscription{URLKey: newURLKey(url, key), handler: handler}

	c.configSubsMu.Lock()
	subs := c.configSubs[key]
	var found *configSubscription
	remaining := make([]*configSubscription, 0, len(subs))
	for _, s := range subs {
		if found == nil && s.equal(probe) {
			found = s
			continue
		}
		remaining = append(remaining, s)
	}
	if found != nil {
		if len(remaining) == 0 {
			delete(c.configSubs, key)
		} else {
			c.configSubs[key] = remaining
		}
	}
	c.configSubsMu.Unlock()

	if found == nil {
		return nil
	}
	if ctrl := c.currentController(); ctrl != nil {
		ctrl.unsubscribeConfig(found)
	}
	return nil
}
