package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// controller is the single dispatcher worker bound to the lifecycle of
// one open registry session (spec.md §4.2). It owns its task queue,
// connected/dirty flags, current reconnect task, restored backup
// datum and booking maps. It is single-consumer: exactly one goroutine
// ever runs run().
type controller struct {
	reg    *Client
	driver Driver

	clustersMu sync.Mutex
	clusters   map[string]*ClusterBooking
	configsMu  sync.Mutex
	configs    map[string]*ConfigBooking

	tasks  *taskQueue
	w      *waiter
	dirty  atomic.Bool

	connected     atomic.Bool
	reconnectTask atomic.Pointer[reconnectTask]

	restored BackupDatum
	limiter  *rate.Limiter

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newController(reg *Client, driver Driver) *controller {
	c := &controller{
		reg:      reg,
		driver:   driver,
		clusters: make(map[string]*ClusterBooking),
		configs:  make(map[string]*ConfigBooking),
		tasks:    newTaskQueue(),
		w:        newWaiter(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if rl := reg.url.GetInt("taskRateLimit", 0); rl > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rl), rl)
	}
	return c
}

func (c *controller) isOpen() bool {
	return c.reg.isOpenController(c)
}

// open starts the dispatcher goroutine and kicks off the first connect
// attempt. The returned future resolves once the first connect
// succeeds, or once retries are exhausted.
func (c *controller) open() *Future[struct{}] {
	future := NewFuture[struct{}]()
	c.restore()
	go c.run()
	c.reconnect(future, 0, c.reg.maxConnectRetryTimes)
	return future
}

func (c *controller) restore() {
	if c.reg.backup == nil {
		return
	}
	datum, err := c.reg.backup.Restore(c.reg.name)
	if err != nil {
		logger.Printf("registry: error restoring %s registry datum: %v", c.reg.name, err)
		return
	}
	c.restored = datum
}

// Restored exposes the backup datum loaded at open, for drivers that
// want to seed initial views before the first network response.
func (c *controller) Restored() BackupDatum { return c.restored }

// ---- reconnection (spec.md §4.2.1) ----

func (c *controller) reconnect(future *Future[struct{}], attempts, max int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.driver.Connect(ctx)

		if !c.isOpen() {
			c.driver.Disconnect(context.Background())
			future.Fail(fmt.Errorf("registry: %w", ErrClosed))
			return
		}
		if err != nil {
			count := attempts + 1
			if max < 0 || (max > 0 && count <= max) {
				logger.Printf("registry: error connecting to %s, retry in 1s: %v", c.reg.url.String(), err)
				c.reconnectTask.Store(&reconnectTask{
					run:      func() { c.reconnect(future, count, max) },
					expireAt: time.Now().Add(time.Second),
				})
				c.w.wakeup()
			} else {
				future.Fail(err)
			}
			return
		}

		logger.Printf("registry: connected to %s", c.reg.url.String())
		c.connected.Store(true)
		c.w.wakeup()
		c.recover()
		future.Complete(struct{}{})
	}()
}

// ---- dispatcher loop (spec.md §4.2.2) ----

func (c *controller) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if !c.connected.Load() && c.isOpen() {
			if rt := c.reconnectTask.Load(); rt != nil && rt.expired(time.Now()) {
				c.reconnectTask.Store(nil)
				rt.run()
			}
			c.w.wait(time.Second)
			continue
		}

		waitTime := c.executeNext()
		if waitTime > 0 {
			if c.reg.backup != nil && c.dirty.CompareAndSwap(true, false) {
				c.backup()
			}
			c.w.wait(waitTime)
		}
	}
}

// executeNext runs the head task if it is due, and returns how long the
// caller should wait otherwise (mirrors execute()/dispatch() in the
// Java original).
func (c *controller) executeNext() time.Duration {
	t := c.tasks.peekFirst()
	var wait time.Duration
	if t == nil {
		wait = 10 * time.Second
	} else {
		wait = time.Until(t.retryAt)
	}
	if wait <= 0 {
		// A concurrent addNew may have head-inserted between peek and
		// poll — that is fine, we just execute whichever task is now
		// at the head.
		if t = c.tasks.pollFirst(); t != nil {
			c.runTask(t)
		}
	}
	return wait
}

func (c *controller) runTask(t *task) {
	if c.limiter != nil {
		_ = c.limiter.Wait(context.Background())
	}
	if t.run() {
		return
	}
	if c.isOpen() {
		t.retryAt = time.Now().Add(c.reg.taskRetryInterval)
		c.tasks.addRetry(t)
	} else {
		t.future.Fail(fmt.Errorf("registry: %w", ErrClosed))
	}
}

func (c *controller) addNewTask(t *task) {
	c.tasks.addNew(t)
	c.w.wakeup()
}

// ---- register/deregister task bodies ----

func (c *controller) register(r *registion) {
	c.addRegisterTask(r, time.Now())
}

func (c *controller) addRegisterTask(r *registion, retryAt time.Time) *Future[URL] {
	future := r.Future().OrNewOpenFuture()
	c.addNewTask(newTask(r.URL, future, func() bool {
		if !c.isOpen() || !c.reg.hasRegistration(r.Key) {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.driver.Register(ctx, r.URLKey); err != nil {
			if c.isOpen() && c.reg.hasRegistration(r.Key) {
				c.addRegisterTask(r, time.Now().Add(c.reg.taskRetryInterval))
			} else {
				future.Fail(err)
			}
			return true
		}
		r.setRegisterTime(time.Now().UnixMilli())
		future.Complete(r.URL)
		return true
	}, retryAt))
	return future
}

func (c *controller) deregister(r *registion, maxRetries int) {
	c.addDeregisterTask(r, time.Now(), 0, maxRetries)
}

func (c *controller) addDeregisterTask(r *registion, retryAt time.Time, retries, maxRetries int) *Future[URL] {
	future := r.Future().OrNewCloseFuture()
	c.addNewTask(newTask(r.URL, future, func() bool {
		// While open, a registration that is back in the map was
		// re-registered and must stay. While closing, unregister()
		// deregisters entries that are still in the map on purpose.
		if c.isOpen() && c.reg.hasRegistration(r.Key) {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.driver.Deregister(ctx, r.URLKey); err != nil {
			if c.driver.Retry(err) && c.isOpen() && !c.reg.hasRegistration(r.Key) {
				count := retries + 1
				if count > maxRetries {
					future.Fail(err)
					return true
				}
				c.addDeregisterTask(r, time.Now().Add(c.reg.taskRetryInterval), count, maxRetries)
			} else {
				future.Fail(err)
			}
			return true
		}
		future.Complete(r.URL)
		return true
	}, retryAt))
	return future
}

// ---- subscribe/unsubscribe (spec.md §4.2.4) ----

func (c *controller) subscribeCluster(sub *clusterSubscription) {
	c.clustersMu.Lock()
	b, existed := c.clusters[sub.Key]
	if !existed {
		b = newClusterBooking(sub.URLKey, c.markDirty)
		c.clusters[sub.Key] = b
	}
	c.clustersMu.Unlock()

	b.AddHandler(sub.id, sub.handler)
	if !existed {
		c.addClusterSubscribeTask(b, time.Now())
	}
}

func (c *controller) unsubscribeCluster(sub *clusterSubscription) {
	c.clustersMu.Lock()
	b, ok := c.clusters[sub.Key]
	c.clustersMu.Unlock()
	if !ok {
		return
	}
	b.RemoveHandler(sub.id, func(key string) {
		c.clustersMu.Lock()
		delete(c.clusters, key)
		c.clustersMu.Unlock()
		future := b.Future().OpenFuture()
		if future.Done() && !future.Failed() {
			c.addClusterUnsubscribeTask(b, time.Now())
		}
	})
}

func (c *controller) addClusterSubscribeTask(b *ClusterBooking, retryAt time.Time) *Future[URL] {
	future := b.Future().OpenFuture()
	c.addNewTask(newTask(b.URL, future, func() bool {
		if !c.isOpen() {
			return true
		}
		c.clustersMu.Lock()
		_, present := c.clusters[b.Key]
		c.clustersMu.Unlock()
		if !present {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.driver.SubscribeCluster(ctx, b.URLKey, b.Handle)
		if err != nil {
			c.clustersMu.Lock()
			_, stillPresent := c.clusters[b.Key]
			c.clustersMu.Unlock()
			if c.isOpen() && stillPresent {
				c.addClusterSubscribeTask(b, time.Now().Add(c.reg.taskRetryInterval))
			} else {
				future.Fail(err)
			}
			return true
		}
		future.Complete(b.URL)
		return true
	}, retryAt))
	return future
}

func (c *controller) addClusterUnsubscribeTask(b *ClusterBooking, retryAt time.Time) *Future[URL] {
	future := b.Future().OrNewCloseFuture()
	c.addNewTask(newTask(b.URL, future, func() bool {
		c.clustersMu.Lock()
		_, present := c.clusters[b.Key]
		c.clustersMu.Unlock()
		if present {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.driver.UnsubscribeCluster(ctx, b.URLKey)
		if err != nil {
			if c.driver.Retry(err) && c.isOpen() {
				c.clustersMu.Lock()
				_, stillAbsent := c.clusters[b.Key]
				c.clustersMu.Unlock()
				if stillAbsent {
					c.addClusterUnsubscribeTask(b, time.Now().Add(c.reg.taskRetryInterval))
					return true
				}
			}
			future.Fail(err)
			return true
		}
		future.Complete(b.URL)
		return true
	}, retryAt))
	return future
}

func (c *controller) subscribeConfig(sub *configSubscription) {
	c.configsMu.Lock()
	b, existed := c.configs[sub.Key]
	if !existed {
		b = newConfigBooking(sub.URLKey, c.markDirty)
		c.configs[sub.Key] = b
	}
	c.configsMu.Unlock()

	b.AddHandler(sub.id, sub.handler)
	if !existed {
		c.addConfigSubscribeTask(b, time.Now())
	}
}

func (c *controller) unsubscribeConfig(sub *configSubscription) {
	c.configsMu.Lock()
	b, ok := c.configs[sub.Key]
	c.configsMu.Unlock()
	if !ok {
		return
	}
	b.RemoveHandler(sub.id, func(key string) {
		c.configsMu.Lock()
		delete(c.configs, key)
		c.configsMu.Unlock()
		future := b.Future().OpenFuture()
		if future.Done() && !future.Failed() {
			c.addConfigUnsubscribeTask(b, time.Now())
		}
	})
}

func (c *controller) addConfigSubscribeTask(b *ConfigBooking, retryAt time.Time) *Future[URL] {
	future := b.Future().OpenFuture()
	c.addNewTask(newTask(b.URL, future, func() bool {
		if !c.isOpen() {
			return true
		}
		c.configsMu.Lock()
		_, present := c.configs[b.Key]
		c.configsMu.Unlock()
		if !present {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.driver.SubscribeConfig(ctx, b.URLKey, b.Handle)
		if err != nil {
			c.configsMu.Lock()
			_, stillPresent := c.configs[b.Key]
			c.configsMu.Unlock()
			if c.isOpen() && stillPresent {
				c.addConfigSubscribeTask(b, time.Now().Add(c.reg.taskRetryInterval))
			} else {
				future.Fail(err)
			}
			return true
		}
		future.Complete(b.URL)
		return true
	}, retryAt))
	return future
}

func (c *controller) addConfigUnsubscribeTask(b *ConfigBooking, retryAt time.Time) *Future[URL] {
	future := b.Future().OrNewCloseFuture()
	c.addNewTask(newTask(b.URL, future, func() bool {
		c.configsMu.Lock()
		_, present := c.configs[b.Key]
		c.configsMu.Unlock()
		if present {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.driver.UnsubscribeConfig(ctx, b.URLKey)
		if err != nil {
			if c.driver.Retry(err) && c.isOpen() {
				c.configsMu.Lock()
				_, stillAbsent := c.configs[b.Key]
				c.configsMu.Unlock()
				if stillAbsent {
					c.addConfigUnsubscribeTask(b, time.Now().Add(c.reg.taskRetryInterval))
					return true
				}
			}
			future.Fail(err)
			return true
		}
		future.Complete(b.URL)
		return true
	}, retryAt))
	return future
}

// ---- recovery and shutdown (spec.md §4.2.3) ----

// recover enqueues, in order, a register task for every local
// registration and a subscribe task for every cluster/config booking —
// called once after every successful (re)connect.
func (c *controller) recover() {
	c.reg.forEachRegistration(func(r *registion) {
		c.addRegisterTask(r, time.Now())
	})
	c.clustersMu.Lock()
	clusters := make([]*ClusterBooking, 0, len(c.clusters))
	for _, b := range c.clusters {
		clusters = append(clusters, b)
	}
	c.clustersMu.Unlock()
	for _, b := range clusters {
		c.addClusterSubscribeTask(b, time.Now())
	}

	c.configsMu.Lock()
	configs := make([]*ConfigBooking, 0, len(c.configs))
	for _, b := range c.configs {
		configs = append(configs, b)
	}
	c.configsMu.Unlock()
	for _, b := range configs {
		c.addConfigSubscribeTask(b, time.Now())
	}
}

// close kicks off unregister() and disconnect(), waits for both, then
// stops the dispatcher goroutine.
func (c *controller) close() *Future[struct{}] {
	future := NewFuture[struct{}]()
	go func() {
		c.unregister()
		c.driver.Disconnect(context.Background())
		c.stopOnce.Do(func() { close(c.stop) })
		c.w.wakeup()
		<-c.stopped
		future.Complete(struct{}{})
	}()
	return future
}

// unregister enqueues a deregister task (budget 0) for every
// registration whose open future already succeeded, and an unsubscribe
// task for every cluster/config booking whose open future succeeded.
func (c *controller) unregister() {
	var wg sync.WaitGroup

	c.reg.forEachRegistration(func(r *registion) {
		future := r.Future().OpenFuture()
		if future.Done() && !future.Failed() {
			wg.Add(1)
			f := c.addDeregisterTask(r, time.Now(), 0, 0)
			go func() { _, _ = f.Wait(context.Background()); wg.Done() }()
		}
	})

	c.clustersMu.Lock()
	clusters := make([]*ClusterBooking, 0, len(c.clusters))
	for _, b := range c.clusters {
		clusters = append(clusters, b)
	}
	c.clustersMu.Unlock()
	for _, b := range clusters {
		future := b.Future().OpenFuture()
		if future.Done() && !future.Failed() {
			wg.Add(1)
			f := c.addClusterUnsubscribeTask(b, time.Now())
			go func() { _, _ = f.Wait(context.Background()); wg.Done() }()
		}
	}

	c.configsMu.Lock()
	configs := make([]*ConfigBooking, 0, len(c.configs))
	for _, b := range c.configs {
		configs = append(configs, b)
	}
	c.configsMu.Unlock()
	for _, b := range configs {
		future := b.Future().OpenFuture()
		if future.Done() && !future.Failed() {
			wg.Add(1)
			f := c.addConfigUnsubscribeTask(b, time.Now())
			go func() { _, _ = f.Wait(context.Background()); wg.Done() }()
		}
	}

	wg.Wait()
}

// ---- backup (spec.md §4.6) ----

func (c *controller) markDirty() {
	if c.reg.backup == nil {
		return
	}
	c.dirty.Store(true)
	c.w.wakeup()
}

func (c *controller) backup() {
	if c.reg.backup == nil {
		return
	}
	datum := BackupDatum{
		Clusters: make(map[string][]ShardRecord),
		Configs:  make(map[string]map[string]string),
	}

	c.clustersMu.Lock()
	for k, b := range c.clusters {
		if b.Persistable() {
			shards := b.Snapshot()
			records := make([]ShardRecord, 0, len(shards))
			for _, s := range shards {
				records = append(records, newShardRecord(s))
			}
			datum.Clusters[k] = records
		}
	}
	c.clustersMu.Unlock()

	c.configsMu.Lock()
	for k, b := range c.configs {
		if b.Persistable() {
			datum.Configs[k] = b.Snapshot()
		}
	}
	c.configsMu.Unlock()

	if err := c.reg.backup.Save(c.reg.name, datum); err != nil {
		logger.Printf("registry: error backing up %s registry datum: %v", c.reg.name, err)
	}
}
