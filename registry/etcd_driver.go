// Package registry provides the etcd-based Driver implementation.
//
// etcd is a distributed key-value store that provides strong
// consistency (Raft protocol). We use it as a "distributed phonebook"
// for services:
//
//	Registration key: /registryctl/registrations/{path}/{addr}
//	Cluster key:       /registryctl/registrations/{path}/       (prefix watch)
//	Config key:        /registryctl/configs/{path}
//
// Registration uses TTL-based leases: if the process crashes, the
// lease expires and the entry is automatically removed — preventing
// "ghost" instances.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	registrationPrefix = "/registryctl/registrations/"
	configPrefix       = "/registryctl/configs/"
)

// etcdShard is the wire representation of a Shard stored at a
// registration key.
type etcdShard struct {
	Weight     int    `json:"weight"`
	Region     string `json:"region,omitempty"`
	DataCenter string `json:"dataCenter,omitempty"`
}

// EtcdDriver implements Driver atop go.etcd.io/etcd/client/v3. One
// EtcdDriver instance backs exactly one controller/Client pair.
type EtcdDriver struct {
	endpoints []string
	leaseTTL  int64

	mu       sync.Mutex
	client   *clientv3.Client
	leases   map[string]clientv3.LeaseID // registration key -> lease, guarded by mu
	watchers map[string]context.CancelFunc
}

// NewEtcdDriver returns a Driver dialing endpoints lazily on Connect.
// leaseTTL is the registration lease lifetime in seconds; a value <= 0
// selects the default of 10.
func NewEtcdDriver(endpoints []string, leaseTTL int64) *EtcdDriver {
	if leaseTTL <= 0 {
		leaseTTL = 10
	}
	return &EtcdDriver{
		endpoints: endpoints,
		leaseTTL:  leaseTTL,
		leases:    make(map[string]clientv3.LeaseID),
		watchers:  make(map[string]context.CancelFunc),
	}
}

// Connect dials every configured endpoint and probes it with Status,
// aggregating unreachable endpoints with multierror. The session is
// considered connected as long as at least one endpoint answers — the
// same "best effort quorum" tolerance clientv3 itself applies
// internally for subsequent calls.
func (d *EtcdDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return nil
	}
	c, err := clientv3.New(clientv3.Config{Endpoints: d.endpoints})
	if err != nil {
		return fmt.Errorf("registry: etcd: dial: %w", err)
	}

	var result error
	healthy := 0
	for _, ep := range d.endpoints {
		if _, err := c.Status(ctx, ep); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		healthy++
	}
	if healthy == 0 {
		c.Close()
		return fmt.Errorf("registry: etcd: no reachable endpoint: %w", result)
	}
	d.client = c
	return nil
}

func (d *EtcdDriver) Disconnect(context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cancel := range d.watchers {
		cancel()
		delete(d.watchers, key)
	}
	if d.client != nil {
		d.client.Close()
		d.client = nil
	}
	d.leases = make(map[string]clientv3.LeaseID)
}

func registrationKey(key URLKey) string {
	addr := key.URL.Get("addr", key.URL.Path)
	return registrationPrefix + key.URL.Path + "/" + addr
}

func (d *EtcdDriver) Register(ctx context.Context, key URLKey) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return fmt.Errorf("registry: etcd: %w", ErrClosed)
	}

	lease, err := client.Grant(ctx, d.leaseTTL)
	if err != nil {
		return fmt.Errorf("registry: etcd: grant lease: %w", err)
	}
	shard := etcdShard{
		Weight:     key.URL.GetInt("weight", 100),
		Region:     key.URL.Get("region", ""),
		DataCenter: key.URL.Get("dataCenter", ""),
	}
	val, err := json.Marshal(shard)
	if err != nil {
		return fmt.Errorf("registry: etcd: marshal: %w", err)
	}
	rk := registrationKey(key)
	if _, err := client.Put(ctx, rk, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: etcd: put: %w", err)
	}
	keepAlive, err := client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: etcd: keepalive: %w", err)
	}
	go func() {
		for range keepAlive {
		}
	}()

	d.mu.Lock()
	d.leases[rk] = lease.ID
	d.mu.Unlock()
	return nil
}

func (d *EtcdDriver) Deregister(ctx context.Context, key URLKey) error {
	d.mu.Lock()
	client := d.client
	rk := registrationKey(key)
	leaseID, hadLease := d.leases[rk]
	delete(d.leases, rk)
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	if hadLease {
		_, _ = client.Revoke(ctx, leaseID)
	}
	_, err := client.Delete(ctx, rk)
	if err != nil {
		return fmt.Errorf("registry: etcd: delete: %w", err)
	}
	return nil
}

func shardFromKV(serviceName, name string, data []byte) (Shard, error) {
	var ws etcdShard
	if err := json.Unmarshal(data, &ws); err != nil {
		return Shard{}, err
	}
	return Shard{
		Name:       name,
		URL:        NewURL("tcp", name, map[string]string{"service": serviceName}),
		Weight:     ws.Weight,
		Region:     ws.Region,
		DataCenter: ws.DataCenter,
	}, nil
}

// SubscribeCluster issues one Get to build the initial FULL snapshot,
// then watches the prefix from the snapshot's revision, translating
// etcd PUT/DELETE events into ADD/UPDATE/DELETE ClusterEvents.
func (d *EtcdDriver) SubscribeCluster(ctx context.Context, key URLKey, handle func(ClusterEvent)) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return fmt.Errorf("registry: etcd: %w", ErrClosed)
	}

	prefix := registrationPrefix + key.URL.Path + "/"
	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("registry: etcd: get: %w", err)
	}

	shards := make([]ShardEvent, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := string(kv.Key)[len(prefix):]
		s, err := shardFromKV(key.URL.Path, name, kv.Value)
		if err != nil {
			logger.Printf("registry: etcd: skipping malformed registration %s: %v", kv.Key, err)
			continue
		}
		shards = append(shards, ShardEvent{Shard: s, Type: ShardAdd})
	}
	handle(ClusterEvent{Type: EventFull, Version: resp.Header.Revision, Shards: shards})

	watchCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.watchers["cluster:"+key.Key] = cancel
	d.mu.Unlock()

	go func() {
		watchChan := client.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wresp := range watchChan {
			for _, ev := range wresp.Events {
				name := string(ev.Kv.Key)[len(prefix):]
				if ev.Type == clientv3.EventTypeDelete {
					handle(ClusterEvent{
						Type:    EventDelete,
						Version: ev.Kv.ModRevision,
						Shards:  []ShardEvent{{Shard: Shard{Name: name}, Type: ShardDelete}},
					})
					continue
				}
				s, err := shardFromKV(key.URL.Path, name, ev.Kv.Value)
				if err != nil {
					logger.Printf("registry: etcd: skipping malformed registration %s: %v", ev.Kv.Key, err)
					continue
				}
				evType := EventAdd
				shardType := ShardAdd
				if !ev.IsCreate() {
					evType = EventUpdate
					shardType = ShardUpdate
				}
				handle(ClusterEvent{
					Type:    evType,
					Version: ev.Kv.ModRevision,
					Shards:  []ShardEvent{{Shard: s, Type: shardType}},
				})
			}
		}
	}()
	return nil
}

func (d *EtcdDriver) UnsubscribeCluster(ctx context.Context, key URLKey) error {
	d.mu.Lock()
	cancel, ok := d.watchers["cluster:"+key.Key]
	delete(d.watchers, "cluster:"+key.Key)
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func configDatumKey(key URLKey) string {
	return configPrefix + key.URL.Path
}

func (d *EtcdDriver) SubscribeConfig(ctx context.Context, key URLKey, handle func(ConfigEvent)) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return fmt.Errorf("registry: etcd: %w", ErrClosed)
	}

	dk := configDatumKey(key)
	resp, err := client.Get(ctx, dk)
	if err != nil {
		return fmt.Errorf("registry: etcd: get: %w", err)
	}
	datum := map[string]string{}
	version := resp.Header.Revision
	if len(resp.Kvs) > 0 {
		if err := json.Unmarshal(resp.Kvs[0].Value, &datum); err != nil {
			logger.Printf("registry: etcd: malformed config datum at %s: %v", dk, err)
		}
		version = resp.Kvs[0].ModRevision
	}
	handle(ConfigEvent{Version: version, Datum: datum})

	watchCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.watchers["config:"+key.Key] = cancel
	d.mu.Unlock()

	go func() {
		watchChan := client.Watch(watchCtx, dk, clientv3.WithRev(resp.Header.Revision+1))
		for wresp := range watchChan {
			for _, ev := range wresp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					handle(ConfigEvent{Version: ev.Kv.ModRevision, Datum: map[string]string{}})
					continue
				}
				var d map[string]string
				if err := json.Unmarshal(ev.Kv.Value, &d); err != nil {
					logger.Printf("registry: etcd: malformed config datum at %s: %v", dk, err)
					continue
				}
				handle(ConfigEvent{Version: ev.Kv.ModRevision, Datum: d})
			}
		}
	}()
	return nil
}

func (d *EtcdDriver) UnsubscribeConfig(ctx context.Context, key URLKey) error {
	d.mu.Lock()
	cancel, ok := d.watchers["config:"+key.Key]
	delete(d.watchers, "config:"+key.Key)
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Retry classifies errors the dispatcher should retry. etcd's own
// short-lease/compaction errors are transient; context cancellation
// means the caller already gave up.
func (d *EtcdDriver) Retry(err error) bool {
	if err == nil {
		return false
	}
	return err != context.Canceled
}
