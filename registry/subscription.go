package registry

import (
	"reflect"
	"sync/atomic"
)

var subscriptionIDs atomic.Uint64

func nextSubscriptionID() uint64 {
	return subscriptionIDs.Add(1)
}

// sameHandler reports whether a and b are "the same" handler for
// subscribe/unsubscribe deduplication purposes. Pointer-typed handlers
// compare by identity (the common case, mirroring Java's default
// Object.equals()); function-typed handlers compare by code pointer
// since func values themselves are not comparable in Go.
func sameHandler(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Func && vb.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	return false
}

// clusterSubscription is one entry in the facade's cluster
// subscription set: a URL+handler pair plus the synthetic identity
// used as the booking's publisher key.
type clusterSubscription struct {
	URLKey
	handler ClusterHandler
	id      uint64
}

func newClusterSubscription(url URL, key string, handler ClusterHandler) *clusterSubscription {
	return &clusterSubscription{URLKey: newURLKey(url, key), handler: handler, id: nextSubscriptionID()}
}

func (s *clusterSubscription) equal(o *clusterSubscription) bool {
	return s.Key == o.Key && sameHandler(s.handler, o.handler)
}

// configSubscription is the config-side counterpart.
type configSubscription struct {
	URLKey
	handler ConfigHandler
	id      uint64
}

func newConfigSubscription(url URL, key string, handler ConfigHandler) *configSubscription {
	return &configSubscription{URLKey: newURLKey(url, key), handler: handler, id: nextSubscriptionID()}
}

func (s *configSubscription) equal(o *configSubscription) bool {
	return s.Key == o.Key && sameHandler(s.handler, o.handler)
}
