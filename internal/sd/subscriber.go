package sd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// SubscriberKey identifies one eventgroup subscriber.
type SubscriberKey struct {
	ServiceID, InstanceID, EventgroupID uint16
	Addr                                string
}

func (k SubscriberKey) String() string {
	return fmt.Sprintf("%04x:%04x:%04x@%s", k.ServiceID, k.InstanceID, k.EventgroupID, k.Addr)
}

// Subscriber is the routing-relevant detail of one eventgroup
// subscription: where to deliver published events for it.
type Subscriber struct {
	Key       SubscriberKey
	Addr      net.Addr
	Multicast bool
}

// SubscriberStore tracks eventgroup subscribers with per-subscriber TTL
// expiry (spec.md §4.3 "Subscription": "on TTL elapse without refresh,
// the subscriber is removed"), using
// github.com/jellydator/ttlcache/v3 instead of a hand-rolled
// timer-per-subscriber — an ecosystem TTL cache doing exactly that rule.
// The cache drops the expired entry itself; its eviction callback only
// invokes onExpire, and the routing core reads the current subscriber
// set from the store on each fanout.
type SubscriberStore struct {
	cache *ttlcache.Cache[SubscriberKey, Subscriber]
}

// NewSubscriberStore constructs a store; onExpire is called (outside any
// lock) whenever a subscriber's TTL elapses without a refresh.
func NewSubscriberStore(onExpire func(Subscriber)) *SubscriberStore {
	cache := ttlcache.New[SubscriberKey, Subscriber]()
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[SubscriberKey, Subscriber]) {
		if reason == ttlcache.EvictionReasonExpired && onExpire != nil {
			onExpire(item.Value())
		}
	})
	go cache.Start()
	return &SubscriberStore{cache: cache}
}

// Refresh (re)registers sub with a fresh ttl, granted by a
// SubscribeEventgroupAck.
func (s *SubscriberStore) Refresh(sub Subscriber, ttl time.Duration) {
	s.cache.Set(sub.Key, sub, ttl)
}

// Remove drops a subscriber immediately, on an explicit StopSubscribe.
func (s *SubscriberStore) Remove(key SubscriberKey) {
	s.cache.Delete(key)
}

// For returns every live subscriber of (serviceID, instanceID,
// eventgroupID), for eventgroup fanout (spec.md §4.4).
func (s *SubscriberStore) For(serviceID, instanceID, eventgroupID uint16) []Subscriber {
	var out []Subscriber
	for _, item := range s.cache.Items() {
		k := item.Key()
		if k.ServiceID == serviceID && k.InstanceID == instanceID && k.EventgroupID == eventgroupID {
			out = append(out, item.Value())
		}
	}
	return out
}

// RemoveByAddr drops every subscription rooted at addr, used on reboot
// detection for that peer (spec.md §4.3 "Reboot detection").
func (s *SubscriberStore) RemoveByAddr(addr string) {
	for _, item := range s.cache.Items() {
		if item.Key().Addr == addr {
			s.cache.Delete(item.Key())
		}
	}
}

// Close stops the store's background expiration loop.
func (s *SubscriberStore) Close() { s.cache.Stop() }
