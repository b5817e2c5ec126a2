package routing

import (
	"net"
	"sync"

	"github.com/covesa/someip-go/internal/endpoint"
)

// Dispatcher is the routing core's seam to the transport layer, grounded
// on the teacher's Provisioner interface (manager.go): a small pluggable
// interface standing in for "however bytes actually leave the process",
// so Core's table lookups, admission, ordering, and fanout logic are
// unit-testable without real sockets.
type Dispatcher interface {
	// SendRemote delivers payload to the remote endpoint bound to a
	// (service, instance, method) route (spec.md §4.4 "Dispatch rules").
	SendRemote(protocol endpoint.Protocol, addr string, payload []byte) error
	// SendSubscriber delivers payload to one eventgroup subscriber
	// through the server endpoint bound at local.
	SendSubscriber(protocol endpoint.Protocol, local string, target net.Addr, payload []byte) error
}

// ManagerDispatcher implements Dispatcher over a live endpoint.Manager:
// outbound method calls reuse (or create) a shared Client per remote
// route, and subscriber fanout reuses an already-running Server
// registered by local bind address.
type ManagerDispatcher struct {
	endpoints *endpoint.Manager
	handler   endpoint.Handler

	mu      sync.Mutex
	servers map[string]*endpoint.Server
}

// NewManagerDispatcher constructs a ManagerDispatcher. handler is used
// only the first time a given remote route's Client is created (later
// calls reuse the Manager's ref-counted instance); responses/incoming
// traffic on those clients are expected to reach routing through
// whatever handler the rest of the daemon already wired up.
func NewManagerDispatcher(endpoints *endpoint.Manager, handler endpoint.Handler) *ManagerDispatcher {
	return &ManagerDispatcher{endpoints: endpoints, handler: handler, servers: make(map[string]*endpoint.Server)}
}

// RegisterServer associates a local bind address with its already-running
// Server, so subscriber fanout can find it.
func (d *ManagerDispatcher) RegisterServer(local string, s *endpoint.Server) {
	d.mu.Lock()
	d.servers[local] = s
	d.mu.Unlock()
}

func (d *ManagerDispatcher) SendRemote(protocol endpoint.Protocol, addr string, payload []byte) error {
	c := d.endpoints.ClientFor(protocol, addr, d.handler)
	return c.Send(payload, true)
}

func (d *ManagerDispatcher) SendSubscriber(protocol endpoint.Protocol, local string, target net.Addr, payload []byte) error {
	d.mu.Lock()
	s := d.servers[local]
	d.mu.Unlock()
	if s == nil {
		return ErrUnknownTarget
	}
	return s.SendTo(endpoint.Target{Addr: target}, payload, true)
}
