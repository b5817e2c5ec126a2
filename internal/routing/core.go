// Package routing implements the routing core (spec.md §4.4): the
// dispatch tables mapping (service, instance, method) to a local client
// or a remote endpoint, the (service, instance, eventgroup) subscriber
// table delegated to internal/sd, and the per-client FIFO mailboxes that
// make request/response delivery order-preserving (notifications are
// fanned out by Publish, not queued in mailboxes).
package routing

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/covesa/someip-go/internal/endpoint"
	"github.com/covesa/someip-go/internal/sd"
	"github.com/covesa/someip-go/internal/wire"
)

// ServiceKey identifies one method or event binding.
type ServiceKey struct {
	ServiceID, InstanceID, MethodID uint16
}

// EventgroupKey identifies one eventgroup's subscriber set.
type EventgroupKey struct {
	ServiceID, InstanceID, EventgroupID uint16
}

// RemoteRoute is where a remote (service, instance, method) is reached.
type RemoteRoute struct {
	Protocol endpoint.Protocol
	Addr     string
}

// pendingKey identifies one outstanding request awaiting a response.
type pendingKey struct {
	clientID, sessionID uint16
}

// Core holds the routing tables and dispatches messages per spec.md
// §4.4's rules. It is deliberately transport-agnostic: it talks to the
// outside world only through Dispatcher, the way the teacher's
// NetlinkManager talks to the kernel only through its Provisioner
// interface.
type Core struct {
	log          *slog.Logger
	dispatcher   Dispatcher
	subscribers  *sd.Engine
	mailboxDepth int
	maxLocal     int
	maxReliable  int

	mu            sync.Mutex
	localMethods  map[ServiceKey]uint16 // -> client_id
	remoteMethods map[ServiceKey]RemoteRoute
	mailboxes     map[uint16]*Mailbox // client_id -> mailbox
	pending       map[pendingKey]uint16
	eventServers  map[EventgroupKey]string // -> local bind address serving this eventgroup
}

// Option configures a Core, matching the teacher's functional-options
// construction style (manager.go's Option func(*NetlinkManager)).
type Option func(*Core)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.log = l }
}

// WithMailboxDepth sets the per-client mailbox channel depth (<=0 keeps
// the Mailbox default).
func WithMailboxDepth(depth int) Option {
	return func(c *Core) { c.mailboxDepth = depth }
}

// WithAdmissionLimits sets the max_message_size_local and
// message_size_reliable ceilings enforced at Dispatch (spec.md §4.4
// "Admission"). A zero limit disables that check.
func WithAdmissionLimits(maxLocal, maxReliable int) Option {
	return func(c *Core) { c.maxLocal = maxLocal; c.maxReliable = maxReliable }
}

// NewCore constructs a Core. subscribers provides the eventgroup fanout
// table (subscriber discovery stays the SD engine's job; Core only
// consumes it).
func NewCore(dispatcher Dispatcher, subscribers *sd.Engine, opts ...Option) *Core {
	c := &Core{
		log:           slog.Default(),
		dispatcher:    dispatcher,
		subscribers:   subscribers,
		localMethods:  make(map[ServiceKey]uint16),
		remoteMethods: make(map[ServiceKey]RemoteRoute),
		mailboxes:     make(map[uint16]*Mailbox),
		pending:       make(map[pendingKey]uint16),
		eventServers:  make(map[EventgroupKey]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BindLocalMethod registers clientID as the owner of key, creating its
// mailbox if this is the client's first binding.
func (c *Core) BindLocalMethod(key ServiceKey, clientID uint16) *Mailbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localMethods[key] = clientID
	mb, ok := c.mailboxes[clientID]
	if !ok {
		mb = NewMailbox(c.mailboxDepth)
		c.mailboxes[clientID] = mb
	}
	return mb
}

// BindRemoteMethod registers where key is reached when not served
// locally.
func (c *Core) BindRemoteMethod(key ServiceKey, route RemoteRoute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteMethods[key] = route
}

// BindEventServer registers the local bind address of the server
// endpoint that serves notifications for one eventgroup, so Publish
// knows which already-running Server to fan out through.
func (c *Core) BindEventServer(key EventgroupKey, local string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventServers[key] = local
}

// Unbind removes clientID's local bindings and mailbox (e.g. on client
// disconnect).
func (c *Core) Unbind(clientID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cid := range c.localMethods {
		if cid == clientID {
			delete(c.localMethods, k)
		}
	}
	delete(c.mailboxes, clientID)
}

func admissionLimit(protocol endpoint.Protocol, maxLocal, maxReliable int) int {
	if protocol == endpoint.ProtocolLocalStream {
		return maxLocal
	}
	if protocol == endpoint.ProtocolTCP {
		return maxReliable
	}
	return 0
}

// Dispatch routes one incoming message arriving on a given instance
// (instance_id is not carried on the SOME/IP wire header itself — it is
// implied by the binding the message arrived on — so the caller, which
// knows which endpoint/port received it, supplies it).
//
// Requests go to the owning local mailbox, or are forwarded to the bound
// remote endpoint; responses and errors are handed to RouteResponse; any
// other message type, notifications included, is rejected with an error.
// The routing table resolves each (service, instance, method) key to a
// single target so FIFO submission order is preserved end to end
// (spec.md §4.4 "Ordering").
func (c *Core) Dispatch(instanceID uint16, msg *wire.Message, sourceProtocol endpoint.Protocol) error {
	if limit := admissionLimit(sourceProtocol, c.maxLocal, c.maxReliable); limit > 0 && msg.TotalSize() > limit {
		return ErrMessageTooLarge
	}

	key := ServiceKey{ServiceID: msg.ServiceID, InstanceID: instanceID, MethodID: msg.MethodID}

	if msg.Type.IsRequest() {
		c.mu.Lock()
		clientID, local := c.localMethods[key]
		route, remote := c.remoteMethods[key]
		if !msg.Type.IsRequestNoReturn() {
			c.pending[pendingKey{clientID: msg.ClientID, sessionID: msg.SessionID}] = msg.ClientID
		}
		c.mu.Unlock()

		switch {
		case local:
			mb := c.mailboxFor(clientID)
			if err := mb.Push(msg); err != nil {
				metricMailboxDropped.WithLabelValues("full").Inc()
				c.log.Warn("mailbox full, dropping request", "service", key.ServiceID, "client", clientID)
				return err
			}
			metricDispatched.WithLabelValues("request", "local").Inc()
			return nil
		case remote:
			if err := c.dispatcher.SendRemote(route.Protocol, route.Addr, wire.Encode(msg)); err != nil {
				metricDispatched.WithLabelValues("request", "error").Inc()
				return err
			}
			metricDispatched.WithLabelValues("request", "remote").Inc()
			return nil
		default:
			metricDispatched.WithLabelValues("request", "unknown_route").Inc()
			c.log.Warn("no route for request", "service", key.ServiceID, "instance", instanceID, "method", key.MethodID)
			return ErrUnknownTarget
		}
	}

	if msg.Type == wire.TypeResponse || msg.Type == wire.TypeError {
		return c.RouteResponse(msg)
	}

	return fmt.Errorf("routing: unsupported message type %s for Dispatch", msg.Type)
}

func (c *Core) mailboxFor(clientID uint16) *Mailbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	mb, ok := c.mailboxes[clientID]
	if !ok {
		mb = NewMailbox(c.mailboxDepth)
		c.mailboxes[clientID] = mb
	}
	return mb
}

// RouteResponse routes a response/error message back to its originating
// client using (client_id, session_id); an unknown pair is dropped and
// logged per spec.md §4.4.
func (c *Core) RouteResponse(msg *wire.Message) error {
	pk := pendingKey{clientID: msg.ClientID, sessionID: msg.SessionID}

	c.mu.Lock()
	clientID, ok := c.pending[pk]
	if ok {
		delete(c.pending, pk)
	}
	c.mu.Unlock()

	if !ok {
		metricDispatched.WithLabelValues("response", "unknown_route").Inc()
		c.log.Warn("response for unknown client_id/session_id", "client_id", msg.ClientID, "session_id", msg.SessionID)
		return ErrUnknownResponse
	}

	mb := c.mailboxFor(clientID)
	if err := mb.Push(msg); err != nil {
		metricMailboxDropped.WithLabelValues("full").Inc()
		c.log.Warn("mailbox full, dropping response", "client_id", clientID)
		return err
	}
	metricDispatched.WithLabelValues("response", "local").Inc()
	return nil
}

// Publish fans a notification out to every current subscriber of the
// eventgroup it belongs to: one multicast send for multicast
// subscribers, one unicast send per unicast subscriber — all carrying
// the identical encoded message (spec.md §8 scenario 6).
func (c *Core) Publish(serviceID, instanceID, eventgroupID uint16, msg *wire.Message) error {
	key := EventgroupKey{ServiceID: serviceID, InstanceID: instanceID, EventgroupID: eventgroupID}

	c.mu.Lock()
	local, ok := c.eventServers[key]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("no publishing server bound for eventgroup", "service", serviceID, "instance", instanceID, "eventgroup", eventgroupID)
		return ErrUnknownTarget
	}

	subs := c.subscribers.Subscribers(serviceID, instanceID, eventgroupID)
	payload := wire.Encode(msg)

	seenMulticast := make(map[string]bool)
	var firstErr error
	for _, s := range subs {
		protocol := protocolFor(s)
		if s.Multicast {
			addr := s.Addr.String()
			if seenMulticast[addr] {
				continue
			}
			seenMulticast[addr] = true
		}
		delivery := "unicast"
		if s.Multicast {
			delivery = "multicast"
		}
		if err := c.dispatcher.SendSubscriber(protocol, local, s.Addr, payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metricFanout.WithLabelValues(delivery).Inc()
	}
	return firstErr
}

func protocolFor(s sd.Subscriber) endpoint.Protocol {
	if s.Addr.Network() == "tcp" {
		return endpoint.ProtocolTCP
	}
	return endpoint.ProtocolUDP
}
