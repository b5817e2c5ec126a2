package sd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/covesa/someip-go/internal/wire"
)

// Transport is the engine's outbound SD send path: multicast for
// offers/finds/cyclic refresh, unicast for directed acks/replies. The
// engine is deliberately decoupled from internal/endpoint so its phase
// logic is unit-testable without real sockets; cmd/someipd wires an
// endpoint.MulticastEndpoint, one UDP socket bound to the SD port with
// the SD multicast group joined on it.
type Transport interface {
	SendMulticast(msg *wire.SDMessage) error
	SendUnicast(addr net.Addr, msg *wire.SDMessage) error
}

// Engine is the Service Discovery protocol engine (spec.md §4.3): it
// drives locally offered services through Initial-Wait/Repetition/Main,
// locally wanted services through Find, answers incoming Find/Subscribe
// traffic, and tracks subscriber TTLs and peer reboots.
type Engine struct {
	log       *slog.Logger
	timing    Timing
	sched     *Scheduler
	transport Transport
	sessions  *SessionCounter
	peers     *PeerTracker
	subs      *SubscriberStore
	rnd       *rand.Rand

	mu      sync.Mutex
	offered map[wire.ServiceID]map[wire.InstanceID]*OfferedService
	finding map[wire.ServiceID]map[wire.InstanceID]*FindingService

	onOfferResolved func(serviceID, instanceID uint16, from net.Addr, options []*wire.Option)
	onSubscribeAck  func(serviceID, instanceID, eventgroupID uint16, ok bool)
}

// EngineOption configures optional Engine callbacks.
type EngineOption func(*Engine)

// WithOfferResolved registers a callback invoked whenever an outstanding
// find is resolved by a matching OfferService, with the offering peer's
// address and endpoint options (so routing can wire up remote dispatch).
func WithOfferResolved(f func(serviceID, instanceID uint16, from net.Addr, options []*wire.Option)) EngineOption {
	return func(e *Engine) { e.onOfferResolved = f }
}

// WithSubscribeAck registers a callback invoked when a remote
// acknowledges or rejects our SubscribeEventgroup.
func WithSubscribeAck(f func(serviceID, instanceID, eventgroupID uint16, ok bool)) EngineOption {
	return func(e *Engine) { e.onSubscribeAck = f }
}

// NewEngine constructs an Engine. clock is normally clockwork.NewRealClock();
// tests pass clockwork.NewFakeClock() for deterministic phase timing.
func NewEngine(log *slog.Logger, timing Timing, clock clockwork.Clock, transport Transport, opts ...EngineOption) *Engine {
	e := &Engine{
		log:       log,
		timing:    timing,
		sched:     NewScheduler(log, clock),
		transport: transport,
		sessions:  NewSessionCounter(),
		offered:   make(map[wire.ServiceID]map[wire.InstanceID]*OfferedService),
		finding:   make(map[wire.ServiceID]map[wire.InstanceID]*FindingService),
	}
	e.peers = NewPeerTracker(func(addr string, multicast bool) {
		metricRebootsDetected.WithLabelValues(fmt.Sprintf("%t", multicast)).Inc()
		e.subs.RemoveByAddr(addr)
	})
	e.subs = NewSubscriberStore(func(sub Subscriber) {
		metricSubscribersExpired.WithLabelValues().Inc()
		metricSubscribersActive.WithLabelValues(hex16(sub.Key.ServiceID), hex16(sub.Key.EventgroupID)).Dec()
	})
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run drives the engine's scheduler until ctx is cancelled. It blocks.
func (e *Engine) Run(ctx context.Context) error {
	return e.sched.Run(ctx)
}

// OfferService registers a locally offered service instance and schedules
// its Initial-Wait/Repetition/Main sends (spec.md §4.3, scenario 4).
func (e *Engine) OfferService(cfg OfferConfig) *OfferedService {
	svc := NewOfferedService(cfg, e.timing)

	e.mu.Lock()
	byInstance, ok := e.offered[cfg.ServiceID]
	if !ok {
		byInstance = make(map[wire.InstanceID]*OfferedService)
		e.offered[cfg.ServiceID] = byInstance
	}
	byInstance[cfg.InstanceID] = svc
	e.mu.Unlock()

	e.sched.After(svc.InitialDelay(e.rnd), func(time.Time) { e.sendOffer(svc) })
	return svc
}

// StopOfferService stops a service's schedule and emits a best-effort
// StopOffer (ttl=0), per spec.md §4.2 "Cancellation".
func (e *Engine) StopOfferService(serviceID, instanceID uint16) {
	e.mu.Lock()
	byInstance := e.offered[serviceID]
	var svc *OfferedService
	if byInstance != nil {
		svc = byInstance[instanceID]
	}
	e.mu.Unlock()
	if svc == nil {
		return
	}
	svc.Stop()
	_ = e.transport.SendMulticast(e.wrap(svc.Entry(0)))
}

func (e *Engine) sendOffer(svc *OfferedService) {
	if svc.Phase() == PhaseStopped {
		return
	}
	_ = e.transport.SendMulticast(e.wrap(svc.Entry(e.timing.TTL)))
	metricOffersSent.WithLabelValues(svc.Phase().String()).Inc()

	if d, ok := svc.NextRepeatDelay(); ok {
		e.sched.After(d, func(time.Time) { e.sendOffer(svc) })
		return
	}
	if d, ok := svc.CyclicDelay(); ok {
		e.sched.After(d, func(time.Time) { e.sendOffer(svc) })
	}
}

// FindService registers a locally wanted remote service instance and
// schedules its Initial-Wait/Repetition find sends.
func (e *Engine) FindService(cfg FindConfig) *FindingService {
	svc := NewFindingService(cfg, e.timing)

	e.mu.Lock()
	byInstance, ok := e.finding[cfg.ServiceID]
	if !ok {
		byInstance = make(map[wire.InstanceID]*FindingService)
		e.finding[cfg.ServiceID] = byInstance
	}
	byInstance[cfg.InstanceID] = svc
	e.mu.Unlock()

	e.sched.After(svc.InitialDelay(e.rnd), func(time.Time) { e.sendFind(svc) })
	return svc
}

func (e *Engine) sendFind(svc *FindingService) {
	if svc.Phase() == PhaseStopped {
		return
	}
	_ = e.transport.SendMulticast(e.wrap(svc.Entry()))
	metricFindsSent.WithLabelValues().Inc()

	if d, ok := svc.NextRepeatDelay(); ok {
		e.sched.After(d, func(time.Time) { e.sendFind(svc) })
	}
}

func (e *Engine) wrap(entry *wire.Entry) *wire.SDMessage {
	_, reboot := e.sessions.Next()
	flags := wire.SDFlags(0)
	if reboot {
		flags |= wire.FlagReboot
	}
	flags |= wire.FlagUnicastSupported
	return &wire.SDMessage{Flags: flags, Entries: []*wire.Entry{entry}}
}

// HandleIncoming processes one received SD message. from is the sender's
// address (for unicast replies), multicast reports whether it arrived on
// the multicast group or a unicast socket (for reboot-tuple tracking),
// and sessionID/reboot are the SD header fields that feed reboot
// detection (spec.md §4.3 "Reboot detection").
func (e *Engine) HandleIncoming(from net.Addr, multicast bool, sessionID uint16, reboot bool, msg *wire.SDMessage) {
	e.peers.Observe(from.String(), multicast, sessionID, reboot)

	for _, entry := range msg.Entries {
		switch entry.Type {
		case wire.EntryFindService:
			e.handleFind(from, entry)
		case wire.EntryOfferService, wire.EntryStopOfferService:
			e.handleOffer(from, entry, msg.Options)
		case wire.EntrySubscribeEventgroup:
			e.handleSubscribe(from, entry, msg.Options)
		case wire.EntryStopSubscribe:
			e.handleStopSubscribe(from, entry)
		case wire.EntrySubscribeEventgroupAck, wire.EntrySubscribeEventgroupNack:
			if e.onSubscribeAck != nil {
				e.onSubscribeAck(entry.ServiceID, entry.InstanceID, entry.EventgroupID, entry.Type == wire.EntrySubscribeEventgroupAck)
			}
		}
	}
}

func (e *Engine) handleFind(from net.Addr, entry *wire.Entry) {
	e.mu.Lock()
	byInstance := e.offered[entry.ServiceID]
	var matches []*OfferedService
	for _, svc := range byInstance {
		if svc.Matches(entry) && svc.Phase() != PhaseStopped {
			matches = append(matches, svc)
		}
	}
	e.mu.Unlock()
	for _, svc := range matches {
		_ = e.transport.SendUnicast(from, e.wrap(svc.Entry(e.timing.TTL)))
	}
}

func (e *Engine) handleOffer(from net.Addr, entry *wire.Entry, options []*wire.Option) {
	e.mu.Lock()
	byInstance := e.finding[entry.ServiceID]
	var matches []*FindingService
	for _, svc := range byInstance {
		if svc.MatchesOffer(entry) {
			matches = append(matches, svc)
		}
	}
	e.mu.Unlock()
	for _, svc := range matches {
		svc.Resolve()
	}
	if len(matches) > 0 && e.onOfferResolved != nil {
		e.onOfferResolved(entry.ServiceID, entry.InstanceID, from, resolveOptions(entry, options))
	}
}

func (e *Engine) handleSubscribe(from net.Addr, entry *wire.Entry, options []*wire.Option) {
	e.mu.Lock()
	byInstance := e.offered[entry.ServiceID]
	var svc *OfferedService
	if byInstance != nil {
		svc = byInstance[entry.InstanceID]
	}
	e.mu.Unlock()

	ackEntry := &wire.Entry{Type: wire.EntrySubscribeEventgroupNack, ServiceID: entry.ServiceID, InstanceID: entry.InstanceID, EventgroupID: entry.EventgroupID, Counter: entry.Counter}
	if svc != nil && svc.Phase() != PhaseStopped {
		target, multicast := subscriberTarget(entry, options, from)
		sub := Subscriber{
			Key:       SubscriberKey{ServiceID: entry.ServiceID, InstanceID: entry.InstanceID, EventgroupID: entry.EventgroupID, Addr: target.String()},
			Addr:      target,
			Multicast: multicast,
		}
		e.subs.Refresh(sub, e.timing.TTL)
		metricSubscribersActive.WithLabelValues(hex16(entry.ServiceID), hex16(entry.EventgroupID)).Inc()
		ackEntry = &wire.Entry{Type: wire.EntrySubscribeEventgroupAck, ServiceID: entry.ServiceID, InstanceID: entry.InstanceID, EventgroupID: entry.EventgroupID, Counter: entry.Counter, TTL: uint32(e.timing.TTL / time.Second)}
	}
	_ = e.transport.SendUnicast(from, e.wrap(ackEntry))
}

func (e *Engine) handleStopSubscribe(from net.Addr, entry *wire.Entry) {
	e.subs.Remove(SubscriberKey{ServiceID: entry.ServiceID, InstanceID: entry.InstanceID, EventgroupID: entry.EventgroupID, Addr: from.String()})
}

// subscriberTarget resolves the delivery address for a subscription from
// its endpoint option (spec.md §3 "SD option"), falling back to the
// sender's own address if no option is present. An IPv4/IPv6 multicast
// option marks the subscription as multicast for fanout purposes
// (spec.md §4.4 "Notification").
func subscriberTarget(entry *wire.Entry, options []*wire.Option, fallback net.Addr) (net.Addr, bool) {
	for _, i := range entry.Options1 {
		if i < 0 || i >= len(options) {
			continue
		}
		o := options[i]
		switch o.Type {
		case wire.OptionIPv4Endpoint, wire.OptionIPv6Endpoint:
			return addrFromOption(o), false
		case wire.OptionIPv4Multicast, wire.OptionIPv6Multicast:
			return addrFromOption(o), true
		}
	}
	return fallback, false
}

func addrFromOption(o *wire.Option) net.Addr {
	if o.Proto == wire.L4TCP {
		return &net.TCPAddr{IP: o.Addr, Port: int(o.Port)}
	}
	return &net.UDPAddr{IP: o.Addr, Port: int(o.Port)}
}

// Subscribers returns the live subscribers of one eventgroup, for routing
// fanout (spec.md §4.4).
func (e *Engine) Subscribers(serviceID, instanceID, eventgroupID uint16) []Subscriber {
	return e.subs.For(serviceID, instanceID, eventgroupID)
}

func resolveOptions(entry *wire.Entry, options []*wire.Option) []*wire.Option {
	idxs := append(append([]int{}, entry.Options1...), entry.Options2...)
	out := make([]*wire.Option, 0, len(idxs))
	for _, i := range idxs {
		if i >= 0 && i < len(options) {
			out = append(out, options[i])
		}
	}
	return out
}

func hex16(v uint16) string { return fmt.Sprintf("0x%04x", v) }
