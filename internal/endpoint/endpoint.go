// Package endpoint implements the SOME/IP endpoint layer: per-connection
// framing, batching, reconnection, and magic-cookie resynchronization for
// TCP, UDP, and local-stream sockets.
//
// Each endpoint owns a read-loop goroutine and drains its send queue from
// a write-drain goroutine; sends are funneled through the queue's mutex,
// which guards the packetizer and send queue, while connection state is
// kept separately (an atomic state plus a connection mutex), matching the
// single-reactor ordering guarantees of spec.md §5 without a literal
// single-threaded event loop.
package endpoint

import (
	"errors"
	"log/slog"
	"net"
	"time"
)

// Protocol identifies the transport an endpoint binds.
type Protocol uint8

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
	ProtocolLocalStream
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolLocalStream:
		return "local"
	}
	return "unknown"
}

func (p Protocol) network() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolLocalStream:
		return "unix"
	}
	return ""
}

func (p Protocol) stream() bool { return p == ProtocolTCP || p == ProtocolLocalStream }

// State is a client endpoint's connection state (spec.md §3 "Endpoint").
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Errors surfaced by the endpoint layer (spec.md §7).
var (
	ErrMessageTooLarge = errors.New("endpoint: message exceeds configured maximum size")
	ErrQueueFull       = errors.New("endpoint: send queue at capacity")
	ErrBrokenPipe      = errors.New("endpoint: broken pipe")
	ErrClosed          = errors.New("endpoint: closed")
	ErrBind            = errors.New("endpoint: cannot bind local socket")
)

// Target identifies the remote side of a send, used by server endpoints
// whose sends address a specific peer (spec.md §4.2.3 "send_to").
type Target struct {
	Addr net.Addr
}

// Handler receives upward-delivered messages and connection lifecycle
// events for one endpoint. Each Client/Server is constructed with its own
// Handler, so callbacks need no self-reference back to the endpoint —
// sidestepping the host-language's callback-ownership-cycle concern
// (spec.md §9 "Timers with self-reference") entirely; a Go closure or
// struct method value captures exactly what it needs. Implementations
// must not block; slow work belongs behind the routing core's per-client
// mailboxes, not here (spec.md §5 "small worker pool").
type Handler interface {
	// OnMessage delivers one complete SOME/IP frame received from peer,
	// header included — callers that need to route on ServiceID/MethodID/
	// ClientID/SessionID decode it themselves via wire.Decode. peer is the
	// sender's address; for stream clients it is the connection's remote
	// address.
	OnMessage(peer net.Addr, frame []byte)
	// OnConnect fires when a client endpoint (re)establishes its connection.
	OnConnect()
	// OnDisconnect fires when a previously-connected client endpoint drops.
	OnDisconnect()
}

// Options configures endpoint construction. Zero values are replaced with
// the stated spec defaults by NewClient and NewServer — flush_timeout and connect_timeout are
// required configuration per spec.md §9's Open Question resolution, never
// hard-coded constants.
type Options struct {
	Logger *slog.Logger

	MaxMessageSize int // spec.md §3 "payload| ≤ configured max"
	QueueDepth     int // bounded send queue depth, spec.md §5 "Backpressure"

	FlushTimeout time.Duration // default 1s

	// ConnectTimeout is the initial reconnect backoff interval for client
	// endpoints (default 1s), doubled on each failure and capped by
	// ConnectTimeoutMax (default 32s), reset to ConnectTimeout on success.
	ConnectTimeout    time.Duration
	ConnectTimeoutMax time.Duration

	// MagicCookie enables cookie-based resync on this (address, port) for
	// TCP endpoints (spec.md §3 "Magic cookie").
	MagicCookie bool
}

const (
	defaultFlushTimeout      = time.Second
	defaultQueueDepth        = 256
	defaultConnectTimeout    = time.Second
	defaultConnectTimeoutMax = 32 * time.Second
	defaultMaxMessageSize    = 1 << 16
)

func (o *Options) setDefaults() {
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = defaultFlushTimeout
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ConnectTimeoutMax <= 0 {
		o.ConnectTimeoutMax = defaultConnectTimeoutMax
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
