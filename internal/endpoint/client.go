package endpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/covesa/someip-go/internal/wire"
)

// Client is a client endpoint over a stream transport (TCP or local-stream
// unix socket) or a datagram transport (UDP). It owns the packetizer/send
// queue (via *queue), a reconnect backoff (stream only), and a read-loop
// goroutine that delivers framed messages to Handler (spec.md §4.2.1,
// §4.2.2).
//
// Grounded on the original client_endpoint_impl.cpp state machine
// (connect/send/receive/broken-pipe handling), rewritten with Go
// goroutines and channels in place of ASIO completion handlers, and on
// internal/liveness/udp.go for the UDP wrapper shape.
type Client struct {
	protocol Protocol
	remote   string // "host:port" or unix path
	opts     Options
	handler  Handler
	log      *slog.Logger

	q *queue

	state  atomic.Int32 // State
	connMu sync.Mutex
	conn   net.Conn // stream only

	udpConn *net.UDPConn // UDP only

	boff backoff.BackOff

	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	writeCh chan struct{}
}

// NewClient constructs a client endpoint for remote (host:port for
// TCP/UDP, socket path for local-stream). Connection attempts (stream) or
// socket creation (UDP) start on the first call to Run.
func NewClient(protocol Protocol, remote string, opts Options, h Handler) *Client {
	opts.setDefaults()
	c := &Client{
		protocol: protocol,
		remote:   remote,
		opts:     opts,
		handler:  h,
		log:      opts.Logger,
		closeCh:  make(chan struct{}),
		writeCh:  make(chan struct{}, 1),
	}
	c.q = newQueue(opts.MaxMessageSize, opts.QueueDepth, opts.FlushTimeout, c.kick)
	c.state.Store(int32(StateIdle))
	c.boff = newReconnectBackoff(opts.ConnectTimeout, opts.ConnectTimeoutMax)
	return c
}

func newReconnectBackoff(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never give up
	b.Reset()            // start the current interval at initial, not the library default
	return b
}

// State reports the endpoint's current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) kick() {
	select {
	case c.writeCh <- struct{}{}:
	default:
	}
}

// Send submits bytes for delivery (spec.md §4.2.1 "Send path"). flush
// forces an immediate enqueue and cancels the flush timer.
func (c *Client) Send(b []byte, flush bool) error {
	trigger, err := c.q.send(b, flush)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			metricQueueFull.WithLabelValues(c.protocol.String(), c.remote).Inc()
		}
		return err
	}
	metricQueueDepth.WithLabelValues(c.protocol.String(), c.remote).Set(float64(c.q.depth()))
	if trigger {
		c.kick()
	}
	return nil
}

// Run drives the endpoint until ctx is cancelled or Close is called. For
// stream protocols it connects (with reconnect backoff on failure); for
// UDP it opens the socket once. It blocks.
func (c *Client) Run(ctx context.Context) error {
	defer c.wg.Wait()
	if c.protocol == ProtocolUDP {
		return c.runUDP(ctx)
	}
	return c.runStream(ctx)
}

// Close stops the endpoint: cancels timers, closes the socket, clears the
// send queue (spec.md §5 "Cancellation").
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeCh)
	c.q.close()
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	if c.udpConn != nil {
		return c.udpConn.Close()
	}
	return nil
}

// --- stream (TCP / local-stream) ---

func (c *Client) runStream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		default:
		}

		conn, err := net.Dial(c.protocol.network(), c.remote)
		if err != nil {
			c.onConnectFailure(ctx, err)
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		wasConnected := c.State() == StateConnected
		c.state.Store(int32(StateConnected))
		c.boff.Reset()
		if !wasConnected {
			c.handler.OnConnect()
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.writeDrainStream(conn)
		}()

		c.receiveStream(conn) // blocks until the connection drops

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		select {
		case <-c.closeCh:
			return nil
		default:
		}
		if c.State() == StateConnected {
			c.state.Store(int32(StateConnecting))
			c.handler.OnDisconnect()
		}
	}
}

func (c *Client) onConnectFailure(ctx context.Context, err error) {
	c.log.Debug("endpoint: connect failed", "remote", c.remote, "error", err)
	c.state.Store(int32(StateConnecting))
	metricReconnects.WithLabelValues(c.protocol.String(), c.remote).Inc()
	d := c.boff.NextBackOff()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.closeCh:
	case <-t.C:
	}
}

func (c *Client) writeDrainStream(conn net.Conn) {
	for {
		buf, ok := c.q.head()
		if !ok {
			select {
			case <-c.writeCh:
				continue
			case <-c.closeCh:
				return
			}
		}
		if _, err := conn.Write(buf); err != nil {
			c.handleWriteError(conn, err)
			return
		}
		if _, ok := c.q.advance(); !ok {
			continue
		}
	}
}

func (c *Client) handleWriteError(conn net.Conn, err error) {
	if isBrokenPipe(err) {
		c.log.Debug("endpoint: broken pipe", "remote", c.remote)
	} else {
		c.log.Debug("endpoint: write error", "remote", c.remote, "error", err)
	}
	conn.Close()
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// receiveStream reads into a growing buffer and delivers complete
// SOME/IP messages upward (spec.md §4.2.1 "Receive path (stream)"). It
// returns when the connection is closed or unrecoverable.
func (c *Client) receiveStream(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			buf = c.drainStreamBuffer(conn, buf)
		}
		if err != nil {
			return
		}
	}
}

// drainStreamBuffer extracts as many complete messages as buf holds,
// delivering each upward, and returns the unconsumed remainder. On a
// malformed/oversized boundary it attempts magic-cookie resync when
// enabled, otherwise the caller's connection is dropped.
func (c *Client) drainStreamBuffer(conn net.Conn, buf []byte) []byte {
	for {
		size, ok := wire.MessageSize(buf)
		if !ok {
			return buf // fewer than 8 bytes; wait for more
		}
		if size > c.opts.MaxMessageSize {
			if c.opts.MagicCookie {
				if resume, found := wire.ScanForCookie(buf); found {
					metricCookieResyncs.WithLabelValues(c.remote).Inc()
					buf = buf[resume:]
					continue
				}
			}
			c.log.Warn("endpoint: oversized frame, dropping connection", "remote", c.remote, "size", size)
			conn.Close()
			return nil
		}
		if len(buf) < size {
			return buf // incomplete; wait for more
		}
		msg := buf[:size]
		buf = buf[size:]
		m, _, err := wire.Decode(msg, c.opts.MaxMessageSize)
		if err != nil {
			if c.opts.MagicCookie {
				if resume, found := wire.ScanForCookie(buf); found {
					buf = buf[resume:]
					continue
				}
			}
			continue
		}
		if wire.IsCookie(m) {
			continue // cookies are never delivered upward
		}
		c.handler.OnMessage(conn.RemoteAddr(), append([]byte(nil), msg...))
	}
}

// --- UDP ---

func (c *Client) runUDP(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", c.remote)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return ErrBind
	}
	c.connMu.Lock()
	c.udpConn = conn
	c.connMu.Unlock()
	c.state.Store(int32(StateConnected))
	c.handler.OnConnect()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writeDrainUDP(conn)
	}()

	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closeCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		c.deliverDatagram(conn.RemoteAddr(), buf[:n])
	}
}

func (c *Client) deliverDatagram(peer net.Addr, data []byte) {
	for len(data) > 0 {
		size, ok := wire.MessageSize(data)
		if !ok || size > len(data) {
			return
		}
		m, n, err := wire.Decode(data[:size], c.opts.MaxMessageSize)
		if err == nil && !wire.IsCookie(m) {
			c.handler.OnMessage(peer, append([]byte(nil), data[:size]...))
		}
		data = data[n:]
	}
}

func (c *Client) writeDrainUDP(conn *net.UDPConn) {
	for {
		buf, ok := c.q.head()
		if !ok {
			select {
			case <-c.writeCh:
				continue
			case <-c.closeCh:
				return
			}
		}
		if _, err := conn.Write(buf); err != nil {
			c.log.Debug("endpoint: udp write error", "remote", c.remote, "error", err)
		}
		if _, ok := c.q.advance(); !ok {
			continue
		}
	}
}
