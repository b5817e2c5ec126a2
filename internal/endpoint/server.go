package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/covesa/someip-go/internal/wire"
)

// Server is a server endpoint: it accepts connections (TCP, local-stream)
// or receives datagrams (UDP) and dispatches messages upward with the
// source address attached (spec.md §4.2.3). Per-peer state mirrors a
// Client minus reconnect; SendTo selects or creates the per-peer send
// path for a given target.
type Server struct {
	protocol Protocol
	local    string
	opts     Options
	handler  Handler
	log      *slog.Logger

	mu    sync.Mutex
	peers map[string]*peer

	ln      net.Listener
	udpConn *net.UDPConn

	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// peer is one remote's send path on a server endpoint: its own
// packetizer/queue (so one slow peer cannot starve another) and, for
// stream protocols, its own accepted net.Conn.
type peer struct {
	q       *queue
	conn    net.Conn // stream only
	addr    net.Addr
	writeCh chan struct{}
}

// NewServer constructs a server endpoint bound to local (host:port for
// TCP/UDP, socket path for local-stream).
func NewServer(protocol Protocol, local string, opts Options, h Handler) *Server {
	opts.setDefaults()
	return &Server{
		protocol: protocol,
		local:    local,
		opts:     opts,
		handler:  h,
		log:      opts.Logger,
		peers:    make(map[string]*peer),
		closeCh:  make(chan struct{}),
	}
}

// Bind performs the synchronous socket bind (Listen/ListenUDP) so a
// caller — notably Manager.ServerFor — can surface a bind failure before
// starting the read loop, rather than discovering it only once Run has
// already been launched in a background goroutine. Calling it when the
// socket is already bound is a no-op, so Run, which calls Bind itself,
// works whether or not Bind was called first.
func (s *Server) Bind() error {
	s.mu.Lock()
	alreadyBound := s.ln != nil || s.udpConn != nil
	s.mu.Unlock()
	if alreadyBound {
		return nil
	}
	if s.protocol == ProtocolUDP {
		addr, err := net.ResolveUDPAddr("udp", s.local)
		if err != nil {
			return ErrBind
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return ErrBind
		}
		s.mu.Lock()
		s.udpConn = conn
		s.mu.Unlock()
		return nil
	}
	ln, err := net.Listen(s.protocol.network(), s.local)
	if err != nil {
		return ErrBind
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Run drives the endpoint until ctx is cancelled or Close is called,
// binding the local socket first if Bind was not already called. It
// blocks.
func (s *Server) Run(ctx context.Context) error {
	defer s.wg.Wait()
	if err := s.Bind(); err != nil {
		return err
	}
	if s.protocol == ProtocolUDP {
		return s.runUDP(ctx)
	}
	return s.runStream(ctx)
}

// Close stops accepting/receiving, closes all peer connections, and
// clears their send queues.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	ln := s.ln
	udpConn := s.udpConn
	s.mu.Unlock()

	for _, p := range peers {
		p.q.close()
		if p.conn != nil {
			p.conn.Close()
		}
	}
	if ln != nil {
		ln.Close()
	}
	if udpConn != nil {
		udpConn.Close()
	}
	return nil
}

// SendTo submits bytes for delivery to target (spec.md §4.2.3
// "send_to"), selecting the existing peer path for target or creating
// one. For stream protocols, target must already be connected (a server
// cannot originate outbound TCP/unix connections); callers of this
// endpoint are expected to look up an existing peer or route via a
// Client instead.
func (s *Server) SendTo(target Target, b []byte, flush bool) error {
	s.mu.Lock()
	key := target.Addr.String()
	p, ok := s.peers[key]
	if !ok {
		if s.protocol != ProtocolUDP {
			s.mu.Unlock()
			return ErrClosed
		}
		p = s.newPeerLocked(target.Addr)
	}
	s.mu.Unlock()

	trigger, err := p.q.send(b, flush)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			metricQueueFull.WithLabelValues(s.protocol.String(), key).Inc()
		}
		return err
	}
	metricQueueDepth.WithLabelValues(s.protocol.String(), key).Set(float64(p.q.depth()))
	if trigger {
		select {
		case p.writeCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Server) newPeerLocked(addr net.Addr) *peer {
	p := &peer{addr: addr, writeCh: make(chan struct{}, 1)}
	p.q = newQueue(s.opts.MaxMessageSize, s.opts.QueueDepth, s.opts.FlushTimeout, func() {
		select {
		case p.writeCh <- struct{}{}:
		default:
		}
	})
	s.peers[addr.String()] = p
	if s.protocol == ProtocolUDP {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.writeDrainUDPPeer(p)
		}()
	}
	return p
}

// --- stream (TCP / local-stream) ---

func (s *Server) runStream(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	p := &peer{conn: conn, addr: conn.RemoteAddr(), writeCh: make(chan struct{}, 1)}
	p.q = newQueue(s.opts.MaxMessageSize, s.opts.QueueDepth, s.opts.FlushTimeout, func() {
		select {
		case p.writeCh <- struct{}{}:
		default:
		}
	})
	s.mu.Lock()
	s.peers[p.addr.String()] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p.addr.String())
		s.mu.Unlock()
		p.q.close()
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeDrainStreamPeer(p)
	}()

	s.receiveStream(conn, p.addr)
	<-done
}

func (s *Server) writeDrainStreamPeer(p *peer) {
	for {
		buf, ok := p.q.head()
		if !ok {
			select {
			case <-p.writeCh:
				continue
			case <-s.closeCh:
				return
			}
		}
		if _, err := p.conn.Write(buf); err != nil {
			s.log.Debug("endpoint: server write error", "peer", p.addr, "error", err)
			p.conn.Close()
			return
		}
		if _, ok := p.q.advance(); !ok {
			continue
		}
	}
}

func (s *Server) receiveStream(conn net.Conn, peerAddr net.Addr) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			buf = s.drainStreamBuffer(conn, buf, peerAddr)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) drainStreamBuffer(conn net.Conn, buf []byte, peerAddr net.Addr) []byte {
	for {
		size, ok := wire.MessageSize(buf)
		if !ok {
			return buf
		}
		if size > s.opts.MaxMessageSize {
			if s.opts.MagicCookie {
				if resume, found := wire.ScanForCookie(buf); found {
					metricCookieResyncs.WithLabelValues(peerAddr.String()).Inc()
					buf = buf[resume:]
					continue
				}
			}
			conn.Close()
			return nil
		}
		if len(buf) < size {
			return buf
		}
		msg := buf[:size]
		buf = buf[size:]
		m, _, err := wire.Decode(msg, s.opts.MaxMessageSize)
		if err != nil {
			if s.opts.MagicCookie {
				if resume, found := wire.ScanForCookie(buf); found {
					buf = buf[resume:]
					continue
				}
			}
			continue
		}
		if wire.IsCookie(m) {
			continue
		}
		s.handler.OnMessage(peerAddr, append([]byte(nil), msg...))
	}
}

// --- UDP ---

func (s *Server) runUDP(ctx context.Context) error {
	s.mu.Lock()
	conn := s.udpConn
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65535)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeCh:
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
		s.deliverDatagram(raddr, buf[:n])
	}
}

func (s *Server) deliverDatagram(peerAddr net.Addr, data []byte) {
	for len(data) > 0 {
		size, ok := wire.MessageSize(data)
		if !ok || size > len(data) {
			return
		}
		m, n, err := wire.Decode(data[:size], s.opts.MaxMessageSize)
		if err == nil && !wire.IsCookie(m) {
			s.handler.OnMessage(peerAddr, append([]byte(nil), data[:size]...))
		}
		data = data[n:]
	}
}

func (s *Server) writeDrainUDPPeer(p *peer) {
	for {
		buf, ok := p.q.head()
		if !ok {
			select {
			case <-p.writeCh:
				continue
			case <-s.closeCh:
				return
			}
		}
		s.mu.Lock()
		conn := s.udpConn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		if udpAddr, ok := p.addr.(*net.UDPAddr); ok {
			if _, err := conn.WriteToUDP(buf, udpAddr); err != nil {
				s.log.Debug("endpoint: udp send_to error", "peer", p.addr, "error", err)
			}
		}
		if _, ok := p.q.advance(); !ok {
			continue
		}
	}
}
