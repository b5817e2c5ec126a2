package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// key identifies a shared endpoint by its 5-tuple-minus-role binding:
// protocol, local/remote address, and port (spec.md §4.2.4).
type key struct {
	protocol Protocol
	addr     string
}

// Manager is the sole owner of endpoint lifetime: a mapping
// (protocol, address, port) → endpoint, shared among every service that
// reuses the same binding (spec.md §4.2.4, DESIGN NOTES §9 "Shared
// ownership of endpoints"). Callers hold the returned handle and
// re-resolve through the Manager on each use rather than caching it
// indefinitely, so a torn-down-and-recreated endpoint is picked up
// automatically.
//
// Grounded on the teacher's netlink.NetlinkManager / manager.NetlinkManager
// construction style: functional Option arguments over a mutex-guarded
// map, rather than a constructor with a long positional parameter list.
type Manager struct {
	log  *slog.Logger
	opts Options

	mu       sync.Mutex
	servers  map[key]*Server
	clients  map[key]*Client
	refs     map[key]int
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.WaitGroup
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the default logger used for every endpoint the
// manager creates.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithOptions sets the base Options applied to every endpoint the
// manager creates (flush timeout, queue depth, message size ceiling).
func WithOptions(o Options) Option {
	return func(m *Manager) { m.opts = o }
}

// NewManager constructs an endpoint Manager bound to ctx: all endpoints
// it creates are torn down when ctx is cancelled or Close is called.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	runCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		log:     slog.Default(),
		servers: make(map[key]*Server),
		clients: make(map[key]*Client),
		refs:    make(map[key]int),
		ctx:     runCtx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(m)
	}
	if m.opts.Logger == nil {
		m.opts.Logger = m.log
	}
	return m
}

// ClientFor returns the shared client endpoint for (protocol, remote),
// creating and starting it on first use.
func (m *Manager) ClientFor(protocol Protocol, remote string, h Handler) *Client {
	k := key{protocol: protocol, addr: remote}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[k]; ok {
		m.refs[k]++
		return c
	}
	c := NewClient(protocol, remote, m.opts, h)
	m.clients[k] = c
	m.refs[k] = 1
	m.shutdown.Add(1)
	go func() {
		defer m.shutdown.Done()
		if err := c.Run(m.ctx); err != nil && m.ctx.Err() == nil {
			m.log.Warn("endpoint manager: client run exited", "remote", remote, "error", err)
		}
	}()
	return c
}

// ServerFor returns the shared server endpoint for (protocol, local),
// binding it synchronously on first use so a bind failure is returned to
// the caller here rather than only logged from the background read loop
// (spec.md §6 exit code 2, §7 "bind failures are surfaced at
// initialization").
func (m *Manager) ServerFor(protocol Protocol, local string, h Handler) (*Server, error) {
	k := key{protocol: protocol, addr: local}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.servers[k]; ok {
		m.refs[k]++
		return s, nil
	}
	s := NewServer(protocol, local, m.opts, h)
	if err := s.Bind(); err != nil {
		return nil, err
	}
	m.servers[k] = s
	m.refs[k] = 1
	m.shutdown.Add(1)
	go func() {
		defer m.shutdown.Done()
		if err := s.Run(m.ctx); err != nil && m.ctx.Err() == nil {
			m.log.Warn("endpoint manager: server run exited", "local", local, "error", err)
		}
	}()
	return s, nil
}

// Release drops one reference to the (protocol, addr) binding. When the
// last reference is released, the endpoint is closed and removed.
func (m *Manager) Release(protocol Protocol, addr string) error {
	k := key{protocol: protocol, addr: addr}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[k]--
	if m.refs[k] > 0 {
		return nil
	}
	delete(m.refs, k)
	if c, ok := m.clients[k]; ok {
		delete(m.clients, k)
		return c.Close()
	}
	if s, ok := m.servers[k]; ok {
		delete(m.servers, k)
		return s.Close()
	}
	return fmt.Errorf("endpoint manager: no endpoint for %s %s", protocol, addr)
}

// Close tears down every endpoint the manager owns.
func (m *Manager) Close() error {
	m.cancel()
	m.mu.Lock()
	for _, c := range m.clients {
		c.Close()
	}
	for _, s := range m.servers {
		s.Close()
	}
	m.mu.Unlock()
	m.shutdown.Wait()
	return nil
}
