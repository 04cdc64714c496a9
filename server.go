// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"code.hybscloud.com/tinywire/internal/hostaddr"
)

// listenBacklog is the fixed backlog every listening socket is bound with.
const listenBacklog = 5

// ListenAddr is a (host, port) pair to listen on. Host must be a literal
// IPv4 dotted-quad address; port must be in [1,65535].
type ListenAddr struct {
	Host string
	Port int
}

// ServerHooks are the server's extension points. All default to no-ops;
// embed NoopServerHooks to implement only the ones you need.
type ServerHooks interface {
	PreLoop(s *Server)
	PostLoop(s *Server)
	LoopPass(s *Server)
	ConnInit(s *Server, id uuid.UUID, c *Connection)
	ConnShutdown(s *Server, id uuid.UUID, c *Connection)
}

// NoopServerHooks is the default ServerHooks implementation.
type NoopServerHooks struct{}

func (NoopServerHooks) PreLoop(*Server)                              {}
func (NoopServerHooks) PostLoop(*Server)                             {}
func (NoopServerHooks) LoopPass(*Server)                             {}
func (NoopServerHooks) ConnInit(*Server, uuid.UUID, *Connection)     {}
func (NoopServerHooks) ConnShutdown(*Server, uuid.UUID, *Connection) {}

type serverConfig struct {
	plugins     []PluginProvider
	handler     ConnectionFactory
	hooks       ServerHooks
	connLimit   int // 0 means unlimited
	listenAddrs []ListenAddr
	logger      Logger
}

var defaultServerConfig = serverConfig{
	hooks:       NoopServerHooks{},
	listenAddrs: []ListenAddr{{Host: "0.0.0.0", Port: 8899}},
	logger:      defaultLogger(),
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverConfig)

// WithServerPlugins registers the plugin pipeline applied to every
// accepted connection.
func WithServerPlugins(plugins ...PluginProvider) ServerOption {
	return func(sc *serverConfig) { sc.plugins = append(sc.plugins, plugins...) }
}

// WithServerHandler sets the connection_handler factory used for every
// accepted connection.
func WithServerHandler(h ConnectionFactory) ServerOption {
	return func(sc *serverConfig) { sc.handler = h }
}

// WithServerHooks sets the server's lifecycle hooks.
func WithServerHooks(h ServerHooks) ServerOption {
	return func(sc *serverConfig) { sc.hooks = h }
}

// WithConnectionLimit caps the number of simultaneously live connections.
// A zero or negative limit means unlimited.
func WithConnectionLimit(limit int) ServerOption {
	return func(sc *serverConfig) { sc.connLimit = limit }
}

// WithListenAddrs replaces the server's listen address list (the default
// is {0.0.0.0:8899}).
func WithListenAddrs(addrs ...ListenAddr) ServerOption {
	return func(sc *serverConfig) { sc.listenAddrs = append([]ListenAddr(nil), addrs...) }
}

// WithServerLogger overrides the server's logger.
func WithServerLogger(l Logger) ServerOption {
	return func(sc *serverConfig) { sc.logger = l }
}

// Server listens on one or more IPv4/TCP addresses, accepts connections up
// to an optional connection limit, and owns the registry of live
// Connections.
type Server struct {
	handler         ConnectionFactory
	pluginProviders []PluginProvider
	hooks           ServerHooks
	logger          Logger

	listenAddrs []ListenAddr
	listeners   []net.Listener

	sem *semaphore.Weighted

	mu       sync.Mutex
	registry map[uuid.UUID]*Connection

	shutdown atomic.Bool
	acceptCh chan acceptedSocket
}

type acceptedSocket struct {
	conn net.Conn
}

// NewServer constructs a Server. Listen addresses are validated
// immediately (ConfigError on a bad port or a non-IPv4-dotted-quad host).
func NewServer(opts ...ServerOption) (*Server, error) {
	sc := defaultServerConfig
	for _, opt := range opts {
		opt(&sc)
	}

	for _, a := range sc.listenAddrs {
		if err := validateListenAddr(a); err != nil {
			return nil, newConfigError("new server", err)
		}
	}

	s := &Server{
		handler:         sc.handler,
		pluginProviders: sc.plugins,
		hooks:           sc.hooks,
		logger:          sc.logger,
		listenAddrs:     sc.listenAddrs,
		registry:        make(map[uuid.UUID]*Connection),
	}
	if sc.connLimit > 0 {
		s.sem = semaphore.NewWeighted(int64(sc.connLimit))
	}
	return s, nil
}

func validateListenAddr(a ListenAddr) error {
	if err := hostaddr.ValidatePort(a.Port); err != nil {
		return err
	}
	if _, err := hostaddr.ParseDottedQuad(a.Host); err != nil {
		return err
	}
	return nil
}

// AddListenAddr appends one more address to listen on. Must be called
// before Start.
func (s *Server) AddListenAddr(host string, port int) error {
	a := ListenAddr{Host: host, Port: port}
	if err := validateListenAddr(a); err != nil {
		return newConfigError("add listen addr", err)
	}
	s.listenAddrs = append(s.listenAddrs, a)
	return nil
}

// Connections returns a snapshot of the live connection registry, keyed by
// connection id. Broadcasting to every live connection is a caller concern
// implemented by iterating this snapshot — the core never calls back from
// Connection to Server.
func (s *Server) Connections() map[uuid.UUID]*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]*Connection, len(s.registry))
	for id, c := range s.registry {
		out[id] = c
	}
	return out
}

// Shutdown sets the monotonic shutdown flag, terminating the accept loop.
// Start then sets shutdown on every live connection (without joining
// them), closes every listener, and returns.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
}

// Start activates listeners, runs the accept loop until Shutdown is
// called, then tears down.
func (s *Server) Start() error {
	if len(s.listeners) != 0 {
		return &StateError{Op: "server already has active listeners"}
	}
	if len(s.listenAddrs) == 0 {
		return newConfigError("start", errors.New("no listen addresses configured"))
	}

	for _, a := range s.listenAddrs {
		ln, err := listenReuseAddr(a.Host, a.Port, listenBacklog)
		if err != nil {
			for _, opened := range s.listeners {
				_ = opened.Close()
			}
			s.listeners = nil
			return newIOError("listen", err)
		}
		s.listeners = append(s.listeners, ln)
		s.logger.Info().Str("addr", fmt.Sprintf("%s:%d", a.Host, a.Port)).Msg("tinywire: listening")
	}

	s.hooks.PreLoop(s)

	s.acceptCh = make(chan acceptedSocket, len(s.listeners))
	var g errgroup.Group
	for _, ln := range s.listeners {
		ln := ln
		g.Go(func() error {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return nil
				}
				s.acceptCh <- acceptedSocket{conn: conn}
			}
		})
	}

	s.acceptLoop()

	s.hooks.PostLoop(s)
	s.shutdownActiveConnections()
	s.closeListeners()
	_ = g.Wait()
	return nil
}

// acceptLoop repeats until shutdown: initialise at most one connection that
// has arrived (waiting up to pollInterval for one); sweep the registry for
// connections whose worker has exited; invoke loop_pass.
func (s *Server) acceptLoop() {
	for !s.shutdown.Load() {
		select {
		case acc := <-s.acceptCh:
			s.initialiseConnection(acc.conn)
		case <-afterPollInterval():
		}
		s.sweepRegistry()
		s.hooks.LoopPass(s)
	}
}

// initialiseConnection admits one accepted socket: pre-accept
// connection-limit rejection, then Connection construction and
// registration.
func (s *Server) initialiseConnection(conn net.Conn) {
	if s.sem != nil && !s.sem.TryAcquire(1) {
		if err := rawSend(conn, []byte{byte(StatusConnLimit)}); err != nil {
			s.logger.Warn().Err(err).Msg("tinywire: failed to send connection-limit status")
		}
		_ = conn.Close()
		return
	}

	id := uuid.New()
	c, err := NewConnection(conn, true, "", 0,
		WithConnPlugins(s.pluginProviders...),
		WithConnHandler(s.handler),
		WithConnLogger(s.logger),
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("tinywire: failed to construct accepted connection")
		if s.sem != nil {
			s.sem.Release(1)
		}
		_ = conn.Close()
		return
	}

	s.hooks.ConnInit(s, id, c)
	c.Start()

	s.mu.Lock()
	s.registry[id] = c
	s.mu.Unlock()
}

// sweepRegistry removes every connection whose worker has exited and fires
// conn_shutdown exactly once for each.
func (s *Server) sweepRegistry() {
	type dead struct {
		id uuid.UUID
		c  *Connection
	}
	var removed []dead

	s.mu.Lock()
	for id, c := range s.registry {
		if !c.IsAlive() {
			delete(s.registry, id)
			removed = append(removed, dead{id, c})
		}
	}
	s.mu.Unlock()

	if s.sem != nil && len(removed) > 0 {
		s.sem.Release(int64(len(removed)))
	}
	for _, d := range removed {
		s.hooks.ConnShutdown(s, d.id, d.c)
	}
}

func (s *Server) shutdownActiveConnections() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.registry))
	for _, c := range s.registry {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Shutdown()
	}
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
}

// listenReuseAddr creates an IPv4/TCP listener with SO_REUSEADDR set and
// the given fixed backlog. The stdlib net package does not expose backlog
// control, so the socket is built with raw syscalls and handed to
// net.FileListener.
func listenReuseAddr(host string, port int, backlog int) (net.Listener, error) {
	ip, err := hostaddr.ParseDottedQuad(host)
	if err != nil {
		return nil, err
	}

	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &syscall.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err := syscall.Bind(fd, sa); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("tinywire-listener-%s:%d", host, port))
	defer f.Close() // net.FileListener dups the fd; the original is no longer needed.

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}
