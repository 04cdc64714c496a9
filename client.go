// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"code.hybscloud.com/tinywire/internal/hostaddr"
)

// ClientHooks is the Client's sole extension point: a periodic callback a
// caller uses to drive outbound work (typically draining an outbox and
// calling Transmit on one or more registered Connections). Embed
// NoopClientHooks to use the default no-op.
type ClientHooks interface {
	LoopPass(cl *Client)
}

// NoopClientHooks is the default ClientHooks implementation.
type NoopClientHooks struct{}

func (NoopClientHooks) LoopPass(*Client) {}

type clientConfig struct {
	plugins     []PluginProvider
	handler     ConnectionFactory
	hooks       ClientHooks
	logger      Logger
	dialTimeout time.Duration
}

var defaultClientConfig = clientConfig{
	hooks:       NoopClientHooks{},
	logger:      defaultLogger(),
	dialTimeout: 5 * time.Second,
}

// ClientOption configures a Client at construction time.
type ClientOption func(*clientConfig)

// WithClientPlugins registers the plugin pipeline applied to every
// connection the Client dials.
func WithClientPlugins(plugins ...PluginProvider) ClientOption {
	return func(cc *clientConfig) { cc.plugins = append(cc.plugins, plugins...) }
}

// WithClientHandler sets the connection_handler factory used for every
// connection the Client dials.
func WithClientHandler(h ConnectionFactory) ClientOption {
	return func(cc *clientConfig) { cc.handler = h }
}

// WithClientHooks sets the client's lifecycle hooks.
func WithClientHooks(h ClientHooks) ClientOption {
	return func(cc *clientConfig) { cc.hooks = h }
}

// WithClientLogger overrides the client's logger.
func WithClientLogger(l Logger) ClientOption {
	return func(cc *clientConfig) { cc.logger = l }
}

// WithClientDialTimeout bounds how long a dialled Connection waits to
// establish its socket before failing the handshake.
func WithClientDialTimeout(d time.Duration) ClientOption {
	return func(cc *clientConfig) { cc.dialTimeout = d }
}

// Client owns a registry of outbound Connections, each dialled on its own
// worker goroutine. ConnectTo returns as soon as the Connection is
// registered and started; the dial itself happens inside the Connection's
// own handshake.
type Client struct {
	plugins     []PluginProvider
	handler     ConnectionFactory
	hooks       ClientHooks
	logger      Logger
	dialTimeout time.Duration

	mu       sync.Mutex
	registry map[uuid.UUID]*Connection

	shutdown atomic.Bool
	doneCh   chan struct{}

	loopOnce sync.Once
}

// NewClient constructs a Client.
func NewClient(opts ...ClientOption) *Client {
	cc := defaultClientConfig
	for _, opt := range opts {
		opt(&cc)
	}
	return &Client{
		plugins:     cc.plugins,
		handler:     cc.handler,
		hooks:       cc.hooks,
		logger:      cc.logger,
		dialTimeout: cc.dialTimeout,
		registry:    make(map[uuid.UUID]*Connection),
		doneCh:      make(chan struct{}),
	}
}

// ConnectTo resolves host to an IPv4 address, constructs and starts a
// Connection to (host, port), and registers it under a freshly minted id.
// The actual dial happens on the Connection's own worker goroutine during
// its handshake; ConnectTo does not block on it.
func (cl *Client) ConnectTo(host string, port int) (uuid.UUID, error) {
	if err := hostaddr.ValidatePort(port); err != nil {
		return uuid.UUID{}, newConfigError("connect to", err)
	}
	if _, err := hostaddr.ResolveIPv4(host); err != nil {
		return uuid.UUID{}, newConfigError("connect to", err)
	}

	c, err := NewConnection(nil, false, host, port,
		WithConnPlugins(cl.plugins...),
		WithConnHandler(cl.handler),
		WithConnLogger(cl.logger),
		WithDialTimeout(cl.dialTimeout),
	)
	if err != nil {
		return uuid.UUID{}, err
	}

	id := uuid.New()
	c.Start()

	cl.mu.Lock()
	cl.registry[id] = c
	cl.mu.Unlock()

	cl.loopOnce.Do(func() { go cl.loop() })

	return id, nil
}

// Connection looks up a registered connection by id. The second return
// value is false if no connection with that id is registered (it may have
// already been swept after its worker exited).
func (cl *Client) Connection(id uuid.UUID) (*Connection, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	c, ok := cl.registry[id]
	return c, ok
}

// Connections returns a snapshot of the live connection registry.
func (cl *Client) Connections() map[uuid.UUID]*Connection {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make(map[uuid.UUID]*Connection, len(cl.registry))
	for id, c := range cl.registry {
		out[id] = c
	}
	return out
}

// Shutdown stops the client's loop and sets shutdown on every registered
// connection, without joining their worker goroutines.
func (cl *Client) Shutdown() {
	if cl.shutdown.CompareAndSwap(false, true) {
		close(cl.doneCh)
	}

	cl.mu.Lock()
	conns := make([]*Connection, 0, len(cl.registry))
	for _, c := range cl.registry {
		conns = append(conns, c)
	}
	cl.mu.Unlock()

	for _, c := range conns {
		c.Shutdown()
	}
}

// loop is the client's cooperative loop: once per poll interval it invokes
// the user's LoopPass hook (the place to drain an outbox and call Transmit
// on one or more registered Connections), then sweeps the registry for
// connections whose worker has exited. The client has no central readiness
// monitor of its own — each Connection runs its own I/O loop — so this is
// pure pacing, not a blocking wait for data.
func (cl *Client) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.doneCh:
			return
		case <-ticker.C:
			cl.hooks.LoopPass(cl)
			cl.sweepRegistry()
		}
	}
}

func (cl *Client) sweepRegistry() {
	cl.mu.Lock()
	for id, c := range cl.registry {
		if !c.IsAlive() {
			delete(cl.registry, id)
		}
	}
	cl.mu.Unlock()
}
