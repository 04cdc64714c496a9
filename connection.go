// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/tinywire/internal/hostaddr"
)

// pollInterval is the bounded wait the per-connection loop uses to check
// for readability before falling through to the user's LoopPass hook.
const pollInterval = 30 * time.Millisecond

// afterPollInterval returns a channel that fires once after pollInterval,
// the same bound the per-connection loop polls readability with. Server
// reuses it to pace its accept-loop's registry sweep/LoopPass cadence.
func afterPollInterval() <-chan time.Time {
	return time.After(pollInterval)
}

// Hooks are the sole extension points on the I/O path of a Connection. The
// core never calls any other user code from the worker goroutine. All four
// default to no-ops; embed NoopHooks to implement only the ones you need.
type Hooks interface {
	// PreLoop runs once after the handshake completes, before the loop starts.
	PreLoop(c *Connection)
	// PostLoop runs once after the loop exits, before cleanup.
	PostLoop(c *Connection)
	// LoopPass runs once per loop iteration, after any received message has
	// been delivered. Typically drains an outbox and calls c.Transmit.
	LoopPass(c *Connection)
	// TransmissionReceived delivers one inbound payload, post-plugin-pipeline.
	TransmissionReceived(c *Connection, payload []byte)
}

// NoopHooks is the default Hooks implementation; every method is a no-op.
// Embed it to override only the hooks you care about.
type NoopHooks struct{}

func (NoopHooks) PreLoop(*Connection)                      {}
func (NoopHooks) PostLoop(*Connection)                     {}
func (NoopHooks) LoopPass(*Connection)                     {}
func (NoopHooks) TransmissionReceived(*Connection, []byte) {}

// ConnectionFactory is either an already-constructed Hooks value or a
// constructor invoked once per accepted/dialed connection — the same
// tagged-variant shape as PluginProvider.
type ConnectionFactory struct {
	instance    Hooks
	constructor func() Hooks
}

// NewHandlerInstance wraps an already-constructed Hooks value. Every
// connection built from this factory shares the same Hooks instance.
func NewHandlerInstance(h Hooks) ConnectionFactory {
	return ConnectionFactory{instance: h}
}

// NewHandlerFactory wraps a constructor invoked once per connection, so
// each Connection gets its own Hooks value.
func NewHandlerFactory(ctor func() Hooks) ConnectionFactory {
	return ConnectionFactory{constructor: ctor}
}

func (f ConnectionFactory) build() Hooks {
	if f.constructor != nil {
		return f.constructor()
	}
	if f.instance != nil {
		return f.instance
	}
	return NoopHooks{}
}

// connConfig holds the shared construction knobs for a Connection.
type connConfig struct {
	plugins     []PluginProvider
	handler     ConnectionFactory
	logger      Logger
	dialTimeout time.Duration
}

var defaultConnConfig = connConfig{
	logger:      defaultLogger(),
	dialTimeout: 5 * time.Second,
}

// ConnOption configures a Connection at construction time.
type ConnOption func(*connConfig)

// WithConnPlugins registers the connection's transform pipeline, in
// transmit order.
func WithConnPlugins(plugins ...PluginProvider) ConnOption {
	return func(cc *connConfig) { cc.plugins = append(cc.plugins, plugins...) }
}

// WithConnHandler sets the Hooks factory for the connection.
func WithConnHandler(h ConnectionFactory) ConnOption {
	return func(cc *connConfig) { cc.handler = h }
}

// WithConnLogger overrides the connection's logger.
func WithConnLogger(l Logger) ConnOption {
	return func(cc *connConfig) { cc.logger = l }
}

// WithDialTimeout sets the dial timeout used when the connection must
// establish its own socket (socketAlreadyUp=false). Only meaningful for
// client-originated connections; Server.connection_handler is always
// already up.
func WithDialTimeout(d time.Duration) ConnOption {
	return func(cc *connConfig) { cc.dialTimeout = d }
}

// Connection is one framed, handshaken peer-to-peer byte stream. A
// Connection owns exactly one worker goroutine, launched by Start, running
// initialise -> PreLoop -> loop -> PostLoop -> cleanup.
//
// Concurrency contract: Transmit may be called from any goroutine at any
// time; the worker goroutine is the only caller of the receive path and of
// every Hooks method. A single mutex guards each individual framed
// transaction (one Transmit call, or one internal receive) and each
// readability poll, not the loop iteration as a whole — holding a non-reentrant mutex across the hook
// calls would deadlock the moment LoopPass calls Transmit, so the lock
// boundary is pushed down to Transmit/receiveFramed themselves instead.
type Connection struct {
	conn net.Conn
	br   *bufio.Reader

	isSocketUp  bool
	remoteHost  string
	remotePort  int
	dialTimeout time.Duration

	plugins []Plugin
	hooks   Hooks
	logger  Logger

	mu       sync.Mutex
	shutdown atomic.Bool
	peerAddr net.Addr

	startOnce sync.Once
	doneCh    chan struct{}
}

// NewConnection constructs a Connection.
//
// If socketAlreadyUp is true, conn must be a live, already-connected
// net.Conn (the Server's accept path). If false, conn is ignored and
// remoteHost/remotePort are used to dial during the handshake (the
// Client's connect path); both must be provided in that case.
func NewConnection(conn net.Conn, socketAlreadyUp bool, remoteHost string, remotePort int, opts ...ConnOption) (*Connection, error) {
	cc := defaultConnConfig
	for _, opt := range opts {
		opt(&cc)
	}

	if !socketAlreadyUp {
		if remoteHost == "" || remotePort == 0 {
			return nil, newConfigError("new connection", errors.New("remote_host and remote_port are required when socketAlreadyUp is false"))
		}
		if err := hostaddr.ValidatePort(remotePort); err != nil {
			return nil, newConfigError("new connection", err)
		}
	}

	c := &Connection{
		conn:        conn,
		isSocketUp:  socketAlreadyUp,
		remoteHost:  remoteHost,
		remotePort:  remotePort,
		dialTimeout: cc.dialTimeout,
		plugins:     resolvePlugins(cc.plugins),
		hooks:       cc.handler.build(),
		logger:      cc.logger,
		doneCh:      make(chan struct{}),
	}
	if conn != nil {
		c.br = bufio.NewReader(conn)
	}
	return c, nil
}

// Start launches the connection's worker goroutine. Safe to call once;
// subsequent calls are no-ops.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Shutdown sets the monotonic shutdown flag. It never clears; the worker
// goroutine observes it at its next poll boundary (<=30ms typical latency)
// and exits cooperatively: an in-progress framed transaction is never
// force-aborted by Shutdown.
func (c *Connection) Shutdown() {
	c.shutdown.Store(true)
}

// IsAlive reports whether the worker goroutine has exited.
func (c *Connection) IsAlive() bool {
	select {
	case <-c.doneCh:
		return false
	default:
		return true
	}
}

// Done returns a channel closed once the worker goroutine has exited.
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// PeerAddr returns the remote address captured at handshake, or nil before
// the handshake completes.
func (c *Connection) PeerAddr() net.Addr { return c.peerAddr }

func (c *Connection) run() {
	defer close(c.doneCh)

	if err := c.initialise(); err != nil {
		c.logger.Error().Err(err).Msg("tinywire: connection handshake failed")
		c.shutdown.Store(true)
		c.cleanup()
		return
	}
	c.hooks.PreLoop(c)
	c.loop()
	c.hooks.PostLoop(c)
	c.cleanup()
}

// initialise performs the handshake: send StatusOK, then expect StatusOK
// back before the connection is usable.
func (c *Connection) initialise() error {
	if !c.isSocketUp {
		d := net.Dialer{Timeout: c.dialTimeout}
		conn, err := d.Dial("tcp4", net.JoinHostPort(c.remoteHost, strconv.Itoa(c.remotePort)))
		if err != nil {
			return newIOError("dial", err)
		}
		c.conn = conn
		c.br = bufio.NewReader(conn)
		c.isSocketUp = true
	}

	if err := rawSend(c.conn, []byte{byte(StatusOK)}); err != nil {
		return newIOError("handshake: send", err)
	}
	buf, ok, err := rawReceive(c.br, 1)
	if err != nil {
		return newIOError("handshake: recv", err)
	}
	if !ok {
		return &HandshakeError{Got: StatusGenericError}
	}
	got := Status(buf[0])
	if got != StatusOK {
		return &HandshakeError{Got: got}
	}

	c.peerAddr = c.conn.RemoteAddr()
	return nil
}

// loop is the per-connection loop: poll for readability, deliver at most
// one received message, then invoke LoopPass, repeating until shutdown.
func (c *Connection) loop() {
	for !c.shutdown.Load() {
		ready, err := c.pollReadable(pollInterval)
		if err != nil {
			c.failIO("poll", err)
			continue
		}
		if ready {
			if payload, deliver := c.receiveFramed(); deliver {
				c.hooks.TransmissionReceived(c, payload)
			}
		}
		c.hooks.LoopPass(c)
	}
}

// pollReadable checks, with a bounded wait, whether the stream has data to
// read without consuming it. A real EOF is reported as ready=true so
// receiveFramed's own rawReceive observes the close and sets shutdown,
// exactly like every other peer-close path. It holds the connection mutex
// so the read deadline and the peek never overlap a Transmit's ACK read.
func (c *Connection) pollReadable(timeout time.Duration) (ready bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}
	_, peekErr := c.br.Peek(1)
	_ = c.conn.SetReadDeadline(time.Time{})

	if peekErr == nil || peekErr == io.EOF {
		return true, nil
	}
	var netErr net.Error
	if errors.As(peekErr, &netErr) && netErr.Timeout() {
		return false, nil
	}
	return false, peekErr
}

// Transmit sends one framed message: a 4-byte big-endian size header,
// followed by the payload once the peer ACKs the header with StatusOK.
// Safe to call from any goroutine, including from within a LoopPass hook
// running on the worker goroutine.
//
// A rejected ACK (TransmitRejected) is returned to the caller — the
// connection is left usable and it is the caller's choice whether to
// retry; callers that want "always fatal" semantics should call Shutdown
// themselves. Any other I/O error is logged, converted to shutdown=true,
// and absorbed: Transmit returns nil.
func (c *Connection) Transmit(payload []byte) error {
	if c.shutdown.Load() {
		return ErrShutdown
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := applyTransmitPipeline(c.plugins, payload)
	if err != nil {
		return fmt.Errorf("tinywire: transmit pipeline: %w", err)
	}
	if uint32(len(out)) > MaxMessageSize {
		return fmt.Errorf("tinywire: payload of %d bytes exceeds MaxMessageSize (%d)", len(out), MaxMessageSize)
	}

	sizeBytes := sizeToBytes(uint32(len(out)))
	if err := rawSend(c.conn, sizeBytes[:]); err != nil {
		c.failIO("transmit: send size", err)
		return nil
	}

	ackBuf, ok, err := rawReceive(c.br, 1)
	if err != nil {
		c.failIO("transmit: recv ack", err)
		return nil
	}
	if !ok {
		c.shutdown.Store(true)
		return nil
	}
	if ack := Status(ackBuf[0]); ack != StatusOK {
		return &TransmitRejected{Got: ack}
	}

	if err := rawSend(c.conn, out); err != nil {
		c.failIO("transmit: send payload", err)
		return nil
	}
	return nil
}

// receiveFramed performs one framed receive. deliver reports whether the
// loop should invoke TransmissionReceived: false means "no message" (a
// graceful peer close, an oversized-size rejection, or a legitimate
// zero-length size header observed while shutdown was already set by an
// earlier event). A hard I/O error (not a graceful close) still reports
// deliver=true with an empty payload: an I/O failure is logged and
// absorbed, never raised to the caller, so the loop always gets handed
// something to act on.
func (c *Connection) receiveFramed() (payload []byte, deliver bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sizeBuf, gotHeader, err := rawReceive(c.br, 4)
	if err != nil {
		c.failIO("receive: recv size", err)
		return []byte{}, true
	}
	if !gotHeader {
		c.shutdown.Store(true)
		return nil, false
	}

	var arr [4]byte
	copy(arr[:], sizeBuf)
	n := bytesToSize(arr)

	if n > MaxMessageSize {
		// Rejection is a response to the size header itself, not a
		// mid-stream abort: no payload has been sent by the peer yet.
		if err := rawSend(c.conn, []byte{byte(StatusGenericError)}); err != nil {
			c.failIO("receive: send generic error", err)
			return []byte{}, true
		}
		return nil, false
	}
	if n == 0 && c.shutdown.Load() {
		return nil, false
	}

	if err := rawSend(c.conn, []byte{byte(StatusOK)}); err != nil {
		c.failIO("receive: send ack", err)
		return []byte{}, true
	}

	body, gotBody, err := rawReceive(c.br, int(n))
	if err != nil {
		c.failIO("receive: recv payload", err)
		return []byte{}, true
	}
	if !gotBody {
		c.shutdown.Store(true)
		return nil, false
	}

	out, err := applyReceivePipeline(c.plugins, body)
	if err != nil {
		c.logger.Error().Err(err).Msg("tinywire: receive pipeline failed; dropping message")
		return nil, false
	}
	return out, true
}

// failIO logs a stream I/O failure and sets shutdown: the underlying error
// is never re-thrown to user code on the I/O loop.
func (c *Connection) failIO(op string, err error) {
	c.shutdown.Store(true)
	c.logger.Error().Err(newIOError(op, err)).Msg("tinywire: shutting down connection on I/O error")
}

func (c *Connection) cleanup() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
