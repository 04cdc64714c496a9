// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// readySignalHooks closes ready once the listeners are up, so tests only
// connect after the server is listening.
type readySignalHooks struct {
	NoopServerHooks
	ready   chan struct{}
	once    sync.Once
	mu      sync.Mutex
	inits   []uuid.UUID
	downs   []uuid.UUID
}

func (h *readySignalHooks) PreLoop(*Server) {
	h.once.Do(func() { close(h.ready) })
}

func (h *readySignalHooks) ConnInit(_ *Server, id uuid.UUID, _ *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inits = append(h.inits, id)
}

func (h *readySignalHooks) ConnShutdown(_ *Server, id uuid.UUID, _ *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downs = append(h.downs, id)
}

func (h *readySignalHooks) snapshot() (inits, downs []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uuid.UUID(nil), h.inits...), append([]uuid.UUID(nil), h.downs...)
}

func newReadySignalHooks() *readySignalHooks {
	return &readySignalHooks{ready: make(chan struct{})}
}

func startTestServer(t *testing.T, opts ...ServerOption) (*Server, *readySignalHooks, string) {
	t.Helper()
	hooks := newReadySignalHooks()

	// Port 0 is rejected by listen-address validation, so borrow a free
	// ephemeral port from the OS first.
	probe, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	allOpts := append([]ServerOption{
		WithListenAddrs(ListenAddr{Host: "127.0.0.1", Port: port}),
		WithServerHooks(hooks),
	}, opts...)

	s, err := NewServer(allOpts...)
	require.NoError(t, err)

	go func() {
		_ = s.Start()
	}()

	select {
	case <-hooks.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}

	addr := s.listeners[0].Addr().String()
	return s, hooks, addr
}

func TestServerAcceptsAndRegistersConnection(t *testing.T) {
	s, hooks, addr := startTestServer(t)
	defer s.Shutdown()

	conn, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	defer conn.Close()

	waitForCondition(t, time.Second, func() bool {
		inits, _ := hooks.snapshot()
		return len(inits) == 1
	})
	waitForCondition(t, time.Second, func() bool { return len(s.Connections()) == 1 })
}

func TestServerConnectionLimitRejectsOverflow(t *testing.T) {
	s, _, addr := startTestServer(t, WithConnectionLimit(1))
	defer s.Shutdown()

	first, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	defer first.Close()

	waitForCondition(t, time.Second, func() bool { return len(s.Connections()) == 1 })

	second, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	defer second.Close()

	buf := make([]byte, 1)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := second.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StatusConnLimit, Status(buf[0]))
}

func TestServerPeerCloseSweepsRegistryAndFiresHook(t *testing.T) {
	s, hooks, addr := startTestServer(t)
	defer s.Shutdown()

	conn, err := net.Dial("tcp4", addr)
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool { return len(s.Connections()) == 1 })

	require.NoError(t, conn.Close())

	waitForCondition(t, 2*time.Second, func() bool {
		_, downs := hooks.snapshot()
		return len(downs) == 1
	})
	waitForCondition(t, time.Second, func() bool { return len(s.Connections()) == 0 })
}

func TestNewServerRejectsBadListenAddr(t *testing.T) {
	_, err := NewServer(WithListenAddrs(ListenAddr{Host: "not-an-ipv4-literal", Port: 9999}))
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestServerStartFailsWithNoAddresses(t *testing.T) {
	s, err := NewServer(WithListenAddrs())
	require.NoError(t, err)
	err = s.Start()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestServerStartTwiceFailsWithStateError(t *testing.T) {
	s, _, _ := startTestServer(t)
	defer s.Shutdown()

	err := s.Start()
	require.Error(t, err)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}
