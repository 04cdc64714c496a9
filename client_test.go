// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// singleAcceptEchoServer accepts exactly one connection, completes the
// tinywire handshake and then echoes every framed message back, acting as
// a minimal peer for Client tests without depending on Server.
func singleAcceptEchoServer(t *testing.T) (addr string, done <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		peer, err := NewConnection(conn, true, "", 0, WithConnHandler(NewHandlerInstance(&echoHooks{})))
		if err != nil {
			return
		}
		peer.Start()
		<-peer.Done()
	}()
	return ln.Addr().String(), doneCh
}

type echoHooks struct {
	NoopHooks
	outbox [][]byte
}

func (h *echoHooks) TransmissionReceived(c *Connection, payload []byte) {
	h.outbox = append(h.outbox, append([]byte(nil), payload...))
}

func (h *echoHooks) LoopPass(c *Connection) {
	for len(h.outbox) > 0 {
		msg := h.outbox[0]
		h.outbox = h.outbox[1:]
		_ = c.Transmit(msg)
	}
}

func TestClientConnectToAndTransmit(t *testing.T) {
	addr, _ := singleAcceptEchoServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	hooks := &recordingHooks{}
	cl := NewClient(WithClientHandler(NewHandlerInstance(hooks)))
	defer cl.Shutdown()

	id, err := cl.ConnectTo(host, port)
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool {
		c, ok := cl.Connection(id)
		return ok && c.PeerAddr() != nil
	})

	c, ok := cl.Connection(id)
	require.True(t, ok)
	require.NoError(t, c.Transmit([]byte("ping")))

	waitForCondition(t, time.Second, func() bool { return len(hooks.snapshot()) == 1 })
	require.Equal(t, "ping", string(hooks.snapshot()[0]))
}

func TestClientConnectToRejectsBadPort(t *testing.T) {
	cl := NewClient()
	defer cl.Shutdown()

	_, err := cl.ConnectTo("127.0.0.1", 0)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestClientShutdownStopsRegisteredConnections(t *testing.T) {
	addr, _ := singleAcceptEchoServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cl := NewClient()
	id, err := cl.ConnectTo(host, port)
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool {
		c, ok := cl.Connection(id)
		return ok && c.PeerAddr() != nil
	})

	cl.Shutdown()

	c, ok := cl.Connection(id)
	require.True(t, ok)
	waitForCondition(t, 2*time.Second, func() bool { return !c.IsAlive() })
}
