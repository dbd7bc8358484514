package telemetry

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTCP(t *testing.T, b *Bridge) *TCPServer {
	t.Helper()
	s := NewTCPServer(b.engine, b, TCPConfig{Addr: "127.0.0.1:0", SendWindow: 256})
	require.NoError(t, s.Listen(context.Background()))
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	require.NotNil(t, s.Addr())
	return s
}

func dial(t *testing.T, s *TCPServer) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

func TestTCPServer_Handshake(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &lockedSink{}, Config{Version: testVersion()})
	s := startTCP(t, b)
	c := dial(t, s)

	_, err := c.Write(make([]byte, HelloSize))
	require.NoError(t, err)

	reply := make([]byte, HelloSize)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	hello := testVersion().Hello()
	assert.Equal(t, hello[:], reply)

	require.Eventually(t, func() bool { return b.State() == StateStreaming },
		2*time.Second, time.Millisecond)

	payload := bytes.Repeat([]byte("trace-"), 100)
	require.Equal(t, len(payload), b.Push(payload))

	got := make([]byte, len(payload))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTCPServer_InboundAndClose(t *testing.T) {
	e := startEngine(t)
	sink := &lockedSink{}
	b := NewBridge(e, sink, Config{Version: testVersion()})
	s := startTCP(t, b)
	c := dial(t, s)

	_, err := c.Write(make([]byte, HelloSize))
	require.NoError(t, err)
	_, err = io.ReadFull(c, make([]byte, HelloSize))
	require.NoError(t, err)

	_, err = c.Write([]byte("halt"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.String() == "halt" },
		2*time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return b.State() == StateIdle },
		2*time.Second, time.Millisecond)
}

func TestTCPServer_BadHello(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &lockedSink{}, Config{Version: testVersion()})
	s := startTCP(t, b)
	c := dial(t, s)

	_, err := c.Write([]byte("short"))
	require.NoError(t, err)

	_, err = c.Read(make([]byte, HelloSize))
	assert.Error(t, err, "connection dropped without a reply")
	assert.Eventually(t, func() bool { return b.Stats().BadHellos == 1 },
		2*time.Second, time.Millisecond)
}
