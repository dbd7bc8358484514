package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softprobe/netif"
)

// fakeConn is a send window the test acknowledges by hand.
type fakeConn struct {
	capacity int
	window   int
	written  bytes.Buffer
	outputs  int
	recved   int
	priority Priority
	aborted  bool
	closed   bool
	writeErr error
}

func newFakeConn(capacity int) *fakeConn {
	return &fakeConn{capacity: capacity, window: capacity}
}

func (c *fakeConn) SetPriority(p Priority) { c.priority = p }
func (c *fakeConn) SendBuffer() int        { return c.window }
func (c *fakeConn) SendCapacity() int      { return c.capacity }
func (c *fakeConn) Recved(n int)           { c.recved += n }
func (c *fakeConn) Abort()                 { c.aborted = true }

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := min(len(p), c.window)
	c.written.Write(p[:n])
	c.window -= n
	return n, nil
}

func (c *fakeConn) Output() error {
	c.outputs++
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// ack returns n bytes of window, as a remote acknowledgement would.
func (c *fakeConn) ack(n int) { c.window = min(c.window+n, c.capacity) }

type sink struct{ bytes.Buffer }

func startEngine(t *testing.T) *netif.Engine {
	t.Helper()
	e := netif.NewEngine(64)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

// on runs fn on the engine goroutine and waits, so fn sees every earlier
// task's effects.
func on(t *testing.T, e *netif.Engine, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, e.Post(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "engine did not run task")
	}
}

// settle lets chains of self-rescheduling tasks run out.
func settle(t *testing.T, e *netif.Engine) {
	t.Helper()
	for range 16 {
		on(t, e, func() {})
	}
}

func testVersion() Version {
	return Version{Product: "softprobe", Major: 1, Minor: 2, Rev: 3}
}

func TestVersion_Hello(t *testing.T) {
	h := testVersion().Hello()
	assert.Equal(t, "softprobe V1.02.03", string(bytes.TrimRight(h[:], "\x00")))
	assert.Zero(t, h[HelloSize-1])

	long := Version{Product: string(bytes.Repeat([]byte("x"), 64))}.Hello()
	assert.Zero(t, long[HelloSize-1], "always terminated")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "state(9)", State(9).String())
}

// handshake accepts c and completes the hello exchange.
func handshake(t *testing.T, e *netif.Engine, b *Bridge, c *fakeConn) {
	t.Helper()
	on(t, e, func() { b.Accept(c) })
	require.Equal(t, StateAwaitingHandshake, b.State())
	assert.Equal(t, PriorityMax, c.priority)

	on(t, e, func() { b.Recv(c, make([]byte, HelloSize)) })
	require.Equal(t, StateHandshakeSent, b.State())
	hello := testVersion().Hello()
	assert.Equal(t, hello[:], c.written.Bytes())
	assert.Equal(t, 1, c.outputs)

	on(t, e, func() {
		c.written.Reset()
		c.ack(HelloSize)
		b.Sent(c, HelloSize)
	})
	require.Equal(t, StateStreaming, b.State())
}

func TestBridge_BadHelloLength(t *testing.T) {
	for _, n := range []int{HelloSize - 1, HelloSize + 1} {
		e := startEngine(t)
		b := NewBridge(e, &sink{}, Config{Version: testVersion()})
		c := newFakeConn(256)

		on(t, e, func() {
			b.Accept(c)
			b.Recv(c, make([]byte, n))
		})
		assert.True(t, c.aborted, "length %d", n)
		assert.Zero(t, c.written.Len())
		assert.Equal(t, StateIdle, b.State())
		assert.Equal(t, uint64(1), b.Stats().BadHellos)
	}
}

func TestBridge_HelloAckedInPieces(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion()})
	c := newFakeConn(256)

	on(t, e, func() {
		b.Accept(c)
		b.Recv(c, make([]byte, HelloSize))
		b.Sent(c, 10)
	})
	assert.Equal(t, StateHandshakeSent, b.State())

	on(t, e, func() { b.Sent(c, HelloSize-10) })
	assert.Equal(t, StateStreaming, b.State())
	assert.Equal(t, uint64(1), b.Stats().Accepted)
}

func TestBridge_RefusesSecondConnection(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion()})
	first, second := newFakeConn(256), newFakeConn(256)

	on(t, e, func() {
		b.Accept(first)
		b.Accept(second)
	})
	assert.False(t, first.aborted)
	assert.True(t, second.aborted)
	assert.Equal(t, StateAwaitingHandshake, b.State())
	assert.Equal(t, uint64(1), b.Stats().Refused)

	on(t, e, func() { b.Recv(second, make([]byte, HelloSize)) })
	assert.Zero(t, first.written.Len(), "events from the refused connection are ignored")
}

func TestBridge_PushWhileIdleDiscards(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion()})

	assert.Zero(t, b.Push([]byte("lost")))
	assert.Zero(t, b.Buffered())
	assert.Equal(t, uint64(4), b.Stats().Discarded)
}

func TestBridge_HandshakeResetsFIFO(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion()})
	c := newFakeConn(256)

	on(t, e, func() {
		b.Accept(c)
		b.Recv(c, make([]byte, HelloSize))
	})
	// Written straight into the FIFO, as a push racing the handshake would.
	b.fifo.TryWrite([]byte("stale"))
	on(t, e, func() { b.Sent(c, HelloSize) })
	assert.Zero(t, b.Buffered())
}

func TestBridge_Streams(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion(), ChunkSize: 16})
	c := newFakeConn(64)
	handshake(t, e, b, c)

	payload := bytes.Repeat([]byte("0123456789"), 4)
	require.Equal(t, len(payload), b.Push(payload))
	settle(t, e)

	assert.Equal(t, payload, c.written.Bytes(), "drained in chunks")
	assert.Zero(t, b.Buffered())
	assert.Equal(t, uint64(len(payload)), b.Stats().BytesOut)
	assert.Greater(t, c.outputs, 1, "forced once the window fell below half")
}

func TestBridge_WaitsForWindow(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion(), ChunkSize: 16})
	c := newFakeConn(32)
	handshake(t, e, b, c)

	payload := bytes.Repeat([]byte("a"), 48)
	require.Equal(t, len(payload), b.Push(payload))
	settle(t, e)
	assert.Equal(t, 32, c.written.Len())
	assert.Equal(t, 16, b.Buffered(), "held until acknowledged")

	on(t, e, func() {
		c.ack(16)
		b.Sent(c, 16)
	})
	settle(t, e)
	assert.Equal(t, 48, c.written.Len())
	assert.Zero(t, b.Buffered())
}

func TestBridge_ForwardsInbound(t *testing.T) {
	e := startEngine(t)
	s := &sink{}
	b := NewBridge(e, s, Config{Version: testVersion()})
	c := newFakeConn(256)
	handshake(t, e, b, c)

	on(t, e, func() { b.Recv(c, []byte("cmd")) })
	assert.Equal(t, "cmd", s.String())
	assert.Equal(t, HelloSize+3, c.recved)
	assert.Equal(t, uint64(3), b.Stats().BytesIn)
}

func TestBridge_RemoteClose(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion()})
	c := newFakeConn(256)
	handshake(t, e, b, c)
	b.Push([]byte("pending"))

	on(t, e, func() { b.Recv(c, nil) })
	assert.True(t, c.closed)
	assert.Equal(t, StateIdle, b.State())
	assert.Zero(t, b.Buffered())

	next := newFakeConn(256)
	on(t, e, func() { b.Accept(next) })
	assert.False(t, next.aborted, "idle again")
}

func TestBridge_ConnectionError(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion()})
	c := newFakeConn(256)
	handshake(t, e, b, c)

	on(t, e, func() { b.Error(c, errors.New("reset by peer")) })
	assert.Equal(t, StateIdle, b.State())
	assert.False(t, c.aborted, "already closed by the transport")
}

func TestBridge_WriteFailureAborts(t *testing.T) {
	e := startEngine(t)
	b := NewBridge(e, &sink{}, Config{Version: testVersion()})
	c := newFakeConn(256)
	handshake(t, e, b, c)

	on(t, e, func() { c.writeErr = errors.New("broken") })
	b.Push([]byte("data"))
	settle(t, e)
	assert.True(t, c.aborted)
	assert.Equal(t, StateIdle, b.State())
}
