package telemetry

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort accepts up to window bytes per Write.
type fakePort struct {
	mutex     sync.Mutex
	dtr       bool
	window    int
	rx        []byte
	tx        bytes.Buffer
	flushes   int
	readable  chan struct{}
	writeDone chan struct{}
	line      chan struct{}
}

func newFakePort() *fakePort {
	return &fakePort{
		window:    8,
		readable:  make(chan struct{}, 1),
		writeDone: make(chan struct{}, 1),
		line:      make(chan struct{}, 1),
	}
}

func (p *fakePort) Connected() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.dtr
}

func (p *fakePort) Read(b []byte) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n
}

func (p *fakePort) Write(b []byte) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	n := min(len(b), p.window)
	p.tx.Write(b[:n])
	return n
}

func (p *fakePort) Flush() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.flushes++
	p.rx = nil
}

func (p *fakePort) Readable() <-chan struct{}    { return p.readable }
func (p *fakePort) WriteDone() <-chan struct{}   { return p.writeDone }
func (p *fakePort) LineChanged() <-chan struct{} { return p.line }

func (p *fakePort) setDTR(on bool) {
	p.mutex.Lock()
	p.dtr = on
	p.mutex.Unlock()
	kick(p.line)
}

func (p *fakePort) inject(b []byte) {
	p.mutex.Lock()
	p.rx = append(p.rx, b...)
	p.mutex.Unlock()
	kick(p.readable)
}

func (p *fakePort) sent() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.tx.String()
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type lockedSink struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (s *lockedSink) WriteByte(c byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.buf.WriteByte(c)
}

func (s *lockedSink) String() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.buf.String()
}

func startSerial(t *testing.T, port *fakePort, sink *lockedSink) *SerialBridge {
	t.Helper()
	s := NewSerialBridge(port, sink, SerialConfig{PollInterval: 5 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSerialBridge_StartTwice(t *testing.T) {
	s := startSerial(t, newFakePort(), &lockedSink{})
	assert.Error(t, s.Start(context.Background()))
}

func TestSerialBridge_StreamsWhileConnected(t *testing.T) {
	port := newFakePort()
	s := startSerial(t, port, &lockedSink{})

	port.setDTR(true)
	require.Eventually(t, s.Connected, time.Second, time.Millisecond)

	payload := "trace bytes longer than one window"
	require.Equal(t, len(payload), s.Push([]byte(payload)))
	require.Eventually(t, func() bool { return port.sent() == payload },
		time.Second, time.Millisecond)
	assert.Zero(t, s.Buffered())
	assert.Equal(t, uint64(len(payload)), s.Stats().BytesOut)
}

func TestSerialBridge_DiscardsWhileDisconnected(t *testing.T) {
	port := newFakePort()
	s := startSerial(t, port, &lockedSink{})

	assert.Zero(t, s.Push([]byte("nobody listening")))
	assert.Equal(t, uint64(16), s.Stats().Discarded)
	assert.Empty(t, port.sent())
}

func TestSerialBridge_ForwardsInbound(t *testing.T) {
	port := newFakePort()
	sink := &lockedSink{}
	s := startSerial(t, port, sink)

	port.setDTR(true)
	require.Eventually(t, s.Connected, time.Second, time.Millisecond)

	port.inject([]byte("reset"))
	require.Eventually(t, func() bool { return sink.String() == "reset" },
		time.Second, time.Millisecond)
	assert.Equal(t, uint64(5), s.Stats().BytesIn)
}

func TestSerialBridge_DTRDropFlushes(t *testing.T) {
	port := newFakePort()
	s := startSerial(t, port, &lockedSink{})

	port.setDTR(true)
	require.Eventually(t, s.Connected, time.Second, time.Millisecond)

	port.setDTR(false)
	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, time.Millisecond)
	assert.Zero(t, s.Buffered())

	port.mutex.Lock()
	defer port.mutex.Unlock()
	assert.Equal(t, 2, port.flushes, "one flush per transition")
}
