package telemetry

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ardnew/softprobe/netif"
	"github.com/ardnew/softprobe/pkg"
	"github.com/ardnew/softprobe/pkg/bytefifo"
)

// HelloSize is the size of both handshake messages.
const HelloSize = 32

// DefaultPort is the well-known telemetry listening port.
const DefaultPort = 19111

// Defaults for [Config].
const (
	DefaultFIFOSize    = 4096
	DefaultChunkSize   = 512
	DefaultPushTimeout = 500 * time.Millisecond
)

// State is the connection state of a [Bridge].
type State uint32

// Bridge states.
const (
	StateIdle State = iota
	StateAwaitingHandshake
	StateHandshakeSent
	StateStreaming
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Version identifies the firmware in the server hello.
type Version struct {
	Product string
	Major   int
	Minor   int
	Rev     int
}

// Hello returns the 32-byte server hello
// "<product> V<major>.<minor>.<rev>", NUL terminated and zero padded. An
// over-long product name is truncated.
func (v Version) Hello() [HelloSize]byte {
	var out [HelloSize]byte
	s := fmt.Sprintf("%s V%d.%02d.%02d", v.Product, v.Major, v.Minor, v.Rev)
	copy(out[:HelloSize-1], s)
	return out
}

// Config tunes a bridge.
type Config struct {
	Version     Version
	FIFOSize    int           // Outbound FIFO capacity in bytes
	ChunkSize   int           // Largest write per drain step
	PushTimeout time.Duration // Longest Push waits for FIFO space
}

func (c *Config) setDefaults() {
	if c.FIFOSize <= 0 {
		c.FIFOSize = DefaultFIFOSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = DefaultPushTimeout
	}
}

// Stats counts bridge activity.
type Stats struct {
	Accepted  uint64 // Connections that reached streaming
	Refused   uint64 // Accepts aborted while busy
	BadHellos uint64 // Handshakes aborted on a bad hello
	BytesOut  uint64 // Trace bytes written to connections
	BytesIn   uint64 // Bytes forwarded to the sink
	Discarded uint64 // Trace bytes pushed while not streaming
}

// Bridge relays a trace byte stream to one remote monitor connection. It
// implements [Handler]; every Handler method runs on the engine goroutine.
// [Bridge.Push] is called by the trace source on its own goroutine.
type Bridge struct {
	engine *netif.Engine
	sink   io.ByteWriter
	cfg    Config
	hello  [HelloSize]byte
	fifo   *bytefifo.FIFO

	state     atomic.Uint32
	scheduled atomic.Bool

	// Owned by the engine goroutine.
	conn       Conn
	helloAcked int
	flushing   bool
	chunk      []byte

	accepted  atomic.Uint64
	refused   atomic.Uint64
	badHellos atomic.Uint64
	bytesOut  atomic.Uint64
	bytesIn   atomic.Uint64
	discarded atomic.Uint64
}

// NewBridge creates a bridge forwarding inbound bytes to sink.
func NewBridge(engine *netif.Engine, sink io.ByteWriter, cfg Config) *Bridge {
	cfg.setDefaults()
	return &Bridge{
		engine: engine,
		sink:   sink,
		cfg:    cfg,
		hello:  cfg.Version.Hello(),
		fifo:   bytefifo.New(cfg.FIFOSize),
		chunk:  make([]byte, cfg.ChunkSize),
	}
}

// State returns the connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Buffered returns the number of trace bytes waiting to be sent.
func (b *Bridge) Buffered() int {
	return b.fifo.Len()
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Accepted:  b.accepted.Load(),
		Refused:   b.refused.Load(),
		BadHellos: b.badHellos.Load(),
		BytesOut:  b.bytesOut.Load(),
		BytesIn:   b.bytesIn.Load(),
		Discarded: b.discarded.Load(),
	}
}

// Push queues trace bytes for the connection, waiting up to the push
// timeout for FIFO space. While no connection is streaming the bytes are
// discarded and the FIFO emptied. It returns the number of bytes queued.
func (b *Bridge) Push(p []byte) int {
	if b.State() != StateStreaming {
		b.fifo.Reset()
		b.discarded.Add(uint64(len(p)))
		return 0
	}
	n := b.fifo.Push(p, b.cfg.PushTimeout)
	if n < len(p) {
		pkg.LogDebug(pkg.ComponentTelemetry, "trace push short",
			"pushed", n,
			"length", len(p),
			"error", pkg.ErrCapacity)
	}
	if n > 0 {
		b.schedule()
	}
	return n
}

// schedule queues one drain step on the engine unless one is queued.
func (b *Bridge) schedule() {
	if !b.scheduled.CompareAndSwap(false, true) {
		return
	}
	if !b.engine.Post(b.drain) {
		b.scheduled.Store(false)
	}
}

// Accept implements [Handler].
func (b *Bridge) Accept(c Conn) {
	if b.State() != StateIdle {
		b.refused.Add(1)
		pkg.LogWarn(pkg.ComponentTelemetry, "connection refused, bridge busy",
			"state", b.State().String())
		c.Abort()
		return
	}
	b.conn = c
	b.helloAcked = 0
	c.SetPriority(PriorityMax)
	b.state.Store(uint32(StateAwaitingHandshake))
	pkg.LogInfo(pkg.ComponentTelemetry, "connection accepted")
}

// Recv implements [Handler].
func (b *Bridge) Recv(c Conn, p []byte) {
	if c != b.conn {
		return
	}
	if p == nil {
		pkg.LogInfo(pkg.ComponentTelemetry, "connection closed by remote")
		c.Close()
		b.reset()
		return
	}
	c.Recved(len(p))

	switch b.State() {
	case StateAwaitingHandshake:
		if len(p) != HelloSize {
			b.badHellos.Add(1)
			pkg.LogWarn(pkg.ComponentTelemetry, "bad hello, aborting",
				"length", len(p),
				"error", pkg.ErrProtocolViolation)
			c.Abort()
			b.reset()
			return
		}
		if _, err := c.Write(b.hello[:]); err != nil {
			b.fail(err)
			return
		}
		if err := c.Output(); err != nil {
			b.fail(err)
			return
		}
		b.state.Store(uint32(StateHandshakeSent))
	case StateHandshakeSent, StateStreaming:
		for _, x := range p {
			if err := b.sink.WriteByte(x); err != nil {
				pkg.LogDebug(pkg.ComponentTelemetry, "sink refused byte", "error", err)
				break
			}
			b.bytesIn.Add(1)
		}
	}
}

// Sent implements [Handler].
func (b *Bridge) Sent(c Conn, n int) {
	if c != b.conn {
		return
	}
	switch b.State() {
	case StateHandshakeSent:
		b.helloAcked += n
		if b.helloAcked < HelloSize {
			return
		}
		b.fifo.Reset()
		b.state.Store(uint32(StateStreaming))
		b.accepted.Add(1)
		pkg.LogInfo(pkg.ComponentTelemetry, "streaming")
	case StateStreaming:
		if b.fifo.Len() > 0 {
			b.schedule()
		}
	}
}

// Error implements [Handler].
func (b *Bridge) Error(c Conn, err error) {
	if c != b.conn {
		return
	}
	pkg.LogWarn(pkg.ComponentTelemetry, "connection error", "error", err)
	b.conn = nil
	b.reset()
}

// drain moves one chunk from the FIFO into the send window.
func (b *Bridge) drain() {
	b.scheduled.Store(false)
	if b.flushing || b.conn == nil || b.State() != StateStreaming {
		return
	}
	b.flushing = true
	defer func() { b.flushing = false }()

	c := b.conn
	n := min(b.fifo.Len(), c.SendBuffer(), len(b.chunk))
	if n > 0 {
		n = b.fifo.Peek(b.chunk[:n])
		w, err := c.Write(b.chunk[:n])
		if err != nil {
			b.fail(err)
			return
		}
		b.fifo.Discard(w)
		b.bytesOut.Add(uint64(w))
		n = w
	}

	if c.SendBuffer() < c.SendCapacity()/2 {
		if err := c.Output(); err != nil {
			b.fail(err)
			return
		}
	}
	if n > 0 && b.fifo.Len() > 0 {
		b.schedule()
	}
}

// fail aborts the connection after a transport error.
func (b *Bridge) fail(err error) {
	pkg.LogWarn(pkg.ComponentTelemetry, "transport failure",
		"error", errors.Wrapf(pkg.ErrTransport, "%v", err))
	if b.conn != nil {
		b.conn.Abort()
	}
	b.reset()
}

// reset returns to idle with the FIFO empty and both guards clear.
func (b *Bridge) reset() {
	b.conn = nil
	b.helloAcked = 0
	b.state.Store(uint32(StateIdle))
	b.fifo.Reset()
	b.scheduled.Store(false)
	b.flushing = false
}

// Compile-time interface check
var _ Handler = (*Bridge)(nil)
