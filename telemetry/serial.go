package telemetry

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softprobe/pkg"
	"github.com/ardnew/softprobe/pkg/bytefifo"
)

// DefaultPollInterval bounds how long the serial worker sleeps without an
// event.
const DefaultPollInterval = 100 * time.Millisecond

// SerialPort is the serial channel a [SerialBridge] drives, implemented by
// the CDC-ACM driver. Read and Write never block.
type SerialPort interface {
	Connected() bool
	Read(p []byte) int
	Write(p []byte) int
	Flush()
	Readable() <-chan struct{}
	WriteDone() <-chan struct{}
	LineChanged() <-chan struct{}
}

// SerialConfig tunes a serial bridge.
type SerialConfig struct {
	FIFOSize     int
	PushTimeout  time.Duration
	PollInterval time.Duration
}

// SerialBridge relays the trace stream over a serial port. A single worker
// goroutine waits for port or FIFO events with a timeout, forwards inbound
// bytes to the sink and drains the FIFO into the port. The port's DTR line
// marks the monitor connected; every transition flushes both directions.
type SerialBridge struct {
	port SerialPort
	sink io.ByteWriter
	cfg  SerialConfig
	fifo *bytefifo.FIFO
	buf  []byte

	connected atomic.Bool

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	bytesOut  atomic.Uint64
	bytesIn   atomic.Uint64
	discarded atomic.Uint64
}

// NewSerialBridge creates a serial bridge forwarding inbound bytes to sink.
func NewSerialBridge(port SerialPort, sink io.ByteWriter, cfg SerialConfig) *SerialBridge {
	if cfg.FIFOSize <= 0 {
		cfg.FIFOSize = DefaultFIFOSize
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &SerialBridge{
		port: port,
		sink: sink,
		cfg:  cfg,
		fifo: bytefifo.New(cfg.FIFOSize),
		buf:  make([]byte, DefaultChunkSize),
	}
}

// Connected reports whether the monitor has the port open.
func (s *SerialBridge) Connected() bool {
	return s.connected.Load()
}

// Buffered returns the number of trace bytes waiting to be sent.
func (s *SerialBridge) Buffered() int {
	return s.fifo.Len()
}

// Stats returns the bridge counters.
func (s *SerialBridge) Stats() Stats {
	return Stats{
		BytesOut:  s.bytesOut.Load(),
		BytesIn:   s.bytesIn.Load(),
		Discarded: s.discarded.Load(),
	}
}

// Push queues trace bytes for the port, waiting up to the push timeout for
// FIFO space. While the port is closed the bytes are discarded.
func (s *SerialBridge) Push(p []byte) int {
	if !s.connected.Load() {
		s.fifo.Reset()
		s.discarded.Add(uint64(len(p)))
		return 0
	}
	return s.fifo.Push(p, s.cfg.PushTimeout)
}

// Start runs the worker until ctx ends or Close is called.
func (s *SerialBridge) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return pkg.ErrAlreadyRunning
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx, s.done)
	return nil
}

// Close stops the worker and waits for it to exit.
func (s *SerialBridge) Close() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mutex.Unlock()
	<-done
	return nil
}

func (s *SerialBridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	s.lineChanged()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.port.LineChanged():
			s.lineChanged()
		case <-s.port.Readable():
		case <-s.port.WriteDone():
		case <-s.fifo.Data():
		case <-timer.C:
		}
		timer.Reset(s.cfg.PollInterval)

		s.receive()
		s.transmit()
	}
}

// lineChanged applies a DTR transition, flushing both directions.
func (s *SerialBridge) lineChanged() {
	up := s.port.Connected()
	if s.connected.Load() == up {
		return
	}
	s.fifo.Reset()
	s.port.Flush()
	s.connected.Store(up)
	pkg.LogInfo(pkg.ComponentTelemetry, "serial monitor", "connected", up)
}

// receive forwards every buffered inbound byte to the sink.
func (s *SerialBridge) receive() {
	for {
		n := s.port.Read(s.buf)
		if n == 0 {
			return
		}
		if !s.connected.Load() {
			continue
		}
		for _, x := range s.buf[:n] {
			if err := s.sink.WriteByte(x); err != nil {
				pkg.LogDebug(pkg.ComponentTelemetry, "sink refused byte", "error", err)
				break
			}
			s.bytesIn.Add(1)
		}
	}
}

// transmit hands the port as much of the FIFO as it accepts.
func (s *SerialBridge) transmit() {
	if !s.connected.Load() {
		return
	}
	n := s.fifo.Peek(s.buf)
	if n == 0 {
		return
	}
	w := s.port.Write(s.buf[:n])
	s.fifo.Discard(w)
	s.bytesOut.Add(uint64(w))
}
