package telemetry

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ardnew/softprobe/netif"
	"github.com/ardnew/softprobe/pkg"
)

// Defaults for [TCPConfig].
const (
	DefaultSendWindow = 4096
	DefaultFlushDelay = 10 * time.Millisecond
)

// TCPConfig tunes a [TCPServer].
type TCPConfig struct {
	Addr       string        // Listen address; all interfaces on DefaultPort when empty
	SendWindow int           // Emulated send window per connection
	FlushDelay time.Duration // Delay before written data goes out unforced
}

// TCPServer accepts connections from a listener and hands them to a
// [Handler] on the engine goroutine. Each connection gets an emulated
// bounded send window, so the handler sees the same flow control whether
// the listener is on the probe's own link or on the host network.
type TCPServer struct {
	engine  *netif.Engine
	handler Handler
	cfg     TCPConfig

	mutex    sync.Mutex
	listener net.Listener
	conns    map[*tcpConn]struct{}
	wg       sync.WaitGroup
}

// NewTCPServer creates a server delivering events to handler on engine.
func NewTCPServer(engine *netif.Engine, handler Handler, cfg TCPConfig) *TCPServer {
	if cfg.Addr == "" {
		cfg.Addr = net.JoinHostPort("", strconv.Itoa(DefaultPort))
	}
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = DefaultSendWindow
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	return &TCPServer{
		engine:  engine,
		handler: handler,
		cfg:     cfg,
		conns:   make(map[*tcpConn]struct{}),
	}
}

// Listen opens a socket on the host network at the configured address and
// serves it.
func (s *TCPServer) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "telemetry listen on %s", s.cfg.Addr)
	}
	s.Serve(l)
	return nil
}

// Serve starts accepting from l. The server owns l from here on.
func (s *TCPServer) Serve(l net.Listener) {
	s.mutex.Lock()
	s.listener = l
	s.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentTelemetry, "telemetry listening", "addr", l.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(l)
}

// Addr returns the listening address, or nil before Listen.
func (s *TCPServer) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every connection and waits for the
// connection goroutines to exit.
func (s *TCPServer) Close() error {
	s.mutex.Lock()
	l := s.listener
	s.listener = nil
	conns := make([]*tcpConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	var err error
	if l != nil {
		if sl, ok := l.(interface{ Shutdown() }); ok {
			sl.Shutdown()
		}
		err = l.Close()
	}
	for _, c := range conns {
		c.shutdown()
	}
	s.wg.Wait()
	return errors.Wrap(err, "telemetry close")
}

func (s *TCPServer) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.closed() {
				return
			}
			pkg.LogWarn(pkg.ComponentTelemetry, "accept failed", "error", err)
			continue
		}

		c := newTCPConn(s, nc)
		s.mutex.Lock()
		s.conns[c] = struct{}{}
		s.mutex.Unlock()

		if !s.engine.Post(func() { s.handler.Accept(c) }) {
			c.Abort()
			s.remove(c)
			continue
		}
		s.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	}
}

func (s *TCPServer) closed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.listener == nil
}

func (s *TCPServer) remove(c *tcpConn) {
	s.mutex.Lock()
	delete(s.conns, c)
	s.mutex.Unlock()
}

// tcpConn adapts a net.Conn to [Conn]. Written bytes are held until Output
// or the flush delay, then handed to a writer goroutine; the send window
// re-opens as the writer completes.
type tcpConn struct {
	server *TCPServer
	nc     net.Conn
	out    chan []byte
	quit   chan struct{}
	once   sync.Once

	// Owned by the engine goroutine.
	pending  []byte
	inflight int
	timer    *time.Timer
	closed   bool
}

func newTCPConn(s *TCPServer, nc net.Conn) *tcpConn {
	return &tcpConn{
		server: s,
		nc:     nc,
		out:    make(chan []byte, 16),
		quit:   make(chan struct{}),
	}
}

func (c *tcpConn) SetPriority(p Priority) {
	if tc, ok := c.nc.(interface{ SetNoDelay(bool) error }); ok {
		tc.SetNoDelay(p >= PriorityMax)
	}
}

func (c *tcpConn) SendCapacity() int {
	return c.server.cfg.SendWindow
}

func (c *tcpConn) SendBuffer() int {
	return max(c.server.cfg.SendWindow-c.inflight-len(c.pending), 0)
}

func (c *tcpConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, errors.Wrap(pkg.ErrTransport, "write on closed connection")
	}
	n := min(len(p), c.SendBuffer())
	c.pending = append(c.pending, p[:n]...)
	if n > 0 && c.timer == nil {
		c.timer = time.AfterFunc(c.server.cfg.FlushDelay, func() {
			c.server.engine.Post(func() {
				c.timer = nil
				c.Output()
			})
		})
	}
	return n, nil
}

func (c *tcpConn) Output() error {
	if c.closed {
		return errors.Wrap(pkg.ErrTransport, "output on closed connection")
	}
	if len(c.pending) == 0 {
		return nil
	}
	select {
	case c.out <- c.pending:
		c.inflight += len(c.pending)
		c.pending = nil
	default:
		// Writer backlog; the next completion retries.
	}
	return nil
}

func (c *tcpConn) Recved(n int) {}

func (c *tcpConn) Close() error {
	c.closed = true
	c.shutdown()
	return nil
}

func (c *tcpConn) Abort() {
	c.closed = true
	if tc, ok := c.nc.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	c.shutdown()
}

func (c *tcpConn) shutdown() {
	c.once.Do(func() {
		close(c.quit)
		c.nc.SetDeadline(time.Now())
		c.nc.Close()
		c.server.remove(c)
	})
}

func (c *tcpConn) post(fn func()) {
	if !c.server.engine.Post(fn) {
		pkg.LogWarn(pkg.ComponentTelemetry, "connection event dropped")
	}
}

// readLoop delivers received bytes until the connection ends.
func (c *tcpConn) readLoop() {
	defer c.server.wg.Done()
	h := c.server.handler
	buf := make([]byte, 1500)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			p := append([]byte(nil), buf[:n]...)
			c.post(func() {
				if !c.closed {
					h.Recv(c, p)
				}
			})
		}
		if err == nil {
			continue
		}
		select {
		case <-c.quit:
			return
		default:
		}
		if errors.Is(err, io.EOF) {
			c.post(func() {
				if !c.closed {
					h.Recv(c, nil)
				}
			})
		} else {
			c.fail(errors.Wrap(err, "telemetry read"))
		}
		return
	}
}

// writeLoop sends queued chunks and reports each as acknowledged.
func (c *tcpConn) writeLoop() {
	defer c.server.wg.Done()
	h := c.server.handler
	for {
		select {
		case <-c.quit:
			return
		case p := <-c.out:
			if _, err := c.nc.Write(p); err != nil {
				c.fail(errors.Wrap(err, "telemetry write"))
				return
			}
			n := len(p)
			c.post(func() {
				if c.closed {
					return
				}
				c.inflight -= n
				c.Output()
				h.Sent(c, n)
			})
		}
	}
}

// fail closes the socket and reports err to the handler.
func (c *tcpConn) fail(err error) {
	c.post(func() {
		if c.closed {
			return
		}
		c.closed = true
		c.shutdown()
		c.server.handler.Error(c, err)
	})
}

// Compile-time interface check
var _ Conn = (*tcpConn)(nil)
