package dap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softprobe/device"
	"github.com/ardnew/softprobe/pkg"
)

// Processor turns one request packet into a response packet.
type Processor interface {
	// Process writes the response to req into resp and returns its length.
	Process(req, resp []byte) int
}

// ProcessorFunc adapts a function to [Processor].
type ProcessorFunc func(req, resp []byte) int

// Process implements [Processor].
func (f ProcessorFunc) Process(req, resp []byte) int {
	return f(req, resp)
}

// Aborter is implemented by processors that can cancel a running transfer
// sequence. Abort is called on the USB event goroutine as soon as a
// transfer-abort request arrives, ahead of queued requests.
type Aborter interface {
	Abort()
}

// Config sizes the slot buffers.
type Config struct {
	PacketSize  int // Slot size; the bulk max packet size or larger
	PacketCount int // Slots per direction
}

// Defaults for [Config].
const (
	DefaultPacketSize  = 64
	DefaultPacketCount = 8
)

// Stats counts pipeline traffic.
type Stats struct {
	Requests  uint64 // Requests committed
	Responses uint64 // Responses sent
	Rejected  uint64 // Completions with an invalid length
	Aborts    uint64 // Transfer-abort requests
}

// Pipeline is the vendor-class driver carrying debug protocol packets.
//
// Requests arrive on a bulk OUT endpoint into the request [SlotBuffer]; a
// worker goroutine runs each through the [Processor] into the response
// [SlotBuffer], which drains to the host on a bulk IN endpoint. A full
// request buffer leaves the OUT endpoint unarmed so the host pauses; the
// worker re-arms it once it frees a slot.
type Pipeline struct {
	bus  device.Bus
	proc Processor
	req  *SlotBuffer
	resp *SlotBuffer

	// Set by Open, cleared by Reset; read by the worker.
	bound atomic.Pointer[binding]

	wake  chan struct{}
	space chan struct{}

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	requests  atomic.Uint64
	responses atomic.Uint64
	rejected  atomic.Uint64
	aborts    atomic.Uint64
}

type binding struct {
	port  uint8
	itf   uint8
	epOut uint8
	epIn  uint8
}

// New creates a pipeline submitting transfers through bus.
func New(bus device.Bus, proc Processor, cfg Config) *Pipeline {
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = DefaultPacketSize
	}
	if cfg.PacketCount < 2 {
		cfg.PacketCount = DefaultPacketCount
	}
	return &Pipeline{
		bus:   bus,
		proc:  proc,
		req:   NewSlotBuffer(cfg.PacketCount, cfg.PacketSize),
		resp:  NewSlotBuffer(cfg.PacketCount, cfg.PacketSize),
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// Requests returns the request buffer.
func (p *Pipeline) Requests() *SlotBuffer { return p.req }

// Responses returns the response buffer.
func (p *Pipeline) Responses() *SlotBuffer { return p.resp }

// Stats returns a snapshot of the traffic counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Requests:  p.requests.Load(),
		Responses: p.responses.Load(),
		Rejected:  p.rejected.Load(),
		Aborts:    p.aborts.Load(),
	}
}

// Start runs the worker until ctx ends or Close is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.running {
		return pkg.ErrAlreadyRunning
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true
	go p.run(ctx, p.done)
	return nil
}

// Close stops the worker and waits for it to exit.
func (p *Pipeline) Close() error {
	p.mutex.Lock()
	if !p.running {
		p.mutex.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mutex.Unlock()
	<-done
	return nil
}

// Init implements [device.ClassDriver].
func (p *Pipeline) Init() {}

// Reset implements [device.ClassDriver].
func (p *Pipeline) Reset(port uint8) {
	p.bound.Store(nil)
	p.req.Reset()
	p.resp.Reset()
	signal(p.space)
}

// Open implements [device.ClassDriver]. It claims a vendor-class interface
// with one bulk OUT and one bulk IN endpoint.
func (p *Pipeline) Open(port uint8, desc []byte) uint16 {
	var itf device.InterfaceDescriptor
	if device.ParseInterfaceDescriptor(desc, &itf) != nil ||
		itf.InterfaceClass != device.ClassVendor || itf.NumEndpoints != 2 {
		return 0
	}
	if p.bound.Load() != nil {
		return 0
	}

	rest := desc[device.InterfaceDescriptorSize:]
	var out, in device.EndpointDescriptor
	for i := 0; i < 2; i++ {
		var ep device.EndpointDescriptor
		if device.ParseEndpointDescriptor(rest, &ep) != nil || ep.Attributes&0x03 != device.EndpointTypeBulk {
			return 0
		}
		if ep.EndpointAddress&device.EndpointDirectionIn != 0 {
			in = ep
		} else {
			out = ep
		}
		rest = rest[device.EndpointDescriptorSize:]
	}
	if in.EndpointAddress == 0 || out.EndpointAddress == 0 ||
		int(out.MaxPacketSize) > p.req.Size() {
		return 0
	}
	if !p.bus.OpenEndpoint(port, &out) || !p.bus.OpenEndpoint(port, &in) {
		return 0
	}

	p.req.Reset()
	p.resp.Reset()
	p.bound.Store(&binding{
		port:  port,
		itf:   itf.InterfaceNumber,
		epOut: out.EndpointAddress,
		epIn:  in.EndpointAddress,
	})

	pkg.LogDebug(pkg.ComponentDAP, "pipeline opened",
		"interface", itf.InterfaceNumber,
		"out", fmt.Sprintf("0x%02X", out.EndpointAddress),
		"in", fmt.Sprintf("0x%02X", in.EndpointAddress),
		"slots", p.req.Count(),
		"size", p.req.Size())
	return device.InterfaceDescriptorSize + 2*device.EndpointDescriptorSize
}

// Activate implements [device.Activator].
func (p *Pipeline) Activate(port uint8) {
	p.armReceive()
}

// ControlTransfer implements [device.ClassDriver]. The pipeline has no
// class requests.
func (p *Pipeline) ControlTransfer(port uint8, stage device.ControlStage, setup *device.SetupPacket) bool {
	return false
}

// XferComplete implements [device.ClassDriver].
func (p *Pipeline) XferComplete(port uint8, ep uint8, status pkg.TransferStatus, n uint32) bool {
	b := p.bound.Load()
	if b == nil {
		return false
	}
	switch ep {
	case b.epOut:
		return p.requestComplete(status, n)
	case b.epIn:
		p.responseComplete()
		return true
	}
	return false
}

func (p *Pipeline) armReceive() {
	b := p.bound.Load()
	if b == nil {
		return
	}
	if !p.bus.Xfer(b.port, b.epOut, p.req.WriteSlot()) {
		pkg.LogDebug(pkg.ComponentDAP, "request receive not armed")
	}
}

func (p *Pipeline) requestComplete(status pkg.TransferStatus, n uint32) bool {
	if status != pkg.TransferStatusSuccess {
		p.armReceive()
		return true
	}
	if n == 0 || int(n) > p.req.Size() {
		p.rejected.Add(1)
		pkg.LogWarn(pkg.ComponentDAP, "request length out of range", "length", n)
		p.armReceive()
		return false
	}

	slot := p.req.WriteSlot()
	if slot[0] == CommandTransferAbort {
		// Handled immediately; the request is not queued and has no
		// response.
		p.aborts.Add(1)
		if a, ok := p.proc.(Aborter); ok {
			a.Abort()
		}
		p.armReceive()
		return true
	}

	ok, full, _ := p.req.Commit(p.req.Epoch(), int(n))
	if !ok {
		return false
	}
	p.requests.Add(1)
	if !full {
		p.armReceive()
	} else {
		pkg.LogDebug(pkg.ComponentDAP, "request buffer full")
	}
	signal(p.wake)
	return true
}

func (p *Pipeline) responseComplete() {
	p.responses.Add(1)
	ok, empty, _ := p.resp.Release(p.resp.Epoch())
	if ok && !empty {
		p.sendResponse()
	}
	signal(p.space)
}

func (p *Pipeline) sendResponse() {
	b := p.bound.Load()
	if b == nil {
		return
	}
	slot := p.resp.ReadSlot()
	if slot == nil {
		return
	}
	if !p.bus.Xfer(b.port, b.epIn, slot) {
		pkg.LogDebug(pkg.ComponentDAP, "response transfer not started")
	}
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		p.drain(ctx)
	}
}

// drain processes every queued request.
func (p *Pipeline) drain(ctx context.Context) {
	for {
		reqEpoch := p.req.Epoch()
		req := p.req.ReadSlot()
		if req == nil {
			return
		}

		for p.resp.Full() {
			select {
			case <-ctx.Done():
				return
			case <-p.space:
			}
		}

		respEpoch := p.resp.Epoch()
		n := p.proc.Process(req, p.resp.WriteSlot())

		ok, _, stalled := p.req.Release(reqEpoch)
		if !ok {
			continue
		}
		if stalled {
			p.armReceive()
		}

		ok, _, idle := p.resp.Commit(respEpoch, n)
		if ok && idle {
			p.sendResponse()
		}
	}
}

// AppendDescriptors appends the vendor interface descriptor and its bulk
// endpoint pair to buf.
func AppendDescriptors(buf []byte, itf, epOut, epIn uint8, mps uint16, str uint8) []byte {
	id := device.InterfaceDescriptor{
		InterfaceNumber: itf,
		NumEndpoints:    2,
		InterfaceClass:  device.ClassVendor,
		InterfaceIndex:  str,
	}
	buf = id.AppendTo(buf)
	out := device.EndpointDescriptor{EndpointAddress: epOut, Attributes: device.EndpointTypeBulk, MaxPacketSize: mps}
	buf = out.AppendTo(buf)
	in := device.EndpointDescriptor{EndpointAddress: epIn, Attributes: device.EndpointTypeBulk, MaxPacketSize: mps}
	return in.AppendTo(buf)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Compile-time interface checks
var (
	_ device.ClassDriver = (*Pipeline)(nil)
	_ device.Activator   = (*Pipeline)(nil)
)
