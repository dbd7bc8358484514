package cdc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softprobe/device"
	"github.com/ardnew/softprobe/pkg"
	"github.com/ardnew/softprobe/pkg/bytefifo"
)

// DefaultRxBufferSize is the default capacity of the inbound byte FIFO.
const DefaultRxBufferSize = 4096

// SerialStateSize is the size of a SERIAL_STATE notification.
const SerialStateSize = NotificationHeaderSize + 2

// ACMConfig sizes the serial function's buffers.
type ACMConfig struct {
	RxBufferSize int // Inbound FIFO capacity in bytes
}

// ACM is the CDC-ACM (Abstract Control Model) class driver, a virtual serial
// port.
//
// Host data is received one packet at a time into an inbound FIFO drained
// with [ACM.Read]. Reception pauses while the FIFO cannot hold another
// packet and resumes when a read frees the room. [ACM.Write] sends at most
// one packet per call and never blocks; [ACM.WriteDone] signals when the
// next write may go out.
type ACM struct {
	bus device.Bus
	rx  *bytefifo.FIFO

	bound     atomic.Pointer[acmBinding]
	rxPending atomic.Bool
	txBusy    atomic.Bool
	lineState atomic.Uint32

	rxBuf  []byte
	txBuf  []byte
	notify [SerialStateSize]byte
	ctrl   [LineCodingSize]byte

	mutex                sync.Mutex
	lineCoding           LineCoding
	onLineCodingChange   func(LineCoding)
	onControlStateChange func(dtr, rts bool)

	lineChanged chan struct{}
	txDone      chan struct{}
}

type acmBinding struct {
	port     uint8
	itfComm  uint8
	itfData  uint8
	epNotify uint8
	epOut    uint8
	epIn     uint8
	mps      uint16
}

// NewACM creates a CDC-ACM class driver submitting transfers through bus.
func NewACM(bus device.Bus, cfg ACMConfig) *ACM {
	if cfg.RxBufferSize <= 0 {
		cfg.RxBufferSize = DefaultRxBufferSize
	}
	return &ACM{
		bus:         bus,
		rx:          bytefifo.New(cfg.RxBufferSize),
		lineCoding:  DefaultLineCoding,
		lineChanged: make(chan struct{}, 1),
		txDone:      make(chan struct{}, 1),
	}
}

// SetOnLineCodingChange sets the callback for line coding changes. It runs
// on the USB event goroutine and must not block.
func (a *ACM) SetOnLineCodingChange(cb func(LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for control line state changes.
// It runs on the USB event goroutine and must not block.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlStateChange = cb
}

// LineCoding returns the current line coding configuration.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.lineCoding
}

// DTR returns the current DTR (Data Terminal Ready) state.
func (a *ACM) DTR() bool {
	return a.lineState.Load()&ControlLineDTR != 0
}

// RTS returns the current RTS (Request To Send) state.
func (a *ACM) RTS() bool {
	return a.lineState.Load()&ControlLineRTS != 0
}

// Connected reports whether the host has the port open, signalled by DTR.
func (a *ACM) Connected() bool {
	return a.bound.Load() != nil && a.DTR()
}

// LineChanged receives a token whenever the control line state changes.
func (a *ACM) LineChanged() <-chan struct{} { return a.lineChanged }

// Readable receives a token whenever host data is added to the FIFO.
func (a *ACM) Readable() <-chan struct{} { return a.rx.Data() }

// WriteDone receives a token whenever a write completes.
func (a *ACM) WriteDone() <-chan struct{} { return a.txDone }

// Buffered returns the number of received bytes not yet read.
func (a *ACM) Buffered() int { return a.rx.Len() }

// Read copies received bytes into p without blocking.
func (a *ACM) Read(p []byte) int {
	n := a.rx.TryRead(p)
	if n > 0 {
		a.armReceive()
	}
	return n
}

// Write sends up to one packet of p to the host and returns the number of
// bytes accepted, 0 while a previous write is in flight or the port is
// closed.
func (a *ACM) Write(p []byte) int {
	b := a.bound.Load()
	if b == nil || len(p) == 0 || !a.txBusy.CompareAndSwap(false, true) {
		return 0
	}
	n := copy(a.txBuf, p)
	if !a.bus.Xfer(b.port, b.epIn, a.txBuf[:n]) {
		a.txBusy.Store(false)
		return 0
	}
	return n
}

// Flush discards received data not yet read.
func (a *ACM) Flush() {
	a.rx.Reset()
	a.armReceive()
}

// SendSerialState sends a SERIAL_STATE notification carrying the UART
// state bitmap. It returns false if the notification endpoint is busy.
func (a *ACM) SendSerialState(state uint16) bool {
	b := a.bound.Load()
	if b == nil || b.epNotify == 0 {
		return false
	}
	h := Notification{
		Code:      NotificationSerialState,
		Interface: b.itfComm,
		Length:    2,
	}
	h.MarshalTo(a.notify[:])
	a.notify[8] = byte(state)
	a.notify[9] = byte(state >> 8)
	return a.bus.Xfer(b.port, b.epNotify, a.notify[:])
}

// Init implements [device.ClassDriver].
func (a *ACM) Init() {}

// Reset implements [device.ClassDriver].
func (a *ACM) Reset(port uint8) {
	a.bound.Store(nil)
	a.rxPending.Store(false)
	a.txBusy.Store(false)
	a.rx.Reset()
	if a.lineState.Swap(0) != 0 {
		signal(a.lineChanged)
	}
}

// Open implements [device.ClassDriver]. It claims an ACM communication
// interface with its functional descriptors and notification endpoint,
// followed by the data interface and its bulk pair.
func (a *ACM) Open(port uint8, desc []byte) uint16 {
	var itf device.InterfaceDescriptor
	if device.ParseInterfaceDescriptor(desc, &itf) != nil ||
		itf.InterfaceClass != device.ClassCDC ||
		itf.InterfaceSubClass != SubclassACM {
		return 0
	}
	if a.bound.Load() != nil {
		pkg.LogWarn(pkg.ComponentCDC, "second ACM function ignored",
			"interface", itf.InterfaceNumber)
		return 0
	}

	b := acmBinding{port: port, itfComm: itf.InterfaceNumber}
	rest, skipped := SkipFunctional(desc[device.InterfaceDescriptorSize:])
	consumed := device.InterfaceDescriptorSize + skipped

	if itf.NumEndpoints > 0 {
		var ep device.EndpointDescriptor
		if device.ParseEndpointDescriptor(rest, &ep) != nil ||
			ep.Attributes&0x03 != device.EndpointTypeInterrupt ||
			!a.bus.OpenEndpoint(port, &ep) {
			return 0
		}
		b.epNotify = ep.EndpointAddress
		rest = rest[device.EndpointDescriptorSize:]
		consumed += device.EndpointDescriptorSize
	}

	var data device.InterfaceDescriptor
	if device.ParseInterfaceDescriptor(rest, &data) != nil ||
		data.InterfaceClass != device.ClassCDCData || data.NumEndpoints != 2 {
		return 0
	}
	b.itfData = data.InterfaceNumber
	rest = rest[device.InterfaceDescriptorSize:]
	consumed += device.InterfaceDescriptorSize

	for i := 0; i < 2; i++ {
		var ep device.EndpointDescriptor
		if device.ParseEndpointDescriptor(rest, &ep) != nil ||
			ep.Attributes&0x03 != device.EndpointTypeBulk ||
			!a.bus.OpenEndpoint(port, &ep) {
			return 0
		}
		if ep.EndpointAddress&device.EndpointDirectionIn != 0 {
			b.epIn = ep.EndpointAddress
			b.mps = ep.MaxPacketSize
		} else {
			b.epOut = ep.EndpointAddress
		}
		rest = rest[device.EndpointDescriptorSize:]
		consumed += device.EndpointDescriptorSize
	}
	if b.epIn == 0 || b.epOut == 0 || b.mps == 0 {
		return 0
	}

	if len(a.rxBuf) != int(b.mps) {
		a.rxBuf = make([]byte, b.mps)
		a.txBuf = make([]byte, b.mps)
	}
	a.bound.Store(&b)

	pkg.LogDebug(pkg.ComponentCDC, "ACM opened",
		"comm", b.itfComm,
		"data", b.itfData,
		"in", fmt.Sprintf("0x%02X", b.epIn),
		"out", fmt.Sprintf("0x%02X", b.epOut),
		"mps", b.mps)
	return uint16(consumed)
}

// Activate implements [device.Activator].
func (a *ACM) Activate(port uint8) {
	a.armReceive()
}

// ControlTransfer implements [device.ClassDriver].
func (a *ACM) ControlTransfer(port uint8, stage device.ControlStage, setup *device.SetupPacket) bool {
	b := a.bound.Load()
	if b == nil || !setup.IsClass() {
		return false
	}
	if itf := setup.InterfaceNumber(); itf != b.itfComm && itf != b.itfData {
		return false
	}

	switch stage {
	case device.StageSetup:
	case device.StageData:
		if setup.Request == RequestSetLineCoding {
			a.setLineCoding()
		}
		return true
	default:
		return true
	}

	switch setup.Request {
	case RequestSetLineCoding:
		return a.bus.ControlReply(port, setup, a.ctrl[:])
	case RequestGetLineCoding:
		lc := a.LineCoding()
		lc.MarshalTo(a.ctrl[:])
		return a.bus.ControlReply(port, setup, a.ctrl[:])
	case RequestSetControlLineState:
		a.setControlLineState(setup.Value)
		return a.bus.ControlReply(port, setup, nil)
	case RequestSendBreak:
		pkg.LogDebug(pkg.ComponentCDC, "break signaled", "duration_ms", setup.Value)
		return a.bus.ControlReply(port, setup, nil)
	}
	return false
}

func (a *ACM) setLineCoding() {
	a.mutex.Lock()
	ParseLineCoding(a.ctrl[:], &a.lineCoding)
	lc := a.lineCoding
	cb := a.onLineCodingChange
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentCDC, "line coding set",
		"baud", lc.DTERate,
		"dataBits", lc.DataBits,
		"parity", lc.ParityType,
		"stopBits", lc.CharFormat)
	if cb != nil {
		cb(lc)
	}
}

func (a *ACM) setControlLineState(value uint16) {
	state := uint32(value) & (ControlLineDTR | ControlLineRTS)
	if a.lineState.Swap(state) == state {
		return
	}
	dtr := state&ControlLineDTR != 0
	rts := state&ControlLineRTS != 0
	pkg.LogDebug(pkg.ComponentCDC, "control line state set",
		"dtr", dtr,
		"rts", rts)

	a.mutex.Lock()
	cb := a.onControlStateChange
	a.mutex.Unlock()
	if cb != nil {
		cb(dtr, rts)
	}
	signal(a.lineChanged)
}

// XferComplete implements [device.ClassDriver].
func (a *ACM) XferComplete(port uint8, ep uint8, status pkg.TransferStatus, n uint32) bool {
	b := a.bound.Load()
	if b == nil {
		return false
	}
	switch ep {
	case b.epOut:
		a.rxPending.Store(false)
		if status == pkg.TransferStatusSuccess && n > 0 {
			a.rx.TryWrite(a.rxBuf[:n])
		}
		a.armReceive()
	case b.epIn:
		a.txBusy.Store(false)
		if status != pkg.TransferStatusSuccess {
			pkg.LogDebug(pkg.ComponentCDC, "write failed", "status", status.String())
		}
		signal(a.txDone)
	case b.epNotify:
	default:
		return false
	}
	return true
}

// armReceive queues the next packet receive if none is pending and the
// FIFO can hold a full packet.
func (a *ACM) armReceive() {
	b := a.bound.Load()
	if b == nil || a.rx.Space() < int(b.mps) {
		return
	}
	if !a.rxPending.CompareAndSwap(false, true) {
		return
	}
	if !a.bus.Xfer(b.port, b.epOut, a.rxBuf) {
		a.rxPending.Store(false)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ACMDescriptorConfig places the ACM function in a configuration.
type ACMDescriptorConfig struct {
	FirstInterface uint8  // Communication interface; data is the next
	NotifyEP       uint8  // Interrupt IN endpoint number
	DataOutEP      uint8  // Bulk OUT endpoint number
	DataInEP       uint8  // Bulk IN endpoint number
	MaxPacketSize  uint16 // Bulk max packet size
	InterfaceName  uint8  // String index for the function
}

// AppendACMDescriptors appends the IAD, interfaces, functional descriptors
// and endpoints of one ACM function to buf.
func AppendACMDescriptors(buf []byte, c ACMDescriptorConfig) []byte {
	comm, data := c.FirstInterface, c.FirstInterface+1

	buf = (&device.InterfaceAssociationDescriptor{
		FirstInterface:   comm,
		InterfaceCount:   2,
		FunctionClass:    device.ClassCDC,
		FunctionSubClass: SubclassACM,
		FunctionProtocol: ProtocolAT,
		FunctionIndex:    c.InterfaceName,
	}).AppendTo(buf)
	buf = (&device.InterfaceDescriptor{
		InterfaceNumber:   comm,
		NumEndpoints:      1,
		InterfaceClass:    device.ClassCDC,
		InterfaceSubClass: SubclassACM,
		InterfaceProtocol: ProtocolAT,
		InterfaceIndex:    c.InterfaceName,
	}).AppendTo(buf)
	buf = AppendHeader(buf)
	buf = AppendCallManagement(buf, 0, data)
	buf = AppendACM(buf, ACMCapLineCoding)
	buf = AppendUnion(buf, comm, data)
	buf = (&device.EndpointDescriptor{
		EndpointAddress: c.NotifyEP | device.EndpointDirectionIn,
		Attributes:      device.EndpointTypeInterrupt,
		MaxPacketSize:   16,
		Interval:        16,
	}).AppendTo(buf)

	buf = (&device.InterfaceDescriptor{
		InterfaceNumber: data,
		NumEndpoints:    2,
		InterfaceClass:  device.ClassCDCData,
	}).AppendTo(buf)
	buf = (&device.EndpointDescriptor{
		EndpointAddress: c.DataOutEP &^ device.EndpointDirectionIn,
		Attributes:      device.EndpointTypeBulk,
		MaxPacketSize:   c.MaxPacketSize,
	}).AppendTo(buf)
	return (&device.EndpointDescriptor{
		EndpointAddress: c.DataInEP | device.EndpointDirectionIn,
		Attributes:      device.EndpointTypeBulk,
		MaxPacketSize:   c.MaxPacketSize,
	}).AppendTo(buf)
}

// Compile-time interface checks
var (
	_ device.ClassDriver = (*ACM)(nil)
	_ device.Activator   = (*ACM)(nil)
)
