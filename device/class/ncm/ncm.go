package ncm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/ardnew/softprobe/device"
	"github.com/ardnew/softprobe/device/class/cdc"
	"github.com/ardnew/softprobe/pkg"
)

// Link is the network side of a [Bridge]. Its methods are called on the USB
// event goroutine, except XmitFill which runs in the goroutine calling
// [Bridge.Xmit].
type Link interface {
	// Receive delivers one inbound datagram. The slice is only valid for
	// the duration of the call.
	Receive(datagram []byte)

	// XmitFill writes the datagram identified by ref into payload and
	// returns its length, or 0 to send nothing.
	XmitFill(payload []byte, ref any) int

	// XmitDone reports that the previous transmit finished and
	// [Bridge.CanXmit] is true again.
	XmitDone()

	// SetLinkUp reports the host selecting or deselecting the data
	// interface.
	SetLinkUp(up bool)
}

// State is the bridge's interface state.
type State uint32

// Bridge states.
const (
	StateClosed State = iota // No configuration
	StateOpen                // Endpoints open, data interface at alternate 0
	StateActive              // Data interface at alternate 1
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

type notifyPhase uint8

const (
	phaseSpeed notifyPhase = iota
	phaseConnected
	phaseDone
)

// Config holds the bridge's transfer block limits.
type Config struct {
	// MaxDatagrams is the inbound datagram-per-block limit; 0 or 1 selects
	// the single-datagram profile.
	MaxDatagrams int

	// InSize and OutSize bound transmitted and received blocks.
	InSize  int
	OutSize int

	// BitRate is reported to the host in the connection speed notification.
	BitRate uint32
}

// Stats counts bridge traffic.
type Stats struct {
	Received    uint64 // Datagrams delivered to the link
	Malformed   uint64 // Blocks dropped by the decoder
	Transmitted uint64 // Blocks sent to the host
	ZLPs        uint64 // Zero-length terminators sent
	XmitErrors  uint64 // Transmit attempts that failed
}

// Bridge is the CDC-NCM class driver.
type Bridge struct {
	bus  device.Bus
	link Link
	cfg  Config

	state    atomic.Uint32
	xmitBusy atomic.Bool
	inSize   atomic.Uint32
	resets   atomic.Uint32

	// Owned by the event goroutine.
	port          uint8
	itfComm       uint8
	itfData       uint8
	epNotify      uint8
	epOut         uint8
	epIn          uint8
	inMPS         uint16
	rxPending     bool
	zlpPending    bool
	phase         notifyPhase
	reportPending bool

	encoder Encoder
	decoder Decoder

	rx     []byte
	tx     []byte
	notify [NotifySize]byte
	params [NTBParametersSize]byte
	ctrl   [4]byte

	received    atomic.Uint64
	malformed   atomic.Uint64
	transmitted atomic.Uint64
	zlps        atomic.Uint64
	xmitErrors  atomic.Uint64
}

// New creates a bridge submitting transfers through bus and exchanging
// datagrams with link.
func New(bus device.Bus, link Link, cfg Config) *Bridge {
	if cfg.InSize <= PayloadOffset {
		cfg.InSize = DefaultNTBSize
	}
	if cfg.OutSize <= PayloadOffset {
		cfg.OutSize = DefaultNTBSize
	}
	if cfg.BitRate == 0 {
		cfg.BitRate = 12_000_000
	}
	b := &Bridge{
		bus:     bus,
		link:    link,
		cfg:     cfg,
		decoder: Decoder{MaxDatagrams: cfg.MaxDatagrams},
		rx:      make([]byte, cfg.OutSize),
		tx:      make([]byte, cfg.InSize),
	}
	b.inSize.Store(uint32(cfg.InSize))
	return b
}

// State returns the current interface state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Stats returns a snapshot of the traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:    b.received.Load(),
		Malformed:   b.malformed.Load(),
		Transmitted: b.transmitted.Load(),
		ZLPs:        b.zlps.Load(),
		XmitErrors:  b.xmitErrors.Load(),
	}
}

// Init implements [device.ClassDriver].
func (b *Bridge) Init() {
	b.Reset(0)
}

// Reset implements [device.ClassDriver].
func (b *Bridge) Reset(port uint8) {
	was := b.State()
	b.state.Store(uint32(StateClosed))
	b.port = port
	b.itfComm, b.itfData = 0, 0
	b.epNotify, b.epOut, b.epIn = 0, 0, 0
	b.inMPS = 0
	b.rxPending = false
	b.zlpPending = false
	b.phase = phaseSpeed
	b.reportPending = false
	b.encoder.Reset()
	b.inSize.Store(uint32(b.cfg.InSize))
	b.resets.Add(1)
	b.xmitBusy.Store(false)

	if was == StateActive {
		b.link.SetLinkUp(false)
	}
}

// Open implements [device.ClassDriver].
func (b *Bridge) Open(port uint8, desc []byte) uint16 {
	var itf device.InterfaceDescriptor
	if device.ParseInterfaceDescriptor(desc, &itf) != nil ||
		itf.InterfaceClass != device.ClassCDC ||
		itf.InterfaceSubClass != cdc.SubclassNCM {
		return 0
	}
	if b.State() != StateClosed {
		pkg.LogWarn(pkg.ComponentNCM, "second NCM function ignored",
			"interface", itf.InterfaceNumber)
		return 0
	}

	b.port = port
	b.itfComm = itf.InterfaceNumber
	rest, skipped := cdc.SkipFunctional(desc[device.InterfaceDescriptorSize:])
	consumed := device.InterfaceDescriptorSize + skipped

	if itf.NumEndpoints > 0 {
		var ep device.EndpointDescriptor
		if device.ParseEndpointDescriptor(rest, &ep) != nil ||
			ep.Attributes&0x03 != device.EndpointTypeInterrupt ||
			!b.bus.OpenEndpoint(port, &ep) {
			return 0
		}
		b.epNotify = ep.EndpointAddress
		rest = rest[device.EndpointDescriptorSize:]
		consumed += device.EndpointDescriptorSize
	}

	// Data interface, alternate 0 without endpoints then alternate 1 with
	// the bulk pair.
	for range 2 {
		var data device.InterfaceDescriptor
		if device.ParseInterfaceDescriptor(rest, &data) != nil || data.InterfaceClass != device.ClassCDCData {
			break
		}
		b.itfData = data.InterfaceNumber
		rest = rest[device.InterfaceDescriptorSize:]
		consumed += device.InterfaceDescriptorSize

		for i := 0; i < int(data.NumEndpoints); i++ {
			var ep device.EndpointDescriptor
			if device.ParseEndpointDescriptor(rest, &ep) != nil ||
				ep.Attributes&0x03 != device.EndpointTypeBulk ||
				!b.bus.OpenEndpoint(port, &ep) {
				return 0
			}
			if ep.EndpointAddress&device.EndpointDirectionIn != 0 {
				b.epIn = ep.EndpointAddress
				b.inMPS = ep.MaxPacketSize
			} else {
				b.epOut = ep.EndpointAddress
			}
			rest = rest[device.EndpointDescriptorSize:]
			consumed += device.EndpointDescriptorSize
		}
	}

	if b.epIn == 0 || b.epOut == 0 {
		pkg.LogWarn(pkg.ComponentNCM, "NCM data interface incomplete",
			"interface", itf.InterfaceNumber)
		return 0
	}

	b.state.Store(uint32(StateOpen))
	pkg.LogDebug(pkg.ComponentNCM, "NCM opened",
		"comm", b.itfComm,
		"data", b.itfData,
		"in", fmt.Sprintf("0x%02X", b.epIn),
		"out", fmt.Sprintf("0x%02X", b.epOut),
		"mps", b.inMPS)
	return uint16(consumed)
}

// ControlTransfer implements [device.ClassDriver].
func (b *Bridge) ControlTransfer(port uint8, stage device.ControlStage, setup *device.SetupPacket) bool {
	itf := setup.InterfaceNumber()
	if itf != b.itfComm && itf != b.itfData {
		return false
	}

	switch stage {
	case device.StageSetup:
	case device.StageData:
		if setup.IsClass() && setup.Request == RequestSetNTBInputSize {
			b.setInputSize(binary.LittleEndian.Uint32(b.ctrl[:]))
		}
		return true
	default:
		return true
	}

	if setup.IsStandard() {
		switch setup.Request {
		case device.RequestSetInterface:
			if itf != b.itfData || !b.setAlternate(uint8(setup.Value)) {
				return false
			}
			return b.bus.ControlReply(port, setup, nil)
		case device.RequestGetInterface:
			if itf != b.itfData {
				return false
			}
			b.ctrl[0] = 0
			if b.State() == StateActive {
				b.ctrl[0] = 1
			}
			return b.bus.ControlReply(port, setup, b.ctrl[:1])
		}
		return false
	}

	if !setup.IsClass() {
		return false
	}
	switch setup.Request {
	case RequestGetNTBParameters:
		p := NTBParameters{
			InMaxSize:       uint32(b.cfg.InSize),
			InDivisor:       4,
			InAlignment:     4,
			OutMaxSize:      uint32(b.cfg.OutSize),
			OutDivisor:      4,
			OutAlignment:    4,
			OutMaxDatagrams: uint16(max(b.cfg.MaxDatagrams, 1)),
		}
		p.MarshalTo(b.params[:])
		return b.bus.ControlReply(port, setup, b.params[:])
	case RequestGetNTBInputSize:
		binary.LittleEndian.PutUint32(b.ctrl[:], b.inSize.Load())
		return b.bus.ControlReply(port, setup, b.ctrl[:])
	case RequestSetNTBInputSize:
		return b.bus.ControlReply(port, setup, b.ctrl[:])
	case RequestSetEthernetPacketFilter:
		pkg.LogDebug(pkg.ComponentNCM, "packet filter", "filter", setup.Value)
		return b.bus.ControlReply(port, setup, nil)
	}
	return false
}

func (b *Bridge) setInputSize(size uint32) {
	if size > uint32(b.cfg.InSize) {
		size = uint32(b.cfg.InSize)
	}
	if size <= PayloadOffset {
		return
	}
	b.inSize.Store(size)
}

// setAlternate applies SET_INTERFACE on the data interface.
func (b *Bridge) setAlternate(alt uint8) bool {
	switch alt {
	case 0:
		if b.State() == StateActive {
			b.state.Store(uint32(StateOpen))
			b.link.SetLinkUp(false)
		}
		return true
	case 1:
		if b.State() == StateClosed {
			return false
		}
		if b.State() != StateActive {
			b.state.Store(uint32(StateActive))
			b.link.SetLinkUp(true)
			pkg.LogInfo(pkg.ComponentNCM, "network link active")
		}
		b.armReceive()
		b.report()
		return true
	default:
		return false
	}
}

// armReceive queues the next inbound block unless one is already pending.
func (b *Bridge) armReceive() {
	if b.rxPending || b.State() != StateActive {
		return
	}
	if b.bus.Xfer(b.port, b.epOut, b.rx) {
		b.rxPending = true
	}
}

// report sends the next notification of the connection handshake.
func (b *Bridge) report() {
	if b.reportPending || b.State() != StateActive || b.epNotify == 0 {
		return
	}

	var n int
	switch b.phase {
	case phaseSpeed:
		h := cdc.Notification{
			Code:      cdc.NotificationConnectionSpeedChange,
			Interface: b.itfComm,
			Length:    8,
		}
		n = h.MarshalTo(b.notify[:])
		binary.LittleEndian.PutUint32(b.notify[8:], b.cfg.BitRate)
		binary.LittleEndian.PutUint32(b.notify[12:], b.cfg.BitRate)
		n += 8
	case phaseConnected:
		h := cdc.Notification{
			Code:      cdc.NotificationNetworkConnection,
			Value:     1,
			Interface: b.itfComm,
		}
		n = h.MarshalTo(b.notify[:])
	default:
		return
	}

	if b.bus.Xfer(b.port, b.epNotify, b.notify[:n]) {
		b.reportPending = true
	}
}

// CanXmit reports whether [Bridge.Xmit] would send.
func (b *Bridge) CanXmit() bool {
	return b.State() == StateActive && !b.xmitBusy.Load()
}

// Xmit builds one block from the datagram ref identifies and sends it. It is
// a no-op while a transmit is in flight; the link retries after XmitDone.
//
// Xmit may be called from any goroutine. When the bus implements
// [device.Deferrer] the block is encoded and submitted on the event
// goroutine, otherwise the caller must be that goroutine.
func (b *Bridge) Xmit(ref any) {
	if b.State() != StateActive || !b.xmitBusy.CompareAndSwap(false, true) {
		return
	}
	d, ok := b.bus.(device.Deferrer)
	if !ok {
		b.xmit(ref, b.resets.Load())
		return
	}
	gen := b.resets.Load()
	if !d.Defer(func() { b.xmit(ref, gen) }) {
		b.xmitErrors.Add(1)
		pkg.LogDebug(pkg.ComponentNCM, "transmit not queued")
		b.xmitDone()
	}
}

// xmit runs on the event goroutine. A reset since the claim in Xmit has
// already released the transmitter and flushed the link.
func (b *Bridge) xmit(ref any, gen uint32) {
	if b.resets.Load() != gen {
		return
	}
	if b.State() != StateActive {
		b.xmitBusy.Store(false)
		return
	}

	n, err := b.encoder.EncodeFunc(b.tx[:b.inSize.Load()], func(payload []byte) int {
		return b.link.XmitFill(payload, ref)
	})
	if err != nil {
		b.xmitBusy.Store(false)
		pkg.LogDebug(pkg.ComponentNCM, "nothing to transmit", "error", err)
		return
	}
	if !b.bus.Xfer(b.port, b.epIn, b.tx[:n]) {
		b.xmitBusy.Store(false)
		b.xmitErrors.Add(1)
		pkg.LogDebug(pkg.ComponentNCM, "transmit refused", "length", n)
	}
}

// XferComplete implements [device.ClassDriver].
func (b *Bridge) XferComplete(port uint8, ep uint8, status pkg.TransferStatus, n uint32) bool {
	switch ep {
	case b.epOut:
		b.receiveComplete(status, n)
	case b.epIn:
		b.xmitComplete(status, n)
	case b.epNotify:
		b.reportPending = false
		if status == pkg.TransferStatusSuccess {
			b.phase++
		}
		b.report()
	default:
		return false
	}
	return true
}

func (b *Bridge) receiveComplete(status pkg.TransferStatus, n uint32) {
	b.rxPending = false
	defer b.armReceive()

	if status != pkg.TransferStatusSuccess {
		pkg.LogDebug(pkg.ComponentNCM, "receive failed", "status", status.String())
		return
	}

	datagrams, err := b.decoder.DecodeAll(b.rx[:n])
	if err != nil {
		b.malformed.Add(1)
		pkg.LogDebug(pkg.ComponentNCM, "dropping malformed block",
			"error", err,
			"length", n)
		return
	}
	for _, dg := range datagrams {
		b.received.Add(1)
		b.link.Receive(dg)
	}
}

func (b *Bridge) xmitComplete(status pkg.TransferStatus, n uint32) {
	if status != pkg.TransferStatusSuccess {
		b.xmitErrors.Add(1)
		b.zlpPending = false
		b.xmitDone()
		return
	}
	if b.zlpPending {
		b.zlpPending = false
		b.xmitDone()
		return
	}

	b.transmitted.Add(1)
	// A block ending on a packet boundary needs a zero-length packet so
	// the host sees the end of the transfer.
	if n > 0 && b.inMPS > 0 && n%uint32(b.inMPS) == 0 {
		if b.bus.Xfer(b.port, b.epIn, nil) {
			b.zlpPending = true
			b.zlps.Add(1)
			return
		}
	}
	b.xmitDone()
}

func (b *Bridge) xmitDone() {
	b.xmitBusy.Store(false)
	b.link.XmitDone()
}

// Compile-time interface check
var _ device.ClassDriver = (*Bridge)(nil)
