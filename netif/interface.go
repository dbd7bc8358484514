package netif

import (
	"net"
	"sync/atomic"

	"github.com/google/netstack/tcpip/header"

	"github.com/ardnew/softprobe/device/class/ncm"
	"github.com/ardnew/softprobe/pkg"
)

// DefaultMTU is the Ethernet payload limit of the emulated link.
const DefaultMTU = 1500

// DefaultTxQueue is the default number of frames held while a transmit is
// in flight.
const DefaultTxQueue = 8

// Stack is the IP stack the interface feeds. Its methods run on the engine
// goroutine.
type Stack interface {
	// Input delivers one received Ethernet frame. The frame is owned by
	// the stack.
	Input(frame []byte)

	// LinkChanged reports the link going up or down.
	LinkChanged(up bool)
}

// Transmitter is the USB side of the link, implemented by the NCM bridge.
type Transmitter interface {
	CanXmit() bool
	Xmit(ref any)
}

// Config describes the interface.
type Config struct {
	MAC     net.HardwareAddr
	MTU     int
	TxQueue int
}

// Stats counts interface traffic.
type Stats struct {
	RxFrames uint64
	TxFrames uint64
	TxQueued uint64
	TxDrops  uint64
	RxDrops  uint64
}

// Interface is the network interface riding on the USB link. It adapts the
// bridge callbacks, which arrive on the USB event goroutine, to the IP stack
// on the engine goroutine.
type Interface struct {
	engine *Engine
	stack  Stack
	tx     atomic.Pointer[txHolder]
	mac    net.HardwareAddr
	mtu    int

	up atomic.Bool

	// Owned by the engine goroutine.
	queue    [][]byte
	maxQueue int

	rxFrames atomic.Uint64
	txFrames atomic.Uint64
	txQueued atomic.Uint64
	txDrops  atomic.Uint64
	rxDrops  atomic.Uint64
}

type txHolder struct{ Transmitter }

// NewInterface creates an interface delivering frames to stack on engine.
func NewInterface(engine *Engine, stack Stack, cfg Config) *Interface {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.TxQueue <= 0 {
		cfg.TxQueue = DefaultTxQueue
	}
	return &Interface{
		engine:   engine,
		stack:    stack,
		mac:      cfg.MAC,
		mtu:      cfg.MTU,
		maxQueue: cfg.TxQueue,
	}
}

// Attach binds the transmit side of the link.
func (i *Interface) Attach(tx Transmitter) {
	i.tx.Store(&txHolder{tx})
}

// MAC returns the interface hardware address.
func (i *Interface) MAC() net.HardwareAddr { return i.mac }

// MTU returns the interface MTU.
func (i *Interface) MTU() int { return i.mtu }

// Up reports whether the host has activated the link.
func (i *Interface) Up() bool { return i.up.Load() }

// Stats returns a snapshot of the traffic counters.
func (i *Interface) Stats() Stats {
	return Stats{
		RxFrames: i.rxFrames.Load(),
		TxFrames: i.txFrames.Load(),
		TxQueued: i.txQueued.Load(),
		TxDrops:  i.txDrops.Load(),
		RxDrops:  i.rxDrops.Load(),
	}
}

// Receive implements the bridge's link callback. The datagram aliases the
// receive buffer, so it is copied before crossing to the engine.
func (i *Interface) Receive(datagram []byte) {
	frame := append([]byte(nil), datagram...)
	ok := i.engine.Post(func() {
		i.rxFrames.Add(1)
		pkg.LogDebug(pkg.ComponentNetif, "rx", "frame", Summary(frame))
		i.stack.Input(frame)
	})
	if !ok {
		i.rxDrops.Add(1)
	}
}

// XmitFill implements the bridge's link callback, copying the frame ref
// into the block payload.
func (i *Interface) XmitFill(payload []byte, ref any) int {
	frame, _ := ref.([]byte)
	if len(frame) > len(payload) {
		i.txDrops.Add(1)
		pkg.LogWarn(pkg.ComponentNetif, "frame exceeds transfer block",
			"length", len(frame),
			"room", len(payload))
		return 0
	}
	i.txFrames.Add(1)
	return copy(payload, frame)
}

// XmitDone implements the bridge's link callback.
func (i *Interface) XmitDone() {
	i.engine.Post(i.kick)
}

// SetLinkUp implements the bridge's link callback.
func (i *Interface) SetLinkUp(up bool) {
	i.up.Store(up)
	i.engine.Post(func() {
		if !up {
			i.queue = i.queue[:0]
		}
		pkg.LogInfo(pkg.ComponentNetif, "link state", "up", up)
		i.stack.LinkChanged(up)
	})
}

// Output transmits an Ethernet frame from the IP stack. It must be called
// on the engine goroutine. Frames are queued while a transmit is in flight
// and dropped when the queue is full or the link is down.
func (i *Interface) Output(frame []byte) bool {
	if !i.up.Load() || len(frame) > i.mtu+header.EthernetMinimumSize {
		i.txDrops.Add(1)
		return false
	}
	if len(i.queue) >= i.maxQueue {
		i.txDrops.Add(1)
		pkg.LogDebug(pkg.ComponentNetif, "transmit queue full",
			"error", pkg.ErrCapacity)
		return false
	}
	i.queue = append(i.queue, frame)
	i.txQueued.Add(1)
	i.kick()
	return true
}

// kick sends the head of the queue if the bridge is idle.
func (i *Interface) kick() {
	h := i.tx.Load()
	if h == nil || len(i.queue) == 0 || !h.CanXmit() {
		return
	}
	frame := i.queue[0]
	i.queue[0] = nil
	i.queue = i.queue[1:]
	pkg.LogDebug(pkg.ComponentNetif, "tx", "frame", Summary(frame))
	h.Xmit(frame)
}

// Compile-time interface checks
var (
	_ ncm.Link    = (*Interface)(nil)
	_ Transmitter = (*ncm.Bridge)(nil)
)
