package netif

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/adapters/gonet"
	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/network/arp"
	"github.com/google/netstack/tcpip/network/ipv4"
	"github.com/google/netstack/tcpip/stack"
	"github.com/google/netstack/tcpip/transport/tcp"
	"github.com/pkg/errors"

	"github.com/ardnew/softprobe/pkg"
)

// DefaultAddress is the probe's address on the link. The host takes another
// address in the same subnet.
const DefaultAddress = "192.168.7.1/24"

const nicID tcpip.NICID = 1

// FrameWriter takes the Ethernet frames an [IPStack] transmits. Output is
// called on the engine goroutine. [Interface] implements it.
type FrameWriter interface {
	Output(frame []byte) bool
}

// IPConfig describes an [IPStack].
type IPConfig struct {
	Prefix netip.Prefix     // Interface address and subnet
	MAC    net.HardwareAddr // Source of transmitted frames
	Peer   net.HardwareAddr // Destination until learned from received frames
	MTU    int
}

// IPStats counts frames crossing the stack's link endpoint.
type IPStats struct {
	RxFrames uint64
	RxDrops  uint64
	TxFrames uint64
	TxDrops  uint64
}

// IPStack is an IPv4 and TCP stack on a point-to-point Ethernet link. It
// implements [Stack]; received frames are handed to it on the engine
// goroutine and transmitted frames are posted back to the engine for the
// [FrameWriter].
type IPStack struct {
	stack  *stack.Stack
	link   *linkEndpoint
	addr   tcpip.Address
	prefix netip.Prefix
	up     atomic.Bool
}

// NewIPStack creates a stack posting its output to engine.
func NewIPStack(engine *Engine, cfg IPConfig) (*IPStack, error) {
	if !cfg.Prefix.Addr().Is4() {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "link address %s", cfg.Prefix)
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}

	link := &linkEndpoint{
		engine: engine,
		mac:    tcpip.LinkAddress(cfg.MAC),
		mtu:    uint32(cfg.MTU),
	}
	link.peer.Store(tcpip.LinkAddress(cfg.Peer))

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocol{ipv4.NewProtocol(), arp.NewProtocol()},
		TransportProtocols: []stack.TransportProtocol{tcp.NewProtocol()},
	})
	if err := s.CreateNIC(nicID, link); err != nil {
		return nil, errors.Errorf("create nic: %s", err)
	}
	addr := tcpip.Address(cfg.Prefix.Addr().AsSlice())
	if err := s.AddAddress(nicID, ipv4.ProtocolNumber, addr); err != nil {
		return nil, errors.Errorf("add address %s: %s", cfg.Prefix.Addr(), err)
	}
	if err := s.AddAddress(nicID, arp.ProtocolNumber, arp.ProtocolAddress); err != nil {
		return nil, errors.Errorf("enable arp: %s", err)
	}

	masked := cfg.Prefix.Masked()
	subnet, err := tcpip.NewSubnet(
		tcpip.Address(masked.Addr().AsSlice()),
		tcpip.AddressMask(net.CIDRMask(masked.Bits(), 32)))
	if err != nil {
		return nil, errors.Wrapf(err, "subnet %s", masked)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: subnet, NIC: nicID}})

	pkg.LogDebug(pkg.ComponentNetif, "ip stack created",
		"address", cfg.Prefix.String(),
		"mac", MACString(cfg.MAC))
	return &IPStack{stack: s, link: link, addr: addr, prefix: cfg.Prefix}, nil
}

// Attach binds the writer transmitted frames go to.
func (s *IPStack) Attach(w FrameWriter) {
	s.link.out.Store(&writerHolder{w})
}

// Addr returns the interface address.
func (s *IPStack) Addr() netip.Addr { return s.prefix.Addr() }

// Up reports the last link state given to LinkChanged.
func (s *IPStack) Up() bool { return s.up.Load() }

// Stats returns a snapshot of the link counters.
func (s *IPStack) Stats() IPStats {
	return IPStats{
		RxFrames: s.link.rxFrames.Load(),
		RxDrops:  s.link.rxDrops.Load(),
		TxFrames: s.link.txFrames.Load(),
		TxDrops:  s.link.txDrops.Load(),
	}
}

// Input implements [Stack].
func (s *IPStack) Input(frame []byte) {
	s.link.deliver(frame)
}

// LinkChanged implements [Stack].
func (s *IPStack) LinkChanged(up bool) {
	s.up.Store(up)
	pkg.LogInfo(pkg.ComponentNetif, "ip link changed",
		"up", up,
		"address", s.prefix.String())
}

// Listen opens a TCP listener on port at the interface address.
func (s *IPStack) Listen(port uint16) (*gonet.Listener, error) {
	l, err := gonet.NewListener(s.stack, tcpip.FullAddress{
		NIC:  nicID,
		Addr: s.addr,
		Port: port,
	}, ipv4.ProtocolNumber)
	return l, errors.Wrapf(err, "listen on %s port %d", s.prefix.Addr(), port)
}

// Dial connects to addr over the link.
func (s *IPStack) Dial(ctx context.Context, addr netip.AddrPort) (*gonet.Conn, error) {
	c, err := gonet.DialContextTCP(ctx, s.stack, tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.Address(addr.Addr().AsSlice()),
		Port: addr.Port(),
	}, ipv4.ProtocolNumber)
	return c, errors.Wrapf(err, "dial %s", addr)
}

// Close closes every endpoint of the stack and waits for their workers.
func (s *IPStack) Close() {
	s.stack.Close()
	s.stack.Wait()
}

type writerHolder struct{ FrameWriter }

// linkEndpoint is the stack's Ethernet NIC. Its write methods are called
// from the stack's own goroutines.
type linkEndpoint struct {
	engine     *Engine
	dispatcher stack.NetworkDispatcher
	out        atomic.Pointer[writerHolder]
	mac        tcpip.LinkAddress
	peer       atomic.Value // tcpip.LinkAddress
	mtu        uint32

	rxFrames atomic.Uint64
	rxDrops  atomic.Uint64
	txFrames atomic.Uint64
	txDrops  atomic.Uint64
}

// deliver strips the Ethernet header and hands the packet to the stack.
func (e *linkEndpoint) deliver(frame []byte) {
	if len(frame) < header.EthernetMinimumSize || e.dispatcher == nil {
		e.rxDrops.Add(1)
		return
	}
	eth := header.Ethernet(frame[:header.EthernetMinimumSize])
	src := eth.SourceAddress()
	if header.IsValidUnicastEthernetAddress(src) && src != e.peerAddress() {
		e.peer.Store(src)
		pkg.LogDebug(pkg.ComponentNetif, "learned peer", "mac", src.String())
	}

	pkt := tcpip.PacketBuffer{
		Data:       buffer.View(frame).ToVectorisedView(),
		LinkHeader: buffer.View(eth),
	}
	pkt.Data.TrimFront(header.EthernetMinimumSize)
	e.rxFrames.Add(1)
	e.dispatcher.DeliverNetworkPacket(e, src, eth.DestinationAddress(), eth.Type(), pkt)
}

func (e *linkEndpoint) peerAddress() tcpip.LinkAddress {
	a, _ := e.peer.Load().(tcpip.LinkAddress)
	return a
}

func (e *linkEndpoint) encode(eth header.Ethernet, r *stack.Route, protocol tcpip.NetworkProtocolNumber) {
	fields := header.EthernetFields{
		SrcAddr: e.mac,
		DstAddr: e.peerAddress(),
		Type:    protocol,
	}
	if r != nil && r.LocalLinkAddress != "" {
		fields.SrcAddr = r.LocalLinkAddress
	}
	if r != nil && r.RemoteLinkAddress != "" {
		fields.DstAddr = r.RemoteLinkAddress
	}
	eth.Encode(&fields)
}

// transmit posts a complete frame to the writer on the engine goroutine.
// Frames that cannot be posted are dropped; TCP retransmits them.
func (e *linkEndpoint) transmit(frame []byte) {
	h := e.out.Load()
	if h == nil || !e.engine.Post(func() { h.Output(frame) }) {
		e.txDrops.Add(1)
		return
	}
	e.txFrames.Add(1)
}

func (e *linkEndpoint) MTU() uint32 { return e.mtu }

func (e *linkEndpoint) Capabilities() stack.LinkEndpointCapabilities { return 0 }

func (e *linkEndpoint) MaxHeaderLength() uint16 { return header.EthernetMinimumSize }

func (e *linkEndpoint) LinkAddress() tcpip.LinkAddress { return e.mac }

func (e *linkEndpoint) WritePacket(r *stack.Route, _ *stack.GSO, protocol tcpip.NetworkProtocolNumber, pkt tcpip.PacketBuffer) *tcpip.Error {
	eth := header.Ethernet(pkt.Header.Prepend(header.EthernetMinimumSize))
	e.encode(eth, r, protocol)

	frame := make([]byte, 0, pkt.Header.UsedLength()+pkt.Data.Size())
	frame = append(frame, pkt.Header.View()...)
	for _, v := range pkt.Data.Views() {
		frame = append(frame, v...)
	}
	e.transmit(frame)
	return nil
}

func (e *linkEndpoint) WritePackets(r *stack.Route, _ *stack.GSO, hdrs []stack.PacketDescriptor, payload buffer.VectorisedView, protocol tcpip.NetworkProtocolNumber) (int, *tcpip.Error) {
	data := payload.ToView()
	for i := range hdrs {
		hdr := hdrs[i].Hdr
		eth := header.Ethernet(hdr.Prepend(header.EthernetMinimumSize))
		e.encode(eth, r, protocol)

		seg := data[hdrs[i].Off : hdrs[i].Off+hdrs[i].Size]
		frame := make([]byte, 0, hdr.UsedLength()+len(seg))
		frame = append(frame, hdr.View()...)
		frame = append(frame, seg...)
		e.transmit(frame)
	}
	return len(hdrs), nil
}

func (e *linkEndpoint) WriteRawPacket(vv buffer.VectorisedView) *tcpip.Error {
	e.transmit(vv.ToView())
	return nil
}

func (e *linkEndpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.dispatcher = dispatcher
}

func (e *linkEndpoint) IsAttached() bool { return e.dispatcher != nil }

func (e *linkEndpoint) Wait() {}

// Compile-time interface checks
var (
	_ Stack              = (*IPStack)(nil)
	_ FrameWriter        = (*Interface)(nil)
	_ stack.LinkEndpoint = (*linkEndpoint)(nil)
)
