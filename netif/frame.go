package netif

import (
	"fmt"
	"strings"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"github.com/ardnew/softprobe/pkg"
)

// Frame is the decoded outline of one Ethernet frame, used for logging and
// diagnostics. Payloads alias the frame.
type Frame struct {
	Src, Dst  tcpip.LinkAddress
	EtherType tcpip.NetworkProtocolNumber
	IPv4      *ipv4header.IPv4Header
	TCP       header.TCP
	UDP       header.UDP
	Payload   []byte
}

// ParseFrame decodes the Ethernet header and, for IPv4, the network and
// transport headers. Unrecognized protocols stop the decode without error.
func ParseFrame(frame []byte) (Frame, error) {
	var f Frame
	if len(frame) < header.EthernetMinimumSize {
		return f, errors.Wrapf(pkg.ErrInvalidParameter, "frame of %d bytes", len(frame))
	}
	eth := header.Ethernet(frame)
	f.Src = eth.SourceAddress()
	f.Dst = eth.DestinationAddress()
	f.EtherType = eth.Type()
	f.Payload = frame[header.EthernetMinimumSize:]

	if f.EtherType != header.IPv4ProtocolNumber {
		return f, nil
	}
	ip, err := ipv4header.ParseHeader(f.Payload)
	if err != nil {
		return f, errors.Wrap(err, "ipv4 header")
	}
	if ip.Len < ipv4header.HeaderLen || ip.TotalLen > len(f.Payload) || ip.TotalLen < ip.Len {
		return f, errors.Wrapf(pkg.ErrInvalidParameter, "ipv4 lengths %d/%d", ip.Len, ip.TotalLen)
	}
	f.IPv4 = ip
	f.Payload = f.Payload[ip.Len:ip.TotalLen]

	switch tcpip.TransportProtocolNumber(ip.Protocol) {
	case header.TCPProtocolNumber:
		if len(f.Payload) < header.TCPMinimumSize {
			return f, errors.Wrap(pkg.ErrInvalidParameter, "short tcp header")
		}
		f.TCP = header.TCP(f.Payload)
		off := int(f.TCP.DataOffset())
		if off < header.TCPMinimumSize || off > len(f.Payload) {
			return f, errors.Wrapf(pkg.ErrInvalidParameter, "tcp data offset %d", off)
		}
		f.Payload = f.Payload[off:]
	case header.UDPProtocolNumber:
		if len(f.Payload) < header.UDPMinimumSize {
			return f, errors.Wrap(pkg.ErrInvalidParameter, "short udp header")
		}
		f.UDP = header.UDP(f.Payload)
		f.Payload = f.Payload[header.UDPMinimumSize:]
	}
	return f, nil
}

// String renders a one-line summary of the frame.
func (f Frame) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s > %s", f.Src, f.Dst)
	switch {
	case f.IPv4 == nil:
		fmt.Fprintf(&sb, " ethertype 0x%04X", uint16(f.EtherType))
	case f.TCP != nil:
		fmt.Fprintf(&sb, " %s:%d > %s:%d tcp [%s] seq %d ack %d win %d",
			f.IPv4.Src, f.TCP.SourcePort(),
			f.IPv4.Dst, f.TCP.DestinationPort(),
			tcpFlags(f.TCP.Flags()),
			f.TCP.SequenceNumber(), f.TCP.AckNumber(), f.TCP.WindowSize())
	case f.UDP != nil:
		fmt.Fprintf(&sb, " %s:%d > %s:%d udp",
			f.IPv4.Src, f.UDP.SourcePort(),
			f.IPv4.Dst, f.UDP.DestinationPort())
	default:
		fmt.Fprintf(&sb, " %s > %s proto %d", f.IPv4.Src, f.IPv4.Dst, f.IPv4.Protocol)
	}
	fmt.Fprintf(&sb, " len %d", len(f.Payload))
	return sb.String()
}

// Describe summarizes a frame for logging, or the decode error.
func Describe(frame []byte) string {
	f, err := ParseFrame(frame)
	if err != nil {
		return fmt.Sprintf("undecodable frame: %v", err)
	}
	return f.String()
}

// Summary is a frame logged by its [Describe] text. The frame is only
// parsed when a log line is written.
type Summary []byte

func (s Summary) String() string { return Describe(s) }

// MarshalText implements [encoding.TextMarshaler].
func (s Summary) MarshalText() ([]byte, error) {
	return []byte(Describe(s)), nil
}

func tcpFlags(flags uint8) string {
	names := []struct {
		bit  uint8
		name string
	}{
		{header.TCPFlagSyn, "S"},
		{header.TCPFlagAck, "."},
		{header.TCPFlagPsh, "P"},
		{header.TCPFlagFin, "F"},
		{header.TCPFlagRst, "R"},
		{header.TCPFlagUrg, "U"},
	}
	var s string
	for _, n := range names {
		if flags&n.bit != 0 {
			s += n.name
		}
	}
	return s
}
