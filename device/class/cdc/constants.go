package cdc

import (
	"encoding/binary"

	"github.com/ardnew/softprobe/device"
)

// Functional descriptor subtypes.
const (
	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
	SubtypeEthernet       = 0x0F
	SubtypeNCM            = 0x1A
)

// Communications interface subclasses.
const (
	SubclassACM = 0x02
	SubclassECM = 0x06
	SubclassNCM = 0x0D
)

// Interface protocols. ProtocolNTB applies to the data interface of a
// network function.
const (
	ProtocolNone = 0x00
	ProtocolAT   = 0x01
	ProtocolNTB  = 0x01
)

// CDC Request codes used by the ACM function.
const (
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// CDC Notification codes.
const (
	NotificationNetworkConnection     = 0x00
	NotificationResponseAvailable     = 0x01
	NotificationSerialState           = 0x20
	NotificationConnectionSpeedChange = 0x2A
)

// NotificationRequestType is bmRequestType of every CDC notification
// (device-to-host, class, interface).
const NotificationRequestType = 0xA1

// LineCoding is the 7-byte SET_LINE_CODING payload. CharFormat counts stop
// bits as 0=1, 1=1.5, 2=2; ParityType runs none, odd, even, mark, space.
type LineCoding struct {
	DTERate    uint32
	CharFormat uint8
	ParityType uint8
	DataBits   uint8
}

const LineCodingSize = 7

// SET_CONTROL_LINE_STATE bits.
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{DTERate: 115200, DataBits: 8}

// MarshalTo returns the bytes written, or 0 when buf is short.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.DTERate)
	buf[4], buf[5], buf[6] = lc.CharFormat, lc.ParityType, lc.DataBits
	return LineCodingSize
}

// ParseLineCoding reports false when data is short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	*out = LineCoding{
		DTERate:    binary.LittleEndian.Uint32(data),
		CharFormat: data[4],
		ParityType: data[5],
		DataBits:   data[6],
	}
	return true
}

// AppendHeader appends a Header Functional Descriptor for CDC 1.10.
func AppendHeader(buf []byte) []byte {
	return append(buf, 5, device.DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01)
}

// AppendUnion appends a Union Functional Descriptor with one subordinate
// interface.
func AppendUnion(buf []byte, control, data uint8) []byte {
	return append(buf, 5, device.DescriptorTypeCSInterface, SubtypeUnion, control, data)
}

// AppendCallManagement appends a Call Management Functional Descriptor.
func AppendCallManagement(buf []byte, capabilities, data uint8) []byte {
	return append(buf, 5, device.DescriptorTypeCSInterface, SubtypeCallManagement, capabilities, data)
}

// AppendACM appends an Abstract Control Management Functional Descriptor.
func AppendACM(buf []byte, capabilities uint8) []byte {
	return append(buf, 4, device.DescriptorTypeCSInterface, SubtypeACM, capabilities)
}

// ACMCapLineCoding advertises Set/Get Line Coding and Set Control Line State.
const ACMCapLineCoding = 1 << 1

// Notification is the 8-byte header of a CDC notification.
type Notification struct {
	Code      uint8
	Value     uint16
	Interface uint8
	Length    uint16
}

// NotificationHeaderSize is the size of a notification header in bytes.
const NotificationHeaderSize = 8

// MarshalTo returns the bytes written, or 0 when buf is short.
func (n *Notification) MarshalTo(buf []byte) int {
	if len(buf) < NotificationHeaderSize {
		return 0
	}
	buf[0], buf[1] = NotificationRequestType, n.Code
	binary.LittleEndian.PutUint16(buf[2:], n.Value)
	binary.LittleEndian.PutUint16(buf[4:], uint16(n.Interface))
	binary.LittleEndian.PutUint16(buf[6:], n.Length)
	return NotificationHeaderSize
}

// SkipFunctional advances desc past any class-specific interface
// descriptors, returning the rest and the number of bytes skipped.
func SkipFunctional(desc []byte) ([]byte, int) {
	n := 0
	for device.DescriptorKind(desc) == device.DescriptorTypeCSInterface {
		l := device.DescriptorLength(desc)
		desc = device.NextDescriptor(desc)
		if desc == nil {
			return nil, n
		}
		n += l
	}
	return desc, n
}
