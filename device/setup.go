package device

import "fmt"

// Standard requests handled by the stack itself.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// bmRequestType fields.
const (
	RequestDirectionDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02

	requestTypeMask      = 0x60
	requestRecipientMask = 0x1F
)

// ControlStage tells a class driver which part of a control transfer it is
// being asked about.
type ControlStage uint8

const (
	StageSetup ControlStage = iota
	StageData
	StageAck
)

var stageNames = [...]string{"setup", "data", "ack"}

func (s ControlStage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// SetupPacket is a decoded SETUP packet. Drivers receive it by pointer and
// must not retain it past the callback.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ClassRequest returns a class request addressed to interface itf.
func ClassRequest(in bool, request uint8, value uint16, itf uint8, length uint16) SetupPacket {
	s := SetupPacket{
		RequestType: RequestTypeClass | RequestRecipientInterface,
		Request:     request,
		Value:       value,
		Index:       uint16(itf),
		Length:      length,
	}
	if in {
		s.RequestType |= RequestDirectionDeviceToHost
	}
	return s
}

// SelectAlternate returns a SET_INTERFACE request for itf.
func SelectAlternate(itf, alt uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestRecipientInterface,
		Request:     RequestSetInterface,
		Value:       uint16(alt),
		Index:       uint16(itf),
	}
}

func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestDirectionDeviceToHost != 0
}

func (s *SetupPacket) Type() uint8 { return s.RequestType & requestTypeMask }

func (s *SetupPacket) IsStandard() bool { return s.Type() == RequestTypeStandard }

func (s *SetupPacket) IsClass() bool { return s.Type() == RequestTypeClass }

func (s *SetupPacket) IsVendor() bool { return s.Type() == RequestTypeVendor }

func (s *SetupPacket) Recipient() uint8 { return s.RequestType & requestRecipientMask }

func (s *SetupPacket) IsInterfaceRecipient() bool {
	return s.Recipient() == RequestRecipientInterface
}

// InterfaceNumber is the low byte of wIndex.
func (s *SetupPacket) InterfaceNumber() uint8 { return uint8(s.Index) }

func (s *SetupPacket) String() string {
	dir := "out"
	if s.IsDeviceToHost() {
		dir = "in"
	}
	kind := "std"
	switch s.Type() {
	case RequestTypeClass:
		kind = "class"
	case RequestTypeVendor:
		kind = "vendor"
	}
	return fmt.Sprintf("%s/%s/%d req=0x%02x val=0x%04x idx=0x%04x len=%d",
		dir, kind, s.Recipient(), s.Request, s.Value, s.Index, s.Length)
}
