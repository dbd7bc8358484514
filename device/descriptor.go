package device

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/softprobe/pkg"
)

// Descriptor types.
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeCSInterface          = 0x24
	DescriptorTypeCSEndpoint           = 0x25
)

// Class codes of the probe functions.
const (
	ClassCDC     = 0x02
	ClassCDCData = 0x0A
	ClassMisc    = 0xEF
	ClassVendor  = 0xFF
)

// LangIDUSEnglish is the only language the probe reports in string
// descriptor zero.
const LangIDUSEnglish = 0x0409

// DescriptorLength is bLength of the first descriptor in desc.
func DescriptorLength(desc []byte) int {
	if len(desc) == 0 {
		return 0
	}
	return int(desc[0])
}

// DescriptorKind is bDescriptorType of the first descriptor in desc, or 0
// when desc is too short to hold one.
func DescriptorKind(desc []byte) uint8 {
	if len(desc) < 2 {
		return 0
	}
	return desc[1]
}

// NextDescriptor skips the first descriptor in desc. A zero or overlong
// bLength yields nil, which ends any walk.
func NextDescriptor(desc []byte) []byte {
	if n := DescriptorLength(desc); n >= 2 && n <= len(desc) {
		return desc[n:]
	}
	return nil
}

// DeviceDescriptor is the 18-byte device descriptor. Version fields are BCD.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

const DeviceDescriptorSize = 18

// AppendTo appends the serialized descriptor to buf.
func (d *DeviceDescriptor) AppendTo(buf []byte) []byte {
	le := binary.LittleEndian
	buf = append(buf, DeviceDescriptorSize, DescriptorTypeDevice)
	buf = le.AppendUint16(buf, d.USBVersion)
	buf = append(buf, d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, d.MaxPacketSize0)
	buf = le.AppendUint16(buf, d.VendorID)
	buf = le.AppendUint16(buf, d.ProductID)
	buf = le.AppendUint16(buf, d.DeviceVersion)
	return append(buf, d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex, d.NumConfigurations)
}

func (d *DeviceDescriptor) Bytes() []byte {
	return d.AppendTo(make([]byte, 0, DeviceDescriptorSize))
}

// Configuration descriptor layout.
const (
	ConfigurationDescriptorSize = 9
	ConfigAttrBusPowered        = 0x80
	ConfigAttrRemoteWakeup      = 0x20
)

// InterfaceDescriptor is the 9-byte interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

const InterfaceDescriptorSize = 9

func (i *InterfaceDescriptor) AppendTo(buf []byte) []byte {
	return append(buf,
		InterfaceDescriptorSize,
		DescriptorTypeInterface,
		i.InterfaceNumber,
		i.AlternateSetting,
		i.NumEndpoints,
		i.InterfaceClass,
		i.InterfaceSubClass,
		i.InterfaceProtocol,
		i.InterfaceIndex,
	)
}

// checkDescriptor reports whether data starts with a descriptor of the given
// kind that is at least size bytes long.
func checkDescriptor(data []byte, size int, kind uint8) error {
	switch {
	case len(data) < size || DescriptorLength(data) < size:
		return pkg.ErrDescriptorTooShort
	case data[1] != kind:
		return pkg.ErrDescriptorTypeMismatch
	}
	return nil
}

// ParseInterfaceDescriptor decodes the interface descriptor at the start of
// data into out.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if err := checkDescriptor(data, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	*out = InterfaceDescriptor{
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}
	return nil
}

// EndpointDescriptor is the 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

const EndpointDescriptorSize = 7

func (e *EndpointDescriptor) AppendTo(buf []byte) []byte {
	buf = append(buf, EndpointDescriptorSize, DescriptorTypeEndpoint, e.EndpointAddress, e.Attributes)
	buf = binary.LittleEndian.AppendUint16(buf, e.MaxPacketSize)
	return append(buf, e.Interval)
}

// ParseEndpointDescriptor decodes the endpoint descriptor at the start of
// data into out.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if err := checkDescriptor(data, EndpointDescriptorSize, DescriptorTypeEndpoint); err != nil {
		return err
	}
	*out = EndpointDescriptor{
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(data[4:6]),
		Interval:        data[6],
	}
	return nil
}

// InterfaceAssociationDescriptor groups the interfaces of one function of a
// composite device.
type InterfaceAssociationDescriptor struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	FunctionIndex    uint8
}

const IADSize = 8

func (i *InterfaceAssociationDescriptor) AppendTo(buf []byte) []byte {
	return append(buf,
		IADSize,
		DescriptorTypeInterfaceAssociation,
		i.FirstInterface,
		i.InterfaceCount,
		i.FunctionClass,
		i.FunctionSubClass,
		i.FunctionProtocol,
		i.FunctionIndex,
	)
}

// BuildConfiguration prefixes body, the concatenated interface and endpoint
// descriptors, with a bus-powered configuration descriptor. maxPower is in
// 2 mA units.
func BuildConfiguration(value, numInterfaces, maxPower uint8, body []byte) []byte {
	total := ConfigurationDescriptorSize + len(body)
	out := make([]byte, 0, total)
	out = append(out, ConfigurationDescriptorSize, DescriptorTypeConfiguration)
	out = binary.LittleEndian.AppendUint16(out, uint16(total))
	out = append(out, numInterfaces, value, 0, ConfigAttrBusPowered, maxPower)
	return append(out, body...)
}

// maxStringUnits is the most UTF-16 code units bLength can describe.
const maxStringUnits = (254 - 2) / 2

// StringDescriptorTo encodes s as a UTF-16LE string descriptor into buf and
// returns its length. Long strings are truncated; a short buf yields 0.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if len(units) > maxStringUnits {
		units = units[:maxStringUnits]
	}
	n := 2 + 2*len(units)
	if len(buf) < n {
		return 0
	}
	buf[0], buf[1] = byte(n), DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+2*i:], u)
	}
	return n
}
