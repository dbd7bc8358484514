package ncm

import (
	"github.com/ardnew/softprobe/device"
	"github.com/ardnew/softprobe/device/class/cdc"
)

// NCM class requests.
const (
	RequestSetEthernetPacketFilter = 0x43
	RequestGetNTBParameters        = 0x80
	RequestGetNTBInputSize         = 0x85
	RequestSetNTBInputSize         = 0x86
)

// Defaults for the transfer block sizes.
const (
	DefaultNTBSize = 2048
	NotifySize     = 16 // CONNECTION_SPEED_CHANGE is the largest notification
)

// DescriptorConfig selects interface numbers and endpoints for
// [AppendDescriptors].
type DescriptorConfig struct {
	FirstInterface uint8  // Communication interface; data interface follows
	NotifyEP       uint8  // Interrupt IN
	DataOutEP      uint8  // Bulk OUT
	DataInEP       uint8  // Bulk IN
	MaxPacketSize  uint16 // Bulk max packet size (64 full speed, 512 high speed)
	MACString      uint8  // String index of the host-visible MAC address
	InterfaceName  uint8  // String index of the interface name
	MaxSegmentSize uint16 // Ethernet MTU plus header
}

// AppendDescriptors appends the NCM function (IAD, communication interface
// with functional descriptors, data interface alternates 0 and 1) to buf.
func AppendDescriptors(buf []byte, c DescriptorConfig) []byte {
	comm, data := c.FirstInterface, c.FirstInterface+1

	buf = (&device.InterfaceAssociationDescriptor{
		FirstInterface:   comm,
		InterfaceCount:   2,
		FunctionClass:    device.ClassCDC,
		FunctionSubClass: cdc.SubclassNCM,
	}).AppendTo(buf)
	buf = (&device.InterfaceDescriptor{
		InterfaceNumber:   comm,
		NumEndpoints:      1,
		InterfaceClass:    device.ClassCDC,
		InterfaceSubClass: cdc.SubclassNCM,
		InterfaceIndex:    c.InterfaceName,
	}).AppendTo(buf)
	buf = cdc.AppendHeader(buf)
	buf = cdc.AppendUnion(buf, comm, data)
	buf = append(buf,
		13, device.DescriptorTypeCSInterface, cdc.SubtypeEthernet, c.MACString,
		0, 0, 0, 0,
		byte(c.MaxSegmentSize), byte(c.MaxSegmentSize>>8),
		0, 0,
		0,
	)
	buf = append(buf, 6, device.DescriptorTypeCSInterface, cdc.SubtypeNCM, 0x00, 0x01, 0x00)
	buf = (&device.EndpointDescriptor{
		EndpointAddress: c.NotifyEP | device.EndpointDirectionIn,
		Attributes:      device.EndpointTypeInterrupt,
		MaxPacketSize:   NotifySize,
		Interval:        50,
	}).AppendTo(buf)

	buf = (&device.InterfaceDescriptor{
		InterfaceNumber:   data,
		InterfaceClass:    device.ClassCDCData,
		InterfaceProtocol: cdc.ProtocolNTB,
	}).AppendTo(buf)
	buf = (&device.InterfaceDescriptor{
		InterfaceNumber:   data,
		AlternateSetting:  1,
		NumEndpoints:      2,
		InterfaceClass:    device.ClassCDCData,
		InterfaceProtocol: cdc.ProtocolNTB,
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
