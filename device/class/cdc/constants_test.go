package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softprobe/device"
)

func TestLineCoding_MarshalParse(t *testing.T) {
	lc := LineCoding{DTERate: 921600, CharFormat: 0, ParityType: 2, DataBits: 8}
	buf := make([]byte, LineCodingSize)
	require.Equal(t, LineCodingSize, lc.MarshalTo(buf))
	assert.Equal(t, []byte{0x00, 0x10, 0x0E, 0x00, 0, 2, 8}, buf)

	var got LineCoding
	require.True(t, ParseLineCoding(buf, &got))
	assert.Equal(t, lc, got)

	assert.Zero(t, lc.MarshalTo(buf[:6]))
	assert.False(t, ParseLineCoding(buf[:6], &got))
}

func TestNotification_MarshalTo(t *testing.T) {
	n := Notification{Code: NotificationNetworkConnection, Value: 1, Interface: 4}
	buf := make([]byte, NotificationHeaderSize)
	require.Equal(t, NotificationHeaderSize, n.MarshalTo(buf))
	assert.Equal(t, []byte{0xA1, 0x00, 0x01, 0x00, 0x04, 0x00, 0x00, 0x00}, buf)
	assert.Zero(t, n.MarshalTo(buf[:7]))
}

func TestSkipFunctional(t *testing.T) {
	var desc []byte
	desc = AppendHeader(desc)
	desc = AppendCallManagement(desc, 0, 1)
	desc = AppendACM(desc, ACMCapLineCoding)
	desc = AppendUnion(desc, 0, 1)
	ep := device.EndpointDescriptor{EndpointAddress: 0x81, Attributes: device.EndpointTypeInterrupt, MaxPacketSize: 16}
	desc = ep.AppendTo(desc)

	rest, n := SkipFunctional(desc)
	assert.Equal(t, 5+5+4+5, n)
	assert.Equal(t, uint8(device.DescriptorTypeEndpoint), device.DescriptorKind(rest))
}

func TestAppendACMDescriptors(t *testing.T) {
	desc := AppendACMDescriptors(nil, ACMDescriptorConfig{
		FirstInterface: 2,
		NotifyEP:       3,
		DataOutEP:      4,
		DataInEP:       4,
		MaxPacketSize:  64,
	})
	assert.Len(t, desc, device.IADSize+9+19+7+9+7+7)
	assert.Equal(t, uint8(device.DescriptorTypeInterfaceAssociation), desc[1])
	assert.Equal(t, uint8(2), desc[2], "first interface")
	assert.Equal(t, uint8(SubclassACM), desc[5])
	assert.Equal(t, []byte{0x84, 0x02, 64, 0, 0}, desc[len(desc)-5:])
}
