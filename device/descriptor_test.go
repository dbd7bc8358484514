package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softprobe/pkg"
)

func TestDeviceDescriptor_Bytes(t *testing.T) {
	desc := DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       ClassMisc,
		DeviceSubClass:    0x02,
		DeviceProtocol:    0x01,
		MaxPacketSize0:    64,
		VendorID:          0x0D28,
		ProductID:         0x0204,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	got := desc.Bytes()
	require.Len(t, got, DeviceDescriptorSize)
	assert.Equal(t, []byte{
		0x12, 0x01, 0x00, 0x02, 0xEF, 0x02, 0x01, 0x40,
		0x28, 0x0D, 0x04, 0x02, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01,
	}, got)
	assert.Equal(t, append([]byte{0xAA}, got...), desc.AppendTo([]byte{0xAA}))
}

func TestBuildConfiguration(t *testing.T) {
	itf := InterfaceDescriptor{InterfaceNumber: 0, NumEndpoints: 2, InterfaceClass: ClassVendor}
	body := itf.AppendTo(nil)
	body = (&EndpointDescriptor{EndpointAddress: 0x01, Attributes: EndpointTypeBulk, MaxPacketSize: 64}).AppendTo(body)
	body = (&EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeBulk, MaxPacketSize: 64}).AppendTo(body)

	cfg := BuildConfiguration(1, 1, 50, body)
	require.Len(t, cfg, ConfigurationDescriptorSize+len(body))
	assert.Equal(t, uint8(DescriptorTypeConfiguration), DescriptorKind(cfg))
	assert.Equal(t, byte(len(cfg)), cfg[2])
	assert.Equal(t, uint8(1), cfg[5])
	assert.Equal(t, uint8(ConfigAttrBusPowered), cfg[7])

	var kinds []uint8
	for d := cfg; len(d) > 0; d = NextDescriptor(d) {
		kinds = append(kinds, DescriptorKind(d))
	}
	assert.Equal(t, []uint8{
		DescriptorTypeConfiguration,
		DescriptorTypeInterface,
		DescriptorTypeEndpoint,
		DescriptorTypeEndpoint,
	}, kinds)
}

func TestNextDescriptor_Malformed(t *testing.T) {
	assert.Nil(t, NextDescriptor(nil))
	assert.Nil(t, NextDescriptor([]byte{0x00, 0x04}))
	assert.Nil(t, NextDescriptor([]byte{0x09, 0x04, 0x00}))
	assert.Equal(t, 0, DescriptorLength(nil))
	assert.Equal(t, uint8(0), DescriptorKind([]byte{0x09}))
}

func TestInterfaceDescriptor_RoundTrip(t *testing.T) {
	orig := InterfaceDescriptor{
		InterfaceNumber:   1,
		AlternateSetting:  1,
		NumEndpoints:      2,
		InterfaceClass:    ClassCDCData,
		InterfaceProtocol: 0x01,
		InterfaceIndex:    5,
	}
	buf := orig.AppendTo(nil)
	require.Len(t, buf, InterfaceDescriptorSize)

	var parsed InterfaceDescriptor
	require.NoError(t, ParseInterfaceDescriptor(buf, &parsed))
	assert.Equal(t, orig, parsed)

	require.ErrorIs(t, ParseInterfaceDescriptor(buf[:4], &parsed), pkg.ErrDescriptorTooShort)
	buf[1] = DescriptorTypeEndpoint
	require.ErrorIs(t, ParseInterfaceDescriptor(buf, &parsed), pkg.ErrDescriptorTypeMismatch)
}

func TestEndpointDescriptor_RoundTrip(t *testing.T) {
	orig := EndpointDescriptor{
		EndpointAddress: 0x83,
		Attributes:      EndpointTypeInterrupt,
		MaxPacketSize:   0x0200,
		Interval:        9,
	}
	buf := orig.AppendTo(nil)
	assert.Equal(t, []byte{0x07, 0x05, 0x83, 0x03, 0x00, 0x02, 0x09}, buf)

	var parsed EndpointDescriptor
	require.NoError(t, ParseEndpointDescriptor(buf, &parsed))
	assert.Equal(t, orig, parsed)
	require.ErrorIs(t, ParseEndpointDescriptor(buf[:3], &parsed), pkg.ErrDescriptorTooShort)
}

func TestInterfaceAssociationDescriptor_AppendTo(t *testing.T) {
	iad := InterfaceAssociationDescriptor{
		FirstInterface:   1,
		InterfaceCount:   2,
		FunctionClass:    ClassCDC,
		FunctionSubClass: 0x0D,
	}
	assert.Equal(t, []byte{0x08, 0x0B, 0x01, 0x02, 0x02, 0x0D, 0x00, 0x00}, iad.AppendTo(nil))
}

func TestStringDescriptorTo(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []byte
	}{
		{"ascii", "AB", []byte{0x06, 0x03, 'A', 0x00, 'B', 0x00}},
		{"empty", "", []byte{0x02, 0x03}},
		{"utf16", "é", []byte{0x04, 0x03, 0xE9, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 64)
			n := StringDescriptorTo(buf, tt.in)
			assert.Equal(t, tt.want, buf[:n])
		})
	}

	t.Run("truncated at 254 bytes", func(t *testing.T) {
		long := make([]byte, 300)
		for i := range long {
			long[i] = 'x'
		}
		buf := make([]byte, 256)
		assert.Equal(t, 254, StringDescriptorTo(buf, string(long)))
	})

	t.Run("buffer too small", func(t *testing.T) {
		assert.Zero(t, StringDescriptorTo(make([]byte, 3), "AB"))
	})
}
