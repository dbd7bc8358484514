package device

// Transfer types carried in bmAttributes.
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// EndpointDirectionIn is the direction bit of an IN endpoint address.
const EndpointDirectionIn = 0x80

// MaxEndpointAddresses covers endpoints 0 through 15 in both directions.
const MaxEndpointAddresses = 32

// EndpointIndex maps OUT endpoints to 0-15 and IN endpoints to 16-31.
func EndpointIndex(addr uint8) int {
	i := int(addr & 0x0F)
	if addr&EndpointDirectionIn != 0 {
		i += 16
	}
	return i
}

var transferTypeNames = [4]string{"control", "isochronous", "bulk", "interrupt"}

// TransferTypeName names the transfer type in the low bits of attrs.
func TransferTypeName(attrs uint8) string {
	return transferTypeNames[attrs&0x03]
}
