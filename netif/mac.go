package netif

import (
	"encoding/hex"
	"net"
	"strings"

	"github.com/zeebo/xxh3"
)

// DeriveMAC folds a device-unique identifier into a locally administered
// unicast MAC address. The same identifier always yields the same address.
func DeriveMAC(uid []byte) net.HardwareAddr {
	h := xxh3.Hash(uid)
	mac := make(net.HardwareAddr, 6)
	for i := range mac {
		mac[i] = byte(h >> (8 * i))
	}
	mac[0] = mac[0]&^0x01 | 0x02
	return mac
}

// HostMAC returns the address the host side of the link uses: mac with the
// lowest bit of the last octet toggled.
func HostMAC(mac net.HardwareAddr) net.HardwareAddr {
	host := append(net.HardwareAddr{}, mac...)
	if len(host) > 0 {
		host[len(host)-1] ^= 0x01
	}
	return host
}

// MACString renders mac as 12 upper-case hex digits, the form of the
// iMACAddress string descriptor.
func MACString(mac net.HardwareAddr) string {
	return strings.ToUpper(hex.EncodeToString(mac))
}
