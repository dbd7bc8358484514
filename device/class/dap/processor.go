package dap

import (
	"encoding/binary"
	"sync/atomic"
)

// Command IDs handled by the transport.
const (
	CommandInfo          = 0x00
	CommandHostStatus    = 0x01
	CommandTransferAbort = 0x07
	CommandInvalid       = 0xFF
)

// Info IDs answered by [InfoProcessor].
const (
	InfoVendor          = 0x01
	InfoProduct         = 0x02
	InfoSerial          = 0x03
	InfoProtocolVersion = 0x04
	InfoFirmwareVersion = 0x09
	InfoCapabilities    = 0xF0
	InfoPacketCount     = 0xFE
	InfoPacketSize      = 0xFF
)

// ProtocolVersion is the debug protocol version reported by DAP_Info.
const ProtocolVersion = "2.1.1"

// Response status bytes.
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// InfoProcessor answers the identification commands a host issues while
// discovering the probe. Any other command returns the single byte
// [CommandInvalid]. Probe firmware wraps it, handling its own commands and
// delegating the rest.
type InfoProcessor struct {
	Vendor       string
	Product      string
	Serial       string
	Firmware     string
	Capabilities byte
	PacketCount  uint8
	PacketSize   uint16

	aborts atomic.Uint64
}

// Aborts returns the number of transfer-abort requests seen.
func (p *InfoProcessor) Aborts() uint64 {
	return p.aborts.Load()
}

// Abort implements [Aborter].
func (p *InfoProcessor) Abort() {
	p.aborts.Add(1)
}

// Process implements [Processor].
func (p *InfoProcessor) Process(req, resp []byte) int {
	if len(req) == 0 || len(resp) < 2 {
		return 0
	}
	switch req[0] {
	case CommandInfo:
		if len(req) < 2 {
			break
		}
		resp[0] = CommandInfo
		return 1 + p.info(req[1], resp[1:])
	case CommandHostStatus:
		resp[0] = CommandHostStatus
		resp[1] = StatusOK
		return 2
	}
	resp[0] = CommandInvalid
	return 1
}

// info writes the length-prefixed value for id.
func (p *InfoProcessor) info(id byte, out []byte) int {
	var str string
	switch id {
	case InfoVendor:
		str = p.Vendor
	case InfoProduct:
		str = p.Product
	case InfoSerial:
		str = p.Serial
	case InfoProtocolVersion:
		str = ProtocolVersion
	case InfoFirmwareVersion:
		str = p.Firmware
	case InfoCapabilities:
		out[0] = 1
		if len(out) < 2 {
			return 1
		}
		out[1] = p.Capabilities
		return 2
	case InfoPacketCount:
		out[0] = 1
		if len(out) < 2 {
			return 1
		}
		out[1] = p.PacketCount
		return 2
	case InfoPacketSize:
		out[0] = 2
		if len(out) < 3 {
			return 1
		}
		binary.LittleEndian.PutUint16(out[1:], p.PacketSize)
		return 3
	default:
		out[0] = 0
		return 1
	}

	// Strings are NUL terminated; an empty string reports length 0.
	if str == "" {
		out[0] = 0
		return 1
	}
	n := copy(out[1:], str)
	if n < len(out)-1 {
		out[1+n] = 0
		n++
	}
	out[0] = byte(n)
	return 1 + n
}

// Compile-time interface checks
var (
	_ Processor = (*InfoProcessor)(nil)
	_ Aborter   = (*InfoProcessor)(nil)
)
