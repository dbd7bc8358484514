// Package hal defines the hardware abstraction consumed by the device stack.
//
// A HAL moves bytes between the USB controller and memory. It knows nothing
// about classes, transfer blocks or debug commands; the [device.Stack] turns
// its blocking calls into completion events for the class drivers.
package hal

import "context"

// Speed is the negotiated bus speed.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
)

var speedNames = [...]string{"unknown", "low", "full", "high"}

func (s Speed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return speedNames[0]
}

// BitRate is the nominal signalling rate in bits per second. The network
// function reports it to the host as the link speed.
func (s Speed) BitRate() uint32 {
	switch s {
	case SpeedLow:
		return 1_500_000
	case SpeedHigh:
		return 480_000_000
	}
	return 12_000_000
}

// EndpointConfig is one data endpoint enabled by SET_CONFIGURATION.
type EndpointConfig struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

func (e *EndpointConfig) IsIn() bool { return e.Address&0x80 != 0 }

// SetupPacket is the raw SETUP packet as the controller reports it. It has
// the same layout as device.SetupPacket and converts to it directly.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// DeviceHAL is the hardware abstraction for a USB device controller.
//
// Blocking calls take a context; implementations return [pkg.ErrReset] from
// pending calls when the bus is reset and [pkg.ErrCancelled] when the context
// ends. All methods must be safe for concurrent use: the stack issues data
// endpoint transfers from several goroutines at once.
type DeviceHAL interface {
	// Init initializes the controller.
	Init(ctx context.Context) error

	// Start attaches to the bus.
	Start() error

	// Stop detaches from the bus and releases pending calls.
	Stop() error

	// SetAddress sets the device address assigned by the host.
	SetAddress(address uint8) error

	// ConfigureEndpoints enables the endpoints of the active configuration.
	// An empty slice disables all data endpoints.
	ConfigureEndpoints(endpoints []EndpointConfig) error

	// ReadSetup blocks until a SETUP packet arrives on EP0.
	ReadSetup(ctx context.Context, out *SetupPacket) error

	// WriteEP0 sends the IN data stage of a control transfer.
	WriteEP0(ctx context.Context, data []byte) error

	// ReadEP0 receives the OUT data stage of a control transfer.
	ReadEP0(ctx context.Context, buf []byte) (int, error)

	// StallEP0 rejects the current control transfer.
	StallEP0() error

	// AckEP0 completes the status stage with a zero-length packet.
	AckEP0() error

	// Read receives one transfer from an OUT endpoint into buf.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write sends data on an IN endpoint. A nil or empty data slice sends
	// a zero-length packet.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	// GetSpeed returns the negotiated connection speed.
	GetSpeed() Speed
}
