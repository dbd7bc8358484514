package device

import "github.com/ardnew/softprobe/pkg"

// ClassDriver is the contract between the [Stack] and a USB class
// implementation.
//
// Every method is invoked from the stack's event goroutine, one call at a
// time, and must not block: the goroutine also carries every other driver's
// completions and EP0 traffic.
type ClassDriver interface {
	// Init is called once before the stack starts.
	Init()

	// Reset is called on bus reset and when the configuration is cleared.
	// The driver returns to its closed state with all transfer state zeroed.
	Reset(port uint8)

	// Open offers the descriptors starting at one interface descriptor.
	// The driver claims what it recognizes, opens its endpoints through the
	// [Bus] and returns the number of bytes consumed, or 0 if the
	// interface is not one it drives.
	Open(port uint8, desc []byte) uint16

	// ControlTransfer handles a control request addressed to one of the
	// driver's interfaces. At [StageSetup] the driver answers through
	// [Bus.ControlReply]; returning false stalls EP0.
	ControlTransfer(port uint8, stage ControlStage, setup *SetupPacket) bool

	// XferComplete reports completion of a transfer previously submitted
	// with [Bus.Xfer]. Returning false reports the completion as rejected.
	XferComplete(port uint8, ep uint8, status pkg.TransferStatus, n uint32) bool
}

// Bus is the endpoint transfer interface the [Stack] offers class drivers.
type Bus interface {
	// OpenEndpoint enables an endpoint and binds its completions to the
	// driver currently being opened. Only valid during [ClassDriver.Open].
	OpenEndpoint(port uint8, desc *EndpointDescriptor) bool

	// Xfer submits one transfer. OUT transfers receive into buf, IN
	// transfers send buf; an empty IN buf sends a zero-length packet. It
	// returns false if the endpoint is busy or the device is not
	// configured. Safe to call from any goroutine.
	Xfer(port, ep uint8, buf []byte) bool

	// Busy reports whether a transfer is outstanding on the endpoint.
	Busy(port, ep uint8) bool

	// ControlReply answers the control request being handled at
	// [StageSetup]. For IN requests data is sent to the host (trimmed to
	// wLength); for OUT requests with a data stage, data is the buffer the
	// host's data is received into before [StageData] is reported.
	ControlReply(port uint8, setup *SetupPacket, data []byte) bool
}

// Activator is implemented by class drivers that start transfers as soon as
// the host selects a configuration. Activate runs on the event goroutine
// after every interface has been opened and the endpoints enabled.
type Activator interface {
	Activate(port uint8)
}

// Deferrer is implemented by buses that can run work on the event
// goroutine. Drivers called from other goroutines use it to reach their
// event-goroutine state.
type Deferrer interface {
	Defer(fn func()) bool
}
