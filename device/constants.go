package device

// Fixed limits for the stack's lookup tables.
const (
	// MaxInterfaces is the maximum number of interfaces in the configuration.
	MaxInterfaces = 16

	// MaxControlDataSize is the maximum data size for control transfers.
	MaxControlDataSize = 512

	// EventQueueSize bounds the number of completions waiting for the
	// event goroutine. Transfers are single-outstanding per endpoint, so
	// this only needs to cover every endpoint plus EP0 traffic.
	EventQueueSize = 2*MaxEndpointAddresses + 8
)

// Descriptors holds the raw descriptors the stack serves during enumeration.
type Descriptors struct {
	// Device is the 18-byte device descriptor.
	Device []byte

	// Configuration is the full configuration descriptor set, starting with
	// the 9-byte configuration descriptor.
	Configuration []byte

	// Strings are string descriptors 1..n. Index 0 (language IDs) is
	// generated.
	Strings []string
}
