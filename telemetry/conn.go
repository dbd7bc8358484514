package telemetry

// Priority is a connection's send priority relative to other traffic on the
// link.
type Priority uint8

// Send priorities.
const (
	PriorityMin    Priority = 1
	PriorityNormal Priority = 64
	PriorityMax    Priority = 127
)

// Conn is one accepted connection of the host network stack. Its methods
// are called on the engine goroutine and never block.
type Conn interface {
	// SetPriority sets the connection's send priority.
	SetPriority(p Priority)

	// SendBuffer returns the free space in the send window.
	SendBuffer() int

	// SendCapacity returns the configured send window size.
	SendCapacity() int

	// Write copies p into the send window without forcing transmission
	// and returns the number of bytes accepted.
	Write(p []byte) (int, error)

	// Output forces transmission of everything written.
	Output() error

	// Recved reports n received bytes consumed, re-opening the receive
	// window.
	Recved(n int)

	// Close closes the connection gracefully.
	Close() error

	// Abort resets the connection without a graceful close.
	Abort()
}

// Handler receives connection events on the engine goroutine.
type Handler interface {
	// Accept offers a newly accepted connection.
	Accept(c Conn)

	// Recv delivers received bytes; nil reports the remote end closed.
	Recv(c Conn, p []byte)

	// Sent reports n bytes acknowledged, freeing send window.
	Sent(c Conn, n int)

	// Error reports a fatal connection error. The connection is already
	// closed.
	Error(c Conn, err error)
}
