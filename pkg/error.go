package pkg

import "github.com/pkg/errors"

// Transfer errors reported by a HAL.
var (
	ErrStall     = errors.New("endpoint stalled")
	ErrTimeout   = errors.New("transfer timeout")
	ErrCancelled = errors.New("transfer cancelled")
	ErrOverrun   = errors.New("data overrun")
	ErrReset     = errors.New("bus reset")
)

// Stack and descriptor errors.
var (
	ErrInvalidEndpoint        = errors.New("invalid endpoint")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrBufferTooSmall         = errors.New("buffer too small")
	ErrDescriptorTooShort     = errors.New("descriptor too short")
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
	ErrAlreadyRunning         = errors.New("already running")
)

// Link and stream errors. Every one of them is recoverable: the owning state
// machine returns to its idle state and the rest of the probe keeps running.
var (
	// ErrMalformedBlock is a transfer block that failed validation. The
	// block is dropped and reception re-armed.
	ErrMalformedBlock = errors.New("malformed transfer block")

	// ErrTransport is a USB or connection level failure.
	ErrTransport = errors.New("transport failure")

	// ErrCapacity is a full slot buffer or FIFO.
	ErrCapacity = errors.New("capacity exhausted")

	// ErrProtocolViolation means the peer broke the handshake contract.
	ErrProtocolViolation = errors.New("protocol violation")

	ErrQueueFull = errors.New("work queue full")
)

// TransferStatus is how a transfer completed, as delivered to a driver.
type TransferStatus int

const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusError
	TransferStatusStall
	TransferStatusTimeout
	TransferStatusCancelled
	TransferStatusOverrun
)

var transferStatusNames = [...]string{
	TransferStatusSuccess:   "success",
	TransferStatusError:     "error",
	TransferStatusStall:     "stall",
	TransferStatusTimeout:   "timeout",
	TransferStatusCancelled: "cancelled",
	TransferStatusOverrun:   "overrun",
}

func (s TransferStatus) String() string {
	if s >= 0 && int(s) < len(transferStatusNames) {
		return transferStatusNames[s]
	}
	return "unknown"
}

// StatusOf classifies an error returned by a HAL. A bus reset cancels every
// pending transfer.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrReset):
		return TransferStatusCancelled
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	}
	return TransferStatusError
}
