// Package pkg provides shared utilities for the softprobe transport core.
//
// This package contains common functionality used by the USB class drivers,
// the network engine and the telemetry bridge, including:
//
//   - Structured logging via [github.com/rs/zerolog]
//   - Sentinel error types for USB and link errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps zerolog with probe-specific context:
//
//	pkg.SetLogLevel(zerolog.DebugLevel)
//	pkg.LogInfo(pkg.ComponentNCM, "link active", "mtu", 1514)
//
// # Errors
//
// Errors are defined as sentinel values and fall into four families that
// decide how a component recovers:
//
//   - [ErrMalformedBlock]: the frame is dropped, reception continues
//   - [ErrTransport]: the owning state machine returns to idle
//   - [ErrCapacity]: surfaced as backpressure
//   - [ErrProtocolViolation]: the connection is aborted
//
//	if errors.Is(err, pkg.ErrMalformedBlock) {
//	    // count and drop
//	}
package pkg
