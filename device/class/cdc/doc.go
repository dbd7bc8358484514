// Package cdc implements the USB Communications Device Class pieces the
// probe uses.
//
// The [ACM] driver is a CDC-ACM (Abstract Control Model) virtual serial
// port. It carries the serial telemetry channel on hosts that cannot reach
// the probe over the emulated network link. The host opening the port
// asserts DTR, which [ACM.Connected] reports; closing it drops DTR.
//
// A CDC-ACM function consists of two interfaces grouped by an interface
// association:
//
//   - Communication interface: class requests SET_LINE_CODING,
//     GET_LINE_CODING, SET_CONTROL_LINE_STATE and SEND_BREAK, plus an
//     interrupt IN endpoint for SERIAL_STATE notifications
//   - Data interface: one bulk OUT and one bulk IN endpoint
//
// The package also holds the functional descriptor builders and
// notification framing shared with the NCM network function.
package cdc
