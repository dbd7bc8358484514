// Package device implements the device side of the probe's USB transport.
//
// It is platform-agnostic and reaches the controller through the
// [hal.DeviceHAL] interface defined in
// [github.com/ardnew/softprobe/device/hal].
//
// # Event Model
//
// The [Stack] owns a single event goroutine. Data transfers run against the
// HAL on their own goroutines, but their completions, every SETUP packet and
// every bus reset are queued and delivered on that goroutine one at a time.
// Class drivers are therefore written as plain state machines:
//
//	type ClassDriver interface {
//	    Init()
//	    Reset(port uint8)
//	    Open(port uint8, desc []byte) uint16
//	    ControlTransfer(port uint8, stage ControlStage, setup *SetupPacket) bool
//	    XferComplete(port uint8, ep uint8, status pkg.TransferStatus, n uint32) bool
//	}
//
// Drivers submit transfers through the [Bus] the stack implements. Each
// endpoint carries at most one outstanding transfer; [Bus.Xfer] returns
// false rather than queueing a second one.
//
// A bus reset bumps the stack's generation counter. Completions of transfers
// submitted before the reset are dropped, so a driver never sees a stale
// completion after its Reset.
//
// # Descriptors
//
// Descriptors are served from raw bytes ([Descriptors]). The builders in
// this package ([DeviceDescriptor], [InterfaceDescriptor],
// [EndpointDescriptor], [BuildConfiguration]) serialize into caller-owned
// buffers in the MarshalTo / AppendTo style.
//
// Class drivers live under [github.com/ardnew/softprobe/device/class]:
//
//   - ncm: CDC-NCM network link bridge and transfer-block codec
//   - dap: command/response pipeline for the debug protocol
//   - cdc: CDC-ACM serial channel
//
// # Example
//
//	st := device.NewStack(h, device.Descriptors{
//	    Device:        dev.Bytes(),
//	    Configuration: cfg,
//	    Strings:       []string{"ACME", "Probe", serial},
//	}, bridge, pipeline)
//	if err := st.Start(ctx); err != nil {
//	    return err
//	}
//	defer st.Stop()
package device
