// Package loopback provides an in-memory [hal.DeviceHAL].
//
// The device side implements [hal.DeviceHAL]; the [Host] returned by
// [HAL.Host] plays the USB host: it issues control transfers, sends OUT
// packets, polls IN endpoints and drives bus resets. Data endpoints are
// unbuffered, so an OUT packet is accepted only once the device has a
// receive armed (a NAK on real hardware) and an IN transfer completes only
// once the host has taken it.
package loopback

import (
	"context"
	"sync"

	"github.com/ardnew/softprobe/device/hal"
	"github.com/ardnew/softprobe/pkg"
)

// MaxEndpoints is the number of data endpoint numbers (1-15).
const MaxEndpoints = 15

// ep0Result is the device's answer to a control transfer.
type ep0Result struct {
	data  []byte
	stall bool
}

// HAL is an in-memory device controller.
type HAL struct {
	mutex   sync.Mutex
	speed   hal.Speed
	address uint8
	started bool
	enabled [2 * (MaxEndpoints + 1)]bool

	setup  chan hal.SetupPacket
	reset  chan struct{}
	ep0Out chan []byte
	ep0In  chan ep0Result

	out [MaxEndpoints + 1]chan []byte
	in  [MaxEndpoints + 1]chan []byte

	// abort is closed on bus reset to fail pending transfers, then replaced.
	abort   chan struct{}
	stopped chan struct{}
	stop    sync.Once
}

// New creates a loopback HAL reporting speed.
func New(speed hal.Speed) *HAL {
	h := &HAL{
		speed:   speed,
		setup:   make(chan hal.SetupPacket),
		reset:   make(chan struct{}, 1),
		ep0Out:  make(chan []byte, 1),
		ep0In:   make(chan ep0Result, 1),
		abort:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for i := range h.out {
		h.out[i] = make(chan []byte)
		h.in[i] = make(chan []byte)
	}
	return h
}

// Host returns the host-side handle.
func (h *HAL) Host() *Host {
	return &Host{hal: h}
}

// Init implements [hal.DeviceHAL].
func (h *HAL) Init(ctx context.Context) error {
	return nil
}

// Start implements [hal.DeviceHAL].
func (h *HAL) Start() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.started {
		return pkg.ErrAlreadyRunning
	}
	h.started = true
	pkg.LogDebug(pkg.ComponentHAL, "loopback attached", "speed", h.speed.String())
	return nil
}

// Stop implements [hal.DeviceHAL].
func (h *HAL) Stop() error {
	h.stop.Do(func() { close(h.stopped) })
	return nil
}

// SetAddress implements [hal.DeviceHAL].
func (h *HAL) SetAddress(address uint8) error {
	h.mutex.Lock()
	h.address = address
	h.mutex.Unlock()
	return nil
}

// Address returns the address assigned by the host.
func (h *HAL) Address() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.address
}

// ConfigureEndpoints implements [hal.DeviceHAL].
func (h *HAL) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.enabled = [2 * (MaxEndpoints + 1)]bool{}
	for i := range endpoints {
		num := endpoints[i].Address & 0x0F
		if num == 0 {
			return pkg.ErrInvalidEndpoint
		}
		h.enabled[slot(endpoints[i].Address)] = true
	}
	return nil
}

// Enabled reports whether the endpoint belongs to the active configuration.
func (h *HAL) Enabled(address uint8) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.enabled[slot(address)]
}

func slot(address uint8) int {
	if address&0x80 != 0 {
		return int(address&0x0F) + MaxEndpoints + 1
	}
	return int(address & 0x0F)
}

// ReadSetup implements [hal.DeviceHAL].
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	select {
	case s := <-h.setup:
		*out = s
		return nil
	case <-h.reset:
		return pkg.ErrReset
	case <-h.stopped:
		return pkg.ErrCancelled
	case <-ctx.Done():
		return pkg.ErrCancelled
	}
}

// WriteEP0 implements [hal.DeviceHAL].
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	return h.answer(ctx, ep0Result{data: append([]byte{}, data...)})
}

// ReadEP0 implements [hal.DeviceHAL].
func (h *HAL) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	select {
	case data := <-h.ep0Out:
		return copy(buf, data), nil
	case <-h.stopped:
		return 0, pkg.ErrCancelled
	case <-ctx.Done():
		return 0, pkg.ErrCancelled
	}
}

// StallEP0 implements [hal.DeviceHAL].
func (h *HAL) StallEP0() error {
	return h.answer(context.Background(), ep0Result{stall: true})
}

// AckEP0 implements [hal.DeviceHAL].
func (h *HAL) AckEP0() error {
	return h.answer(context.Background(), ep0Result{})
}

func (h *HAL) answer(ctx context.Context, r ep0Result) error {
	select {
	case h.ep0In <- r:
		return nil
	case <-h.stopped:
		return pkg.ErrCancelled
	case <-ctx.Done():
		return pkg.ErrCancelled
	}
}

func (h *HAL) aborted() <-chan struct{} {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.abort
}

// Read implements [hal.DeviceHAL].
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	num := address & 0x0F
	if num == 0 || !h.Enabled(address) {
		return 0, pkg.ErrInvalidEndpoint
	}
	abort := h.aborted()
	select {
	case data := <-h.out[num]:
		if len(data) > len(buf) {
			return copy(buf, data), pkg.ErrOverrun
		}
		return copy(buf, data), nil
	case <-abort:
		return 0, pkg.ErrReset
	case <-h.stopped:
		return 0, pkg.ErrCancelled
	case <-ctx.Done():
		return 0, pkg.ErrCancelled
	}
}

// Write implements [hal.DeviceHAL].
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	num := address & 0x0F
	if num == 0 || !h.Enabled(address) {
		return 0, pkg.ErrInvalidEndpoint
	}
	abort := h.aborted()
	select {
	case h.in[num] <- append([]byte{}, data...):
		return len(data), nil
	case <-abort:
		return 0, pkg.ErrReset
	case <-h.stopped:
		return 0, pkg.ErrCancelled
	case <-ctx.Done():
		return 0, pkg.ErrCancelled
	}
}

// GetSpeed implements [hal.DeviceHAL].
func (h *HAL) GetSpeed() hal.Speed {
	return h.speed
}

// busReset fails every pending data transfer and signals ReadSetup.
func (h *HAL) busReset() {
	h.mutex.Lock()
	close(h.abort)
	h.abort = make(chan struct{})
	h.address = 0
	h.enabled = [2 * (MaxEndpoints + 1)]bool{}
	h.mutex.Unlock()

	select {
	case h.reset <- struct{}{}:
	default:
	}
	pkg.LogDebug(pkg.ComponentHAL, "loopback bus reset")
}

// Compile-time interface check
var _ hal.DeviceHAL = (*HAL)(nil)
