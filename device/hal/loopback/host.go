package loopback

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/softprobe/device/hal"
	"github.com/ardnew/softprobe/pkg"
)

// Host is the host side of a loopback connection.
type Host struct {
	hal *HAL
}

// Control runs one control transfer. For device-to-host requests it returns
// the data stage; for host-to-device requests data is sent as the data
// stage. A stalled request returns [pkg.ErrStall].
func (c *Host) Control(ctx context.Context, setup hal.SetupPacket, data []byte) ([]byte, error) {
	h := c.hal
	select {
	case h.setup <- setup:
	case <-h.stopped:
		return nil, pkg.ErrCancelled
	case <-ctx.Done():
		return nil, pkg.ErrTimeout
	}

	in := setup.RequestType&0x80 != 0
	if !in && setup.Length > 0 {
		if len(data) > int(setup.Length) {
			data = data[:setup.Length]
		}
		h.ep0Out <- append([]byte{}, data...)
	}

	var r ep0Result
	select {
	case r = <-h.ep0In:
	case <-h.stopped:
		return nil, pkg.ErrCancelled
	case <-ctx.Done():
		return nil, pkg.ErrTimeout
	}

	if r.stall {
		// The device may stall before consuming the data stage.
		select {
		case <-h.ep0Out:
		default:
		}
		return nil, pkg.ErrStall
	}

	if in {
		// Status stage
		h.ep0Out <- nil
		return r.data, nil
	}
	return nil, nil
}

// GetDescriptor requests a descriptor of the given type and index.
func (c *Host) GetDescriptor(ctx context.Context, kind, index uint8, length uint16) ([]byte, error) {
	return c.Control(ctx, hal.SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       uint16(kind)<<8 | uint16(index),
		Length:      length,
	}, nil)
}

// SetAddress assigns the device address.
func (c *Host) SetAddress(ctx context.Context, address uint8) error {
	_, err := c.Control(ctx, hal.SetupPacket{Request: 0x05, Value: uint16(address)}, nil)
	return err
}

// SetConfiguration selects a configuration.
func (c *Host) SetConfiguration(ctx context.Context, value uint8) error {
	_, err := c.Control(ctx, hal.SetupPacket{Request: 0x09, Value: uint16(value)}, nil)
	return err
}

// SetInterface selects an alternate setting of an interface.
func (c *Host) SetInterface(ctx context.Context, itf, alt uint8) error {
	_, err := c.Control(ctx, hal.SetupPacket{
		RequestType: 0x01,
		Request:     0x0B,
		Value:       uint16(alt),
		Index:       uint16(itf),
	}, nil)
	return err
}

// Enumerate addresses the device, reads its configuration descriptor and
// selects configuration value. It returns the configuration descriptor set.
func (c *Host) Enumerate(ctx context.Context, address, value uint8) ([]byte, error) {
	if err := c.SetAddress(ctx, address); err != nil {
		return nil, err
	}
	head, err := c.GetDescriptor(ctx, 0x02, 0, 9)
	if err != nil {
		return nil, err
	}
	if len(head) < 4 {
		return nil, pkg.ErrDescriptorTooShort
	}
	cfg, err := c.GetDescriptor(ctx, 0x02, 0, binary.LittleEndian.Uint16(head[2:4]))
	if err != nil {
		return nil, err
	}
	return cfg, c.SetConfiguration(ctx, value)
}

// Send delivers one OUT packet, blocking until the device has a receive
// armed on the endpoint.
func (c *Host) Send(ctx context.Context, address uint8, data []byte) error {
	h := c.hal
	num := address & 0x0F
	if num == 0 {
		return pkg.ErrInvalidEndpoint
	}
	select {
	case h.out[num] <- append([]byte{}, data...):
		return nil
	case <-h.stopped:
		return pkg.ErrCancelled
	case <-ctx.Done():
		return pkg.ErrTimeout
	}
}

// Receive polls an IN endpoint until the device sends a transfer.
// A zero-length packet is returned as an empty, non-nil slice.
func (c *Host) Receive(ctx context.Context, address uint8) ([]byte, error) {
	h := c.hal
	num := address & 0x0F
	if num == 0 {
		return nil, pkg.ErrInvalidEndpoint
	}
	select {
	case data := <-h.in[num]:
		return data, nil
	case <-h.stopped:
		return nil, pkg.ErrCancelled
	case <-ctx.Done():
		return nil, pkg.ErrTimeout
	}
}

// Reset drives a bus reset.
func (c *Host) Reset() {
	c.hal.busReset()
}
