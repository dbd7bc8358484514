package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/netip"

	"github.com/google/netstack/tcpip/adapters/gonet"
	"github.com/pkg/errors"

	"github.com/ardnew/softprobe/config"
	"github.com/ardnew/softprobe/device"
	"github.com/ardnew/softprobe/device/class/cdc"
	"github.com/ardnew/softprobe/device/class/dap"
	"github.com/ardnew/softprobe/device/class/ncm"
	"github.com/ardnew/softprobe/device/hal"
	"github.com/ardnew/softprobe/device/hal/loopback"
	"github.com/ardnew/softprobe/netif"
	"github.com/ardnew/softprobe/pkg"
	"github.com/ardnew/softprobe/telemetry"
)

// simHost plays the USB host against the loopback controller: it
// enumerates the probe, opens the network and serial functions and keeps
// their IN endpoints drained. Its own IP stack talks to the probe's through
// transfer blocks on the network function.
type simHost struct {
	host   *loopback.Host
	engine *netif.Engine
	ip     *netif.IPStack
	remote netip.Addr
	frames chan []byte
}

// newSimHost creates a host for the probe with hardware address mac on a
// link configured by cfg. The host takes the address after the probe's.
func newSimHost(host *loopback.Host, mac []byte, cfg config.Network) (*simHost, error) {
	prefix, err := netip.ParsePrefix(cfg.Address)
	if err != nil {
		return nil, errors.Wrap(err, "network address")
	}
	h := &simHost{
		host:   host,
		engine: netif.NewEngine(cfg.EngineQueue),
		remote: prefix.Addr(),
		frames: make(chan []byte, cfg.TxQueue),
	}
	h.ip, err = netif.NewIPStack(h.engine, netif.IPConfig{
		Prefix: netip.PrefixFrom(prefix.Addr().Next(), prefix.Bits()),
		MAC:    netif.HostMAC(mac),
		Peer:   mac,
		MTU:    cfg.MTU,
	})
	if err != nil {
		return nil, err
	}
	h.ip.Attach(h)
	return h, nil
}

// attach enumerates the probe and activates its functions.
func (h *simHost) attach(ctx context.Context) error {
	if err := h.engine.Start(ctx); err != nil {
		return errors.Wrap(err, "start host engine")
	}
	if _, err := h.host.Enumerate(ctx, 1, 1); err != nil {
		return errors.Wrap(err, "enumerate")
	}
	if err := h.host.SetInterface(ctx, itfNCM+1, 1); err != nil {
		return errors.Wrap(err, "select network data alternate")
	}
	h.engine.Post(func() { h.ip.LinkChanged(true) })
	_, err := h.host.Control(ctx, classSetup(false, cdc.RequestSetControlLineState,
		cdc.ControlLineDTR|cdc.ControlLineRTS, itfACM, 0), nil)
	return errors.Wrap(err, "assert DTR")
}

// close stops the host's IP stack.
func (h *simHost) close() {
	h.engine.Close()
	h.ip.Close()
}

// Output implements [netif.FrameWriter] for the host's IP stack.
func (h *simHost) Output(frame []byte) bool {
	select {
	case h.frames <- frame:
		return true
	default:
		return false
	}
}

// drain logs everything the probe sends on its network and serial IN
// endpoints until ctx ends. Network frames go to the host's IP stack.
func (h *simHost) drain(ctx context.Context) {
	go h.send(ctx)
	go h.pump(ctx, epNCMNotify, func(b []byte) {
		pkg.LogDebug(pkg.ComponentNCM, "host notification", "data", fmt.Sprintf("% X", b))
	})
	go h.pump(ctx, epNCMIn, func(b []byte) {
		datagram, err := ncm.Decode(b)
		if err != nil {
			pkg.LogWarn(pkg.ComponentNCM, "host got bad block", "error", err)
			return
		}
		pkg.LogDebug(pkg.ComponentNCM, "host frame", "frame", netif.Summary(datagram))
		h.engine.Post(func() { h.ip.Input(datagram) })
	})
	go h.pump(ctx, epACMNotify, func(b []byte) {})
	go h.pump(ctx, epACMIn, func(b []byte) {
		pkg.LogDebug(pkg.ComponentCDC, "host serial", "bytes", len(b))
	})
}

// send wraps the host stack's frames in transfer blocks for the probe.
func (h *simHost) send(ctx context.Context) {
	var enc ncm.Encoder
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-h.frames:
			block := make([]byte, ncm.PayloadOffset+len(frame))
			n, err := enc.Encode(block, frame)
			if err != nil {
				pkg.LogWarn(pkg.ComponentNCM, "host frame not sent", "error", err)
				continue
			}
			if err := h.host.Send(ctx, epNCMOut, block[:n]); err != nil {
				return
			}
		}
	}
}

// monitor connects to the probe's telemetry port over the network link and
// completes the hello exchange. It returns the connection and the probe's
// hello.
func (h *simHost) monitor(ctx context.Context) (*gonet.Conn, []byte, error) {
	c, err := h.ip.Dial(ctx, netip.AddrPortFrom(h.remote, telemetry.DefaultPort))
	if err != nil {
		return nil, nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.SetDeadline(deadline)
	}
	if _, err := c.Write(make([]byte, telemetry.HelloSize)); err != nil {
		c.Close()
		return nil, nil, errors.Wrap(err, "send hello")
	}
	hello := make([]byte, telemetry.HelloSize)
	if _, err := io.ReadFull(c, hello); err != nil {
		c.Close()
		return nil, nil, errors.Wrap(err, "read hello")
	}
	return c, hello, nil
}

// follow reads trace lines over the network link and logs them until ctx
// ends or the connection fails.
func (h *simHost) follow(ctx context.Context) {
	c, hello, err := h.monitor(ctx)
	if err != nil {
		pkg.LogWarn(pkg.ComponentTelemetry, "link monitor failed", "error", err)
		return
	}
	defer c.Close()
	pkg.LogInfo(pkg.ComponentTelemetry, "link monitor connected",
		"hello", string(bytes.TrimRight(hello, "\x00")))

	sink := newLineSink("link")
	buf := make([]byte, 512)
	for {
		n, err := c.Read(buf)
		for _, b := range buf[:n] {
			sink.WriteByte(b)
		}
		if err != nil {
			return
		}
	}
}

func (h *simHost) pump(ctx context.Context, ep uint8, fn func([]byte)) {
	for {
		b, err := h.host.Receive(ctx, ep)
		if err != nil {
			return
		}
		if len(b) > 0 {
			fn(b)
		}
	}
}

// command sends one debug request and waits for its response.
func (h *simHost) command(ctx context.Context, req []byte) ([]byte, error) {
	if err := h.host.Send(ctx, epDAPOut, req); err != nil {
		return nil, errors.Wrap(err, "send command")
	}
	resp, err := h.host.Receive(ctx, epDAPIn)
	return resp, errors.Wrap(err, "receive response")
}

// identify reads the probe's identification strings through the command
// pipeline.
func (h *simHost) identify(ctx context.Context) (map[string]string, error) {
	ids := []struct {
		name string
		id   byte
	}{
		{"vendor", dap.InfoVendor},
		{"product", dap.InfoProduct},
		{"serial", dap.InfoSerial},
		{"protocol", dap.InfoProtocolVersion},
		{"firmware", dap.InfoFirmwareVersion},
	}
	out := make(map[string]string, len(ids))
	for _, x := range ids {
		resp, err := h.command(ctx, []byte{dap.CommandInfo, x.id})
		if err != nil {
			return nil, err
		}
		if len(resp) < 2 || resp[0] != dap.CommandInfo {
			return nil, errors.Wrapf(pkg.ErrProtocolViolation, "info %s response % X", x.name, resp)
		}
		n := int(resp[1])
		if n > len(resp)-2 {
			return nil, errors.Wrapf(pkg.ErrProtocolViolation, "info %s length %d", x.name, n)
		}
		s := resp[2 : 2+n]
		if n > 0 && s[n-1] == 0 {
			s = s[:n-1]
		}
		out[x.name] = string(s)
	}
	return out, nil
}

func classSetup(in bool, request uint8, value uint16, itf uint8, length uint16) hal.SetupPacket {
	return hal.SetupPacket(device.ClassRequest(in, request, value, itf, length))
}
