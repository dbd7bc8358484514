package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softprobe/config"
	"github.com/ardnew/softprobe/device/class/ncm"
	"github.com/ardnew/softprobe/telemetry"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMACCmd(t *testing.T) {
	out, err := run(t, "", "mac", "--uid", "probe-0001")
	require.NoError(t, err)
	assert.Contains(t, out, "uid     probe-0001")

	again, err := run(t, "", "mac", "-u", "probe-0001")
	require.NoError(t, err)
	assert.Equal(t, out, again, "derived deterministically")
}

func TestNTBCmd_RoundTrip(t *testing.T) {
	out, err := run(t, "", "ntb", "encode", "deadbeef", "cafe")
	require.NoError(t, err)
	blocks := strings.Fields(out)
	require.Len(t, blocks, 2)
	assert.True(t, strings.HasPrefix(blocks[0], "4e434d480c000000"), "signature, header length, sequence 0")
	assert.True(t, strings.HasPrefix(blocks[1], "4e434d480c000100"), "sequence 1")

	out, err = run(t, blocks[0], "ntb", "decode")
	require.NoError(t, err)
	assert.Contains(t, out, "sequence 0, block length 32, table at 12")
	assert.Contains(t, out, "datagram 0: 4 bytes")
	assert.Contains(t, out, "deadbeef")
}

func TestNTBCmd_Errors(t *testing.T) {
	_, err := run(t, "", "ntb", "decode", "zz")
	assert.Error(t, err)

	_, err = run(t, "", "ntb", "decode", "4e434d48")
	assert.ErrorContains(t, err, "decode")

	_, err = run(t, "", "ntb", "encode")
	assert.Error(t, err)
}

func TestFirmwareVersion(t *testing.T) {
	v := firmwareVersion(config.Probe{Product: "p", Firmware: "2.10.7-rc1"})
	assert.Equal(t, telemetry.Version{Product: "p", Major: 2, Minor: 10, Rev: 7}, v)

	v = firmwareVersion(config.Probe{Firmware: "dev"})
	assert.Zero(t, v.Major)
}

func TestLineSink(t *testing.T) {
	s := newLineSink("test")
	for _, c := range []byte("one\r\ntwo\n\n") {
		require.NoError(t, s.WriteByte(c))
	}
	assert.Equal(t, 2, s.lines)
	assert.Empty(t, s.line)
}

func startProbe(t *testing.T) (*probe, *simHost, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	cfg := config.Default()
	cfg.Probe.UID = "probe-test"
	cfg.Telemetry.Listen = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())

	p, err := newProbe(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, p.Close()) })

	h, err := newSimHost(p.hal.Host(), p.mac, cfg.Network)
	require.NoError(t, err)
	t.Cleanup(h.close)
	require.NoError(t, h.attach(ctx))
	h.drain(ctx)
	return p, h, ctx
}

func TestProbe_Identify(t *testing.T) {
	p, h, ctx := startProbe(t)

	ids, err := h.identify(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.cfg.Probe.Vendor, ids["vendor"])
	assert.Equal(t, p.cfg.Probe.Product, ids["product"])
	assert.Equal(t, p.cfg.Probe.Serial, ids["serial"])
	assert.Equal(t, "2.1.1", ids["protocol"])
	assert.Eventually(t, func() bool { return p.dap.Stats().Responses == 5 },
		2*time.Second, time.Millisecond)
}

func TestProbe_NetworkLink(t *testing.T) {
	p, h, ctx := startProbe(t)
	require.Eventually(t, p.netif.Up, 2*time.Second, time.Millisecond)

	frame := make([]byte, 60)
	block := make([]byte, 128)
	var enc ncm.Encoder
	n, err := enc.Encode(block, frame)
	require.NoError(t, err)
	require.NoError(t, h.host.Send(ctx, epNCMOut, block[:n]))

	require.Eventually(t, func() bool { return p.netif.Stats().RxFrames == 1 },
		2*time.Second, time.Millisecond)
}

func TestProbe_Telemetry(t *testing.T) {
	p, _, _ := startProbe(t)

	c, err := net.DialTimeout("tcp", p.tcp.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = c.Write(make([]byte, telemetry.HelloSize))
	require.NoError(t, err)
	hello := make([]byte, telemetry.HelloSize)
	_, err = io.ReadFull(c, hello)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(hello, []byte("softprobe CMSIS-DAP V1.00.00")))

	require.Eventually(t, func() bool { return p.trace.State() == telemetry.StateStreaming },
		2*time.Second, time.Millisecond)
	p.Push([]byte("trace 0\n"))

	line := make([]byte, 8)
	_, err = io.ReadFull(c, line)
	require.NoError(t, err)
	assert.Equal(t, "trace 0\n", string(line))

	require.Eventually(t, p.serial.Connected, 2*time.Second, time.Millisecond,
		"DTR asserted by the host")
}

func TestSimHost_TelemetryOverLink(t *testing.T) {
	p, h, ctx := startProbe(t)
	require.Eventually(t, p.netif.Up, 2*time.Second, time.Millisecond)

	c, hello, err := h.monitor(ctx)
	require.NoError(t, err)
	defer c.Close()
	require.Len(t, hello, telemetry.HelloSize)
	assert.True(t, bytes.HasPrefix(hello, []byte("softprobe CMSIS-DAP V1.00.00")))

	require.Eventually(t, func() bool { return p.trace.State() == telemetry.StateStreaming },
		2*time.Second, time.Millisecond)
	p.Push([]byte("trace 1\n"))

	line := make([]byte, 8)
	_, err = io.ReadFull(c, line)
	require.NoError(t, err)
	assert.Equal(t, "trace 1\n", string(line))

	assert.NotZero(t, p.ncm.Stats().Transmitted, "replies left through the bulk IN endpoint")
	assert.NotZero(t, p.netif.Stats().TxFrames)
	assert.NotZero(t, p.ip.Stats().RxFrames)
	assert.Equal(t, uint64(1), p.trace.Stats().Accepted)
}
