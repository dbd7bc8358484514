package main

import (
	"context"
	"net/netip"
	"strings"

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

// Interface layout of the composite probe.
const (
	itfNCM = 0 // Communication; data follows
	itfDAP = 2
	itfACM = 3 // Communication; data follows
	numItf = 5
)

// Endpoint addresses.
const (
	epNCMNotify = 0x81
	epNCMOut    = 0x02
	epNCMIn     = 0x82
	epDAPOut    = 0x03
	epDAPIn     = 0x83
	epACMNotify = 0x84
	epACMOut    = 0x05
	epACMIn     = 0x85
)

// String descriptor indices.
const (
	strVendor = iota + 1
	strProduct
	strSerial
	strMAC
	strNCM
	strDAP
	strACM
)

// probe is the composite device: network link, debug command pipeline and
// trace channels, running on a loopback controller.
type probe struct {
	cfg    *config.Config
	mac    []byte
	hal    *loopback.HAL
	stack  *device.Stack
	engine *netif.Engine
	ip     *netif.IPStack
	netif  *netif.Interface
	ncm    *ncm.Bridge
	info   *dap.InfoProcessor
	dap    *dap.Pipeline
	acm    *cdc.ACM
	trace  *telemetry.Bridge
	serial *telemetry.SerialBridge
	link   *telemetry.TCPServer // On the probe's own address, over USB
	tcp    *telemetry.TCPServer // On the host network
}

func newProbe(cfg *config.Config) (*probe, error) {
	speed, mps := hal.SpeedFull, uint16(64)
	if cfg.DAP.PacketSize >= 512 {
		speed, mps = hal.SpeedHigh, 512
	}

	p := &probe{
		cfg:    cfg,
		mac:    netif.DeriveMAC([]byte(cfg.Probe.UID)),
		hal:    loopback.New(speed),
		engine: netif.NewEngine(cfg.Network.EngineQueue),
	}
	p.stack = device.NewStack(p.hal, p.descriptors(mps))

	prefix, err := netip.ParsePrefix(cfg.Network.Address)
	if err != nil {
		return nil, errors.Wrap(err, "network address")
	}
	p.ip, err = netif.NewIPStack(p.engine, netif.IPConfig{
		Prefix: prefix,
		MAC:    p.mac,
		Peer:   netif.HostMAC(p.mac),
		MTU:    cfg.Network.MTU,
	})
	if err != nil {
		return nil, err
	}
	p.netif = netif.NewInterface(p.engine, p.ip, netif.Config{
		MAC:     p.mac,
		MTU:     cfg.Network.MTU,
		TxQueue: cfg.Network.TxQueue,
	})
	p.ip.Attach(p.netif)
	p.ncm = ncm.New(p.stack, p.netif, ncm.Config{
		MaxDatagrams: cfg.Network.MaxDatagrams,
		InSize:       cfg.Network.InSize,
		OutSize:      cfg.Network.OutSize,
		BitRate:      cfg.Network.BitRate,
	})
	p.netif.Attach(p.ncm)

	p.info = &dap.InfoProcessor{
		Vendor:      cfg.Probe.Vendor,
		Product:     cfg.Probe.Product,
		Serial:      cfg.Probe.Serial,
		Firmware:    cfg.Probe.Firmware,
		PacketCount: uint8(cfg.DAP.PacketCount),
		PacketSize:  uint16(cfg.DAP.PacketSize),
	}
	p.dap = dap.New(p.stack, p.info, dap.Config{
		PacketSize:  cfg.DAP.PacketSize,
		PacketCount: cfg.DAP.PacketCount,
	})

	p.acm = cdc.NewACM(p.stack, cdc.ACMConfig{})

	p.trace = telemetry.NewBridge(p.engine, newLineSink("tcp"), telemetry.Config{
		Version:     firmwareVersion(cfg.Probe),
		FIFOSize:    cfg.Telemetry.FIFOSize,
		ChunkSize:   cfg.Telemetry.ChunkSize,
		PushTimeout: cfg.Telemetry.PushTimeout,
	})
	p.link = telemetry.NewTCPServer(p.engine, p.trace, telemetry.TCPConfig{
		SendWindow: cfg.Telemetry.SendWindow,
	})
	p.tcp = telemetry.NewTCPServer(p.engine, p.trace, telemetry.TCPConfig{
		Addr:       cfg.Telemetry.Listen,
		SendWindow: cfg.Telemetry.SendWindow,
	})
	if cfg.Telemetry.Serial {
		p.serial = telemetry.NewSerialBridge(p.acm, newLineSink("serial"), telemetry.SerialConfig{
			FIFOSize:     cfg.Telemetry.FIFOSize,
			PushTimeout:  cfg.Telemetry.PushTimeout,
			PollInterval: cfg.Telemetry.PollInterval,
		})
	}

	if err := p.stack.Register(p.ncm, p.dap, p.acm); err != nil {
		return nil, errors.Wrap(err, "register drivers")
	}
	return p, nil
}

// descriptors builds the device and configuration descriptors.
func (p *probe) descriptors(mps uint16) device.Descriptors {
	dev := device.DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       device.ClassMisc,
		DeviceSubClass:    0x02,
		DeviceProtocol:    0x01,
		MaxPacketSize0:    64,
		VendorID:          p.cfg.Probe.VendorID,
		ProductID:         p.cfg.Probe.ProductID,
		DeviceVersion:     0x0100,
		ManufacturerIndex: strVendor,
		ProductIndex:      strProduct,
		SerialNumberIndex: strSerial,
		NumConfigurations: 1,
	}

	body := ncm.AppendDescriptors(nil, ncm.DescriptorConfig{
		FirstInterface: itfNCM,
		NotifyEP:       epNCMNotify,
		DataOutEP:      epNCMOut,
		DataInEP:       epNCMIn,
		MaxPacketSize:  mps,
		MACString:      strMAC,
		InterfaceName:  strNCM,
		MaxSegmentSize: uint16(p.cfg.Network.MTU + 14),
	})
	body = dap.AppendDescriptors(body, itfDAP, epDAPOut, epDAPIn, mps, strDAP)
	body = cdc.AppendACMDescriptors(body, cdc.ACMDescriptorConfig{
		FirstInterface: itfACM,
		NotifyEP:       epACMNotify,
		DataOutEP:      epACMOut,
		DataInEP:       epACMIn,
		MaxPacketSize:  mps,
		InterfaceName:  strACM,
	})

	return device.Descriptors{
		Device:        dev.Bytes(),
		Configuration: device.BuildConfiguration(1, numItf, 250, body),
		Strings: []string{
			p.cfg.Probe.Vendor,
			p.cfg.Probe.Product,
			p.cfg.Probe.Serial,
			netif.MACString(netif.HostMAC(p.mac)),
			"softprobe NCM",
			"softprobe CMSIS-DAP",
			"softprobe trace",
		},
	}
}

// Start brings up the engine, the device stack and every bridge.
func (p *probe) Start(ctx context.Context) error {
	if err := p.engine.Start(ctx); err != nil {
		return errors.Wrap(err, "start engine")
	}
	if err := p.stack.Start(ctx); err != nil {
		return errors.Wrap(err, "start device stack")
	}
	if err := p.dap.Start(ctx); err != nil {
		return errors.Wrap(err, "start command pipeline")
	}
	if p.serial != nil {
		if err := p.serial.Start(ctx); err != nil {
			return errors.Wrap(err, "start serial bridge")
		}
	}
	l, err := p.ip.Listen(telemetry.DefaultPort)
	if err != nil {
		return err
	}
	p.link.Serve(l)
	if err := p.tcp.Listen(ctx); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentDevice, "probe started",
		"mac", netif.MACString(p.mac),
		"link", p.link.Addr().String(),
		"telemetry", p.tcp.Addr().String())
	return nil
}

// Push offers trace bytes to every telemetry channel.
func (p *probe) Push(b []byte) {
	p.trace.Push(b)
	if p.serial != nil {
		p.serial.Push(b)
	}
}

// Close stops everything in reverse start order and returns the first
// error.
func (p *probe) Close() error {
	var first error
	keep := func(err error) {
		if first == nil && err != nil {
			first = err
		}
	}
	keep(p.tcp.Close())
	keep(p.link.Close())
	if p.serial != nil {
		keep(p.serial.Close())
	}
	keep(p.dap.Close())
	keep(p.stack.Stop())
	keep(p.engine.Close())
	p.ip.Close()
	return first
}

// firmwareVersion parses "major.minor.rev" from the probe firmware string
// for the telemetry hello. Missing or non-numeric parts read as zero.
func firmwareVersion(pc config.Probe) telemetry.Version {
	v := telemetry.Version{Product: pc.Product}
	parts := strings.SplitN(pc.Firmware, ".", 3)
	dst := []*int{&v.Major, &v.Minor, &v.Rev}
	for i, s := range parts {
		for _, c := range s {
			if c < '0' || c > '9' {
				break
			}
			*dst[i] = *dst[i]*10 + int(c-'0')
		}
	}
	return v
}
