// Package config loads the probe configuration from YAML.
package config

import (
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softprobe/device/class/dap"
	"github.com/ardnew/softprobe/device/class/ncm"
	"github.com/ardnew/softprobe/netif"
	"github.com/ardnew/softprobe/pkg"
	"github.com/ardnew/softprobe/telemetry"
)

// Config is the complete probe configuration.
type Config struct {
	Log       Log       `yaml:"log"`
	Probe     Probe     `yaml:"probe"`
	Network   Network   `yaml:"network"`
	DAP       DAP       `yaml:"dap"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Log selects the log level and format.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // text or json
}

// Probe identifies the probe on the bus.
type Probe struct {
	// UID seeds the link MAC addresses. A random one is chosen when empty,
	// so the addresses change on every run.
	UID       string `yaml:"uid"`
	Vendor    string `yaml:"vendor"`
	Product   string `yaml:"product"`
	Serial    string `yaml:"serial"`
	Firmware  string `yaml:"firmware"`
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
}

// Network configures the USB network link.
type Network struct {
	Address      string `yaml:"address"` // Probe IPv4 address and prefix on the link
	MTU          int    `yaml:"mtu"`
	MaxDatagrams int    `yaml:"max_datagrams"` // Inbound datagrams per block
	InSize       int    `yaml:"in_size"`       // Largest block sent to the host
	OutSize      int    `yaml:"out_size"`      // Largest block accepted from the host
	BitRate      uint32 `yaml:"bit_rate"`
	TxQueue      int    `yaml:"tx_queue"`
	EngineQueue  int    `yaml:"engine_queue"`
}

// DAP sizes the command pipeline.
type DAP struct {
	PacketSize  int `yaml:"packet_size"`
	PacketCount int `yaml:"packet_count"`
}

// Telemetry configures the trace stream.
type Telemetry struct {
	Listen       string        `yaml:"listen"`
	Serial       bool          `yaml:"serial"` // Also stream over CDC-ACM
	FIFOSize     int           `yaml:"fifo_size"`
	ChunkSize    int           `yaml:"chunk_size"`
	SendWindow   int           `yaml:"send_window"`
	PushTimeout  time.Duration `yaml:"push_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: Log{
			Level:  "warn",
			Format: "text",
		},
		Probe: Probe{
			Vendor:    "softprobe",
			Product:   "softprobe CMSIS-DAP",
			Serial:    "0001",
			Firmware:  "1.0.0",
			VendorID:  0x1209,
			ProductID: 0x0D28,
		},
		Network: Network{
			Address:      netif.DefaultAddress,
			MTU:          netif.DefaultMTU,
			MaxDatagrams: 1,
			InSize:       ncm.DefaultNTBSize,
			OutSize:      ncm.DefaultNTBSize,
			BitRate:      12_000_000,
			TxQueue:      netif.DefaultTxQueue,
			EngineQueue:  netif.DefaultQueueSize,
		},
		DAP: DAP{
			PacketSize:  dap.DefaultPacketSize,
			PacketCount: dap.DefaultPacketCount,
		},
		Telemetry: Telemetry{
			Listen:       ":19111",
			Serial:       true,
			FIFOSize:     telemetry.DefaultFIFOSize,
			ChunkSize:    telemetry.DefaultChunkSize,
			SendWindow:   telemetry.DefaultSendWindow,
			PushTimeout:  telemetry.DefaultPushTimeout,
			PollInterval: telemetry.DefaultPollInterval,
		},
	}
}

// Load reads path over the defaults, fills in a UID when none is set and
// validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if cfg.Probe.UID == "" {
		cfg.Probe.UID = uuid.NewString()
		pkg.LogDebug(pkg.ComponentConfig, "generated probe uid", "uid", cfg.Probe.UID)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	return data, errors.Wrap(err, "marshal config")
}

// Validate checks every field against the limits the probe can honor.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(pkg.ErrInvalidParameter, format, args...)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid("log format %q", c.Log.Format)
	}

	n := c.Network
	if p, err := netip.ParsePrefix(n.Address); err != nil || !p.Addr().Is4() {
		return invalid("network address %q", n.Address)
	}
	if n.MTU < 576 || n.MTU > 9000 {
		return invalid("network mtu %d outside [576, 9000]", n.MTU)
	}
	if n.MaxDatagrams < 0 {
		return invalid("network max_datagrams %d", n.MaxDatagrams)
	}
	frame := ncm.PayloadOffset + n.MTU + 14
	if n.InSize < frame || n.InSize > ncm.MaxBlockSize {
		return invalid("network in_size %d outside [%d, %d]", n.InSize, frame, ncm.MaxBlockSize)
	}
	if n.OutSize < frame || n.OutSize > ncm.MaxBlockSize {
		return invalid("network out_size %d outside [%d, %d]", n.OutSize, frame, ncm.MaxBlockSize)
	}
	if n.TxQueue < 1 || n.EngineQueue < 1 {
		return invalid("network queues must hold at least one entry")
	}

	d := c.DAP
	if d.PacketSize < 64 || d.PacketSize > 1024 {
		return invalid("dap packet_size %d outside [64, 1024]", d.PacketSize)
	}
	if d.PacketCount < 2 || d.PacketCount > 255 {
		return invalid("dap packet_count %d outside [2, 255]", d.PacketCount)
	}

	t := c.Telemetry
	if t.FIFOSize < 1 {
		return invalid("telemetry fifo_size %d", t.FIFOSize)
	}
	if t.ChunkSize < 1 || t.ChunkSize > t.FIFOSize {
		return invalid("telemetry chunk_size %d outside [1, fifo_size]", t.ChunkSize)
	}
	if t.SendWindow < telemetry.HelloSize {
		return invalid("telemetry send_window %d below %d", t.SendWindow, telemetry.HelloSize)
	}
	if t.PushTimeout <= 0 || t.PollInterval <= 0 {
		return invalid("telemetry timeouts must be positive")
	}
	return nil
}
