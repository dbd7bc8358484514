// Command softprobe runs the probe transport core on a loopback USB
// controller and offers tools for its wire formats.
//
// Usage:
//
//	softprobe [--config file] [-v] [--json] <command>
//
// Commands:
//
//	serve        Run the probe with a simulated host and a telemetry listener
//	mac          Print the link MAC addresses derived from the probe UID
//	ntb decode   Decode a hex transfer block
//	ntb encode   Encode a hex datagram into a transfer block
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ardnew/softprobe/config"
	"github.com/ardnew/softprobe/pkg"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	verbose    bool
	json       bool

	cfg *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "softprobe",
		Short:         "USB debug probe transport core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMACCmd(opts))
	cmd.AddCommand(newNTBCmd())
	return cmd
}

// AddFlags registers the shared flags on flags.
func (o *options) AddFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&o.json, "json", false, "use JSON log format")
}

// load reads the configuration and applies its log settings; the flags
// override the file.
func (o *options) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg

	level := pkg.ParseLogLevel(cfg.Log.Level)
	if o.verbose {
		level = zerolog.DebugLevel
	}
	pkg.SetLogLevel(level)
	if o.json || cfg.Log.Format == "json" {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	} else {
		pkg.SetLogFormat(pkg.LogFormatText)
	}
	return nil
}
