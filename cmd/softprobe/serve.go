package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/softprobe/pkg"
	"github.com/ardnew/softprobe/pkg/prof"
)

func newServeCmd(opts *options) *cobra.Command {
	var (
		listen   string
		interval time.Duration
		noHost   bool
		linkMon  bool
		pprof    string
		session  prof.Session
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the probe with a simulated host",
		Long: `Run the composite probe on a loopback USB controller.

A simulated host enumerates the probe, reads its identification through the
command pipeline and keeps the network and serial endpoints drained. A trace
line is pushed every interval; connect a monitor to the telemetry port and
send a 32-byte hello to receive it. With --link-monitor the simulated host
is the monitor, reaching the probe's address over the USB network link.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				opts.cfg.Telemetry.Listen = listen
			}

			if err := session.Start(); err != nil {
				return err
			}
			defer session.Stop()
			if pprof != "" {
				l, err := prof.Serve(pprof)
				if err != nil {
					return err
				}
				if l != nil {
					defer l.Close()
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, interval, !noHost, linkMon)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "telemetry listen address (overrides config)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "trace line interval")
	cmd.Flags().BoolVar(&noHost, "no-host", false, "do not run the simulated host")
	cmd.Flags().BoolVar(&linkMon, "link-monitor", false, "have the simulated host read telemetry over the USB network link")
	if prof.Enabled {
		cmd.Flags().StringVar(&session.CPU, "cpu-profile", "", "write a CPU profile to file")
		cmd.Flags().StringVar(&session.Heap, "heap-profile", "", "write a heap profile to file on exit")
		cmd.Flags().StringVar(&session.Block, "block-profile", "", "write a blocking profile to file on exit")
		cmd.Flags().StringVar(&session.Mutex, "mutex-profile", "", "write a mutex profile to file on exit")
		cmd.Flags().StringVar(&pprof, "pprof", "", "serve /debug/pprof/ on address")
	}
	return cmd
}

func serve(ctx context.Context, opts *options, interval time.Duration, withHost, linkMonitor bool) error {
	p, err := newProbe(opts.cfg)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		p.Close()
		return err
	}
	defer p.Close()

	if withHost {
		h, err := newSimHost(p.hal.Host(), p.mac, opts.cfg.Network)
		if err != nil {
			return err
		}
		defer h.close()
		if err := h.attach(ctx); err != nil {
			return err
		}
		h.drain(ctx)
		ids, err := h.identify(ctx)
		if err != nil {
			return err
		}
		pkg.LogInfo(pkg.ComponentDAP, "probe identified",
			"vendor", ids["vendor"],
			"product", ids["product"],
			"serial", ids["serial"],
			"protocol", ids["protocol"])
		if linkMonitor {
			go h.follow(ctx)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			pkg.LogInfo(pkg.ComponentDevice, "shutting down")
			return nil
		case now := <-ticker.C:
			p.Push(fmt.Appendf(nil, "trace %d t=%s\n", seq, now.Sub(start).Round(time.Millisecond)))
		}
	}
}
