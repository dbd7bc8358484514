package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/softprobe/netif"
)

func newMACCmd(opts *options) *cobra.Command {
	var uid string

	cmd := &cobra.Command{
		Use:   "mac",
		Short: "Print the link MAC addresses derived from the probe UID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("uid") {
				uid = opts.cfg.Probe.UID
			}
			out := cmd.OutOrStdout()
			mac := netif.DeriveMAC([]byte(uid))
			fmt.Fprintf(out, "uid     %s\n", uid)
			fmt.Fprintf(out, "probe   %s\n", mac)
			fmt.Fprintf(out, "host    %s\n", netif.HostMAC(mac))
			fmt.Fprintf(out, "string  %s\n", netif.MACString(netif.HostMAC(mac)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&uid, "uid", "u", "", "probe UID (overrides config)")
	return cmd
}
