package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ardnew/softprobe/device/class/ncm"
	"github.com/ardnew/softprobe/netif"
)

func newNTBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ntb",
		Short: "Decode and encode network transfer blocks",
	}
	cmd.AddCommand(newNTBDecodeCmd())
	cmd.AddCommand(newNTBEncodeCmd())
	return cmd
}

func newNTBDecodeCmd() *cobra.Command {
	var maxDatagrams int

	cmd := &cobra.Command{
		Use:   "decode [hex]",
		Short: "Decode a hex transfer block (stdin when no argument)",
		RunE: func(cmd *cobra.Command, args []string) error {
			block, err := readHex(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if h, ok := ncm.ReadHeader(block); ok {
				fmt.Fprintf(out, "sequence %d, block length %d, table at %d\n",
					h.Sequence, h.BlockLength, h.TableOffset)
			}
			datagrams, err := ncm.Decoder{MaxDatagrams: maxDatagrams}.DecodeAll(block)
			if err != nil {
				return errors.Wrap(err, "decode")
			}
			for i, dg := range datagrams {
				fmt.Fprintf(out, "datagram %d: %d bytes: %s\n", i, len(dg), netif.Describe(dg))
				fmt.Fprintf(out, "  %x\n", dg)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&maxDatagrams, "max-datagrams", "m", 1, "datagrams accepted per block")
	return cmd
}

func newNTBEncodeCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "encode hex...",
		Short: "Encode each hex datagram into a transfer block",
		Long: `Encode each hex datagram into its own transfer block. Consecutive blocks
carry consecutive sequence numbers starting at zero.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enc ncm.Encoder
			buf := make([]byte, size)
			for _, arg := range args {
				dg, err := readHex(nil, []string{arg})
				if err != nil {
					return err
				}
				n, err := enc.Encode(buf, dg)
				if err != nil {
					return errors.Wrapf(err, "encode %d byte datagram", len(dg))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%x\n", buf[:n])
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&size, "size", "s", ncm.DefaultNTBSize, "largest block size")
	return cmd
}

// readHex decodes hex from args, or from r when there are none. Whitespace
// and colons are ignored.
func readHex(r io.Reader, args []string) ([]byte, error) {
	text := strings.Join(args, "")
	if len(args) == 0 && r != nil {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "read input")
		}
		text = string(b)
	}
	text = strings.Map(func(c rune) rune {
		switch c {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return c
	}, text)
	b, err := hex.DecodeString(text)
	if err != nil {
		return nil, errors.Wrap(err, "parse hex")
	}
	if len(b) == 0 {
		return nil, errors.New("no input")
	}
	return b, nil
}
