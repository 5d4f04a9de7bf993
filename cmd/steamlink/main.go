// Package main provides the CLI entry point for SteamLink stations.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/steamlink/internal/nodecfg"
	"github.com/postalsys/steamlink/internal/protocol"
	"github.com/postalsys/steamlink/internal/slid"
	"github.com/postalsys/steamlink/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "steamlink",
		Short: "SteamLink - reliable link layer for low-power radio nodes",
		Long: `SteamLink moves small packets between a central store and many
low-power nodes over lossy radio links.

Every node has a SLID address. Reliable ops are acknowledged end to end,
duplicates are suppressed, and bridges relay traffic between two radio
segments without terminating it.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(decodeCmd())
	rootCmd.AddCommand(opsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(simulateCmd())

	return rootCmd
}

func initCmd() *cobra.Command {
	var (
		recordPath  string
		id          string
		name        string
		description string
		radioParams uint8
		maxSilence  uint8
		battery     bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Provision a node configuration record",
		Long: `Provision a node configuration record.

Without --slid on an interactive terminal a wizard asks for every field and
can also write a station config. Otherwise the record is built from flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			storage := nodecfg.NewFileStorage(recordPath)
			if storage.Exists() && !force {
				existing, err := nodecfg.Load(storage)
				if err != nil {
					return fmt.Errorf("existing record at %s: %w (use --force to replace it)", recordPath, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Node already provisioned in %s\n", recordPath)
				printRecord(cmd.OutOrStdout(), existing)
				return nil
			}

			if id == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				_, err := wizard.New().Run(recordPath)
				return err
			}
			if id == "" {
				return errors.New("--slid is required when stdin is not a terminal")
			}

			a := wizard.DefaultAnswers()
			a.SLID = id
			a.Name = name
			a.Description = description
			a.RadioParams = fmt.Sprint(radioParams)
			a.MaxSilence = fmt.Sprint(maxSilence)
			a.Battery = battery

			node, err := a.BuildNode()
			if err != nil {
				return fmt.Errorf("invalid node config: %w", err)
			}
			if err := nodecfg.Save(storage, node); err != nil {
				return fmt.Errorf("failed to store node config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Node provisioned in %s\n", recordPath)
			printRecord(cmd.OutOrStdout(), node)
			return nil
		},
	}

	cmd.Flags().StringVarP(&recordPath, "record", "r", "./data/node.cfg", "Path of the node configuration record")
	cmd.Flags().StringVar(&id, "slid", "", "Node address (decimal or 0x hex)")
	cmd.Flags().StringVar(&name, "name", "", "Node name")
	cmd.Flags().StringVar(&description, "description", "", "Node description")
	cmd.Flags().Uint8Var(&radioParams, "radio-params", 0, "Radio parameter preset")
	cmd.Flags().Uint8Var(&maxSilence, "max-silence", 60, "Longest radio silence in milliseconds")
	cmd.Flags().BoolVar(&battery, "battery", false, "Node is battery powered")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing record")

	return cmd
}

func showCmd() *cobra.Command {
	var recordPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a stored node configuration record",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage := nodecfg.NewFileStorage(recordPath)
			node, err := nodecfg.Load(storage)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", recordPath, err)
			}
			printRecord(cmd.OutOrStdout(), node)

			raw, err := storage.ReadRecord()
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  Size:         %s\n", humanize.Bytes(uint64(len(raw))))
				fmt.Fprintf(cmd.OutOrStdout(), "  Raw:          %s\n", hex.EncodeToString(raw))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&recordPath, "record", "r", "./data/node.cfg", "Path of the node configuration record")

	return cmd
}

func printRecord(w io.Writer, n *nodecfg.NodeConfig) {
	fmt.Fprintf(w, "  Version:      %d\n", n.Version)
	fmt.Fprintf(w, "  SLID:         %s\n", n.SLID)
	fmt.Fprintf(w, "  Name:         %s\n", n.Name)
	if n.Description != "" {
		fmt.Fprintf(w, "  Description:  %s\n", n.Description)
	}
	fmt.Fprintf(w, "  Location:     %.5f, %.5f @ %dm\n", n.Latitude, n.Longitude, n.Altitude)
	fmt.Fprintf(w, "  Max silence:  %d ms\n", n.MaxSilence)
	fmt.Fprintf(w, "  Battery:      %t\n", n.BatteryPowered)
	fmt.Fprintf(w, "  Radio params: %d\n", n.RadioParams)
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>...",
		Short: "Decode a raw packet",
		Long:  "Decode a raw packet given as hex. Spaces and colons are ignored.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), protocol.DescribePacket(raw))

			if pkt, err := protocol.DecodePacket(raw); err == nil {
				describePayload(cmd.OutOrStdout(), pkt)
			}
			return nil
		},
	}
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "\n", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return raw, nil
}

// describePayload prints the op-specific payload fields.
func describePayload(w io.Writer, pkt *protocol.Packet) {
	switch pkt.Op {
	case protocol.OpAN, protocol.OpAS:
		if code, err := protocol.DecodeAck(pkt.Payload); err == nil {
			fmt.Fprintf(w, "  ack: %s\n", code)
		}
	case protocol.OpBN, protocol.OpBS:
		if bp, err := protocol.DecodeBridge(pkt.Payload); err == nil {
			fmt.Fprintf(w, "  to: %s\n", bp.ToSLID)
			fmt.Fprintf(w, "  inner: %s\n", protocol.DescribePacket(bp.Inner))
		}
	case protocol.OpSC:
		if sc, err := protocol.DecodeSetConfig(pkt.Payload); err == nil {
			fmt.Fprintf(w, "  version: %d radio_params: %d\n", sc.Version, sc.RadioParams)
		}
	case protocol.OpOF:
		if secs, err := protocol.DecodeOffline(pkt.Payload); err == nil {
			fmt.Fprintf(w, "  offline for %ds\n", secs)
		}
	case protocol.OpSS:
		if st, err := protocol.DecodeStatus(pkt.Payload); err == nil {
			fmt.Fprintf(w, "  version %d, up %ds, rx %s, tx %s, retransmits %s, failures %s\n",
				st.ConfigVersion, st.UptimeSeconds,
				humanize.Comma(int64(st.Received)), humanize.Comma(int64(st.Sent)),
				humanize.Comma(int64(st.Retransmits)), humanize.Comma(int64(st.Failures)))
		}
	case protocol.OpON:
		if rec, err := nodecfg.Decode(pkt.Payload); err == nil {
			fmt.Fprintf(w, "  record: %s\n", rec)
		}
	case protocol.OpMS:
		fmt.Fprintf(w, "  message: %q\n", pkt.Payload)
	}
}

func opsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "Print the op-code table",
		RunE: func(cmd *cobra.Command, args []string) error {
			printOps(cmd.OutOrStdout())
			return nil
		},
	}
}

func printOps(w io.Writer) {
	fmt.Fprintf(w, "%-4s %-4s %-13s %-7s %-8s %-5s\n", "OP", "NAME", "DIRECTION", "HEADER", "RELIABLE", "REPLY")
	for _, d := range protocol.Descriptors() {
		reply := "-"
		if d.HasReply {
			reply = protocol.OpName(d.Reply)
		}
		fmt.Fprintf(w, "0x%02X %-4s %-13s %-7s %-8t %-5s\n",
			d.Op, d.Name, d.Direction, d.Header, d.Reliable, reply)
	}
	fmt.Fprintf(w, "\nSLID range %s..%s, max packet %s\n",
		slid.Min, slid.Max, humanize.Bytes(protocol.MaxPacketSize))
}
