package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/tlv"
	"github.com/spf13/cobra"
)

type stateRow struct {
	Target     string `json:"target" yaml:"target"`
	Serial     string `json:"serial" yaml:"serial"`
	Model      string `json:"model" yaml:"model"`
	Revision   uint32 `json:"revision" yaml:"revision"`
	Firmware   string `json:"firmware" yaml:"firmware"`
	ArchiveID  string `json:"archive_id" yaml:"archive_id"`
	PowerState string `json:"power_state" yaml:"power_state"`
}

var stateCmd = &cobra.Command{
	Use:   "state <target>",
	Short: "Show an SP's identity, firmware and power state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			st, err := sp.State(ctx)
			if err != nil {
				return fmt.Errorf("state: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.Format(stateRow{
				Target:     exchange.TargetIDOf(st.Identity).String(),
				Serial:     st.Identity.Serial,
				Model:      st.Identity.Model,
				Revision:   st.Identity.Revision,
				Firmware:   st.FirmwareVersion,
				ArchiveID:  hex.EncodeToString(st.ArchiveID[:]),
				PowerState: st.PowerState.String(),
			}))
			return nil
		})
	},
}

var powerCmd = &cobra.Command{
	Use:   "power",
	Short: "Query or change an SP's power state",
}

var powerGetCmd = &cobra.Command{
	Use:   "get <target>",
	Short: "Show the power state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			state, err := sp.PowerState(ctx)
			if err != nil {
				return fmt.Errorf("power get: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		})
	},
}

var powerSetCmd = &cobra.Command{
	Use:   "set <target> <A0|A1|A2>",
	Short: "Change the power state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := message.ParsePowerState(args[1])
		if err != nil {
			return err
		}
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			changed, err := sp.SetPowerState(ctx, state)
			if err != nil {
				return fmt.Errorf("power set: %w", err)
			}
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: power state set to %s\n", sp.ID(), state)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: already in %s\n", sp.ID(), state)
			}
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <target>",
	Short: "Reset an SP and wait for it to come back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			if err := sp.ResetPrepare(ctx); err != nil {
				return fmt.Errorf("reset prepare: %w", err)
			}
			if err := sp.ResetTrigger(ctx); err != nil {
				return fmt.Errorf("reset trigger: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: reset\n", sp.ID())
			return nil
		})
	},
}

type deviceRow struct {
	Component   string `json:"component" yaml:"component"`
	Description string `json:"description" yaml:"description"`
	Presence    string `json:"presence" yaml:"presence"`
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory <target>",
	Short: "List the devices an SP manages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			devices, err := sp.Inventory(ctx)
			if err != nil {
				return fmt.Errorf("inventory: %w", err)
			}
			rows := make([]deviceRow, 0, len(devices))
			for _, d := range devices {
				rows = append(rows, deviceRow{Component: d.Component, Description: d.Description, Presence: d.Presence.String()})
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.Format(rows))
			return nil
		})
	},
}

type ignitionRow struct {
	Target     uint8  `json:"target" yaml:"target"`
	Present    bool   `json:"present" yaml:"present"`
	SystemType string `json:"system_type" yaml:"system_type"`
	Powered    bool   `json:"powered" yaml:"powered"`
	Faults     uint8  `json:"faults" yaml:"faults"`
}

func ignitionRowOf(g tlv.Ignition) ignitionRow {
	return ignitionRow{
		Target:     g.Target,
		Present:    g.State.Present,
		SystemType: fmt.Sprintf("%#04x", g.State.SystemType),
		Powered:    g.State.Powered,
		Faults:     g.State.Faults,
	}
}

var ignitionCmd = &cobra.Command{
	Use:   "ignition",
	Short: "Inspect and command the ignition targets behind a switch SP",
}

var ignitionListCmd = &cobra.Command{
	Use:   "list <target>",
	Short: "Show the state of every ignition target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			states, err := sp.BulkIgnitionState(ctx)
			if err != nil {
				return fmt.Errorf("ignition list: %w", err)
			}
			rows := make([]ignitionRow, 0, len(states))
			for _, g := range states {
				rows = append(rows, ignitionRowOf(g))
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.Format(rows))
			return nil
		})
	},
}

var ignitionGetCmd = &cobra.Command{
	Use:   "get <target> <n>",
	Short: "Show the state of one ignition target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseIgnitionTarget(args[1])
		if err != nil {
			return err
		}
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			state, err := sp.IgnitionState(ctx, n)
			if err != nil {
				return fmt.Errorf("ignition get: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.Format(ignitionRowOf(tlv.Ignition{Target: n, State: state})))
			return nil
		})
	},
}

var ignitionCommandCmd = &cobra.Command{
	Use:   "command <target> <n> <power-on|power-off|power-reset>",
	Short: "Send a command to one ignition target",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseIgnitionTarget(args[1])
		if err != nil {
			return err
		}
		command, err := message.ParseIgnitionCommand(args[2])
		if err != nil {
			return err
		}
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			if err := sp.IgnitionCommand(ctx, n, command); err != nil {
				return fmt.Errorf("ignition command: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ignition target %d: %s sent\n", sp.ID(), n, command)
			return nil
		})
	},
}

func parseIgnitionTarget(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid ignition target %q: %w", s, err)
	}
	return uint8(n), nil
}

func init() {
	powerCmd.AddCommand(powerGetCmd, powerSetCmd)
	ignitionCmd.AddCommand(ignitionListCmd, ignitionGetCmd, ignitionCommandCmd)
	rootCmd.AddCommand(stateCmd, powerCmd, resetCmd, inventoryCmd, ignitionCmd)
}
