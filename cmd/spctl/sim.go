package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/backkem/spcomms/pkg/discovery"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/spsim"
	"github.com/backkem/spcomms/pkg/tlv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	simListen    string
	simType      string
	simSlot      uint16
	simSerial    string
	simModel     string
	simFirmware  string
	simEcho      bool
	simAdvertise bool
	simIgnition  int
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a simulated SP",
	Long: `Run an in-process SP that answers the full protocol, for exercising spctl and
fleet tooling without hardware. With --advertise it also announces itself
over mDNS.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := message.ParseSpType(simType)
		if err != nil {
			return err
		}
		identity := message.SpIdentity{Type: typ, Slot: simSlot, Model: simModel, Serial: simSerial, Revision: 1}

		var ignition []tlv.Ignition
		for i := 0; i < simIgnition; i++ {
			ignition = append(ignition, tlv.Ignition{
				Target: uint8(i),
				State:  message.IgnitionState{Present: true, SystemType: 0x0102, Powered: i%2 == 0},
			})
		}

		sim, err := spsim.New(spsim.Config{
			ListenAddr:      simListen,
			Identity:        identity,
			FirmwareVersion: simFirmware,
			ConsoleEcho:     simEcho,
			Ignition:        ignition,
			Inventory: []tlv.Device{
				{Component: "sp", Description: "service processor", Presence: tlv.PresencePresent},
				{Component: "rot", Description: "root of trust", Presence: tlv.PresencePresent},
				{Component: "sp3-host-cpu", Description: "host CPU", Presence: tlv.PresencePresent},
			},
			LoggerFactory: loggerFactory,
		})
		if err != nil {
			return err
		}
		defer sim.Close()

		if simAdvertise {
			udp, ok := sim.Addr().(*net.UDPAddr)
			if !ok {
				return fmt.Errorf("cannot advertise %v", sim.Addr())
			}
			adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{LoggerFactory: loggerFactory})
			if err := adv.Start(identity, udp.Port); err != nil {
				return fmt.Errorf("mdns: %w", err)
			}
			defer adv.Close()
		}

		logger.Info("simulated SP running",
			zap.String("target", fmt.Sprintf("%s-%d", typ, simSlot)),
			zap.String("addr", sim.Addr().String()),
			zap.Bool("advertised", simAdvertise))
		fmt.Fprintf(cmd.OutOrStdout(), "%s-%d listening on %s\n", typ, simSlot, sim.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

func init() {
	simCmd.Flags().StringVar(&simListen, "sim-addr", "[::]:11111", "address the simulated SP serves on")
	simCmd.Flags().StringVar(&simType, "type", "sled", "board type: sled, switch or power")
	simCmd.Flags().Uint16Var(&simSlot, "slot", 0, "slot number")
	simCmd.Flags().StringVar(&simSerial, "serial", "SIM00000000", "serial number")
	simCmd.Flags().StringVar(&simModel, "model", "913-0000019", "model number")
	simCmd.Flags().StringVar(&simFirmware, "firmware", "0.0.0-sim", "reported firmware version")
	simCmd.Flags().BoolVar(&simEcho, "echo", true, "echo console input back as output")
	simCmd.Flags().BoolVar(&simAdvertise, "advertise", false, "announce the SP over mDNS")
	simCmd.Flags().IntVar(&simIgnition, "ignition-targets", 0, "number of simulated ignition targets")
	rootCmd.AddCommand(simCmd)
}
