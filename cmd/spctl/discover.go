package main

import (
	"context"
	"fmt"
	"time"

	"github.com/backkem/spcomms/pkg/directory"
	"github.com/backkem/spcomms/pkg/discovery"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	discoverMDNS     bool
	discoverPublish  bool
	discoverExpected int
	discoverTimeout  time.Duration
)

type spRow struct {
	Target   string `json:"target" yaml:"target"`
	Serial   string `json:"serial" yaml:"serial"`
	Model    string `json:"model" yaml:"model"`
	Revision uint32 `json:"revision" yaml:"revision"`
	Addr     string `json:"addr" yaml:"addr"`
	Port     uint8  `json:"port" yaml:"port"`
	Source   string `json:"source" yaml:"source"`
}

func spRows(records []discovery.Record) []spRow {
	rows := make([]spRow, 0, len(records))
	for _, r := range records {
		e := directory.EntryOf(r)
		rows = append(rows, spRow{
			Target:   e.Target,
			Serial:   e.Serial,
			Model:    e.Model,
			Revision: e.Revision,
			Addr:     e.Addr,
			Port:     e.Port,
			Source:   e.Source,
		})
	}
	return rows
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find the SPs reachable from this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client) error {
			s, err := c.discoverer(discoverMDNS)
			if err != nil {
				return err
			}
			records, err := s.Discover(ctx, discoverTimeout, discoverExpected)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.Format(spRows(records)))

			if discoverPublish {
				return publish(ctx, records)
			}
			return nil
		})
	},
}

// publish writes records to the etcd directory. The entries live as long
// as their lease, so a one-shot publish expires after the configured TTL.
func publish(ctx context.Context, records []discovery.Record) error {
	if len(cfg.Etcd.Endpoints) == 0 {
		return fmt.Errorf("--publish needs etcd.endpoints in the config or SPCTL_ETCD_ENDPOINTS")
	}
	cli, err := directory.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return fmt.Errorf("etcd: %w", err)
	}
	defer cli.Close()

	pub, err := directory.NewPublisher(directory.Config{
		KV:            cli,
		Leaser:        cli,
		Prefix:        cfg.Etcd.Prefix,
		TTL:           cfg.Etcd.TTL,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, records); err != nil {
		return err
	}
	logger.Info("published SPs", zap.Int("count", len(records)), zap.String("prefix", cfg.Etcd.Prefix))
	return nil
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverMDNS, "mdns", false, "also browse mDNS for _sp-mgmt._udp")
	discoverCmd.Flags().BoolVar(&discoverPublish, "publish", false, "publish the result to the etcd directory")
	discoverCmd.Flags().IntVar(&discoverExpected, "expect", 0, "stop once this many SPs answered")
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 0, "sweep timeout (default from config, 2s)")
	rootCmd.AddCommand(discoverCmd)
}
