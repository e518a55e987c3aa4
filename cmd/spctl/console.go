package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/backkem/spcomms/pkg/console"
	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	consoleComponent string
	consoleBreak     bool
)

var consoleCmd = &cobra.Command{
	Use:   "console <target>",
	Short: "Attach to an SP's serial console",
	Long: `Attach to the serial console of a component behind an SP. Standard input is
sent to the console and console output is written to standard output until
input ends or the command is interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTarget(args[0], func(ctx context.Context, sp *exchange.SingleSp) error {
			c, err := console.Open(ctx, sp, consoleComponent, console.Config{
				Window:            cfg.Console.Window,
				ChunkSize:         cfg.Console.ChunkSize,
				GapTimeout:        cfg.Console.GapTimeout,
				KeepAliveInterval: cfg.Console.KeepAliveInterval,
				Metrics:           metrics,
				LoggerFactory:     loggerFactory,
			})
			if err != nil {
				return err
			}
			defer func() {
				dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := c.Close(dctx); err != nil {
					logger.Warn("detaching console", zap.Error(err))
				}
			}()

			if consoleBreak {
				if err := c.Break(ctx); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				defer cancel()
				if err := pumpInput(ctx, c, cmd.InOrStdin()); err != nil {
					logger.Warn("console input", zap.Error(err))
				}
			}()
			return pumpOutput(ctx, c, cmd.OutOrStdout(), cmd.ErrOrStderr())
		})
	},
}

// pumpInput copies r to the console until r ends.
func pumpInput(ctx context.Context, c *console.Console, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := c.Write(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// pumpOutput copies console output to w until ctx ends. Skipped gaps are
// reported on errw.
func pumpOutput(ctx context.Context, c *console.Console, w, errw io.Writer) error {
	for {
		data, err := c.Read(ctx)
		var resync *console.ResyncError
		switch {
		case err == nil:
			if _, err := w.Write(data); err != nil {
				return err
			}
		case errors.As(err, &resync):
			fmt.Fprintf(errw, "\n[spctl: %v]\n", resync)
		case ctx.Err() != nil, errors.Is(err, console.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

func init() {
	consoleCmd.Flags().StringVar(&consoleComponent, "component", "sp3-host-cpu", "console component")
	consoleCmd.Flags().BoolVar(&consoleBreak, "break", false, "send a serial break after attaching")
	rootCmd.AddCommand(consoleCmd)
}
