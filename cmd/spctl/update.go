package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/backkem/spcomms/pkg/update"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	updateComponent    string
	updateSlot         uint16
	updateResumeOffset uint32
	updateID           string
	updateChunkSize    uint32
)

type updateRow struct {
	Target    string `json:"target" yaml:"target"`
	ID        string `json:"id" yaml:"id"`
	Component string `json:"component" yaml:"component"`
	State     string `json:"state" yaml:"state"`
	Offset    uint32 `json:"offset" yaml:"offset"`
	Total     uint32 `json:"total" yaml:"total"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

func updateRowOf(st update.Status) updateRow {
	row := updateRow{
		Target:    st.Target.String(),
		ID:        st.ID.String(),
		Component: st.Component,
		State:     st.State.String(),
		Offset:    st.Offset,
		Total:     st.Total,
	}
	if st.Err != nil {
		row.Error = st.Err.Error()
	}
	return row
}

var updateCmd = &cobra.Command{
	Use:   "update <target> <file>",
	Short: "Transfer a firmware image to an SP",
	Long: `Transfer a firmware image to a component of an SP. An interrupted or failed
transfer prints the session id and offset; pass them back with --id and
--resume-offset to continue without resending acknowledged data.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		img := update.Image{Component: updateComponent, Slot: updateSlot, Data: data}

		var rp *update.ResumePoint
		if updateID != "" {
			id, err := uuid.Parse(updateID)
			if err != nil {
				return fmt.Errorf("--id: %w", err)
			}
			rp = &update.ResumePoint{ID: id, Offset: updateResumeOffset}
		} else if updateResumeOffset != 0 {
			return errors.New("--resume-offset needs --id")
		}

		return withClient(func(ctx context.Context, c *client) error {
			sp, err := c.target(ctx, args[0])
			if err != nil {
				return err
			}
			u, err := update.NewUpdater(update.Config{
				Manager:       c.mgr,
				ChunkSize:     cfg.Update.ChunkSize,
				Metrics:       metrics,
				LoggerFactory: loggerFactory,
			})
			if err != nil {
				return err
			}

			var s *update.Session
			if rp != nil {
				s, err = u.Resume(ctx, sp.ID(), img, *rp)
			} else {
				s, err = u.Start(ctx, sp.ID(), img, update.Options{ChunkSize: updateChunkSize})
			}
			if err != nil {
				return err
			}

			err = waitWithProgress(s, cmd.ErrOrStderr())
			fmt.Fprint(cmd.OutOrStdout(), formatter.Format(updateRowOf(s.Status())))

			var aborted *update.AbortedError
			if errors.As(err, &aborted) {
				next := s.ResumePoint()
				return fmt.Errorf("%w (resume with --id %s --resume-offset %d)", err, next.ID, next.Offset)
			}
			return err
		})
	},
}

// waitWithProgress prints the transfer offset once a second until the
// session ends.
func waitWithProgress(s *update.Session, w io.Writer) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.Done():
			return s.Wait(context.Background())
		case <-ticker.C:
			st := s.Status()
			pct := 100.0
			if st.Total > 0 {
				pct = float64(st.Offset) * 100 / float64(st.Total)
			}
			fmt.Fprintf(w, "%s: %s %d/%d bytes (%.0f%%)\n", st.Target, st.State, st.Offset, st.Total, pct)
		}
	}
}

func init() {
	updateCmd.Flags().StringVar(&updateComponent, "component", "sp", "component to update")
	updateCmd.Flags().Uint16Var(&updateSlot, "slot", 0, "firmware slot")
	updateCmd.Flags().Uint32Var(&updateResumeOffset, "resume-offset", 0, "resume an aborted session from this offset")
	updateCmd.Flags().StringVar(&updateID, "id", "", "session id to resume")
	updateCmd.Flags().Uint32Var(&updateChunkSize, "chunk-size", 0, "proposed chunk size (default from config)")
	rootCmd.AddCommand(updateCmd)
}
