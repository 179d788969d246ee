package cli

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicolasdb/time-tracker-webapp/internal/config"
	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/reconstruct"
)

// BlockOutput is one reconstructed block in command output.
type BlockOutput struct {
	TagID           string    `json:"tag_id"`
	DeviceID        string    `json:"device_id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes float64   `json:"duration_minutes"`
	ActivityDate    string    `json:"activity_date"`
	Category        *string   `json:"category"`
	Name            *string   `json:"name"`
}

// ReconstructOutput summarises one tag.
type ReconstructOutput struct {
	TagID   string        `json:"tag_id"`
	Blocks  []BlockOutput `json:"blocks"`
	Orphans int           `json:"orphans"`
	Dropped int           `json:"dropped"`
	Skipped int           `json:"skipped"`
}

// NewReconstructCommand creates the reconstruct command.
func NewReconstructCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		tagID string
		days  int
	)
	cmd := &cobra.Command{
		Use:   "reconstruct --tag <tag-id>",
		Short: "Rebuild the time blocks of a tag from its events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tagID == "" {
				return NewExitError(ExitCommandError, "--tag is required")
			}
			if days < 0 {
				return NewExitError(ExitCommandError, "--days must not be negative")
			}
			policy, err := config.LoadPolicy(rootOpts.PolicyFile, rootOpts.MinDuration)
			if err != nil {
				return WrapExitError(ExitCommandError, "load policy", err)
			}

			return withStore(cmd.Context(), rootOpts, func(store Store) error {
				logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
				rec := reconstruct.New(store, store, policy, reconstruct.WithLogger(logger))
				res, err := rec.ForTag(cmd.Context(), tagID)
				if err != nil {
					return WrapExitError(ExitFailure, "reconstruct", err)
				}

				blocks := res.Blocks
				if days > 0 {
					blocks = reconstruct.Since(blocks, rootOpts.Now().Add(-time.Duration(days)*24*time.Hour))
				}
				out := ReconstructOutput{
					TagID:   tagID,
					Blocks:  make([]BlockOutput, 0, len(blocks)),
					Orphans: len(res.Orphans),
					Dropped: len(res.Dropped),
					Skipped: res.Skipped,
				}
				for _, b := range blocks {
					out.Blocks = append(out.Blocks, blockOutput(b))
				}

				f := formatter{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return f.emit(out, func(w io.Writer) { writeBlocksText(w, out) })
			})
		},
	}
	cmd.Flags().StringVar(&tagID, "tag", "", "tag id to reconstruct")
	cmd.Flags().IntVar(&days, "days", 0, "only show blocks that started in the last N days (0 = all)")
	return cmd
}

func blockOutput(b domain.TimeBlock) BlockOutput {
	return BlockOutput{
		TagID:           b.TagID,
		DeviceID:        b.DeviceID,
		Start:           b.StartAt,
		End:             b.EndAt,
		DurationMinutes: b.DurationMinutes(),
		ActivityDate:    b.ActivityDate,
		Category:        b.Category,
		Name:            b.Name,
	}
}

func writeBlocksText(w io.Writer, out ReconstructOutput) {
	fmt.Fprintf(w, "tag %s: %d block(s), %d unpaired, %d dropped as noise\n", out.TagID, len(out.Blocks), out.Orphans, out.Dropped)
	for _, b := range out.Blocks {
		label := ""
		if b.Name != nil {
			label = "  " + *b.Name
		}
		fmt.Fprintf(w, "%s  %s - %s  %7.2f min  %s%s\n",
			b.ActivityDate,
			b.Start.Format(time.RFC3339),
			b.End.Format(time.RFC3339),
			b.DurationMinutes,
			b.DeviceID,
			label,
		)
	}
}
