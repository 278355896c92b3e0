package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"eventpulse/internal/scheduler"
	"eventpulse/internal/types"
)

const timeLayout = time.RFC3339

// NewMigrateCommand applies the embedded schema.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema (idempotent)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				if err := b.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

// jobRow is one line of `eventpulsectl jobs`.
type jobRow struct {
	JobType   string     `json:"job_type"`
	Watermark *time.Time `json:"watermark,omitempty"`
}

// NewJobsCommand lists catalog jobs with their watermarks.
func NewJobsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List job types and their watermarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				marks, err := b.Watermarks(ctx)
				if err != nil {
					return err
				}
				byType := make(map[string]time.Time, len(marks))
				for _, m := range marks {
					byType[m.JobType] = m.LastProcessedDate
				}

				rows := make([]jobRow, 0, len(b.JobTypes()))
				for _, jt := range b.JobTypes() {
					row := jobRow{JobType: jt}
					if wm, ok := byType[jt]; ok {
						row.Watermark = &wm
					}
					rows = append(rows, row)
				}

				return opts.printer(cmd.OutOrStdout()).emit(rows, func(w io.Writer) error {
					cells := make([][]any, 0, len(rows))
					for _, r := range rows {
						wm := "-"
						if r.Watermark != nil {
							wm = r.Watermark.UTC().Format(time.DateOnly)
						}
						cells = append(cells, []any{r.JobType, wm})
					}
					return table(w, "JOB TYPE\tWATERMARK", cells)
				})
			})
		},
	}
}

// NewLocksCommand lists run locks.
func NewLocksCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List held run locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				locks, err := b.Locks(ctx)
				if err != nil {
					return err
				}
				if locks == nil {
					locks = []types.RunLock{}
				}
				now := time.Now()
				return opts.printer(cmd.OutOrStdout()).emit(locks, func(w io.Writer) error {
					cells := make([][]any, 0, len(locks))
					for _, l := range locks {
						state := "live"
						if l.Expired(now) {
							state = "expired"
						}
						cells = append(cells, []any{l.Key, l.Holder, l.LockedUntil.UTC().Format(timeLayout), state})
					}
					return table(w, "KEY\tHOLDER\tLOCKED UNTIL\tSTATE", cells)
				})
			})
		},
	}
}

// NewReapLocksCommand deletes expired run locks.
func NewReapLocksCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap-locks",
		Short: "Delete run locks whose TTL has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				reaped, err := b.ReapLocks(ctx)
				if err != nil {
					return err
				}
				if reaped == nil {
					reaped = []string{}
				}
				return opts.printer(cmd.OutOrStdout()).emit(map[string]any{"reaped": reaped}, func(w io.Writer) error {
					fmt.Fprintf(w, "reaped %d expired locks\n", len(reaped))
					for _, k := range reaped {
						fmt.Fprintln(w, "  "+k)
					}
					return nil
				})
			})
		},
	}
}

// NewSweepCommand runs the retention sweep once.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Archive and delete raw events older than the retention horizon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				report, err := b.Sweep(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).emit(report, func(w io.Writer) error {
					if report.Skipped {
						fmt.Fprintf(w, "skipped: %s is held by another instance\n", scheduler.RetentionLockKey)
						return nil
					}
					fmt.Fprintf(w, "cutoff %s: deleted %d, archived %d in %d objects\n",
						report.Cutoff.UTC().Format(timeLayout), report.Deleted, report.Archived, len(report.Objects))
					return nil
				})
			})
		},
	}
}

// NewCatchUpCommand replays missed days for one job or all of them.
func NewCatchUpCommand(opts *RootOptions) *cobra.Command {
	var jobType string

	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Replay every missed day up to yesterday",
		Long: `catchup processes each day from a job's watermark up to today (exclusive),
each under its own CATCHUP lock. Without --job every catalog job is replayed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				targets := b.JobTypes()
				if jobType != "" {
					if !slices.Contains(targets, jobType) {
						return types.NewAppError(types.ErrCodeValidationUnknownJobType,
							fmt.Sprintf("unknown job type %q", jobType), nil)
					}
					targets = []string{jobType}
				}

				reports := make([]scheduler.CatchUpReport, 0, len(targets))
				var errs []error
				for _, jt := range targets {
					report, err := b.CatchUp(ctx, jt)
					reports = append(reports, report)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", jt, err))
					}
				}

				printErr := opts.printer(cmd.OutOrStdout()).emit(reports, func(w io.Writer) error {
					cells := make([][]any, 0, len(reports))
					for _, r := range reports {
						cells = append(cells, []any{r.JobType, r.Days(), r.Committed, r.Skipped, r.AlreadyCovered, r.Deferred, r.Failed})
					}
					return table(w, "JOB TYPE\tDAYS\tCOMMITTED\tSKIPPED\tCOVERED\tDEFERRED\tFAILED", cells)
				})
				return errors.Join(append(errs, printErr)...)
			})
		},
	}

	cmd.Flags().StringVar(&jobType, "job", "", "job type to replay (default: all)")
	return cmd
}
