// Package cli implements eventpulsectl, the operator command line for
// schema migration, job inspection, on-demand maintenance and API keys.
package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"eventpulse/internal/auth"
	"eventpulse/internal/scheduler"
	"eventpulse/internal/types"
)

// Backend is what the commands operate on. The production backend wraps an
// assembled app.App; tests substitute a fake.
type Backend interface {
	Migrate(ctx context.Context) error
	JobTypes() []string
	Watermarks(ctx context.Context) ([]types.JobWatermark, error)
	Locks(ctx context.Context) ([]types.RunLock, error)
	ReapLocks(ctx context.Context) ([]string, error)
	Sweep(ctx context.Context) (scheduler.SweepReport, error)
	CatchUp(ctx context.Context, jobType string) (scheduler.CatchUpReport, error)
	CreateAPIKey(ctx context.Context, name string, ttl time.Duration) (*auth.IssuedKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
	Close()
}

// BackendOpener builds a Backend on first use, so --help and flag errors
// never touch the database.
type BackendOpener func(ctx context.Context) (Backend, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format  string // "json" | "text"
	Timeout time.Duration

	open BackendOpener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the eventpulsectl root command.
func NewRootCommand(open BackendOpener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "eventpulsectl",
		Short: "Operate an EventPulse deployment",
		Long: `eventpulsectl talks directly to the EventPulse database with the same
configuration as the server (environment, .env file, SSM parameters).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "overall deadline for the command")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewLocksCommand(opts))
	cmd.AddCommand(NewReapLocksCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewCatchUpCommand(opts))
	cmd.AddCommand(NewAPIKeyCommand(opts))

	return cmd
}

// withBackend opens the backend under the --timeout deadline, runs fn and
// closes the backend.
func (o *RootOptions) withBackend(cmd *cobra.Command, fn func(ctx context.Context, b Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	b, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}
