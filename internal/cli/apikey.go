package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// NewAPIKeyCommand groups API key management.
func NewAPIKeyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage read API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCommand(opts))
	cmd.AddCommand(newAPIKeyRevokeCommand(opts))
	return cmd
}

func newAPIKeyCreateCommand(opts *RootOptions) *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key; the plaintext is shown once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				issued, err := b.CreateAPIKey(ctx, name, ttl)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).emit(issued, func(w io.Writer) error {
					fmt.Fprintf(w, "id:      %s\n", issued.Key.ID)
					fmt.Fprintf(w, "name:    %s\n", issued.Key.Name)
					if issued.Key.ExpiresAt != nil {
						fmt.Fprintf(w, "expires: %s\n", issued.Key.ExpiresAt.UTC().Format(timeLayout))
					}
					fmt.Fprintf(w, "key:     %s\n", issued.Plaintext)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable key name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime (0 never expires)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAPIKeyRevokeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				if err := b.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}
}
