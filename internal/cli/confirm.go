package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/store"
)

// ConfirmOptions holds flags for the confirm command.
type ConfirmOptions struct {
	*RootOptions
	Failed  bool
	Channel string
}

// ConfirmResult lists the signatures a confirm run updated.
type ConfirmResult struct {
	Status  string   `json:"status"`
	Updated []string `json:"updated"`
	Missing []string `json:"missing,omitempty"`
}

// NewConfirmCommand creates the confirm command.
func NewConfirmCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfirmOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "confirm <signature>...",
		Short: "Settle archived transactions",
		Long: `Mark archived transactions as confirmed, or as failed with --failed.

With --channel and a configured NATS server, the updated transactions are
republished so live watchers pick up the new status.

Exit codes:
  0 - All signatures updated
  1 - One or more signatures not found

Examples:
  ledgerline confirm 0192...-0 0192...-1
  ledgerline confirm --failed 0192...-0`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfirm(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "mark the transactions failed")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "channel to republish updates to")

	return cmd
}

func runConfirm(opts *ConfirmOptions, signatures []string, cmd *cobra.Command) error {
	status := ledger.StatusConfirmed
	if opts.Failed {
		status = ledger.StatusFailed
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			opts.Logger.Error("error closing store", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := ConfirmResult{Status: string(status), Updated: []string{}}
	for _, sig := range signatures {
		found, err := st.SetStatus(ctx, sig, status)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to update status", err)
		}
		if !found {
			result.Missing = append(result.Missing, sig)
			continue
		}
		result.Updated = append(result.Updated, sig)
	}

	if opts.Channel != "" && len(result.Updated) > 0 {
		if err := republish(ctx, opts, st, result.Updated); err != nil {
			return err
		}
	}

	out := opts.formatter(cmd)
	if len(result.Missing) > 0 {
		if err := out.Error(CodeNotFound, "unknown signatures: "+strings.Join(result.Missing, ", "), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d signatures not found", len(result.Missing), len(signatures)))
	}

	opts.Logger.Info("status updated", "status", status, "count", len(result.Updated))
	return out.Render(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Marked %d transaction(s) %s\n", len(result.Updated), status)
		return err
	})
}

func republish(ctx context.Context, opts *ConfirmOptions, st *store.Store, signatures []string) error {
	feed, err := opts.connectFeed(ctx)
	if err != nil || feed == nil {
		return err
	}
	defer func() { _ = feed.Close() }()

	for _, sig := range signatures {
		tx, err := st.Transaction(ctx, sig)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read transaction", err)
		}
		if err := feed.Publish(ctx, opts.Channel, tx); err != nil {
			return WrapExitError(ExitFailure, "failed to publish status", err)
		}
	}
	return nil
}
