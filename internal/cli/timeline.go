package cli

import (
	"context"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/store"
)

// TimelineOptions holds flags for the timeline command.
type TimelineOptions struct {
	*RootOptions
	Channel string
	Limit   int
	More    int
	Prune   bool
}

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TimelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show a channel's timeline",
		Long: `Reconstruct and print a channel's timeline from the local archive,
merged with pending messages from the outbox.

Messages are listed newest first. Gated messages the viewer cannot see are
shown as locked. --more loads that many additional older pages.
--prune removes outbox entries that were superseded by a confirmed
message or rejected by the ledger.

Examples:
  ledgerline timeline --channel general
  ledgerline timeline --channel general --limit 20 --more 2
  ledgerline timeline --channel general --prune --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeline(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "", "channel to show (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "transactions per page (default: page_size from config)")
	cmd.Flags().IntVar(&opts.More, "more", 0, "older pages to load after the newest one")
	cmd.Flags().BoolVar(&opts.Prune, "prune", false, "remove superseded and rejected outbox entries")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runTimeline(opts *TimelineOptions, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			opts.Logger.Error("error closing store", "error", closeErr)
		}
	}()

	var extra []engine.EngineOption
	if opts.Limit > 0 {
		extra = append(extra, engine.WithPageSize(opts.Limit))
	}
	eng, err := opts.newEngine(opts.Channel, st, nil, extra...)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	snap, err := loadPages(ctx, eng, opts.More)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load timeline", err)
	}

	var pruned int64
	if opts.Prune {
		snap, pruned, err = prune(ctx, eng, st, snap)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to prune outbox", err)
		}
	}

	view := newTimelineView(snap)
	view.Pruned = pruned
	return opts.formatter(cmd).Render(view, func(w io.Writer) error {
		return renderTimeline(w, snap, opts.Now())
	})
}

// loadPages loads the newest page and then up to more older pages.
func loadPages(ctx context.Context, eng *engine.Engine, more int) (*engine.Snapshot, error) {
	snap, err := eng.Load(ctx)
	if err != nil {
		return nil, err
	}
	for i := 0; i < more && snap.More; i++ {
		if snap, err = eng.LoadMore(ctx, 0); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// prune deletes the outbox entries snap reports as superseded or rejected
// and republishes the timeline without them.
func prune(ctx context.Context, eng *engine.Engine, st *store.Store, snap *engine.Snapshot) (*engine.Snapshot, int64, error) {
	ids := slices.Concat(snap.Superseded, snap.Rejected)
	if len(ids) == 0 {
		return snap, 0, nil
	}
	n, err := st.RemovePending(ctx, ids...)
	if err != nil {
		return nil, 0, err
	}
	snap, err = eng.PendingChanged(ctx)
	if err != nil {
		return nil, 0, err
	}
	return snap, n, nil
}
