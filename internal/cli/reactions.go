package cli

import (
	"context"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerline/internal/message"
)

// ReactionsOptions holds flags for the reactions command.
type ReactionsOptions struct {
	*RootOptions
	Channel string
	Pages   int
}

// ReactionsResult lists the reaction groups on one message.
type ReactionsResult struct {
	Channel string         `json:"channel"`
	Target  string         `json:"target"`
	Groups  []ReactionView `json:"groups"`
}

// NewReactionsCommand creates the reactions command.
func NewReactionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReactionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reactions <message-id>",
		Short: "List who reacted to a message",
		Long: `List the reaction groups on a message, one line per symbol with every
reactor. Older pages are loaded until the message is found or --pages
pages were read.

Example:
  ledgerline reactions --channel general 0192...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReactions(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "", "channel of the message (required)")
	cmd.Flags().IntVar(&opts.Pages, "pages", 10, "most pages to load while looking for the message")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runReactions(opts *ReactionsOptions, id string, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			opts.Logger.Error("error closing store", "error", closeErr)
		}
	}()

	eng, err := opts.newEngine(opts.Channel, st, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	snap, err := eng.Load(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load timeline", err)
	}
	for page := 1; page < opts.Pages && snap.More && !contains(snap.Timeline, id); page++ {
		if snap, err = eng.LoadMore(ctx, 0); err != nil {
			return WrapExitError(ExitFailure, "failed to load timeline", err)
		}
	}

	groups := snap.ReactionsFor(id)
	result := ReactionsResult{Channel: opts.Channel, Target: id, Groups: reactionViews(groups)}
	if result.Groups == nil {
		result.Groups = []ReactionView{}
	}
	return opts.formatter(cmd).Render(result, func(w io.Writer) error {
		return renderReactions(w, id, groups)
	})
}

func contains(timeline []message.Message, id string) bool {
	return slices.ContainsFunc(timeline, func(m message.Message) bool { return m.ID == id })
}
