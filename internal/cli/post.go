package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/ledgerline/internal/harness"
	"github.com/roach88/ledgerline/internal/ledger"
)

// PostOptions holds flags for the post command.
type PostOptions struct {
	*RootOptions
	Channel string
	Post    harness.Post

	GateAsset string
	GateMin   uint64
}

// PostResult describes a sent message.
type PostResult struct {
	ID         string   `json:"id"`
	Channel    string   `json:"channel"`
	Signatures []string `json:"signatures"`
	Published  bool     `json:"published"`
}

// NewPostCommand creates the post command.
func NewPostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "post",
		Short: "Send a message",
		Long: `Send a message to a channel.

The message is recorded in the outbox and its transactions are archived
with pending status. When a NATS server is configured the transactions are
also published to the channel's subject. Use "ledgerline confirm" to
settle them.

Examples:
  ledgerline post --channel general --text "gm"
  ledgerline post --channel general --type reaction --symbol +1 --reply 0192...
  ledgerline post --channel vip --text "alpha" --gate-asset GOLD --gate-min 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPost(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Channel, "channel", "", "channel to post to (required)")
	f.StringVar(&opts.Post.ID, "id", "", "message id (default: a new UUIDv7)")
	f.StringVar(&opts.Post.Sender, "sender", "", "sending account (default: the configured viewer)")
	f.StringVar(&opts.Post.Type, "type", "text", "content type (text|image|gif|html|reaction)")
	f.StringVar(&opts.Post.Text, "text", "", "text body")
	f.StringVar(&opts.Post.URL, "url", "", "image or gif URL")
	f.StringVar(&opts.Post.Alt, "alt", "", "image alt text")
	f.StringVar(&opts.Post.HTML, "html", "", "html body")
	f.StringVar(&opts.Post.Symbol, "symbol", "", "reaction symbol")
	f.StringVar(&opts.Post.ReplyTo, "reply", "", "id of the message replied or reacted to")
	f.IntVar(&opts.Post.Parts, "parts", 1, "number of transactions to split the message into")
	f.BoolVar(&opts.Post.Sealed, "sealed", false, "send the body sealed")
	f.StringVar(&opts.GateAsset, "gate-asset", "", "asset a viewer must hold to see the message")
	f.Uint64Var(&opts.GateMin, "gate-min", 0, "minimum balance of --gate-asset")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runPost(opts *PostOptions, cmd *cobra.Command) error {
	p := opts.Post
	if p.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to generate message id", err)
		}
		p.ID = id.String()
	}
	if p.Sender == "" {
		p.Sender = opts.Config.Viewer
	}
	if p.Sender == "" {
		return NewExitError(ExitCommandError, "no sender: pass --sender or set viewer.account")
	}
	if p.Type == "reaction" && (p.Symbol == "" || p.ReplyTo == "") {
		return NewExitError(ExitCommandError, "a reaction needs --symbol and --reply")
	}
	if opts.GateAsset != "" {
		p.Gate = &harness.Gate{Asset: opts.GateAsset, Min: opts.GateMin}
	}
	p.Status = string(ledger.StatusPending)

	out, err := outgoingFromPost(opts.Channel, p)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid message", err)
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

	slot, err := nextSlot(ctx, st, opts.Channel)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read archive", err)
	}
	now := opts.Now().UTC()
	txs, err := out.transactions(opts.Config.Program, slot, now)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode message", err)
	}
	entry, err := out.pending(txs, now)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode message", err)
	}
	entry.ProvisionalTime = now

	if err := st.AddPending(ctx, entry); err != nil {
		return WrapExitError(ExitFailure, "failed to record pending message", err)
	}
	if err := st.PutTransactions(ctx, opts.Channel, txs...); err != nil {
		return WrapExitError(ExitFailure, "failed to archive transactions", err)
	}

	result := PostResult{ID: p.ID, Channel: opts.Channel, Signatures: entry.Signatures}

	feed, err := opts.connectFeed(ctx)
	if err != nil {
		return err
	}
	if feed != nil {
		defer func() { _ = feed.Close() }()
		for _, tx := range txs {
			if err := feed.Publish(ctx, opts.Channel, tx); err != nil {
				return WrapExitError(ExitFailure, "failed to publish transaction", err)
			}
		}
		result.Published = true
	}

	opts.Logger.Info("message sent",
		"id", result.ID,
		"channel", result.Channel,
		"transactions", len(txs),
		"published", result.Published)

	return opts.formatter(cmd).Render(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Sent %s to #%s (%d transactions, pending)\n", result.ID, result.Channel, len(txs))
		return err
	})
}
