package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/schema"
	"github.com/roach88/ledgerline/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Channel string
}

// VerifyResult compares fingerprints of independently built timelines.
type VerifyResult struct {
	Channel    string `json:"channel"`
	Version    int64  `json:"version"`
	Messages   int    `json:"messages"`
	Load       string `json:"load"`
	Reload     string `json:"reload"`
	Fresh      string `json:"fresh"`
	Idempotent bool   `json:"idempotent"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that rebuilding a timeline is deterministic",
		Long: `Build a channel's timeline three ways and compare fingerprints:
a first load, a reload of the same window by the same engine, and a load
by a second engine that starts from scratch.

Exit codes:
  0 - All fingerprints match
  1 - Fingerprints differ
  2 - Command error

Example:
  ledgerline verify --channel general`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "", "channel to verify (required)")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
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

	result, err := verifyChannel(ctx, opts.RootOptions, st, opts.Channel)
	if err != nil {
		return WrapExitError(ExitFailure, "verify failed", err)
	}

	out := opts.formatter(cmd)
	if !result.Idempotent {
		if err := out.Error(CodeNotIdempotent, fmt.Sprintf("timeline of #%s is not reproducible", opts.Channel), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "fingerprints differ")
	}

	return out.Render(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "#%s: %d messages, fingerprint %s (reproducible)\n",
			result.Channel, result.Messages, short(result.Load))
		return err
	})
}

func verifyChannel(ctx context.Context, opts *RootOptions, st *store.Store, channel string) (VerifyResult, error) {
	result := VerifyResult{Channel: channel}

	v, err := schema.New()
	if err != nil {
		return result, err
	}
	first, err := opts.newEngine(channel, st, nil, engine.WithValidator(v))
	if err != nil {
		return result, err
	}
	defer first.Close()

	snap, err := first.Load(ctx)
	if err != nil {
		return result, err
	}
	if result.Load, err = snap.Fingerprint(); err != nil {
		return result, err
	}
	result.Messages = len(snap.Timeline)

	if snap, err = first.Load(ctx); err != nil {
		return result, err
	}
	if result.Reload, err = snap.Fingerprint(); err != nil {
		return result, err
	}
	result.Version = snap.Version

	if result.Fresh, err = freshFingerprint(ctx, opts, st, channel, v); err != nil {
		return result, err
	}

	result.Idempotent = result.Load == result.Reload && result.Load == result.Fresh
	opts.Logger.Debug("channel verified",
		"channel", channel,
		"fingerprint", result.Load,
		"idempotent", result.Idempotent)
	return result, nil
}

// freshFingerprint loads channel with a second engine that shares nothing
// with the first but the compiled schema.
func freshFingerprint(ctx context.Context, opts *RootOptions, st *store.Store, channel string, v *schema.Validator) (string, error) {
	eng, err := opts.newEngine(channel, st, nil, engine.WithValidator(v))
	if err != nil {
		return "", err
	}
	defer eng.Close()

	snap, err := eng.Load(ctx)
	if err != nil {
		return "", err
	}
	return snap.Fingerprint()
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
