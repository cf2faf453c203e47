package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerline/internal/harness"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/store"
)

// Fixture is a batch of ledger state to load into the archive.
//
// Posts land as transactions, Pending entries go to the outbox only,
// Statuses update transactions already archived, and Balances default to
// the configured viewer.
type Fixture struct {
	Channel  string                 `yaml:"channel"`
	Balances []harness.Balance      `yaml:"balances,omitempty"`
	Posts    []harness.Post         `yaml:"posts,omitempty"`
	Pending  []harness.Post         `yaml:"pending,omitempty"`
	Statuses []harness.StatusChange `yaml:"statuses,omitempty"`
}

// IngestResult summarizes what an ingest wrote.
type IngestResult struct {
	Channel      string `json:"channel"`
	Transactions int    `json:"transactions"`
	Pending      int    `json:"pending"`
	Statuses     int    `json:"statuses"`
	Balances     int    `json:"balances"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <fixture.yaml>",
		Short: "Load a fixture into the local archive",
		Long: `Load posts, pending entries, status changes and balances from a YAML
fixture into the local archive.

Posts are appended after the newest transaction in the channel. A post's
land list keeps only the listed fragments, which leaves the message
incomplete until the rest arrive.

Example:
  ledgerline ingest ./fixtures/general.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args[0], cmd)
		},
	}
}

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f Fixture
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Channel == "" {
		return nil, fmt.Errorf("fixture %s: channel is required", path)
	}
	for _, p := range slices.Concat(f.Posts, f.Pending) {
		if p.ID == "" || p.Sender == "" {
			return nil, fmt.Errorf("fixture %s: post needs id and sender", path)
		}
	}
	return &f, nil
}

func runIngest(opts *RootOptions, path string, cmd *cobra.Command) error {
	fixture, err := LoadFixture(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load fixture", err)
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
	result, err := ingestFixture(ctx, opts, st, fixture)
	if err != nil {
		return WrapExitError(ExitFailure, "ingest failed", err)
	}
	opts.Logger.Info("fixture ingested",
		"channel", result.Channel,
		"transactions", result.Transactions,
		"pending", result.Pending)

	return opts.formatter(cmd).Render(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "#%s: %d transactions, %d pending, %d status changes, %d balances\n",
			result.Channel, result.Transactions, result.Pending, result.Statuses, result.Balances)
		return err
	})
}

func ingestFixture(ctx context.Context, opts *RootOptions, st *store.Store, f *Fixture) (IngestResult, error) {
	result := IngestResult{Channel: f.Channel}
	now := opts.Now().UTC()

	for _, b := range f.Balances {
		account := b.Account
		if account == "" {
			account = opts.Config.Viewer
		}
		if account == "" {
			return result, fmt.Errorf("balance for %s has no account and no viewer is configured", b.Asset)
		}
		if err := st.SetBalance(ctx, account, b.Asset, b.Amount); err != nil {
			return result, err
		}
		result.Balances++
	}

	slot, err := nextSlot(ctx, st, f.Channel)
	if err != nil {
		return result, err
	}
	for _, p := range f.Posts {
		out, err := outgoingFromPost(f.Channel, p)
		if err != nil {
			return result, err
		}
		txs, err := out.transactions(opts.Config.Program, slot, now)
		if err != nil {
			return result, err
		}
		slot += uint64(len(txs))
		if len(p.Land) > 0 {
			kept := txs[:0]
			for i, tx := range txs {
				if slices.Contains(p.Land, i) {
					kept = append(kept, tx)
				}
			}
			txs = kept
		}
		if err := st.PutTransactions(ctx, f.Channel, txs...); err != nil {
			return result, err
		}
		result.Transactions += len(txs)
	}

	for _, p := range f.Pending {
		out, err := outgoingFromPost(f.Channel, p)
		if err != nil {
			return result, err
		}
		txs, err := out.transactions(opts.Config.Program, 0, now)
		if err != nil {
			return result, err
		}
		entry, err := out.pending(txs, now)
		if err != nil {
			return result, err
		}
		if err := st.AddPending(ctx, entry); err != nil {
			return result, err
		}
		result.Pending++
	}

	for _, s := range f.Statuses {
		status, err := ledger.ParseStatus(s.Status)
		if err != nil {
			return result, err
		}
		found, err := st.SetStatus(ctx, s.Signature, status)
		if err != nil {
			return result, err
		}
		if !found {
			return result, fmt.Errorf("unknown signature %q", s.Signature)
		}
		result.Statuses++
	}
	return result, nil
}
