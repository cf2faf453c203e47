package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/ledgerline/internal/config"
	"github.com/roach88/ledgerline/internal/store"
)

// skipConfig marks commands that run before a config file exists.
const skipConfig = "ledgerline/skip-config"

// RootOptions holds global flags and the state resolved from them.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config and Logger are resolved before any subcommand runs.
	Config config.Config
	Logger *slog.Logger

	// Now is the reference time for relative timestamps in text output.
	Now func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ledgerline CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Now: time.Now})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledgerline",
		Short: "ledgerline - chat timelines from ledger transactions",
		Long: `ledgerline reconstructs channel timelines from ledger transactions,
merges them with locally pending messages and gates content on the
viewer's balances.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to ledgerline.toml")

	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewPostCommand(opts))
	cmd.AddCommand(NewConfirmCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))
	cmd.AddCommand(NewReactionsCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// resolve validates global flags, loads configuration and installs the
// default logger.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if _, ok := cmd.Annotations[skipConfig]; ok {
		o.Logger = newLogger(cmd.ErrOrStderr(), config.Default(), o.Verbose)
		return nil
	}

	cfg, err := config.Load(viper.New(), o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.Config = cfg
	o.Logger = newLogger(cmd.ErrOrStderr(), cfg, o.Verbose)
	slog.SetDefault(o.Logger)
	return nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(w io.Writer, cfg config.Config, verbose bool) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) openStore() (*store.Store, error) {
	st, err := store.Open(o.Config.StorePath,
		store.WithPollInterval(o.Config.PollInterval),
		store.WithLogger(o.Logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, nil
}
