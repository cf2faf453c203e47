package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerline/internal/config"
)

// ConfigInitOptions holds flags for the config init command.
type ConfigInitOptions struct {
	*RootOptions
	Path  string
	Force bool
}

// ConfigView is the resolved configuration as shown by config show.
type ConfigView struct {
	Program       string `json:"program"`
	PageSize      int    `json:"page_size"`
	StorePath     string `json:"store_path"`
	NATSURL       string `json:"nats_url,omitempty"`
	Stream        string `json:"stream"`
	SubjectPrefix string `json:"subject_prefix"`
	PollInterval  string `json:"poll_interval"`
	Viewer        string `json:"viewer,omitempty"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	MetricsAddr   string `json:"metrics_addr,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ledgerline.toml",
	}
	cmd.AddCommand(newConfigInitCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfigInitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write the built-in configuration to a TOML file.

An existing file is left alone unless --force is given.

Examples:
  ledgerline config init
  ledgerline config init --path ~/.config/ledgerline/ledgerline.toml --force`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Path, "path", "ledgerline.toml", "where to write the file")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing file")

	return cmd
}

func runConfigInit(opts *ConfigInitOptions, cmd *cobra.Command) error {
	if _, err := os.Stat(opts.Path); err == nil && !opts.Force {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s already exists (use --force to overwrite)", opts.Path))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return WrapExitError(ExitCommandError, "failed to check config file", err)
	}

	if err := config.WriteDefault(opts.Path); err != nil {
		return WrapExitError(ExitCommandError, "failed to write config", err)
	}
	opts.Logger.Debug("config written", "path", opts.Path)

	out := opts.formatter(cmd)
	return out.Render(map[string]string{"path": opts.Path}, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Wrote %s\n", opts.Path)
		return err
	})
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Long: `Print the configuration after applying the config file, .env and
LEDGERLINE_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			view := newConfigView(opts.Config)
			return opts.formatter(cmd).Render(view, func(w io.Writer) error {
				return renderConfig(w, view)
			})
		},
	}
}

func newConfigView(c config.Config) ConfigView {
	return ConfigView{
		Program:       c.Program,
		PageSize:      c.PageSize,
		StorePath:     c.StorePath,
		NATSURL:       c.NATSURL,
		Stream:        c.Stream,
		SubjectPrefix: c.SubjectPrefix,
		PollInterval:  c.PollInterval.String(),
		Viewer:        c.Viewer,
		LogLevel:      c.LogLevel,
		LogFormat:     c.LogFormat,
		MetricsAddr:   c.MetricsAddr,
	}
}

func renderConfig(w io.Writer, v ConfigView) error {
	rows := [][2]string{
		{"program", v.Program},
		{"page_size", fmt.Sprint(v.PageSize)},
		{"store_path", v.StorePath},
		{"nats_url", v.NATSURL},
		{"stream", v.Stream},
		{"subject_prefix", v.SubjectPrefix},
		{"poll_interval", v.PollInterval},
		{"viewer", v.Viewer},
		{"log_level", v.LogLevel},
		{"log_format", v.LogFormat},
		{"metrics_addr", v.MetricsAddr},
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-15s %s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	return nil
}
