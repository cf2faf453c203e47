// Package config loads ledgerline settings from a TOML file, a .env file and
// LEDGERLINE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/roach88/ledgerline/internal/decode"
)

const (
	configName  = "ledgerline"
	configType  = "toml"
	envPrefix   = "LEDGERLINE"
	envFile     = ".env"
	fileMode    = 0o600
	dirMode     = 0o700
	tempPattern = ".ledgerline-*.toml.tmp"
)

// Keys.
const (
	KeyProgram       = "ledger.program"
	KeyPageSize      = "ledger.page_size"
	KeyStorePath     = "store.path"
	KeyNATSURL       = "feed.nats_url"
	KeyStream        = "feed.stream"
	KeySubjectPrefix = "feed.subject_prefix"
	KeyPollInterval  = "feed.poll_interval"
	KeyViewer        = "viewer.account"
	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
	KeyMetricsAddr   = "metrics.addr"
)

// Config is the resolved configuration.
type Config struct {
	Program  string
	PageSize int

	StorePath string

	NATSURL       string
	Stream        string
	SubjectPrefix string
	PollInterval  time.Duration

	Viewer string

	LogLevel  string
	LogFormat string

	MetricsAddr string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Program:       decode.DefaultProgram,
		PageSize:      50,
		StorePath:     "ledgerline.db",
		Stream:        "LEDGERLINE",
		SubjectPrefix: "ledgerline.tx",
		PollInterval:  2 * time.Second,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load resolves configuration into v. An explicit path must exist; without
// one, ledgerline.toml is looked up in the working directory and in
// $HOME/.config/ledgerline, and a missing file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	def := Default()
	v.SetDefault(KeyProgram, def.Program)
	v.SetDefault(KeyPageSize, def.PageSize)
	v.SetDefault(KeyStorePath, def.StorePath)
	v.SetDefault(KeyNATSURL, def.NATSURL)
	v.SetDefault(KeyStream, def.Stream)
	v.SetDefault(KeySubjectPrefix, def.SubjectPrefix)
	v.SetDefault(KeyPollInterval, def.PollInterval.String())
	v.SetDefault(KeyViewer, def.Viewer)
	v.SetDefault(KeyLogLevel, def.LogLevel)
	v.SetDefault(KeyLogFormat, def.LogFormat)
	v.SetDefault(KeyMetricsAddr, def.MetricsAddr)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType(configType)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		Program:       v.GetString(KeyProgram),
		PageSize:      v.GetInt(KeyPageSize),
		StorePath:     v.GetString(KeyStorePath),
		NATSURL:       v.GetString(KeyNATSURL),
		Stream:        v.GetString(KeyStream),
		SubjectPrefix: v.GetString(KeySubjectPrefix),
		PollInterval:  v.GetDuration(KeyPollInterval),
		Viewer:        v.GetString(KeyViewer),
		LogLevel:      v.GetString(KeyLogLevel),
		LogFormat:     v.GetString(KeyLogFormat),
		MetricsAddr:   v.GetString(KeyMetricsAddr),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.Program == "":
		return fmt.Errorf("%s is empty", KeyProgram)
	case c.PageSize <= 0:
		return fmt.Errorf("%s must be positive, got %d", KeyPageSize, c.PageSize)
	case c.StorePath == "":
		return fmt.Errorf("%s is empty", KeyStorePath)
	case c.PollInterval <= 0:
		return fmt.Errorf("%s must be positive, got %s", KeyPollInterval, c.PollInterval)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("%s must be text or json, got %q", KeyLogFormat, c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	return l, nil
}

// fileSchema is the on-disk TOML layout.
type fileSchema struct {
	Ledger struct {
		Program  string `toml:"program"`
		PageSize int    `toml:"page_size"`
	} `toml:"ledger"`
	Store struct {
		Path string `toml:"path"`
	} `toml:"store"`
	Feed struct {
		NATSURL       string `toml:"nats_url"`
		Stream        string `toml:"stream"`
		SubjectPrefix string `toml:"subject_prefix"`
		PollInterval  string `toml:"poll_interval"`
	} `toml:"feed"`
	Viewer struct {
		Account string `toml:"account"`
	} `toml:"viewer"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

func toSchema(c Config) fileSchema {
	var f fileSchema
	f.Ledger.Program = c.Program
	f.Ledger.PageSize = c.PageSize
	f.Store.Path = c.StorePath
	f.Feed.NATSURL = c.NATSURL
	f.Feed.Stream = c.Stream
	f.Feed.SubjectPrefix = c.SubjectPrefix
	f.Feed.PollInterval = c.PollInterval.String()
	f.Viewer.Account = c.Viewer
	f.Log.Level = c.LogLevel
	f.Log.Format = c.LogFormat
	f.Metrics.Addr = c.MetricsAddr
	return f
}

// Write stores cfg as TOML at path, replacing any existing file atomically.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := toml.Marshal(toSchema(cfg))
	if err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	cleanup = false
	return nil
}

// WriteDefault writes the built-in configuration to path.
func WriteDefault(path string) error {
	return Write(path, Default())
}
