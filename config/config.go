// Package config loads the server configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/handler"
	"github.com/pgmanage/dbconsole/session"
	"github.com/pgmanage/dbconsole/tunnel"
)

const EnvPrefix = "DBCONSOLE_"

// Connection is a database every user of the console can work with.
type Connection struct {
	ID   string `koanf:"id"`
	Name string `koanf:"name"`
	Type string `koanf:"type"`
	URL  string `koanf:"url"`
	// PromptTimeout asks for the password again after it elapsed
	PromptTimeout   time.Duration  `koanf:"prompt_timeout"`
	RequirePassword bool           `koanf:"require_password"`
	Public          bool           `koanf:"public"`
	Tunnel          *tunnel.Config `koanf:"tunnel"`
}

// Entry returns the session roster entry of the connection.
func (c *Connection) Entry() session.Database {
	name := c.Name
	if name == "" {
		name = c.ID
	}
	return session.Database{
		Params: (&core.ConnectionParams{
			ID:   c.ID,
			Name: name,
			Type: c.Type,
			URL:  c.URL,
		}).Expand(),
		Tunnel:          c.Tunnel,
		PromptTimeout:   c.PromptTimeout,
		RequirePassword: c.RequirePassword,
		Public:          c.Public,
	}
}

type Config struct {
	Listen        string `koanf:"listen"`
	SessionSecret string `koanf:"session_secret"`
	// HistoryPath is the sqlite file of query history, empty disables it
	HistoryPath string `koanf:"history_path"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`

	PollTimeout       time.Duration `koanf:"poll_timeout"`
	ClientIdleTimeout time.Duration `koanf:"client_idle_timeout"`
	ReapInterval      time.Duration `koanf:"reap_interval"`

	QueryBlockSize    int           `koanf:"query_block_size"`
	FetchAllBlockSize int           `koanf:"fetch_all_block_size"`
	ConsoleBlockSize  int           `koanf:"console_block_size"`
	DebugPollInterval time.Duration `koanf:"debug_poll_interval"`
	NullEqualsEmpty   bool          `koanf:"null_equals_empty"`

	Connections []Connection `koanf:"connections"`
}

func defaults() map[string]any {
	hc := handler.DefaultConfig()
	return map[string]any{
		"listen":               ":8000",
		"history_path":         "dbconsole.db",
		"log_level":            "info",
		"log_format":           "text",
		"poll_timeout":         "30s",
		"client_idle_timeout":  "30m",
		"reap_interval":        "1m",
		"query_block_size":     hc.QueryBlockSize,
		"fetch_all_block_size": hc.FetchAllBlockSize,
		"console_block_size":   hc.ConsoleBlockSize,
		"debug_poll_interval":  hc.DebugPollInterval.String(),
		"null_equals_empty":    true,
	}
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("listen", "", "address to listen on")
	fs.String("history-path", "", "sqlite file for query history")
	fs.String("log-level", "", "log level (debug|info|warn|error)")
	fs.String("log-format", "", "log format (text|json)")
	fs.Duration("poll-timeout", 0, "maximum duration of a long polling request")
	fs.Duration("client-idle-timeout", 0, "clear clients without activity for this long")
}

// Load layers defaults, the yaml file at path (optional), DBCONSOLE_
// environment variables and explicitly set flags, in this order.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration before the server starts.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if len(c.SessionSecret) < 32 {
		errs = append(errs, errors.New("session_secret must be at least 32 bytes"))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, errors.New("poll_timeout must be positive"))
	}
	if c.QueryBlockSize <= 0 || c.FetchAllBlockSize <= 0 || c.ConsoleBlockSize <= 0 {
		errs = append(errs, errors.New("block sizes must be positive"))
	}

	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		switch {
		case conn.ID == "":
			errs = append(errs, fmt.Errorf("connections[%d]: id is required", i))
		case seen[conn.ID]:
			errs = append(errs, fmt.Errorf("connections[%d]: duplicate id %q", i, conn.ID))
		}
		seen[conn.ID] = true
		if conn.Type == "" || conn.URL == "" {
			errs = append(errs, fmt.Errorf("connections[%d]: type and url are required", i))
		}
	}

	return errors.Join(errs...)
}

// HandlerConfig returns the worker settings.
func (c *Config) HandlerConfig() handler.Config {
	hc := handler.DefaultConfig()
	hc.QueryBlockSize = c.QueryBlockSize
	hc.FetchAllBlockSize = c.FetchAllBlockSize
	hc.ConsoleBlockSize = c.ConsoleBlockSize
	if c.DebugPollInterval > 0 {
		hc.DebugPollInterval = c.DebugPollInterval
	}
	return hc
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return level, nil
}

// Logger builds the logger described by log_level and log_format.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
