package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/pgmanage/dbconsole/config"
)

const testYAML = `
listen: ":9000"
session_secret: "0123456789abcdef0123456789abcdef"
console_block_size: 20
connections:
  - id: pg
    type: postgres
    url: postgres://app@db:5432/app
    prompt_timeout: 10m
    require_password: true
    tunnel:
      host: bastion
      user: ops
  - id: lite
    name: Local
    type: sqlite
    url: /tmp/app.db
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbconsole.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	r := require.New(t)

	cfg, err := config.Load("", nil)
	r.NoError(err)
	r.Equal(":8000", cfg.Listen)
	r.Equal(30*time.Second, cfg.PollTimeout)
	r.Equal(50, cfg.QueryBlockSize)
	r.Equal(10000, cfg.FetchAllBlockSize)
	r.Equal(500*time.Millisecond, cfg.DebugPollInterval)
	r.True(cfg.NullEqualsEmpty)
	r.Empty(cfg.Connections)

	// no secret configured
	r.ErrorContains(cfg.Validate(), "session_secret")
}

func TestLoad_Layers(t *testing.T) {
	r := require.New(t)
	path := writeConfig(t, testYAML)

	t.Setenv("DBCONSOLE_LOG_LEVEL", "debug")
	t.Setenv("DBCONSOLE_LISTEN", ":9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(flags)
	r.NoError(flags.Parse([]string{"--listen", ":9200", "--poll-timeout", "5s"}))

	cfg, err := config.Load(path, flags)
	r.NoError(err)
	r.NoError(cfg.Validate())

	// flags win over env, env over the file
	r.Equal(":9200", cfg.Listen)
	r.Equal("debug", cfg.LogLevel)
	r.Equal(5*time.Second, cfg.PollTimeout)
	r.Equal(20, cfg.ConsoleBlockSize)
	r.Equal(20, cfg.HandlerConfig().ConsoleBlockSize)

	r.Len(cfg.Connections, 2)
	pg := cfg.Connections[0].Entry()
	r.Equal("pg", pg.Params.Name)
	r.Equal(10*time.Minute, pg.PromptTimeout)
	r.True(pg.RequirePassword)
	r.True(pg.Tunnel.Enabled())
	r.Equal("ops", pg.Tunnel.User)

	lite := cfg.Connections[1].Entry()
	r.Equal("Local", lite.Params.Name)
	r.False(lite.Tunnel.Enabled())
}

func TestValidate(t *testing.T) {
	r := require.New(t)
	path := writeConfig(t, testYAML+`
  - id: pg
    type: ""
    url: x
log_format: xml
`)

	cfg, err := config.Load(path, nil)
	r.NoError(err)

	err = cfg.Validate()
	r.ErrorContains(err, `duplicate id "pg"`)
	r.ErrorContains(err, "connections[2]: type and url are required")
	r.ErrorContains(err, `unknown log_format "xml"`)
}

func TestConfig_Logger(t *testing.T) {
	r := require.New(t)

	cfg := &config.Config{LogLevel: "warn", LogFormat: "json"}
	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	r.NoError(err)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	r.NotContains(buf.String(), "hidden")
	r.Contains(buf.String(), `"key":"value"`)

	cfg.LogLevel = "loud"
	_, err = cfg.Logger(&buf)
	r.Error(err)
}
