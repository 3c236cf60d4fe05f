package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
listen_addr: 127.0.0.1:9000
log_level: debug
exec:
  timeout: 5s
  max_output: 64KiB
  max_concurrent: 4
monitor:
  max_sessions: 2
  interval: 2s
security:
  mode: prefix
  allowed_commands: [ls, uptime]
  terminal_allow_all: true
audit:
  database: /tmp/audit.db
`

const tomlConfig = `
listen_addr = "127.0.0.1:9000"
log_level = "debug"

[exec]
timeout = "5s"
max_output = "64KiB"
max_concurrent = 4

[monitor]
max_sessions = 2
interval = "2s"

[security]
mode = "prefix"
allowed_commands = ["ls", "uptime"]
terminal_allow_all = true

[audit]
database = "/tmp/audit.db"
`

func TestParseFormats(t *testing.T) {
	cases := []struct {
		name string
		ext  string
		data string
	}{
		{name: "yaml", ext: ".yaml", data: yamlConfig},
		{name: "yml", ext: ".yml", data: yamlConfig},
		{name: "toml", ext: ".toml", data: tomlConfig},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := Parse([]byte(c.data), c.ext)
			require.NoError(t, err)

			assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
			assert.Equal(t, "debug", cfg.Level())
			timeout, err := cfg.Timeout()
			require.NoError(t, err)
			assert.Equal(t, 5*time.Second, timeout)
			maxOutput, err := cfg.MaxOutput()
			require.NoError(t, err)
			assert.Equal(t, 64*1024, maxOutput)
			assert.Equal(t, 4, cfg.MaxConcurrent())
			assert.Equal(t, 2, cfg.MaxSessions())
			interval, err := cfg.MonitorInterval()
			require.NoError(t, err)
			assert.Equal(t, 2*time.Second, interval)
			assert.Equal(t, "prefix", cfg.Security.Mode)
			assert.Equal(t, []string{"ls", "uptime"}, cfg.Security.AllowedCommands)
			assert.True(t, cfg.Security.TerminalAllowAll)
			assert.Equal(t, "/tmp/audit.db", cfg.Audit.Database)
			assert.False(t, cfg.TLS.Enabled())
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, DefaultListenAddr, cfg.Addr())
	assert.Equal(t, DefaultLogLevel, cfg.Level())
	timeout, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, timeout)
	queue, err := cfg.QueueTimeout()
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueTimeout, queue)
	maxOutput, err := cfg.MaxOutput()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxOutput, maxOutput)
	interval, err := cfg.MonitorInterval()
	require.NoError(t, err)
	assert.Zero(t, interval)
	assert.Equal(t, DefaultMaxConcurrent, cfg.MaxConcurrent())
	assert.Equal(t, DefaultMaxSessions, cfg.MaxSessions())
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		ext  string
		data string
		err  string
	}{
		{name: "unknown format", ext: ".ini", data: "", err: "unsupported config format"},
		{name: "bad duration", ext: ".yaml", data: "exec:\n  timeout: soon\n", err: "exec.timeout"},
		{name: "negative interval", ext: ".yaml", data: "monitor:\n  interval: -1s\n", err: "monitor.interval"},
		{name: "bad size", ext: ".yaml", data: "exec:\n  max_output: lots\n", err: "exec.max_output"},
		{name: "partial tls", ext: ".yaml", data: "tls:\n  cert: a.pem\n", err: "tls requires"},
		{name: "bad toml", ext: ".toml", data: "listen_addr = ", err: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.data), c.ext)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.err)
		})
	}
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "x", "y")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg, path, err := Load("", nested)
	require.NoError(t, err)
	assert.Equal(t, "", path)
	assert.Equal(t, DefaultListenAddr, cfg.Addr())

	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(yamlConfig), 0o644))
	cfg, path, err = Load("", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, FileName), path)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())

	tomlPath := filepath.Join(root, "gateway.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(tomlConfig), 0o644))
	cfg, path, err = Load(tomlPath, nested)
	require.NoError(t, err)
	assert.Equal(t, tomlPath, path)
	assert.Equal(t, 4, cfg.MaxConcurrent())

	_, _, err = Load(filepath.Join(root, "missing.yaml"), nested)
	assert.Error(t, err)
}
