// Package config loads the optional hostgateway configuration file.
//
// The file is YAML or TOML, chosen by its extension. All fields are optional,
// zero values stand for the defaults returned by the accessor methods.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/guseggert/hostgateway/internal/files"
	"gopkg.in/yaml.v3"
)

// FileName is the name searched for when no explicit path is given.
const FileName = "hostgateway.yaml"

const (
	DefaultListenAddr    = "0.0.0.0:3004"
	DefaultLogLevel      = "info"
	DefaultTimeout       = 30 * time.Second
	DefaultMaxOutput     = 1 << 20
	DefaultMaxConcurrent = 16
	DefaultQueueTimeout  = 10 * time.Second
	DefaultMaxSessions   = 8
)

type Config struct {
	ListenAddr       string         `yaml:"listen_addr" toml:"listen_addr"`
	LogLevel         string         `yaml:"log_level" toml:"log_level"`
	Platform         string         `yaml:"platform" toml:"platform"`                   // overrides the detected platform
	RequiredPlatform string         `yaml:"required_platform" toml:"required_platform"` // default "linux"
	Exec             ExecConfig     `yaml:"exec" toml:"exec"`
	Monitor          MonitorConfig  `yaml:"monitor" toml:"monitor"`
	Security         SecurityConfig `yaml:"security" toml:"security"`
	Audit            AuditConfig    `yaml:"audit" toml:"audit"`
	TLS              TLSConfig      `yaml:"tls" toml:"tls"`
}

type ExecConfig struct {
	RawTimeout      string `yaml:"timeout" toml:"timeout"`       // e.g. "30s"
	RawMaxOutput    string `yaml:"max_output" toml:"max_output"` // e.g. "1MiB"
	MaxConcurrent   int    `yaml:"max_concurrent" toml:"max_concurrent"`
	RawQueueTimeout string `yaml:"queue_timeout" toml:"queue_timeout"`
}

type MonitorConfig struct {
	MaxSessions int    `yaml:"max_sessions" toml:"max_sessions"`
	RawInterval string `yaml:"interval" toml:"interval"` // default interval of channel sessions, "" is single-shot
}

type SecurityConfig struct {
	Mode             string   `yaml:"mode" toml:"mode"` // argv or prefix
	AllowedCommands  []string `yaml:"allowed_commands" toml:"allowed_commands"`
	RulesFile        string   `yaml:"rules_file" toml:"rules_file"`
	TerminalAllowAll bool     `yaml:"terminal_allow_all" toml:"terminal_allow_all"`
}

type AuditConfig struct {
	// Database is the SQLite path. Empty disables the audit log.
	Database string `yaml:"database" toml:"database"`
}

// TLSConfig enables mTLS when all three PEM files are set.
type TLSConfig struct {
	CACert string `yaml:"ca_cert" toml:"ca_cert"`
	Cert   string `yaml:"cert" toml:"cert"`
	Key    string `yaml:"key" toml:"key"`
}

func (t TLSConfig) Enabled() bool {
	return t.CACert != "" && t.Cert != "" && t.Key != ""
}

func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return DefaultListenAddr
}

func (c *Config) Level() string {
	if c.LogLevel != "" {
		return c.LogLevel
	}
	return DefaultLogLevel
}

func (c *Config) Timeout() (time.Duration, error) {
	return duration("exec.timeout", c.Exec.RawTimeout, DefaultTimeout)
}

func (c *Config) QueueTimeout() (time.Duration, error) {
	return duration("exec.queue_timeout", c.Exec.RawQueueTimeout, DefaultQueueTimeout)
}

// MonitorInterval returns 0 when sessions should run once.
func (c *Config) MonitorInterval() (time.Duration, error) {
	return duration("monitor.interval", c.Monitor.RawInterval, 0)
}

func (c *Config) MaxOutput() (int, error) {
	if c.Exec.RawMaxOutput == "" {
		return DefaultMaxOutput, nil
	}
	n, err := humanize.ParseBytes(c.Exec.RawMaxOutput)
	if err != nil {
		return 0, fmt.Errorf("parsing exec.max_output: %w", err)
	}
	if n == 0 || n > 1<<31 {
		return 0, fmt.Errorf("exec.max_output out of range: %s", c.Exec.RawMaxOutput)
	}
	return int(n), nil
}

func (c *Config) MaxConcurrent() int {
	if c.Exec.MaxConcurrent > 0 {
		return c.Exec.MaxConcurrent
	}
	return DefaultMaxConcurrent
}

func (c *Config) MaxSessions() int {
	if c.Monitor.MaxSessions > 0 {
		return c.Monitor.MaxSessions
	}
	return DefaultMaxSessions
}

// Validate checks every field that can only be checked by parsing it.
func (c *Config) Validate() error {
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if _, err := c.QueueTimeout(); err != nil {
		return err
	}
	if _, err := c.MonitorInterval(); err != nil {
		return err
	}
	if _, err := c.MaxOutput(); err != nil {
		return err
	}
	tls := c.TLS
	if (tls.CACert != "" || tls.Cert != "" || tls.Key != "") && !tls.Enabled() {
		return fmt.Errorf("tls requires ca_cert, cert and key together")
	}
	return nil
}

func duration(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative: %s", name, raw)
	}
	return d, nil
}

// Load reads the config at path. With an empty path, it looks for FileName in dir and its parents,
// and returns a default Config if there is none. The returned string is the file that was read, if any.
func Load(path, dir string) (*Config, string, error) {
	if path == "" {
		found, err := files.FindUp(FileName, dir)
		if err != nil {
			return nil, "", fmt.Errorf("looking for %s: %w", FileName, err)
		}
		if found == "" {
			return &Config{}, "", nil
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, "", fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, path, nil
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or ".toml").
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
