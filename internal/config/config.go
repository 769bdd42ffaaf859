// Package config handles configuration loading and validation for pacsrelay.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pacsrelay/pacsrelay/pkg/bytesize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Sentinel kinds for configuration errors. Both are fatal at startup.
var (
	ErrMissing = errors.New("missing")
	ErrInvalid = errors.New("invalid")
)

// Error describes a configuration problem. Kind is ErrMissing or ErrInvalid.
type Error struct {
	Kind  error
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("config %s", e.Kind)
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind so callers can use errors.Is(err, ErrMissing).
func (e *Error) Is(target error) bool { return target == e.Kind }

func missing(field string) error { return &Error{Kind: ErrMissing, Field: field} }

func invalid(field string, err error) error { return &Error{Kind: ErrInvalid, Field: field, Err: err} }

// Endpoint is a network peer: where it lives and the identity it answers to.
type Endpoint struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Identity string `yaml:"identity"`
}

// ReceiverConfig is the inbound listener.
type ReceiverConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`
	Identity      string `yaml:"identity"`
}

// Addr returns host:port for binding.
func (r ReceiverConfig) Addr() string {
	return net.JoinHostPort(r.ListenAddress, fmt.Sprint(r.Port))
}

// Config holds all relay settings. It is immutable once Load returns.
type Config struct {
	Receiver ReceiverConfig `yaml:"receiver"`
	Upstream Endpoint       `yaml:"upstream"`

	StorageDir string `yaml:"storage_dir"`
	LogDir     string `yaml:"log_dir"`
	LedgerFile string `yaml:"ledger_file"` // default: <storage_dir>/forwarded_files.json

	StoreLocally       bool          `yaml:"store_locally"`
	ForwardImmediately bool          `yaml:"forward_immediately"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	AutoDeleteDays     int           `yaml:"auto_delete_days"` // 0 disables retention
	MaxPDUSize         bytesize.Size `yaml:"max_pdu_size"`     // 0 uses the transport default
	AcceptAnyIdentity  bool          `yaml:"accept_any_identity"`

	LogLevel          string `yaml:"log_level"`
	StatsInterval     string `yaml:"stats_interval"`     // Duration string, e.g. "5m"
	RetentionInterval string `yaml:"retention_interval"` // Duration string, e.g. "1h"
	StartupTimeout    string `yaml:"startup_timeout"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`

	MetricsListen string `yaml:"metrics_listen"` // Serve /metrics here when set
	AuthSecret    string `yaml:"auth_secret"`    // Require signed session tokens when set
	Compression   bool   `yaml:"compression"`    // zstd payloads on outbound sessions

	AuditLog    bool          `yaml:"audit_log"`    // Write <log_dir>/audit.log
	LokiURL     string        `yaml:"loki_url"`     // Also push logs to this Loki base URL
	TraceBuffer bytesize.Size `yaml:"trace_buffer"` // Serve /debug/trace on metrics_listen when > 0
}

// Default returns a config with every default applied and no endpoints.
func Default() *Config {
	return &Config{
		Receiver: ReceiverConfig{
			ListenAddress: "0.0.0.0",
			Port:          11112,
			Identity:      "PACSRELAY",
		},
		StorageDir:         "storage",
		LogDir:             "logs",
		StoreLocally:       true,
		ForwardImmediately: true,
		AuditLog:           true,
		RetryAttempts:      3,
		LogLevel:           "info",
		StatsInterval:      "5m",
		RetentionInterval:  "1h",
		StartupTimeout:     "10s",
		ShutdownTimeout:    "30s",
	}
}

// Load reads a YAML config, applies defaults, resolves relative paths against
// the config file's directory, validates, and creates the data directories.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: ErrMissing, Field: path, Err: err}
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, invalid("", fmt.Errorf("parse config file: %w", err))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths makes every path absolute relative to baseDir.
func (c *Config) resolvePaths(baseDir string) {
	c.StorageDir = resolvePath(baseDir, c.StorageDir)
	c.LogDir = resolvePath(baseDir, c.LogDir)
	if c.LedgerFile == "" {
		c.LedgerFile = filepath.Join(c.StorageDir, "forwarded_files.json")
	} else {
		c.LedgerFile = resolvePath(baseDir, c.LedgerFile)
	}
}

func resolvePath(baseDir, p string) string {
	if p == "" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(homeDir, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	return filepath.Clean(p)
}

// EnsureDirs creates the storage, log and ledger directories if absent.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.StorageDir, c.LogDir, filepath.Dir(c.LedgerFile)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Receiver.Identity == "" {
		return missing("receiver.identity")
	}
	if c.Receiver.Port <= 0 || c.Receiver.Port > 65535 {
		return invalid("receiver.port", fmt.Errorf("must be between 1 and 65535"))
	}
	if c.ForwardImmediately {
		if c.Upstream.Address == "" {
			return missing("upstream.address")
		}
		if c.Upstream.Identity == "" {
			return missing("upstream.identity")
		}
		if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
			return invalid("upstream.port", fmt.Errorf("must be between 1 and 65535"))
		}
	}
	if c.StorageDir == "" {
		return missing("storage_dir")
	}
	if c.RetryAttempts < 1 {
		return invalid("retry_attempts", fmt.Errorf("must be at least 1, got %d", c.RetryAttempts))
	}
	if c.AutoDeleteDays < 0 {
		return invalid("auto_delete_days", fmt.Errorf("must not be negative, got %d", c.AutoDeleteDays))
	}
	if c.MaxPDUSize < 0 {
		return invalid("max_pdu_size", fmt.Errorf("must not be negative"))
	}
	if c.TraceBuffer < 0 {
		return invalid("trace_buffer", fmt.Errorf("must not be negative"))
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return invalid("log_level", err)
		}
	}
	durations := []struct{ field, value string }{
		{"stats_interval", c.StatsInterval},
		{"retention_interval", c.RetentionInterval},
		{"startup_timeout", c.StartupTimeout},
		{"shutdown_timeout", c.ShutdownTimeout},
	}
	for _, dur := range durations {
		d, err := time.ParseDuration(dur.value)
		if err != nil {
			return invalid(dur.field, err)
		}
		if d <= 0 {
			return invalid(dur.field, fmt.Errorf("must be positive"))
		}
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return invalid("metrics_listen", err)
		}
	}
	if c.LokiURL != "" {
		u, err := url.Parse(c.LokiURL)
		if err != nil {
			return invalid("loki_url", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return invalid("loki_url", fmt.Errorf("scheme must be http or https"))
		}
	}
	return nil
}

// RetentionEnabled reports whether staged files are purged automatically.
func (c *Config) RetentionEnabled() bool {
	return c.AutoDeleteDays > 0
}

// RetentionWindow is how long a forwarded file is kept.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.AutoDeleteDays) * 24 * time.Hour
}

// StatsEvery returns the parsed stats_interval. Validate guarantees it parses.
func (c *Config) StatsEvery() time.Duration { return mustDuration(c.StatsInterval, 5*time.Minute) }

// RetentionEvery returns the parsed retention_interval.
func (c *Config) RetentionEvery() time.Duration { return mustDuration(c.RetentionInterval, time.Hour) }

// StartupWait returns the parsed startup_timeout.
func (c *Config) StartupWait() time.Duration { return mustDuration(c.StartupTimeout, 10*time.Second) }

// ShutdownWait returns the parsed shutdown_timeout.
func (c *Config) ShutdownWait() time.Duration { return mustDuration(c.ShutdownTimeout, 30*time.Second) }

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ApplyLogLevel sets the global zerolog level. It returns false when level is
// empty or unparseable and leaves the current level untouched.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

// Example is a commented starting config written by `pacsrelay init`.
const Example = `# pacsrelay configuration
receiver:
  listen_address: 0.0.0.0
  port: 11112
  identity: PACSRELAY

upstream:
  address: archive.example.org
  port: 11112
  identity: ARCHIVE

# Relative paths are resolved against this file's directory.
storage_dir: storage
log_dir: logs

store_locally: true
forward_immediately: true
retry_attempts: 3
auto_delete_days: 0      # 0 keeps staged files forever
max_pdu_size: 16Mi       # 0 uses the transport default
accept_any_identity: false

log_level: info
stats_interval: 5m
retention_interval: 1h
audit_log: true          # custody trail in log_dir/audit.log
# metrics_listen: 127.0.0.1:9110
# auth_secret: change-me
# loki_url: http://loki.example.org:3100
# trace_buffer: 10Mi     # rolling runtime trace at /debug/trace
`
