// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ahc-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`

	Start StartCmd `kong:"cmd,default='withargs',help='Start the proxy server.'"`
	Send  SendCmd  `kong:"cmd,help='Send a GET to each destination through the proxy.'"`
}

// StartCmd holds overrides for the start command.
type StartCmd struct {
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Protocol string `kong:"help='Client protocol: auto|http1|http2 (overrides config).',env='PROXY_PROTOCOL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// SendCmd holds arguments for the send command.
type SendCmd struct {
	Dest  []string `kong:"required,help='Destination URLs, comma separated.'"`
	Data  string   `kong:"short='d',help='Request body to send.'"`
	Proxy string   `kong:"default='localhost:8000',help='Proxy address host:port.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Admin   AdminConfig   `toml:"admin"`
	Backend BackendConfig `toml:"backend"`
	Reverse ReverseConfig `toml:"reverse"`
	Filter  FilterConfig  `toml:"filter"`
	Cluster ClusterConfig `toml:"cluster"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Host                     string `toml:"host"`
	Port                     int    `toml:"port"` // 0 means "use default" (8000)
	Protocol                 string `toml:"protocol"`
	BodyMaxBytes             int64  `toml:"body_max_bytes"`
	ReadHeaderTimeoutSeconds int    `toml:"read_header_timeout_seconds"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig holds outbound connection settings and default pipeline stages.
type BackendConfig struct {
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
	MaxResponseBytes   int64  `toml:"max_response_bytes"`
	Auth               string `toml:"auth"`
	Compression        string `toml:"compression"`
	BearerToken        string `toml:"bearer_token"`
	BasicCredentials   string `toml:"basic_credentials"`
	OAuthToken         string `toml:"oauth_token"`
	TLSSkipVerify      bool   `toml:"tls_skip_verify"` // for auth = "ssl" | "tls"
}

// ReverseConfig holds the upstream used for origin-form requests.
type ReverseConfig struct {
	Upstream string `toml:"upstream"`
}

// FilterConfig holds content filter policy flags.
type FilterConfig struct {
	Enabled          bool   `toml:"enabled"`
	BlockSocialMedia bool   `toml:"block_social_media"`
	BlockStreaming   bool   `toml:"block_streaming"`
	BlockExecutables bool   `toml:"block_executables"`
	WindowStart      string `toml:"window_start"`
	WindowEnd        string `toml:"window_end"`
}

// ClusterConfig holds fan-out destinations.
type ClusterConfig struct {
	Destinations   []string `toml:"destinations"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ahc-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Start.Host != "" {
		c.Server.Host = cli.Start.Host
	}
	if cli.Start.Port != 0 {
		c.Server.Port = cli.Start.Port
	}
	if cli.Start.Protocol != "" {
		c.Server.Protocol = strings.ToLower(cli.Start.Protocol)
	}
	if cli.Start.LogLevel != "" {
		c.Log.Level = cli.Start.LogLevel
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.Protocol == "" {
		c.Server.Protocol = ProtocolAuto
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 30
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 30
	}
	if c.Backend.DialTimeoutSeconds == 0 {
		c.Backend.DialTimeoutSeconds = 10
	}
	if c.Backend.MaxResponseBytes == 0 {
		c.Backend.MaxResponseBytes = 10 * 1024 * 1024
	}
	if c.Backend.Auth == "" {
		c.Backend.Auth = AlgorithmNone
	}
	if c.Backend.Compression == "" {
		c.Backend.Compression = AlgorithmNone
	}
	if c.Filter.WindowStart == "" {
		c.Filter.WindowStart = "09:00"
	}
	if c.Filter.WindowEnd == "" {
		c.Filter.WindowEnd = "20:00"
	}
	if c.Cluster.TimeoutSeconds == 0 {
		c.Cluster.TimeoutSeconds = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadHeaderTimeout returns the per-request header read deadline.
func (c *ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the overall backend exchange timeout.
func (c *BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DialTimeout returns the backend connect timeout.
func (c *BackendConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// Timeout returns the aggregation deadline.
func (c *ClusterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Window returns the restricted window as offsets from midnight.
// Values are validated by Load, so parse errors cannot occur afterwards.
func (c *FilterConfig) Window() (start, end time.Duration) {
	start, _ = parseClock(c.WindowStart)
	end, _ = parseClock(c.WindowEnd)
	return start, end
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("must be HH:MM: %w", err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
