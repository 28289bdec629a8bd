// Package config provides configuration loading and defaults for the pve-mcp server.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ResourceFilter holds allowlist and denylist entries for a resource category.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig groups resource filters. Patterns match a VM's name or its
// numeric VMID.
type SafetyConfig struct {
	VMs ResourceFilter `yaml:"vms"`
}

// ServerConfig holds network and authentication settings for the MCP endpoint.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// BackendConfig holds connection details for the REST backend that fronts
// the virtualization platform.
type BackendConfig struct {
	URL      string `yaml:"url"`
	Node     string `yaml:"node"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Timeout is the HTTP request timeout in seconds.
	Timeout            int  `yaml:"timeout"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// SessionConfig controls where the ticket/CSRF pair is mirrored on disk.
type SessionConfig struct {
	Path string `yaml:"path"`
}

// PollingConfig tunes task polling and the delays applied after an action
// completes.
type PollingConfig struct {
	IntervalMS            int `yaml:"interval_ms"`
	RemoveIntervalMS      int `yaml:"remove_interval_ms"`
	MaxWaitSeconds        int `yaml:"max_wait_seconds"`
	PowerSettleSeconds    int `yaml:"power_settle_seconds"`
	SnapshotSettleSeconds int `yaml:"snapshot_settle_seconds"`
	VerifyAttempts        int `yaml:"verify_attempts"`
	VerifyIntervalMS      int `yaml:"verify_interval_ms"`
	RebootGuardSeconds    int `yaml:"reboot_guard_seconds"`
	CooldownSeconds       int `yaml:"cooldown_seconds"`
}

// Interval returns the task poll interval.
func (p PollingConfig) Interval() time.Duration { return ms(p.IntervalMS) }

// RemoveInterval returns the poll interval used while deleting a VM.
func (p PollingConfig) RemoveInterval() time.Duration { return ms(p.RemoveIntervalMS) }

// MaxWait returns the upper bound on a single task wait.
func (p PollingConfig) MaxWait() time.Duration { return secs(p.MaxWaitSeconds) }

// PowerSettle returns the delay before the VM list is refreshed after a
// power action.
func (p PollingConfig) PowerSettle() time.Duration { return secs(p.PowerSettleSeconds) }

// SnapshotSettle returns the delay before the snapshot list is refreshed.
func (p PollingConfig) SnapshotSettle() time.Duration { return secs(p.SnapshotSettleSeconds) }

// VerifyInterval returns the pause between config verification attempts.
func (p PollingConfig) VerifyInterval() time.Duration { return ms(p.VerifyIntervalMS) }

// RebootGuard returns how long a pending reboot tag blocks controls.
func (p PollingConfig) RebootGuard() time.Duration { return secs(p.RebootGuardSeconds) }

// Cooldown returns the hard upper bound of the post-start cooldown.
func (p PollingConfig) Cooldown() time.Duration { return secs(p.CooldownSeconds) }

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the top-level configuration structure for the pve-mcp server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Polling PollingConfig `yaml:"polling"`
	Safety  SafetyConfig  `yaml:"safety"`
	Audit   AuditConfig   `yaml:"audit"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoadConfig reads and parses a YAML configuration file from the given path.
// Values absent from the file keep their DefaultConfig value. On error, nil
// is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a new Config populated with sensible default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Backend: BackendConfig{
			URL:     "http://localhost:8000",
			Node:    "pve",
			Timeout: 30,
		},
		Session: SessionConfig{
			Path: "/config/session.json",
		},
		Polling: PollingConfig{
			IntervalMS:            1000,
			RemoveIntervalMS:      500,
			MaxWaitSeconds:        600,
			PowerSettleSeconds:    15,
			SnapshotSettleSeconds: 5,
			VerifyAttempts:        10,
			VerifyIntervalMS:      1000,
			RebootGuardSeconds:    30,
			CooldownSeconds:       30,
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/config/audit.log",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - PVE_MCP_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - PVE_BACKEND_URL overrides cfg.Backend.URL
//   - PVE_NODE overrides cfg.Backend.Node
//   - PVE_USERNAME and PVE_PASSWORD override the backend credentials
//   - PVE_MCP_LOG_LEVEL overrides cfg.Log.Level
func ApplyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"PVE_MCP_AUTH_TOKEN", &cfg.Server.AuthToken},
		{"PVE_BACKEND_URL", &cfg.Backend.URL},
		{"PVE_NODE", &cfg.Backend.Node},
		{"PVE_USERNAME", &cfg.Backend.Username},
		{"PVE_PASSWORD", &cfg.Backend.Password},
		{"PVE_MCP_LOG_LEVEL", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Validate reports configuration that cannot work at all. Zero polling
// values are accepted and replaced by their defaults in the consumers.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Backend.URL) == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(c.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q is not an absolute URL", c.Backend.URL))
	}
	if strings.TrimSpace(c.Backend.Node) == "" {
		errs = append(errs, errors.New("backend.node is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func ms(v int) time.Duration   { return time.Duration(v) * time.Millisecond }
func secs(v int) time.Duration { return time.Duration(v) * time.Second }
