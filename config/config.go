// Package config loads and saves the daemon's YAML configuration file
// (§6) and resolves the on-disk locations the rest of the daemon uses
// for state, logs, and the control-socket identification path.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DirectoryBrowser mirrors the out-of-scope directory-browsing config
// block (§6); the daemon only persists and round-trips it, it never
// acts on it.
type DirectoryBrowser struct {
	Enabled            bool     `yaml:"enabled"`
	AllowedDirectories []string `yaml:"allowed_directories,omitempty"`
}

// ProxyMode selects whether the daemon proxies session traffic itself
// (the only mode this core implements) or only serves the portal/API.
type ProxyMode string

const (
	ProxyModeProxy  ProxyMode = "proxy"
	ProxyModeStatic ProxyMode = "static"
)

// TmuxMode controls whether the session manager ensures a tmux session
// exists before spawning a child terminal server (§4.C).
type TmuxMode string

const (
	TmuxAuto   TmuxMode = "auto"
	TmuxAttach TmuxMode = "attach"
	TmuxOff    TmuxMode = "off"
)

type Config struct {
	BasePath            string            `yaml:"base_path"`
	BasePort            int               `yaml:"base_port"`
	DaemonPort          int               `yaml:"daemon_port"`
	ListenAddresses     []string          `yaml:"listen_addresses"`
	ProxyMode           ProxyMode         `yaml:"proxy_mode"`
	TmuxMode            TmuxMode          `yaml:"tmux_mode"`
	DirectoryBrowser    DirectoryBrowser  `yaml:"directory_browser"`
	Hostname            string            `yaml:"hostname,omitempty"`
	CaddyAdminAPI       string            `yaml:"caddy_admin_api,omitempty"`
	MarkerSecret        string            `yaml:"marker_secret"`
	RevalidateInterval  time.Duration     `yaml:"revalidate_interval"`
	ShareSweepInterval  time.Duration     `yaml:"share_sweep_interval"`
	ShutdownGrace       time.Duration     `yaml:"shutdown_grace"`
	ShareExpiryMin      time.Duration     `yaml:"share_expiry_min"`
	ShareExpiryMax      time.Duration     `yaml:"share_expiry_max"`
	PortProbeAttempts   int               `yaml:"port_probe_attempts"`
	SessionDefaults     SessionDefaults   `yaml:"session_defaults,omitempty"`
	TerminalServerBin   string            `yaml:"terminal_server_bin"`
}

// SessionDefaults carries extra flags appended to every spawned child
// terminal server's argv unless a start request overrides them
// (SPEC_FULL.md supplemented feature 6).
type SessionDefaults struct {
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

const (
	defaultBasePath           = "/ttyd-mux"
	defaultBasePort           = 7000
	defaultDaemonPort         = 7681
	defaultRevalidateInterval = 5 * time.Second
	defaultShareSweepInterval = 30 * time.Second
	defaultShutdownGrace      = 10 * time.Second
	defaultShareExpiryMin     = time.Minute
	defaultShareExpiryMax     = 7 * 24 * time.Hour
	defaultPortProbeAttempts  = 50
)

// applyDefaults fills in any zero-valued field with its documented
// default (§6: "all values have defaults").
func (c *Config) applyDefaults() {
	if c.BasePath == "" {
		c.BasePath = defaultBasePath
	}
	c.BasePath = normalizeBasePath(c.BasePath)
	if c.BasePort == 0 {
		c.BasePort = defaultBasePort
	}
	if c.DaemonPort == 0 {
		c.DaemonPort = defaultDaemonPort
	}
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = []string{"127.0.0.1"}
	}
	if c.ProxyMode == "" {
		c.ProxyMode = ProxyModeProxy
	}
	if c.TmuxMode == "" {
		c.TmuxMode = TmuxAuto
	}
	if c.RevalidateInterval == 0 {
		c.RevalidateInterval = defaultRevalidateInterval
	}
	if c.ShareSweepInterval == 0 {
		c.ShareSweepInterval = defaultShareSweepInterval
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.ShareExpiryMin == 0 {
		c.ShareExpiryMin = defaultShareExpiryMin
	}
	if c.ShareExpiryMax == 0 {
		c.ShareExpiryMax = defaultShareExpiryMax
	}
	if c.PortProbeAttempts == 0 {
		c.PortProbeAttempts = defaultPortProbeAttempts
	}
	if c.TerminalServerBin == "" {
		c.TerminalServerBin = "ttyd"
	}
}

// normalizeBasePath strips any trailing slash so router path joins are
// unambiguous (§4.F: "Let P = normalize(base_path) (no trailing slash)").
func normalizeBasePath(p string) string {
	if p == "" {
		return p
	}
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// Load reads and parses the YAML config at path, applying defaults for
// any field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save atomically replaces the config file at path (write-temp +
// rename on the same filesystem, per the teacher's config.Save).
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("ensure config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// EnsureDefault loads the config at path, creating it with defaults
// (and a freshly generated marker-signing secret) if it does not yet
// exist.
func EnsureDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	secretBuf := make([]byte, 32)
	if _, err := rand.Read(secretBuf); err != nil {
		return nil, fmt.Errorf("generating marker secret: %w", err)
	}

	cfg = &Config{MarkerSecret: hex.EncodeToString(secretBuf)}
	cfg.applyDefaults()

	if err := Save(cfg, path); err != nil {
		return nil, fmt.Errorf("saving default config: %w", err)
	}
	return cfg, nil
}
