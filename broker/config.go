package broker

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker configuration.
type Config struct {
	// Socket is the path of the unix socket the broker listens on.
	Socket string `yaml:"socket"`

	// Runfile is the companion record path (pid/version/socket).
	// Default: Socket + ".run".
	Runfile string `yaml:"runfile"`

	// SessionTTL evicts sessions idle past this duration. Default: 30m.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// SweepInterval is the eviction tick. Clamped to at most half the
	// TTL with a 1s floor. Default: SessionTTL / 2.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// WaitPoll is the wait-for-condition polling interval. Default: 100ms.
	WaitPoll time.Duration `yaml:"wait_poll"`

	// WaitTimeout is the default wait-for-condition timeout when a
	// request does not carry one. Default: 10s.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// ShutdownGrace bounds the graceful close of all sessions before
	// the failsafe forces termination. Default: 5s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// LogRingSize is the capacity of each per-session console/network
	// ring buffer. Default: 500.
	LogRingSize int `yaml:"log_ring_size"`

	// AuditDB is the SQLite path of the operation audit log. Empty
	// disables auditing.
	AuditDB string `yaml:"audit_db"`
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Socket == "" {
		c.Socket = defaultSocketPath()
	}
	if c.Runfile == "" {
		c.Runfile = c.Socket + ".run"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.SessionTTL / 2
	}
	// The sweep must tick at least twice per TTL, but never busy-loop.
	if c.SweepInterval > c.SessionTTL/2 {
		c.SweepInterval = c.SessionTTL / 2
	}
	if c.SweepInterval < time.Second {
		c.SweepInterval = time.Second
	}
	if c.WaitPoll <= 0 {
		c.WaitPoll = 100 * time.Millisecond
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.LogRingSize <= 0 {
		c.LogRingSize = 500
	}
}

func defaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return dir + "/browserd.sock"
}
