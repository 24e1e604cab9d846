package pubsubconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects which of the five participants a process runs as,
// spec.md §6's "role ∈ {publisher, subscriber, broker, load_balancer,
// backup_pool}".
type Role string

const (
	RoleBroker       Role = "broker"
	RolePublisher    Role = "publisher"
	RoleSubscriber   Role = "subscriber"
	RoleBackupPool   Role = "backup_pool"
	RoleLoadBalancer Role = "load_balancer"
)

// Config holds every field spec.md §6 names as "client-facing
// configuration", plus the zookeeper_hosts field that is common to
// every role.
type Config struct {
	Role Role `yaml:"role"`

	// Shared.
	ZookeeperHosts []string      `yaml:"zookeeper_hosts"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	Topics         []string      `yaml:"topics"`
	BrokerAddress  string        `yaml:"broker_address"`
	BindPort       int           `yaml:"bind_port"`
	SleepPeriod    time.Duration `yaml:"sleep_period"`
	Indefinite     bool          `yaml:"indefinite"`
	MaxEventCount  int           `yaml:"max_event_count"`
	Centralized    bool          `yaml:"centralized"`

	// Publisher only.
	Offered int `yaml:"offered"`

	// Subscriber only.
	Requested int    `yaml:"requested"`
	Filename  string `yaml:"filename"`

	// Broker only.
	Zone         int  `yaml:"zone"`
	Primary      bool `yaml:"primary"`
	AutokillSecs int  `yaml:"autokill_secs"`

	// BackupPool / LoadBalancer.
	LoadThreshold float64 `yaml:"load_threshold"`
}

// Load reads a YAML config file from path. A missing file is not an
// error — Load then returns Default(), and callers layer CLI flags
// over those defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pubsubconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("pubsubconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with the same defaults the original
// reference implementation used.
func Default() *Config {
	return &Config{
		ZookeeperHosts: []string{"127.0.0.1:2181"},
		SessionTimeout: 10 * time.Second,
		SleepPeriod:    time.Second,
		Indefinite:     true,
		Centralized:    false,
		Offered:        1,
		Requested:      1,
		LoadThreshold:  3.0,
	}
}

// Validate checks the fields required for cfg.Role, returning the
// first problem found.
func (c *Config) Validate() error {
	if len(c.ZookeeperHosts) == 0 {
		return fmt.Errorf("pubsubconfig: zookeeper_hosts is required")
	}
	switch c.Role {
	case RoleBroker:
		if c.Zone <= 0 {
			return fmt.Errorf("pubsubconfig: zone is required for role %q and must be positive", c.Role)
		}
	case RolePublisher:
		if c.Offered < 1 {
			return fmt.Errorf("pubsubconfig: offered must be >= 1")
		}
		if len(c.Topics) == 0 {
			return fmt.Errorf("pubsubconfig: topics is required for role %q", c.Role)
		}
	case RoleSubscriber:
		if c.Requested < 1 {
			return fmt.Errorf("pubsubconfig: requested must be >= 1")
		}
		if len(c.Topics) == 0 {
			return fmt.Errorf("pubsubconfig: topics is required for role %q", c.Role)
		}
	case RoleBackupPool, RoleLoadBalancer:
		// no extra requirements
	default:
		return fmt.Errorf("pubsubconfig: unknown role %q", c.Role)
	}
	return nil
}
