package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		ListenAddr  string `mapstructure:"listen_addr"`
		AdminToken  string `mapstructure:"admin_token"`
		ClientToken string `mapstructure:"client_token"`
		LogLevel    string `mapstructure:"log_level"`
		TLSCert     string `mapstructure:"tls_cert"`
		TLSKey      string `mapstructure:"tls_key"`
		ClientCA    string `mapstructure:"client_ca"`
	} `mapstructure:"server"`

	Probe struct {
		Interval      time.Duration `mapstructure:"interval"`
		Timeout       time.Duration `mapstructure:"timeout"`
		Jitter        float64       `mapstructure:"jitter"`
		DegradeAfter  int           `mapstructure:"degrade_after"`
		CondemnAfter  int           `mapstructure:"condemn_after"`
		SlowThreshold time.Duration `mapstructure:"slow_threshold"`
		Parallelism   int           `mapstructure:"parallelism"`
	} `mapstructure:"probe"`

	Routing struct {
		PublishInterval time.Duration `mapstructure:"publish_interval"`
	} `mapstructure:"routing"`

	Dispatch struct {
		RetryBudget   int           `mapstructure:"retry_budget"`
		PerTryTimeout time.Duration `mapstructure:"per_try_timeout"`
	} `mapstructure:"dispatch"`

	Limits struct {
		PerNode    int64         `mapstructure:"per_node"`
		Global     int64         `mapstructure:"global"`
		QueueDepth int64         `mapstructure:"queue_depth"`
		QueueWait  time.Duration `mapstructure:"queue_wait"`
	} `mapstructure:"limits"`

	Discovery struct {
		SeedFile        string        `mapstructure:"seed_file"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		ConsulAddr      string        `mapstructure:"consul_addr"`
		ConsulPrefix    string        `mapstructure:"consul_prefix"`
	} `mapstructure:"discovery"`

	Journal struct {
		Path    string `mapstructure:"path"`
		MaxSize int    `mapstructure:"max_size"`
	} `mapstructure:"journal"`
}

// Load reads the gateway config from a YAML file, applying defaults for
// every knob and allowing GATEWAY_-prefixed environment overrides
// (GATEWAY_PROBE_INTERVAL, GATEWAY_SERVER_ADMIN_TOKEN, ...). A missing
// file is not an error; defaults and environment alone are a valid setup.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// setDefaults registers every knob. Viper only surfaces environment
// overrides for keys it already knows, so even empty-string knobs get a
// default here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8480")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.client_token", "")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.client_ca", "")

	v.SetDefault("probe.interval", 10*time.Second)
	v.SetDefault("probe.timeout", 2*time.Second)
	v.SetDefault("probe.jitter", 0.2)
	v.SetDefault("probe.degrade_after", 3)
	v.SetDefault("probe.condemn_after", 3)
	v.SetDefault("probe.slow_threshold", time.Second)
	v.SetDefault("probe.parallelism", 16)

	v.SetDefault("routing.publish_interval", 10*time.Second)

	v.SetDefault("dispatch.retry_budget", 2)
	v.SetDefault("dispatch.per_try_timeout", 8*time.Second)

	v.SetDefault("limits.per_node", 64)
	v.SetDefault("limits.global", 1024)
	v.SetDefault("limits.queue_depth", 128)
	v.SetDefault("limits.queue_wait", 2*time.Second)

	v.SetDefault("discovery.seed_file", "")
	v.SetDefault("discovery.refresh_interval", 30*time.Second)
	v.SetDefault("discovery.consul_addr", "")
	v.SetDefault("discovery.consul_prefix", "fleetgate/nodes/")

	v.SetDefault("journal.path", "")
	v.SetDefault("journal.max_size", 4096)
}

func (c *Config) validate() error {
	if c.Probe.Interval <= 0 {
		return fmt.Errorf("probe.interval must be positive, got %s", c.Probe.Interval)
	}
	if c.Probe.DegradeAfter < 1 {
		return fmt.Errorf("probe.degrade_after must be at least 1, got %d", c.Probe.DegradeAfter)
	}
	if c.Probe.CondemnAfter < 1 {
		return fmt.Errorf("probe.condemn_after must be at least 1, got %d", c.Probe.CondemnAfter)
	}
	if c.Probe.Jitter < 0 || c.Probe.Jitter >= 1 {
		return fmt.Errorf("probe.jitter must be in [0,1), got %v", c.Probe.Jitter)
	}
	if c.Dispatch.RetryBudget < 0 {
		return fmt.Errorf("dispatch.retry_budget must not be negative, got %d", c.Dispatch.RetryBudget)
	}
	if c.Limits.PerNode < 1 || c.Limits.Global < 1 {
		return fmt.Errorf("limits.per_node and limits.global must be at least 1")
	}
	if c.Limits.Global < c.Limits.PerNode {
		return fmt.Errorf("limits.global (%d) must not be below limits.per_node (%d)", c.Limits.Global, c.Limits.PerNode)
	}
	return nil
}
