package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults for a Config loaded without a file.
const (
	defaultListen       = "[::]:0"
	defaultDiscoverAddr = "[ff15:0:1de::1]:11111"
	defaultOutput       = "table"
	defaultLogLevel     = "info"
	defaultEtcdPrefix   = "/spcomms/sps"
)

// Config is the spctl configuration file. Fields left empty keep the
// library defaults.
type Config struct {
	Listen      string `yaml:"listen" toml:"listen"`
	Output      string `yaml:"output" toml:"output"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`

	// Targets maps a target name ("sled-3") to a fixed SP endpoint.
	// Targets not listed here are found by discovery.
	Targets map[string]string `yaml:"targets" toml:"targets"`

	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Retry     RetryConfig     `yaml:"retry" toml:"retry"`
	Console   ConsoleConfig   `yaml:"console" toml:"console"`
	Update    UpdateConfig    `yaml:"update" toml:"update"`
	Etcd      EtcdConfig      `yaml:"etcd" toml:"etcd"`
}

type DiscoveryConfig struct {
	Addrs       []string      `yaml:"addrs" toml:"addrs"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	QuietPeriod time.Duration `yaml:"quiet_period" toml:"quiet_period"`
	MDNS        bool          `yaml:"mdns" toml:"mdns"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialTimeout time.Duration `yaml:"initial_timeout" toml:"initial_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout" toml:"max_timeout"`
	Multiplier     float64       `yaml:"multiplier" toml:"multiplier"`
	Jitter         float64       `yaml:"jitter" toml:"jitter"`
}

type ConsoleConfig struct {
	Window            int           `yaml:"window" toml:"window"`
	ChunkSize         int           `yaml:"chunk_size" toml:"chunk_size"`
	GapTimeout        time.Duration `yaml:"gap_timeout" toml:"gap_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

type UpdateConfig struct {
	ChunkSize uint32 `yaml:"chunk_size" toml:"chunk_size"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints" toml:"endpoints"`
	Prefix      string        `yaml:"prefix" toml:"prefix"`
	TTL         time.Duration `yaml:"ttl" toml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		Output:   defaultOutput,
		LogLevel: defaultLogLevel,
		Discovery: DiscoveryConfig{
			Addrs: []string{defaultDiscoverAddr},
		},
		Etcd: EtcdConfig{
			Prefix:      defaultEtcdPrefix,
			DialTimeout: 5 * time.Second,
		},
	}
}

// loadConfig reads path (YAML or TOML, by extension) over the defaults and
// then applies SPCTL_* environment overrides. An empty path skips the file.
func loadConfig(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".toml":
			err = toml.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("config load failed (%s): unsupported format %q", path, ext)
		}
		if err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SPCTL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("SPCTL_LISTEN", &c.Listen)
	str("SPCTL_OUTPUT", &c.Output)
	str("SPCTL_LOG_LEVEL", &c.LogLevel)
	str("SPCTL_METRICS_ADDR", &c.MetricsAddr)
	list("SPCTL_DISCOVERY_ADDRS", &c.Discovery.Addrs)
	list("SPCTL_ETCD_ENDPOINTS", &c.Etcd.Endpoints)
	str("SPCTL_ETCD_PREFIX", &c.Etcd.Prefix)

	if v, ok := lookup("SPCTL_RETRY_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SPCTL_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.MaxAttempts = n
	}
	if v, ok := lookup("SPCTL_DISCOVERY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SPCTL_DISCOVERY_TIMEOUT: %w", err)
		}
		c.Discovery.Timeout = d
	}
	if v, ok := lookup("SPCTL_TARGETS"); ok && v != "" {
		// name=addr pairs, comma separated.
		targets := make(map[string]string)
		for _, pair := range splitList(v) {
			name, addr, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("SPCTL_TARGETS: %q is not name=addr", pair)
			}
			targets[name] = addr
		}
		c.Targets = targets
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("config: unknown output format %q", c.Output)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.max_attempts must not be negative")
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config: listen address missing")
	}
	return nil
}
