// Package config loads and validates the service configuration: listen
// address, cache locations, pool tuning and the per-cluster directory
// topology definitions.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"

	"github.com/ldapdeck/ldapdeck/internal/ldap"
)

// Node is one replica of a multi-master cluster.
type Node struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Name string `mapstructure:"name"`
}

// Cluster describes one logical directory cluster. Either Host/Port or
// Nodes is populated, never both; Validate enforces the invariant before
// anything else sees the value.
type Cluster struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`

	// Single-node form.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" default:"389"`

	// Multi-master form.
	Nodes []Node `mapstructure:"nodes"`

	BindDN   string `mapstructure:"bind_dn"`
	BaseDN   string `mapstructure:"base_dn"`
	ReadOnly bool   `mapstructure:"readonly"`
}

// Topology converts the cluster definition into the access layer's tagged
// topology value.
func (c *Cluster) Topology() ldap.Topology {
	if c.Host != "" {
		return ldap.SingleNode(c.Host, c.Port)
	}
	endpoints := make([]ldap.Endpoint, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		endpoints = append(endpoints, ldap.Endpoint{Host: n.Host, Port: n.Port, Name: n.Name})
	}
	return ldap.Replicated(endpoints)
}

// Config is the whole service configuration.
type Config struct {
	Listen        string        `mapstructure:"listen" default:":8080"`
	CacheDir      string        `mapstructure:"cache_dir" default:".cache"`
	SecretsDir    string        `mapstructure:"secrets_dir" default:".secrets"`
	PoolMaxIdle   time.Duration `mapstructure:"pool_max_idle" default:"300s"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" default:"60s"`

	Clusters []Cluster `mapstructure:"clusters"`
}

// Load reads and validates the configuration file at path. Environment
// variables prefixed LDAPDECK_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LDAPDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks structural constraints before the configuration is used.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Clusters))
	for i := range c.Clusters {
		cluster := &c.Clusters[i]
		if err := cluster.validate(); err != nil {
			return fmt.Errorf("cluster #%d: %w", i+1, err)
		}
		if seen[cluster.Name] {
			return fmt.Errorf("duplicate cluster name %q", cluster.Name)
		}
		seen[cluster.Name] = true
	}
	return nil
}

func (c *Cluster) validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("cluster name cannot be empty")
	}
	if strings.TrimSpace(c.BindDN) == "" {
		return fmt.Errorf("bind_dn cannot be empty")
	}

	hasHost := strings.TrimSpace(c.Host) != ""
	hasNodes := len(c.Nodes) > 0
	switch {
	case hasHost && hasNodes:
		return fmt.Errorf("cannot specify both host and nodes")
	case !hasHost && !hasNodes:
		return fmt.Errorf("must specify either host or nodes")
	}

	if hasHost {
		if err := validPort(c.Port); err != nil {
			return err
		}
		return nil
	}
	for j, n := range c.Nodes {
		if strings.TrimSpace(n.Host) == "" {
			return fmt.Errorf("node #%d: host cannot be empty", j+1)
		}
		if err := validPort(n.Port); err != nil {
			return fmt.Errorf("node #%d: %w", j+1, err)
		}
	}
	return nil
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}

// Cluster returns the named cluster definition, or false when absent.
func (c *Config) Cluster(name string) (*Cluster, bool) {
	for i := range c.Clusters {
		if c.Clusters[i].Name == name {
			return &c.Clusters[i], true
		}
	}
	return nil, false
}
