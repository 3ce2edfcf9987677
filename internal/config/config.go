// Package config loads the mesh node's YAML configuration: the §6
// Configuration Surface table (transports, routing strategy, security,
// timeouts, retry policy, topology).
//
// Keeps the teacher's internal/config.Load idiom exactly: os.ReadFile +
// yaml.Unmarshal + post-load defaulting + validation returning descriptive
// errors. The GOX Cell/Pool/AgentType schema is replaced by this package's
// own schema; the loading shape is unchanged.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/a2amesh/mesh/internal/router"
	"github.com/a2amesh/mesh/internal/transport"
)

// Config is the root configuration object recognized by §6.
type Config struct {
	AgentID          string            `yaml:"agent_id"`
	Debug            bool              `yaml:"debug"`
	DefaultTransport string            `yaml:"default_transport"`
	Transports       []TransportConfig `yaml:"transports"`

	RoutingStrategy string `yaml:"routing_strategy"`
	MaxHops         int    `yaml:"max_hops"`
	Topology        string `yaml:"topology"`

	DiscoveryEnabled  bool          `yaml:"discovery_enabled"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	SecurityEnabled bool     `yaml:"security_enabled"`
	TrustedAgents   []string `yaml:"trusted_agents"`
	Secret          string   `yaml:"secret"`

	MessageTimeout        time.Duration `yaml:"message_timeout"`
	MaxConcurrentMessages int           `yaml:"max_concurrent_messages"`

	RetryPolicy RetryPolicyConfig `yaml:"retry_policy"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Bridge      BridgeConfig      `yaml:"bridge"`
}

// TransportConfig describes one enabled protocol endpoint (§6 transports[]).
type TransportConfig struct {
	Protocol       string        `yaml:"protocol"` // websocket | http | http2 | grpc | tcp
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	TLS            TLSConfig     `yaml:"tls"`
	Auth           AuthConfig    `yaml:"auth"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	Compression    bool          `yaml:"compression"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxConnections int           `yaml:"max_connections"`
}

type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	SkipVerify bool   `yaml:"skip_verify"`
}

type AuthConfig struct {
	Mode  string `yaml:"mode"` // none | bearer | client_cert | oauth2
	Token string `yaml:"token"`
}

type RetryPolicyConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffStrategy string        `yaml:"backoff_strategy"` // fixed | linear | exponential
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Jitter          bool          `yaml:"jitter"`
}

// Transport converts the parsed §6 retryPolicy block into the transport
// package's own RetryPolicy, the shape every transport's Send/Connect/
// reconnect loop actually consults.
func (c RetryPolicyConfig) Transport() transport.RetryPolicy {
	return transport.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Strategy:    transport.BackoffStrategy(c.BackoffStrategy),
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
	}
}

// PersistenceConfig governs the optional badger-backed registry snapshot
// store (§6 "Persisted state").
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// BridgeConfig governs the optional C7 peer-RPC bridge.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Load reads and parses filename, applies defaults, and validates the
// result, following the teacher's Load(filename) (*Config, error) idiom.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a minimal, fully-defaulted single-node configuration for
// callers with no config file available (the hardcoded-defaults rung of
// the load-order ladder).
func Default(agentID string) *Config {
	cfg := &Config{AgentID: agentID}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.AgentID == "" {
		c.AgentID = "mesh-node"
	}
	if c.DefaultTransport == "" {
		c.DefaultTransport = "tcp"
	}
	if c.RoutingStrategy == "" {
		c.RoutingStrategy = string(router.StrategyShortestPath)
	}
	if c.Topology == "" {
		c.Topology = string(router.TopologyMesh)
	}
	if c.MaxHops == 0 {
		_, maxHops := router.DefaultsFor(router.Topology(c.Topology))
		c.MaxHops = maxHops
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = 30 * time.Second
	}
	if c.MaxConcurrentMessages == 0 {
		c.MaxConcurrentMessages = 100
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.RetryPolicy.MaxAttempts == 0 {
		c.RetryPolicy.MaxAttempts = 3
	}
	if c.RetryPolicy.BackoffStrategy == "" {
		c.RetryPolicy.BackoffStrategy = string(transport.BackoffExponential)
	}
	if c.RetryPolicy.BaseDelay == 0 {
		c.RetryPolicy.BaseDelay = 100 * time.Millisecond
	}
	if c.RetryPolicy.MaxDelay == 0 {
		c.RetryPolicy.MaxDelay = 5 * time.Second
	}
	for i := range c.Transports {
		if c.Transports[i].MaxConnections == 0 {
			c.Transports[i].MaxConnections = 100
		}
		if c.Transports[i].IdleTimeout == 0 {
			c.Transports[i].IdleTimeout = 5 * time.Minute
		}
	}
	if c.Persistence.Dir == "" {
		c.Persistence.Dir = "./data/registry"
	}
}

func (c *Config) validate() error {
	switch router.Strategy(c.RoutingStrategy) {
	case router.StrategyDirect, router.StrategyShortestPath, router.StrategyLoadBalanced,
		router.StrategyCapabilityAware, router.StrategyCostOptimized:
	default:
		return fmt.Errorf("unknown routing_strategy %q", c.RoutingStrategy)
	}
	switch router.Topology(c.Topology) {
	case router.TopologyHierarchical, router.TopologyMesh, router.TopologyRing, router.TopologyStar:
	default:
		return fmt.Errorf("unknown topology %q", c.Topology)
	}
	if c.MaxHops <= 0 {
		return fmt.Errorf("max_hops must be positive, got %d", c.MaxHops)
	}
	for _, t := range c.Transports {
		switch t.Protocol {
		case "websocket", "http", "http2", "grpc", "tcp":
		default:
			return fmt.Errorf("unknown transport protocol %q", t.Protocol)
		}
	}
	if c.SecurityEnabled && c.Secret == "" {
		return fmt.Errorf("security_enabled requires a non-empty secret")
	}
	return nil
}
