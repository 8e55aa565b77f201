// Package config loads the YAML configuration documents used by both the
// broker and agent binaries, applying the defaults documented in the
// specification's configuration table.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SSLConfig is the shared shape of TLS options across listeners and the
// agent's dial target. Certificate/key loading itself is an external
// collaborator: callers turn Key/Cert/CA file paths into a *tls.Config
// before handing it to the transport layer.
type SSLConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Key                string `yaml:"key"`
	Cert               string `yaml:"cert"`
	CA                 string `yaml:"ca"`
	RejectUnauthorized *bool  `yaml:"rejectUnauthorized"`
}

// RejectUnauthorizedOrDefault returns the configured value, defaulting to
// true (verify TLS) when unset.
func (s SSLConfig) RejectUnauthorizedOrDefault() bool {
	if s.RejectUnauthorized == nil {
		return true
	}
	return *s.RejectUnauthorized
}

// BrokerConfig configures the broker process.
type BrokerConfig struct {
	Debug               bool   `yaml:"debug"`
	MaxInFlightPerAgent int    `yaml:"max_inflight_per_agent"`
	StatsPath           string `yaml:"stats_path"`

	HTTP struct {
		Host string    `yaml:"host"`
		Port string    `yaml:"port"`
		SSL  SSLConfig `yaml:"ssl"`
	} `yaml:"http"`

	Socket struct {
		Host string    `yaml:"host"`
		Port string    `yaml:"port"`
		SSL  SSLConfig `yaml:"ssl"`
	} `yaml:"socket"`

	RequestTimeoutMS int `yaml:"request_timeout"`
	MaxFrameBytes    int `yaml:"max_frame_bytes"`
}

// RewriteRule is one ordered pattern/replacement pair applied to a
// request's URL as the broker sent it, before that URL is resolved against
// the default target and dispatched upstream.
type RewriteRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// AgentConfig configures the agent process.
type AgentConfig struct {
	Debug  bool              `yaml:"debug"`
	Labels map[string]string `yaml:"labels"`

	Server struct {
		Host string    `yaml:"host"`
		Port string    `yaml:"port"`
		SSL  SSLConfig `yaml:"ssl"`
	} `yaml:"server"`

	Proxy struct {
		DefaultTarget      string        `yaml:"defaultTarget"`
		RewriteRules       []RewriteRule `yaml:"rewriteRules"`
		SSLRejectUnauth    *bool         `yaml:"ssl_rejectUnauthorized"`
		UpstreamTimeoutMS  int           `yaml:"upstream_timeout_ms"`
	} `yaml:"proxy"`

	ReconnectionDelayMS int `yaml:"reconnection_delay_ms"`
}

// SSLRejectUnauthorizedOrDefault mirrors SSLConfig's helper for the
// upstream-facing TLS verification flag.
func (a AgentConfig) SSLRejectUnauthorizedOrDefault() bool {
	if a.Proxy.SSLRejectUnauth == nil {
		return true
	}
	return *a.Proxy.SSLRejectUnauth
}

// Config is the top-level document; a single YAML file may configure
// either role, or both for local testing.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Agent  AgentConfig  `yaml:"agent"`
}

// Load reads and parses filename, applying documented defaults for every
// field the document omits.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", filename, err)
	}

	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Broker.HTTP.Host == "" {
		c.Broker.HTTP.Host = "0.0.0.0"
	}
	if c.Broker.HTTP.Port == "" {
		c.Broker.HTTP.Port = "3000"
	}
	if c.Broker.Socket.Host == "" {
		c.Broker.Socket.Host = "0.0.0.0"
	}
	if c.Broker.Socket.Port == "" {
		c.Broker.Socket.Port = "3001"
	}
	if c.Broker.RequestTimeoutMS == 0 {
		c.Broker.RequestTimeoutMS = 30000
	}
	if c.Broker.MaxFrameBytes == 0 {
		c.Broker.MaxFrameBytes = 16 << 20
	}
	if c.Broker.StatsPath == "" {
		c.Broker.StatsPath = "/debug/vars"
	}

	if c.Agent.Server.Host == "" {
		c.Agent.Server.Host = "localhost"
	}
	if c.Agent.Server.Port == "" {
		c.Agent.Server.Port = "3001"
	}
	if c.Agent.Proxy.DefaultTarget == "" {
		c.Agent.Proxy.DefaultTarget = "http://example.com"
	}
	if c.Agent.ReconnectionDelayMS == 0 {
		c.Agent.ReconnectionDelayMS = 5000
	}
}

func validate(c *Config) error {
	if c.Broker.RequestTimeoutMS < 0 {
		return fmt.Errorf("broker.request_timeout cannot be negative: %d", c.Broker.RequestTimeoutMS)
	}
	if c.Broker.MaxFrameBytes < 0 {
		return fmt.Errorf("broker.max_frame_bytes cannot be negative: %d", c.Broker.MaxFrameBytes)
	}
	if c.Broker.MaxInFlightPerAgent < 0 {
		return fmt.Errorf("broker.max_inflight_per_agent cannot be negative: %d", c.Broker.MaxInFlightPerAgent)
	}
	if c.Agent.ReconnectionDelayMS < 0 {
		return fmt.Errorf("agent.reconnection_delay_ms cannot be negative: %d", c.Agent.ReconnectionDelayMS)
	}
	return nil
}
