package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// SessionConfig maps a connection token to the dapp site it represents.
// The content-script side of a connection presents its token once at
// connect time; the resolved site is pinned for the connection's lifetime.
type SessionConfig struct {
	Token  string `yaml:"token"`
	Domain string `yaml:"domain"`
	TabID  int    `yaml:"tab_id"`
	Name   string `yaml:"name"`
	Icon   string `yaml:"icon"`
	// Internal marks the extension UI's own session (approval popup).
	Internal bool `yaml:"internal"`
}

// GatewayConfig holds the WebSocket transport settings.
type GatewayConfig struct {
	Addr     string          `yaml:"addr"`
	Sessions []SessionConfig `yaml:"sessions"`
}

// RateLimitConfig bounds inbound requests per dapp domain.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

// BreakerConfig configures the circuit breaker guarding the upstream node.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// NodeConfig points the eth-compat handler set at an upstream JSON-RPC node.
type NodeConfig struct {
	URL     string        `yaml:"url"`
	ChainID string        `yaml:"chain_id"`
	Timeout time.Duration `yaml:"timeout"`
	Methods []string      `yaml:"methods"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// ApprovalConfig controls the approval popup window.
type ApprovalConfig struct {
	// BaseURL is the approval UI origin; routes like "permissions?id=1"
	// are appended to it.
	BaseURL string `yaml:"base_url"`
	// Browser selects the window opener: "chrome" launches a real popup
	// via DevTools protocol, "noop" disables popups (headless dev).
	Browser string `yaml:"browser"`
	// SweepSpec is the cron spec (with seconds) for the window liveness
	// sweep that cancels orphaned actions.
	SweepSpec string `yaml:"sweep_spec"`
}

// WalletConfig lists the accounts the signing backend manages. Account
// material itself lives with the signer collaborator, not here.
type WalletConfig struct {
	Accounts []string `yaml:"accounts"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr" or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Config is the top-level daemon configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Node      NodeConfig      `yaml:"node"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Storage   StorageConfig   `yaml:"storage"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// defaultWeb3Methods is the passthrough set proxied to the upstream node
// when the config does not override it.
var defaultWeb3Methods = []string{
	"eth_chainId",
	"eth_blockNumber",
	"eth_call",
	"eth_getBalance",
	"eth_getTransactionByHash",
	"eth_getTransactionReceipt",
	"eth_estimateGas",
	"eth_gasPrice",
	"net_version",
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigLoad, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = "127.0.0.1:7399"
	}
	if c.RateLimit.RequestsPerMin == 0 {
		c.RateLimit.RequestsPerMin = 300
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 30
	}
	if c.Node.Timeout == 0 {
		c.Node.Timeout = 15 * time.Second
	}
	if len(c.Node.Methods) == 0 {
		c.Node.Methods = append([]string(nil), defaultWeb3Methods...)
	}
	if c.Approval.Browser == "" {
		c.Approval.Browser = "noop"
	}
	if c.Approval.SweepSpec == "" {
		c.Approval.SweepSpec = "*/5 * * * * *"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/wallet.db"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
}

// Validate checks invariants the daemon cannot start without.
func (c *Config) Validate() error {
	if c.Node.URL == "" {
		return fmt.Errorf("%w: node.url is required", domain.ErrConfigLoad)
	}
	seen := make(map[string]bool, len(c.Gateway.Sessions))
	for i, s := range c.Gateway.Sessions {
		if s.Token == "" {
			return fmt.Errorf("%w: gateway.sessions[%d].token is empty", domain.ErrConfigLoad, i)
		}
		if seen[s.Token] {
			return fmt.Errorf("%w: gateway.sessions[%d].token is duplicated", domain.ErrConfigLoad, i)
		}
		seen[s.Token] = true
		if !s.Internal && s.Domain == "" {
			return fmt.Errorf("%w: gateway.sessions[%d].domain is required for dapp sessions", domain.ErrConfigLoad, i)
		}
	}
	switch c.Approval.Browser {
	case "chrome", "noop":
	default:
		return fmt.Errorf("%w: approval.browser %q unsupported", domain.ErrConfigLoad, c.Approval.Browser)
	}
	return nil
}

// Site builds the pinned site identity for a session entry.
func (s SessionConfig) Site() domain.Site {
	return domain.Site{
		Domain:   s.Domain,
		Name:     s.Name,
		Icon:     s.Icon,
		TabID:    s.TabID,
		Internal: s.Internal,
	}
}
