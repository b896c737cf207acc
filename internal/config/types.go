package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/l0p7/ursagate/internal/rules"
)

// Config holds every server-level option plus the rule definitions once the
// loader resolves the configured sources.
type Config struct {
	Server ServerConfig          `koanf:"server"`
	Rules  map[string]RuleConfig `koanf:"rules"`

	InlineRules map[string]RuleConfig `koanf:"-"`

	// Definitions holds the validated rule definitions after the loader merges
	// every configured source.
	Definitions []rules.Definition `koanf:"-"`

	// RuleSources records which files contributed rule definitions once the
	// loader resolves the configured sources. It is excluded from koanf so the
	// value only reflects runtime discovery rather than static input documents.
	RuleSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions
	// the loader intentionally disabled. Downstream agents can surface these
	// in health checks without re-parsing raw files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the gateway process.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Auth     AuthConfig     `koanf:"auth"`
	Store    StoreConfig    `koanf:"store"`
	Rules    RulesConfig    `koanf:"rules"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// UpstreamConfig carries the credentials and deadline for upstream API calls.
type UpstreamConfig struct {
	APIKey         string `koanf:"apiKey"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// AuthConfig configures token signing and the session-join oracle.
type AuthConfig struct {
	Secret               string `koanf:"secret"`
	AllowAnonymous       bool   `koanf:"allowAnonymous"`
	SessionServerURL     string `koanf:"sessionServerURL"`
	OracleTimeoutSeconds int    `koanf:"oracleTimeoutSeconds"`
}

// StoreConfig selects and tunes the shared response store.
type StoreConfig struct {
	Backend         string           `koanf:"backend"`
	TTLSeconds      int              `koanf:"ttlSeconds"`
	LeaseTTLSeconds int              `koanf:"leaseTTLSeconds"`
	Namespace       string           `koanf:"namespace"`
	Redis           RedisStoreConfig `koanf:"redis"`
}

type RedisStoreConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      RedisTLSStoreConfig `koanf:"tls"`
}

type RedisTLSStoreConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RulesConfig announces how rule documents are sourced.
type RulesConfig struct {
	RulesFolder string `koanf:"rulesFolder"`
	RulesFile   string `koanf:"rulesFile"`
}

// RuleConfig mirrors the on-disk rule schema. The map key in a rule document
// supplies the rule name; the TTL is a duration string so operators can write
// "30s" or "5m" instead of raw seconds.
type RuleConfig struct {
	Upstream       string   `koanf:"upstream"`
	QueryArguments []string `koanf:"query-arguments"`
	TTL            string   `koanf:"ttl"`
	Filter         string   `koanf:"filter"`
	Anonymous      bool     `koanf:"anonymous"`
	Normalize      []string `koanf:"normalize"`
}

// DefinitionSkip describes a rule definition the loader intentionally ignored
// because it violated invariants (for example duplicate names across files).
// Runtime agents can surface these in health checks so operators know which
// definitions were quarantined.
type DefinitionSkip struct {
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces the invariants the rest of the process relies on.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port out of range: %d", c.Server.Listen.Port)
	}
	switch strings.ToLower(c.Server.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: server.logging.level unsupported: %s", c.Server.Logging.Level)
	}
	switch strings.ToLower(c.Server.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: server.logging.format unsupported: %s", c.Server.Logging.Format)
	}
	if c.Server.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: server.upstream.timeoutSeconds must be positive: %d", c.Server.Upstream.TimeoutSeconds)
	}
	if strings.TrimSpace(c.Server.Auth.Secret) == "" {
		return errors.New("config: server.auth.secret required")
	}
	if c.Server.Auth.OracleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: server.auth.oracleTimeoutSeconds must be positive: %d", c.Server.Auth.OracleTimeoutSeconds)
	}
	if c.Server.Store.TTLSeconds <= 0 {
		return fmt.Errorf("config: server.store.ttlSeconds must be positive: %d", c.Server.Store.TTLSeconds)
	}
	if c.Server.Store.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("config: server.store.leaseTTLSeconds must be positive: %d", c.Server.Store.LeaseTTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Store.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Store.Redis.Address) == "" {
			return errors.New("config: server.store.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Upstream: UpstreamConfig{
				TimeoutSeconds: 10,
			},
			Auth: AuthConfig{
				SessionServerURL:     "https://sessionserver.mojang.com/session/minecraft/hasJoined",
				OracleTimeoutSeconds: 5,
			},
			Store: StoreConfig{
				Backend:         "memory",
				TTLSeconds:      300,
				LeaseTTLSeconds: 10,
				Namespace:       "ursagate",
			},
			Rules: RulesConfig{
				RulesFolder: "./rules",
			},
		},
	}
}
