package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules,
// then resolves the rule documents the snapshot points at.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"server.upstream.apikey":           "server.upstream.apiKey",
			"server.upstream.timeoutseconds":   "server.upstream.timeoutSeconds",
			"server.auth.allowanonymous":       "server.auth.allowAnonymous",
			"server.auth.sessionserverurl":     "server.auth.sessionServerURL",
			"server.auth.oracletimeoutseconds": "server.auth.oracleTimeoutSeconds",
			"server.store.ttlseconds":          "server.store.ttlSeconds",
			"server.store.leasettlseconds":     "server.store.leaseTTLSeconds",
			"server.store.redis.tls.cafile":    "server.store.redis.tls.caFile",
			"server.rules.rulesfolder":         "server.rules.rulesFolder",
			"server.rules.rulesfile":           "server.rules.rulesFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineRules = cloneRuleMap(cfg.Rules)

	bundle, err := buildRuleBundle(ctx, cfg.InlineRules, cfg.Server)
	if err != nil {
		return Config{}, err
	}
	cfg.Rules = nil
	cfg.RuleSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	cfg.Definitions = bundle.Definitions
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"upstream": map[string]any{
				"apiKey":         cfg.Server.Upstream.APIKey,
				"timeoutSeconds": cfg.Server.Upstream.TimeoutSeconds,
			},
			"auth": map[string]any{
				"secret":               cfg.Server.Auth.Secret,
				"allowAnonymous":       cfg.Server.Auth.AllowAnonymous,
				"sessionServerURL":     cfg.Server.Auth.SessionServerURL,
				"oracleTimeoutSeconds": cfg.Server.Auth.OracleTimeoutSeconds,
			},
			"store": map[string]any{
				"backend":         cfg.Server.Store.Backend,
				"ttlSeconds":      cfg.Server.Store.TTLSeconds,
				"leaseTTLSeconds": cfg.Server.Store.LeaseTTLSeconds,
				"namespace":       cfg.Server.Store.Namespace,
				"redis": map[string]any{
					"address":  cfg.Server.Store.Redis.Address,
					"username": cfg.Server.Store.Redis.Username,
					"password": cfg.Server.Store.Redis.Password,
					"db":       cfg.Server.Store.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Store.Redis.TLS.CAFile,
					},
				},
			},
			"rules": map[string]any{
				"rulesFolder": cfg.Server.Rules.RulesFolder,
				"rulesFile":   cfg.Server.Rules.RulesFile,
			},
		},
	}
}
