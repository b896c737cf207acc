package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.Auth.Secret = "test-secret"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults with secret pass",
			mutate: func(*Config) {},
		},
		{
			name:    "rejects zero port",
			mutate:  func(cfg *Config) { cfg.Server.Listen.Port = 0 },
			wantErr: "listen.port",
		},
		{
			name:    "rejects oversized port",
			mutate:  func(cfg *Config) { cfg.Server.Listen.Port = 70000 },
			wantErr: "listen.port",
		},
		{
			name:    "rejects unknown log level",
			mutate:  func(cfg *Config) { cfg.Server.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "rejects unknown log format",
			mutate:  func(cfg *Config) { cfg.Server.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "rejects missing secret",
			mutate:  func(cfg *Config) { cfg.Server.Auth.Secret = "  " },
			wantErr: "auth.secret",
		},
		{
			name:    "rejects non-positive upstream timeout",
			mutate:  func(cfg *Config) { cfg.Server.Upstream.TimeoutSeconds = 0 },
			wantErr: "upstream.timeoutSeconds",
		},
		{
			name:    "rejects non-positive oracle timeout",
			mutate:  func(cfg *Config) { cfg.Server.Auth.OracleTimeoutSeconds = -1 },
			wantErr: "oracleTimeoutSeconds",
		},
		{
			name:    "rejects non-positive ttl",
			mutate:  func(cfg *Config) { cfg.Server.Store.TTLSeconds = 0 },
			wantErr: "store.ttlSeconds",
		},
		{
			name:    "rejects non-positive lease ttl",
			mutate:  func(cfg *Config) { cfg.Server.Store.LeaseTTLSeconds = 0 },
			wantErr: "leaseTTLSeconds",
		},
		{
			name: "redis backend requires address",
			mutate: func(cfg *Config) {
				cfg.Server.Store.Backend = "redis"
				cfg.Server.Store.Redis.Address = ""
			},
			wantErr: "redis.address",
		},
		{
			name: "redis backend with address passes",
			mutate: func(cfg *Config) {
				cfg.Server.Store.Backend = "redis"
				cfg.Server.Store.Redis.Address = "localhost:6379"
			},
		},
		{
			name:    "rejects unknown backend",
			mutate:  func(cfg *Config) { cfg.Server.Store.Backend = "etcd" },
			wantErr: "store.backend",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "memory", cfg.Server.Store.Backend)
	require.Equal(t, 10, cfg.Server.Store.LeaseTTLSeconds)
	require.Equal(t, "ursagate", cfg.Server.Store.Namespace)
	require.Equal(t, "./rules", cfg.Server.Rules.RulesFolder)
	require.Contains(t, cfg.Server.Auth.SessionServerURL, "sessionserver.mojang.com")
}
