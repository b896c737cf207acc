package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig

	// Namespace prefixes every key so multiple deployments can share one
	// backend. Defaults to "ursagate".
	Namespace string
}

type redisStore struct {
	client    valkey.Client
	namespace string
}

// Entries and leases live in separate key spaces so releasing a lease can
// never delete a cached entry under the same logical key.
func (s *redisStore) entryKey(key string) string { return s.namespace + ":entry:" + key }
func (s *redisStore) leaseKey(key string) string { return s.namespace + ":lease:" + key }
func (s *redisStore) hitsKey(key string) string  { return s.namespace + ":" + key }

// NewRedis connects to a Valkey/Redis backend and verifies it with a ping
// before handing the store to the gateway.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "ursagate"
	}
	return &redisStore{client: client, namespace: namespace}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.entryKey(key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("store: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("store: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("store: redis entry ttl required")
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: redis marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(s.entryKey(key)).Value(string(payload)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

// AcquireLease maps to SET NX PX so exactly one gateway instance wins the
// conditional create across the whole deployment.
func (s *redisStore) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cmd := s.client.B().Set().Key(s.leaseKey(key)).Value("1").Nx().Px(ttl).Build()
	resp := s.client.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("store: redis lease: %w", err)
	}
	return true, nil
}

func (s *redisStore) ReleaseLease(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.leaseKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("store: redis lease release: %w", err)
	}
	return nil
}

func (s *redisStore) IncrRuleHit(ctx context.Context, key, member string) error {
	cmd := s.client.B().Zincrby().Key(s.hitsKey(key)).Increment(1).Member(member).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis zincrby: %w", err)
	}
	return nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
