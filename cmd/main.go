package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/ursagate/internal/auth"
	"github.com/l0p7/ursagate/internal/config"
	"github.com/l0p7/ursagate/internal/expr"
	"github.com/l0p7/ursagate/internal/gateway"
	"github.com/l0p7/ursagate/internal/logging"
	"github.com/l0p7/ursagate/internal/metrics"
	"github.com/l0p7/ursagate/internal/rules"
	"github.com/l0p7/ursagate/internal/server"
	"github.com/l0p7/ursagate/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "URSAGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	responseStore, err := buildStore(logger, cfg.Server.Store)
	if err != nil {
		logger.Error("store setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := responseStore.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	env, err := expr.NewEnvironment()
	if err != nil {
		logger.Error("filter environment setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	table, err := rules.NewTable(cfg.Definitions, env, nil)
	if err != nil {
		logger.Error("rule table construction failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("rule table loaded",
		slog.Int("rules", table.Len()),
		slog.Int("skipped", len(cfg.SkippedDefinitions)))
	for _, skip := range cfg.SkippedDefinitions {
		logger.Warn("rule definition skipped",
			slog.String("rule", skip.Name),
			slog.String("reason", skip.Reason))
	}

	issuer, err := auth.NewIssuer([]byte(cfg.Server.Auth.Secret))
	if err != nil {
		logger.Error("token issuer setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	oracle := auth.NewMojangClient(nil, cfg.Server.Auth.SessionServerURL,
		time.Duration(cfg.Server.Auth.OracleTimeoutSeconds)*time.Second)

	metricsRecorder := metrics.NewRecorder(prometheus.NewRegistry())

	gw := gateway.New(gateway.Deps{
		Table:  table,
		Broker: auth.NewBroker(issuer, oracle, logger),
		Store:  responseStore,
		Fetcher: gateway.NewFetcher(nil, cfg.Server.Upstream.APIKey,
			time.Duration(cfg.Server.Upstream.TimeoutSeconds)*time.Second, logger),
		Coalescer: gateway.NewCoalescer(responseStore,
			time.Duration(cfg.Server.Store.LeaseTTLSeconds)*time.Second, metricsRecorder, logger),
		Metrics:        metricsRecorder,
		Logger:         logger,
		AllowAnonymous: cfg.Server.Auth.AllowAnonymous,
		Version:        version,
	})

	router := server.NewRouter(gw.Handler(), metricsRecorder.Handler(), server.HealthReport{
		Rules:              table.Names(),
		SkippedDefinitions: cfg.SkippedDefinitions,
	})

	srv, err := server.New(cfg.Server.Listen, logger, router)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildStore(logger *slog.Logger, cfg config.StoreConfig) (store.Store, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using in-memory response store")
		return store.NewMemory(), nil
	case "redis":
		logger.Info("using redis response store", slog.String("address", cfg.Redis.Address))
		return store.NewRedis(store.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
