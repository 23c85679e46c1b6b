package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/koltyakov/tunnelrelay/internal/adminhttp"
	"github.com/koltyakov/tunnelrelay/internal/config"
	ilog "github.com/koltyakov/tunnelrelay/internal/log"
	"github.com/koltyakov/tunnelrelay/internal/relay"
	"github.com/koltyakov/tunnelrelay/internal/store/memory"
	"github.com/koltyakov/tunnelrelay/internal/store/redis"
	"github.com/koltyakov/tunnelrelay/internal/store/sqlite"
)

type relayStore interface {
	relay.Store
	io.Closer
}

func runRelay(ctx context.Context, args []string) int {
	cfg, err := config.ParseRelayFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "relay config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "store error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	metrics := relay.NewMetrics()
	s := relay.New(cfg, store, logger, metrics)

	if addr, err := adminhttp.Start(ctx, cfg.AdminListen, metrics.Registry, logger); err != nil {
		fmt.Fprintln(stderr, "admin listener error:", err)
		return 1
	} else if addr != nil {
		logger.Info("admin listener started", "addr", addr.String())
	}

	logger.Info("relay starting", "version", Version, "listen", cfg.Listen, "store", cfg.Store, "tls_mode", cfg.TLSMode)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(stderr, "relay error:", err)
		return 1
	}
	return 0
}

func openStore(ctx context.Context, cfg config.RelayConfig) (relayStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreRedis:
		return redis.Open(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	case config.StoreSQLite:
		return sqlite.Open(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}
