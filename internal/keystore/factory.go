package keystore

import (
	"context"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/rpcgw/internal/config"
	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

// MemoryScheme selects the in-memory store.
const MemoryScheme = "memory"

// IsMemoryURL reports whether redisURL selects the in-memory store.
func IsMemoryURL(redisURL string) bool {
	u, err := url.Parse(redisURL)
	return err == nil && strings.EqualFold(u.Scheme, MemoryScheme)
}

// New builds the store selected by cfg.RedisURL. reg may be nil.
func New(
	ctx context.Context,
	cfg *config.RouterConfig,
	logger observability.Logger,
	reg prometheus.Registerer,
) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	if IsMemoryURL(cfg.RedisURL) {
		logger.Info("using in-memory key store",
			observability.Int("keys", len(cfg.APIKeys)),
		)
		return NewMemoryStore(cfg.APIKeys, cfg.KeyStore.RateWindow.Duration()), nil
	}

	redisCfg := DefaultRedisConfig()
	redisCfg.URL = cfg.RedisURL
	redisCfg.Prefix = cfg.KeyStore.Prefix
	redisCfg.RateWindow = cfg.KeyStore.RateWindow.Duration()
	redisCfg.Logger = logger
	redisCfg.Registerer = reg

	store, err := NewRedisStore(ctx, redisCfg)
	if err != nil {
		return nil, err
	}

	logger.Info("connected to Redis key store",
		observability.String("prefix", redisCfg.Prefix),
		observability.Duration("rate_window", redisCfg.RateWindow),
	)

	return store, nil
}
