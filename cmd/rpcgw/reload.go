package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"

	jsoniter "github.com/json-iterator/go"

	"github.com/vyrodovalexey/rpcgw/internal/config"
	"github.com/vyrodovalexey/rpcgw/internal/observability"
	"github.com/vyrodovalexey/rpcgw/internal/router"
)

var errNilConfig = errors.New("reloaded configuration is nil")

// routingSection is the part of the configuration a reload can change
// without a restart.
type routingSection struct {
	Backends     []config.BackendConfig   `json:"backends"`
	Proxy        config.ProxyConfig       `json:"proxy"`
	MethodRoutes map[string]string        `json:"method_routes"`
	HealthCheck  config.HealthCheckConfig `json:"health_check"`
}

// routingHash fingerprints the reloadable section so that file events which
// leave it unchanged do not rebuild the router.
func routingHash(cfg *config.RouterConfig) string {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(routingSection{
		Backends:     cfg.Backends,
		Proxy:        cfg.Proxy,
		MethodRoutes: cfg.MethodRoutes,
		HealthCheck:  cfg.HealthCheck,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// applyReload builds a snapshot from newCfg and swaps it in. Health records
// of surviving labels carry over because the health state is shared. On
// error the running snapshot is kept.
func (app *application) applyReload(newCfg *config.RouterConfig) error {
	if newCfg == nil {
		app.metrics.RecordReload(false)
		return errNilConfig
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	warnRestartRequired(app.logger, app.config, newCfg)

	hash := routingHash(newCfg)
	if hash != "" && hash == app.lastHash {
		app.logger.Debug("configuration unchanged, skipping reload")
		app.config = newCfg
		return nil
	}

	next, err := router.NewState(newCfg, app.health)
	if err != nil {
		app.metrics.RecordReload(false)
		return err
	}

	app.holder.Swap(next)
	app.config = newCfg
	app.lastHash = hash
	app.metrics.RecordReload(true)

	app.logger.Info("configuration reloaded",
		observability.Strings("backends", newCfg.BackendLabels()),
		observability.Int("healthy", next.HealthyCount()),
		observability.Int("method_routes", len(newCfg.MethodRoutes)),
	)
	return nil
}

// warnRestartRequired logs settings that only take effect on restart.
func warnRestartRequired(logger observability.Logger, oldCfg, newCfg *config.RouterConfig) {
	for _, field := range restartOnlyChanges(oldCfg, newCfg) {
		logger.Warn("configuration change requires restart", observability.String("field", field))
	}
}

// restartOnlyChanges names the restart-only fields that differ between
// oldCfg and newCfg.
func restartOnlyChanges(oldCfg, newCfg *config.RouterConfig) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var fields []string
	if oldCfg.Port != newCfg.Port {
		fields = append(fields, "port")
	}
	if oldCfg.AdminPort != newCfg.AdminPort {
		fields = append(fields, "admin_port")
	}
	if oldCfg.RedisURL != newCfg.RedisURL {
		fields = append(fields, "redis_url")
	}
	if oldCfg.KeyStore != newCfg.KeyStore {
		fields = append(fields, "keystore")
	}
	if oldCfg.Tracing != newCfg.Tracing {
		fields = append(fields, "tracing")
	}
	if !slices.Equal(oldCfg.APIKeys, newCfg.APIKeys) {
		fields = append(fields, "api_keys")
	}
	return fields
}

// startConfigWatcher starts watching the configuration file. A watcher
// that cannot start is logged and the gateway keeps its startup config.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	logger := app.logger
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.RouterConfig) {
		logger.Info("configuration changed, reloading")
		if reloadErr := app.applyReload(newCfg); reloadErr != nil {
			logger.Error("failed to reload configuration", observability.Error(reloadErr))
		}
	},
		config.WithLogger(logger),
		config.WithErrorCallback(func(error) {
			app.metrics.RecordReload(false)
		}),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}
