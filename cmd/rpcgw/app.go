package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
	"github.com/vyrodovalexey/rpcgw/internal/config"
	"github.com/vyrodovalexey/rpcgw/internal/health"
	"github.com/vyrodovalexey/rpcgw/internal/keystore"
	"github.com/vyrodovalexey/rpcgw/internal/middleware"
	"github.com/vyrodovalexey/rpcgw/internal/observability"
	"github.com/vyrodovalexey/rpcgw/internal/proxy"
	"github.com/vyrodovalexey/rpcgw/internal/router"
	"github.com/vyrodovalexey/rpcgw/internal/server"
)

// writeTimeoutMargin is added to the forward timeout so the listener never
// cuts off a response the proxy is still allowed to wait for.
const writeTimeoutMargin = 10 * time.Second

// application holds all application components.
type application struct {
	mu          sync.Mutex
	config      *config.RouterConfig
	health      *backend.HealthState
	holder      *router.Holder
	keys        keystore.Store
	checker     *health.Checker
	proxy       *proxy.ReverseProxy
	proxyServer *server.Server
	adminServer *server.Server
	metrics     *observability.Metrics
	mwMetrics   *middleware.Metrics
	tracer      *observability.Tracer
	logger      observability.Logger
	lastHash    string
	errCh       chan error
}

// initApplication initializes all application components. Failures are
// fatal.
func initApplication(cfg *config.RouterConfig, logger observability.Logger) *application {
	app, err := newApplication(context.Background(), cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize gateway", observability.Error(err))
	}
	return app
}

// newApplication wires the components without starting any loop or
// listener.
func newApplication(ctx context.Context, cfg *config.RouterConfig, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics("rpcgw")
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := initTracer(cfg, logger)
	if err != nil {
		return nil, err
	}

	keys, err := keystore.New(ctx, cfg, logger, metrics.Registry())
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	healthState := backend.NewHealthState()
	state, err := router.NewState(cfg, healthState)
	if err != nil {
		_ = keys.Close()
		_ = tracer.Shutdown(ctx)
		return nil, err
	}
	holder := router.NewHolder(state)

	app := &application{
		config:    cfg,
		health:    healthState,
		holder:    holder,
		keys:      keys,
		metrics:   metrics,
		mwMetrics: middleware.NewMetrics(metrics.Registry()),
		tracer:    tracer,
		logger:    logger,
		lastHash:  routingHash(cfg),
	}

	app.checker = health.NewChecker(holder,
		health.WithLogger(logger),
		health.WithMetrics(metrics),
	)
	app.proxy = proxy.NewReverseProxy(holder, keys,
		proxy.WithProxyLogger(logger),
		proxy.WithMetrics(metrics),
	)

	proxyCfg := server.DefaultConfig("proxy", cfg.Port)
	if wt := cfg.Proxy.Timeout() + writeTimeoutMargin; wt > proxyCfg.WriteTimeout {
		proxyCfg.WriteTimeout = wt
	}
	app.proxyServer = server.New(proxyCfg, app.proxyHandler(), logger.With(observability.String("listener", "proxy")))

	if cfg.AdminPort != 0 {
		status := health.NewHandler(holder, version)
		status.AddCheck("keystore", keys.Ping)
		engine := server.NewAdminEngine(status, metrics, app.mwMetrics, logger)
		app.adminServer = server.New(server.DefaultConfig("admin", cfg.AdminPort), engine,
			logger.With(observability.String("listener", "admin")))
	}

	logger.Info("gateway initialized",
		observability.Strings("backends", cfg.BackendLabels()),
		observability.Bool("tracing", cfg.Tracing.Enabled),
		observability.Bool("admin", app.adminServer != nil),
	)

	return app, nil
}

// proxyHandler builds the middleware chain around the proxy. The first
// middleware is the outermost.
func (app *application) proxyHandler() http.Handler {
	return middleware.Chain(app.proxy,
		middleware.Recovery(app.logger, app.mwMetrics),
		middleware.RequestID(),
		observability.TracingMiddleware(app.tracer),
		middleware.Logging(app.logger),
	)
}

// initTracer initializes the tracer from the tracing section.
func initTracer(cfg *config.RouterConfig, logger observability.Logger) (*observability.Tracer, error) {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled",
			observability.String("endpoint", cfg.Tracing.OTLPEndpoint),
		)
	}
	return tracer, nil
}
