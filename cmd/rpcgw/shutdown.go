package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/rpcgw/internal/config"
	"github.com/vyrodovalexey/rpcgw/internal/observability"
	"github.com/vyrodovalexey/rpcgw/internal/server"
)

const shutdownTimeout = 30 * time.Second

// runGateway binds the listeners, starts the health checker and the config
// watcher, then blocks until a shutdown signal arrives.
func runGateway(app *application, configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.start(ctx); err != nil {
		fatalWithSync(app.logger, "failed to start gateway", observability.Error(err))
		return
	}

	watcher := startConfigWatcher(ctx, app, configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		app.logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-app.serveErrors():
		app.logger.Error("listener failed", observability.Error(err))
	}

	app.shutdown(watcher)
}

// start binds every listener before serving any of them, so a port clash
// aborts startup before the gateway reports itself up.
func (app *application) start(ctx context.Context) error {
	servers := app.servers()
	for i, srv := range servers {
		if err := srv.Listen(); err != nil {
			app.releaseListeners(servers[:i])
			return err
		}
	}

	app.checker.Start(ctx)

	errCh := make(chan error, len(app.servers()))
	for _, srv := range app.servers() {
		go func(srv *server.Server) {
			if err := srv.Serve(); err != nil {
				errCh <- err
			}
		}(srv)
	}
	app.errCh = errCh

	app.logger.Info("gateway started",
		observability.String("proxy_address", app.proxyServer.Addr().String()),
	)
	return nil
}

// releaseListeners closes listeners bound by a start that did not finish.
func (app *application) releaseListeners(bound []*server.Server) {
	for _, srv := range bound {
		if err := srv.Stop(context.Background()); err != nil {
			app.logger.Warn("failed to release listener", observability.Error(err))
		}
	}
}

func (app *application) servers() []*server.Server {
	servers := []*server.Server{app.proxyServer}
	if app.adminServer != nil {
		servers = append(servers, app.adminServer)
	}
	return servers
}

func (app *application) serveErrors() <-chan error {
	return app.errCh
}

// shutdown stops components in reverse dependency order.
func (app *application) shutdown(watcher *config.Watcher) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	for _, srv := range app.servers() {
		if err := srv.Stop(shutdownCtx); err != nil {
			app.logger.Error("failed to stop server gracefully", observability.Error(err))
		}
	}

	app.checker.Stop()

	if err := app.keys.Close(); err != nil {
		app.logger.Error("failed to close key store", observability.Error(err))
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	app.logger.Info("gateway stopped")
}
