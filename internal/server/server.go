// Package server runs the gateway's HTTP listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

// Config holds configuration for one HTTP listener.
type Config struct {
	Name           string
	Address        string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
}

// DefaultConfig returns a Config with default values. The write timeout
// must exceed the proxy forward timeout, so callers usually override it.
func DefaultConfig(name string, port int) Config {
	return Config{
		Name:           name,
		Port:           port,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// Server is an http.Server with a start/stop lifecycle.
type Server struct {
	config     Config
	handler    http.Handler
	logger     observability.Logger
	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
	running    bool
}

// New creates a server for handler.
func New(config Config, handler http.Handler, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Server{
		config:  config,
		handler: handler,
		logger:  logger.With(observability.String("listener", config.Name)),
	}
}

// Listen binds the listener without serving, so bind errors surface
// before the process reports itself started.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve serves until Stop is called. It binds first if Listen was not
// called.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server %s already running", s.config.Name)
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}
	s.running = true
	httpServer, ln := s.httpServer, s.listener
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", s.config.ReadTimeout),
		observability.Duration("write_timeout", s.config.WriteTimeout),
	)

	err := httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server %s error: %w", s.config.Name, err)
	}

	return nil
}

// Stop stops the server gracefully, waiting for in-flight requests until
// ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		if s.listener != nil {
			_ = s.listener.Close()
			s.listener = nil
		}
		s.mu.Unlock()
		return nil
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server %s: %w", s.config.Name, err)
	}

	s.mu.Lock()
	s.running = false
	s.listener = nil
	s.mu.Unlock()

	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
