package backend

import (
	"net"
	"net/http"
	"time"
)

// PoolConfig contains upstream connection pool configuration.
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	DialTimeout           time.Duration
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	DisableCompression    bool
}

// DefaultPoolConfig returns the pool used for forwarded requests.
// ResponseHeaderTimeout is left to the per-request context deadline.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		DialTimeout:         10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
}

// ProbePoolConfig returns a small pool for health probes.
func ProbePoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 2,
		DialTimeout:         5 * time.Second,
		IdleConnTimeout:     60 * time.Second,
	}
}

// ConnectionPool owns the transport shared by every request to the
// backends. Compression is disabled on the forwarding pool so response
// bodies and Content-Encoding pass through untouched.
type ConnectionPool struct {
	config    PoolConfig
	transport *http.Transport
	client    *http.Client
}

// NewConnectionPool creates a new connection pool.
func NewConnectionPool(cfg PoolConfig) *ConnectionPool {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    cfg.DisableCompression,
	}

	// Deadlines come from the request context.
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &ConnectionPool{
		config:    cfg,
		transport: transport,
		client:    client,
	}
}

// Client returns the HTTP client.
func (p *ConnectionPool) Client() *http.Client {
	return p.client
}

// CloseIdleConnections closes idle connections.
func (p *ConnectionPool) CloseIdleConnections() {
	p.transport.CloseIdleConnections()
}
