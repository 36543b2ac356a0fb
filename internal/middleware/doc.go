// Package middleware provides the HTTP middleware shared by the proxy
// listener and the admin server.
//
// The net/http middleware wraps the proxy handler:
//
//	handler := middleware.Chain(proxyHandler,
//	    middleware.RequestID(),
//	    middleware.Logging(logger),
//	    middleware.Recovery(logger, metrics),
//	)
//
// The Gin variants do the same for the admin engine. Query parameters that
// carry credentials are redacted before anything is logged.
package middleware
