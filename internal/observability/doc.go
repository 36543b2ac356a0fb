// Package observability provides logging, metrics, and tracing
// for the gateway.
//
// Logging is structured via zap behind the Logger interface:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("backend marked unhealthy",
//	    observability.String("backend", "primary"),
//	    observability.Uint32("consecutive_failures", 3),
//	)
//
// Metrics live on a private Prometheus registry exposed through
// Metrics.Handler. The per-backend health gauge is
// rpcgw_backend_health{backend} (1 healthy, 0 unhealthy).
//
// Tracing is optional and exports spans over OTLP gRPC. Each proxied
// call gets one server span carrying the JSON-RPC method, key owner and
// backend; log lines written under that span include its trace_id and
// span_id.
package observability
