package middleware

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

// redactedParams are query parameters whose values are never logged.
var redactedParams = []string{"api-key"}

const redactedValue = "REDACTED"

type requestInfoKey struct{}

// RequestInfo carries per-request details filled in by the proxy handler
// and logged by Logging once the response is written.
type RequestInfo struct {
	mu      sync.Mutex
	method  string
	owner   string
	backend string
}

// SetRPCMethod records the JSON-RPC method of the request.
func (i *RequestInfo) SetRPCMethod(method string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.method = method
	i.mu.Unlock()
}

// SetOwner records the owner of the API key.
func (i *RequestInfo) SetOwner(owner string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.owner = owner
	i.mu.Unlock()
}

// SetBackend records the label of the selected backend.
func (i *RequestInfo) SetBackend(label string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.backend = label
	i.mu.Unlock()
}

func (i *RequestInfo) fields() []observability.Field {
	i.mu.Lock()
	defer i.mu.Unlock()

	var fields []observability.Field
	if i.method != "" {
		fields = append(fields, observability.String("rpc_method", i.method))
	}
	if i.owner != "" {
		fields = append(fields, observability.String("owner", i.owner))
	}
	if i.backend != "" {
		fields = append(fields, observability.String("backend", i.backend))
	}
	return fields
}

// ContextWithRequestInfo attaches an empty RequestInfo to ctx.
func ContextWithRequestInfo(ctx context.Context) (context.Context, *RequestInfo) {
	info := &RequestInfo{}
	return context.WithValue(ctx, requestInfoKey{}, info), info
}

// RequestInfoFromContext returns the RequestInfo of ctx, or nil. The
// setters are safe to call on nil.
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*RequestInfo)
	return info
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logging returns a middleware that logs one line per request, including
// whatever the handler recorded in the request's RequestInfo.
func Logging(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, info := ContextWithRequestInfo(r.Context())
			r = r.WithContext(ctx)

			rw := &responseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", RedactQuery(r.URL.RawQuery)),
				observability.Int("status", rw.status),
				observability.Int("size", rw.size),
				observability.Duration("duration", time.Since(start)),
				observability.String("remote_addr", r.RemoteAddr),
				observability.String("request_id", observability.RequestIDFromContext(r.Context())),
			}
			fields = append(fields, info.fields()...)

			logByStatus(logger, rw.status, "http request", fields)
		})
	}
}

func logByStatus(logger observability.Logger, status int, msg string, fields []observability.Field) {
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error(msg, fields...)
	case status >= http.StatusBadRequest:
		logger.Warn(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
}

// RedactQuery replaces credential-bearing parameter values in rawQuery.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return redactedValue
	}

	changed := false
	for _, name := range redactedParams {
		if vs, ok := values[name]; ok {
			for i := range vs {
				vs[i] = redactedValue
			}
			changed = true
		}
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}
