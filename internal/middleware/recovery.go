package middleware

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

const errInternalServerError = `{"error":"internal","message":"internal server error"}`

// Recovery returns a middleware that recovers from panics. metrics may be nil.
func Recovery(logger observability.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				//nolint:errorlint // re-panic the sentinel unchanged
				if err == http.ErrAbortHandler {
					panic(err)
				}

				logger.Error("panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.String("request_id", observability.RequestIDFromContext(r.Context())),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)
				metrics.recordPanic("proxy")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, errInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
