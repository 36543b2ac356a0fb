package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

// GinRequestID returns the Gin variant of RequestID.
func GinRequestID() gin.HandlerFunc {
	mw := RequestID()
	return func(c *gin.Context) {
		mw(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			c.Request = r
			c.Next()
		})).ServeHTTP(c.Writer, c.Request)
	}
}

// GinRecovery returns a Gin middleware that recovers from panics.
func GinRecovery(logger observability.Logger, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					observability.Any("error", err),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("request_id", observability.RequestIDFromContext(c.Request.Context())),
					observability.String("stack", string(debug.Stack())),
				)
				metrics.recordPanic("admin")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal",
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}

// GinLogging returns a Gin middleware that logs requests. Probe and scrape
// paths are logged at debug level.
func GinLogging(logger observability.Logger, quietPaths ...string) gin.HandlerFunc {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.String("query", RedactQuery(c.Request.URL.RawQuery)),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
			observability.String("request_id", observability.RequestIDFromContext(c.Request.Context())),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		if quiet[path] && status < http.StatusBadRequest {
			logger.Debug("admin request", fields...)
			return
		}
		logByStatus(logger, status, "admin request", fields)
	}
}
