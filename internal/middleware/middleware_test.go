package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func observedLogger(level zapcore.Level) (observability.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return observability.NewZapLogger(zap.New(core)), logs
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "generates new request ID", incoming: "", keep: false},
		{name: "uses existing request ID", incoming: "existing-request-id-123", keep: true},
		{name: "replaces non-printable ID", incoming: "bad id", keep: false},
		{name: "replaces oversized ID", incoming: strings.Repeat("a", 200), keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var captured string
			handler := RequestIDWithGenerator(func() string { return "generated" })(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					captured = observability.RequestIDFromContext(r.Context())
				}),
			)

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			want := "generated"
			if tt.keep {
				want = tt.incoming
			}
			assert.Equal(t, want, captured)
			assert.Equal(t, want, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestRequestID_DefaultGeneratorIsUUID(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	RequestID()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestLogging_IncludesRequestInfoAndRedactsKey(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.DebugLevel)
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := RequestInfoFromContext(r.Context())
		info.SetRPCMethod("getSlot")
		info.SetOwner("alice")
		info.SetBackend("primary")
		w.WriteHeader(http.StatusTooManyRequests)
	}), RequestIDWithGenerator(func() string { return "rid-1" }), Logging(logger))

	req := httptest.NewRequest(http.MethodPost, "/rpc?api-key=secret&foo=bar", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)

	fields := entry.ContextMap()
	assert.Equal(t, "getSlot", fields["rpc_method"])
	assert.Equal(t, "alice", fields["owner"])
	assert.Equal(t, "primary", fields["backend"])
	assert.Equal(t, "rid-1", fields["request_id"])
	assert.Equal(t, int64(http.StatusTooManyRequests), fields["status"])
	assert.NotContains(t, fields["query"], "secret")
}

func TestRequestInfo_NilSafe(t *testing.T) {
	t.Parallel()

	info := RequestInfoFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.Nil(t, info)
	assert.NotPanics(t, func() {
		info.SetOwner("x")
		info.SetBackend("y")
		info.SetRPCMethod("z")
	})
}

func TestRedactQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", RedactQuery(""))
	assert.Equal(t, "a=1&b=2", RedactQuery("a=1&b=2"))
	assert.Equal(t, "api-key=REDACTED&b=2", RedactQuery("api-key=s3cret&b=2"))
	assert.Equal(t, "REDACTED", RedactQuery("%zz"))
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.ErrorLevel)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	handler := Recovery(logger, metrics)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, errInternalServerError, rec.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.panicsRecovered.WithLabelValues("proxy")))
}

func TestRecovery_NilMetrics(t *testing.T) {
	t.Parallel()

	handler := Recovery(observability.NopLogger(), nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGinMiddleware(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.DebugLevel)
	engine := gin.New()
	engine.Use(GinRequestID(), GinLogging(logger, "/health"), GinRecovery(logger, nil))
	engine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, observability.RequestIDFromContext(c.Request.Context()))
	})
	engine.GET("/panic", func(*gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
	assert.Equal(t, rec.Header().Get(RequestIDHeader), rec.Body.String())

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.Equal(t, zapcore.DebugLevel, logs.FilterMessage("admin request").All()[0].Level)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}
