package server

import (
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/rpcgw/internal/health"
	"github.com/vyrodovalexey/rpcgw/internal/middleware"
	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// NewAdminEngine builds the admin API: backend status, liveness,
// readiness and Prometheus metrics.
func NewAdminEngine(
	status *health.Handler,
	metrics *observability.Metrics,
	mwMetrics *middleware.Metrics,
	logger observability.Logger,
) *gin.Engine {
	ginModeOnce.Do(func() {
		if gin.Mode() == gin.DebugMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	engine := gin.New()
	engine.Use(
		middleware.GinRequestID(),
		middleware.GinLogging(logger, "/health", "/ready", "/metrics"),
		middleware.GinRecovery(logger, mwMetrics),
	)

	status.Register(engine)
	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	return engine
}
