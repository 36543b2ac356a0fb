package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
	"github.com/vyrodovalexey/rpcgw/internal/router"
)

// DefaultReadinessProbeTimeout bounds dependency checks run by /ready.
const DefaultReadinessProbeTimeout = 5 * time.Second

// BackendReport is one entry of the status endpoint.
type BackendReport struct {
	Label  string `json:"label"`
	URL    string `json:"url"`
	Weight uint32 `json:"weight"`
	backend.HealthStatus
}

// StatusReport is the body of GET /status.
type StatusReport struct {
	Healthy   int             `json:"healthy"`
	Total     int             `json:"total"`
	Backends  []BackendReport `json:"backends"`
	Timestamp time.Time       `json:"timestamp"`
}

// CheckResult is the outcome of one readiness dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Handler serves the admin status, liveness and readiness endpoints.
type Handler struct {
	holder    *router.Holder
	version   string
	startTime time.Time
	timeout   time.Duration
	checks    map[string]func(ctx context.Context) error
	mu        sync.RWMutex
}

// NewHandler creates a status handler reading from holder.
func NewHandler(holder *router.Holder, version string) *Handler {
	return &Handler{
		holder:    holder,
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultReadinessProbeTimeout,
		checks:    make(map[string]func(ctx context.Context) error),
	}
}

// AddCheck registers a dependency that must pass for /ready to succeed.
func (h *Handler) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Register mounts the endpoints on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/status", h.StatusHandler())
	r.GET("/status/:label", h.BackendStatusHandler())
	r.GET("/health", h.LivenessHandler())
	r.GET("/ready", h.ReadinessHandler())
}

// Report builds the status report from the current snapshot. Records for
// labels no longer configured are not reported.
func (h *Handler) Report() StatusReport {
	snap := h.holder.Load()
	statuses := snap.Health().All()

	report := StatusReport{
		Backends:  make([]BackendReport, 0, len(snap.Backends())),
		Timestamp: time.Now().UTC(),
	}
	for _, b := range snap.Backends() {
		entry := reportFor(b, statuses)
		if entry.Healthy {
			report.Healthy++
		}
		report.Backends = append(report.Backends, entry)
	}
	report.Total = len(report.Backends)

	return report
}

func reportFor(b *backend.Backend, statuses map[string]backend.HealthStatus) BackendReport {
	status, ok := statuses[b.Label]
	if !ok {
		status = backend.DefaultHealthStatus()
	}
	// The flag is what routing uses.
	status.Healthy = b.IsHealthy()

	target := b.Target()
	target.RawQuery = ""

	return BackendReport{
		Label:        b.Label,
		URL:          target.Redacted(),
		Weight:       b.Weight,
		HealthStatus: status,
	}
}

// StatusHandler returns GET /status.
func (h *Handler) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Report())
	}
}

// BackendStatusHandler returns GET /status/:label.
func (h *Handler) BackendStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		label := c.Param("label")
		snap := h.holder.Load()

		b, ok := snap.Backend(label)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "unknown backend '" + label + "'",
			})
			return
		}

		c.JSON(http.StatusOK, reportFor(b, snap.Health().All()))
	}
}

// LivenessHandler returns GET /health.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"version":   h.version,
			"uptime":    time.Since(h.startTime).Round(time.Second).String(),
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler returns GET /ready. The gateway is ready when at least
// one backend is healthy and every registered dependency passes.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()

		checks := h.runChecks(ctx)

		snap := h.holder.Load()
		healthy := snap.HealthyCount()
		backends := CheckResult{Status: "ok"}
		if healthy == 0 {
			backends = CheckResult{Status: "error", Error: router.ErrNoHealthyBackend.Error()}
		}
		checks["backends"] = backends

		status, code := "ok", http.StatusOK
		for _, result := range checks {
			if result.Status != "ok" {
				status, code = "error", http.StatusServiceUnavailable
				break
			}
		}

		c.JSON(code, gin.H{
			"status":           status,
			"healthy_backends": healthy,
			"total_backends":   len(snap.Backends()),
			"checks":           checks,
			"timestamp":        time.Now().UTC(),
		})
	}
}

func (h *Handler) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := make([]func(context.Context) error, len(names))
	for i, name := range names {
		fns[i] = h.checks[name]
	}
	h.mu.RUnlock()

	results := make(map[string]CheckResult, len(names)+1)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			result := CheckResult{Status: "ok"}
			if err := fn(ctx); err != nil {
				result = CheckResult{Status: "error", Error: err.Error()}
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, fns[i])
	}
	wg.Wait()

	return results
}
