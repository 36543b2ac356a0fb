package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
	"github.com/vyrodovalexey/rpcgw/internal/observability"
	"github.com/vyrodovalexey/rpcgw/internal/router"
)

// Checker runs the probe loop against whatever State the holder currently
// publishes.
type Checker struct {
	holder    *router.Holder
	client    *http.Client
	logger    observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
}

// Option is a functional option for configuring the checker.
type Option func(*Checker)

// WithLogger sets the logger for the checker.
func WithLogger(logger observability.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithClient sets the HTTP client used for probes. Per-probe deadlines come
// from the health-check timeout, so the client itself needs none.
func WithClient(client *http.Client) Option {
	return func(c *Checker) {
		c.client = client
	}
}

// WithMetrics enables health metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Checker) {
		c.metrics = metrics
	}
}

// WithClock overrides the time source used for last_check_time.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// NewChecker creates a new health checker.
func NewChecker(holder *router.Holder, opts ...Option) *Checker {
	c := &Checker{
		holder:    holder,
		logger:    observability.NopLogger(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.client = backend.NewConnectionPool(backend.ProbePoolConfig()).Client()
	}

	return c
}

// Start starts the probe loop in the background. The first cycle runs
// immediately.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop stops the loop and waits for the current cycle to finish.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.stoppedCh
}

// IsRunning reports whether the loop is running.
func (c *Checker) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.stoppedCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-timer.C:
			// The interval is re-read every cycle so a reload can change it.
			timer.Reset(c.RunCycle(ctx))
		}
	}
}

// RunCycle probes every backend of the current snapshot once, applies the
// outcomes and returns the interval to wait before the next cycle. The
// snapshot is loaded once and released when RunCycle returns.
func (c *Checker) RunCycle(ctx context.Context) time.Duration {
	snap := c.holder.Load()
	hc := snap.HealthCheck()
	health := snap.Health()
	backends := snap.Backends()
	snap.SyncHealth()

	for _, label := range health.Retain(snap.Labels()) {
		if c.metrics != nil {
			c.metrics.ForgetBackend(label)
		}
	}

	outcomes := c.probeAll(ctx, backends, snap)
	if ctx.Err() != nil {
		return hc.Interval()
	}

	tip := TipOf(outcomes)
	now := c.now()

	for i, b := range backends {
		c.apply(b, health, outcomes[i], tip, snap, now)
	}

	// A reload during the cycle copied flags before these verdicts landed.
	if current := c.holder.Load(); current != snap {
		current.SyncHealth()
	}

	return hc.Interval()
}

// probeAll probes every backend concurrently and waits for all of them.
func (c *Checker) probeAll(ctx context.Context, backends []*backend.Backend, snap *router.State) []Outcome {
	hc := snap.HealthCheck()
	outcomes := make([]Outcome, len(backends))

	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b *backend.Backend) {
			defer wg.Done()
			outcomes[i] = probe(ctx, c.client, b, hc)
		}(i, b)
	}
	wg.Wait()

	return outcomes
}

func (c *Checker) apply(
	b *backend.Backend,
	health *backend.HealthState,
	o Outcome,
	tip Tip,
	snap *router.State,
	now time.Time,
) {
	hc := snap.HealthCheck()
	prev := health.Ensure(b.Label)
	next, transition := Evaluate(prev, o, tip, hc, now)
	health.Publish(b, next)

	lag := Lagging(o, tip, hc.MaxSlotLag)
	c.observe(b, o, tip, lag, next)

	switch transition {
	case TransitionToUnhealthy:
		c.logger.Warn("backend marked unhealthy",
			observability.String("backend", b.Label),
			observability.Uint32("consecutive_failures", next.ConsecutiveFailures),
			observability.String("last_error", next.LastError),
		)
	case TransitionToHealthy:
		c.logger.Info("backend recovered",
			observability.String("backend", b.Label),
			observability.Uint32("consecutive_successes", next.ConsecutiveSuccesses),
		)
	case TransitionNone:
		if next.LastError != "" {
			c.logger.Debug("health probe failed",
				observability.String("backend", b.Label),
				observability.Uint32("consecutive_failures", next.ConsecutiveFailures),
				observability.String("error", next.LastError),
			)
		}
	}
}

func (c *Checker) observe(b *backend.Backend, o Outcome, tip Tip, lag *LagError, next backend.HealthStatus) {
	if c.metrics == nil {
		return
	}

	result := observability.ProbeResultSuccess
	switch {
	case o.Err != nil:
		result = observability.ProbeResultFailure
	case lag != nil:
		result = observability.ProbeResultLagging
	}
	c.metrics.RecordProbe(b.Label, result, o.Duration)
	c.metrics.SetBackendHealth(b.Label, next.Healthy)

	if o.Err == nil && o.HasHeight {
		var behind uint64
		if tip.Valid && tip.Height > o.Height {
			behind = tip.Height - o.Height
		}
		c.metrics.SetBackendSlot(b.Label, o.Height, behind)
	}
}
