package health

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
	"github.com/vyrodovalexey/rpcgw/internal/config"
)

// Transition describes a verdict flip produced by Evaluate.
type Transition int

// Transition values.
const (
	TransitionNone Transition = iota
	TransitionToHealthy
	TransitionToUnhealthy
)

// String returns the transition name.
func (t Transition) String() string {
	switch t {
	case TransitionToHealthy:
		return "to_healthy"
	case TransitionToUnhealthy:
		return "to_unhealthy"
	default:
		return "none"
	}
}

// Outcome is the result of one probe.
type Outcome struct {
	Height    uint64
	HasHeight bool
	Err       error
	Duration  time.Duration
}

// Tip is the highest height reported in a cycle. Valid is false when no
// backend reported one, which disables the lag check for that cycle.
type Tip struct {
	Height uint64
	Valid  bool
}

// TipOf returns the highest height among outcomes.
func TipOf(outcomes []Outcome) Tip {
	var tip Tip
	for _, o := range outcomes {
		if o.Err == nil && o.HasHeight && (!tip.Valid || o.Height > tip.Height) {
			tip = Tip{Height: o.Height, Valid: true}
		}
	}
	return tip
}

// LagError reports a backend whose height trails the cycle tip by more
// than max_slot_lag.
type LagError struct {
	Height uint64
	Lag    uint64
	Max    uint64
}

// Error implements the error interface.
func (e *LagError) Error() string {
	return fmt.Sprintf("backend lagging: slot %d is %d behind max %d", e.Height, e.Lag, e.Max)
}

// Lagging returns a LagError when the outcome's height is more than
// maxLag behind tip.
func Lagging(o Outcome, tip Tip, maxLag uint64) *LagError {
	if !o.HasHeight || !tip.Valid || tip.Height <= o.Height {
		return nil
	}
	lag := tip.Height - o.Height
	if lag <= maxLag {
		return nil
	}
	return &LagError{Height: o.Height, Lag: lag, Max: tip.Height}
}

// Evaluate applies one probe outcome to the previous record. A lagging
// success counts as a failure. The verdict only flips once the matching
// consecutive counter reaches its threshold.
func Evaluate(
	prev backend.HealthStatus,
	o Outcome,
	tip Tip,
	cfg config.HealthCheckConfig,
	now time.Time,
) (backend.HealthStatus, Transition) {
	next := prev.Checked(now)

	failure := o.Err
	if failure == nil {
		if lag := Lagging(o, tip, cfg.MaxSlotLag); lag != nil {
			failure = lag
		}
	}

	if failure == nil {
		next.ConsecutiveSuccesses = saturatingInc(prev.ConsecutiveSuccesses)
		next.ConsecutiveFailures = 0
		next.LastError = ""
		if !prev.Healthy && next.ConsecutiveSuccesses >= cfg.ConsecutiveSuccessesThreshold {
			next.Healthy = true
			return next, TransitionToHealthy
		}
		return next, TransitionNone
	}

	next.ConsecutiveFailures = saturatingInc(prev.ConsecutiveFailures)
	next.ConsecutiveSuccesses = 0
	next.LastError = failure.Error()
	if prev.Healthy && next.ConsecutiveFailures >= cfg.ConsecutiveFailuresThreshold {
		next.Healthy = false
		return next, TransitionToUnhealthy
	}
	return next, TransitionNone
}

func saturatingInc(n uint32) uint32 {
	if n == ^uint32(0) {
		return n
	}
	return n + 1
}
