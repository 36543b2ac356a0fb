package backend

import (
	"sync"
	"time"
)

// HealthStatus is the detailed health record of one backend. After any
// update at most one of the two consecutive counters is non-zero.
type HealthStatus struct {
	Healthy              bool       `json:"healthy"`
	LastCheckTime        *time.Time `json:"last_check_time,omitempty"`
	ConsecutiveFailures  uint32     `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32     `json:"consecutive_successes"`
	LastError            string     `json:"last_error,omitempty"`
}

// DefaultHealthStatus returns the record of a backend that was never checked.
func DefaultHealthStatus() HealthStatus {
	return HealthStatus{Healthy: true}
}

// HealthState maps backend labels to their detailed status. A single lock
// guards the map; it is never held across I/O and never taken on the
// request path.
type HealthState struct {
	mu       sync.RWMutex
	statuses map[string]HealthStatus
}

// NewHealthState creates a state seeded with default records for labels.
func NewHealthState(labels ...string) *HealthState {
	s := &HealthState{
		statuses: make(map[string]HealthStatus, len(labels)),
	}
	for _, label := range labels {
		s.statuses[label] = DefaultHealthStatus()
	}
	return s
}

// Status returns the record for label.
func (s *HealthState) Status(label string) (HealthStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[label]
	return status, ok
}

// Update inserts or replaces the record for label.
func (s *HealthState) Update(label string, status HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[label] = status
}

// All returns a copy of every record.
func (s *HealthState) All() map[string]HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HealthStatus, len(s.statuses))
	for label, status := range s.statuses {
		out[label] = status
	}
	return out
}

// Publish stores the record and mirrors its verdict into the backend's flag
// inside one critical section, so readers of both never see them diverge
// for longer than a single flag store.
func (s *HealthState) Publish(b *Backend, status HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[b.Label] = status
	b.SetHealthy(status.Healthy)
}

// Ensure inserts a default record for label if none exists and returns the
// record now stored.
func (s *HealthState) Ensure(label string) HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[label]
	if !ok {
		status = DefaultHealthStatus()
		s.statuses[label] = status
	}
	return status
}

// Retain drops every record whose label is not in labels and returns the
// dropped labels.
func (s *HealthState) Retain(labels []string) []string {
	keep := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		keep[label] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for label := range s.statuses {
		if _, ok := keep[label]; !ok {
			delete(s.statuses, label)
			removed = append(removed, label)
		}
	}
	return removed
}

// Len returns the number of tracked backends.
func (s *HealthState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.statuses)
}

// Checked returns a copy of status with LastCheckTime set to t.
func (status HealthStatus) Checked(t time.Time) HealthStatus {
	status.LastCheckTime = &t
	return status
}
