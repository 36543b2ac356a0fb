// Package backend holds the upstream node entity, its lock-free health
// flag, and the HealthState map of detailed health records.
//
// HealthState.Publish is the only writer of a backend's flag during normal
// operation; request handlers read the flag through Backend.IsHealthy and
// never touch HealthState.
package backend
