// Package health runs the backend probe loop and serves the admin status
// endpoints.
//
// Each cycle probes every backend of the current routing snapshot
// concurrently, takes the highest reported height as the chain tip and
// feeds each outcome through Evaluate. A backend whose height trails the
// tip by more than max_slot_lag is treated as failed. Verdicts flip only
// after consecutive_failures_threshold failures or
// consecutive_successes_threshold successes in a row, and only flips are
// logged above debug level.
package health
