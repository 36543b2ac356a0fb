// Package proxy implements the JSON-RPC request pipeline.
//
// Each request is read in full (bounded by proxy.max_body_bytes), its
// JSON-RPC method extracted, its api-key query parameter validated against
// the key store, and a healthy backend selected from the current router
// snapshot. The request is then rewritten onto the backend URL with the
// api-key parameter removed and forwarded with httputil.ReverseProxy.
//
// Failures map to JSON error bodies: 401 for a missing or invalid key, 429
// when the key is over its rate limit, 502 when the key store or the
// backend fails, 503 when no healthy backend is available, 504 when the
// backend does not answer within proxy.timeout_secs. Forward failures are
// counted and logged but never change a backend's health; that is left to
// the health checker.
package proxy
