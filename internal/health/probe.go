package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vyrodovalexey/rpcgw/internal/backend"
	"github.com/vyrodovalexey/rpcgw/internal/config"
	"github.com/vyrodovalexey/rpcgw/internal/jsonrpc"
)

// maxProbeBodyBytes bounds how much of a probe response is read.
const maxProbeBodyBytes = 1 << 20

// ProbeErrorKind classifies probe failures.
type ProbeErrorKind string

// Probe failure kinds.
const (
	ProbeErrorTransport ProbeErrorKind = "transport"
	ProbeErrorTimeout   ProbeErrorKind = "timeout"
	ProbeErrorStatus    ProbeErrorKind = "status"
	ProbeErrorDecode    ProbeErrorKind = "decode"
)

// ProbeError is a failed health probe. It stays inside the health loop and
// is only surfaced as a record's last_error.
type ProbeError struct {
	Kind       ProbeErrorKind
	StatusCode int
	Timeout    time.Duration
	Err        error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	switch e.Kind {
	case ProbeErrorTimeout:
		return fmt.Sprintf("health check timed out after %s", e.Timeout)
	case ProbeErrorStatus:
		return fmt.Sprintf("health check returned status: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	case ProbeErrorTransport:
		return fmt.Sprintf("health check request failed: %v", e.Err)
	default:
		return e.Err.Error()
	}
}

// Unwrap returns the underlying error.
func (e *ProbeError) Unwrap() error {
	return e.Err
}

// probe sends the configured health method to b and classifies the reply.
func probe(ctx context.Context, client *http.Client, b *backend.Backend, hc config.HealthCheckConfig) Outcome {
	start := time.Now()
	o := doProbe(ctx, client, b, hc)
	o.Duration = time.Since(start)
	return o
}

func doProbe(ctx context.Context, client *http.Client, b *backend.Backend, hc config.HealthCheckConfig) Outcome {
	payload, err := jsonrpc.NewRequest(hc.Method, 1)
	if err != nil {
		return Outcome{Err: &ProbeError{Kind: ProbeErrorDecode, Err: err}}
	}

	ctx, cancel := context.WithTimeout(ctx, hc.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Err: &ProbeError{Kind: ProbeErrorTransport, Err: err}}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Outcome{Err: transportError(ctx, err, hc.Timeout())}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBodyBytes))
		return Outcome{Err: &ProbeError{Kind: ProbeErrorStatus, StatusCode: resp.StatusCode}}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
	if err != nil {
		return Outcome{Err: transportError(ctx, fmt.Errorf("failed to read response body: %w", err), hc.Timeout())}
	}

	result, err := jsonrpc.DecodeProbeResult(hc.Method, body)
	if err != nil {
		return Outcome{Err: &ProbeError{Kind: ProbeErrorDecode, Err: err}}
	}

	return Outcome{Height: result.Height, HasHeight: result.HasHeight}
}

func transportError(ctx context.Context, err error, timeout time.Duration) *ProbeError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &ProbeError{Kind: ProbeErrorTimeout, Timeout: timeout, Err: err}
	}
	return &ProbeError{Kind: ProbeErrorTransport, Err: err}
}
