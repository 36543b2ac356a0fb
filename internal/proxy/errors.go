package proxy

import (
	"errors"
	"fmt"
	"net/http"

	json "github.com/json-iterator/go"
)

// Sentinel errors for proxy operations.
var (
	// ErrMissingAPIKey indicates the request carried no api-key parameter.
	ErrMissingAPIKey = errors.New("missing api key")

	// ErrInvalidAPIKey indicates an unknown or deactivated key.
	ErrInvalidAPIKey = errors.New("invalid api key")

	// ErrMethodNotAllowed indicates a request method other than POST.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrBodyTooLarge indicates the request body exceeded the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates that the upstream could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Error codes written in the JSON error body.
const (
	codeUnauthorized       = "unauthorized"
	codeRateLimited        = "rate_limited"
	codeBodyTooLarge       = "request_too_large"
	codeServiceUnavailable = "service_unavailable"
	codeBadGateway         = "bad_gateway"
	codeGatewayTimeout     = "gateway_timeout"
	codeBadRequest         = "bad_request"
	codeMethodNotAllowed   = "method_not_allowed"
)

// ProxyError is a request-path failure with the status it maps to.
type ProxyError struct {
	Op      string // Pipeline stage that failed
	Status  int    // HTTP status written to the caller
	Code    string // Machine-readable error code
	Message string // Human-readable message
	Backend string // Selected backend label, if any
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Backend != "" && e.Cause != nil {
		return fmt.Sprintf("proxy error [%s] backend=%s: %s: %v", e.Op, e.Backend, e.Message, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("proxy error [%s]: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s]: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// write renders the error as a JSON body.
func (e *ProxyError) write(w http.ResponseWriter) {
	body, err := json.Marshal(errorBody{Error: e.Code, Message: e.Message})
	if err != nil {
		body = []byte(`{"error":"internal","message":"failed to encode error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	if e.Status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", http.MethodPost)
	}
	w.WriteHeader(e.Status)
	_, _ = w.Write(body)
}

func newMethodError(method string) *ProxyError {
	return &ProxyError{
		Op:      "check_method",
		Status:  http.StatusMethodNotAllowed,
		Code:    codeMethodNotAllowed,
		Message: ErrMethodNotAllowed.Error(),
		Cause:   fmt.Errorf("%w: %s", ErrMethodNotAllowed, method),
	}
}

func newUnauthorizedError(cause error) *ProxyError {
	return &ProxyError{
		Op:      "authenticate",
		Status:  http.StatusUnauthorized,
		Code:    codeUnauthorized,
		Message: cause.Error(),
		Cause:   cause,
	}
}

func newRateLimitedError(cause error) *ProxyError {
	return &ProxyError{
		Op:      "authenticate",
		Status:  http.StatusTooManyRequests,
		Code:    codeRateLimited,
		Message: "rate limit exceeded",
		Cause:   cause,
	}
}

func newKeyStoreError(cause error) *ProxyError {
	return &ProxyError{
		Op:      "authenticate",
		Status:  http.StatusBadGateway,
		Code:    codeBadGateway,
		Message: "key store unavailable",
		Cause:   cause,
	}
}

func newBodyError(cause error, tooLarge bool) *ProxyError {
	if tooLarge {
		return &ProxyError{
			Op:      "read_body",
			Status:  http.StatusRequestEntityTooLarge,
			Code:    codeBodyTooLarge,
			Message: ErrBodyTooLarge.Error(),
			Cause:   cause,
		}
	}
	return &ProxyError{
		Op:      "read_body",
		Status:  http.StatusBadRequest,
		Code:    codeBadRequest,
		Message: "failed to read request body",
		Cause:   cause,
	}
}

func newSelectionError(cause error) *ProxyError {
	return &ProxyError{
		Op:      "select_backend",
		Status:  http.StatusServiceUnavailable,
		Code:    codeServiceUnavailable,
		Message: cause.Error(),
		Cause:   cause,
	}
}

func newForwardError(backend string, cause error, timedOut bool) *ProxyError {
	if timedOut {
		return &ProxyError{
			Op:      "forward",
			Status:  http.StatusGatewayTimeout,
			Code:    codeGatewayTimeout,
			Message: ErrUpstreamTimeout.Error(),
			Backend: backend,
			Cause:   cause,
		}
	}
	return &ProxyError{
		Op:      "forward",
		Status:  http.StatusBadGateway,
		Code:    codeBadGateway,
		Message: ErrUpstreamUnavailable.Error(),
		Backend: backend,
		Cause:   cause,
	}
}
