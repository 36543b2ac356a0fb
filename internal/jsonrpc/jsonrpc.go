// Package jsonrpc reads the few JSON-RPC fields the gateway cares about
// without decoding whole payloads.
package jsonrpc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
)

// Version is the JSON-RPC protocol version sent in probe requests.
const Version = "2.0"

// Height-reporting health methods.
const (
	MethodGetSlot        = "getSlot"
	MethodGetBlockHeight = "getBlockHeight"
	MethodEthBlockNumber = "eth_blockNumber"
)

// ErrMalformedResponse is returned when a response body is not JSON.
var ErrMalformedResponse = errors.New("malformed JSON-RPC response")

// Request is an outgoing JSON-RPC call.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// NewRequest encodes a call to method with no parameters.
func NewRequest(method string, id int) ([]byte, error) {
	return json.Marshal(Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  []interface{}{},
	})
}

// ExtractMethod returns the method of a single JSON-RPC request. It reports
// false for anything that is not a JSON object with a string method,
// including batches; the body itself is never modified.
func ExtractMethod(body []byte) (string, bool) {
	if len(body) == 0 || !json.Valid(body) {
		return "", false
	}
	v := json.Get(body, "method")
	if v.LastError() != nil || v.ValueType() != json.StringValue {
		return "", false
	}
	return v.ToString(), true
}

// IsHeightMethod reports whether method returns a chain height.
func IsHeightMethod(method string) bool {
	switch method {
	case MethodGetSlot, MethodGetBlockHeight, MethodEthBlockNumber:
		return true
	default:
		return false
	}
}

// ProbeResult is the decoded outcome of a successful health probe.
// HasHeight is false for methods that do not report a height.
type ProbeResult struct {
	Height    uint64
	HasHeight bool
}

// RPCError is a JSON-RPC error object returned in place of a result.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// DecodeProbeResult decodes a 2xx probe response body. Height methods
// require a numeric result (hex quantity for eth_blockNumber); other
// methods require JSON without an error object.
func DecodeProbeResult(method string, body []byte) (ProbeResult, error) {
	if !json.Valid(body) {
		return ProbeResult{}, fmt.Errorf("failed to parse response JSON: %w", ErrMalformedResponse)
	}
	if !IsHeightMethod(method) {
		if rpcErr := decodeRPCError(body); rpcErr != nil {
			return ProbeResult{}, fmt.Errorf("health check method %s failed: %w", method, rpcErr)
		}
		return ProbeResult{}, nil
	}

	result := json.Get(body, "result")
	if result.LastError() == nil {
		if height, ok := parseHeight(method, result); ok {
			return ProbeResult{Height: height, HasHeight: true}, nil
		}
	}

	missing := fmt.Errorf("health check response missing numeric 'result' field for method %s", method)
	if rpcErr := decodeRPCError(body); rpcErr != nil {
		return ProbeResult{}, fmt.Errorf("%w: %w", missing, rpcErr)
	}
	return ProbeResult{}, missing
}

func parseHeight(method string, v json.Any) (uint64, bool) {
	if method == MethodEthBlockNumber {
		if v.ValueType() != json.StringValue {
			return 0, false
		}
		return ParseQuantity(v.ToString())
	}

	if v.ValueType() != json.NumberValue {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v.ToString()), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseQuantity parses a 0x-prefixed hex quantity.
func ParseQuantity(s string) (uint64, bool) {
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok {
		digits, ok = strings.CutPrefix(s, "0X")
	}
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func decodeRPCError(body []byte) *RPCError {
	v := json.Get(body, "error")
	if v.LastError() != nil || v.ValueType() != json.ObjectValue {
		return nil
	}
	var rpcErr RPCError
	v.ToVal(&rpcErr)
	return &rpcErr
}
