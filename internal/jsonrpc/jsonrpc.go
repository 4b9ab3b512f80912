// Package jsonrpc implements the JSON-RPC 2.0 envelope spoken by MCP
// backends. Encoding and decoding of the envelope happens here and nowhere
// else; transports move opaque frames, callers see decoded results.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the protocol version carried in every frame
const Version = "2.0"

// Request is an outgoing JSON-RPC request or notification
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a decoded JSON-RPC response frame
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error member. It implements the error interface so
// backend failures propagate through ordinary Go error returns.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with the given id
func NewRequest(id interface{}, method string, params interface{}) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a request without an id
func NewNotification(method string, params interface{}) *Request {
	return &Request{JSONRPC: Version, Method: method, Params: params}
}

// NewID mints a fresh opaque request identifier
func NewID() string {
	return uuid.NewString()
}

// Encode serializes a frame to a single JSON document without trailing
// newline; line-oriented transports append their own framing.
func Encode(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonrpc frame: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a response frame. A frame with neither result,
// error, nor id is rejected so transports can skip log lines and other
// non-protocol output interleaved in the stream.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed jsonrpc frame: %w", err)
	}
	if resp.Result == nil && resp.Error == nil && resp.ID == nil {
		return nil, fmt.Errorf("frame is not a jsonrpc response")
	}
	return &resp, nil
}

// IDKey normalizes a request id for correlation-map lookup. JSON numbers
// decode as float64, so integral ids print identically on both sides of the
// wire.
func IDKey(id interface{}) string {
	switch v := id.(type) {
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
