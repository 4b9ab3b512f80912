// Package upstream implements the transport adapters and the session
// supervisor that bridge REST calls to correlated JSON-RPC exchanges with
// MCP backends over stdio, http, and sse.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/upstream/types"
)

// Client identity advertised in the MCP initialize handshake
const (
	clientName    = "mcpbridge"
	clientVersion = "1.0.0"
)

// Deadlines and retry defaults. Surfaced as named constants so they can be
// reviewed against front-end timeouts in one place.
const (
	// InitializeTimeout bounds the MCP initialize handshake on every transport
	InitializeTimeout = 30 * time.Second
	// StdioRequestTimeout is the synchronous per-request deadline on stdio
	StdioRequestTimeout = 10 * time.Second
	// HTTPRequestTimeout is the synchronous per-request deadline on http
	HTTPRequestTimeout = 60 * time.Second
	// SSESessionTimeout bounds session acquisition (GET open to header or endpoint frame)
	SSESessionTimeout = 30 * time.Second
	// SSEResponseTimeout bounds the wait from POST to the matching response frame
	SSEResponseTimeout = 30 * time.Second
	// DefaultHeartbeatInterval is the SSE stream liveness check cadence
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultMaxRetries is the number of full SSE request-cycle retries
	DefaultMaxRetries = 3
	// DefaultRetryDelay spaces SSE retry cycles
	DefaultRetryDelay = 5 * time.Second
)

// Adapter error taxonomy. Transports return these sentinels (wrapped with
// context) so the REST facade can translate them in one place.
var (
	// ErrTransportUnavailable means the session is not in a state that accepts requests
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrTransportClosed means the adapter lost its connection mid-flight
	ErrTransportClosed = errors.New("transport closed")
	// ErrSessionUnavailable means the SSE session could not be acquired in time
	ErrSessionUnavailable = errors.New("sse session unavailable")
	// ErrResponseTimeout means the matching response frame never arrived
	ErrResponseTimeout = errors.New("timed out waiting for response")
	// ErrInitializeTimeout means the handshake did not complete within the deadline
	ErrInitializeTimeout = errors.New("initialize handshake timed out")
)

// DecodeError wraps a malformed-frame failure
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Adapter is the common capability set implemented by all three transports.
// Request returns the decoded JSON-RPC result member; a JSON-RPC error frame
// surfaces as *jsonrpc.Error, transport faults as the sentinels above.
type Adapter interface {
	Start(ctx context.Context) error
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Shutdown(ctx context.Context) error

	// State exposes the session state machine for health reporting
	State() *types.StateManager
}

// NewAdapter constructs the adapter variant for the spec's transport
func NewAdapter(id string, spec *config.ServerConfig, logger, backendLogger *zap.Logger) (Adapter, error) {
	switch spec.Transport() {
	case config.TransportStdio:
		return NewStdioAdapter(id, spec, logger, backendLogger), nil
	case config.TransportHTTP:
		return NewHTTPAdapter(id, spec, logger), nil
	case config.TransportSSE:
		return NewSSEAdapter(id, spec, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", spec.Transport())
	}
}

// SyncRequestTimeout returns the synchronous per-request deadline for a
// transport. Background jobs bypass this and install no deadline.
func SyncRequestTimeout(transport config.TransportType) time.Duration {
	switch transport {
	case config.TransportStdio:
		return StdioRequestTimeout
	default:
		return HTTPRequestTimeout
	}
}
