package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/jsonrpc"
	"mcpbridge-go/internal/upstream/types"
)

// SSEAdapter speaks JSON-RPC over Server-Sent Events with a companion POST
// channel. Each request runs a three-phase cycle on its own event stream:
//
//  1. acquire-session: open a GET to the stream URL and obtain either an
//     MCP-Session-Id response header or an inline endpoint frame;
//  2. post-request: POST the JSON-RPC frame to the discovered endpoint;
//  3. await-response: demultiplex data frames by request id until the
//     matching response arrives.
//
// A cycle that loses its stream before the response lands is retried from
// scratch, spaced by the configured retry delay.
type SSEAdapter struct {
	id     string
	spec   *config.ServerConfig
	logger *zap.Logger
	state  *types.StateManager
	client *http.Client

	heartbeatInterval time.Duration
	maxRetries        int
	retryDelay        time.Duration
}

// NewSSEAdapter creates an sse adapter. Startup merely registers the
// session; no connection is opened until the first request.
func NewSSEAdapter(id string, spec *config.ServerConfig, logger *zap.Logger) *SSEAdapter {
	a := &SSEAdapter{
		id:     id,
		spec:   spec,
		logger: logger.With(zap.String("server", id)),
		state:  types.NewStateManager(),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		heartbeatInterval: DefaultHeartbeatInterval,
		maxRetries:        DefaultMaxRetries,
		retryDelay:        DefaultRetryDelay,
	}

	if tuning := spec.SSE; tuning != nil {
		if tuning.HeartbeatInterval > 0 {
			a.heartbeatInterval = tuning.HeartbeatInterval
		}
		if tuning.MaxRetries > 0 {
			a.maxRetries = tuning.MaxRetries
		}
		if tuning.RetryDelay > 0 {
			a.retryDelay = tuning.RetryDelay
		}
	}
	return a
}

// State exposes the session state machine
func (a *SSEAdapter) State() *types.StateManager {
	return a.state
}

// Start registers the session without opening a connection
func (a *SSEAdapter) Start(_ context.Context) error {
	a.state.TransitionTo(types.StateInitialized)
	a.logger.Info("SSE backend registered", zap.String("url", a.spec.URL))
	return nil
}

// Request runs the full cycle, retrying lost streams and timeouts up to
// maxRetries times before surfacing the failure.
func (a *SSEAdapter) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if !a.state.IsInitialized() {
		return nil, ErrTransportUnavailable
	}

	attempt := 0
	operation := func() (json.RawMessage, error) {
		attempt++
		result, err := a.cycle(ctx, method, params)
		if err != nil && !retryableSSE(err) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			a.logger.Warn("SSE request cycle failed, will retry",
				zap.Int("attempt", attempt),
				zap.String("method", method),
				zap.Error(err))
		}
		return result, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(a.retryDelay)),
		backoff.WithMaxTries(uint(a.maxRetries)+1),
	)
}

// retryableSSE reports whether a cycle failure warrants a fresh GET
func retryableSSE(err error) bool {
	return errors.Is(err, ErrSessionUnavailable) ||
		errors.Is(err, ErrResponseTimeout) ||
		errors.Is(err, ErrTransportClosed)
}

// cycle performs one acquire/post/await pass on a fresh stream. The stream
// is destroyed on success, on failure, and on context cancellation.
func (a *SSEAdapter) cycle(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := a.openStream(streamCtx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	// Phase 1: acquire session
	sessionID := stream.header.Get("MCP-Session-Id")
	var postURL string
	if sessionID != "" {
		postURL = a.streamURL()
	} else {
		postURL, err = a.awaitEndpoint(ctx, stream)
		if err != nil {
			return nil, err
		}
	}

	// Phase 2: post the request
	id := jsonrpc.NewID()
	inline, err := a.postRequest(ctx, postURL, sessionID, id, method, params)
	if err != nil {
		return nil, err
	}
	if inline != nil {
		return resultOf(inline)
	}

	// Phase 3: await the matching response on the event channel
	return a.awaitResponse(ctx, stream, id)
}

// streamURL appends the /sse suffix when not already present; it is never
// stripped from a configured URL. A spec that declares the sse transport
// explicitly names its stream endpoint verbatim.
func (a *SSEAdapter) streamURL() string {
	base := strings.TrimRight(a.spec.URL, "/")
	if strings.HasSuffix(base, "/sse") {
		return a.spec.URL
	}
	if a.spec.Type == config.TransportSSE {
		return a.spec.URL
	}
	return base + "/sse"
}

// endpointBase is the stream URL without its /sse suffix, used to resolve
// endpoint-frame paths.
func (a *SSEAdapter) endpointBase() string {
	base := strings.TrimRight(a.spec.URL, "/")
	return strings.TrimSuffix(base, "/sse")
}

// awaitEndpoint reads frames until an endpoint descriptor arrives
func (a *SSEAdapter) awaitEndpoint(ctx context.Context, stream *eventStream) (string, error) {
	timer := time.NewTimer(SSESessionTimeout)
	defer timer.Stop()

	for {
		select {
		case payload, ok := <-stream.events:
			if !ok {
				return "", fmt.Errorf("%w: stream ended before session was acquired", ErrTransportClosed)
			}
			if endpoint, ok := parseEndpointPayload(payload); ok {
				return a.resolveEndpoint(endpoint), nil
			}
			// Not an endpoint descriptor; keep reading
		case <-timer.C:
			return "", fmt.Errorf("%w: no session header or endpoint frame within %s", ErrSessionUnavailable, SSESessionTimeout)
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s", ErrSessionUnavailable, ctx.Err())
		}
	}
}

// parseEndpointPayload recognizes the three endpoint frame shapes: a raw
// path, a JSON object with an endpoint field, and a form-encoded fragment.
func parseEndpointPayload(payload string) (string, bool) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", false
	}

	if strings.HasPrefix(payload, "/") {
		return payload, true
	}

	if strings.HasPrefix(payload, "{") {
		var obj struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.Unmarshal([]byte(payload), &obj); err == nil && obj.Endpoint != "" {
			return obj.Endpoint, true
		}
		return "", false
	}

	if strings.Contains(payload, "endpoint=") {
		if values, err := url.ParseQuery(payload); err == nil {
			if endpoint := values.Get("endpoint"); endpoint != "" {
				return endpoint, true
			}
		}
	}
	return "", false
}

// resolveEndpoint joins a discovered endpoint with the base URL. Absolute
// URLs are used as-is.
func (a *SSEAdapter) resolveEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return a.endpointBase() + endpoint
}

// postRequest sends the JSON-RPC frame. When the POST body itself carries
// the matching response (inline mode), it is returned; an empty or
// non-matching body means the response will stream back on the event
// channel. Inline bodies arrive either bare or wrapped in a data: frame.
func (a *SSEAdapter) postRequest(ctx context.Context, postURL, sessionID string, id interface{}, method string, params interface{}) (*jsonrpc.Response, error) {
	body, err := jsonrpc.Encode(jsonrpc.NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.spec.Headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set("MCP-Session-Id", sessionID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("backend rejected post with HTTP %d: %s", resp.StatusCode, truncateLine(string(data), 200))
	}

	payload := strings.TrimSpace(string(data))
	if payload == "" {
		return nil, nil
	}
	if strings.HasPrefix(payload, "data:") {
		payload = strings.TrimSpace(extractDataPayload(payload))
	}

	decoded, err := jsonrpc.DecodeResponse([]byte(payload))
	if err != nil || jsonrpc.IDKey(decoded.ID) != jsonrpc.IDKey(id) {
		// Not the inline response; wait on the stream
		return nil, nil
	}
	return decoded, nil
}

// awaitResponse demultiplexes data frames by id until the response arrives.
// A heartbeat tick checks stream liveness while the request is in flight.
func (a *SSEAdapter) awaitResponse(ctx context.Context, stream *eventStream, id interface{}) (json.RawMessage, error) {
	timer := time.NewTimer(SSEResponseTimeout)
	defer timer.Stop()
	heartbeat := time.NewTicker(a.heartbeatInterval)
	defer heartbeat.Stop()

	want := jsonrpc.IDKey(id)
	for {
		select {
		case payload, ok := <-stream.events:
			if !ok {
				return nil, fmt.Errorf("%w: stream ended before response arrived", ErrTransportClosed)
			}
			resp, err := jsonrpc.DecodeResponse([]byte(payload))
			if err != nil {
				// Endpoint re-announcements and keepalive payloads interleave freely
				continue
			}
			if jsonrpc.IDKey(resp.ID) != want {
				continue
			}
			return resultOf(resp)
		case <-heartbeat.C:
			if stream.closed() {
				return nil, fmt.Errorf("%w: stream went silent", ErrTransportClosed)
			}
		case <-timer.C:
			return nil, fmt.Errorf("%w after %s", ErrResponseTimeout, SSEResponseTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrResponseTimeout, ctx.Err())
		}
	}
}

// resultOf unpacks a decoded response into the adapter contract
func resultOf(resp *jsonrpc.Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Shutdown releases pooled connections; per-request streams are owned by
// their request task and already destroyed by the time it returns.
func (a *SSEAdapter) Shutdown(_ context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// eventStream is one open GET event channel
type eventStream struct {
	header http.Header
	events chan string
	body   io.Closer
	done   atomic.Bool
}

func (s *eventStream) closed() bool {
	return s.done.Load()
}

// Close destroys the stream; safe to call more than once
func (s *eventStream) Close() {
	_ = s.body.Close()
}

// openStream issues the event-stream GET
func (a *SSEAdapter) openStream(ctx context.Context) (*eventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range a.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: stream request returned HTTP %d", ErrTransportClosed, resp.StatusCode)
	}

	stream := &eventStream{
		header: resp.Header,
		events: make(chan string, 16),
		body:   resp.Body,
	}
	go stream.readLoop(resp.Body)
	return stream, nil
}

// readLoop splits the raw byte stream into events on blank lines. Within an
// event, lines beginning with ':' are comments and lines beginning with
// 'data:' contribute to the payload.
func (s *eventStream) readLoop(body io.Reader) {
	defer func() {
		s.done.Store(true)
		close(s.events)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var data []string
	flush := func() {
		if len(data) > 0 {
			s.events <- strings.Join(data, "\n")
			data = nil
		}
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
}

// extractDataPayload strips SSE framing from an inline POST body
func extractDataPayload(raw string) string {
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return strings.Join(data, "\n")
}
