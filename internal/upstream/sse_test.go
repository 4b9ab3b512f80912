package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/jsonrpc"
)

func decodePostedRequest(t *testing.T, r *http.Request) *jsonrpc.Request {
	t.Helper()
	var req jsonrpc.Request
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return &req
}

func toolsListResponse(id interface{}) string {
	frame, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": id,
		"result": map[string]interface{}{"tools": []map[string]interface{}{{"name": "get_bio"}}},
	})
	return string(frame)
}

// TestSSEHeaderMode exercises the session-in-header protocol: the GET
// returns MCP-Session-Id, the POST goes to the same URL with that header,
// and the response arrives inline in the POST body.
func TestSSEHeaderMode(t *testing.T) {
	var openStreams, maxStreams atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if n := openStreams.Add(1); n > maxStreams.Load() {
				maxStreams.Store(n)
			}
			defer openStreams.Add(-1)

			w.Header().Set("MCP-Session-Id", "sess-1")
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case http.MethodPost:
			assert.Equal(t, "sess-1", r.Header.Get("MCP-Session-Id"))
			req := decodePostedRequest(t, r)
			_, _ = io.WriteString(w, toolsListResponse(req.ID))
		}
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	adapter := NewSSEAdapter("test", &config.ServerConfig{URL: backend.URL + "/sse"}, zap.NewNop())
	require.NoError(t, adapter.Start(context.Background()))

	raw, err := adapter.Request(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "get_bio")

	// One stream per in-flight request, all destroyed by the time it returns
	assert.Equal(t, int32(1), maxStreams.Load())
	require.Eventually(t, func() bool { return openStreams.Load() == 0 },
		2*time.Second, 10*time.Millisecond)
}

// Inline responses may arrive wrapped in SSE framing inside the POST body
func TestSSEHeaderModeDataWrappedBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("MCP-Session-Id", "sess-2")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case http.MethodPost:
			req := decodePostedRequest(t, r)
			fmt.Fprintf(w, "data: %s\n\n", toolsListResponse(req.ID))
		}
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	adapter := NewSSEAdapter("test", &config.ServerConfig{URL: backend.URL + "/sse"}, zap.NewNop())
	require.NoError(t, adapter.Start(context.Background()))

	raw, err := adapter.Request(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "get_bio")
}

// TestSSEEndpointFrameMode exercises the endpoint-frame protocol: the first
// data frame names the POST path and the response streams back on the GET.
func TestSSEEndpointFrameMode(t *testing.T) {
	responses := make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: /mcp/abc\n\n")
		flusher.Flush()

		select {
		case frame := <-responses:
			fmt.Fprintf(w, ": keepalive\n\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("/mcp/abc", func(w http.ResponseWriter, r *http.Request) {
		req := decodePostedRequest(t, r)
		responses <- toolsListResponse(req.ID)
		w.WriteHeader(http.StatusAccepted)
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	adapter := NewSSEAdapter("test", &config.ServerConfig{URL: backend.URL + "/sse"}, zap.NewNop())
	require.NoError(t, adapter.Start(context.Background()))

	raw, err := adapter.Request(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "get_bio")
}

// A lost stream is retried with the configured delay before surfacing
func TestSSERetriesLostStream(t *testing.T) {
	var attempts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if attempts.Add(1) == 1 {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("MCP-Session-Id", "sess-3")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case http.MethodPost:
			req := decodePostedRequest(t, r)
			_, _ = io.WriteString(w, toolsListResponse(req.ID))
		}
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	spec := &config.ServerConfig{
		URL: backend.URL + "/sse",
		SSE: &config.SSEConfig{MaxRetries: 2, RetryDelay: 10 * time.Millisecond},
	}
	adapter := NewSSEAdapter("test", spec, zap.NewNop())
	require.NoError(t, adapter.Start(context.Background()))

	raw, err := adapter.Request(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "get_bio")
	assert.Equal(t, int32(2), attempts.Load())
}

// Backend JSON-RPC error frames are permanent; no retry is attempted
func TestSSEBackendErrorIsNotRetried(t *testing.T) {
	var posts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("MCP-Session-Id", "sess-4")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case http.MethodPost:
			posts.Add(1)
			req := decodePostedRequest(t, r)
			frame, _ := json.Marshal(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32000, "message": "tool failed"},
			})
			_, _ = w.Write(frame)
		}
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	spec := &config.ServerConfig{
		URL: backend.URL + "/sse",
		SSE: &config.SSEConfig{MaxRetries: 3, RetryDelay: 10 * time.Millisecond},
	}
	adapter := NewSSEAdapter("test", spec, zap.NewNop())
	require.NoError(t, adapter.Start(context.Background()))

	_, err := adapter.Request(context.Background(), "run_tool", nil)
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, int32(1), posts.Load())
}

func TestStreamURLAppendsSuffixOnce(t *testing.T) {
	withSuffix := NewSSEAdapter("a", &config.ServerConfig{URL: "https://example.com/sse"}, zap.NewNop())
	assert.Equal(t, "https://example.com/sse", withSuffix.streamURL())
	assert.Equal(t, "https://example.com", withSuffix.endpointBase())

	without := NewSSEAdapter("b", &config.ServerConfig{URL: "https://example.com"}, zap.NewNop())
	assert.Equal(t, "https://example.com/sse", without.streamURL())
	assert.Equal(t, "https://example.com", without.endpointBase())

	// An explicitly declared sse transport names its stream endpoint verbatim
	declared := NewSSEAdapter("c", &config.ServerConfig{
		Type: config.TransportSSE,
		URL:  "https://example.com/stream",
	}, zap.NewNop())
	assert.Equal(t, "https://example.com/stream", declared.streamURL())
}

func TestParseEndpointPayload(t *testing.T) {
	tests := []struct {
		payload string
		want    string
		ok      bool
	}{
		{"/mcp/abc", "/mcp/abc", true},
		{`{"endpoint":"/msg/1"}`, "/msg/1", true},
		{"endpoint=/queue/7&sessionId=z", "/queue/7", true},
		{`{"jsonrpc":"2.0","id":1,"result":{}}`, "", false},
		{"ping", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := parseEndpointPayload(tt.payload)
		assert.Equal(t, tt.ok, ok, "payload %q", tt.payload)
		assert.Equal(t, tt.want, got, "payload %q", tt.payload)
	}
}

func TestResolveEndpoint(t *testing.T) {
	adapter := NewSSEAdapter("a", &config.ServerConfig{URL: "https://example.com/sse"}, zap.NewNop())
	assert.Equal(t, "https://example.com/mcp/abc", adapter.resolveEndpoint("/mcp/abc"))
	assert.Equal(t, "https://example.com/rel", adapter.resolveEndpoint("rel"))
	assert.Equal(t, "https://other.example/x", adapter.resolveEndpoint("https://other.example/x"))
}
