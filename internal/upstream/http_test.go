package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/jsonrpc"
	"mcpbridge-go/internal/upstream/types"
)

// fakeHTTPBackend answers initialize and tools/list over plain POSTs
func fakeHTTPBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{
				"serverInfo": map[string]interface{}{"name": "http-backend", "version": "0.9"},
			}
		case "tools/list":
			result = map[string]interface{}{
				"tools": []map[string]interface{}{{"name": "add"}},
			}
		default:
			w.WriteHeader(http.StatusOK)
			resp := map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "method not found"},
			}
			_ = json.NewEncoder(w).Encode(resp)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}))
}

func TestHTTPStartAndRequest(t *testing.T) {
	backend := fakeHTTPBackend(t)
	defer backend.Close()

	adapter := NewHTTPAdapter("test", &config.ServerConfig{URL: backend.URL}, zap.NewNop())
	require.NoError(t, adapter.Start(context.Background()))
	assert.True(t, adapter.State().IsInitialized())
	assert.Equal(t, "http-backend", adapter.State().GetInfo().ServerName)

	raw, err := adapter.Request(context.Background(), "tools/list", nil)
	require.NoError(t, err)

	var result struct {
		Tools []struct{ Name string } `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "add", result.Tools[0].Name)

	require.NoError(t, adapter.Shutdown(context.Background()))
}

func TestHTTPRequestSurfacesBackendError(t *testing.T) {
	backend := fakeHTTPBackend(t)
	defer backend.Close()

	adapter := NewHTTPAdapter("test", &config.ServerConfig{URL: backend.URL}, zap.NewNop())
	require.NoError(t, adapter.Start(context.Background()))

	_, err := adapter.Request(context.Background(), "nonexistent/method", nil)
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestHTTPAppliesConfiguredHeaders(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer backend.Close()

	spec := &config.ServerConfig{
		URL:     backend.URL,
		Headers: map[string]string{"Authorization": "Bearer secret-token"},
	}
	adapter := NewHTTPAdapter("test", spec, zap.NewNop())
	_, _ = adapter.Request(context.Background(), "tools/list", nil)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestHTTPRejectsErrorStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream on fire", http.StatusBadGateway)
	}))
	defer backend.Close()

	adapter := NewHTTPAdapter("test", &config.ServerConfig{URL: backend.URL}, zap.NewNop())
	_, err := adapter.Request(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPDecodeFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer backend.Close()

	adapter := NewHTTPAdapter("test", &config.ServerConfig{URL: backend.URL}, zap.NewNop())
	_, err := adapter.Request(context.Background(), "tools/list", nil)

	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestHTTPInitializeTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer backend.Close()
	defer close(release)

	adapter := NewHTTPAdapter("test", &config.ServerConfig{URL: backend.URL}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := adapter.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInitializeTimeout))
	assert.Equal(t, types.StateTimeout, adapter.State().GetState())
}
