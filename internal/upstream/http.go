package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/jsonrpc"
	"mcpbridge-go/internal/upstream/types"
)

// HTTPAdapter posts one JSON-RPC request per call to the backend's base URL.
// Connections are pooled with keep-alive; per-request deadlines come from
// the caller's context.
type HTTPAdapter struct {
	id     string
	spec   *config.ServerConfig
	logger *zap.Logger
	state  *types.StateManager
	client *http.Client
}

// NewHTTPAdapter creates an http adapter with a pooled client
func NewHTTPAdapter(id string, spec *config.ServerConfig, logger *zap.Logger) *HTTPAdapter {
	return &HTTPAdapter{
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
	}
}

// State exposes the session state machine
func (a *HTTPAdapter) State() *types.StateManager {
	return a.state
}

// Start posts a synthetic initialize request. The backend is accepted when
// the response carries either a result member or the outgoing id; servers
// vary in how strictly they implement the handshake.
func (a *HTTPAdapter) Start(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()

	id := jsonrpc.NewID()
	params := map[string]interface{}{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    mcp.ClientCapabilities{},
		"clientInfo":      mcp.Implementation{Name: clientName, Version: clientVersion},
	}

	resp, err := a.post(initCtx, jsonrpc.NewRequest(id, string(mcp.MethodInitialize), params))
	if err != nil {
		if initCtx.Err() == context.DeadlineExceeded {
			a.state.TransitionTo(types.StateTimeout)
			return fmt.Errorf("%w after %s", ErrInitializeTimeout, InitializeTimeout)
		}
		a.state.SetError(err)
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	if resp.Result == nil && jsonrpc.IDKey(resp.ID) != jsonrpc.IDKey(id) {
		err := fmt.Errorf("initialize response carries neither result nor matching id")
		a.state.SetError(err)
		return err
	}

	if resp.Result != nil {
		var init struct {
			ServerInfo mcp.Implementation `json:"serverInfo"`
		}
		if err := json.Unmarshal(resp.Result, &init); err == nil {
			a.state.SetServerInfo(init.ServerInfo.Name, init.ServerInfo.Version)
		}
	}

	a.state.TransitionTo(types.StateInitialized)
	a.logger.Info("HTTP backend initialized", zap.String("url", a.spec.URL))
	return nil
}

// Request performs one JSON-RPC exchange over a single POST
func (a *HTTPAdapter) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	resp, err := a.post(ctx, jsonrpc.NewRequest(jsonrpc.NewID(), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// post sends one frame and decodes the response body directly
func (a *HTTPAdapter) post(ctx context.Context, frame *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := jsonrpc.Encode(frame)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range a.spec.Headers {
		req.Header.Set(k, v)
	}

	httpResp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("backend returned HTTP %d: %s", httpResp.StatusCode, truncateLine(string(data), 200))
	}

	resp, err := jsonrpc.DecodeResponse(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return resp, nil
}

// Shutdown releases pooled connections
func (a *HTTPAdapter) Shutdown(_ context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}
