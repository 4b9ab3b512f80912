package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/jobs"
	"mcpbridge-go/internal/jsonrpc"
	"mcpbridge-go/internal/postman"
	"mcpbridge-go/internal/riskgate"
	"mcpbridge-go/internal/upstream"
)

// fakeMCPBackend is an HTTP MCP server with an add tool and a write_file tool
func fakeMCPBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{
				"serverInfo": map[string]interface{}{"name": "fake", "version": "1.0"},
			}
		case "tools/list":
			result = map[string]interface{}{
				"tools": []map[string]interface{}{{"name": "add"}, {"name": "write_file"}},
			}
		case "tools/call":
			params, _ := json.Marshal(req.Params)
			var call struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			}
			require.NoError(t, json.Unmarshal(params, &call))
			switch call.Name {
			case "add":
				a, _ := call.Arguments["a"].(float64)
				b, _ := call.Arguments["b"].(float64)
				result = map[string]interface{}{
					"content": []map[string]interface{}{
						{"type": "text", "text": fmt.Sprintf(`"result": %g`, a+b)},
					},
				}
			case "write_file":
				result = map[string]interface{}{
					"content": []map[string]interface{}{{"type": "text", "text": "written"}},
				}
			}
		default:
			result = map[string]interface{}{}
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}))
}

func newTestServer(t *testing.T) (*Server, *upstream.Supervisor, *jobs.Manager) {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.DefaultConfig()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "mcp_config.json")

	supervisor := upstream.NewSupervisor(logger, nil)
	t.Cleanup(func() { supervisor.StopAll(context.Background()) })

	gate := riskgate.NewGate(logger)
	jobsMgr := jobs.NewManager(logger, supervisor)
	generator := postman.NewGenerator(logger, supervisor)

	return NewServer(logger, cfg, supervisor, gate, jobsMgr, generator, nil), supervisor, jobsMgr
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["serverCount"])
}

func TestAddServerLifecycle(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	// Live add returns 201
	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "math", "url": backend.URL,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Duplicate id is a conflict
	rec = doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "math", "url": backend.URL,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The registry echoes the session
	rec = doJSON(t, router, http.MethodGet, "/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Servers []upstream.SessionStatus `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Servers, 1)
	assert.Equal(t, "math", listing.Servers[0].ID)
	assert.True(t, listing.Servers[0].Connected)

	// Delete then re-add with the same id succeeds
	rec = doJSON(t, router, http.MethodDelete, "/servers/math", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disconnected", decodeMap(t, rec)["status"])

	rec = doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "math", "url": backend.URL,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAddServerConfigShapedBody(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/servers", map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"math": map[string]interface{}{"url": backend.URL},
		},
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAddServerValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	// Missing id
	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{"url": "http://x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Invalid URL scheme
	rec = doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "bad", "url": "ftp://example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddServerPersistedButUnreachable(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/servers", map[string]interface{}{
		"id": "dead", "url": "http://127.0.0.1:1/mcp",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "persisted", body["status"])
	assert.NotEmpty(t, body["error"])
}

func TestDeleteUnknownServer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodDelete, "/servers/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolRoundTrip(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "math", "url": backend.URL,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/servers/math/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "add")

	rec = doJSON(t, router, http.MethodPost, "/servers/math/tools/add", map[string]interface{}{
		"a": 15, "b": 27,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `\"result\": 42`)
}

func TestMediumRiskConfirmationFlow(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "fs", "url": backend.URL, "risk_level": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// The call is suspended; the backend receives nothing yet
	rec = doJSON(t, router, http.MethodPost, "/servers/fs/tools/write_file", map[string]interface{}{
		"path": "/t", "content": "x",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	challenge := decodeMap(t, rec)
	require.Equal(t, true, challenge["requires_confirmation"])
	confirmationID := challenge["confirmation_id"].(string)
	require.NotEmpty(t, confirmationID)

	// Confirming executes the stored call
	rec = doJSON(t, router, http.MethodPost, "/confirmations/"+confirmationID, map[string]interface{}{
		"confirm": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "written")

	// The entry was single-use
	rec = doJSON(t, router, http.MethodPost, "/confirmations/"+confirmationID, map[string]interface{}{
		"confirm": true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmationRejection(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "fs", "url": backend.URL, "risk_level": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/servers/fs/tools/write_file", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	confirmationID := decodeMap(t, rec)["confirmation_id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/confirmations/"+confirmationID, map[string]interface{}{
		"confirm": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", decodeMap(t, rec)["status"])
}

func TestUnknownConfirmation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/confirmations/never-issued", map[string]interface{}{
		"confirm": true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsyncJobFlow(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "math", "url": backend.URL,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/tool/execute", map[string]interface{}{
		"tool_name": "add", "server_id": "math",
		"parameters": map[string]interface{}{"a": 1, "b": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	receipt := decodeMap(t, rec)
	jobID := receipt["job_id"].(string)
	token := receipt["bearer_token"].(string)
	assert.Equal(t, "QUEUED", receipt["status"])

	// Polling with the bearer token converges to COMPLETED
	var final map[string]interface{}
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodPost, "/results/"+jobID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		poll := httptest.NewRecorder()
		router.ServeHTTP(poll, req)
		if poll.Code != http.StatusOK {
			return false
		}
		final = decodeMap(t, poll)
		return final["status"] == "COMPLETED"
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotNil(t, final["result"])

	// Wrong bearer token is rejected even after completion
	req := httptest.NewRequest(http.MethodPost, "/results/"+jobID, nil)
	req.Header.Set("Authorization", "Bearer tok_wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Admin listing exposes the job but never its token
	rec = doJSON(t, router, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), jobID)
	assert.NotContains(t, rec.Body.String(), token)
}

func TestJobResultValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/results/not-a-job-id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/results/AAAAAAAAAAAAAAA", nil)
	req.Header.Set("Authorization", "Bearer tok_x")
	unknown := httptest.NewRecorder()
	router.ServeHTTP(unknown, req)
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestToolExecuteValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/tool/execute", map[string]interface{}{
		"server_id": "math",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/tool/execute/dynamic", map[string]interface{}{
		"tool_name": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolExecuteLooseParameters(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "math", "url": backend.URL,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Top-level fields besides tool_name/server_id become the parameters
	rec = doJSON(t, router, http.MethodPost, "/tool/execute", map[string]interface{}{
		"tool_name": "add", "server_id": "math", "a": 2, "b": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	receipt := decodeMap(t, rec)
	req := httptest.NewRequest(http.MethodGet, "/results/"+receipt["job_id"].(string), nil)
	req.Header.Set("Authorization", "Bearer "+receipt["bearer_token"].(string))
	require.Eventually(t, func() bool {
		poll := httptest.NewRecorder()
		router.ServeHTTP(poll, req)
		return poll.Code == http.StatusOK && decodeMap(t, poll)["status"] == "COMPLETED"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTestTimeoutBounds(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	for _, minutes := range []string{"0", "0.009", "96", "abc", "-1"} {
		rec := doJSON(t, router, http.MethodPost, "/test/timeout/"+minutes, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "minutes=%s", minutes)
	}

	rec := doJSON(t, router, http.MethodPost, "/test/timeout/0.01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.01, decodeMap(t, rec)["slept_minutes"])
}

func TestEnvSubstitutionOnInboundSpec(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()
	t.Setenv("BRIDGE_TEST_BACKEND", backend.URL)

	srv, supervisor, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/servers", map[string]interface{}{
		"id": "math", "url": "${BRIDGE_TEST_BACKEND}",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	session, ok := supervisor.Get("math")
	require.True(t, ok)
	assert.Equal(t, backend.URL, session.Spec.URL)
}

func TestHighRiskResultCarriesExecutionEnvironment(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "hr", "url": backend.URL, "risk_level": 3,
		"docker": map[string]interface{}{"image": "mcp/tools:latest"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// High-risk calls pass through without confirmation but the result is
	// annotated with the isolation environment
	rec = doJSON(t, router, http.MethodPost, "/servers/hr/tools/add", map[string]interface{}{
		"a": 1, "b": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	require.Contains(t, body, "content")
	env, ok := body["execution_environment"].(map[string]interface{})
	require.True(t, ok, "body: %s", rec.Body.String())
	assert.Equal(t, float64(3), env["risk_level"])
	assert.Equal(t, true, env["docker"])
	assert.Equal(t, "mcp/tools:latest", env["docker_image"])
	assert.NotEmpty(t, env["risk_description"])
}

func TestLowRiskResultIsNotAnnotated(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/servers", map[string]interface{}{
		"id": "math", "url": backend.URL,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/servers/math/tools/add", map[string]interface{}{
		"a": 1, "b": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decodeMap(t, rec), "execution_environment")
}

// fakeSSEMCPBackend is a header-mode SSE backend that answers every posted
// frame inline with its method echoed back.
func fakeSSEMCPBackend(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("MCP-Session-Id", "dyn-sess")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case http.MethodPost:
			assert.Equal(t, wantAuth, r.Header.Get("Authorization"))
			var frame map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&frame))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": frame["id"],
				"result": map[string]interface{}{"echoed": frame["method"]},
			})
		}
	})
	return httptest.NewServer(mux)
}

func TestDynamicJobAgainstSSEBackend(t *testing.T) {
	backend := fakeSSEMCPBackend(t, "Bearer s3cret")
	defer backend.Close()

	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/tool/execute/dynamic", map[string]interface{}{
		"mcp_server_url": backend.URL + "/sse",
		"mcp_auth_token": "s3cret",
		"tool_name":      "add",
		"parameters":     map[string]interface{}{"a": 1, "b": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decodeMap(t, rec)
	jobID := receipt["job_id"].(string)
	token := receipt["bearer_token"].(string)

	var final map[string]interface{}
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodPost, "/results/"+jobID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		poll := httptest.NewRecorder()
		router.ServeHTTP(poll, req)
		if poll.Code != http.StatusOK {
			return false
		}
		final = decodeMap(t, poll)
		return final["status"] == "COMPLETED"
	}, 5*time.Second, 20*time.Millisecond)

	// The default convention posts the tool name as the JSON-RPC method
	assert.Equal(t, map[string]interface{}{"echoed": "add"}, final["result"])

	req := httptest.NewRequest(http.MethodGet, "/results/"+jobID, nil)
	req.Header.Set("Authorization", "Bearer tok_wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHighRiskWithoutDockerDowngrades(t *testing.T) {
	backend := fakeMCPBackend(t)
	defer backend.Close()

	srv, supervisor, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/servers", map[string]interface{}{
		"id": "risky", "url": backend.URL, "risk_level": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	session, ok := supervisor.Get("risky")
	require.True(t, ok)
	assert.Equal(t, config.RiskMedium, session.Spec.RiskLevel)
}
