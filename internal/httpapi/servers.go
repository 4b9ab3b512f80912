package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/riskgate"
)

// configMu serializes read-modify-write cycles on the persisted config file
var configMu sync.Mutex

// handleHealth reports uptime and the per-backend session snapshots
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.supervisor.List()

	connected := 0
	for _, st := range statuses {
		if st.Connected {
			connected++
		}
	}
	if s.metrics != nil {
		s.metrics.SetUptime(s.startTime)
		s.metrics.SetServerStats(len(statuses), connected)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"serverCount": len(statuses),
		"servers":     statuses,
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": s.supervisor.List(),
	})
}

// addServerRequest accepts both body shapes: a flat spec with an id field,
// or the config-file shape {mcpServers: {id: spec}}.
type addServerRequest struct {
	ID         string                          `json:"id"`
	Name       string                          `json:"name"`
	MCPServers map[string]*config.ServerConfig `json:"mcpServers"`
	config.ServerConfig
}

func (r *addServerRequest) resolve() (string, *config.ServerConfig, error) {
	if len(r.MCPServers) > 0 {
		if len(r.MCPServers) != 1 {
			return "", nil, fmt.Errorf("mcpServers must contain exactly one entry")
		}
		for id, spec := range r.MCPServers {
			return id, spec, nil
		}
	}
	id := r.ID
	if id == "" {
		id = r.Name
	}
	if id == "" {
		return "", nil, fmt.Errorf("server id is required")
	}
	spec := r.ServerConfig
	return id, &spec, nil
}

// handleAddServer registers a backend: the spec is env-substituted,
// normalized, persisted, and started. 201 means the session is live; 202
// means the spec was persisted but the session could not start.
func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	id, spec, err := req.resolve()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	substituteEnv(spec, s.logger)
	config.NormalizeSpec(id, spec, s.logger)
	if err := spec.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if _, exists := s.supervisor.Get(id); exists {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("server %s already exists", id), nil)
		return
	}

	if err := s.persistSpec(id, spec); err != nil {
		s.logger.Error("Failed to persist server spec", zap.String("server", id), zap.Error(err))
	}

	if err := s.supervisor.Start(r.Context(), id, spec); err != nil {
		s.logger.Warn("Persisted server failed to start", zap.String("server", id), zap.Error(err))
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":     id,
			"status": "persisted",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     id,
		"status": "connected",
	})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	persisted := s.forgetSpec(id)
	if err := s.supervisor.Stop(r.Context(), id); err != nil {
		if !persisted {
			s.writeFailure(w, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "disconnected"})
}

// persistSpec writes the spec into the config file atomically
func (s *Server) persistSpec(id string, spec *config.ServerConfig) error {
	configMu.Lock()
	defer configMu.Unlock()

	if s.cfg.Servers == nil {
		s.cfg.Servers = make(map[string]*config.ServerConfig)
	}
	s.cfg.Servers[id] = spec.Clone()
	return config.SaveConfig(s.cfg, s.cfg.ConfigPath)
}

// forgetSpec removes a persisted spec; reports whether one existed
func (s *Server) forgetSpec(id string) bool {
	configMu.Lock()
	defer configMu.Unlock()

	if _, ok := s.cfg.Servers[id]; !ok {
		return false
	}
	delete(s.cfg.Servers, id)
	if err := config.SaveConfig(s.cfg, s.cfg.ConfigPath); err != nil {
		s.logger.Error("Failed to rewrite config file", zap.String("server", id), zap.Error(err))
	}
	return true
}

// substituteEnv expands ${NAME} tokens in the string fields of an inbound
// spec before it reaches the loader's normalization.
func substituteEnv(spec *config.ServerConfig, logger *zap.Logger) {
	var unresolved []string
	expand := func(s string) string {
		out, missing := config.ExpandString(s, config.OSLookup)
		unresolved = append(unresolved, missing...)
		return out
	}

	spec.Command = expand(spec.Command)
	spec.URL = expand(spec.URL)
	for i, arg := range spec.Args {
		spec.Args[i] = expand(arg)
	}
	for k, v := range spec.Env {
		spec.Env[k] = expand(v)
	}
	for k, v := range spec.Headers {
		spec.Headers[k] = expand(v)
	}

	if len(unresolved) > 0 {
		logger.Warn("Unresolved environment references in server spec",
			zap.Strings("names", unresolved))
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.proxyList(w, r, string(mcp.MethodToolsList))
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	s.proxyList(w, r, string(mcp.MethodResourcesList))
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	s.proxyList(w, r, string(mcp.MethodPromptsList))
}

func (s *Server) proxyList(w http.ResponseWriter, r *http.Request, method string) {
	id := chi.URLParam(r, "id")
	raw, err := s.supervisor.Request(r.Context(), id, method, nil)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeRaw(w, http.StatusOK, raw)
}

// handleCallTool dispatches tools/call, suspending Medium-risk calls into a
// pending confirmation instead of reaching the backend.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	toolName := chi.URLParam(r, "toolName")

	var args map[string]interface{}
	if r.ContentLength != 0 {
		if err := s.decodeBody(r, &args); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
	}

	session, ok := s.supervisor.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("server not found: %s", id), nil)
		return
	}

	if challenge := s.gate.Check(id, session.Spec, toolName, args); challenge != nil {
		s.writeJSON(w, http.StatusOK, challenge)
		return
	}

	s.dispatchToolCall(w, r, id, toolName, args)
}

func (s *Server) dispatchToolCall(w http.ResponseWriter, r *http.Request, id, toolName string, args map[string]interface{}) {
	start := time.Now()
	raw, err := s.supervisor.Request(r.Context(), id, string(mcp.MethodToolsCall), map[string]interface{}{
		"name":      toolName,
		"arguments": args,
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordToolCall(id, toolName, outcome, time.Since(start))
	}

	if err != nil {
		s.writeFailure(w, err)
		return
	}

	if session, ok := s.supervisor.Get(id); ok {
		if env := riskgate.EnvironmentFor(session.Spec); env != nil {
			raw = annotateResult(raw, env)
		}
	}
	s.writeRaw(w, http.StatusOK, raw)
}

// annotateResult merges the execution-environment annotation into an
// object-shaped result; non-object results pass through unchanged.
func annotateResult(raw json.RawMessage, env *riskgate.ExecutionEnvironment) json.RawMessage {
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil || result == nil {
		return raw
	}
	result["execution_environment"] = env
	annotated, err := json.Marshal(result)
	if err != nil {
		return raw
	}
	return annotated
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	uri := chi.URLParam(r, "uri")
	if decoded, err := url.PathUnescape(uri); err == nil {
		uri = decoded
	}

	raw, err := s.supervisor.Request(r.Context(), id, string(mcp.MethodResourcesRead), map[string]interface{}{
		"uri": uri,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeRaw(w, http.StatusOK, raw)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	var args map[string]interface{}
	if r.ContentLength != 0 {
		if err := s.decodeBody(r, &args); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
	}

	raw, err := s.supervisor.Request(r.Context(), id, string(mcp.MethodPromptsGet), map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeRaw(w, http.StatusOK, raw)
}

// handleConfirmation resolves a pending Medium-risk call. The entry is
// consumed on first use whatever the outcome; confirm=true executes the
// stored call, confirm=false acknowledges the rejection.
func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	confirmationID := chi.URLParam(r, "confirmationId")

	var body struct {
		Confirm bool `json:"confirm"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	pending, err := s.gate.Take(confirmationID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetPendingConfirmations(s.gate.PendingCount())
	}

	if !body.Confirm {
		s.logger.Info("Tool call rejected by confirmation",
			zap.String("server", pending.ServerID),
			zap.String("tool", pending.ToolName))
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "rejected",
			"tool":   pending.ToolName,
		})
		return
	}

	s.dispatchToolCall(w, r, pending.ServerID, pending.ToolName, pending.Arguments)
}
