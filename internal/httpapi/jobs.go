package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mcpbridge-go/internal/jobs"
	"mcpbridge-go/internal/postman"
)

// Bounds on the /test/timeout sleep, in minutes
const (
	testTimeoutMin = 0.01
	testTimeoutMax = 95.0
)

// handleToolExecute enqueues a job against a registered backend (or tool
// discovery when no server_id is given). Parameters come either from an
// explicit parameters object or from the remaining top-level fields.
func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	toolName, _ := body["tool_name"].(string)
	if toolName == "" {
		s.writeError(w, http.StatusBadRequest, "tool_name is required", nil)
		return
	}
	serverID, _ := body["server_id"].(string)

	params, ok := body["parameters"].(map[string]interface{})
	if !ok {
		params = make(map[string]interface{})
		for k, v := range body {
			if k == "tool_name" || k == "server_id" {
				continue
			}
			params[k] = v
		}
	}

	s.enqueue(w, jobs.Request{
		ToolName:   toolName,
		ServerID:   serverID,
		Parameters: params,
	})
}

// handleToolExecuteDynamic enqueues a job against an unregistered backend
// reached through a throwaway adapter.
func (s *Server) handleToolExecuteDynamic(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MCPServerURL string                 `json:"mcp_server_url"`
		MCPAuthToken string                 `json:"mcp_auth_token"`
		ToolName     string                 `json:"tool_name"`
		Parameters   map[string]interface{} `json:"parameters"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if body.ToolName == "" {
		s.writeError(w, http.StatusBadRequest, "tool_name is required", nil)
		return
	}
	if body.MCPServerURL == "" {
		s.writeError(w, http.StatusBadRequest, "mcp_server_url is required", nil)
		return
	}

	s.enqueue(w, jobs.Request{
		ToolName:         body.ToolName,
		DynamicURL:       body.MCPServerURL,
		DynamicAuthToken: body.MCPAuthToken,
		Parameters:       body.Parameters,
	})
}

func (s *Server) enqueue(w http.ResponseWriter, req jobs.Request) {
	receipt, err := s.jobs.Enqueue(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

// handleJobResult serves both the GET and POST polling forms with
// identical semantics.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if !jobs.ValidJobID(jobID) {
		s.writeError(w, http.StatusBadRequest, "invalid job id format", nil)
		return
	}

	view, err := s.jobs.Poll(jobID, bearerToken(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	if view.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(view.RetryAfter))
	}
	status := http.StatusOK
	if view.Status == jobs.StatusFailed {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, view)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	if s.metrics != nil {
		stats := make(map[string]int)
		for status, count := range s.jobs.Stats() {
			stats[string(status)] = count
		}
		s.metrics.SetJobStats(stats)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.jobs.List(),
	})
}

// handleGeneratePostman introspects a backend and returns the collection
func (s *Server) handleGeneratePostman(w http.ResponseWriter, r *http.Request) {
	var req postman.GenerateRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	col, err := s.generator.Generate(r.Context(), &req)
	if err != nil {
		s.logger.Warn("Collection generation failed", zap.Error(err))
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, col)
}

// handleTestTimeout sleeps for the requested number of minutes, bounded to
// keep front-end timeout experiments from pinning a worker forever.
func (s *Server) handleTestTimeout(w http.ResponseWriter, r *http.Request) {
	minutes, err := strconv.ParseFloat(chi.URLParam(r, "minutes"), 64)
	if err != nil || minutes < testTimeoutMin || minutes > testTimeoutMax {
		s.writeError(w, http.StatusBadRequest, "minutes must be between 0.01 and 95", nil)
		return
	}

	delay := time.Duration(minutes * float64(time.Minute))
	select {
	case <-time.After(delay):
	case <-r.Context().Done():
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"slept_minutes": minutes,
	})
}
