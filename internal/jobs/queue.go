// Package jobs implements the asynchronous job queue: deferred tool
// invocations with bearer-token authorization, monotonic status
// progression, and TTL-based eviction. Jobs live in memory only; they do
// not survive a restart.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/upstream"
)

// Status is the job state machine; QUEUED → PROCESSING → COMPLETED|FAILED
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

const (
	// JobTTL is the absolute lifetime of a job entry
	JobTTL = 24 * time.Hour
	// SweepInterval is the TTL sweeper cadence
	SweepInterval = 10 * time.Minute
	// RetryAfterHint is returned to clients polling a non-terminal job
	RetryAfterHint = 10 * time.Second
	// SniffTimeout bounds the transport probe against a dynamic backend
	SniffTimeout = 5 * time.Second
)

// CallStyle selects the JSON-RPC calling convention for dynamic backends.
// The historical behavior invokes the tool name directly as the method;
// standard MCP wraps it in tools/call.
type CallStyle int

const (
	// CallDirect uses the tool name as the JSON-RPC method
	CallDirect CallStyle = iota
	// CallToolsCall wraps the invocation in tools/call {name, arguments}
	CallToolsCall
)

// Queue errors surfaced to the REST facade
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrUnauthorized = errors.New("invalid bearer token")
	ErrJobExpired   = errors.New("job expired")
)

// Request describes a job submission
type Request struct {
	ToolName         string
	ServerID         string
	DynamicURL       string
	DynamicAuthToken string
	Parameters       map[string]interface{}
}

// Job is one queued tool invocation. The bearer token is constant for the
// job's lifetime and never serialized.
type Job struct {
	ID          string
	BearerToken string
	Status      Status
	ToolName    string
	ServerID    string
	DynamicURL  string
	Parameters  map[string]interface{}
	Result      interface{}
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   time.Time

	dynamicAuthToken string
}

// Receipt is the synchronous response to a submission
type Receipt struct {
	JobID       string    `json:"job_id"`
	BearerToken string    `json:"bearer_token"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// View is a poll snapshot; Result is already envelope-unwrapped
type View struct {
	JobID       string      `json:"job_id"`
	Status      Status      `json:"status"`
	ToolName    string      `json:"tool_name"`
	ServerID    string      `json:"server_id,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RetryAfter  int         `json:"retry_after_seconds,omitempty"`
}

// AdminView is the /jobs listing entry; it carries no bearer token
type AdminView struct {
	JobID       string     `json:"job_id"`
	Status      Status     `json:"status"`
	ToolName    string     `json:"tool_name"`
	ServerID    string     `json:"server_id,omitempty"`
	DynamicURL  string     `json:"mcp_server_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// Dispatcher is the slice of the supervisor the queue needs
type Dispatcher interface {
	RequestDetached(ctx context.Context, id, method string, params interface{}) (json.RawMessage, error)
	List() []upstream.SessionStatus
}

// Manager owns the job table. Each job is executed by exactly one task;
// background calls install no deadline and run to completion even if the
// client stops polling.
type Manager struct {
	logger     *zap.Logger
	dispatcher Dispatcher
	callStyle  CallStyle

	mu   sync.RWMutex
	jobs map[string]*Job

	ctx        context.Context
	now        func() time.Time
	sniff      *http.Client
	onFinished func(status Status)
}

// NewManager creates a job manager with the historical direct calling
// convention for dynamic backends.
func NewManager(logger *zap.Logger, dispatcher Dispatcher) *Manager {
	return &Manager{
		logger:     logger,
		dispatcher: dispatcher,
		callStyle:  CallDirect,
		jobs:       make(map[string]*Job),
		ctx:        context.Background(),
		now:        time.Now,
		sniff:      &http.Client{},
	}
}

// SetCallStyle overrides the dynamic calling convention
func (m *Manager) SetCallStyle(style CallStyle) {
	m.callStyle = style
}

// SetFinishedHook installs a callback fired on every terminal transition.
// Must be set before the first Enqueue.
func (m *Manager) SetFinishedHook(fn func(status Status)) {
	m.onFinished = fn
}

// Start attaches the shutdown context and launches the TTL sweeper.
// Job tasks are cancelled only by this context, never by clients.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	go m.sweepLoop(ctx)
}

// Enqueue registers a job and spawns its background task
func (m *Manager) Enqueue(req Request) (*Receipt, error) {
	if req.ToolName == "" {
		return nil, fmt.Errorf("tool_name is required")
	}

	now := m.now()
	job := &Job{
		ID:               NewJobID(),
		BearerToken:      NewBearerToken(),
		Status:           StatusQueued,
		ToolName:         req.ToolName,
		ServerID:         req.ServerID,
		DynamicURL:       req.DynamicURL,
		Parameters:       req.Parameters,
		CreatedAt:        now,
		ExpiresAt:        now.Add(JobTTL),
		dynamicAuthToken: req.DynamicAuthToken,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.logger.Info("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("tool", job.ToolName),
		zap.String("server", job.ServerID))

	go m.run(job)

	return &Receipt{
		JobID:       job.ID,
		BearerToken: job.BearerToken,
		Status:      StatusQueued,
		CreatedAt:   job.CreatedAt,
		ExpiresAt:   job.ExpiresAt,
	}, nil
}

// run executes one job to a terminal state
func (m *Manager) run(job *Job) {
	started := m.now()
	m.mu.Lock()
	job.Status = StatusProcessing
	job.StartedAt = &started
	m.mu.Unlock()

	result, err := m.execute(m.ctx, job)

	completed := m.now()
	m.mu.Lock()
	job.CompletedAt = &completed
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
		job.Result = result
	}
	terminal := job.Status
	m.mu.Unlock()

	if m.onFinished != nil {
		m.onFinished(terminal)
	}

	if err != nil {
		m.logger.Warn("Job failed",
			zap.String("job_id", job.ID),
			zap.String("tool", job.ToolName),
			zap.Error(err))
		return
	}
	m.logger.Info("Job completed",
		zap.String("job_id", job.ID),
		zap.String("tool", job.ToolName),
		zap.Duration("elapsed", completed.Sub(started)))
}

// execute dispatches by target: registered backend, dynamic backend, or
// tool-name discovery across every initialized backend.
func (m *Manager) execute(ctx context.Context, job *Job) (interface{}, error) {
	switch {
	case job.ServerID != "":
		return m.callRegistered(ctx, job.ServerID, job)
	case job.DynamicURL != "":
		return m.callDynamic(ctx, job)
	default:
		serverID, err := m.findBackendWithTool(ctx, job.ToolName)
		if err != nil {
			return nil, err
		}
		return m.callRegistered(ctx, serverID, job)
	}
}

func (m *Manager) callRegistered(ctx context.Context, serverID string, job *Job) (interface{}, error) {
	raw, err := m.dispatcher.RequestDetached(ctx, serverID, string(mcp.MethodToolsCall), map[string]interface{}{
		"name":      job.ToolName,
		"arguments": job.Parameters,
	})
	if err != nil {
		return nil, err
	}
	return decodeResult(raw), nil
}

// callDynamic opens a throwaway adapter for a backend that is not in the
// registry. The transport is inferred from the URL path or from a probe of
// the backend's stream content type. The default calling convention invokes
// the tool name directly as the JSON-RPC method, matching the behavior
// certain SSE backends expect.
func (m *Manager) callDynamic(ctx context.Context, job *Job) (interface{}, error) {
	spec := &config.ServerConfig{URL: job.DynamicURL}
	if job.dynamicAuthToken != "" {
		spec.Headers = map[string]string{"Authorization": "Bearer " + job.dynamicAuthToken}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	method := job.ToolName
	var params interface{} = job.Parameters
	if m.callStyle == CallToolsCall {
		method = string(mcp.MethodToolsCall)
		params = map[string]interface{}{"name": job.ToolName, "arguments": job.Parameters}
	}

	var adapter upstream.Adapter
	if m.isStreamBackend(ctx, spec) {
		// Pin the transport so the adapter uses the URL as its stream
		// endpoint even without the /sse suffix.
		spec.Type = config.TransportSSE
		sse := upstream.NewSSEAdapter("dynamic-"+job.ID, spec, m.logger)
		if err := sse.Start(ctx); err != nil {
			return nil, err
		}
		adapter = sse
	} else {
		// No handshake for one-shot http calls; the backend sees a single POST
		adapter = upstream.NewHTTPAdapter("dynamic-"+job.ID, spec, m.logger)
	}
	defer adapter.Shutdown(context.Background())

	raw, err := adapter.Request(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return decodeResult(raw), nil
}

// isStreamBackend reports whether a dynamic URL should be driven over SSE.
// The /sse path suffix decides without touching the network; any other URL
// is probed with a single GET and classified by its content type.
func (m *Manager) isStreamBackend(ctx context.Context, spec *config.ServerConfig) bool {
	if spec.Transport() == config.TransportSSE {
		return true
	}

	sniffCtx, cancel := context.WithTimeout(ctx, SniffTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sniffCtx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.sniff.Do(req)
	if err != nil {
		// An unreachable or POST-only backend falls back to plain http
		return false
	}
	resp.Body.Close()
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

// findBackendWithTool picks the first initialized backend whose tools/list
// contains the requested name.
func (m *Manager) findBackendWithTool(ctx context.Context, toolName string) (string, error) {
	for _, status := range m.dispatcher.List() {
		if !status.Connected {
			continue
		}
		raw, err := m.dispatcher.RequestDetached(ctx, status.ID, string(mcp.MethodToolsList), nil)
		if err != nil {
			continue
		}
		var list mcp.ListToolsResult
		if err := json.Unmarshal(raw, &list); err != nil {
			continue
		}
		for _, tool := range list.Tools {
			if tool.Name == toolName {
				return status.ID, nil
			}
		}
	}
	return "", fmt.Errorf("no initialized backend exposes tool %q", toolName)
}

// decodeResult converts a raw result member into plain values for storage
func decodeResult(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Poll returns a job snapshot after bearer-token and TTL checks. Expired
// entries are evicted on access. Terminal results are envelope-unwrapped.
func (m *Manager) Poll(jobID, bearerToken string) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if bearerToken == "" || bearerToken != job.BearerToken {
		return nil, ErrUnauthorized
	}
	if m.now().After(job.ExpiresAt) {
		delete(m.jobs, jobID)
		return nil, fmt.Errorf("%w: %s", ErrJobExpired, jobID)
	}

	view := &View{
		JobID:       job.ID,
		Status:      job.Status,
		ToolName:    job.ToolName,
		ServerID:    job.ServerID,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		ExpiresAt:   job.ExpiresAt,
	}
	switch job.Status {
	case StatusQueued, StatusProcessing:
		view.RetryAfter = int(RetryAfterHint.Seconds())
	case StatusCompleted:
		view.Result = UnwrapResult(job.Result)
	}
	return view, nil
}

// List returns the admin listing; bearer tokens never appear in it
func (m *Manager) List() []AdminView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]AdminView, 0, len(m.jobs))
	for _, job := range m.jobs {
		views = append(views, AdminView{
			JobID:       job.ID,
			Status:      job.Status,
			ToolName:    job.ToolName,
			ServerID:    job.ServerID,
			DynamicURL:  job.DynamicURL,
			Error:       job.Error,
			CreatedAt:   job.CreatedAt,
			StartedAt:   job.StartedAt,
			CompletedAt: job.CompletedAt,
			ExpiresAt:   job.ExpiresAt,
		})
	}
	return views
}

// Stats counts jobs by status for metrics reporting
func (m *Manager) Stats() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[Status]int, 4)
	for _, job := range m.jobs {
		stats[job.Status]++
	}
	return stats
}

// sweepLoop evicts expired jobs on a fixed cadence
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()
	var evicted int

	m.mu.Lock()
	for id, job := range m.jobs {
		if now.After(job.ExpiresAt) {
			delete(m.jobs, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Info("Evicted expired jobs", zap.Int("count", evicted))
	}
}
