package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/logs"
	"mcpbridge-go/internal/upstream/types"
)

// Supervisor errors surfaced to the REST facade
var (
	ErrNotFound       = errors.New("server not found")
	ErrAlreadyExists  = errors.New("server already exists")
	ErrNotInitialized = errors.New("server session is not initialized")
)

// Session is the runtime state the supervisor holds for one backend
type Session struct {
	ID        string
	Spec      *config.ServerConfig
	Transport config.TransportType
	Adapter   Adapter
	StartedAt time.Time
}

// SessionStatus is the health snapshot exposed on the REST surface
type SessionStatus struct {
	ID              string           `json:"id"`
	Connected       bool             `json:"connected"`
	PID             int              `json:"pid,omitempty"`
	State           string           `json:"initialization_state"`
	Transport       string           `json:"transport"`
	RiskLevel       config.RiskLevel `json:"risk_level,omitempty"`
	RiskDescription string           `json:"risk_description,omitempty"`
	ServerName      string           `json:"server_name,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
}

// Supervisor owns the registry of active backend sessions. It serializes
// start/stop per id, enforces the initialization timeout through the
// adapters, and routes requests to the right transport.
type Supervisor struct {
	logger *zap.Logger
	logCfg *config.LogConfig

	mu       sync.RWMutex
	sessions map[string]*Session
	starting map[string]struct{}
}

// NewSupervisor creates an empty supervisor
func NewSupervisor(logger *zap.Logger, logCfg *config.LogConfig) *Supervisor {
	return &Supervisor{
		logger:   logger,
		logCfg:   logCfg,
		sessions: make(map[string]*Session),
		starting: make(map[string]struct{}),
	}
}

// Start brings a backend into the initialized state. It rejects ids that
// are live or mid-start, and the caller observes either an initialized
// session or the error that prevented one.
func (s *Supervisor) Start(ctx context.Context, id string, spec *config.ServerConfig) error {
	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	if _, inFlight := s.starting[id]; inFlight {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is starting", ErrAlreadyExists, id)
	}
	s.starting[id] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.starting, id)
		s.mu.Unlock()
	}()

	var backendLogger *zap.Logger
	if spec.Transport() == config.TransportStdio && s.logCfg != nil && s.logCfg.EnableFile {
		if bl, err := logs.CreateBackendLogger(s.logCfg, id); err == nil {
			backendLogger = bl
		} else {
			s.logger.Warn("Failed to create backend log file",
				zap.String("server", id), zap.Error(err))
		}
	}

	adapter, err := NewAdapter(id, spec, s.logger, backendLogger)
	if err != nil {
		return err
	}

	if err := adapter.Start(ctx); err != nil {
		// Failed sessions never enter the registry
		return fmt.Errorf("failed to start %s: %w", id, err)
	}

	session := &Session{
		ID:        id,
		Spec:      spec,
		Transport: spec.Transport(),
		Adapter:   adapter,
		StartedAt: time.Now(),
	}

	// A transport loss after initialization removes the session
	adapter.State().SetStateChangeCallback(func(_, newState types.SessionState) {
		if newState == types.StateError {
			go s.removeErrored(id, session)
		}
	})

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	s.logger.Info("Backend session started",
		zap.String("server", id),
		zap.String("transport", string(session.Transport)))
	return nil
}

// removeErrored drops a session whose transport failed, if it is still the
// registered one for its id.
func (s *Supervisor) removeErrored(id string, session *Session) {
	s.mu.Lock()
	current, ok := s.sessions[id]
	if ok && current == session {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if ok && current == session {
		s.logger.Warn("Backend session lost, removed from registry",
			zap.String("server", id),
			zap.Error(session.Adapter.State().LastError()))
		_ = session.Adapter.Shutdown(context.Background())
	}
}

// Stop closes the adapter and removes the session
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	err := session.Adapter.Shutdown(ctx)
	s.logger.Info("Backend session stopped", zap.String("server", id))
	return err
}

// Get returns the live session for an id
func (s *Supervisor) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Request routes a synchronous call to the backend's adapter with the
// transport's named deadline applied.
func (s *Supervisor) Request(ctx context.Context, id, method string, params interface{}) (json.RawMessage, error) {
	session, err := s.lookupInitialized(id)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, SyncRequestTimeout(session.Transport))
	defer cancel()
	return session.Adapter.Request(callCtx, method, params)
}

// RequestDetached routes a background-job call with no deadline installed.
// The call runs to completion even if the submitting client goes away.
func (s *Supervisor) RequestDetached(ctx context.Context, id, method string, params interface{}) (json.RawMessage, error) {
	session, err := s.lookupInitialized(id)
	if err != nil {
		return nil, err
	}
	return session.Adapter.Request(ctx, method, params)
}

func (s *Supervisor) lookupInitialized(id string) (*Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !session.Adapter.State().IsInitialized() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInitialized, id, session.Adapter.State().GetState())
	}
	return session, nil
}

// List returns health snapshots for every session, sorted by id
func (s *Supervisor) List() []SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]SessionStatus, 0, len(s.sessions))
	for _, session := range s.sessions {
		statuses = append(statuses, s.status(session))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Count returns the number of live sessions
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Supervisor) status(session *Session) SessionStatus {
	info := session.Adapter.State().GetInfo()
	status := SessionStatus{
		ID:         session.ID,
		Connected:  info.State == types.StateInitialized,
		State:      info.State.String(),
		Transport:  string(session.Transport),
		ServerName: info.ServerName,
	}
	if info.LastError != nil {
		status.LastError = info.LastError.Error()
	}
	if stdio, ok := session.Adapter.(*StdioAdapter); ok {
		status.PID = stdio.PID()
	}
	if session.Spec.RiskLevel != config.RiskUnset {
		status.RiskLevel = session.Spec.RiskLevel
		status.RiskDescription = session.Spec.RiskDescription
		if status.RiskDescription == "" {
			status.RiskDescription = session.Spec.RiskLevel.Description()
		}
	}
	return status
}

// StopAll stops every live session in parallel and awaits completion.
// Called on process termination signals before exit.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.Adapter.Shutdown(ctx); err != nil {
				s.logger.Warn("Backend shutdown failed",
					zap.String("server", sess.ID), zap.Error(err))
			}
		}(session)
	}
	wg.Wait()
	s.logger.Info("All backend sessions stopped", zap.Int("count", len(sessions)))
}
