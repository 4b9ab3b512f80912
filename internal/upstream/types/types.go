// Package types holds the session state machine shared by all transports.
package types

import (
	"fmt"
	"sync"
	"time"
)

// SessionState represents the initialization state of an upstream session
type SessionState int

const (
	// StateStarting indicates the MCP handshake is in progress
	StateStarting SessionState = iota
	// StateInitialized indicates the handshake succeeded and the session accepts requests
	StateInitialized
	// StateTimeout indicates the handshake did not complete within the deadline
	StateTimeout
	// StateError indicates the transport failed or the handshake was rejected
	StateError
)

// String returns the wire representation of the session state
func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateInitialized:
		return "initialized"
	case StateTimeout:
		return "timeout"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionInfo is a point-in-time snapshot of a session's state
type SessionInfo struct {
	State         SessionState `json:"state"`
	LastError     error        `json:"last_error,omitempty"`
	ServerName    string       `json:"server_name,omitempty"`
	ServerVersion string       `json:"server_version,omitempty"`
	StartedAt     time.Time    `json:"started_at,omitempty"`
}

// StateManager manages the state transitions for an upstream session
type StateManager struct {
	mu            sync.RWMutex
	currentState  SessionState
	lastError     error
	serverName    string
	serverVersion string
	startedAt     time.Time

	onStateChange func(oldState, newState SessionState)
}

// NewStateManager creates a state manager in the starting state
func NewStateManager() *StateManager {
	return &StateManager{
		currentState: StateStarting,
		startedAt:    time.Now(),
	}
}

// SetStateChangeCallback sets a callback invoked on every transition
func (sm *StateManager) SetStateChangeCallback(callback func(oldState, newState SessionState)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStateChange = callback
}

// GetState returns the current session state
func (sm *StateManager) GetState() SessionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// GetInfo returns a snapshot of the session state
func (sm *StateManager) GetInfo() SessionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return SessionInfo{
		State:         sm.currentState,
		LastError:     sm.lastError,
		ServerName:    sm.serverName,
		ServerVersion: sm.serverVersion,
		StartedAt:     sm.startedAt,
	}
}

// TransitionTo transitions to a new state
func (sm *StateManager) TransitionTo(newState SessionState) {
	sm.mu.Lock()
	oldState := sm.currentState

	if err := ValidateTransition(oldState, newState); err != nil {
		// Tolerated: shutdown races can observe a terminal state twice
		sm.mu.Unlock()
		return
	}

	sm.currentState = newState
	if newState == StateInitialized {
		sm.lastError = nil
	}
	callback := sm.onStateChange
	sm.mu.Unlock()

	// Call the callback outside the lock to avoid deadlocks
	if callback != nil {
		callback(oldState, newState)
	}
}

// SetError records an error and transitions to the error state
func (sm *StateManager) SetError(err error) {
	sm.mu.Lock()
	oldState := sm.currentState
	sm.currentState = StateError
	sm.lastError = err
	callback := sm.onStateChange
	sm.mu.Unlock()

	if callback != nil && oldState != StateError {
		callback(oldState, StateError)
	}
}

// SetServerInfo records the backend's advertised identity
func (sm *StateManager) SetServerInfo(name, version string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.serverName = name
	sm.serverVersion = version
}

// IsInitialized reports whether the session accepts requests
func (sm *StateManager) IsInitialized() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState == StateInitialized
}

// LastError returns the most recent recorded error
func (sm *StateManager) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastError
}

// ValidateTransition validates whether a state transition is allowed
func ValidateTransition(from, to SessionState) error {
	validTransitions := map[SessionState][]SessionState{
		StateStarting:    {StateInitialized, StateTimeout, StateError},
		StateInitialized: {StateError},
		StateTimeout:     {},
		StateError:       {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid source state: %s", from)
	}
	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
