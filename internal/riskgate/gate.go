// Package riskgate enforces the Low/Medium/High policy on tool invocations.
// Medium-risk calls are suspended behind single-use confirmations; high-risk
// calls are annotated with their isolation environment (the rewrite of the
// executable itself happens at session start).
package riskgate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
)

// ConfirmationTTL is how long a pending confirmation stays usable
const ConfirmationTTL = 10 * time.Minute

var (
	// ErrUnknownConfirmation means the id was never allocated (or already consumed)
	ErrUnknownConfirmation = errors.New("unknown confirmation id")
	// ErrExpiredConfirmation means the entry aged past its TTL
	ErrExpiredConfirmation = errors.New("confirmation expired")
)

// PendingConfirmation captures a suspended medium-risk tool call
type PendingConfirmation struct {
	ID        string                 `json:"confirmation_id"`
	ServerID  string                 `json:"server_id"`
	Method    string                 `json:"method"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Challenge is the immediate REST response for a suspended call
type Challenge struct {
	RequiresConfirmation bool      `json:"requires_confirmation"`
	ConfirmationID       string    `json:"confirmation_id"`
	RiskLevel            int       `json:"risk_level"`
	RiskDescription      string    `json:"risk_description"`
	ServerID             string    `json:"server_id"`
	Method               string    `json:"method"`
	ToolName             string    `json:"tool_name"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// Gate owns the pending-confirmations table. Entries are created for
// medium-risk calls, consumed exactly once, and rejected after expiry.
type Gate struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingConfirmation

	now func() time.Time
}

// NewGate creates an empty gate
func NewGate(logger *zap.Logger) *Gate {
	return &Gate{
		logger:  logger,
		pending: make(map[string]*PendingConfirmation),
		now:     time.Now,
	}
}

// Check inspects a tools/call against the backend's risk policy. For a
// medium-risk backend it allocates a pending confirmation and returns the
// challenge; the backend receives no request. Low, unset, and high risk
// pass through (high-risk backends already run isolated).
func (g *Gate) Check(serverID string, spec *config.ServerConfig, toolName string, arguments map[string]interface{}) *Challenge {
	if spec.RiskLevel != config.RiskMedium {
		return nil
	}

	entry := &PendingConfirmation{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Method:    "tools/call",
		ToolName:  toolName,
		Arguments: arguments,
		CreatedAt: g.now(),
	}
	entry.ExpiresAt = entry.CreatedAt.Add(ConfirmationTTL)

	g.mu.Lock()
	g.cleanupLocked()
	g.pending[entry.ID] = entry
	g.mu.Unlock()

	g.logger.Info("Suspended medium-risk tool call pending confirmation",
		zap.String("server", serverID),
		zap.String("tool", toolName),
		zap.String("confirmation_id", entry.ID))

	description := spec.RiskDescription
	if description == "" {
		description = spec.RiskLevel.Description()
	}

	return &Challenge{
		RequiresConfirmation: true,
		ConfirmationID:       entry.ID,
		RiskLevel:            int(spec.RiskLevel),
		RiskDescription:      description,
		ServerID:             serverID,
		Method:               entry.Method,
		ToolName:             toolName,
		ExpiresAt:            entry.ExpiresAt,
	}
}

// Take consumes a pending confirmation. The entry is removed whether the
// caller confirms or rejects; an expired entry is removed and reported as
// such.
func (g *Gate) Take(confirmationID string) (*PendingConfirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.pending[confirmationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConfirmation, confirmationID)
	}
	delete(g.pending, confirmationID)

	if g.now().After(entry.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrExpiredConfirmation, confirmationID)
	}
	return entry, nil
}

// PendingCount returns the number of live entries
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// cleanupLocked drops expired entries; called with the mutex held
func (g *Gate) cleanupLocked() {
	now := g.now()
	for id, entry := range g.pending {
		if now.After(entry.ExpiresAt) {
			delete(g.pending, id)
		}
	}
}

// ExecutionEnvironment is the annotation attached to high-risk results
type ExecutionEnvironment struct {
	RiskLevel       int    `json:"risk_level"`
	RiskDescription string `json:"risk_description"`
	Docker          bool   `json:"docker"`
	DockerImage     string `json:"docker_image,omitempty"`
}

// EnvironmentFor builds the execution-environment annotation for a backend,
// or nil when the backend is not high risk.
func EnvironmentFor(spec *config.ServerConfig) *ExecutionEnvironment {
	if spec.RiskLevel != config.RiskHigh {
		return nil
	}
	description := spec.RiskDescription
	if description == "" {
		description = spec.RiskLevel.Description()
	}
	env := &ExecutionEnvironment{
		RiskLevel:       int(spec.RiskLevel),
		RiskDescription: description,
		Docker:          true,
	}
	if spec.Docker != nil {
		env.DockerImage = spec.Docker.Image
	}
	return env
}
