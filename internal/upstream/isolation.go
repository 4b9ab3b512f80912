package upstream

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
)

const isolationRuntime = "docker"

// IsolationManager rewrites high-risk stdio backends so the child executes
// inside the isolation runtime. Validation has already guaranteed that a
// high-risk spec carries a complete docker descriptor; anything else is
// downgraded before it reaches the adapters.
type IsolationManager struct {
	logger *zap.Logger
}

// NewIsolationManager creates an isolation manager
func NewIsolationManager(logger *zap.Logger) *IsolationManager {
	return &IsolationManager{logger: logger}
}

// ShouldIsolate reports whether the spec must run inside the runtime
func (im *IsolationManager) ShouldIsolate(spec *config.ServerConfig) bool {
	return spec.RiskLevel == config.RiskHigh && spec.Docker.Complete() && spec.Command != ""
}

// BuildCommand rewrites the executable vector to
//
//	docker run --rm -i [-e KEY=VAL]* [-v VOL]* [--network NET] IMAGE CMD ARGS...
//
// The environment overlay travels into the container explicitly; volumes and
// network mode come from the isolation descriptor.
func (im *IsolationManager) BuildCommand(spec *config.ServerConfig) (string, []string) {
	args := []string{"run", "--rm", "-i"}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	for _, volume := range spec.Docker.Volumes {
		args = append(args, "-v", volume)
	}
	if spec.Docker.Network != "" {
		args = append(args, "--network", spec.Docker.Network)
	}

	args = append(args, spec.Docker.Image)
	args = append(args, spec.Command)
	args = append(args, spec.Args...)

	return isolationRuntime, args
}
