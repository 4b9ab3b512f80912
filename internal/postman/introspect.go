// Package postman introspects an MCP backend and synthesizes a Postman
// v2.1 collection describing its surface. The backend is started under a
// transient id, probed, and always torn down before the call returns.
package postman

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
)

// WarmupDelay bounds the wait between handshake completion and the first
// probe; some stdio servers register tools shortly after initialize.
const WarmupDelay = 2 * time.Second

// GenerateRequest is the introspection target, either a URL or a command
type GenerateRequest struct {
	ServerURL     string            `json:"serverUrl,omitempty"`
	ServerCommand string            `json:"serverCommand,omitempty"`
	ServerArgs    []string          `json:"serverArgs,omitempty"`
	ServerEnv     map[string]string `json:"serverEnv,omitempty"`
	AuthToken     string            `json:"authToken,omitempty"`
	Name          string            `json:"name,omitempty"`
}

// SessionRunner is the slice of the supervisor the generator needs
type SessionRunner interface {
	Start(ctx context.Context, id string, spec *config.ServerConfig) error
	Stop(ctx context.Context, id string) error
	Request(ctx context.Context, id, method string, params interface{}) (json.RawMessage, error)
}

// Generator runs transient backends and emits collections
type Generator struct {
	logger *zap.Logger
	runner SessionRunner
	warmup time.Duration
}

// NewGenerator creates a collection generator backed by the supervisor
func NewGenerator(logger *zap.Logger, runner SessionRunner) *Generator {
	return &Generator{logger: logger, runner: runner, warmup: WarmupDelay}
}

// surface holds the probe results; failed probes leave empty lists
type surface struct {
	Tools     []mcp.Tool
	Resources []mcp.Resource
	Prompts   []mcp.Prompt
}

// Generate starts a transient backend, discovers its tools, resources and
// prompts, and synthesizes the collection. The transient session is stopped
// on every exit path.
func (g *Generator) Generate(ctx context.Context, req *GenerateRequest) (*Collection, error) {
	spec, err := specFromRequest(req)
	if err != nil {
		return nil, err
	}

	id := "temp-" + ulid.Make().String()
	if err := g.runner.Start(ctx, id, spec); err != nil {
		return nil, fmt.Errorf("failed to start introspection backend: %w", err)
	}
	defer func() {
		if err := g.runner.Stop(context.Background(), id); err != nil {
			g.logger.Warn("Failed to stop introspection backend",
				zap.String("server", id), zap.Error(err))
		}
	}()

	select {
	case <-time.After(g.warmup):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	surf := g.probe(ctx, id)
	g.logger.Info("Backend introspected",
		zap.String("server", id),
		zap.Int("tools", len(surf.Tools)),
		zap.Int("resources", len(surf.Resources)),
		zap.Int("prompts", len(surf.Prompts)))

	return buildCollection(req, deriveServerID(req), surf), nil
}

// probe runs the three list calls in parallel; a failed probe contributes
// an empty capability class rather than failing the generation.
func (g *Generator) probe(ctx context.Context, id string) *surface {
	surf := &surface{}
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		raw, err := g.runner.Request(ctx, id, string(mcp.MethodToolsList), nil)
		if err != nil {
			g.logger.Debug("tools/list probe failed", zap.String("server", id), zap.Error(err))
			return
		}
		var list mcp.ListToolsResult
		if json.Unmarshal(raw, &list) == nil {
			surf.Tools = list.Tools
		}
	}()
	go func() {
		defer wg.Done()
		raw, err := g.runner.Request(ctx, id, string(mcp.MethodResourcesList), nil)
		if err != nil {
			g.logger.Debug("resources/list probe failed", zap.String("server", id), zap.Error(err))
			return
		}
		var list mcp.ListResourcesResult
		if json.Unmarshal(raw, &list) == nil {
			surf.Resources = list.Resources
		}
	}()
	go func() {
		defer wg.Done()
		raw, err := g.runner.Request(ctx, id, string(mcp.MethodPromptsList), nil)
		if err != nil {
			g.logger.Debug("prompts/list probe failed", zap.String("server", id), zap.Error(err))
			return
		}
		var list mcp.ListPromptsResult
		if json.Unmarshal(raw, &list) == nil {
			surf.Prompts = list.Prompts
		}
	}()
	wg.Wait()

	return surf
}

func specFromRequest(req *GenerateRequest) (*config.ServerConfig, error) {
	switch {
	case req.ServerURL != "":
		spec := &config.ServerConfig{URL: req.ServerURL}
		if req.AuthToken != "" {
			spec.Headers = map[string]string{"Authorization": "Bearer " + req.AuthToken}
		}
		return spec, spec.Validate()
	case req.ServerCommand != "":
		spec := &config.ServerConfig{
			Command: req.ServerCommand,
			Args:    req.ServerArgs,
			Env:     req.ServerEnv,
		}
		return spec, spec.Validate()
	default:
		return nil, fmt.Errorf("either serverUrl or serverCommand is required")
	}
}

// genericSegments are path/arg tokens that never identify a server
var genericSegments = map[string]bool{
	"mcp": true, "sse": true, "api": true, "v1": true, "v2": true,
	"server": true, "servers": true, "index": true, "main": true,
}

// deriveServerID picks a stable identifier for the collection's server_id
// variable: a distinctive path or argument token when one exists, otherwise
// the hostname's first label.
func deriveServerID(req *GenerateRequest) string {
	if req.Name != "" {
		return sanitizeID(req.Name)
	}

	if req.ServerURL != "" {
		if u, err := url.Parse(req.ServerURL); err == nil {
			for _, seg := range strings.Split(u.Path, "/") {
				seg = strings.TrimSuffix(seg, ".js")
				if seg != "" && !genericSegments[strings.ToLower(seg)] {
					return sanitizeID(seg)
				}
			}
			if host := u.Hostname(); host != "" {
				return sanitizeID(strings.Split(host, ".")[0])
			}
		}
		return "mcp-server"
	}

	// Command form: prefer a script-looking argument over the interpreter
	for _, arg := range req.ServerArgs {
		base := lastPathSegment(arg)
		base = strings.TrimSuffix(strings.TrimSuffix(base, ".js"), ".py")
		if base != "" && !strings.HasPrefix(base, "-") && !genericSegments[strings.ToLower(base)] {
			return sanitizeID(base)
		}
	}
	if req.ServerCommand != "" {
		return sanitizeID(lastPathSegment(req.ServerCommand))
	}
	return "mcp-server"
}

func lastPathSegment(s string) string {
	s = strings.ReplaceAll(s, "\\", "/")
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "mcp-server"
	}
	return out
}
