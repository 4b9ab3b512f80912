package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/jsonrpc"
	"mcpbridge-go/internal/upstream/types"
)

const notificationInitialized = "notifications/initialized"

// maxLineSize bounds a single newline-delimited frame from the child (10MB)
const maxLineSize = 10 * 1024 * 1024

// StdioAdapter speaks newline-delimited JSON-RPC over a spawned child
// process's standard streams. High-risk backends have their executable
// rewritten through the isolation runtime before spawning.
type StdioAdapter struct {
	id            string
	spec          *config.ServerConfig
	logger        *zap.Logger
	backendLogger *zap.Logger
	state         *types.StateManager
	isolation     *IsolationManager

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex // writes are atomic at the line boundary

	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Response

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStdioAdapter creates a stdio adapter; the child is not spawned until Start
func NewStdioAdapter(id string, spec *config.ServerConfig, logger, backendLogger *zap.Logger) *StdioAdapter {
	return &StdioAdapter{
		id:            id,
		spec:          spec,
		logger:        logger.With(zap.String("server", id)),
		backendLogger: backendLogger,
		state:         types.NewStateManager(),
		isolation:     NewIsolationManager(logger),
		pending:       make(map[string]chan *jsonrpc.Response),
		closed:        make(chan struct{}),
	}
}

// State exposes the session state machine
func (a *StdioAdapter) State() *types.StateManager {
	return a.state
}

// PID returns the child process id, or 0 before Start
func (a *StdioAdapter) PID() int {
	if a.cmd != nil && a.cmd.Process != nil {
		return a.cmd.Process.Pid
	}
	return 0
}

// Start spawns the child process and performs the MCP initialize handshake.
// The session reaches initialized only after the matching initialize
// response arrives and the initialized notification has been emitted.
func (a *StdioAdapter) Start(ctx context.Context) error {
	command := a.spec.Command
	args := a.spec.Args

	if a.isolation.ShouldIsolate(a.spec) {
		command, args = a.isolation.BuildCommand(a.spec)
		a.logger.Info("Routing backend through isolation runtime",
			zap.String("image", a.spec.Docker.Image),
			zap.String("command", command))
	}

	cmd := exec.Command(command, args...)
	cmd.Env = mergedEnviron(a.spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		a.state.SetError(err)
		return fmt.Errorf("failed to spawn %s: %w", command, err)
	}
	a.cmd = cmd
	a.stdin = stdin

	a.logger.Info("Spawned stdio backend",
		zap.String("command", command),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid))

	go a.readLoop(stdout)
	go a.stderrLoop(stderr)
	go a.waitLoop()

	if err := a.initialize(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}
	return nil
}

// initialize performs the handshake: initialize with request id 1, then the
// initialized notification once the matching response is in.
func (a *StdioAdapter) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    mcp.ClientCapabilities{},
		"clientInfo":      mcp.Implementation{Name: clientName, Version: clientVersion},
	}

	result, err := a.exchange(ctx, 1, string(mcp.MethodInitialize), params, InitializeTimeout)
	if err != nil {
		if errors.Is(err, ErrResponseTimeout) {
			a.state.TransitionTo(types.StateTimeout)
			return fmt.Errorf("%w after %s", ErrInitializeTimeout, InitializeTimeout)
		}
		a.state.SetError(err)
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	var init struct {
		ServerInfo mcp.Implementation `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &init); err == nil {
		a.state.SetServerInfo(init.ServerInfo.Name, init.ServerInfo.Version)
	}

	if err := a.writeFrame(jsonrpc.NewNotification(notificationInitialized, nil)); err != nil {
		a.state.SetError(err)
		return fmt.Errorf("failed to emit initialized notification: %w", err)
	}

	a.state.TransitionTo(types.StateInitialized)
	a.logger.Info("Stdio backend initialized",
		zap.String("server_name", a.state.GetInfo().ServerName))
	return nil
}

// Request sends one correlated JSON-RPC request. The caller's context
// carries the deadline; background jobs pass one without.
func (a *StdioAdapter) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	select {
	case <-a.closed:
		return nil, ErrTransportClosed
	default:
	}
	return a.exchange(ctx, jsonrpc.NewID(), method, params, 0)
}

// exchange writes a request frame and waits for its correlated response.
// A non-zero wait bounds the exchange independently of ctx.
func (a *StdioAdapter) exchange(ctx context.Context, id interface{}, method string, params interface{}, wait time.Duration) (json.RawMessage, error) {
	key := jsonrpc.IDKey(id)
	ch := make(chan *jsonrpc.Response, 1)

	a.pendingMu.Lock()
	a.pending[key] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, key)
		a.pendingMu.Unlock()
	}()

	if err := a.writeFrame(jsonrpc.NewRequest(id, method, params)); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timeout:
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrResponseTimeout, ctx.Err())
	case <-a.closed:
		return nil, ErrTransportClosed
	}
}

// writeFrame writes one frame as a single line; the write mutex guarantees
// no interleaved partial frames on the child's input stream.
func (a *StdioAdapter) writeFrame(req *jsonrpc.Request) error {
	data, err := jsonrpc.Encode(req)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	return nil
}

// readLoop parses newline-delimited JSON from the child's output and
// delivers responses to their pending handler. Lines that do not parse as
// JSON-RPC responses are tolerated and logged.
func (a *StdioAdapter) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp, err := jsonrpc.DecodeResponse([]byte(line))
		if err != nil {
			a.logger.Debug("Ignoring non-response output from backend",
				zap.String("line", truncateLine(line, 200)))
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; the bridge has no consumers for these
			continue
		}

		a.pendingMu.Lock()
		ch, ok := a.pending[jsonrpc.IDKey(resp.ID)]
		a.pendingMu.Unlock()
		if !ok {
			a.logger.Debug("Dropping response with no pending handler",
				zap.Any("id", resp.ID))
			continue
		}
		ch <- resp
	}

	if err := scanner.Err(); err != nil {
		a.logger.Warn("Backend output stream error", zap.Error(err))
	}
}

// stderrLoop forwards child stderr into the backend log file
func (a *StdioAdapter) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if a.backendLogger != nil {
			a.backendLogger.Info(scanner.Text())
		}
	}
}

// waitLoop reaps the child; a crash transitions the session to error and
// drops all pending handlers.
func (a *StdioAdapter) waitLoop() {
	err := a.cmd.Wait()
	a.closeOnce.Do(func() { close(a.closed) })

	if a.state.GetState() == types.StateInitialized || a.state.GetState() == types.StateStarting {
		if err == nil {
			err = fmt.Errorf("backend process exited")
		}
		a.state.SetError(fmt.Errorf("%w: %s", ErrTransportClosed, err))
		a.logger.Warn("Stdio backend exited", zap.Error(err))
	}
}

// Shutdown terminates the child gracefully: close stdin, SIGTERM, then kill
// after a short grace period.
func (a *StdioAdapter) Shutdown(ctx context.Context) error {
	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}

	a.writeMu.Lock()
	_ = a.stdin.Close()
	a.writeMu.Unlock()

	_ = a.cmd.Process.Signal(os.Interrupt)

	grace := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}

	select {
	case <-a.closed:
	case <-time.After(grace):
		a.logger.Warn("Backend did not exit on signal, killing")
		_ = a.cmd.Process.Kill()
		<-a.closed
	}
	return nil
}

// mergedEnviron overlays spec env on the inherited process environment
func mergedEnviron(overlay map[string]string) []string {
	env := os.Environ()
	for k, v := range overlay {
		prefix := k + "="
		replaced := false
		for i, kv := range env {
			if strings.HasPrefix(kv, prefix) {
				env[i] = prefix + v
				replaced = true
				break
			}
		}
		if !replaced {
			env = append(env, prefix+v)
		}
	}
	return env
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
